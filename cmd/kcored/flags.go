// Copyright 2024 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"flag"
)

const (
	// default swap device geometry, 4 KiB blocks
	defaultSwapBlocks = 16384
	swapBlockSize     = 4096
)

// options captures our command line options.
type options struct {
	configFile string // file to parse for configuration.
	rootDir    string // host directory to populate the file system from.
	swapFile   string // file backing the swap device.
	swapBlocks uint64 // size of the swap device in blocks.
	workloads  string // programs for init to start.
	monitor    bool   // run the interactive monitor on stdin.
}

var opt = options{}

func init() {
	flag.StringVar(&opt.configFile, "config", "", "file to read configuration from.")
	flag.StringVar(&opt.rootDir, "root", "", "host directory whose files are added to the file system.")
	flag.StringVar(&opt.swapFile, "swap-file", "", "file backing the swap device, compressed swap only if empty.")
	flag.Uint64Var(&opt.swapBlocks, "swap-blocks", defaultSwapBlocks, "number of blocks on the swap device.")
	flag.StringVar(&opt.workloads, "workloads", "spin,memhog,pingpong", "comma-separated programs for init to start from /bin.")
	flag.BoolVar(&opt.monitor, "monitor", false, "run the interactive kernel monitor on standard input.")
}
