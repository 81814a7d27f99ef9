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
	"bufio"
	"context"
	"flag"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/intel/kcore/pkg/config"
	"github.com/intel/kcore/pkg/instrumentation"
	"github.com/intel/kcore/pkg/kernel"
	"github.com/intel/kcore/pkg/kernel/abi"
	"github.com/intel/kcore/pkg/kernel/blockdev"
	"github.com/intel/kcore/pkg/kernel/loader"
	"github.com/intel/kcore/pkg/kernel/monitor"
	logger "github.com/intel/kcore/pkg/log"
)

const (
	// time given to processes to exit after SIGTERM
	terminateGrace = 5 * time.Second
)

var log = logger.Default()

// populate adds the regular files under dir to fs, rooted at /.
func populate(fs *loader.MemFS, dir string) error {
	return filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		fs.Add(path.Join("/", filepath.ToSlash(rel)), data)
		return nil
	})
}

func workloadPaths() []string {
	var paths []string
	for _, w := range strings.Split(opt.workloads, ",") {
		if w = strings.TrimSpace(w); w != "" {
			paths = append(paths, path.Join("/bin", w))
		}
	}
	return paths
}

func main() {
	flag.Parse()

	if len(flag.Args()) != 0 {
		log.Error("unknown command-line arguments: %s", strings.Join(flag.Args(), ","))
		flag.Usage()
		os.Exit(1)
	}

	logger.SetupDebugToggleSignal(syscall.SIGUSR1)

	if opt.configFile != "" {
		if err := config.ParseYAMLFile(opt.configFile); err != nil {
			log.Fatal("failed to read configuration: %v", err)
		}
	}

	if err := instrumentation.Start(); err != nil {
		log.Fatal("failed to set up instrumentation: %v", err)
	}
	defer instrumentation.Stop()

	rootfs := loader.NewMemFS()
	if opt.rootDir != "" {
		if err := populate(rootfs, opt.rootDir); err != nil && !os.IsNotExist(err) {
			log.Fatal("failed to populate file system from %s: %v", opt.rootDir, err)
		}
	}

	collaborators := kernel.Collaborators{FS: rootfs}
	if opt.swapFile != "" {
		dev, err := blockdev.OpenFile(opt.swapFile, swapBlockSize, opt.swapBlocks)
		if err != nil {
			log.Fatal("failed to open swap device: %v", err)
		}
		collaborators.Device = dev
	}

	k, err := kernel.New(kernel.ConfigFromOptions(), collaborators)
	if err != nil {
		log.Fatal("failed to create kernel: %v", err)
	}
	if err := install(k, rootfs); err != nil {
		log.Fatal("failed to install programs: %v", err)
	}
	if err := k.RegisterMetrics(); err != nil {
		log.Fatal("failed to register metrics: %v", err)
	}
	argv := append([]string{"/sbin/init"}, workloadPaths()...)
	if err := k.Start("/sbin/init", argv, []string{"PATH=/bin", "HOME=/"}); err != nil {
		log.Fatal("failed to start init: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return k.Run(ctx) })
	g.Go(func() error {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigs)

		select {
		case <-ctx.Done():
			return nil
		case <-k.InitDone():
		case sig := <-sigs:
			log.Info("received %v, terminating init...", sig)
			if err := k.PostEvent(1, abi.SIGTERM); err != nil {
				log.Error("failed to terminate init: %v", err)
			}
			select {
			case <-k.InitDone():
			case <-time.After(terminateGrace):
				log.Warn("init did not exit in %v", terminateGrace)
			case <-sigs:
			}
		}
		cancel()
		return nil
	})
	if opt.monitor {
		go func() {
			m := monitor.New(k, "kcore> ", bufio.NewReader(os.Stdin), bufio.NewWriter(os.Stdout))
			m.Interact()
			cancel()
		}()
	}

	if err := g.Wait(); err != nil {
		log.Error("kernel failed: %v", err)
	}
	if err := k.Close(); err != nil {
		log.Error("failed to close kernel: %v", err)
	}
	select {
	case <-k.InitDone():
		log.Info("init exited with status %#x", k.InitStatus())
	default:
	}
	logger.Flush()
}
