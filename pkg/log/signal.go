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

package log

import (
	"os"
	"os/signal"
)

// toggle is the channel of the active debug toggle signal handler, if any.
var toggle chan os.Signal

// SetupDebugToggleSignal makes sig toggle forced debugging for all sources.
func SetupDebugToggleSignal(sig os.Signal) {
	ClearDebugToggleSignal()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sig)

	log.Lock()
	toggle = ch
	log.Unlock()

	go func() {
		for range ch {
			log.Lock()
			log.forced = !log.forced
			forced := log.forced
			log.Unlock()
			deflog.Warn("forced debugging is now %v", map[bool]string{false: "off", true: "on"}[forced])
		}
	}()
}

// ClearDebugToggleSignal removes any debug toggle signal handler.
func ClearDebugToggleSignal() {
	log.Lock()
	defer log.Unlock()
	if toggle != nil {
		signal.Stop(toggle)
		close(toggle)
		toggle = nil
	}
}
