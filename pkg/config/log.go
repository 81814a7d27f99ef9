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

package config

import (
	"fmt"
)

// pkg/log registers itself as a configuration module, so it can't be imported
// here. It hands us its functions through SetLogger instead.

// Logger is our set of logging functions.
type Logger struct {
	Debug func(string, ...interface{})
	Info  func(string, ...interface{})
	Error func(string, ...interface{})
	Panic func(string, ...interface{})
}

var log = Logger{
	Debug: func(string, ...interface{}) {},
	Info:  func(f string, a ...interface{}) { fmt.Printf("I: [config] "+f+"\n", a...) },
	Error: func(f string, a ...interface{}) { fmt.Printf("E: [config] "+f+"\n", a...) },
	Panic: func(f string, a ...interface{}) { panic(fmt.Sprintf("[config] "+f, a...)) },
}

// SetLogger sets the functions used for logging.
func SetLogger(l Logger) {
	if l.Debug != nil {
		log.Debug = l.Debug
	}
	if l.Info != nil {
		log.Info = l.Info
	}
	if l.Error != nil {
		log.Error = l.Error
	}
	if l.Panic != nil {
		log.Panic = l.Panic
	}
}
