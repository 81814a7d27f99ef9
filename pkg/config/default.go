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

// runtime is the configuration all packages register their modules with.
var runtime = NewConfig()

// Register registers a module with the runtime configuration, panicking on conflicts.
func Register(name, description string, ptr interface{}, defaults func() interface{}, opts ...Option) *Module {
	m, err := runtime.Register(name, description, ptr, defaults, opts...)
	if err != nil {
		log.Panic("%v", err)
	}
	return m
}

// GetConfig returns the runtime configuration.
func GetConfig() *Config {
	return runtime
}

// ParseYAMLFile updates the runtime configuration from a file.
func ParseYAMLFile(path string) error {
	return runtime.ParseYAMLFile(path)
}

// ParseYAMLData updates the runtime configuration from YAML data.
func ParseYAMLData(raw []byte, source Source) error {
	return runtime.ParseYAMLData(raw, source)
}

// Dump returns the runtime configuration as YAML.
func Dump() (string, error) {
	return runtime.Dump()
}
