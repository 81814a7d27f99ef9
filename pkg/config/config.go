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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"sigs.k8s.io/yaml"
)

// Source describes where configuration data has been acquired from.
type Source string

const (
	// Defaults is the builtin default configuration.
	Defaults Source = "defaults"
	// ConfigFile is a YAML/JSON file configuration source.
	ConfigFile Source = "configuration file"
	// External is an external configuration source.
	External Source = "external configuration"
	// ConfigBackup is a Snapshot, a backup of a previous configuration.
	ConfigBackup Source = "configuration backup"
)

// Event describes the reason why a notification callback has been invoked.
type Event string

const (
	// UpdateEvent is the event type for a configuration update.
	UpdateEvent Event = "updated"
	// RevertEvent is the event type for a configuration rollback.
	RevertEvent Event = "reverted"
)

// NotifyFn is the type of a configuration change notification function.
type NotifyFn func(Event, Source) error

// Validator is implemented by module data that can check itself after an update.
type Validator interface {
	Validate() error
}

// Config is a collection of configuration modules.
type Config struct {
	sync.Mutex
	modules map[string]*Module
}

// Module is a named piece of configuration data bound to a Go struct.
type Module struct {
	name        string
	description string
	ptr         interface{}
	defaults    func() interface{}
	notify      []NotifyFn
}

// Option is an option for a Module.
type Option func(*Module)

// WithNotify adds a notification callback to a Module.
func WithNotify(fn NotifyFn) Option {
	return func(m *Module) {
		m.notify = append(m.notify, fn)
	}
}

// Snapshot is a serialized copy of all module data.
type Snapshot map[string][]byte

// NewConfig creates an empty configuration.
func NewConfig() *Config {
	return &Config{modules: make(map[string]*Module)}
}

// Register binds ptr to the named module. defaults must return a pointer of the same type.
func (c *Config) Register(name, description string, ptr interface{}, defaults func() interface{}, opts ...Option) (*Module, error) {
	c.Lock()
	defer c.Unlock()

	if _, ok := c.modules[name]; ok {
		return nil, configError("module %q already registered", name)
	}
	if reflect.TypeOf(ptr) != reflect.TypeOf(defaults()) || reflect.TypeOf(ptr).Kind() != reflect.Ptr {
		return nil, configError("module %q: data %T and defaults %T mismatch",
			name, ptr, defaults())
	}

	m := &Module{
		name:        name,
		description: description,
		ptr:         ptr,
		defaults:    defaults,
	}
	for _, o := range opts {
		o(m)
	}
	m.reset()
	c.modules[name] = m

	return m, nil
}

// Modules returns the sorted names of all registered modules.
func (c *Config) Modules() []string {
	c.Lock()
	defer c.Unlock()
	return c.sortedNames()
}

// Describe returns the description of the named module.
func (c *Config) Describe(name string) string {
	c.Lock()
	defer c.Unlock()
	if m, ok := c.modules[name]; ok {
		return m.description
	}
	return ""
}

// ParseYAMLFile parses the given YAML file and updates the configuration.
func (c *Config) ParseYAMLFile(path string) error {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return configError("failed to read configuration file %s: %v", path, err)
	}
	return c.ParseYAMLData(raw, ConfigFile)
}

// ParseYAMLData parses the given YAML data and updates the configuration. Modules
// missing from the data revert to their defaults. On any failure the previous
// configuration is restored and a RevertEvent is sent.
func (c *Config) ParseYAMLData(raw []byte, source Source) error {
	data := map[string]json.RawMessage{}
	if len(raw) > 0 {
		jsonData, err := yaml.YAMLToJSON(raw)
		if err != nil {
			return configError("invalid YAML data: %v", err)
		}
		if err := json.Unmarshal(jsonData, &data); err != nil {
			return configError("invalid configuration data: %v", err)
		}
	}

	c.Lock()
	defer c.Unlock()

	var errs *multierror.Error
	for name := range data {
		if _, ok := c.modules[name]; !ok {
			errs = multierror.Append(errs, configError("unknown module %q", name))
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return err
	}

	backup := c.backup()
	for _, name := range c.sortedNames() {
		if err := c.modules[name].apply(data[name]); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if errs.ErrorOrNil() == nil {
		errs = multierror.Append(errs, c.notify(UpdateEvent, source))
	}
	if err := errs.ErrorOrNil(); err != nil {
		c.restore(backup)
		c.notify(RevertEvent, ConfigBackup)
		return err
	}

	return nil
}

// Backup takes a snapshot of the current configuration.
func (c *Config) Backup() Snapshot {
	c.Lock()
	defer c.Unlock()
	return c.backup()
}

// Restore restores a previously taken Snapshot and notifies all modules.
func (c *Config) Restore(s Snapshot) error {
	c.Lock()
	defer c.Unlock()
	if err := c.restore(s); err != nil {
		return err
	}
	return c.notify(RevertEvent, ConfigBackup)
}

// Reset resets all modules to their defaults and notifies them.
func (c *Config) Reset() error {
	return c.ParseYAMLData(nil, Defaults)
}

// Dump returns the current configuration as YAML.
func (c *Config) Dump() (string, error) {
	c.Lock()
	defer c.Unlock()

	all := map[string]interface{}{}
	for name, m := range c.modules {
		all[name] = m.ptr
	}
	raw, err := yaml.Marshal(all)
	if err != nil {
		return "", configError("failed to dump configuration: %v", err)
	}
	return string(raw), nil
}

func (c *Config) sortedNames() []string {
	names := make([]string, 0, len(c.modules))
	for name := range c.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Config) backup() Snapshot {
	s := Snapshot{}
	for name, m := range c.modules {
		raw, err := json.Marshal(m.ptr)
		if err != nil {
			log.Error("failed to back up module %s: %v", name, err)
			continue
		}
		s[name] = raw
	}
	return s
}

func (c *Config) restore(s Snapshot) error {
	var errs *multierror.Error
	for name, m := range c.modules {
		if err := m.apply(s[name]); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (c *Config) notify(event Event, source Source) error {
	var errs *multierror.Error
	for _, name := range c.sortedNames() {
		m := c.modules[name]
		for _, fn := range m.notify {
			if err := fn(event, source); err != nil {
				errs = multierror.Append(errs,
					configError("module %s: configuration rejected: %v", name, err))
			}
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		log.Error("%v", err)
		return err
	}
	return nil
}

// Name returns the name of the module.
func (m *Module) Name() string {
	return m.name
}

// reset sets module data to its defaults.
func (m *Module) reset() {
	reflect.ValueOf(m.ptr).Elem().Set(reflect.ValueOf(m.defaults()).Elem())
}

// apply resets the module to its defaults then overlays the given raw JSON data.
func (m *Module) apply(raw json.RawMessage) error {
	m.reset()
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, m.ptr); err != nil {
			return configError("module %s: %v", m.name, err)
		}
	}
	if v, ok := m.ptr.(Validator); ok {
		if err := v.Validate(); err != nil {
			return configError("module %s: %v", m.name, err)
		}
	}
	log.Debug("module %s configured from %d bytes of data", m.name, len(raw))
	return nil
}

func configError(format string, args ...interface{}) error {
	return fmt.Errorf("config: "+format, args...)
}
