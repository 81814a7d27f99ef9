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
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// state is the runtime state of all loggers.
type state struct {
	sync.RWMutex
	level    Level                // lowest non-debug severity passed through
	forced   bool                 // forced debugging for all sources
	active   Backend              // active backend
	backend  map[string]BackendFn // registered backends
	loggers  map[string]logger    // source to logger lookup
	sources  []string             // logger to source lookup
	enable   []uint8              // per-logger logging/debugging bits
	logging  srcmap               // last applied logging configuration
	debug    srcmap               // last applied debugging configuration
	maxAlign int                  // longest source name seen
}

var log = &state{
	level:   DefaultLevel,
	backend: make(map[string]BackendFn),
	loggers: make(map[string]logger),
	logging: srcmap{"*": true},
	debug:   srcmap{},
}

// deflog is named after the running binary, kcored for the daemon.
var deflog = log.get(filepath.Base(os.Args[0]))

// Default returns the logger of the running binary.
func Default() Logger {
	return deflog
}

// NewLogger creates a logger for the given source, or returns an existing one.
func NewLogger(source string) Logger {
	return log.get(source)
}

// Get is an alias for NewLogger.
func Get(source string) Logger {
	return log.get(source)
}

// SetLevel sets the lowest severity level of non-debug messages passed through.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
}

// SetBackend activates the named backend.
func SetBackend(name string) error {
	log.Lock()
	defer log.Unlock()
	return log.setBackend(name)
}

// EnableDebug enables or disables debugging for the given sources, "*" for all.
func EnableDebug(state bool, sources ...string) {
	log.Lock()
	defer log.Unlock()
	for _, src := range sources {
		log.debug[src] = state
	}
	log.update(nil, log.debug)
}

// Flush flushes any buffered messages of the active backend.
func Flush() {
	log.RLock()
	active := log.active
	log.RUnlock()
	if active != nil {
		active.Flush()
	}
}

// Sync waits for the active backend to emit all pending messages.
func Sync() {
	log.RLock()
	active := log.active
	log.RUnlock()
	if active != nil {
		active.Sync()
	}
}

// Sources returns the sorted names of all known logger sources.
func Sources() []string {
	log.RLock()
	defer log.RUnlock()
	names := append([]string{}, log.sources...)
	sort.Strings(names)
	return names
}

// get returns the logger for source, creating it if necessary.
func (s *state) get(source string) logger {
	source = strings.Trim(source, "[] ")

	s.Lock()
	defer s.Unlock()

	if l, ok := s.loggers[source]; ok {
		return l
	}

	l := logger(len(s.sources))
	s.loggers[source] = l
	s.sources = append(s.sources, source)
	s.enable = append(s.enable, s.bitsFor(source))

	if len(source) > s.maxAlign {
		s.maxAlign = len(source)
		if s.active != nil {
			s.active.SetSourceAlignment(s.maxAlign)
		}
	}

	return l
}

// check returns the source and backend for l if a message at level should be emitted.
func (s *state) check(l logger, level Level) (string, Backend, bool) {
	s.RLock()
	defer s.RUnlock()

	if s.active == nil {
		return "", nil, false
	}

	bits := s.enable[l]
	switch {
	case level == LevelDebug:
		return s.sources[l], s.active, bits&debuggingBit != 0 || s.forced
	case level < s.level:
		return "", nil, false
	case level == LevelInfo:
		return s.sources[l], s.active, bits&loggingBit != 0
	default:
		return s.sources[l], s.active, true
	}
}

// setBackend activates the named backend, stopping the previously active one.
func (s *state) setBackend(name string) error {
	if s.active != nil && s.active.Name() == name {
		return nil
	}
	fn, ok := s.backend[name]
	if !ok {
		return loggerError("unknown backend '%s'", name)
	}
	if s.active != nil {
		s.active.Stop()
	}
	s.active = fn()
	s.active.SetSourceAlignment(s.maxAlign)
	return nil
}

// update applies new logging and debugging source maps, nil meaning no change.
func (s *state) update(logging, debug srcmap) {
	if logging != nil {
		s.logging = logging.clone()
	}
	if debug != nil {
		s.debug = debug.clone()
	}
	for l, source := range s.sources {
		s.enable[l] = s.bitsFor(source)
	}
}

// bitsFor resolves the enable bits of source from the current source maps.
func (s *state) bitsFor(source string) uint8 {
	logging, ok := s.logging.lookup(source)
	if !ok {
		logging = true
	}
	debug, _ := s.debug.lookup(source)

	return setBit(setBit(0, loggingBit, logging), debuggingBit, debug)
}

func loggerError(format string, args ...interface{}) error {
	return fmt.Errorf("logger: "+format, args...)
}
