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
	"encoding/json"
	"flag"
	"sort"
	"strings"

	pkgcfg "github.com/intel/kcore/pkg/config"
)

const (
	// DefaultLevel is the default logging severity level.
	DefaultLevel = LevelInfo
	// command-line argument prefix.
	optPrefix = "logger"
	// configModule is our module name in the runtime configuration.
	configModule = optPrefix
	configHelp   = "logging backend, severity and per-source enable/debug control"
)

// options are the logger options configurable via the command line or pkg/config.
type options struct {
	// Level is the logging severity/level.
	Level Level `json:"level"`
	// Enable is a map for enabling/disabling normal logging for sources.
	Enable srcmap `json:"sources,omitempty"`
	// Debug is a map for enabling/disabling debug logging for sources.
	Debug srcmap `json:"debug,omitempty"`
	// Logger is the name of the logger backend to use.
	Logger string `json:"logger,omitempty"`
}

// srcmap tracks logging or debugging settings for sources, "*" matching all of them.
type srcmap map[string]bool

// command line defaults, used as runtime configuration defaults
var defaults = &options{
	Level:  DefaultLevel,
	Enable: srcmap{},
	Debug:  srcmap{},
	Logger: FmtBackendName,
}

// runtime configuration
var opt = &options{}

var levelNames = map[Level]string{
	LevelDebug: "debug",
	LevelInfo:  "info",
	LevelWarn:  "warning",
	LevelError: "error",
	LevelPanic: "panic",
	LevelFatal: "fatal",
}

// ParseLevel parses the name of a severity level.
func ParseLevel(value string) (Level, error) {
	for level, name := range levelNames {
		if strings.EqualFold(name, value) {
			return level, nil
		}
	}
	if strings.EqualFold(value, "warn") {
		return LevelWarn, nil
	}
	return LevelInfo, loggerError("invalid logging level %q", value)
}

// String returns the name of the level.
func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return levelNames[LevelInfo]
}

// Set implements flag.Value.
func (l *Level) Set(value string) error {
	level, err := ParseLevel(value)
	if err != nil {
		return err
	}
	*l = level
	SetLevel(level)
	return nil
}

// MarshalJSON marshals the level by name.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON unmarshals the level from its name.
func (l *Level) UnmarshalJSON(raw []byte) error {
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return loggerError("invalid level %s", string(raw))
	}
	level, err := ParseLevel(name)
	if err != nil {
		return err
	}
	*l = level
	return nil
}

// Set parses a specification of the form [on:|off:]src1,src2,[on:|off:]src3...
// Sources without an explicit state inherit the previous one, defaulting to on.
func (m *srcmap) Set(value string) error {
	parsed, err := parseSrcmap(value)
	if err != nil {
		return err
	}
	if *m == nil {
		*m = srcmap{}
	}
	for src, state := range parsed {
		(*m)[src] = state
	}

	log.Lock()
	defer log.Unlock()
	switch m {
	case &defaults.Enable:
		log.update(*m, nil)
	case &defaults.Debug:
		log.update(nil, *m)
	}
	return nil
}

func parseSrcmap(value string) (srcmap, error) {
	m := srcmap{}
	prev := "on"
	for _, entry := range strings.Split(value, ",") {
		if entry == "" {
			continue
		}
		state, src := prev, entry
		if split := strings.Split(entry, ":"); len(split) == 2 {
			state, src = split[0], split[1]
		} else if len(split) > 2 {
			return nil, loggerError("invalid source map entry %q", entry)
		}
		enabled, err := parseEnabled(state)
		if err != nil {
			return nil, err
		}
		if src == "all" {
			src = "*"
		}
		m[src] = enabled
		prev = state
	}
	return m, nil
}

func parseEnabled(state string) (bool, error) {
	switch strings.ToLower(state) {
	case "on", "true", "enable", "enabled", "1":
		return true, nil
	case "off", "false", "disable", "disabled", "0":
		return false, nil
	}
	return false, loggerError("invalid source state %q", state)
}

// String returns a string representation of the srcmap.
func (m *srcmap) String() string {
	if m == nil {
		return ""
	}
	on, off := []string{}, []string{}
	for src, state := range *m {
		if state {
			on = append(on, src)
		} else {
			off = append(off, src)
		}
	}
	sort.Strings(on)
	sort.Strings(off)

	str := ""
	if len(on) > 0 {
		str = "on:" + strings.Join(on, ",")
	}
	if len(off) > 0 {
		if str != "" {
			str += ","
		}
		str += "off:" + strings.Join(off, ",")
	}
	return str
}

// UnmarshalJSON accepts either a source map specification string or an
// object of the form {"on": [...], "off": [...]}.
func (m *srcmap) UnmarshalJSON(raw []byte) error {
	var spec string
	if err := json.Unmarshal(raw, &spec); err == nil {
		parsed, err := parseSrcmap(spec)
		if err != nil {
			return err
		}
		*m = parsed
		return nil
	}

	lists := map[string][]string{}
	if err := json.Unmarshal(raw, &lists); err != nil {
		return loggerError("invalid source map %s", string(raw))
	}
	*m = srcmap{}
	for state, sources := range lists {
		enabled, err := parseEnabled(state)
		if err != nil {
			return err
		}
		for _, src := range sources {
			if src == "all" {
				src = "*"
			}
			(*m)[src] = enabled
		}
	}
	return nil
}

// lookup returns the state for src, falling back to the wildcard entry.
func (m srcmap) lookup(src string) (bool, bool) {
	if state, ok := m[src]; ok {
		return state, true
	}
	state, ok := m["*"]
	return state, ok
}

func (m srcmap) clone() srcmap {
	c := make(srcmap, len(m))
	for src, state := range m {
		c[src] = state
	}
	return c
}

// backendFlag selects the active backend from the command line.
type backendFlag struct{}

func (backendFlag) String() string {
	return defaults.Logger
}

func (backendFlag) Set(value string) error {
	if err := SetBackend(value); err != nil {
		return err
	}
	defaults.Logger = value
	return nil
}

// configNotify applies the runtime configuration.
func configNotify(event pkgcfg.Event, _ pkgcfg.Source) error {
	logging := opt.Enable
	if len(logging) == 0 {
		logging = defaults.Enable
	}
	debug := opt.Debug
	if len(debug) == 0 {
		debug = defaults.Debug
	}

	log.Lock()
	log.level = opt.Level
	err := log.setBackend(opt.Logger)
	log.update(logging, debug)
	log.Unlock()

	deflog.Info("logger configuration %s: level %v, logging %s, debugging %s",
		event, opt.Level, logging.String(), debug.String())

	return err
}

func defaultOptions() interface{} {
	return &options{
		Level:  defaults.Level,
		Enable: defaults.Enable.clone(),
		Debug:  defaults.Debug.clone(),
		Logger: defaults.Logger,
	}
}

func init() {
	cfglog := log.get("config")
	pkgcfg.SetLogger(pkgcfg.Logger{
		Debug: cfglog.Debug,
		Info:  cfglog.Info,
		Error: cfglog.Error,
		Panic: cfglog.Panic,
	})

	flag.Var(backendFlag{}, optPrefix,
		"logger backend to use (fmt, klog).")
	flag.Var(&defaults.Level, optPrefix+"-level",
		"lowest severity level to pass through (debug, info, warning, error)")
	flag.Var(&defaults.Enable, optPrefix+"-sources",
		"comma-separated list of sources to enable/disable, '*' or 'all' for all sources.\n"+
			"Prefix a source or list with 'off:' to disable.")
	flag.Var(&defaults.Debug, optPrefix+"-debug",
		"comma-separated list of sources to enable debug messages for, '*' or 'all' for all sources.\n"+
			"Prefix a source or list with 'off:' to disable.")

	pkgcfg.Register(configModule, configHelp, opt, defaultOptions,
		pkgcfg.WithNotify(configNotify))
}
