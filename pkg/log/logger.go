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
)

// Level describes the severity of log messages.
type Level int

const (
	// LevelDebug is the severity for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity for informational messages.
	LevelInfo
	// LevelWarn is the severity for warnings.
	LevelWarn
	// LevelError is the severity for errors.
	LevelError
	// LevelPanic is the severity for panic messages.
	LevelPanic
	// LevelFatal is the severity for fatal errors.
	LevelFatal
	// levelHighest is the highest externally visible level
	levelHighest
)

// Logger is the interface for producing log messages for/from a particular source.
type Logger interface {
	// Debug formats and emits a debug message.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// Panic formats and emits an error message then panics with the same.
	Panic(format string, args ...interface{})
	// Fatal formats and emits an error message and os.Exit()'s with status 1.
	Fatal(format string, args ...interface{})

	// DebugBlock formats and emits a multiline debug message.
	DebugBlock(prefix string, format string, args ...interface{})
	// InfoBlock formats and emits a multiline information message.
	InfoBlock(prefix string, format string, args ...interface{})
	// WarnBlock formats and emits a multiline warning message.
	WarnBlock(prefix string, format string, args ...interface{})
	// ErrorBlock formats and emits a multiline error message.
	ErrorBlock(prefix string, format string, args ...interface{})

	// EnableDebug enables debug messages for this Logger.
	EnableDebug(bool) bool
	// DebugEnabled checks if debug messages are enabled for this Logger.
	DebugEnabled() bool

	// Source returns the source name of this Logger.
	Source() string
}

// logger is an index into the registered sources of our runtime state.
type logger uint16

func (l logger) Debug(format string, args ...interface{}) {
	l.emit(LevelDebug, false, "", format, args...)
}

func (l logger) Info(format string, args ...interface{}) {
	l.emit(LevelInfo, false, "", format, args...)
}

func (l logger) Warn(format string, args ...interface{}) {
	l.emit(LevelWarn, false, "", format, args...)
}

func (l logger) Error(format string, args ...interface{}) {
	l.emit(LevelError, false, "", format, args...)
}

func (l logger) Panic(format string, args ...interface{}) {
	l.emit(LevelPanic, false, "", format, args...)
	panic(fmt.Sprintf("["+l.Source()+"] "+format, args...))
}

func (l logger) Fatal(format string, args ...interface{}) {
	l.emit(LevelFatal, false, "", format, args...)
	os.Exit(1)
}

func (l logger) DebugBlock(prefix string, format string, args ...interface{}) {
	l.emit(LevelDebug, true, prefix, format, args...)
}

func (l logger) InfoBlock(prefix string, format string, args ...interface{}) {
	l.emit(LevelInfo, true, prefix, format, args...)
}

func (l logger) WarnBlock(prefix string, format string, args ...interface{}) {
	l.emit(LevelWarn, true, prefix, format, args...)
}

func (l logger) ErrorBlock(prefix string, format string, args ...interface{}) {
	l.emit(LevelError, true, prefix, format, args...)
}

// EnableDebug enables/disables debug logging for this logger, returning the old state.
func (l logger) EnableDebug(state bool) bool {
	log.Lock()
	defer log.Unlock()
	old := log.enable[l]&debuggingBit != 0
	log.enable[l] = setBit(log.enable[l], debuggingBit, state)
	return old
}

// DebugEnabled checks if debug logging is enabled for this logger.
func (l logger) DebugEnabled() bool {
	log.RLock()
	defer log.RUnlock()
	return log.enable[l]&debuggingBit != 0 || log.forced
}

// Source returns the source name of this logger.
func (l logger) Source() string {
	log.RLock()
	defer log.RUnlock()
	return log.sources[l]
}

// emit passes a message to the active backend if the message is not filtered.
func (l logger) emit(level Level, block bool, prefix, format string, args ...interface{}) {
	source, backend, ok := log.check(l, level)
	if !ok {
		return
	}
	if block {
		backend.Block(level, source, prefix, format, args...)
	} else {
		backend.Log(level, source, format, args...)
	}
}

const (
	loggingBit uint8 = 1 << iota
	debuggingBit
)

func setBit(bits, bit uint8, state bool) uint8 {
	if state {
		return bits | bit
	}
	return bits &^ bit
}
