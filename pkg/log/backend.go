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
	"io"
	"os"
	"strings"
)

// BackendFn is a function that creates a Backend instance.
type BackendFn func() Backend

// Backend can format and emit log messages.
type Backend interface {
	// Name returns the name of this backend.
	Name() string
	// Log emits log messages with the given severity, source, and Printf-like arguments.
	Log(Level, string, string, ...interface{})
	// Block emits a multi-line log messages, with an additional line prefix.
	Block(Level, string, string, string, ...interface{})
	// Flush flushes any buffered messages.
	Flush()
	// Sync waits for all messages to get emitted.
	Sync()
	// Stop stops the backend instance.
	Stop()
	// SetSourceAlignment sets the maximum source length for optional alignment.
	SetSourceAlignment(int)
}

// RegisterBackend registers a logger backend.
func RegisterBackend(name string, fn BackendFn) {
	log.Lock()
	defer log.Unlock()
	log.backend[name] = fn
}

const (
	// FmtBackendName is the name of our simple fmt-based logging backend.
	FmtBackendName = "fmt"
	// fmtBackendQueueLen is the length of the internal fmt message queue.
	fmtBackendQueueLen = 1024
)

// pseudo-levels for control requests
const (
	levelSync Level = iota + levelHighest
	levelStop
)

// severity tags fmtBackend prefixes emitted messages with.
var fmtTags = map[Level]string{
	LevelDebug: "D: ",
	LevelInfo:  "I: ",
	LevelWarn:  "W: ",
	LevelError: "E: ",
	LevelPanic: "PANIC: ",
	LevelFatal: "FATAL ERROR: ",
}

// fmtBackend emits messages from a goroutine to an io.Writer.
type fmtBackend struct {
	out   io.Writer
	q     chan *fmtReq
	align int
}

type fmtReq struct {
	level  Level
	source string
	prefix string
	msg    string
	done   chan struct{}
}

func newFmtBackend(out io.Writer) *fmtBackend {
	f := &fmtBackend{
		out: out,
		q:   make(chan *fmtReq, fmtBackendQueueLen),
	}
	go f.run()
	return f
}

func (*fmtBackend) Name() string {
	return FmtBackendName
}

func (f *fmtBackend) Log(level Level, source, format string, args ...interface{}) {
	f.push(level, source, "", fmt.Sprintf(format, args...))
}

func (f *fmtBackend) Block(level Level, source, prefix, format string, args ...interface{}) {
	f.push(level, source, prefix, fmt.Sprintf(format, args...))
}

func (f *fmtBackend) Flush() {
	f.push(levelSync, "", "", "")
}

func (f *fmtBackend) Sync() {
	f.push(levelSync, "", "", "")
}

func (f *fmtBackend) Stop() {
	f.push(levelStop, "", "", "")
}

func (f *fmtBackend) SetSourceAlignment(align int) {
	f.push(levelSync, "", "", "")
	f.align = align
}

// push queues a request. Severities above LevelError and control requests are synchronous.
func (f *fmtBackend) push(level Level, source, prefix, msg string) {
	req := &fmtReq{level: level, source: source, prefix: prefix, msg: msg}
	if level > LevelError {
		req.done = make(chan struct{})
	}
	f.q <- req
	if req.done != nil {
		<-req.done
	}
}

func (f *fmtBackend) run() {
	for req := range f.q {
		if req.level < levelHighest {
			f.emit(req)
		}
		if req.done != nil {
			close(req.done)
		}
		if req.level == levelStop {
			return
		}
	}
}

func (f *fmtBackend) emit(req *fmtReq) {
	pad := f.align - len(req.source)
	if pad < 0 {
		pad = 0
	}
	source := "[" + strings.Repeat(" ", pad-pad/2) + req.source + strings.Repeat(" ", pad/2) + "]"

	for _, line := range strings.Split(req.msg, "\n") {
		if req.prefix == "" {
			fmt.Fprintln(f.out, fmtTags[req.level]+source, line)
		} else {
			fmt.Fprintln(f.out, fmtTags[req.level]+source, req.prefix, line)
		}
	}
}

func init() {
	RegisterBackend(FmtBackendName, func() Backend { return newFmtBackend(os.Stdout) })
	log.setBackend(FmtBackendName)
}
