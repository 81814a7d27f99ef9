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
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// testBackend records emitted messages for verification.
type testBackend struct {
	sync.Mutex
	messages []string
}

const testBackendName = "testlogger"

var recorder = &testBackend{}

func (*testBackend) Name() string { return testBackendName }

func (b *testBackend) Log(level Level, source, format string, args ...interface{}) {
	b.Lock()
	defer b.Unlock()
	b.messages = append(b.messages, fmtTags[level]+"["+source+"] "+fmt.Sprintf(format, args...))
}

func (b *testBackend) Block(level Level, source, prefix, format string, args ...interface{}) {
	for _, line := range strings.Split(fmt.Sprintf(format, args...), "\n") {
		b.Log(level, source, "%s%s", prefix, line)
	}
}

func (*testBackend) Flush()                 {}
func (*testBackend) Sync()                  {}
func (*testBackend) Stop()                  {}
func (*testBackend) SetSourceAlignment(int) {}

func (b *testBackend) reset() []string {
	b.Lock()
	defer b.Unlock()
	msgs := b.messages
	b.messages = nil
	return msgs
}

func init() {
	RegisterBackend(testBackendName, func() Backend { return recorder })
}

func setupTest(t *testing.T) {
	require.NoError(t, SetBackend(testBackendName))
	SetLevel(LevelInfo)
	log.Lock()
	log.update(srcmap{"*": true}, srcmap{})
	log.Unlock()
	recorder.reset()
	t.Cleanup(func() { SetBackend(FmtBackendName) })
}

func TestLevelFiltering(t *testing.T) {
	setupTest(t)
	l := NewLogger("level-test")

	l.Debug("invisible debug")
	l.Info("visible info")
	SetLevel(LevelWarn)
	l.Info("suppressed info")
	l.Warn("visible warning")
	l.Error("visible error")

	require.Equal(t, []string{
		"I: [level-test] visible info",
		"W: [level-test] visible warning",
		"E: [level-test] visible error",
	}, recorder.reset())
}

func TestSourceMaps(t *testing.T) {
	setupTest(t)
	mm := NewLogger("mm")
	sched := NewLogger("sched")

	var enable, debug srcmap
	require.NoError(t, (&enable).UnmarshalJSON([]byte(`"on:*,off:sched"`)))
	require.NoError(t, (&debug).UnmarshalJSON([]byte(`{"on": ["mm"]}`)))
	log.Lock()
	log.update(enable, debug)
	log.Unlock()

	mm.Debug("fault at %#x", 0x1000)
	mm.Info("mapped")
	sched.Info("dropped")
	sched.Error("errors always pass")

	require.True(t, mm.DebugEnabled())
	require.False(t, sched.DebugEnabled())
	require.Equal(t, []string{
		"D: [mm] fault at 0x1000",
		"I: [mm] mapped",
		"E: [sched] errors always pass",
	}, recorder.reset())

	old := sched.EnableDebug(true)
	require.False(t, old)
	sched.DebugBlock("  ", "line 1\nline 2")
	require.Equal(t, []string{"D: [sched]   line 1", "D: [sched]   line 2"}, recorder.reset())
}

func TestParseSrcmap(t *testing.T) {
	tcases := []struct {
		spec     string
		expected srcmap
		fails    bool
	}{
		{spec: "a,b", expected: srcmap{"a": true, "b": true}},
		{spec: "off:a,b,on:c", expected: srcmap{"a": false, "b": false, "c": true}},
		{spec: "all", expected: srcmap{"*": true}},
		{spec: "maybe:a", fails: true},
		{spec: "a:b:c", fails: true},
	}
	for _, tc := range tcases {
		m, err := parseSrcmap(tc.spec)
		if tc.fails {
			if err == nil {
				t.Errorf("%q: expected failure, got %v", tc.spec, m)
			}
			continue
		}
		require.NoError(t, err)
		require.Equal(t, tc.expected, m, tc.spec)
	}
}

func TestFmtBackendAlignment(t *testing.T) {
	out := &strings.Builder{}
	f := newFmtBackend(out)
	f.SetSourceAlignment(6)
	f.Log(LevelWarn, "mm", "low on frames")
	f.Block(LevelInfo, "sched", ">", "a\nb")
	f.Sync()
	f.Stop()

	require.Equal(t, "W: [  mm  ] low on frames\n"+
		"I: [ sched] > a\n"+
		"I: [ sched] > b\n", out.String())
}
