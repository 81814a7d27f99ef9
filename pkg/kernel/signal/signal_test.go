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

package signal

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/intel/kcore/pkg/kernel/abi"
)

func TestSetString(t *testing.T) {
	tcases := []struct {
		name string
		set  Set
		str  string
	}{
		{name: "empty", set: 0, str: "{}"},
		{name: "single", set: SetOf(abi.SIGKILL), str: "{9}"},
		{name: "range", set: SetOf(1, 2, 3, 5), str: "{1-3,5}"},
		{name: "high", set: SetOf(63, 64), str: "{63-64}"},
		{name: "all", set: ^Set(0), str: "{1-64}"},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.set.String(); got != tc.str {
				t.Errorf("expected %q, got %q", tc.str, got)
			}
			parsed, err := ParseSet(tc.str)
			if err != nil {
				t.Errorf("failed to parse %q: %v", tc.str, err)
			}
			if parsed != tc.set {
				t.Errorf("expected %#x, parsed %#x", tc.set, parsed)
			}
		})
	}

	for _, str := range []string{"0", "65", "5-3", "x"} {
		_, err := ParseSet(str)
		require.Error(t, err, "parsing %q", str)
	}
}

func TestNext(t *testing.T) {
	pending := SetOf(abi.SIGUSR1, abi.SIGKILL, abi.SIGTERM)

	sig, ok := Next(pending, 0)
	require.True(t, ok)
	require.Equal(t, abi.SIGKILL, sig)

	// SIGKILL cannot be blocked
	sig, _ = Next(pending, ^Set(0))
	require.Equal(t, abi.SIGKILL, sig)

	sig, _ = Next(pending.Del(abi.SIGKILL), SetOf(abi.SIGUSR1))
	require.Equal(t, abi.SIGTERM, sig)

	_, ok = Next(SetOf(abi.SIGUSR1), SetOf(abi.SIGUSR1))
	require.False(t, ok)
}

func TestDefaultAction(t *testing.T) {
	expected := map[abi.Signal]Disposition{
		abi.SIGCHLD: Ignore,
		abi.SIGCONT: Continue,
		abi.SIGTSTP: Stop,
		abi.SIGSEGV: Dump,
		abi.SIGTERM: Terminate,
		abi.SIGKILL: Terminate,
		40:          Terminate,
	}
	for sig, d := range expected {
		if got := DefaultAction(sig); got != d {
			t.Errorf("signal %d: expected %s, got %s", sig, d, got)
		}
	}
}

func TestTable(t *testing.T) {
	tbl := NewTable()

	_, err := tbl.Set(abi.SIGKILL, Action{Handler: abi.SIG_IGN})
	errno, _ := abi.ErrnoOf(err)
	require.Equal(t, abi.EINVAL, errno)
	_, err = tbl.Set(0, Action{})
	require.Error(t, err)

	handler := Action{Handler: 0x1000, Flags: abi.SA_RESETHAND, Mask: SetOf(abi.SIGSTOP, abi.SIGUSR2)}
	old, err := tbl.Set(abi.SIGUSR1, handler)
	require.NoError(t, err)
	require.True(t, old.IsDefault())
	require.Equal(t, SetOf(abi.SIGUSR2), tbl.Get(abi.SIGUSR1).Mask)

	_, err = tbl.Set(abi.SIGPIPE, Action{Handler: abi.SIG_IGN})
	require.NoError(t, err)
	require.Equal(t, SetOf(abi.SIGPIPE, abi.SIGCHLD, abi.SIGURG, abi.SIGWINCH), tbl.Ignored())

	fork := tbl.Clone()

	act, mask := tbl.Take(abi.SIGUSR1)
	require.Equal(t, uint64(0x1000), act.Handler)
	require.Equal(t, SetOf(abi.SIGUSR1, abi.SIGUSR2), mask)
	require.True(t, tbl.Get(abi.SIGUSR1).IsDefault(), "SA_RESETHAND not honored")
	require.Equal(t, uint64(0x1000), fork.Get(abi.SIGUSR1).Handler)

	fork.Reset()
	require.True(t, fork.Get(abi.SIGUSR1).IsDefault())
	require.True(t, fork.Get(abi.SIGPIPE).IsIgnore())

	_, err = tbl.Set(abi.SIGUSR2, Action{Handler: 0x2000, Flags: abi.SA_NODEFER})
	require.NoError(t, err)
	_, mask = tbl.Take(abi.SIGUSR2)
	require.Equal(t, Set(0), mask)
}

func TestActionEncoding(t *testing.T) {
	act := Action{Handler: 0x4000, Flags: abi.SA_RESTART | abi.SA_SIGINFO, Mask: SetOf(abi.SIGINT)}
	decoded, err := DecodeAction(act.Encode())
	require.NoError(t, err)
	require.Equal(t, act, decoded)

	_, err = DecodeAction(make([]byte, ActionSize-1))
	require.Error(t, err)
}

type stack struct {
	base uint64
	data []byte
}

func (s *stack) CopyIn(va uint64, data []byte) error {
	if va < s.base || va+uint64(len(data)) > s.base+uint64(len(s.data)) {
		return abi.EFAULT
	}
	copy(data, s.data[va-s.base:])
	return nil
}

func (s *stack) CopyOut(va uint64, data []byte) error {
	if va < s.base || va+uint64(len(data)) > s.base+uint64(len(s.data)) {
		return abi.EFAULT
	}
	copy(s.data[va-s.base:], data)
	return nil
}

func TestFrame(t *testing.T) {
	mem := &stack{base: 0x10000, data: make([]byte, 4096)}
	regs := abi.Regs{PC: 0x1234}
	for i := range regs.X {
		regs.X[i] = uint64(i * 3)
	}
	regs.X[abi.RegSP] = 0x10ff8
	saved := regs

	act := Action{Handler: 0x5000}
	blocked := SetOf(abi.SIGINT, abi.SIGKILL)
	require.NoError(t, Push(mem, &regs, blocked, abi.SIGUSR1, act, 0x7000))
	require.Equal(t, uint64(0x5000), regs.PC)
	require.Equal(t, uint64(0x7000), regs.X[abi.RegRA])
	require.Equal(t, uint64(abi.SIGUSR1), regs.X[abi.RegA0])
	require.Zero(t, regs.X[abi.RegSP]%16)
	require.LessOrEqual(t, regs.X[abi.RegSP]+FrameSize, uint64(0x10ff8))

	// the handler may clobber anything but the stack pointer
	regs.X[abi.RegA3] = 99
	frame, err := Pop(mem, &regs)
	require.NoError(t, err)
	require.Equal(t, abi.SIGUSR1, frame.Signal)
	require.Equal(t, SetOf(abi.SIGINT), frame.Blocked)
	if diff := cmp.Diff(saved, regs); diff != "" {
		t.Errorf("registers not restored (-want +got):\n%s", diff)
	}

	regs.X[abi.RegSP] = 0x100
	require.Error(t, Push(mem, &regs, 0, abi.SIGUSR1, act, 0))
}
