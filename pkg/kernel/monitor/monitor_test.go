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

package monitor

import (
	"bufio"
	"bytes"
	"context"
	"debug/elf"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/intel/kcore/pkg/kernel"
	"github.com/intel/kcore/pkg/kernel/abi"
	"github.com/intel/kcore/pkg/kernel/loader"
	"github.com/intel/kcore/pkg/metrics"
)

// startKernel boots a kernel whose init waits for a sleeping child. It
// returns the kernel and the pid of the child.
func startKernel(t *testing.T) (*kernel.Kernel, int, func() uint32) {
	fs := loader.NewMemFS()
	k, err := kernel.New(kernel.Config{Cores: 2}, kernel.Collaborators{FS: fs})
	require.NoError(t, err)
	machine, err := loader.MachineFor(k.Format())
	require.NoError(t, err)

	children := make(chan int, 1)
	require.NoError(t, k.Register("init", func(uc *kernel.UserContext) {
		child, err := uc.Fork(func(uc *kernel.UserContext) {
			for {
				_, _ = uc.Nanosleep(time.Millisecond)
			}
		})
		if err != nil {
			uc.Exit(1)
		}
		children <- child
		_, status, _ := uc.Wait4(child, 0)
		uc.Exit(int(status & 0x7f))
	}))
	fs.Add("/sbin/init", loader.BuildELF(machine, 0x10000, "init", []loader.SegmentSpec{
		{Vaddr: 0x10000, Data: make([]byte, 0x100), Flags: elf.PF_R | elf.PF_X},
	}))
	require.NoError(t, k.Start("/sbin/init", []string{"init"}, nil))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- k.Run(ctx) }()

	var child int
	select {
	case child = <-children:
	case <-time.After(20 * time.Second):
		cancel()
		t.Fatalf("init did not fork")
	}

	stop := func() uint32 {
		select {
		case <-k.InitDone():
		case <-time.After(20 * time.Second):
			t.Errorf("init did not exit")
		}
		cancel()
		require.NoError(t, <-errCh)
		require.NoError(t, k.Close())
		return k.InitStatus()
	}
	return k, child, stop
}

func run(m *Monitor, buf *bytes.Buffer, cmd string) (CommandStatus, string) {
	buf.Reset()
	cs := m.RunCmdString(cmd)
	return cs, buf.String()
}

func TestCommands(t *testing.T) {
	k, child, stop := startKernel(t)
	buf := &bytes.Buffer{}
	m := New(k, "kcore> ", nil, bufio.NewWriter(buf))

	cs, out := run(m, buf, "help")
	require.Equal(t, csOk, cs)
	for _, name := range []string{"ps", "vm", "swap", "sched", "stats", "kill", "config"} {
		require.Contains(t, out, name)
	}

	cs, out = run(m, buf, "ps")
	require.Equal(t, csOk, cs)
	require.Contains(t, out, "COMMAND")
	require.Contains(t, out, "init")
	require.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 3)

	cs, out = run(m, buf, "ps -pid "+strconv.Itoa(child))
	require.Equal(t, csOk, cs)
	require.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 2)

	cs, out = run(m, buf, "vm -pid "+strconv.Itoa(child))
	require.Equal(t, csOk, cs)
	require.Contains(t, out, "resident pages")

	cs, _ = run(m, buf, "vm -pid 12345")
	require.Equal(t, csError, cs)

	cs, out = run(m, buf, "sched -tasks")
	require.Equal(t, csOk, cs)
	require.Contains(t, out, "CORE")
	require.Contains(t, out, "VRUNTIME")

	cs, out = run(m, buf, "stats")
	require.Equal(t, csOk, cs)
	require.Contains(t, out, "frames:")
	require.Contains(t, out, "futex:")

	cs, out = run(m, buf, "swap")
	require.Equal(t, csOk, cs)
	require.Contains(t, out, "compressed:")

	require.NoError(t, metrics.RegisterCollector("monitor-test", func() (prometheus.Collector, error) {
		return k.Collector(), nil
	}))
	defer metrics.UnregisterCollector("monitor-test")
	cs, out = run(m, buf, "metrics -prefix kcore_runqueue_length")
	require.Equal(t, csOk, cs)
	require.Contains(t, out, "# TYPE kcore_runqueue_length gauge")
	require.Equal(t, 2, strings.Count(out, "kcore_runqueue_length{"))

	cs, _ = run(m, buf, "frobnicate")
	require.Equal(t, csUnknownCommand, cs)

	cs, _ = run(m, buf, "kill -pid "+strconv.Itoa(child)+" -sig BOGUS")
	require.Equal(t, csError, cs)
	cs, _ = run(m, buf, "kill")
	require.Equal(t, csError, cs)
	cs, _ = run(m, buf, "kill -pid "+strconv.Itoa(child)+" -sig kill")
	require.Equal(t, csOk, cs)

	require.Equal(t, abi.ExitStatus(int(abi.SIGKILL)), stop())
}

func TestInteract(t *testing.T) {
	buf := &bytes.Buffer{}
	m := New(nil, "> ", bufio.NewReader(strings.NewReader("\nhelp\nq\nhelp\n")), bufio.NewWriter(buf))
	m.SetEcho(true)
	m.Interact()
	out := buf.String()
	require.Equal(t, 1, strings.Count(out, "Available commands"))
	require.True(t, strings.HasSuffix(out, "quit.\n"))
}

func TestParseSignal(t *testing.T) {
	tcases := []struct {
		in  string
		sig abi.Signal
		err bool
	}{
		{in: "9", sig: abi.SIGKILL},
		{in: "SIGTERM", sig: abi.SIGTERM},
		{in: "usr1", sig: abi.SIGUSR1},
		{in: "0", err: true},
		{in: "65", err: true},
		{in: "SIGNOPE", err: true},
	}
	for _, tc := range tcases {
		t.Run(tc.in, func(t *testing.T) {
			sig, err := parseSignal(tc.in)
			if tc.err {
				if err == nil {
					t.Errorf("expected error, got signal %d", sig)
				}
				return
			}
			if err != nil || sig != tc.sig {
				t.Errorf("expected %d, got %d (%v)", tc.sig, sig, err)
			}
		})
	}
}
