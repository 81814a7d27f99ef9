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

// This file implements the interactive kernel monitor and its commands.

package monitor

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/common/expfmt"
	"golang.org/x/sys/unix"

	pkgcfg "github.com/intel/kcore/pkg/config"
	"github.com/intel/kcore/pkg/kernel"
	"github.com/intel/kcore/pkg/kernel/abi"
	"github.com/intel/kcore/pkg/kernel/signal"
	"github.com/intel/kcore/pkg/kernel/task"
	"github.com/intel/kcore/pkg/metrics"
	"github.com/intel/kcore/pkg/utils/cpuset"
)

type Cmd struct {
	description string
	Run         func([]string) CommandStatus
}

// Monitor reads commands that inspect and control a running kernel.
type Monitor struct {
	k    *kernel.Kernel
	r    *bufio.Reader
	w    *bufio.Writer
	f    *flag.FlagSet
	cmds map[string]Cmd
	ps1  string
	echo bool
	quit bool
}

type CommandStatus int

const (
	csOk CommandStatus = iota
	csUnknownCommand
	csPipeCreateError
	csPipeProcessStartError
	csError
)

func New(k *kernel.Kernel, ps1 string, reader *bufio.Reader, writer *bufio.Writer) *Monitor {
	m := Monitor{
		k:   k,
		r:   reader,
		w:   writer,
		ps1: ps1,
	}
	m.cmds = map[string]Cmd{
		"q":       {"quit interactive prompt.", m.cmdQuit},
		"ps":      {"list tasks.", m.cmdPs},
		"vm":      {"print memory areas and residency of a process.", m.cmdVm},
		"swap":    {"print swap usage, spill pages to the swap device.", m.cmdSwap},
		"sched":   {"print run queues and scheduling of tasks.", m.cmdSched},
		"stats":   {"print kernel statistics.", m.cmdStats},
		"metrics": {"print registered metrics in text exposition format.", m.cmdMetrics},
		"kill":    {"send a signal to a process.", m.cmdKill},
		"config":  {"print the current configuration.", m.cmdConfig},
		"help":    {"print help.", m.cmdHelp},
		"nop":     {"no operation.", m.cmdNop},
	}
	return &m
}

func (m *Monitor) output(format string, a ...interface{}) {
	if m.w == nil {
		return
	}
	m.w.WriteString(fmt.Sprintf(format, a...))
	m.w.Flush()
}

func (m *Monitor) RunCmdSlice(cmdSlice []string) CommandStatus {
	if len(cmdSlice) == 0 {
		return csOk
	}
	if cmdSlice[0] == "" {
		cmdSlice[0] = "nop"
	}
	m.f = flag.NewFlagSet(cmdSlice[0], flag.ContinueOnError)
	if m.w != nil {
		m.f.SetOutput(m.w)
	}
	cmd, ok := m.cmds[cmdSlice[0]]
	if !ok {
		m.output("unknown command %q\n", cmdSlice[0])
		return csUnknownCommand
	}
	return cmd.Run(cmdSlice[1:])
}

// RunCmdString runs a command line. Output of a command followed by
// "| shell-command" is piped to the shell command.
func (m *Monitor) RunCmdString(cmdString string) CommandStatus {
	origOutputWriter := m.w
	pipeCmd := ""
	if pipeIndex := strings.Index(cmdString, "|"); pipeIndex > -1 {
		pipeCmd = cmdString[pipeIndex+1:]
		cmdString = cmdString[:pipeIndex]
	}
	cmdSlice := strings.Fields(cmdString)
	if len(cmdSlice) == 0 {
		cmdSlice = []string{"nop"}
	}

	var (
		pipeProcess *exec.Cmd
		pipeInput   io.WriteCloser
		err         error
	)
	if pipeCmd != "" {
		pipeProcess = exec.Command("sh", "-c", pipeCmd)
		pipeInput, err = pipeProcess.StdinPipe()
		if err != nil {
			m.output("failed to create pipe for command %q\n", pipeCmd)
			return csPipeCreateError
		}
		pipeProcess.Stdout = origOutputWriter
		pipeProcess.Stderr = origOutputWriter
		if err := pipeProcess.Start(); err != nil {
			m.output("failed to start: sh -c %q: %s\n", pipeCmd, err)
			pipeInput.Close()
			return csPipeProcessStartError
		}
		m.w = bufio.NewWriter(pipeInput)
	}
	runRv := m.RunCmdSlice(cmdSlice)
	if pipeCmd != "" {
		m.w.Flush()
		pipeInput.Close()
		pipeProcess.Wait()
		m.w = origOutputWriter
		m.w.Flush()
	}
	return runRv
}

// Interact runs commands read from the monitor input until quit or EOF.
func (m *Monitor) Interact() {
	for !m.quit {
		m.output(m.ps1)
		cmdString, err := m.r.ReadString(byte('\n'))
		if err != nil {
			m.output("quit: %s\n", err)
			break
		}
		if m.echo {
			m.output("%s", cmdString)
		}
		m.RunCmdString(cmdString)
	}
	m.output("quit.\n")
}

func (m *Monitor) SetEcho(newEcho bool) {
	m.echo = newEcho
}

func sortedStringKeys(cmds map[string]Cmd) []string {
	keys := make([]string, 0, len(cmds))
	for k := range cmds {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *Monitor) cmdNop(args []string) CommandStatus {
	return csOk
}

func (m *Monitor) cmdQuit(args []string) CommandStatus {
	if err := m.f.Parse(args); err != nil {
		return csOk
	}
	m.quit = true
	return csOk
}

func (m *Monitor) cmdHelp(args []string) CommandStatus {
	m.output("Available commands:\n")
	for _, name := range sortedStringKeys(m.cmds) {
		m.output("        %-12s %s\n", name, m.cmds[name].description)
	}
	m.output("Syntax:\n")
	m.output("        <command> -h show help on command options.\n")
	m.output("        [command] | <shell-command>\n")
	m.output("                     pipe command output to shell-command.\n")
	return csOk
}

func (m *Monitor) cmdPs(args []string) CommandStatus {
	pid := m.f.Int("pid", 0, "list only threads of process PID")
	if err := m.f.Parse(args); err != nil {
		return csOk
	}
	m.output("%6s %6s %6s %-10s %-8s %4s %5s %s\n", "TID", "TGID", "PPID", "STATE", "POLICY", "NI", "CORE", "COMMAND")
	for _, t := range m.k.Tasks().Tasks() {
		if *pid != 0 && t.TGID() != *pid {
			continue
		}
		g := t.Group()
		policy, nice, core := "-", "-", "-"
		if info, ok := m.k.SchedInfo(t); ok {
			policy = info.Policy.String()
			nice = strconv.Itoa(info.Nice)
			if info.Running {
				core = strconv.Itoa(info.Core)
			}
		}
		m.output("%6d %6d %6d %-10s %-8s %4s %5s %s\n", t.TID(), t.TGID(), m.k.Tasks().Parent(g),
			t.State(), policy, nice, core, g.Name())
	}
	return csOk
}

func (m *Monitor) cmdVm(args []string) CommandStatus {
	pid := m.f.Int("pid", task.InitPID, "print memory of process PID")
	if err := m.f.Parse(args); err != nil {
		return csOk
	}
	g, ok := m.k.Tasks().LookupGroup(*pid)
	if !ok {
		m.output("no process %d\n", *pid)
		return csError
	}
	as := g.Leader().AddressSpace()
	if as == nil {
		m.output("process %d has no address space\n", *pid)
		return csError
	}
	areas := as.Areas(0, as.Layout().UserTop)
	for i := range areas {
		m.output("%s\n", areas[i].String())
	}
	present, swapped := as.Resident()
	m.output("areas: %d, resident pages: %d, swapped pages: %d, users: %d, brk: %#x\n",
		len(areas), present, swapped, as.Users(), as.CurrentBrk())
	return csOk
}

func (m *Monitor) cmdSwap(args []string) CommandStatus {
	spill := m.f.Int("spill", 0, "move up to N compressed pages to the swap device")
	if err := m.f.Parse(args); err != nil {
		return csOk
	}
	sw := m.k.Memory().Swap()
	if *spill > 0 {
		n, err := sw.Spill(*spill)
		if err != nil {
			m.output("spill failed after %d pages: %v\n", n, err)
			return csError
		}
		m.output("spilled %d pages\n", n)
	}
	st := sw.Stats()
	m.output("compressed: %d pages, %d bytes (%.1f%% full)\n", st.Compressed, st.CompressedBytes, 100*sw.Usage())
	m.output("device:     %d of %d slots\n", st.OnDevice, st.DeviceSlots)
	m.output("stores: %d, loads: %d, spills: %d, failures: %d\n", st.Stores, st.Loads, st.Spills, st.Failures)
	return csOk
}

func (m *Monitor) cmdSched(args []string) CommandStatus {
	tasks := m.f.Bool("tasks", false, "print scheduling state of every task")
	if err := m.f.Parse(args); err != nil {
		return csOk
	}
	m.output("%4s %7s %4s %8s %12s %10s %7s\n", "CORE", "RUNNING", "RT", "LOAD", "MINVRUNTIME", "SWITCHES", "CURRENT")
	for _, q := range m.k.Scheduler().Stats() {
		m.output("%4d %7d %4d %8.2f %12d %10d %7d\n", q.Core, q.Running, q.RT, q.Load, q.MinVR, q.Switches, q.Current)
	}
	if !*tasks {
		return csOk
	}
	m.output("%6s %-8s %4s %6s %12s %12s %10s %s\n", "TID", "POLICY", "NI", "WEIGHT", "VRUNTIME", "EXEC", "SWITCHES", "AFFINITY")
	for _, t := range m.k.Tasks().Tasks() {
		info, ok := m.k.SchedInfo(t)
		if !ok {
			continue
		}
		prio := strconv.Itoa(info.Nice)
		if info.RTPrio > 0 {
			prio = "rt" + strconv.Itoa(info.RTPrio)
		}
		m.output("%6d %-8s %4s %6d %12d %12s %10d %s\n", t.TID(), info.Policy, prio, info.Weight,
			info.Vruntime, info.SumExec, info.Switches, cpuset.Short(info.Affinity))
	}
	return csOk
}

func (m *Monitor) cmdStats(args []string) CommandStatus {
	if err := m.f.Parse(args); err != nil {
		return csOk
	}
	frames := m.k.Memory().Frames()
	fst := frames.Stats()
	m.output("frames: %d free of %d, %d pinned, allocs %d, frees %d, failures %d\n",
		frames.Free(), frames.Total(), frames.PinnedCount(), fst.Allocs, fst.Frees, fst.Failures)

	mst := m.k.Memory().Stats()
	m.output("faults: %d (minor %d, segv %d, oom %d), cow copies %d, cow reuses %d\n",
		mst.Faults, mst.MinorFaults, mst.SegvFaults, mst.OOMFaults, mst.CowCopies, mst.CowReuses)
	m.output("swap ins: %d, evictions: %d, drops: %d, reclaim runs: %d, shootdowns: %d, spaces: %d\n",
		mst.SwapIns, mst.Evictions, mst.Drops, mst.ReclaimRuns, mst.Shootdowns, mst.Spaces)

	fx := m.k.Futexes().Stats()
	m.output("futex: %d waiters, waits %d, wakes %d, requeues %d, cancels %d\n",
		fx.Waiters, fx.Waits, fx.Wakes, fx.Requeues, fx.Cancels)

	kst := m.k.Stats()
	m.output("dispatches: %d, preemptions: %d, signals: %d, clones: %d, execs: %d, exits: %d\n",
		kst.Dispatches, kst.Preemptions, kst.Signals, kst.Clones, kst.Execs, kst.Exits)

	counts := m.k.Tasks().Counts()
	states := make([]task.State, 0, len(counts))
	for s := range counts {
		states = append(states, s)
	}
	sort.Slice(states, func(i, j int) bool { return states[i] < states[j] })
	m.output("tasks: %d of %d", m.k.Tasks().Len(), m.k.Tasks().Capacity())
	for _, s := range states {
		m.output(", %s %d", s, counts[s])
	}
	m.output("\n")
	return csOk
}

func (m *Monitor) cmdMetrics(args []string) CommandStatus {
	prefix := m.f.String("prefix", "", "print only metric families with this name prefix")
	if err := m.f.Parse(args); err != nil {
		return csOk
	}
	g, err := metrics.NewMetricGatherer()
	if err != nil {
		m.output("%v\n", err)
		return csError
	}
	families, err := g.Gather()
	if err != nil {
		m.output("gathering metrics failed: %v\n", err)
		return csError
	}
	sb := &strings.Builder{}
	enc := expfmt.NewEncoder(sb, expfmt.FmtText)
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), *prefix) {
			continue
		}
		if err := enc.Encode(mf); err != nil {
			m.output("encoding %s failed: %v\n", mf.GetName(), err)
			return csError
		}
	}
	m.output("%s", sb.String())
	return csOk
}

func (m *Monitor) cmdKill(args []string) CommandStatus {
	pid := m.f.Int("pid", 0, "signal process PID")
	sigName := m.f.String("sig", "SIGTERM", "signal name or number")
	if err := m.f.Parse(args); err != nil {
		return csOk
	}
	if *pid <= 0 {
		m.output("missing -pid=PID\n")
		return csError
	}
	sig, err := parseSignal(*sigName)
	if err != nil {
		m.output("%v\n", err)
		return csError
	}
	if err := m.k.PostEvent(*pid, sig); err != nil {
		m.output("kill %d: %v\n", *pid, err)
		return csError
	}
	return csOk
}

func (m *Monitor) cmdConfig(args []string) CommandStatus {
	if err := m.f.Parse(args); err != nil {
		return csOk
	}
	dump, err := pkgcfg.Dump()
	if err != nil {
		m.output("%v\n", err)
		return csError
	}
	m.output("%s", dump)
	return csOk
}

func parseSignal(s string) (abi.Signal, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if !signal.Valid(abi.Signal(n)) {
			return 0, fmt.Errorf("invalid signal %d", n)
		}
		return abi.Signal(n), nil
	}
	name := strings.ToUpper(s)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	if sig := unix.SignalNum(name); sig != 0 {
		return sig, nil
	}
	return 0, fmt.Errorf("unknown signal %q", s)
}
