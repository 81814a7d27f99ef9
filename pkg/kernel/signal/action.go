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
	"encoding/binary"
	"sync"

	"github.com/intel/kcore/pkg/kernel/abi"
)

// Disposition is the default action of a signal.
type Disposition int

const (
	// Terminate kills the thread group.
	Terminate Disposition = iota
	// Dump kills the thread group as if dumping core.
	Dump
	// Stop stops the thread group.
	Stop
	// Continue resumes a stopped thread group.
	Continue
	// Ignore discards the signal.
	Ignore
)

func (d Disposition) String() string {
	switch d {
	case Terminate:
		return "terminate"
	case Dump:
		return "core"
	case Stop:
		return "stop"
	case Continue:
		return "continue"
	case Ignore:
		return "ignore"
	}
	return "unknown"
}

// DefaultAction returns the default disposition of sig.
func DefaultAction(sig abi.Signal) Disposition {
	switch sig {
	case abi.SIGCHLD, abi.SIGURG, abi.SIGWINCH:
		return Ignore
	case abi.SIGCONT:
		return Continue
	case abi.SIGSTOP, abi.SIGTSTP, abi.SIGTTIN, abi.SIGTTOU:
		return Stop
	case abi.SIGQUIT, abi.SIGILL, abi.SIGTRAP, abi.SIGABRT, abi.SIGBUS,
		abi.SIGFPE, abi.SIGSEGV, abi.SIGXCPU, abi.SIGXFSZ, abi.SIGSYS:
		return Dump
	}
	return Terminate
}

// Action is a registered signal action, as in struct sigaction.
type Action struct {
	Handler uint64
	Flags   uint64
	Mask    Set
}

// ActionSize is the size of an action in user memory: handler, flags, mask.
const ActionSize = 24

// IsDefault tells if the action is SIG_DFL.
func (a Action) IsDefault() bool {
	return a.Handler == abi.SIG_DFL
}

// IsIgnore tells if the action is SIG_IGN.
func (a Action) IsIgnore() bool {
	return a.Handler == abi.SIG_IGN
}

// Ignored tells if sig is discarded under this action.
func (a Action) Ignored(sig abi.Signal) bool {
	return a.IsIgnore() || a.IsDefault() && DefaultAction(sig) == Ignore
}

// Encode returns the user memory representation of the action.
func (a Action) Encode() []byte {
	buf := make([]byte, ActionSize)
	binary.LittleEndian.PutUint64(buf[0:], a.Handler)
	binary.LittleEndian.PutUint64(buf[8:], a.Flags)
	binary.LittleEndian.PutUint64(buf[16:], uint64(a.Mask))
	return buf
}

// DecodeAction parses an action from user memory.
func DecodeAction(buf []byte) (Action, error) {
	if len(buf) < ActionSize {
		return Action{}, signalError("short sigaction (%d bytes)", len(buf))
	}
	return Action{
		Handler: binary.LittleEndian.Uint64(buf[0:]),
		Flags:   binary.LittleEndian.Uint64(buf[8:]),
		Mask:    Set(binary.LittleEndian.Uint64(buf[16:])),
	}, nil
}

// Table is the handler table of a process, shared by the threads of the
// process and by tasks cloned with CLONE_SIGHAND.
type Table struct {
	sync.Mutex
	actions [abi.NSIG]Action
}

// NewTable returns a table with every signal at its default action.
func NewTable() *Table {
	return &Table{}
}

// Get returns the action of sig.
func (t *Table) Get(sig abi.Signal) Action {
	if !Valid(sig) {
		return Action{}
	}
	t.Lock()
	defer t.Unlock()
	return t.actions[sig-1]
}

// Set installs a new action for sig, returning the old one.
func (t *Table) Set(sig abi.Signal, act Action) (Action, error) {
	if !Valid(sig) {
		return Action{}, signalError("invalid signal %d", sig)
	}
	if Unblockable.Has(sig) {
		return Action{}, signalError("cannot change action of signal %d", sig)
	}
	act.Mask = act.Mask.Blockable()

	t.Lock()
	defer t.Unlock()
	old := t.actions[sig-1]
	t.actions[sig-1] = act
	log.Debug("action of %d set to handler %#x, flags %#x, mask %s", sig, act.Handler, act.Flags, act.Mask)
	return old, nil
}

// Take returns the action for delivering sig to a handler, resetting it to
// the default for SA_RESETHAND. It also returns the signals to block while
// the handler runs.
func (t *Table) Take(sig abi.Signal) (Action, Set) {
	t.Lock()
	defer t.Unlock()
	act := t.actions[sig-1]
	mask := act.Mask
	if act.Flags&abi.SA_NODEFER == 0 {
		mask = mask.Add(sig)
	}
	if act.Flags&abi.SA_RESETHAND != 0 && !act.IsDefault() && !act.IsIgnore() {
		t.actions[sig-1] = Action{}
	}
	return act, mask.Blockable()
}

// Clone returns a private copy of the table, for fork.
func (t *Table) Clone() *Table {
	t.Lock()
	defer t.Unlock()
	c := &Table{}
	c.actions = t.actions
	return c
}

// Reset returns caught signals to their default action, for exec. Ignored
// signals stay ignored.
func (t *Table) Reset() {
	t.Lock()
	defer t.Unlock()
	for i, act := range t.actions {
		if !act.IsIgnore() {
			t.actions[i] = Action{}
		}
	}
}

// Ignored returns the signals discarded on arrival.
func (t *Table) Ignored() Set {
	t.Lock()
	defer t.Unlock()
	var s Set
	for i, act := range t.actions {
		if sig := abi.Signal(i + 1); act.Ignored(sig) {
			s = s.Add(sig)
		}
	}
	return s
}
