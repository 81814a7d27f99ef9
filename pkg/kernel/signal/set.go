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

// Package signal holds the per-task and per-process signal state: signal
// sets, handler tables, default dispositions and the frame pushed on the
// user stack when a handler runs.
package signal

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/intel/kcore/pkg/kernel/abi"
	logger "github.com/intel/kcore/pkg/log"
)

var log = logger.NewLogger("signal")

// Set is a set of signals, bit n-1 standing for signal n, as in sigset_t.
type Set uint64

// Unblockable signals cannot be blocked, caught or ignored.
var Unblockable = SetOf(abi.SIGKILL, abi.SIGSTOP)

// StopSignals stop a thread group by default.
var StopSignals = SetOf(abi.SIGSTOP, abi.SIGTSTP, abi.SIGTTIN, abi.SIGTTOU)

// SetOf returns the set of the given signals.
func SetOf(sigs ...abi.Signal) Set {
	var s Set
	for _, sig := range sigs {
		s = s.Add(sig)
	}
	return s
}

// Valid tells if sig is a valid signal number.
func Valid(sig abi.Signal) bool {
	return sig >= 1 && sig <= abi.NSIG
}

func bit(sig abi.Signal) Set {
	if !Valid(sig) {
		return 0
	}
	return 1 << (uint(sig) - 1)
}

// Has tells if sig is in the set.
func (s Set) Has(sig abi.Signal) bool {
	return s&bit(sig) != 0
}

// Add returns the set with sig added.
func (s Set) Add(sig abi.Signal) Set {
	return s | bit(sig)
}

// Del returns the set with sig removed.
func (s Set) Del(sig abi.Signal) Set {
	return s &^ bit(sig)
}

// Blockable returns the set with the unblockable signals removed.
func (s Set) Blockable() Set {
	return s &^ Unblockable
}

// Lowest returns the lowest numbered signal in the set.
func (s Set) Lowest() (abi.Signal, bool) {
	if s == 0 {
		return 0, false
	}
	return abi.Signal(bits.TrailingZeros64(uint64(s)) + 1), true
}

// Next returns the lowest numbered signal pending and not blocked.
func Next(pending, blocked Set) (abi.Signal, bool) {
	return (pending &^ blocked.Blockable()).Lowest()
}

// String prints the set as a list of signal numbers, similar to the cpuset
// format of the Linux kernel.
func (s Set) String() string {
	str, sep := "", ""
	shift := 0
	b := uint64(s)
	for b != 0 {
		one := bits.TrailingZeros64(b)
		b >>= uint(one)
		ones := bits.TrailingZeros64(^b)
		first := one + shift + 1
		if ones == 1 {
			str += sep + strconv.Itoa(first)
		} else {
			str += sep + strconv.Itoa(first) + "-" + strconv.Itoa(first+ones-1)
		}
		if ones == 64 {
			break
		}
		b >>= uint(ones)
		shift += one + ones
		sep = ","
	}
	return "{" + str + "}"
}

// ParseSet parses a list of signal numbers and ranges, such as "1,3-5".
func ParseSet(str string) (Set, error) {
	var s Set
	str = strings.Trim(strings.TrimSpace(str), "{}")
	if str == "" {
		return s, nil
	}
	for _, r := range strings.Split(str, ",") {
		split := strings.SplitN(r, "-", 2)
		first, err := parseSignal(split[0])
		if err != nil {
			return 0, errors.Wrapf(err, "invalid signal set %q", str)
		}
		last := first
		if len(split) == 2 {
			if last, err = parseSignal(split[1]); err != nil {
				return 0, errors.Wrapf(err, "invalid signal set %q", str)
			}
			if last < first {
				return 0, signalError("invalid range %q in signal set %q", r, str)
			}
		}
		for sig := first; sig <= last; sig++ {
			s = s.Add(sig)
		}
	}
	return s, nil
}

func parseSignal(str string) (abi.Signal, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(str), 10, 8)
	if err != nil {
		return 0, errors.Wrap(abi.EINVAL, err.Error())
	}
	if sig := abi.Signal(n); Valid(sig) {
		return sig, nil
	}
	return 0, signalError("invalid signal %s", str)
}

func signalError(format string, args ...interface{}) error {
	return errors.Wrap(abi.EINVAL, "signal: "+fmt.Sprintf(format, args...))
}
