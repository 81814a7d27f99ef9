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
	"container/list"
	"fmt"
	"sync"
	"time"

	goxrate "golang.org/x/time/rate"
)

// Rate specifies maximum per-message logging rate.
type Rate struct {
	// Limit is the rate limit.
	Limit goxrate.Limit
	// Burst is the number of messages allowed to pass in a burst.
	Burst int
	// Window is the number of distinct messages tracked.
	Window int
}

const (
	// DefaultWindow is the default message window size for rate limiting.
	DefaultWindow = 256
	// MinimumWindow is the smallest message window size for rate limiting.
	MinimumWindow = 32
)

// Every defines a rate limit for the given interval.
func Every(interval time.Duration) goxrate.Limit {
	return goxrate.Every(interval)
}

// Interval returns a Rate for the given interval.
func Interval(interval time.Duration) Rate {
	return Rate{Limit: Every(interval), Burst: 1}
}

// ratelimited is a Logger that drops repeats of identical messages above a rate.
type ratelimited struct {
	Logger
	sync.Mutex
	rate   Rate
	recent *list.List // most recently seen messages first
	limits map[string]*list.Element
}

type msgLimit struct {
	msg     string
	limiter *goxrate.Limiter
}

// RateLimit returns a ratelimited version of the given logger.
func RateLimit(log Logger, rate Rate) Logger {
	switch {
	case rate.Window == 0:
		rate.Window = DefaultWindow
	case rate.Window < MinimumWindow:
		rate.Window = MinimumWindow
	}
	if rate.Burst < 1 {
		rate.Burst = 1
	}
	return &ratelimited{
		Logger: log,
		rate:   rate,
		recent: list.New(),
		limits: make(map[string]*list.Element),
	}
}

func (rl *ratelimited) Debug(format string, args ...interface{}) {
	if rl.Logger.DebugEnabled() {
		if msg, ok := rl.allow(format, args...); ok {
			rl.Logger.Debug("<rate-limited> %s", msg)
		}
	}
}

func (rl *ratelimited) Info(format string, args ...interface{}) {
	if msg, ok := rl.allow(format, args...); ok {
		rl.Logger.Info("<rate-limited> %s", msg)
	}
}

func (rl *ratelimited) Warn(format string, args ...interface{}) {
	if msg, ok := rl.allow(format, args...); ok {
		rl.Logger.Warn("<rate-limited> %s", msg)
	}
}

func (rl *ratelimited) Error(format string, args ...interface{}) {
	if msg, ok := rl.allow(format, args...); ok {
		rl.Logger.Error("<rate-limited> %s", msg)
	}
}

func (rl *ratelimited) allow(format string, args ...interface{}) (string, bool) {
	msg := fmt.Sprintf(format, args...)
	return msg, rl.limiter(msg).Allow()
}

// limiter returns the limiter for msg, evicting the least recently seen message if necessary.
func (rl *ratelimited) limiter(msg string) *goxrate.Limiter {
	rl.Lock()
	defer rl.Unlock()

	if e, ok := rl.limits[msg]; ok {
		rl.recent.MoveToFront(e)
		return e.Value.(*msgLimit).limiter
	}

	if rl.recent.Len() >= rl.rate.Window {
		oldest := rl.recent.Back()
		rl.recent.Remove(oldest)
		delete(rl.limits, oldest.Value.(*msgLimit).msg)
	}

	ml := &msgLimit{msg: msg, limiter: goxrate.NewLimiter(rl.rate.Limit, rl.rate.Burst)}
	rl.limits[msg] = rl.recent.PushFront(ml)

	return ml.limiter
}
