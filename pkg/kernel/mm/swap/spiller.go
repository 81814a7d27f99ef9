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

package swap

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SpillerConfig controls background spilling of compressed pages.
type SpillerConfig struct {
	// Interval between spill rounds.
	Interval time.Duration
	// Bandwidth is the maximum number of pages spilled per second.
	Bandwidth int
	// HighWater is the compressed tier usage above which spilling starts.
	HighWater float64
	// LowWater is the compressed tier usage spilling brings the store down to.
	LowWater float64
}

// Spiller moves pages from the compressed tier to the swap device in the
// background, keeping the compressed tier below its high watermark.
type Spiller struct {
	sync.Mutex
	m       *Manager
	config  SpillerConfig
	limiter *rate.Limiter
	kick    chan struct{}
	stop    context.CancelFunc
	done    chan struct{}
}

// NewSpiller creates a spiller for the given manager.
func NewSpiller(m *Manager, config SpillerConfig) *Spiller {
	s := &Spiller{
		m:    m,
		kick: make(chan struct{}, 1),
	}
	s.SetConfig(config)
	return s
}

// SetConfig updates the spiller configuration.
func (s *Spiller) SetConfig(config SpillerConfig) {
	s.Lock()
	defer s.Unlock()

	if config.Interval <= 0 {
		config.Interval = 100 * time.Millisecond
	}
	if config.Bandwidth <= 0 {
		config.Bandwidth = 1024
	}
	if config.HighWater <= 0 || config.HighWater > 1 {
		config.HighWater = 0.9
	}
	if config.LowWater <= 0 || config.LowWater > config.HighWater {
		config.LowWater = config.HighWater * 0.75
	}
	s.config = config
	s.limiter = rate.NewLimiter(rate.Limit(config.Bandwidth), config.Bandwidth)
}

// Start launches the spiller goroutine.
func (s *Spiller) Start(ctx context.Context) {
	s.Lock()
	defer s.Unlock()

	if s.stop != nil {
		return
	}
	ctx, s.stop = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
}

// Stop stops the spiller goroutine and waits for it to exit.
func (s *Spiller) Stop() {
	s.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.Unlock()

	if stop != nil {
		stop()
		<-done
	}
}

// Kick asks for a spill round without waiting for the next interval.
func (s *Spiller) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Spiller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	s.Lock()
	interval := s.config.Interval
	s.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.kick:
		}
		if _, err := s.round(ctx); err != nil && ctx.Err() == nil {
			log.Error("spill round failed: %v", err)
		}
	}
}

// round spills pages until usage drops to the low watermark. It returns
// the number of pages spilled.
func (s *Spiller) round(ctx context.Context) (int, error) {
	s.Lock()
	config, limiter := s.config, s.limiter
	s.Unlock()

	if s.m.Usage() < config.HighWater {
		return 0, nil
	}

	total := 0
	for s.m.Usage() > config.LowWater {
		if err := limiter.Wait(ctx); err != nil {
			return total, err
		}
		n, err := s.m.Spill(1)
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	if total > 0 {
		log.Debug("spilled %d pages", total)
	}
	return total, nil
}
