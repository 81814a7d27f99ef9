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

package instrumentation

import (
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/intel/kcore/pkg/instrumentation/http"
)

// service runs the HTTP endpoint, syscall tracing and the metrics export
// of a kcore instance.
type service struct {
	sync.RWMutex
	http    *http.Server
	tracer  *tracer
	metrics *metricsExporter
	running bool
}

func newService() *service {
	return &service{
		http:    http.NewServer(),
		tracer:  &tracer{},
		metrics: &metricsExporter{},
	}
}

func (o *options) tracerConfig() tracerConfig {
	return tracerConfig{
		agent:     o.JaegerAgent,
		collector: o.JaegerCollector,
		sampling:  o.Sampling,
	}
}

// Start brings up the services in order. A failing one stops those
// already started.
func (s *service) Start() error {
	s.Lock()
	defer s.Unlock()

	if s.running {
		return nil
	}

	steps := []struct {
		name  string
		start func() error
		stop  func()
	}{
		{"HTTP endpoint", func() error { return s.http.Start(opt.HTTPEndpoint) }, s.http.Stop},
		{"syscall tracing", func() error { return s.tracer.start(opt.tracerConfig()) }, s.tracer.stop},
		{"metrics export", func() error {
			return s.metrics.start(s.http.GetMux(), time.Duration(opt.ReportPeriod), opt.PrometheusExport)
		}, s.metrics.stop},
	}
	for i, step := range steps {
		if err := step.start(); err != nil {
			for j := i - 1; j >= 0; j-- {
				steps[j].stop()
			}
			return instrumentationError("failed to start %s: %v", step.name, err)
		}
	}

	log.Info("instrumentation running, HTTP endpoint %q", s.http.GetAddress())
	s.running = true
	return nil
}

// Stop stops the services in reverse order.
func (s *service) Stop() {
	s.Lock()
	defer s.Unlock()

	s.metrics.stop()
	s.tracer.stop()
	s.http.Stop()
	s.running = false
}

// reconfigure applies the current options to every service, collecting
// the failures.
func (s *service) reconfigure() error {
	s.Lock()
	defer s.Unlock()

	var errs *multierror.Error
	if err := s.http.Reconfigure(opt.HTTPEndpoint); err != nil {
		errs = multierror.Append(errs, instrumentationError("HTTP endpoint: %v", err))
	}
	if err := s.tracer.reconfigure(opt.tracerConfig()); err != nil {
		errs = multierror.Append(errs, instrumentationError("syscall tracing: %v", err))
	}
	err := s.metrics.reconfigure(s.http.GetMux(), time.Duration(opt.ReportPeriod), opt.PrometheusExport)
	if err != nil {
		errs = multierror.Append(errs, instrumentationError("metrics export: %v", err))
	}
	return errs.ErrorOrNil()
}

// Restart stops and starts all services.
func (s *service) Restart() error {
	s.Stop()
	return s.Start()
}

// TracingEnabled tells if syscall spans are sampled and exported.
func (s *service) TracingEnabled() bool {
	s.RLock()
	defer s.RUnlock()
	return s.tracer.active()
}
