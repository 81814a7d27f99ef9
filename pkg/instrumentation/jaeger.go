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
	"os"

	"contrib.go.opencensus.io/exporter/jaeger"
	"go.opencensus.io/trace"
)

// spanBufferSize bounds the system call spans buffered between uploads.
const spanBufferSize = 4096

// tracerConfig tells where system call spans are sent and how many of
// them are sampled.
type tracerConfig struct {
	agent     string
	collector string
	sampling  Sampling
}

func (c tracerConfig) enabled() bool {
	return c.agent != "" || c.collector != ""
}

func (c tracerConfig) sameEndpoints(o tracerConfig) bool {
	return c.agent == o.agent && c.collector == o.collector
}

// tracer exports system call spans to a jaeger agent or collector.
type tracer struct {
	exporter *jaeger.Exporter
	config   tracerConfig
}

// start creates the span exporter unless no endpoint is configured, in
// which case spans are never sampled.
func (t *tracer) start(cfg tracerConfig) error {
	if !cfg.enabled() {
		log.Info("syscall tracing disabled, no jaeger endpoint")
		trace.ApplyConfig(trace.Config{DefaultSampler: trace.NeverSample()})
		return nil
	}

	exp, err := jaeger.NewExporter(jaeger.Options{
		ServiceName:       ServiceName,
		CollectorEndpoint: cfg.collector,
		AgentEndpoint:     cfg.agent,
		BufferMaxCount:    spanBufferSize,
		Process: jaeger.Process{
			ServiceName: ServiceName,
			Tags:        processTags(),
		},
		OnError: func(err error) { log.Error("syscall span upload failed: %v", err) },
	})
	if err != nil {
		return instrumentationError("failed to create syscall span exporter: %v", err)
	}

	log.Info("tracing syscalls to agent %q/collector %q, sampling %s",
		cfg.agent, cfg.collector, cfg.sampling)

	t.exporter, t.config = exp, cfg
	trace.RegisterExporter(exp)
	trace.ApplyConfig(trace.Config{DefaultSampler: cfg.sampling.Sampler()})
	return nil
}

// stop flushes pending spans and unregisters the exporter.
func (t *tracer) stop() {
	if t.exporter == nil {
		return
	}
	log.Info("stopping syscall tracing")
	t.exporter.Flush()
	trace.UnregisterExporter(t.exporter)
	trace.ApplyConfig(trace.Config{DefaultSampler: trace.NeverSample()})
	*t = tracer{}
}

// reconfigure keeps the exporter if only the sampling changed.
func (t *tracer) reconfigure(cfg tracerConfig) error {
	if t.exporter != nil && t.config.sameEndpoints(cfg) {
		if t.config.sampling != cfg.sampling {
			log.Info("syscall trace sampling %s -> %s", t.config.sampling, cfg.sampling)
			t.config.sampling = cfg.sampling
			trace.ApplyConfig(trace.Config{DefaultSampler: cfg.sampling.Sampler()})
		}
		return nil
	}
	t.stop()
	return t.start(cfg)
}

// active tells if spans are exported and sampled at all.
func (t *tracer) active() bool {
	return t.exporter != nil && t.config.sampling > Disabled
}

func processTags() []jaeger.Tag {
	tags := []jaeger.Tag{jaeger.Int64Tag("pid", int64(os.Getpid()))}
	if host, err := os.Hostname(); err == nil {
		tags = append(tags, jaeger.StringTag("hostname", host))
	}
	return tags
}
