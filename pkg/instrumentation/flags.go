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
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opencensus.io/trace"

	"github.com/intel/kcore/pkg/config"
)

// Sampling defines how often trace samples are taken.
type Sampling float64

const (
	// Disabled is the trace configuration for disabling tracing.
	Disabled Sampling = 0.0
	// Production is a trace configuration for production use.
	Production Sampling = 0.1
	// Testing is a trace configuration for testing.
	Testing Sampling = 1.0

	// defaultSampling is the default sampling frequency.
	defaultSampling = "0"
	// defaultReportPeriod is the default report period
	defaultReportPeriod = "15s"
	// defaultJaegerCollector is the default Jaeger collector endpoint.
	defaultJaegerCollector = ""
	// defaultJaegerAgent is the default Jaeger agent endpoint.
	defaultJaegerAgent = ""
	// defaultHTTPEndpoint is the default HTTP endpoint serving Prometheus /metrics.
	defaultHTTPEndpoint = ""
	// defaultPrometheusExport is the default state for Prometheus exporting.
	defaultPrometheusExport = "false"
)

// options encapsulates our configurable instrumentation parameters.
type options struct {
	// Sampling is the sampling frequency for traces of system calls.
	Sampling Sampling `json:"sampling"`
	// ReportPeriod is the OpenCensus view reporting period.
	ReportPeriod config.Duration `json:"reportPeriod"`
	// JaegerCollector is the URL to the Jaeger HTTP Thrift collector.
	JaegerCollector string `json:"jaegerCollector,omitempty"`
	// JaegerAgent, if set, defines the address of a Jaeger agent to send spans to.
	JaegerAgent string `json:"jaegerAgent,omitempty"`
	// HTTPEndpoint is our HTTP endpoint, used among others to export Prometheus /metrics.
	HTTPEndpoint string `json:"httpEndpoint,omitempty"`
	// PrometheusExport defines whether we export /metrics to/for Prometheus.
	PrometheusExport bool `json:"prometheusExport"`
}

// Our instrumentation options.
var opt = defaultOptions().(*options)

// MarshalJSON is the JSON marshaller for Sampling values.
func (s Sampling) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON is the JSON unmarshaller for Sampling values.
func (s *Sampling) UnmarshalJSON(raw []byte) error {
	var obj interface{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return instrumentationError("failed to unmarshal Sampling value: %v", err)
	}
	switch v := obj.(type) {
	case string:
		if err := s.Parse(v); err != nil {
			return err
		}
	case float64:
		*s = Sampling(v)
	default:
		return instrumentationError("invalid Sampling value of type %T: %v", obj, obj)
	}
	return nil
}

// Parse parses the given string to a Sampling value.
func (s *Sampling) Parse(value string) error {
	switch strings.ToLower(value) {
	case "disabled":
		*s = Disabled
	case "testing":
		*s = Testing
	case "production":
		*s = Production
	default:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return instrumentationError("invalid Sampling value '%s': %v", value, err)
		}
		if f < 0 || f > 1 {
			return instrumentationError("invalid Sampling value '%s', must be within 0-1", value)
		}
		*s = Sampling(f)
	}
	return nil
}

// String returns the Sampling value as a string.
func (s Sampling) String() string {
	switch s {
	case Disabled:
		return "disabled"
	case Production:
		return "production"
	case Testing:
		return "testing"
	}
	return strconv.FormatFloat(float64(s), 'f', -1, 64)
}

// Sampler returns a trace.Sampler corresponding to the Sampling value.
func (s Sampling) Sampler() trace.Sampler {
	if s == Disabled {
		return trace.NeverSample()
	}
	return trace.ProbabilitySampler(float64(s))
}

// parseEnv parses the environment for default values.
func parseEnv(name, defval string, parsefn func(string) error) {
	if envval := os.Getenv(name); envval != "" {
		err := parsefn(envval)
		if err == nil {
			return
		}
		log.Error("invalid environment %s=%q: %v, using default %q", name, envval, err, defval)
	}
	if err := parsefn(defval); err != nil {
		log.Error("invalid default %s=%q: %v", name, defval, err)
	}
}

// defaultOptions returns a new options instance, all initialized to defaults.
func defaultOptions() interface{} {
	o := &options{}

	type param struct {
		defval  string
		parsefn func(string) error
	}

	params := map[string]param{
		"KCORE_JAEGER_COLLECTOR": {
			defaultJaegerCollector,
			func(v string) error { o.JaegerCollector = v; return nil },
		},
		"KCORE_JAEGER_AGENT": {
			defaultJaegerAgent,
			func(v string) error { o.JaegerAgent = v; return nil },
		},
		"KCORE_HTTP_ENDPOINT": {
			defaultHTTPEndpoint,
			func(v string) error { o.HTTPEndpoint = v; return nil },
		},
		"KCORE_PROMETHEUS_EXPORT": {
			defaultPrometheusExport,
			func(v string) error {
				enabled, err := strconv.ParseBool(v)
				if err != nil {
					return err
				}
				o.PrometheusExport = enabled
				return nil
			},
		},
		"KCORE_SAMPLING_FREQUENCY": {
			defaultSampling,
			func(v string) error { return o.Sampling.Parse(v) },
		},
		"KCORE_REPORT_PERIOD": {
			defaultReportPeriod,
			func(v string) error {
				d, err := time.ParseDuration(v)
				if err != nil {
					return err
				}
				o.ReportPeriod = config.Duration(d)
				return nil
			},
		},
	}

	for envvar, p := range params {
		parseEnv(envvar, p.defval, p.parsefn)
	}

	return o
}

// configNotify applies a changed instrumentation configuration. Failures
// are logged, the previous services keep running where they can.
func configNotify(event config.Event, _ config.Source) error {
	log.Info("instrumentation %s: sampling %s, HTTP endpoint %q, prometheus export %v",
		event, opt.Sampling, opt.HTTPEndpoint, opt.PrometheusExport)

	if err := svc.reconfigure(); err != nil {
		log.Error("instrumentation only partly reconfigured: %v", err)
	}

	return nil
}

func init() {
	config.Register("instrumentation", "Syscall tracing and kernel metrics export.",
		opt, defaultOptions, config.WithNotify(configNotify))
}
