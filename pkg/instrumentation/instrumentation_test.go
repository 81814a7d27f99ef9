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
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/intel/kcore/pkg/metrics"
)

func TestSamplingIdempotency(t *testing.T) {
	tcases := []Sampling{
		Disabled,
		Testing,
		Production,
		0.2, 0.25, 0.5, 0.75, 0.8,
	}
	for _, tc := range tcases {
		var chk Sampling
		if err := chk.Parse(tc.String()); err != nil {
			t.Errorf("failed to parse Sampling.String() %q: %v", tc, err)
		}
		if chk != tc {
			t.Errorf("expected sampling value for %q: %v, got: %v", tc, tc, chk)
		}
	}
}

func TestSamplingErrors(t *testing.T) {
	for _, value := range []string{"sometimes", "-0.5", "2"} {
		var s Sampling
		if err := s.Parse(value); err == nil {
			t.Errorf("expected error for sampling %q, got %v", value, s)
		}
	}
	var s Sampling
	require.NoError(t, s.UnmarshalJSON([]byte(`0.5`)))
	require.Equal(t, Sampling(0.5), s)
	require.NoError(t, s.UnmarshalJSON([]byte(`"production"`)))
	require.Equal(t, Production, s)
	require.Error(t, s.UnmarshalJSON([]byte(`true`)))
}

func TestPrometheusConfiguration(t *testing.T) {
	saved := *opt
	defer func() { *opt = saved }()

	opt.HTTPEndpoint = "127.0.0.1:0"
	opt.PrometheusExport = true

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kcore_test_scrapes_total",
		Help: "Number of test scrapes.",
	})
	require.NoError(t, metrics.RegisterCollector("instrumentation-test", func() (prometheus.Collector, error) {
		return counter, nil
	}))
	defer metrics.UnregisterCollector("instrumentation-test")

	s := newService()
	require.NoError(t, s.Start())
	defer s.Stop()

	address := s.http.GetAddress()
	opt.HTTPEndpoint = address
	require.Contains(t, checkPrometheus(t, address, false), "kcore_test_scrapes_total")

	opt.PrometheusExport = false
	require.NoError(t, s.reconfigure())
	checkPrometheus(t, address, true)

	opt.PrometheusExport = true
	require.NoError(t, s.reconfigure())
	checkPrometheus(t, address, false)

	require.False(t, s.TracingEnabled())
}

func checkPrometheus(t *testing.T, server string, shouldFail bool) string {
	rpl, err := http.Get("http://" + server + PrometheusMetricsPath)

	if shouldFail {
		if err == nil {
			rpl.Body.Close()
			if rpl.StatusCode == 200 {
				t.Errorf("Prometheus HTTP GET should have failed, but it didn't.")
			}
		}
		return ""
	}

	if err != nil {
		t.Errorf("Prometheus HTTP GET failed: %v", err)
		return ""
	}
	defer rpl.Body.Close()

	if rpl.StatusCode != 200 {
		t.Errorf("Prometheus HTTP GET failed: %s", rpl.Status)
		return ""
	}

	body, err := io.ReadAll(rpl.Body)
	if err != nil {
		t.Errorf("failed to read Prometheus response: %v", err)
	}
	return strings.TrimSpace(string(body))
}

func TestTracerReconfigure(t *testing.T) {
	tr := &tracer{}
	require.NoError(t, tr.start(tracerConfig{}))
	require.False(t, tr.active())

	// collector uploads are lazy, nothing listens on port 1
	cfg := tracerConfig{collector: "http://127.0.0.1:1/api/traces", sampling: Testing}
	require.NoError(t, tr.reconfigure(cfg))
	require.True(t, tr.active())
	exp := tr.exporter

	cfg.sampling = Disabled
	require.NoError(t, tr.reconfigure(cfg))
	require.True(t, exp == tr.exporter, "sampling change must keep the exporter")
	require.False(t, tr.active())

	cfg.sampling = Production
	cfg.collector = "http://127.0.0.1:2/api/traces"
	require.NoError(t, tr.reconfigure(cfg))
	require.False(t, exp == tr.exporter, "endpoint change must replace the exporter")
	require.True(t, tr.active())

	require.NoError(t, tr.reconfigure(tracerConfig{sampling: Production}))
	require.Nil(t, tr.exporter)
	require.False(t, tr.active())
}

func TestStartRollback(t *testing.T) {
	saved := *opt
	defer func() { *opt = saved }()

	opt.HTTPEndpoint = "127.0.0.1:0"
	opt.JaegerAgent = "no-port-given"
	opt.Sampling = Testing

	s := newService()
	require.Error(t, s.Start())
	require.Equal(t, "", s.http.GetAddress(), "HTTP endpoint left running")
	require.False(t, s.TracingEnabled())

	opt.JaegerAgent = ""
	require.NoError(t, s.Start())
	defer s.Stop()
	require.NotEqual(t, "", s.http.GetAddress())
	require.False(t, s.TracingEnabled())
}
