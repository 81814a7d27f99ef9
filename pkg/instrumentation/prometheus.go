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
	"strings"
	"time"

	"contrib.go.opencensus.io/exporter/prometheus"
	pclient "github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.opencensus.io/stats/view"

	"github.com/intel/kcore/pkg/instrumentation/http"
	"github.com/intel/kcore/pkg/metrics"
)

const (
	// PrometheusMetricsPath is the URL path for exposing metrics to Prometheus.
	PrometheusMetricsPath = "/metrics"
	// prometheusExporter is used in log messages.
	prometheusExporter = "Prometheus exporter"
)

// metricsExporter exports OpenCensus views and registered collectors to
// Prometheus.
type metricsExporter struct {
	exporter *prometheus.Exporter
	mux      *http.ServeMux
	period   time.Duration
}

// gatherer gathers a fresh registry of the registered collectors on every
// scrape, so collectors registered after startup get exported too.
type gatherer struct{}

func (gatherer) Gather() ([]*dto.MetricFamily, error) {
	g, err := metrics.NewMetricGatherer()
	if err != nil {
		return nil, err
	}
	return g.Gather()
}

// start creates and registers the Prometheus exporter, if enabled.
func (m *metricsExporter) start(mux *http.ServeMux, period time.Duration, enabled bool) error {
	if !enabled {
		log.Info("%s is disabled", prometheusExporter)
		return nil
	}

	log.Info("creating %s...", prometheusExporter)

	cfg := prometheus.Options{
		Namespace: prometheusNamespace(ServiceName),
		Registry:  pclient.NewRegistry(),
		Gatherer:  gatherer{},
		OnError:   func(err error) { log.Error("%s error: %v", prometheusExporter, err) },
	}
	exp, err := prometheus.NewExporter(cfg)
	if err != nil {
		return instrumentationError("failed to create %s: %v", prometheusExporter, err)
	}

	m.exporter = exp
	m.mux = mux
	m.period = period

	mux.Handle(PrometheusMetricsPath, m.exporter)
	view.RegisterExporter(m.exporter)
	if period > 0 {
		view.SetReportingPeriod(period)
	}

	return nil
}

// stop unregisters the Prometheus exporter.
func (m *metricsExporter) stop() {
	if m.exporter == nil {
		return
	}

	log.Info("stopping %s...", prometheusExporter)

	view.UnregisterExporter(m.exporter)
	m.mux.Unregister(PrometheusMetricsPath)
	*m = metricsExporter{}
}

// reconfigure reconfigures the Prometheus exporter.
func (m *metricsExporter) reconfigure(mux *http.ServeMux, period time.Duration, enabled bool) error {
	if !enabled {
		m.stop()
		return nil
	}
	if m.exporter != nil && m.mux == mux {
		if m.period != period && period > 0 {
			m.period = period
			view.SetReportingPeriod(period)
		}
		return nil
	}
	m.stop()
	return m.start(mux, period, enabled)
}

// mutate service name into a valid Prometheus namespace name.
func prometheusNamespace(service string) string {
	return strings.ReplaceAll(strings.ToLower(service), "-", "_")
}
