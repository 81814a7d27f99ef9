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

package metrics

import (
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	logger "github.com/intel/kcore/pkg/log"
)

var (
	mu         sync.Mutex
	collectors = make(map[string]InitCollector)
	log        = logger.NewLogger("collectors")
)

// InitCollector is the type for functions that initialize collectors.
type InitCollector func() (prometheus.Collector, error)

// RegisterCollector registers the named prometheus.Collector for metrics collection.
func RegisterCollector(name string, init InitCollector) error {
	mu.Lock()
	defer mu.Unlock()

	log.Info("registering collector %s...", name)

	if _, found := collectors[name]; found {
		return metricsError("collector %s already registered", name)
	}
	collectors[name] = init

	return nil
}

// UnregisterCollector drops a registered collector.
func UnregisterCollector(name string) {
	mu.Lock()
	defer mu.Unlock()
	delete(collectors, name)
}

// Collectors returns the names of the registered collectors.
func Collectors() []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(collectors))
	for name := range collectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewMetricGatherer creates a new prometheus.Gatherer with all registered collectors.
func NewMetricGatherer() (prometheus.Gatherer, error) {
	mu.Lock()
	defer mu.Unlock()

	reg := prometheus.NewPedanticRegistry()

	for name, cb := range collectors {
		c, err := cb()
		if err != nil {
			log.Error("failed to initialize collector '%s': %v. Skipping it.", name, err)
			continue
		}
		if err := reg.Register(c); err != nil {
			return nil, metricsError("failed to register collector %s: %v", name, err)
		}
	}

	return reg, nil
}

func metricsError(format string, args ...interface{}) error {
	return fmt.Errorf("metrics: "+format, args...)
}
