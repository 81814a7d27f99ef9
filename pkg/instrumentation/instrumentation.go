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

// Package instrumentation serves the metrics of the kernel over HTTP and
// exports traces of system calls to Jaeger.
package instrumentation

import (
	"fmt"

	"github.com/intel/kcore/pkg/instrumentation/http"
	logger "github.com/intel/kcore/pkg/log"
)

const (
	// ServiceName is our service name in external tracing and metrics services.
	ServiceName = "kcore"
)

// Our logger instance.
var log = logger.NewLogger("instrumentation")

// Our instrumentation service instance.
var svc = newService()

// GetHTTPMux returns our HTTP request multiplexer for external services.
func GetHTTPMux() *http.ServeMux {
	return svc.http.GetMux()
}

// GetHTTPAddress returns the address our HTTP server listens on.
func GetHTTPAddress() string {
	return svc.http.GetAddress()
}

// TracingEnabled returns true if the Jaeger tracing sampler is not disabled.
func TracingEnabled() bool {
	return svc.TracingEnabled()
}

// Start our internal instrumentation services.
func Start() error {
	return svc.Start()
}

// Stop stops our internal instrumentation services.
func Stop() {
	svc.Stop()
}

// Restart restarts our internal instrumentation services.
func Restart() error {
	return svc.Restart()
}

// instrumentationError produces a formatted instrumentation-specific error.
func instrumentationError(format string, args ...interface{}) error {
	return fmt.Errorf("instrumentation: "+format, args...)
}
