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

// Package log implements source-scoped, leveled logging with pluggable backends.
//
// Each package creates its own logger with NewLogger(source). Logging and debugging
// can be toggled per source, either on the command line (-logger-sources,
// -logger-debug) or with a runtime configuration fragment:
//
//	logger:
//	  level: warning
//	  debug: on:mm,swap,off:sched
//
// The special source '*' (or 'all') matches every source.
package log
