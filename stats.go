// Copyright 2024 The Authors.
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

package vmap

import "time"

// Stats is the collaborator interface for counters and histograms
// (spec.md §9: "mutable shared statistics class" re-architected as an
// explicit interface the core calls into). A nil-safe no-op
// implementation is used when Config.Stats is unset.
type Stats interface {
	// Counter increments a named counter by delta.
	Counter(name string, delta int64)
	// Observe records a duration sample against a named histogram.
	Observe(name string, d time.Duration)
	// Gauge sets a named gauge to value.
	Gauge(name string, value int64)
}

// noopStats is the default Stats implementation; every method is a
// no-op.
type noopStats struct{}

func (noopStats) Counter(string, int64)      {}
func (noopStats) Observe(string, time.Duration) {}
func (noopStats) Gauge(string, int64)        {}

// statsOrNoop returns s if non-nil, otherwise a no-op implementation.
func statsOrNoop(s Stats) Stats {
	if s == nil {
		return noopStats{}
	}
	return s
}
