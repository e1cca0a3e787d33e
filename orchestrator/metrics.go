// Copyright 2026 Conductor
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

package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus instrumentation.
type Metrics struct {
	JobsStarted   prometheus.Counter
	JobsFinished  *prometheus.CounterVec // label: status
	ModelCalls    *prometheus.CounterVec // labels: provider, outcome
	ModelLatency  *prometheus.HistogramVec
	CircuitOpens  *prometheus.CounterVec // label: provider
	SynthesisRuns *prometheus.CounterVec // label: outcome
}

// NewMetrics registers the engine metrics on reg. Pass a fresh
// prometheus.NewRegistry() in tests to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		JobsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "conductor_jobs_started_total",
			Help: "Jobs accepted by the orchestration engine.",
		}),
		JobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_jobs_finished_total",
			Help: "Jobs reaching a terminal status.",
		}, []string{"status"}),
		ModelCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_model_calls_total",
			Help: "Model invocations by provider and outcome.",
		}, []string{"provider", "outcome"}),
		ModelLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conductor_model_call_duration_seconds",
			Help:    "Model invocation latency by provider.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"provider"}),
		CircuitOpens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_circuit_rejections_total",
			Help: "Calls rejected by an open provider circuit.",
		}, []string{"provider"}),
		SynthesisRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_synthesis_runs_total",
			Help: "Synthesis invocations by outcome.",
		}, []string{"outcome"}),
	}
}
