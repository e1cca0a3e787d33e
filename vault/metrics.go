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

package vault

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the vault's Prometheus instrumentation.
type Metrics struct {
	Refreshes *prometheus.CounterVec // labels: provider, outcome
}

// NewMetrics registers the vault metrics on reg. Pass a fresh
// prometheus.NewRegistry() in tests to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		Refreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_credential_refreshes_total",
			Help: "Credential refresh attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),
	}
}

// WithMetrics attaches Prometheus instrumentation to the vault.
func WithMetrics(m *Metrics) Option {
	return func(v *Vault) {
		v.metrics = m
	}
}

func (v *Vault) recordRefresh(providerID string, success bool) {
	if v.metrics == nil {
		return
	}
	outcome := "error"
	if success {
		outcome = "success"
	}
	v.metrics.Refreshes.WithLabelValues(providerID, outcome).Inc()
}
