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

package model

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"
)

// Registry maps model identifiers to adapter instances. New providers
// register here without the orchestrator changing. Thread-safe.
type Registry struct {
	adapters map[string]Adapter
	logger   *log.Logger
	mu       sync.RWMutex

	// Health monitoring
	healthResults map[string]Health
	healthMu      sync.RWMutex
}

// RegistryOption configures the registry during creation.
type RegistryOption func(*Registry)

// WithLogger sets a custom logger for the registry.
func WithLogger(logger *log.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates an empty adapter registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		adapters:      make(map[string]Adapter),
		healthResults: make(map[string]Health),
		logger:        log.New(os.Stdout, "[MODEL_REGISTRY] ", log.LstdFlags),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// RegistryError represents an error from registry operations.
type RegistryError struct {
	ModelID string
	Code    string
	Message string
}

// Registry error codes.
const (
	// ErrRegistryNotFound indicates the model id is not registered.
	ErrRegistryNotFound = "registry_not_found"

	// ErrRegistryDuplicate indicates the model id is already taken.
	ErrRegistryDuplicate = "registry_duplicate"

	// ErrRegistryInvalid indicates invalid registration input.
	ErrRegistryInvalid = "registry_invalid"
)

// Error implements the error interface.
func (e *RegistryError) Error() string {
	if e.ModelID != "" {
		return fmt.Sprintf("registry error for %q: %s", e.ModelID, e.Message)
	}
	return fmt.Sprintf("registry error: %s", e.Message)
}

// Register binds a model identifier to an adapter instance.
func (r *Registry) Register(modelID string, adapter Adapter) error {
	if modelID == "" {
		return &RegistryError{Code: ErrRegistryInvalid, Message: "model id is required"}
	}
	if adapter == nil {
		return &RegistryError{ModelID: modelID, Code: ErrRegistryInvalid, Message: "adapter cannot be nil"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[modelID]; exists {
		return &RegistryError{ModelID: modelID, Code: ErrRegistryDuplicate,
			Message: fmt.Sprintf("model %q already registered", modelID)}
	}

	r.adapters[modelID] = adapter
	r.logger.Printf("Registered model: %s (provider: %s)", modelID, adapter.ProviderID())
	return nil
}

// Unregister removes a model binding.
func (r *Registry) Unregister(modelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[modelID]; !exists {
		return &RegistryError{ModelID: modelID, Code: ErrRegistryNotFound,
			Message: fmt.Sprintf("model %q not found", modelID)}
	}
	delete(r.adapters, modelID)

	r.healthMu.Lock()
	delete(r.healthResults, modelID)
	r.healthMu.Unlock()

	r.logger.Printf("Unregistered model: %s", modelID)
	return nil
}

// Get returns the adapter bound to modelID.
func (r *Registry) Get(modelID string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, exists := r.adapters[modelID]
	if !exists {
		return nil, &RegistryError{ModelID: modelID, Code: ErrRegistryNotFound,
			Message: fmt.Sprintf("model %q not found", modelID)}
	}
	return adapter, nil
}

// Has reports whether modelID is registered.
func (r *Registry) Has(modelID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.adapters[modelID]
	return exists
}

// List returns all registered model identifiers, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered models.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}

// HealthCheck checks every registered adapter and caches the results.
func (r *Registry) HealthCheck(ctx context.Context) map[string]Health {
	r.mu.RLock()
	adapters := make(map[string]Adapter, len(r.adapters))
	for name, a := range r.adapters {
		adapters[name] = a
	}
	r.mu.RUnlock()

	results := make(map[string]Health, len(adapters))
	for name, adapter := range adapters {
		start := time.Now()
		health, err := adapter.HealthCheck(ctx)
		if err != nil {
			health = Health{Ready: false, Details: err.Error()}
		}
		results[name] = health

		r.healthMu.Lock()
		r.healthResults[name] = health
		r.healthMu.Unlock()

		if !health.Ready {
			r.logger.Printf("Health check failed for %s after %s: %s", name, time.Since(start), health.Details)
		}
	}

	return results
}

// GetHealthResult returns the cached health result for modelID, if any.
func (r *Registry) GetHealthResult(modelID string) (Health, bool) {
	r.healthMu.RLock()
	defer r.healthMu.RUnlock()
	health, ok := r.healthResults[modelID]
	return health, ok
}

// StartPeriodicHealthCheck starts a background goroutine that re-checks
// all adapters on the given interval until ctx is cancelled.
func (r *Registry) StartPeriodicHealthCheck(ctx context.Context, interval time.Duration) {
	r.logger.Printf("Starting periodic health check (every %v)", interval)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				r.logger.Println("Stopping periodic health check")
				return
			case <-ticker.C:
				results := r.HealthCheck(ctx)
				notReady := 0
				for _, health := range results {
					if !health.Ready {
						notReady++
					}
				}
				if notReady > 0 {
					r.logger.Printf("Health check: %d/%d models not ready", notReady, len(results))
				}
			}
		}
	}()
}
