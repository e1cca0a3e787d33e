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

// Package circuit provides a generic circuit breaker keyed by an opaque
// string. The vault keys breakers by "userID|providerID"; the orchestrator
// may key them by provider for call gating independent of credentials.
package circuit

import (
	"fmt"
	"sync"
	"time"
)

// State is the condition of a single circuit.
type State string

const (
	// StateClosed allows calls through and counts consecutive failures.
	StateClosed State = "closed"

	// StateOpen rejects calls until the cool-down window elapses.
	StateOpen State = "open"

	// StateHalfOpen allows exactly one trial call after the cool-down.
	StateHalfOpen State = "half-open"
)

// Default tuning values, used when Config fields are zero.
const (
	DefaultFailureThreshold = 3
	DefaultCoolDown         = 30 * time.Second
)

// Config contains circuit breaker tuning.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// a circuit. Zero means DefaultFailureThreshold.
	FailureThreshold int

	// CoolDown is how long an open circuit rejects calls before moving
	// to half-open. Zero means DefaultCoolDown.
	CoolDown time.Duration
}

// OpenError is returned by Allow when a circuit rejects the call.
type OpenError struct {
	Key     string
	RetryAt time.Time
}

// Error implements the error interface.
func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit open for %q (retry at %s)", e.Key, e.RetryAt.UTC().Format(time.RFC3339))
}

// IsOpen reports whether err is a circuit-open rejection.
func IsOpen(err error) bool {
	_, ok := err.(*OpenError)
	return ok
}

// Snapshot is a read-only view of one circuit's state.
type Snapshot struct {
	State         State     `json:"state"`
	FailureCount  int       `json:"failure_count"`
	LastFailureAt time.Time `json:"last_failure_at,omitempty"`
	NextAttemptAt time.Time `json:"next_attempt_at,omitempty"`
}

type entry struct {
	state         State
	failureCount  int
	lastFailureAt time.Time
	nextAttemptAt time.Time
	trialInFlight bool
}

// Breaker tracks per-key failure state. Entries are created lazily on
// first failure and removed via Remove. Safe for concurrent use.
type Breaker struct {
	mu      sync.Mutex
	config  Config
	entries map[string]*entry

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a Breaker with the given config, applying defaults for
// zero-valued fields.
func New(config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultFailureThreshold
	}
	if config.CoolDown <= 0 {
		config.CoolDown = DefaultCoolDown
	}
	return &Breaker{
		config:  config,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Allow reports whether a call for key may proceed. It returns nil when
// the circuit is closed, or when an open circuit's cool-down has elapsed
// and this caller wins the single half-open trial slot. Otherwise it
// returns *OpenError.
func (b *Breaker) Allow(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, exists := b.entries[key]
	if !exists {
		return nil
	}

	switch e.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Before(e.nextAttemptAt) {
			return &OpenError{Key: key, RetryAt: e.nextAttemptAt}
		}
		// Cool-down elapsed: this caller becomes the half-open trial.
		e.state = StateHalfOpen
		e.trialInFlight = true
		return nil
	case StateHalfOpen:
		if e.trialInFlight {
			return &OpenError{Key: key, RetryAt: e.nextAttemptAt}
		}
		e.trialInFlight = true
		return nil
	}
	return nil
}

// RecordSuccess resets the circuit for key to closed and zeroes its
// failure counter.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, exists := b.entries[key]
	if !exists {
		return
	}
	e.state = StateClosed
	e.failureCount = 0
	e.trialInFlight = false
	e.nextAttemptAt = time.Time{}
}

// RecordFailure counts a failure for key. Reaching the threshold in the
// closed state, or any failure in the half-open state, opens the circuit
// and restarts the cool-down.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, exists := b.entries[key]
	if !exists {
		e = &entry{state: StateClosed}
		b.entries[key] = e
	}

	now := b.now()
	e.failureCount++
	e.lastFailureAt = now

	switch e.state {
	case StateHalfOpen:
		e.state = StateOpen
		e.trialInFlight = false
		e.nextAttemptAt = now.Add(b.config.CoolDown)
	case StateClosed:
		if e.failureCount >= b.config.FailureThreshold {
			e.state = StateOpen
			e.nextAttemptAt = now.Add(b.config.CoolDown)
		}
	}
}

// AbandonTrial hands back the half-open trial slot for key without
// recording an outcome. For callers whose trial call was abandoned
// before the provider answered (context expiry): the circuit stays
// half-open and the next caller may retry the trial.
func (b *Breaker) AbandonTrial(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, exists := b.entries[key]
	if !exists {
		return
	}
	if e.state == StateHalfOpen {
		e.trialInFlight = false
	}
}

// Reset forces the circuit for key back to closed with a zeroed counter.
func (b *Breaker) Reset(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
}

// Remove drops all tracked state for key.
func (b *Breaker) Remove(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
}

// State returns the current state for key. Keys without recorded
// failures are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, exists := b.entries[key]
	if !exists {
		return StateClosed
	}
	return e.state
}

// Snapshot returns a read-only view of the circuit for key.
func (b *Breaker) Snapshot(key string) Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, exists := b.entries[key]
	if !exists {
		return Snapshot{State: StateClosed}
	}
	return Snapshot{
		State:         e.state,
		FailureCount:  e.failureCount,
		LastFailureAt: e.lastFailureAt,
		NextAttemptAt: e.nextAttemptAt,
	}
}

// SetClock replaces the breaker's time source. Tests only.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}
