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
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"conductor/platform/shared/circuit"
	"conductor/platform/shared/logger"
	"github.com/google/uuid"
)

// Vault encrypts, stores, retrieves, and refreshes per-(user,provider)
// credentials. Access is gated through a circuit breaker keyed by
// "userID|providerID" and concurrent refreshes for the same key are
// collapsed into a single provider call.
type Vault struct {
	store     Store
	box       *cipherBox
	breaker   *circuit.Breaker
	refresher Refresher
	metrics   *Metrics
	log       *logger.Logger
	now       func() time.Time

	refreshMu sync.Mutex
	inflight  map[string]*refreshCall
}

// refreshCall tracks one in-flight refresh; waiters block on done and
// then read cred/err.
type refreshCall struct {
	done chan struct{}
	cred Credential
	err  error
}

// Option configures the vault during creation.
type Option func(*Vault)

// WithBreaker sets the circuit breaker instance. If not set, a breaker
// with default thresholds is created.
func WithBreaker(b *circuit.Breaker) Option {
	return func(v *Vault) {
		v.breaker = b
	}
}

// WithRefresher sets the credential refresher. Without one, expired
// credentials fail with ErrCodeRefreshFailed.
func WithRefresher(r Refresher) Option {
	return func(v *Vault) {
		v.refresher = r
	}
}

// WithLogger sets a custom structured logger.
func WithLogger(l *logger.Logger) Option {
	return func(v *Vault) {
		v.log = l
	}
}

// WithClock replaces the vault's time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) {
		v.now = now
	}
}

// New creates a Vault encrypting with a key derived from masterSecret.
func New(store Store, masterSecret []byte, opts ...Option) (*Vault, error) {
	box, err := newCipherBox(masterSecret)
	if err != nil {
		return nil, fmt.Errorf("invalid master secret: %w", err)
	}

	v := &Vault{
		store:    store,
		box:      box,
		inflight: make(map[string]*refreshCall),
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(v)
	}

	if v.breaker == nil {
		v.breaker = circuit.New(circuit.Config{})
	}
	if v.log == nil {
		v.log = logger.New("vault")
	}

	return v, nil
}

// Breaker exposes the vault's circuit breaker so callers sharing the
// instance (the orchestrator) can key provider-level gating off it.
func (v *Vault) Breaker() *circuit.Breaker {
	return v.breaker
}

func breakerKey(userID, providerID string) string {
	return userID + "|" + providerID
}

// StoreCredential encrypts and upserts the credential for
// (userID, providerID) and resets that key's circuit to closed.
func (v *Vault) StoreCredential(ctx context.Context, userID, providerID string, cred Credential) error {
	plaintext, err := json.Marshal(cred)
	if err != nil {
		return &Error{UserID: userID, ProviderID: providerID, Code: ErrCodeStorage,
			Message: "failed to serialize credential", Cause: err}
	}

	payload, iv, salt, tag, err := v.box.seal(plaintext)
	if err != nil {
		return &Error{UserID: userID, ProviderID: providerID, Code: ErrCodeStorage,
			Message: "failed to encrypt credential", Cause: err}
	}

	record := &Record{
		ID:               uuid.NewString(),
		UserID:           userID,
		ProviderID:       providerID,
		EncryptedPayload: payload,
		IV:               iv,
		Salt:             salt,
		AuthTag:          tag,
		UpdatedAt:        v.now(),
	}

	if err := v.store.Upsert(ctx, record); err != nil {
		return &Error{UserID: userID, ProviderID: providerID, Code: ErrCodeStorage,
			Message: "failed to persist credential", Cause: err}
	}

	v.breaker.Reset(breakerKey(userID, providerID))
	v.log.Info(userID, "", "Credential stored", map[string]interface{}{"provider": providerID})
	return nil
}

// GetValidCredential returns a decrypted, unexpired credential for
// (userID, providerID). It fails with ErrCodeCircuitOpen while the key's
// breaker is open, ErrCodeNotFound when no record exists, and
// ErrCodeDecryptionFailed on tag mismatch. Expired credentials are
// refreshed before returning; concurrent callers share one refresh.
func (v *Vault) GetValidCredential(ctx context.Context, userID, providerID string) (Credential, error) {
	key := breakerKey(userID, providerID)

	if err := v.breaker.Allow(key); err != nil {
		return Credential{}, &Error{UserID: userID, ProviderID: providerID,
			Code: ErrCodeCircuitOpen, Message: "provider temporarily disabled", Cause: err}
	}

	// Every path below must record an outcome on the breaker so a
	// half-open trial slot is never leaked.
	record, err := v.store.Get(ctx, userID, providerID)
	if err != nil {
		v.breaker.RecordFailure(key)
		return Credential{}, &Error{UserID: userID, ProviderID: providerID,
			Code: ErrCodeStorage, Message: "failed to load credential", Cause: err}
	}
	if record == nil {
		// No record means no state worth tracking for this key.
		v.breaker.Remove(key)
		return Credential{}, &Error{UserID: userID, ProviderID: providerID,
			Code: ErrCodeNotFound, Message: "no credential stored"}
	}

	plaintext, err := v.box.open(record.EncryptedPayload, record.IV, record.Salt, record.AuthTag)
	if err != nil {
		v.breaker.RecordFailure(key)
		return Credential{}, &Error{UserID: userID, ProviderID: providerID,
			Code: ErrCodeDecryptionFailed, Message: "credential tag verification failed", Cause: err}
	}

	var cred Credential
	if err := json.Unmarshal(plaintext, &cred); err != nil {
		v.breaker.RecordFailure(key)
		return Credential{}, &Error{UserID: userID, ProviderID: providerID,
			Code: ErrCodeDecryptionFailed, Message: "credential payload corrupted", Cause: err}
	}

	if !cred.Expired(v.now()) {
		v.breaker.RecordSuccess(key)
		return cred, nil
	}

	v.log.Info(userID, "", "Credential expired, refreshing", map[string]interface{}{"provider": providerID})
	return v.refreshShared(ctx, key, userID, providerID, cred)
}

// DeleteCredential removes the record and clears all in-memory breaker
// and refresh state for (userID, providerID).
func (v *Vault) DeleteCredential(ctx context.Context, userID, providerID string) error {
	if err := v.store.Delete(ctx, userID, providerID); err != nil {
		return &Error{UserID: userID, ProviderID: providerID, Code: ErrCodeStorage,
			Message: "failed to delete credential", Cause: err}
	}

	key := breakerKey(userID, providerID)
	v.breaker.Remove(key)

	v.refreshMu.Lock()
	delete(v.inflight, key)
	v.refreshMu.Unlock()

	v.log.Info(userID, "", "Credential deleted", map[string]interface{}{"provider": providerID})
	return nil
}

// refreshShared collapses concurrent refreshes for one key into a single
// provider call; late arrivals wait for the in-flight call's outcome.
func (v *Vault) refreshShared(ctx context.Context, key, userID, providerID string, current Credential) (Credential, error) {
	v.refreshMu.Lock()
	if call, exists := v.inflight[key]; exists {
		v.refreshMu.Unlock()
		select {
		case <-call.done:
			return call.cred, call.err
		case <-ctx.Done():
			// This waiter holds the breaker's half-open trial slot when
			// it was the Allow winner; give it back without an outcome.
			v.breaker.AbandonTrial(key)
			return Credential{}, &Error{UserID: userID, ProviderID: providerID,
				Code: ErrCodeRefreshFailed, Message: "refresh wait abandoned", Cause: ctx.Err()}
		}
	}

	call := &refreshCall{done: make(chan struct{})}
	v.inflight[key] = call
	v.refreshMu.Unlock()

	call.cred, call.err = v.doRefresh(ctx, key, userID, providerID, current)
	close(call.done)

	v.refreshMu.Lock()
	delete(v.inflight, key)
	v.refreshMu.Unlock()

	return call.cred, call.err
}

func (v *Vault) doRefresh(ctx context.Context, key, userID, providerID string, current Credential) (Credential, error) {
	// A previous refresh may have completed between this caller's expiry
	// verdict and winning the in-flight slot. Re-read before spending a
	// provider call: refresh tokens can be single-use.
	if record, err := v.store.Get(ctx, userID, providerID); err == nil && record != nil {
		if plaintext, err := v.box.open(record.EncryptedPayload, record.IV, record.Salt, record.AuthTag); err == nil {
			var stored Credential
			if json.Unmarshal(plaintext, &stored) == nil && !stored.Expired(v.now()) {
				v.breaker.RecordSuccess(key)
				return stored, nil
			}
		}
	}

	if v.refresher == nil {
		v.breaker.RecordFailure(key)
		v.recordRefresh(providerID, false)
		return Credential{}, &Error{UserID: userID, ProviderID: providerID,
			Code: ErrCodeRefreshFailed, Message: "credential expired and no refresher configured"}
	}

	fresh, err := v.refresher.Refresh(ctx, userID, providerID, current)
	if err != nil {
		v.breaker.RecordFailure(key)
		v.recordRefresh(providerID, false)
		v.log.ErrorWithErr(userID, "", "Credential refresh failed", err,
			map[string]interface{}{"provider": providerID})
		return Credential{}, &Error{UserID: userID, ProviderID: providerID,
			Code: ErrCodeRefreshFailed, Message: "provider refresh call failed", Cause: err}
	}

	// StoreCredential resets the breaker for this key.
	if err := v.StoreCredential(ctx, userID, providerID, fresh); err != nil {
		v.breaker.RecordFailure(key)
		v.recordRefresh(providerID, false)
		return Credential{}, err
	}

	v.recordRefresh(providerID, true)
	v.log.Info(userID, "", "Credential refreshed", map[string]interface{}{"provider": providerID})
	return fresh, nil
}
