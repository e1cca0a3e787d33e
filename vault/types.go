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

// Package vault stores per-(user,provider) credentials encrypted at rest
// and hands them to the orchestrator one invocation at a time. Reads are
// gated by a circuit breaker and expired credentials are refreshed with
// at most one refresh in flight per key.
package vault

import (
	"context"
	"fmt"
	"time"
)

// Credential is the decrypted payload of a credential record.
type Credential struct {
	// AccessToken is the bearer token presented to the provider.
	AccessToken string `json:"access_token"`

	// RefreshToken, when present, allows the vault to mint a new
	// access token after expiry.
	RefreshToken string `json:"refresh_token,omitempty"`

	// ExpiresAt is when the access token stops being valid.
	// Nil means the token does not expire.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// IssuedAt is when the token was minted.
	IssuedAt *time.Time `json:"issued_at,omitempty"`

	// Scopes lists the authorizations carried by the token.
	Scopes []string `json:"scopes,omitempty"`

	// Type is the token type, e.g. "bearer" or "api_key".
	Type string `json:"type"`
}

// Expired reports whether the credential's access token has passed its
// expiry at the given instant. Credentials without an expiry never expire.
func (c Credential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// Record is the encrypted at-rest form of a credential, unique per
// (UserID, ProviderID).
type Record struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	ProviderID       string    `json:"provider_id"`
	EncryptedPayload []byte    `json:"encrypted_payload"`
	IV               []byte    `json:"iv"`
	Salt             []byte    `json:"salt"`
	AuthTag          []byte    `json:"auth_tag"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Store is the persistence contract for credential records.
type Store interface {
	// Upsert inserts or replaces the record for (record.UserID, record.ProviderID).
	Upsert(ctx context.Context, record *Record) error

	// Get returns the record for (userID, providerID), or nil if none exists.
	Get(ctx context.Context, userID, providerID string) (*Record, error)

	// Delete removes the record for (userID, providerID). Deleting a
	// missing record is not an error.
	Delete(ctx context.Context, userID, providerID string) error
}

// Refresher exchanges an expired credential for a fresh one, typically by
// calling the provider's token endpoint with the refresh token.
type Refresher interface {
	Refresh(ctx context.Context, userID, providerID string, current Credential) (Credential, error)
}

// Vault error codes.
const (
	// ErrCodeNotFound indicates no credential record exists for the key.
	ErrCodeNotFound = "not_found"

	// ErrCodeCircuitOpen indicates the breaker for the key is open.
	ErrCodeCircuitOpen = "circuit_open"

	// ErrCodeDecryptionFailed indicates tag verification or decryption
	// failed. Always fatal, never retried.
	ErrCodeDecryptionFailed = "decryption_failed"

	// ErrCodeRefreshFailed indicates the provider refresh call failed.
	ErrCodeRefreshFailed = "refresh_failed"

	// ErrCodeStorage indicates the credential store failed.
	ErrCodeStorage = "storage_error"
)

// Error represents a vault operation failure.
type Error struct {
	UserID     string
	ProviderID string
	Code       string
	Message    string
	Cause      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.UserID != "" || e.ProviderID != "" {
		return fmt.Sprintf("vault error for %s|%s (%s): %s", e.UserID, e.ProviderID, e.Code, e.Message)
	}
	return fmt.Sprintf("vault error (%s): %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// ErrorCode extracts the vault error code from err, or "" if err is not a
// vault error.
func ErrorCode(err error) string {
	if vaultErr, ok := err.(*Error); ok {
		return vaultErr.Code
	}
	return ""
}
