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

// Package model defines the adapter contract the orchestrator uses to
// invoke AI model backends, plus the registry mapping model identifiers
// to adapter instances. Provider plugins implement Adapter; the engine
// is polymorphic over this interface and never imports provider code.
package model

import (
	"context"
	"fmt"
	"time"
)

// Adapter is the capability contract for one invokable model backend.
// Implementations must be safe for concurrent use.
type Adapter interface {
	// ProviderID identifies the backing provider (e.g. "openai",
	// "anthropic", "bedrock", "local"). The orchestrator uses it to
	// select credentials and per-provider concurrency slots.
	ProviderID() string

	// Invoke sends a prompt to the model and returns its output.
	// The context carries the per-call deadline derived from the
	// job's remaining budget.
	Invoke(ctx context.Context, prompt string, opts InvokeOptions) (*Result, error)

	// HealthCheck verifies the backend is reachable and authenticated.
	HealthCheck(ctx context.Context) (Health, error)
}

// InvokeOptions carries per-invocation tuning and the credential scoped
// to this single call.
type InvokeOptions struct {
	// MaxTokens limits response length. Zero means provider default.
	MaxTokens int

	// Temperature controls randomness. Zero means provider default.
	Temperature float64

	// Timeout bounds the underlying network call. Zero means the
	// adapter default.
	Timeout time.Duration

	// AccessToken is the credential for this invocation, supplied by
	// the vault. Empty for credential-less/local models.
	AccessToken string

	// OnPartialChunk, when non-nil, receives streamed content chunks
	// as they arrive. Adapters without streaming support ignore it.
	OnPartialChunk func(chunk string)
}

// Result is a successful model output.
type Result struct {
	Content     string         `json:"content"`
	ProviderID  string         `json:"provider_id"`
	ModelID     string         `json:"model_id"`
	TokensUsed  int            `json:"tokens_used,omitempty"`
	Cost        float64        `json:"cost,omitempty"`
	RawMetadata map[string]any `json:"raw_metadata,omitempty"`
}

// Health is the outcome of a health check.
type Health struct {
	Ready   bool   `json:"ready"`
	Details string `json:"details,omitempty"`
}

// ProviderError represents a failed model invocation.
type ProviderError struct {
	// Provider is the provider that returned the error.
	Provider string `json:"provider"`

	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error message.
	Message string `json:"message"`

	// StatusCode is the HTTP status code (if applicable).
	StatusCode int `json:"status_code,omitempty"`

	// Retryable indicates if the request can be retried.
	Retryable bool `json:"retryable"`

	// Cause is the underlying error (if any).
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Common error codes.
const (
	// ErrCodeRateLimit indicates rate limiting.
	ErrCodeRateLimit = "rate_limit"

	// ErrCodeAuth indicates authentication failure.
	ErrCodeAuth = "authentication_error"

	// ErrCodeInvalidRequest indicates a malformed request.
	ErrCodeInvalidRequest = "invalid_request"

	// ErrCodeServerError indicates a provider server error.
	ErrCodeServerError = "server_error"

	// ErrCodeTimeout indicates a request timeout.
	ErrCodeTimeout = "timeout"

	// ErrCodeUnavailable indicates the provider is unavailable.
	ErrCodeUnavailable = "unavailable"
)

// NewProviderError creates a new ProviderError with retryability derived
// from the code.
func NewProviderError(provider, code, message string) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Retryable: isRetryableCode(code),
	}
}

func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeRateLimit, ErrCodeServerError, ErrCodeTimeout, ErrCodeUnavailable:
		return true
	default:
		return false
	}
}
