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
	"context"
	"fmt"
	"time"

	"conductor/platform/orchestrator/model"
)

// JobStatus is the lifecycle state of a Job. Transitions only move
// forward: pending -> generating -> synthesizing -> {completed | failed}.
type JobStatus string

const (
	StatusPending      JobStatus = "pending"
	StatusGenerating   JobStatus = "generating"
	StatusSynthesizing JobStatus = "synthesizing"
	StatusCompleted    JobStatus = "completed"
	StatusFailed       JobStatus = "failed"
)

// statusRank orders statuses so transitions can be checked for forward
// progress. Terminal states share the highest rank.
func statusRank(s JobStatus) int {
	switch s {
	case StatusPending:
		return 0
	case StatusGenerating:
		return 1
	case StatusSynthesizing:
		return 2
	case StatusCompleted, StatusFailed:
		return 3
	default:
		return -1
	}
}

// Terminal reports whether the status is completed or failed.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ModelError records a failed model slot after fallback was exhausted.
type ModelError struct {
	Message    string `json:"message"`
	ProviderID string `json:"provider_id"`
	ModelID    string `json:"model_id"`
}

// ResultSlot is the tagged per-model outcome on a Job: pending while both
// fields are nil, then exactly one of Result or Error, never both.
type ResultSlot struct {
	Result *model.Result `json:"result,omitempty"`
	Error  *ModelError   `json:"error,omitempty"`
}

// Terminal reports whether the slot holds a result or an error.
func (s *ResultSlot) Terminal() bool {
	return s != nil && (s.Result != nil || s.Error != nil)
}

// Job is one orchestration request and its accumulated state through the
// generate and synthesize stages. Mutated only by the engine; callers
// receive deep copies.
type Job struct {
	ID              string                 `json:"id"`
	UserID          string                 `json:"user_id"`
	WorkflowName    string                 `json:"workflow_name,omitempty"`
	PromptText      string                 `json:"prompt_text,omitempty"`
	RequestedModels []string               `json:"requested_models"`
	Results         map[string]*ResultSlot `json:"results"`
	SynthesisInput  map[string]string      `json:"synthesis_input,omitempty"`
	SynthesisResult *ResultSlot            `json:"synthesis_result,omitempty"`
	Status          JobStatus              `json:"status"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	ErrorInfo       string                 `json:"error_info,omitempty"`
}

// Clone returns a deep copy safe to hand outside the engine.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	cp.RequestedModels = append([]string(nil), j.RequestedModels...)
	cp.Results = make(map[string]*ResultSlot, len(j.Results))
	for id, slot := range j.Results {
		cp.Results[id] = cloneSlot(slot)
	}
	if j.SynthesisInput != nil {
		cp.SynthesisInput = make(map[string]string, len(j.SynthesisInput))
		for id, text := range j.SynthesisInput {
			cp.SynthesisInput[id] = text
		}
	}
	cp.SynthesisResult = cloneSlot(j.SynthesisResult)
	return &cp
}

func cloneSlot(slot *ResultSlot) *ResultSlot {
	if slot == nil {
		return nil
	}
	cp := &ResultSlot{}
	if slot.Result != nil {
		r := *slot.Result
		cp.Result = &r
	}
	if slot.Error != nil {
		e := *slot.Error
		cp.Error = &e
	}
	return cp
}

// EventType identifies a job lifecycle event.
type EventType string

const (
	EventStarted        EventType = "started"
	EventModelResult    EventType = "model_result"
	EventModelError     EventType = "model_error"
	EventSynthesisError EventType = "synthesis_error"
	EventCompleted      EventType = "completed"
)

// EventSink receives job lifecycle events. Emit is fire-and-forget:
// implementations must not block orchestration and must swallow their own
// delivery failures.
type EventSink interface {
	Emit(jobID string, eventType EventType, payload map[string]interface{})
}

// JobStore persists job snapshots. The engine treats it as a
// write-through cache: recovery and listing read from it, in-flight
// control never does.
type JobStore interface {
	Upsert(ctx context.Context, job *Job) error

	// Get returns the snapshot for jobID, or nil if none exists.
	Get(ctx context.Context, jobID string) (*Job, error)

	// ListByUser returns snapshots owned by userID, newest first.
	ListByUser(ctx context.Context, userID string) ([]*Job, error)
}

// Engine error codes, the coarse taxonomy transports see.
const (
	// ErrCodeInvalidRequest indicates bad input, rejected synchronously.
	ErrCodeInvalidRequest = "invalid_request"

	// ErrCodeCircuitOpen indicates a provider is temporarily disabled.
	ErrCodeCircuitOpen = "circuit_open"

	// ErrCodeNotFound indicates no such job or credential.
	ErrCodeNotFound = "not_found"

	// ErrCodeDecryptionFailed indicates credential tamper or key mismatch.
	ErrCodeDecryptionFailed = "decryption_failed"

	// ErrCodeProvider indicates a remote model call failed.
	ErrCodeProvider = "provider_error"

	// ErrCodeTimeout indicates the job deadline expired.
	ErrCodeTimeout = "timeout"

	// ErrCodeSynthesis indicates the synthesis call failed.
	ErrCodeSynthesis = "synthesis_error"

	// ErrCodeCancelled indicates the job was cancelled by the caller.
	ErrCodeCancelled = "cancelled"
)

// Error represents an orchestration failure with a coarse code transports
// can act on without inspecting internals.
type Error struct {
	JobID   string
	Code    string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("job %s (%s): %s", e.JobID, e.Code, e.Message)
	}
	return fmt.Sprintf("orchestrator error (%s): %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// ErrorCode extracts the orchestrator error code from err, or "" if err
// is not an orchestrator error.
func ErrorCode(err error) string {
	if oe, ok := err.(*Error); ok {
		return oe.Code
	}
	return ""
}
