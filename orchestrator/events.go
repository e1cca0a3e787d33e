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
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"conductor/platform/shared/logger"
)

// NopSink discards all events.
type NopSink struct{}

// Emit implements EventSink.
func (NopSink) Emit(jobID string, eventType EventType, payload map[string]interface{}) {}

// LogSink writes events to the structured logger. The default sink when
// no webhook is configured.
type LogSink struct {
	log *logger.Logger
}

// NewLogSink creates a logging event sink.
func NewLogSink(log *logger.Logger) *LogSink {
	if log == nil {
		log = logger.New("events")
	}
	return &LogSink{log: log}
}

// Emit implements EventSink.
func (s *LogSink) Emit(jobID string, eventType EventType, payload map[string]interface{}) {
	s.log.Info("", jobID, "Job event: "+string(eventType), payload)
}

// MultiSink fans one event out to several sinks.
type MultiSink []EventSink

// Emit implements EventSink.
func (m MultiSink) Emit(jobID string, eventType EventType, payload map[string]interface{}) {
	for _, sink := range m {
		sink.Emit(jobID, eventType, payload)
	}
}

// WebhookSink delivers events as signed HTTP POSTs. Deliveries run on
// their own goroutine and failures are logged, never surfaced: the
// orchestrator must not block or fail on event delivery.
type WebhookSink struct {
	endpoint      string
	signingSecret []byte
	client        *http.Client
	log           *logger.Logger
	now           func() time.Time
}

// WebhookConfig configures a WebhookSink.
type WebhookConfig struct {
	Endpoint      string        // Required: URL receiving POSTed events
	SigningSecret string        // Required: HS256 secret for the delivery token
	Timeout       time.Duration // Optional: per-delivery timeout (default 10s)
	Logger        *logger.Logger
}

// NewWebhookSink creates a webhook event sink.
func NewWebhookSink(cfg WebhookConfig) *WebhookSink {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logger.New("webhook")
	}
	return &WebhookSink{
		endpoint:      cfg.Endpoint,
		signingSecret: []byte(cfg.SigningSecret),
		client:        &http.Client{Timeout: timeout},
		log:           log,
		now:           time.Now,
	}
}

// webhookEvent is the delivery body.
type webhookEvent struct {
	JobID     string                 `json:"job_id"`
	Event     EventType              `json:"event"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	EmittedAt time.Time              `json:"emitted_at"`
}

// Emit implements EventSink. Delivery is asynchronous.
func (s *WebhookSink) Emit(jobID string, eventType EventType, payload map[string]interface{}) {
	event := webhookEvent{
		JobID:     jobID,
		Event:     eventType,
		Payload:   payload,
		EmittedAt: s.now().UTC(),
	}
	go s.deliver(event)
}

func (s *WebhookSink) deliver(event webhookEvent) {
	body, err := json.Marshal(event)
	if err != nil {
		s.log.ErrorWithErr("", event.JobID, "Failed to serialize webhook event", err, nil)
		return
	}

	token, err := s.signDelivery(event)
	if err != nil {
		s.log.ErrorWithErr("", event.JobID, "Failed to sign webhook delivery", err, nil)
		return
	}

	req, err := http.NewRequest("POST", s.endpoint, bytes.NewReader(body))
	if err != nil {
		s.log.ErrorWithErr("", event.JobID, "Failed to build webhook request", err, nil)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Conductor-Signature", token)

	resp, err := s.client.Do(req)
	if err != nil {
		s.log.ErrorWithErr("", event.JobID, "Webhook delivery failed", err,
			map[string]interface{}{"event": event.Event})
		return
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 300 {
		s.log.Error("", event.JobID, "Webhook delivery rejected",
			map[string]interface{}{"event": event.Event, "status": resp.StatusCode})
	}
}

// signDelivery mints a short-lived HS256 token binding the delivery to
// its job and event type, so receivers can verify origin and freshness.
func (s *WebhookSink) signDelivery(event webhookEvent) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"iss":   "conductor",
		"sub":   event.JobID,
		"event": string(event.Event),
		"iat":   now.Unix(),
		"exp":   now.Add(5 * time.Minute).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingSecret)
}
