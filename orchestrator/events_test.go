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
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookSinkDeliversSignedEvent(t *testing.T) {
	type delivery struct {
		event webhookEvent
		token string
	}
	received := make(chan delivery, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event webhookEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&event))
		received <- delivery{event: event, token: r.Header.Get("X-Conductor-Signature")}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink := NewWebhookSink(WebhookConfig{
		Endpoint:      server.URL,
		SigningSecret: "webhook-test-secret",
	})

	sink.Emit("job-1", EventCompleted, map[string]interface{}{"status": "completed"})

	var got delivery
	select {
	case got = <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook delivery never arrived")
	}

	assert.Equal(t, "job-1", got.event.JobID)
	assert.Equal(t, EventCompleted, got.event.Event)
	assert.Equal(t, "completed", got.event.Payload["status"])
	assert.False(t, got.event.EmittedAt.IsZero())

	// The signature is an HS256 token binding the delivery to its job.
	token, err := jwt.Parse(got.token, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte("webhook-test-secret"), nil
	})
	require.NoError(t, err)
	require.True(t, token.Valid)

	claims, ok := token.Claims.(jwt.MapClaims)
	require.True(t, ok)
	assert.Equal(t, "conductor", claims["iss"])
	assert.Equal(t, "job-1", claims["sub"])
	assert.Equal(t, string(EventCompleted), claims["event"])
}

func TestWebhookSinkSwallowsDeliveryFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	server.Close() // Connection refused from here on.

	sink := NewWebhookSink(WebhookConfig{
		Endpoint:      server.URL,
		SigningSecret: "secret",
		Timeout:       100 * time.Millisecond,
	})

	// Emit must neither panic nor block.
	done := make(chan struct{})
	go func() {
		sink.Emit("job-1", EventStarted, nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a failing endpoint")
	}
}

func TestMultiSinkFansOut(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{}
	sink := MultiSink{a, b}

	sink.Emit("job-1", EventStarted, map[string]interface{}{"user_id": "u1"})

	require.Len(t, a.ofType(EventStarted), 1)
	require.Len(t, b.ofType(EventStarted), 1)
	assert.Equal(t, "job-1", a.ofType(EventStarted)[0].jobID)
}

func TestNopSink(t *testing.T) {
	// Purely that it satisfies the interface and does nothing.
	var sink EventSink = NopSink{}
	sink.Emit("job-1", EventCompleted, nil)
}
