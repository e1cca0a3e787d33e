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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/platform/orchestrator/model"
)

func sampleJob(id, userID string, createdAt time.Time) *Job {
	return &Job{
		ID:              id,
		UserID:          userID,
		WorkflowName:    "research",
		PromptText:      "analyze this",
		RequestedModels: []string{"a", "b"},
		Results: map[string]*ResultSlot{
			"a": {Result: &model.Result{Content: "out-a", ProviderID: "p1", ModelID: "a"}},
			"b": {Error: &ModelError{Message: "b down", ProviderID: "p2", ModelID: "b"}},
		},
		SynthesisInput:  map[string]string{"a": "out-a"},
		SynthesisResult: &ResultSlot{Result: &model.Result{Content: "merged", ModelID: "synth"}},
		Status:          StatusCompleted,
		CreatedAt:       createdAt,
		UpdatedAt:       createdAt,
	}
}

func TestMemoryJobStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryJobStore()
	job := sampleJob("j1", "u1", time.Now().UTC())

	require.NoError(t, store.Upsert(ctx, job))

	got, err := store.Get(ctx, "j1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, job, got)

	// The store holds copies: mutating the original must not leak through.
	job.Status = StatusFailed
	got, err = store.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestMemoryJobStoreGetMissing(t *testing.T) {
	got, err := NewMemoryJobStore().Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryJobStoreListByUserNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryJobStore()
	base := time.Now().UTC()

	require.NoError(t, store.Upsert(ctx, sampleJob("old", "u1", base.Add(-2*time.Hour))))
	require.NoError(t, store.Upsert(ctx, sampleJob("new", "u1", base)))
	require.NoError(t, store.Upsert(ctx, sampleJob("mid", "u1", base.Add(-time.Hour))))
	require.NoError(t, store.Upsert(ctx, sampleJob("other", "u2", base)))

	jobs, err := store.ListByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, "new", jobs[0].ID)
	assert.Equal(t, "mid", jobs[1].ID)
	assert.Equal(t, "old", jobs[2].ID)
}
