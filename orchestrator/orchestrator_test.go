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
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/platform/orchestrator/model"
	"conductor/platform/shared/circuit"
	"conductor/platform/vault"
)

// callLog records invocation order across adapters.
type callLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *callLog) add(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

// fakeAdapter is a scriptable model.Adapter.
type fakeAdapter struct {
	name     string
	provider string
	content  string
	err      error
	delay    time.Duration
	block    chan struct{}
	log      *callLog

	mu      sync.Mutex
	opts    []model.InvokeOptions
	prompts []string
}

func (f *fakeAdapter) ProviderID() string { return f.provider }

func (f *fakeAdapter) Invoke(ctx context.Context, prompt string, opts model.InvokeOptions) (*model.Result, error) {
	f.mu.Lock()
	f.opts = append(f.opts, opts)
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	if f.log != nil {
		f.log.add(f.name + ":start")
	}

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if f.log != nil {
		f.log.add(f.name + ":end")
	}
	if f.err != nil {
		return nil, f.err
	}
	return &model.Result{Content: f.content, ProviderID: f.provider, ModelID: f.name}, nil
}

func (f *fakeAdapter) HealthCheck(ctx context.Context) (model.Health, error) {
	return model.Health{Ready: true}, nil
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opts)
}

func (f *fakeAdapter) lastOpts() model.InvokeOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opts[len(f.opts)-1]
}

func (f *fakeAdapter) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompts[len(f.prompts)-1]
}

// announceAdapter closes started on its first invocation and then
// succeeds immediately, so tests can race job control against it.
type announceAdapter struct {
	provider string
	content  string
	started  chan struct{}
	once     sync.Once
}

func (a *announceAdapter) ProviderID() string { return a.provider }

func (a *announceAdapter) Invoke(ctx context.Context, prompt string, opts model.InvokeOptions) (*model.Result, error) {
	a.once.Do(func() { close(a.started) })
	return &model.Result{Content: a.content, ProviderID: a.provider}, nil
}

func (a *announceAdapter) HealthCheck(ctx context.Context) (model.Health, error) {
	return model.Health{Ready: true}, nil
}

// recordedEvent captures one sink emission.
type recordedEvent struct {
	jobID   string
	typ     EventType
	payload map[string]interface{}
}

type recordingSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (s *recordingSink) Emit(jobID string, eventType EventType, payload map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, recordedEvent{jobID: jobID, typ: eventType, payload: payload})
}

func (s *recordingSink) ofType(t EventType) []recordedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []recordedEvent
	for _, e := range s.events {
		if e.typ == t {
			out = append(out, e)
		}
	}
	return out
}

// statusRecordingStore observes every persisted status transition.
type statusRecordingStore struct {
	*MemoryJobStore
	mu       sync.Mutex
	statuses []JobStatus
}

func newStatusRecordingStore() *statusRecordingStore {
	return &statusRecordingStore{MemoryJobStore: NewMemoryJobStore()}
}

func (s *statusRecordingStore) Upsert(ctx context.Context, job *Job) error {
	s.mu.Lock()
	s.statuses = append(s.statuses, job.Status)
	s.mu.Unlock()
	return s.MemoryJobStore.Upsert(ctx, job)
}

func newTestRegistry(t *testing.T, adapters map[string]model.Adapter) *model.Registry {
	t.Helper()
	r := model.NewRegistry()
	for id, adapter := range adapters {
		require.NoError(t, r.Register(id, adapter))
	}
	return r
}

func newTestEngine(t *testing.T, cfg EngineConfig) *Engine {
	t.Helper()
	if cfg.Sink == nil {
		cfg.Sink = NopSink{}
	}
	engine, err := NewEngine(cfg)
	require.NoError(t, err)
	return engine
}

func waitDone(t *testing.T, handle *JobHandle) *Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := handle.Wait(ctx)
	require.NoError(t, err)
	return job
}

func boolPtr(b bool) *bool { return &b }

func TestRunPromptRejectsInvalidInput(t *testing.T) {
	engine := newTestEngine(t, EngineConfig{
		Registry: newTestRegistry(t, map[string]model.Adapter{
			"a": &fakeAdapter{name: "a", provider: "p", content: "x"},
		}),
	})

	cases := []struct {
		name   string
		prompt string
		models []string
	}{
		{"empty prompt", "   ", []string{"a"}},
		{"no models", "hello", nil},
		{"duplicate models", "hello", []string{"a", "a"}},
		{"blank model id", "hello", []string{""}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := engine.RunPrompt(context.Background(), "u1", tc.prompt, tc.models, RunOptions{})
			require.Error(t, err)
			assert.Equal(t, ErrCodeInvalidRequest, ErrorCode(err))
		})
	}
}

func TestResultsKeysAlwaysMatchRequestedModels(t *testing.T) {
	adapters := map[string]model.Adapter{
		"a":     &fakeAdapter{name: "a", provider: "p1", content: "out-a"},
		"b":     &fakeAdapter{name: "b", provider: "p2", err: errors.New("boom")},
		"synth": &fakeAdapter{name: "synth", provider: "p1", content: "merged"},
	}
	engine := newTestEngine(t, EngineConfig{Registry: newTestRegistry(t, adapters)})

	handle, err := engine.RunPrompt(context.Background(), "u1", "go", []string{"a", "b"},
		RunOptions{SynthesisModel: "synth"})
	require.NoError(t, err)

	// Accepted synchronously in generating state, with every slot present.
	accepted := handle.Job()
	assert.Equal(t, StatusGenerating, accepted.Status)
	assert.Len(t, accepted.Results, 2)
	assert.Contains(t, accepted.Results, "a")
	assert.Contains(t, accepted.Results, "b")

	final := waitDone(t, handle)
	assert.ElementsMatch(t, []string{"a", "b"}, final.RequestedModels)
	assert.Len(t, final.Results, 2)
	assert.Contains(t, final.Results, "a")
	assert.Contains(t, final.Results, "b")
}

func TestStatusOnlyMovesForward(t *testing.T) {
	store := newStatusRecordingStore()
	adapters := map[string]model.Adapter{
		"a":     &fakeAdapter{name: "a", provider: "p1", content: "out"},
		"synth": &fakeAdapter{name: "synth", provider: "p1", content: "merged"},
	}
	engine := newTestEngine(t, EngineConfig{Registry: newTestRegistry(t, adapters), Store: store})

	handle, err := engine.RunPrompt(context.Background(), "u1", "go", []string{"a"},
		RunOptions{SynthesisModel: "synth"})
	require.NoError(t, err)
	final := waitDone(t, handle)
	assert.Equal(t, StatusCompleted, final.Status)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.NotEmpty(t, store.statuses)
	for i := 1; i < len(store.statuses); i++ {
		assert.GreaterOrEqual(t, statusRank(store.statuses[i]), statusRank(store.statuses[i-1]),
			"observed backward transition %s -> %s", store.statuses[i-1], store.statuses[i])
	}
}

func TestPartialSuccessCompletesWithSuccessfulSubset(t *testing.T) {
	synth := &fakeAdapter{name: "synth", provider: "p1", content: "merged"}
	adapters := map[string]model.Adapter{
		"a":     &fakeAdapter{name: "a", provider: "p1", content: "out-a"},
		"b":     &fakeAdapter{name: "b", provider: "p2", content: "out-b"},
		"c":     &fakeAdapter{name: "c", provider: "p3", err: errors.New("boom")},
		"synth": synth,
	}
	sink := &recordingSink{}
	engine := newTestEngine(t, EngineConfig{Registry: newTestRegistry(t, adapters), Sink: sink})

	handle, err := engine.RunPrompt(context.Background(), "u1", "go", []string{"a", "b", "c"},
		RunOptions{SynthesisModel: "synth"})
	require.NoError(t, err)
	final := waitDone(t, handle)

	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, map[string]string{"a": "out-a", "b": "out-b"}, final.SynthesisInput)
	require.NotNil(t, final.SynthesisResult)
	require.NotNil(t, final.SynthesisResult.Result)
	assert.Equal(t, "merged", final.SynthesisResult.Result.Content)

	// Failed slot carries an error, successful slots carry results.
	require.NotNil(t, final.Results["c"].Error)
	assert.Nil(t, final.Results["c"].Result)
	require.NotNil(t, final.Results["a"].Result)

	// The synthesis prompt saw both successful outputs and not the failure.
	prompt := synth.lastPrompt()
	assert.Contains(t, prompt, "out-a")
	assert.Contains(t, prompt, "out-b")

	assert.Len(t, sink.ofType(EventModelResult), 2)
	assert.Len(t, sink.ofType(EventModelError), 1)
	assert.Len(t, sink.ofType(EventCompleted), 1)
}

func TestAllFailNeverInvokesSynthesis(t *testing.T) {
	synth := &fakeAdapter{name: "synth", provider: "p1", content: "merged"}
	adapters := map[string]model.Adapter{
		"a":     &fakeAdapter{name: "a", provider: "p1", err: errors.New("a down")},
		"b":     &fakeAdapter{name: "b", provider: "p2", err: errors.New("b down")},
		"synth": synth,
	}
	engine := newTestEngine(t, EngineConfig{Registry: newTestRegistry(t, adapters)})

	handle, err := engine.RunPrompt(context.Background(), "u1", "go", []string{"a", "b"},
		RunOptions{SynthesisModel: "synth"})
	require.NoError(t, err)
	final := waitDone(t, handle)

	assert.Equal(t, StatusFailed, final.Status)
	assert.Contains(t, final.ErrorInfo, "all models failed")
	assert.Contains(t, final.ErrorInfo, "a down")
	assert.Contains(t, final.ErrorInfo, "b down")
	assert.Zero(t, synth.callCount())
	assert.Nil(t, final.SynthesisResult)
}

func TestFallbackTriedExactlyOnce(t *testing.T) {
	fallback := &fakeAdapter{name: "backup", provider: "p2", content: "from-backup"}
	adapters := map[string]model.Adapter{
		"primary": &fakeAdapter{name: "primary", provider: "p1", err: errors.New("primary down")},
		"backup":  fallback,
		"synth":   &fakeAdapter{name: "synth", provider: "p1", content: "merged"},
	}
	engine := newTestEngine(t, EngineConfig{
		Registry:       newTestRegistry(t, adapters),
		FallbackModels: map[string]string{"primary": "backup"},
	})

	handle, err := engine.RunPrompt(context.Background(), "u1", "go", []string{"primary"},
		RunOptions{SynthesisModel: "synth"})
	require.NoError(t, err)
	final := waitDone(t, handle)

	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, 1, fallback.callCount())

	// The result lands on the primary's slot.
	require.NotNil(t, final.Results["primary"].Result)
	assert.Equal(t, "from-backup", final.Results["primary"].Result.Content)
}

func TestFallbackFailureCombinesBothMessages(t *testing.T) {
	adapters := map[string]model.Adapter{
		"primary": &fakeAdapter{name: "primary", provider: "p1", err: errors.New("primary down")},
		"backup":  &fakeAdapter{name: "backup", provider: "p2", err: errors.New("backup down")},
	}
	engine := newTestEngine(t, EngineConfig{
		Registry:       newTestRegistry(t, adapters),
		FallbackModels: map[string]string{"primary": "backup"},
	})

	handle, err := engine.RunPrompt(context.Background(), "u1", "go", []string{"primary"}, RunOptions{})
	require.NoError(t, err)
	final := waitDone(t, handle)

	assert.Equal(t, StatusFailed, final.Status)
	slot := final.Results["primary"]
	require.NotNil(t, slot.Error)
	assert.Contains(t, slot.Error.Message, "primary down")
	assert.Contains(t, slot.Error.Message, "backup down")
	assert.Contains(t, slot.Error.Message, "backup")
}

func TestCriticalModelFailureFailsJobImmediately(t *testing.T) {
	slowRelease := make(chan struct{})
	defer close(slowRelease)
	adapters := map[string]model.Adapter{
		"critical": &fakeAdapter{name: "critical", provider: "p1", err: errors.New("critical down")},
		"slow":     &fakeAdapter{name: "slow", provider: "p2", content: "late", block: slowRelease},
		"synth":    &fakeAdapter{name: "synth", provider: "p1", content: "merged"},
	}
	engine := newTestEngine(t, EngineConfig{Registry: newTestRegistry(t, adapters)})

	handle, err := engine.RunPrompt(context.Background(), "u1", "go", []string{"critical", "slow"},
		RunOptions{SynthesisModel: "synth", CriticalModels: []string{"critical"}})
	require.NoError(t, err)
	final := waitDone(t, handle)

	assert.Equal(t, StatusFailed, final.Status)
	assert.Contains(t, final.ErrorInfo, "critical model critical failed")
	// The slow model's slot never resolved; its in-flight call was abandoned.
	assert.False(t, final.Results["slow"].Terminal())
}

func TestSequentialModeRunsModelsInOrder(t *testing.T) {
	log := &callLog{}
	adapters := map[string]model.Adapter{
		"a":     &fakeAdapter{name: "a", provider: "p1", content: "out-a", delay: 30 * time.Millisecond, log: log},
		"b":     &fakeAdapter{name: "b", provider: "p2", content: "out-b", log: log},
		"synth": &fakeAdapter{name: "synth", provider: "p1", content: "merged"},
	}
	engine := newTestEngine(t, EngineConfig{Registry: newTestRegistry(t, adapters)})

	handle, err := engine.RunPrompt(context.Background(), "u1", "go", []string{"a", "b"},
		RunOptions{SynthesisModel: "synth", Parallel: boolPtr(false)})
	require.NoError(t, err)
	final := waitDone(t, handle)

	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, []string{"a:start", "a:end", "b:start", "b:end"}, log.snapshot())
}

func TestJobTimeoutResolvesNearDeadline(t *testing.T) {
	adapters := map[string]model.Adapter{
		"slow": &fakeAdapter{name: "slow", provider: "p1", content: "late", delay: 500 * time.Millisecond},
	}
	engine := newTestEngine(t, EngineConfig{Registry: newTestRegistry(t, adapters)})

	start := time.Now()
	handle, err := engine.RunPrompt(context.Background(), "u1", "go", []string{"slow"},
		RunOptions{Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	final := waitDone(t, handle)
	elapsed := time.Since(start)

	assert.Equal(t, StatusFailed, final.Status)
	assert.Contains(t, final.ErrorInfo, ErrCodeTimeout)
	assert.Less(t, elapsed, 400*time.Millisecond, "job should resolve near its 100ms deadline")

	slot := final.Results["slow"]
	require.NotNil(t, slot.Error)
	assert.Contains(t, slot.Error.Message, "deadline")
}

func TestCancelDiscardsInFlightResults(t *testing.T) {
	release := make(chan struct{})
	slow := &fakeAdapter{name: "slow", provider: "p1", content: "late", block: release}
	engine := newTestEngine(t, EngineConfig{
		Registry: newTestRegistry(t, map[string]model.Adapter{"slow": slow}),
	})

	handle, err := engine.RunPrompt(context.Background(), "u1", "go", []string{"slow"}, RunOptions{})
	require.NoError(t, err)

	// Let the call get in flight before cancelling.
	require.Eventually(t, func() bool { return slow.callCount() == 1 },
		time.Second, 5*time.Millisecond)
	require.NoError(t, engine.Cancel(handle.ID))

	final := waitDone(t, handle)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Contains(t, final.ErrorInfo, ErrCodeCancelled)

	// The adapter finishes later; its result must not land on the job.
	close(release)
	time.Sleep(20 * time.Millisecond)
	got, err := engine.GetJob(context.Background(), handle.ID)
	require.NoError(t, err)
	assert.False(t, got.Results["slow"].Terminal())
	assert.Equal(t, StatusFailed, got.Status)
}

func TestCancelUnknownJob(t *testing.T) {
	engine := newTestEngine(t, EngineConfig{Registry: model.NewRegistry()})
	err := engine.Cancel("nope")
	require.Error(t, err)
	assert.Equal(t, ErrCodeNotFound, ErrorCode(err))
}

func TestGetJobNotFound(t *testing.T) {
	engine := newTestEngine(t, EngineConfig{Registry: model.NewRegistry()})
	_, err := engine.GetJob(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, ErrCodeNotFound, ErrorCode(err))
}

func TestVaultCredentialScopedToInvocation(t *testing.T) {
	v, err := vault.New(vault.NewMemoryStore(), []byte("unit-test-master-secret"))
	require.NoError(t, err)
	require.NoError(t, v.StoreCredential(context.Background(), "u1", "p1", vault.Credential{
		AccessToken: "tok-123", Type: "bearer",
	}))

	withCred := &fakeAdapter{name: "a", provider: "p1", content: "out-a"}
	noCred := &fakeAdapter{name: "b", provider: "p2", content: "out-b"}
	adapters := map[string]model.Adapter{
		"a":     withCred,
		"b":     noCred,
		"synth": &fakeAdapter{name: "synth", provider: "p1", content: "merged"},
	}
	engine := newTestEngine(t, EngineConfig{Registry: newTestRegistry(t, adapters), Vault: v})

	handle, err := engine.RunPrompt(context.Background(), "u1", "go", []string{"a", "b"},
		RunOptions{SynthesisModel: "synth"})
	require.NoError(t, err)
	final := waitDone(t, handle)

	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, "tok-123", withCred.lastOpts().AccessToken)
	// No stored credential means the model runs credential-less.
	assert.Empty(t, noCred.lastOpts().AccessToken)
}

func TestSynthesisFailureFailsJobWithoutRetry(t *testing.T) {
	synth := &fakeAdapter{name: "synth", provider: "p1", err: errors.New("synthesis broke")}
	adapters := map[string]model.Adapter{
		"a":     &fakeAdapter{name: "a", provider: "p1", content: "out-a"},
		"synth": synth,
	}
	sink := &recordingSink{}
	engine := newTestEngine(t, EngineConfig{Registry: newTestRegistry(t, adapters), Sink: sink})

	handle, err := engine.RunPrompt(context.Background(), "u1", "go", []string{"a"},
		RunOptions{SynthesisModel: "synth"})
	require.NoError(t, err)
	final := waitDone(t, handle)

	assert.Equal(t, StatusFailed, final.Status)
	assert.Contains(t, final.ErrorInfo, ErrCodeSynthesis)
	require.NotNil(t, final.SynthesisResult)
	require.NotNil(t, final.SynthesisResult.Error)
	assert.Contains(t, final.SynthesisResult.Error.Message, "synthesis broke")

	// Exactly one synthesis attempt: no fallback, no retry.
	assert.Equal(t, 1, synth.callCount())
	assert.Len(t, sink.ofType(EventSynthesisError), 1)
}

func TestRunWorkflowRendersTemplatesAndHonorsDefinition(t *testing.T) {
	log := &callLog{}
	backup := &fakeAdapter{name: "c", provider: "p3", content: "out-c"}
	synth := &fakeAdapter{name: "synth", provider: "p1", content: "merged"}
	adapters := map[string]model.Adapter{
		"a":     &fakeAdapter{name: "a", provider: "p1", content: "out-a", log: log},
		"b":     &fakeAdapter{name: "b", provider: "p2", err: errors.New("b down"), log: log},
		"c":     backup,
		"synth": synth,
	}
	engine := newTestEngine(t, EngineConfig{Registry: newTestRegistry(t, adapters)})

	def := &WorkflowDefinition{
		Name:     "research",
		Parallel: boolPtr(false),
		Models: []WorkflowModel{
			{ID: "a"},
			{ID: "b", Fallback: "c"},
		},
		Prompt: "Research ${{topic}} thoroughly",
		Synthesis: WorkflowSynthesis{
			Model:  "synth",
			Prompt: "Combine ${{results.a}} with ${{results.b}} about ${{topic}}",
		},
		Variables: map[string]string{"topic": "placeholder"},
	}

	handle, err := engine.RunWorkflow(context.Background(), "u1", def,
		map[string]string{"topic": "go generics"}, RunOptions{})
	require.NoError(t, err)
	final := waitDone(t, handle)

	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, "research", final.WorkflowName)
	// Caller variables override workflow defaults in the rendered prompt.
	assert.Equal(t, "Research go generics thoroughly", final.PromptText)

	// b's slot resolved through its fallback.
	require.NotNil(t, final.Results["b"].Result)
	assert.Equal(t, "out-c", final.Results["b"].Result.Content)

	prompt := synth.lastPrompt()
	assert.Equal(t, "Combine out-a with out-c about go generics", prompt)
}

func TestRunWorkflowCriticalFlagFromDefinition(t *testing.T) {
	adapters := map[string]model.Adapter{
		"a":     &fakeAdapter{name: "a", provider: "p1", err: errors.New("a down")},
		"b":     &fakeAdapter{name: "b", provider: "p2", content: "out-b"},
		"synth": &fakeAdapter{name: "synth", provider: "p1", content: "merged"},
	}
	engine := newTestEngine(t, EngineConfig{Registry: newTestRegistry(t, adapters)})

	def := &WorkflowDefinition{
		Name:      "strict",
		Models:    []WorkflowModel{{ID: "a", Critical: true}, {ID: "b"}},
		Prompt:    "go",
		Synthesis: WorkflowSynthesis{Model: "synth"},
	}

	handle, err := engine.RunWorkflow(context.Background(), "u1", def, nil, RunOptions{})
	require.NoError(t, err)
	final := waitDone(t, handle)

	assert.Equal(t, StatusFailed, final.Status)
	assert.Contains(t, final.ErrorInfo, "critical model a failed")
}

func TestUnregisteredModelFailsSlotNotEngine(t *testing.T) {
	adapters := map[string]model.Adapter{
		"a":     &fakeAdapter{name: "a", provider: "p1", content: "out-a"},
		"synth": &fakeAdapter{name: "synth", provider: "p1", content: "merged"},
	}
	engine := newTestEngine(t, EngineConfig{Registry: newTestRegistry(t, adapters)})

	handle, err := engine.RunPrompt(context.Background(), "u1", "go", []string{"a", "ghost"},
		RunOptions{SynthesisModel: "synth"})
	require.NoError(t, err)
	final := waitDone(t, handle)

	// The unknown model fails its slot; the job still completes partially.
	assert.Equal(t, StatusCompleted, final.Status)
	require.NotNil(t, final.Results["ghost"].Error)
	assert.Contains(t, final.Results["ghost"].Error.Message, "ghost")
	assert.Equal(t, map[string]string{"a": "out-a"}, final.SynthesisInput)
}

func TestListJobsByUser(t *testing.T) {
	adapters := map[string]model.Adapter{
		"a":     &fakeAdapter{name: "a", provider: "p1", content: "out"},
		"synth": &fakeAdapter{name: "synth", provider: "p1", content: "merged"},
	}
	engine := newTestEngine(t, EngineConfig{Registry: newTestRegistry(t, adapters)})

	for i := 0; i < 3; i++ {
		handle, err := engine.RunPrompt(context.Background(), "u1", fmt.Sprintf("prompt %d", i),
			[]string{"a"}, RunOptions{SynthesisModel: "synth"})
		require.NoError(t, err)
		waitDone(t, handle)
	}
	handle, err := engine.RunPrompt(context.Background(), "u2", "other", []string{"a"},
		RunOptions{SynthesisModel: "synth"})
	require.NoError(t, err)
	waitDone(t, handle)

	jobs, err := engine.ListJobsByUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, jobs, 3)
	for _, job := range jobs {
		assert.Equal(t, "u1", job.UserID)
	}
}

func TestDefaultSynthesisPromptListsSuccessfulOutputs(t *testing.T) {
	synth := &fakeAdapter{name: "synth", provider: "p1", content: "merged"}
	adapters := map[string]model.Adapter{
		"a":     &fakeAdapter{name: "a", provider: "p1", content: "alpha output"},
		"b":     &fakeAdapter{name: "b", provider: "p2", content: "beta output"},
		"synth": synth,
	}
	engine := newTestEngine(t, EngineConfig{Registry: newTestRegistry(t, adapters)})

	handle, err := engine.RunPrompt(context.Background(), "u1", "go", []string{"a", "b"},
		RunOptions{SynthesisModel: "synth"})
	require.NoError(t, err)
	final := waitDone(t, handle)
	require.Equal(t, StatusCompleted, final.Status)

	prompt := synth.lastPrompt()
	assert.Contains(t, prompt, "alpha output")
	assert.Contains(t, prompt, "beta output")
	// Sections appear in requested-model order.
	assert.Less(t, strings.Index(prompt, "alpha output"), strings.Index(prompt, "beta output"))
}

func TestAbandonedHalfOpenTrialDoesNotWedgeProvider(t *testing.T) {
	breaker := circuit.New(circuit.Config{FailureThreshold: 3, CoolDown: 20 * time.Millisecond})
	for i := 0; i < 3; i++ {
		breaker.RecordFailure("p1")
	}

	slow := &fakeAdapter{name: "slow", provider: "p1", content: "late", delay: 500 * time.Millisecond}
	engine := newTestEngine(t, EngineConfig{
		Registry: newTestRegistry(t, map[string]model.Adapter{"slow": slow}),
		Breaker:  breaker,
	})

	// Past the cool-down, the job's call wins the half-open trial slot
	// and is then abandoned at the job deadline.
	time.Sleep(30 * time.Millisecond)
	handle, err := engine.RunPrompt(context.Background(), "u1", "go", []string{"slow"},
		RunOptions{Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	final := waitDone(t, handle)
	require.Equal(t, StatusFailed, final.Status)
	require.Contains(t, final.ErrorInfo, ErrCodeTimeout)

	// The abandoned trial must not hold the slot: the provider stays
	// reachable for the next caller.
	assert.Equal(t, circuit.StateHalfOpen, breaker.State("p1"))
	assert.NoError(t, breaker.Allow("p1"))
}

func TestTerminalJobsEvictedFromMemory(t *testing.T) {
	adapters := map[string]model.Adapter{
		"a":     &fakeAdapter{name: "a", provider: "p1", content: "out"},
		"synth": &fakeAdapter{name: "synth", provider: "p1", content: "merged"},
	}
	engine := newTestEngine(t, EngineConfig{
		Registry:          newTestRegistry(t, adapters),
		TerminalRetention: 10 * time.Millisecond,
	})

	handle, err := engine.RunPrompt(context.Background(), "u1", "go", []string{"a"},
		RunOptions{SynthesisModel: "synth"})
	require.NoError(t, err)
	final := waitDone(t, handle)
	require.Equal(t, StatusCompleted, final.Status)

	require.Eventually(t, func() bool {
		engine.mu.RLock()
		_, held := engine.jobs[handle.ID]
		engine.mu.RUnlock()
		return !held
	}, time.Second, 5*time.Millisecond, "terminal job should leave the in-memory table")

	// The handle stays valid and reads fall through to the store.
	assert.Equal(t, StatusCompleted, handle.Job().Status)
	got, err := engine.GetJob(context.Background(), handle.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
}

func TestCancelRacingSynthesisEmitsOneConsistentCompletion(t *testing.T) {
	for i := 0; i < 50; i++ {
		synth := &announceAdapter{provider: "p1", content: "merged", started: make(chan struct{})}
		adapters := map[string]model.Adapter{
			"a":     &fakeAdapter{name: "a", provider: "p1", content: "out-a"},
			"synth": synth,
		}
		sink := &recordingSink{}
		engine := newTestEngine(t, EngineConfig{Registry: newTestRegistry(t, adapters), Sink: sink})

		handle, err := engine.RunPrompt(context.Background(), "u1", "go", []string{"a"},
			RunOptions{SynthesisModel: "synth"})
		require.NoError(t, err)

		// Cancel races the synthesis success path; either side may win.
		<-synth.started
		require.NoError(t, engine.Cancel(handle.ID))
		final := waitDone(t, handle)

		// Whichever side won, there is exactly one terminal event and it
		// agrees with the final status.
		completed := sink.ofType(EventCompleted)
		require.Len(t, completed, 1)
		assert.Equal(t, string(final.Status), completed[0].payload["status"])
		if final.Status == StatusFailed {
			assert.Nil(t, final.SynthesisResult, "cancelled job must discard the synthesis result")
		}
	}
}

func TestStartedEventCarriesRequestShape(t *testing.T) {
	sink := &recordingSink{}
	adapters := map[string]model.Adapter{
		"a":     &fakeAdapter{name: "a", provider: "p1", content: "out"},
		"synth": &fakeAdapter{name: "synth", provider: "p1", content: "merged"},
	}
	engine := newTestEngine(t, EngineConfig{Registry: newTestRegistry(t, adapters), Sink: sink})

	handle, err := engine.RunPrompt(context.Background(), "u1", "go", []string{"a"},
		RunOptions{SynthesisModel: "synth"})
	require.NoError(t, err)
	waitDone(t, handle)

	started := sink.ofType(EventStarted)
	require.Len(t, started, 1)
	assert.Equal(t, handle.ID, started[0].jobID)
	assert.Equal(t, "u1", started[0].payload["user_id"])
	assert.Equal(t, []string{"a"}, started[0].payload["requested_models"])
}
