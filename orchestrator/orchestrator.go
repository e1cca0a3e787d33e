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
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"conductor/platform/orchestrator/model"
	"conductor/platform/shared/circuit"
	"conductor/platform/shared/logger"
	"conductor/platform/vault"
)

// Default engine tuning, used when EngineConfig fields are zero.
const (
	DefaultMaxConcurrentJobs   = 16
	DefaultMaxCallsPerProvider = 8
	DefaultJobDeadline         = 5 * time.Minute
	DefaultTerminalRetention   = time.Minute
	persistTimeout             = 5 * time.Second
)

// EngineConfig configures the orchestration engine.
type EngineConfig struct {
	// Registry maps model identifiers to adapters. Required.
	Registry *model.Registry

	// Vault supplies per-(user,provider) credentials. Optional: without
	// it all models run credential-less.
	Vault *vault.Vault

	// Store persists job snapshots. Defaults to an in-memory store.
	Store JobStore

	// Sink receives lifecycle events. Defaults to a logging sink.
	Sink EventSink

	// Breaker gates model calls per provider, independent of
	// credentials. Optional.
	Breaker *circuit.Breaker

	// Metrics, when set, records engine instrumentation.
	Metrics *Metrics

	Logger *logger.Logger

	// FallbackModels is the static primary -> fallback table consulted
	// when a model's call fails. Depth is exactly one.
	FallbackModels map[string]string

	// SynthesisModel is the default synthesis model for RunPrompt jobs.
	// Empty means the first requested model.
	SynthesisModel string

	// MaxConcurrentJobs bounds simultaneously in-flight jobs.
	MaxConcurrentJobs int64

	// MaxCallsPerProvider bounds simultaneous calls to one provider
	// across all jobs.
	MaxCallsPerProvider int64

	// DefaultJobTimeout is the wall-clock budget per job when the
	// request and workflow leave it unset.
	DefaultJobTimeout time.Duration

	// TerminalRetention is how long a terminal job stays in memory after
	// resolution before reads fall through to the store.
	TerminalRetention time.Duration
}

// Engine owns the Job entity and its state machine: generate-stage
// fan-out across requested models with per-model fallback, the
// partial-success policy, and the synthesize stage.
type Engine struct {
	registry       *model.Registry
	vault          *vault.Vault
	store          JobStore
	sink           EventSink
	breaker        *circuit.Breaker
	metrics        *Metrics
	log            *logger.Logger
	fallbacks      map[string]string
	synthesisModel string
	defaultTimeout time.Duration
	retention      time.Duration

	jobSem      *semaphore.Weighted
	providerCap int64
	provMu      sync.Mutex
	providerSem map[string]*semaphore.Weighted

	mu   sync.RWMutex
	jobs map[string]*jobState
}

// jobState is the engine-internal handle on one job: the mutable Job
// plus the controls for cancelling and awaiting it.
type jobState struct {
	mu     sync.Mutex
	job    *Job
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *jobState) snapshot() *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job.Clone()
}

func (s *jobState) terminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job.Status.Terminal()
}

// JobHandle is the future returned by RunPrompt/RunWorkflow, resolved
// when the job reaches completed or failed.
type JobHandle struct {
	ID    string
	state *jobState
}

// Done is closed when the job reaches a terminal status.
func (h *JobHandle) Done() <-chan struct{} {
	return h.state.done
}

// Job returns the current job snapshot.
func (h *JobHandle) Job() *Job {
	return h.state.snapshot()
}

// Wait blocks until the job is terminal or ctx expires, returning the
// final snapshot.
func (h *JobHandle) Wait(ctx context.Context) (*Job, error) {
	select {
	case <-h.state.done:
		return h.state.snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RunOptions carries per-request tuning for RunPrompt and RunWorkflow.
type RunOptions struct {
	// Parallel overrides the fan-out mode. Nil means the workflow's
	// setting, or parallel for plain prompts.
	Parallel *bool

	// CriticalModels fail the whole job when their slot terminates in
	// failure.
	CriticalModels []string

	// Timeout overrides the job wall-clock budget.
	Timeout time.Duration

	// SynthesisModel overrides the synthesis model.
	SynthesisModel string

	MaxTokens   int
	Temperature float64
}

// runSpec is the resolved per-job execution plan.
type runSpec struct {
	userID            string
	prompt            string
	models            []string
	parallel          bool
	critical          map[string]bool
	fallbacks         map[string]string
	synthesisModel    string
	synthesisTemplate string
	vars              map[string]string
	maxTokens         int
	temperature       float64
}

// NewEngine creates an orchestration engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("engine requires a model registry")
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryJobStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.New("engine")
	}
	if cfg.Sink == nil {
		cfg.Sink = NewLogSink(cfg.Logger)
	}
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}
	if cfg.MaxCallsPerProvider <= 0 {
		cfg.MaxCallsPerProvider = DefaultMaxCallsPerProvider
	}
	if cfg.DefaultJobTimeout <= 0 {
		cfg.DefaultJobTimeout = DefaultJobDeadline
	}
	if cfg.TerminalRetention <= 0 {
		cfg.TerminalRetention = DefaultTerminalRetention
	}
	fallbacks := make(map[string]string, len(cfg.FallbackModels))
	for primary, fb := range cfg.FallbackModels {
		fallbacks[primary] = fb
	}

	return &Engine{
		registry:       cfg.Registry,
		vault:          cfg.Vault,
		store:          cfg.Store,
		sink:           cfg.Sink,
		breaker:        cfg.Breaker,
		metrics:        cfg.Metrics,
		log:            cfg.Logger,
		fallbacks:      fallbacks,
		synthesisModel: cfg.SynthesisModel,
		defaultTimeout: cfg.DefaultJobTimeout,
		retention:      cfg.TerminalRetention,
		jobSem:         semaphore.NewWeighted(cfg.MaxConcurrentJobs),
		providerCap:    cfg.MaxCallsPerProvider,
		providerSem:    make(map[string]*semaphore.Weighted),
		jobs:           make(map[string]*jobState),
	}, nil
}

// RunPrompt accepts a plain-prompt job: the same prompt fans out to every
// requested model. Acceptance is synchronous; completion is asynchronous
// through the returned handle.
func (e *Engine) RunPrompt(ctx context.Context, userID, promptText string, requestedModels []string, opts RunOptions) (*JobHandle, error) {
	if strings.TrimSpace(promptText) == "" {
		return nil, &Error{Code: ErrCodeInvalidRequest, Message: "prompt text is empty"}
	}
	if err := validateModels(requestedModels); err != nil {
		return nil, err
	}

	synthesisModel := opts.SynthesisModel
	if synthesisModel == "" {
		synthesisModel = e.synthesisModel
	}
	if synthesisModel == "" {
		synthesisModel = requestedModels[0]
	}

	spec := runSpec{
		userID:         userID,
		prompt:         promptText,
		models:         append([]string(nil), requestedModels...),
		parallel:       opts.Parallel == nil || *opts.Parallel,
		critical:       toSet(opts.CriticalModels),
		fallbacks:      e.fallbacks,
		synthesisModel: synthesisModel,
		maxTokens:      opts.MaxTokens,
		temperature:    opts.Temperature,
	}
	return e.start(ctx, "", spec, e.jobTimeout(opts.Timeout, 0)), nil
}

// RunWorkflow accepts a workflow job: the generate-stage prompt is the
// workflow template rendered against inputVariables (merged over the
// workflow's defaults), and fan-out mode, critical flags, fallbacks, and
// synthesis come from the definition.
func (e *Engine) RunWorkflow(ctx context.Context, userID string, def *WorkflowDefinition, inputVariables map[string]string, opts RunOptions) (*JobHandle, error) {
	if def == nil {
		return nil, &Error{Code: ErrCodeInvalidRequest, Message: "workflow definition is required"}
	}
	models := def.ModelIDs()
	if err := validateModels(models); err != nil {
		return nil, err
	}
	if strings.TrimSpace(def.Prompt) == "" {
		return nil, &Error{Code: ErrCodeInvalidRequest, Message: "workflow prompt template is empty"}
	}
	if def.Synthesis.Model == "" && opts.SynthesisModel == "" {
		return nil, &Error{Code: ErrCodeInvalidRequest, Message: "workflow has no synthesis model"}
	}

	vars := make(map[string]string, len(def.Variables)+len(inputVariables))
	for k, v := range def.Variables {
		vars[k] = v
	}
	for k, v := range inputVariables {
		vars[k] = v
	}

	critical := toSet(opts.CriticalModels)
	for _, id := range def.CriticalModels() {
		critical[id] = true
	}

	fallbacks := make(map[string]string, len(e.fallbacks))
	for primary, fb := range e.fallbacks {
		fallbacks[primary] = fb
	}
	for primary, fb := range def.Fallbacks() {
		fallbacks[primary] = fb
	}

	parallel := def.IsParallel()
	if opts.Parallel != nil {
		parallel = *opts.Parallel
	}

	synthesisModel := opts.SynthesisModel
	if synthesisModel == "" {
		synthesisModel = def.Synthesis.Model
	}

	defTimeout, err := def.JobTimeout()
	if err != nil {
		return nil, &Error{Code: ErrCodeInvalidRequest, Message: err.Error(), Cause: err}
	}

	spec := runSpec{
		userID:            userID,
		prompt:            RenderTemplate(def.Prompt, vars, e.log),
		models:            models,
		parallel:          parallel,
		critical:          critical,
		fallbacks:         fallbacks,
		synthesisModel:    synthesisModel,
		synthesisTemplate: def.Synthesis.Prompt,
		vars:              vars,
		maxTokens:         opts.MaxTokens,
		temperature:       opts.Temperature,
	}
	return e.start(ctx, def.Name, spec, e.jobTimeout(opts.Timeout, defTimeout)), nil
}

// GetJob returns a snapshot for jobID, falling back to the job store for
// jobs no longer held in memory.
func (e *Engine) GetJob(ctx context.Context, jobID string) (*Job, error) {
	e.mu.RLock()
	js, ok := e.jobs[jobID]
	e.mu.RUnlock()
	if ok {
		return js.snapshot(), nil
	}

	job, err := e.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, &Error{JobID: jobID, Code: ErrCodeNotFound, Message: "no such job"}
	}
	return job, nil
}

// ListJobsByUser returns the user's job snapshots, newest first.
func (e *Engine) ListJobsByUser(ctx context.Context, userID string) ([]*Job, error) {
	return e.store.ListByUser(ctx, userID)
}

// Cancel marks the job failed with a Cancelled error. Best-effort:
// in-flight model calls run to completion but their results are
// discarded.
func (e *Engine) Cancel(jobID string) error {
	e.mu.RLock()
	js, ok := e.jobs[jobID]
	e.mu.RUnlock()
	if !ok {
		return &Error{JobID: jobID, Code: ErrCodeNotFound, Message: "no such job"}
	}

	e.failJob(js, ErrCodeCancelled, "job cancelled by caller")
	js.cancel()
	return nil
}

// start creates the job, moves it to generating synchronously, and kicks
// off the asynchronous run.
func (e *Engine) start(ctx context.Context, workflowName string, spec runSpec, timeout time.Duration) *JobHandle {
	now := time.Now().UTC()
	job := &Job{
		ID:              uuid.NewString(),
		UserID:          spec.userID,
		WorkflowName:    workflowName,
		PromptText:      spec.prompt,
		RequestedModels: append([]string(nil), spec.models...),
		Results:         make(map[string]*ResultSlot, len(spec.models)),
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for _, id := range spec.models {
		job.Results[id] = &ResultSlot{}
	}

	runCtx, cancel := context.WithTimeout(context.Background(), timeout)
	js := &jobState{job: job, cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	e.jobs[job.ID] = js
	e.mu.Unlock()

	// pending -> generating happens before the caller gets the handle.
	e.transition(js, StatusGenerating)
	e.persist(js)
	e.sink.Emit(job.ID, EventStarted, map[string]interface{}{
		"user_id":          job.UserID,
		"workflow_name":    workflowName,
		"requested_models": append([]string(nil), spec.models...),
	})
	if e.metrics != nil {
		e.metrics.JobsStarted.Inc()
	}
	e.log.Info(spec.userID, job.ID, "Job accepted", map[string]interface{}{
		"models":   spec.models,
		"parallel": spec.parallel,
		"workflow": workflowName,
	})

	go e.run(runCtx, js, spec)

	return &JobHandle{ID: job.ID, state: js}
}

// run drives one job end to end: global admission, generate-stage
// fan-out, the join barrier, and synthesis.
func (e *Engine) run(ctx context.Context, js *jobState, spec runSpec) {
	defer close(js.done)
	defer js.cancel()

	jobID := js.snapshot().ID
	defer e.evictLater(jobID)

	if err := e.jobSem.Acquire(ctx, 1); err != nil {
		e.failJob(js, e.ctxCode(ctx), "job never started: "+err.Error())
		return
	}
	defer e.jobSem.Release(1)

	if spec.parallel {
		var wg sync.WaitGroup
		for _, modelID := range spec.models {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				e.runSlot(ctx, js, spec, id)
			}(modelID)
		}
		wg.Wait()
	} else {
		for _, modelID := range spec.models {
			e.runSlot(ctx, js, spec, modelID)
			if js.terminal() {
				break
			}
		}
	}

	if js.terminal() {
		// Critical failure or cancellation already resolved the job.
		return
	}
	if ctx.Err() == context.DeadlineExceeded {
		e.failJob(js, ErrCodeTimeout, "job deadline exceeded during generation")
		return
	}

	successes := e.successfulOutputs(js)
	if len(successes) == 0 {
		e.failJob(js, ErrCodeProvider, e.aggregateFailure(js))
		return
	}

	js.mu.Lock()
	js.job.SynthesisInput = successes
	js.mu.Unlock()
	e.transition(js, StatusSynthesizing)
	e.persist(js)
	log.Printf("[Engine] Job %s: generation done, synthesizing %d/%d outputs via %s",
		jobID, len(successes), len(spec.models), spec.synthesisModel)

	e.synthesize(ctx, js, spec, successes)
}

// runSlot resolves one model slot: primary attempt, at most one fallback
// attempt, then a terminal result or error on the slot.
func (e *Engine) runSlot(ctx context.Context, js *jobState, spec runSpec, modelID string) {
	jobID := js.snapshot().ID

	result, primaryErr := e.invokeModel(ctx, spec, modelID)
	if primaryErr == nil {
		e.recordResult(js, modelID, result)
		return
	}

	fallbackID, hasFallback := spec.fallbacks[modelID]
	if hasFallback && fallbackID != modelID {
		log.Printf("[Engine] Job %s: model %s failed, trying fallback %s", jobID, modelID, fallbackID)
		result, fallbackErr := e.invokeModel(ctx, spec, fallbackID)
		if fallbackErr == nil {
			e.recordResult(js, modelID, result)
			return
		}
		e.recordError(js, spec, modelID, &ModelError{
			ModelID:    modelID,
			ProviderID: e.providerOf(modelID),
			Message: fmt.Sprintf("primary %s: %v; fallback %s: %v",
				modelID, primaryErr, fallbackID, fallbackErr),
		}, primaryErr)
		return
	}

	e.recordError(js, spec, modelID, &ModelError{
		ModelID:    modelID,
		ProviderID: e.providerOf(modelID),
		Message:    primaryErr.Error(),
	}, primaryErr)
}

// invokeModel performs one adapter call: circuit gate, per-provider
// admission, credential acquisition, then the invocation itself.
func (e *Engine) invokeModel(ctx context.Context, spec runSpec, modelID string) (*model.Result, error) {
	adapter, err := e.registry.Get(modelID)
	if err != nil {
		return nil, err
	}
	providerID := adapter.ProviderID()

	if e.breaker != nil {
		if err := e.breaker.Allow(providerID); err != nil {
			if e.metrics != nil {
				e.metrics.CircuitOpens.WithLabelValues(providerID).Inc()
			}
			return nil, &Error{Code: ErrCodeCircuitOpen,
				Message: fmt.Sprintf("provider %s temporarily disabled", providerID), Cause: err}
		}
	}

	sem := e.semFor(providerID)
	if err := sem.Acquire(ctx, 1); err != nil {
		// Never reached the provider; not a provider failure. Hand back a
		// half-open trial slot this call may have won.
		e.abandonTrial(providerID)
		return nil, e.wrapCtxErr(ctx, modelID)
	}
	defer sem.Release(1)

	token, err := e.credentialFor(ctx, spec.userID, providerID)
	if err != nil {
		e.recordOutcome(providerID, false)
		return nil, err
	}

	start := time.Now()
	result, err := invokeWithContext(ctx, adapter, spec.prompt, model.InvokeOptions{
		MaxTokens:   spec.maxTokens,
		Temperature: spec.temperature,
		AccessToken: token,
	})
	if e.metrics != nil {
		e.metrics.ModelLatency.WithLabelValues(providerID).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if ctx.Err() != nil {
			// Abandoned at the job deadline; the provider did not fail.
			e.abandonTrial(providerID)
			return nil, e.wrapCtxErr(ctx, modelID)
		}
		e.recordOutcome(providerID, false)
		return nil, err
	}

	e.recordOutcome(providerID, true)
	if result.ModelID == "" {
		result.ModelID = modelID
	}
	if result.ProviderID == "" {
		result.ProviderID = providerID
	}
	return result, nil
}

// credentialFor fetches the per-call access token from the vault. A
// missing record means the model runs credential-less; every other vault
// failure fails the attempt.
func (e *Engine) credentialFor(ctx context.Context, userID, providerID string) (string, error) {
	if e.vault == nil {
		return "", nil
	}
	cred, err := e.vault.GetValidCredential(ctx, userID, providerID)
	if err == nil {
		return cred.AccessToken, nil
	}
	if vault.ErrorCode(err) == vault.ErrCodeNotFound {
		return "", nil
	}
	return "", err
}

// synthesize invokes the synthesis model exactly once. There is no
// fallback for synthesis; failure resolves the job as failed.
func (e *Engine) synthesize(ctx context.Context, js *jobState, spec runSpec, successes map[string]string) {
	prompt := e.buildSynthesisPrompt(spec, successes)
	synthSpec := spec
	synthSpec.prompt = prompt

	result, err := e.invokeModel(ctx, synthSpec, spec.synthesisModel)
	if err != nil {
		if e.metrics != nil {
			e.metrics.SynthesisRuns.WithLabelValues("error").Inc()
		}
		js.mu.Lock()
		if !js.job.Status.Terminal() {
			js.job.SynthesisResult = &ResultSlot{Error: &ModelError{
				ModelID:    spec.synthesisModel,
				ProviderID: e.providerOf(spec.synthesisModel),
				Message:    err.Error(),
			}}
		}
		jobID := js.job.ID
		js.mu.Unlock()

		e.sink.Emit(jobID, EventSynthesisError, map[string]interface{}{
			"model_id": spec.synthesisModel,
			"message":  err.Error(),
		})
		code := ErrCodeSynthesis
		if ctx.Err() == context.DeadlineExceeded {
			code = ErrCodeTimeout
		}
		e.failJob(js, code, fmt.Sprintf("synthesis via %s failed: %v", spec.synthesisModel, err))
		return
	}

	if e.metrics != nil {
		e.metrics.SynthesisRuns.WithLabelValues("success").Inc()
	}

	// Terminal check and the completed write share one critical section:
	// a cancellation arriving in between must not see a completed event.
	js.mu.Lock()
	if js.job.Status.Terminal() {
		// Cancelled or timed out while synthesizing; discard.
		js.mu.Unlock()
		return
	}
	js.job.SynthesisResult = &ResultSlot{Result: result}
	js.job.Status = StatusCompleted
	e.touchLocked(js.job)
	jobID := js.job.ID
	userID := js.job.UserID
	js.mu.Unlock()

	e.persist(js)
	e.sink.Emit(jobID, EventCompleted, map[string]interface{}{
		"status":   string(StatusCompleted),
		"model_id": result.ModelID,
	})
	if e.metrics != nil {
		e.metrics.JobsFinished.WithLabelValues(string(StatusCompleted)).Inc()
	}
	e.log.Info(userID, jobID, "Job completed", map[string]interface{}{
		"synthesis_model": spec.synthesisModel,
	})
}

// buildSynthesisPrompt renders the workflow's synthesis template when
// present; otherwise it assembles the built-in convergence prompt.
// Successful outputs are exposed to templates as results.<modelID>.
func (e *Engine) buildSynthesisPrompt(spec runSpec, successes map[string]string) string {
	if spec.synthesisTemplate != "" {
		vars := make(map[string]string, len(spec.vars)+len(successes))
		for k, v := range spec.vars {
			vars[k] = v
		}
		for modelID, content := range successes {
			vars["results."+modelID] = content
		}
		return RenderTemplate(spec.synthesisTemplate, vars, e.log)
	}

	var b strings.Builder
	b.WriteString("Synthesize the following model outputs into one coherent answer. ")
	b.WriteString("Resolve contradictions explicitly and do not repeat yourself.\n")
	for _, modelID := range spec.models {
		content, ok := successes[modelID]
		if !ok {
			continue
		}
		b.WriteString(fmt.Sprintf("\n## Output from %s\n%s\n", modelID, content))
	}
	return b.String()
}

// recordResult writes a successful slot, unless the job already resolved
// (cancelled jobs discard late results).
func (e *Engine) recordResult(js *jobState, modelID string, result *model.Result) {
	js.mu.Lock()
	if js.job.Status.Terminal() || js.job.Results[modelID].Terminal() {
		js.mu.Unlock()
		return
	}
	js.job.Results[modelID] = &ResultSlot{Result: result}
	e.touchLocked(js.job)
	jobID := js.job.ID
	js.mu.Unlock()

	e.persist(js)
	e.sink.Emit(jobID, EventModelResult, map[string]interface{}{
		"model_id":    modelID,
		"provider_id": result.ProviderID,
		"content":     result.Content,
		"tokens_used": result.TokensUsed,
	})
}

// recordError writes a failed slot and applies the critical-model policy.
func (e *Engine) recordError(js *jobState, spec runSpec, modelID string, merr *ModelError, cause error) {
	js.mu.Lock()
	if js.job.Status.Terminal() || js.job.Results[modelID].Terminal() {
		js.mu.Unlock()
		return
	}
	js.job.Results[modelID] = &ResultSlot{Error: merr}
	e.touchLocked(js.job)
	jobID := js.job.ID
	userID := js.job.UserID
	js.mu.Unlock()

	e.persist(js)
	e.sink.Emit(jobID, EventModelError, map[string]interface{}{
		"model_id":    modelID,
		"provider_id": merr.ProviderID,
		"message":     merr.Message,
	})
	e.log.Warn(userID, jobID, "Model slot failed", map[string]interface{}{
		"model": modelID, "error": merr.Message,
	})

	if spec.critical[modelID] {
		e.failJob(js, e.codeOf(cause), fmt.Sprintf("critical model %s failed: %s", modelID, merr.Message))
		js.cancel()
	}
}

// failJob resolves the job as failed. Idempotent: the first terminal
// resolution wins and later ones are ignored.
func (e *Engine) failJob(js *jobState, code, message string) {
	js.mu.Lock()
	if js.job.Status.Terminal() {
		js.mu.Unlock()
		return
	}
	js.job.Status = StatusFailed
	js.job.ErrorInfo = fmt.Sprintf("%s: %s", code, message)
	e.touchLocked(js.job)
	jobID := js.job.ID
	userID := js.job.UserID
	js.mu.Unlock()

	e.persist(js)
	e.sink.Emit(jobID, EventCompleted, map[string]interface{}{
		"status":     string(StatusFailed),
		"error_code": code,
		"error_info": message,
	})
	if e.metrics != nil {
		e.metrics.JobsFinished.WithLabelValues(string(StatusFailed)).Inc()
	}
	e.log.Warn(userID, jobID, "Job failed", map[string]interface{}{
		"code": code, "error": message,
	})
}

// transition advances the job status. Backward transitions are refused:
// the state machine only moves forward.
func (e *Engine) transition(js *jobState, next JobStatus) {
	js.mu.Lock()
	defer js.mu.Unlock()
	if statusRank(next) <= statusRank(js.job.Status) {
		return
	}
	js.job.Status = next
	e.touchLocked(js.job)
}

// touchLocked advances UpdatedAt monotonically. Caller holds js.mu.
func (e *Engine) touchLocked(job *Job) {
	now := time.Now().UTC()
	if now.After(job.UpdatedAt) {
		job.UpdatedAt = now
	}
}

// persist writes the current snapshot through to the job store. Store
// failures are logged, not fatal: the in-memory job remains the source
// of truth for in-flight control.
func (e *Engine) persist(js *jobState) {
	snapshot := js.snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := e.store.Upsert(ctx, snapshot); err != nil {
		e.log.ErrorWithErr(snapshot.UserID, snapshot.ID, "Job snapshot write failed", err, nil)
	}
}

// successfulOutputs collects modelID -> content for terminal successes.
func (e *Engine) successfulOutputs(js *jobState) map[string]string {
	js.mu.Lock()
	defer js.mu.Unlock()
	out := make(map[string]string)
	for modelID, slot := range js.job.Results {
		if slot != nil && slot.Result != nil {
			out[modelID] = slot.Result.Content
		}
	}
	return out
}

// aggregateFailure summarizes every slot error for the zero-success case.
func (e *Engine) aggregateFailure(js *jobState) string {
	js.mu.Lock()
	defer js.mu.Unlock()

	ids := make([]string, 0, len(js.job.Results))
	for modelID := range js.job.Results {
		ids = append(ids, modelID)
	}
	sort.Strings(ids)

	parts := make([]string, 0, len(ids))
	for _, modelID := range ids {
		if slot := js.job.Results[modelID]; slot != nil && slot.Error != nil {
			parts = append(parts, fmt.Sprintf("%s: %s", modelID, slot.Error.Message))
		}
	}
	return "all models failed: " + strings.Join(parts, "; ")
}

// semFor returns the per-provider admission semaphore, creating it
// lazily.
func (e *Engine) semFor(providerID string) *semaphore.Weighted {
	e.provMu.Lock()
	defer e.provMu.Unlock()
	sem, ok := e.providerSem[providerID]
	if !ok {
		sem = semaphore.NewWeighted(e.providerCap)
		e.providerSem[providerID] = sem
	}
	return sem
}

// abandonTrial hands a half-open trial slot back to the breaker for
// calls abandoned before the provider answered.
func (e *Engine) abandonTrial(providerID string) {
	if e.breaker != nil {
		e.breaker.AbandonTrial(providerID)
	}
}

// evictLater drops the in-memory job state once the retention window
// after terminal resolution elapses. Handles keep their pointer, so
// Wait and Done stay valid; GetJob falls back to the store.
func (e *Engine) evictLater(jobID string) {
	time.AfterFunc(e.retention, func() {
		e.mu.Lock()
		delete(e.jobs, jobID)
		e.mu.Unlock()
	})
}

// recordOutcome feeds the provider-level breaker and call metrics.
func (e *Engine) recordOutcome(providerID string, success bool) {
	if e.breaker != nil {
		if success {
			e.breaker.RecordSuccess(providerID)
		} else {
			e.breaker.RecordFailure(providerID)
		}
	}
	if e.metrics != nil {
		outcome := "error"
		if success {
			outcome = "success"
		}
		e.metrics.ModelCalls.WithLabelValues(providerID, outcome).Inc()
	}
}

// providerOf resolves a model's provider label, tolerating unregistered
// models (used for error reporting only).
func (e *Engine) providerOf(modelID string) string {
	adapter, err := e.registry.Get(modelID)
	if err != nil {
		return ""
	}
	return adapter.ProviderID()
}

// jobTimeout picks the effective wall-clock budget: request override,
// then workflow setting, then engine default.
func (e *Engine) jobTimeout(requested, workflow time.Duration) time.Duration {
	if requested > 0 {
		return requested
	}
	if workflow > 0 {
		return workflow
	}
	return e.defaultTimeout
}

// wrapCtxErr converts a context error into the engine taxonomy.
func (e *Engine) wrapCtxErr(ctx context.Context, modelID string) error {
	if ctx.Err() == context.DeadlineExceeded {
		return &Error{Code: ErrCodeTimeout,
			Message: fmt.Sprintf("model %s call abandoned at job deadline", modelID), Cause: ctx.Err()}
	}
	return &Error{Code: ErrCodeCancelled,
		Message: fmt.Sprintf("model %s call abandoned after cancellation", modelID), Cause: ctx.Err()}
}

// ctxCode maps a context error to the matching terminal code.
func (e *Engine) ctxCode(ctx context.Context) string {
	if ctx.Err() == context.DeadlineExceeded {
		return ErrCodeTimeout
	}
	return ErrCodeCancelled
}

// codeOf extracts the coarse code from an attempt error.
func (e *Engine) codeOf(err error) string {
	if code := ErrorCode(err); code != "" {
		return code
	}
	switch vault.ErrorCode(err) {
	case vault.ErrCodeCircuitOpen:
		return ErrCodeCircuitOpen
	case vault.ErrCodeDecryptionFailed:
		return ErrCodeDecryptionFailed
	case vault.ErrCodeNotFound:
		return ErrCodeNotFound
	}
	return ErrCodeProvider
}

// invokeWithContext runs the adapter call on its own goroutine so a job
// deadline or cancellation abandons the call immediately; the underlying
// network request may still complete, but its result is discarded.
func invokeWithContext(ctx context.Context, adapter model.Adapter, prompt string, opts model.InvokeOptions) (*model.Result, error) {
	type outcome struct {
		result *model.Result
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		result, err := adapter.Invoke(ctx, prompt, opts)
		ch <- outcome{result, err}
	}()

	select {
	case out := <-ch:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func validateModels(models []string) error {
	if len(models) == 0 {
		return &Error{Code: ErrCodeInvalidRequest, Message: "no models requested"}
	}
	seen := make(map[string]bool, len(models))
	for _, id := range models {
		if id == "" {
			return &Error{Code: ErrCodeInvalidRequest, Message: "empty model identifier"}
		}
		if seen[id] {
			return &Error{Code: ErrCodeInvalidRequest,
				Message: fmt.Sprintf("model %q requested twice", id)}
		}
		seen[id] = true
	}
	return nil
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}
