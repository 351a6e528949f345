// Copyright 2025 Tom Barlow
//
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

// Package orchestrator is the Run Orchestrator: the concurrency-critical
// driver that composes the Run & Step State Machine (internal/runstate),
// the Event Writer (internal/eventlog), and the capability adapters into a
// correct per-workflow-kind sequence, with cancellation and error
// classification. Grounded on the teacher's internal/daemon/runner
// (Runner.execute/executeWithAdapter, semaphore-bounded worker pool,
// stopped-channel cancellation, drain machinery).
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/flowkeep/flowkeep/internal/apierr"
	"github.com/flowkeep/flowkeep/internal/eventlog"
	"github.com/flowkeep/flowkeep/internal/jsonval"
	"github.com/flowkeep/flowkeep/internal/log"
	"github.com/flowkeep/flowkeep/internal/runstate"
	"github.com/flowkeep/flowkeep/internal/sandbox"
	"github.com/flowkeep/flowkeep/internal/store"
	"github.com/flowkeep/flowkeep/internal/tracing"
)

// ErrDraining is returned by StartRun while the orchestrator is shutting
// down. The HTTP surface maps this to 503 + Retry-After, matching the
// teacher's handleCreate behavior during drain.
var ErrDraining = errors.New("orchestrator is draining: not accepting new runs")

// ErrUnknownKind is returned when a run's kind has no registered plan.
var ErrUnknownKind = errors.New("orchestrator: no plan registered for this run kind")

const defaultMaxParallel = 10

// Orchestrator drives runs to completion. One instance per process; it
// owns exactly one in-memory Writer per active run.
type Orchestrator struct {
	store    store.Store
	runstate *runstate.Service
	caps     Capabilities
	logger   *slog.Logger
	metrics  *tracing.MetricsCollector

	semaphore chan struct{}

	mu     sync.RWMutex
	active map[string]*activeRun

	writersMu sync.RWMutex
	writers   map[string]*eventlog.Writer

	draining atomic.Bool
}

type activeRun struct {
	cancel     context.CancelFunc
	stopped    chan struct{}
	cancelOnce sync.Once
}

// Option configures an Orchestrator at construction time.
type Option func(*Orchestrator)

// WithMaxParallel overrides the default concurrent-run cap.
func WithMaxParallel(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.semaphore = make(chan struct{}, n)
		}
	}
}

// WithMetrics records run/step counts and latencies through collector. Nil
// is a valid no-op collector (metrics are optional instrumentation, never
// a dependency the orchestrator's correctness relies on).
func WithMetrics(collector *tracing.MetricsCollector) Option {
	return func(o *Orchestrator) { o.metrics = collector }
}

// New builds an Orchestrator over a Store, the capability set, and a base
// logger. Use WithMaxParallel to override the default of 10 concurrent
// runs, matching the teacher's Runner default.
func New(s store.Store, caps Capabilities, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		store:     s,
		runstate:  runstate.New(s),
		caps:      caps,
		logger:    logger,
		semaphore: make(chan struct{}, defaultMaxParallel),
		active:    map[string]*activeRun{},
		writers:   map[string]*eventlog.Writer{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// StartRequest describes a new run.
type StartRequest struct {
	ProjectID string
	Kind      store.RunKind
	Metadata  jsonval.Value
}

// StartRun validates the request, persists the run row, and starts driving
// it in a background goroutine. It returns as soon as the row exists; the
// caller observes progress via the stream.
func (o *Orchestrator) StartRun(ctx context.Context, req StartRequest) (*store.Run, error) {
	if o.draining.Load() {
		return nil, ErrDraining
	}
	if _, ok := plans[req.Kind]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, req.Kind)
	}

	metadata := req.Metadata
	if metadata.IsNull() {
		metadata = jsonval.NewObject()
	}

	run := &store.Run{
		ID:            uuid.New().String(),
		ProjectID:     req.ProjectID,
		Kind:          req.Kind,
		Status:        store.StatusPending,
		CorrelationID: string(tracing.FromContextOrEmpty(ctx)),
		Metadata:      metadata,
		// Assigned synchronously so the response body can carry it: a
		// caller must get {run_id, workflow_run_id} back from the create
		// call, not just run_id with workflow_run_id to follow later over
		// the stream.
		WorkflowRunID: uuid.New().String(),
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	go o.execute(run)
	return run, nil
}

// CancelRun requests cancellation of a run. Idempotent: canceling an
// already-terminal or already-canceling run succeeds silently. Returns
// apierr not_found only when the run does not exist at all.
func (o *Orchestrator) CancelRun(ctx context.Context, runID string) error {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	o.mu.RLock()
	ar, driving := o.active[runID]
	o.mu.RUnlock()

	if driving {
		ar.cancelOnce.Do(func() { close(ar.stopped) })
		ar.cancel()
		return nil
	}

	if run.Status.Terminal() {
		return nil
	}

	// Not driven in this process (process restart, or cancel raced the
	// goroutine's own registration): fall back to the direct transactional
	// cancel so the row doesn't stay stuck non-terminal forever.
	return o.runstate.CancelRunAndSteps(ctx, runID)
}

// WriterLookup returns a stream.WriterLookup-shaped function resolving the
// live Writer for a run, for wiring into internal/stream.Handler.
func (o *Orchestrator) WriterLookup() func(runID string) (*eventlog.Writer, bool) {
	return func(runID string) (*eventlog.Writer, bool) {
		o.writersMu.RLock()
		defer o.writersMu.RUnlock()
		w, ok := o.writers[runID]
		return w, ok
	}
}

// StartDraining stops the orchestrator from accepting new runs. Existing
// runs continue to completion.
func (o *Orchestrator) StartDraining() { o.draining.Store(true) }

// IsDraining reports whether StartDraining has been called.
func (o *Orchestrator) IsDraining() bool { return o.draining.Load() }

// ActiveRunCount returns the number of runs currently being driven in this
// process.
func (o *Orchestrator) ActiveRunCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.active)
}

// WaitForDrain blocks until every active run completes or timeout elapses.
func (o *Orchestrator) WaitForDrain(ctx context.Context, timeout time.Duration) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(timeout)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			if remaining := o.ActiveRunCount(); remaining > 0 {
				return fmt.Errorf("drain timeout: %d run(s) still active", remaining)
			}
			return nil
		case <-ticker.C:
			if o.ActiveRunCount() == 0 {
				return nil
			}
		}
	}
}

// recordRunStart, recordRunComplete, and recordStepComplete forward to the
// configured tracing.MetricsCollector, if any. Metrics are instrumentation,
// not a correctness dependency, so a nil collector is always a silent no-op.
func (o *Orchestrator) recordRunStart(ctx context.Context, runID, kind string) {
	if o.metrics != nil {
		o.metrics.RecordRunStart(ctx, runID, kind)
	}
}

func (o *Orchestrator) recordRunComplete(ctx context.Context, runID, kind, status string, duration time.Duration) {
	if o.metrics != nil {
		o.metrics.RecordRunComplete(ctx, runID, kind, status, "api", duration)
	}
}

func (o *Orchestrator) recordStepComplete(ctx context.Context, kind, stepName, status string, duration time.Duration) {
	if o.metrics != nil {
		o.metrics.RecordStepComplete(ctx, kind, stepName, status, duration)
	}
}

// execute drives run to a terminal status. It runs detached from any
// caller's request context: a run outlives the HTTP request that started
// it, and is only ever stopped via CancelRun's stopped-channel signal.
func (o *Orchestrator) execute(run *store.Run) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runStartedAt := time.Now()

	ar := &activeRun{cancel: cancel, stopped: make(chan struct{})}
	o.mu.Lock()
	o.active[run.ID] = ar
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.active, run.ID)
		o.mu.Unlock()
	}()

	writer := eventlog.NewWriter(o.store, run.ID)
	o.writersMu.Lock()
	o.writers[run.ID] = writer
	o.writersMu.Unlock()
	defer func() {
		o.writersMu.Lock()
		delete(o.writers, run.ID)
		o.writersMu.Unlock()
	}()

	logger := log.WithRunContext(o.logger, run.ID, string(run.Kind))

	select {
	case <-ar.stopped:
		_ = o.runstate.CancelRunAndSteps(ctx, run.ID)
		_ = writer.Close(ctx, store.StatusCanceled)
		return
	case o.semaphore <- struct{}{}:
		defer func() { <-o.semaphore }()
	}

	// workflow_run_id is assigned synchronously in StartRun (before the
	// caller ever sees the run), so by the time execute reaches here the
	// id is already durable; AttachWorkflowRunID is a no-op confirming it.
	startedPayload := jsonval.NewObject()
	startedPayload.Set("kind", jsonval.String(string(run.Kind)))
	startedPayload.Set("workflowRunId", jsonval.String(run.WorkflowRunID))
	startedPayload.Set("timestamp", jsonval.String(time.Now().UTC().Format(time.RFC3339)))
	if _, err := writer.Emit(ctx, eventlog.TypeRunStarted, startedPayload); err != nil {
		logger.Error("failed to emit run-started", log.Error(err))
	}

	if err := o.store.AttachWorkflowRunID(ctx, run.ID, run.WorkflowRunID); err != nil {
		o.finishWithFailure(ctx, logger, writer, run, err, runStartedAt)
		return
	}

	if err := o.runstate.MarkRunRunning(ctx, run.ID); err != nil {
		o.finishWithFailure(ctx, logger, writer, run, err, runStartedAt)
		return
	}
	o.recordRunStart(ctx, run.ID, string(run.Kind))

	plan := plans[run.Kind]
	rc := &RunContext{
		Ctx:      ctx,
		Run:      run,
		Writer:   writer,
		Caps:     o.caps,
		Logger:   logger,
		Store:    o.store,
		Scratch:  map[string]jsonval.Value{},
		Sessions: map[string]*sandbox.Session{},
	}

	for _, def := range plan {
		err := o.runStep(ctx, rc, def, ar.stopped)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				o.finishWithCancellation(ctx, logger, writer, run, runStartedAt)
				return
			}
			o.finishWithFailure(ctx, logger, writer, run, err, runStartedAt)
			return
		}
	}

	if err := o.runstate.MarkRunTerminal(ctx, run.ID, store.StatusSucceeded); err != nil {
		logger.Error("failed to mark run succeeded", log.Error(err))
	}
	if err := writer.Close(ctx, store.StatusSucceeded); err != nil {
		logger.Error("failed to close event writer", log.Error(err))
	}
	o.recordRunComplete(ctx, run.ID, string(run.Kind), string(store.StatusSucceeded), time.Since(runStartedAt))
}

// runStep performs begin_step / emit step-started / invoke body /
// finish_step / emit step-finished, exactly spec.md §4.F step 3. It
// returns context.Canceled (wrapped) when the stopped channel fires,
// taking priority over whatever error the body itself returned, so a
// canceled run is never misreported as a failed one.
func (o *Orchestrator) runStep(ctx context.Context, rc *RunContext, def StepDef, stopped <-chan struct{}) error {
	select {
	case <-stopped:
		return context.Canceled
	default:
	}

	if err := o.runstate.EnsureStepRow(ctx, rc.Run.ID, def.ID, def.Kind, def.Name, jsonval.Null()); err != nil {
		return err
	}
	if err := o.runstate.BeginStep(ctx, rc.Run.ID, def.ID); err != nil {
		return err
	}
	rc.emit(eventlog.TypeStepStarted, stepPayload(def))
	stepStartedAt := time.Now()

	outputs, bodyErr := def.Body(rc)

	select {
	case <-stopped:
		_ = o.runstate.FinishStep(ctx, rc.Run.ID, def.ID, store.StatusCanceled, jsonval.Null(), jsonval.Null())
		rc.emit(eventlog.TypeStepFinished, stepFinishedPayload(def, store.StatusCanceled, jsonval.Null(), jsonval.Null()))
		o.recordStepComplete(ctx, string(rc.Run.Kind), def.ID, string(store.StatusCanceled), time.Since(stepStartedAt))
		return context.Canceled
	default:
	}

	if bodyErr != nil {
		errPayload := classifyStepError(bodyErr)
		if err := o.runstate.FinishStep(ctx, rc.Run.ID, def.ID, store.StatusFailed, jsonval.Null(), errPayload); err != nil {
			return err
		}
		rc.emit(eventlog.TypeStepFinished, stepFinishedPayload(def, store.StatusFailed, jsonval.Null(), errPayload))
		o.recordStepComplete(ctx, string(rc.Run.Kind), def.ID, string(store.StatusFailed), time.Since(stepStartedAt))
		return bodyErr
	}

	if err := o.runstate.FinishStep(ctx, rc.Run.ID, def.ID, store.StatusSucceeded, outputs, jsonval.Null()); err != nil {
		return err
	}
	rc.emit(eventlog.TypeStepFinished, stepFinishedPayload(def, store.StatusSucceeded, outputs, jsonval.Null()))
	rc.Scratch[def.ID] = outputs
	o.recordStepComplete(ctx, string(rc.Run.Kind), def.ID, string(store.StatusSucceeded), time.Since(stepStartedAt))
	return nil
}

func (o *Orchestrator) finishWithCancellation(ctx context.Context, logger *slog.Logger, writer *eventlog.Writer, run *store.Run, runStartedAt time.Time) {
	status := jsonval.NewObject()
	status.Set("message", jsonval.String(fmt.Sprintf("Run %s canceled.", run.ID)))
	status.Set("timestamp", jsonval.String(time.Now().UTC().Format(time.RFC3339)))
	if _, err := writer.Emit(ctx, eventlog.TypeStatus, status); err != nil {
		logger.Warn("failed to emit cancellation status", log.Error(err))
	}
	if err := o.runstate.CancelRunAndSteps(ctx, run.ID); err != nil {
		logger.Error("failed to cancel run and steps", log.Error(err))
	}
	if err := writer.Close(ctx, store.StatusCanceled); err != nil {
		logger.Error("failed to close event writer after cancellation", log.Error(err))
	}
	o.recordRunComplete(ctx, run.ID, string(run.Kind), string(store.StatusCanceled), time.Since(runStartedAt))
}

func (o *Orchestrator) finishWithFailure(ctx context.Context, logger *slog.Logger, writer *eventlog.Writer, run *store.Run, cause error, runStartedAt time.Time) {
	message := "Run failed."
	var ae *apierr.Error
	if errors.As(cause, &ae) {
		message = ae.Message
	}
	status := jsonval.NewObject()
	status.Set("message", jsonval.String(message))
	status.Set("timestamp", jsonval.String(time.Now().UTC().Format(time.RFC3339)))
	if _, err := writer.Emit(ctx, eventlog.TypeStatus, status); err != nil {
		logger.Warn("failed to emit failure status", log.Error(err))
	}
	if err := o.runstate.MarkRunTerminal(ctx, run.ID, store.StatusFailed); err != nil {
		logger.Error("failed to mark run failed", log.Error(err))
	}
	if err := writer.Close(ctx, store.StatusFailed); err != nil {
		logger.Error("failed to close event writer after failure", log.Error(err))
	}
	o.recordRunComplete(ctx, run.ID, string(run.Kind), string(store.StatusFailed), time.Since(runStartedAt))
}

func classifyStepError(err error) jsonval.Value {
	var ae *apierr.Error
	if errors.As(err, &ae) {
		return jsonval.FromMessage(ae.Message)
	}
	return jsonval.FromMessage("Step failed.")
}

func stepPayload(def StepDef) jsonval.Value {
	payload := jsonval.NewObject()
	payload.Set("stepId", jsonval.String(def.ID))
	payload.Set("stepName", jsonval.String(def.Name))
	return payload
}

func stepFinishedPayload(def StepDef, status store.RunStatus, outputs, stepErr jsonval.Value) jsonval.Value {
	payload := jsonval.NewObject()
	payload.Set("stepId", jsonval.String(def.ID))
	payload.Set("status", jsonval.String(string(status)))
	if !outputs.IsNull() {
		payload.Set("outputs", outputs)
	}
	if !stepErr.IsNull() {
		payload.Set("error", stepErr)
	}
	return payload
}
