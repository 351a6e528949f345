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

// Package runstate implements the Run & Step State Machine on top of
// internal/store: begin_step/finish_step/mark_run_* with the guarded,
// at-most-once-per-transition semantics the orchestrator depends on.
package runstate

import (
	"context"
	"time"

	"github.com/flowkeep/flowkeep/internal/apierr"
	"github.com/flowkeep/flowkeep/internal/jsonval"
	"github.com/flowkeep/flowkeep/internal/store"
)

// Service wraps a store.Store with the state machine rules. It holds no
// state of its own; every transition is expressed as a guarded store write.
type Service struct {
	store interface {
		store.RunStore
		store.StepStore
	}
}

// New wraps a store implementing at least RunStore and StepStore.
func New(s interface {
	store.RunStore
	store.StepStore
}) *Service {
	return &Service{store: s}
}

var nonBeginnable = []store.RunStatus{store.StatusRunning, store.StatusSucceeded, store.StatusCanceled}

// EnsureStepRow inserts the step row if it does not already exist. Safe to
// call on every attempt of a retried orchestrator plan.
func (s *Service) EnsureStepRow(ctx context.Context, runID, stepID string, kind store.StepKind, name string, inputs jsonval.Value) error {
	return s.store.InsertStepIfAbsent(ctx, runID, stepID, kind, name, inputs)
}

// BeginStep transitions a step to running and bumps its attempt counter.
// A step already running, succeeded, or canceled is left untouched — this
// is the no-second-attempt-increment idempotence spec'd for retried calls.
func (s *Service) BeginStep(ctx context.Context, runID, stepID string) error {
	current, err := s.store.GetStep(ctx, runID, stepID)
	if err != nil {
		return err
	}
	if statusIn(current.Status, nonBeginnable) {
		return nil
	}

	now := time.Now()
	nextAttempt := current.Attempt + 1
	emptyOutputs := jsonval.Null()
	status := store.StatusRunning
	patch := store.StepPatch{
		Status:    &status,
		Attempt:   &nextAttempt,
		Outputs:   &emptyOutputs,
		StartedAt: &now,
		ClearEnd:  true,
	}
	return s.store.UpdateStep(ctx, runID, stepID, patch, nonBeginnable)
}

var terminalSteps = []store.RunStatus{store.StatusSucceeded, store.StatusCanceled}

// FinishStep transitions a step to a terminal status. A step already
// succeeded or canceled is left untouched. Failed steps get a default
// user-safe error payload when the caller supplies none.
func (s *Service) FinishStep(ctx context.Context, runID, stepID string, terminal store.RunStatus, outputs, stepErr jsonval.Value) error {
	current, err := s.store.GetStep(ctx, runID, stepID)
	if err != nil {
		return err
	}
	if statusIn(current.Status, terminalSteps) {
		return nil
	}

	now := time.Now()
	patch := store.StepPatch{
		Status: &terminal,
		EndedAt: &now,
	}
	if terminal == store.StatusSucceeded || terminal == store.StatusCanceled {
		cleared := jsonval.Null()
		patch.Error = &cleared
		if !outputs.IsNull() {
			patch.Outputs = &outputs
		}
	} else {
		if stepErr.IsNull() {
			stepErr = jsonval.FromMessage("Failed.")
		}
		patch.Error = &stepErr
	}

	return s.store.UpdateStep(ctx, runID, stepID, patch, terminalSteps)
}

// MarkRunRunning transitions a run to running, unless it is already
// terminal.
func (s *Service) MarkRunRunning(ctx context.Context, runID string) error {
	return s.store.UpdateRunStatus(ctx, runID, store.StatusRunning, terminalRunStatuses)
}

var terminalRunStatuses = []store.RunStatus{store.StatusSucceeded, store.StatusFailed, store.StatusCanceled}

// MarkRunTerminal transitions a run to a terminal status. A no-op when the
// run is already terminal — callers on a cancellation path must never call
// this with "failed".
func (s *Service) MarkRunTerminal(ctx context.Context, runID string, status store.RunStatus) error {
	return s.store.UpdateRunStatus(ctx, runID, status, terminalRunStatuses)
}

// CancelRunAndSteps delegates to the store's transactional cancel.
func (s *Service) CancelRunAndSteps(ctx context.Context, runID string) error {
	canceler, ok := s.store.(interface {
		CancelRunAndSteps(ctx context.Context, runID string) error
	})
	if !ok {
		return apierr.New(apierr.CodeEnvInvalid, "store does not support transactional cancel")
	}
	return canceler.CancelRunAndSteps(ctx, runID)
}

func statusIn(status store.RunStatus, set []store.RunStatus) bool {
	for _, s := range set {
		if status == s {
			return true
		}
	}
	return false
}
