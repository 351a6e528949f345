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

// Package sandbox is the Sandbox Session Manager: it layers session
// bookkeeping, a capped in-memory transcript, SandboxJob persistence, and
// command allowlisting on top of pkg/security/sandbox's raw Execute/
// StreamExecute primitives, the way the teacher's daemon/runner layers
// session state on top of raw workflow execution.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowkeep/flowkeep/internal/apierr"
	"github.com/flowkeep/flowkeep/internal/jsonval"
	"github.com/flowkeep/flowkeep/internal/store"
	"github.com/flowkeep/flowkeep/internal/util"
	sandboxpkg "github.com/flowkeep/flowkeep/pkg/security/sandbox"
	"github.com/flowkeep/flowkeep/pkg/tools"
)

// ObjectStore is the minimal capability a Session needs to persist a
// finalized transcript. Concrete adapters live in internal/capability/objectstore.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) (ref string, err error)
}

// maxTranscriptBytes bounds the in-memory transcript buffer. Oldest bytes
// are dropped once the cap is exceeded and a truncated flag is set, per
// spec.md §4.E.
const maxTranscriptBytes = 1 << 20 // 1 MiB

// Policy decides whether a command is allowed to run in a session.
type Policy struct {
	AllowedCommands []string
}

// Check enforces the allowlist. Consulted on every command; there is no
// bypass.
func (p Policy) Check(cmd string) error {
	if len(p.AllowedCommands) == 0 {
		return apierr.New(apierr.CodeForbidden, fmt.Sprintf("command %q is not allowlisted", cmd))
	}
	if !util.Contains(p.AllowedCommands, cmd) {
		return apierr.New(apierr.CodeForbidden, fmt.Sprintf("command %q is not allowlisted", cmd))
	}
	return nil
}

// Manager creates and tracks sandbox sessions for runs.
type Manager struct {
	factory  sandboxpkg.Factory
	jobs     store.SandboxJobStore
	objects  ObjectStore
	redactor *tools.Redactor

	mu       sync.Mutex
	sessions map[string]*Session // keyed by SandboxJob.ID
}

// NewManager builds a Session Manager backed by the given sandbox factory,
// job store, and (optional) transcript object store. Every session it
// creates redacts command output through the same tools.Redactor before it
// ever reaches the transcript buffer, so secrets baked into a clone URL,
// an env dump, or a failed auth request never land in the persisted blob —
// "never persisted or logged" (spec.md §6) means the transcript path too,
// not just the config layer.
func NewManager(factory sandboxpkg.Factory, jobs store.SandboxJobStore, objects ObjectStore) *Manager {
	return &Manager{factory: factory, jobs: jobs, objects: objects, redactor: tools.NewRedactor(), sessions: map[string]*Session{}}
}

// Session wraps one sandbox.Sandbox with bookkeeping: a capped transcript,
// a persisted SandboxJob row, and command-policy enforcement. Not
// thread-safe, matching the underlying sandbox.Sandbox contract.
type Session struct {
	mgr    *Manager
	job    *store.SandboxJob
	box    sandboxpkg.Sandbox
	policy Policy

	mu         sync.Mutex
	transcript bytes.Buffer
	truncated  bool
	finalized  bool
	canceled   bool
}

// StartSession creates a sandbox, persists a SandboxJob row in pending, and
// returns the session. The job transitions to running on the first
// command.
func (m *Manager) StartSession(ctx context.Context, runID, projectID, stepID, jobType string, cfg sandboxpkg.Config, policy Policy) (*Session, error) {
	box, err := m.factory.Create(ctx, cfg)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeBadGateway, "failed to create sandbox", err)
	}

	job := &store.SandboxJob{
		ID:        uuid.New().String(),
		RunID:     runID,
		ProjectID: projectID,
		StepID:    stepID,
		JobType:   jobType,
		Status:    store.StatusPending,
		Metadata:  jsonval.NewObject(),
	}
	if err := m.jobs.CreateSandboxJob(ctx, job); err != nil {
		box.Cleanup()
		return nil, err
	}

	sess := &Session{mgr: m, job: job, box: box, policy: policy}

	m.mu.Lock()
	m.sessions[job.ID] = sess
	m.mu.Unlock()

	return sess, nil
}

// AttachSession rebinds an existing sandbox instance to a new Session,
// e.g. after a process restart reconnects to a long-lived sandbox.
func (m *Manager) AttachSession(ctx context.Context, job *store.SandboxJob, box sandboxpkg.Sandbox, policy Policy, stopOnFinalize bool) *Session {
	sess := &Session{mgr: m, job: job, box: box, policy: policy}
	m.mu.Lock()
	m.sessions[job.ID] = sess
	m.mu.Unlock()
	return sess
}

// CommandRequest describes one command invocation within a session.
type CommandRequest struct {
	Cmd     string
	Args    []string
	Timeout time.Duration
}

// CommandResult is the outcome of one command invocation.
type CommandResult struct {
	Output   []byte
	ExitCode int
}

// RunCommand enforces the policy allowlist, executes the command, and
// appends its output to the session transcript. The job transitions to
// running on the first call.
func (s *Session) RunCommand(ctx context.Context, req CommandRequest) (*CommandResult, error) {
	if err := s.policy.Check(req.Cmd); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return nil, apierr.New(apierr.CodeConflict, "session already finalized")
	}
	if s.job.Status == store.StatusPending {
		now := time.Now()
		s.job.Status = store.StatusRunning
		s.job.StartedAt = &now
	}
	s.mu.Unlock()

	if err := s.mgr.jobs.UpdateSandboxJob(ctx, s.job); err != nil {
		return nil, err
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	out, err := s.box.Execute(runCtx, req.Cmd, req.Args)
	s.appendTranscript(out)
	if err != nil {
		return &CommandResult{Output: out, ExitCode: -1}, apierr.Wrap(apierr.CodeBadGateway, "sandbox command failed", err)
	}
	return &CommandResult{Output: out, ExitCode: 0}, nil
}

// appendTranscript redacts known secret patterns out of data, appends the
// result to the capped buffer, and drops the oldest bytes once the cap is
// exceeded.
func (s *Session) appendTranscript(data []byte) {
	if s.mgr.redactor != nil {
		data = []byte(s.mgr.redactor.Redact(string(data)))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript.Write(data)
	if s.transcript.Len() > maxTranscriptBytes {
		excess := s.transcript.Len() - maxTranscriptBytes
		s.transcript.Next(excess)
		s.truncated = true
	}
}

// Cancel is idempotent: it marks the job canceled, stops the sandbox if
// requested, and skips transcript persistence.
func (s *Session) Cancel(ctx context.Context, stopVM bool) error {
	s.mu.Lock()
	if s.canceled || s.finalized {
		s.mu.Unlock()
		return nil
	}
	s.canceled = true
	now := time.Now()
	s.job.Status = store.StatusCanceled
	s.job.EndedAt = &now
	s.mu.Unlock()

	if stopVM {
		s.box.Cleanup()
	}
	return s.mgr.jobs.UpdateSandboxJob(ctx, s.job)
}

// Finalize is idempotent: it persists the transcript best-effort, sets
// exit_code and terminal status, and returns without error even when
// transcript persistence fails (that failure must never block the job
// status update).
func (s *Session) Finalize(ctx context.Context, exitCode int, status store.RunStatus) error {
	s.mu.Lock()
	if s.finalized || s.canceled {
		s.mu.Unlock()
		return nil
	}
	s.finalized = true
	transcript := s.transcript.Bytes()
	truncated := s.truncated
	s.mu.Unlock()

	now := time.Now()
	s.job.ExitCode = &exitCode
	s.job.Status = status
	s.job.EndedAt = &now

	if s.mgr.objects != nil && s.job.TranscriptBlobRef == nil {
		key := fmt.Sprintf("sandbox-transcripts/%s/%s.log", s.job.RunID, s.job.ID)
		if ref, err := s.mgr.objects.Put(ctx, key, transcript); err == nil {
			s.job.TranscriptBlobRef = &ref
		}
		// Persistence failure is swallowed deliberately: finalize must
		// still land the terminal status.
	}

	meta := jsonval.NewObject()
	meta.Set("transcriptTruncated", jsonval.Bool(truncated))
	s.job.Metadata = meta

	return s.mgr.jobs.UpdateSandboxJob(ctx, s.job)
}

// Job returns the current (possibly stale) SandboxJob snapshot.
func (s *Session) Job() *store.SandboxJob { return s.job }

// Box exposes the underlying sandbox for direct file I/O, which is not
// gated by the command allowlist: writing a file is a different concern
// from executing one.
func (s *Session) Box() sandboxpkg.Sandbox { return s.box }
