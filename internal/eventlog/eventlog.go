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

// Package eventlog is the Event Writer: a durable, indexed, per-run append
// log with live fan-out to subscribers. Grounded on the teacher's
// Runner.Subscribe channel-fan-out pattern, generalized to persist every
// entry through internal/store before fanning it out, so a late subscriber
// can always replay from the durable log instead of missing history.
package eventlog

import (
	"context"
	"sync"

	"github.com/flowkeep/flowkeep/internal/apierr"
	"github.com/flowkeep/flowkeep/internal/jsonval"
	"github.com/flowkeep/flowkeep/internal/store"
)

// Type is the closed set of event tags spec.md's stream schema defines.
type Type string

const (
	TypeRunStarted     Type = "run-started"
	TypeStepStarted    Type = "step-started"
	TypeStepFinished   Type = "step-finished"
	TypeRunFinished    Type = "run-finished"
	TypeStatus         Type = "status"
	TypeLog            Type = "log"
	TypeAssistantDelta Type = "assistant-delta"
	TypeToolCall       Type = "tool-call"
	TypeToolResult     Type = "tool-result"
	TypeExit           Type = "exit"
)

// Entry is one indexed, persisted event. Index is 1-based and assigned by
// the Writer at append time; there are never gaps within a run.
type Entry struct {
	Index   int64
	Type    Type
	Payload jsonval.Value
}

// subscriber is a single live tail of a run's events. Buffered per the
// teacher's Subscribe channel size; a full buffer detaches the subscriber
// rather than blocking the writer or dropping events from the durable log.
type subscriber struct {
	ch     chan Entry
	closed chan struct{}
}

const subscriberBufferSize = 100

// Writer is the single logical writer for one run's event stream. Every
// run gets its own Writer instance; concurrent emits for the same run are
// serialized by mu, matching the "single writer per run" invariant.
type Writer struct {
	store store.EventStore
	runID string

	mu     sync.Mutex
	closed bool

	subMu sync.RWMutex
	subs  map[*subscriber]struct{}
}

// NewWriter creates the Writer for a single run. Callers keep one Writer
// alive for the lifetime of the run's execution.
func NewWriter(s store.EventStore, runID string) *Writer {
	return &Writer{
		store: s,
		runID: runID,
		subs:  map[*subscriber]struct{}{},
	}
}

// Emit appends one entry atomically, persists it, and fans it out to live
// subscribers. Returns apierr stream_closed once Close has been called.
func (w *Writer) Emit(ctx context.Context, typ Type, payload jsonval.Value) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, apierr.New(apierr.CodeStreamClosed, "event writer is closed")
	}

	idx, err := w.store.AppendEvent(ctx, w.runID, string(typ), payload)
	if err != nil {
		return 0, err
	}

	entry := Entry{Index: idx, Type: typ, Payload: payload}
	w.fanOut(entry)
	return idx, nil
}

// fanOut delivers entry to every live subscriber without blocking on a slow
// one: a full channel detaches that subscriber (closing its done signal) and
// leaves the persisted log as the record it must resume from.
func (w *Writer) fanOut(entry Entry) {
	w.subMu.RLock()
	defer w.subMu.RUnlock()
	for sub := range w.subs {
		select {
		case sub.ch <- entry:
		default:
			close(sub.closed)
		}
	}
}

// Close appends the terminal marker and marks the writer closed. Further
// Emit calls fail with stream_closed. Close is idempotent.
func (w *Writer) Close(ctx context.Context, finalStatus store.RunStatus) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}

	statusObj := jsonval.NewObject()
	statusObj.Set("status", jsonval.String(string(finalStatus)))
	idx, err := w.store.AppendEvent(ctx, w.runID, string(TypeRunFinished), statusObj)
	w.closed = true
	w.mu.Unlock()

	if err != nil {
		return err
	}

	w.subMu.RLock()
	for sub := range w.subs {
		select {
		case sub.ch <- Entry{Index: idx, Type: TypeRunFinished, Payload: statusObj}:
		default:
		}
		close(sub.ch)
	}
	w.subMu.RUnlock()
	return nil
}

// Subscribe returns a live channel of entries emitted after this call, plus
// an unsubscribe func. It does not replay history — callers that need
// replay-then-tail semantics (internal/stream) combine this with
// ListEventsFrom against the durable log first.
func (w *Writer) Subscribe() (<-chan Entry, func()) {
	sub := &subscriber{ch: make(chan Entry, subscriberBufferSize), closed: make(chan struct{})}

	w.subMu.Lock()
	w.subs[sub] = struct{}{}
	w.subMu.Unlock()

	unsub := func() {
		w.subMu.Lock()
		defer w.subMu.Unlock()
		if _, ok := w.subs[sub]; ok {
			delete(w.subs, sub)
			close(sub.ch)
		}
	}
	return sub.ch, unsub
}

// ListFrom reads the durable log for events strictly after startIndex, for
// replay on attach (live or post-close).
func ListFrom(ctx context.Context, s store.EventStore, runID string, startIndex int64) ([]Entry, error) {
	rows, err := s.ListEventsFrom(ctx, runID, startIndex)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, len(rows))
	for i, r := range rows {
		entries[i] = Entry{Index: r.Index, Type: Type(r.Type), Payload: r.Payload}
	}
	return entries, nil
}
