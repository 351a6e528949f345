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

// Package stream implements the Resumable Event Stream Layer: the SSE
// server side (replay-then-tail from a cursor, heartbeats, [DONE] framing)
// grounded on the teacher's streamLogs handler, and a Go reference client
// implementing spec.md's normative reconnect algorithm, grounded on the
// teacher's debug SSE client.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/flowkeep/flowkeep/internal/eventlog"
	"github.com/flowkeep/flowkeep/internal/store"
)

// RunSource is the minimal surface the stream handler needs to know
// whether a run has reached a terminal status.
type RunSource interface {
	GetRun(ctx context.Context, id string) (*store.Run, error)
}

// WriterLookup resolves the live Writer for a run, if one is currently
// active (i.e. the orchestrator is still driving it in this process).
type WriterLookup func(runID string) (*eventlog.Writer, bool)

const heartbeatInterval = 15 * time.Second

// Handler serves GET /runs/{id}/stream and its /code-mode alias.
type Handler struct {
	events  store.EventStore
	runs    RunSource
	writers WriterLookup
}

// NewHandler builds the SSE handler.
func NewHandler(events store.EventStore, runs RunSource, writers WriterLookup) *Handler {
	return &Handler{events: events, runs: runs, writers: writers}
}

type wireEvent struct {
	Index   int64 `json:"index"`
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// ServeStream writes the replay-then-tail SSE response for runID starting
// strictly after startIndex.
func (h *Handler) ServeStream(w http.ResponseWriter, r *http.Request, runID string, startIndex int64) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()

	run, err := h.runs.GetRun(ctx, runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	// Subscribe before reading the durable log. Anything the writer
	// persists and fans out between a ListFrom snapshot and a later
	// Subscribe call would land in neither the backlog nor the live
	// channel — a silent per-connection skip that desyncs a reconnecting
	// client's cursor (spec.md §8 properties 3 and 5: no gaps, exactly
	// once). Subscribing first means the live channel can only ever
	// re-deliver entries the replay below already covers, never miss one;
	// lastReplayed is what drops those duplicates back out.
	writer, live := h.writers(runID)
	var liveCh <-chan eventlog.Entry
	var unsub func()
	if live && !run.Status.Terminal() {
		liveCh, unsub = writer.Subscribe()
		defer unsub()
	}

	backlog, err := eventlog.ListFrom(ctx, h.events, runID, startIndex)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	lastReplayed := startIndex
	for _, e := range backlog {
		if !writeEntry(w, e) {
			return
		}
		lastReplayed = e.Index
	}
	flusher.Flush()

	if liveCh == nil {
		// Either the run already finished (the backlog above already
		// carries run-finished) or nothing is driving it in this
		// process; either way there is no tail to follow.
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
		return
	}

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case entry, ok := <-liveCh:
			if !ok {
				fmt.Fprint(w, "data: [DONE]\n\n")
				flusher.Flush()
				return
			}
			if entry.Index <= lastReplayed {
				continue
			}
			if !writeEntry(w, entry) {
				return
			}
			flusher.Flush()
			if entry.Type == eventlog.TypeRunFinished {
				fmt.Fprint(w, "data: [DONE]\n\n")
				flusher.Flush()
				return
			}
		}
	}
}

func writeEntry(w http.ResponseWriter, e eventlog.Entry) bool {
	data, err := json.Marshal(wireEvent{Index: e.Index, Type: string(e.Type), Payload: e.Payload})
	if err != nil {
		return false
	}
	_, werr := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
	return werr == nil
}
