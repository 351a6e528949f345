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

package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowkeep/flowkeep/internal/eventlog"
	"github.com/flowkeep/flowkeep/internal/jsonval"
	"github.com/flowkeep/flowkeep/internal/store"
	"github.com/flowkeep/flowkeep/internal/store/sqlite"
)

func newBackendWithRun(t *testing.T, runID string) *sqlite.Backend {
	t.Helper()
	be, err := sqlite.New(sqlite.Config{Path: filepath.Join(t.TempDir(), "stream.db")})
	require.NoError(t, err)
	t.Cleanup(func() { be.Close() })
	require.NoError(t, be.CreateRun(context.Background(), &store.Run{
		ID: runID, ProjectID: "p", Kind: store.RunKindResearch, Status: store.StatusPending, Metadata: jsonval.NewObject(),
	}))
	return be
}

func testServer(t *testing.T, be *sqlite.Backend, writers WriterLookup) *httptest.Server {
	t.Helper()
	h := NewHandler(be, be, writers)
	mux := http.NewServeMux()
	mux.HandleFunc("/runs/{id}/stream", func(w http.ResponseWriter, r *http.Request) {
		startIndex := int64(0)
		if v := r.URL.Query().Get("startIndex"); v != "" {
			startIndex, _ = strconv.ParseInt(v, 10, 64)
		}
		h.ServeStream(w, r, r.PathValue("id"), startIndex)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// TestReplayThenDoneOnClosedRun covers spec.md §4.D: "if the stream was
// already closed before the reader arrived, the server replays from
// startIndex+1 through terminal marker inclusively, then closes."
func TestReplayThenDoneOnClosedRun(t *testing.T) {
	be := newBackendWithRun(t, "r1")
	w := eventlog.NewWriter(be, "r1")
	ctx := context.Background()

	_, err := w.Emit(ctx, eventlog.TypeRunStarted, jsonval.NewObject())
	require.NoError(t, err)
	_, err = w.Emit(ctx, eventlog.TypeStatus, jsonval.FromMessage("working"))
	require.NoError(t, err)
	require.NoError(t, w.Close(ctx, store.StatusSucceeded))
	require.NoError(t, be.UpdateRunStatus(ctx, "r1", store.StatusSucceeded, nil))

	srv := testServer(t, be, func(string) (*eventlog.Writer, bool) { return nil, false })

	var received []Chunk
	client := &Client{MaxAttempts: 1}
	client.BaseURL = srv.URL
	err = client.Stream(context.Background(), "r1", 0, func(c Chunk) error {
		received = append(received, c)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, received, 3)
	assert.Equal(t, "run-started", received[0].Type)
	assert.Equal(t, "status", received[1].Type)
	assert.Equal(t, "run-finished", received[2].Type)
}

// TestMidStreamReconnectNoDuplicates is spec.md §8 scenario 2: client gets
// 1..3, reconnects with startIndex=3, gets 4..K and [DONE] with no dups.
func TestMidStreamReconnectNoDuplicates(t *testing.T) {
	be := newBackendWithRun(t, "r2")
	w := eventlog.NewWriter(be, "r2")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := w.Emit(ctx, eventlog.TypeLog, jsonval.FromMessage("line"))
		require.NoError(t, err)
	}

	srv := testServer(t, be, func(string) (*eventlog.Writer, bool) { return nil, false })
	client := &Client{MaxAttempts: 1}
	client.BaseURL = srv.URL

	var firstBatch []Chunk
	err := client.Stream(context.Background(), "r2", 0, func(c Chunk) error {
		firstBatch = append(firstBatch, c)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, firstBatch, 3)
	cursor := firstBatch[len(firstBatch)-1].Index

	for i := 0; i < 4; i++ {
		_, err := w.Emit(ctx, eventlog.TypeLog, jsonval.FromMessage("more"))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close(ctx, store.StatusSucceeded))

	var secondBatch []Chunk
	err = client.Stream(context.Background(), "r2", cursor, func(c Chunk) error {
		secondBatch = append(secondBatch, c)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, secondBatch, 5) // 4 log events + run-finished

	seen := map[int64]bool{}
	for _, c := range append(firstBatch, secondBatch...) {
		assert.False(t, seen[c.Index], "index %d delivered twice", c.Index)
		seen[c.Index] = true
	}
	assert.Equal(t, int64(3), firstBatch[len(firstBatch)-1].Index)
	assert.Equal(t, int64(4), secondBatch[0].Index)
}

// TestLiveTailDeliversEventsAsEmitted exercises the still-live path: the
// handler subscribes to the writer and forwards new events as emitted,
// then [DONE] on close.
func TestLiveTailDeliversEventsAsEmitted(t *testing.T) {
	be := newBackendWithRun(t, "r3")
	w := eventlog.NewWriter(be, "r3")
	require.NoError(t, be.UpdateRunStatus(context.Background(), "r3", store.StatusRunning, []store.RunStatus{store.StatusSucceeded, store.StatusFailed, store.StatusCanceled}))

	var mu sync.Mutex
	writers := map[string]*eventlog.Writer{"r3": w}
	lookup := func(id string) (*eventlog.Writer, bool) {
		mu.Lock()
		defer mu.Unlock()
		wr, ok := writers[id]
		return wr, ok
	}

	srv := testServer(t, be, lookup)
	client := &Client{MaxAttempts: 1}
	client.BaseURL = srv.URL

	done := make(chan error, 1)
	var received []Chunk
	go func() {
		done <- client.Stream(context.Background(), "r3", 0, func(c Chunk) error {
			received = append(received, c)
			return nil
		})
	}()

	time.Sleep(50 * time.Millisecond)
	ctx := context.Background()
	_, err := w.Emit(ctx, eventlog.TypeStatus, jsonval.FromMessage("going"))
	require.NoError(t, err)
	require.NoError(t, w.Close(ctx, store.StatusSucceeded))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for live tail to finish")
	}
	require.Len(t, received, 2)
	assert.Equal(t, "status", received[0].Type)
	assert.Equal(t, "run-finished", received[1].Type)
}

func TestUnknownRunReturns404(t *testing.T) {
	be := newBackendWithRun(t, "r4")
	srv := testServer(t, be, func(string) (*eventlog.Writer, bool) { return nil, false })

	resp, err := http.Get(srv.URL + "/runs/does-not-exist/stream?startIndex=0")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamRequestParsesStartIndexQueryParam(t *testing.T) {
	u, err := url.Parse("/runs/abc/stream?startIndex=7")
	require.NoError(t, err)
	assert.Equal(t, "7", u.Query().Get("startIndex"))
}
