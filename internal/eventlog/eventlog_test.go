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

package eventlog

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowkeep/flowkeep/internal/apierr"
	"github.com/flowkeep/flowkeep/internal/jsonval"
	"github.com/flowkeep/flowkeep/internal/store"
	"github.com/flowkeep/flowkeep/internal/store/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Backend {
	t.Helper()
	be, err := sqlite.New(sqlite.Config{Path: filepath.Join(t.TempDir(), "events.db")})
	require.NoError(t, err)
	t.Cleanup(func() { be.Close() })
	require.NoError(t, be.CreateRun(context.Background(), &store.Run{
		ID: "r1", ProjectID: "p", Kind: store.RunKindResearch, Status: store.StatusPending, Metadata: jsonval.NewObject(),
	}))
	return be
}

// TestEmitIndicesAreSequentialWithNoGaps is spec.md §8 property 3.
func TestEmitIndicesAreSequentialWithNoGaps(t *testing.T) {
	be := newTestStore(t)
	w := NewWriter(be, "r1")
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		idx, err := w.Emit(ctx, TypeLog, jsonval.FromMessage("line"))
		require.NoError(t, err)
		assert.Equal(t, int64(i), idx)
	}
}

func TestEmitAfterCloseFailsStreamClosed(t *testing.T) {
	be := newTestStore(t)
	w := NewWriter(be, "r1")
	ctx := context.Background()

	require.NoError(t, w.Close(ctx, store.StatusSucceeded))

	_, err := w.Emit(ctx, TypeLog, jsonval.FromMessage("too late"))
	assert.True(t, apierr.Is(err, apierr.CodeStreamClosed))
}

func TestCloseIsIdempotent(t *testing.T) {
	be := newTestStore(t)
	w := NewWriter(be, "r1")
	ctx := context.Background()

	require.NoError(t, w.Close(ctx, store.StatusSucceeded))
	require.NoError(t, w.Close(ctx, store.StatusFailed))

	events, err := be.ListEventsFrom(ctx, "r1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1, "a second close must not append another terminal marker")
	assert.Equal(t, string(TypeRunFinished), events[0].Type)
}

func TestSubscribeReceivesLiveEmitsAndDoneOnClose(t *testing.T) {
	be := newTestStore(t)
	w := NewWriter(be, "r1")
	ctx := context.Background()

	ch, unsub := w.Subscribe()
	defer unsub()

	var wg sync.WaitGroup
	wg.Add(1)
	var received []Entry
	go func() {
		defer wg.Done()
		for e := range ch {
			received = append(received, e)
		}
	}()

	_, err := w.Emit(ctx, TypeStatus, jsonval.FromMessage("hello"))
	require.NoError(t, err)
	require.NoError(t, w.Close(ctx, store.StatusSucceeded))

	wg.Wait()
	require.Len(t, received, 2)
	assert.Equal(t, TypeStatus, received[0].Type)
	assert.Equal(t, TypeRunFinished, received[1].Type)
}

func TestListFromReplaysStrictlyAfterStartIndex(t *testing.T) {
	be := newTestStore(t)
	w := NewWriter(be, "r1")
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := w.Emit(ctx, TypeLog, jsonval.FromMessage("line"))
		require.NoError(t, err)
	}

	entries, err := ListFrom(ctx, be, "r1", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(3), entries[0].Index)
	assert.Equal(t, int64(4), entries[1].Index)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	be := newTestStore(t)
	w := NewWriter(be, "r1")
	ctx := context.Background()

	ch, unsub := w.Subscribe()
	unsub()

	_, err := w.Emit(ctx, TypeLog, jsonval.FromMessage("after unsub"))
	require.NoError(t, err)

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel must be closed after unsubscribe")
	case <-time.After(time.Second):
		t.Fatal("expected channel to be closed promptly")
	}
}
