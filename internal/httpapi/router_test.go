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

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowkeep/flowkeep/internal/jsonval"
	"github.com/flowkeep/flowkeep/internal/orchestrator"
	"github.com/flowkeep/flowkeep/internal/store"
	"github.com/flowkeep/flowkeep/internal/store/sqlite"
	"github.com/flowkeep/flowkeep/internal/stream"
)

func newTestRouter(t *testing.T) (*httptest.Server, *orchestrator.Orchestrator, *sqlite.Backend) {
	t.Helper()
	be, err := sqlite.New(sqlite.Config{Path: filepath.Join(t.TempDir(), "api.db")})
	require.NoError(t, err)
	t.Cleanup(func() { be.Close() })

	orch := orchestrator.New(be, orchestrator.Capabilities{}, nil)
	streamHandler := stream.NewHandler(be, be, orch.WriterLookup())
	router := NewRouter(RouterConfig{Version: "test"}, orch, be, streamHandler, nil)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, orch, be
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	return resp
}

func decodeRun(t *testing.T, resp *http.Response) store.Run {
	t.Helper()
	defer resp.Body.Close()
	var run store.Run
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
	return run
}

func TestHandleCreateRejectsMissingProjectID(t *testing.T) {
	srv, _, _ := newTestRouter(t)
	resp := postJSON(t, srv.URL+"/v1/runs", map[string]any{"kind": "research"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleCreateRejectsUnknownKind(t *testing.T) {
	srv, _, _ := newTestRouter(t)
	resp := postJSON(t, srv.URL+"/v1/runs", map[string]any{"project_id": "p", "kind": "not-a-real-kind"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleCreateStartsARunAndHandleGetReturnsIt(t *testing.T) {
	srv, _, be := newTestRouter(t)
	resp := postJSON(t, srv.URL+"/v1/runs", map[string]any{"project_id": "p", "kind": "research"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	run := decodeRun(t, resp)
	require.NotEmpty(t, run.ID)

	getResp, err := http.Get(srv.URL + "/v1/runs/" + run.ID)
	require.NoError(t, err)
	defer getResp.Body.Close()
	assert.Equal(t, http.StatusOK, getResp.StatusCode)
	got := decodeRun(t, getResp)
	assert.Equal(t, run.ID, got.ID)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r, err := be.GetRun(context.Background(), run.ID)
		require.NoError(t, err)
		if r.Status.Terminal() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestHandleCreateResponseBodyMatchesWireContract pins the literal JSON
// shape spec.md §6 promises for run creation: {run_id, workflow_run_id},
// both non-empty, with no Go-default field names leaking onto the wire.
func TestHandleCreateResponseBodyMatchesWireContract(t *testing.T) {
	srv, _, _ := newTestRouter(t)
	resp := postJSON(t, srv.URL+"/v1/runs", map[string]any{"project_id": "p", "kind": "research"})
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	runID, ok := body["run_id"]
	require.True(t, ok, "response must have a run_id key")
	var runIDStr string
	require.NoError(t, json.Unmarshal(runID, &runIDStr))
	assert.NotEmpty(t, runIDStr)

	workflowRunID, ok := body["workflow_run_id"]
	require.True(t, ok, "response must have a workflow_run_id key")
	var workflowRunIDStr string
	require.NoError(t, json.Unmarshal(workflowRunID, &workflowRunIDStr))
	assert.NotEmpty(t, workflowRunIDStr, "workflow_run_id must be assigned synchronously, before the response is sent")

	assert.Len(t, body, 2, "create response must be exactly {run_id, workflow_run_id}, not the full run entity")
}

// TestHandleGetResponseBodyUsesSpecFieldNames pins GET /v1/runs/{id}'s wire
// shape to spec.md §6: status, kind, created_at, by snake_case key.
func TestHandleGetResponseBodyUsesSpecFieldNames(t *testing.T) {
	srv, _, _ := newTestRouter(t)
	createResp := postJSON(t, srv.URL+"/v1/runs", map[string]any{"project_id": "p", "kind": "research"})
	defer createResp.Body.Close()
	var created CreateRunResponse
	require.NoError(t, json.NewDecoder(createResp.Body).Decode(&created))

	getResp, err := http.Get(srv.URL + "/v1/runs/" + created.RunID)
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)

	var body map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&body))
	for _, key := range []string{"status", "kind", "created_at", "run_id", "workflow_run_id"} {
		_, ok := body[key]
		assert.True(t, ok, "response must have a %q key", key)
	}

	var workflowRunID string
	require.NoError(t, json.Unmarshal(body["workflow_run_id"], &workflowRunID))
	assert.Equal(t, created.WorkflowRunID, workflowRunID)
}

func TestHandleGetUnknownRunReturns404(t *testing.T) {
	srv, _, _ := newTestRouter(t)
	resp, err := http.Get(srv.URL + "/v1/runs/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleCancelUnknownRunReturns404(t *testing.T) {
	srv, _, _ := newTestRouter(t)
	resp := postJSON(t, srv.URL+"/v1/runs/does-not-exist/cancel", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleCancelAcceptsKnownRun(t *testing.T) {
	srv, _, be := newTestRouter(t)
	require.NoError(t, be.CreateRun(context.Background(), &store.Run{
		ID: "r1", ProjectID: "p", Kind: store.RunKindResearch, Status: store.StatusPending, Metadata: jsonval.NewObject(),
	}))

	resp := postJSON(t, srv.URL+"/v1/runs/r1/cancel", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestHandleListFiltersByProjectID(t *testing.T) {
	srv, _, be := newTestRouter(t)
	ctx := context.Background()
	require.NoError(t, be.CreateRun(ctx, &store.Run{ID: "a", ProjectID: "p1", Kind: store.RunKindResearch, Status: store.StatusPending, Metadata: jsonval.NewObject()}))
	require.NoError(t, be.CreateRun(ctx, &store.Run{ID: "b", ProjectID: "p2", Kind: store.RunKindResearch, Status: store.StatusPending, Metadata: jsonval.NewObject()}))

	resp, err := http.Get(srv.URL + "/v1/runs?project_id=p1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var runs []store.Run
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "a", runs[0].ID)
}

func TestHandleCreateCodeModeIgnoresBodyKindAndAlwaysStartsCodeMode(t *testing.T) {
	srv, _, be := newTestRouter(t)
	resp := postJSON(t, srv.URL+"/v1/code-mode", map[string]any{"project_id": "p", "kind": "research"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	run := decodeRun(t, resp)

	got, err := be.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunKindCodeMode, got.Kind)
}

func TestHandleApproveRecordsDecisionAndRejectsUnknownApproval(t *testing.T) {
	srv, _, be := newTestRouter(t)
	ctx := context.Background()
	require.NoError(t, be.CreateRun(ctx, &store.Run{
		ID: "r1", ProjectID: "p", Kind: store.RunKindImplementation, Status: store.StatusRunning, Metadata: jsonval.NewObject(),
	}))

	missing := postJSON(t, srv.URL+"/v1/runs/r1/approvals/repo.merge", map[string]any{"approved_by": "reviewer"})
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)

	_, err := be.UpsertApproval(ctx, &store.Approval{
		RunID: "r1", ProjectID: "p", Scope: "repo.merge", IntentSummary: "merge it", Metadata: jsonval.NewObject(),
	})
	require.NoError(t, err)

	resp := postJSON(t, srv.URL+"/v1/runs/r1/approvals/repo.merge", map[string]any{"approved_by": "reviewer"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	approval, err := be.GetApproval(ctx, "r1", "repo.merge")
	require.NoError(t, err)
	require.NotNil(t, approval.ApprovedAt)
	assert.Equal(t, "reviewer", approval.ApprovedBy)
}

func TestHandleStreamUnknownRunReturns404(t *testing.T) {
	srv, _, _ := newTestRouter(t)
	resp, err := http.Get(srv.URL + "/v1/runs/does-not-exist/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthAndVersionEndpoints(t *testing.T) {
	srv, _, _ := newTestRouter(t)

	health, err := http.Get(srv.URL + "/v1/health")
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)

	version, err := http.Get(srv.URL + "/v1/version")
	require.NoError(t, err)
	defer version.Body.Close()
	assert.Equal(t, http.StatusOK, version.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(version.Body).Decode(&body))
	assert.Equal(t, "test", body["version"])
}
