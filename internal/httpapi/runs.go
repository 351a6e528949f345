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
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/flowkeep/flowkeep/internal/apierr"
	"github.com/flowkeep/flowkeep/internal/jsonval"
	"github.com/flowkeep/flowkeep/internal/orchestrator"
	"github.com/flowkeep/flowkeep/internal/store"
	"github.com/flowkeep/flowkeep/internal/stream"
)

// RunsHandler handles run-related API requests. The same handler type
// serves both the general /v1/runs surface and the /v1/code-mode alias;
// defaultKind pins the workflow kind for routes that don't accept one in
// the request body.
type RunsHandler struct {
	orch        *orchestrator.Orchestrator
	store       store.Store
	stream      *stream.Handler
	defaultKind store.RunKind
}

// NewRunsHandler builds a runs handler. defaultKind is used by the
// code-mode alias routes, which don't accept a kind in the request body.
func NewRunsHandler(orch *orchestrator.Orchestrator, st store.Store, streamHandler *stream.Handler, defaultKind store.RunKind) *RunsHandler {
	return &RunsHandler{orch: orch, store: st, stream: streamHandler, defaultKind: defaultKind}
}

// registerResearchAndImplementation registers the general /v1/runs surface,
// which accepts any workflow kind in the request body.
func (h *RunsHandler) registerResearchAndImplementation(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/runs", h.handleCreate)
	mux.HandleFunc("GET /v1/runs", h.handleList)
	mux.HandleFunc("GET /v1/runs/{id}", h.handleGet)
	mux.HandleFunc("POST /v1/runs/{id}/cancel", h.handleCancel)
	mux.HandleFunc("GET /v1/runs/{id}/stream", h.handleStream)
	mux.HandleFunc("POST /v1/runs/{id}/approvals/{scope}", h.handleApprove)
}

// registerCodeMode registers the /v1/code-mode alias: syntactic sugar over
// the same orchestrator that always starts a code_mode run, per
// SPEC_FULL.md's description of the interactive-session surface.
func (h *RunsHandler) registerCodeMode(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/code-mode", h.handleCreate)
	mux.HandleFunc("POST /v1/code-mode/{id}/cancel", h.handleCancel)
	mux.HandleFunc("GET /v1/code-mode/{id}/stream", h.handleStream)
}

// CreateRunRequest is the request body for starting a run. Kind is ignored
// on the /v1/code-mode alias, which always starts a code_mode run.
type CreateRunRequest struct {
	ProjectID string        `json:"project_id"`
	Kind      store.RunKind `json:"kind,omitempty"`
	Metadata  jsonval.Value `json:"metadata"`
}

// CreateRunResponse is the literal body spec.md §6 names for a successful
// create: {run_id, workflow_run_id}. workflow_run_id is assigned
// synchronously in StartRun, so it is always non-empty here.
type CreateRunResponse struct {
	RunID         string `json:"run_id"`
	WorkflowRunID string `json:"workflow_run_id"`
}

func (h *RunsHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "project_id is required")
		return
	}

	kind := req.Kind
	if h.defaultKind == store.RunKindCodeMode {
		kind = store.RunKindCodeMode
	}
	if kind == "" {
		writeError(w, http.StatusBadRequest, "kind is required")
		return
	}

	run, err := h.orch.StartRun(r.Context(), orchestrator.StartRequest{
		ProjectID: req.ProjectID,
		Kind:      kind,
		Metadata:  req.Metadata,
	})
	if err != nil {
		if errors.Is(err, orchestrator.ErrDraining) {
			w.Header().Set("Retry-After", "10")
			writeError(w, http.StatusServiceUnavailable, "flowkeepd is shutting down gracefully")
			return
		}
		if errors.Is(err, orchestrator.ErrUnknownKind) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeAPIError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, CreateRunResponse{RunID: run.ID, WorkflowRunID: run.WorkflowRunID})
}

func (h *RunsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *RunsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	lister, ok := h.store.(store.RunLister)
	if !ok {
		writeError(w, http.StatusNotImplemented, "run listing is not supported by this store")
		return
	}

	filter := store.RunFilter{
		ProjectID: r.URL.Query().Get("project_id"),
		Status:    store.RunStatus(r.URL.Query().Get("status")),
		Kind:      store.RunKind(r.URL.Query().Get("kind")),
	}
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil {
		filter.Offset = offset
	}

	runs, err := lister.ListRuns(r.Context(), filter)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *RunsHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.CancelRun(r.Context(), r.PathValue("id")); err != nil {
		writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ApproveRequest is the request body for recording an approval decision.
type ApproveRequest struct {
	ApprovedBy string `json:"approved_by"`
}

// handleApprove records a decision for a pending approval (run_id, scope).
// This is a supplement beyond spec.md §6's literal endpoint list: the data
// model (§3) defines Approval as a first-class entity gated by a waiting
// step, and SPEC_FULL.md's implementation plan exercises it, so there must
// be a way for a caller to actually approve one.
func (h *RunsHandler) handleApprove(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	scope := r.PathValue("scope")

	var req ApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ApprovedBy == "" {
		writeError(w, http.StatusBadRequest, "approved_by is required")
		return
	}

	approvals, ok := h.store.(store.ApprovalStore)
	if !ok {
		writeError(w, http.StatusNotImplemented, "approvals are not supported by this store")
		return
	}
	if _, err := approvals.GetApproval(r.Context(), runID, scope); err != nil {
		writeAPIError(w, err)
		return
	}
	if err := approvals.ApproveApproval(r.Context(), runID, scope, req.ApprovedBy); err != nil {
		writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RunsHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	var startIndex int64
	if raw := r.URL.Query().Get("startIndex"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "startIndex must be an integer")
			return
		}
		startIndex = parsed
	}

	if _, err := h.store.GetRun(r.Context(), runID); err != nil {
		if apierr.Is(err, apierr.CodeNotFound) {
			writeAPIError(w, err)
			return
		}
	}

	h.stream.ServeStream(w, r, runID, startIndex)
}
