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

// Package httpapi is the HTTP surface: the only public boundary of the
// core, per spec.md §6. Grounded on the teacher's internal/daemon/api
// package layout (one handler type per resource, routes registered on a
// shared *http.ServeMux) and internal/daemon/httputil's response helpers.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/flowkeep/flowkeep/internal/log"
	"github.com/flowkeep/flowkeep/internal/orchestrator"
	"github.com/flowkeep/flowkeep/internal/store"
	"github.com/flowkeep/flowkeep/internal/stream"
	"github.com/flowkeep/flowkeep/internal/tracing"
)

// RouterConfig holds the version metadata served on the root route.
type RouterConfig struct {
	Version   string
	Commit    string
	BuildDate string
}

// Router wraps an http.ServeMux with the middleware chain the teacher's
// daemon applies to every request: trace-context extraction, span
// creation, correlation-ID propagation, and request logging, innermost
// to outermost.
type Router struct {
	mux    *http.ServeMux
	config RouterConfig
	logger *slog.Logger
}

// NewRouter builds the flowkeep HTTP surface over an orchestrator, store,
// and SSE stream handler. Runs and code-mode sessions share the same
// orchestrator; /code-mode routes are a thin alias into the code_mode
// workflow kind, per SPEC_FULL.md.
func NewRouter(cfg RouterConfig, orch *orchestrator.Orchestrator, st store.Store, streamHandler *stream.Handler, logger *slog.Logger) *Router {
	if logger == nil {
		logger = log.New(log.FromEnv())
	}

	r := &Router{mux: http.NewServeMux(), config: cfg, logger: logger}

	runs := NewRunsHandler(orch, st, streamHandler, store.RunKindResearch)
	runs.registerResearchAndImplementation(r.mux)

	codeMode := NewRunsHandler(orch, st, streamHandler, store.RunKindCodeMode)
	codeMode.registerCodeMode(r.mux)

	r.mux.HandleFunc("GET /v1/health", r.handleHealth)
	r.mux.HandleFunc("GET /v1/version", r.handleVersion)
	r.mux.HandleFunc("GET /", r.handleRoot)

	return r
}

// Mux returns the underlying ServeMux for registering additional routes.
func (r *Router) Mux() *http.ServeMux { return r.mux }

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var handler http.Handler = r.mux

	innerHandler := handler
	handler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		correlationID := tracing.FromContextOrEmpty(req.Context())
		logger := log.WithCorrelationID(r.logger, string(correlationID))

		defer func() {
			logger.Info("request completed",
				slog.String("method", req.Method),
				slog.String("path", req.URL.Path),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			)
		}()

		innerHandler.ServeHTTP(w, req)
	})

	handler = tracing.CorrelationMiddleware(handler)
	handler = tracing.TracingMiddleware(handler)
	handler = tracing.HTTPMiddleware(handler)

	handler.ServeHTTP(w, req)
}

func (r *Router) handleRoot(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    "flowkeepd",
		"version": r.config.Version,
	})
}

func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":    r.config.Version,
		"commit":     r.config.Commit,
		"build_date": r.config.BuildDate,
	})
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
