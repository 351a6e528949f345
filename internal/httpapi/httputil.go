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
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/flowkeep/flowkeep/internal/apierr"
)

// writeJSON writes a JSON response, logging (but not failing the request
// further) if encoding fails partway through.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", slog.Any("error", err))
	}
}

// writeError writes a {"error": message} JSON body.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeAPIError maps err through apierr's HTTP status lookup. A taxonomy
// error's Message is user-safe by construction and is written verbatim;
// anything else that maps to 500 is masked so internal details never leak.
func writeAPIError(w http.ResponseWriter, err error) {
	status := apierr.HTTPStatus(err)
	var ae *apierr.Error
	if errors.As(err, &ae) {
		writeError(w, status, ae.Message)
		return
	}
	if status == http.StatusInternalServerError {
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}
