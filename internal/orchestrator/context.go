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

package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/flowkeep/flowkeep/internal/apierr"
	"github.com/flowkeep/flowkeep/internal/capability/githost"
	"github.com/flowkeep/flowkeep/internal/capability/inference"
	"github.com/flowkeep/flowkeep/internal/capability/objectstore"
	"github.com/flowkeep/flowkeep/internal/eventlog"
	"github.com/flowkeep/flowkeep/internal/jsonval"
	"github.com/flowkeep/flowkeep/internal/sandbox"
	"github.com/flowkeep/flowkeep/internal/store"
)

// Capabilities are the external collaborators a step body may call. Every
// field is optional; a step that needs one it wasn't given fails with
// env_invalid rather than a nil pointer panic.
type Capabilities struct {
	Inference inference.Provider
	GitHost   githost.Host
	Sandbox   *sandbox.Manager
	Objects   objectstore.Store
}

// maxPayloadChars bounds tool-result and log payload text. Beyond this, the
// text is truncated with a trailing ellipsis and the event carries
// payloadTruncated:true, matching the cap the original transcript/output
// rendering used.
const maxPayloadChars = 5000

// RunContext is handed to every step body. It carries the run, the event
// writer, the capability set, and a scratch space for passing step outputs
// to later steps within the same execution without re-reading the store.
type RunContext struct {
	Ctx    context.Context
	Run    *store.Run
	Writer *eventlog.Writer
	Caps   Capabilities
	Logger *slog.Logger

	// Store gives a step body direct access to the Run Store for the few
	// step kinds that need more than begin/finish — an approval step
	// polling internal/store's ApprovalStore for a recorded decision.
	Store store.Store

	// Scratch holds each completed step's outputs keyed by step ID, for
	// steps later in the same plan to read without a store round-trip.
	Scratch map[string]jsonval.Value

	// Sessions holds live, non-serializable sandbox sessions keyed by a
	// plan-local name, so a later step can reuse one a prior step opened.
	Sessions map[string]*sandbox.Session
}

func (rc *RunContext) emit(typ eventlog.Type, payload jsonval.Value) {
	if _, err := rc.Writer.Emit(rc.Ctx, typ, payload); err != nil {
		rc.Logger.Warn("failed to emit event", slog.String("type", string(typ)), slog.Any("error", err))
	}
}

// EmitStatus emits a coarse, user-visible status line.
func (rc *RunContext) EmitStatus(message string) {
	payload := jsonval.NewObject()
	payload.Set("message", jsonval.String(message))
	payload.Set("timestamp", jsonval.String(time.Now().UTC().Format(time.RFC3339)))
	rc.emit(eventlog.TypeStatus, payload)
}

// EmitLog appends a raw text line, truncated past maxPayloadChars.
func (rc *RunContext) EmitLog(data string) {
	text, truncated := truncateText(data)
	payload := jsonval.NewObject()
	payload.Set("data", jsonval.String(text))
	if truncated {
		payload.Set("payloadTruncated", jsonval.Bool(true))
	}
	rc.emit(eventlog.TypeLog, payload)
}

// EmitAssistantDelta emits an incremental chunk of assistant text.
func (rc *RunContext) EmitAssistantDelta(textDelta string) {
	payload := jsonval.NewObject()
	payload.Set("textDelta", jsonval.String(textDelta))
	rc.emit(eventlog.TypeAssistantDelta, payload)
}

// EmitToolCall reports that the model invoked a tool.
func (rc *RunContext) EmitToolCall(toolName string, input jsonval.Value) {
	payload := jsonval.NewObject()
	payload.Set("toolName", jsonval.String(toolName))
	payload.Set("input", input)
	rc.emit(eventlog.TypeToolCall, payload)
}

// EmitToolResult reports a tool's output, truncated past maxPayloadChars.
func (rc *RunContext) EmitToolResult(toolName, output string) {
	text, truncated := truncateText(output)
	payload := jsonval.NewObject()
	payload.Set("toolName", jsonval.String(toolName))
	payload.Set("output", jsonval.String(text))
	if truncated {
		payload.Set("payloadTruncated", jsonval.Bool(true))
	}
	rc.emit(eventlog.TypeToolResult, payload)
}

// EmitExit reports a sandbox command's exit code.
func (rc *RunContext) EmitExit(exitCode int) {
	payload := jsonval.NewObject()
	payload.Set("exitCode", jsonval.Number(float64(exitCode)))
	rc.emit(eventlog.TypeExit, payload)
}

func truncateText(s string) (string, bool) {
	r := []rune(s)
	if len(r) <= maxPayloadChars {
		return s, false
	}
	return string(r[:maxPayloadChars]) + "…", true
}

func metadataString(meta jsonval.Value, key string) string {
	v, ok := meta.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.AsString()
	return s
}

func scratchString(rc *RunContext, stepID, key string) string {
	v, ok := rc.Scratch[stepID]
	if !ok {
		return ""
	}
	field, ok := v.Get(key)
	if !ok {
		return ""
	}
	s, _ := field.AsString()
	return s
}

func requireMetadata(meta jsonval.Value, keys ...string) error {
	var missing []string
	for _, k := range keys {
		if metadataString(meta, k) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return apierr.New(apierr.CodeBadRequest, "run metadata missing required field(s): "+strings.Join(missing, ", "))
	}
	return nil
}
