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
	"fmt"
	"time"

	"github.com/flowkeep/flowkeep/internal/apierr"
	"github.com/flowkeep/flowkeep/internal/capability/objectstore"
	"github.com/flowkeep/flowkeep/internal/jsonval"
	"github.com/flowkeep/flowkeep/internal/sandbox"
	"github.com/flowkeep/flowkeep/internal/store"
	sandboxpkg "github.com/flowkeep/flowkeep/pkg/security/sandbox"
	"github.com/flowkeep/flowkeep/pkg/tools/approval"
)

// codeModePlan: session -> summary-artifact, matching spec.md §4.F. This is
// the syntactic-sugar workflow the /code-mode HTTP routes delegate into.
var codeModePlan = []StepDef{
	{ID: "session", Kind: store.StepKindSandbox, Name: "Run interactive session", Body: stepCodeSession},
	{ID: "summary-artifact", Kind: store.StepKindTool, Name: "Persist session summary", Body: stepSummaryArtifact},
}

const codeSessionKey = "code"

func stepCodeSession(rc *RunContext) (jsonval.Value, error) {
	if rc.Caps.Sandbox == nil {
		return jsonval.Value{}, apierr.New(apierr.CodeEnvInvalid, "no sandbox manager configured")
	}
	commands := metadataCommands(rc.Run.Metadata)
	if len(commands) == 0 {
		return jsonval.Value{}, apierr.New(apierr.CodeBadRequest, "code_mode run metadata requires a non-empty commands list")
	}

	allowlist := metadataAllowlist(rc.Run.Metadata)
	policy := sandbox.Policy{AllowedCommands: allowlist}
	cfg := sandboxpkg.Config{
		WorkflowID:  rc.Run.ID,
		NetworkMode: sandboxpkg.NetworkNone,
		Timeout:     30 * time.Minute,
	}

	sess, err := rc.Caps.Sandbox.StartSession(rc.Ctx, rc.Run.ID, rc.Run.ProjectID, "session", "code_mode.session", cfg, policy)
	if err != nil {
		return jsonval.Value{}, err
	}
	rc.Sessions[codeSessionKey] = sess

	// The server drives code-mode unattended (no terminal to prompt a
	// human), so an unattended approver gates each command against the same
	// allowlist the sandbox policy enforces — a second, independent check
	// ahead of the one run_command itself makes, per §4.E's "bypasses at
	// any layer are a bug".
	autoApproved := make(map[string]bool, len(allowlist))
	for _, cmd := range allowlist {
		autoApproved[cmd] = true
	}
	approver := approval.NewUnattendedApprover(autoApproved)

	var lastExit int
	for _, c := range commands {
		input := jsonval.NewObject()
		input.Set("cmd", jsonval.String(c.Cmd))
		input.Set("args", jsonval.Array(stringsToValues(c.Args)))
		rc.EmitToolCall(c.Cmd, input)

		approved, err := approver.Approve(rc.Ctx, c.Cmd, "sandboxed command execution", map[string]interface{}{"args": c.Args})
		if err != nil {
			return jsonval.Value{}, apierr.Wrap(apierr.CodeForbidden, fmt.Sprintf("command %q was not approved", c.Cmd), err)
		}
		if !approved {
			return jsonval.Value{}, apierr.New(apierr.CodeForbidden, fmt.Sprintf("command %q was not approved", c.Cmd))
		}

		result, err := sess.RunCommand(rc.Ctx, sandbox.CommandRequest{Cmd: c.Cmd, Args: c.Args, Timeout: 5 * time.Minute})
		if err != nil {
			return jsonval.Value{}, err
		}
		lastExit = result.ExitCode
		rc.EmitLog(string(result.Output))
		rc.EmitToolResult(c.Cmd, string(result.Output))
		rc.EmitExit(result.ExitCode)
	}

	out := jsonval.NewObject()
	out.Set("sandboxJobId", jsonval.String(sess.Job().ID))
	out.Set("commandCount", jsonval.Number(float64(len(commands))))
	out.Set("lastExitCode", jsonval.Number(float64(lastExit)))
	return out, nil
}

func stepSummaryArtifact(rc *RunContext) (jsonval.Value, error) {
	sess, ok := rc.Sessions[codeSessionKey]
	if !ok {
		return jsonval.Value{}, apierr.New(apierr.CodeConflict, "no code session for this run")
	}

	lastExit := 0
	if v, ok := rc.Scratch["session"].Get("lastExitCode"); ok {
		if n, ok := v.AsNumber(); ok {
			lastExit = int(n)
		}
	}
	finalStatus := store.StatusSucceeded
	if lastExit != 0 {
		finalStatus = store.StatusFailed
	}
	if err := sess.Finalize(rc.Ctx, lastExit, finalStatus); err != nil {
		rc.Logger.Warn("failed to finalize code session", "error", err)
	}

	summary := fmt.Sprintf("code_mode run %s: %d command(s), last exit code %d", rc.Run.ID, commandCountFromScratch(rc), lastExit)

	out := jsonval.NewObject()
	if rc.Caps.Objects != nil {
		ref, err := rc.Caps.Objects.Put(rc.Ctx, objectstore.NewKey(fmt.Sprintf("code-mode/%s", rc.Run.ID)), []byte(summary))
		if err != nil {
			rc.Logger.Warn("failed to persist session summary artifact", "error", err)
		} else {
			out.Set("summaryRef", jsonval.String(ref))
		}
	}
	out.Set("summary", jsonval.String(summary))
	return out, nil
}

func commandCountFromScratch(rc *RunContext) int {
	v, ok := rc.Scratch["session"].Get("commandCount")
	if !ok {
		return 0
	}
	n, _ := v.AsNumber()
	return int(n)
}

type sandboxCommand struct {
	Cmd  string
	Args []string
}

// metadataCommands reads run.metadata.commands, an array of {cmd, args[]}
// objects, into the sandbox command list for the code_mode session step.
func metadataCommands(meta jsonval.Value) []sandboxCommand {
	field, ok := meta.Get("commands")
	if !ok {
		return nil
	}
	items, ok := field.AsArray()
	if !ok {
		return nil
	}

	var commands []sandboxCommand
	for _, item := range items {
		cmdField, ok := item.Get("cmd")
		if !ok {
			continue
		}
		cmd, _ := cmdField.AsString()
		if cmd == "" {
			continue
		}
		var args []string
		if argsField, ok := item.Get("args"); ok {
			if argItems, ok := argsField.AsArray(); ok {
				for _, a := range argItems {
					if s, ok := a.AsString(); ok {
						args = append(args, s)
					}
				}
			}
		}
		commands = append(commands, sandboxCommand{Cmd: cmd, Args: args})
	}
	return commands
}

// metadataAllowlist reads run.metadata.allowedCommands, falling back to the
// distinct set of commands actually requested when absent.
func metadataAllowlist(meta jsonval.Value) []string {
	field, ok := meta.Get("allowedCommands")
	if !ok {
		return distinctCommands(metadataCommands(meta))
	}
	items, ok := field.AsArray()
	if !ok {
		return distinctCommands(metadataCommands(meta))
	}
	var allowed []string
	for _, v := range items {
		if s, ok := v.AsString(); ok {
			allowed = append(allowed, s)
		}
	}
	return allowed
}

func distinctCommands(commands []sandboxCommand) []string {
	seen := map[string]bool{}
	var out []string
	for _, c := range commands {
		if !seen[c.Cmd] {
			seen[c.Cmd] = true
			out = append(out, c.Cmd)
		}
	}
	return out
}

func stringsToValues(ss []string) []jsonval.Value {
	vs := make([]jsonval.Value, len(ss))
	for i, s := range ss {
		vs[i] = jsonval.String(s)
	}
	return vs
}
