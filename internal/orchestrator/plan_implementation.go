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
	"github.com/flowkeep/flowkeep/internal/capability/inference"
	"github.com/flowkeep/flowkeep/internal/jsonval"
	sandboxpkg "github.com/flowkeep/flowkeep/pkg/security/sandbox"

	"github.com/flowkeep/flowkeep/internal/sandbox"
	"github.com/flowkeep/flowkeep/internal/store"
)

// implementationPlan: preflight -> repo-context -> sandbox-checkout ->
// plan -> patch -> verify -> await-merge-approval -> open-pr, matching
// spec.md §4.F plus the approval-gated-step pattern resolved in §9's open
// questions: a distinct "approval" step kind with a waiting intermediate
// status, rather than an inline orchestrator wait, so the pending decision
// is a visible row and cancels the same way any other non-terminal step does.
var implementationPlan = []StepDef{
	{ID: "preflight", Kind: store.StepKindTool, Name: "Preflight checks", Body: stepPreflight},
	{ID: "repo-context", Kind: store.StepKindTool, Name: "Fetch repository context", Body: stepRepoContext},
	{ID: "sandbox-checkout", Kind: store.StepKindSandbox, Name: "Check out repository", Body: stepSandboxCheckout},
	{ID: "plan", Kind: store.StepKindLLM, Name: "Plan the change", Body: stepPlanChange},
	{ID: "patch", Kind: store.StepKindSandbox, Name: "Apply patch", Body: stepPatch},
	{ID: "verify", Kind: store.StepKindSandbox, Name: "Verify change", Body: stepVerify},
	{ID: "await-merge-approval", Kind: store.StepKindApproval, Name: "Await merge approval", Body: stepAwaitMergeApproval},
	{ID: "open-pr", Kind: store.StepKindTool, Name: "Open pull request", Body: stepOpenPR},
}

// mergeApprovalScope is the approval scope §3's example names: "repo.merge".
const mergeApprovalScope = "repo.merge"

// mergeApprovalPollIntervalVar governs how often stepAwaitMergeApproval
// re-reads the approvals table for a recorded decision. A real deployment
// would likely wake on a notification instead, but the store gives no such
// hook today, so this follows the external_poll step kind's own name. A
// package variable (not a const) so tests can shrink it instead of waiting
// out a production-sized interval.
var mergeApprovalPollIntervalVar = 2 * time.Second

const checkoutSessionKey = "checkout"

func stepPreflight(rc *RunContext) (jsonval.Value, error) {
	if err := requireMetadata(rc.Run.Metadata, "owner", "repo", "instructions"); err != nil {
		return jsonval.Value{}, err
	}
	if rc.Caps.GitHost == nil {
		return jsonval.Value{}, apierr.New(apierr.CodeEnvInvalid, "no git host configured")
	}
	if rc.Caps.Sandbox == nil {
		return jsonval.Value{}, apierr.New(apierr.CodeEnvInvalid, "no sandbox manager configured")
	}

	rc.EmitStatus("Preflight checks passed.")
	out := jsonval.NewObject()
	out.Set("owner", jsonval.String(metadataString(rc.Run.Metadata, "owner")))
	out.Set("repo", jsonval.String(metadataString(rc.Run.Metadata, "repo")))
	return out, nil
}

func stepRepoContext(rc *RunContext) (jsonval.Value, error) {
	owner := metadataString(rc.Run.Metadata, "owner")
	repo := metadataString(rc.Run.Metadata, "repo")

	branch, err := rc.Caps.GitHost.GetDefaultBranch(rc.Ctx, owner, repo)
	if err != nil {
		return jsonval.Value{}, err
	}
	rc.EmitStatus(fmt.Sprintf("Default branch is %q.", branch))

	out := jsonval.NewObject()
	out.Set("baseBranch", jsonval.String(branch))
	return out, nil
}

func stepSandboxCheckout(rc *RunContext) (jsonval.Value, error) {
	owner := metadataString(rc.Run.Metadata, "owner")
	repo := metadataString(rc.Run.Metadata, "repo")
	baseBranch := scratchString(rc, "repo-context", "baseBranch")

	policy := sandbox.Policy{AllowedCommands: []string{"git", "ls"}}
	cfg := sandboxpkg.Config{
		WorkflowID:  rc.Run.ID,
		NetworkMode: sandboxpkg.NetworkFiltered,
		AllowedHosts: []string{"github.com", "api.github.com"},
		Timeout: 20 * time.Minute,
	}

	sess, err := rc.Caps.Sandbox.StartSession(rc.Ctx, rc.Run.ID, rc.Run.ProjectID, "sandbox-checkout", "implementation.checkout", cfg, policy)
	if err != nil {
		return jsonval.Value{}, err
	}
	rc.Sessions[checkoutSessionKey] = sess

	cloneURL := fmt.Sprintf("https://github.com/%s/%s.git", owner, repo)
	result, err := sess.RunCommand(rc.Ctx, sandbox.CommandRequest{
		Cmd:  "git",
		Args: []string{"clone", "--branch", baseBranch, "--depth", "1", cloneURL, "."},
	})
	if err != nil {
		return jsonval.Value{}, err
	}
	rc.EmitToolResult("git-clone", string(result.Output))
	rc.EmitExit(result.ExitCode)

	headBranch := metadataString(rc.Run.Metadata, "headBranch")
	if headBranch == "" {
		headBranch = fmt.Sprintf("flowkeep/%s", rc.Run.ID)
	}
	if _, err := sess.RunCommand(rc.Ctx, sandbox.CommandRequest{Cmd: "git", Args: []string{"checkout", "-b", headBranch}}); err != nil {
		return jsonval.Value{}, err
	}

	out := jsonval.NewObject()
	out.Set("headBranch", jsonval.String(headBranch))
	out.Set("sandboxJobId", jsonval.String(sess.Job().ID))
	return out, nil
}

func stepPlanChange(rc *RunContext) (jsonval.Value, error) {
	if rc.Caps.Inference == nil {
		return jsonval.Value{}, apierr.New(apierr.CodeEnvInvalid, "no inference provider configured")
	}
	instructions := metadataString(rc.Run.Metadata, "instructions")

	rc.EmitStatus("Planning the change.")
	resp, err := rc.Caps.Inference.Complete(rc.Ctx, inference.Request{
		Model:     "claude-sonnet-4-5",
		System:    "Produce a concise, ordered plan of the file edits needed to satisfy the instructions. Do not write the diff yet.",
		Messages:  []inference.Message{{Role: "user", Content: instructions}},
		MaxTokens: 1536,
	})
	if err != nil {
		return jsonval.Value{}, err
	}
	rc.EmitAssistantDelta(resp.Text)

	out := jsonval.NewObject()
	out.Set("plan", jsonval.String(resp.Text))
	return out, nil
}

func stepPatch(rc *RunContext) (jsonval.Value, error) {
	sess, ok := rc.Sessions[checkoutSessionKey]
	if !ok {
		return jsonval.Value{}, apierr.New(apierr.CodeConflict, "no checked-out sandbox session for this run")
	}
	plan := scratchString(rc, "plan", "plan")

	if rc.Caps.Inference == nil {
		return jsonval.Value{}, apierr.New(apierr.CodeEnvInvalid, "no inference provider configured")
	}
	resp, err := rc.Caps.Inference.Complete(rc.Ctx, inference.Request{
		Model:     "claude-sonnet-4-5",
		System:    "Write a unified diff implementing the plan. Output only the diff.",
		Messages:  []inference.Message{{Role: "user", Content: plan}},
		MaxTokens: 4096,
	})
	if err != nil {
		return jsonval.Value{}, err
	}

	if err := sess.Box().WriteFile("flowkeep.patch", []byte(resp.Text)); err != nil {
		return jsonval.Value{}, apierr.Wrap(apierr.CodeBadGateway, "failed to write patch into sandbox", err)
	}

	result, err := sess.RunCommand(rc.Ctx, sandbox.CommandRequest{Cmd: "git", Args: []string{"apply", "flowkeep.patch"}})
	if err != nil {
		return jsonval.Value{}, err
	}
	rc.EmitToolResult("git-apply", string(result.Output))
	rc.EmitExit(result.ExitCode)

	out := jsonval.NewObject()
	out.Set("patchApplied", jsonval.Bool(true))
	return out, nil
}

func stepVerify(rc *RunContext) (jsonval.Value, error) {
	sess, ok := rc.Sessions[checkoutSessionKey]
	if !ok {
		return jsonval.Value{}, apierr.New(apierr.CodeConflict, "no checked-out sandbox session for this run")
	}

	result, err := sess.RunCommand(rc.Ctx, sandbox.CommandRequest{Cmd: "git", Args: []string{"diff", "--stat"}, Timeout: 10 * time.Minute})
	finalizeErr := sess.Finalize(rc.Ctx, resultExitCode(result), store.StatusSucceeded)
	if finalizeErr != nil {
		rc.Logger.Warn("failed to finalize sandbox session", "error", finalizeErr)
	}
	if err != nil {
		return jsonval.Value{}, err
	}
	rc.EmitToolResult("git-diff-stat", string(result.Output))
	rc.EmitExit(result.ExitCode)

	out := jsonval.NewObject()
	out.Set("verified", jsonval.Bool(true))
	return out, nil
}

func resultExitCode(r *sandbox.CommandResult) int {
	if r == nil {
		return -1
	}
	return r.ExitCode
}

func stepOpenPR(rc *RunContext) (jsonval.Value, error) {
	owner := metadataString(rc.Run.Metadata, "owner")
	repo := metadataString(rc.Run.Metadata, "repo")
	title := metadataString(rc.Run.Metadata, "title")
	if title == "" {
		title = "Automated change from flowkeep"
	}
	baseBranch := scratchString(rc, "repo-context", "baseBranch")
	headBranch := scratchString(rc, "sandbox-checkout", "headBranch")
	plan := scratchString(rc, "plan", "plan")

	pr, err := rc.Caps.GitHost.OpenPullRequest(rc.Ctx, owner, repo, title, plan, headBranch, baseBranch)
	if err != nil {
		return jsonval.Value{}, err
	}
	rc.EmitStatus(fmt.Sprintf("Opened pull request #%d.", pr.Number))

	out := jsonval.NewObject()
	out.Set("number", jsonval.Number(float64(pr.Number)))
	out.Set("htmlUrl", jsonval.String(pr.HTMLURL))
	out.Set("state", jsonval.String(pr.State))
	return out, nil
}

// stepAwaitMergeApproval registers a pending approval (idempotent per
// (run_id, scope), per spec.md §3) and blocks, polling the store, until a
// decision is recorded or the run is canceled. Cancellation surfaces as
// rc.Ctx.Err() here, which the driver's post-body stopped-channel check
// turns into the step's canceled status, never a failure.
func stepAwaitMergeApproval(rc *RunContext) (jsonval.Value, error) {
	owner := metadataString(rc.Run.Metadata, "owner")
	repo := metadataString(rc.Run.Metadata, "repo")

	approval, err := rc.Store.UpsertApproval(rc.Ctx, &store.Approval{
		RunID:         rc.Run.ID,
		ProjectID:     rc.Run.ProjectID,
		StepID:        "await-merge-approval",
		Scope:         mergeApprovalScope,
		IntentSummary: fmt.Sprintf("Merge the implementation branch into %s/%s.", owner, repo),
		Metadata:      jsonval.NewObject(),
	})
	if err != nil {
		return jsonval.Value{}, err
	}
	if approval.ApprovedAt != nil {
		rc.EmitStatus("Merge approval already recorded; proceeding.")
		return mergeApprovalOutputs(approval), nil
	}

	waiting := store.StatusWaiting
	notTerminal := []store.RunStatus{store.StatusSucceeded, store.StatusFailed, store.StatusCanceled}
	if err := rc.Store.UpdateStep(rc.Ctx, rc.Run.ID, "await-merge-approval", store.StepPatch{Status: &waiting}, notTerminal); err != nil {
		return jsonval.Value{}, err
	}
	rc.EmitStatus(fmt.Sprintf("Waiting for merge approval (scope %q).", mergeApprovalScope))

	ticker := time.NewTicker(mergeApprovalPollIntervalVar)
	defer ticker.Stop()
	for {
		select {
		case <-rc.Ctx.Done():
			return jsonval.Value{}, rc.Ctx.Err()
		case <-ticker.C:
			current, err := rc.Store.GetApproval(rc.Ctx, rc.Run.ID, mergeApprovalScope)
			if err != nil {
				return jsonval.Value{}, err
			}
			if current.ApprovedAt != nil {
				rc.EmitStatus(fmt.Sprintf("Merge approved by %s.", current.ApprovedBy))
				return mergeApprovalOutputs(current), nil
			}
		}
	}
}

func mergeApprovalOutputs(a *store.Approval) jsonval.Value {
	out := jsonval.NewObject()
	out.Set("scope", jsonval.String(a.Scope))
	out.Set("approvedBy", jsonval.String(a.ApprovedBy))
	return out
}
