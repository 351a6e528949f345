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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowkeep/flowkeep/internal/jsonval"
	"github.com/flowkeep/flowkeep/internal/store"
)

// TestApprovalStepWaitsThenProceedsOnApproval exercises the approval-gated
// step pattern: the step parks in "waiting" with a pending approvals row
// until a decision is recorded out of band, then the run completes.
func TestApprovalStepWaitsThenProceedsOnApproval(t *testing.T) {
	origInterval := mergeApprovalPollIntervalForTest(50 * time.Millisecond)
	defer origInterval()

	withPlan(t, store.RunKindResearch, []StepDef{
		{ID: "await-merge-approval", Kind: store.StepKindApproval, Name: "Await merge approval", Body: stepAwaitMergeApproval},
	})

	be := newTestBackend(t)
	o := New(be, Capabilities{}, nil)

	meta := jsonval.NewObject()
	meta.Set("owner", jsonval.String("acme"))
	meta.Set("repo", jsonval.String("widgets"))
	run, err := o.StartRun(context.Background(), StartRequest{ProjectID: "p", Kind: store.RunKindResearch, Metadata: meta})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := be.GetStep(context.Background(), run.ID, "await-merge-approval")
		return err == nil && s.Status == store.StatusWaiting
	}, 2*time.Second, 10*time.Millisecond, "step must reach waiting before a decision is recorded")

	approval, err := be.GetApproval(context.Background(), run.ID, mergeApprovalScope)
	require.NoError(t, err)
	assert.Nil(t, approval.ApprovedAt)

	require.NoError(t, be.ApproveApproval(context.Background(), run.ID, mergeApprovalScope, "reviewer@acme.test"))

	final := waitForTerminal(t, be, run.ID, 5*time.Second)
	assert.Equal(t, store.StatusSucceeded, final.Status)

	step, err := be.GetStep(context.Background(), run.ID, "await-merge-approval")
	require.NoError(t, err)
	assert.Equal(t, store.StatusSucceeded, step.Status)
}

// TestApprovalStepCancelsCleanlyWhileWaiting ensures a run canceled while
// parked in a waiting approval step ends canceled, never failed.
func TestApprovalStepCancelsCleanlyWhileWaiting(t *testing.T) {
	origInterval := mergeApprovalPollIntervalForTest(50 * time.Millisecond)
	defer origInterval()

	withPlan(t, store.RunKindResearch, []StepDef{
		{ID: "await-merge-approval", Kind: store.StepKindApproval, Name: "Await merge approval", Body: stepAwaitMergeApproval},
	})

	be := newTestBackend(t)
	o := New(be, Capabilities{}, nil)

	meta := jsonval.NewObject()
	meta.Set("owner", jsonval.String("acme"))
	meta.Set("repo", jsonval.String("widgets"))
	run, err := o.StartRun(context.Background(), StartRequest{ProjectID: "p", Kind: store.RunKindResearch, Metadata: meta})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := be.GetStep(context.Background(), run.ID, "await-merge-approval")
		return err == nil && s.Status == store.StatusWaiting
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, o.CancelRun(context.Background(), run.ID))

	final := waitForTerminal(t, be, run.ID, 5*time.Second)
	assert.Equal(t, store.StatusCanceled, final.Status)
}

// mergeApprovalPollIntervalForTest swaps the package-level poll interval for
// the duration of a test and returns a restore func. mergeApprovalPollInterval
// is a const, so this instead exposes a package variable indirection via
// mergeApprovalPollIntervalVar for tests to override.
func mergeApprovalPollIntervalForTest(d time.Duration) func() {
	orig := mergeApprovalPollIntervalVar
	mergeApprovalPollIntervalVar = d
	return func() { mergeApprovalPollIntervalVar = orig }
}
