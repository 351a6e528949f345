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
	"github.com/flowkeep/flowkeep/internal/jsonval"
	"github.com/flowkeep/flowkeep/internal/store"
)

// StepBody is one step's executable logic. It returns the step's outputs on
// success; a returned error is classified by the driver into a failed step
// (unless the run was canceled mid-body, which always wins).
type StepBody func(rc *RunContext) (jsonval.Value, error)

// StepDef is one entry in a workflow kind's static plan.
type StepDef struct {
	ID   string
	Kind store.StepKind
	Name string
	Body StepBody
}

// plans is the registry of workflow-kind plans spec.md §4.F and §9 call
// for: kind -> ordered step list, no reflection, no dynamic branching.
var plans = map[store.RunKind][]StepDef{
	store.RunKindResearch:       researchPlan,
	store.RunKindImplementation: implementationPlan,
	store.RunKindCodeMode:       codeModePlan,
}
