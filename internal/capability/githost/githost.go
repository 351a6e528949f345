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

// Package githost defines the capability boundary for the "open-pr" step
// of the implementation workflow plan, plus a GitHub REST adapter built on
// raw net/http calls through pkg/httpclient, grounded on the teacher's
// internal/integration/github package (hand-rolled REST, not a generated
// client).
package githost

import "context"

// PullRequest is the subset of a GitHub pull request the orchestrator
// needs to report back to the caller and persist on the run.
type PullRequest struct {
	Number  int
	HTMLURL string
	State   string
}

// Host is the minimal surface the implementation plan's open-pr step
// depends on.
type Host interface {
	GetDefaultBranch(ctx context.Context, owner, repo string) (string, error)
	OpenPullRequest(ctx context.Context, owner, repo, title, body, head, base string) (PullRequest, error)
}
