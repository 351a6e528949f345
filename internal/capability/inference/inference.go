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

// Package inference defines the capability boundary for the "llm" step
// kind (spec.md §1's "referenced only through their contracts") and a
// concrete Anthropic Messages API adapter, hand-rolled over net/http and
// pkg/httpclient the way the teacher's pkg/llm/providers/anthropic.go does,
// rather than pulling in the official SDK.
package inference

import (
	"context"
)

// Message is one turn in a completion request.
type Message struct {
	Role    string
	Content string
}

// Request is a minimal completion request: the step kind needs text in,
// text (plus usage) out, not the full streaming/tool-call surface the
// teacher's llm package exposes.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Usage reports token accounting for a completion.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is a completed model turn.
type Response struct {
	Text  string
	Usage Usage
}

// Provider completes a single request. Implementations map provider-specific
// failures onto apierr codes (bad_gateway, upstream_timeout) at the call
// site in internal/orchestrator.
type Provider interface {
	Complete(ctx context.Context, req Request) (Response, error)
}
