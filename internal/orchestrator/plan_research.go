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
	"strings"

	"github.com/flowkeep/flowkeep/internal/apierr"
	"github.com/flowkeep/flowkeep/internal/capability/inference"
	"github.com/flowkeep/flowkeep/internal/jsonval"
	"github.com/flowkeep/flowkeep/internal/store"
)

// researchPlan: gather -> synthesize -> cite, matching spec.md §4.F.
var researchPlan = []StepDef{
	{ID: "gather", Kind: store.StepKindLLM, Name: "Gather sources", Body: stepGather},
	{ID: "synthesize", Kind: store.StepKindLLM, Name: "Synthesize findings", Body: stepSynthesize},
	{ID: "cite", Kind: store.StepKindTool, Name: "Attach citations", Body: stepCite},
}

func stepGather(rc *RunContext) (jsonval.Value, error) {
	if err := requireMetadata(rc.Run.Metadata, "topic"); err != nil {
		return jsonval.Value{}, err
	}
	if rc.Caps.Inference == nil {
		return jsonval.Value{}, apierr.New(apierr.CodeEnvInvalid, "no inference provider configured")
	}
	topic := metadataString(rc.Run.Metadata, "topic")

	rc.EmitStatus(fmt.Sprintf("Gathering sources for %q.", topic))
	resp, err := rc.Caps.Inference.Complete(rc.Ctx, inference.Request{
		Model:     "claude-sonnet-4-5",
		System:    "You are a research assistant. List the most relevant facts and sources for the given topic, one per line, citing a URL where you have one.",
		Messages:  []inference.Message{{Role: "user", Content: topic}},
		MaxTokens: 1536,
	})
	if err != nil {
		return jsonval.Value{}, err
	}
	rc.EmitAssistantDelta(resp.Text)

	out := jsonval.NewObject()
	out.Set("findings", jsonval.String(resp.Text))
	out.Set("inputTokens", jsonval.Number(float64(resp.Usage.InputTokens)))
	out.Set("outputTokens", jsonval.Number(float64(resp.Usage.OutputTokens)))
	return out, nil
}

func stepSynthesize(rc *RunContext) (jsonval.Value, error) {
	if rc.Caps.Inference == nil {
		return jsonval.Value{}, apierr.New(apierr.CodeEnvInvalid, "no inference provider configured")
	}
	findings := scratchString(rc, "gather", "findings")

	rc.EmitStatus("Synthesizing findings.")
	resp, err := rc.Caps.Inference.Complete(rc.Ctx, inference.Request{
		Model:     "claude-sonnet-4-5",
		System:    "Synthesize the following research findings into a coherent, well-organized summary.",
		Messages:  []inference.Message{{Role: "user", Content: findings}},
		MaxTokens: 2048,
	})
	if err != nil {
		return jsonval.Value{}, err
	}
	rc.EmitAssistantDelta(resp.Text)

	out := jsonval.NewObject()
	out.Set("summary", jsonval.String(resp.Text))
	return out, nil
}

func stepCite(rc *RunContext) (jsonval.Value, error) {
	summary := scratchString(rc, "synthesize", "summary")

	input := jsonval.NewObject()
	input.Set("text", jsonval.String(summary))
	rc.EmitToolCall("citation-extractor", input)

	citations := extractCitations(summary)
	arr := make([]jsonval.Value, len(citations))
	for i, c := range citations {
		arr[i] = jsonval.String(c)
	}

	rc.EmitToolResult("citation-extractor", fmt.Sprintf("%d citation(s) extracted", len(citations)))

	out := jsonval.NewObject()
	out.Set("citations", jsonval.Array(arr))
	return out, nil
}

// extractCitations pulls bare URLs out of free-form text. It is a simple
// heuristic, not a general link parser: good enough to surface the sources
// a model already wrote inline.
func extractCitations(text string) []string {
	var citations []string
	seen := map[string]bool{}
	for _, field := range strings.Fields(text) {
		trimmed := strings.Trim(field, "()[],.;\"'")
		if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
			if !seen[trimmed] {
				seen[trimmed] = true
				citations = append(citations, trimmed)
			}
		}
	}
	return citations
}
