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

package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/flowkeep/flowkeep/internal/apierr"
	"github.com/flowkeep/flowkeep/pkg/httpclient"
)

const (
	anthropicBaseURL    = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
)

// AnthropicProvider implements Provider against Anthropic's Messages API.
type AnthropicProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewAnthropicProvider builds a provider from an API key. The HTTP client
// is built with pkg/httpclient's retry/timeout defaults, with retries
// disabled: a non-idempotent completion call is not safe to silently
// re-send on the client's own initiative.
func NewAnthropicProvider(apiKey string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, apierr.New(apierr.CodeEnvInvalid, "anthropic api key is required")
	}

	cfg := httpclient.DefaultConfig()
	cfg.Timeout = 120 * time.Second
	cfg.UserAgent = "flowkeep-inference/1.0"
	cfg.RetryAttempts = 0

	client, err := httpclient.New(cfg)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeEnvInvalid, "failed to build anthropic http client", err)
	}

	return &AnthropicProvider{apiKey: apiKey, baseURL: anthropicBaseURL, httpClient: client}, nil
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	Content []anthropicContentBlock `json:"content"`
	Usage   anthropicUsage          `json:"usage"`
}

type anthropicErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends one Messages API request and flattens the text content
// blocks into a single string.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (Response, error) {
	messages := make([]anthropicMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = anthropicMessage{Role: m.Role, Content: m.Content}
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	apiReq := anthropicRequest{
		Model:       req.Model,
		System:      req.System,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}
	body, err := json.Marshal(apiReq)
	if err != nil {
		return Response{}, apierr.Wrap(apierr.CodeBadRequest, "failed to marshal completion request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return Response{}, apierr.Wrap(apierr.CodeBadRequest, "failed to build completion request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, apierr.Wrap(apierr.CodeUpstreamTimeout, "completion request timed out", err)
		}
		return Response{}, apierr.Wrap(apierr.CodeBadGateway, "completion request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, apierr.Wrap(apierr.CodeBadGateway, "failed to read completion response", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp anthropicErrorResponse
		message := fmt.Sprintf("anthropic request failed with status %d", resp.StatusCode)
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Message != "" {
			message = errResp.Error.Message
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			return Response{}, apierr.New(apierr.CodeRateLimited, message)
		}
		return Response{}, apierr.New(apierr.CodeBadGateway, message)
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return Response{}, apierr.Wrap(apierr.CodeBadGateway, "failed to parse completion response", err)
	}

	var text bytes.Buffer
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return Response{
		Text: text.String(),
		Usage: Usage{
			InputTokens:  apiResp.Usage.InputTokens,
			OutputTokens: apiResp.Usage.OutputTokens,
		},
	}, nil
}
