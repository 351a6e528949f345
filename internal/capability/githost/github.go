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

package githost

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

const githubAPIBaseURL = "https://api.github.com"

// GitHub is a Host adapter over the raw GitHub REST API.
type GitHub struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

// NewGitHub builds a GitHub adapter authenticated with a personal access
// token or GitHub App installation token.
func NewGitHub(token string) (*GitHub, error) {
	if token == "" {
		return nil, apierr.New(apierr.CodeEnvInvalid, "github token is required")
	}
	cfg := httpclient.DefaultConfig()
	cfg.Timeout = 30 * time.Second
	cfg.UserAgent = "flowkeep-githost/1.0"

	client, err := httpclient.New(cfg)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeEnvInvalid, "failed to build github http client", err)
	}
	return &GitHub{token: token, baseURL: githubAPIBaseURL, httpClient: client}, nil
}

func (g *GitHub) headers(req *http.Request) {
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.token)
}

type repoResponse struct {
	DefaultBranch string `json:"default_branch"`
}

// GetDefaultBranch fetches a repository's default branch name.
func (g *GitHub) GetDefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	url := fmt.Sprintf("%s/repos/%s/%s", g.baseURL, owner, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", apierr.Wrap(apierr.CodeBadRequest, "failed to build repo request", err)
	}
	g.headers(req)

	var out repoResponse
	if err := g.do(req, &out); err != nil {
		return "", err
	}
	return out.DefaultBranch, nil
}

type createPullRequestBody struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Head  string `json:"head"`
	Base  string `json:"base"`
}

type pullResponse struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
	State   string `json:"state"`
}

// OpenPullRequest creates a pull request from head into base.
func (g *GitHub) OpenPullRequest(ctx context.Context, owner, repo, title, body, head, base string) (PullRequest, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/pulls", g.baseURL, owner, repo)
	payload, err := json.Marshal(createPullRequestBody{Title: title, Body: body, Head: head, Base: base})
	if err != nil {
		return PullRequest{}, apierr.Wrap(apierr.CodeBadRequest, "failed to marshal pull request body", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return PullRequest{}, apierr.Wrap(apierr.CodeBadRequest, "failed to build pull request", err)
	}
	g.headers(req)

	var out pullResponse
	if err := g.do(req, &out); err != nil {
		return PullRequest{}, err
	}
	return PullRequest{Number: out.Number, HTMLURL: out.HTMLURL, State: out.State}, nil
}

func (g *GitHub) do(req *http.Request, out any) error {
	resp, err := g.httpClient.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return apierr.Wrap(apierr.CodeUpstreamTimeout, "github request timed out", err)
		}
		return apierr.Wrap(apierr.CodeBadGateway, "github request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return apierr.Wrap(apierr.CodeBadGateway, "failed to read github response", err)
	}

	if resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusTooManyRequests {
			return apierr.New(apierr.CodeRateLimited, "github rate limit exceeded")
		}
		return apierr.New(apierr.CodeBadGateway, fmt.Sprintf("github request failed with status %d: %s", resp.StatusCode, string(body)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return apierr.Wrap(apierr.CodeBadGateway, "failed to parse github response", err)
	}
	return nil
}
