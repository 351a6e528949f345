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

// Command flowkeepctl is a thin CLI client for flowkeepd: it starts runs,
// cancels them, and tails the resumable event stream using the same
// reconnect algorithm internal/stream.Client implements for library
// consumers.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowkeep/flowkeep/internal/jsonval"
	"github.com/flowkeep/flowkeep/internal/stream"
)

var version = "dev"

func main() {
	var daemonURL string

	root := &cobra.Command{
		Use:     "flowkeepctl",
		Short:   "Client for the flowkeepd run orchestrator",
		Version: version,
	}
	root.PersistentFlags().StringVar(&daemonURL, "url", "http://localhost:8080", "flowkeepd base URL")

	root.AddCommand(newRunCommand(&daemonURL))
	root.AddCommand(newCancelCommand(&daemonURL))
	root.AddCommand(newStreamCommand(&daemonURL))
	root.AddCommand(newGetCommand(&daemonURL))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRunCommand(daemonURL *string) *cobra.Command {
	var (
		projectID  string
		kind       string
		metadataIn string
		follow     bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a new run",
		RunE: func(cmd *cobra.Command, args []string) error {
			meta := jsonval.NewObject()
			if metadataIn != "" {
				if err := json.Unmarshal([]byte(metadataIn), &meta); err != nil {
					return fmt.Errorf("invalid --metadata JSON: %w", err)
				}
			}

			body, err := json.Marshal(map[string]any{
				"project_id": projectID,
				"kind":       kind,
				"metadata":   meta,
			})
			if err != nil {
				return err
			}

			resp, err := http.Post(*daemonURL+"/v1/runs", "application/json", bytes.NewReader(body))
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			var run map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
			printJSON(run)

			if follow {
				if id, ok := run["ID"].(string); ok {
					return streamRun(cmd.Context(), *daemonURL, id, 0)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project ID (required)")
	cmd.Flags().StringVar(&kind, "kind", "", "workflow kind: research, implementation, code_mode")
	cmd.Flags().StringVar(&metadataIn, "metadata", "", "run metadata as a JSON object")
	cmd.Flags().BoolVar(&follow, "follow", false, "tail the run's event stream after starting it")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("kind")

	return cmd
}

func newCancelCommand(daemonURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, *daemonURL+"/v1/runs/"+args[0]+"/cancel", nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 300 {
				return fmt.Errorf("cancel failed: status %d", resp.StatusCode)
			}
			fmt.Println("canceled")
			return nil
		},
	}
}

func newStreamCommand(daemonURL *string) *cobra.Command {
	var startIndex int64

	cmd := &cobra.Command{
		Use:   "stream <run-id>",
		Short: "Tail a run's event stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return streamRun(cmd.Context(), *daemonURL, args[0], startIndex)
		},
	}
	cmd.Flags().Int64Var(&startIndex, "start-index", 0, "resume after this event index")
	return cmd
}

func newGetCommand(daemonURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <run-id>",
		Short: "Fetch a run's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(*daemonURL + "/v1/runs/" + args[0])
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			var run map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
			printJSON(run)
			return nil
		},
	}
}

func streamRun(ctx context.Context, daemonURL, runID string, startIndex int64) error {
	client := &stream.Client{
		HTTPClient:  &http.Client{Timeout: 0},
		BaseURL:     daemonURL + "/v1",
		MaxAttempts: 3,
		Backoff: func(attempt int) time.Duration {
			return time.Duration(attempt) * time.Second
		},
	}
	return client.Stream(ctx, runID, startIndex, func(c stream.Chunk) error {
		fmt.Printf("[%d] %s %s\n", c.Index, c.Type, string(c.Payload))
		return nil
	})
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
