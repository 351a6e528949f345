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

// Package config loads flowkeepd's configuration from a YAML file with
// environment-variable overrides, the way the teacher's internal/config
// package layers Load -> applyDefaults -> loadFromEnv -> Validate.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	flowkeeperrors "github.com/flowkeep/flowkeep/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the complete flowkeepd configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Objects ObjectsConfig `yaml:"objects"`
	GitHost GitHostConfig `yaml:"git_host"`
	Tracing TracingConfig `yaml:"tracing"`

	// anthropicAPIKey is read from ANTHROPIC_API_KEY and deliberately not
	// exposed via YAML: API keys belong in the environment, not in a file
	// that might get committed.
	anthropicAPIKey string
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// ServerConfig configures the HTTP listener and orchestrator concurrency.
type ServerConfig struct {
	// ListenAddr is the TCP address flowkeepd binds, e.g. ":8080".
	ListenAddr string `yaml:"listen_addr"`

	// MaxParallelRuns bounds concurrently executing runs.
	MaxParallelRuns int `yaml:"max_parallel_runs"`

	// ShutdownTimeout is the maximum duration to wait for graceful
	// shutdown once draining begins.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// DrainTimeout is the maximum duration WaitForDrain blocks for active
	// runs to finish before the process exits anyway.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// StoreConfig configures the SQLite-backed Run Store.
type StoreConfig struct {
	// Path is the SQLite database file. ":memory:" is valid for tests.
	Path string `yaml:"path"`
}

// SandboxConfig configures the Sandbox Session Manager's factory.
type SandboxConfig struct {
	// Type selects the pkg/security/sandbox.Factory implementation.
	Type string `yaml:"type"`
}

// ObjectsConfig configures the objectstore capability. When Endpoint is
// empty, flowkeepd falls back to the filesystem adapter rooted at Dir.
type ObjectsConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	Dir       string `yaml:"dir"`
}

// GitHostConfig configures the githost capability.
type GitHostConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

// TracingConfig configures the OpenTelemetry provider backing the
// orchestrator's run/step metrics and the /metrics endpoint. Disabled by
// default: tracing is ambient instrumentation, never a dependency the
// orchestrator's correctness relies on.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"service_name"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// Default returns a Config with sensible defaults for local development.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			ListenAddr:      ":8080",
			MaxParallelRuns: 10,
			ShutdownTimeout: 30 * time.Second,
			DrainTimeout:    30 * time.Second,
		},
		Store: StoreConfig{
			Path: "./flowkeep.db",
		},
		Sandbox: SandboxConfig{
			Type: "local",
		},
		Objects: ObjectsConfig{
			Bucket: "flowkeep",
			Dir:    "./flowkeep-objects",
		},
		GitHost: GitHostConfig{
			BaseURL: "https://api.github.com",
		},
		Tracing: TracingConfig{
			Enabled:      false,
			ServiceName:  "flowkeepd",
			SamplingRate: 1.0,
		},
	}
}

// Load loads configuration from defaults, then an optional YAML file, then
// environment variables, which take precedence over everything else.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &flowkeeperrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &flowkeeperrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// loadFromEnv overrides config fields from FLOWKEEP_*-prefixed environment
// variables. LOG_LEVEL/LOG_FORMAT are also honored unprefixed, matching the
// teacher's ambient logging env vars.
func (c *Config) loadFromEnv() {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = strings.ToLower(v)
	}
	if v := os.Getenv("FLOWKEEP_LOG_SOURCE"); v == "1" || v == "true" {
		c.Log.AddSource = true
	}
	if v := os.Getenv("FLOWKEEP_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("FLOWKEEP_MAX_PARALLEL_RUNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Server.MaxParallelRuns = n
		}
	}
	if v := os.Getenv("FLOWKEEP_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Server.ShutdownTimeout = d
		}
	}
	if v := os.Getenv("FLOWKEEP_DRAIN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Server.DrainTimeout = d
		}
	}
	if v := os.Getenv("FLOWKEEP_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("FLOWKEEP_OBJECTS_ENDPOINT"); v != "" {
		c.Objects.Endpoint = v
	}
	if v := os.Getenv("FLOWKEEP_OBJECTS_ACCESS_KEY"); v != "" {
		c.Objects.AccessKey = v
	}
	if v := os.Getenv("FLOWKEEP_OBJECTS_SECRET_KEY"); v != "" {
		c.Objects.SecretKey = v
	}
	if v := os.Getenv("FLOWKEEP_OBJECTS_BUCKET"); v != "" {
		c.Objects.Bucket = v
	}
	if v := os.Getenv("FLOWKEEP_OBJECTS_DIR"); v != "" {
		c.Objects.Dir = v
	}
	if v := os.Getenv("FLOWKEEP_GITHUB_TOKEN"); v != "" {
		c.GitHost.Token = v
	}
	if v := os.Getenv("FLOWKEEP_GITHUB_BASE_URL"); v != "" {
		c.GitHost.BaseURL = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.anthropicAPIKey = v
	}
	if v := os.Getenv("FLOWKEEP_TRACING_ENABLED"); v != "" {
		c.Tracing.Enabled = v == "1" || strings.ToLower(v) == "true"
	}
	if v := os.Getenv("FLOWKEEP_TRACING_SERVICE_NAME"); v != "" {
		c.Tracing.ServiceName = v
	}
	if v := os.Getenv("FLOWKEEP_TRACING_SAMPLING_RATE"); v != "" {
		if rate, err := strconv.ParseFloat(v, 64); err == nil {
			c.Tracing.SamplingRate = rate
		}
	}
}

// Validate reports a descriptive error for configuration that would make
// flowkeepd unable to start.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr must not be empty")
	}
	if c.Server.MaxParallelRuns <= 0 {
		return fmt.Errorf("server.max_parallel_runs must be positive")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}
	return nil
}

// AnthropicAPIKey returns the inference provider API key picked up from
// ANTHROPIC_API_KEY, if set.
func (c *Config) AnthropicAPIKey() string { return c.anthropicAPIKey }
