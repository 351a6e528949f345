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

// Command flowkeepd is the durable run orchestrator daemon: it serves the
// HTTP surface described in spec.md §6 over a SQLite-backed run store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowkeep/flowkeep/internal/capability/githost"
	"github.com/flowkeep/flowkeep/internal/capability/inference"
	"github.com/flowkeep/flowkeep/internal/capability/objectstore"
	"github.com/flowkeep/flowkeep/internal/config"
	"github.com/flowkeep/flowkeep/internal/httpapi"
	"github.com/flowkeep/flowkeep/internal/log"
	"github.com/flowkeep/flowkeep/internal/orchestrator"
	"github.com/flowkeep/flowkeep/internal/sandbox"
	"github.com/flowkeep/flowkeep/internal/store/sqlite"
	"github.com/flowkeep/flowkeep/internal/stream"
	"github.com/flowkeep/flowkeep/internal/tracing"
	sandboxpkg "github.com/flowkeep/flowkeep/pkg/security/sandbox"
)

// Version information (injected via ldflags at build time).
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	listenAddr := flag.String("listen", "", "HTTP listen address, overrides config")
	showVersion := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("flowkeepd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	backend, err := sqlite.New(sqlite.Config{Path: cfg.Store.Path, WAL: true})
	if err != nil {
		logger.Error("failed to open store", slog.Any("error", err))
		os.Exit(1)
	}
	defer backend.Close()

	caps := buildCapabilities(cfg, backend, logger)

	var otelProvider *tracing.OTelProvider
	orchOpts := []orchestrator.Option{orchestrator.WithMaxParallel(cfg.Server.MaxParallelRuns)}
	if cfg.Tracing.Enabled {
		provider, err := tracing.NewOTelProviderWithConfig(tracing.Config{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: version,
			Sampling: tracing.SamplingConfig{
				Enabled:            true,
				Rate:               cfg.Tracing.SamplingRate,
				AlwaysSampleErrors: true,
			},
		})
		if err != nil {
			logger.Warn("failed to configure tracing provider, continuing without metrics", slog.Any("error", err))
		} else {
			otelProvider = provider
			defer otelProvider.Shutdown(context.Background())
			orchOpts = append(orchOpts, orchestrator.WithMetrics(provider.MetricsCollector()))
		}
	}

	orch := orchestrator.New(backend, caps, logger, orchOpts...)

	streamHandler := stream.NewHandler(backend, backend, orch.WriterLookup())

	router := httpapi.NewRouter(httpapi.RouterConfig{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
	}, orch, backend, streamHandler, logger)

	if otelProvider != nil {
		router.Mux().Handle("GET /metrics", otelProvider.MetricsHandler())
	}

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: router,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("flowkeepd listening", slog.String("addr", cfg.Server.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, draining", slog.String("signal", sig.String()))
		orch.StartDraining()

		drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.Server.DrainTimeout)
		if err := orch.WaitForDrain(drainCtx, cfg.Server.DrainTimeout); err != nil {
			logger.Warn("drain timed out with active runs remaining", slog.Any("error", err))
		}
		drainCancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("error during shutdown", slog.Any("error", err))
		}
	case err := <-errCh:
		logger.Error("server error", slog.Any("error", err))
		os.Exit(1)
	}
}

// buildCapabilities wires the external collaborators from config. Any
// capability whose configuration is absent is left nil; the orchestrator's
// step bodies surface a clear apierr.CodeEnvInvalid when a run actually
// needs a capability that wasn't configured.
func buildCapabilities(cfg *config.Config, backend *sqlite.Backend, logger *slog.Logger) orchestrator.Capabilities {
	var caps orchestrator.Capabilities

	if key := cfg.AnthropicAPIKey(); key != "" {
		provider, err := inference.NewAnthropicProvider(key)
		if err != nil {
			logger.Warn("failed to configure inference provider", slog.Any("error", err))
		} else {
			caps.Inference = provider
		}
	}

	if cfg.GitHost.Token != "" {
		host, err := githost.NewGitHub(cfg.GitHost.Token)
		if err != nil {
			logger.Warn("failed to configure git host", slog.Any("error", err))
		} else {
			caps.GitHost = host
		}
	}

	var objects sandbox.ObjectStore
	if cfg.Objects.Endpoint != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, err := objectstore.NewMinIOStore(ctx, objectstore.MinIOConfig{
			Endpoint:  cfg.Objects.Endpoint,
			AccessKey: cfg.Objects.AccessKey,
			SecretKey: cfg.Objects.SecretKey,
			Bucket:    cfg.Objects.Bucket,
			Region:    cfg.Objects.Region,
			UseSSL:    cfg.Objects.UseSSL,
		})
		if err != nil {
			logger.Warn("failed to configure object store, falling back to filesystem", slog.Any("error", err))
		} else {
			objects = store
			caps.Objects = store
		}
	}
	if objects == nil {
		store, err := objectstore.NewFilesystemStore(cfg.Objects.Dir)
		if err != nil {
			logger.Warn("failed to configure filesystem object store", slog.Any("error", err))
		} else {
			objects = store
			caps.Objects = store
		}
	}

	selector := sandboxpkg.NewFactorySelector()
	factory, available, err := selector.SelectFactory(context.Background())
	if err != nil || !available {
		logger.Warn("no sandbox factory available, sandbox-dependent runs will fail", slog.Any("error", err))
	} else {
		caps.Sandbox = sandbox.NewManager(factory, backend, objects)
	}

	return caps
}
