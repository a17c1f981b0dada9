package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/autosage/autosage/internal/config"
	"github.com/autosage/autosage/internal/engine"
	"github.com/autosage/autosage/internal/ids"
	"github.com/autosage/autosage/internal/jobs"
	"github.com/autosage/autosage/internal/maintenance"
	"github.com/autosage/autosage/internal/observability"
	"github.com/autosage/autosage/internal/orchestrator"
	"github.com/autosage/autosage/internal/server"
	"github.com/autosage/autosage/internal/session"
	"github.com/autosage/autosage/internal/tools"
	"github.com/autosage/autosage/internal/tools/builtin"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		host       string
		port       int
		logLevel   string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the AutoSage HTTP server",
		Long: `Start the AutoSage HTTP server.

The server loads its configuration, registers the builtin solver tools,
re-hydrates persisted jobs from the run root and serves the tools, jobs,
sessions and OpenAI-compatible endpoints.

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with defaults (127.0.0.1:8844)
  autosage serve

  # Start with a config file
  autosage serve --config /etc/autosage/autosage.yaml

  # Override the listen address
  autosage serve --host 0.0.0.0 --port 9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Server.LogLevel = logLevel
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Listen host")
	cmd.Flags().IntVar(&port, "port", 8844, "Listen port")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// buildRegistry registers the builtin tools and freezes the registry.
func buildRegistry(cfg *config.Config) (*tools.Registry, error) {
	b := tools.NewBuilder()
	err := builtin.Register(b, builtin.Config{
		NetgenBinary:    cfg.Solvers.NetgenBinary,
		NgspiceBinary:   cfg.Solvers.NgspiceBinary,
		DisableHeadless: cfg.Solvers.DisableHeadless,
	})
	if err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}
	return b.Build(), nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	log := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Server.LogLevel,
		Format: cfg.Server.LogFormat,
	})
	log.Info(ctx, "starting autosage",
		"version", version,
		"commit", commit,
		"addr", cfg.Addr(),
		"concurrency", cfg.Runtime.Concurrency,
	)

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	tracer, stopTracing, err := observability.NewTracer(ctx, observability.TraceConfig{
		ServiceName:    "autosage",
		ServiceVersion: version,
		Endpoint:       cfg.Observability.OTLPEndpoint,
		Insecure:       cfg.Observability.OTLPInsecure,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	log.Info(ctx, "tool registry frozen", "tools", registry.Len())

	gen := &ids.Generator{}
	store, err := jobs.NewStore(jobs.Options{
		Root:         cfg.Runtime.RunRoot,
		IDs:          gen,
		Logger:       log,
		Metrics:      metrics,
		LoadFromDisk: cfg.Runtime.LoadFromDisk,
	})
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	manifold, err := session.NewManifold(session.Options{
		Root:   cfg.Runtime.SessionRoot,
		IDs:    gen,
		Logger: log,
	})
	if err != nil {
		return fmt.Errorf("open session root: %w", err)
	}

	eng := engine.New(engine.Options{
		Registry:    registry,
		Concurrency: cfg.Runtime.Concurrency,
		Defaults:    cfg.EngineLimits(),
		Logger:      log,
		Metrics:     metrics,
		Tracer:      tracer,
	})
	orch := orchestrator.New(orchestrator.Options{
		Manifold: manifold,
		Engine:   eng,
		IDs:      gen,
		Logger:   log,
		Metrics:  metrics,
	})

	sweeper, err := maintenance.NewSweeper(store, cfg.Retention.Schedule, cfg.Retention.MaxAge, log)
	if err != nil {
		return fmt.Errorf("init retention sweeper: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	srv := server.New(server.Options{
		Config:       cfg,
		Registry:     registry,
		Engine:       eng,
		Jobs:         store,
		Sessions:     manifold,
		Orchestrator: orch,
		IDs:          gen,
		Logger:       log,
		Metrics:      metrics,
		Build:        server.BuildInfo{Version: version, Commit: commit, Date: date},
	})

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	log.Info(context.Background(), "shutdown signal received, draining")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := stopTracing(shutdownCtx); err != nil {
		log.Warn(context.Background(), "flush traces", "error", err.Error())
	}
	log.Info(context.Background(), "autosage stopped")
	return nil
}

// buildToolsCmd lists the builtin tool registry without starting a server.
func buildToolsCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the registered solver tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			registry, err := buildRegistry(cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, d := range registry.List(tools.Filter{}) {
				fmt.Fprintf(out, "%-18s %-8s %-13s %s\n", d.Name, d.Version, d.Stability, d.Description)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}
