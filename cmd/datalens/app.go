package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/manthysbr/datalens/internal/adapters/duckdb"
	"github.com/manthysbr/datalens/internal/adapters/providers"
	"github.com/manthysbr/datalens/internal/adapters/spreadsheet"
	"github.com/manthysbr/datalens/internal/applog"
	"github.com/manthysbr/datalens/internal/config"
	"github.com/manthysbr/datalens/internal/core/domain"
	"github.com/manthysbr/datalens/internal/core/ports"
	"github.com/manthysbr/datalens/internal/core/services"
)

// app is the wired process: storage, settings, executors, the reasoning
// engine and the session service on top.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	repo     *duckdb.Repository
	bus      *services.EventBus
	tracer   *services.TraceCollector
	settings *config.SettingsStore
	sessions *services.SessionService
	registry *prometheus.Registry

	logCloser io.Closer
}

type appOptions struct {
	configPath string
	inMemory   bool // ignore storage.path, keep nothing after exit
	withEngine bool
	// requireEngine fails startup instead of running without the agent
	// when the plot executor cannot run agent code.
	requireEngine bool
}

func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.inMemory {
		cfg.Storage.Path = ""
	}

	logger, logCloser, err := applog.New(cfg.Logging, os.Stderr)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, logCloser: logCloser}
	if err := a.wire(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, opts appOptions) error {
	cfg, logger := a.cfg, a.logger

	if cfg.Storage.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o700); err != nil {
			return fmt.Errorf("create storage directory: %w", err)
		}
	}
	repo, err := duckdb.NewRepository(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to init repository: %w", err)
	}
	a.repo = repo
	logger.Info("repository ready", "path", displayPath(cfg.Storage.Path))

	secret, err := config.NewSecretKey(cfg.Storage.KeyFile)
	if err != nil {
		return fmt.Errorf("failed to init secret key: %w", err)
	}
	a.settings, err = config.NewSettingsStore(ctx, logger, repo, secret, cfg.LLMSettings())
	if err != nil {
		return fmt.Errorf("failed to init settings: %w", err)
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a.bus = services.NewEventBus(logger)
	a.tracer = services.NewTraceCollector(logger, a.bus, repo)

	execs, err := providers.BuildExecutors(logger, cfg.Executor)
	if err != nil {
		return err
	}
	logger.Info("plot executor ready", "backend", cfg.Executor.Backend, "language", execs.Plot.Language())

	pipeline := services.NewQueryPipeline(logger, execs.Plot, services.NewActionClassifier(cfg.Pipeline.PlotMarkers...),
		services.WithResponseStore(repo),
		services.WithTracer(a.tracer),
		services.WithEventBus(a.bus),
		services.WithMetrics(services.NewPipelineMetrics(a.registry)),
	)

	loader := services.NewDatasetService(logger, repo, map[string]services.ColumnReader{
		".xlsx": spreadsheet.ReadXLSX,
	})

	var engine ports.ReasoningEngine
	if opts.withEngine {
		if err := execs.EngineCompatible(); err != nil {
			if opts.requireEngine {
				return err
			}
			logger.Warn("analysis agent disabled, only recorded traces are accepted", "error", err)
		} else {
			agent, err := a.buildAgent(execs.REPL)
			if err != nil {
				return err
			}
			engine = agent
		}
	}

	a.sessions, err = services.NewSessionService(logger, repo, loader, engine, pipeline, a.tracer, a.bus, services.SessionConfig{
		TTL:           cfg.Session.TTL,
		MaxCached:     cfg.Session.MaxCached,
		HistoryWindow: cfg.Session.HistoryWindow,
	})
	return err
}

// buildAgent creates the analysis agent and rebuilds its chat model whenever
// the LLM settings change.
func (a *app) buildAgent(repl services.Evaluator) (*services.AnalysisAgent, error) {
	current := a.settings.Get()
	model, err := providers.BuildChatModel(a.logger, current, a.cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to init chat model: %w", err)
	}
	agent := services.NewAnalysisAgent(a.logger.With("component", "agent"), model, repl, a.tracer, current.MaxIterations)

	a.settings.OnChange(func(s domain.LLMSettings) {
		m, err := providers.BuildChatModel(a.logger, s, a.cfg.LLM)
		if err != nil {
			a.logger.Error("failed to rebuild chat model", "error", err)
			return
		}
		agent.SetModel(m)
		a.logger.Info("chat model switched", "mode", s.Mode, "model", s.Model)
	})

	a.logger.Info("analysis agent ready", "mode", current.Mode, "model", current.Model)
	return agent, nil
}

// Close flushes traces and releases storage. It is safe on a partially
// wired app.
func (a *app) Close() error {
	var errs []error
	if a.sessions != nil {
		a.sessions.Close()
	}
	if a.tracer != nil {
		a.tracer.Flush()
	}
	if a.repo != nil {
		errs = append(errs, a.repo.Close())
	}
	if a.logCloser != nil {
		errs = append(errs, a.logCloser.Close())
	}
	return errors.Join(errs...)
}

func displayPath(p string) string {
	if p == "" {
		return ":memory:"
	}
	return p
}
