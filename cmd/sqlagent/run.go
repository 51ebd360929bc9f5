package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/n-kumar7/sqlagent/internal/agent"
	"github.com/n-kumar7/sqlagent/internal/api"
	"github.com/n-kumar7/sqlagent/internal/audit"
	"github.com/n-kumar7/sqlagent/internal/bus"
	"github.com/n-kumar7/sqlagent/internal/config"
	"github.com/n-kumar7/sqlagent/internal/db"
	"github.com/n-kumar7/sqlagent/internal/orchestrator"
	otelPkg "github.com/n-kumar7/sqlagent/internal/otel"
	"github.com/n-kumar7/sqlagent/internal/schema"
	"github.com/n-kumar7/sqlagent/internal/shared"
	"github.com/n-kumar7/sqlagent/internal/telemetry"
)

const (
	failoverThreshold = 3
	failoverCooldown  = 2 * time.Minute
)

type runFlags struct {
	goal       string
	maxQueries int
	quiet      bool
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Generate and execute workload until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorkload(cmd, f)
		},
	}
	cmd.Flags().StringVar(&f.goal, "goal", "", "override agent.goal")
	cmd.Flags().IntVar(&f.maxQueries, "max-queries", -1, "override agent.max_queries (0 = unbounded)")
	cmd.Flags().BoolVar(&f.quiet, "quiet", false, "log to the data directory only")
	return cmd
}

func runWorkload(cmd *cobra.Command, f runFlags) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	applyRunFlags(&cfg, f)
	if err := cfg.Validate(); err != nil {
		fatalStartup(nil, "E_CONFIG_INVALID", err)
	}

	// A terminal gets the banner; the JSON log goes to the file only.
	interactive := isatty.IsTerminal(os.Stdout.Fd())
	quiet := f.quiet || interactive
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fatalStartup(nil, "E_LOG_INIT", err)
	}
	defer logCloser.Close()
	runID := shared.NewRunID()
	ctx = shared.WithRunID(ctx, runID)
	logger = telemetry.WithRun(ctx, logger)
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "fingerprint", cfg.Fingerprint())

	sink, err := openAudit(cfg)
	if err != nil {
		fatalStartup(logger, "E_AUDIT_INIT", err)
	}

	provider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
		RunID:       runID,
	})
	if err != nil {
		fatalStartup(logger, orchestrator.ReasonMetrics, err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		fatalStartup(logger, orchestrator.ReasonMetrics, err)
	}

	completer, model, err := buildCompleter(ctx, cfg, logger)
	if err != nil {
		fatalStartup(logger, "E_LLM_INIT", err)
	}

	eventBus := bus.New()
	orch := orchestrator.New(orchestrator.Options{
		Config:    cfg,
		Connect:   connectFunc(cfg),
		Completer: completer,
		Audit:     sink,
		Bus:       eventBus,
		Metrics:   metrics,
		Meter:     provider.Meter,
		Tracer:    provider.Tracer,
		Logger:    logger,
	})
	if err := orch.Start(ctx); err != nil {
		var se *orchestrator.StartupError
		if errors.As(err, &se) {
			fatalStartup(logger, se.ReasonCode, se.Err)
		}
		fatalStartup(logger, "E_STARTUP", err)
	}

	if interactive {
		printBanner(os.Stdout, cfg, model)
	}

	var srv *api.Server
	if cfg.API.Enabled {
		srv = api.New(api.Config{
			Addr:   cfg.API.BindAddr,
			Health: orch,
			Bus:    eventBus,
			Logger: telemetry.Subsystem(logger, "api"),
		})
		if err := srv.Start(); err != nil {
			logger.Warn("control surface disabled", "error", err)
			srv = nil
		}
	}

	watcher := config.NewWatcher(cfg.HomeDir, telemetry.Subsystem(logger, "config"))
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		go orch.WatchConfig(ctx, watcher.Events(), func() (config.Config, error) {
			next, err := config.Load()
			if err != nil {
				return next, err
			}
			applyRunFlags(&next, f)
			return next, next.Validate()
		})
	}

	// A bounded run without a steady set is finished once the agent stops.
	var agentDone <-chan struct{}
	if cfg.Agent.MaxQueries > 0 && len(cfg.Steady.Queries) == 0 {
		agentDone = orch.AgentDone()
	}
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case <-agentDone:
		logger.Info("generation finished", "max_queries", cfg.Agent.MaxQueries)
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}
	if err := orch.Stop(cfg.Shutdown.Grace()); err != nil {
		return err
	}
	if interactive {
		printSummary(os.Stdout, orch.Health())
	}
	return nil
}

func applyRunFlags(cfg *config.Config, f runFlags) {
	if f.goal != "" {
		cfg.Agent.Goal = f.goal
	}
	if f.maxQueries >= 0 {
		cfg.Agent.MaxQueries = f.maxQueries
	}
}

// openAudit builds the JSONL sink plus the optional SQLite and .sql file
// sinks under the audit directory.
func openAudit(cfg config.Config) (audit.Sink, error) {
	dir := cfg.AuditDir()
	jsonl, err := audit.OpenJSONL(dir)
	if err != nil {
		return nil, fmt.Errorf("open jsonl audit: %w", err)
	}
	sinks := []audit.Sink{jsonl}
	if cfg.Audit.SQLite {
		s, err := audit.OpenSQLite(filepath.Join(dir, "audit.db"))
		if err != nil {
			_ = audit.NewMulti(sinks...).Close()
			return nil, fmt.Errorf("open sqlite audit: %w", err)
		}
		sinks = append(sinks, s)
	}
	if cfg.Audit.SQLFiles {
		s, err := audit.OpenSQLFiles(filepath.Join(dir, "queries"))
		if err != nil {
			_ = audit.NewMulti(sinks...).Close()
			return nil, fmt.Errorf("open sql file audit: %w", err)
		}
		sinks = append(sinks, s)
	}
	if len(sinks) == 1 {
		return jsonl, nil
	}
	return audit.NewMulti(sinks...), nil
}

// buildCompleter returns the primary provider's completer, wrapped in a
// failover chain when llm.fallbacks names usable providers.
func buildCompleter(ctx context.Context, cfg config.Config, logger *slog.Logger) (agent.Completer, string, error) {
	provider, model, apiKey := cfg.ResolveLLMConfig()
	primary, err := agent.NewGenkitCompleter(ctx, agent.CompleterConfig{
		Provider:    provider,
		Model:       model,
		APIKey:      apiKey,
		BaseURL:     cfg.ResolveBaseURL(provider),
		Temperature: cfg.LLM.Temperature,
	})
	if err != nil {
		return nil, "", fmt.Errorf("provider %s: %w", provider, err)
	}
	if len(cfg.LLM.Fallbacks) == 0 {
		return primary, primary.Model(), nil
	}

	var fallbacks []agent.NamedCompleter
	for _, name := range cfg.LLM.Fallbacks {
		c, err := agent.NewGenkitCompleter(ctx, agent.CompleterConfig{
			Provider:    name,
			Model:       config.DefaultModel(name),
			APIKey:      cfg.ProviderAPIKey(name),
			BaseURL:     cfg.ResolveBaseURL(name),
			Temperature: cfg.LLM.Temperature,
		})
		if err != nil {
			logger.Warn("fallback provider unavailable", "provider", name, "error", err)
			continue
		}
		fallbacks = append(fallbacks, agent.NamedCompleter{Name: name, Completer: c})
	}
	if len(fallbacks) == 0 {
		return primary, primary.Model(), nil
	}
	logger.Info("llm failover enabled", "primary", provider, "fallbacks", len(fallbacks))
	chain := agent.NewFailoverCompleter(
		agent.NamedCompleter{Name: provider, Completer: primary},
		fallbacks, failoverThreshold, failoverCooldown,
	)
	return chain, primary.Model(), nil
}

func connectFunc(cfg config.Config) orchestrator.ConnectFunc {
	return func(ctx context.Context) (db.Pool, schema.Source, error) {
		pool, err := db.Open(ctx, dbOptions(cfg))
		if err != nil {
			return nil, nil, err
		}
		return pool, db.NewCatalog(pool), nil
	}
}

func dbOptions(cfg config.Config) db.Options {
	return db.Options{
		DSN:              cfg.DB.DSN,
		MaxConns:         cfg.MaxConns(),
		ConnectTimeout:   time.Duration(cfg.DB.ConnectTimeoutSeconds) * time.Second,
		ApplicationName:  cfg.DB.ApplicationName,
		StatementTimeout: cfg.Engine.QueryTimeout(),
	}
}

func printBanner(w io.Writer, cfg config.Config, model string) {
	capacity := "unbounded"
	if cfg.Queue.Capacity > 0 {
		capacity = fmt.Sprintf("%d (%s)", cfg.Queue.Capacity, cfg.Queue.Policy)
	}
	body := fmt.Sprintf("goal:    %s\nmodel:   %s\nworkers: %d ad hoc, %d steady (%d queries)\nqueue:   %s\nlogs:    %s",
		cfg.Agent.Goal, model, cfg.Engine.Workers, cfg.Steady.Workers, len(cfg.Steady.Queries),
		capacity, filepath.Join(cfg.HomeDir, "logs", "system.jsonl"))
	pterm.DefaultBox.
		WithWriter(w).
		WithTitle(pterm.NewStyle(pterm.FgCyan, pterm.Bold).Sprint("sqlagent " + Version)).
		Println(body)
}

func printSummary(w io.Writer, h orchestrator.Health) {
	t := h.Totals
	_ = pterm.DefaultTable.
		WithWriter(w).
		WithHasHeader().
		WithData(pterm.TableData{
			{"generated", "executed", "failed", "dropped"},
			{fmt.Sprint(t.Generated), fmt.Sprint(t.Executed), fmt.Sprint(t.Failed), fmt.Sprint(t.Dropped)},
		}).
		Render()
}
