package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/jkaninda/stepguard/internal/approval"
	"github.com/jkaninda/stepguard/internal/config"
	"github.com/jkaninda/stepguard/internal/invoker"
	"github.com/jkaninda/stepguard/internal/observability"
	"github.com/jkaninda/stepguard/internal/orchestrator"
	"github.com/jkaninda/stepguard/internal/security"
	"github.com/jkaninda/stepguard/internal/storage"
	pgstore "github.com/jkaninda/stepguard/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/stepguard/internal/storage/sqlite"
	"github.com/jkaninda/stepguard/internal/tools"
	"github.com/jkaninda/stepguard/internal/tools/builtin"
	"github.com/jkaninda/stepguard/internal/tools/file"
	mcptools "github.com/jkaninda/stepguard/internal/tools/mcp"
	"github.com/jkaninda/stepguard/internal/tools/web"
)

// newLogger builds the process logger from --log-level and --log-format.
func newLogger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(goutils.Env("STEPGUARD_LOG_LEVEL", logLevel))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", logLevel)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(goutils.Env("STEPGUARD_LOG_FORMAT", logFormat)) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (use json or text)", logFormat)
	}
}

// loadConfig reads the config file. A missing file at the default location
// is not an error: stepguard then runs with built-in defaults.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := goutils.Env("STEPGUARD_CONFIG", configPath)
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	explicit := cmd.Flags().Changed("config") || os.Getenv("STEPGUARD_CONFIG") != ""
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, err
}

// sharedOptions adjusts initShared for one-shot commands.
type sharedOptions struct {
	memoryStore bool // Keep workflows in memory even when storage is configured.
}

// Components holds the subsystems every command that executes workflows
// needs. Built once by initShared, torn down by Cleanup.
type Components struct {
	Config   *config.Config
	Logger   *slog.Logger
	Obs      *observability.Observability
	Store    storage.Store // nil = in-memory workflows and audit.
	Registry *tools.Registry
	Audit    *security.AuditLog
	Assessor *security.Assessor
	Gate     *approval.Gate
	Engine   *orchestrator.Engine

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (c *Components) Cleanup() {
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		c.cleanups[i]()
	}
}

func (c *Components) addCleanup(fn func()) {
	c.cleanups = append(c.cleanups, fn)
}

// promRegistry returns the metrics registry, or nil when metrics are disabled.
func (c *Components) promRegistry() *prometheus.Registry {
	if c.Obs == nil {
		return nil
	}
	return c.Obs.MetricsOrNil().RegistryOrNil()
}

// initShared performs the initialization shared by serve and run.
// Callers must call Cleanup when done.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts sharedOptions) (_ *Components, err error) {
	c := &Components{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			c.Cleanup()
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", cfg.DataDir, err)
	}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	c.Obs = obs
	c.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})

	// Storage.
	var workflows orchestrator.WorkflowStore = orchestrator.NewInMemoryStore()
	if cfg.Storage != nil {
		store, err := initStore(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		c.Store = store
		c.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing store", slog.String("error", err.Error()))
			}
		})
		if !opts.memoryStore {
			workflows = store.Workflows()
		}
		if obs != nil && obs.Health != nil {
			obs.Health.AddCheck("storage", store.Ping)
		}
	}

	// Audit log.
	audit, err := initAudit(ctx, cfg, c.Store, logger)
	if err != nil {
		return nil, err
	}
	c.Audit = audit
	c.addCleanup(func() {
		if err := audit.Close(); err != nil {
			logger.Error("closing audit log", slog.String("error", err.Error()))
		}
	})

	// Tools.
	reg, closeTools, err := buildRegistry(ctx, cfg, obs, logger)
	if err != nil {
		return nil, err
	}
	c.Registry = reg
	c.addCleanup(closeTools)

	// Risk assessment.
	assessor, err := newAssessor(cfg, logger)
	if err != nil {
		return nil, err
	}
	c.Assessor = assessor
	var risk orchestrator.RiskAssessor = assessor
	if m := obs.MetricsOrNil(); m != nil {
		risk = observability.NewInstrumentedAssessor(assessor, m)
	}

	// Confirmation gate. Channels are attached by the calling command.
	gateOpts := []approval.Option{approval.WithMetrics(approval.NewGateMetrics(c.promRegistry()))}
	if aa := cfg.Confirmation.AutoApproval; aa != nil && aa.Enabled {
		gateOpts = append(gateOpts, approval.WithAutoApprover(approval.NewAutoApprover(approval.AutoApprovalConfig{
			Enabled:           aa.Enabled,
			AllowedTools:      aa.AllowedTools,
			DeniedTools:       aa.DeniedTools,
			MaxScore:          aa.MaxScore,
			MaxAutoApprovals:  aa.MaxAutoApprovals,
			RequiredApprovals: aa.RequiredApprovals,
			WindowHours:       aa.WindowHours,
		}, logger)))
	}
	if cfg.Confirmation.Log {
		gateOpts = append(gateOpts, approval.WithNotifier(approval.NewLogNotifier(logger)))
	}
	c.Gate = approval.NewGate(cfg.Engine.ConfirmationTimeout(), logger, gateOpts...)
	stopCleanup := c.Gate.StartCleanup(ctx, time.Minute)
	c.addCleanup(stopCleanup)

	// Engine.
	inv := invoker.New(reg, audit, invoker.NewMetrics(c.promRegistry()), logger)
	engine := orchestrator.NewEngine(workflows, reg, risk, c.Gate, inv,
		orchestrator.NewWorkflowMetrics(c.promRegistry()), logger,
		orchestrator.EngineConfig{
			RiskThreshold:          cfg.Engine.RiskThreshold,
			ToolTimeout:            cfg.Engine.ToolTimeout(),
			MaxRetries:             cfg.Engine.MaxRetries,
			RetryDelay:             cfg.Engine.RetryDelay(),
			WorkflowTimeout:        cfg.Engine.WorkflowTimeout(),
			ConfirmationTimeout:    cfg.Engine.ConfirmationTimeout(),
			MaxConcurrentWorkflows: cfg.Engine.Concurrency(),
		})
	if ts := obs.TracerOrNil(); ts != nil {
		engine.WithTracer(ts.Tracer())
	}
	if obs != nil && obs.Health != nil {
		obs.Health.WatchAnomalies(obs.AnomalyOrNil())
	}
	c.Engine = engine
	c.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := engine.Shutdown(shutdownCtx); err != nil {
			logger.Error("engine shutdown", slog.String("error", err.Error()))
		}
	})

	return c, nil
}

// initStore opens and migrates the configured storage backend.
func initStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var (
		store storage.Store
		err   error
	)
	switch driver := cfg.Storage.StorageDriver(); driver {
	case storage.DriverSQLite:
		store, err = initSQLiteStore(cfg, logger)
	case storage.DriverPostgres:
		store, err = initPostgresStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))
	return store, nil
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	sqlCfg := sqlitestore.Config{Path: cfg.DatabasePath()}
	if cfg.Storage.SQLite != nil {
		sqlCfg.JournalMode = cfg.Storage.SQLite.JournalMode
	}
	return sqlitestore.Open(sqlCfg, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	pg := cfg.Storage.Postgres
	if pg == nil || pg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required (or set STEPGUARD_DB_DSN)")
	}
	db, err := pgstore.Open(pgstore.Config{
		DSN:             pg.DSN,
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
	}, logger)
	if err != nil {
		return nil, err
	}
	return pgstore.NewStore(db), nil
}

// initAudit builds the audit log over the store and the JSONL file sink,
// then resumes the sequence from the last persisted record.
func initAudit(ctx context.Context, cfg *config.Config, store storage.Store, logger *slog.Logger) (*security.AuditLog, error) {
	var opts []security.AuditOption
	if store != nil {
		opts = append(opts, security.WithStore(store.Audit()))
	}
	if path := cfg.AuditLogPath(); path != "" {
		sink, err := security.NewFileSink(path)
		if err != nil {
			return nil, fmt.Errorf("opening audit file: %w", err)
		}
		opts = append(opts, security.WithSink(sink))
	}
	audit := security.NewAuditLog(logger, opts...)
	if err := audit.Resume(ctx); err != nil {
		_ = audit.Close()
		return nil, fmt.Errorf("resuming audit log: %w", err)
	}
	return audit, nil
}

// buildRegistry collects descriptors from every configured tool source,
// wraps them with observability and freezes the registry.
func buildRegistry(ctx context.Context, cfg *config.Config, obs *observability.Observability, logger *slog.Logger) (*tools.Registry, func(), error) {
	var descs []tools.Descriptor
	if cfg.Tools.Builtin {
		descs = append(descs, builtin.Descriptors()...)
	}
	if w := cfg.Tools.Web; w != nil {
		descs = append(descs, web.NewTool(web.Config{
			AllowedDomains:   w.AllowedDomains,
			MaxResponseBytes: w.MaxResponseBytes,
			TimeoutSeconds:   w.TimeoutSeconds,
		}, logger).Descriptor())
	}
	if f := cfg.Tools.File; f != nil {
		descs = append(descs, file.New(file.Config{
			AllowedPaths:     f.AllowedPaths,
			MaxFileSizeBytes: f.MaxFileSizeBytes,
		}, logger).Descriptors()...)
	}

	bridge := mcptools.NewBridge(logger)
	if len(cfg.Tools.MCP) > 0 {
		remote, err := bridge.DiscoverAll(ctx, cfg.Tools.MCP)
		if err != nil {
			// Unreachable servers are skipped; their tools are simply absent.
			logger.Warn("some MCP servers were skipped", slog.String("error", err.Error()))
		}
		descs = append(descs, remote...)
	}

	descs = observability.InstrumentRegistry(descs, obs.MetricsOrNil(), obs.TracerOrNil(), obs.AnomalyOrNil())

	reg := tools.NewRegistry()
	for _, d := range descs {
		if err := reg.Register(d); err != nil {
			bridge.Close()
			return nil, nil, fmt.Errorf("registering tool: %w", err)
		}
	}
	if err := reg.CheckDependencies(); err != nil {
		bridge.Close()
		return nil, nil, err
	}
	reg.Freeze()

	logger.Debug("tool registry initialized", slog.Int("tools", len(descs)))
	return reg, bridge.Close, nil
}

// newAssessor builds the risk assessor from the engine threshold and the
// security section.
func newAssessor(cfg *config.Config, logger *slog.Logger) (*security.Assessor, error) {
	patterns := make([]security.ThreatPattern, 0, len(cfg.Security.ThreatPatterns))
	for _, p := range cfg.Security.ThreatPatterns {
		severity := security.RiskHigh
		if p.Severity != "" {
			severity = security.ParseRiskLevel(p.Severity)
		}
		patterns = append(patterns, security.ThreatPattern{
			Name:        p.Name,
			Description: p.Description,
			Pattern:     p.Pattern,
			Severity:    severity,
			Category:    p.Category,
		})
	}
	assessor, err := security.NewAssessor(security.AssessorConfig{
		Threshold: cfg.Engine.Threshold(),
		Policy: security.Policy{
			AllowedPaths:   cfg.Security.AllowedPaths,
			DeniedPaths:    cfg.Security.DeniedPaths,
			AllowedDomains: cfg.Security.AllowedDomains,
			DeniedDomains:  cfg.Security.DeniedDomains,
		},
		Patterns: patterns,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing risk assessor: %w", err)
	}
	return assessor, nil
}
