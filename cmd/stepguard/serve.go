package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/stepguard/internal/approval"
	"github.com/jkaninda/stepguard/internal/approval/natschannel"
	"github.com/jkaninda/stepguard/internal/approval/webhook"
	"github.com/jkaninda/stepguard/internal/config"
	"github.com/jkaninda/stepguard/internal/gateway"
	"github.com/jkaninda/stepguard/internal/gateway/httpapi"
	"github.com/jkaninda/stepguard/internal/gateway/ws"
	"github.com/jkaninda/stepguard/internal/ratelimit"
	"github.com/jkaninda/stepguard/internal/scheduler"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine with the HTTP API, confirmation channels and schedules",
	RunE:  runServe,
}

func init() {
	// Register on both root and serve so that `stepguard --port :9090`
	// and `stepguard serve --port :9090` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts stepguard as a long-running service.
func runServe(cmd *cobra.Command, _ []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if servePort != "" {
		if cfg.HTTP == nil {
			cfg.HTTP = &config.HTTPConfig{}
		}
		cfg.HTTP.ListenAddr = servePort
	}

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := initShared(ctx, cfg, logger, sharedOptions{})
	if err != nil {
		return err
	}
	defer c.Cleanup()

	if n, err := c.Engine.RecoverInterrupted(ctx); err != nil {
		return fmt.Errorf("recovering interrupted workflows: %w", err)
	} else if n > 0 {
		logger.Warn("marked interrupted workflows as failed", slog.Int("count", n))
	}

	// Confirmation channels.
	channels := 0
	if cfg.Confirmation.Log {
		channels++
	}
	if nc := cfg.Confirmation.NATS; nc != nil {
		ch, err := natschannel.Connect(natschannel.Config{
			URL:             nc.URL,
			RequestSubject:  nc.RequestSubject,
			DecisionSubject: nc.DecisionSubject,
		}, c.Gate, logger)
		if err != nil {
			return err
		}
		c.addCleanup(func() { _ = ch.Close() })
		c.Gate.AddNotifier(ch)
		channels++
	}

	if wc := cfg.Confirmation.Webhook; wc != nil {
		wh, err := webhook.New(webhook.Config{
			URL:     wc.URL,
			Headers: wc.Headers,
			Timeout: time.Duration(wc.TimeoutS) * time.Second,
		}, logger)
		if err != nil {
			return err
		}
		c.Gate.AddNotifier(wh)
		channels++
	}

	var hub *ws.Hub
	if wc := cfg.Confirmation.WebSocket; wc != nil && wc.Enabled {
		if cfg.HTTP == nil {
			return errors.New("confirmation.websocket requires the http section")
		}
		hub = ws.NewHub(c.Gate, wc.Token, logger).WithPending(c.Gate.Pending)
		c.Gate.AddNotifier(hub)
		channels++
	}

	if channels == 0 {
		logger.Warn("no confirmation channel configured; gated steps are logged and time out unless resolved over the API")
		c.Gate.AddNotifier(approval.NewLogNotifier(logger))
	}

	// Schedules.
	if len(cfg.Schedules) > 0 {
		sched := scheduler.New(c.Engine, scheduler.NewMetrics(c.promRegistry()), logger)
		for _, sc := range cfg.Schedules {
			if err := sched.Add(sc); err != nil {
				return err
			}
		}
		stopSched := sched.Start(ctx)
		defer stopSched()
	}

	// Gateways.
	var gateways []gateway.Gateway
	if cfg.HTTP != nil {
		gw := newHTTPGateway(c, hub)
		gateways = append(gateways, gw)
	}

	errCh := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errCh <- g.Start(ctx)
		}(gw)
	}

	logger.Info("stepguard started",
		slog.Int("tools", len(c.Registry.List())),
		slog.Int("gateways", len(gateways)),
		slog.Int("schedules", len(cfg.Schedules)),
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errCh:
		if runErr != nil {
			logger.Error("gateway failed", slog.String("error", runErr.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, gw := range gateways {
		if err := gw.Stop(shutdownCtx); err != nil {
			logger.Error("gateway shutdown", slog.String("error", err.Error()))
		}
	}
	return runErr
}

func newHTTPGateway(c *Components, hub *ws.Hub) *httpapi.Gateway {
	cfg := c.Config
	var limiter *ratelimit.Limiter
	if rl := cfg.HTTP.RateLimit; rl.RequestsPerMinute > 0 {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: rl.RequestsPerMinute,
			BurstSize:         rl.BurstSize,
		})
	}

	gwCfg := httpapi.Config{
		ListenAddr:     cfg.HTTP.Addr(),
		EnableDocs:     cfg.HTTP.EnableDocs,
		APIKeys:        cfg.HTTP.APIKeys,
		MaxRequestSize: cfg.HTTP.MaxRequestSizeBytes,
	}
	if obs := c.Obs; obs != nil {
		gwCfg.HealthChecker = obs.Health
		gwCfg.Metrics = obs.MetricsOrNil()
		gwCfg.MetricsRegistry = obs.MetricsOrNil().RegistryOrNil()
		if m := cfg.Observability.Metrics; m != nil {
			gwCfg.MetricsPath = m.Path
		}
		if ts := obs.TracerOrNil(); ts != nil {
			gwCfg.Tracer = ts.Tracer()
		}
	}

	gw := httpapi.NewGateway(gwCfg, c.Engine, c.Registry, c.Gate, c.Audit, limiter, c.Logger).
		WithAssessor(c.Assessor)
	if hub != nil {
		gw.WithHandler(cfg.Confirmation.WebSocket.WSPath(), hub.Handler())
	}
	return gw
}

var _ gateway.Gateway = (*httpapi.Gateway)(nil)
