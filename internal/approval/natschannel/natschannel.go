// Package natschannel carries confirmation requests and decisions over NATS.
// Requests are published as JSON on one subject; decisions arrive on another
// and are forwarded to the gate.
package natschannel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/jkaninda/stepguard/internal/approval"
)

const (
	DefaultRequestSubject  = "stepguard.confirmations.requests"
	DefaultDecisionSubject = "stepguard.confirmations.decisions"
)

// Config configures the NATS confirmation channel.
type Config struct {
	URL             string `json:"url" yaml:"url"`
	RequestSubject  string `json:"request_subject" yaml:"request_subject"`
	DecisionSubject string `json:"decision_subject" yaml:"decision_subject"`
	Name            string `json:"name" yaml:"name"`
}

func (c Config) requestSubject() string {
	if c.RequestSubject != "" {
		return c.RequestSubject
	}
	return DefaultRequestSubject
}

func (c Config) decisionSubject() string {
	if c.DecisionSubject != "" {
		return c.DecisionSubject
	}
	return DefaultDecisionSubject
}

// DecisionMessage is the payload expected on the decision subject.
type DecisionMessage struct {
	InvocationID string `json:"invocation_id"`
	Approve      bool   `json:"approve"`
	By           string `json:"by"`
	Reason       string `json:"reason,omitempty"`
}

// Channel publishes requests and subscribes to decisions.
type Channel struct {
	nc       *nats.Conn
	sub      *nats.Subscription
	cfg      Config
	resolver approval.Resolver
	logger   *slog.Logger
}

// Connect dials NATS and subscribes to the decision subject.
func Connect(cfg Config, resolver approval.Resolver, logger *slog.Logger) (*Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	name := cfg.Name
	if name == "" {
		name = "stepguard"
	}
	nc, err := nats.Connect(cfg.URL, nats.Name(name), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connecting to nats %s: %w", cfg.URL, err)
	}

	c := &Channel{nc: nc, cfg: cfg, resolver: resolver, logger: logger}
	sub, err := nc.Subscribe(cfg.decisionSubject(), c.handleDecision)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", cfg.decisionSubject(), err)
	}
	// The subscription must reach the server before any decision is sent.
	if err := nc.Flush(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", cfg.decisionSubject(), err)
	}
	c.sub = sub

	logger.Info("nats confirmation channel connected",
		slog.String("url", cfg.URL),
		slog.String("requests", cfg.requestSubject()),
		slog.String("decisions", cfg.decisionSubject()),
	)
	return c, nil
}

// Notify publishes the request.
func (c *Channel) Notify(_ context.Context, req approval.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling confirmation request: %w", err)
	}
	return c.nc.Publish(c.cfg.requestSubject(), data)
}

func (c *Channel) handleDecision(msg *nats.Msg) {
	err := c.apply(msg.Data)
	if err != nil {
		c.logger.Warn("nats decision rejected", slog.String("error", err.Error()))
	}
	if msg.Reply == "" {
		return
	}
	reply := map[string]any{"ok": err == nil}
	if err != nil {
		reply["error"] = err.Error()
	}
	data, _ := json.Marshal(reply)
	if rerr := msg.Respond(data); rerr != nil {
		c.logger.Warn("nats decision reply failed", slog.String("error", rerr.Error()))
	}
}

func (c *Channel) apply(data []byte) error {
	d, err := ParseDecision(data)
	if err != nil {
		return err
	}
	return c.resolver.Resolve(d.InvocationID, approval.Decision{
		Approve: d.Approve,
		By:      d.By,
		Reason:  d.Reason,
	})
}

// ParseDecision decodes and checks a decision payload.
func ParseDecision(data []byte) (DecisionMessage, error) {
	var d DecisionMessage
	if err := json.Unmarshal(data, &d); err != nil {
		return d, fmt.Errorf("decoding decision: %w", err)
	}
	if d.InvocationID == "" {
		return d, errors.New("decision is missing invocation_id")
	}
	if d.By == "" {
		d.By = "nats"
	}
	return d, nil
}

// Close unsubscribes and drains the connection.
func (c *Channel) Close() error {
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
	return c.nc.Drain()
}

var _ approval.Notifier = (*Channel)(nil)
