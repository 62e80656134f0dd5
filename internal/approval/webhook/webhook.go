// Package webhook posts confirmation requests to an HTTP endpoint such as a
// chat incoming-webhook. Decisions come back through the HTTP API.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jkaninda/stepguard/internal/approval"
)

// Config configures the webhook notifier.
type Config struct {
	URL     string            `json:"url" yaml:"url"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"` // Default: 10s.
}

func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 10 * time.Second
}

// Payload is the body posted for each confirmation request. Text is a
// human-readable summary so that chat webhooks render something useful.
type Payload struct {
	Text    string           `json:"text"`
	Request approval.Request `json:"request"`
}

// Notifier sends confirmation requests via HTTP POST.
type Notifier struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// New validates the URL and creates a Notifier.
func New(cfg Config, logger *slog.Logger) (*Notifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("webhook url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("webhook url has no host")
	}
	return &Notifier{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.timeout(),
			// Redirects are not followed.
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}, nil
}

// Notify posts the request. Non-2xx responses are errors.
func (n *Notifier) Notify(ctx context.Context, req approval.Request) error {
	body, err := json.Marshal(Payload{Text: Summary(req), Request: req})
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "stepguard-webhook/1.0")
	for k, v := range n.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := n.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	n.logger.DebugContext(ctx, "confirmation request posted",
		slog.String("invocation_id", req.InvocationID),
		slog.Int("status", resp.StatusCode),
	)
	return nil
}

// Summary renders a one-paragraph description of a confirmation request.
func Summary(req approval.Request) string {
	var b strings.Builder
	kind := "Step"
	if req.Compensation {
		kind = "Compensation"
	}
	fmt.Fprintf(&b, "%s needs confirmation: tool %s (%s risk, score %.2f)",
		kind, req.ToolName, req.Risk.Level, req.Risk.Score)
	if req.WorkflowID != "" {
		fmt.Fprintf(&b, " in workflow %s step %d", req.WorkflowID, req.StepIndex)
	}
	if req.CallerIdentity != "" {
		fmt.Fprintf(&b, ", requested by %s", req.CallerIdentity)
	}
	if len(req.Risk.Reasons) > 0 {
		fmt.Fprintf(&b, ". Reasons: %s", strings.Join(req.Risk.Reasons, "; "))
	}
	fmt.Fprintf(&b, ". Invocation %s expires %s.", req.InvocationID, req.ExpiresAt.Format(time.RFC3339))
	return b.String()
}

var _ approval.Notifier = (*Notifier)(nil)
