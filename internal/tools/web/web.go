// Package web implements the http_fetch tool with SSRF protection.
//
// Security:
//   - Domain allowlist enforced before every request and on every redirect
//   - DNS resolution checked: private/internal IPs blocked (SSRF protection)
//   - Response body capped to prevent OOM
//   - Only GET and HEAD methods allowed
package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jkaninda/stepguard/internal/security"
	"github.com/jkaninda/stepguard/internal/tools"
)

// Config configures the fetch tool restrictions.
type Config struct {
	AllowedDomains   []string // Domains allowed for requests. Empty = deny all.
	MaxResponseBytes int64    // Maximum response body size. 0 = 5 MB default.
	TimeoutSeconds   int      // Per-tool default timeout. 0 = 10s default.
}

const (
	defaultMaxResponseBytes = 5 << 20 // 5 MB
	defaultTimeoutSeconds   = 10
	maxRedirects            = 5
)

// Tool fetches URLs within the configured allowlist.
type Tool struct {
	config    Config
	logger    *slog.Logger
	client    *http.Client
	checkHost func(host string) error
}

// NewTool creates a fetch tool restricted to the given domains.
func NewTool(cfg Config, logger *slog.Logger) *Tool {
	t := &Tool{config: cfg, logger: logger, checkHost: CheckSSRF}
	t.client = &http.Client{CheckRedirect: t.checkRedirect}
	return t
}

// Descriptor returns the registry entry for http_fetch.
func (t *Tool) Descriptor() tools.Descriptor {
	timeout := time.Duration(t.config.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeoutSeconds * time.Second
	}
	return tools.Descriptor{
		Name:        "http_fetch",
		Category:    "network",
		Version:     "1.0.0",
		Description: "Fetch content from allowed URLs with SSRF protection",
		RiskLevel:   security.RiskMedium,
		Parameters: []tools.Param{
			{Name: "url", Type: tools.TypeString, Required: true, Description: "The URL to fetch (http or https)"},
			{Name: "method", Type: tools.TypeString, Enum: []string{"GET", "HEAD"}, Description: "HTTP method. Defaults to GET"},
		},
		Timeout: timeout,
		Handler: tools.HandlerFunc(t.Execute),
	}
}

// Execute performs the request. Refusals and 4xx responses are permanent
// failures; network errors, 429 and 5xx responses are transient.
func (t *Tool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	rawURL, _ := params["url"].(string)
	method := "GET"
	if m, ok := params["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}

	parsed, err := t.check(rawURL, method)
	if err != nil {
		return nil, tools.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, method, parsed.String(), nil)
	if err != nil {
		return nil, tools.Permanent(fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("User-Agent", "stepguard/1.0")

	t.logger.InfoContext(ctx, "http_fetch executing",
		slog.String("method", method),
		slog.String("url", rawURL),
	)

	resp, err := t.client.Do(req)
	if err != nil {
		var refused *redirectError
		if errors.As(err, &refused) || ctx.Err() != nil {
			return nil, tools.Permanent(fmt.Errorf("HTTP request failed: %w", err))
		}
		return nil, tools.Transient(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer resp.Body.Close()

	maxBytes := t.config.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxResponseBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, tools.Transient(fmt.Errorf("reading response: %w", err))
	}
	truncated := false
	if int64(len(body)) > maxBytes {
		body = body[:maxBytes]
		truncated = true
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, tools.Transient(fmt.Errorf("%s %s: status %d", method, rawURL, resp.StatusCode))
	case resp.StatusCode >= 400:
		return nil, tools.Permanent(fmt.Errorf("%s %s: status %d", method, rawURL, resp.StatusCode))
	}

	return &tools.Result{
		Output: tools.TruncateOutput(string(body), tools.MaxOutputBytes),
		Metadata: map[string]any{
			"status_code": resp.StatusCode,
			"url":         resp.Request.URL.String(),
			"truncated":   truncated,
		},
	}, nil
}

func (t *Tool) check(rawURL, method string) (*url.URL, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("only http/https schemes allowed, got %q", parsed.Scheme)
	}
	if method != "GET" && method != "HEAD" {
		return nil, fmt.Errorf("only GET and HEAD methods allowed, got %q", method)
	}
	host := parsed.Hostname()
	if !IsDomainAllowed(host, t.config.AllowedDomains) {
		return nil, fmt.Errorf("domain %q is not in the allowlist", host)
	}
	if err := t.checkHost(host); err != nil {
		return nil, err
	}
	return parsed, nil
}

type redirectError struct{ msg string }

func (e *redirectError) Error() string { return e.msg }

// checkRedirect validates that redirect targets are also in the allowlist
// and don't resolve to private IPs.
func (t *Tool) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return &redirectError{fmt.Sprintf("too many redirects (max %d)", maxRedirects)}
	}
	host := req.URL.Hostname()
	if !IsDomainAllowed(host, t.config.AllowedDomains) {
		return &redirectError{fmt.Sprintf("redirect to disallowed domain %q blocked", host)}
	}
	if err := t.checkHost(host); err != nil {
		return &redirectError{err.Error()}
	}
	return nil
}
