// Package httpapi implements the HTTP API gateway for stepguard.
//
// Security:
//   - API key authentication on every /v1 request (SHA-256, constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-caller rate limiting of submissions and decisions via token bucket
//   - Strict definition parsing (unknown fields rejected)
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/stepguard/internal/approval"
	"github.com/jkaninda/stepguard/internal/observability"
	"github.com/jkaninda/stepguard/internal/orchestrator"
	"github.com/jkaninda/stepguard/internal/ratelimit"
	"github.com/jkaninda/stepguard/internal/security"
	"github.com/jkaninda/stepguard/internal/tools"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string            // e.g., ":8080"
	EnableDocs     bool              // Serve OpenAPI docs.
	APIKeys        map[string]string // SHA-256 hex of API key → caller identity.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Registry served at MetricsPath.
	MetricsPath     string                          // Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // HTTP middleware metrics.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

func (c Config) maxRequestSize() int64 {
	if c.MaxRequestSize > 0 {
		return c.MaxRequestSize
	}
	return defaultMaxRequestSize
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config   Config
	engine   *orchestrator.Engine
	registry *tools.Registry
	gate     *approval.Gate
	audit    *security.AuditLog
	assessor *security.Assessor
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
	server   *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., the operator WebSocket).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	once  sync.Once
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway. limiter may be nil.
func NewGateway(
	cfg Config,
	engine *orchestrator.Engine,
	registry *tools.Registry,
	gate *approval.Gate,
	audit *security.AuditLog,
	limiter *ratelimit.Limiter,
	logger *slog.Logger,
) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		config:   cfg,
		engine:   engine,
		registry: registry,
		gate:     gate,
		audit:    audit,
		limiter:  limiter,
		logger:   logger,
		okapi:    okapi.New(okapi.WithMaxMultipartMemory(cfg.maxRequestSize())),
	}
}

// WithHandler mounts an additional GET handler at the given pattern.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// WithAssessor sets the assessor whose threat catalogue classifies
// /v1/audit/threats. Without one the built-in catalogue is used.
func (g *Gateway) WithAssessor(a *security.Assessor) *Gateway {
	g.assessor = a
	return g
}

// Handler returns the routed API. Routes are registered on first use.
func (g *Gateway) Handler() http.Handler {
	g.once.Do(g.routes)
	return g.okapi
}

func (g *Gateway) routes() {
	v1 := g.okapi.Group("/v1",
		observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer),
		g.authenticate,
	)

	v1.Post("/workflows", g.handleSubmit,
		okapi.DocSummary("Submit a workflow definition (JSON or YAML)"),
		okapi.DocTags("Workflows"),
		okapi.DocRequestBody(orchestrator.Definition{}),
		okapi.DocResponse(http.StatusAccepted, orchestrator.Workflow{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	v1.Get("/workflows", g.handleList,
		okapi.DocSummary("List workflows, newest first"),
		okapi.DocTags("Workflows"),
		okapi.DocResponse([]orchestrator.Workflow{}),
	)
	v1.Get("/workflows/{id}", g.handleGet,
		okapi.DocSummary("Get a workflow snapshot"),
		okapi.DocTags("Workflows"),
		okapi.DocPathParam("id", "string", "Workflow ID"),
		okapi.DocResponse(orchestrator.Workflow{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	v1.Get("/workflows/{id}/history", g.handleHistory,
		okapi.DocSummary("Get a workflow's history"),
		okapi.DocTags("Workflows"),
		okapi.DocPathParam("id", "string", "Workflow ID"),
		okapi.DocResponse([]orchestrator.HistoryEntry{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	v1.Post("/workflows/{id}/cancel", g.handleCancel,
		okapi.DocSummary("Cancel a running workflow"),
		okapi.DocTags("Workflows"),
		okapi.DocPathParam("id", "string", "Workflow ID"),
		okapi.DocResponse(http.StatusAccepted, StatusResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	v1.Delete("/workflows/{id}", g.handleDelete,
		okapi.DocSummary("Delete a finished workflow"),
		okapi.DocTags("Workflows"),
		okapi.DocPathParam("id", "string", "Workflow ID"),
		okapi.DocResponse(StatusResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)

	v1.Get("/tools", g.handleTools,
		okapi.DocSummary("List registered tools"),
		okapi.DocTags("Tools"),
		okapi.DocResponse([]ToolResponse{}),
	)

	v1.Get("/confirmations", g.handlePending,
		okapi.DocSummary("List pending confirmations"),
		okapi.DocTags("Confirmations"),
		okapi.DocResponse([]approval.Request{}),
	)
	v1.Post("/confirmations/{id}", g.handleResolve,
		okapi.DocSummary("Approve or deny a pending confirmation"),
		okapi.DocTags("Confirmations"),
		okapi.DocPathParam("id", "string", "Invocation ID"),
		okapi.DocRequestBody(DecisionRequest{}),
		okapi.DocResponse(StatusResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)

	v1.Get("/audit", g.handleAudit,
		okapi.DocSummary("Query the audit log"),
		okapi.DocTags("Audit"),
		okapi.DocResponse([]security.AuditRecord{}),
	)
	v1.Get("/audit/threats", g.handleThreats,
		okapi.DocSummary("Threat pattern matches by name, category, severity and tool"),
		okapi.DocTags("Audit"),
		okapi.DocResponse(security.ThreatStats{}),
	)

	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.okapi.WithOpenAPIDocs(okapi.OpenAPI{
			Title:   "stepguard",
			Version: "v1",
		})
	}
}

// Start launches the HTTP server and blocks until it exits.
func (g *Gateway) Start(ctx context.Context) error {
	g.Handler()

	addr := g.config.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	g.server = &http.Server{
		Addr:              addr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", addr))
	err := g.okapi.StartServer(g.server)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Workflow handlers ---

// StatusResponse acknowledges a state-changing request.
type StatusResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (g *Gateway) handleSubmit(c *okapi.Context) error {
	caller := c.GetString("caller")
	if err := g.allow(caller); err != nil {
		return rateLimited(c, err)
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, g.config.maxRequestSize()+1))
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: "reading request body"})
	}
	if int64(len(body)) > g.config.maxRequestSize() {
		return c.JSON(http.StatusRequestEntityTooLarge, ErrorBody{Error: "request body too large"})
	}

	format := "json"
	if ct := c.Header("Content-Type"); strings.Contains(ct, "yaml") {
		format = "yaml"
	}
	def, err := orchestrator.ParseDefinition(body, format)
	if err != nil {
		return writeError(c, err)
	}

	wf, err := g.engine.Submit(c.Context(), def, caller)
	if err != nil {
		if !isClientError(err) {
			g.logger.Error("workflow submission failed",
				slog.String("caller", caller),
				slog.String("error", err.Error()),
			)
		}
		return writeError(c, err)
	}
	return c.JSON(http.StatusAccepted, wf)
}

func (g *Gateway) handleList(c *okapi.Context) error {
	f := orchestrator.ListFilter{
		Status:      orchestrator.WorkflowStatus(c.Query("status")),
		SubmittedBy: c.Query("submitted_by"),
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return c.JSON(http.StatusBadRequest, ErrorBody{Error: "limit must be a non-negative integer"})
		}
		f.Limit = n
	}
	list, err := g.engine.List(c.Context(), f)
	if err != nil {
		return writeError(c, err)
	}
	if list == nil {
		list = []orchestrator.Workflow{}
	}
	return c.OK(list)
}

func (g *Gateway) handleGet(c *okapi.Context) error {
	wf, err := g.engine.Get(c.Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.OK(wf)
}

func (g *Gateway) handleHistory(c *okapi.Context) error {
	h, err := g.engine.History(c.Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.OK(h)
}

func (g *Gateway) handleCancel(c *okapi.Context) error {
	id := c.Param("id")
	if err := g.engine.Cancel(c.Context(), id); err != nil {
		return writeError(c, err)
	}
	g.logger.Info("http cancel",
		slog.String("caller", c.GetString("caller")),
		slog.String("workflow_id", id),
	)
	return c.JSON(http.StatusAccepted, StatusResponse{ID: id, Status: "cancel_requested"})
}

func (g *Gateway) handleDelete(c *okapi.Context) error {
	id := c.Param("id")
	if err := g.engine.Delete(c.Context(), id); err != nil {
		return writeError(c, err)
	}
	return c.OK(StatusResponse{ID: id, Status: "deleted"})
}

// --- Tool handlers ---

// ToolResponse describes one registered tool.
type ToolResponse struct {
	Name                 string        `json:"name"`
	Category             string        `json:"category"`
	Version              string        `json:"version,omitempty"`
	Author               string        `json:"author,omitempty"`
	Description          string        `json:"description,omitempty"`
	RiskLevel            string        `json:"risk_level"`
	Parameters           []tools.Param `json:"parameters"`
	SupportsCompensation bool          `json:"supports_compensation"`
	Dependencies         []string      `json:"dependencies,omitempty"`
	TimeoutSeconds       float64       `json:"timeout_seconds,omitempty"`
}

func (g *Gateway) handleTools(c *okapi.Context) error {
	descs := g.registry.List()
	out := make([]ToolResponse, len(descs))
	for i, d := range descs {
		params := d.Parameters
		if params == nil {
			params = []tools.Param{}
		}
		out[i] = ToolResponse{
			Name:                 d.Name,
			Category:             d.Category,
			Version:              d.Version,
			Author:               d.Author,
			Description:          d.Description,
			RiskLevel:            d.RiskLevel.String(),
			Parameters:           params,
			SupportsCompensation: d.SupportsCompensation,
			Dependencies:         d.Dependencies,
			TimeoutSeconds:       d.Timeout.Seconds(),
		}
	}
	return c.OK(out)
}

// --- Confirmation handlers ---

// DecisionRequest is the JSON body for POST /v1/confirmations/{id}.
// Approve is required: a decision is final, so it is never defaulted.
type DecisionRequest struct {
	Approve *bool  `json:"approve"`
	Reason  string `json:"reason,omitempty"`
}

// decodeDecision reads a DecisionRequest strictly: one JSON object, no
// unknown fields, approve present.
func (g *Gateway) decodeDecision(c *okapi.Context) (DecisionRequest, error) {
	var req DecisionRequest
	dec := json.NewDecoder(io.LimitReader(c.Request().Body, g.config.maxRequestSize()))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return req, errors.New("invalid request body")
	}
	if dec.More() {
		return req, errors.New("invalid request body: trailing data")
	}
	if req.Approve == nil {
		return req, errors.New("approve is required")
	}
	return req, nil
}

func (g *Gateway) handlePending(c *okapi.Context) error {
	return c.OK(g.gate.Pending())
}

func (g *Gateway) handleResolve(c *okapi.Context) error {
	caller := c.GetString("caller")
	if err := g.allow(caller); err != nil {
		return rateLimited(c, err)
	}

	req, err := g.decodeDecision(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: err.Error()})
	}
	approve := *req.Approve

	id := c.Param("id")
	if err := g.gate.Resolve(id, approval.Decision{Approve: approve, By: caller, Reason: req.Reason}); err != nil {
		return writeError(c, err)
	}

	status := "denied"
	if approve {
		status = "approved"
	}
	g.logger.Info("http confirmation",
		slog.String("caller", caller),
		slog.String("invocation_id", id),
		slog.String("decision", status),
	)
	return c.OK(StatusResponse{ID: id, Status: status})
}

// --- Audit handlers ---

func (g *Gateway) handleAudit(c *okapi.Context) error {
	f, err := auditFilter(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: err.Error()})
	}
	records, err := g.audit.Query(c.Context(), f)
	if err != nil {
		return writeError(c, err)
	}
	if records == nil {
		records = []security.AuditRecord{}
	}
	return c.OK(records)
}

func (g *Gateway) handleThreats(c *okapi.Context) error {
	f, err := auditFilter(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorBody{Error: err.Error()})
	}
	records, err := g.audit.Query(c.Context(), f)
	if err != nil {
		return writeError(c, err)
	}
	patterns := security.DefaultThreatPatterns()
	if g.assessor != nil {
		patterns = g.assessor.Patterns()
	}
	return c.OK(security.SummarizeThreats(records, patterns))
}

// auditFilter reads the audit query parameters shared by the audit routes.
func auditFilter(c *okapi.Context) (security.AuditFilter, error) {
	f := security.AuditFilter{
		WorkflowID:     c.Query("workflow_id"),
		InvocationID:   c.Query("invocation_id"),
		ToolName:       c.Query("tool"),
		CallerIdentity: c.Query("caller"),
		Outcome:        security.Outcome(c.Query("outcome")),
	}
	for name, dst := range map[string]*time.Time{"since": &f.Since, "until": &f.Until} {
		if v := c.Query(name); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, fmt.Errorf("%s must be RFC 3339", name)
			}
			*dst = ts
		}
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, errors.New("limit must be a non-negative integer")
		}
		f.Limit = n
	}
	return f, nil
}

// --- Health ---

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness answers the Kubernetes liveness check.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the bearer API key and stores the mapped caller.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.JSON(http.StatusUnauthorized, ErrorBody{Error: "missing or invalid Authorization header"})
		}
		sum := sha256.Sum256([]byte(strings.TrimPrefix(authHeader, "Bearer ")))
		presented := hex.EncodeToString(sum[:])

		caller := ""
		for hash, identity := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(presented), []byte(strings.ToLower(hash))) == 1 {
				caller = identity
			}
		}
		if caller == "" {
			return c.JSON(http.StatusUnauthorized, ErrorBody{Error: "invalid API key"})
		}
		c.Set("caller", caller)
		return next(c)
	}
}

// HashKey returns the value to store in Config.APIKeys for a raw key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// --- Helpers ---

func (g *Gateway) allow(caller string) error {
	if g.limiter == nil {
		return nil
	}
	return g.limiter.Allow(caller)
}

func rateLimited(c *okapi.Context, err error) error {
	var limited *ratelimit.LimitedError
	if errors.As(err, &limited) {
		secs := int(math.Ceil(limited.RetryAfter.Seconds()))
		c.Response().Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
	}
	return c.JSON(http.StatusTooManyRequests, ErrorBody{Error: err.Error()})
}

func isClientError(err error) bool {
	return errors.Is(err, orchestrator.ErrInvalidWorkflow) ||
		errors.Is(err, tools.ErrInvalidParameters) ||
		errors.Is(err, tools.ErrUnknownTool)
}

// writeError maps sentinel errors to HTTP status codes.
func writeError(c *okapi.Context, err error) error {
	code := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case isClientError(err):
		code, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, orchestrator.ErrWorkflowNotFound), errors.Is(err, approval.ErrNotFound):
		code, msg = http.StatusNotFound, err.Error()
	case errors.Is(err, orchestrator.ErrWorkflowActive),
		errors.Is(err, orchestrator.ErrWorkflowFinished),
		errors.Is(err, approval.ErrAlreadyResolved):
		code, msg = http.StatusConflict, err.Error()
	case errors.Is(err, orchestrator.ErrEngineClosed):
		code, msg = http.StatusServiceUnavailable, err.Error()
	}
	return c.JSON(code, ErrorBody{Error: msg})
}
