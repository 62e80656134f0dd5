// Package config handles loading and validating stepguard configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for stepguard.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.stepguard/data. Override: STEPGUARD_DATA_DIR env var.
	Engine        EngineConfig         `json:"engine" yaml:"engine"`
	Security      SecurityConfig       `json:"security" yaml:"security"`
	Confirmation  ConfirmationConfig   `json:"confirmation" yaml:"confirmation"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = in-memory workflows and audit
	Audit         AuditConfig          `json:"audit" yaml:"audit"`
	Tools         ToolsConfig          `json:"tools" yaml:"tools"`
	HTTP          *HTTPConfig          `json:"http,omitempty" yaml:"http,omitempty"`                   // nil = HTTP API disabled
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Schedules     []ScheduleConfig     `json:"schedules,omitempty" yaml:"schedules,omitempty"`
}

// EngineConfig holds the engine defaults. Every value can be overridden by a
// workflow step.
type EngineConfig struct {
	RiskThreshold              *float64 `json:"risk_threshold,omitempty" yaml:"risk_threshold,omitempty"`         // Default: 0.7.
	ToolTimeoutSeconds         int      `json:"tool_timeout_seconds" yaml:"tool_timeout_seconds"`                 // Default: 30.
	MaxRetries                 *int     `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`               // Default: 3.
	RetryDelayMS               int      `json:"retry_delay_ms" yaml:"retry_delay_ms"`                             // Default: 1000.
	WorkflowTimeoutSeconds     int      `json:"workflow_timeout_seconds" yaml:"workflow_timeout_seconds"`         // Default: 1800.
	ConfirmationTimeoutSeconds int      `json:"confirmation_timeout_seconds" yaml:"confirmation_timeout_seconds"` // Default: 300.
	MaxConcurrentWorkflows     int      `json:"max_concurrent_workflows" yaml:"max_concurrent_workflows"`         // Default: 16.
}

// Threshold returns the risk threshold with a default of 0.7.
func (e EngineConfig) Threshold() float64 {
	if e.RiskThreshold != nil {
		return *e.RiskThreshold
	}
	return 0.7
}

// ToolTimeout returns the default per-invocation timeout.
func (e EngineConfig) ToolTimeout() time.Duration {
	if e.ToolTimeoutSeconds > 0 {
		return time.Duration(e.ToolTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// Retries returns the default retry bound with a default of 3.
func (e EngineConfig) Retries() int {
	if e.MaxRetries != nil {
		return *e.MaxRetries
	}
	return 3
}

// RetryDelay returns the fixed delay between attempts.
func (e EngineConfig) RetryDelay() time.Duration {
	if e.RetryDelayMS > 0 {
		return time.Duration(e.RetryDelayMS) * time.Millisecond
	}
	return time.Second
}

// WorkflowTimeout returns the overall workflow deadline.
func (e EngineConfig) WorkflowTimeout() time.Duration {
	if e.WorkflowTimeoutSeconds > 0 {
		return time.Duration(e.WorkflowTimeoutSeconds) * time.Second
	}
	return 30 * time.Minute
}

// ConfirmationTimeout returns how long a gated invocation waits for a decision.
func (e EngineConfig) ConfirmationTimeout() time.Duration {
	if e.ConfirmationTimeoutSeconds > 0 {
		return time.Duration(e.ConfirmationTimeoutSeconds) * time.Second
	}
	return 5 * time.Minute
}

// Concurrency returns the number of workflows allowed to run at once.
func (e EngineConfig) Concurrency() int {
	if e.MaxConcurrentWorkflows > 0 {
		return e.MaxConcurrentWorkflows
	}
	return 16
}

// SecurityConfig feeds the risk assessor.
type SecurityConfig struct {
	AllowedPaths   []string              `json:"allowed_paths" yaml:"allowed_paths"`
	DeniedPaths    []string              `json:"denied_paths" yaml:"denied_paths"`
	AllowedDomains []string              `json:"allowed_domains" yaml:"allowed_domains"`
	DeniedDomains  []string              `json:"denied_domains" yaml:"denied_domains"`
	ThreatPatterns []ThreatPatternConfig `json:"threat_patterns,omitempty" yaml:"threat_patterns,omitempty"` // Added to the built-in catalogue.
}

// ThreatPatternConfig declares an extra threat pattern.
type ThreatPatternConfig struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Pattern     string `json:"pattern" yaml:"pattern"`
	Severity    string `json:"severity" yaml:"severity"` // "low", "medium", "high". Default: "high".
	Category    string `json:"category" yaml:"category"`
}

// ConfirmationConfig configures the confirmation gate and its channels.
type ConfirmationConfig struct {
	Log          bool                `json:"log" yaml:"log"` // Log pending requests. Default when no other channel is configured.
	AutoApproval *AutoApprovalConfig `json:"auto_approval,omitempty" yaml:"auto_approval,omitempty"`
	NATS         *NATSConfig         `json:"nats,omitempty" yaml:"nats,omitempty"`
	WebSocket    *WebSocketConfig    `json:"websocket,omitempty" yaml:"websocket,omitempty"`
	Webhook      *WebhookConfig      `json:"webhook,omitempty" yaml:"webhook,omitempty"`
}

// AutoApprovalConfig controls policy-based automatic decisions.
type AutoApprovalConfig struct {
	Enabled           bool     `json:"enabled" yaml:"enabled"`
	AllowedTools      []string `json:"allowed_tools" yaml:"allowed_tools"`           // Tools eligible for auto-approval.
	DeniedTools       []string `json:"denied_tools" yaml:"denied_tools"`             // Tools always auto-denied.
	MaxScore          float64  `json:"max_score" yaml:"max_score"`                   // Approve at or below this score.
	MaxAutoApprovals  int      `json:"max_auto_approvals" yaml:"max_auto_approvals"` // Per caller per hour. Default: 10.
	RequiredApprovals int      `json:"required_approvals" yaml:"required_approvals"` // Manual approvals before auto. Default: 3.
	WindowHours       int      `json:"window_hours" yaml:"window_hours"`             // Lookback window. Default: 24.
}

// NATSConfig configures the NATS confirmation channel.
type NATSConfig struct {
	URL             string `json:"url" yaml:"url"` // Override: STEPGUARD_NATS_URL env var.
	RequestSubject  string `json:"request_subject" yaml:"request_subject"`
	DecisionSubject string `json:"decision_subject" yaml:"decision_subject"`
}

// WebSocketConfig configures the operator console channel.
type WebSocketConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`   // Default: "/ws/confirmations".
	Token   string `json:"token" yaml:"token"` // Shared operator token. Override: STEPGUARD_WS_TOKEN env var.
}

// WebhookConfig configures the HTTP webhook confirmation channel.
type WebhookConfig struct {
	URL      string            `json:"url" yaml:"url"` // Override: STEPGUARD_WEBHOOK_URL env var.
	Headers  map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	TimeoutS int               `json:"timeout_s,omitempty" yaml:"timeout_s,omitempty"` // Default: 10.
}

// WSPath returns the WebSocket path with a default of "/ws/confirmations".
func (w *WebSocketConfig) WSPath() string {
	if w != nil && w.Path != "" {
		return w.Path
	}
	return "/ws/confirmations"
}

// StorageConfig configures the persistence backend.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/stepguard.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: STEPGUARD_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// AuditConfig configures audit sinks in addition to the store.
type AuditConfig struct {
	File string `json:"file,omitempty" yaml:"file,omitempty"` // JSONL file. Empty = <data_dir>/audit.jsonl. "-" disables.
}

// ToolsConfig declares the tools available to workflows.
type ToolsConfig struct {
	Builtin bool              `json:"builtin" yaml:"builtin"`                 // Register the echo/sleep/fail/flaky drill tools.
	Web     *WebToolConfig    `json:"web,omitempty" yaml:"web,omitempty"`   // nil = http_fetch not registered.
	File    *FileToolConfig   `json:"file,omitempty" yaml:"file,omitempty"` // nil = file tools not registered.
	MCP     []MCPServerConfig `json:"mcp,omitempty" yaml:"mcp,omitempty"`
}

// WebToolConfig configures the http_fetch tool.
type WebToolConfig struct {
	AllowedDomains   []string `json:"allowed_domains" yaml:"allowed_domains"`       // "*.example.com" admits subdomains. Empty = deny all.
	MaxResponseBytes int64    `json:"max_response_bytes" yaml:"max_response_bytes"` // Default: 5 MB.
	TimeoutSeconds   int      `json:"timeout_seconds" yaml:"timeout_seconds"`       // Default: 10.
}

// FileToolConfig configures file_read, file_write and file_delete.
type FileToolConfig struct {
	AllowedPaths     []string `json:"allowed_paths" yaml:"allowed_paths"` // Empty = deny all.
	MaxFileSizeBytes int64    `json:"max_file_size_bytes" yaml:"max_file_size_bytes"`
}

// MCPServerConfig defines a single external MCP server connection.
// stepguard acts as an MCP client, connecting at startup, discovering tools,
// and registering them with the configured risk settings.
type MCPServerConfig struct {
	Name          string                  `json:"name" yaml:"name"`                                             // Server ID used for tool namespacing (e.g., "fs").
	Transport     string                  `json:"transport" yaml:"transport"`                                   // "stdio", "sse", or "streamable_http".
	Command       string                  `json:"command,omitempty" yaml:"command,omitempty"`                   // Executable to launch (stdio only).
	Args          []string                `json:"args,omitempty" yaml:"args,omitempty"`                         // Command arguments (stdio only).
	Env           map[string]string       `json:"env,omitempty" yaml:"env,omitempty"`                           // Subprocess env vars (stdio only). Values support ${VAR} expansion.
	URL           string                  `json:"url,omitempty" yaml:"url,omitempty"`                           // Server endpoint (sse/streamable_http only).
	Headers       map[string]string       `json:"headers,omitempty" yaml:"headers,omitempty"`                   // HTTP headers (sse/streamable_http). Values support ${VAR} expansion.
	Category      string                  `json:"category,omitempty" yaml:"category,omitempty"`                 // Default: "mcp".
	RiskLevel     string                  `json:"risk_level,omitempty" yaml:"risk_level,omitempty"`             // "low", "medium", "high", "critical". Default: "medium".
	Overrides     map[string]ToolOverride `json:"overrides,omitempty" yaml:"overrides,omitempty"`               // Per remote tool name.
	TransientText []string                `json:"transient_errors,omitempty" yaml:"transient_errors,omitempty"` // Error substrings retried as transient.
}

// ToolOverride adjusts the descriptor of one discovered MCP tool.
type ToolOverride struct {
	RiskLevel            string   `json:"risk_level,omitempty" yaml:"risk_level,omitempty"`
	Category             string   `json:"category,omitempty" yaml:"category,omitempty"`
	SupportsCompensation bool     `json:"supports_compensation" yaml:"supports_compensation"`
	TimeoutSeconds       int      `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	Dependencies         []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// HTTPConfig configures the HTTP API.
type HTTPConfig struct {
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080".
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeys             map[string]string `json:"api_keys" yaml:"api_keys"` // SHA-256 hex of API key → caller identity.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address with a default of ":8080".
func (h *HTTPConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// RateLimitConfig configures per-caller rate limiting of workflow submissions.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "stepguard"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev

	Headers    map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`       // Sent with every export, e.g. auth.
	Attributes map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"` // Extra resource attributes, e.g. deployment.environment.
}

// AnomalyConfig configures failure-rate anomaly detection per tool.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% failed attempts
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Default: 300.
}

// ScheduleConfig submits a workflow definition file on a cron schedule.
type ScheduleConfig struct {
	Name     string `json:"name" yaml:"name"`
	Cron     string `json:"cron" yaml:"cron"`         // 5-field cron expression.
	Workflow string `json:"workflow" yaml:"workflow"` // Path to a YAML or JSON workflow definition.
	Caller   string `json:"caller" yaml:"caller"`     // Default: "scheduler".
}

// DefaultConfigPath returns the default config file path (~/.stepguard/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/stepguard.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".stepguard", "config.yaml")
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{Tools: ToolsConfig{Builtin: true}}
	cfg.applyEnv()
	cfg.resolveDataDir()
	return cfg
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Environment variables take precedence over config values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	cfg, err := Parse(data, filepath.Ext(resolved))
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", resolved, err)
	}
	return cfg, nil
}

// Parse decodes config bytes in the format named by ext, applies environment
// overrides and validates the result.
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decoding YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decoding JSON: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.resolveDataDir()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("STEPGUARD_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("STEPGUARD_RISK_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Engine.RiskThreshold = &f
		}
	}
	if v := os.Getenv("STEPGUARD_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Engine.MaxRetries = &n
		}
	}
	if v := os.Getenv("STEPGUARD_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("STEPGUARD_NATS_URL"); v != "" {
		if c.Confirmation.NATS == nil {
			c.Confirmation.NATS = &NATSConfig{}
		}
		c.Confirmation.NATS.URL = v
	}
	if v := os.Getenv("STEPGUARD_WEBHOOK_URL"); v != "" {
		if c.Confirmation.Webhook == nil {
			c.Confirmation.Webhook = &WebhookConfig{}
		}
		c.Confirmation.Webhook.URL = v
	}
	if v := os.Getenv("STEPGUARD_WS_TOKEN"); v != "" && c.Confirmation.WebSocket != nil {
		c.Confirmation.WebSocket.Token = v
	}
}

func (c *Config) resolveDataDir() {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			c.DataDir = "data"
			return
		}
		c.DataDir = filepath.Join(home, ".stepguard", "data")
		return
	}
	if resolved, err := resolvePath(c.DataDir); err == nil {
		c.DataDir = resolved
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.DataDir, "stepguard.db")
}

// AuditLogPath returns the JSONL audit file path, or "" when disabled.
func (c *Config) AuditLogPath() string {
	switch c.Audit.File {
	case "-":
		return ""
	case "":
		return filepath.Join(c.DataDir, "audit.jsonl")
	default:
		return c.Audit.File
	}
}

// Validate checks value ranges and cross-field requirements.
func (c *Config) Validate() error {
	if t := c.Engine.Threshold(); t < 0 || t > 1 {
		return fmt.Errorf("engine.risk_threshold %.2f must be within [0,1]", t)
	}
	if c.Engine.Retries() < 0 {
		return fmt.Errorf("engine.max_retries must not be negative")
	}
	if c.Engine.ToolTimeoutSeconds < 0 || c.Engine.WorkflowTimeoutSeconds < 0 ||
		c.Engine.ConfirmationTimeoutSeconds < 0 || c.Engine.RetryDelayMS < 0 {
		return fmt.Errorf("engine timeouts and delays must not be negative")
	}
	if c.Engine.MaxConcurrentWorkflows < 0 {
		return fmt.Errorf("engine.max_concurrent_workflows must not be negative")
	}
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "postgres":
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.Storage.StorageDriver() == "postgres" && c.Storage != nil && (c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "") {
		return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
	}
	if a := c.Confirmation.AutoApproval; a != nil && (a.MaxScore < 0 || a.MaxScore > 1) {
		return fmt.Errorf("confirmation.auto_approval.max_score must be within [0,1]")
	}
	if w := c.Confirmation.Webhook; w != nil && (w.URL == "" || w.TimeoutS < 0) {
		return fmt.Errorf("confirmation.webhook needs a url and a non-negative timeout_s")
	}
	for i, p := range c.Security.ThreatPatterns {
		if p.Name == "" || p.Pattern == "" {
			return fmt.Errorf("security.threat_patterns[%d]: name and pattern are required", i)
		}
	}
	mcpNames := make(map[string]bool, len(c.Tools.MCP))
	for i, srv := range c.Tools.MCP {
		if srv.Name == "" {
			return fmt.Errorf("tools.mcp[%d].name is required", i)
		}
		if mcpNames[srv.Name] {
			return fmt.Errorf("tools.mcp[%d]: duplicate server name %q", i, srv.Name)
		}
		mcpNames[srv.Name] = true
		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				return fmt.Errorf("tools.mcp[%d] (%q): command is required for stdio transport", i, srv.Name)
			}
		case "sse", "streamable_http":
			if srv.URL == "" {
				return fmt.Errorf("tools.mcp[%d] (%q): url is required for %s transport", i, srv.Name, srv.Transport)
			}
		default:
			return fmt.Errorf("tools.mcp[%d] (%q): transport must be stdio, sse, or streamable_http", i, srv.Name)
		}
	}
	for i, s := range c.Schedules {
		if s.Cron == "" || s.Workflow == "" {
			return fmt.Errorf("schedules[%d]: cron and workflow are required", i)
		}
	}
	return nil
}
