// Package mcp provides an MCP (Model Context Protocol) client bridge that
// discovers tools from external MCP servers and registers them as tool
// descriptors. MCP tools flow through the same risk gate, retry policy and
// audit log as native tools.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/stepguard/internal/config"
	"github.com/jkaninda/stepguard/internal/security"
	"github.com/jkaninda/stepguard/internal/tools"
)

const defaultCategory = "mcp"

// --- remoteTool: one MCP tool behind a tools.Handler ---

type remoteTool struct {
	client       mcpclient.MCPClient
	serverName   string
	originalName string
	transient    []string
	logger       *slog.Logger
}

func (t *remoteTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	t.logger.InfoContext(ctx, "mcp tool executing",
		slog.String("server", t.serverName),
		slog.String("tool", t.originalName),
	)

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = t.originalName
	callReq.Params.Arguments = params

	callResult, err := t.client.CallTool(ctx, callReq)
	if err != nil {
		err = fmt.Errorf("MCP call to %s/%s failed: %w", t.serverName, t.originalName, err)
		if ctx.Err() != nil {
			return nil, err
		}
		// The connection, not the tool, failed.
		return nil, tools.Transient(err)
	}

	output := formatMCPContent(callResult.Content)
	if callResult.IsError {
		err := fmt.Errorf("%s/%s: %s", t.serverName, t.originalName, output)
		if t.isTransient(output) {
			return nil, tools.Transient(err)
		}
		return nil, tools.Permanent(err)
	}

	return &tools.Result{
		Output: tools.TruncateOutput(output, tools.MaxOutputBytes),
		Metadata: map[string]any{
			"mcp_server":    t.serverName,
			"mcp_tool":      t.originalName,
			"content_items": len(callResult.Content),
		},
	}, nil
}

func (t *remoteTool) isTransient(msg string) bool {
	msg = strings.ToLower(msg)
	for _, s := range t.transient {
		if s != "" && strings.Contains(msg, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

// formatMCPContent converts MCP content items to a single string.
func formatMCPContent(content []mcp.Content) string {
	var sb strings.Builder
	for i, c := range content {
		if i > 0 {
			sb.WriteString("\n")
		}
		if tc, ok := mcp.AsTextContent(c); ok {
			sb.WriteString(tc.Text)
		} else {
			// For non-text content (image, audio, resource), serialize as JSON.
			data, _ := json.Marshal(c)
			sb.WriteString(string(data))
		}
	}
	return sb.String()
}

// --- Bridge: manages MCP client lifecycle ---

// Bridge manages the lifecycle of MCP client connections and produces
// descriptors for the tool registry.
type Bridge struct {
	mu      sync.Mutex
	clients []mcpclient.MCPClient
	logger  *slog.Logger
}

// NewBridge creates a bridge that will manage MCP server connections.
func NewBridge(logger *slog.Logger) *Bridge {
	return &Bridge{logger: logger}
}

// DiscoverAll connects to every configured server and returns the
// discovered descriptors. A server that fails to connect is reported and
// skipped; the returned error joins every failure.
func (b *Bridge) DiscoverAll(ctx context.Context, servers []config.MCPServerConfig) ([]tools.Descriptor, error) {
	var (
		out  []tools.Descriptor
		errs []error
	)
	for _, srv := range servers {
		descs, err := b.Discover(ctx, srv)
		if err != nil {
			b.logger.Error("MCP server unavailable",
				slog.String("server", srv.Name),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
			continue
		}
		out = append(out, descs...)
	}
	return out, errors.Join(errs...)
}

// Discover connects to one MCP server, performs the initialization
// handshake and returns a descriptor per discovered tool.
func (b *Bridge) Discover(ctx context.Context, cfg config.MCPServerConfig) ([]tools.Descriptor, error) {
	c, err := b.createClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating MCP client for %q: %w", cfg.Name, err)
	}
	return b.discover(ctx, cfg, c)
}

func (b *Bridge) discover(ctx context.Context, cfg config.MCPServerConfig, c mcpclient.MCPClient) ([]tools.Descriptor, error) {
	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "stepguard",
		Version: "1.0.0",
	}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("MCP initialize for %q: %w", cfg.Name, err)
	}

	b.mu.Lock()
	b.clients = append(b.clients, c)
	b.mu.Unlock()

	listResp, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("MCP list tools for %q: %w", cfg.Name, err)
	}

	category := cfg.Category
	if category == "" {
		category = defaultCategory
	}
	riskLevel := security.RiskMedium
	if cfg.RiskLevel != "" {
		riskLevel = security.ParseRiskLevel(cfg.RiskLevel)
	}

	descs := make([]tools.Descriptor, 0, len(listResp.Tools))
	for _, t := range listResp.Tools {
		d := tools.Descriptor{
			Name:        fmt.Sprintf("mcp__%s__%s", cfg.Name, t.Name),
			Category:    category,
			Author:      cfg.Name,
			Description: fmt.Sprintf("[MCP:%s] %s", cfg.Name, t.Description),
			RiskLevel:   riskLevel,
			Parameters:  convertInputSchema(t.InputSchema),
			Handler: &remoteTool{
				client:       c,
				serverName:   cfg.Name,
				originalName: t.Name,
				transient:    cfg.TransientText,
				logger:       b.logger,
			},
		}
		if o, ok := cfg.Overrides[t.Name]; ok {
			applyOverride(&d, o)
		}
		descs = append(descs, d)
	}

	b.logger.Info("MCP server connected",
		slog.String("server", cfg.Name),
		slog.String("transport", cfg.Transport),
		slog.Int("tools_discovered", len(descs)),
		slog.String("risk_level", riskLevel.String()),
	)

	return descs, nil
}

func applyOverride(d *tools.Descriptor, o config.ToolOverride) {
	if o.RiskLevel != "" {
		d.RiskLevel = security.ParseRiskLevel(o.RiskLevel)
	}
	if o.Category != "" {
		d.Category = o.Category
	}
	if o.TimeoutSeconds > 0 {
		d.Timeout = time.Duration(o.TimeoutSeconds) * time.Second
	}
	d.SupportsCompensation = o.SupportsCompensation
	d.Dependencies = append([]string(nil), o.Dependencies...)
}

// Close shuts down all MCP client connections.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.clients {
		if err := c.Close(); err != nil {
			b.logger.Error("closing MCP client", slog.String("error", err.Error()))
		}
	}
	b.clients = nil
}

// createClient creates the appropriate MCP client based on transport type.
func (b *Bridge) createClient(ctx context.Context, cfg config.MCPServerConfig) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case "stdio":
		env := expandEnvMap(cfg.Env)
		return mcpclient.NewStdioMCPClient(cfg.Command, env, cfg.Args...)

	case "sse":
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(expandEnvToMap(cfg.Headers)))
		}
		c, err := mcpclient.NewSSEMCPClient(cfg.URL, opts...)
		if err != nil {
			return nil, err
		}
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("starting SSE transport: %w", err)
		}
		return c, nil

	case "streamable_http":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(expandEnvToMap(cfg.Headers)))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport: %s", cfg.Transport)
	}
}

// convertInputSchema maps the JSON Schema properties of an MCP tool onto
// registry parameters. Properties without a single known type accept any value.
func convertInputSchema(schema mcp.ToolInputSchema) []tools.Param {
	required := make(map[string]bool, len(schema.Required))
	for _, r := range schema.Required {
		required[r] = true
	}

	names := make([]string, 0, len(schema.Properties))
	for name := range schema.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	params := make([]tools.Param, 0, len(names))
	for _, name := range names {
		p := tools.Param{Name: name, Type: tools.TypeAny, Required: required[name]}
		if prop, ok := schema.Properties[name].(map[string]any); ok {
			if typ, ok := prop["type"].(string); ok {
				p.Type = paramType(typ)
			}
			p.Description, _ = prop["description"].(string)
			if p.Type == tools.TypeString {
				p.Enum = stringEnum(prop["enum"])
			}
		}
		params = append(params, p)
	}
	return params
}

// stringEnum accepts the enum as decoded from the wire or as built in process.
func stringEnum(v any) []string {
	switch enum := v.(type) {
	case []string:
		return append([]string(nil), enum...)
	case []any:
		var out []string
		for _, e := range enum {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func paramType(jsonType string) tools.ParamType {
	switch t := tools.ParamType(jsonType); t {
	case tools.TypeString, tools.TypeInteger, tools.TypeNumber, tools.TypeBoolean, tools.TypeObject, tools.TypeArray:
		return t
	}
	return tools.TypeAny
}

// expandEnvMap converts a map of key→value to a []string of "KEY=expanded_value".
func expandEnvMap(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, k+"="+os.ExpandEnv(v))
	}
	return env
}

// expandEnvToMap returns a new map with values expanded via os.ExpandEnv.
func expandEnvToMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = os.ExpandEnv(v)
	}
	return out
}
