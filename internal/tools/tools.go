// Package tools defines the tool descriptor, the handler interface the engine
// invokes tools through, and the registry that holds both.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jkaninda/stepguard/internal/security"
)

// Sentinel errors for registry misuse and parameter validation.
var (
	ErrUnknownTool       = errors.New("unknown tool")
	ErrDuplicateTool     = errors.New("duplicate tool")
	ErrInvalidParameters = errors.New("invalid parameters")
	ErrInvalidDescriptor = errors.New("invalid tool descriptor")
	ErrRegistryFrozen    = errors.New("tool registry is frozen")
	ErrMissingDependency = errors.New("missing tool dependency")
)

// Handler is the capability through which the engine runs a tool.
// The deadline travels on ctx. A returned error is permanent unless wrapped
// with Transient.
type Handler interface {
	Execute(ctx context.Context, params map[string]any) (*Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, params map[string]any) (*Result, error)

// Execute calls f.
func (f HandlerFunc) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	return f(ctx, params)
}

// Result is the outcome of a tool execution.
type Result struct {
	Output   string         `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// MaxOutputBytes is the default cap for tool output to prevent OOM.
const MaxOutputBytes = 1 << 20 // 1 MB

// Descriptor is the static description of a tool. The registry keeps its
// own copy, so later changes by the caller are not observed.
type Descriptor struct {
	Name                 string             `json:"name"`
	Category             string             `json:"category"`
	Version              string             `json:"version,omitempty"`
	Author               string             `json:"author,omitempty"`
	Description          string             `json:"description,omitempty"`
	RiskLevel            security.RiskLevel `json:"risk_level"`
	Parameters           []Param            `json:"parameters,omitempty"`
	SupportsCompensation bool               `json:"supports_compensation"`
	Dependencies         []string           `json:"dependencies,omitempty"`

	// Timeout is the per-tool default; zero means the engine default.
	Timeout time.Duration `json:"timeout,omitempty"`
	Handler Handler       `json:"-"`
}

// Subject returns the risk assessment input for params bound to this tool.
func (d Descriptor) Subject(params map[string]any) security.Subject {
	return security.Subject{
		Tool:       d.Name,
		Category:   d.Category,
		Level:      d.RiskLevel,
		Parameters: params,
	}
}

func (d Descriptor) clone() Descriptor {
	c := d
	c.Parameters = make([]Param, len(d.Parameters))
	for i, p := range d.Parameters {
		p.Enum = append([]string(nil), p.Enum...)
		c.Parameters[i] = p
	}
	c.Dependencies = append([]string(nil), d.Dependencies...)
	return c
}

func (d Descriptor) check() error {
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDescriptor)
	}
	if d.Handler == nil {
		return fmt.Errorf("%w: tool %q has no handler", ErrInvalidDescriptor, d.Name)
	}
	seen := make(map[string]bool, len(d.Parameters))
	for _, p := range d.Parameters {
		if p.Name == "" {
			return fmt.Errorf("%w: tool %q has a parameter without a name", ErrInvalidDescriptor, d.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: tool %q declares parameter %q twice", ErrInvalidDescriptor, d.Name, p.Name)
		}
		seen[p.Name] = true
		if !p.Type.valid() {
			return fmt.Errorf("%w: tool %q parameter %q has unknown type %q", ErrInvalidDescriptor, d.Name, p.Name, p.Type)
		}
	}
	return nil
}

// contextKey is an unexported type for context keys defined in this package.
type contextKey int

const callerKey contextKey = iota

// ContextWithCaller returns a new context carrying the caller identity.
// The invoker passes it to handlers so they can scope their work.
func ContextWithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// CallerFromContext extracts the caller identity from context, or "" if not set.
func CallerFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(callerKey).(string); ok {
		return v
	}
	return ""
}

// TruncateOutput caps a string at maxBytes, appending a truncation notice if cut.
func TruncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	const suffix = "\n... [output truncated]"
	if maxBytes <= len(suffix) {
		return s[:maxBytes]
	}
	return s[:maxBytes-len(suffix)] + suffix
}

// Registry holds tool descriptors keyed by name.
// Registration happens at startup; after Freeze the registry is read-only.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Descriptor
	frozen bool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Descriptor)}
}

// Register adds a descriptor. It fails with ErrDuplicateTool if the name is taken.
func (r *Registry) Register(d Descriptor) error {
	if err := d.check(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("%w: cannot register %q", ErrRegistryFrozen, d.Name)
	}
	if _, exists := r.tools[d.Name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateTool, d.Name)
	}
	r.tools[d.Name] = d.clone()
	return nil
}

// MustRegister is Register for startup wiring of built-in tools.
func (r *Registry) MustRegister(d Descriptor) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Freeze ends the registration window.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Lookup returns the descriptor by name.
func (r *Registry) Lookup(name string) (Descriptor, error) {
	r.mu.RLock()
	d, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return d.clone(), nil
}

// List returns a snapshot of all descriptors sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, d := range r.tools {
		out = append(out, d.clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ByCategory returns the descriptors in the category, sorted by name.
func (r *Registry) ByCategory(category string) []Descriptor {
	var out []Descriptor
	for _, d := range r.List() {
		if d.Category == category {
			out = append(out, d)
		}
	}
	return out
}

// CheckDependencies verifies every declared dependency is registered.
func (r *Registry) CheckDependencies() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var errs []error
	for _, d := range r.tools {
		for _, dep := range d.Dependencies {
			if _, ok := r.tools[dep]; !ok {
				errs = append(errs, fmt.Errorf("%w: %q requires %q", ErrMissingDependency, d.Name, dep))
			}
		}
	}
	sort.Slice(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
	return errors.Join(errs...)
}
