package orchestrator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jkaninda/stepguard/internal/tools"
)

// Definition is a workflow as submitted: name, ordered steps and policy.
type Definition struct {
	Name           string           `json:"name" yaml:"name"`
	Description    string           `json:"description,omitempty" yaml:"description,omitempty"`
	FailurePolicy  FailurePolicy    `json:"failure_policy,omitempty" yaml:"failure_policy,omitempty"` // Default: abort.
	TimeoutSeconds int              `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	Steps          []StepDefinition `json:"steps" yaml:"steps"`
}

// StepDefinition declares one step. Override fields left at zero use the
// engine defaults.
type StepDefinition struct {
	Name           string         `json:"name,omitempty" yaml:"name,omitempty"`
	Tool           string         `json:"tool" yaml:"tool"`
	Parameters     map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Compensation   *Action        `json:"compensation,omitempty" yaml:"compensation,omitempty"`
	Independent    bool           `json:"independent,omitempty" yaml:"independent,omitempty"`
	BestEffort     bool           `json:"best_effort,omitempty" yaml:"best_effort,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	MaxRetries     *int           `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	RetryDelayMS   int            `json:"retry_delay_ms,omitempty" yaml:"retry_delay_ms,omitempty"`
	RiskThreshold  *float64       `json:"risk_threshold,omitempty" yaml:"risk_threshold,omitempty"`

	ConfirmationTimeoutSeconds int `json:"confirmation_timeout_seconds,omitempty" yaml:"confirmation_timeout_seconds,omitempty"`
}

// LoadDefinition reads a definition file. The format follows the extension:
// .json is JSON, anything else is YAML.
func LoadDefinition(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("reading workflow definition: %w", err)
	}
	return ParseDefinition(data, filepath.Ext(path))
}

// ParseDefinition decodes a definition. format is "json", "yaml" or a file
// extension; unknown fields are rejected.
func ParseDefinition(data []byte, format string) (Definition, error) {
	var def Definition
	switch strings.TrimPrefix(strings.ToLower(format), ".") {
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		dec.UseNumber()
		if err := dec.Decode(&def); err != nil {
			return def, fmt.Errorf("%w: parsing JSON: %w", ErrInvalidWorkflow, err)
		}
		for i := range def.Steps {
			def.Steps[i].Parameters = normalizeNumbers(def.Steps[i].Parameters)
			if c := def.Steps[i].Compensation; c != nil {
				c.Parameters = normalizeNumbers(c.Parameters)
			}
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&def); err != nil {
			return def, fmt.Errorf("%w: parsing YAML: %w", ErrInvalidWorkflow, err)
		}
	}
	return def, nil
}

// normalizeNumbers turns json.Number into int64 when integral, float64 otherwise.
func normalizeNumbers(m map[string]any) map[string]any {
	for k, v := range m {
		m[k] = normalizeNumber(v)
	}
	return m
}

func normalizeNumber(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		f, _ := x.Float64()
		return f
	case map[string]any:
		return normalizeNumbers(x)
	case []any:
		for i := range x {
			x[i] = normalizeNumber(x[i])
		}
		return x
	default:
		return v
	}
}

// Validate checks the definition against the registry. Every problem found
// is reported, joined, and wrapped in ErrInvalidWorkflow.
func (d Definition) Validate(reg *tools.Registry) error {
	var errs []error
	if strings.TrimSpace(d.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if len(d.Steps) == 0 {
		errs = append(errs, errors.New("at least one step is required"))
	}
	if d.FailurePolicy != "" && !d.FailurePolicy.valid() {
		errs = append(errs, fmt.Errorf("unknown failure policy %q", d.FailurePolicy))
	}
	if d.TimeoutSeconds < 0 {
		errs = append(errs, errors.New("timeout_seconds must not be negative"))
	}

	for i, s := range d.Steps {
		if err := s.validate(reg); err != nil {
			errs = append(errs, fmt.Errorf("step %d (%s): %w", i, s.Tool, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidWorkflow, errors.Join(errs...))
	}
	return nil
}

func (s StepDefinition) validate(reg *tools.Registry) error {
	desc, err := reg.Lookup(s.Tool)
	if err != nil {
		return err
	}
	if err := desc.Validate(s.Parameters); err != nil {
		return err
	}
	if s.TimeoutSeconds < 0 || s.RetryDelayMS < 0 || s.ConfirmationTimeoutSeconds < 0 {
		return errors.New("timeouts and delays must not be negative")
	}
	if s.MaxRetries != nil && *s.MaxRetries < 0 {
		return errors.New("max_retries must not be negative")
	}
	if s.RiskThreshold != nil && (*s.RiskThreshold < 0 || *s.RiskThreshold > 1) {
		return fmt.Errorf("risk_threshold %v outside [0,1]", *s.RiskThreshold)
	}
	if s.Compensation == nil {
		return nil
	}
	if !desc.SupportsCompensation {
		return fmt.Errorf("tool %q does not support compensation", desc.Name)
	}
	comp, err := reg.Lookup(s.Compensation.Tool)
	if err != nil {
		return fmt.Errorf("compensation: %w", err)
	}
	if err := comp.Validate(s.Compensation.Parameters); err != nil {
		return fmt.Errorf("compensation: %w", err)
	}
	return nil
}

// newWorkflow builds the pending workflow for a validated definition.
func newWorkflow(id string, d Definition, submittedBy string, defaultTimeout time.Duration, now time.Time) *Workflow {
	wf := &Workflow{
		ID:            id,
		Name:          d.Name,
		Description:   d.Description,
		Status:        WorkflowPending,
		FailurePolicy: d.FailurePolicy,
		Timeout:       time.Duration(d.TimeoutSeconds) * time.Second,
		SubmittedBy:   submittedBy,
		CreatedAt:     now,
		UpdatedAt:     now,
		Steps:         make([]Step, len(d.Steps)),
	}
	if wf.FailurePolicy == "" {
		wf.FailurePolicy = PolicyAbort
	}
	if wf.Timeout <= 0 {
		wf.Timeout = defaultTimeout
	}
	for i, s := range d.Steps {
		step := Step{
			Name:          s.Name,
			Tool:          s.Tool,
			Parameters:    cloneMap(s.Parameters),
			Independent:   s.Independent,
			BestEffort:    s.BestEffort,
			Timeout:       time.Duration(s.TimeoutSeconds) * time.Second,
			MaxRetries:    clonePtr(s.MaxRetries),
			RetryDelay:    time.Duration(s.RetryDelayMS) * time.Millisecond,
			RiskThreshold: clonePtr(s.RiskThreshold),
			Status:        StepPending,

			ConfirmationTimeout: time.Duration(s.ConfirmationTimeoutSeconds) * time.Second,
		}
		if s.Compensation != nil {
			step.Compensation = &Action{Tool: s.Compensation.Tool, Parameters: cloneMap(s.Compensation.Parameters)}
		}
		wf.Steps[i] = step
	}
	return wf
}
