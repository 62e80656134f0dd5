package tools

import (
	"fmt"
	"math"
	"slices"
	"sort"
)

// ParamType is the declared type of a tool parameter.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeObject  ParamType = "object"
	TypeArray   ParamType = "array"

	// TypeAny accepts any value. Used for schemas that declare no single type.
	TypeAny ParamType = "any"
)

func (t ParamType) valid() bool {
	switch t {
	case TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeObject, TypeArray, TypeAny:
		return true
	}
	return false
}

// Param describes one named parameter of a tool.
type Param struct {
	Name        string    `json:"name" yaml:"name"`
	Type        ParamType `json:"type" yaml:"type"`
	Required    bool      `json:"required,omitempty" yaml:"required"`
	Description string    `json:"description,omitempty" yaml:"description"`

	// Enum restricts string values when non-empty.
	Enum []string `json:"enum,omitempty" yaml:"enum"`
}

// Validate checks params against the descriptor's schema. Unknown names,
// missing required names, wrong types and enum mismatches are rejected with
// ErrInvalidParameters. No handler is involved, so a failure has no side effects.
func (d Descriptor) Validate(params map[string]any) error {
	declared := make(map[string]Param, len(d.Parameters))
	for _, p := range d.Parameters {
		declared[p.Name] = p
	}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p, ok := declared[name]
		if !ok {
			return fmt.Errorf("%w: %s: unknown parameter %q", ErrInvalidParameters, d.Name, name)
		}
		if err := p.check(params[name]); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidParameters, d.Name, err)
		}
	}
	for _, p := range d.Parameters {
		if !p.Required {
			continue
		}
		if v, ok := params[p.Name]; !ok || v == nil {
			return fmt.Errorf("%w: %s: missing required parameter %q", ErrInvalidParameters, d.Name, p.Name)
		}
	}
	return nil
}

func (p Param) check(v any) error {
	if v == nil {
		return nil
	}
	if !matchesType(p.Type, v) {
		return fmt.Errorf("parameter %q must be %s, got %T", p.Name, p.Type, v)
	}
	if len(p.Enum) > 0 {
		s, _ := v.(string)
		if !slices.Contains(p.Enum, s) {
			return fmt.Errorf("parameter %q must be one of %v", p.Name, p.Enum)
		}
	}
	return nil
}

// matchesType accepts the Go types produced by encoding/json and yaml.v3 decoding.
func matchesType(t ParamType, v any) bool {
	switch t {
	case TypeAny:
		return true
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeInteger:
		switch n := v.(type) {
		case int, int32, int64, uint, uint32, uint64:
			return true
		case float64:
			return n == math.Trunc(n)
		}
		return false
	case TypeNumber:
		switch v.(type) {
		case int, int32, int64, uint, uint32, uint64, float32, float64:
			return true
		}
		return false
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	case TypeArray:
		switch v.(type) {
		case []any, []string:
			return true
		}
		return false
	}
	return false
}
