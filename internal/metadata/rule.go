package metadata

import (
	"fmt"

	"github.com/expr-lang/expr"
)

// RuleDefinition is the body of a validation or computed rule.
type RuleDefinition struct {
	// Field rules
	Field    string `json:"field,omitempty"`
	Operator string `json:"operator,omitempty"` // min, max, min_length, max_length, pattern
	Value    any    `json:"value,omitempty"`

	// Expression / computed rules
	Expression string `json:"expression,omitempty"`

	// Shared
	Message    string `json:"message,omitempty"`
	StopOnFail bool   `json:"stop_on_fail,omitempty"`
}

// Rule is a declarative check run during validation. Expression rules fail
// when their expression is true; computed rules assign Definition.Field.
type Rule struct {
	Type       string         `json:"type"` // "field", "expression", "computed"
	Definition RuleDefinition `json:"definition"`
	Priority   int            `json:"priority,omitempty"`
	Inactive   bool           `json:"inactive,omitempty"`

	// Compiled holds the compiled expression program (set at load time, not serialized).
	Compiled any `json:"-"`
}

func (r *Rule) compile() error {
	if r.Compiled != nil {
		return nil
	}
	switch r.Type {
	case "field":
		if r.Definition.Field == "" {
			return fmt.Errorf("field rule without field")
		}
		return nil
	case "expression":
		prog, err := expr.Compile(r.Definition.Expression, expr.AsBool())
		if err != nil {
			return fmt.Errorf("compile rule expression: %w", err)
		}
		r.Compiled = prog
	case "computed":
		if r.Definition.Field == "" {
			return fmt.Errorf("computed rule without field")
		}
		prog, err := expr.Compile(r.Definition.Expression)
		if err != nil {
			return fmt.Errorf("compile computed expression: %w", err)
		}
		r.Compiled = prog
	default:
		return fmt.Errorf("unknown rule type %q", r.Type)
	}
	return nil
}
