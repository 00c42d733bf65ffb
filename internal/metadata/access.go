package metadata

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
)

// Operations an access rule can govern.
const (
	OpRead       = "read"
	OpCreate     = "create"
	OpUpdate     = "update"
	OpDelete     = "delete"
	OpTransition = "transition"
)

// AccessRule decides whether a session may perform an operation. Checks run in
// order: Func, Public, Roles, Condition, Where. Where values may reference the
// session with "$session.id" or "$session.roles".
type AccessRule struct {
	Public    bool        `json:"public,omitempty"`
	Roles     []string    `json:"roles,omitempty"`
	Condition string      `json:"condition,omitempty"` // expr over session, row, input, operation
	Where     []Condition `json:"where,omitempty"`

	Func AccessFunc `json:"-"`

	// CompiledCondition holds the compiled condition program (set by Prepare).
	CompiledCondition any `json:"-"`
}

// Condition is a single field comparison.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

type AccessRequest struct {
	Operation string
	Session   *Session
	Row       map[string]any
	Input     map[string]any
}

type AccessFunc func(ctx context.Context, req AccessRequest) (AccessResult, error)

// AccessResult is allow, deny, or allow restricted to rows matching Where.
type AccessResult struct {
	Allowed bool
	Where   []Condition
}

func Allow() AccessResult { return AccessResult{Allowed: true} }
func Deny() AccessResult  { return AccessResult{} }

func AllowWhere(conds ...Condition) AccessResult {
	return AccessResult{Allowed: true, Where: conds}
}

// Conditional reports whether the result only permits matching rows.
func (r AccessResult) Conditional() bool {
	return r.Allowed && len(r.Where) > 0
}

type AccessRules struct {
	Read       *AccessRule `json:"read,omitempty"`
	Create     *AccessRule `json:"create,omitempty"`
	Update     *AccessRule `json:"update,omitempty"`
	Delete     *AccessRule `json:"delete,omitempty"`
	Transition *AccessRule `json:"transition,omitempty"`
}

// For returns the rule governing op, or nil when none is defined.
func (a AccessRules) For(op string) *AccessRule {
	switch op {
	case OpRead:
		return a.Read
	case OpCreate:
		return a.Create
	case OpUpdate:
		return a.Update
	case OpDelete:
		return a.Delete
	case OpTransition:
		return a.Transition
	}
	return nil
}

func (a AccessRules) all() []*AccessRule {
	return []*AccessRule{a.Read, a.Create, a.Update, a.Delete, a.Transition}
}

// FieldAccess restricts reading or writing a single field.
type FieldAccess struct {
	Read   *AccessRule `json:"read,omitempty"`
	Create *AccessRule `json:"create,omitempty"`
	Update *AccessRule `json:"update,omitempty"`
}

func (f *FieldAccess) For(op string) *AccessRule {
	if f == nil {
		return nil
	}
	switch op {
	case OpRead:
		return f.Read
	case OpCreate:
		return f.Create
	case OpUpdate:
		return f.Update
	}
	return nil
}

func (r *AccessRule) compile() error {
	if r == nil || r.Condition == "" || r.CompiledCondition != nil {
		return nil
	}
	prog, err := expr.Compile(r.Condition, expr.AsBool())
	if err != nil {
		return fmt.Errorf("compile access condition %q: %w", r.Condition, err)
	}
	r.CompiledCondition = prog
	return nil
}
