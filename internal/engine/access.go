package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"rocket-collections/internal/metadata"
)

// enforce evaluates the collection rule for op. A denial is returned as a
// Forbidden error; a conditional result carries the Where the caller must
// apply.
func (c *Collection) enforce(ctx context.Context, op string, oc OpContext, row, input map[string]any) (metadata.AccessResult, error) {
	if oc.IsSystem() {
		return metadata.Allow(), nil
	}
	rule := c.entity.Access.For(op)
	if rule == nil {
		return metadata.Allow(), nil
	}
	res, reason, err := evaluateRule(ctx, rule, metadata.AccessRequest{
		Operation: op,
		Session:   oc.Session,
		Row:       row,
		Input:     input,
	})
	if err != nil {
		return res, err
	}
	if !res.Allowed {
		return res, Forbidden(op, c.entity.Name, reason)
	}
	return res, nil
}

// enforceRow enforces op against an already-loaded row; a conditional result
// must match the row itself.
func (c *Collection) enforceRow(ctx context.Context, op string, oc OpContext, row, input map[string]any) error {
	res, err := c.enforce(ctx, op, oc, row, input)
	if err != nil {
		return err
	}
	if res.Conditional() && !matchConditions(res.Where, row) {
		return Forbidden(op, c.entity.Name, "record does not satisfy the access condition")
	}
	return nil
}

func evaluateRule(ctx context.Context, rule *metadata.AccessRule, req metadata.AccessRequest) (metadata.AccessResult, string, error) {
	if rule.Func != nil {
		res, err := rule.Func(ctx, req)
		if err != nil {
			return res, "", err
		}
		res.Where = resolveSessionConditions(res.Where, req.Session)
		return res, "access function denied", nil
	}

	if !rule.Public && req.Session == nil {
		return metadata.Deny(), "authentication required", nil
	}
	if len(rule.Roles) > 0 && (req.Session == nil || !hasRoleIntersection(req.Session.Roles, rule.Roles)) {
		return metadata.Deny(), "missing required role", nil
	}
	if prog, ok := rule.CompiledCondition.(*vm.Program); ok && prog != nil {
		env := map[string]any{
			"session":   sessionEnv(req.Session),
			"row":       req.Row,
			"input":     req.Input,
			"operation": req.Operation,
		}
		out, err := expr.Run(prog, env)
		if err != nil {
			return metadata.Deny(), fmt.Sprintf("condition failed: %v", err), nil
		}
		if passed, _ := out.(bool); !passed {
			return metadata.Deny(), "condition not met", nil
		}
	}
	if len(rule.Where) > 0 {
		return metadata.AllowWhere(resolveSessionConditions(rule.Where, req.Session)...), "", nil
	}
	return metadata.Allow(), "", nil
}

func sessionEnv(s *metadata.Session) map[string]any {
	if s == nil {
		return map[string]any{"id": nil, "roles": []string{}, "claims": map[string]any{}}
	}
	return s.Env()
}

// resolveSessionConditions substitutes "$session.id", "$session.roles" and
// "$session.claims.<name>" references in condition values.
func resolveSessionConditions(conds []metadata.Condition, s *metadata.Session) []metadata.Condition {
	if len(conds) == 0 {
		return conds
	}
	out := make([]metadata.Condition, len(conds))
	for i, cond := range conds {
		cond.Value = resolveSessionValue(cond.Value, s)
		out[i] = cond
	}
	return out
}

func resolveSessionValue(v any, s *metadata.Session) any {
	ref, ok := v.(string)
	if !ok || !strings.HasPrefix(ref, "$session.") {
		return v
	}
	if s == nil {
		return nil
	}
	path := strings.TrimPrefix(ref, "$session.")
	switch {
	case path == "id":
		return s.ID
	case path == "roles":
		roles := make([]any, len(s.Roles))
		for i, r := range s.Roles {
			roles[i] = r
		}
		return roles
	case strings.HasPrefix(path, "claims."):
		return s.Claims[strings.TrimPrefix(path, "claims.")]
	}
	return nil
}

func hasRoleIntersection(userRoles, policyRoles []string) bool {
	for _, ur := range userRoles {
		for _, pr := range policyRoles {
			if strings.EqualFold(ur, pr) {
				return true
			}
		}
	}
	return false
}

// enforceFieldWrite rejects the write when any field in data is not writable
// by the caller. row is nil on create.
func (c *Collection) enforceFieldWrite(ctx context.Context, op string, oc OpContext, data, row map[string]any) error {
	if oc.IsSystem() {
		return nil
	}
	for _, name := range sortedKeys(data) {
		f := c.entity.GetField(name)
		if f == nil {
			continue
		}
		rule := f.Access.For(op)
		if rule == nil {
			continue
		}
		subject := row
		if subject == nil {
			subject = data
		}
		res, _, err := evaluateRule(ctx, rule, metadata.AccessRequest{
			Operation: op,
			Session:   oc.Session,
			Row:       row,
			Input:     data,
		})
		if err != nil {
			return err
		}
		if !res.Allowed || (res.Conditional() && !matchConditions(res.Where, subject)) {
			return Forbidden(op, c.entity.Name, fmt.Sprintf("field %s is not writable", name))
		}
	}
	return nil
}

// stripFields removes fields the caller may not read. Rows were fetched with
// every column; restriction happens only here.
func (c *Collection) stripFields(ctx context.Context, oc OpContext, rows []map[string]any) error {
	if oc.IsSystem() {
		return nil
	}
	for i := range c.entity.Fields {
		f := &c.entity.Fields[i]
		rule := f.Access.For(metadata.OpRead)
		if rule == nil {
			continue
		}
		for _, row := range rows {
			res, _, err := evaluateRule(ctx, rule, metadata.AccessRequest{
				Operation: metadata.OpRead,
				Session:   oc.Session,
				Row:       row,
			})
			if err != nil {
				return err
			}
			if !res.Allowed || (res.Conditional() && !matchConditions(res.Where, row)) {
				delete(row, f.Name)
			}
		}
	}
	return nil
}

// readWhere returns the filter read access adds for oc, or an error when
// reading is denied outright.
func (c *Collection) readWhere(ctx context.Context, oc OpContext) (map[string]any, error) {
	res, err := c.enforce(ctx, metadata.OpRead, oc, nil, nil)
	if err != nil {
		return nil, err
	}
	if res.Conditional() {
		return conditionsToWhere(res.Where), nil
	}
	return nil, nil
}
