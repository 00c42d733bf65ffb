package engine

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"rocket-collections/internal/metadata"
	"rocket-collections/internal/store"
)

// Filters use the map form {"field": value | {"op": value}, "and": [...],
// "or": [...]}. A bare value means eq.

var filterOps = map[string]bool{
	"eq": true, "neq": true, "gt": true, "gte": true, "lt": true, "lte": true,
	"in": true, "not_in": true, "like": true, "contains": true, "exists": true,
}

// filterField returns the type of a filterable column, or false.
func filterField(entity *metadata.Entity, name string) (string, bool) {
	if name == entity.PrimaryKey.Field {
		if entity.PrimaryKey.Type == "int" {
			return "int", true
		}
		return "string", true
	}
	for _, c := range entity.SystemColumns() {
		if c == name {
			return "timestamp", true
		}
	}
	if f := entity.GetField(name); f != nil {
		return f.Type, true
	}
	return "", false
}

type filterCompiler struct {
	entity  *metadata.Entity
	dialect store.Dialect
	pb      store.ParamBuilder
	column  func(field string) string
}

func (fc *filterCompiler) compile(where map[string]any) (string, error) {
	var parts []string
	for _, key := range sortedKeys(where) {
		val := where[key]
		switch key {
		case "and", "or":
			subs, err := filterList(key, val)
			if err != nil {
				return "", err
			}
			var clauses []string
			for _, sub := range subs {
				clause, err := fc.compile(sub)
				if err != nil {
					return "", err
				}
				if clause != "" {
					clauses = append(clauses, clause)
				}
			}
			if len(clauses) == 0 {
				continue
			}
			sep := " AND "
			if key == "or" {
				sep = " OR "
			}
			parts = append(parts, "("+strings.Join(clauses, sep)+")")
		default:
			fieldType, ok := filterField(fc.entity, key)
			if !ok {
				return "", BadRequest("unknown filter field %q", key)
			}
			ops, err := filterOpsFor(key, val)
			if err != nil {
				return "", err
			}
			for _, op := range sortedKeys(ops) {
				clause, err := fc.clause(key, fieldType, op, ops[op])
				if err != nil {
					return "", err
				}
				parts = append(parts, clause)
			}
		}
	}
	return strings.Join(parts, " AND "), nil
}

func (fc *filterCompiler) clause(field, fieldType, op string, val any) (string, error) {
	col := fc.column(field)
	switch op {
	case "eq":
		if val == nil {
			return col + " IS NULL", nil
		}
		return fmt.Sprintf("%s = %s", col, fc.pb.Add(fc.value(fieldType, val))), nil
	case "neq":
		if val == nil {
			return col + " IS NOT NULL", nil
		}
		return fmt.Sprintf("(%s IS NULL OR %s <> %s)", col, col, fc.pb.Add(fc.value(fieldType, val))), nil
	case "gt":
		return fmt.Sprintf("%s > %s", col, fc.pb.Add(fc.value(fieldType, val))), nil
	case "gte":
		return fmt.Sprintf("%s >= %s", col, fc.pb.Add(fc.value(fieldType, val))), nil
	case "lt":
		return fmt.Sprintf("%s < %s", col, fc.pb.Add(fc.value(fieldType, val))), nil
	case "lte":
		return fmt.Sprintf("%s <= %s", col, fc.pb.Add(fc.value(fieldType, val))), nil
	case "in", "not_in":
		list := toSlice(val)
		values := make([]any, len(list))
		for i, v := range list {
			values[i] = fc.value(fieldType, v)
		}
		if op == "in" {
			return store.InExpr(col, fc.pb, values), nil
		}
		return store.NotInExpr(col, fc.pb, values), nil
	case "like":
		return fmt.Sprintf("%s LIKE %s", fc.dialect.CastText(col), fc.pb.Add(fmt.Sprintf("%v", val))), nil
	case "contains":
		term := "%" + strings.ToLower(fmt.Sprintf("%v", val)) + "%"
		return fmt.Sprintf("LOWER(%s) LIKE %s", fc.dialect.CastText(col), fc.pb.Add(term)), nil
	case "exists":
		if truthy(val) {
			return col + " IS NOT NULL", nil
		}
		return col + " IS NULL", nil
	}
	return "", BadRequest("unknown filter operator %q on %s", op, field)
}

// value converts a filter operand to its stored form.
func (fc *filterCompiler) value(fieldType string, v any) any {
	return toStorage(fc.dialect, fieldType, v)
}

func filterList(key string, val any) ([]map[string]any, error) {
	switch list := val.(type) {
	case []map[string]any:
		return list, nil
	case []any:
		out := make([]map[string]any, 0, len(list))
		for _, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, BadRequest("%q expects a list of filters", key)
			}
			out = append(out, m)
		}
		return out, nil
	case map[string]any:
		return []map[string]any{list}, nil
	}
	return nil, BadRequest("%q expects a list of filters", key)
}

func filterOpsFor(field string, val any) (map[string]any, error) {
	m, ok := val.(map[string]any)
	if !ok {
		return map[string]any{"eq": val}, nil
	}
	for op := range m {
		if !filterOps[op] {
			return nil, BadRequest("unknown filter operator %q on %s", op, field)
		}
	}
	return m, nil
}

// validateFilter checks field names and operators without building SQL.
func validateFilter(entity *metadata.Entity, where map[string]any) error {
	_, err := matchFilter(entity, where, map[string]any{})
	return err
}

// matchFilter evaluates a filter against a decoded row in the application.
// It is used where rows come from version snapshots instead of SQL.
func matchFilter(entity *metadata.Entity, where map[string]any, row map[string]any) (bool, error) {
	result := true
	for _, key := range sortedKeys(where) {
		val := where[key]
		switch key {
		case "and", "or":
			subs, err := filterList(key, val)
			if err != nil {
				return false, err
			}
			matchedAny := false
			matchedAll := true
			for _, sub := range subs {
				ok, err := matchFilter(entity, sub, row)
				if err != nil {
					return false, err
				}
				matchedAny = matchedAny || ok
				matchedAll = matchedAll && ok
			}
			if key == "and" && !matchedAll {
				result = false
			}
			if key == "or" && len(subs) > 0 && !matchedAny {
				result = false
			}
		default:
			if _, ok := filterField(entity, key); !ok {
				return false, BadRequest("unknown filter field %q", key)
			}
			ops, err := filterOpsFor(key, val)
			if err != nil {
				return false, err
			}
			for _, op := range sortedKeys(ops) {
				if !evaluateCondition(op, row[key], ops[op]) {
					result = false
				}
			}
		}
	}
	return result, nil
}

// matchConditions reports whether row satisfies every condition.
func matchConditions(conds []metadata.Condition, row map[string]any) bool {
	for _, cond := range conds {
		op := cond.Operator
		if op == "" {
			op = "eq"
		}
		if !evaluateCondition(op, row[cond.Field], cond.Value) {
			return false
		}
	}
	return true
}

func conditionsToWhere(conds []metadata.Condition) map[string]any {
	clauses := make([]any, 0, len(conds))
	for _, cond := range conds {
		op := cond.Operator
		if op == "" {
			op = "eq"
		}
		clauses = append(clauses, map[string]any{cond.Field: map[string]any{op: cond.Value}})
	}
	return map[string]any{"and": clauses}
}

// mergeWhere combines two filters with AND.
func mergeWhere(a, b map[string]any) map[string]any {
	switch {
	case len(a) == 0:
		return b
	case len(b) == 0:
		return a
	}
	return map[string]any{"and": []any{a, b}}
}

func evaluateCondition(operator string, recordVal, condVal any) bool {
	switch operator {
	case "eq":
		if condVal == nil {
			return recordVal == nil
		}
		return recordVal != nil && valueString(recordVal) == valueString(condVal)
	case "neq":
		if condVal == nil {
			return recordVal != nil
		}
		return recordVal == nil || valueString(recordVal) != valueString(condVal)
	case "in":
		return recordVal != nil && valueInList(recordVal, condVal)
	case "not_in":
		return recordVal == nil || !valueInList(recordVal, condVal)
	case "gt":
		return recordVal != nil && compareValues(recordVal, condVal) > 0
	case "gte":
		return recordVal != nil && compareValues(recordVal, condVal) >= 0
	case "lt":
		return recordVal != nil && compareValues(recordVal, condVal) < 0
	case "lte":
		return recordVal != nil && compareValues(recordVal, condVal) <= 0
	case "like":
		return recordVal != nil && likePattern(valueString(condVal)).MatchString(valueString(recordVal))
	case "contains":
		return recordVal != nil && strings.Contains(strings.ToLower(valueString(recordVal)), strings.ToLower(valueString(condVal)))
	case "exists":
		return (recordVal != nil) == truthy(condVal)
	default:
		return false
	}
}

func valueInList(val any, list any) bool {
	valStr := valueString(val)
	for _, item := range toSlice(list) {
		if valueString(item) == valStr {
			return true
		}
	}
	return false
}

// compareValues orders numbers numerically, times chronologically and
// everything else as text.
func compareValues(a, b any) int {
	if fa, ok := toFloat64(a); ok {
		if fb, ok := toFloat64(b); ok {
			return compareNumeric(fa, fb)
		}
	}
	ta, okA := asTime(a)
	tb, okB := asTime(b)
	if okA && okB {
		return ta.Compare(tb)
	}
	return strings.Compare(valueString(a), valueString(b))
}

func compareNumeric(a, b float64) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := store.ParseTime(t)
		return parsed, err == nil
	}
	return time.Time{}, false
}

func likePattern(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("(?is)^")
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}

func truthy(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b == "true" || b == "1"
	case nil:
		return false
	}
	f, ok := toFloat64(v)
	return !ok || f != 0
}
