package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"rocket-collections/internal/metadata"
	"rocket-collections/internal/store"
)

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// deepCopy copies nested maps and slices so localized paths can be removed
// without touching the caller's input.
func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	}
	return v
}

func toSlice(v any) []any {
	switch l := v.(type) {
	case nil:
		return nil
	case []any:
		return l
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out
	case []int64:
		out := make([]any, len(l))
		for i, n := range l {
			out[i] = n
		}
		return out
	case []int:
		out := make([]any, len(l))
		for i, n := range l {
			out[i] = n
		}
		return out
	case string:
		if strings.Contains(l, ",") {
			parts := strings.Split(l, ",")
			out := make([]any, len(parts))
			for i, p := range parts {
				out[i] = strings.TrimSpace(p)
			}
			return out
		}
	}
	return []any{v}
}

// valueString renders a value for text comparison and grouping.
func valueString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []byte:
		return string(t)
	}
	return fmt.Sprintf("%v", v)
}

// keyString is the map key used to match rows by id.
func keyString(v any) string {
	if f, ok := v.(float64); ok && f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return valueString(v)
}

// tupleKey joins composite key values.
func tupleKey(row map[string]any, fields []string) (string, bool) {
	parts := make([]string, len(fields))
	for i, f := range fields {
		v := row[f]
		if v == nil {
			return "", false
		}
		parts[i] = keyString(v)
	}
	return strings.Join(parts, "\x00"), true
}

// coerceID converts a caller-supplied id to the key column's type.
func coerceID(entity *metadata.Entity, id any) (any, error) {
	if id == nil {
		return nil, BadRequest("missing %s id", entity.Name)
	}
	if entity.PrimaryKey.Type != "int" {
		s := valueString(id)
		if s == "" {
			return nil, BadRequest("missing %s id", entity.Name)
		}
		return s, nil
	}
	switch n := id.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case float64:
		if n != float64(int64(n)) {
			return nil, BadRequest("invalid %s id %v", entity.Name, id)
		}
		return int64(n), nil
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return nil, BadRequest("invalid %s id %q", entity.Name, n)
		}
		return parsed, nil
	case json.Number:
		parsed, err := n.Int64()
		if err != nil {
			return nil, BadRequest("invalid %s id %q", entity.Name, n)
		}
		return parsed, nil
	}
	return nil, BadRequest("invalid %s id %v", entity.Name, id)
}

func coerceIDs(entity *metadata.Entity, ids []any) ([]any, error) {
	out := make([]any, len(ids))
	for i, id := range ids {
		v, err := coerceID(entity, id)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// toStorage converts a value to the parameter form of a column type.
func toStorage(dialect store.Dialect, fieldType string, v any) any {
	if v == nil {
		return nil
	}
	sqlite := dialect.Name() == "sqlite"
	switch fieldType {
	case "json":
		encoded, err := store.EncodeJSON(v)
		if err != nil {
			return valueString(v)
		}
		return encoded
	case "timestamp":
		if t, ok := asTime(v); ok {
			return dialect.TimeValue(t)
		}
	case "date":
		if t, ok := v.(time.Time); ok {
			return t.Format("2006-01-02")
		}
	case "boolean":
		if b, ok := v.(bool); ok && sqlite {
			if b {
				return int64(1)
			}
			return int64(0)
		}
	case "int", "bigint":
		switch n := v.(type) {
		case float64:
			if n == float64(int64(n)) {
				return int64(n)
			}
		case json.Number:
			if i, err := n.Int64(); err == nil {
				return i
			}
		}
	case "float", "decimal":
		if n, ok := v.(json.Number); ok {
			if f, err := n.Float64(); err == nil {
				return f
			}
		}
	}
	return v
}

// columnTypes maps every column a read may return to its field type, for
// store.NormalizeRows.
func columnTypes(entity *metadata.Entity) map[string]string {
	types := map[string]string{}
	if entity.PrimaryKey.Type == "int" {
		types[entity.PrimaryKey.Field] = "int"
	}
	for _, f := range entity.Fields {
		switch {
		case f.Localized:
			types[currentAlias(f.Name)] = f.Type
			types[fallbackAlias(f.Name)] = f.Type
		case len(f.LocalizedPaths) > 0:
			types[f.Name] = f.Type
			types[currentAlias(f.Name)] = "json"
			types[fallbackAlias(f.Name)] = "json"
		default:
			types[f.Name] = f.Type
		}
	}
	for _, c := range entity.SystemColumns() {
		types[c] = "timestamp"
	}
	return types
}

// snapshotTypes is columnTypes for rows decoded from a version snapshot.
func snapshotTypes(entity *metadata.Entity) map[string]string {
	types := map[string]string{}
	if entity.PrimaryKey.Type == "int" {
		types[entity.PrimaryKey.Field] = "int"
	}
	for _, f := range entity.Fields {
		types[f.Name] = f.Type
	}
	for _, c := range entity.SystemColumns() {
		types[c] = "timestamp"
	}
	return types
}

// getPath reads a dot path from nested maps.
func getPath(m map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = m
	for _, p := range parts {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// setPath writes a dot path, creating intermediate maps.
func setPath(m map[string]any, path string, v any) {
	parts := strings.Split(path, ".")
	cur := m
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}

// deletePath removes a dot path and reports whether it was present.
func deletePath(m map[string]any, path string) bool {
	parts := strings.Split(path, ".")
	cur := m
	for _, p := range parts[:len(parts)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			return false
		}
		cur = next
	}
	last := parts[len(parts)-1]
	if _, ok := cur[last]; !ok {
		return false
	}
	delete(cur, last)
	return true
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
