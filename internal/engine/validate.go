package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"golang.org/x/text/unicode/norm"

	"rocket-collections/internal/instrument"
	"rocket-collections/internal/metadata"
	"rocket-collections/internal/store"
)

type pendingFieldsKey struct{}

// WithPendingFields marks fields whose values are resolved inside the write
// transaction, such as foreign keys of a nested belongs_to create. Required
// checks skip them.
func WithPendingFields(ctx context.Context, fields []string) context.Context {
	if len(fields) == 0 {
		return ctx
	}
	set := map[string]bool{}
	for k := range PendingFields(ctx) {
		set[k] = true
	}
	for _, f := range fields {
		set[f] = true
	}
	return context.WithValue(ctx, pendingFieldsKey{}, set)
}

// PendingFields returns the fields marked by WithPendingFields.
func PendingFields(ctx context.Context) map[string]bool {
	set, _ := ctx.Value(pendingFieldsKey{}).(map[string]bool)
	return set
}

type originalKey struct{}

// WithOriginal attaches the stored record an update applies to. Rules are
// evaluated against it merged with the update.
func WithOriginal(ctx context.Context, row map[string]any) context.Context {
	return context.WithValue(ctx, originalKey{}, row)
}

func originalRecord(ctx context.Context) map[string]any {
	row, _ := ctx.Value(originalKey{}).(map[string]any)
	return row
}

// SchemaValidator checks writes against field metadata, the entity's rules
// and its CUE schema.
type SchemaValidator struct {
	mu      sync.Mutex
	cue     *cue.Context
	schemas map[*metadata.Entity]cue.Value
}

func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{
		cue:     cuecontext.New(),
		schemas: map[*metadata.Entity]cue.Value{},
	}
}

func (v *SchemaValidator) Validate(ctx context.Context, entity *metadata.Entity, op string, data map[string]any) error {
	isCreate := op == metadata.OpCreate
	pending := PendingFields(ctx)
	var details []ErrorDetail

	for _, key := range sortedKeys(data) {
		if key == entity.PrimaryKey.Field {
			if !isCreate {
				details = append(details, ErrorDetail{Field: key, Rule: "read_only", Message: fmt.Sprintf("%s cannot be changed", key)})
			}
			continue
		}
		if entity.IsSystemColumn(key) {
			details = append(details, ErrorDetail{Field: key, Rule: "read_only", Message: fmt.Sprintf("%s is managed by the engine", key)})
			continue
		}
		if !entity.HasField(key) {
			details = append(details, ErrorDetail{Field: key, Rule: "unknown", Message: fmt.Sprintf("Unknown field: %s", key)})
		}
	}

	for i := range entity.Fields {
		f := &entity.Fields[i]
		val, present := data[f.Name]
		if f.Required && !f.Nullable && val == nil && !pending[f.Name] {
			if (isCreate && f.Default == nil) || present {
				details = append(details, ErrorDetail{Field: f.Name, Rule: "required", Message: fmt.Sprintf("%s is required", f.Name)})
				continue
			}
		}
		if !present || val == nil {
			continue
		}
		if !checkType(f, val) {
			details = append(details, ErrorDetail{Field: f.Name, Rule: "type", Message: fmt.Sprintf("%s must be of type %s", f.Name, f.Type)})
			continue
		}
		if len(f.Enum) > 0 && !inEnum(f.Enum, val) {
			details = append(details, ErrorDetail{
				Field:   f.Name,
				Rule:    "enum",
				Message: fmt.Sprintf("%s must be one of: %s", f.Name, strings.Join(f.Enum, ", ")),
			})
		}
	}
	if len(details) > 0 {
		return ValidationError(details)
	}

	if errs := v.checkRules(ctx, entity, op, data); len(errs) > 0 {
		return ValidationError(errs)
	}

	if entity.Schema != "" {
		if errs := v.validateSchema(entity, data, isCreate); len(errs) > 0 {
			return ValidationError(errs)
		}
	}
	return nil
}

// validateSchema unifies data with the entity's CUE schema. Creates must be
// concrete; partial updates only have to be consistent.
func (v *SchemaValidator) validateSchema(entity *metadata.Entity, data map[string]any, isCreate bool) []ErrorDetail {
	encoded, err := json.Marshal(data)
	if err != nil {
		return []ErrorDetail{{Rule: "schema", Message: fmt.Sprintf("encode input: %v", err)}}
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	schema, ok := v.schemas[entity]
	if !ok {
		schema = v.cue.CompileString(entity.Schema, cue.Filename(entity.Name+".cue"))
		if schema.Err() != nil {
			return []ErrorDetail{{Rule: "schema", Message: fmt.Sprintf("compile schema: %v", schema.Err())}}
		}
		v.schemas[entity] = schema
	}

	value := v.cue.CompileBytes(encoded)
	if value.Err() != nil {
		return []ErrorDetail{{Rule: "schema", Message: value.Err().Error()}}
	}
	unified := schema.Unify(value)
	var opts []cue.Option
	if isCreate {
		opts = append(opts, cue.Concrete(true))
	}
	err = unified.Validate(opts...)
	if err == nil {
		return nil
	}
	var details []ErrorDetail
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		details = append(details, ErrorDetail{
			Field:   strings.Join(e.Path(), "."),
			Rule:    "schema",
			Message: fmt.Sprintf(format, args...),
		})
	}
	if len(details) == 0 {
		details = append(details, ErrorDetail{Rule: "schema", Message: err.Error()})
	}
	return details
}

// checkRules runs the entity's active rules by priority, field rules before
// expression rules. Both see the record as it will be stored. Computed rules
// run only once every check passed and write their result into data.
func (v *SchemaValidator) checkRules(ctx context.Context, entity *metadata.Entity, op string, data map[string]any) []ErrorDetail {
	var rules []*metadata.Rule
	for _, r := range entity.Rules {
		if r != nil && !r.Inactive {
			rules = append(rules, r)
		}
	}
	if len(rules) == 0 {
		return nil
	}
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })

	_, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", entity.Name, "rules.evaluate")
	defer span.End()
	span.SetEntity(entity.Name, "")

	old := originalRecord(ctx)
	record := cloneMap(old)
	for k, val := range data {
		record[k] = val
	}
	if op == metadata.OpCreate {
		for i := range entity.Fields {
			f := &entity.Fields[i]
			if _, ok := record[f.Name]; !ok && f.Default != nil {
				record[f.Name] = f.Default
			}
		}
	}
	env := map[string]any{
		"record": record,
		"old":    cloneMap(old),
		"input":  data,
		"action": op,
	}

	var details []ErrorDetail
	for _, kind := range []string{"field", "expression"} {
		for _, r := range rules {
			if r.Type != kind {
				continue
			}
			detail, ok := evalCheck(r, record, env)
			if ok {
				continue
			}
			details = append(details, detail)
			if r.Definition.StopOnFail {
				span.SetStatus("error")
				return details
			}
		}
	}
	if len(details) > 0 {
		span.SetStatus("error")
		return details
	}

	for _, r := range rules {
		if r.Type != "computed" {
			continue
		}
		out, err := runRule(r, env)
		if err != nil {
			details = append(details, ErrorDetail{Field: r.Definition.Field, Rule: "computed", Message: err.Error()})
			continue
		}
		data[r.Definition.Field] = out
		record[r.Definition.Field] = out
	}
	if len(details) > 0 {
		span.SetStatus("error")
		return details
	}
	span.SetStatus("ok")
	return nil
}

// evalCheck reports whether a field or expression rule holds. Field rules
// address nested json values with dotted paths, the same form schema errors
// use.
func evalCheck(r *metadata.Rule, record, env map[string]any) (ErrorDetail, bool) {
	def := r.Definition
	if r.Type == "expression" {
		out, err := runRule(r, env)
		if err != nil {
			return ErrorDetail{Field: def.Field, Rule: "expression", Message: err.Error()}, false
		}
		if violated, _ := out.(bool); !violated {
			return ErrorDetail{}, true
		}
		msg := def.Message
		if msg == "" {
			msg = "rule violated: " + def.Expression
		}
		return ErrorDetail{Field: def.Field, Rule: "expression", Message: msg}, false
	}

	val, found := lookupPath(record, def.Field)
	if !found || val == nil || fieldRuleHolds(def, val) {
		return ErrorDetail{}, true
	}
	msg := def.Message
	if msg == "" {
		msg = fmt.Sprintf("%s failed %s %v", def.Field, def.Operator, def.Value)
	}
	return ErrorDetail{Field: def.Field, Rule: def.Operator, Message: msg}, false
}

func fieldRuleHolds(def metadata.RuleDefinition, val any) bool {
	switch def.Operator {
	case "min", "max":
		n, ok := toFloat64(val)
		limit, okLimit := toFloat64(def.Value)
		if !ok || !okLimit {
			return true
		}
		if def.Operator == "min" {
			return n >= limit
		}
		return n <= limit
	case "min_length", "max_length":
		s, ok := val.(string)
		limit, okLimit := toFloat64(def.Value)
		if !ok || !okLimit {
			return true
		}
		n := utf8.RuneCountInString(s)
		if def.Operator == "min_length" {
			return n >= int(limit)
		}
		return n <= int(limit)
	case "pattern":
		s, ok := val.(string)
		pattern, okPattern := def.Value.(string)
		if !ok || !okPattern {
			return true
		}
		re, err := regexp.Compile(pattern)
		return err == nil && re.MatchString(s)
	}
	return true
}

// runRule runs the rule's program, compiled at registry load.
func runRule(r *metadata.Rule, env map[string]any) (any, error) {
	prog, ok := r.Compiled.(*vm.Program)
	if !ok {
		var opts []expr.Option
		if r.Type == "expression" {
			opts = append(opts, expr.AsBool())
		}
		compiled, err := expr.Compile(r.Definition.Expression, opts...)
		if err != nil {
			return nil, fmt.Errorf("compile rule: %w", err)
		}
		prog = compiled
	}
	out, err := expr.Run(prog, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate rule: %w", err)
	}
	return out, nil
}

// lookupPath resolves a dotted path through nested maps.
func lookupPath(record map[string]any, path string) (any, bool) {
	var cur any = record
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func checkType(f *metadata.Field, v any) bool {
	switch f.Type {
	case "string", "text", "uuid":
		_, ok := v.(string)
		return ok
	case "int", "bigint":
		switch n := v.(type) {
		case int, int32, int64:
			return true
		case float64:
			return n == float64(int64(n))
		case json.Number:
			_, err := n.Int64()
			return err == nil
		}
		return false
	case "float", "decimal":
		_, ok := toFloat64(v)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "timestamp":
		switch t := v.(type) {
		case time.Time:
			return true
		case string:
			_, err := store.ParseTime(t)
			return err == nil
		}
		return false
	case "date":
		switch t := v.(type) {
		case time.Time:
			return true
		case string:
			_, err := time.Parse("2006-01-02", t)
			return err == nil
		}
		return false
	}
	return true
}

func inEnum(enum []string, v any) bool {
	s := valueString(v)
	for _, e := range enum {
		if e == s {
			return true
		}
	}
	return false
}

// applyTransforms rewrites string values by the field's transform list.
func applyTransforms(entity *metadata.Entity, data map[string]any) {
	for i := range entity.Fields {
		f := &entity.Fields[i]
		if len(f.Transform) == 0 {
			continue
		}
		s, ok := data[f.Name].(string)
		if !ok {
			continue
		}
		for _, t := range f.Transform {
			switch t {
			case "trim":
				s = strings.TrimSpace(s)
			case "lower":
				s = strings.ToLower(s)
			case "upper":
				s = strings.ToUpper(s)
			case "slugify":
				s = Slugify(s)
			}
		}
		data[f.Name] = s
	}
}

// Slugify converts a string into a URL-friendly slug.
func Slugify(text string) string {
	// strip accents
	result := norm.NFD.String(text)
	var b strings.Builder
	for _, r := range result {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else if r >= 'A' && r <= 'Z' {
			b.WriteRune(r + 32)
		} else {
			b.WriteByte('-')
		}
	}
	s := b.String()
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	return strings.Trim(s, "-")
}
