package api

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"rocket-collections/internal/auth"
	"rocket-collections/internal/engine"
	"rocket-collections/internal/metadata"
)

// opContext builds the operation context of a request from the session and
// the locale, stage and fallback query parameters.
func opContext(c *fiber.Ctx) engine.OpContext {
	oc := engine.OpContext{
		Session: auth.SessionFrom(c),
		Locale:  c.Query("locale"),
		Stage:   c.Query("stage"),
	}
	if c.Query("fallback") != "" {
		fallback := c.QueryBool("fallback", true)
		oc.LocaleFallback = &fallback
	}
	return oc
}

// findOptions parses the read query parameters:
//
//	where=<json>  filter[field]=v  filter[field.op]=v
//	sort=-a,b  limit  page  offset  search  includeDeleted
//	with=a,b.c or with=<json>  count=a,b
func findOptions(c *fiber.Ctx, entity *metadata.Entity) (engine.FindOptions, error) {
	where, err := parseWhere(c, entity)
	if err != nil {
		return engine.FindOptions{}, err
	}
	opts := engine.FindOptions{
		Where:          where,
		Sort:           splitList(c.Query("sort")),
		Limit:          c.QueryInt("limit"),
		Page:           c.QueryInt("page"),
		Offset:         c.QueryInt("offset"),
		Search:         c.Query("search"),
		IncludeDeleted: c.QueryBool("includeDeleted"),
		Count:          splitList(c.Query("count")),
	}
	if opts.With, err = parseWith(c.Query("with")); err != nil {
		return engine.FindOptions{}, err
	}
	return opts, nil
}

// parseWhere merges the JSON where parameter with filter[...] parameters.
func parseWhere(c *fiber.Ctx, entity *metadata.Entity) (map[string]any, error) {
	var where map[string]any
	if raw := c.Query("where"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &where); err != nil {
			return nil, engine.BadRequest("where must be a JSON object")
		}
	}

	filters := map[string]any{}
	for key, val := range c.Queries() {
		if !strings.HasPrefix(key, "filter[") || !strings.HasSuffix(key, "]") {
			continue
		}
		field, op := parseFilterKey(key[7 : len(key)-1])
		v, err := coerceFilter(entity, field, op, val)
		if err != nil {
			return nil, err
		}
		if op == "eq" {
			filters[field] = v
			continue
		}
		ops, _ := filters[field].(map[string]any)
		if ops == nil {
			ops = map[string]any{}
			filters[field] = ops
		}
		ops[op] = v
	}

	switch {
	case len(filters) == 0:
		return where, nil
	case len(where) == 0:
		return filters, nil
	default:
		return map[string]any{"and": []any{where, filters}}, nil
	}
}

func parseFilterKey(inner string) (field, op string) {
	if i := strings.LastIndex(inner, "."); i > 0 {
		return inner[:i], inner[i+1:]
	}
	return inner, "eq"
}

// coerceFilter converts a query string value to the field's type. Unknown
// fields pass through so the engine can report them.
func coerceFilter(entity *metadata.Entity, field, op, raw string) (any, error) {
	switch op {
	case "in", "not_in":
		parts := splitList(raw)
		out := make([]any, len(parts))
		for i, p := range parts {
			v, err := coerceValue(entity, field, p)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case "exists":
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, engine.BadRequest("filter %s.exists must be true or false", field)
		}
		return b, nil
	case "like", "contains":
		return raw, nil
	}
	return coerceValue(entity, field, raw)
}

func coerceValue(entity *metadata.Entity, field, raw string) (any, error) {
	f := entity.GetField(field)
	if f == nil {
		return raw, nil
	}
	switch {
	case f.IsInteger():
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, engine.BadRequest("invalid value for %s: %q is not an integer", field, raw)
		}
		return n, nil
	case f.IsNumeric():
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, engine.BadRequest("invalid value for %s: %q is not a number", field, raw)
		}
		return n, nil
	case f.Type == "boolean":
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, engine.BadRequest("invalid value for %s: %q is not a boolean", field, raw)
		}
		return b, nil
	}
	return raw, nil
}

// parseWith accepts a JSON object of relation specs or a comma list where
// dots request nested relations.
func parseWith(raw string) (map[string]*engine.WithSpec, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "{") {
		var with map[string]*engine.WithSpec
		if err := json.Unmarshal([]byte(raw), &with); err != nil {
			return nil, engine.BadRequest("with must be a JSON object or a comma list")
		}
		return with, nil
	}
	with := map[string]*engine.WithSpec{}
	for _, path := range splitList(raw) {
		level := with
		for _, name := range strings.Split(path, ".") {
			spec := level[name]
			if spec == nil {
				spec = &engine.WithSpec{}
				level[name] = spec
			}
			if spec.With == nil {
				spec.With = map[string]*engine.WithSpec{}
			}
			level = spec.With
		}
	}
	return with, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
