package engine

import (
	"context"
	"fmt"

	"rocket-collections/internal/metadata"
)

func (c *Collection) hookContext(op string, oc OpContext, db metadata.DB) *metadata.HookContext {
	return &metadata.HookContext{
		Operation:  op,
		Collection: c.entity.Name,
		Session:    oc.Session,
		Locale:     oc.Locale,
		DB:         db,
	}
}

// runHooks calls hooks in order and stops at the first error.
func runHooks(ctx context.Context, stage string, hooks []metadata.Hook, hc *metadata.HookContext) error {
	for i, h := range hooks {
		if err := h(ctx, hc); err != nil {
			if _, ok := AsAppError(err); ok {
				return err
			}
			return fmt.Errorf("%s hook %d on %s: %w", stage, i, hc.Collection, err)
		}
	}
	return nil
}

// runRowHooks runs hooks once per row with the row as Data. A hook may
// replace Data; the replacement is written back.
func (c *Collection) runRowHooks(ctx context.Context, stage string, hooks []metadata.Hook, op string, oc OpContext, db metadata.DB, rows []map[string]any) error {
	if len(hooks) == 0 {
		return nil
	}
	for i, row := range rows {
		hc := c.hookContext(op, oc, db)
		hc.Data = row
		if err := runHooks(ctx, stage, hooks, hc); err != nil {
			return err
		}
		if hc.Data != nil {
			rows[i] = hc.Data
		}
	}
	return nil
}

// runFieldBeforeChange replaces each present field's value with what its
// before_change hooks return.
func (c *Collection) runFieldBeforeChange(ctx context.Context, op string, oc OpContext, data, original map[string]any) error {
	for i := range c.entity.Fields {
		f := &c.entity.Fields[i]
		if len(f.Hooks.BeforeChange) == 0 {
			continue
		}
		val, present := data[f.Name]
		if !present && op != metadata.OpCreate {
			continue
		}
		for _, h := range f.Hooks.BeforeChange {
			out, err := h(ctx, &metadata.FieldHookContext{
				Operation: op,
				Field:     f,
				Value:     val,
				Data:      data,
				Original:  original,
				Session:   oc.Session,
			})
			if err != nil {
				return fmt.Errorf("field %s before_change: %w", f.Name, err)
			}
			val = out
		}
		if val != nil || present {
			data[f.Name] = val
		}
	}
	return nil
}

func (c *Collection) runFieldAfterRead(ctx context.Context, oc OpContext, rows []map[string]any) error {
	for i := range c.entity.Fields {
		f := &c.entity.Fields[i]
		if len(f.Hooks.AfterRead) == 0 {
			continue
		}
		for _, row := range rows {
			val, present := row[f.Name]
			if !present {
				continue
			}
			for _, h := range f.Hooks.AfterRead {
				out, err := h(ctx, &metadata.FieldHookContext{
					Operation: metadata.OpRead,
					Field:     f,
					Value:     val,
					Data:      row,
					Session:   oc.Session,
				})
				if err != nil {
					return fmt.Errorf("field %s after_read: %w", f.Name, err)
				}
				val = out
			}
			row[f.Name] = val
		}
	}
	return nil
}

// output applies read-side processing to rows leaving the engine: field
// stripping, field after_read hooks and after_read hooks.
func (c *Collection) output(ctx context.Context, oc OpContext, rows []map[string]any) error {
	if err := c.stripFields(ctx, oc, rows); err != nil {
		return err
	}
	if err := c.runFieldAfterRead(ctx, oc, rows); err != nil {
		return err
	}
	return c.runRowHooks(ctx, "after_read", c.entity.Hooks.AfterRead, metadata.OpRead, oc, c.engine.store.DB, rows)
}
