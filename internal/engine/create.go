package engine

import (
	"context"
	"fmt"
	"strings"

	"rocket-collections/internal/metadata"
	"rocket-collections/internal/store"
)

// Create inserts one record with its nested relation writes and returns it
// as stored.
func (c *Collection) Create(ctx context.Context, data map[string]any, oc OpContext) (map[string]any, error) {
	ctx, span := c.startSpan(ctx, "create")
	defer span.End()

	row, err := c.create(ctx, data, oc)
	if err != nil {
		return nil, c.fail(span, translateError(c.dialect, c.entity.Name, err))
	}
	span.SetStatus("ok")
	return row, nil
}

func (c *Collection) create(ctx context.Context, data map[string]any, oc OpContext) (map[string]any, error) {
	oc, err := c.normalize(oc)
	if err != nil {
		return nil, err
	}
	ctx, flush := c.withOutbox(ctx)
	defer flush()
	db := c.engine.store.DB
	hooks := c.entity.Hooks

	hc := c.hookContext(metadata.OpCreate, oc, db)
	hc.Data = cloneMap(data)
	if err := runHooks(ctx, "before_operation", hooks.BeforeOperation, hc); err != nil {
		return nil, err
	}
	res, err := c.enforce(ctx, metadata.OpCreate, oc, nil, hc.Data)
	if err != nil {
		return nil, err
	}
	if res.Conditional() && !matchConditions(res.Where, hc.Data) {
		return nil, Forbidden(metadata.OpCreate, c.entity.Name, "input does not satisfy the access condition")
	}
	if err := runHooks(ctx, "before_validate", hooks.BeforeValidate, hc); err != nil {
		return nil, err
	}

	fields, writes, err := c.separateRelations(hc.Data)
	if err != nil {
		return nil, err
	}
	pending, err := c.resolveBelongsTo(ctx, db, oc, fields, writes)
	if err != nil {
		return nil, err
	}
	if err := c.enforceFieldWrite(ctx, metadata.OpCreate, oc, fields, nil); err != nil {
		return nil, err
	}
	if err := c.engine.opts.Validator.Validate(WithPendingFields(ctx, pending), c.entity, metadata.OpCreate, fields); err != nil {
		return nil, err
	}
	applyTransforms(c.entity, fields)
	if err := c.runFieldBeforeChange(ctx, metadata.OpCreate, oc, fields, nil); err != nil {
		return nil, err
	}
	hc.Data = fields
	if err := runHooks(ctx, "before_change", hooks.BeforeChange, hc); err != nil {
		return nil, err
	}
	fields = hc.Data

	var row map[string]any
	err = c.engine.store.InTx(ctx, func(tx *store.Tx) error {
		if err := c.writeBelongsTo(ctx, tx, oc, fields, writes); err != nil {
			return err
		}
		id, err := c.insertRow(ctx, tx, oc, fields)
		if err != nil {
			return err
		}
		if row, err = c.loadRow(ctx, tx, oc, id, true); err != nil {
			return err
		}
		if err := c.writeChildren(ctx, tx, oc, row, writes); err != nil {
			return err
		}
		if err := c.writeVersions(ctx, tx, oc, []versionWrite{{id: id, operation: "create", stage: c.initialStage()}}); err != nil {
			return err
		}
		if c.entity.WorkflowEnabled() {
			row[metadata.StageKey] = c.initialStage()
		}

		ac := c.hookContext(metadata.OpCreate, oc, tx)
		ac.Data = row
		if err := runHooks(ctx, "after_change", hooks.AfterChange, ac); err != nil {
			return err
		}
		if err := c.recordChange(ctx, tx, "create", id, c.changePayload(row)); err != nil {
			return err
		}
		c.scheduleIndex(tx, oc, []map[string]any{row})
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := c.output(ctx, oc, []map[string]any{row}); err != nil {
		return nil, err
	}
	return row, nil
}

// createWithin creates a record of this collection inside an open write,
// for nested relation input. It checks access and validates, but runs no
// collection hooks.
func (c *Collection) createWithin(ctx context.Context, tx *store.Tx, oc OpContext, data map[string]any) (map[string]any, error) {
	if _, err := c.enforce(ctx, metadata.OpCreate, oc, nil, data); err != nil {
		return nil, err
	}
	fields := cloneMap(data)
	if err := c.enforceFieldWrite(ctx, metadata.OpCreate, oc, fields, nil); err != nil {
		return nil, err
	}
	if err := c.engine.opts.Validator.Validate(ctx, c.entity, metadata.OpCreate, fields); err != nil {
		return nil, err
	}
	applyTransforms(c.entity, fields)
	if err := c.runFieldBeforeChange(ctx, metadata.OpCreate, oc, fields, nil); err != nil {
		return nil, err
	}
	id, err := c.insertRow(ctx, tx, oc, fields)
	if err != nil {
		return nil, err
	}
	if err := c.writeVersions(ctx, tx, oc, []versionWrite{{id: id, operation: "create", stage: c.initialStage()}}); err != nil {
		return nil, err
	}
	row, err := c.loadRow(ctx, tx, oc, id, true)
	if err != nil {
		return nil, err
	}
	c.scheduleIndex(tx, oc, []map[string]any{row})
	return row, nil
}

func (c *Collection) initialStage() string {
	if !c.entity.WorkflowEnabled() {
		return ""
	}
	return c.entity.Workflow.Initial
}

// insertRow writes the primary row and the locale row of the current locale
// and returns the new key.
func (c *Collection) insertRow(ctx context.Context, tx *store.Tx, oc OpContext, fields map[string]any) (any, error) {
	base, localized := splitLocalized(c.entity, fields)
	pk := c.entity.PrimaryKey

	pb := c.dialect.NewParamBuilder()
	var cols, phs []string
	if v, ok := base[pk.Field]; ok && v != nil {
		key, err := coerceID(c.entity, v)
		if err != nil {
			return nil, err
		}
		cols = append(cols, pk.Field)
		phs = append(phs, pb.Add(key))
	} else if pk.Type != "int" {
		cols = append(cols, pk.Field)
		phs = append(phs, pb.Add(store.GenerateUUID()))
	}
	for _, name := range sortedKeys(base) {
		f := c.entity.GetField(name)
		if f == nil {
			continue
		}
		cols = append(cols, name)
		phs = append(phs, pb.Add(toStorage(c.dialect, f.Type, base[name])))
	}
	if c.entity.Options.Timestamps {
		now := c.dialect.TimeValue(c.now())
		cols = append(cols, metadata.ColCreatedAt, metadata.ColUpdatedAt)
		phs = append(phs, pb.Add(now), pb.Add(now))
	}

	var sqlStr string
	if len(cols) == 0 {
		sqlStr = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING %s", c.entity.Table, pk.Field)
	} else {
		sqlStr = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
			c.entity.Table, strings.Join(cols, ", "), strings.Join(phs, ", "), pk.Field)
	}
	row, err := store.QueryRow(ctx, tx, sqlStr, pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", c.entity.Table, err)
	}
	id, err := coerceID(c.entity, row[pk.Field])
	if err != nil {
		return nil, err
	}
	if err := c.upsertLocale(ctx, tx, id, oc.Locale, localized); err != nil {
		return nil, err
	}
	return id, nil
}
