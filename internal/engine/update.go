package engine

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"rocket-collections/internal/metadata"
	"rocket-collections/internal/store"
)

// updateInput is the change applied to every target of an update. sys holds
// engine-managed columns such as deleted_at; localeSets holds localized
// values for locales other than the current one.
type updateInput struct {
	data       map[string]any
	sys        map[string]any
	localeSets map[string]map[string]any
}

// UpdateByID applies data to one record, including a soft-deleted one.
func (c *Collection) UpdateByID(ctx context.Context, id any, data map[string]any, oc OpContext) (map[string]any, error) {
	ctx, span := c.startSpan(ctx, "update_by_id")
	defer span.End()

	row, err := c.updateByID(ctx, id, data, oc)
	if err != nil {
		return nil, c.fail(span, translateError(c.dialect, c.entity.Name, err))
	}
	span.SetStatus("ok")
	return row, nil
}

func (c *Collection) updateByID(ctx context.Context, id any, data map[string]any, oc OpContext) (map[string]any, error) {
	oc, err := c.normalize(oc)
	if err != nil {
		return nil, err
	}
	key, err := coerceID(c.entity, id)
	if err != nil {
		return nil, err
	}
	hc := c.hookContext(metadata.OpUpdate, oc, c.engine.store.DB)
	hc.Data = cloneMap(data)
	if err := runHooks(ctx, "before_operation", c.entity.Hooks.BeforeOperation, hc); err != nil {
		return nil, err
	}
	target, err := c.loadRow(ctx, c.engine.store.DB, oc, key, true)
	if err != nil {
		return nil, err
	}
	rows, err := c.applyUpdate(ctx, oc, []map[string]any{target}, updateInput{data: hc.Data})
	if err != nil {
		return nil, err
	}
	return rows[0], nil
}

// Update applies data to every record matching where and returns them.
func (c *Collection) Update(ctx context.Context, where map[string]any, data map[string]any, oc OpContext) ([]map[string]any, error) {
	ctx, span := c.startSpan(ctx, "update")
	defer span.End()

	rows, err := c.update(ctx, where, data, oc)
	if err != nil {
		return nil, c.fail(span, translateError(c.dialect, c.entity.Name, err))
	}
	span.SetStatus("ok")
	return rows, nil
}

func (c *Collection) update(ctx context.Context, where map[string]any, data map[string]any, oc OpContext) ([]map[string]any, error) {
	oc, err := c.normalize(oc)
	if err != nil {
		return nil, err
	}
	db := c.engine.store.DB
	hc := c.hookContext(metadata.OpUpdate, oc, db)
	hc.Data = cloneMap(data)
	hc.Where = cloneMap(where)
	if err := runHooks(ctx, "before_operation", c.entity.Hooks.BeforeOperation, hc); err != nil {
		return nil, err
	}
	targets, err := c.selectRows(ctx, db, &readContext{
		oc:    oc.System(),
		where: hc.Where,
		opts:  FindOptions{IncludeDeleted: true},
	}, 0, 0)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return []map[string]any{}, nil
	}
	return c.applyUpdate(ctx, oc, targets, updateInput{data: hc.Data})
}

// applyUpdate is the update routine shared by every write that changes
// existing records. targets are loaded rows in the locale of oc.
func (c *Collection) applyUpdate(ctx context.Context, oc OpContext, targets []map[string]any, in updateInput) ([]map[string]any, error) {
	ctx, flush := c.withOutbox(ctx)
	defer flush()
	db := c.engine.store.DB
	hooks := c.entity.Hooks
	pk := c.entity.PrimaryKey.Field
	data := cloneMap(in.data)

	for _, target := range targets {
		if err := c.enforceRow(ctx, metadata.OpUpdate, oc, target, data); err != nil {
			return nil, err
		}
		hc := c.hookContext(metadata.OpUpdate, oc, db)
		hc.Data = data
		hc.Original = target
		if err := runHooks(ctx, "before_validate", hooks.BeforeValidate, hc); err != nil {
			return nil, err
		}
		data = hc.Data
	}

	fields, writes, err := c.separateRelations(data)
	if err != nil {
		return nil, err
	}
	pending, err := c.resolveBelongsTo(ctx, db, oc, fields, writes)
	if err != nil {
		return nil, err
	}
	for _, target := range targets {
		if err := c.enforceFieldWrite(ctx, metadata.OpUpdate, oc, fields, target); err != nil {
			return nil, err
		}
	}
	vctx := WithPendingFields(ctx, pending)
	validated := make([]map[string]any, len(targets))
	for i, target := range targets {
		set := cloneMap(fields)
		if err := c.engine.opts.Validator.Validate(WithOriginal(vctx, target), c.entity, metadata.OpUpdate, set); err != nil {
			return nil, err
		}
		validated[i] = set
	}
	fields, computed := splitCommon(validated)
	applyTransforms(c.entity, fields)
	var original map[string]any
	if len(targets) == 1 {
		original = targets[0]
	}
	if err := c.runFieldBeforeChange(ctx, metadata.OpUpdate, oc, fields, original); err != nil {
		return nil, err
	}
	for _, target := range targets {
		hc := c.hookContext(metadata.OpUpdate, oc, db)
		hc.Data = fields
		hc.Original = target
		if err := runHooks(ctx, "before_change", hooks.BeforeChange, hc); err != nil {
			return nil, err
		}
		fields = hc.Data
	}

	ids := make([]any, len(targets))
	byID := make(map[string]map[string]any, len(targets))
	for i, target := range targets {
		ids[i] = target[pk]
		byID[keyString(target[pk])] = target
	}

	var rows []map[string]any
	err = c.engine.store.InTx(ctx, func(tx *store.Tx) error {
		if err := c.writeBelongsTo(ctx, tx, oc, fields, writes); err != nil {
			return err
		}
		base, localized := splitLocalized(c.entity, fields)
		if err := c.updateRows(ctx, tx, ids, base, in.sys); err != nil {
			return err
		}
		for i, target := range targets {
			id := target[pk]
			if len(computed[i]) > 0 {
				rowBase, rowLocalized := splitLocalized(c.entity, computed[i])
				if err := c.updateRows(ctx, tx, []any{id}, rowBase, nil); err != nil {
					return err
				}
				if err := c.upsertLocale(ctx, tx, id, oc.Locale, rowLocalized); err != nil {
					return err
				}
			}
			if err := c.upsertLocale(ctx, tx, id, oc.Locale, localized); err != nil {
				return err
			}
			for _, locale := range sortedKeys(in.localeSets) {
				if err := c.upsertLocale(ctx, tx, id, locale, in.localeSets[locale]); err != nil {
					return err
				}
			}
			if err := c.writeChildren(ctx, tx, oc, target, writes); err != nil {
				return err
			}
		}

		var err error
		if rows, err = c.loadRows(ctx, tx, oc, ids, true); err != nil {
			return err
		}
		vw := make([]versionWrite, len(rows))
		for i, row := range rows {
			vw[i] = versionWrite{id: row[pk], operation: "update"}
		}
		if err := c.writeVersions(ctx, tx, oc, vw); err != nil {
			return err
		}
		if c.entity.WorkflowEnabled() {
			if err := c.attachStages(ctx, tx, rows); err != nil {
				return err
			}
		}
		for _, row := range rows {
			ac := c.hookContext(metadata.OpUpdate, oc, tx)
			ac.Data = row
			ac.Original = byID[keyString(row[pk])]
			if err := runHooks(ctx, "after_change", hooks.AfterChange, ac); err != nil {
				return err
			}
		}
		if len(rows) == 1 {
			err = c.recordChange(ctx, tx, "update", rows[0][pk], c.changePayload(rows[0]))
		} else {
			err = c.recordChange(ctx, tx, "bulk_update", nil, map[string]any{"count": len(rows), "ids": ids})
		}
		if err != nil {
			return err
		}
		c.scheduleIndex(tx, oc, rows)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := c.output(ctx, oc, rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// splitCommon separates the values shared by every validated set from the
// ones that differ per row, which computed rules can produce on a batch.
func splitCommon(sets []map[string]any) (common map[string]any, perRow []map[string]any) {
	common = cloneMap(sets[0])
	for _, set := range sets[1:] {
		for k, v := range common {
			if other, ok := set[k]; !ok || !reflect.DeepEqual(v, other) {
				delete(common, k)
			}
		}
	}
	perRow = make([]map[string]any, len(sets))
	for i, set := range sets {
		for k, v := range set {
			if _, shared := common[k]; shared {
				continue
			}
			if perRow[i] == nil {
				perRow[i] = map[string]any{}
			}
			perRow[i][k] = v
		}
	}
	return common, perRow
}

// updateRows runs one batched UPDATE over every target, refreshing
// updated_at.
func (c *Collection) updateRows(ctx context.Context, q store.Querier, ids []any, base, sys map[string]any) error {
	pb := c.dialect.NewParamBuilder()
	var sets []string
	for _, name := range sortedKeys(base) {
		f := c.entity.GetField(name)
		if f == nil {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = %s", name, pb.Add(toStorage(c.dialect, f.Type, base[name]))))
	}
	for _, name := range sortedKeys(sys) {
		sets = append(sets, fmt.Sprintf("%s = %s", name, pb.Add(toStorage(c.dialect, "timestamp", sys[name]))))
	}
	if c.entity.Options.Timestamps {
		sets = append(sets, fmt.Sprintf("%s = %s", metadata.ColUpdatedAt, pb.Add(c.dialect.TimeValue(c.now()))))
	}
	if len(sets) == 0 {
		return nil
	}
	sqlStr := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		c.entity.Table, strings.Join(sets, ", "), store.InExpr(c.entity.PrimaryKey.Field, pb, ids))
	if _, err := store.Exec(ctx, q, sqlStr, pb.Params()...); err != nil {
		return fmt.Errorf("update %s: %w", c.entity.Table, err)
	}
	return nil
}
