package engine

import (
	"context"
	"fmt"

	"rocket-collections/internal/metadata"
	"rocket-collections/internal/store"
)

// DeleteResult reports a delete. Data is set for single-record deletes and
// Count for deletes by filter.
type DeleteResult struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Count   int            `json:"count"`
}

// DeleteByID deletes one record, softly when the collection keeps deleted
// rows.
func (c *Collection) DeleteByID(ctx context.Context, id any, oc OpContext) (*DeleteResult, error) {
	ctx, span := c.startSpan(ctx, "delete_by_id")
	defer span.End()

	res, err := c.deleteByID(ctx, id, oc)
	if err != nil {
		return nil, c.fail(span, translateError(c.dialect, c.entity.Name, err))
	}
	span.SetStatus("ok")
	return res, nil
}

func (c *Collection) deleteByID(ctx context.Context, id any, oc OpContext) (*DeleteResult, error) {
	oc, err := c.normalize(oc)
	if err != nil {
		return nil, err
	}
	key, err := coerceID(c.entity, id)
	if err != nil {
		return nil, err
	}
	db := c.engine.store.DB
	hc := c.hookContext(metadata.OpDelete, oc, db)
	hc.Where = map[string]any{c.entity.PrimaryKey.Field: key}
	if err := runHooks(ctx, "before_operation", c.entity.Hooks.BeforeOperation, hc); err != nil {
		return nil, err
	}
	target, err := c.loadRow(ctx, db, oc, key, false)
	if err != nil {
		return nil, err
	}
	if err := c.applyDelete(ctx, oc, []map[string]any{target}); err != nil {
		return nil, err
	}
	if err := c.stripFields(ctx, oc, []map[string]any{target}); err != nil {
		return nil, err
	}
	return &DeleteResult{Success: true, Data: target, Count: 1}, nil
}

// Delete deletes every record matching where.
func (c *Collection) Delete(ctx context.Context, where map[string]any, oc OpContext) (*DeleteResult, error) {
	ctx, span := c.startSpan(ctx, "delete")
	defer span.End()

	res, err := c.delete(ctx, where, oc)
	if err != nil {
		return nil, c.fail(span, translateError(c.dialect, c.entity.Name, err))
	}
	span.SetStatus("ok")
	return res, nil
}

func (c *Collection) delete(ctx context.Context, where map[string]any, oc OpContext) (*DeleteResult, error) {
	oc, err := c.normalize(oc)
	if err != nil {
		return nil, err
	}
	db := c.engine.store.DB
	hc := c.hookContext(metadata.OpDelete, oc, db)
	hc.Where = cloneMap(where)
	if err := runHooks(ctx, "before_operation", c.entity.Hooks.BeforeOperation, hc); err != nil {
		return nil, err
	}
	targets, err := c.selectRows(ctx, db, &readContext{oc: oc.System(), where: hc.Where}, 0, 0)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return &DeleteResult{Success: true}, nil
	}
	if err := c.applyDelete(ctx, oc, targets); err != nil {
		return nil, err
	}
	return &DeleteResult{Success: true, Count: len(targets)}, nil
}

func (c *Collection) applyDelete(ctx context.Context, oc OpContext, targets []map[string]any) error {
	ctx, flush := c.withOutbox(ctx)
	defer flush()
	db := c.engine.store.DB
	hooks := c.entity.Hooks
	pk := c.entity.PrimaryKey.Field

	for _, target := range targets {
		if err := c.enforceRow(ctx, metadata.OpDelete, oc, target, nil); err != nil {
			return err
		}
	}
	if err := c.runRowHooks(ctx, "before_delete", hooks.BeforeDelete, metadata.OpDelete, oc, db, targets); err != nil {
		return err
	}

	ids := make([]any, len(targets))
	for i, target := range targets {
		ids[i] = target[pk]
	}
	hard := !c.entity.Options.SoftDelete

	err := c.engine.store.InTx(ctx, func(tx *store.Tx) error {
		if err := c.cascadeDelete(ctx, tx, targets, hard); err != nil {
			return err
		}
		vw := make([]versionWrite, len(ids))
		for i, id := range ids {
			vw[i] = versionWrite{id: id, operation: "delete"}
		}
		if err := c.writeVersions(ctx, tx, oc, vw); err != nil {
			return err
		}
		if err := c.removeRows(ctx, tx, ids, hard); err != nil {
			return err
		}
		var err error
		if len(ids) == 1 {
			err = c.recordChange(ctx, tx, "delete", ids[0], map[string]any{"id": ids[0], "soft": !hard})
		} else {
			err = c.recordChange(ctx, tx, "bulk_delete", nil, map[string]any{"count": len(ids), "ids": ids, "soft": !hard})
		}
		if err != nil {
			return err
		}
		c.scheduleRemove(tx, ids)
		return nil
	})
	if err != nil {
		return err
	}

	return c.runRowHooks(ctx, "after_delete", hooks.AfterDelete, metadata.OpDelete, oc, db, targets)
}

func (c *Collection) removeRows(ctx context.Context, q store.Querier, ids []any, hard bool) error {
	pb := c.dialect.NewParamBuilder()
	if !hard {
		sqlStr := fmt.Sprintf("UPDATE %s SET %s = %s WHERE %s",
			c.entity.Table, metadata.ColDeletedAt, pb.Add(c.dialect.TimeValue(c.now())),
			store.InExpr(c.entity.PrimaryKey.Field, pb, ids))
		if _, err := store.Exec(ctx, q, sqlStr, pb.Params()...); err != nil {
			return fmt.Errorf("soft delete %s: %w", c.entity.Table, err)
		}
		return nil
	}
	if c.entity.HasLocales() {
		lpb := c.dialect.NewParamBuilder()
		sqlStr := fmt.Sprintf("DELETE FROM %s WHERE %s", c.entity.LocaleTable(), store.InExpr("parent_id", lpb, ids))
		if _, err := store.Exec(ctx, q, sqlStr, lpb.Params()...); err != nil {
			return fmt.Errorf("delete %s locales: %w", c.entity.Table, err)
		}
	}
	sqlStr := fmt.Sprintf("DELETE FROM %s WHERE %s", c.entity.Table, store.InExpr(c.entity.PrimaryKey.Field, pb, ids))
	if _, err := store.Exec(ctx, q, sqlStr, pb.Params()...); err != nil {
		return fmt.Errorf("hard delete %s: %w", c.entity.Table, err)
	}
	return nil
}

// RestoreByID clears deleted_at on a soft-deleted record. Restoring a live
// record returns it unchanged.
func (c *Collection) RestoreByID(ctx context.Context, id any, oc OpContext) (map[string]any, error) {
	ctx, span := c.startSpan(ctx, "restore")
	defer span.End()

	row, err := c.restoreByID(ctx, id, oc)
	if err != nil {
		return nil, c.fail(span, translateError(c.dialect, c.entity.Name, err))
	}
	span.SetStatus("ok")
	return row, nil
}

func (c *Collection) restoreByID(ctx context.Context, id any, oc OpContext) (map[string]any, error) {
	if !c.entity.Options.SoftDelete {
		return nil, NotImplemented(c.entity.Name, "soft delete")
	}
	oc, err := c.normalize(oc)
	if err != nil {
		return nil, err
	}
	key, err := coerceID(c.entity, id)
	if err != nil {
		return nil, err
	}
	db := c.engine.store.DB
	row, err := c.loadRow(ctx, db, oc, key, true)
	if err != nil {
		return nil, err
	}
	if row[metadata.ColDeletedAt] != nil {
		rows, err := c.applyUpdate(ctx, oc, []map[string]any{row}, updateInput{
			sys: map[string]any{metadata.ColDeletedAt: nil},
		})
		if err != nil {
			return nil, err
		}
		return rows[0], nil
	}

	if err := c.enforceRow(ctx, metadata.OpUpdate, oc, row, nil); err != nil {
		return nil, err
	}
	if c.entity.WorkflowEnabled() {
		if err := c.attachStages(ctx, db, []map[string]any{row}); err != nil {
			return nil, err
		}
	}
	if err := c.output(ctx, oc, []map[string]any{row}); err != nil {
		return nil, err
	}
	return row, nil
}
