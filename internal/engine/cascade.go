package engine

import (
	"context"
	"fmt"

	"rocket-collections/internal/metadata"
	"rocket-collections/internal/store"
)

// cascadeDelete applies the on_delete policy of every has_many and
// many_to_many relation of the deleted rows. An unset policy leaves
// has_many children alone and detaches many_to_many links on hard delete.
func (c *Collection) cascadeDelete(ctx context.Context, q store.Querier, rows []map[string]any, hard bool) error {
	for i := range c.entity.Relations {
		rel := &c.entity.Relations[i]
		var err error
		switch {
		case rel.IsHasMany():
			err = c.cascadeHasMany(ctx, q, rel, rows)
		case rel.IsManyToMany():
			err = c.cascadeManyToMany(ctx, q, rel, rows, hard)
		}
		if err != nil {
			return fmt.Errorf("cascade delete for relation %s: %w", rel.Name, err)
		}
	}
	return nil
}

func (c *Collection) cascadeHasMany(ctx context.Context, q store.Querier, rel *metadata.Relation, rows []map[string]any) error {
	target := c.engine.registry.GetEntity(rel.Target)
	if target == nil || rel.OnDelete == "" {
		return nil
	}
	localKey := rel.LocalKey(c.entity)
	locals := make([]any, 0, len(rows))
	for _, row := range rows {
		if v := row[localKey]; v != nil {
			locals = append(locals, v)
		}
	}
	if len(locals) == 0 {
		return nil
	}
	fk := rel.ForeignKey

	switch rel.OnDelete {
	case "cascade":
		pb := c.dialect.NewParamBuilder()
		if target.Options.SoftDelete {
			sqlStr := fmt.Sprintf("UPDATE %s SET %s = %s WHERE %s AND %s IS NULL",
				target.Table, metadata.ColDeletedAt, pb.Add(c.dialect.TimeValue(c.now())),
				store.InExpr(fk, pb, locals), metadata.ColDeletedAt)
			_, err := store.Exec(ctx, q, sqlStr, pb.Params()...)
			return err
		}
		if target.HasLocales() {
			lpb := c.dialect.NewParamBuilder()
			sqlStr := fmt.Sprintf("DELETE FROM %s WHERE parent_id IN (SELECT %s FROM %s WHERE %s)",
				target.LocaleTable(), target.PrimaryKey.Field, target.Table, store.InExpr(fk, lpb, locals))
			if _, err := store.Exec(ctx, q, sqlStr, lpb.Params()...); err != nil {
				return err
			}
		}
		sqlStr := fmt.Sprintf("DELETE FROM %s WHERE %s", target.Table, store.InExpr(fk, pb, locals))
		_, err := store.Exec(ctx, q, sqlStr, pb.Params()...)
		return err

	case "set_null", "detach":
		pb := c.dialect.NewParamBuilder()
		sqlStr := fmt.Sprintf("UPDATE %s SET %s = NULL WHERE %s", target.Table, fk, store.InExpr(fk, pb, locals))
		_, err := store.Exec(ctx, q, sqlStr, pb.Params()...)
		return err

	case "restrict":
		pb := c.dialect.NewParamBuilder()
		sqlStr := fmt.Sprintf("SELECT COUNT(*) AS count FROM %s WHERE %s", target.Table, store.InExpr(fk, pb, locals))
		if target.Options.SoftDelete {
			sqlStr += " AND " + metadata.ColDeletedAt + " IS NULL"
		}
		return c.restrict(ctx, q, sqlStr, pb.Params(), rel.Target)
	}
	return nil
}

func (c *Collection) cascadeManyToMany(ctx context.Context, q store.Querier, rel *metadata.Relation, rows []map[string]any, hard bool) error {
	policy := rel.OnDelete
	if policy == "" {
		if !hard {
			return nil
		}
		policy = "detach"
	}
	ids := make([]any, len(rows))
	for i, row := range rows {
		ids[i] = row[c.entity.PrimaryKey.Field]
	}
	pb := c.dialect.NewParamBuilder()
	switch policy {
	case "cascade", "set_null", "detach":
		sqlStr := fmt.Sprintf("DELETE FROM %s WHERE %s", rel.Junction, store.InExpr(rel.SourceField, pb, ids))
		_, err := store.Exec(ctx, q, sqlStr, pb.Params()...)
		return err
	case "restrict":
		sqlStr := fmt.Sprintf("SELECT COUNT(*) AS count FROM %s WHERE %s", rel.Junction, store.InExpr(rel.SourceField, pb, ids))
		return c.restrict(ctx, q, sqlStr, pb.Params(), rel.Target)
	}
	return nil
}

func (c *Collection) restrict(ctx context.Context, q store.Querier, sqlStr string, args []any, target string) error {
	row, err := store.QueryRow(ctx, q, sqlStr, args...)
	if err != nil {
		return err
	}
	if n, _ := toFloat64(row["count"]); n > 0 {
		return Conflict(fmt.Sprintf("Cannot delete: %d related %s records exist", int64(n), target))
	}
	return nil
}
