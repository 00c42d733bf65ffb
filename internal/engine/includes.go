package engine

import (
	"context"
	"fmt"

	"rocket-collections/internal/metadata"
	"rocket-collections/internal/store"
)

// resolveRelations attaches the requested relations to rows with one query
// per relation, then the requested relation counts. Unknown relation names
// are skipped.
func (c *Collection) resolveRelations(ctx context.Context, db store.Querier, oc OpContext, rows []map[string]any, with map[string]*WithSpec, count []string) error {
	if len(rows) == 0 {
		return nil
	}
	for _, name := range sortedKeys(with) {
		rel := c.entity.GetRelation(name)
		if rel == nil {
			continue
		}
		target := c.engine.registry.GetEntity(rel.Target)
		if target == nil {
			continue
		}
		spec := with[name]
		if spec == nil {
			spec = &WithSpec{}
		}
		tc := c.engine.collection(target)
		var err error
		switch {
		case rel.IsBelongsTo():
			err = c.loadBelongsTo(ctx, db, oc, tc, rel, spec, rows)
		case rel.IsHasMany():
			err = c.loadHasMany(ctx, db, oc, tc, rel, spec, rows)
		case rel.IsManyToMany():
			err = c.loadManyToMany(ctx, db, oc, tc, rel, spec, rows)
		}
		if err != nil {
			return fmt.Errorf("load relation %s: %w", name, err)
		}
	}
	if len(count) > 0 {
		return c.attachCounts(ctx, db, oc, rows, count)
	}
	return nil
}

// relatedRows reads target rows under the caller's read access, with their
// own nested relations. restrict narrows the query to the parents' keys.
// A caller who may not read the target gets no rows.
func (c *Collection) relatedRows(ctx context.Context, db store.Querier, oc OpContext, spec *WithSpec, restrict func(q *selectQuery) error) ([]map[string]any, error) {
	accessWhere, err := c.readWhere(ctx, oc)
	if err != nil {
		if appErr, ok := AsAppError(err); ok && appErr.Code == "FORBIDDEN" {
			return nil, nil
		}
		return nil, err
	}
	q := newSelectQuery(c.entity, c.dialect, oc)
	if err := q.where(mergeWhere(spec.Where, accessWhere)); err != nil {
		return nil, err
	}
	if err := restrict(q); err != nil {
		return nil, err
	}
	q.notDeleted()
	if err := q.sort(spec.Sort); err != nil {
		return nil, err
	}
	q.defaultOrder()
	rows, err := store.QueryRows(ctx, db, q.sql(), q.args()...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", c.entity.Name, err)
	}
	decodeRows(c.entity, rows, q.fallback)
	if len(rows) == 0 {
		return rows, nil
	}
	if err := c.resolveRelations(ctx, db, oc, rows, spec.With, spec.Count); err != nil {
		return nil, err
	}
	if c.entity.WorkflowEnabled() {
		if err := c.attachStages(ctx, db, rows); err != nil {
			return nil, err
		}
	}
	if err := c.output(ctx, oc, rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *Collection) loadBelongsTo(ctx context.Context, db store.Querier, oc OpContext, tc *Collection, rel *metadata.Relation, spec *WithSpec, rows []map[string]any) error {
	refs := belongsToKeys(rel, tc.entity)
	seen := map[string]bool{}
	var single []any
	var tuples []any
	for _, row := range rows {
		key, ok := tupleKey(row, rel.Fields)
		if !ok || seen[key] {
			continue
		}
		seen[key] = true
		if len(refs) == 1 {
			single = append(single, row[rel.Fields[0]])
			continue
		}
		cond := map[string]any{}
		for i, local := range rel.Fields {
			cond[refs[i]] = row[local]
		}
		tuples = append(tuples, cond)
	}
	if len(seen) == 0 {
		for _, row := range rows {
			row[rel.Name] = nil
		}
		return nil
	}

	targets, err := tc.relatedRows(ctx, db, oc, spec, func(q *selectQuery) error {
		if len(refs) == 1 {
			q.whereIn(refs[0], single)
			return nil
		}
		return q.where(map[string]any{"or": tuples})
	})
	if err != nil {
		return err
	}
	byKey := make(map[string]map[string]any, len(targets))
	for _, t := range targets {
		if key, ok := tupleKey(t, refs); ok {
			byKey[key] = t
		}
	}
	for _, row := range rows {
		key, ok := tupleKey(row, rel.Fields)
		if !ok {
			row[rel.Name] = nil
			continue
		}
		if t, found := byKey[key]; found {
			row[rel.Name] = t
		} else {
			row[rel.Name] = nil
		}
	}
	return nil
}

func (c *Collection) loadHasMany(ctx context.Context, db store.Querier, oc OpContext, tc *Collection, rel *metadata.Relation, spec *WithSpec, rows []map[string]any) error {
	localKey := rel.LocalKey(c.entity)
	locals := collectValues(rows, localKey)
	children, err := tc.relatedRows(ctx, db, oc, spec, func(q *selectQuery) error {
		q.whereIn(rel.ForeignKey, locals)
		return nil
	})
	if err != nil {
		return err
	}
	grouped := make(map[string][]map[string]any)
	for _, child := range children {
		fk := keyString(child[rel.ForeignKey])
		grouped[fk] = append(grouped[fk], child)
	}
	for _, row := range rows {
		list := grouped[keyString(row[localKey])]
		if list == nil {
			list = []map[string]any{}
		}
		row[rel.Name] = limitList(list, spec.Limit)
	}
	return nil
}

func (c *Collection) loadManyToMany(ctx context.Context, db store.Querier, oc OpContext, tc *Collection, rel *metadata.Relation, spec *WithSpec, rows []map[string]any) error {
	pk := c.entity.PrimaryKey.Field
	ids := collectValues(rows, pk)
	if len(ids) == 0 {
		return nil
	}
	pb := c.dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s",
		rel.SourceField, rel.TargetField, rel.Junction, store.InExpr(rel.SourceField, pb, ids))
	links, err := store.QueryRows(ctx, db, sqlStr, pb.Params()...)
	if err != nil {
		return fmt.Errorf("load join rows from %s: %w", rel.Junction, err)
	}
	linked := make(map[string][]string)
	var targetIDs []any
	seen := map[string]bool{}
	for _, link := range links {
		src, tgt := keyString(link[rel.SourceField]), keyString(link[rel.TargetField])
		linked[src] = append(linked[src], tgt)
		if !seen[tgt] {
			seen[tgt] = true
			targetIDs = append(targetIDs, link[rel.TargetField])
		}
	}

	var targets []map[string]any
	if len(targetIDs) > 0 {
		targets, err = tc.relatedRows(ctx, db, oc, spec, func(q *selectQuery) error {
			q.whereIn(tc.entity.PrimaryKey.Field, targetIDs)
			return nil
		})
		if err != nil {
			return err
		}
	}
	byID := make(map[string]map[string]any, len(targets))
	rank := make(map[string]int, len(targets))
	for i, t := range targets {
		key := keyString(t[tc.entity.PrimaryKey.Field])
		byID[key] = t
		rank[key] = i
	}

	for _, row := range rows {
		keys := linked[keyString(row[pk])]
		list := make([]map[string]any, 0, len(keys))
		if len(spec.Sort) > 0 {
			// the requested sort wins over junction order
			ordered := make([]map[string]any, len(targets))
			for _, k := range keys {
				if t, ok := byID[k]; ok {
					ordered[rank[k]] = t
				}
			}
			for _, t := range ordered {
				if t != nil {
					list = append(list, t)
				}
			}
		} else {
			for _, k := range keys {
				if t, ok := byID[k]; ok {
					list = append(list, t)
				}
			}
		}
		row[rel.Name] = limitList(list, spec.Limit)
	}
	return nil
}

// attachCounts sets _count: {relation: n} for to-many relations.
func (c *Collection) attachCounts(ctx context.Context, db store.Querier, oc OpContext, rows []map[string]any, names []string) error {
	counts := make([]map[string]any, len(rows))
	for i := range rows {
		counts[i] = map[string]any{}
		rows[i][metadata.CountKey] = counts[i]
	}
	for _, name := range names {
		rel := c.entity.GetRelation(name)
		if rel == nil || rel.IsBelongsTo() {
			continue
		}
		target := c.engine.registry.GetEntity(rel.Target)
		if target == nil {
			continue
		}
		byKey, localKey, err := c.countRelation(ctx, db, oc, c.engine.collection(target), rel, rows)
		if err != nil {
			return fmt.Errorf("count relation %s: %w", name, err)
		}
		for i, row := range rows {
			counts[i][name] = byKey[keyString(row[localKey])]
		}
	}
	return nil
}

func (c *Collection) countRelation(ctx context.Context, db store.Querier, oc OpContext, tc *Collection, rel *metadata.Relation, rows []map[string]any) (map[string]int64, string, error) {
	out := map[string]int64{}
	localKey := c.entity.PrimaryKey.Field
	if rel.IsHasMany() {
		localKey = rel.LocalKey(c.entity)
	}
	locals := collectValues(rows, localKey)
	if len(locals) == 0 {
		return out, localKey, nil
	}
	accessWhere, err := tc.readWhere(ctx, oc)
	if err != nil {
		if appErr, ok := AsAppError(err); ok && appErr.Code == "FORBIDDEN" {
			return out, localKey, nil
		}
		return nil, "", err
	}

	q := newSelectQuery(tc.entity, tc.dialect, oc)
	if err := q.where(accessWhere); err != nil {
		return nil, "", err
	}
	q.notDeleted()
	var group string
	if rel.IsHasMany() {
		group = "t." + rel.ForeignKey
		q.whereIn(rel.ForeignKey, locals)
	} else {
		group = "j." + rel.SourceField
		q.joins += fmt.Sprintf(" JOIN %s j ON j.%s = t.%s", rel.Junction, rel.TargetField, tc.entity.PrimaryKey.Field)
		q.whereRaw(store.InExpr(group, q.pb, locals))
	}
	sqlStr := fmt.Sprintf("SELECT %s AS k, COUNT(*) AS count FROM %s GROUP BY %s", group, q.from(), group)
	res, err := store.QueryRows(ctx, db, sqlStr, q.args()...)
	if err != nil {
		return nil, "", err
	}
	for _, r := range res {
		n, _ := toFloat64(r["count"])
		out[keyString(r["k"])] = int64(n)
	}
	return out, localKey, nil
}

func collectValues(rows []map[string]any, field string) []any {
	seen := map[string]bool{}
	var out []any
	for _, row := range rows {
		v := row[field]
		if v == nil {
			continue
		}
		k := keyString(v)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, v)
	}
	return out
}

func limitList(list []map[string]any, limit int) []map[string]any {
	if limit > 0 && len(list) > limit {
		return list[:limit]
	}
	return list
}
