package engine

import (
	"context"
	"fmt"
	"strings"

	"rocket-collections/internal/metadata"
	"rocket-collections/internal/store"
)

// Nested relation operations accepted in write input.
const (
	relCreate          = "create"
	relConnect         = "connect"
	relConnectOrCreate = "connectOrCreate"
	relDisconnect      = "disconnect"
	relSet             = "set"
)

type connectOrCreate struct {
	where  map[string]any
	create map[string]any
}

// relationWrite is the parsed nested input of one relation.
type relationWrite struct {
	relation        *metadata.Relation
	target          *metadata.Entity
	create          []map[string]any
	connect         []any
	connectOrCreate []connectOrCreate
	disconnect      []any
	disconnectAll   bool
	set             []any
	hasSet          bool
}

// separateRelations splits write input into field values and nested
// relation operations.
func (c *Collection) separateRelations(data map[string]any) (map[string]any, []*relationWrite, error) {
	fields := make(map[string]any, len(data))
	var writes []*relationWrite
	for _, key := range sortedKeys(data) {
		rel := c.entity.GetRelation(key)
		if rel == nil {
			fields[key] = data[key]
			continue
		}
		target := c.engine.registry.GetEntity(rel.Target)
		if target == nil {
			return nil, nil, fmt.Errorf("relation %s: unknown target %s", rel.Name, rel.Target)
		}
		rw, err := parseRelationWrite(rel, target, data[key])
		if err != nil {
			return nil, nil, err
		}
		writes = append(writes, rw)
	}
	return fields, writes, nil
}

func parseRelationWrite(rel *metadata.Relation, target *metadata.Entity, v any) (*relationWrite, error) {
	rw := &relationWrite{relation: rel, target: target}
	switch val := v.(type) {
	case nil:
		if !rel.IsBelongsTo() {
			return nil, BadRequest("relation %s: null is only accepted for belongs_to", rel.Name)
		}
		rw.disconnectAll = true
		return rw, nil
	case []any:
		if rel.IsBelongsTo() {
			return nil, BadRequest("relation %s: a list is not accepted for belongs_to", rel.Name)
		}
		rw.set, rw.hasSet = val, true
		return rw, nil
	case map[string]any:
		if err := rw.parseOps(val); err != nil {
			return nil, err
		}
		return rw, nil
	default:
		if !rel.IsBelongsTo() {
			return nil, BadRequest("relation %s: expected a list or an operation object", rel.Name)
		}
		rw.connect = []any{val}
		return rw, nil
	}
}

func (rw *relationWrite) parseOps(ops map[string]any) error {
	name := rw.relation.Name
	single := rw.relation.IsBelongsTo()
	for _, op := range sortedKeys(ops) {
		v := ops[op]
		switch op {
		case relCreate:
			items, err := objectList(name, op, v)
			if err != nil {
				return err
			}
			rw.create = append(rw.create, items...)
		case relConnect:
			rw.connect = append(rw.connect, refList(v)...)
		case relConnectOrCreate:
			items, err := objectList(name, op, v)
			if err != nil {
				return err
			}
			for _, item := range items {
				where, _ := item["where"].(map[string]any)
				create, _ := item["create"].(map[string]any)
				if len(where) == 0 || create == nil {
					return BadRequest("relation %s: connectOrCreate needs where and create", name)
				}
				rw.connectOrCreate = append(rw.connectOrCreate, connectOrCreate{where: where, create: create})
			}
		case relDisconnect:
			if b, ok := v.(bool); ok {
				rw.disconnectAll = b
				continue
			}
			rw.disconnect = append(rw.disconnect, refList(v)...)
		case relSet:
			if single {
				return BadRequest("relation %s: set is not accepted for belongs_to", name)
			}
			rw.set, rw.hasSet = refList(v), true
		default:
			return BadRequest("relation %s: unknown operation %q", name, op)
		}
	}
	if single && len(rw.create)+len(rw.connect)+len(rw.connectOrCreate) > 1 {
		return BadRequest("relation %s: belongs_to accepts a single record", name)
	}
	return nil
}

func objectList(rel, op string, v any) ([]map[string]any, error) {
	switch val := v.(type) {
	case map[string]any:
		return []map[string]any{val}, nil
	case []any:
		out := make([]map[string]any, 0, len(val))
		for _, item := range val {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, BadRequest("relation %s: %s expects objects", rel, op)
			}
			out = append(out, obj)
		}
		return out, nil
	case []map[string]any:
		return val, nil
	}
	return nil, BadRequest("relation %s: %s expects an object or a list of objects", rel, op)
}

func refList(v any) []any {
	switch val := v.(type) {
	case nil:
		return nil
	case []any:
		return val
	case []map[string]any:
		out := make([]any, len(val))
		for i, m := range val {
			out[i] = m
		}
		return out
	}
	return toSlice(v)
}

// findRef resolves a connect reference, a key or a filter object, to a row
// of the target collection.
func (c *Collection) findRef(ctx context.Context, q store.Querier, oc OpContext, ref any) (map[string]any, error) {
	where, ok := ref.(map[string]any)
	if !ok {
		key, err := coerceID(c.entity, ref)
		if err != nil {
			return nil, err
		}
		where = map[string]any{c.entity.PrimaryKey.Field: key}
	}
	rows, err := c.selectRows(ctx, q, &readContext{oc: oc.System(), where: where}, 1, 0)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func (c *Collection) mustFindRef(ctx context.Context, q store.Querier, oc OpContext, ref any) (map[string]any, error) {
	row, err := c.findRef(ctx, q, oc, ref)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, NotFoundError(c.entity.Name, ref)
	}
	return row, nil
}

// belongsToKeys returns the target columns a belongs_to relation references.
func belongsToKeys(rel *metadata.Relation, target *metadata.Entity) []string {
	if len(rel.References) > 0 {
		return rel.References
	}
	return []string{target.PrimaryKey.Field}
}

func setForeignKeys(fields map[string]any, rel *metadata.Relation, target *metadata.Entity, row map[string]any) {
	refs := belongsToKeys(rel, target)
	for i, local := range rel.Fields {
		if row == nil {
			fields[local] = nil
			continue
		}
		fields[local] = row[refs[i]]
	}
}

// resolveBelongsTo writes connect and disconnect references of belongs_to
// relations into their local key fields. It returns the key fields that are
// only known once a nested create runs inside the transaction.
func (c *Collection) resolveBelongsTo(ctx context.Context, q store.Querier, oc OpContext, fields map[string]any, writes []*relationWrite) ([]string, error) {
	var pending []string
	for _, rw := range writes {
		if !rw.relation.IsBelongsTo() {
			continue
		}
		tc := c.engine.collection(rw.target)
		switch {
		case len(rw.connect) > 0:
			row, err := tc.mustFindRef(ctx, q, oc, rw.connect[0])
			if err != nil {
				return nil, err
			}
			setForeignKeys(fields, rw.relation, rw.target, row)
		case len(rw.create) > 0 || len(rw.connectOrCreate) > 0:
			pending = append(pending, rw.relation.Fields...)
		case rw.disconnectAll || len(rw.disconnect) > 0:
			setForeignKeys(fields, rw.relation, rw.target, nil)
		}
	}
	return pending, nil
}

// writeBelongsTo runs nested creates of belongs_to relations and stores the
// new keys in fields.
func (c *Collection) writeBelongsTo(ctx context.Context, tx *store.Tx, oc OpContext, fields map[string]any, writes []*relationWrite) error {
	for _, rw := range writes {
		if !rw.relation.IsBelongsTo() {
			continue
		}
		tc := c.engine.collection(rw.target)
		var row map[string]any
		var err error
		switch {
		case len(rw.connectOrCreate) > 0:
			coc := rw.connectOrCreate[0]
			row, err = tc.findRef(ctx, tx, oc, coc.where)
			if err == nil && row == nil {
				row, err = tc.createWithin(ctx, tx, oc, coc.create)
			}
		case len(rw.create) > 0:
			row, err = tc.createWithin(ctx, tx, oc, rw.create[0])
		default:
			continue
		}
		if err != nil {
			return fmt.Errorf("relation %s: %w", rw.relation.Name, err)
		}
		setForeignKeys(fields, rw.relation, rw.target, row)
	}
	return nil
}

// writeChildren applies has_many and many_to_many operations for one parent
// row.
func (c *Collection) writeChildren(ctx context.Context, tx *store.Tx, oc OpContext, parent map[string]any, writes []*relationWrite) error {
	for _, rw := range writes {
		var err error
		switch {
		case rw.relation.IsHasMany():
			err = c.writeHasMany(ctx, tx, oc, parent, rw)
		case rw.relation.IsManyToMany():
			err = c.writeManyToMany(ctx, tx, oc, parent, rw)
		}
		if err != nil {
			return fmt.Errorf("relation %s: %w", rw.relation.Name, err)
		}
	}
	return nil
}

func (c *Collection) refKeys(ctx context.Context, q store.Querier, oc OpContext, refs []any) ([]any, error) {
	keys := make([]any, 0, len(refs))
	for _, ref := range refs {
		row, err := c.mustFindRef(ctx, q, oc, ref)
		if err != nil {
			return nil, err
		}
		keys = append(keys, row[c.entity.PrimaryKey.Field])
	}
	return keys, nil
}

func (c *Collection) writeHasMany(ctx context.Context, tx *store.Tx, oc OpContext, parent map[string]any, rw *relationWrite) error {
	rel, target := rw.relation, rw.target
	tc := c.engine.collection(target)
	local := parent[rel.LocalKey(c.entity)]
	fk := rel.ForeignKey
	pk := target.PrimaryKey.Field

	attach := func(keys []any) error {
		if len(keys) == 0 {
			return nil
		}
		pb := c.dialect.NewParamBuilder()
		sqlStr := fmt.Sprintf("UPDATE %s SET %s = %s WHERE %s",
			target.Table, fk, pb.Add(local), store.InExpr(pk, pb, keys))
		_, err := store.Exec(ctx, tx, sqlStr, pb.Params()...)
		return err
	}

	if rw.hasSet {
		keys, err := tc.refKeys(ctx, tx, oc, rw.set)
		if err != nil {
			return err
		}
		pb := c.dialect.NewParamBuilder()
		sqlStr := fmt.Sprintf("UPDATE %s SET %s = NULL WHERE %s = %s AND %s",
			target.Table, fk, fk, pb.Add(local), store.NotInExpr(pk, pb, keys))
		if _, err := store.Exec(ctx, tx, sqlStr, pb.Params()...); err != nil {
			return err
		}
		if err := attach(keys); err != nil {
			return err
		}
	}
	if rw.disconnectAll || len(rw.disconnect) > 0 {
		pb := c.dialect.NewParamBuilder()
		sqlStr := fmt.Sprintf("UPDATE %s SET %s = NULL WHERE %s = %s", target.Table, fk, fk, pb.Add(local))
		if !rw.disconnectAll {
			keys, err := tc.refKeys(ctx, tx, oc, rw.disconnect)
			if err != nil {
				return err
			}
			sqlStr += " AND " + store.InExpr(pk, pb, keys)
		}
		if _, err := store.Exec(ctx, tx, sqlStr, pb.Params()...); err != nil {
			return err
		}
	}
	if len(rw.connect) > 0 {
		keys, err := tc.refKeys(ctx, tx, oc, rw.connect)
		if err != nil {
			return err
		}
		if err := attach(keys); err != nil {
			return err
		}
	}
	for _, coc := range rw.connectOrCreate {
		row, err := tc.findRef(ctx, tx, oc, coc.where)
		if err != nil {
			return err
		}
		if row != nil {
			if err := attach([]any{row[pk]}); err != nil {
				return err
			}
			continue
		}
		data := cloneMap(coc.create)
		data[fk] = local
		if _, err := tc.createWithin(ctx, tx, oc, data); err != nil {
			return err
		}
	}
	for _, item := range rw.create {
		data := cloneMap(item)
		data[fk] = local
		if _, err := tc.createWithin(ctx, tx, oc, data); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collection) writeManyToMany(ctx context.Context, tx *store.Tx, oc OpContext, parent map[string]any, rw *relationWrite) error {
	rel, target := rw.relation, rw.target
	tc := c.engine.collection(target)
	source := parent[c.entity.PrimaryKey.Field]
	pk := target.PrimaryKey.Field

	link := func(keys []any) error {
		for _, key := range keys {
			pb := c.dialect.NewParamBuilder()
			sqlStr := fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES (%s, %s) ON CONFLICT DO NOTHING",
				rel.Junction, rel.SourceField, rel.TargetField, pb.Add(source), pb.Add(key))
			if _, err := store.Exec(ctx, tx, sqlStr, pb.Params()...); err != nil {
				return fmt.Errorf("insert join row in %s: %w", rel.Junction, err)
			}
		}
		return nil
	}
	unlink := func(keys []any, keep bool) error {
		pb := c.dialect.NewParamBuilder()
		conds := []string{fmt.Sprintf("%s = %s", rel.SourceField, pb.Add(source))}
		switch {
		case keep:
			conds = append(conds, store.NotInExpr(rel.TargetField, pb, keys))
		case keys != nil:
			conds = append(conds, store.InExpr(rel.TargetField, pb, keys))
		}
		sqlStr := fmt.Sprintf("DELETE FROM %s WHERE %s", rel.Junction, strings.Join(conds, " AND "))
		if _, err := store.Exec(ctx, tx, sqlStr, pb.Params()...); err != nil {
			return fmt.Errorf("delete join rows in %s: %w", rel.Junction, err)
		}
		return nil
	}

	if rw.hasSet {
		keys, err := tc.refKeys(ctx, tx, oc, rw.set)
		if err != nil {
			return err
		}
		if err := unlink(keys, true); err != nil {
			return err
		}
		if err := link(keys); err != nil {
			return err
		}
	}
	if rw.disconnectAll {
		if err := unlink(nil, false); err != nil {
			return err
		}
	} else if len(rw.disconnect) > 0 {
		keys, err := tc.refKeys(ctx, tx, oc, rw.disconnect)
		if err != nil {
			return err
		}
		if err := unlink(keys, false); err != nil {
			return err
		}
	}
	if len(rw.connect) > 0 {
		keys, err := tc.refKeys(ctx, tx, oc, rw.connect)
		if err != nil {
			return err
		}
		if err := link(keys); err != nil {
			return err
		}
	}
	for _, coc := range rw.connectOrCreate {
		row, err := tc.findRef(ctx, tx, oc, coc.where)
		if err != nil {
			return err
		}
		if row == nil {
			if row, err = tc.createWithin(ctx, tx, oc, coc.create); err != nil {
				return err
			}
		}
		if err := link([]any{row[pk]}); err != nil {
			return err
		}
	}
	for _, item := range rw.create {
		row, err := tc.createWithin(ctx, tx, oc, item)
		if err != nil {
			return err
		}
		if err := link([]any{row[pk]}); err != nil {
			return err
		}
	}
	return nil
}
