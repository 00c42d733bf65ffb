package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"rocket-collections/internal/metadata"
	"rocket-collections/internal/store"
)

// readContext is a prepared read: normalized context and the filter after
// hooks and access have contributed to it.
type readContext struct {
	oc    OpContext
	where map[string]any
	opts  FindOptions
}

// stageRead reports whether the read is served from version snapshots.
func (rc *readContext) stageRead(entity *metadata.Entity) bool {
	return entity.WorkflowEnabled() && rc.oc.Stage != "" && rc.oc.Stage != entity.Workflow.Initial
}

func (c *Collection) prepareRead(ctx context.Context, opts FindOptions, oc OpContext) (*readContext, error) {
	oc, err := c.normalize(oc)
	if err != nil {
		return nil, err
	}
	db := c.engine.store.DB
	hc := c.hookContext(metadata.OpRead, oc, db)
	hc.Where = cloneMap(opts.Where)
	if err := runHooks(ctx, "before_operation", c.entity.Hooks.BeforeOperation, hc); err != nil {
		return nil, err
	}
	accessWhere, err := c.readWhere(ctx, oc)
	if err != nil {
		return nil, err
	}
	if err := runHooks(ctx, "before_read", c.entity.Hooks.BeforeRead, hc); err != nil {
		return nil, err
	}
	return &readContext{oc: oc, where: mergeWhere(hc.Where, accessWhere), opts: opts}, nil
}

// Find returns one page of matching rows with pagination metadata.
func (c *Collection) Find(ctx context.Context, opts FindOptions, oc OpContext) (*PaginatedResult, error) {
	ctx, span := c.startSpan(ctx, "find")
	defer span.End()

	rc, err := c.prepareRead(ctx, opts, oc)
	if err != nil {
		return nil, c.fail(span, err)
	}
	db := c.engine.store.DB
	limit, offset := c.engine.window(opts)

	var docs []map[string]any
	var total int64
	if rc.stageRead(c.entity) {
		all, err := c.stageRows(ctx, db, rc)
		if err != nil {
			return nil, c.fail(span, err)
		}
		total = int64(len(all))
		docs = pageSlice(all, limit, offset)
	} else {
		total, err = c.countRows(ctx, db, rc)
		if err != nil {
			return nil, c.fail(span, err)
		}
		docs, err = c.selectRows(ctx, db, rc, limit, offset)
		if err != nil {
			return nil, c.fail(span, err)
		}
	}
	if err := c.finishRows(ctx, db, rc, docs); err != nil {
		return nil, c.fail(span, err)
	}
	span.SetStatus("ok")
	return paginate(docs, total, limit, offset), nil
}

// FindOne returns the first matching row, or nil when none matches.
func (c *Collection) FindOne(ctx context.Context, opts FindOptions, oc OpContext) (map[string]any, error) {
	ctx, span := c.startSpan(ctx, "find_one")
	defer span.End()

	rc, err := c.prepareRead(ctx, opts, oc)
	if err != nil {
		return nil, c.fail(span, err)
	}
	db := c.engine.store.DB
	var rows []map[string]any
	if rc.stageRead(c.entity) {
		all, err := c.stageRows(ctx, db, rc)
		if err != nil {
			return nil, c.fail(span, err)
		}
		rows = pageSlice(all, 1, 0)
	} else {
		rows, err = c.selectRows(ctx, db, rc, 1, 0)
		if err != nil {
			return nil, c.fail(span, err)
		}
	}
	if len(rows) == 0 {
		span.SetStatus("ok")
		return nil, nil
	}
	if err := c.finishRows(ctx, db, rc, rows); err != nil {
		return nil, c.fail(span, err)
	}
	span.SetStatus("ok")
	return rows[0], nil
}

// FindByID returns the row with the given key or a NotFound error.
func (c *Collection) FindByID(ctx context.Context, id any, opts FindOptions, oc OpContext) (map[string]any, error) {
	key, err := coerceID(c.entity, id)
	if err != nil {
		return nil, err
	}
	opts.Where = mergeWhere(map[string]any{c.entity.PrimaryKey.Field: key}, opts.Where)
	row, err := c.FindOne(ctx, opts, oc)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, NotFoundError(c.entity.Name, id)
	}
	return row, nil
}

// Count returns the number of rows matching opts.
func (c *Collection) Count(ctx context.Context, opts FindOptions, oc OpContext) (int64, error) {
	ctx, span := c.startSpan(ctx, "count")
	defer span.End()

	rc, err := c.prepareRead(ctx, opts, oc)
	if err != nil {
		return 0, c.fail(span, err)
	}
	db := c.engine.store.DB
	if rc.stageRead(c.entity) {
		all, err := c.stageRows(ctx, db, rc)
		if err != nil {
			return 0, c.fail(span, err)
		}
		span.SetStatus("ok")
		return int64(len(all)), nil
	}
	n, err := c.countRows(ctx, db, rc)
	if err != nil {
		return 0, c.fail(span, err)
	}
	span.SetStatus("ok")
	return n, nil
}

func (c *Collection) buildSelect(rc *readContext) (*selectQuery, error) {
	q := newSelectQuery(c.entity, c.dialect, rc.oc)
	if err := q.where(rc.where); err != nil {
		return nil, err
	}
	if !rc.opts.IncludeDeleted {
		q.notDeleted()
	}
	q.search(rc.opts.Search)
	return q, nil
}

func (c *Collection) countRows(ctx context.Context, db store.Querier, rc *readContext) (int64, error) {
	q, err := c.buildSelect(rc)
	if err != nil {
		return 0, err
	}
	row, err := store.QueryRow(ctx, db, q.countSQL(), q.args()...)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", c.entity.Name, err)
	}
	n, _ := toFloat64(row["count"])
	return int64(n), nil
}

func (c *Collection) selectRows(ctx context.Context, db store.Querier, rc *readContext, limit, offset int) ([]map[string]any, error) {
	q, err := c.buildSelect(rc)
	if err != nil {
		return nil, err
	}
	if err := q.sort(rc.opts.Sort); err != nil {
		return nil, err
	}
	q.defaultOrder()
	q.limit, q.offset = limit, offset
	rows, err := store.QueryRows(ctx, db, q.sql(), q.args()...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", c.entity.Name, err)
	}
	decodeRows(c.entity, rows, q.fallback)
	return rows, nil
}

// loadRows reads rows by key without access checks or hooks, merged in the
// locale of oc.
func (c *Collection) loadRows(ctx context.Context, db store.Querier, oc OpContext, ids []any, includeDeleted bool) ([]map[string]any, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := newSelectQuery(c.entity, c.dialect, oc)
	q.whereIn(c.entity.PrimaryKey.Field, ids)
	if !includeDeleted {
		q.notDeleted()
	}
	q.defaultOrder()
	rows, err := store.QueryRows(ctx, db, q.sql(), q.args()...)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", c.entity.Name, err)
	}
	decodeRows(c.entity, rows, q.fallback)
	return orderByIDs(c.entity, rows, ids), nil
}

// loadRow reads one row by key, or returns NotFound.
func (c *Collection) loadRow(ctx context.Context, db store.Querier, oc OpContext, id any, includeDeleted bool) (map[string]any, error) {
	rows, err := c.loadRows(ctx, db, oc, []any{id}, includeDeleted)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, NotFoundError(c.entity.Name, id)
	}
	return rows[0], nil
}

func orderByIDs(entity *metadata.Entity, rows []map[string]any, ids []any) []map[string]any {
	byID := make(map[string]map[string]any, len(rows))
	for _, row := range rows {
		byID[keyString(row[entity.PrimaryKey.Field])] = row
	}
	out := make([]map[string]any, 0, len(rows))
	for _, id := range ids {
		if row, ok := byID[keyString(id)]; ok {
			out = append(out, row)
			delete(byID, keyString(id))
		}
	}
	return out
}

// finishRows resolves relations, attaches workflow stages and runs the
// output steps.
func (c *Collection) finishRows(ctx context.Context, db store.Querier, rc *readContext, rows []map[string]any) error {
	if len(rows) == 0 {
		return nil
	}
	if err := c.resolveRelations(ctx, db, rc.oc, rows, rc.opts.With, rc.opts.Count); err != nil {
		return err
	}
	if c.entity.WorkflowEnabled() && !rc.stageRead(c.entity) {
		if err := c.attachStages(ctx, db, rows); err != nil {
			return err
		}
	}
	return c.output(ctx, rc.oc, rows)
}

// stageRows reads each record's latest version tagged with the requested
// stage, then filters, searches and sorts the snapshots in the application.
func (c *Collection) stageRows(ctx context.Context, db store.Querier, rc *readContext) ([]map[string]any, error) {
	if err := validateFilter(c.entity, rc.where); err != nil {
		return nil, err
	}
	for _, s := range rc.opts.Sort {
		if field, _ := parseSort(s); field != "" {
			if _, ok := filterField(c.entity, field); !ok {
				return nil, BadRequest("unknown sort field %q", field)
			}
		}
	}

	vt := c.entity.VersionTable()
	pb := c.dialect.NewParamBuilder()
	stage := pb.Add(rc.oc.Stage)
	sqlStr := fmt.Sprintf(`SELECT v.parent_id, v.snapshot, v.locales, v.stage FROM %[1]s v
WHERE v.stage = %[2]s
  AND v.version = (SELECT MAX(v2.version) FROM %[1]s v2 WHERE v2.parent_id = v.parent_id AND v2.stage = %[2]s)`, vt, stage)
	if !rc.opts.IncludeDeleted {
		sqlStr += fmt.Sprintf(`
  AND NOT EXISTS (SELECT 1 FROM %[1]s d WHERE d.parent_id = v.parent_id AND d.operation = 'delete'
    AND d.version = (SELECT MAX(m.version) FROM %[1]s m WHERE m.parent_id = v.parent_id))`, vt)
	}
	rows, err := store.QueryRows(ctx, db, sqlStr, pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("stage read %s: %w", c.entity.Name, err)
	}

	var out []map[string]any
	term := strings.ToLower(strings.TrimSpace(rc.opts.Search))
	for _, vr := range rows {
		doc := c.decodeSnapshot(vr["snapshot"], vr["locales"], rc.oc)
		doc[metadata.StageKey] = valueString(vr["stage"])
		ok, err := matchFilter(c.entity, rc.where, doc)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if term != "" && !strings.Contains(strings.ToLower(valueString(doc[metadata.TitleKey])), term) {
			continue
		}
		out = append(out, doc)
	}
	sortRows(c.entity, out, rc.opts.Sort)
	return out, nil
}

// decodeSnapshot rebuilds a row from a version's snapshot and locales
// columns, merged in the locale of oc.
func (c *Collection) decodeSnapshot(snapshot, locales any, oc OpContext) map[string]any {
	doc, _ := store.NormalizeValue("json", snapshot).(map[string]any)
	if doc == nil {
		doc = map[string]any{}
	}
	store.NormalizeRows([]map[string]any{doc}, snapshotTypes(c.entity))
	byLocale, _ := store.NormalizeValue("json", locales).(map[string]any)
	current, _ := byLocale[oc.Locale].(map[string]any)
	var fallback map[string]any
	if oc.fallback() {
		fallback, _ = byLocale[oc.DefaultLocale].(map[string]any)
	}
	mergeLocalized(c.entity, doc, current, fallback)
	for _, f := range c.entity.LocalizedFields() {
		if v, ok := doc[f.Name]; ok && v != nil {
			doc[f.Name] = store.NormalizeValue(f.Type, v)
		}
	}
	deriveTitle(c.entity, doc)
	return doc
}

func sortRows(entity *metadata.Entity, rows []map[string]any, sorts []string) {
	if len(sorts) == 0 {
		sorts = []string{entity.PrimaryKey.Field}
		if entity.Options.Timestamps {
			sorts = []string{metadata.ColCreatedAt, entity.PrimaryKey.Field}
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, s := range sorts {
			field, dir := parseSort(s)
			a, b := rows[i][field], rows[j][field]
			var cmp int
			switch {
			case a == nil && b == nil:
				cmp = 0
			case a == nil:
				cmp = -1
			case b == nil:
				cmp = 1
			default:
				cmp = compareValues(a, b)
			}
			if cmp == 0 {
				continue
			}
			if dir == "DESC" {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}
