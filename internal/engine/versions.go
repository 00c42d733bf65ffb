package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"rocket-collections/internal/metadata"
	"rocket-collections/internal/store"
)

// Version is one entry of a record's history.
type Version struct {
	ID        string         `json:"id"`
	Parent    any            `json:"parent"`
	Version   int64          `json:"version"`
	Operation string         `json:"operation"`
	Stage     string         `json:"stage,omitempty"`
	FromStage string         `json:"from_stage,omitempty"`
	CreatedBy string         `json:"created_by,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Doc       map[string]any `json:"doc"`
}

// VersionRef identifies a version by id or by number.
type VersionRef struct {
	ID     string `json:"id,omitempty"`
	Number int64  `json:"version,omitempty"`
}

type versionHead struct {
	version   int64
	stage     string
	operation string
}

// versionWrite describes one version to append. An empty stage keeps the
// record's current stage.
type versionWrite struct {
	id        any
	operation string
	stage     string
	fromStage string
}

// loadRaw reads primary-table rows as stored, without locale merging.
func (c *Collection) loadRaw(ctx context.Context, q store.Querier, ids []any) (map[string]map[string]any, error) {
	out := map[string]map[string]any{}
	if len(ids) == 0 {
		return out, nil
	}
	pb := c.dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		strings.Join(c.entity.Columns(), ", "), c.entity.Table, store.InExpr(c.entity.PrimaryKey.Field, pb, ids))
	rows, err := store.QueryRows(ctx, q, sqlStr, pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", c.entity.Name, err)
	}
	store.NormalizeRows(rows, snapshotTypes(c.entity))
	for _, row := range rows {
		out[keyString(row[c.entity.PrimaryKey.Field])] = row
	}
	return out, nil
}

// latestVersions returns the newest version of each record.
func (c *Collection) latestVersions(ctx context.Context, q store.Querier, ids []any) (map[string]versionHead, error) {
	out := map[string]versionHead{}
	if len(ids) == 0 {
		return out, nil
	}
	vt := c.entity.VersionTable()
	pb := c.dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(`SELECT v.parent_id, v.version, v.stage, v.operation FROM %[1]s v
WHERE %[2]s AND v.version = (SELECT MAX(v2.version) FROM %[1]s v2 WHERE v2.parent_id = v.parent_id)`,
		vt, store.InExpr("v.parent_id", pb, ids))
	rows, err := store.QueryRows(ctx, q, sqlStr, pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("latest %s versions: %w", c.entity.Name, err)
	}
	for _, row := range rows {
		n, _ := toFloat64(row["version"])
		out[keyString(row["parent_id"])] = versionHead{
			version:   int64(n),
			stage:     valueString(row["stage"]),
			operation: valueString(row["operation"]),
		}
	}
	return out, nil
}

// currentStage derives a record's stage from its latest version.
func (c *Collection) currentStage(head versionHead, ok bool) string {
	if ok && head.stage != "" {
		return head.stage
	}
	return c.entity.Workflow.Initial
}

// writeVersions appends one version per write, numbering each record's
// versions consecutively.
func (c *Collection) writeVersions(ctx context.Context, q store.Querier, oc OpContext, writes []versionWrite) error {
	if !c.entity.Options.Versioning || len(writes) == 0 {
		return nil
	}
	ids := make([]any, len(writes))
	for i, w := range writes {
		ids[i] = w.id
	}
	raw, err := c.loadRaw(ctx, q, ids)
	if err != nil {
		return err
	}
	locales, err := c.loadLocales(ctx, q, ids)
	if err != nil {
		return err
	}
	heads, err := c.latestVersions(ctx, q, ids)
	if err != nil {
		return err
	}

	now := c.dialect.TimeValue(c.now())
	for _, w := range writes {
		key := keyString(w.id)
		head, ok := heads[key]
		var stage, fromStage any
		stageName := ""
		if c.entity.WorkflowEnabled() {
			stageName = w.stage
			if stageName == "" {
				stageName = c.currentStage(head, ok)
			}
			stage = stageName
			if w.fromStage != "" {
				fromStage = w.fromStage
			}
		}
		snapshot, err := store.EncodeJSON(raw[key])
		if err != nil {
			return err
		}
		localeJSON, err := store.EncodeJSON(locales[key])
		if err != nil {
			return err
		}
		var createdBy any
		if id := oc.sessionID(); id != "" {
			createdBy = id
		}
		pb := c.dialect.NewParamBuilder()
		sqlStr := fmt.Sprintf(`INSERT INTO %s (id, parent_id, version, operation, snapshot, locales, stage, from_stage, created_by, created_at)
VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`, c.entity.VersionTable(),
			pb.Add(store.GenerateUUID()), pb.Add(w.id), pb.Add(head.version+1), pb.Add(w.operation),
			pb.Add(snapshot), pb.Add(localeJSON), pb.Add(stage), pb.Add(fromStage), pb.Add(createdBy), pb.Add(now))
		if _, err := store.Exec(ctx, q, sqlStr, pb.Params()...); err != nil {
			return fmt.Errorf("write %s version: %w", c.entity.Name, err)
		}
		heads[key] = versionHead{version: head.version + 1, stage: stageName, operation: w.operation}
	}
	return nil
}

// attachStages sets _stage on rows from their latest versions.
func (c *Collection) attachStages(ctx context.Context, db store.Querier, rows []map[string]any) error {
	ids := make([]any, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row[c.entity.PrimaryKey.Field])
	}
	heads, err := c.latestVersions(ctx, db, ids)
	if err != nil {
		return err
	}
	for _, row := range rows {
		head, ok := heads[keyString(row[c.entity.PrimaryKey.Field])]
		row[metadata.StageKey] = c.currentStage(head, ok)
	}
	return nil
}

// FindVersions returns a record's history in ascending order, each version
// merged in the requested locale.
func (c *Collection) FindVersions(ctx context.Context, id any, oc OpContext) ([]Version, error) {
	ctx, span := c.startSpan(ctx, "find_versions")
	defer span.End()

	if !c.entity.Options.Versioning {
		return nil, c.fail(span, NotImplemented(c.entity.Name, "versioning"))
	}
	key, err := coerceID(c.entity, id)
	if err != nil {
		return nil, c.fail(span, err)
	}
	rc, err := c.prepareRead(ctx, FindOptions{
		Where:          map[string]any{c.entity.PrimaryKey.Field: key},
		IncludeDeleted: true,
	}, oc)
	if err != nil {
		return nil, c.fail(span, err)
	}
	rc.oc.Stage = ""
	db := c.engine.store.DB
	found, err := c.selectRows(ctx, db, rc, 1, 0)
	if err != nil {
		return nil, c.fail(span, err)
	}
	gone := len(found) == 0
	if gone && c.entity.Options.SoftDelete {
		return nil, c.fail(span, NotFoundError(c.entity.Name, id))
	}

	pb := c.dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(`SELECT id, parent_id, version, operation, snapshot, locales, stage, from_stage, created_by, created_at
FROM %s WHERE parent_id = %s ORDER BY version ASC`, c.entity.VersionTable(), pb.Add(key))
	rows, err := store.QueryRows(ctx, db, sqlStr, pb.Params()...)
	if err != nil {
		return nil, c.fail(span, fmt.Errorf("list %s versions: %w", c.entity.Name, err))
	}
	store.NormalizeRows(rows, map[string]string{"created_at": "timestamp", "version": "int"})

	versions := make([]Version, 0, len(rows))
	docs := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		doc := c.decodeSnapshot(row["snapshot"], row["locales"], rc.oc)
		stage := valueString(row["stage"])
		if c.entity.WorkflowEnabled() {
			doc[metadata.StageKey] = stage
		}
		n, _ := toFloat64(row["version"])
		createdAt, _ := row["created_at"].(time.Time)
		versions = append(versions, Version{
			ID:        valueString(row["id"]),
			Parent:    key,
			Version:   int64(n),
			Operation: valueString(row["operation"]),
			Stage:     stage,
			FromStage: valueString(row["from_stage"]),
			CreatedBy: valueString(row["created_by"]),
			CreatedAt: createdAt,
			Doc:       doc,
		})
		docs = append(docs, doc)
	}
	if gone {
		// hard-deleted: read access is judged on the last snapshot
		if len(docs) == 0 {
			return nil, c.fail(span, NotFoundError(c.entity.Name, id))
		}
		accessWhere, err := c.readWhere(ctx, rc.oc)
		if err != nil {
			return nil, c.fail(span, err)
		}
		if accessWhere != nil {
			ok, err := matchFilter(c.entity, accessWhere, docs[len(docs)-1])
			if err != nil {
				return nil, c.fail(span, err)
			}
			if !ok {
				return nil, c.fail(span, NotFoundError(c.entity.Name, id))
			}
		}
	}
	if err := c.stripFields(ctx, rc.oc, docs); err != nil {
		return nil, c.fail(span, err)
	}
	span.SetStatus("ok")
	return versions, nil
}

// RevertToVersion restores a record's field values and every locale's
// localized values from a version. The revert is itself a tracked update.
func (c *Collection) RevertToVersion(ctx context.Context, id any, ref VersionRef, oc OpContext) (map[string]any, error) {
	ctx, span := c.startSpan(ctx, "revert")
	defer span.End()

	if !c.entity.Options.Versioning {
		return nil, c.fail(span, NotImplemented(c.entity.Name, "versioning"))
	}
	if ref.ID == "" && ref.Number <= 0 {
		return nil, c.fail(span, BadRequest("a version id or number is required"))
	}
	oc, err := c.normalize(oc)
	if err != nil {
		return nil, c.fail(span, err)
	}
	key, err := coerceID(c.entity, id)
	if err != nil {
		return nil, c.fail(span, err)
	}
	db := c.engine.store.DB
	row, err := c.loadRow(ctx, db, oc, key, true)
	if err != nil {
		return nil, c.fail(span, err)
	}

	pb := c.dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf("SELECT snapshot, locales FROM %s WHERE parent_id = %s AND ", c.entity.VersionTable(), pb.Add(key))
	if ref.ID != "" {
		sqlStr += "id = " + pb.Add(ref.ID)
	} else {
		sqlStr += "version = " + pb.Add(ref.Number)
	}
	version, err := store.QueryRow(ctx, db, sqlStr, pb.Params()...)
	if errors.Is(err, store.ErrNotFound) {
		ident := ref.ID
		if ident == "" {
			ident = fmt.Sprintf("%d", ref.Number)
		}
		return nil, c.fail(span, &AppError{
			Code:     "NOT_FOUND",
			Status:   404,
			Message:  fmt.Sprintf("version %s of %s %v not found", ident, c.entity.Name, id),
			Resource: c.entity.Name,
		})
	}
	if err != nil {
		return nil, c.fail(span, fmt.Errorf("load %s version: %w", c.entity.Name, err))
	}

	snapshot, _ := store.NormalizeValue("json", version["snapshot"]).(map[string]any)
	store.NormalizeRows([]map[string]any{snapshot}, snapshotTypes(c.entity))
	data := map[string]any{}
	for _, f := range c.entity.Fields {
		if f.Localized {
			continue
		}
		if v, ok := snapshot[f.Name]; ok {
			data[f.Name] = v
		}
	}
	localeSets := map[string]map[string]any{}
	if byLocale, ok := store.NormalizeValue("json", version["locales"]).(map[string]any); ok {
		for locale, raw := range byLocale {
			values, _ := raw.(map[string]any)
			set := map[string]any{}
			for name, v := range values {
				if f := c.entity.GetField(name); f != nil && f.Localized {
					v = store.NormalizeValue(f.Type, v)
				}
				set[name] = v
			}
			localeSets[locale] = set
		}
	}

	rows, err := c.applyUpdate(ctx, oc, []map[string]any{row}, updateInput{data: data, localeSets: localeSets})
	if err != nil {
		return nil, c.fail(span, err)
	}
	span.SetStatus("ok")
	return rows[0], nil
}
