package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"rocket-collections/internal/metadata"
)

type Migrator struct {
	store *Store
}

func NewMigrator(store *Store) *Migrator {
	return &Migrator{store: store}
}

// MigrateAll brings every collection table, locale table, version table and
// junction table in line with the given definitions.
func (m *Migrator) MigrateAll(ctx context.Context, entities []*metadata.Entity) error {
	byName := make(map[string]*metadata.Entity, len(entities))
	for _, e := range entities {
		byName[e.Name] = e
	}
	for _, e := range entities {
		if err := m.Migrate(ctx, e); err != nil {
			return err
		}
	}
	for _, e := range entities {
		for i := range e.Relations {
			rel := &e.Relations[i]
			if !rel.IsManyToMany() {
				continue
			}
			target := byName[rel.Target]
			if target == nil {
				return fmt.Errorf("%s.%s: unknown target %q", e.Name, rel.Name, rel.Target)
			}
			if err := m.MigrateJoinTable(ctx, rel, e, target); err != nil {
				return err
			}
		}
	}
	return nil
}

// Migrate ensures the database tables match the entity metadata.
// Creates tables that don't exist, or adds missing columns.
func (m *Migrator) Migrate(ctx context.Context, entity *metadata.Entity) error {
	exists, err := m.store.Dialect.TableExists(ctx, m.store.DB, entity.Table)
	if err != nil {
		return fmt.Errorf("check table exists: %w", err)
	}
	if !exists {
		err = m.createTable(ctx, entity)
	} else {
		err = m.alterTable(ctx, entity.Table, m.columnDefs(entity))
	}
	if err != nil {
		return err
	}
	if err := m.createIndexes(ctx, entity); err != nil {
		return fmt.Errorf("create indexes for %s: %w", entity.Table, err)
	}

	if entity.HasLocales() {
		if err := m.migrateLocales(ctx, entity); err != nil {
			return err
		}
	}
	if entity.Options.Versioning {
		if err := m.migrateVersions(ctx, entity); err != nil {
			return err
		}
	}
	return nil
}

// MigrateJoinTable creates a join table for a many-to-many relation if it doesn't exist.
func (m *Migrator) MigrateJoinTable(ctx context.Context, rel *metadata.Relation, sourceEntity, targetEntity *metadata.Entity) error {
	exists, err := m.store.Dialect.TableExists(ctx, m.store.DB, rel.Junction)
	if err != nil {
		return fmt.Errorf("check join table exists: %w", err)
	}
	if exists {
		return nil
	}

	sqlStr := fmt.Sprintf(
		`CREATE TABLE %s (
			%s %s NOT NULL,
			%s %s NOT NULL,
			PRIMARY KEY (%s, %s)
		)`,
		rel.Junction,
		rel.SourceField, m.keyColumnType(sourceEntity),
		rel.TargetField, m.keyColumnType(targetEntity),
		rel.SourceField, rel.TargetField,
	)

	if _, err := m.store.DB.ExecContext(ctx, sqlStr); err != nil {
		return fmt.Errorf("create join table %s: %w", rel.Junction, err)
	}
	idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)",
		rel.Junction, rel.TargetField, rel.Junction, rel.TargetField)
	if _, err := m.store.DB.ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("index join table %s: %w", rel.Junction, err)
	}
	return nil
}

type columnDef struct {
	name string
	ddl  string
}

func (m *Migrator) columnDefs(entity *metadata.Entity) []columnDef {
	cols := []columnDef{{
		name: entity.PrimaryKey.Field,
		ddl:  entity.PrimaryKey.Field + " " + m.store.Dialect.PrimaryKeyDDL(entity.PrimaryKey.Type),
	}}
	for i := range entity.Fields {
		f := &entity.Fields[i]
		if f.Localized {
			continue
		}
		cols = append(cols, columnDef{name: f.Name, ddl: m.buildColumnDef(f)})
	}
	ts := m.store.Dialect.ColumnType("timestamp", 0)
	for _, c := range entity.SystemColumns() {
		cols = append(cols, columnDef{name: c, ddl: c + " " + ts})
	}
	return cols
}

func (m *Migrator) createTable(ctx context.Context, entity *metadata.Entity) error {
	defs := m.columnDefs(entity)
	cols := make([]string, len(defs))
	for i, d := range defs {
		cols[i] = d.ddl
	}
	sqlStr := fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", entity.Table, strings.Join(cols, ",\n  "))
	if _, err := m.store.DB.ExecContext(ctx, sqlStr); err != nil {
		return fmt.Errorf("create table %s: %w", entity.Table, err)
	}
	return nil
}

// alterTable adds columns that are missing from an existing table. Added
// columns are always nullable so existing rows stay valid.
func (m *Migrator) alterTable(ctx context.Context, table string, defs []columnDef) error {
	existing, err := m.store.Dialect.GetColumns(ctx, m.store.DB, table)
	if err != nil {
		return fmt.Errorf("get columns for %s: %w", table, err)
	}
	for _, d := range defs {
		if _, ok := existing[d.name]; ok {
			continue
		}
		ddl := strings.Replace(d.ddl, " NOT NULL", "", 1)
		sqlStr := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, ddl)
		if _, err := m.store.DB.ExecContext(ctx, sqlStr); err != nil {
			return fmt.Errorf("add column %s.%s: %w", table, d.name, err)
		}
	}
	return nil
}

func (m *Migrator) buildColumnDef(f *metadata.Field) string {
	col := f.Name + " " + m.store.Dialect.ColumnType(f.Type, f.Precision)

	if f.Required && !f.Nullable {
		col += " NOT NULL"
	}

	if f.Default != nil {
		switch v := f.Default.(type) {
		case string:
			col += fmt.Sprintf(" DEFAULT '%s'", strings.ReplaceAll(v, "'", "''"))
		case float64, int, int64:
			col += fmt.Sprintf(" DEFAULT %v", v)
		case bool:
			if m.store.Dialect.Name() == "sqlite" {
				if v {
					col += " DEFAULT 1"
				} else {
					col += " DEFAULT 0"
				}
			} else {
				col += fmt.Sprintf(" DEFAULT %t", v)
			}
		}
	}

	return col
}

// keyColumnType is the column type used to reference an entity's key.
func (m *Migrator) keyColumnType(e *metadata.Entity) string {
	switch e.PrimaryKey.Type {
	case "int":
		return m.store.Dialect.ColumnType("bigint", 0)
	case "uuid":
		return m.store.Dialect.ColumnType("uuid", 0)
	default:
		return m.store.Dialect.ColumnType("string", 0)
	}
}

func (m *Migrator) createIndexes(ctx context.Context, entity *metadata.Entity) error {
	for _, f := range entity.Fields {
		if f.Unique && !f.Localized {
			sqlStr := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)",
				entity.Table, f.Name, entity.Table, f.Name)
			if _, err := m.store.DB.ExecContext(ctx, sqlStr); err != nil {
				return fmt.Errorf("create unique index on %s.%s: %w", entity.Table, f.Name, err)
			}
		}
	}
	for _, rel := range entity.Relations {
		if !rel.IsBelongsTo() || len(rel.Fields) != 1 {
			continue
		}
		sqlStr := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)",
			entity.Table, rel.Fields[0], entity.Table, rel.Fields[0])
		if _, err := m.store.DB.ExecContext(ctx, sqlStr); err != nil {
			return fmt.Errorf("create fk index on %s.%s: %w", entity.Table, rel.Fields[0], err)
		}
	}

	if entity.Options.SoftDelete {
		sqlStr := m.store.Dialect.SoftDeleteIndexSQL(entity.Table)
		if _, err := m.store.DB.ExecContext(ctx, sqlStr); err != nil {
			return fmt.Errorf("create soft delete index on %s: %w", entity.Table, err)
		}
	}

	return nil
}

// migrateLocales maintains <table>_locales: one row per (record, locale)
// holding the localized field values.
func (m *Migrator) migrateLocales(ctx context.Context, entity *metadata.Entity) error {
	table := entity.LocaleTable()
	defs := []columnDef{
		{name: "parent_id", ddl: "parent_id " + m.keyColumnType(entity) + " NOT NULL"},
		{name: "locale", ddl: "locale TEXT NOT NULL"},
	}
	for _, f := range entity.Fields {
		switch {
		case f.Localized:
			defs = append(defs, columnDef{name: f.Name, ddl: f.Name + " " + m.store.Dialect.ColumnType(f.Type, f.Precision)})
		case len(f.LocalizedPaths) > 0:
			defs = append(defs, columnDef{name: f.Name, ddl: f.Name + " " + m.store.Dialect.ColumnType("json", 0)})
		}
	}
	return m.ensureTable(ctx, table, defs, "PRIMARY KEY (parent_id, locale)")
}

// migrateVersions maintains <table>_versions: an append-only list of
// snapshots numbered per record.
func (m *Migrator) migrateVersions(ctx context.Context, entity *metadata.Entity) error {
	d := m.store.Dialect
	defs := []columnDef{
		{name: "id", ddl: "id " + d.PrimaryKeyDDL("uuid")},
		{name: "parent_id", ddl: "parent_id " + m.keyColumnType(entity) + " NOT NULL"},
		{name: "version", ddl: "version INTEGER NOT NULL"},
		{name: "operation", ddl: "operation TEXT NOT NULL"},
		{name: "snapshot", ddl: "snapshot " + d.ColumnType("json", 0)},
		{name: "locales", ddl: "locales " + d.ColumnType("json", 0)},
		{name: "stage", ddl: "stage TEXT"},
		{name: "from_stage", ddl: "from_stage TEXT"},
		{name: "created_by", ddl: "created_by TEXT"},
		{name: "created_at", ddl: "created_at " + d.ColumnType("timestamp", 0) + " NOT NULL"},
	}
	table := entity.VersionTable()
	if err := m.ensureTable(ctx, table, defs, "UNIQUE (parent_id, version)"); err != nil {
		return err
	}
	idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_stage ON %s (stage, parent_id)", table, table)
	if _, err := m.store.DB.ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("index %s: %w", table, err)
	}
	return nil
}

func (m *Migrator) ensureTable(ctx context.Context, table string, defs []columnDef, constraint string) error {
	exists, err := m.store.Dialect.TableExists(ctx, m.store.DB, table)
	if err != nil {
		return fmt.Errorf("check table exists: %w", err)
	}
	if exists {
		return m.alterTable(ctx, table, defs)
	}
	cols := make([]string, 0, len(defs)+1)
	for _, d := range defs {
		cols = append(cols, d.ddl)
	}
	cols = append(cols, constraint)
	sqlStr := fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", table, strings.Join(cols, ",\n  "))
	if _, err := m.store.DB.ExecContext(ctx, sqlStr); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	return nil
}

// GenerateUUID generates a new UUID string for application-assigned keys.
func GenerateUUID() string {
	return uuid.New().String()
}
