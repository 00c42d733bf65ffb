package engine

import (
	"fmt"
	"strings"

	"rocket-collections/internal/metadata"
	"rocket-collections/internal/store"
)

// selectQuery builds a read of the primary table joined to the locale table
// twice: lc for the requested locale and lf for the default locale.
type selectQuery struct {
	entity   *metadata.Entity
	dialect  store.Dialect
	pb       store.ParamBuilder
	fallback bool
	joins    string
	conds    []string
	orderBy  []string
	limit    int
	offset   int
}

func newSelectQuery(entity *metadata.Entity, dialect store.Dialect, oc OpContext) *selectQuery {
	q := &selectQuery{
		entity:  entity,
		dialect: dialect,
		pb:      dialect.NewParamBuilder(),
	}
	if entity.HasLocales() {
		pk := "t." + entity.PrimaryKey.Field
		q.joins = fmt.Sprintf(" LEFT JOIN %s lc ON lc.parent_id = %s AND lc.locale = %s",
			entity.LocaleTable(), pk, q.pb.Add(oc.Locale))
		if oc.fallback() {
			q.fallback = true
			q.joins += fmt.Sprintf(" LEFT JOIN %s lf ON lf.parent_id = %s AND lf.locale = %s",
				entity.LocaleTable(), pk, q.pb.Add(oc.DefaultLocale))
		}
	}
	return q
}

// column returns the SQL expression of a field. Localized fields read the
// current locale and fall back to the default locale.
func (q *selectQuery) column(field string) string {
	if f := q.entity.GetField(field); f != nil && f.Localized {
		if q.fallback {
			return fmt.Sprintf("COALESCE(lc.%s, lf.%s)", field, field)
		}
		return "lc." + field
	}
	return "t." + field
}

func (q *selectQuery) where(filter map[string]any) error {
	if len(filter) == 0 {
		return nil
	}
	fc := &filterCompiler{entity: q.entity, dialect: q.dialect, pb: q.pb, column: q.column}
	clause, err := fc.compile(filter)
	if err != nil {
		return err
	}
	if clause != "" {
		q.conds = append(q.conds, clause)
	}
	return nil
}

func (q *selectQuery) whereIn(field string, values []any) {
	q.conds = append(q.conds, store.InExpr("t."+field, q.pb, values))
}

func (q *selectQuery) whereRaw(cond string) {
	q.conds = append(q.conds, cond)
}

func (q *selectQuery) notDeleted() {
	if q.entity.Options.SoftDelete {
		q.conds = append(q.conds, "t."+metadata.ColDeletedAt+" IS NULL")
	}
}

// search adds a case-insensitive substring match on the title expression.
func (q *selectQuery) search(term string) {
	term = strings.TrimSpace(term)
	if term == "" {
		return
	}
	cfg := titleConfig(q.entity)
	parts := make([]string, len(cfg.Fields))
	for i, f := range cfg.Fields {
		parts[i] = fmt.Sprintf("COALESCE(%s, '')", q.dialect.CastText(q.column(f)))
	}
	sep := " || '" + strings.ReplaceAll(cfg.Separator, "'", "''") + "' || "
	expr := strings.Join(parts, sep)
	q.conds = append(q.conds, fmt.Sprintf("LOWER(%s) LIKE %s", expr, q.pb.Add("%"+strings.ToLower(term)+"%")))
}

// sort parses "field" / "-field" entries.
func (q *selectQuery) sort(sorts []string) error {
	for _, s := range sorts {
		field, dir := parseSort(s)
		if field == "" {
			continue
		}
		if _, ok := filterField(q.entity, field); !ok {
			return BadRequest("unknown sort field %q", field)
		}
		q.orderBy = append(q.orderBy, q.column(field)+" "+dir)
	}
	return nil
}

func (q *selectQuery) defaultOrder() {
	if len(q.orderBy) > 0 {
		return
	}
	if q.entity.Options.Timestamps {
		q.orderBy = append(q.orderBy, "t."+metadata.ColCreatedAt+" ASC")
	}
	q.orderBy = append(q.orderBy, "t."+q.entity.PrimaryKey.Field+" ASC")
}

func (q *selectQuery) from() string {
	sqlStr := q.entity.Table + " t" + q.joins
	if len(q.conds) > 0 {
		sqlStr += " WHERE " + strings.Join(q.conds, " AND ")
	}
	return sqlStr
}

func (q *selectQuery) sql() string {
	cols := make([]string, 0, len(q.entity.Columns())+2*len(q.entity.LocaleColumns()))
	for _, c := range q.entity.Columns() {
		cols = append(cols, "t."+c)
	}
	if q.entity.HasLocales() {
		for _, c := range q.entity.LocaleColumns() {
			cols = append(cols, fmt.Sprintf("lc.%s AS %s", c, currentAlias(c)))
			if q.fallback {
				cols = append(cols, fmt.Sprintf("lf.%s AS %s", c, fallbackAlias(c)))
			}
		}
	}
	sqlStr := "SELECT " + strings.Join(cols, ", ") + " FROM " + q.from()
	if len(q.orderBy) > 0 {
		sqlStr += " ORDER BY " + strings.Join(q.orderBy, ", ")
	}
	if lo := q.dialect.LimitOffset(q.limit, q.offset); lo != "" {
		sqlStr += " " + lo
	}
	return sqlStr
}

func (q *selectQuery) countSQL() string {
	return "SELECT COUNT(*) AS count FROM " + q.from()
}

func (q *selectQuery) args() []any {
	return q.pb.Params()
}

func parseSort(s string) (string, string) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "-") {
		return s[1:], "DESC"
	}
	return strings.TrimPrefix(s, "+"), "ASC"
}

// titleConfig returns the configured title, or the first of title, name and
// label, or the key.
func titleConfig(entity *metadata.Entity) metadata.TitleConfig {
	if entity.Title != nil && len(entity.Title.Fields) > 0 {
		return *entity.Title
	}
	for _, name := range []string{"title", "name", "label"} {
		if entity.HasField(name) {
			return metadata.TitleConfig{Fields: []string{name}, Separator: " "}
		}
	}
	return metadata.TitleConfig{Fields: []string{entity.PrimaryKey.Field}, Separator: " "}
}

// deriveTitle sets the _title of a decoded row.
func deriveTitle(entity *metadata.Entity, row map[string]any) {
	cfg := titleConfig(entity)
	parts := make([]string, 0, len(cfg.Fields))
	for _, f := range cfg.Fields {
		if v := row[f]; v != nil {
			if s := valueString(v); s != "" {
				parts = append(parts, s)
			}
		}
	}
	row[metadata.TitleKey] = strings.Join(parts, cfg.Separator)
}

// decodeRows normalizes joined rows and merges their locale columns.
func decodeRows(entity *metadata.Entity, rows []map[string]any, fallback bool) {
	store.NormalizeRows(rows, columnTypes(entity))
	for _, row := range rows {
		mergeJoinedLocales(entity, row, fallback)
		deriveTitle(entity, row)
	}
}
