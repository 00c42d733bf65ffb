package engine

import (
	"context"
	"fmt"
	"strings"

	"rocket-collections/internal/metadata"
	"rocket-collections/internal/store"
)

func currentAlias(field string) string  { return "__lc_" + field }
func fallbackAlias(field string) string { return "__lf_" + field }

// splitLocalized partitions write data into primary-row values and the
// values stored in the locale row. Localized sub-paths of json fields are
// moved out of the primary value into the locale row's json column.
func splitLocalized(entity *metadata.Entity, data map[string]any) (base, localized map[string]any) {
	base = make(map[string]any, len(data))
	localized = map[string]any{}
	for k, v := range data {
		f := entity.GetField(k)
		switch {
		case f == nil:
			base[k] = v
		case f.Localized:
			localized[k] = v
		case len(f.LocalizedPaths) > 0:
			obj, ok := v.(map[string]any)
			if !ok {
				base[k] = v
				continue
			}
			primary := deepCopy(obj).(map[string]any)
			nested := map[string]any{}
			for _, path := range f.LocalizedPaths {
				if val, found := getPath(primary, path); found {
					setPath(nested, path, val)
					deletePath(primary, path)
				}
			}
			base[k] = primary
			if len(nested) > 0 {
				localized[k] = nested
			}
		default:
			base[k] = v
		}
	}
	return base, localized
}

// upsertLocale writes one (parent_id, locale) row, updating only the given
// columns when the row exists.
func (c *Collection) upsertLocale(ctx context.Context, q store.Querier, parentID any, locale string, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}
	pb := c.dialect.NewParamBuilder()
	cols := []string{"parent_id", "locale"}
	phs := []string{pb.Add(parentID), pb.Add(locale)}
	var updates []string
	for _, name := range sortedKeys(values) {
		f := c.entity.GetField(name)
		if f == nil {
			continue
		}
		fieldType := f.Type
		if !f.Localized {
			fieldType = "json"
		}
		cols = append(cols, name)
		phs = append(phs, pb.Add(toStorage(c.dialect, fieldType, values[name])))
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", name, name))
	}
	sqlStr := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (parent_id, locale) DO UPDATE SET %s",
		c.entity.LocaleTable(), strings.Join(cols, ", "), strings.Join(phs, ", "), strings.Join(updates, ", "))
	if _, err := store.Exec(ctx, q, sqlStr, pb.Params()...); err != nil {
		return fmt.Errorf("upsert %s locale %s: %w", c.entity.Name, locale, err)
	}
	return nil
}

// loadLocales returns every locale row of the given records, keyed by
// record id and then locale.
func (c *Collection) loadLocales(ctx context.Context, q store.Querier, ids []any) (map[string]map[string]map[string]any, error) {
	out := map[string]map[string]map[string]any{}
	if !c.entity.HasLocales() || len(ids) == 0 {
		return out, nil
	}
	cols := c.entity.LocaleColumns()
	pb := c.dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf("SELECT parent_id, locale, %s FROM %s WHERE %s",
		strings.Join(cols, ", "), c.entity.LocaleTable(), store.InExpr("parent_id", pb, ids))
	rows, err := store.QueryRows(ctx, q, sqlStr, pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("load %s locales: %w", c.entity.Name, err)
	}
	types := map[string]string{}
	for _, f := range c.entity.Fields {
		if f.Localized {
			types[f.Name] = f.Type
		} else if len(f.LocalizedPaths) > 0 {
			types[f.Name] = "json"
		}
	}
	store.NormalizeRows(rows, types)
	for _, row := range rows {
		id := keyString(row["parent_id"])
		locale := valueString(row["locale"])
		values := map[string]any{}
		for _, col := range cols {
			if v := row[col]; v != nil {
				values[col] = v
			}
		}
		if out[id] == nil {
			out[id] = map[string]map[string]any{}
		}
		out[id][locale] = values
	}
	return out, nil
}

// mergeLocalized folds locale values into row. current holds the values of
// the requested locale and fallback those of the default locale; either may
// be nil. Nested json paths fall back path by path.
func mergeLocalized(entity *metadata.Entity, row, current, fallback map[string]any) {
	for _, f := range entity.Fields {
		switch {
		case f.Localized:
			v := current[f.Name]
			if v == nil && fallback != nil {
				v = fallback[f.Name]
			}
			row[f.Name] = v
		case len(f.LocalizedPaths) > 0:
			cur, _ := current[f.Name].(map[string]any)
			fb, _ := fallback[f.Name].(map[string]any)
			if cur == nil && fb == nil {
				continue
			}
			obj, ok := row[f.Name].(map[string]any)
			if !ok {
				obj = map[string]any{}
			}
			for _, path := range f.LocalizedPaths {
				v, found := getPath(cur, path)
				if (!found || v == nil) && fb != nil {
					v, found = getPath(fb, path)
				}
				if found && v != nil {
					setPath(obj, path, v)
				}
			}
			row[f.Name] = obj
		}
	}
}

// mergeJoinedLocales folds the lc/lf alias columns of a joined read into
// the row and removes the aliases.
func mergeJoinedLocales(entity *metadata.Entity, row map[string]any, fallback bool) {
	if !entity.HasLocales() {
		return
	}
	current := map[string]any{}
	var fb map[string]any
	if fallback {
		fb = map[string]any{}
	}
	for _, col := range entity.LocaleColumns() {
		current[col] = row[currentAlias(col)]
		delete(row, currentAlias(col))
		if v, ok := row[fallbackAlias(col)]; ok {
			if fb != nil {
				fb[col] = v
			}
			delete(row, fallbackAlias(col))
		}
	}
	mergeLocalized(entity, row, current, fb)
}
