package metadata

import (
	"fmt"
	"regexp"
)

// System columns and derived keys shared by every collection.
const (
	ColCreatedAt = "created_at"
	ColUpdatedAt = "updated_at"
	ColDeletedAt = "deleted_at"

	TitleKey = "_title"
	StageKey = "_stage"
	CountKey = "_count"
)

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

type Entity struct {
	Name       string        `json:"name"`
	Table      string        `json:"table,omitempty"`
	PrimaryKey PrimaryKey    `json:"primary_key"`
	Fields     []Field       `json:"fields"`
	Relations  []Relation    `json:"relations,omitempty"`
	Access     AccessRules   `json:"access,omitempty"`
	Options    Options       `json:"options"`
	Workflow   *Workflow     `json:"workflow,omitempty"`
	Title      *TitleConfig  `json:"title,omitempty"`
	Upload     *UploadPolicy `json:"upload,omitempty"`
	Schema     string        `json:"schema,omitempty"` // CUE source unified with every write
	Rules      []*Rule       `json:"rules,omitempty"`

	Hooks Hooks `json:"-"`
}

type PrimaryKey struct {
	Field string `json:"field"`
	Type  string `json:"type"` // uuid, string, int
}

type Options struct {
	Timestamps bool `json:"timestamps,omitempty"`
	SoftDelete bool `json:"soft_delete,omitempty"`
	Versioning bool `json:"versioning,omitempty"`
}

// TitleConfig lists the fields concatenated into the derived _title, which is
// also what free-text search matches against.
type TitleConfig struct {
	Fields    []string `json:"fields"`
	Separator string   `json:"separator,omitempty"`
}

type UploadPolicy struct {
	MaxSize   int64    `json:"max_size,omitempty"`
	MimeTypes []string `json:"mime_types,omitempty"`
	Prefix    string   `json:"prefix,omitempty"`
}

// Upload columns added to upload-enabled collections.
const (
	UploadFilename = "filename"
	UploadMimeType = "mime_type"
	UploadFilesize = "filesize"
	UploadKey      = "storage_key"
)

// GetField returns a pointer to the field with the given name, or nil.
func (e *Entity) GetField(name string) *Field {
	for i := range e.Fields {
		if e.Fields[i].Name == name {
			return &e.Fields[i]
		}
	}
	return nil
}

// HasField returns true if the entity has a field with the given name.
func (e *Entity) HasField(name string) bool {
	return e.GetField(name) != nil
}

// FieldNames returns all field names.
func (e *Entity) FieldNames() []string {
	names := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		names[i] = f.Name
	}
	return names
}

// GetRelation returns the relation with the given name, or nil.
func (e *Entity) GetRelation(name string) *Relation {
	for i := range e.Relations {
		if e.Relations[i].Name == name {
			return &e.Relations[i]
		}
	}
	return nil
}

// Columns returns the primary-table columns: key, non-localized fields and
// system timestamps.
func (e *Entity) Columns() []string {
	cols := []string{e.PrimaryKey.Field}
	for _, f := range e.Fields {
		if !f.Localized {
			cols = append(cols, f.Name)
		}
	}
	return append(cols, e.SystemColumns()...)
}

// SystemColumns returns the engine-managed timestamp columns.
func (e *Entity) SystemColumns() []string {
	var cols []string
	if e.Options.Timestamps {
		cols = append(cols, ColCreatedAt, ColUpdatedAt)
	}
	if e.Options.SoftDelete {
		cols = append(cols, ColDeletedAt)
	}
	return cols
}

// IsSystemColumn reports whether name is the key or an engine-managed column.
func (e *Entity) IsSystemColumn(name string) bool {
	if name == e.PrimaryKey.Field {
		return true
	}
	for _, c := range e.SystemColumns() {
		if c == name {
			return true
		}
	}
	return false
}

// LocalizedFields returns fields stored per locale in the locale table.
func (e *Entity) LocalizedFields() []Field {
	var fields []Field
	for _, f := range e.Fields {
		if f.Localized {
			fields = append(fields, f)
		}
	}
	return fields
}

// NestedLocalizedFields returns json fields that carry localized sub-paths.
func (e *Entity) NestedLocalizedFields() []Field {
	var fields []Field
	for _, f := range e.Fields {
		if !f.Localized && len(f.LocalizedPaths) > 0 {
			fields = append(fields, f)
		}
	}
	return fields
}

// HasLocales reports whether the entity needs a locale table.
func (e *Entity) HasLocales() bool {
	return len(e.LocalizedFields()) > 0 || len(e.NestedLocalizedFields()) > 0
}

// LocaleColumns returns the value columns of the locale table.
func (e *Entity) LocaleColumns() []string {
	var cols []string
	for _, f := range e.Fields {
		if f.Localized || len(f.LocalizedPaths) > 0 {
			cols = append(cols, f.Name)
		}
	}
	return cols
}

func (e *Entity) LocaleTable() string  { return e.Table + "_locales" }
func (e *Entity) VersionTable() string { return e.Table + "_versions" }

// WorkflowEnabled reports whether stage transitions are configured.
func (e *Entity) WorkflowEnabled() bool {
	return e.Workflow != nil && len(e.Workflow.Stages) > 0
}

// Prepare fills defaults, validates the definition and compiles its
// expressions. It must run once before the entity is served.
func (e *Entity) Prepare() error {
	if !identPattern.MatchString(e.Name) {
		return fmt.Errorf("invalid collection name %q", e.Name)
	}
	if e.Table == "" {
		e.Table = e.Name
	}
	if !identPattern.MatchString(e.Table) {
		return fmt.Errorf("%s: invalid table name %q", e.Name, e.Table)
	}
	if e.PrimaryKey.Field == "" {
		e.PrimaryKey.Field = "id"
	}
	if e.PrimaryKey.Type == "" {
		e.PrimaryKey.Type = "uuid"
	}
	switch e.PrimaryKey.Type {
	case "uuid", "string", "int":
	default:
		return fmt.Errorf("%s: unsupported primary key type %q", e.Name, e.PrimaryKey.Type)
	}

	if e.Upload != nil {
		e.addUploadFields()
	}

	seen := map[string]bool{}
	for i := range e.Fields {
		f := &e.Fields[i]
		if !identPattern.MatchString(f.Name) {
			return fmt.Errorf("%s: invalid field name %q", e.Name, f.Name)
		}
		if seen[f.Name] || e.IsSystemColumn(f.Name) {
			return fmt.Errorf("%s: duplicate or reserved field %q", e.Name, f.Name)
		}
		seen[f.Name] = true
		if f.Type == "" {
			f.Type = "string"
		}
		if len(f.LocalizedPaths) > 0 && f.Type != "json" {
			return fmt.Errorf("%s.%s: localized_paths requires a json field", e.Name, f.Name)
		}
		if f.Access != nil {
			for _, rule := range []*AccessRule{f.Access.Read, f.Access.Create, f.Access.Update} {
				if err := rule.compile(); err != nil {
					return fmt.Errorf("%s.%s: %w", e.Name, f.Name, err)
				}
			}
		}
	}

	for _, rule := range e.Access.all() {
		if err := rule.compile(); err != nil {
			return fmt.Errorf("%s: %w", e.Name, err)
		}
	}

	for i := range e.Relations {
		if err := e.Relations[i].prepare(e); err != nil {
			return fmt.Errorf("%s: %w", e.Name, err)
		}
	}

	if e.Title != nil {
		for _, name := range e.Title.Fields {
			if !e.HasField(name) && name != e.PrimaryKey.Field {
				return fmt.Errorf("%s: title references unknown field %q", e.Name, name)
			}
		}
		if e.Title.Separator == "" {
			e.Title.Separator = " "
		}
	}

	if e.Workflow != nil {
		if !e.Options.Versioning {
			return fmt.Errorf("%s: workflow staging requires versioning", e.Name)
		}
		if err := e.Workflow.prepare(); err != nil {
			return fmt.Errorf("%s: %w", e.Name, err)
		}
	}

	for _, r := range e.Rules {
		if err := r.compile(); err != nil {
			return fmt.Errorf("%s: %w", e.Name, err)
		}
	}

	return nil
}

func (e *Entity) addUploadFields() {
	defaults := []Field{
		{Name: UploadFilename, Type: "string"},
		{Name: UploadMimeType, Type: "string"},
		{Name: UploadFilesize, Type: "int"},
		{Name: UploadKey, Type: "string", Unique: true},
	}
	for _, f := range defaults {
		if !e.HasField(f.Name) {
			e.Fields = append(e.Fields, f)
		}
	}
}
