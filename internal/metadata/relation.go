package metadata

import "fmt"

const (
	BelongsTo  = "belongs_to"
	HasMany    = "has_many"
	ManyToMany = "many_to_many"
)

type Relation struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"` // belongs_to, has_many, many_to_many
	Target string `json:"target"`

	// belongs_to: local FK fields and the target columns they reference.
	Fields     []string `json:"fields,omitempty"`
	References []string `json:"references,omitempty"`

	// has_many: FK column on the target; References then names the local key.
	ForeignKey string `json:"foreign_key,omitempty"`

	// many_to_many: junction table with one FK to each side.
	Junction    string `json:"junction,omitempty"`
	SourceField string `json:"source_field,omitempty"`
	TargetField string `json:"target_field,omitempty"`

	OnDelete string `json:"on_delete,omitempty"` // cascade, set_null, restrict, detach
}

func (r *Relation) IsBelongsTo() bool  { return r.Kind == BelongsTo }
func (r *Relation) IsHasMany() bool    { return r.Kind == HasMany }
func (r *Relation) IsManyToMany() bool { return r.Kind == ManyToMany }

// LocalKey returns the source column a has_many relation groups by.
func (r *Relation) LocalKey(source *Entity) string {
	if len(r.References) > 0 {
		return r.References[0]
	}
	return source.PrimaryKey.Field
}

func (r *Relation) prepare(source *Entity) error {
	if !identPattern.MatchString(r.Name) {
		return fmt.Errorf("invalid relation name %q", r.Name)
	}
	if r.Target == "" {
		return fmt.Errorf("relation %s: missing target", r.Name)
	}
	if source.HasField(r.Name) {
		return fmt.Errorf("relation %s collides with a field", r.Name)
	}
	switch r.Kind {
	case BelongsTo:
		if len(r.Fields) == 0 {
			r.Fields = []string{r.Name + "_id"}
		}
		for _, f := range r.Fields {
			if !source.HasField(f) {
				return fmt.Errorf("relation %s: unknown local field %q", r.Name, f)
			}
		}
		if len(r.References) > 0 && len(r.References) != len(r.Fields) {
			return fmt.Errorf("relation %s: fields and references differ in length", r.Name)
		}
	case HasMany:
		if r.ForeignKey == "" {
			r.ForeignKey = source.Name + "_id"
		}
	case ManyToMany:
		if r.Junction == "" {
			r.Junction = source.Table + "_" + r.Name
		}
		if r.SourceField == "" {
			r.SourceField = source.Name + "_id"
		}
		if r.TargetField == "" {
			r.TargetField = r.Target + "_id"
		}
		for _, ident := range []string{r.Junction, r.SourceField, r.TargetField} {
			if !identPattern.MatchString(ident) {
				return fmt.Errorf("relation %s: invalid identifier %q", r.Name, ident)
			}
		}
	default:
		return fmt.Errorf("relation %s: unknown kind %q", r.Name, r.Kind)
	}
	switch r.OnDelete {
	case "", "cascade", "set_null", "restrict", "detach":
	default:
		return fmt.Errorf("relation %s: unknown on_delete %q", r.Name, r.OnDelete)
	}
	return nil
}
