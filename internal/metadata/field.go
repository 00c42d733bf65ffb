package metadata

type Field struct {
	Name      string   `json:"name"`
	Type      string   `json:"type"` // string, text, int, bigint, float, decimal, boolean, uuid, timestamp, date, json
	Required  bool     `json:"required,omitempty"`
	Unique    bool     `json:"unique,omitempty"`
	Default   any      `json:"default,omitempty"`
	Nullable  bool     `json:"nullable,omitempty"`
	Enum      []string `json:"enum,omitempty"`
	Precision int      `json:"precision,omitempty"`

	// Localized fields live in the locale table, one value per locale.
	Localized bool `json:"localized,omitempty"`
	// LocalizedPaths marks dot paths inside a json field as localized.
	LocalizedPaths []string `json:"localized_paths,omitempty"`

	// Transform names applied to input values: trim, lower, upper, slugify.
	Transform []string `json:"transform,omitempty"`

	Access *FieldAccess `json:"access,omitempty"`
	Hooks  FieldHooks   `json:"-"`
}

// IsNumeric reports whether values of this field compare numerically.
func (f Field) IsNumeric() bool {
	switch f.Type {
	case "int", "bigint", "float", "decimal":
		return true
	}
	return false
}

// IsInteger reports whether the field stores whole numbers.
func (f Field) IsInteger() bool {
	return f.Type == "int" || f.Type == "bigint"
}
