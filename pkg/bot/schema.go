package bot

import (
	"encoding/json"
	"fmt"
	"maps"

	"github.com/spf13/cast"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Widget kinds understood by the host configuration form.
const (
	WidgetTextarea = "textarea"
	WidgetRange    = "range"
	WidgetDatalist = "datalist"
	WidgetFile     = "file"
)

// Kind is the value type a field is coerced to.
type Kind string

const (
	KindString Kind = "string"
	KindFloat  Kind = "float"
	KindInt    Kind = "int"
)

// Field describes one user-editable setting. Params always carries the
// default under "value".
type Field struct {
	Widget string
	Kind   Kind
	Params map[string]any
	// Secret fields are kept out of the main serialized payload.
	Secret bool
}

// Default returns the field default.
func (f Field) Default() any {
	return f.Params["value"]
}

// Coerce converts value to the field kind.
func (f Field) Coerce(value any) (any, error) {
	switch f.Kind {
	case KindFloat:
		return cast.ToFloat64E(value)
	case KindInt:
		return cast.ToIntE(value)
	default:
		return cast.ToStringE(value)
	}
}

// MarshalJSON encodes the field as the [widget, params] pair the host expects.
func (f Field) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{f.Widget, f.Params})
}

// Schema is the ordered set of settings a bot exposes.
type Schema struct {
	fields *orderedmap.OrderedMap[string, Field]
}

// NewSchema returns an empty schema.
func NewSchema() *Schema {
	return &Schema{fields: orderedmap.New[string, Field]()}
}

// Add appends a field and returns the schema for chaining.
func (s *Schema) Add(name string, field Field) *Schema {
	if field.Params == nil {
		field.Params = map[string]any{}
	}
	s.fields.Set(name, field)
	return s
}

// Field returns the named field.
func (s *Schema) Field(name string) (Field, bool) {
	return s.fields.Get(name)
}

// Names returns the field names in declaration order.
func (s *Schema) Names() []string {
	names := make([]string, 0, s.fields.Len())
	for pair := s.fields.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// Defaults returns the default value of every field.
func (s *Schema) Defaults() map[string]any {
	out := make(map[string]any, s.fields.Len())
	for pair := s.fields.Oldest(); pair != nil; pair = pair.Next() {
		out[pair.Key] = pair.Value.Default()
	}
	return out
}

// Merge writes the schema fields present in data over prior, coercing each
// value to its declared kind. Fields absent from data keep their prior value.
// Unknown keys in data are ignored.
func (s *Schema) Merge(prior map[string]any, data map[string]any) (map[string]any, error) {
	out := maps.Clone(prior)
	if out == nil {
		out = make(map[string]any, s.fields.Len())
	}
	for pair := s.fields.Oldest(); pair != nil; pair = pair.Next() {
		raw, ok := data[pair.Key]
		if !ok {
			if _, known := out[pair.Key]; !known {
				out[pair.Key] = pair.Value.Default()
			}
			continue
		}
		value, err := pair.Value.Coerce(raw)
		if err != nil {
			return prior, fmt.Errorf("config field %q: %w", pair.Key, err)
		}
		out[pair.Key] = value
	}
	return out, nil
}

// Secrets returns the subset of the schema flagged secret, with empty values.
func (s *Schema) Secrets() *Schema {
	secrets := NewSchema()
	for pair := s.fields.Oldest(); pair != nil; pair = pair.Next() {
		if !pair.Value.Secret {
			continue
		}
		field := pair.Value
		field.Params = maps.Clone(field.Params)
		field.Params["value"] = ""
		secrets.Add(pair.Key, field)
	}
	return secrets
}

func (s *Schema) MarshalJSON() ([]byte, error) {
	return s.fields.MarshalJSON()
}
