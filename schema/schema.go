// Package schema describes the database models plugins contribute and
// merges them into one schema.
package schema

import (
	"fmt"
	"maps"
	"slices"
)

// FieldType is the semantic type of a field.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeBoolean FieldType = "boolean"
	TypeDate    FieldType = "date"
	TypeJSON    FieldType = "json"
)

// Reference points a field at another model's field.
type Reference struct {
	Model    string `json:"model" yaml:"model"`
	Field    string `json:"field" yaml:"field"`
	OnDelete string `json:"onDelete,omitempty" yaml:"onDelete,omitempty"`
}

// Field is one column of a model.
type Field struct {
	Type       FieldType  `json:"type" yaml:"type"`
	Required   bool       `json:"required,omitempty" yaml:"required,omitempty"`
	Unique     bool       `json:"unique,omitempty" yaml:"unique,omitempty"`
	Default    any        `json:"default,omitempty" yaml:"default,omitempty"`
	References *Reference `json:"references,omitempty" yaml:"references,omitempty"`
}

// compatible reports whether two declarations of the same field can coexist.
func (f Field) compatible(other Field) bool {
	return f.Type == other.Type && f.Required == other.Required
}

// Model is the set of fields of one model, keyed by field name.
type Model struct {
	Fields map[string]Field `json:"fields" yaml:"fields"`
}

// FieldNames returns the model's field names sorted.
func (m Model) FieldNames() []string {
	return slices.Sorted(maps.Keys(m.Fields))
}

// Schema maps model name to model.
type Schema map[string]Model

// ModelNames returns the schema's model names sorted.
func (s Schema) ModelNames() []string {
	return slices.Sorted(maps.Keys(s))
}

// Has reports whether model declares field.
func (s Schema) Has(model, field string) bool {
	m, ok := s[model]
	if !ok {
		return false
	}
	_, ok = m.Fields[field]
	return ok
}

// CollisionError is returned when two contributors declare the same field
// of the same model with incompatible definitions.
type CollisionError struct {
	Model  string
	Field  string
	First  string // contributor that declared the field first
	Second string // contributor whose declaration conflicts
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("schema collision on %s.%s: %q and %q declare incompatible fields",
		e.Model, e.Field, e.First, e.Second)
}

// Merger unions schema fragments and remembers which contributor owns
// each field.
type Merger struct {
	schema Schema
	owners map[string]string // "model.field" -> contributor
}

// NewMerger creates an empty merger.
func NewMerger() *Merger {
	return &Merger{
		schema: Schema{},
		owners: map[string]string{},
	}
}

// Add merges fragment on behalf of contributor. Fields already declared
// with a compatible definition are left as first declared.
func (m *Merger) Add(contributor string, fragment Schema) error {
	for _, modelName := range fragment.ModelNames() {
		model := fragment[modelName]
		merged, ok := m.schema[modelName]
		if !ok {
			merged = Model{Fields: map[string]Field{}}
		}
		for _, fieldName := range model.FieldNames() {
			field := model.Fields[fieldName]
			key := modelName + "." + fieldName
			if existing, ok := merged.Fields[fieldName]; ok {
				if !existing.compatible(field) {
					return &CollisionError{
						Model:  modelName,
						Field:  fieldName,
						First:  m.owners[key],
						Second: contributor,
					}
				}
				continue
			}
			merged.Fields[fieldName] = field
			m.owners[key] = contributor
		}
		m.schema[modelName] = merged
	}
	return nil
}

// Owner returns the contributor that declared model.field.
func (m *Merger) Owner(model, field string) string {
	return m.owners[model+"."+field]
}

// Schema returns a copy of the merged schema.
func (m *Merger) Schema() Schema {
	out := make(Schema, len(m.schema))
	for name, model := range m.schema {
		out[name] = Model{Fields: maps.Clone(model.Fields)}
	}
	return out
}
