// Package schema defines the fixed memory-record collection schema, validates
// it against what a live store actually holds, and derives the index and
// search parameters used by the vector backends.
package schema

import (
	"fmt"

	"github.com/seshat-labs/seshat/src/memory/model"
)

// FieldType enumerates the column types a collection field can have.
type FieldType string

const (
	TypeInt64       FieldType = "Int64"
	TypeVarChar     FieldType = "VarChar"
	TypeFloatVector FieldType = "FloatVector"
)

// Field describes one column of a collection.
type Field struct {
	Name       string    `json:"name"`
	Type       FieldType `json:"type"`
	PrimaryKey bool      `json:"primary_key,omitempty"`
	AutoID     bool      `json:"auto_id,omitempty"`
	MaxLength  int       `json:"max_length,omitempty"`
	Dim        int       `json:"dim,omitempty"`
}

// Collection is a named, schema-bound record container definition.
type Collection struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Fields      []Field `json:"fields"`
}

// Defaults matching the reference deployment.
const (
	DefaultDim            = 1024
	DefaultContentMax     = 4096
	DefaultIDMax          = 256
	DefaultIndexType      = "IVF_FLAT"
	DefaultMetricType     = "L2"
	DefaultNList          = 256
	DefaultNProbe         = 20
	DefaultCollectionName = "long_term_memory"
)

// IndexParams describes the vector index to ensure on a collection.
type IndexParams struct {
	IndexType  string `json:"index_type"`
	MetricType string `json:"metric_type"`
	NList      int    `json:"nlist"`
}

// SearchParams are passed alongside every similarity search.
type SearchParams struct {
	MetricType string `json:"metric_type"`
	NProbe     int    `json:"nprobe"`
}

// DefaultIndexParams returns the index configuration used when none is
// supplied.
func DefaultIndexParams() IndexParams {
	return IndexParams{IndexType: DefaultIndexType, MetricType: DefaultMetricType, NList: DefaultNList}
}

// DefaultSearchParams returns the search configuration matching
// DefaultIndexParams.
func DefaultSearchParams() SearchParams {
	return SearchParams{MetricType: DefaultMetricType, NProbe: DefaultNProbe}
}

// Define returns the six-field memory schema parameterized by vector
// dimension. The schema is immutable after a collection is created; changing
// it requires a new collection and a migration.
func Define(name string, dim int) Collection {
	if dim <= 0 {
		dim = DefaultDim
	}
	return Collection{
		Name:        name,
		Description: "long-term conversational memory",
		Fields: []Field{
			{Name: model.FieldMemoryID, Type: TypeInt64, PrimaryKey: true, AutoID: true},
			{Name: model.FieldPersonalityID, Type: TypeVarChar, MaxLength: DefaultIDMax},
			{Name: model.FieldSessionID, Type: TypeVarChar, MaxLength: DefaultIDMax},
			{Name: model.FieldContent, Type: TypeVarChar, MaxLength: DefaultContentMax},
			{Name: model.FieldEmbedding, Type: TypeFloatVector, Dim: dim},
			{Name: model.FieldCreateTime, Type: TypeInt64},
		},
	}
}

// Dim returns the vector dimension of the embedding field, or 0 when the
// schema has no vector field.
func (c Collection) Dim() int {
	for _, f := range c.Fields {
		if f.Type == TypeFloatVector {
			return f.Dim
		}
	}
	return 0
}

// Field looks up a field definition by name.
func (c Collection) Field(name string) (Field, bool) {
	for _, f := range c.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// CheckConsistency compares an existing collection's schema against the
// expected one, field by field. It never mutates either side; callers decide
// whether to abort based on the result.
//
// A missing field or a mismatched type, vector dimension, primary-key flag,
// or auto-id flag breaks consistency and must block writes touching that
// field. A shrunk VarChar max length is a warning (writes may truncate);
// growth and unknown extra fields are informational only.
func CheckConsistency(existing, expected Collection) (bool, []string) {
	consistent := true
	var warnings []string

	for _, want := range expected.Fields {
		got, ok := existing.Field(want.Name)
		if !ok {
			consistent = false
			warnings = append(warnings, fmt.Sprintf("field %q missing from existing collection", want.Name))
			continue
		}
		if got.Type != want.Type {
			consistent = false
			warnings = append(warnings, fmt.Sprintf("field %q type mismatch: existing %s, expected %s", want.Name, got.Type, want.Type))
			continue
		}
		if want.Type == TypeFloatVector && got.Dim != want.Dim {
			consistent = false
			warnings = append(warnings, fmt.Sprintf("field %q dimension mismatch: existing %d, expected %d", want.Name, got.Dim, want.Dim))
		}
		if got.PrimaryKey != want.PrimaryKey {
			consistent = false
			warnings = append(warnings, fmt.Sprintf("field %q primary-key flag mismatch", want.Name))
		}
		if got.AutoID != want.AutoID {
			consistent = false
			warnings = append(warnings, fmt.Sprintf("field %q auto-id flag mismatch", want.Name))
		}
		if want.Type == TypeVarChar && got.MaxLength != want.MaxLength {
			if got.MaxLength < want.MaxLength {
				warnings = append(warnings, fmt.Sprintf("field %q max length shrank: existing %d, expected %d (writes may truncate)", want.Name, got.MaxLength, want.MaxLength))
			} else {
				warnings = append(warnings, fmt.Sprintf("field %q max length grew: existing %d, expected %d", want.Name, got.MaxLength, want.MaxLength))
			}
		}
	}

	for _, got := range existing.Fields {
		if _, ok := expected.Field(got.Name); !ok {
			warnings = append(warnings, fmt.Sprintf("existing collection carries extra field %q", got.Name))
		}
	}

	return consistent, warnings
}

// ValidateRecord checks a record against the collection schema before insert.
func (c Collection) ValidateRecord(rec model.MemoryRecord) error {
	if dim := c.Dim(); dim > 0 && len(rec.Embedding) != dim {
		return fmt.Errorf("embedding dimension %d does not match collection dimension %d", len(rec.Embedding), dim)
	}
	if f, ok := c.Field(model.FieldContent); ok && f.MaxLength > 0 && len(rec.Content) > f.MaxLength {
		return fmt.Errorf("content length %d exceeds max %d", len(rec.Content), f.MaxLength)
	}
	if rec.CreateTime < 0 {
		return fmt.Errorf("create_time must not be negative")
	}
	return nil
}
