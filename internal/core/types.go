package core

import (
	"sort"
	"strings"
)

// FieldType represents the expected data type for an entity field.
type FieldType int

const (
	FieldText FieldType = iota
	FieldEnum
	FieldInt
	FieldDecimal
	FieldBool
	FieldDate
)

func (t FieldType) String() string {
	switch t {
	case FieldText:
		return "text"
	case FieldEnum:
		return "enum"
	case FieldInt:
		return "integer"
	case FieldDecimal:
		return "number"
	case FieldBool:
		return "boolean"
	case FieldDate:
		return "date"
	default:
		return "value"
	}
}

// FieldSpec defines one field of an entity kind: how it is parsed from a file
// cell, where it is stored and how it may be queried.
type FieldSpec struct {
	Name       string    // Field name, also the expected file header
	Column     string    // Storage column; defaults to Name
	Type       FieldType // Expected data type
	Required   bool      // Empty cells are rejected
	Queryable  bool      // May appear in filters
	Sortable   bool      // May appear in sort specs
	EnumValues []string  // Valid values for FieldEnum
	MaxLen     int       // Maximum text length, 0 for unbounded
	Min        *float64  // Inclusive lower bound for numeric fields
	Max        *float64  // Inclusive upper bound for numeric fields

	// Normalizer is applied to the cleaned cell before type parsing.
	Normalizer func(string) string
}

// ColumnName returns the storage column for the field.
func (f FieldSpec) ColumnName() string {
	if f.Column != "" {
		return f.Column
	}
	return f.Name
}

// Descriptor is the static metadata for one entity kind. Descriptors are built
// once at process start and never mutated.
type Descriptor struct {
	Kind    string // Unique kind name, e.g. "product"
	Label   string // Display name
	Table   string // Storage table; defaults to Kind
	IDField string // Identifier field name

	// NaturalKey is the field set imports upsert on. Replaying the same row
	// resolves to the same entity.
	NaturalKey []string

	// Unique lists field sets that must be unique across the kind.
	Unique [][]string

	Fields []FieldSpec
}

// TableName returns the storage table for the kind.
func (d *Descriptor) TableName() string {
	if d.Table != "" {
		return d.Table
	}
	return d.Kind
}

// Descriptor lets *Descriptor satisfy Described.
func (d *Descriptor) Descriptor() *Descriptor { return d }

// Field returns the spec for name, matched case-insensitively.
func (d *Descriptor) Field(name string) (FieldSpec, bool) {
	for _, f := range d.Fields {
		if strings.EqualFold(f.Name, name) {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// Queryable reports whether name may be used in a filter.
func (d *Descriptor) Queryable(name string) bool {
	f, ok := d.Field(name)
	return ok && (f.Queryable || f.Name == d.IDField)
}

// Sortable reports whether name may be used in a sort spec.
func (d *Descriptor) Sortable(name string) bool {
	f, ok := d.Field(name)
	return ok && (f.Sortable || f.Name == d.IDField)
}

// Columns returns field names in declaration order.
func (d *Descriptor) Columns() []string {
	cols := make([]string, len(d.Fields))
	for i, f := range d.Fields {
		cols[i] = f.Name
	}
	return cols
}

// UniqueSets returns the natural key followed by the declared unique sets.
func (d *Descriptor) UniqueSets() [][]string {
	sets := make([][]string, 0, len(d.Unique)+1)
	if len(d.NaturalKey) > 0 {
		sets = append(sets, d.NaturalKey)
	}
	return append(sets, d.Unique...)
}

// Record is an untyped entity projection keyed by field name. Values hold the
// Go type for their FieldType: string, int64, float64, bool or time.Time.
type Record map[string]any

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Keys returns the record's field names sorted.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
