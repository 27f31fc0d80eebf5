package core

// validation.go checks file rows against a descriptor's field specs without
// touching storage. Header validation runs once per file; row validation
// stops at the first failing field so each bad row yields exactly one error.

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// RowValidator validates rows against one descriptor and header layout.
type RowValidator struct {
	desc   *Descriptor
	header HeaderIndex
}

// NewRowValidator creates a validator for desc and the file's header index.
func NewRowValidator(desc *Descriptor, header HeaderIndex) *RowValidator {
	return &RowValidator{desc: desc, header: header}
}

// Validate converts row into a Record. The returned error is always a
// *ValidationError.
func (v *RowValidator) Validate(row []string) (Record, error) {
	rec := make(Record, len(v.desc.Fields))

	for _, spec := range v.desc.Fields {
		cell, present := v.header.Lookup(row, spec.Name)
		raw := CleanCell(cell)

		if raw == "" {
			if spec.Required {
				return nil, &ValidationError{Field: spec.Name, Message: "missing " + spec.Name}
			}
			if present {
				rec[spec.Name] = nil
			}
			continue
		}

		if spec.Normalizer != nil {
			raw = spec.Normalizer(raw)
		}

		val, err := ValidateCell(spec, raw)
		if err != nil {
			return nil, err
		}
		rec[spec.Name] = val
	}

	return rec, nil
}

// ValidateCell parses raw and applies the spec's range and length checks.
func ValidateCell(spec FieldSpec, raw string) (any, error) {
	val, err := ParseCell(spec, raw)
	if err != nil {
		return nil, &ValidationError{
			Field:   spec.Name,
			Value:   raw,
			Message: fmt.Sprintf("invalid %s: %v", spec.Name, err),
		}
	}

	if spec.MaxLen > 0 && utf8.RuneCountInString(raw) > spec.MaxLen {
		return nil, &ValidationError{
			Field:   spec.Name,
			Value:   raw,
			Message: fmt.Sprintf("%s exceeds %d characters", spec.Name, spec.MaxLen),
		}
	}

	var n float64
	switch x := val.(type) {
	case int64:
		n = float64(x)
	case float64:
		n = x
	default:
		return val, nil
	}
	if spec.Min != nil && n < *spec.Min {
		return nil, &ValidationError{
			Field:   spec.Name,
			Value:   raw,
			Message: fmt.Sprintf("%s must be >= %s", spec.Name, FormatValue(*spec.Min)),
		}
	}
	if spec.Max != nil && n > *spec.Max {
		return nil, &ValidationError{
			Field:   spec.Name,
			Value:   raw,
			Message: fmt.Sprintf("%s must be <= %s", spec.Name, FormatValue(*spec.Max)),
		}
	}
	return val, nil
}

// ValidateHeaders checks that every required field has a column.
func ValidateHeaders(header []string, desc *Descriptor) (HeaderIndex, error) {
	idx := MakeHeaderIndex(header)
	var missing []string

	for _, spec := range desc.Fields {
		if !spec.Required {
			continue
		}
		if _, ok := idx[strings.ToLower(spec.Name)]; !ok {
			missing = append(missing, spec.Name)
		}
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required columns: %s", strings.Join(missing, ", "))
	}
	return idx, nil
}

// Float is a helper for declaring FieldSpec bounds.
func Float(f float64) *float64 { return &f }
