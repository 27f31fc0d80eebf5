package repository

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/JonMunkholm/catalog/internal/core"
)

// Operator is a filter comparison.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpContains Operator = "contains"
	OpStarts   Operator = "starts"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpIn       Operator = "in"
)

func (o Operator) valid() bool {
	switch o {
	case OpEq, OpNe, OpContains, OpStarts, OpGt, OpGte, OpLt, OpLte, OpIn:
		return true
	}
	return false
}

// ParseOperator resolves a lowercase operator name.
func ParseOperator(s string) (Operator, bool) {
	op := Operator(strings.ToLower(strings.TrimSpace(s)))
	return op, op.valid()
}

// Condition is one predicate on a field. For OpIn, Value is a slice or a
// comma-separated string.
type Condition struct {
	Field string   `json:"field"`
	Op    Operator `json:"op"`
	Value any      `json:"value"`
}

// Filter is a conjunction of conditions. Order is irrelevant.
type Filter []Condition

// SortSpec orders results by one field.
type SortSpec struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 1000
	MaxSortColumns  = 2
)

// Page selects a window of results. Numbers are 1-based.
type Page struct {
	Number int `json:"number"`
	Size   int `json:"size"`
}

// Offset returns the row offset of the page.
func (p Page) Offset() int {
	return (p.Number - 1) * p.Size
}

// Query is a filtered, sorted, paginated read.
type Query struct {
	Filter Filter     `json:"filter,omitempty"`
	Sort   []SortSpec `json:"sort,omitempty"`
	Page   Page       `json:"page"`
}

// NormalizeFilter validates f against desc and returns it in canonical form:
// values parsed to their field types, IN lists deduplicated and sorted,
// duplicate conditions removed, and conditions sorted. Two filters that
// differ only in condition order normalize identically.
func NormalizeFilter(desc *core.Descriptor, f Filter) (Filter, error) {
	out := make(Filter, 0, len(f))
	seen := make(map[string]bool, len(f))

	for _, c := range f {
		spec, ok := desc.Field(c.Field)
		if !ok || !desc.Queryable(spec.Name) {
			return nil, fmt.Errorf("%w: field %q is not queryable on %s", core.ErrInvalidFilter, c.Field, desc.Kind)
		}
		op := Operator(strings.ToLower(string(c.Op)))
		if op == "" {
			op = OpEq
		}
		if !op.valid() {
			return nil, fmt.Errorf("%w: unknown operator %q", core.ErrInvalidFilter, c.Op)
		}

		var (
			val any
			err error
		)
		switch op {
		case OpIn:
			val, err = normalizeList(spec, c.Value)
		case OpContains, OpStarts:
			val = strings.ToLower(core.FormatValue(c.Value))
		default:
			val, err = normalizeValue(spec, c.Value)
		}
		if err != nil {
			return nil, err
		}

		nc := Condition{Field: spec.Name, Op: op, Value: val}
		sig := conditionSignature(nc)
		if seen[sig] {
			continue
		}
		seen[sig] = true
		out = append(out, nc)
	}

	sort.Slice(out, func(i, j int) bool {
		return conditionSignature(out[i]) < conditionSignature(out[j])
	})
	return out, nil
}

func normalizeValue(spec core.FieldSpec, v any) (any, error) {
	s, isString := v.(string)
	if !isString {
		switch x := v.(type) {
		case int:
			v = int64(x)
		case int32:
			v = int64(x)
		case float32:
			v = float64(x)
		}
		if spec.Type == core.FieldDecimal {
			if i, ok := v.(int64); ok {
				v = float64(i)
			}
		}
		return v, nil
	}
	if spec.Type == core.FieldText {
		return s, nil
	}
	val, err := core.ParseCell(spec, core.CleanCell(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", core.ErrInvalidFilter, spec.Name, err)
	}
	return val, nil
}

func normalizeList(spec core.FieldSpec, v any) ([]any, error) {
	var raw []any
	switch x := v.(type) {
	case string:
		for _, p := range strings.Split(x, ",") {
			if p = strings.TrimSpace(p); p != "" {
				raw = append(raw, p)
			}
		}
	case []string:
		for _, p := range x {
			raw = append(raw, p)
		}
	case []any:
		raw = x
	default:
		raw = []any{x}
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty IN list for %s", core.ErrInvalidFilter, spec.Name)
	}

	seen := make(map[string]bool, len(raw))
	out := make([]any, 0, len(raw))
	for _, r := range raw {
		val, err := normalizeValue(spec, r)
		if err != nil {
			return nil, err
		}
		key := core.FormatValue(val)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, val)
	}
	sort.Slice(out, func(i, j int) bool {
		return core.FormatValue(out[i]) < core.FormatValue(out[j])
	})
	return out, nil
}

func conditionSignature(c Condition) string {
	var b strings.Builder
	b.WriteString(c.Field)
	b.WriteByte(0)
	b.WriteString(string(c.Op))
	b.WriteByte(0)
	writeValue(&b, c.Value)
	return b.String()
}

// writeValue includes the Go type so 1 and "1" stay distinct, and the
// length so separator bytes inside a value cannot fake a boundary.
func writeValue(b *strings.Builder, v any) {
	if list, ok := v.([]any); ok {
		b.WriteByte('[')
		for _, item := range list {
			writeValue(b, item)
			b.WriteByte(0x1f)
		}
		b.WriteByte(']')
		return
	}
	text := core.FormatValue(v)
	fmt.Fprintf(b, "%T:%d:%s", v, len(text), text)
}

// NormalizeSort validates sort fields and appends the identifier as a final
// tie-breaker so paging is stable.
func NormalizeSort(desc *core.Descriptor, specs []SortSpec) ([]SortSpec, error) {
	if len(specs) > MaxSortColumns {
		return nil, fmt.Errorf("%w: at most %d sort fields", core.ErrInvalidFilter, MaxSortColumns)
	}

	out := make([]SortSpec, 0, len(specs)+1)
	hasID := false
	for _, s := range specs {
		spec, ok := desc.Field(s.Field)
		if !ok || !desc.Sortable(spec.Name) {
			return nil, fmt.Errorf("%w: field %q is not sortable on %s", core.ErrInvalidFilter, s.Field, desc.Kind)
		}
		if spec.Name == desc.IDField {
			hasID = true
		}
		out = append(out, SortSpec{Field: spec.Name, Desc: s.Desc})
	}
	if !hasID {
		out = append(out, SortSpec{Field: desc.IDField})
	}
	return out, nil
}

// NormalizePage applies defaults and bounds.
func NormalizePage(p Page) Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

// Normalize canonicalizes every part of q.
func Normalize(desc *core.Descriptor, q Query) (Query, error) {
	f, err := NormalizeFilter(desc, q.Filter)
	if err != nil {
		return Query{}, err
	}
	s, err := NormalizeSort(desc, q.Sort)
	if err != nil {
		return Query{}, err
	}
	return Query{Filter: f, Sort: s, Page: NormalizePage(q.Page)}, nil
}

// Signature is the canonical text of an already-normalized query for kind.
// Two queries share a signature exactly when they select the same result.
// shape separates result types that share a filter, such as rows and counts.
func Signature(kind, shape string, q Query) string {
	var b strings.Builder
	b.WriteString(kind)
	b.WriteString("\x00" + shape + "\x00")
	for _, c := range q.Filter {
		b.WriteString(conditionSignature(c))
		b.WriteString("\x1e")
	}
	for _, s := range q.Sort {
		b.WriteString(s.Field)
		if s.Desc {
			b.WriteString(" desc")
		}
		b.WriteString("\x1e")
	}
	b.WriteString(strconv.Itoa(q.Page.Number) + "/" + strconv.Itoa(q.Page.Size))
	return b.String()
}

// Fingerprint is a compact digest of Signature, used as the cache key. It can
// collide; cache hits are checked against the full signature.
func Fingerprint(kind, shape string, q Query) string {
	return digest(Signature(kind, shape, q))
}

func digest(sig string) string {
	return strconv.FormatUint(xxhash.Sum64String(sig), 16)
}
