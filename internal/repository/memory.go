package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JonMunkholm/catalog/internal/core"
)

// MemoryStorage is an in-process Storage for tests and single-node use.
// It enforces the identifier and every unique set of the registered
// descriptors, with SQL null semantics: a set containing a null never
// conflicts.
type MemoryStorage struct {
	mu     sync.RWMutex
	tables map[string]*memTable
	fault  func(op string) error
}

type memTable struct {
	unique [][]string // column sets
	rows   []core.Record
}

// NewMemoryStorage creates tables for descs.
func NewMemoryStorage(descs ...*core.Descriptor) *MemoryStorage {
	s := &MemoryStorage{tables: make(map[string]*memTable, len(descs))}
	for _, d := range descs {
		s.AddTable(d)
	}
	return s
}

// AddTable creates the table for d. Existing rows are kept.
func (s *MemoryStorage) AddTable(d *core.Descriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tables[d.TableName()]; ok {
		return
	}

	column := func(name string) string {
		if f, ok := d.Field(name); ok {
			return f.ColumnName()
		}
		return name
	}
	t := &memTable{unique: [][]string{{column(d.IDField)}}}
	for _, set := range d.UniqueSets() {
		cols := make([]string, len(set))
		for i, name := range set {
			cols[i] = column(name)
		}
		t.unique = append(t.unique, cols)
	}
	s.tables[d.TableName()] = t
}

// SetFault installs a hook consulted before every statement; a non-nil
// return fails the statement. op is "query", "count" or "exec".
func (s *MemoryStorage) SetFault(fn func(op string) error) {
	s.mu.Lock()
	s.fault = fn
	s.mu.Unlock()
}

func (s *MemoryStorage) checkFault(op string) error {
	if s.fault == nil {
		return nil
	}
	return s.fault(op)
}

func (s *MemoryStorage) table(name string) (*memTable, error) {
	t, ok := s.tables[name]
	if !ok {
		return nil, fmt.Errorf("unknown table %q", name)
	}
	return t, nil
}

// Query implements Storage.
func (s *MemoryStorage) Query(ctx context.Context, sel Select) ([]core.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkFault("query"); err != nil {
		return nil, err
	}
	t, err := s.table(sel.Table)
	if err != nil {
		return nil, err
	}

	var out []core.Record
	for _, row := range t.rows {
		if matchAll(row, sel.Where) {
			out = append(out, row.Clone())
		}
	}

	if len(sel.Order) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			for _, o := range sel.Order {
				c := compareNullable(out[i][o.Column], out[j][o.Column], o.Desc)
				if c != 0 {
					return c < 0
				}
			}
			return false
		})
	}

	if sel.Offset > 0 {
		if sel.Offset >= len(out) {
			return nil, nil
		}
		out = out[sel.Offset:]
	}
	if sel.Limit > 0 && len(out) > sel.Limit {
		out = out[:sel.Limit]
	}
	return out, nil
}

// Count implements Storage.
func (s *MemoryStorage) Count(ctx context.Context, sel Select) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkFault("count"); err != nil {
		return 0, err
	}
	t, err := s.table(sel.Table)
	if err != nil {
		return 0, err
	}

	var n int64
	for _, row := range t.rows {
		if matchAll(row, sel.Where) {
			n++
		}
	}
	return n, nil
}

// Exec implements Storage.
func (s *MemoryStorage) Exec(ctx context.Context, m Mutation) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkFault("exec"); err != nil {
		return 0, err
	}
	t, err := s.table(m.table())
	if err != nil {
		return 0, err
	}

	switch m := m.(type) {
	case Insert:
		row := m.Values.Clone()
		if err := t.checkUnique(row, -1); err != nil {
			return 0, err
		}
		t.rows = append(t.rows, row)
		return 1, nil

	case Update:
		type change struct {
			pos int
			row core.Record
		}
		var changes []change
		for i, row := range t.rows {
			if !matchAll(row, m.Where) {
				continue
			}
			next := row.Clone()
			for k, v := range m.Set {
				next[k] = v
			}
			if err := t.checkUnique(next, i); err != nil {
				return 0, err
			}
			changes = append(changes, change{pos: i, row: next})
		}
		for _, c := range changes {
			t.rows[c.pos] = c.row
		}
		return int64(len(changes)), nil

	case Delete:
		kept := t.rows[:0]
		var n int64
		for _, row := range t.rows {
			if matchAll(row, m.Where) {
				n++
				continue
			}
			kept = append(kept, row)
		}
		for i := len(kept); i < len(t.rows); i++ {
			t.rows[i] = nil
		}
		t.rows = kept
		return n, nil

	case Upsert:
		pos := t.findConflict(m.Values, m.ConflictOn)
		if pos < 0 {
			row := m.Values.Clone()
			if err := t.checkUnique(row, -1); err != nil {
				return 0, err
			}
			t.rows = append(t.rows, row)
			return 1, nil
		}
		next := t.rows[pos].Clone()
		for _, c := range m.updateColumns() {
			next[c] = m.Values[c]
		}
		if err := t.checkUnique(next, pos); err != nil {
			return 0, err
		}
		t.rows[pos] = next
		return 1, nil

	default:
		return 0, fmt.Errorf("unsupported mutation %T", m)
	}
}

// findConflict returns the position of the row equal to values on every
// column of cols, or -1.
func (t *memTable) findConflict(values core.Record, cols []string) int {
	if len(cols) == 0 {
		return -1
	}
	for i, row := range t.rows {
		if sameKey(row, values, cols) {
			return i
		}
	}
	return -1
}

// checkUnique rejects candidate if it duplicates another row on any unique
// set. skip is the candidate's own position, or -1 for a new row.
func (t *memTable) checkUnique(candidate core.Record, skip int) error {
	for _, cols := range t.unique {
		for i, row := range t.rows {
			if i == skip {
				continue
			}
			if sameKey(row, candidate, cols) {
				return fmt.Errorf("%w: duplicate key (%s)", core.ErrConflict, strings.Join(cols, ", "))
			}
		}
	}
	return nil
}

func sameKey(a, b core.Record, cols []string) bool {
	for _, c := range cols {
		av, bv := a[c], b[c]
		if av == nil || bv == nil || compareValues(av, bv) != 0 {
			return false
		}
	}
	return true
}

func matchAll(row core.Record, where []Predicate) bool {
	for _, p := range where {
		if !match(row[p.Column], p) {
			return false
		}
	}
	return true
}

// match evaluates one predicate. Nulls match nothing.
func match(v any, p Predicate) bool {
	if v == nil {
		return false
	}
	switch p.Op {
	case OpEq:
		return compareValues(v, p.Value) == 0
	case OpNe:
		return compareValues(v, p.Value) != 0
	case OpGt:
		return compareValues(v, p.Value) > 0
	case OpGte:
		return compareValues(v, p.Value) >= 0
	case OpLt:
		return compareValues(v, p.Value) < 0
	case OpLte:
		return compareValues(v, p.Value) <= 0
	case OpContains:
		return strings.Contains(strings.ToLower(core.FormatValue(v)), strings.ToLower(core.FormatValue(p.Value)))
	case OpStarts:
		return strings.HasPrefix(strings.ToLower(core.FormatValue(v)), strings.ToLower(core.FormatValue(p.Value)))
	case OpIn:
		list, ok := p.Value.([]any)
		if !ok {
			return compareValues(v, p.Value) == 0
		}
		for _, item := range list {
			if compareValues(v, item) == 0 {
				return true
			}
		}
	}
	return false
}

// compareNullable orders nulls last ascending and first descending, and
// inverts the comparison for descending order.
func compareNullable(a, b any, desc bool) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		if desc {
			return -1
		}
		return 1
	case b == nil:
		if desc {
			return 1
		}
		return -1
	}
	c := compareValues(a, b)
	if desc {
		return -c
	}
	return c
}

func compareValues(a, b any) int {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			}
			return 0
		}
	}
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			return at.Compare(bt)
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			switch {
			case ab == bb:
				return 0
			case !ab:
				return -1
			}
			return 1
		}
	}
	return strings.Compare(core.FormatValue(a), core.FormatValue(b))
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case float64:
		return x, true
	case float32:
		return float64(x), true
	}
	return 0, false
}
