package repository

import (
	"context"

	"github.com/JonMunkholm/catalog/internal/core"
)

// Storage is the storage engine as the repository sees it: structured
// statements in, rows or affected counts out. Implementations guarantee
// per-statement atomicity only. Rows are keyed by column name.
//
// Errors are classified: uniqueness violations wrap core.ErrConflict and
// retryable faults are core.TransientError.
type Storage interface {
	Query(ctx context.Context, s Select) ([]core.Record, error)
	Count(ctx context.Context, s Select) (int64, error)
	Exec(ctx context.Context, m Mutation) (int64, error)
}

// Predicate is a Condition resolved to a storage column.
type Predicate struct {
	Column string
	Op     Operator
	Value  any
}

// Order is a SortSpec resolved to a storage column.
type Order struct {
	Column string
	Desc   bool
}

// Select reads rows. Limit 0 means unbounded. Count ignores Order, Limit and Offset.
type Select struct {
	Table  string
	Where  []Predicate
	Order  []Order
	Limit  int
	Offset int
}

// Mutation is one of Insert, Update, Delete or Upsert.
type Mutation interface {
	table() string
}

// Insert adds one row.
type Insert struct {
	Table  string
	Values core.Record
}

// Update sets columns on every row matching Where.
type Update struct {
	Table string
	Where []Predicate
	Set   core.Record
}

// Delete removes every row matching Where.
type Delete struct {
	Table string
	Where []Predicate
}

// Upsert inserts Values, or on a ConflictOn match updates the existing row
// with every column except ConflictOn and Preserve.
type Upsert struct {
	Table      string
	Values     core.Record
	ConflictOn []string
	Preserve   []string
}

func (m Insert) table() string { return m.Table }
func (m Update) table() string { return m.Table }
func (m Delete) table() string { return m.Table }
func (m Upsert) table() string { return m.Table }

// updateColumns returns the Values columns an upsert overwrites on conflict.
func (m Upsert) updateColumns() []string {
	skip := make(map[string]bool, len(m.ConflictOn)+len(m.Preserve))
	for _, c := range m.ConflictOn {
		skip[c] = true
	}
	for _, c := range m.Preserve {
		skip[c] = true
	}

	var cols []string
	for _, c := range m.Values.Keys() {
		if !skip[c] {
			cols = append(cols, c)
		}
	}
	return cols
}
