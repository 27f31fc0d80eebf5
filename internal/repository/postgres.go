package repository

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/catalog/internal/core"
)

// DBTX is the interface for database operations.
// Satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// PgStorage is a Storage backed by PostgreSQL.
type PgStorage struct {
	db DBTX
}

// NewPgStorage creates a PgStorage over db.
func NewPgStorage(db DBTX) *PgStorage {
	return &PgStorage{db: db}
}

// Query implements Storage.
func (s *PgStorage) Query(ctx context.Context, sel Select) ([]core.Record, error) {
	sql, args, err := renderSelect(sel)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, classifyPgError("query "+sel.Table, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []core.Record
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, classifyPgError("scan "+sel.Table, err)
		}
		rec := make(core.Record, len(fields))
		for i, f := range fields {
			rec[f.Name] = fromPgValue(vals[i])
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPgError("query "+sel.Table, err)
	}
	return out, nil
}

// Count implements Storage.
func (s *PgStorage) Count(ctx context.Context, sel Select) (int64, error) {
	where, args, err := renderWhere(sel.Where, 1)
	if err != nil {
		return 0, err
	}

	var n int64
	sql := fmt.Sprintf("SELECT COUNT(*) FROM %s%s", quoteIdentifier(sel.Table), where)
	if err := s.db.QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		return 0, classifyPgError("count "+sel.Table, err)
	}
	return n, nil
}

// Exec implements Storage.
func (s *PgStorage) Exec(ctx context.Context, m Mutation) (int64, error) {
	sql, args, err := renderMutation(m)
	if err != nil {
		return 0, err
	}
	tag, err := s.db.Exec(ctx, sql, args...)
	if err != nil {
		return 0, classifyPgError("exec "+m.table(), err)
	}
	return tag.RowsAffected(), nil
}

// EnsureTables creates the tables for descs when they do not exist.
func (s *PgStorage) EnsureTables(ctx context.Context, descs ...*core.Descriptor) error {
	for _, d := range descs {
		if _, err := s.db.Exec(ctx, CreateTableSQL(d)); err != nil {
			return classifyPgError("create table "+d.TableName(), err)
		}
	}
	return nil
}

// CreateTableSQL renders the DDL for d. Every unique set, natural key
// included, becomes a UNIQUE constraint so upserts have a conflict target.
func CreateTableSQL(d *core.Descriptor) string {
	var cols []string
	for _, f := range d.Fields {
		def := quoteIdentifier(f.ColumnName()) + " " + pgType(f.Type)
		switch {
		case f.Name == d.IDField:
			def += " PRIMARY KEY"
		case f.Required:
			def += " NOT NULL"
		}
		cols = append(cols, def)
	}

	column := func(name string) string {
		if f, ok := d.Field(name); ok {
			return quoteIdentifier(f.ColumnName())
		}
		return quoteIdentifier(name)
	}
	for _, set := range d.UniqueSets() {
		quoted := make([]string, len(set))
		for i, name := range set {
			quoted[i] = column(name)
		}
		cols = append(cols, "UNIQUE ("+strings.Join(quoted, ", ")+")")
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)",
		quoteIdentifier(d.TableName()), strings.Join(cols, ",\n\t"))
}

func pgType(t core.FieldType) string {
	switch t {
	case core.FieldInt:
		return "BIGINT"
	case core.FieldDecimal:
		return "NUMERIC"
	case core.FieldBool:
		return "BOOLEAN"
	case core.FieldDate:
		return "DATE"
	default:
		return "TEXT"
	}
}

func renderSelect(sel Select) (string, []any, error) {
	where, args, err := renderWhere(sel.Where, 1)
	if err != nil {
		return "", nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT * FROM %s%s", quoteIdentifier(sel.Table), where)

	if len(sel.Order) > 0 {
		parts := make([]string, len(sel.Order))
		for i, o := range sel.Order {
			dir := "ASC"
			if o.Desc {
				dir = "DESC"
			}
			parts[i] = quoteIdentifier(o.Column) + " " + dir
		}
		b.WriteString(" ORDER BY " + strings.Join(parts, ", "))
	}
	if sel.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", sel.Limit)
	}
	if sel.Offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", sel.Offset)
	}
	return b.String(), args, nil
}

// renderWhere builds the WHERE clause starting at placeholder argIdx.
func renderWhere(preds []Predicate, argIdx int) (string, []any, error) {
	if len(preds) == 0 {
		return "", nil, nil
	}

	var (
		parts []string
		args  []any
	)
	for _, p := range preds {
		col := quoteIdentifier(p.Column)
		ph := fmt.Sprintf("$%d", argIdx)

		switch p.Op {
		case OpEq:
			parts = append(parts, col+" = "+ph)
		case OpNe:
			parts = append(parts, col+" <> "+ph)
		case OpGt:
			parts = append(parts, col+" > "+ph)
		case OpGte:
			parts = append(parts, col+" >= "+ph)
		case OpLt:
			parts = append(parts, col+" < "+ph)
		case OpLte:
			parts = append(parts, col+" <= "+ph)
		case OpContains:
			parts = append(parts, fmt.Sprintf("CAST(%s AS TEXT) ILIKE %s", col, ph))
			args = append(args, "%"+escapeLike(core.FormatValue(p.Value))+"%")
			argIdx++
			continue
		case OpStarts:
			parts = append(parts, fmt.Sprintf("CAST(%s AS TEXT) ILIKE %s", col, ph))
			args = append(args, escapeLike(core.FormatValue(p.Value))+"%")
			argIdx++
			continue
		case OpIn:
			list, ok := p.Value.([]any)
			if !ok {
				list = []any{p.Value}
			}
			if len(list) == 0 {
				parts = append(parts, "FALSE")
				continue
			}
			placeholders := make([]string, len(list))
			for i, v := range list {
				placeholders[i] = fmt.Sprintf("$%d", argIdx)
				args = append(args, v)
				argIdx++
			}
			parts = append(parts, fmt.Sprintf("%s IN (%s)", col, strings.Join(placeholders, ", ")))
			continue
		default:
			return "", nil, fmt.Errorf("%w: unsupported operator %q", core.ErrInvalidFilter, p.Op)
		}
		args = append(args, p.Value)
		argIdx++
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}

func renderMutation(m Mutation) (string, []any, error) {
	switch m := m.(type) {
	case Insert:
		sql, args := renderInsert(m.Table, m.Values)
		return sql, args, nil

	case Upsert:
		sql, args := renderInsert(m.Table, m.Values)
		conflict := quoteColumns(m.ConflictOn)
		update := m.updateColumns()
		if len(update) == 0 {
			return fmt.Sprintf("%s ON CONFLICT (%s) DO NOTHING", sql, conflict), args, nil
		}
		sets := make([]string, len(update))
		for i, c := range update {
			q := quoteIdentifier(c)
			sets[i] = q + " = EXCLUDED." + q
		}
		return fmt.Sprintf("%s ON CONFLICT (%s) DO UPDATE SET %s", sql, conflict, strings.Join(sets, ", ")), args, nil

	case Update:
		if len(m.Set) == 0 {
			return "", nil, errors.New("update with no columns")
		}
		keys := m.Set.Keys()
		sets := make([]string, len(keys))
		args := make([]any, len(keys))
		for i, k := range keys {
			sets[i] = fmt.Sprintf("%s = $%d", quoteIdentifier(k), i+1)
			args[i] = m.Set[k]
		}
		where, wargs, err := renderWhere(m.Where, len(keys)+1)
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("UPDATE %s SET %s%s", quoteIdentifier(m.Table), strings.Join(sets, ", "), where),
			append(args, wargs...), nil

	case Delete:
		where, args, err := renderWhere(m.Where, 1)
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("DELETE FROM %s%s", quoteIdentifier(m.Table), where), args, nil

	default:
		return "", nil, fmt.Errorf("unsupported mutation %T", m)
	}
}

func renderInsert(table string, values core.Record) (string, []any) {
	keys := values.Keys()
	placeholders := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = values[k]
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdentifier(table), quoteColumns(keys), strings.Join(placeholders, ", ")), args
}

// fromPgValue converts driver values to the Record value set.
func fromPgValue(v any) any {
	switch x := v.(type) {
	case pgtype.Numeric:
		if !x.Valid {
			return nil
		}
		f, err := x.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case int:
		return int64(x)
	case float32:
		return float64(x)
	case [16]byte:
		return uuid.UUID(x).String()
	default:
		return v
	}
}

// classifyPgError maps driver errors onto the core taxonomy: unique
// violations wrap core.ErrConflict and connection or serialization faults
// become core.TransientError.
func classifyPgError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return fmt.Errorf("%w: duplicate key (%s)", core.ErrConflict, pgErr.ConstraintName)
		case strings.HasPrefix(pgErr.Code, "08"),
			strings.HasPrefix(pgErr.Code, "57P"),
			pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "53300":
			return core.Transient(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	var connErr *pgconn.ConnectError
	var opErr *net.OpError
	if errors.As(err, &connErr) || errors.As(err, &opErr) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return core.Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteColumns(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdentifier(c)
	}
	return strings.Join(quoted, ", ")
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
