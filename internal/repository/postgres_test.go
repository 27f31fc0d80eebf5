package repository

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/catalog/internal/core"
)

func TestRenderSelect(t *testing.T) {
	sql, args, err := renderSelect(Select{
		Table: "product",
		Where: []Predicate{
			{Column: "name", Op: OpContains, Value: "50%_off"},
			{Column: "status", Op: OpIn, Value: []any{"active", "draft"}},
			{Column: "price", Op: OpGte, Value: 10.0},
		},
		Order:  []Order{{Column: "price", Desc: true}, {Column: "id"}},
		Limit:  50,
		Offset: 100,
	})
	require.NoError(t, err)

	assert.Equal(t,
		`SELECT * FROM "product" WHERE CAST("name" AS TEXT) ILIKE $1 AND "status" IN ($2, $3) AND "price" >= $4`+
			` ORDER BY "price" DESC, "id" ASC LIMIT 50 OFFSET 100`,
		sql)
	assert.Equal(t, []any{`%50\%\_off%`, "active", "draft", 10.0}, args)
}

func TestRenderMutation(t *testing.T) {
	tests := []struct {
		name     string
		m        Mutation
		wantSQL  string
		wantArgs []any
	}{
		{
			name:     "insert",
			m:        Insert{Table: "product", Values: core.Record{"sku": "A", "id": "1"}},
			wantSQL:  `INSERT INTO "product" ("id", "sku") VALUES ($1, $2)`,
			wantArgs: []any{"1", "A"},
		},
		{
			name: "upsert",
			m: Upsert{
				Table:      "product",
				Values:     core.Record{"id": "1", "sku": "A", "price": 2.5},
				ConflictOn: []string{"sku"},
				Preserve:   []string{"id"},
			},
			wantSQL: `INSERT INTO "product" ("id", "price", "sku") VALUES ($1, $2, $3)` +
				` ON CONFLICT ("sku") DO UPDATE SET "price" = EXCLUDED."price"`,
			wantArgs: []any{"1", 2.5, "A"},
		},
		{
			name: "upsert nothing to update",
			m: Upsert{
				Table:      "product",
				Values:     core.Record{"id": "1", "sku": "A"},
				ConflictOn: []string{"sku"},
				Preserve:   []string{"id"},
			},
			wantSQL:  `INSERT INTO "product" ("id", "sku") VALUES ($1, $2) ON CONFLICT ("sku") DO NOTHING`,
			wantArgs: []any{"1", "A"},
		},
		{
			name: "update",
			m: Update{
				Table: "product",
				Where: []Predicate{{Column: "id", Op: OpEq, Value: "1"}},
				Set:   core.Record{"price": 3.0, "name": "Mug"},
			},
			wantSQL:  `UPDATE "product" SET "name" = $1, "price" = $2 WHERE "id" = $3`,
			wantArgs: []any{"Mug", 3.0, "1"},
		},
		{
			name:     "delete",
			m:        Delete{Table: "product", Where: []Predicate{{Column: "sku", Op: OpStarts, Value: "A"}}},
			wantSQL:  `DELETE FROM "product" WHERE CAST("sku" AS TEXT) ILIKE $1`,
			wantArgs: []any{"A%"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args, err := renderMutation(tt.m)
			require.NoError(t, err)
			assert.Equal(t, tt.wantSQL, sql)
			assert.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestCreateTableSQL(t *testing.T) {
	sql := CreateTableSQL(widgetDescriptor)

	assert.True(t, strings.HasPrefix(sql, `CREATE TABLE IF NOT EXISTS "widget"`))
	assert.Contains(t, sql, `"id" TEXT PRIMARY KEY`)
	assert.Contains(t, sql, `"price" NUMERIC NOT NULL`)
	assert.Contains(t, sql, `"stock_qty" BIGINT`)
	assert.Contains(t, sql, `UNIQUE ("sku")`)
}

func TestClassifyPgError(t *testing.T) {
	dup := classifyPgError("exec", &pgconn.PgError{Code: "23505", ConstraintName: "widget_sku_key"})
	assert.ErrorIs(t, dup, core.ErrConflict)
	assert.False(t, core.IsTransient(dup))

	for _, code := range []string{"08006", "57P01", "40001", "40P01", "53300"} {
		err := classifyPgError("exec", &pgconn.PgError{Code: code})
		assert.True(t, core.IsTransient(err), code)
	}

	other := classifyPgError("exec", &pgconn.PgError{Code: "42P01"})
	assert.False(t, core.IsTransient(other))
	assert.False(t, errors.Is(other, core.ErrConflict))

	assert.ErrorIs(t, classifyPgError("exec", context.Canceled), context.Canceled)
	assert.False(t, core.IsTransient(classifyPgError("exec", context.Canceled)))
}

func TestFromPgValue(t *testing.T) {
	var n pgtype.Numeric
	require.NoError(t, n.Scan("12.50"))

	assert.Equal(t, 12.5, fromPgValue(n))
	assert.Equal(t, int64(7), fromPgValue(int32(7)))
	assert.Equal(t, "00000000-0000-0000-0000-000000000001",
		fromPgValue([16]byte{15: 1}))
	assert.Nil(t, fromPgValue(pgtype.Numeric{}))
}
