package preview

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/catalog/internal/blob"
	"github.com/JonMunkholm/catalog/internal/cache"
	"github.com/JonMunkholm/catalog/internal/catalog"
	"github.com/JonMunkholm/catalog/internal/core"
	"github.com/JonMunkholm/catalog/internal/fileproc"
	"github.com/JonMunkholm/catalog/internal/repository"
)

type fixture struct {
	analyzer *Analyzer
	blobs    blob.Store
	repos    catalog.Repositories
	storage  *repository.MemoryStorage
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	blobs, err := blob.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	c, err := cache.New(100)
	require.NoError(t, err)
	storage := repository.NewMemoryStorage(catalog.Descriptors()...)
	repos := catalog.NewRepositories(storage, c)
	return &fixture{
		analyzer: New(fileproc.New(blobs), repos.Bindings(), opts...),
		blobs:    blobs,
		repos:    repos,
		storage:  storage,
	}
}

func (f *fixture) put(t *testing.T, key, body string) {
	t.Helper()
	require.NoError(t, f.blobs.Put(context.Background(), key, strings.NewReader(body), int64(len(body))))
}

func TestAnalyze(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.repos.Products.Upsert(ctx, catalog.Product{SKU: "SKU-001", Name: "Old", Price: 1})
	require.NoError(t, err)

	f.put(t, "imports/p.csv", strings.Join([]string{
		"sku,name,price,stock",
		"sku-001,Mug,4,1",
		"SKU-002,Cup,3,1",
		"SKU-003,Plate,,1",
		"",
		"SKU-002,Cup again,3,2",
		"SKU-004,Bowl,-1,1",
	}, "\n"))

	rep, err := f.analyzer.Analyze(ctx, "Product", "imports/p.csv")
	require.NoError(t, err)

	assert.Equal(t, "product", rep.EntityKind)
	assert.Equal(t, Summary{TotalRows: 5, NewRows: 2, UpdateRows: 1, ErrorRows: 2, DuplicateInFile: 1}, rep.Summary)

	require.Len(t, rep.UpdateSamples, 1)
	assert.Equal(t, "SKU-001", rep.UpdateSamples[0].Key)
	assert.Equal(t, "Mug", rep.UpdateSamples[0].Values["name"])

	require.Len(t, rep.NewSamples, 2)
	assert.Equal(t, 2, rep.NewSamples[0].RowIndex)
	assert.Equal(t, 4, rep.NewSamples[1].RowIndex)

	require.Len(t, rep.ErrorSamples, 2)
	assert.Equal(t, ErrorSample{RowIndex: 3, Field: "price", Message: "missing price"}, rep.ErrorSamples[0])
	assert.Equal(t, 5, rep.ErrorSamples[1].RowIndex)

	assert.Equal(t, []Duplicate{{Key: "SKU-002", RowIndexes: []int{2, 4}}}, rep.Duplicates)

	got, err := f.repos.Products.Query(ctx, repository.Query{})
	require.NoError(t, err)
	assert.Len(t, got, 1, "preview writes nothing")
}

func TestAnalyze_Truncates(t *testing.T) {
	f := newFixture(t, WithMaxRows(10))
	var b strings.Builder
	b.WriteString("slug,name\n")
	for i := 0; i < 25; i++ {
		fmt.Fprintf(&b, "cat-%d,Category %d\n", i, i)
	}
	f.put(t, "imports/c.csv", b.String())

	rep, err := f.analyzer.Analyze(context.Background(), "category", "imports/c.csv")
	require.NoError(t, err)
	assert.True(t, rep.Summary.Truncated)
	assert.Equal(t, 10, rep.Summary.TotalRows)
	assert.Equal(t, 10, rep.Summary.NewRows)
	assert.Len(t, rep.NewSamples, maxNewSamples)
}

func TestAnalyze_Errors(t *testing.T) {
	f := newFixture(t)
	f.put(t, "imports/bad.csv", "name,stock\nMug,1\n")

	tests := []struct {
		name    string
		kind    string
		ref     string
		wantErr error
		wantMsg string
	}{
		{name: "unknown kind", kind: "order", ref: "imports/bad.csv", wantErr: core.ErrUnknownKind},
		{name: "missing file", kind: "product", ref: "imports/none.csv", wantErr: core.ErrNotFound},
		{name: "missing columns", kind: "product", ref: "imports/bad.csv", wantMsg: "missing required columns"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.analyzer.Analyze(context.Background(), tt.kind, tt.ref)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			if tt.wantMsg != "" {
				assert.Contains(t, err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestAnalyze_StorageFault(t *testing.T) {
	f := newFixture(t)
	f.put(t, "imports/p.csv", "sku,name,price\nA1,Mug,4\n")
	f.storage.SetFault(func(op string) error {
		if op == "query" {
			return core.Transient(op, fmt.Errorf("connection reset"))
		}
		return nil
	})

	_, err := f.analyzer.Analyze(context.Background(), "product", "imports/p.csv")
	require.Error(t, err)
	assert.True(t, core.IsTransient(err))
}
