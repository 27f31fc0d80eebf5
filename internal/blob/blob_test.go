package blob

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/catalog/internal/config"
	"github.com/JonMunkholm/catalog/internal/core"
)

func TestLocalStore_RoundTripAndRange(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "imports/a.csv", strings.NewReader("sku,price\nA,1\n"), -1))

	rc, err := s.Open(ctx, "imports/a.csv")
	require.NoError(t, err)
	all, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "sku,price\nA,1\n", string(all))

	rc, err = s.OpenRange(ctx, "imports/a.csv", 10)
	require.NoError(t, err)
	tail, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "A,1\n", string(tail))

	rc, err = s.OpenRange(ctx, "imports/a.csv", 100)
	require.NoError(t, err)
	empty, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestLocalStore_Missing(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Open(context.Background(), "nope.csv")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.NoError(t, s.Delete(context.Background(), "nope.csv"))
}

func TestLocalStore_RejectsTraversal(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"../x.csv", "/etc/passwd", ".", "a/../../b"} {
		err := s.Put(context.Background(), key, strings.NewReader("x"), 1)
		assert.Error(t, err, key)
	}
}

func TestKeys(t *testing.T) {
	now := time.Date(2024, 3, 9, 23, 0, 0, 0, time.UTC)

	key := ImportKey(now)
	assert.True(t, strings.HasPrefix(key, "imports/2024-03-09/"), key)
	assert.True(t, strings.HasSuffix(key, ".csv"), key)
	assert.NotEqual(t, key, ImportKey(now))

	assert.Equal(t, "exports/2024-03-09/job-1.csv", ExportKey(now, "job-1"))
}

func TestNew_UnknownDriver(t *testing.T) {
	_, err := New(context.Background(), config.BlobConfig{Driver: "ftp"})
	assert.Error(t, err)
}

func TestClassifyS3Error(t *testing.T) {
	missing := classifyS3Error("get", "k", minio.ErrorResponse{Code: "NoSuchKey"})
	assert.ErrorIs(t, missing, core.ErrNotFound)

	busy := classifyS3Error("get", "k", minio.ErrorResponse{Code: "SlowDown"})
	assert.True(t, core.IsTransient(busy))

	refused := classifyS3Error("get", "k", errors.New("dial tcp: connection refused"))
	assert.True(t, core.IsTransient(refused))

	denied := classifyS3Error("get", "k", minio.ErrorResponse{Code: "AccessDenied", Message: "denied"})
	assert.False(t, core.IsTransient(denied))
	assert.False(t, errors.Is(denied, core.ErrNotFound))
}
