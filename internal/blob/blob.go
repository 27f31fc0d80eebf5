// Package blob stores uploaded and exported files. Files are addressed by
// key and can be reopened from a byte offset, which lets an interrupted
// import resume without rereading what it already processed.
package blob

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/catalog/internal/config"
)

// Store is an object store.
type Store interface {
	// Put writes r under key, replacing any existing object. size may be -1
	// when unknown.
	Put(ctx context.Context, key string, r io.Reader, size int64) error

	// Open reads the whole object.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// OpenRange reads the object from offset to its end. An offset at or past
	// the end yields an empty reader.
	OpenRange(ctx context.Context, key string, offset int64) (io.ReadCloser, error)

	Delete(ctx context.Context, key string) error
}

// IsImportKey reports whether key was produced by ImportKey.
func IsImportKey(key string) bool {
	return strings.HasPrefix(key, "imports/")
}

// ImportKey returns a fresh key for an uploaded file.
func ImportKey(now time.Time) string {
	return path.Join("imports", now.UTC().Format("2006-01-02"), uuid.NewString()+".csv")
}

// ExportKey returns the key an export job writes to.
func ExportKey(now time.Time, jobID string) string {
	return path.Join("exports", now.UTC().Format("2006-01-02"), jobID+".csv")
}

// IsExportKey reports whether key was produced by ExportKey.
func IsExportKey(key string) bool {
	return strings.HasPrefix(key, "exports/")
}

// New builds the store selected by cfg.Driver.
func New(ctx context.Context, cfg config.BlobConfig) (Store, error) {
	switch cfg.Driver {
	case config.DriverS3:
		return NewS3Store(ctx, cfg)
	case config.DriverLocal, "":
		return NewLocalStore(cfg.LocalRoot)
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}
