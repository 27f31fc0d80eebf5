// Package preview dry-runs an import. It validates an uploaded file against
// an entity kind and reports what an import would do without writing.
package preview

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/JonMunkholm/catalog/internal/core"
	"github.com/JonMunkholm/catalog/internal/fileproc"
	"github.com/JonMunkholm/catalog/internal/repository"
)

// Summary holds the counts. Rows are counted once: an invalid row is an
// error row, a valid row is new or an update.
type Summary struct {
	TotalRows       int  `json:"totalRows"`
	NewRows         int  `json:"newRows"`
	UpdateRows      int  `json:"updateRows"`
	ErrorRows       int  `json:"errorRows"`
	DuplicateInFile int  `json:"duplicateInFile"`
	Truncated       bool `json:"truncated"`
}

// RowSample is a valid row as it would be written.
type RowSample struct {
	RowIndex int         `json:"rowIndex"`
	Key      string      `json:"key"`
	Values   core.Record `json:"values"`
}

// ErrorSample is a row the import would reject.
type ErrorSample struct {
	RowIndex int    `json:"rowIndex"`
	Field    string `json:"field,omitempty"`
	Message  string `json:"message"`
}

// Duplicate is a natural key repeated in the file. The last occurrence wins
// on import.
type Duplicate struct {
	Key        string `json:"key"`
	RowIndexes []int  `json:"rowIndexes"`
}

// Report is the result of Analyze.
type Report struct {
	EntityKind    string        `json:"entityKind"`
	FileRef       string        `json:"fileRef"`
	Summary       Summary       `json:"summary"`
	NewSamples    []RowSample   `json:"newSamples"`
	UpdateSamples []RowSample   `json:"updateSamples"`
	ErrorSamples  []ErrorSample `json:"errorSamples"`
	Duplicates    []Duplicate   `json:"duplicates"`
	DurationMs    int64         `json:"durationMs"`
}

// Sample limits
const (
	maxNewSamples       = 10
	maxUpdateSamples    = 10
	maxErrorSamples     = 20
	maxDuplicateSamples = 10
	keyBatchSize        = 500

	DefaultMaxRows = 10000
)

// Analyzer builds previews.
type Analyzer struct {
	files   *fileproc.Processor
	kinds   *core.Registry[repository.Binding]
	maxRows int
	now     func() time.Time
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithMaxRows bounds how many data rows are read. Larger files are
// reported as truncated.
func WithMaxRows(n int) Option {
	return func(a *Analyzer) {
		if n > 0 {
			a.maxRows = n
		}
	}
}

// New creates an Analyzer.
func New(files *fileproc.Processor, kinds *core.Registry[repository.Binding], opts ...Option) *Analyzer {
	a := &Analyzer{files: files, kinds: kinds, maxRows: DefaultMaxRows, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type validRow struct {
	index  int
	key    string
	record core.Record
}

// Analyze reads up to the row limit of fileRef and classifies every row.
func (a *Analyzer) Analyze(ctx context.Context, entityKind, fileRef string) (*Report, error) {
	start := a.now()

	binding, err := a.kinds.Get(strings.ToLower(strings.TrimSpace(entityKind)))
	if err != nil {
		return nil, err
	}
	desc := binding.Descriptor()

	rows, err := a.files.Parse(ctx, fileRef, desc, fileproc.Checkpoint{})
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rep := &Report{EntityKind: desc.Kind, FileRef: fileRef}
	seen := make(map[string][]int)
	var (
		order []string
		valid []validRow
	)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := rows.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if rep.Summary.TotalRows == a.maxRows {
			rep.Summary.Truncated = true
			break
		}
		rep.Summary.TotalRows++

		rec, err := rows.Validate(raw)
		if err != nil {
			rep.Summary.ErrorRows++
			if len(rep.ErrorSamples) < maxErrorSamples {
				sample := ErrorSample{RowIndex: raw.Index, Message: err.Error()}
				var ve *core.ValidationError
				if errors.As(err, &ve) {
					sample.Field = ve.Field
				}
				rep.ErrorSamples = append(rep.ErrorSamples, sample)
			}
			continue
		}

		key := naturalKey(desc, rec)
		if key != "" {
			if _, dup := seen[key]; !dup {
				order = append(order, key)
			}
			seen[key] = append(seen[key], raw.Index)
		}
		valid = append(valid, validRow{index: raw.Index, key: key, record: rec})
	}

	for _, key := range order {
		idx := seen[key]
		if len(idx) < 2 {
			continue
		}
		rep.Summary.DuplicateInFile += len(idx) - 1
		if len(rep.Duplicates) < maxDuplicateSamples {
			rep.Duplicates = append(rep.Duplicates, Duplicate{Key: key, RowIndexes: idx})
		}
	}

	existing, err := existingKeys(ctx, binding, order)
	if err != nil {
		return nil, fmt.Errorf("look up existing %s: %w", desc.Kind, err)
	}

	for _, row := range valid {
		sample := RowSample{RowIndex: row.index, Key: row.key, Values: row.record}
		if row.key != "" && existing[row.key] {
			rep.Summary.UpdateRows++
			if len(rep.UpdateSamples) < maxUpdateSamples {
				rep.UpdateSamples = append(rep.UpdateSamples, sample)
			}
			continue
		}
		rep.Summary.NewRows++
		if len(rep.NewSamples) < maxNewSamples {
			rep.NewSamples = append(rep.NewSamples, sample)
		}
	}

	rep.DurationMs = a.now().Sub(start).Milliseconds()
	return rep, nil
}

// naturalKey joins the natural key values; empty when the kind has none.
func naturalKey(desc *core.Descriptor, rec core.Record) string {
	if len(desc.NaturalKey) == 0 {
		return ""
	}
	parts := make([]string, len(desc.NaturalKey))
	for i, f := range desc.NaturalKey {
		parts[i] = core.FormatValue(rec[f])
	}
	return strings.Join(parts, "|")
}

// existingKeys reports which of keys are already stored. Single-field keys
// are looked up with IN batches; composite keys one at a time.
func existingKeys(ctx context.Context, b repository.Binding, keys []string) (map[string]bool, error) {
	desc := b.Descriptor()
	found := make(map[string]bool)
	if len(keys) == 0 {
		return found, nil
	}

	if len(desc.NaturalKey) == 1 {
		field := desc.NaturalKey[0]
		for start := 0; start < len(keys); start += keyBatchSize {
			batch := keys[start:min(start+keyBatchSize, len(keys))]
			recs, err := b.ReadRecords(ctx, repository.Query{
				Filter: repository.Filter{{Field: field, Op: repository.OpIn, Value: batch}},
				Page:   repository.Page{Number: 1, Size: len(batch)},
			})
			if err != nil {
				return nil, err
			}
			for _, r := range recs {
				found[naturalKey(desc, r)] = true
			}
		}
		return found, nil
	}

	for _, key := range keys {
		values := strings.Split(key, "|")
		f := make(repository.Filter, len(desc.NaturalKey))
		for i, field := range desc.NaturalKey {
			f[i] = repository.Condition{Field: field, Op: repository.OpEq, Value: values[i]}
		}
		recs, err := b.ReadRecords(ctx, repository.Query{Filter: f, Page: repository.Page{Number: 1, Size: 1}})
		if err != nil {
			return nil, err
		}
		if len(recs) > 0 {
			found[key] = true
		}
	}
	return found, nil
}
