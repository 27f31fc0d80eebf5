// Package fileproc streams uploaded CSV files into validated records.
//
// Files are never loaded whole: rows are decoded one at a time from the blob
// store. A parse can start from a checkpoint, either by skipping a number of
// rows or, when a byte offset is known, by reopening the object at that
// offset so already processed bytes are not read again.
package fileproc

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/JonMunkholm/catalog/internal/blob"
	"github.com/JonMunkholm/catalog/internal/core"
)

// ErrEmptyFile is returned for a file with no header row.
var ErrEmptyFile = errors.New("file is empty")

// Checkpoint is a resumable position in a file. RowOffset rows have been
// fully processed; ByteOffset, when non-zero, is the offset just past the
// last of them.
type Checkpoint struct {
	RowOffset  int   `json:"rowOffset"`
	ByteOffset int64 `json:"byteOffset"`
}

// RawRow is one undecoded data row.
type RawRow struct {
	Index  int      // 1-based, header and blank lines excluded
	Values []string // cells as read
	End    int64    // byte offset just past the row
}

// Processor opens files from a blob store.
type Processor struct {
	store blob.Store
}

// New creates a Processor reading from store.
func New(store blob.Store) *Processor {
	return &Processor{store: store}
}

// Parse opens fileRef, checks its header against desc and returns a reader
// positioned after from.
func (p *Processor) Parse(ctx context.Context, fileRef string, desc *core.Descriptor, from Checkpoint) (*Rows, error) {
	rc, err := p.store.Open(ctx, fileRef)
	if err != nil {
		return nil, err
	}

	br := bufio.NewReader(rc)
	bom := int64(skipBOM(br))
	cr := newCSVReader(newUTF8Sanitizer(br))

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		rc.Close()
		return nil, fmt.Errorf("%s: %w", fileRef, ErrEmptyFile)
	}
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("parse error in header: %w", err)
	}

	idx, err := core.ValidateHeaders(header, desc)
	if err != nil {
		rc.Close()
		return nil, err
	}

	rows := &Rows{
		rc:        rc,
		csv:       cr,
		header:    header,
		validator: core.NewRowValidator(desc, idx),
		base:      bom,
		index:     0,
		skip:      from.RowOffset,
	}

	headerEnd := bom + cr.InputOffset()
	if from.ByteOffset > 0 && from.RowOffset > 0 {
		if from.ByteOffset < headerEnd {
			rc.Close()
			return nil, fmt.Errorf("checkpoint offset %d is inside the header", from.ByteOffset)
		}
		rc.Close()

		rest, err := p.store.OpenRange(ctx, fileRef, from.ByteOffset)
		if err != nil {
			return nil, err
		}
		rows.rc = rest
		rows.csv = newCSVReader(newUTF8Sanitizer(rest))
		rows.base = from.ByteOffset
		rows.index = from.RowOffset
		rows.skip = 0
	}
	return rows, nil
}

func newCSVReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	return cr
}

// Rows is a lazy, finite sequence of rows in file order.
type Rows struct {
	rc        io.ReadCloser
	csv       *csv.Reader
	header    []string
	validator *core.RowValidator
	base      int64
	index     int
	skip      int
}

// Header returns the file's header row.
func (r *Rows) Header() []string { return r.header }

// Next returns the next data row, or io.EOF after the last one. Rows whose
// cells are all empty are skipped and not counted.
func (r *Rows) Next() (RawRow, error) {
	for {
		values, err := r.csv.Read()
		if errors.Is(err, io.EOF) {
			return RawRow{}, io.EOF
		}
		if err != nil {
			return RawRow{}, fmt.Errorf("parse error after row %d: %w", r.index, err)
		}
		if blank(values) {
			continue
		}

		r.index++
		row := RawRow{Index: r.index, Values: values, End: r.base + r.csv.InputOffset()}
		if r.index <= r.skip {
			continue
		}
		return row, nil
	}
}

// Validate turns raw into a record. The error is always a
// *core.ValidationError.
func (r *Rows) Validate(raw RawRow) (core.Record, error) {
	return r.validator.Validate(raw.Values)
}

// Close releases the underlying object.
func (r *Rows) Close() error {
	return r.rc.Close()
}

func blank(values []string) bool {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
