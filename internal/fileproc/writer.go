package fileproc

import (
	"encoding/csv"
	"io"

	"github.com/JonMunkholm/catalog/internal/core"
)

// Writer encodes records as CSV in a descriptor's field order. Output
// parses back through Processor with the same descriptor.
type Writer struct {
	csv    *csv.Writer
	fields []string
	rows   int
}

// NewWriter writes the header row for desc to w.
func NewWriter(w io.Writer, desc *core.Descriptor) (*Writer, error) {
	cw := csv.NewWriter(w)
	fields := desc.Columns()
	if err := cw.Write(fields); err != nil {
		return nil, err
	}
	return &Writer{csv: cw, fields: fields}, nil
}

// Write appends one record.
func (w *Writer) Write(rec core.Record) error {
	row := make([]string, len(w.fields))
	for i, f := range w.fields {
		row[i] = core.FormatValue(rec[f])
	}
	w.rows++
	return w.csv.Write(row)
}

// Rows returns the number of records written.
func (w *Writer) Rows() int { return w.rows }

// Flush writes buffered data and reports any write error.
func (w *Writer) Flush() error {
	w.csv.Flush()
	return w.csv.Error()
}
