package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/catalog/internal/core"
	"github.com/JonMunkholm/catalog/internal/fileproc"
	"github.com/JonMunkholm/catalog/internal/logging"
	"github.com/JonMunkholm/catalog/internal/repository"
)

var errExportCancelled = errors.New("export cancelled")

// runExport pages through the job's query and streams the rows as CSV into
// the blob store. An export is not resumable: a re-claimed export starts
// over and replaces the object.
func (o *Orchestrator) runExport(ctx context.Context, j *Job, binding repository.Binding) error {
	if j.CancelRequested {
		return o.finish(ctx, j, StatusCancelled, reasonCancelled)
	}
	j.Report = Report{JobID: j.ID}
	j.Checkpoint = fileproc.Checkpoint{}

	start := time.Now()
	pr, pw := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)

	var werr error
	g.Go(func() error {
		werr = o.writeExport(gctx, j, binding, pw)
		pw.CloseWithError(werr)
		return werr
	})
	g.Go(func() error {
		err := o.blobs.Put(gctx, j.FileRef, pr, -1)
		pr.CloseWithError(err)
		return err
	})

	err := g.Wait()
	switch {
	case errors.Is(werr, errExportCancelled):
		if derr := o.blobs.Delete(context.WithoutCancel(ctx), j.FileRef); derr != nil {
			logging.FromContext(ctx).Warn("cannot remove partial export", "file_ref", j.FileRef, "error", derr)
		}
		return o.finish(ctx, j, StatusCancelled, reasonCancelled)
	case err != nil:
		if ctx.Err() != nil || core.IsTransient(err) {
			return err
		}
		return fatal("export failed", err)
	}

	logging.FromContext(ctx).Info("export written",
		"file_ref", j.FileRef,
		"rows", j.Report.Succeeded,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return o.finish(ctx, j, StatusCompleted, "")
}

// writeExport writes one page per batch, saving progress and checking for
// cancellation between pages.
func (o *Orchestrator) writeExport(ctx context.Context, j *Job, binding repository.Binding, w io.Writer) error {
	cw, err := fileproc.NewWriter(w, binding.Descriptor())
	if err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	size := min(o.cfg.BatchSize, repository.MaxPageSize)
	q := j.Query
	for page := 1; ; page++ {
		q.Page = repository.Page{Number: page, Size: size}
		recs, err := binding.ReadRecords(ctx, q)
		if err != nil {
			return fmt.Errorf("read page %d: %w", page, err)
		}
		for _, rec := range recs {
			if err := cw.Write(rec); err != nil {
				return err
			}
		}
		if err := cw.Flush(); err != nil {
			return err
		}

		j.Report.TotalRows = cw.Rows()
		j.Report.Succeeded = cw.Rows()
		j.Checkpoint.RowOffset = cw.Rows()
		j.UpdatedAt = o.now()
		if err := o.store.Save(ctx, j); err != nil {
			return err
		}
		if len(recs) < size {
			return nil
		}
		if j.CancelRequested {
			return errExportCancelled
		}
	}
}
