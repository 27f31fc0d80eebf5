package job

// retention.go purges finished jobs on a schedule.
//
// Each cycle deletes terminal jobs whose FinishedAt is older than the
// retention window, in batches, and removes the export file each purged
// export job produced. Uploaded import files are left alone since one
// upload can back several jobs.
//
// A failing cycle is logged and retried on the next tick; it never stops the
// scheduler.

import (
	"context"
	"log/slog"
	"time"

	"github.com/JonMunkholm/catalog/internal/blob"
)

// RetentionConfig controls Purge and StartRetention.
type RetentionConfig struct {
	MaxAge   time.Duration // finished jobs older than this are purged
	Batch    int           // jobs per store round trip (default: 500)
	Interval time.Duration // time between cycles (default: 24h)
}

func (c RetentionConfig) withDefaults() RetentionConfig {
	if c.Batch <= 0 {
		c.Batch = 500
	}
	if c.Interval <= 0 {
		c.Interval = 24 * time.Hour
	}
	return c
}

// StartRetention runs a purge immediately and then every cfg.Interval until
// ctx ends. It blocks; run it in its own goroutine.
func (o *Orchestrator) StartRetention(ctx context.Context, cfg RetentionConfig) {
	cfg = cfg.withDefaults()
	slog.Info("job retention started",
		"max_age", cfg.MaxAge.String(),
		"batch_size", cfg.Batch,
		"interval", cfg.Interval.String(),
	)

	o.runRetention(ctx, cfg)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("job retention stopped")
			return
		case <-ticker.C:
			o.runRetention(ctx, cfg)
		}
	}
}

func (o *Orchestrator) runRetention(ctx context.Context, cfg RetentionConfig) {
	start := time.Now()
	purged, err := o.Purge(ctx, cfg)
	if err != nil {
		slog.Error("job purge failed", "purged", purged, "error", err)
		return
	}
	slog.Info("job purge completed",
		"purged", purged,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Purge deletes every terminal job that finished more than cfg.MaxAge ago,
// along with its export file, and returns how many jobs were removed.
func (o *Orchestrator) Purge(ctx context.Context, cfg RetentionConfig) (int, error) {
	cfg = cfg.withDefaults()
	cutoff := o.now().Add(-cfg.MaxAge)

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		jobs, err := o.store.Purge(ctx, cutoff, cfg.Batch)
		if err != nil {
			return total, err
		}
		total += len(jobs)

		for _, j := range jobs {
			if j.Kind != KindExport || j.FileRef == "" || !blob.IsExportKey(j.FileRef) {
				continue
			}
			if err := o.blobs.Delete(ctx, j.FileRef); err != nil {
				slog.Warn("export file not removed", "job_id", j.ID, "file_ref", j.FileRef, "error", err)
			}
		}

		if len(jobs) < cfg.Batch {
			return total, nil
		}
	}
}
