package job

// orchestrator.go drives import and export jobs through their lifecycle.
//
// An import streams the file in batches of BatchSize rows. After each batch
// the report and a {row, byte} checkpoint are saved together, so a job
// re-claimed after a crash resumes from the last saved batch; rows of the
// interrupted batch are written again, which upserts on the natural key make
// harmless. Cancellation and the abort threshold are both checked at batch
// boundaries.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/catalog/internal/blob"
	"github.com/JonMunkholm/catalog/internal/config"
	"github.com/JonMunkholm/catalog/internal/core"
	"github.com/JonMunkholm/catalog/internal/fileproc"
	"github.com/JonMunkholm/catalog/internal/logging"
	"github.com/JonMunkholm/catalog/internal/queue"
	"github.com/JonMunkholm/catalog/internal/repository"
	"github.com/JonMunkholm/catalog/internal/retry"
)

const (
	reasonCancelled            = "cancelled by request"
	reasonCancelledBeforeStart = "cancelled before start"
	reasonStorageUnavailable   = "storage unavailable"
)

// Deps are the collaborators an Orchestrator needs.
type Deps struct {
	Store    Store
	Queue    queue.Queue
	Blobs    blob.Store
	Kinds    *core.Registry[repository.Binding]
	Notifier Notifier // defaults to LogNotifier
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDGenerator replaces the job id generator.
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

// Orchestrator submits, runs, cancels and reports jobs.
type Orchestrator struct {
	store    Store
	queue    queue.Queue
	blobs    blob.Store
	files    *fileproc.Processor
	kinds    *core.Registry[repository.Binding]
	notifier Notifier
	cfg      config.JobConfig
	now      func() time.Time
	newID    func() string
}

// New creates an Orchestrator. Zero values in cfg fall back to defaults.
func New(d Deps, cfg config.JobConfig, opts ...Option) *Orchestrator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.ErrorPreview <= 0 {
		cfg.ErrorPreview = 100
	}
	if cfg.AbortMinRows < 0 {
		cfg.AbortMinRows = 0
	}
	if d.Notifier == nil {
		d.Notifier = LogNotifier{}
	}

	o := &Orchestrator{
		store:    d.Store,
		queue:    d.Queue,
		blobs:    d.Blobs,
		files:    fileproc.New(d.Blobs),
		kinds:    d.Kinds,
		notifier: d.Notifier,
		cfg:      cfg,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Register adds the import and export routes to d.
func (o *Orchestrator) Register(d *queue.Dispatcher, policy retry.Policy) {
	d.Register(string(KindImport), queue.Route{Handle: o.RunImport, Policy: policy, GiveUp: o.GiveUp})
	d.Register(string(KindExport), queue.Route{Handle: o.RunExport, Policy: policy, GiveUp: o.GiveUp})
}

// Request is a job submission.
type Request struct {
	Kind       Kind   `json:"kind"`
	EntityKind string `json:"entityKind"`
	FileRef    string `json:"fileRef"`

	// AbortThreshold is the largest tolerated fraction of failed rows. Nil
	// uses the configured default.
	AbortThreshold *float64 `json:"abortThreshold,omitempty"`

	// Query selects the rows of an export. Page is ignored.
	Query repository.Query `json:"query"`
}

// Submit validates req, records a Pending job and enqueues it.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (*Job, error) {
	if req.Kind == "" {
		req.Kind = KindImport
	}
	if !req.Kind.valid() {
		return nil, &core.ValidationError{Field: "kind", Value: string(req.Kind),
			Message: fmt.Sprintf("unknown job kind %q", req.Kind)}
	}

	binding, err := o.kinds.Get(strings.ToLower(strings.TrimSpace(req.EntityKind)))
	if err != nil {
		return nil, err
	}
	desc := binding.Descriptor()

	threshold := o.cfg.AbortThreshold
	if req.AbortThreshold != nil {
		threshold = *req.AbortThreshold
	}
	if math.IsNaN(threshold) || threshold < 0 || threshold > 1 {
		return nil, &core.ValidationError{Field: "abortThreshold", Value: fmt.Sprint(threshold),
			Message: "abortThreshold must be between 0 and 1"}
	}

	now := o.now()
	id := o.newID()
	ctx = logging.WithJob(ctx, id)
	j := &Job{
		ID:             id,
		Kind:           req.Kind,
		EntityKind:     desc.Kind,
		AbortThreshold: threshold,
		Status:         StatusPending,
		Report:         Report{JobID: id},
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	switch req.Kind {
	case KindImport:
		if strings.TrimSpace(req.FileRef) == "" {
			return nil, &core.ValidationError{Field: "fileRef", Message: "fileRef is required"}
		}
		j.FileRef = req.FileRef
	case KindExport:
		if _, err := repository.Normalize(desc, req.Query); err != nil {
			return nil, err
		}
		j.Query = repository.Query{Filter: req.Query.Filter, Sort: req.Query.Sort}
		j.FileRef = blob.ExportKey(now, id)
	}

	if err := o.store.Create(ctx, j); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if _, err := o.queue.Enqueue(ctx, queue.Task{Kind: string(j.Kind), JobID: j.ID}); err != nil {
		if ferr := o.finish(ctx, j, StatusFailed, "enqueue failed"); ferr != nil {
			logging.FromContext(ctx).Error("failed to finalize unqueued job", "error", ferr)
		}
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	logging.FromContext(ctx).Info("job submitted",
		"kind", j.Kind,
		"entity_kind", j.EntityKind,
		"file_ref", j.FileRef,
		"abort_threshold", j.AbortThreshold,
	)
	return j, nil
}

// Status returns the job with its row error list capped to the preview size.
func (o *Orchestrator) Status(ctx context.Context, id string) (*Job, error) {
	j, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	j.Report = j.Report.Preview(o.cfg.ErrorPreview)
	return j, nil
}

// List returns recent jobs without their row errors.
func (o *Orchestrator) List(ctx context.Context, limit int) ([]*Job, error) {
	jobs, err := o.store.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		j.Report = j.Report.Preview(0)
	}
	return jobs, nil
}

// ErrorPreview is the cap Status applies to row errors.
func (o *Orchestrator) ErrorPreview() int { return o.cfg.ErrorPreview }

// Cancel requests cancellation. A Pending job is cancelled at once; a Running
// job stops at its next batch boundary. Cancelling a finished job returns it
// with core.ErrConflict.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*Job, error) {
	j, err := o.store.RequestCancel(ctx, id, o.now())
	if err != nil {
		return j, err
	}

	ctx = logging.WithJob(ctx, j.ID)
	log := logging.WithFields(ctx, "entity_kind", j.EntityKind)
	if j.Status == StatusCancelled {
		log.Info("job cancelled before start", "status", j.Status)
		o.notify(ctx, j)
	} else {
		log.Info("job cancellation requested", "status", j.Status)
	}
	return j, nil
}

// RunImport is the queue handler for import tasks.
func (o *Orchestrator) RunImport(ctx context.Context, t queue.Task) error {
	ctx = logging.WithJob(ctx, t.JobID)
	j, binding, err := o.begin(ctx, t)
	if err != nil || j == nil {
		return o.settle(ctx, j, err)
	}
	return o.settle(ctx, j, o.runImport(ctx, j, binding))
}

// RunExport is the queue handler for export tasks.
func (o *Orchestrator) RunExport(ctx context.Context, t queue.Task) error {
	ctx = logging.WithJob(ctx, t.JobID)
	j, binding, err := o.begin(ctx, t)
	if err != nil || j == nil {
		return o.settle(ctx, j, err)
	}
	return o.settle(ctx, j, o.runExport(ctx, j, binding))
}

// GiveUp fails the job of a task whose transient retries ran out.
func (o *Orchestrator) GiveUp(ctx context.Context, t queue.Task, cause error) {
	ctx = logging.WithJob(ctx, t.JobID)
	log := logging.FromContext(ctx)

	j, err := o.store.Get(ctx, t.JobID)
	if err != nil {
		log.Error("cannot load job to fail it", "error", err)
		return
	}
	if j.Status.Terminal() {
		return
	}
	if err := o.finish(ctx, j, StatusFailed, fmt.Sprintf("%s: %v", reasonStorageUnavailable, cause)); err != nil {
		log.Error("cannot fail job", "error", err)
	}
}

// begin loads the job for t and marks it Running. A nil job with a nil error
// means there is nothing to do.
func (o *Orchestrator) begin(ctx context.Context, t queue.Task) (*Job, repository.Binding, error) {
	log := logging.FromContext(ctx)

	j, err := o.store.Get(ctx, t.JobID)
	if errors.Is(err, core.ErrNotFound) {
		log.Warn("task references unknown job, dropping")
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	if j.Status.Terminal() {
		log.Debug("job already finished", "status", j.Status)
		return nil, nil, nil
	}

	binding, err := o.kinds.Get(j.EntityKind)
	if err != nil {
		return j, nil, fatal("unknown entity kind", err)
	}

	now := o.now()
	resumed := j.Status == StatusRunning
	if !resumed {
		j.Status = StatusRunning
		j.StartedAt = &now
	}
	j.UpdatedAt = now
	if err := o.store.Save(ctx, j); err != nil {
		if errors.Is(err, core.ErrConflict) {
			log.Info("job finished before it started")
			return nil, nil, nil
		}
		return nil, nil, err
	}

	log = log.With("kind", j.Kind, "entity_kind", j.EntityKind, "attempt", t.Attempt)
	if resumed {
		log.Info("job resumed", "status", j.Status, "row_offset", j.Checkpoint.RowOffset)
	} else {
		log.Info("job started", "status", j.Status)
	}
	return j, binding, nil
}

// settle turns the outcome of a run into a task result. Fatal errors finish
// the job; transient and interruption errors go back to the dispatcher so
// the task is retried or released.
func (o *Orchestrator) settle(ctx context.Context, j *Job, err error) error {
	if err == nil {
		return nil
	}

	var fe *FatalError
	switch {
	case ctx.Err() != nil:
		logging.FromContext(ctx).Info("job interrupted", "error", err)
		return err
	case j == nil:
		return err
	case errors.As(err, &fe):
		return o.finish(ctx, j, StatusFailed, fe.Error())
	case core.IsTransient(err):
		return err
	default:
		return o.finish(ctx, j, StatusFailed, err.Error())
	}
}

func (o *Orchestrator) runImport(ctx context.Context, j *Job, binding repository.Binding) error {
	rows, err := o.files.Parse(ctx, j.FileRef, binding.Descriptor(), j.Checkpoint)
	if err != nil {
		if ctx.Err() != nil || core.IsTransient(err) {
			return err
		}
		return fatal("file unreadable", err)
	}
	defer rows.Close()

	log := logging.WithFields(ctx, "entity_kind", j.EntityKind)
	for {
		if j.CancelRequested {
			return o.finish(ctx, j, StatusCancelled, reasonCancelled)
		}

		batch, done, err := o.readBatch(rows)
		if err != nil {
			if ctx.Err() != nil || core.IsTransient(err) {
				return err
			}
			return fatal("file unreadable", err)
		}

		if len(batch) > 0 {
			start := time.Now()
			n, applyErr := o.applyBatch(ctx, j, rows, binding, batch)
			if n > 0 {
				last := batch[n-1]
				j.Checkpoint = fileproc.Checkpoint{RowOffset: last.Index, ByteOffset: last.End}
				j.UpdatedAt = o.now()
				if err := o.store.Save(ctx, j); err != nil {
					return err
				}
				log.Debug("batch committed",
					"rows", n,
					"row_offset", last.Index,
					"succeeded", j.Report.Succeeded,
					"failed", j.Report.Failed,
					"duration_ms", time.Since(start).Milliseconds(),
				)
			}
			if applyErr != nil {
				return applyErr
			}

			if !done && o.overThreshold(j, j.Report.Succeeded, j.Report.Failed) {
				return fatal(abortReason(j), nil)
			}
		}

		if done {
			break
		}
	}

	switch {
	case j.Report.ErrorRatio() > j.AbortThreshold:
		return fatal(abortReason(j), nil)
	case j.Report.Failed > 0:
		return o.finish(ctx, j, StatusCompletedWithErrors, "")
	default:
		return o.finish(ctx, j, StatusCompleted, "")
	}
}

// readBatch reads up to BatchSize rows. done reports end of file.
func (o *Orchestrator) readBatch(rows *fileproc.Rows) (batch []fileproc.RawRow, done bool, err error) {
	batch = make([]fileproc.RawRow, 0, o.cfg.BatchSize)
	for len(batch) < o.cfg.BatchSize {
		raw, err := rows.Next()
		if errors.Is(err, io.EOF) {
			return batch, true, nil
		}
		if err != nil {
			return nil, false, err
		}
		batch = append(batch, raw)
	}
	return batch, false, nil
}

// applyBatch validates and writes one batch, folding row outcomes into the
// report. It returns how many leading rows of batch were accounted for, and
// an error when the batch stopped early: a job-scoped failure, or the abort
// threshold tripping during validation. Rows past the stopping point are
// neither written nor counted.
func (o *Orchestrator) applyBatch(ctx context.Context, j *Job, rows *fileproc.Rows, binding repository.Binding, batch []fileproc.RawRow) (int, error) {
	var (
		outcomes = make([]error, len(batch))
		recs     = make([]core.Record, 0, len(batch))
		pos      = make([]int, 0, len(batch))
		n        = len(batch)
		tripped  bool
	)
	succeeded, failed := j.Report.Succeeded, j.Report.Failed
	for i, raw := range batch {
		rec, err := rows.Validate(raw)
		if err != nil {
			outcomes[i] = err
			failed++
		} else {
			recs = append(recs, rec)
			pos = append(pos, i)
			succeeded++
		}
		// Valid rows count as successes here; write failures only raise the
		// ratio, so a trip on this estimate stands.
		if o.overThreshold(j, succeeded, failed) {
			n, tripped = i+1, true
			break
		}
	}

	var halt error
	for k, err := range binding.WriteRecords(ctx, recs) {
		i := pos[k]
		switch {
		case err == nil:
			continue
		case repository.IsRowError(err):
			outcomes[i] = err
			continue
		case ctx.Err() != nil:
			return 0, ctx.Err()
		case core.IsTransient(err):
			halt = fmt.Errorf("row %d: %w", batch[i].Index, err)
		default:
			halt = fatal("storage error", fmt.Errorf("row %d: %w", batch[i].Index, err))
		}
		n = i
		break
	}

	var rowErrs []RowError
	committed := 0
	for i := range n {
		if outcomes[i] == nil {
			committed++
			continue
		}
		rowErrs = append(rowErrs, RowError{RowIndex: batch[i].Index, Message: rowMessage(outcomes[i])})
	}

	log := logging.FromContext(ctx)
	for _, re := range rowErrs {
		log.Debug("row rejected", "row", re.RowIndex, "error", re.Message)
	}

	j.Report.TotalRows += n
	j.Report.Succeeded += committed
	j.Report.addErrors(rowErrs)

	switch {
	case halt != nil:
		return n, halt
	case tripped:
		return n, fatal(abortReason(j), nil)
	}
	return n, nil
}

// overThreshold reports whether the given counts exceed j's abort threshold
// once at least AbortMinRows rows were processed.
func (o *Orchestrator) overThreshold(j *Job, succeeded, failed int) bool {
	processed := succeeded + failed
	if processed == 0 || processed < o.cfg.AbortMinRows {
		return false
	}
	return float64(failed)/float64(processed) > j.AbortThreshold
}

// finish moves j to a terminal status, saves it and sends the notification.
func (o *Orchestrator) finish(ctx context.Context, j *Job, status Status, reason string) error {
	now := o.now()
	j.Status = status
	j.Reason = reason
	j.FinishedAt = &now
	j.UpdatedAt = now
	j.Report.JobID = j.ID

	if err := o.store.Save(ctx, j); err != nil {
		return fmt.Errorf("finalize job %s: %w", j.ID, err)
	}

	var duration time.Duration
	if j.StartedAt != nil {
		duration = now.Sub(*j.StartedAt)
	}
	logging.FromContext(ctx).Info("job finished",
		"entity_kind", j.EntityKind,
		"status", j.Status,
		"reason", j.Reason,
		"total_rows", j.Report.TotalRows,
		"succeeded", j.Report.Succeeded,
		"failed", j.Report.Failed,
		"duration_ms", duration.Milliseconds(),
	)

	o.notify(ctx, j)
	return nil
}

func (o *Orchestrator) notify(ctx context.Context, j *Job) {
	ctx = context.WithoutCancel(ctx)
	if err := o.notifier.Notify(ctx, notificationFor(j)); err != nil {
		logging.FromContext(ctx).Error("job notification failed",
			"status", j.Status,
			"error", err,
		)
	}
}

func abortReason(j *Job) string {
	return fmt.Sprintf("abort threshold exceeded: %d of %d rows failed (threshold %g)",
		j.Report.Failed, j.Report.Succeeded+j.Report.Failed, j.AbortThreshold)
}

func rowMessage(err error) string {
	var ve *core.ValidationError
	if errors.As(err, &ve) {
		return ve.Message
	}
	return err.Error()
}
