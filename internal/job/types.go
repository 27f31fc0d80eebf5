// Package job runs bulk imports and exports as background jobs: it owns the
// job state machine, the per-row report, durable checkpoints and terminal
// notification.
package job

import (
	"fmt"
	"sort"
	"time"

	"github.com/JonMunkholm/catalog/internal/fileproc"
	"github.com/JonMunkholm/catalog/internal/repository"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusPending             Status = "pending"
	StatusRunning             Status = "running"
	StatusCompleted           Status = "completed"
	StatusCompletedWithErrors Status = "completed_with_errors"
	StatusFailed              Status = "failed"
	StatusCancelled           Status = "cancelled"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithErrors, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a job may move from s to next. Running to
// Running is allowed so a re-claimed job can resume.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusCancelled || next == StatusFailed
	case StatusRunning:
		return next == StatusRunning || next.Terminal()
	}
	return false
}

// Kind selects what a job does. Each kind is a route in the task dispatch
// table.
type Kind string

const (
	KindImport Kind = "import"
	KindExport Kind = "export"
)

func (k Kind) valid() bool { return k == KindImport || k == KindExport }

// RowError is one rejected row. RowIndex is 1-based over data rows.
type RowError struct {
	RowIndex int    `json:"rowIndex"`
	Message  string `json:"message"`
}

// Report aggregates row outcomes. RowErrors is ordered by RowIndex.
type Report struct {
	JobID     string     `json:"jobId"`
	TotalRows int        `json:"totalRows"`
	Succeeded int        `json:"succeeded"`
	Failed    int        `json:"failed"`
	RowErrors []RowError `json:"rowErrors"`
}

// addErrors records failures for one batch. Batches arrive in file order, so
// only the new entries need sorting.
func (r *Report) addErrors(errs []RowError) {
	if len(errs) == 0 {
		return
	}
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].RowIndex < errs[j].RowIndex })
	r.RowErrors = append(r.RowErrors, errs...)
	r.Failed += len(errs)
}

// ErrorRatio is Failed over processed rows, 0 for an empty report.
func (r Report) ErrorRatio() float64 {
	n := r.Succeeded + r.Failed
	if n == 0 {
		return 0
	}
	return float64(r.Failed) / float64(n)
}

// Summary is a one-line human description of the counts.
func (r Report) Summary() string {
	return fmt.Sprintf("%d of %d rows succeeded, %d failed", r.Succeeded, r.TotalRows, r.Failed)
}

// Preview returns a copy with at most n row errors. Counts are unchanged.
func (r Report) Preview(n int) Report {
	out := r
	if n >= 0 && len(r.RowErrors) > n {
		out.RowErrors = r.RowErrors[:n]
	}
	out.RowErrors = append([]RowError(nil), out.RowErrors...)
	return out
}

func (r Report) clone() Report {
	r.RowErrors = append([]RowError(nil), r.RowErrors...)
	return r
}

// Job is the durable record of one bulk operation. Once Status is terminal
// the record is never modified again.
type Job struct {
	ID              string              `json:"id"`
	Kind            Kind                `json:"kind"`
	EntityKind      string              `json:"entityKind"`
	FileRef         string              `json:"fileRef"`
	Query           repository.Query    `json:"query"`
	AbortThreshold  float64             `json:"abortThreshold"`
	Status          Status              `json:"status"`
	Reason          string              `json:"reason,omitempty"`
	CancelRequested bool                `json:"cancelRequested"`
	Checkpoint      fileproc.Checkpoint `json:"checkpoint"`
	Report          Report              `json:"report"`
	CreatedAt       time.Time           `json:"createdAt"`
	StartedAt       *time.Time          `json:"startedAt,omitempty"`
	FinishedAt      *time.Time          `json:"finishedAt,omitempty"`
	UpdatedAt       time.Time           `json:"updatedAt"`
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	c := *j
	c.Report = j.Report.clone()
	c.Query.Filter = append(repository.Filter(nil), j.Query.Filter...)
	c.Query.Sort = append([]repository.SortSpec(nil), j.Query.Sort...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// FatalError halts a job and moves it to Failed with Reason.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func fatal(reason string, err error) error {
	return &FatalError{Reason: reason, Err: err}
}
