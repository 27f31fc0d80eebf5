package job

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JonMunkholm/catalog/internal/core"
)

// Store persists job records.
//
// Save writes progress and status. It fails with core.ErrConflict when the
// stored job is already terminal, and it never clears a cancellation
// request: the stored flag is merged into j.
type Store interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Save(ctx context.Context, j *Job) error
	RequestCancel(ctx context.Context, id string, now time.Time) (*Job, error)
	List(ctx context.Context, limit int) ([]*Job, error)

	// Purge deletes up to limit terminal jobs that finished before cutoff
	// and returns them, oldest first.
	Purge(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*Job)}
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.jobs[j.ID]; dup {
		return fmt.Errorf("job %s: %w", j.ID, core.ErrConflict)
	}
	s.jobs[j.ID] = j.Clone()
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, core.ErrNotFound)
	}
	return j.Clone(), nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.jobs[j.ID]
	if !ok {
		return fmt.Errorf("job %s: %w", j.ID, core.ErrNotFound)
	}
	if !cur.Status.CanTransition(j.Status) {
		return fmt.Errorf("job %s is %s: %w", j.ID, cur.Status, core.ErrConflict)
	}
	j.CancelRequested = j.CancelRequested || cur.CancelRequested
	s.jobs[j.ID] = j.Clone()
	return nil
}

// RequestCancel implements Store.
func (s *MemoryStore) RequestCancel(_ context.Context, id string, now time.Time) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, core.ErrNotFound)
	}
	if j.Status.Terminal() {
		return j.Clone(), fmt.Errorf("job %s is %s: %w", id, j.Status, core.ErrConflict)
	}

	j.CancelRequested = true
	j.UpdatedAt = now
	if j.Status == StatusPending {
		j.Status = StatusCancelled
		j.Reason = reasonCancelledBeforeStart
		j.FinishedAt = &now
	}
	return j.Clone(), nil
}

// List implements Store. Newest jobs come first.
func (s *MemoryStore) List(_ context.Context, limit int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.After(out[b].CreatedAt)
		}
		return out[a].ID < out[b].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Purge implements Store.
func (s *MemoryStore) Purge(_ context.Context, cutoff time.Time, limit int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Job
	for _, j := range s.jobs {
		if j.Status.Terminal() && j.FinishedAt != nil && j.FinishedAt.Before(cutoff) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].FinishedAt.Equal(*out[b].FinishedAt) {
			return out[a].FinishedAt.Before(*out[b].FinishedAt)
		}
		return out[a].ID < out[b].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for _, j := range out {
		delete(s.jobs, j.ID)
	}
	return out, nil
}
