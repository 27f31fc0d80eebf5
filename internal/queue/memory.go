package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/catalog/internal/core"
)

// MemoryQueue is an in-process Queue.
type MemoryQueue struct {
	mu    sync.Mutex
	opts  options
	tasks map[string]*memTask
	order []string
}

type memTask struct {
	task         Task
	claimedUntil time.Time
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue(opts ...Option) *MemoryQueue {
	return &MemoryQueue{
		opts:  buildOptions(opts),
		tasks: make(map[string]*memTask),
	}
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(ctx context.Context, t Task) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.now()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if _, dup := q.tasks[t.ID]; dup {
		return Task{}, fmt.Errorf("task %s: %w", t.ID, core.ErrConflict)
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = now
	}
	t.CreatedAt = now
	t.Attempt = 0

	q.tasks[t.ID] = &memTask{task: t}
	q.order = append(q.order, t.ID)
	return t, nil
}

// Claim implements Queue. The ready task with the earliest NotBefore wins;
// ties go to the task enqueued first.
func (q *MemoryQueue) Claim(ctx context.Context) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.now()
	var best *memTask
	for _, id := range q.order {
		mt := q.tasks[id]
		if mt.task.NotBefore.After(now) || mt.claimedUntil.After(now) {
			continue
		}
		if best == nil || mt.task.NotBefore.Before(best.task.NotBefore) {
			best = mt
		}
	}
	if best == nil {
		return Task{}, ErrEmpty
	}

	best.task.Attempt++
	best.claimedUntil = now.Add(q.opts.lease)
	return best.task, nil
}

// Ack implements Queue.
func (q *MemoryQueue) Ack(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.tasks[id]; !ok {
		return fmt.Errorf("task %s: %w", id, core.ErrNotFound)
	}
	delete(q.tasks, id)
	for i, tid := range q.order {
		if tid == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return nil
}

// Nack implements Queue.
func (q *MemoryQueue) Nack(_ context.Context, id string, retryAfter time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	mt, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, core.ErrNotFound)
	}
	mt.claimedUntil = time.Time{}
	mt.task.NotBefore = q.opts.now().Add(retryAfter)
	return nil
}

// Extend implements Extender.
func (q *MemoryQueue) Extend(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	mt, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, core.ErrNotFound)
	}
	mt.claimedUntil = q.opts.now().Add(q.opts.lease)
	return nil
}

// Len returns the number of tasks not yet acknowledged.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Peek returns a copy of the task with id.
func (q *MemoryQueue) Peek(id string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	mt, ok := q.tasks[id]
	if !ok {
		return Task{}, false
	}
	return mt.task, true
}
