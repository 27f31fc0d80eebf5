// Package queue adapts a task-queue substrate to the job system: tasks are
// enqueued, claimed under a lease, then acknowledged or returned with a
// delay. A claimed task whose lease runs out without an ack becomes
// claimable again, which is how work held by a crashed worker is recovered.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrEmpty is returned by Claim when no task is ready.
var ErrEmpty = errors.New("queue empty")

// Task is one unit of queued work. The payload is a job reference; the job
// store holds everything else.
type Task struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	JobID     string    `json:"jobId"`
	Attempt   int       `json:"attempt"` // claims so far, including the current one
	NotBefore time.Time `json:"notBefore"`
	CreatedAt time.Time `json:"createdAt"`
}

// Queue is the task-queue substrate.
type Queue interface {
	// Enqueue stores t and returns it with ID and timestamps filled in.
	Enqueue(ctx context.Context, t Task) (Task, error)

	// Claim leases the oldest ready task. Returns ErrEmpty when none is ready.
	Claim(ctx context.Context) (Task, error)

	// Ack removes a finished task.
	Ack(ctx context.Context, id string) error

	// Nack releases a claimed task so it can be claimed again after retryAfter.
	Nack(ctx context.Context, id string, retryAfter time.Duration) error
}

// Extender is implemented by queues whose leases can be renewed while a
// long task runs.
type Extender interface {
	Extend(ctx context.Context, id string) error
}

// Option configures a queue implementation.
type Option func(*options)

type options struct {
	now   func() time.Time
	lease time.Duration
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLease sets how long a claim stays exclusive.
func WithLease(d time.Duration) Option {
	return func(o *options) { o.lease = d }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, lease: 15 * time.Minute}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
