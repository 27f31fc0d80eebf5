package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/JonMunkholm/catalog/internal/core"
	"github.com/JonMunkholm/catalog/internal/logging"
	"github.com/JonMunkholm/catalog/internal/retry"
)

// ErrUnknownTask is returned when no route is registered for a task kind.
var ErrUnknownTask = errors.New("unknown task kind")

// Handler runs one task. A transient error (core.IsTransient) asks for a
// retry; any other error is final.
type Handler func(ctx context.Context, t Task) error

// Route binds a task kind to its handler and retry policy.
type Route struct {
	Handle Handler
	Policy retry.Policy

	// GiveUp, when set, is called once a transient failure has used up the
	// policy's attempts. The task is acknowledged afterwards.
	GiveUp func(ctx context.Context, t Task, err error)
}

// Dispatcher is a dispatch table keyed by task kind. Routes are registered
// at startup; dispatching an unregistered kind is an error, never a guess.
type Dispatcher struct {
	routes map[string]Route
}

// NewDispatcher creates an empty table.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{routes: make(map[string]Route)}
}

// Register adds a route. It panics on a duplicate kind or a nil handler.
func (d *Dispatcher) Register(kind string, r Route) {
	if r.Handle == nil {
		panic(fmt.Sprintf("queue: nil handler for %q", kind))
	}
	if _, dup := d.routes[kind]; dup {
		panic(fmt.Sprintf("queue: duplicate route for %q", kind))
	}
	d.routes[kind] = r
}

// Kinds returns the registered kinds sorted.
func (d *Dispatcher) Kinds() []string {
	kinds := make([]string, 0, len(d.routes))
	for k := range d.routes {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Has reports whether kind has a route.
func (d *Dispatcher) Has(kind string) bool {
	_, ok := d.routes[kind]
	return ok
}

// Dispatch runs t through its route and settles it on q: ack on success or
// final failure, nack with the policy's backoff on a retryable failure. A
// task interrupted by ctx is released immediately for another worker.
func (d *Dispatcher) Dispatch(ctx context.Context, q Queue, t Task) error {
	log := logging.WithFields(ctx, "task_id", t.ID, "task_kind", t.Kind, "job_id", t.JobID, "attempt", t.Attempt)

	route, ok := d.routes[t.Kind]
	if !ok {
		log.Error("no route for task, dropping")
		if err := q.Ack(ctx, t.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %q", ErrUnknownTask, t.Kind)
	}

	start := time.Now()
	err := route.Handle(ctx, t)
	settle := context.WithoutCancel(ctx)

	switch {
	case err == nil:
		log.Debug("task done", "duration_ms", time.Since(start).Milliseconds())
		return q.Ack(settle, t.ID)

	case ctx.Err() != nil:
		log.Info("task interrupted, releasing", "error", err)
		return q.Nack(settle, t.ID, 0)

	case core.IsTransient(err) && !route.Policy.Exhausted(t.Attempt):
		delay := route.Policy.Backoff(t.Attempt)
		log.Warn("task failed, retrying", "retry_after", delay, "error", err)
		return q.Nack(settle, t.ID, delay)

	case core.IsTransient(err):
		log.Error("task retries exhausted", "error", err)
		if route.GiveUp != nil {
			route.GiveUp(settle, t, err)
		}
		return q.Ack(settle, t.ID)

	default:
		log.Error("task failed", "error", err)
		return q.Ack(settle, t.ID)
	}
}
