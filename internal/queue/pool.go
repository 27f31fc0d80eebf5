package queue

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/catalog/internal/logging"
)

// Pool runs a fixed number of workers that claim and dispatch tasks. The
// worker count bounds how many jobs run at once in this process.
type Pool struct {
	queue      Queue
	dispatcher *Dispatcher
	workers    int
	poll       time.Duration
	heartbeat  time.Duration
}

// NewPool creates a pool. heartbeat, when positive and the queue is an
// Extender, renews the lease of running tasks at that interval.
func NewPool(q Queue, d *Dispatcher, workers int, poll, heartbeat time.Duration) *Pool {
	if workers < 1 {
		workers = 1
	}
	if poll <= 0 {
		poll = time.Second
	}
	return &Pool{queue: q, dispatcher: d, workers: workers, poll: poll, heartbeat: heartbeat}
}

// Run blocks until ctx ends. In-flight tasks see the cancellation and are
// released back to the queue.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		worker := i
		g.Go(func() error {
			p.work(ctx, worker)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) work(ctx context.Context, worker int) {
	log := logging.WithFields(ctx, "worker", worker)
	log.Debug("worker started")
	defer log.Debug("worker stopped")

	for ctx.Err() == nil {
		ran, err := p.RunOne(ctx)
		if err != nil && ctx.Err() == nil {
			log.Error("dispatch failed", "error", err)
		}
		if ran {
			continue
		}

		t := time.NewTimer(p.poll)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// RunOne claims and dispatches a single task. It reports whether a task was
// claimed.
func (p *Pool) RunOne(ctx context.Context) (bool, error) {
	t, err := p.queue.Claim(ctx)
	if errors.Is(err, ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	stop := p.keepAlive(ctx, t)
	defer stop()
	return true, p.dispatcher.Dispatch(ctx, p.queue, t)
}

// Drain runs tasks until none is ready. Used by tests and the CLI's inline mode.
func (p *Pool) Drain(ctx context.Context) error {
	for {
		ran, err := p.RunOne(ctx)
		if err != nil {
			return err
		}
		if !ran {
			return nil
		}
	}
}

func (p *Pool) keepAlive(ctx context.Context, t Task) func() {
	ext, ok := p.queue.(Extender)
	if !ok || p.heartbeat <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ext.Extend(ctx, t.ID); err != nil && ctx.Err() == nil {
					logging.FromContext(ctx).Warn("lease renewal failed", "task_id", t.ID, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
