package web

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/JonMunkholm/catalog/internal/core"
)

const (
	defaultMaxUploads = 5
	defaultUploadWait = 30 * time.Second
)

// uploadLimiter bounds concurrent uploads. Callers wait up to maxWait for a
// slot before getting core.ErrTooManyUploads.
type uploadLimiter struct {
	sem     *semaphore.Weighted
	max     int64
	maxWait time.Duration
	active  atomic.Int64
}

func newUploadLimiter(maxConcurrent int, maxWait time.Duration) *uploadLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxUploads
	}
	if maxWait <= 0 {
		maxWait = defaultUploadWait
	}
	return &uploadLimiter{
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		max:     int64(maxConcurrent),
		maxWait: maxWait,
	}
}

// Acquire takes a slot. A cancelled caller gets its context error; a caller
// that merely waited too long gets ErrTooManyUploads. Release must follow a
// nil return.
func (l *uploadLimiter) Acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	if err := l.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return core.ErrTooManyUploads
	}
	l.active.Add(1)
	return nil
}

// TryAcquire takes a slot without waiting.
func (l *uploadLimiter) TryAcquire() bool {
	if !l.sem.TryAcquire(1) {
		return false
	}
	l.active.Add(1)
	return true
}

func (l *uploadLimiter) Release() {
	l.active.Add(-1)
	l.sem.Release(1)
}

// Active returns the number of uploads in flight.
func (l *uploadLimiter) Active() int { return int(l.active.Load()) }

// WaitForDrain blocks until every slot is free or ctx ends. New uploads
// are held off while it owns the slots.
func (l *uploadLimiter) WaitForDrain(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, l.max); err != nil {
		return err
	}
	l.sem.Release(l.max)
	return nil
}
