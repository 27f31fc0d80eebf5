package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/catalog/internal/core"
	"github.com/JonMunkholm/catalog/internal/retry"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestQueue() (*MemoryQueue, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewMemoryQueue(WithClock(clock.Now), WithLease(time.Minute)), clock
}

func TestMemoryQueue_ClaimAckNack(t *testing.T) {
	q, clock := newTestQueue()
	ctx := context.Background()

	a, err := q.Enqueue(ctx, Task{Kind: "import", JobID: "job-a"})
	require.NoError(t, err)
	b, err := q.Enqueue(ctx, Task{Kind: "import", JobID: "job-b"})
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)

	got, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, 1, got.Attempt)

	require.NoError(t, q.Nack(ctx, a.ID, 10*time.Second))

	got, err = q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID, "nacked task is delayed")

	_, err = q.Claim(ctx)
	assert.ErrorIs(t, err, ErrEmpty)

	clock.Advance(10 * time.Second)
	got, err = q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.Equal(t, 2, got.Attempt)

	require.NoError(t, q.Ack(ctx, a.ID))
	require.NoError(t, q.Ack(ctx, b.ID))
	assert.Equal(t, 0, q.Len())
	assert.ErrorIs(t, q.Ack(ctx, a.ID), core.ErrNotFound)
}

func TestMemoryQueue_ExpiredLeaseIsReclaimed(t *testing.T) {
	q, clock := newTestQueue()
	ctx := context.Background()

	task, err := q.Enqueue(ctx, Task{Kind: "import", JobID: "job-a"})
	require.NoError(t, err)

	_, err = q.Claim(ctx)
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	require.NoError(t, q.Extend(ctx, task.ID))
	clock.Advance(45 * time.Second)
	_, err = q.Claim(ctx)
	assert.ErrorIs(t, err, ErrEmpty, "extended lease still held")

	clock.Advance(time.Minute)
	got, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, 2, got.Attempt)
}

func TestMemoryQueue_DuplicateID(t *testing.T) {
	q, _ := newTestQueue()
	ctx := context.Background()

	_, err := q.Enqueue(ctx, Task{ID: "t1", Kind: "import"})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, Task{ID: "t1", Kind: "import"})
	assert.ErrorIs(t, err, core.ErrConflict)
}

func TestDispatcher_Register(t *testing.T) {
	d := NewDispatcher()
	d.Register("import", Route{Handle: func(context.Context, Task) error { return nil }})

	assert.Panics(t, func() {
		d.Register("import", Route{Handle: func(context.Context, Task) error { return nil }})
	})
	assert.Panics(t, func() { d.Register("export", Route{}) })
	assert.Equal(t, []string{"import"}, d.Kinds())
	assert.True(t, d.Has("import"))
}

func TestDispatcher_Outcomes(t *testing.T) {
	errFlaky := core.Transient("write", errors.New("connection reset"))
	errFinal := errors.New("bad file")
	policy := retry.Policy{MaxAttempts: 3, Initial: time.Second, Multiplier: 2}

	tests := []struct {
		name      string
		attempt   int
		err       error
		wantQueue bool
		wantDelay time.Duration
		wantGave  bool
	}{
		{name: "success", attempt: 1},
		{name: "final error", attempt: 1, err: errFinal},
		{name: "transient first", attempt: 1, err: errFlaky, wantQueue: true, wantDelay: time.Second},
		{name: "transient second", attempt: 2, err: errFlaky, wantQueue: true, wantDelay: 2 * time.Second},
		{name: "transient exhausted", attempt: 3, err: errFlaky, wantGave: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, clock := newTestQueue()
			ctx := context.Background()

			task, err := q.Enqueue(ctx, Task{Kind: "import", JobID: "job-1"})
			require.NoError(t, err)
			for i := 0; i < tt.attempt; i++ {
				claimed, err := q.Claim(ctx)
				require.NoError(t, err)
				task = claimed
				if i < tt.attempt-1 {
					require.NoError(t, q.Nack(ctx, task.ID, 0))
				}
			}

			gave := false
			d := NewDispatcher()
			d.Register("import", Route{
				Handle: func(context.Context, Task) error { return tt.err },
				Policy: policy,
				GiveUp: func(_ context.Context, _ Task, err error) {
					gave = true
					assert.ErrorIs(t, err, errFlaky)
				},
			})

			require.NoError(t, d.Dispatch(ctx, q, task))
			assert.Equal(t, tt.wantGave, gave)

			queued, ok := q.Peek(task.ID)
			assert.Equal(t, tt.wantQueue, ok)
			if ok {
				assert.Equal(t, clock.Now().Add(tt.wantDelay), queued.NotBefore)
			}
		})
	}
}

func TestDispatcher_UnknownKindIsDropped(t *testing.T) {
	q, _ := newTestQueue()
	ctx := context.Background()

	_, err := q.Enqueue(ctx, Task{Kind: "reindex"})
	require.NoError(t, err)
	task, err := q.Claim(ctx)
	require.NoError(t, err)

	err = NewDispatcher().Dispatch(ctx, q, task)
	assert.ErrorIs(t, err, ErrUnknownTask)
	assert.Equal(t, 0, q.Len())
}

func TestDispatcher_InterruptedTaskIsReleased(t *testing.T) {
	q, _ := newTestQueue()
	ctx, cancel := context.WithCancel(context.Background())

	_, err := q.Enqueue(ctx, Task{Kind: "import"})
	require.NoError(t, err)
	task, err := q.Claim(ctx)
	require.NoError(t, err)

	d := NewDispatcher()
	d.Register("import", Route{Handle: func(ctx context.Context, _ Task) error {
		cancel()
		return ctx.Err()
	}})
	require.NoError(t, d.Dispatch(ctx, q, task))

	again, err := q.Claim(context.Background())
	require.NoError(t, err)
	assert.Equal(t, task.ID, again.ID)
}

func TestPool_RunsAllTasks(t *testing.T) {
	q := NewMemoryQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const n = 20
	var done atomic.Int32
	d := NewDispatcher()
	d.Register("import", Route{Handle: func(context.Context, Task) error {
		if done.Add(1) == n {
			cancel()
		}
		return nil
	}})

	for i := 0; i < n; i++ {
		_, err := q.Enqueue(ctx, Task{Kind: "import"})
		require.NoError(t, err)
	}

	pool := NewPool(q, d, 4, 5*time.Millisecond, time.Millisecond)
	require.NoError(t, pool.Run(ctx))
	assert.Equal(t, int32(n), done.Load())
	assert.Equal(t, 0, q.Len())
}

func TestPool_Drain(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	var seen []string
	d := NewDispatcher()
	d.Register("export", Route{Handle: func(_ context.Context, task Task) error {
		seen = append(seen, task.JobID)
		return nil
	}})

	for _, id := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(ctx, Task{Kind: "export", JobID: id})
		require.NoError(t, err)
	}

	require.NoError(t, NewPool(q, d, 1, time.Second, 0).Drain(ctx))
	assert.Equal(t, []string{"a", "b", "c"}, seen)
}
