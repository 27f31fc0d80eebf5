package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_Schedule(t *testing.T) {
	p := Policy{MaxAttempts: 5, Initial: time.Second, Max: 5 * time.Second, Multiplier: 2}

	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second,
	}, p.Schedule())
	assert.False(t, p.Exhausted(4))
	assert.True(t, p.Exhausted(5))
}

func TestPolicy_ZeroValue(t *testing.T) {
	var p Policy
	assert.Equal(t, 1, p.Attempts())
	assert.Empty(t, p.Schedule())
	assert.Equal(t, time.Duration(0), p.Backoff(3))
}

func TestDo(t *testing.T) {
	errFlaky := errors.New("flaky")
	errFatal := errors.New("fatal")
	retryable := func(err error) bool { return errors.Is(err, errFlaky) }
	p := Policy{MaxAttempts: 3, Initial: 10 * time.Millisecond, Multiplier: 2}

	tests := []struct {
		name      string
		failures  []error
		wantErr   error
		wantCalls int
		wantWaits []time.Duration
	}{
		{name: "first try", wantCalls: 1},
		{name: "recovers", failures: []error{errFlaky, errFlaky}, wantCalls: 3,
			wantWaits: []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}},
		{name: "exhausted", failures: []error{errFlaky, errFlaky, errFlaky}, wantErr: errFlaky, wantCalls: 3,
			wantWaits: []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}},
		{name: "not retryable", failures: []error{errFatal}, wantErr: errFatal, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var waits []time.Duration
			sleep := func(_ context.Context, d time.Duration) error {
				waits = append(waits, d)
				return nil
			}

			calls := 0
			err := Do(context.Background(), p, sleep, retryable, nil, func(context.Context) error {
				calls++
				if calls <= len(tt.failures) {
					return tt.failures[calls-1]
				}
				return nil
			})

			if tt.wantErr == nil {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, tt.wantErr)
			}
			assert.Equal(t, tt.wantCalls, calls)
			assert.Equal(t, tt.wantWaits, waits)
		})
	}
}

func TestDo_StopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	errFlaky := errors.New("flaky")
	err := Do(ctx, Policy{MaxAttempts: 5, Initial: time.Hour}, nil,
		func(error) bool { return true }, nil,
		func(context.Context) error { return errFlaky })

	require.ErrorIs(t, err, errFlaky)
	assert.Contains(t, err.Error(), "retry interrupted")
}
