package workerpool

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool[T, R any](t *testing.T, cfg Config, fn WorkerFunc[T, R]) *Pool[T, R] {
	t.Helper()
	p, err := New(cfg, fn, nil)
	require.NoError(t, err)
	p.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return p
}

func tasks(n int) []Task[int] {
	out := make([]Task[int], n)
	for i := range out {
		out[i] = Task[int]{ID: strconv.Itoa(i), Input: i}
	}
	return out
}

func TestRunKeepsTaskOrder(t *testing.T) {
	p := newTestPool(t, Config{Workers: 3}, func(_ context.Context, task Task[int]) (int, error) {
		return task.Input * 2, nil
	})

	results := p.Run(context.Background(), tasks(10))
	require.Len(t, results, 10)
	for i, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, strconv.Itoa(i), r.TaskID)
		assert.Equal(t, i*2, r.Value)
		assert.Equal(t, 1, r.Attempts)
	}

	stats := p.Stats()
	assert.Equal(t, int64(10), stats.TasksSubmitted)
	assert.Equal(t, int64(10), stats.TasksCompleted)
	assert.Zero(t, stats.ActiveWorkers)
}

func TestRunBoundsConcurrency(t *testing.T) {
	var active, peak atomic.Int64
	p := newTestPool(t, Config{Workers: 2}, func(context.Context, Task[int]) (struct{}, error) {
		n := active.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		active.Add(-1)
		return struct{}{}, nil
	})

	p.Run(context.Background(), tasks(20))
	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestRunRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int64
	p := newTestPool(t, Config{Workers: 1, MaxRetries: 2}, func(context.Context, Task[int]) (string, error) {
		if calls.Add(1) < 3 {
			return "", errors.New("flaky")
		}
		return "ok", nil
	})

	results := p.Run(context.Background(), tasks(1))
	require.NoError(t, results[0].Err)
	assert.Equal(t, "ok", results[0].Value)
	assert.Equal(t, 3, results[0].Attempts)
	assert.Equal(t, int64(2), p.Stats().TasksRetried)
}

func TestRunStopsOnPermanentFailure(t *testing.T) {
	errFatal := errors.New("not found")
	var calls atomic.Int64
	p := newTestPool(t, Config{
		Workers:    1,
		MaxRetries: 5,
		Retryable:  func(err error) bool { return !errors.Is(err, errFatal) },
	}, func(context.Context, Task[int]) (int, error) {
		calls.Add(1)
		return 0, errFatal
	})

	results := p.Run(context.Background(), tasks(1))
	assert.ErrorIs(t, results[0].Err, errFatal)
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, int64(1), p.Stats().TasksFailed)
}

func TestRunGivesUpAfterMaxRetries(t *testing.T) {
	p := newTestPool(t, Config{Workers: 2, MaxRetries: 1}, func(context.Context, Task[int]) (int, error) {
		return 0, errors.New("down")
	})

	results := p.Run(context.Background(), tasks(2))
	for _, r := range results {
		require.Error(t, r.Err)
		assert.Equal(t, 2, r.Attempts)
	}
}

func TestRunCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := newTestPool(t, Config{Workers: 1}, func(context.Context, Task[int]) (int, error) {
		return 0, nil
	})

	results := p.Run(ctx, tasks(3))
	require.Len(t, results, 3)
	for _, r := range results {
		if r.Err != nil {
			assert.ErrorIs(t, r.Err, context.Canceled)
		}
	}
}

func TestRunEmpty(t *testing.T) {
	p := newTestPool(t, DefaultConfig(), func(context.Context, Task[int]) (int, error) { return 0, nil })
	assert.Empty(t, p.Run(context.Background(), nil))
}

func TestNewRequiresWorkerFunc(t *testing.T) {
	_, err := New[int, int](DefaultConfig(), nil, nil)
	assert.Error(t, err)
}
