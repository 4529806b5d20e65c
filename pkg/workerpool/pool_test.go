package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Workers = 4
	cfg.QueueSize = 16
	cfg.RetryDelay = time.Millisecond
	return cfg
}

func TestSubmitWaitReturnsOwnResult(t *testing.T) {
	pool, err := New(testConfig(), func(ctx context.Context, task *Task) *Result {
		return &Result{Success: true, Data: task.Payload.(int) * 2}
	}, nil)
	require.NoError(t, err)
	pool.Start()
	defer pool.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			res, err := pool.SubmitWait(context.Background(), &Task{ID: fmt.Sprint(n), Payload: n})
			if assert.NoError(t, err) {
				assert.Equal(t, fmt.Sprint(n), res.TaskID)
				assert.Equal(t, n*2, res.Data)
			}
		}(i)
	}
	wg.Wait()
}

func TestRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	pool, err := New(testConfig(), func(ctx context.Context, task *Task) *Result {
		if calls.Add(1) < 3 {
			return &Result{Error: errors.New("transient")}
		}
		return &Result{Success: true}
	}, nil)
	require.NoError(t, err)
	pool.Start()
	defer pool.Stop()

	res, err := pool.SubmitWait(context.Background(), &Task{ID: "t"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int64(2), pool.Stats().TasksRetried)
}

func TestPermanentErrorsAreNotRetried(t *testing.T) {
	errRejected := errors.New("rejected")
	cfg := testConfig()
	cfg.IsPermanent = func(err error) bool { return errors.Is(err, errRejected) }

	var calls atomic.Int32
	pool, err := New(cfg, func(ctx context.Context, task *Task) *Result {
		calls.Add(1)
		return &Result{Error: errRejected}
	}, nil)
	require.NoError(t, err)
	pool.Start()
	defer pool.Stop()

	res, err := pool.SubmitWait(context.Background(), &Task{ID: "t"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Error, errRejected)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExhaustedRetries(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	pool, err := New(cfg, func(ctx context.Context, task *Task) *Result {
		return &Result{Error: errors.New("down")}
	}, nil)
	require.NoError(t, err)
	pool.Start()
	defer pool.Stop()

	res, err := pool.SubmitWait(context.Background(), &Task{ID: "t"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int64(1), pool.Stats().TasksFailed)
}

func TestQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 1
	pool, err := New(cfg, func(ctx context.Context, task *Task) *Result {
		return &Result{Success: true}
	}, nil)
	require.NoError(t, err)

	// workers not started, so the queue fills
	assert.True(t, pool.IsHealthy())
	require.NoError(t, pool.enqueue(&Task{ID: "1"}))
	assert.ErrorIs(t, pool.enqueue(&Task{ID: "2"}), ErrQueueFull)
	assert.False(t, pool.IsHealthy())
}

func TestSubmitWaitHonoursContext(t *testing.T) {
	release := make(chan struct{})
	pool, err := New(testConfig(), func(ctx context.Context, task *Task) *Result {
		<-release
		return &Result{Success: true}
	}, nil)
	require.NoError(t, err)
	pool.Start()
	defer func() {
		close(release)
		pool.Stop()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pool.SubmitWait(ctx, &Task{ID: "slow"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubmitWaitAfterStop(t *testing.T) {
	pool, err := New(testConfig(), func(ctx context.Context, task *Task) *Result {
		return &Result{Success: true}
	}, nil)
	require.NoError(t, err)
	pool.Start()
	require.NoError(t, pool.Stop())

	_, err = pool.SubmitWait(context.Background(), &Task{ID: "late"})
	assert.ErrorIs(t, err, ErrPoolStopped)
}
