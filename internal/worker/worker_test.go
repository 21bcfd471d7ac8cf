package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify concurrent execution, cancellation, graceful shutdown
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/export-queue/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context, types.JobID) error { return nil }

// sleepy blocks for d or until the task context is done.
func sleepy(d time.Duration) Handler {
	return func(ctx context.Context, _ types.JobID) error {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-time.After(d):
			return nil
		}
	}
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewPool(t *testing.T) {
	pool := NewPool(10, noop)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

func TestPoolStart(t *testing.T) {
	pool := NewPool(10, noop)

	require.NoError(t, pool.Start(8))
	assert.Equal(t, 8, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	assert.ErrorIs(t, pool.Start(4), ErrPoolStarted)

	pool.Stop()
}

func TestWorkerExecution(t *testing.T) {
	var mu sync.Mutex
	seen := map[types.JobID]bool{}
	pool := NewPool(10, func(_ context.Context, id types.JobID) error {
		mu.Lock()
		seen[id] = true
		mu.Unlock()
		if id == "task-3" {
			return errors.New("render failed")
		}
		return nil
	})
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	taskCount := 10
	for i := 0; i < taskCount; i++ {
		require.NoError(t, pool.Submit(Task{ID: types.JobID(fmt.Sprintf("task-%d", i))}))
	}

	results := make(map[types.JobID]Result)
	for i := 0; i < taskCount; i++ {
		result, err := pool.ReceiveResult()
		require.NoError(t, err)
		results[result.JobID] = result
	}

	assert.Len(t, results, taskCount)
	assert.Len(t, seen, taskCount)
	assert.False(t, results["task-3"].Success)
	assert.EqualError(t, results["task-3"].Error, "render failed")
	assert.True(t, results["task-4"].Success)
}

func TestTaskContextCancellation(t *testing.T) {
	pool := NewPool(10, sleepy(5*time.Second))
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	cause := errors.New("job cancelled")
	ctx, cancel := context.WithCancelCause(context.Background())
	require.NoError(t, pool.Submit(Task{ID: "slow", Ctx: ctx}))

	time.Sleep(20 * time.Millisecond)
	cancel(cause)

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Error, cause)
	assert.Less(t, result.Duration, time.Second)
}

func TestTaskDeadline(t *testing.T) {
	pool := NewPool(10, sleepy(5*time.Second))
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	require.NoError(t, pool.Submit(Task{ID: "timeout-task", Ctx: ctx}))

	result, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Error, context.DeadlineExceeded)
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	pool := NewPool(10, func(_ context.Context, id types.JobID) error {
		if id == "bad" {
			panic("nil template")
		}
		return nil
	})
	require.NoError(t, pool.Start(1))
	defer pool.Stop()

	require.NoError(t, pool.Submit(Task{ID: "bad"}))
	require.NoError(t, pool.Submit(Task{ID: "good"}))

	first, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.Equal(t, types.JobID("bad"), first.JobID)
	assert.ErrorIs(t, first.Error, ErrHandlerPanic)

	second, err := pool.ReceiveResult()
	require.NoError(t, err)
	assert.True(t, second.Success, "worker survives a panicking job")
}

// ============================================================================
// Concurrency Tests
// ============================================================================

// TestConcurrencyBound verifies no more than workerCount handlers run at once.
func TestConcurrencyBound(t *testing.T) {
	var running, peak int32
	pool := NewPool(100, func(context.Context, types.JobID) error {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	})
	workerCount := 3
	require.NoError(t, pool.Start(workerCount))
	defer pool.Stop()

	taskCount := 30
	for i := 0; i < taskCount; i++ {
		require.NoError(t, pool.Submit(Task{ID: types.JobID(fmt.Sprintf("task-%d", i))}))
	}
	for i := 0; i < taskCount; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(workerCount))
	assert.Greater(t, atomic.LoadInt32(&peak), int32(1))
}

func TestConcurrentSubmit(t *testing.T) {
	pool := NewPool(100, noop)
	require.NoError(t, pool.Start(4))
	defer pool.Stop()

	taskCount := 50
	var wg sync.WaitGroup
	wg.Add(taskCount)
	for i := 0; i < taskCount; i++ {
		go func(index int) {
			defer wg.Done()
			assert.NoError(t, pool.Submit(Task{ID: types.JobID(fmt.Sprintf("task-%d", index))}))
		}(i)
	}
	wg.Wait()

	for i := 0; i < taskCount; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}
}

// TestSubmitStopRace submits from many goroutines while Stop runs. Submit
// must return nil or ErrPoolClosed and never panic.
func TestSubmitStopRace(t *testing.T) {
	for round := 0; round < 20; round++ {
		pool := NewPool(1, noop)
		require.NoError(t, pool.Start(2))

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				for j := 0; j < 20; j++ {
					err := pool.Submit(Task{ID: types.JobID(fmt.Sprintf("t-%d-%d", i, j))})
					if err != nil {
						assert.ErrorIs(t, err, ErrPoolClosed)
						return
					}
				}
			}(i)
		}
		assert.NotPanics(t, pool.Stop)
		wg.Wait()
	}
}

// ============================================================================
// Graceful Shutdown Tests
// ============================================================================

func TestGracefulShutdown(t *testing.T) {
	pool := NewPool(50, sleepy(5*time.Millisecond))
	require.NoError(t, pool.Start(4))

	taskCount := 50
	for i := 0; i < taskCount; i++ {
		require.NoError(t, pool.Submit(Task{ID: types.JobID(fmt.Sprintf("task-%d", i))}))
	}
	for i := 0; i < 10; i++ {
		_, err := pool.ReceiveResult()
		require.NoError(t, err)
	}

	goroutinesBefore := runtime.NumGoroutine()
	pool.Stop()
	time.Sleep(100 * time.Millisecond)
	goroutinesAfter := runtime.NumGoroutine()

	assert.LessOrEqual(t, goroutinesAfter, goroutinesBefore)
	t.Logf("Goroutines before: %d, after: %d", goroutinesBefore, goroutinesAfter)
}

func TestStopWaitsForRunningTask(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool
	pool := NewPool(1, func(context.Context, types.JobID) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	require.NoError(t, pool.Start(1))
	require.NoError(t, pool.Submit(Task{ID: "long"}))

	<-started
	pool.Stop()
	assert.True(t, finished.Load())
}

func TestPendingAfterStop(t *testing.T) {
	block := make(chan struct{})
	pool := NewPool(5, func(context.Context, types.JobID) error {
		<-block
		return nil
	})
	require.NoError(t, pool.Start(1))
	for i := 0; i < 4; i++ {
		require.NoError(t, pool.Submit(Task{ID: types.JobID(fmt.Sprintf("task-%d", i))}))
	}
	time.Sleep(20 * time.Millisecond)
	close(block)
	pool.Stop()

	// the single worker may or may not have taken more tasks before stopping
	pending := pool.Pending()
	assert.LessOrEqual(t, len(pending), 3)
}

func TestStopBeforeStart(t *testing.T) {
	pool := NewPool(10, noop)
	assert.NotPanics(t, pool.Stop)
}

func TestSubmitAfterStop(t *testing.T) {
	pool := NewPool(10, noop)
	require.NoError(t, pool.Start(2))
	pool.Stop()

	err := pool.Submit(Task{ID: "task-after-stop"})
	assert.Equal(t, ErrPoolClosed, err)
	assert.ErrorIs(t, pool.Start(2), ErrPoolStarted)
}

// ============================================================================
// Error Handling Tests
// ============================================================================

func TestSubmitBeforeStart(t *testing.T) {
	pool := NewPool(10, noop)
	err := pool.Submit(Task{ID: "task-before-start"})
	assert.Equal(t, ErrPoolNotStarted, err)
}

func TestReceiveResultAfterStop(t *testing.T) {
	pool := NewPool(10, noop)
	require.NoError(t, pool.Start(2))
	pool.Stop()

	_, err := pool.ReceiveResult()
	assert.Equal(t, ErrPoolClosed, err)
}

// ============================================================================
// Benchmark Tests
// ============================================================================

func BenchmarkPoolThroughput(b *testing.B) {
	pool := NewPool(1000, noop)
	pool.Start(8)
	defer pool.Stop()

	go func() {
		for {
			if _, err := pool.ReceiveResult(); err != nil {
				return
			}
		}
	}()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pool.Submit(Task{ID: types.JobID(fmt.Sprintf("task-%d", i))})
	}
}
