// ============================================================================
// Export Queue Performance Test Suite
// ============================================================================
//
// Package: test/integration
// File: performance_test.go
// Functionality: System-level throughput and restart recovery performance tests
//
// Test Objectives:
//   1. verify system throughput (jobs/second) with the built-in converters
//   2. verify restart recovery time (< 3 second target)
//   3. verify the concurrency bound is never exceeded
//
// TestSystemThroughput:
//   - 8 workers, 10ms dispatch tick
//   - submit 300 jobs across five formats
//   - target: all jobs completed, >= 20 jobs/s
//
// TestRecoveryPerformance:
//   - snapshot with 2000 pending jobs
//   - measure time from NewController to Start returning
//   - target: < 3 seconds
//
// Notes:
//   - test results affected by system load
//   - CI environment may be slower than local
//
// ============================================================================

package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/export-queue/internal/controller"
	"github.com/ChuLiYu/export-queue/internal/convert"
	"github.com/ChuLiYu/export-queue/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSystemThroughput tests system throughput
//
// Test Flow:
//  1. Create and start Controller
//  2. Submit 300 jobs
//  3. Wait for all jobs to finish (up to 60 seconds)
//  4. Calculate throughput and completion rate
func TestSystemThroughput(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping throughput test in short mode")
	}
	h := newHarness(t)

	cfg := controller.DefaultConfig()
	cfg.MaxConcurrentJobs = 8
	cfg.TickInterval = 10 * time.Millisecond
	cfg.ShutdownGrace = 0

	ctrl := h.newController(t, cfg, nil, nil)
	require.NoError(t, ctrl.Start())
	defer ctrl.Stop()

	formats := []types.Format{types.FormatHTML, types.FormatMarkdown, types.FormatText, types.FormatEPUB, types.FormatScreenplay}
	totalJobs := 300

	startTime := time.Now()
	var ids []types.JobID
	for i := 0; i < totalJobs; i += len(formats) {
		for _, f := range formats {
			ids = append(ids, submit(t, ctrl, 1, f)...)
		}
	}

	jobs := waitTerminal(t, ctrl, ids, 60*time.Second)
	elapsedTime := time.Since(startTime)

	completed := 0
	for _, job := range jobs {
		if job.Status == types.StatusCompleted {
			completed++
		} else {
			t.Logf("job %s (%s) ended %s: %s", job.ID, job.Format, job.Status, job.ErrorMessage)
		}
	}
	throughput := float64(completed) / elapsedTime.Seconds()

	t.Logf("=== Performance Test Results ===")
	t.Logf("Total jobs: %d", len(ids))
	t.Logf("Completed: %d", completed)
	t.Logf("Elapsed time: %v", elapsedTime)
	t.Logf("Throughput: %.2f jobs/second", throughput)
	t.Logf("================================")

	assert.Equal(t, len(ids), completed)
	assert.GreaterOrEqual(t, throughput, 20.0, "throughput below target")

	st := ctrl.GetStatistics()
	assert.Equal(t, len(ids), st.CompletedJobs)
	assert.Len(t, st.PopularFormats, len(formats))
}

// TestConcurrencyBound checks that no more than MaxConcurrentJobs conversions
// ever run at once.
func TestConcurrencyBound(t *testing.T) {
	h := newHarness(t)

	var (
		mu        sync.Mutex
		running   int
		peak      int
		converter = convert.ConverterFunc(func(ctx context.Context, in convert.Input) ([]byte, error) {
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()
			defer func() {
				mu.Lock()
				running--
				mu.Unlock()
			}()
			select {
			case <-time.After(20 * time.Millisecond):
			case <-ctx.Done():
				return nil, context.Cause(ctx)
			}
			return convert.Markdown(ctx, in)
		})
	)
	converters := convert.NewRegistry()
	converters.Register(types.FormatHTML, converter)

	cfg := controller.DefaultConfig()
	cfg.MaxConcurrentJobs = 3
	cfg.TickInterval = 5 * time.Millisecond
	cfg.ShutdownGrace = 0

	ctrl := h.newController(t, cfg, converters, nil)
	require.NoError(t, ctrl.Start())
	defer ctrl.Stop()

	ids := submit(t, ctrl, 30, types.FormatHTML)
	waitTerminal(t, ctrl, ids, 20*time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, cfg.MaxConcurrentJobs)
	assert.Equal(t, cfg.MaxConcurrentJobs, peak, "pool should saturate under load")
}

// TestRecoveryPerformance tests restart time with a large pending table
func TestRecoveryPerformance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping recovery performance test in short mode")
	}
	h := newHarness(t)

	// Phase 1: fill the table without letting anything run
	blocking := convert.NewRegistry()
	blocking.Register(types.FormatHTML, convert.ConverterFunc(func(ctx context.Context, in convert.Input) ([]byte, error) {
		<-ctx.Done()
		return nil, context.Cause(ctx)
	}))
	cfg := controller.DefaultConfig()
	cfg.MaxConcurrentJobs = 1
	cfg.ShutdownGrace = 0

	ctrl1 := h.newController(t, cfg, blocking, nil)
	require.NoError(t, ctrl1.Start())
	ids := submit(t, ctrl1, 2000, types.FormatHTML)
	ctrl1.Stop()

	// Phase 2: measure recovery time
	startTime := time.Now()
	ctrl2 := h.newController(t, cfg, blocking, nil)
	require.NoError(t, ctrl2.Start())
	recoveryTime := time.Since(startTime)
	defer ctrl2.Stop()

	status := ctrl2.GetStatus()
	restored := status["pending"].(int) + status["processing"].(int) + status["failed"].(int)

	t.Logf("=== Recovery Performance ===")
	t.Logf("Recovery time: %v", recoveryTime)
	t.Logf("Jobs restored: %d", restored)
	t.Logf("===========================")

	assert.Equal(t, len(ids), restored)
	assert.Less(t, recoveryTime, 3*time.Second)
}
