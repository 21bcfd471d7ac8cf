// ============================================================================
// Export Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that runs one export job at a time in its own goroutine
//
// How it works:
//   Each Worker loops until the pool stops:
//   1. Receive a task from taskCh (blocking wait, or exit on stopCh)
//   2. Run the handler with the task's context
//   3. Send the result to resultCh (or give up if the pool is stopping)
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ select taskCh / stopCh       │   │
//   │  │   ├─ handler(task.Ctx, id)   │   │
//   │  │   ├─ recover() on panic      │   │
//   │  │   └─ send result to resultCh │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// Cancellation:
//   The worker never creates its own deadline. The dispatcher attaches the
//   job's cancel cause and deadline to Task.Ctx and the handler checks it at
//   stage boundaries.
//
// Error Handling:
//   - Handler error: reported in Result.Error
//   - Handler panic: recovered, logged and reported as ErrHandlerPanic
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

var log = slog.Default()

// ErrHandlerPanic wraps a recovered handler panic.
var ErrHandlerPanic = errors.New("worker: handler panicked")

// Worker represents a work execution unit
type Worker struct {
	id       int             // Worker unique identifier, used for logging
	taskCh   <-chan Task     // Task channel (read-only)
	resultCh chan<- Result   // Result channel (write-only)
	stopCh   <-chan struct{} // Closed when the pool stops
	handler  Handler
}

// newWorker creates a new Worker instance
func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}, handler Handler) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
		handler:  handler,
	}
}

// Run is the main loop of Worker. It returns when the pool stops; a task in
// progress is finished first.
func (w *Worker) Run() {
	for {
		select {
		case <-w.stopCh:
			return
		case task := <-w.taskCh:
			result := w.runTask(task)

			select {
			case w.resultCh <- result:
			case <-w.stopCh:
				log.Debug("pool stopping, result not delivered", "worker", w.id, "job_id", task.ID)
				return
			}
		}
	}
}

func (w *Worker) runTask(task Task) Result {
	ctx := task.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now()
	err := w.execute(ctx, task)
	return Result{
		JobID:    task.ID,
		WorkerID: w.id,
		Success:  err == nil,
		Error:    err,
		Duration: time.Since(start),
	}
}

// execute runs the handler, turning a panic into an error so one bad job
// cannot take the worker down.
func (w *Worker) execute(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("worker handler panic", "worker", w.id, "job_id", task.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return w.handler(ctx, task.ID)
}
