package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/export-queue/internal/events"
	"github.com/ChuLiYu/export-queue/internal/jobmanager"
	"github.com/ChuLiYu/export-queue/pkg/types"
	"github.com/google/uuid"
)

// Batch status values derived from member job states.
const (
	BatchPending    = "pending"
	BatchProcessing = "processing"
	BatchCompleted  = "completed"
	BatchPartial    = "partial"
	BatchFailed     = "failed"
	BatchCancelled  = "cancelled"
)

// BatchStatus aggregates the member jobs of a batch. Deleted members are
// counted in Missing and left out of Progress.
type BatchStatus struct {
	Batch    types.Batch             `json:"batch"`
	Jobs     []*types.Job            `json:"jobs"`
	Counts   map[types.JobStatus]int `json:"counts"`
	Missing  int                     `json:"missing,omitempty"`
	Progress int                     `json:"progress"`
	Status   string                  `json:"status"`
}

func newBatchID() string {
	return "batch-" + uuid.NewString()
}

// CreateBatchExport creates one job per project in req, all sharing the
// format, template, options and priority of the request. If any member
// cannot be created, the members created so far are cancelled.
func (c *Controller) CreateBatchExport(ctx context.Context, req types.BatchRequest) (*types.Batch, error) {
	if len(req.ProjectIDs) == 0 {
		return nil, fmt.Errorf("%w: batch has no projects", jobmanager.ErrInvalidJob)
	}

	batchID := c.newID()
	created := make([]types.JobID, 0, len(req.ProjectIDs))
	rollback := func(cause error) error {
		for _, id := range created {
			if _, err := c.CancelJob(id); err != nil {
				log.Warn("batch rollback: cancel failed", "batch_id", batchID, "job_id", id, "error", err)
			}
		}
		return cause
	}

	for _, projectID := range req.ProjectIDs {
		ids, err := c.catalog.ContentIDs(ctx, projectID)
		if err != nil {
			return nil, rollback(fmt.Errorf("batch project %s: %w", projectID, err))
		}
		meta, err := c.catalog.Metadata(ctx, projectID)
		if err != nil {
			return nil, rollback(fmt.Errorf("batch project %s: %w", projectID, err))
		}
		job, err := c.createJob(ctx, jobmanager.JobSpec{
			OwnerID:    req.OwnerID,
			ProjectID:  projectID,
			ContentIDs: ids,
			Format:     req.Format,
			Template:   req.Template,
			Options:    req.Options,
			Priority:   req.Priority,
			Metadata:   meta,
			BatchID:    batchID,
		})
		if err != nil {
			return nil, rollback(fmt.Errorf("batch project %s: %w", projectID, err))
		}
		created = append(created, job.ID)
	}

	batch := &types.Batch{
		ID:        batchID,
		JobIDs:    created,
		Request:   req,
		CreatedAt: c.now(),
	}
	batch.Request.ProjectIDs = append([]string(nil), req.ProjectIDs...)
	batch.Request.Options.Output.Password = ""

	c.mu.Lock()
	c.batches[batchID] = batch
	c.mu.Unlock()

	c.bus.Publish(events.Event{
		Type:    events.BatchCreated,
		OwnerID: req.OwnerID,
		BatchID: batchID,
		JobIDs:  append([]types.JobID(nil), created...),
	})
	log.Info("batch export created", "batch_id", batchID, "jobs", len(created), "format", req.Format)

	out := *batch
	out.JobIDs = append([]types.JobID(nil), created...)
	return &out, nil
}

// GetBatch returns the aggregated status of a batch.
func (c *Controller) GetBatch(id string) (*BatchStatus, error) {
	c.mu.Lock()
	b, ok := c.batches[id]
	var batch types.Batch
	if ok {
		batch = *b
		batch.JobIDs = append([]types.JobID(nil), b.JobIDs...)
	}
	c.mu.Unlock()
	if !ok {
		return nil, ErrBatchNotFound
	}

	st := &BatchStatus{
		Batch:  batch,
		Counts: make(map[types.JobStatus]int),
	}
	total := 0
	for _, jobID := range batch.JobIDs {
		job, err := c.jobs.Get(jobID)
		if errors.Is(err, jobmanager.ErrJobNotFound) {
			st.Missing++
			continue
		}
		if err != nil {
			return nil, err
		}
		st.Jobs = append(st.Jobs, job)
		st.Counts[job.Status]++
		total += job.Progress
	}
	if n := len(st.Jobs); n > 0 {
		st.Progress = total / n
	}
	st.Status = batchState(st.Counts, len(st.Jobs))
	return st, nil
}

func batchState(counts map[types.JobStatus]int, n int) string {
	switch {
	case n == 0:
		return BatchCancelled
	case counts[types.StatusPending] == n:
		return BatchPending
	case counts[types.StatusPending]+counts[types.StatusProcessing] > 0:
		return BatchProcessing
	case counts[types.StatusCompleted] == n:
		return BatchCompleted
	case counts[types.StatusFailed] == n:
		return BatchFailed
	case counts[types.StatusCancelled] == n:
		return BatchCancelled
	default:
		return BatchPartial
	}
}
