package wal

import (
	"github.com/ChuLiYu/export-queue/internal/events"
)

// Journal adapts a WAL to events.Sink. Terminal and batch events are
// flushed immediately; progress events ride the batch flush.
type Journal struct {
	w *WAL
}

// NewJournal wraps w.
func NewJournal(w *WAL) *Journal {
	return &Journal{w: w}
}

// Handle implements events.Sink.
func (j *Journal) Handle(e events.Event) error {
	force := false
	switch e.Type {
	case events.JobCompleted, events.JobFailed, events.JobCancelled, events.JobDeleted, events.BatchCreated:
		force = true
	}
	_, err := j.w.Append(EventType(e.Type), e.JobID, e, force)
	return err
}
