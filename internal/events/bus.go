// Package events carries job lifecycle notifications from the export core to
// the notification/UI layer. The Bus keeps a bounded history for incremental
// polling, fans out to live subscribers and forwards every event to sinks
// (the on-disk journal, Redis pub/sub).
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/export-queue/pkg/types"
)

var log = slog.Default()

// Type classifies lifecycle events.
type Type string

const (
	JobCreated   Type = "job-created"
	JobStarted   Type = "job-started"
	JobProgress  Type = "job-progress"
	JobCompleted Type = "job-completed"
	JobFailed    Type = "job-failed"
	JobCancelled Type = "job-cancelled"
	JobDeleted   Type = "job-deleted"
	BatchCreated Type = "batch-created"
)

// Event is a sequenced payload. Only the fields relevant to Type are set.
type Event struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Type      Type            `json:"type"`
	JobID     types.JobID     `json:"jobId,omitempty"`
	OwnerID   string          `json:"ownerId,omitempty"`
	BatchID   string          `json:"batchId,omitempty"`
	JobIDs    []types.JobID   `json:"jobIds,omitempty"`
	Status    types.JobStatus `json:"status,omitempty"`
	Progress  int             `json:"progress,omitempty"`
	Stage     string          `json:"stage,omitempty"`
	Message   string          `json:"message,omitempty"`
}

// Sink receives every published event after it is sequenced.
type Sink interface {
	Handle(Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event) error

func (f SinkFunc) Handle(e Event) error { return f(e) }

// Bus stores recent events, fans them out to subscribers and sinks.
type Bus struct {
	mu        sync.RWMutex
	nextSeq   int64
	maxEvents int
	events    []Event

	subs    map[int]chan Event
	nextSub int
	dropped int64

	sinkMu sync.Mutex // serializes sink delivery so sinks see events in order
	sinks  []Sink
}

// NewBus creates a bus that retains up to maxEvents events.
func NewBus(maxEvents int, sinks ...Sink) *Bus {
	if maxEvents <= 0 {
		maxEvents = 500
	}
	return &Bus{
		maxEvents: maxEvents,
		events:    make([]Event, 0, maxEvents),
		subs:      make(map[int]chan Event),
		sinks:     sinks,
	}
}

// AddSink registers a sink for events published from now on.
func (b *Bus) AddSink(s Sink) {
	b.sinkMu.Lock()
	b.sinks = append(b.sinks, s)
	b.sinkMu.Unlock()
}

// Publish assigns sequence and timestamp, stores the event and delivers it.
// Subscribers that are not keeping up miss the event rather than block the
// publisher.
func (b *Bus) Publish(event Event) Event {
	b.sinkMu.Lock()
	defer b.sinkMu.Unlock()

	b.mu.Lock()
	b.nextSeq++
	event.Seq = b.nextSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	b.events = append(b.events, event)
	if len(b.events) > b.maxEvents {
		trim := len(b.events) - b.maxEvents
		b.events = append([]Event(nil), b.events[trim:]...)
	}
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.dropped++
		}
	}
	b.mu.Unlock()

	for _, s := range b.sinks {
		if err := s.Handle(event); err != nil {
			log.Warn("event sink failed", "type", event.Type, "seq", event.Seq, "error", err)
		}
	}
	return event
}

// Since returns retained events with sequence strictly greater than seq.
func (b *Bus) Since(seq int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.events) == 0 {
		return nil
	}
	out := make([]Event, 0, len(b.events))
	for _, event := range b.events {
		if event.Seq > seq {
			out = append(out, event)
		}
	}
	return out
}

// ForJob returns the retained events of one job in order.
func (b *Bus) ForJob(id types.JobID) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for _, event := range b.events {
		if event.JobID == id {
			out = append(out, event)
		}
	}
	return out
}

// Subscribe returns a channel receiving events published after the call and
// a function that unsubscribes and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Dropped reports how many subscriber deliveries were skipped.
func (b *Bus) Dropped() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// LastSeq is the sequence number of the most recent event.
func (b *Bus) LastSeq() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nextSeq
}
