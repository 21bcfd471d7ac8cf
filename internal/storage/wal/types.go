package wal

import (
	"encoding/json"

	"github.com/ChuLiYu/export-queue/pkg/types"
)

// ============================================================================
// Journal Type Definitions
// Responsibility: Define the on-disk record of the export event journal
// ============================================================================

// EventType is the lifecycle event name, e.g. "job-created".
type EventType string

// Event represents one journal record. Records are JSON lines.
type Event struct {
	Seq       uint64          `json:"seq"`                // Journal sequence number (monotonically increasing)
	Type      EventType       `json:"type"`               // Lifecycle event type
	JobID     types.JobID     `json:"job_id,omitempty"`   // Empty for batch-level records
	Timestamp int64           `json:"timestamp"`          // Unix millisecond timestamp
	Payload   json.RawMessage `json:"payload,omitempty"`  // Full event as published on the bus
	Checksum  uint32          `json:"checksum"`           // CRC32 over seq, type, job id and payload
}

// EventHandler is called for every record during Replay, in file order.
// Returning an error aborts the replay.
type EventHandler func(event Event) error
