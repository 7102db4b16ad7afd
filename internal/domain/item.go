package domain

import (
	"encoding/json"
	"time"
)

// Status tracks the lifecycle of a queue item.
type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusUploading, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether the engine will never transition the item again
// on its own. Failed items can still be re-enqueued by an explicit user retry.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// QueueItem is a unit of deferred upload work. All timestamps are epoch
// milliseconds, matching the persisted JSON layout.
type QueueItem struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Data        json.RawMessage `json:"data,omitempty"`
	LocalPath   string          `json:"local_path,omitempty"`
	CreatedAt   int64           `json:"created_at"`
	Status      Status          `json:"status"`
	RetryCount  int             `json:"retry_count"`
	NextRetryAt int64           `json:"next_retry_at,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
}

// Counts is a point-in-time tally of items per status.
type Counts struct {
	Pending   int `json:"pending"`
	Uploading int `json:"uploading"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Outstanding is the number of items still awaiting delivery
// (pending plus in-flight). This is the count surfaced as a badge in the UI.
func (c Counts) Outstanding() int {
	return c.Pending + c.Uploading
}

func (c Counts) Total() int {
	return c.Pending + c.Uploading + c.Completed + c.Failed
}

// NowMillis returns the current wall-clock time in epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// AddRequest is the inbound payload for enqueuing a single item.
type AddRequest struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	LocalPath string          `json:"local_path,omitempty"`
}

// maxDataBytes bounds the opaque payload so a single oversized item cannot
// bloat the whole-queue store round-trip.
const maxDataBytes = 256 * 1024

func (r *AddRequest) Validate() error {
	if r.Type == "" {
		return ErrInvalidType
	}
	if len(r.Data) > maxDataBytes {
		return ErrDataTooLarge
	}
	return nil
}
