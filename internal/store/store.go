package store

import (
	"context"
	"encoding/json"

	"github.com/groenwerk/fieldsync/internal/domain"
)

// Store persists the queue as a whole. Every mutation round-trips the full
// ordered item list; there is no incremental persistence. This is acceptable
// because the queue is device-local and expected to stay small.
//
// The Badger implementation is in badger.go. Tests use a hand-written
// in-memory implementation (memory.go).
type Store interface {
	// Load returns the previously persisted items in order. A missing or
	// corrupt stored value yields an empty slice, never an error: losing a
	// corrupt queue is preferred over refusing to start.
	Load(ctx context.Context) ([]domain.QueueItem, error)

	// Save overwrites the persisted value with the full ordered item list.
	// Last writer wins.
	Save(ctx context.Context, items []domain.QueueItem) error
}

// schemaVersion is the current persisted layout version. Version 0 is the
// legacy un-versioned layout: a bare JSON array of items.
const schemaVersion = 1

type envelope struct {
	Version int                `json:"version"`
	Items   []domain.QueueItem `json:"items"`
}

// Encode serializes items into the current versioned envelope.
func Encode(items []domain.QueueItem) ([]byte, error) {
	return json.Marshal(envelope{Version: schemaVersion, Items: items})
}

// Decode parses a persisted value. It accepts both the versioned envelope and
// the legacy bare-array layout (treated as version 0). Anything unparseable
// decodes as an empty queue; corruption is a documented trade-off, not an error.
func Decode(raw []byte) []domain.QueueItem {
	if len(raw) == 0 {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil {
		return env.Items
	}

	var legacy []domain.QueueItem
	if err := json.Unmarshal(raw, &legacy); err == nil {
		return legacy
	}

	return nil
}
