// Package store persists confirmed meter readings. Two backends share
// one contract: a PostgreSQL store used when DATABASE_URL is set, and a
// file-backed local store used otherwise. Callers observe the current
// reading list through Subscribe and never poll.
package store

import (
	"context"
	"errors"

	"github.com/flowcheck/capture-service/internal/reading"
)

// ErrNotFound reports an update against an id the backend has never seen.
var ErrNotFound = errors.New("reading not found")

// Store is the persistence boundary for confirmed meter readings.
type Store interface {
	// Subscribe registers an observer for the reading list, ordered by
	// timestamp descending. The observer fires immediately with the
	// current snapshot and again after every mutation until the returned
	// unsubscribe runs.
	Subscribe(fn func([]reading.MeterReading)) (unsubscribe func())

	// Add persists a new reading and returns its assigned id. The
	// Timestamp and RecordedBy on the input are stored as given.
	Add(ctx context.Context, r reading.MeterReading) (string, error)

	// Update merges a partial update into an existing reading.
	Update(ctx context.Context, id string, upd reading.Update) error

	// Delete removes a reading. Deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) error

	// MigrateOrphanedReadings assigns owner to every reading that has no
	// recorded identity, in a single batch, and returns how many rows
	// changed. Running it again is a no-op; existing attribution is
	// never overwritten.
	MigrateOrphanedReadings(ctx context.Context, owner reading.UserInfo) (int, error)

	// Close releases backend resources. Observers stop firing after Close.
	Close() error
}
