// Package store implements the persistent store: durable session
// metadata and group-memory snapshots, namespaced and TTL'd, plus a
// registry of currently active session IDs.
//
// Store is best-effort by contract: a failing or unconfigured backend must
// never fail a caller's request outright. [Guarded] provides that
// degradation; [RedisStore] is the only backend that can actually fail.
package store

import (
	"context"
	"time"

	"github.com/kestrelai/synapse/internal/memory"
)

// PanelistRecord is the durable description of one panelist, enough to
// reconstruct its provider on rehydration.
type PanelistRecord struct {
	ID           string
	Provider     string
	ModelName    string
	Role         string
	PromptPrefix string
}

// SessionRecord is the durable metadata for one session, independent of
// its conversation content (which lives in a [memory.Snapshot]).
type SessionRecord struct {
	ID        string
	Mission   string
	CreatedAt time.Time
	UpdatedAt time.Time
	IsActive  bool
	Panelists []PanelistRecord
}

// Store is the persistence contract the session manager drives. All methods are best-effort:
// implementations degrade to a no-op/zero-value rather than returning an
// error the caller must treat as fatal, except where documented otherwise.
type Store interface {
	// SaveSession durably records rec, refreshing its TTL and registering
	// its ID in the active-session set.
	SaveSession(ctx context.Context, rec SessionRecord) error

	// LoadSession retrieves a previously saved session record. found is
	// false when no record exists (or the backend is degraded); it is not
	// itself an error condition.
	LoadSession(ctx context.Context, id string) (rec SessionRecord, found bool, err error)

	// DeleteSession removes a session's record, memory snapshot, and
	// orchestrator state, and unregisters it from the active-session set.
	DeleteSession(ctx context.Context, id string) error

	// ActiveSessions lists every session ID currently registered as active.
	ActiveSessions(ctx context.Context) ([]string, error)

	// SaveMemorySnapshot durably records snap under id's memory namespace.
	SaveMemorySnapshot(ctx context.Context, id string, snap memory.Snapshot) error

	// LoadMemorySnapshot retrieves a previously saved memory snapshot.
	LoadMemorySnapshot(ctx context.Context, id string) (snap memory.Snapshot, found bool, err error)

	// Close releases any underlying connections.
	Close() error
}
