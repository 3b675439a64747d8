// Package session implements the session manager: session lifecycle,
// panelist wiring, and the periodic bridge from in-memory group memory to
// the persistent store.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kestrelai/synapse/internal/memory"
	"github.com/kestrelai/synapse/internal/store"
)

// defaultConsolidationInterval is the default period between consolidation
// ticks.
const defaultConsolidationInterval = 30 * time.Minute

// Consolidator periodically snapshots a session's group memory into the
// persistent store. This ensures that long-running sessions persist their
// conversation history even if the process crashes, and that a restarted
// process can rehydrate a session from its last snapshot.
//
// All methods are safe for concurrent use.
type Consolidator struct {
	store     store.Store
	mem       *memory.GroupMemory
	interval  time.Duration
	sessionID string

	mu       sync.Mutex
	done     chan struct{}
	stopOnce sync.Once
}

// ConsolidatorConfig configures a [Consolidator].
type ConsolidatorConfig struct {
	// Store is the persistent store snapshots are written to.
	Store store.Store

	// Memory is the group memory whose state is consolidated.
	Memory *memory.GroupMemory

	// SessionID identifies the session.
	SessionID string

	// Interval is how often to consolidate. Defaults to 30 minutes if zero.
	Interval time.Duration
}

// NewConsolidator creates a new [Consolidator] with the given configuration.
func NewConsolidator(cfg ConsolidatorConfig) *Consolidator {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultConsolidationInterval
	}
	return &Consolidator{
		store:     cfg.Store,
		mem:       cfg.Memory,
		interval:  interval,
		sessionID: cfg.SessionID,
		done:      make(chan struct{}),
	}
}

// Start begins periodic consolidation in a background goroutine.
// The goroutine runs until [Consolidator.Stop] is called or ctx is cancelled.
func (c *Consolidator) Start(ctx context.Context) {
	go c.loop(ctx)
}

// Stop halts the consolidation loop. Safe to call multiple times.
func (c *Consolidator) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
}

// ConsolidateNow performs an immediate consolidation, snapshotting the
// current group memory state to the store.
func (c *Consolidator) ConsolidateNow(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consolidate(ctx)
}

// loop runs the periodic consolidation ticker.
func (c *Consolidator) loop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			if err := c.consolidate(ctx); err != nil {
				slog.Warn("periodic consolidation failed",
					"session_id", c.sessionID,
					"error", err,
				)
			}
			c.mu.Unlock()
		}
	}
}

// consolidate writes the current memory snapshot to the store. Must be
// called with c.mu held.
func (c *Consolidator) consolidate(ctx context.Context) error {
	snap := c.mem.Snapshot()
	if err := c.store.SaveMemorySnapshot(ctx, c.sessionID, snap); err != nil {
		return fmt.Errorf("consolidate: save memory snapshot: %w", err)
	}
	return nil
}
