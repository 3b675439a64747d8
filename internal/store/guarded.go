package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kestrelai/synapse/internal/memory"
)

// Guarded wraps an optional primary [Store] (typically [RedisStore]) with
// an always-available in-process fallback. When a primary is configured,
// every operation is attempted against it first; on any error Guarded logs
// a warning, flips its Degraded flag, and serves the request from the
// fallback instead. With no primary configured, every request is served
// from the fallback without a warning and Degraded stays false. Callers
// never see a store error, only a possibly-stale or process-local result.
type Guarded struct {
	primary   Store // may be nil
	fallback  *memStore
	onDegrade func(op string)

	degraded atomic.Bool
}

// GuardedOption configures a [Guarded] at construction.
type GuardedOption func(*Guarded)

// WithOnDegrade registers a hook invoked with the operation name every time
// an operation falls back to the in-process store. Used to feed the
// store-degradation metric without coupling this package to observe.
func WithOnDegrade(f func(op string)) GuardedOption {
	return func(g *Guarded) { g.onDegrade = f }
}

// NewGuarded wraps primary, which may be nil to run permanently in
// fallback mode (the "no REDIS_URL configured" case).
func NewGuarded(primary Store, opts ...GuardedOption) *Guarded {
	g := &Guarded{primary: primary, fallback: newMemStore()}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Degraded reports whether the most recent operation fell back to the
// in-process store because primary errored. It is always false when no
// primary is configured.
func (g *Guarded) Degraded() bool { return g.degraded.Load() }

func (g *Guarded) warn(op string, err error) {
	slog.Warn("store: primary backend unavailable, degrading to in-process fallback", "op", op, "error", err)
	g.degraded.Store(true)
	if g.onDegrade != nil {
		g.onDegrade(op)
	}
}

func (g *Guarded) SaveSession(ctx context.Context, rec SessionRecord) error {
	if g.primary != nil {
		if err := g.primary.SaveSession(ctx, rec); err != nil {
			g.warn("save_session", err)
		} else {
			g.degraded.Store(false)
		}
	}
	return g.fallback.SaveSession(ctx, rec)
}

func (g *Guarded) LoadSession(ctx context.Context, id string) (SessionRecord, bool, error) {
	if g.primary != nil {
		rec, found, err := g.primary.LoadSession(ctx, id)
		if err != nil {
			g.warn("load_session", err)
		} else {
			g.degraded.Store(false)
			if found {
				return rec, true, nil
			}
		}
	}
	return g.fallback.LoadSession(ctx, id)
}

func (g *Guarded) DeleteSession(ctx context.Context, id string) error {
	if g.primary != nil {
		if err := g.primary.DeleteSession(ctx, id); err != nil {
			g.warn("delete_session", err)
		} else {
			g.degraded.Store(false)
		}
	}
	return g.fallback.DeleteSession(ctx, id)
}

func (g *Guarded) ActiveSessions(ctx context.Context) ([]string, error) {
	if g.primary != nil {
		ids, err := g.primary.ActiveSessions(ctx)
		if err != nil {
			g.warn("active_sessions", err)
		} else {
			g.degraded.Store(false)
			return ids, nil
		}
	}
	return g.fallback.ActiveSessions(ctx)
}

func (g *Guarded) SaveMemorySnapshot(ctx context.Context, id string, snap memory.Snapshot) error {
	if g.primary != nil {
		if err := g.primary.SaveMemorySnapshot(ctx, id, snap); err != nil {
			g.warn("save_memory_snapshot", err)
		} else {
			g.degraded.Store(false)
		}
	}
	return g.fallback.SaveMemorySnapshot(ctx, id, snap)
}

func (g *Guarded) LoadMemorySnapshot(ctx context.Context, id string) (memory.Snapshot, bool, error) {
	if g.primary != nil {
		snap, found, err := g.primary.LoadMemorySnapshot(ctx, id)
		if err != nil {
			g.warn("load_memory_snapshot", err)
		} else {
			g.degraded.Store(false)
			if found {
				return snap, true, nil
			}
		}
	}
	return g.fallback.LoadMemorySnapshot(ctx, id)
}

func (g *Guarded) Close() error {
	if g.primary != nil {
		return g.primary.Close()
	}
	return nil
}

var _ Store = (*Guarded)(nil)

// memStore is a map-backed Store used as Guarded's fallback and in tests.
// It ignores TTL entirely — a process-local best-effort cache has no need
// to expire entries on its own.
type memStore struct {
	mu        sync.Mutex
	sessions  map[string]SessionRecord
	snapshots map[string]memory.Snapshot
	active    map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		sessions:  make(map[string]SessionRecord),
		snapshots: make(map[string]memory.Snapshot),
		active:    make(map[string]bool),
	}
}

func (m *memStore) SaveSession(_ context.Context, rec SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[rec.ID] = rec
	m.active[rec.ID] = true
	return nil
}

func (m *memStore) LoadSession(_ context.Context, id string) (SessionRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	return rec, ok, nil
}

func (m *memStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	delete(m.snapshots, id)
	delete(m.active, id)
	return nil
}

func (m *memStore) ActiveSessions(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.active))
	for id, active := range m.active {
		if active {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memStore) SaveMemorySnapshot(_ context.Context, id string, snap memory.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[id] = snap
	return nil
}

func (m *memStore) LoadMemorySnapshot(_ context.Context, id string) (memory.Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[id]
	return snap, ok, nil
}

func (m *memStore) Close() error { return nil }

var _ Store = (*memStore)(nil)
