package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelai/synapse/internal/config"
	"github.com/kestrelai/synapse/internal/memory"
	"github.com/kestrelai/synapse/internal/orchestrate"
	"github.com/kestrelai/synapse/internal/store"
	"github.com/kestrelai/synapse/internal/summary"
	"github.com/kestrelai/synapse/internal/synapse"
	"github.com/kestrelai/synapse/pkg/provider"
)

// PersonaSpec selects one panelist's backing persona: either a reference
// to a persona already loaded into [config.Config.Personas] (DefaultID),
// or a fully inline custom persona (Inline) — the tagged-variant shape
// `request.panelists[].{persona_id | custom_persona}` took in the original
// implementation, collapsed into one Go struct with exactly one arm set.
type PersonaSpec struct {
	// ID is the stable identifier this panelist is addressed by throughout
	// the session (memory authorship, API responses). Required.
	ID string

	// DefaultID, if non-empty, looks the persona up in the configured
	// persona map.
	DefaultID string

	// Inline, if non-nil, is used directly instead of a configured persona.
	Inline *config.Persona
}

// CreateSessionRequest describes a new session to create.
type CreateSessionRequest struct {
	Mission   string
	Panelists []PersonaSpec
}

// ErrSessionNotFound is returned when an operation references an unknown
// session ID.
var ErrSessionNotFound = fmt.Errorf("session: not found")

// Session is one live collaborative session: its memory, orchestrator, and
// persistence bridge.
type Session struct {
	ID        string
	Mission   string
	CreatedAt time.Time
	UpdatedAt time.Time

	Memory       *memory.GroupMemory
	Orchestrator *orchestrate.Orchestrator
	Panelists    []orchestrate.Panelist

	consolidator *Consolidator

	mu       sync.Mutex
	isActive bool
}

// IsActive reports whether the session is still live.
func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isActive
}

// LastUpdated returns the time of the session's most recent memory write.
func (s *Session) LastUpdated() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.UpdatedAt
}

// Manager owns every live session for the process. Sessions are fully
// independent: no lock is ever shared across sessions.
//
// All exported methods are safe for concurrent use.
type Manager struct {
	registry   *config.Registry
	personas   map[string]config.Persona
	store      store.Store
	detector   *synapse.Detector
	summarizer *summary.Summarizer

	consolidationInterval time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
}

// ManagerConfig configures a [Manager].
type ManagerConfig struct {
	Registry              *config.Registry
	Personas              map[string]config.Persona
	Store                 store.Store
	Detector              *synapse.Detector
	Summarizer            *summary.Summarizer
	ConsolidationInterval time.Duration
}

// NewManager creates an empty Manager.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		registry:              cfg.Registry,
		personas:              cfg.Personas,
		store:                 cfg.Store,
		detector:              cfg.Detector,
		summarizer:            cfg.Summarizer,
		consolidationInterval: cfg.ConsolidationInterval,
		sessions:              make(map[string]*Session),
	}
}

// resolvePersona resolves spec to a concrete persona, preferring an inline
// override over a configured default.
func (m *Manager) resolvePersona(spec PersonaSpec) (config.Persona, error) {
	if spec.Inline != nil {
		return *spec.Inline, nil
	}
	p, ok := m.personas[spec.DefaultID]
	if !ok {
		return config.Persona{}, fmt.Errorf("session: persona %q not configured", spec.DefaultID)
	}
	return p, nil
}

// CreateSession constructs every panelist's provider, wires memory and the
// orchestrator, persists the new session record, and registers it.
//
// If even one panelist cannot be constructed, CreateSession rejects the
// entire request and constructs nothing. Silently dropping an unavailable
// panelist would hand the user a smaller panel than they asked for.
func (m *Manager) CreateSession(ctx context.Context, req CreateSessionRequest) (*Session, error) {
	if len(req.Panelists) == 0 {
		return nil, fmt.Errorf("session: create session: at least one panelist is required")
	}

	panelists := make([]orchestrate.Panelist, 0, len(req.Panelists))
	records := make([]store.PanelistRecord, 0, len(req.Panelists))

	for _, spec := range req.Panelists {
		persona, err := m.resolvePersona(spec)
		if err != nil {
			return nil, fmt.Errorf("session: create session: %w", err)
		}
		p, err := m.buildPanelist(spec.ID, persona)
		if err != nil {
			return nil, fmt.Errorf("session: create session: %w", err)
		}
		panelists = append(panelists, p)
		records = append(records, store.PanelistRecord{ID: spec.ID, Provider: persona.Provider, ModelName: persona.ModelName, Role: persona.Role, PromptPrefix: persona.PromptPrefix})
	}

	id := uuid.NewString()
	now := time.Now()

	sess := m.wireSession(ctx, id, req.Mission, now, panelists, true)

	rec := store.SessionRecord{
		ID:        id,
		Mission:   req.Mission,
		CreatedAt: now,
		UpdatedAt: now,
		IsActive:  true,
		Panelists: records,
	}
	if err := m.store.SaveSession(ctx, rec); err != nil {
		// Store is best-effort (Guarded never actually returns an error
		// here); a non-nil error means a non-degrading Store implementation
		// was wired directly, which is a caller configuration error, not a
		// reason to half-construct a session.
		return nil, fmt.Errorf("session: save session record: %w", err)
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	return sess, nil
}

// buildPanelist resolves persona into a live orchestrate.Panelist, backed by
// a freshly constructed provider adapter.
func (m *Manager) buildPanelist(id string, persona config.Persona) (orchestrate.Panelist, error) {
	prov, err := m.registry.CreateProvider(persona)
	if err != nil {
		return orchestrate.Panelist{}, fmt.Errorf("construct panelist %q: %w", id, err)
	}
	displayName := persona.Role
	if displayName == "" {
		displayName = id
	}
	return orchestrate.Panelist{
		ID:           id,
		DisplayName:  displayName,
		ModelName:    persona.ModelName,
		SystemPrompt: persona.PromptPrefix,
		Provider:     prov,
	}, nil
}

// wireSession assembles the memory, orchestrator, and consolidator for one
// session and registers a memory subscriber that keeps UpdatedAt current.
func (m *Manager) wireSession(ctx context.Context, id, mission string, createdAt time.Time, panelists []orchestrate.Panelist, active bool) *Session {
	mem := memory.New(id, m.detector, m.summarizer)
	orch := orchestrate.New(mem, panelists)

	sess := &Session{
		ID:           id,
		Mission:      mission,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
		Memory:       mem,
		Orchestrator: orch,
		Panelists:    panelists,
		isActive:     active,
	}

	mem.Subscribe(func(kind memory.EventKind, _ any) {
		if kind != memory.EventMessageAdded {
			return
		}
		sess.mu.Lock()
		sess.UpdatedAt = time.Now()
		sess.mu.Unlock()
	})

	sess.consolidator = NewConsolidator(ConsolidatorConfig{
		Store:     m.store,
		Memory:    mem,
		SessionID: id,
		Interval:  m.consolidationInterval,
	})
	// ctx is usually request-scoped; the consolidation loop must outlive the
	// request that created the session and stop via Stop or process shutdown.
	sess.consolidator.Start(context.WithoutCancel(ctx))
	return sess
}

// GetSession returns the live in-process session for id, or
// ErrSessionNotFound. It never touches the persistent store; use
// [Manager.LookupSession] on read paths that should survive a restart.
func (m *Manager) GetSession(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// LookupSession returns the session for id, checking the in-process map
// first and falling through to the persistent store on a miss. A store hit
// rehydrates the session: panelist providers are reconstructed from their
// records, failing hard if any cannot be (the same rule CreateSession
// applies), group memory is restored from its last snapshot, and the
// session is re-registered in the in-process map.
func (m *Manager) LookupSession(ctx context.Context, id string) (*Session, error) {
	if sess, err := m.GetSession(id); err == nil {
		return sess, nil
	}

	rec, found, err := m.store.LoadSession(ctx, id)
	if err != nil || !found {
		return nil, ErrSessionNotFound
	}

	panelists := make([]orchestrate.Panelist, 0, len(rec.Panelists))
	for _, pr := range rec.Panelists {
		p, err := m.buildPanelist(pr.ID, config.Persona{
			Provider:     pr.Provider,
			ModelName:    pr.ModelName,
			Role:         pr.Role,
			PromptPrefix: pr.PromptPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("session: rehydrate session %s: %w", id, err)
		}
		panelists = append(panelists, p)
	}

	sess := m.wireSession(ctx, rec.ID, rec.Mission, rec.CreatedAt, panelists, rec.IsActive)
	if snap, found, err := m.store.LoadMemorySnapshot(ctx, id); err == nil && found {
		sess.Memory.Restore(snap)
	}

	m.mu.Lock()
	// A concurrent lookup may have rehydrated first; keep the registered one.
	if existing, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		sess.consolidator.Stop()
		return existing, nil
	}
	m.sessions[id] = sess
	m.mu.Unlock()

	return sess, nil
}

// ListActiveSessions returns every currently active session.
func (m *Manager) ListActiveSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.IsActive() {
			out = append(out, s)
		}
	}
	return out
}

// Stats returns the collaboration statistics for session id.
func (m *Manager) Stats(id string) (memory.Stats, error) {
	sess, err := m.GetSession(id)
	if err != nil {
		return memory.Stats{}, err
	}
	return sess.Memory.Stats(), nil
}

// EndSession marks a session inactive, releases its orchestrator, and
// deletes its persisted state outright rather than archiving it.
func (m *Manager) EndSession(ctx context.Context, id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}

	sess.mu.Lock()
	sess.isActive = false
	sess.mu.Unlock()

	sess.consolidator.Stop()

	if err := m.store.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("session: end session: delete store record: %w", err)
	}
	return nil
}

// AvailableModels returns the persona map available for panel selection,
// matching the original ModelFactory.get_available_models surface.
func (m *Manager) AvailableModels() map[string]config.Persona {
	out := make(map[string]config.Persona, len(m.personas))
	for k, v := range m.personas {
		out[k] = v
	}
	return out
}

// ParticipantStates returns session id's current per-panelist lifecycle
// states.
func (m *Manager) ParticipantStates(id string) (map[string]provider.State, error) {
	sess, err := m.GetSession(id)
	if err != nil {
		return nil, err
	}
	return sess.Orchestrator.ParticipantStates(), nil
}
