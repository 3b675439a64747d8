// Package memory implements the shared group memory: the per-session,
// append-only conversation log, its derived synapse graph and
// collaboration-event trail, token-budgeted context projections for
// panelists, and a one-way subscriber fan-out for real-time propagation.
//
// A [GroupMemory] exclusively owns the message/synapse/event log for one
// session; it is mutated only from inside the owning orchestrator's
// serialized append path and from store-rehydration. All exported methods
// are safe for concurrent use — writes are serialized internally, reads
// observe a consistent snapshot of the committed log.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelai/synapse/internal/summary"
	"github.com/kestrelai/synapse/internal/synapse"
	"github.com/kestrelai/synapse/pkg/provider"
)

// AuthorKind identifies who produced a [Message].
type AuthorKind string

const (
	AuthorUser        AuthorKind = "user"
	AuthorParticipant AuthorKind = "participant"
	AuthorSystem      AuthorKind = "system"
)

// MessageKind classifies the role a [Message] plays in the collaboration.
type MessageKind string

const (
	KindMission   MessageKind = "mission"
	KindResponse  MessageKind = "response"
	KindSynthesis MessageKind = "synthesis"
	KindAnalysis  MessageKind = "analysis"
	KindCreative  MessageKind = "creative"
	KindGuidance  MessageKind = "guidance"
	KindSystem    MessageKind = "system"
)

// synapseEligible is the set of message kinds that trigger synapse
// detection on append. User, system, and guidance turns never form
// synapses.
var synapseEligible = map[MessageKind]bool{
	KindResponse:  true,
	KindSynthesis: true,
	KindAnalysis:  true,
}

// Message is one append-only turn in a session's shared log.
type Message struct {
	ID          string
	SessionID   string
	AuthorKind  AuthorKind
	Author      string // participant id; empty for user/system turns
	Kind        MessageKind
	Content     string
	Timestamp   time.Time
	SynapseRefs map[string]string // anchor author id → anchor message id
	Metadata    map[string]any
}

// SynapseConnection is a typed, directed building relationship between two
// finalized messages in the same session.
type SynapseConnection struct {
	ID            string
	FromMessageID string
	ToMessageID   string
	Kind          synapse.Kind
	Strength      float64
	Timestamp     time.Time
}

// Collaboration event kinds.
const (
	EventKindSynapseDetected = "synapse_detected"
	EventKindProviderFailure = "provider_failure"
)

// CollaborationEvent records a notable moment in the session's
// collaboration — currently synapse detections and provider failures.
type CollaborationEvent struct {
	ID                   string
	SessionID            string
	Kind                 string
	InvolvedParticipants []string
	Description          string
	Timestamp            time.Time
}

// ContextMessage is one entry of a role-tagged context projection handed to
// a provider adapter.
type ContextMessage struct {
	Role     provider.Role
	Content  string
	Metadata map[string]any
}

// EventKind identifies the kind of update delivered to a subscriber.
type EventKind string

const (
	EventMessageAdded    EventKind = "message_added"
	EventSynapseDetected EventKind = "synapse_detected"
	EventContextUpdated  EventKind = "context_updated"
)

// Subscriber receives memory update notifications. Implementations must be
// non-blocking; a slow or misbehaving subscriber must not stall appends to
// the log.
type Subscriber func(kind EventKind, payload any)

// SubscriptionID is an opaque handle returned by [GroupMemory.Subscribe]
// and passed to [GroupMemory.Unsubscribe]. Subscribers hold only this
// token, never a reference back into the memory's internals, keeping the
// update flow strictly one-way.
type SubscriptionID int

// Stats summarizes a session's collaboration so far.
type Stats struct {
	TotalMessages            int
	TotalSynapses            int
	SynapseBreakdown         map[synapse.Kind]int
	ParticipantMessageCounts map[string]int
	CollaborationEvents      int
	CollaborationDensity     float64
}

// Snapshot is a lossless serialization of a GroupMemory's observable state,
// used by the persistent store.
type Snapshot struct {
	SessionID string
	Messages  []Message
	Synapses  []SynapseConnection
	Events    []CollaborationEvent
	Summary   string
}

// synapseWindow is how many messages preceding a newly finalized one the
// authoritative detector call considers.
const synapseWindow = 10

// TokenEstimator estimates the token cost of text for a given model name.
// The default implementation ignores model and applies the package-wide
// ~4-chars-per-token heuristic; budgeting only needs estimates.
type TokenEstimator func(model, text string) int

// GroupMemory is the per-session shared conversation log.
type GroupMemory struct {
	sessionID  string
	detector   *synapse.Detector
	summarizer *summary.Summarizer
	estimate   TokenEstimator

	mu       sync.Mutex
	messages []Message
	synapses []SynapseConnection
	events   []CollaborationEvent
	summary  string

	subMu     sync.Mutex
	subs      map[SubscriptionID]Subscriber
	nextSubID SubscriptionID
}

// Option configures a [GroupMemory] at construction.
type Option func(*GroupMemory)

// WithTokenEstimator overrides the default chars/4 heuristic.
func WithTokenEstimator(f TokenEstimator) Option {
	return func(g *GroupMemory) { g.estimate = f }
}

// New creates an empty GroupMemory for sessionID. detector and summarizer
// may be nil only in tests that don't exercise synapse detection or
// summarization; production callers always supply both.
func New(sessionID string, detector *synapse.Detector, summarizer *summary.Summarizer, opts ...Option) *GroupMemory {
	g := &GroupMemory{
		sessionID:  sessionID,
		detector:   detector,
		summarizer: summarizer,
		estimate:   defaultTokenEstimator,
		subs:       make(map[SubscriptionID]Subscriber),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func defaultTokenEstimator(_ string, text string) int {
	return summary.EstimateTokens(text)
}

// pendingEvent batches one subscriber notification so it can be fired after
// the lock protecting the log is released.
type pendingEvent struct {
	kind    EventKind
	payload any
}

// Append adds message to the log, running synapse detection and the
// summarization trigger as applicable, then notifies subscribers.
//
// All log mutation happens while holding the internal lock; detector and
// summarizer calls, which may block on network I/O, also happen under the
// lock so that every append is fully serialized within its session.
// Subscriber notification happens after the lock is released so that a
// slow subscriber cannot stall a concurrent read of the log.
func (g *GroupMemory) Append(ctx context.Context, msg Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.SynapseRefs == nil {
		msg.SynapseRefs = make(map[string]string)
	}

	g.mu.Lock()

	g.messages = append(g.messages, msg)
	idx := len(g.messages) - 1

	var pending []pendingEvent
	pending = append(pending, pendingEvent{kind: EventMessageAdded, payload: g.messages[idx]})

	if synapseEligible[msg.Kind] && g.detector != nil {
		conn, event, detectErr := g.detectSynapse(ctx, idx)
		if detectErr != nil {
			// Detector failures never propagate — log is unaffected.
		} else if conn != nil {
			g.synapses = append(g.synapses, *conn)
			g.events = append(g.events, *event)
			pending = append(pending, pendingEvent{kind: EventSynapseDetected, payload: *conn})
		}
	}

	if g.summarizer != nil {
		text, changed, _ := g.summarizer.Trigger(ctx, g.sessionID, g.entriesLocked())
		if changed {
			g.summary = text
		}
	}

	snapshot := append([]Message(nil), g.messages...)
	summaryText := g.summary
	g.mu.Unlock()

	pending = append(pending, pendingEvent{kind: EventContextUpdated, payload: contextFromLog(summaryText, snapshot, defaultMaxContextMessages)})

	g.notify(pending)
	return nil
}

// detectSynapse runs the detector over the window preceding g.messages[idx] and, on a
// positive classification, updates g.messages[idx].SynapseRefs in place.
// Must be called with g.mu held.
func (g *GroupMemory) detectSynapse(ctx context.Context, idx int) (*SynapseConnection, *CollaborationEvent, error) {
	start := idx - synapseWindow
	if start < 0 {
		start = 0
	}
	window := g.messages[start:idx]

	candidates := make([]synapse.Candidate, 0, len(window))
	for _, m := range window {
		candidates = append(candidates, synapse.Candidate{ID: m.ID, Author: participantKey(m), Content: m.Content})
	}
	newCandidate := synapse.Candidate{ID: g.messages[idx].ID, Author: participantKey(g.messages[idx]), Content: g.messages[idx].Content}

	classification, err := g.detector.Detect(ctx, newCandidate, candidates)
	if err != nil || classification == nil {
		return nil, nil, err
	}

	anchorAuthor := ""
	for _, m := range window {
		if m.ID == classification.AnchorID {
			anchorAuthor = participantKey(m)
			break
		}
	}

	conn := SynapseConnection{
		ID:            uuid.NewString(),
		FromMessageID: g.messages[idx].ID,
		ToMessageID:   classification.AnchorID,
		Kind:          classification.Kind,
		Strength:      classification.Strength,
		Timestamp:     time.Now(),
	}
	g.messages[idx].SynapseRefs[anchorAuthor] = classification.AnchorID

	event := CollaborationEvent{
		ID:                   uuid.NewString(),
		SessionID:            g.sessionID,
		Kind:                 EventKindSynapseDetected,
		InvolvedParticipants: []string{anchorAuthor, g.messages[idx].Author},
		Description:          fmt.Sprintf("%s %s %s's idea", g.messages[idx].Author, classification.Kind, anchorAuthor),
		Timestamp:            time.Now(),
	}
	return &conn, &event, nil
}

// participantKey returns the identifier used to distinguish authors for
// synapse-eligibility comparisons: the participant id for participant
// messages, or the author kind itself for user/system messages (so that
// two user turns, say, are still treated as "same author" and excluded
// from connecting to each other).
func participantKey(m Message) string {
	if m.AuthorKind == AuthorParticipant {
		return m.Author
	}
	return string(m.AuthorKind)
}

// entriesLocked projects the current log into []summary.Entry. Must be
// called with g.mu held.
func (g *GroupMemory) entriesLocked() []summary.Entry {
	entries := make([]summary.Entry, len(g.messages))
	for i, m := range g.messages {
		entries[i] = summary.Entry{
			AuthorLabel: authorLabel(m),
			Content:     m.Content,
			IsUser:      m.AuthorKind == AuthorUser,
		}
	}
	return entries
}

func authorLabel(m Message) string {
	switch m.AuthorKind {
	case AuthorParticipant:
		return m.Author
	case AuthorSystem:
		return "system"
	default:
		return "user"
	}
}

// defaultMaxContextMessages is the default window for [GroupMemory.ContextView].
const defaultMaxContextMessages = 20

// ContextView emits the current summary (if any) as a leading system turn,
// followed by the last maxMessages log entries mapped to roles.
func (g *GroupMemory) ContextView(maxMessages int) []ContextMessage {
	if maxMessages <= 0 {
		maxMessages = defaultMaxContextMessages
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return contextFromLog(g.summary, g.messages, maxMessages)
}

func contextFromLog(summaryText string, log []Message, maxMessages int) []ContextMessage {
	out := make([]ContextMessage, 0, maxMessages+1)
	if summaryText != "" {
		out = append(out, ContextMessage{Role: provider.RoleSystem, Content: "Context Summary: " + summaryText})
	}

	start := 0
	if len(log) > maxMessages {
		start = len(log) - maxMessages
	}
	for _, m := range log[start:] {
		out = append(out, ContextMessage{
			Role:    roleFor(m),
			Content: contentFor(m),
			Metadata: map[string]any{
				"author":       m.Author,
				"message_kind": m.Kind,
				"timestamp":    m.Timestamp,
			},
		})
	}
	return out
}

func roleFor(m Message) provider.Role {
	switch m.AuthorKind {
	case AuthorSystem:
		return provider.RoleSystem
	case AuthorParticipant:
		return provider.RoleAssistant
	default:
		return provider.RoleUser
	}
}

func contentFor(m Message) string {
	if m.AuthorKind == AuthorParticipant && len(m.SynapseRefs) > 0 {
		return "[Building on previous ideas] " + m.Content
	}
	return m.Content
}

// responseReserve is the token budget reserved for the model's own reply,
// subtracted from every budgeted view.
const responseReserve = 200

// BudgetedContextView returns a context view trimmed so its estimated
// token count — under modelName's estimator — never exceeds tokenLimit. It
// walks the log from newest to oldest, admitting a message only while the
// running total stays within budget, then restores chronological order.
// The summary, if any, is always included and does not count against the
// walk (its cost is reserved up front).
func (g *GroupMemory) BudgetedContextView(modelName string, tokenLimit int) []ContextMessage {
	g.mu.Lock()
	summaryText := g.summary
	log := append([]Message(nil), g.messages...)
	g.mu.Unlock()

	summaryTokens := 0
	if summaryText != "" {
		summaryTokens = g.estimate(modelName, summaryText)
	}
	remaining := tokenLimit - summaryTokens - responseReserve

	var included []Message
	used := 0
	for i := len(log) - 1; i >= 0; i-- {
		tokens := g.estimate(modelName, log[i].Content)
		if used+tokens > remaining {
			break
		}
		included = append([]Message{log[i]}, included...)
		used += tokens
	}

	out := make([]ContextMessage, 0, len(included)+1)
	if summaryText != "" {
		out = append(out, ContextMessage{Role: provider.RoleSystem, Content: "Previous Conversation Summary: " + summaryText})
	}
	for _, m := range included {
		out = append(out, ContextMessage{
			Role:    roleFor(m),
			Content: contentFor(m),
			Metadata: map[string]any{
				"author":       m.Author,
				"message_kind": m.Kind,
				"timestamp":    m.Timestamp,
			},
		})
	}
	return out
}

// Stats returns aggregate collaboration statistics for the session.
func (g *GroupMemory) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	breakdown := make(map[synapse.Kind]int)
	for _, s := range g.synapses {
		breakdown[s.Kind]++
	}
	perParticipant := make(map[string]int)
	for _, m := range g.messages {
		if m.AuthorKind == AuthorParticipant {
			perParticipant[m.Author]++
		}
	}

	density := 0.0
	if len(g.messages) > 0 {
		density = float64(len(g.synapses)) / float64(len(g.messages))
	} else if len(g.synapses) > 0 {
		density = float64(len(g.synapses))
	}

	return Stats{
		TotalMessages:            len(g.messages),
		TotalSynapses:            len(g.synapses),
		SynapseBreakdown:         breakdown,
		ParticipantMessageCounts: perParticipant,
		CollaborationEvents:      len(g.events),
		CollaborationDensity:     density,
	}
}

// Subscribe registers callback to receive update notifications and returns
// a handle for later unregistration.
func (g *GroupMemory) Subscribe(callback Subscriber) SubscriptionID {
	g.subMu.Lock()
	defer g.subMu.Unlock()
	g.nextSubID++
	id := g.nextSubID
	g.subs[id] = callback
	return id
}

// Unsubscribe removes a previously registered callback. A no-op if id is
// not (or no longer) registered.
func (g *GroupMemory) Unsubscribe(id SubscriptionID) {
	g.subMu.Lock()
	defer g.subMu.Unlock()
	delete(g.subs, id)
}

// notify fires every pending event to every current subscriber. Each
// callback is isolated: a panic is recovered and logged so that one
// misbehaving subscriber cannot stall or crash the append path.
func (g *GroupMemory) notify(events []pendingEvent) {
	g.subMu.Lock()
	callbacks := make([]Subscriber, 0, len(g.subs))
	for _, cb := range g.subs {
		callbacks = append(callbacks, cb)
	}
	g.subMu.Unlock()

	for _, ev := range events {
		for _, cb := range callbacks {
			invokeSubscriber(cb, ev.kind, ev.payload)
		}
	}
}

func invokeSubscriber(cb Subscriber, kind EventKind, payload any) {
	defer func() {
		if r := recover(); r != nil {
			// A subscriber panicking must not take down the append path.
			slog.Warn("memory: subscriber panicked", "event", kind, "panic", r)
		}
	}()
	cb(kind, payload)
}

// RecordEvent appends a collaboration event to the session's trail and
// returns the stored event. Used by the orchestrator for provider-failure
// events; synapse events are recorded internally by Append.
func (g *GroupMemory) RecordEvent(kind string, participants []string, description string) CollaborationEvent {
	ev := CollaborationEvent{
		ID:                   uuid.NewString(),
		SessionID:            g.sessionID,
		Kind:                 kind,
		InvolvedParticipants: append([]string(nil), participants...),
		Description:          description,
		Timestamp:            time.Now(),
	}
	g.mu.Lock()
	g.events = append(g.events, ev)
	g.mu.Unlock()
	return ev
}

// Snapshot returns a lossless copy of the memory's observable state for persistence.
func (g *GroupMemory) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Snapshot{
		SessionID: g.sessionID,
		Messages:  append([]Message(nil), g.messages...),
		Synapses:  append([]SynapseConnection(nil), g.synapses...),
		Events:    append([]CollaborationEvent(nil), g.events...),
		Summary:   g.summary,
	}
}

// Restore replaces the memory's state with snap. Used to rehydrate a
// GroupMemory from a persisted snapshot after a process restart.
func (g *GroupMemory) Restore(snap Snapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessionID = snap.SessionID
	g.messages = append([]Message(nil), snap.Messages...)
	g.synapses = append([]SynapseConnection(nil), snap.Synapses...)
	g.events = append([]CollaborationEvent(nil), snap.Events...)
	g.summary = snap.Summary
}

// SessionID returns the session this memory belongs to.
func (g *GroupMemory) SessionID() string { return g.sessionID }

// RecentMessageFrom scans the last window messages in the log, newest
// first, and returns the ID of the first one authored by a participant
// other than excludeAuthor. Used by the orchestrator's real-time synapse
// hint, which is deliberately cheaper and less precise than the
// authoritative detector call made on finalization.
func (g *GroupMemory) RecentMessageFrom(excludeAuthor string, window int) (id string, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	start := len(g.messages) - window
	if start < 0 {
		start = 0
	}
	for i := len(g.messages) - 1; i >= start; i-- {
		m := g.messages[i]
		if m.AuthorKind == AuthorParticipant && m.Author != excludeAuthor {
			return m.ID, true
		}
	}
	return "", false
}
