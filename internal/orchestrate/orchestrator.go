// Package orchestrate implements the streaming orchestrator: it fans a
// user's mission out to every panelist's [provider.Provider] concurrently,
// merges their partial output into one interleaved event stream, and
// isolates any single panelist's failure from the rest of the session.
package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kestrelai/synapse/internal/memory"
	"github.com/kestrelai/synapse/pkg/provider"
)

// ErrRunInFlight is returned by Run when a previous orchestration call on
// the same session has not yet finished. At most one streamed message per
// participant may be in flight at a time, so a whole orchestration round
// must drain before the next begins.
var ErrRunInFlight = errors.New("orchestrate: an orchestration is already in flight for this session")

// defaultIdleTimeout bounds the gap between consecutive chunks from one
// panelist's stream; exceeding it is treated as a stream failure.
const defaultIdleTimeout = 30 * time.Second

// realtimeHintWindow is the cheap, approximate window the real-time hint
// scans. Intentionally narrower than the authoritative 10-message detector
// window: the hint fires on every chunk and must stay cheap.
const realtimeHintWindow = 5

// buildingPhrases are the lexical cues the real-time hint looks for while a
// panelist is still streaming. Deliberately narrower than the detector's
// full pattern table: this is a hint, not a classification.
var buildingPhrases = []string{
	"building on", "as mentioned", "following up",
	"to add to", "expanding on", "great point",
}

// contextLimitGPT4 and contextLimitDefault are the per-model token budgets
// handed to [memory.GroupMemory.BudgetedContextView]; large-context model
// families get the bigger window.
const (
	contextLimitGPT4    = 8000
	contextLimitDefault = 4000
)

// Panelist pairs one panel member's backing adapter with its display
// identity. ID is the stable key used throughout the session (memory
// authorship, participant state, API responses); DisplayName is the
// human-readable name used in injected system notices.
type Panelist struct {
	ID          string
	DisplayName string
	ModelName   string

	// SystemPrompt is the persona's prompt prefix, emitted as the leading
	// system turn of every context handed to Provider.
	SystemPrompt string

	Provider provider.Provider
}

// EventKind classifies one emitted [Event].
type EventKind string

const (
	EventChunk    EventKind = "chunk"
	EventComplete EventKind = "complete"
	EventSystem   EventKind = "system"
)

// Event is one unit of the orchestrator's merged output stream. Order
// between events from different participants is not guaranteed; order of
// events from the same ParticipantID is preserved.
type Event struct {
	ParticipantID string
	Kind          EventKind
	Content       string
	SynapseHintID string // non-empty when the real-time hint fired on this chunk
	Metadata      map[string]any
}

// Orchestrator drives one session's concurrent fan-out/merge cycle. One
// Orchestrator instance is owned by exactly one session for its lifetime.
//
// All exported methods are safe for concurrent use.
type Orchestrator struct {
	mem         *memory.GroupMemory
	panelists   []Panelist
	idleTimeout time.Duration

	running atomic.Bool

	mu     sync.RWMutex
	states map[string]provider.State
}

// Option configures an Orchestrator at construction.
type Option func(*Orchestrator)

// WithIdleTimeout overrides the default 30s idle-chunk timeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.idleTimeout = d }
}

// New creates an Orchestrator bound to mem, driving panelists. Construction
// never fails; per-panelist failures surface only once Run streams.
func New(mem *memory.GroupMemory, panelists []Panelist, opts ...Option) *Orchestrator {
	states := make(map[string]provider.State, len(panelists))
	for _, p := range panelists {
		states[p.ID] = provider.StateStandby
	}
	o := &Orchestrator{mem: mem, panelists: panelists, states: states, idleTimeout: defaultIdleTimeout}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ParticipantStates returns a snapshot of every panelist's current
// lifecycle state.
func (o *Orchestrator) ParticipantStates() map[string]provider.State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]provider.State, len(o.states))
	for k, v := range o.states {
		out[k] = v
	}
	return out
}

func (o *Orchestrator) setState(id string, s provider.State) {
	o.mu.Lock()
	o.states[id] = s
	o.mu.Unlock()
}

// Run appends userInput to the session's memory as a mission turn, then
// streams every panelist concurrently, emitting merged [Event] values on
// the returned channel. The channel closes once every panelist has
// finished (successfully, by error, or via ctx cancellation).
//
// A panelist failing mid-stream never aborts the others: Run injects a
// system notice message into memory and emits an [EventSystem] event for
// it, then continues merging the remaining panelists' output. There is no
// retry.
func (o *Orchestrator) Run(ctx context.Context, userInput string) (<-chan Event, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrRunInFlight
	}

	if err := o.mem.Append(ctx, memory.Message{
		AuthorKind: memory.AuthorUser,
		Kind:       memory.KindMission,
		Content:    userInput,
	}); err != nil {
		o.running.Store(false)
		return nil, fmt.Errorf("orchestrate: append mission: %w", err)
	}

	out := make(chan Event, 16)

	// Each panelist runs as an independent errgroup task sharing ctx; a
	// task always returns nil because per-panelist failure is isolated and
	// reported as an emitted event, never propagated to Wait.
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range o.panelists {
		g.Go(func() error {
			o.runPanelist(gctx, p, out)
			return nil
		})
	}

	go func() {
		_ = g.Wait()
		o.running.Store(false)
		close(out)
	}()

	return out, nil
}

// runPanelist drives one panelist's full stream to completion or failure,
// emitting chunk/complete/system events on out. It never panics or returns
// an error to the caller — all failure is surfaced as an emitted event.
func (o *Orchestrator) runPanelist(ctx context.Context, p Panelist, out chan<- Event) {
	o.setState(p.ID, provider.StateThinking)

	limit := contextLimitDefault
	if strings.Contains(strings.ToLower(modelHint(p)), "gpt-4") {
		limit = contextLimitGPT4
	}
	contextMsgs := o.mem.BudgetedContextView(modelHint(p), limit)

	messages := make([]provider.Message, 0, len(contextMsgs)+1)
	if p.SystemPrompt != "" {
		messages = append(messages, provider.Message{Role: provider.RoleSystem, Content: p.SystemPrompt})
	}
	messages = append(messages, toProviderMessages(contextMsgs)...)

	stream, err := p.Provider.Stream(ctx, provider.CompletionRequest{Messages: messages})
	if err != nil {
		o.handleFailure(ctx, p, out, err)
		return
	}

	o.setState(p.ID, provider.StateResponding)

	var buf strings.Builder
	messageID := uuid.NewString()

	idle := time.NewTimer(o.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case chunk, ok := <-stream:
			if !ok {
				// A stream the provider closed because ctx was cancelled is
				// a cancelled stream, not a clean one: the partial buffer is
				// discarded, nothing is appended, no notice is injected.
				if ctx.Err() != nil {
					o.setState(p.ID, provider.StateError)
					return
				}
				o.finalize(ctx, p, out, messageID, buf.String())
				return
			}
			if chunk.Err != nil {
				o.handleFailure(ctx, p, out, chunk.Err)
				return
			}
			if chunk.Text == "" {
				continue
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(o.idleTimeout)
			buf.WriteString(chunk.Text)

			hintID := ""
			if containsBuildingPhrase(buf.String()) {
				if id, ok := o.mem.RecentMessageFrom(p.ID, realtimeHintWindow); ok {
					hintID = id
				}
			}

			select {
			case out <- Event{ParticipantID: p.ID, Kind: EventChunk, Content: chunk.Text, SynapseHintID: hintID}:
			case <-ctx.Done():
				o.setState(p.ID, provider.StateError)
				return
			}
		case <-idle.C:
			o.handleFailure(ctx, p, out, fmt.Errorf("orchestrate: no chunk received for %s", o.idleTimeout))
			return
		case <-ctx.Done():
			o.setState(p.ID, provider.StateError)
			return
		}
	}
}

// finalize appends the completed response to memory (running synapse
// detection and the summarization trigger), flips the panelist to complete,
// and emits its terminal event.
func (o *Orchestrator) finalize(ctx context.Context, p Panelist, out chan<- Event, messageID, complete string) {
	if err := o.mem.Append(ctx, memory.Message{
		ID:         messageID,
		AuthorKind: memory.AuthorParticipant,
		Author:     p.ID,
		Kind:       memory.KindResponse,
		Content:    complete,
	}); err != nil {
		slog.Error("orchestrate: append completed message", "participant", p.ID, "error", err)
	}

	o.setState(p.ID, provider.StateComplete)
	select {
	case out <- Event{ParticipantID: p.ID, Kind: EventComplete}:
	case <-ctx.Done():
	}
}

// handleFailure injects a system notice into memory describing p's
// failure and emits the corresponding system event, then marks p's state
// as error. Isolated per panelist — it never affects any other goroutine.
func (o *Orchestrator) handleFailure(ctx context.Context, p Panelist, out chan<- Event, cause error) {
	slog.Warn("orchestrate: panelist stream failed", "participant", p.ID, "error", cause)
	o.setState(p.ID, provider.StateError)

	notice := fmt.Sprintf("[System Notice] %s has temporarily left the conversation due to a technical issue.", p.DisplayName)
	appendErr := o.mem.Append(ctx, memory.Message{
		AuthorKind: memory.AuthorSystem,
		Kind:       memory.KindSystem,
		Content:    notice,
		Metadata: map[string]any{
			"error_type":    "provider_failure",
			"failed_model":  p.ID,
			"error_details": cause.Error(),
		},
	})
	if appendErr != nil {
		slog.Error("orchestrate: append failure notice", "participant", p.ID, "error", appendErr)
	}
	o.mem.RecordEvent(memory.EventKindProviderFailure, []string{p.ID}, fmt.Sprintf("%s left the session: %s", p.DisplayName, cause))

	select {
	case out <- Event{
		ParticipantID: "system",
		Kind:          EventSystem,
		Content:       notice,
		Metadata:      map[string]any{"event": "provider_failure", "participant": p.ID},
	}:
	case <-ctx.Done():
	}
}

// modelHint returns a string the context-limit heuristic can substring-match
// against, preferring the panelist's configured model name and falling back
// to its ID when no model name was set (e.g. in tests).
func modelHint(p Panelist) string {
	if p.ModelName != "" {
		return p.ModelName
	}
	return p.ID
}

func containsBuildingPhrase(s string) bool {
	lower := strings.ToLower(s)
	for _, phrase := range buildingPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func toProviderMessages(msgs []memory.ContextMessage) []provider.Message {
	out := make([]provider.Message, len(msgs))
	for i, m := range msgs {
		out[i] = provider.Message{Role: m.Role, Content: m.Content}
	}
	return out
}
