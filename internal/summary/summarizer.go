// Package summary implements the rolling context summarizer: it
// decides when a session's conversation log has grown large enough to
// warrant compression, and produces a short natural-language summary of the
// older portion of the log while leaving the most recent turns verbatim.
package summary

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kestrelai/synapse/pkg/provider"
)

// charsPerToken is the heuristic ratio used for token estimation, the same
// ~4-chars-per-token approximation used throughout the system. Budgeting
// only needs estimates, not exact tokenizer counts.
const charsPerToken = 4

// keepVerbatim (K) is the number of newest log entries always left
// unsummarized.
const keepVerbatim = 10

// defaultContextLimit is the token budget against which the 70% trigger
// ratio is evaluated when the caller does not override it.
const defaultContextLimit = 3000

// triggerRatio is the fraction of the context limit, measured over the last
// 20 messages, that triggers summarization.
const triggerRatio = 0.7

// minMessagesForTrigger is the minimum total log length before
// summarization is ever considered.
const minMessagesForTrigger = 10

// windowForTrigger is how many of the newest messages are token-counted
// when evaluating the trigger.
const windowForTrigger = 20

// maxEntryChars caps each formatted older-message line so one long turn
// cannot dominate the summarization prompt.
const maxEntryChars = 500

// rubric is the fixed instruction sent to the backend alongside the
// formatted older messages.
const rubric = `Summarize this collaborative AI discussion concisely:

%s

Create a brief summary (max 200 words) that:
1. Captures the main mission/goal
2. Lists key insights from each AI participant
3. Notes any important decisions or conclusions
4. Highlights areas of collaboration/disagreement

Summary:`

// Entry is the minimal view of a log message the summarizer needs. It is
// deliberately decoupled from the group memory's richer Message type so
// that this package has no dependency on internal/memory.
type Entry struct {
	// AuthorLabel is the display name used in the formatted transcript —
	// "user" for the human turn, a participant id for panelist turns, or
	// "system" for injected notices.
	AuthorLabel string

	// Content is the message body.
	Content string

	// IsUser marks the human-authored turn, used by the deterministic
	// fallback to locate "the first user turn".
	IsUser bool
}

// cacheEntry records the state of the most recent summarization for one
// session, used to short-circuit regeneration until the log has grown.
type cacheEntry struct {
	summary        string
	summarizedThru int // log length at the time this summary was produced
}

// Summarizer produces and caches per-session rolling summaries.
//
// Safe for concurrent use across sessions; per-session state is guarded by
// an internal mutex.
type Summarizer struct {
	backend      provider.Provider // may be nil — triggers the deterministic fallback
	contextLimit int
	observer     func(outcome string, elapsed time.Duration)

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// Option configures a [Summarizer] at construction.
type Option func(*Summarizer)

// WithObserver registers a hook invoked after every summarization run with
// its outcome ("llm" or "fallback") and duration. Used to feed metrics
// without coupling this package to observe.
func WithObserver(f func(outcome string, elapsed time.Duration)) Option {
	return func(s *Summarizer) { s.observer = f }
}

// New creates a Summarizer. backend may be nil, in which case every trigger
// produces the deterministic fallback summary. contextLimit defaults to
// 3000 when <= 0.
func New(backend provider.Provider, contextLimit int, opts ...Option) *Summarizer {
	if contextLimit <= 0 {
		contextLimit = defaultContextLimit
	}
	s := &Summarizer{
		backend:      backend,
		contextLimit: contextLimit,
		cache:        make(map[string]cacheEntry),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Trigger evaluates whether sessionID's log warrants (re)summarization and,
// if so, produces one. log is the full session log in chronological order.
//
// Returns changed=false when no new summary was produced — either because
// the trigger condition isn't met, or because a cached summary is still
// valid (the log has grown by fewer than [keepVerbatim] messages since the
// last summarization). When changed is false, the caller should leave its
// existing summary string untouched; callers that want the last known
// summary regardless may use the returned summary value, which is always
// the most current one on record (cached or fresh).
func (s *Summarizer) Trigger(ctx context.Context, sessionID string, log []Entry) (summaryText string, changed bool, err error) {
	s.mu.Lock()
	cached, hasCached := s.cache[sessionID]
	s.mu.Unlock()

	if !s.shouldSummarize(log) {
		return cached.summary, false, nil
	}

	if hasCached && len(log)-cached.summarizedThru < keepVerbatim {
		return cached.summary, false, nil
	}

	if len(log) <= keepVerbatim {
		return cached.summary, false, nil
	}
	older := log[:len(log)-keepVerbatim]
	if len(older) == 0 {
		return cached.summary, false, nil
	}

	start := time.Now()
	text, genErr := s.generate(ctx, older)
	outcome := "llm"
	if genErr != nil {
		text = fallbackSummary(older)
		outcome = "fallback"
	}
	if s.observer != nil {
		s.observer(outcome, time.Since(start))
	}

	s.mu.Lock()
	s.cache[sessionID] = cacheEntry{summary: text, summarizedThru: len(log)}
	s.mu.Unlock()

	return text, true, nil
}

// shouldSummarize reports whether the log warrants compression: within the
// last 20 messages, estimated tokens exceed 70% of the context limit, and
// the log holds at least 10 messages total.
func (s *Summarizer) shouldSummarize(log []Entry) bool {
	if len(log) < minMessagesForTrigger {
		return false
	}
	start := 0
	if len(log) > windowForTrigger {
		start = len(log) - windowForTrigger
	}
	tokens := 0
	for _, e := range log[start:] {
		tokens += EstimateTokens(e.Content)
	}
	return float64(tokens) > triggerRatio*float64(s.contextLimit)
}

// generate formats older as one line per message and asks the backend for
// a summary. Returns an error if no backend is configured or the backend
// call fails; the caller falls back to [fallbackSummary] in that case.
func (s *Summarizer) generate(ctx context.Context, older []Entry) (string, error) {
	if s.backend == nil {
		return "", fmt.Errorf("summary: no backend configured")
	}

	var lines strings.Builder
	for _, e := range older {
		content := e.Content
		if len(content) > maxEntryChars {
			content = content[:maxEntryChars]
		}
		fmt.Fprintf(&lines, "%s: %s\n", e.AuthorLabel, content)
	}

	prompt := fmt.Sprintf(rubric, lines.String())
	resp, err := s.backend.Complete(ctx, provider.CompletionRequest{
		Messages: []provider.Message{
			{Role: provider.RoleUser, Content: prompt},
		},
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("summary: backend complete: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// fallbackSummary deterministically summarizes older without a backend:
// message count, per-author counts, and the first user turn truncated to
// 100 chars.
func fallbackSummary(older []Entry) string {
	counts := make(map[string]int)
	order := make([]string, 0)
	var firstUser string
	for _, e := range older {
		if _, ok := counts[e.AuthorLabel]; !ok {
			order = append(order, e.AuthorLabel)
		}
		counts[e.AuthorLabel]++
		if firstUser == "" && e.IsUser {
			firstUser = e.Content
			if len(firstUser) > 100 {
				firstUser = firstUser[:100]
			}
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Previous discussion (%d messages): ", len(older))
	parts := make([]string, 0, len(order))
	for _, a := range order {
		parts = append(parts, fmt.Sprintf("%s (%d)", a, counts[a]))
	}
	sb.WriteString(strings.Join(parts, ", "))
	if firstUser != "" {
		fmt.Fprintf(&sb, ". Initial request: %s", firstUser)
	}
	return sb.String()
}

// EstimateTokens applies the package-wide ~4-chars-per-token heuristic to a
// single string.
func EstimateTokens(s string) int {
	n := len(s) / charsPerToken
	if n == 0 && len(s) > 0 {
		n = 1
	}
	return n
}
