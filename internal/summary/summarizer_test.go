package summary

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kestrelai/synapse/pkg/provider"
	"github.com/kestrelai/synapse/pkg/provider/mock"
)

func longEntry(label, filler string, n int) Entry {
	return Entry{AuthorLabel: label, Content: strings.Repeat(filler+" ", n)}
}

func TestTrigger_BelowMinMessages_NoTrigger(t *testing.T) {
	s := New(nil, 3000)
	log := []Entry{{AuthorLabel: "user", Content: "hello", IsUser: true}}

	summaryText, changed, err := s.Trigger(context.Background(), "s1", log)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if changed {
		t.Fatal("expected no trigger below minimum message count")
	}
	if summaryText != "" {
		t.Fatalf("expected empty summary, got %q", summaryText)
	}
}

func TestTrigger_FallbackWithoutBackend(t *testing.T) {
	s := New(nil, 3000)

	var log []Entry
	log = append(log, Entry{AuthorLabel: "user", Content: "Design a library membership system please help us out", IsUser: true})
	for i := 0; i < 19; i++ {
		log = append(log, longEntry("gpt-4o", "word", 400))
	}

	summaryText, changed, err := s.Trigger(context.Background(), "s1", log)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if !changed {
		t.Fatal("expected trigger to fire")
	}
	if !strings.Contains(summaryText, "Previous discussion") {
		t.Errorf("expected deterministic fallback text, got %q", summaryText)
	}
	if !strings.Contains(summaryText, "Initial request:") {
		t.Errorf("expected fallback to include initial request, got %q", summaryText)
	}
}

func TestTrigger_ObserverReceivesOutcome(t *testing.T) {
	var outcomes []string
	s := New(nil, 3000, WithObserver(func(outcome string, _ time.Duration) {
		outcomes = append(outcomes, outcome)
	}))

	var log []Entry
	log = append(log, Entry{AuthorLabel: "user", Content: "mission", IsUser: true})
	for i := 0; i < 19; i++ {
		log = append(log, longEntry("gpt-4o", "word", 400))
	}

	if _, changed, err := s.Trigger(context.Background(), "s1", log); err != nil || !changed {
		t.Fatalf("Trigger: changed=%v err=%v", changed, err)
	}
	if len(outcomes) != 1 || outcomes[0] != "fallback" {
		t.Errorf("outcomes = %v, want [fallback]", outcomes)
	}
}

func TestTrigger_UsesBackendWhenAvailable(t *testing.T) {
	backend := &mock.Provider{
		CompleteResponse: &provider.CompletionResponse{Content: "A concise summary."},
	}
	s := New(backend, 3000)

	var log []Entry
	log = append(log, Entry{AuthorLabel: "user", Content: "Design a library membership system.", IsUser: true})
	for i := 0; i < 19; i++ {
		log = append(log, longEntry("gpt-4o", "word", 400))
	}

	summaryText, changed, err := s.Trigger(context.Background(), "s1", log)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if !changed {
		t.Fatal("expected trigger to fire")
	}
	if summaryText != "A concise summary." {
		t.Errorf("summary = %q, want backend response", summaryText)
	}
	if len(backend.CompleteCalls) != 1 {
		t.Fatalf("expected exactly one backend call, got %d", len(backend.CompleteCalls))
	}
}

func TestTrigger_BackendErrorFallsBack(t *testing.T) {
	backend := &mock.Provider{CompleteErr: errors.New("rate limited")}
	s := New(backend, 3000)

	var log []Entry
	log = append(log, Entry{AuthorLabel: "user", Content: "mission text", IsUser: true})
	for i := 0; i < 19; i++ {
		log = append(log, longEntry("gpt-4o", "word", 400))
	}

	summaryText, changed, err := s.Trigger(context.Background(), "s1", log)
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if !changed {
		t.Fatal("expected trigger to fire")
	}
	if !strings.Contains(summaryText, "Previous discussion") {
		t.Errorf("expected fallback on backend error, got %q", summaryText)
	}
}

func TestTrigger_CacheHitUntilGrowthExceedsK(t *testing.T) {
	backend := &mock.Provider{
		CompleteResponse: &provider.CompletionResponse{Content: "first summary"},
	}
	s := New(backend, 3000)

	var log []Entry
	log = append(log, Entry{AuthorLabel: "user", Content: "mission", IsUser: true})
	for i := 0; i < 19; i++ {
		log = append(log, longEntry("gpt-4o", "word", 400))
	}

	first, changed, _ := s.Trigger(context.Background(), "s1", log)
	if !changed || first != "first summary" {
		t.Fatalf("expected first trigger to produce summary, got %q changed=%v", first, changed)
	}

	// Append fewer than K=10 new messages: should be a cache hit, no new backend call.
	log = append(log, longEntry("claude-3.5", "more", 400))
	second, changed2, _ := s.Trigger(context.Background(), "s1", log)
	if changed2 {
		t.Fatal("expected cache hit, not a new trigger")
	}
	if second != "first summary" {
		t.Errorf("expected cached summary to persist, got %q", second)
	}
	if len(backend.CompleteCalls) != 1 {
		t.Fatalf("expected no additional backend calls, got %d total", len(backend.CompleteCalls))
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Errorf("empty string estimate = %d, want 0", got)
	}
	if got := EstimateTokens("ab"); got != 1 {
		t.Errorf("short string estimate = %d, want 1", got)
	}
	if got := EstimateTokens(strings.Repeat("a", 40)); got != 10 {
		t.Errorf("40-char estimate = %d, want 10", got)
	}
}
