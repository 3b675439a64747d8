package memory

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/kestrelai/synapse/internal/summary"
	"github.com/kestrelai/synapse/internal/synapse"
)

func TestAppend_AssignsIDAndTimestamp(t *testing.T) {
	g := New("s1", nil, nil)
	err := g.Append(context.Background(), Message{
		AuthorKind: AuthorUser,
		Kind:       KindMission,
		Content:    "build a library system",
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	snap := g.Snapshot()
	if len(snap.Messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(snap.Messages))
	}
	if snap.Messages[0].ID == "" {
		t.Error("expected generated ID")
	}
	if snap.Messages[0].Timestamp.IsZero() {
		t.Error("expected generated timestamp")
	}
}

func TestAppend_DetectsSynapse(t *testing.T) {
	detector := synapse.New(nil)
	g := New("s1", detector, nil)
	ctx := context.Background()

	if err := g.Append(ctx, Message{AuthorKind: AuthorParticipant, Author: "claude-3.5", Kind: KindResponse, Content: "We should prioritize search functionality."}); err != nil {
		t.Fatalf("Append 1: %v", err)
	}
	if err := g.Append(ctx, Message{AuthorKind: AuthorParticipant, Author: "gpt-4o", Kind: KindResponse, Content: "Building on that, furthermore search should support fuzzy match."}); err != nil {
		t.Fatalf("Append 2: %v", err)
	}

	snap := g.Snapshot()
	if len(snap.Synapses) != 1 {
		t.Fatalf("expected 1 synapse connection, got %d", len(snap.Synapses))
	}
	if snap.Synapses[0].Kind != synapse.KindBuilding {
		t.Errorf("kind = %v, want building", snap.Synapses[0].Kind)
	}
	if len(snap.Events) != 1 {
		t.Fatalf("expected 1 collaboration event, got %d", len(snap.Events))
	}

	second := snap.Messages[1]
	if second.SynapseRefs["claude-3.5"] != snap.Messages[0].ID {
		t.Errorf("expected synapse ref to anchor message, got %v", second.SynapseRefs)
	}
}

func TestAppend_SameAuthorDoesNotConnect(t *testing.T) {
	detector := synapse.New(nil)
	g := New("s1", detector, nil)
	ctx := context.Background()

	g.Append(ctx, Message{AuthorKind: AuthorParticipant, Author: "gpt-4o", Kind: KindResponse, Content: "We should prioritize search."})
	g.Append(ctx, Message{AuthorKind: AuthorParticipant, Author: "gpt-4o", Kind: KindResponse, Content: "Building on that, furthermore search should be fuzzy."})

	snap := g.Snapshot()
	if len(snap.Synapses) != 0 {
		t.Fatalf("expected no synapses for same-author messages, got %d", len(snap.Synapses))
	}
}

func TestAppend_NonEligibleKindSkipsDetection(t *testing.T) {
	detector := synapse.New(nil)
	g := New("s1", detector, nil)
	ctx := context.Background()

	g.Append(ctx, Message{AuthorKind: AuthorParticipant, Author: "claude-3.5", Kind: KindResponse, Content: "We should prioritize search."})
	g.Append(ctx, Message{AuthorKind: AuthorSystem, Kind: KindSystem, Content: "Building on that, furthermore search should be fuzzy."})

	snap := g.Snapshot()
	if len(snap.Synapses) != 0 {
		t.Fatalf("expected system messages to be ineligible for detection, got %d synapses", len(snap.Synapses))
	}
}

func TestContextView_IncludesSummaryAsLeadingSystemTurn(t *testing.T) {
	g := New("s1", nil, nil)
	ctx := context.Background()
	g.Append(ctx, Message{AuthorKind: AuthorUser, Kind: KindMission, Content: "mission text"})
	g.summary = "a prior summary"

	view := g.ContextView(10)
	if len(view) != 2 {
		t.Fatalf("expected 2 context messages, got %d", len(view))
	}
	if view[0].Role != "system" || !strings.Contains(view[0].Content, "a prior summary") {
		t.Errorf("expected leading system summary turn, got %+v", view[0])
	}
}

func TestContextView_TrimsToWindow(t *testing.T) {
	g := New("s1", nil, nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		g.Append(ctx, Message{AuthorKind: AuthorUser, Kind: KindMission, Content: "msg"})
	}

	view := g.ContextView(3)
	if len(view) != 3 {
		t.Fatalf("expected window of 3, got %d", len(view))
	}
}

func TestBudgetedContextView_RespectsTokenLimit(t *testing.T) {
	g := New("s1", nil, nil)
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		g.Append(ctx, Message{AuthorKind: AuthorParticipant, Author: "gpt-4o", Kind: KindResponse, Content: strings.Repeat("word ", 50)})
	}

	view := g.BudgetedContextView("gpt-4o", 400)
	totalChars := 0
	for _, m := range view {
		totalChars += len(m.Content)
	}
	estimatedTokens := totalChars / 4
	if estimatedTokens > 200 {
		t.Errorf("estimated tokens %d exceeds budget 200 (limit 400 minus the 200-token reply reserve)", estimatedTokens)
	}
	if len(view) == 0 {
		t.Fatal("expected at least some messages to fit")
	}
	// Budgeted view should favor the newest messages. Every message here has
	// the same content, so only the last entry's content is checked.
	last := view[len(view)-1]
	if !strings.Contains(last.Content, "word") {
		t.Errorf("expected newest content retained, got %+v", last)
	}
}

func TestBudgetedContextView_NewestMessageAlwaysLast(t *testing.T) {
	g := New("s1", nil, nil)
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		g.Append(ctx, Message{AuthorKind: AuthorParticipant, Author: "gpt-4o", Kind: KindResponse, Content: strings.Repeat("x", 240)})
	}
	g.Append(ctx, Message{AuthorKind: AuthorParticipant, Author: "gpt-4o", Kind: KindResponse, Content: "the newest message"})

	view := g.BudgetedContextView("gpt-3.5", 2000)

	tokens := 0
	for _, m := range view {
		tokens += len(m.Content) / 4
	}
	if tokens > 1800 {
		t.Errorf("estimated tokens %d exceeds limit minus reserve (1800)", tokens)
	}
	if len(view) == 0 {
		t.Fatal("expected a non-empty view")
	}
	if view[len(view)-1].Content != "the newest message" {
		t.Errorf("last element = %q, want the newest log message", view[len(view)-1].Content)
	}
}

func TestRecordEvent_AppendsToTrail(t *testing.T) {
	g := New("s1", nil, nil)
	ev := g.RecordEvent(EventKindProviderFailure, []string{"claude-3.5"}, "claude-3.5 left the session")
	if ev.ID == "" {
		t.Error("expected generated event ID")
	}

	snap := g.Snapshot()
	if len(snap.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(snap.Events))
	}
	if snap.Events[0].Kind != EventKindProviderFailure {
		t.Errorf("kind = %v, want provider_failure", snap.Events[0].Kind)
	}
}

func TestStats_ComputesBreakdownAndDensity(t *testing.T) {
	detector := synapse.New(nil)
	g := New("s1", detector, nil)
	ctx := context.Background()

	g.Append(ctx, Message{AuthorKind: AuthorParticipant, Author: "claude-3.5", Kind: KindResponse, Content: "We should prioritize search."})
	g.Append(ctx, Message{AuthorKind: AuthorParticipant, Author: "gpt-4o", Kind: KindResponse, Content: "Building on that, furthermore search should be fuzzy."})

	stats := g.Stats()
	if stats.TotalMessages != 2 {
		t.Errorf("TotalMessages = %d, want 2", stats.TotalMessages)
	}
	if stats.TotalSynapses != 1 {
		t.Errorf("TotalSynapses = %d, want 1", stats.TotalSynapses)
	}
	if stats.SynapseBreakdown[synapse.KindBuilding] != 1 {
		t.Errorf("expected 1 building synapse in breakdown, got %+v", stats.SynapseBreakdown)
	}
	if stats.ParticipantMessageCounts["gpt-4o"] != 1 {
		t.Errorf("expected 1 message from gpt-4o, got %+v", stats.ParticipantMessageCounts)
	}
}

func TestSubscribe_ReceivesNotifications(t *testing.T) {
	g := New("s1", nil, nil)
	ctx := context.Background()

	var mu sync.Mutex
	var kinds []EventKind
	id := g.Subscribe(func(kind EventKind, payload any) {
		mu.Lock()
		defer mu.Unlock()
		kinds = append(kinds, kind)
	})

	g.Append(ctx, Message{AuthorKind: AuthorUser, Kind: KindMission, Content: "hello"})

	mu.Lock()
	got := append([]EventKind(nil), kinds...)
	mu.Unlock()

	if len(got) == 0 {
		t.Fatal("expected at least one notification")
	}
	if got[0] != EventMessageAdded {
		t.Errorf("first event = %v, want %v", got[0], EventMessageAdded)
	}

	g.Unsubscribe(id)
	mu.Lock()
	before := len(kinds)
	mu.Unlock()

	g.Append(ctx, Message{AuthorKind: AuthorUser, Kind: KindMission, Content: "hello again"})

	mu.Lock()
	after := len(kinds)
	mu.Unlock()
	if after != before {
		t.Error("expected no further notifications after Unsubscribe")
	}
}

func TestSubscriberPanicDoesNotCrashAppend(t *testing.T) {
	g := New("s1", nil, nil)
	g.Subscribe(func(kind EventKind, payload any) {
		panic("boom")
	})

	err := g.Append(context.Background(), Message{AuthorKind: AuthorUser, Kind: KindMission, Content: "hello"})
	if err != nil {
		t.Fatalf("Append should survive a panicking subscriber: %v", err)
	}
}

func TestSnapshotRestore_RoundTrips(t *testing.T) {
	g := New("s1", nil, nil)
	ctx := context.Background()
	g.Append(ctx, Message{AuthorKind: AuthorUser, Kind: KindMission, Content: "hello"})

	snap := g.Snapshot()

	g2 := New("s1", nil, nil)
	g2.Restore(snap)

	snap2 := g2.Snapshot()
	if len(snap2.Messages) != 1 || snap2.Messages[0].Content != "hello" {
		t.Fatalf("restore did not round-trip messages: %+v", snap2.Messages)
	}
}

func TestAppend_TriggersSummarization(t *testing.T) {
	summarizer := summary.New(nil, 3000)
	g := New("s1", nil, summarizer)
	ctx := context.Background()

	g.Append(ctx, Message{AuthorKind: AuthorUser, Kind: KindMission, Content: "Design a library membership system."})
	for i := 0; i < 19; i++ {
		g.Append(ctx, Message{AuthorKind: AuthorParticipant, Author: "gpt-4o", Kind: KindResponse, Content: strings.Repeat("word ", 400)})
	}

	snap := g.Snapshot()
	if snap.Summary == "" {
		t.Fatal("expected a rolling summary to be produced")
	}
}
