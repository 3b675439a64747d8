package session

import (
	"context"
	"testing"
	"time"

	"github.com/kestrelai/synapse/internal/memory"
	"github.com/kestrelai/synapse/internal/store"
)

func TestConsolidator_ConsolidateNow_SavesSnapshot(t *testing.T) {
	st := store.NewGuarded(nil)
	mem := memory.New("session-1", nil, nil)
	mem.Append(context.Background(), memory.Message{AuthorKind: memory.AuthorUser, Kind: memory.KindMission, Content: "attack the goblin"})

	c := NewConsolidator(ConsolidatorConfig{
		Store:     st,
		Memory:    mem,
		SessionID: "session-1",
	})

	if err := c.ConsolidateNow(context.Background()); err != nil {
		t.Fatalf("ConsolidateNow: %v", err)
	}

	snap, found, err := st.LoadMemorySnapshot(context.Background(), "session-1")
	if err != nil || !found {
		t.Fatalf("expected saved snapshot: found=%v err=%v", found, err)
	}
	if len(snap.Messages) != 1 || snap.Messages[0].Content != "attack the goblin" {
		t.Errorf("unexpected snapshot contents: %+v", snap.Messages)
	}
}

func TestConsolidator_ConsolidateNow_ReflectsLatestState(t *testing.T) {
	st := store.NewGuarded(nil)
	mem := memory.New("session-1", nil, nil)
	ctx := context.Background()

	mem.Append(ctx, memory.Message{AuthorKind: memory.AuthorUser, Kind: memory.KindMission, Content: "first"})
	c := NewConsolidator(ConsolidatorConfig{Store: st, Memory: mem, SessionID: "session-1"})
	c.ConsolidateNow(ctx)

	mem.Append(ctx, memory.Message{AuthorKind: memory.AuthorParticipant, Author: "gpt-4o", Kind: memory.KindResponse, Content: "second"})
	c.ConsolidateNow(ctx)

	snap, _, _ := st.LoadMemorySnapshot(ctx, "session-1")
	if len(snap.Messages) != 2 {
		t.Errorf("expected 2 messages in latest snapshot, got %d", len(snap.Messages))
	}
}

func TestConsolidator_DefaultInterval(t *testing.T) {
	c := NewConsolidator(ConsolidatorConfig{
		Store:     store.NewGuarded(nil),
		Memory:    memory.New("s1", nil, nil),
		SessionID: "s1",
	})
	if c.interval != 30*time.Minute {
		t.Errorf("expected default interval of 30m, got %v", c.interval)
	}
}

func TestConsolidator_StartStop(t *testing.T) {
	st := store.NewGuarded(nil)
	mem := memory.New("session-1", nil, nil)
	mem.Append(context.Background(), memory.Message{AuthorKind: memory.AuthorUser, Kind: memory.KindMission, Content: "hello"})

	c := NewConsolidator(ConsolidatorConfig{
		Store:     st,
		Memory:    mem,
		SessionID: "session-1",
		Interval:  10 * time.Millisecond,
	})

	ctx := context.Background()
	c.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	c.Stop()

	_, found, _ := st.LoadMemorySnapshot(context.Background(), "session-1")
	if !found {
		t.Error("expected at least one periodic consolidation to have run")
	}

	// Calling Stop again should not panic.
	c.Stop()
}
