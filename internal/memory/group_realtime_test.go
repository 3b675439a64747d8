package memory

import (
	"context"
	"testing"
)

func TestRecentMessageFrom_ExcludesOwnAuthorAndOutOfWindow(t *testing.T) {
	g := New("s1", nil, nil)
	ctx := context.Background()

	g.Append(ctx, Message{AuthorKind: AuthorParticipant, Author: "claude-3.5", Kind: KindResponse, Content: "old anchor"})
	for i := 0; i < 6; i++ {
		g.Append(ctx, Message{AuthorKind: AuthorParticipant, Author: "gpt-4o", Kind: KindResponse, Content: "filler"})
	}

	// The claude-3.5 message is now 7 messages back; a window of 5 must miss it.
	if _, ok := g.RecentMessageFrom("gpt-4o", 5); ok {
		t.Fatal("expected no match outside the scan window")
	}

	g.Append(ctx, Message{AuthorKind: AuthorParticipant, Author: "claude-3.5", Kind: KindResponse, Content: "recent anchor"})
	id, ok := g.RecentMessageFrom("gpt-4o", 5)
	if !ok {
		t.Fatal("expected a match within the scan window")
	}
	snap := g.Snapshot()
	want := snap.Messages[len(snap.Messages)-1].ID
	if id != want {
		t.Errorf("id = %v, want %v", id, want)
	}
}

func TestRecentMessageFrom_NoOtherAuthor(t *testing.T) {
	g := New("s1", nil, nil)
	ctx := context.Background()
	g.Append(ctx, Message{AuthorKind: AuthorParticipant, Author: "gpt-4o", Kind: KindResponse, Content: "solo"})

	if _, ok := g.RecentMessageFrom("gpt-4o", 5); ok {
		t.Fatal("expected no match when only the excluded author has spoken")
	}
}
