package synapse

import (
	"context"
	"errors"
	"testing"

	"github.com/kestrelai/synapse/pkg/embeddings/mock"
)

func TestDetect_KeywordTier_BuildingKeyword(t *testing.T) {
	d := New(nil)

	recent := []Candidate{
		{ID: "m1", Author: "claude-3.5", Content: "We should prioritize search functionality."},
	}
	newMsg := Candidate{ID: "m2", Author: "gpt-4o", Content: "Building on that, furthermore search should support fuzzy match."}

	got, err := d.Detect(context.Background(), newMsg, recent)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if got == nil {
		t.Fatal("expected a classification, got nil")
	}
	if got.Kind != KindBuilding {
		t.Errorf("kind = %v, want %v", got.Kind, KindBuilding)
	}
	if got.AnchorID != "m1" {
		t.Errorf("anchor = %v, want m1", got.AnchorID)
	}
	if got.Strength <= 0 || got.Strength > 1 {
		t.Errorf("strength out of range: %v", got.Strength)
	}
}

func TestDetect_IgnoresSameAuthor(t *testing.T) {
	d := New(nil)
	recent := []Candidate{{ID: "m1", Author: "gpt-4o", Content: "We should prioritize search."}}
	newMsg := Candidate{ID: "m2", Author: "gpt-4o", Content: "Building on that, search should support fuzzy match."}

	got, err := d.Detect(context.Background(), newMsg, recent)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if got != nil {
		t.Fatalf("expected no classification for same-author candidate, got %+v", got)
	}
}

func TestDetect_NoSignal_ReturnsNil(t *testing.T) {
	d := New(nil)
	recent := []Candidate{{ID: "m1", Author: "claude-3.5", Content: "The weather today is mild."}}
	newMsg := Candidate{ID: "m2", Author: "gpt-4o", Content: "I like pizza."}

	got, err := d.Detect(context.Background(), newMsg, recent)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil classification, got %+v", got)
	}
}

func TestDetect_SemanticTier_PrefersHighestSimilarity(t *testing.T) {
	emb := &mock.Provider{}
	d := New(emb)

	// EmbedBatch is a single call with texts [new, m1, m2]; configure result directly.
	emb.EmbedBatchResult = [][]float32{
		{1, 0, 0},      // new message
		{0, 1, 0},      // m1 — orthogonal, similarity 0
		{0.99, 0.1, 0}, // m2 — close to new message
	}

	recent := []Candidate{
		{ID: "m1", Author: "claude-3.5", Content: "unrelated content here"},
		{ID: "m2", Author: "claude-3.5", Content: "building on that idea, furthermore we can extend it"},
	}
	newMsg := Candidate{ID: "new", Author: "gpt-4o", Content: "building on that idea, furthermore we can extend it"}

	got, err := d.Detect(context.Background(), newMsg, recent)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if got == nil {
		t.Fatal("expected a classification")
	}
	if got.AnchorID != "m2" {
		t.Errorf("anchor = %v, want m2 (highest similarity)", got.AnchorID)
	}
}

func TestDetect_SemanticBuildFallback_StrongSimilarity(t *testing.T) {
	emb := &mock.Provider{EmbedBatchResult: [][]float32{
		{1, 0, 0},
		{1, 0, 0}, // identical vector, similarity 1.0
	}}
	d := New(emb)

	recent := []Candidate{
		{ID: "m1", Author: "claude-3.5", Content: "We should prioritize search."},
	}
	newMsg := Candidate{ID: "m2", Author: "gpt-4o", Content: "Building on that, search should support fuzzy match."}

	got, err := d.Detect(context.Background(), newMsg, recent)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if got == nil {
		t.Fatal("expected a classification")
	}
	if got.Kind != KindBuilding {
		t.Errorf("kind = %v, want %v", got.Kind, KindBuilding)
	}
	if got.Strength < 0.7 {
		t.Errorf("strength = %v, want >= 0.7 for near-identical similarity", got.Strength)
	}
	if got.AnchorID != "m1" {
		t.Errorf("anchor = %v, want m1", got.AnchorID)
	}
}

func TestDetect_DegradesOnEmbeddingError(t *testing.T) {
	emb := &mock.Provider{EmbedBatchErr: errors.New("backend down")}
	d := New(emb)

	recent := []Candidate{{ID: "m1", Author: "claude-3.5", Content: "We should prioritize search."}}
	newMsg := Candidate{ID: "m2", Author: "gpt-4o", Content: "Building on that, furthermore search should support fuzzy match."}

	got, err := d.Detect(context.Background(), newMsg, recent)
	if err != nil {
		t.Fatalf("Detect must not surface embedding errors: %v", err)
	}
	if got == nil {
		t.Fatal("expected keyword-tier fallback to produce a classification")
	}
	if got.Kind != KindBuilding {
		t.Errorf("kind = %v, want %v", got.Kind, KindBuilding)
	}
}

func TestDetect_ContextCancelled(t *testing.T) {
	d := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Detect(ctx, Candidate{ID: "a"}, nil)
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestDetect_TieBreakPrecedence(t *testing.T) {
	// "building on" + "furthermore" (building) and "agree" + "confirm"
	// (reinforcement) give both kinds the same raw cue score of 0.6, so the
	// weights decide: building 0.6*0.8 = 0.48 beats reinforcement
	// 0.6*0.7 = 0.42. We don't force an exact tie here — instead we verify
	// building's higher weight surfaces when both cues fire equally.
	d := New(nil)
	recent := []Candidate{{ID: "m1", Author: "claude-3.5", Content: "anchor message"}}
	newMsg := Candidate{ID: "m2", Author: "gpt-4o", Content: "building on that, furthermore we agree and confirm it"}

	got, err := d.Detect(context.Background(), newMsg, recent)
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if got == nil {
		t.Fatal("expected classification")
	}
	if got.Kind != KindBuilding {
		t.Errorf("kind = %v, want %v (building has higher weight)", got.Kind, KindBuilding)
	}
}
