package mock

import (
	"context"
	"errors"
	"testing"

	"github.com/kestrelai/synapse/pkg/provider"
)

func TestStream_EmitsConfiguredChunks(t *testing.T) {
	p := &Provider{StreamChunks: []provider.Chunk{{Text: "a"}, {Text: "b"}}}
	ch, err := p.Stream(context.Background(), provider.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got []string
	for c := range ch {
		got = append(got, c.Text)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected chunks: %+v", got)
	}
	if len(p.StreamCalls) != 1 {
		t.Fatalf("expected 1 recorded stream call, got %d", len(p.StreamCalls))
	}
}

func TestStream_ReturnsConfiguredError(t *testing.T) {
	wantErr := errors.New("boom")
	p := &Provider{StreamErr: wantErr}
	_, err := p.Stream(context.Background(), provider.CompletionRequest{})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
}

func TestComplete_RecordsCallAndReturnsResponse(t *testing.T) {
	p := &Provider{CompleteResponse: &provider.CompletionResponse{Content: "hi"}}
	resp, err := p.Complete(context.Background(), provider.CompletionRequest{Messages: []provider.Message{{Role: provider.RoleUser, Content: "q"}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hi" {
		t.Errorf("expected content hi, got %q", resp.Content)
	}
	if len(p.CompleteCalls) != 1 || p.CompleteCalls[0].Req.Messages[0].Content != "q" {
		t.Fatal("expected the call to be recorded with the request passed in")
	}
}

func TestCountTokens_RecordsText(t *testing.T) {
	p := &Provider{TokenCount: 42}
	if got := p.CountTokens("hello"); got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
	if len(p.CountTokensCalls) != 1 || p.CountTokensCalls[0] != "hello" {
		t.Fatal("expected CountTokens call to be recorded")
	}
}

func TestCapabilities_IncrementsCallCount(t *testing.T) {
	p := &Provider{ModelCapabilities: provider.ModelCapabilities{ContextWindow: 1000}}
	if caps := p.Capabilities(); caps.ContextWindow != 1000 {
		t.Errorf("expected context window 1000, got %d", caps.ContextWindow)
	}
	if p.CapabilitiesCallCount != 1 {
		t.Errorf("expected call count 1, got %d", p.CapabilitiesCallCount)
	}
}

func TestReset_ClearsRecordedCalls(t *testing.T) {
	p := &Provider{CompleteResponse: &provider.CompletionResponse{}}
	_, _ = p.Complete(context.Background(), provider.CompletionRequest{})
	_, _ = p.Stream(context.Background(), provider.CompletionRequest{})
	p.CountTokens("x")
	p.Capabilities()

	p.Reset()

	if len(p.CompleteCalls) != 0 || len(p.StreamCalls) != 0 || len(p.CountTokensCalls) != 0 || p.CapabilitiesCallCount != 0 {
		t.Fatal("expected Reset to clear all recorded calls")
	}
}
