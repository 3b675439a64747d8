package anthropic

import (
	"testing"

	"github.com/kestrelai/synapse/pkg/provider"
)

func TestBuildParams_SystemBecomesTopLevelField(t *testing.T) {
	req := provider.CompletionRequest{
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: "You are a careful reviewer."},
			{Role: provider.RoleUser, Content: "Hello"},
		},
	}
	params, err := buildParams("claude-3-5-sonnet-20241022", defaultMaxTokens, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(params.System) != 1 || params.System[0].Text != "You are a careful reviewer." {
		t.Fatalf("expected system prompt to be lifted into System field, got %+v", params.System)
	}
	if len(params.Messages) != 1 {
		t.Fatalf("expected 1 conversational message, got %d", len(params.Messages))
	}
}

func TestBuildParams_UnknownRole(t *testing.T) {
	req := provider.CompletionRequest{Messages: []provider.Message{{Role: "tool", Content: "x"}}}
	if _, err := buildParams("claude-3-5-sonnet-20241022", defaultMaxTokens, req); err == nil {
		t.Fatal("expected error for unsupported role")
	}
}

func TestBuildParams_MaxTokensOverride(t *testing.T) {
	req := provider.CompletionRequest{
		Messages:  []provider.Message{{Role: provider.RoleUser, Content: "hi"}},
		MaxTokens: 256,
	}
	params, err := buildParams("claude-3-5-sonnet-20241022", defaultMaxTokens, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if params.MaxTokens != 256 {
		t.Errorf("expected MaxTokens override to 256, got %d", params.MaxTokens)
	}
}

func TestModelCapabilities_Claude35Sonnet(t *testing.T) {
	caps := modelCapabilities("claude-3-5-sonnet-20241022")
	if caps.ContextWindow != 200_000 {
		t.Errorf("expected context window 200000, got %d", caps.ContextWindow)
	}
	if caps.MaxOutputTokens != 8_192 {
		t.Errorf("expected max output tokens 8192, got %d", caps.MaxOutputTokens)
	}
}

func TestCountTokens_Estimation(t *testing.T) {
	p := &Provider{model: "claude-3-5-sonnet-20241022"}
	if count := p.CountTokens("Hello world"); count <= 0 {
		t.Errorf("expected positive token count, got %d", count)
	}
}

func TestNew_MissingAPIKey(t *testing.T) {
	if _, err := New("", "claude-3-5-sonnet-20241022"); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func TestNew_MissingModel(t *testing.T) {
	if _, err := New("sk-ant-test", ""); err == nil {
		t.Fatal("expected error for empty model")
	}
}

func TestNew_Options(t *testing.T) {
	_, err := New("sk-ant-test", "claude-3-5-sonnet-20241022", WithMaxTokens(2048))
	if err != nil {
		t.Fatalf("unexpected error with valid options: %v", err)
	}
}
