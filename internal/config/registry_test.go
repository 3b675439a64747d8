package config

import (
	"errors"
	"os"
	"testing"

	"github.com/kestrelai/synapse/pkg/provider"
	"github.com/kestrelai/synapse/pkg/provider/mock"
)

func TestRegistry_CreateProvider_NotRegistered(t *testing.T) {
	r := NewRegistry()
	_, err := r.CreateProvider(Persona{Provider: "openai", ModelName: "gpt-4o"})
	if !errors.Is(err, ErrProviderNotRegistered) {
		t.Fatalf("expected ErrProviderNotRegistered, got %v", err)
	}
}

func TestRegistry_CreateProvider_MissingAPIKey(t *testing.T) {
	os.Unsetenv("OPENAI_API_KEY")
	r := NewRegistry()
	r.RegisterProvider("openai", func(apiKey, model string) (provider.Provider, error) {
		return &mock.Provider{}, nil
	})
	_, err := r.CreateProvider(Persona{Provider: "openai", ModelName: "gpt-4o"})
	if err == nil {
		t.Fatal("expected error when no API key is configured")
	}
}

func TestRegistry_CreateProvider_Succeeds(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	r := NewRegistry()
	var gotKey, gotModel string
	r.RegisterProvider("openai", func(apiKey, model string) (provider.Provider, error) {
		gotKey, gotModel = apiKey, model
		return &mock.Provider{}, nil
	})

	p, err := r.CreateProvider(Persona{Provider: "openai", ModelName: "gpt-4o"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("expected non-nil provider")
	}
	if gotKey != "sk-test" || gotModel != "gpt-4o" {
		t.Errorf("factory received (%q, %q), want (sk-test, gpt-4o)", gotKey, gotModel)
	}
}

func TestRegistry_CreateProvider_FactoryError(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	r := NewRegistry()
	r.RegisterProvider("anthropic", func(apiKey, model string) (provider.Provider, error) {
		return nil, errors.New("boom")
	})

	_, err := r.CreateProvider(Persona{Provider: "anthropic", ModelName: "claude-3-5-sonnet-20241022"})
	if err == nil {
		t.Fatal("expected factory error to propagate")
	}
}
