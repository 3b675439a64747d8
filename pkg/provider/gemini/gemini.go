// Package gemini implements [provider.Provider] backed by Google's Gemini
// API via the google.golang.org/genai SDK.
package gemini

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/kestrelai/synapse/pkg/provider"
)

// Provider implements provider.Provider using the Gemini API.
type Provider struct {
	client *genai.Client
	model  string
}

// New constructs a new Gemini-backed Provider for model.
func New(ctx context.Context, apiKey string, model string) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("gemini: model must not be empty")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}

	return &Provider{client: client, model: model}, nil
}

// Stream implements provider.Provider.
//
// No example in the surrounding code base performs a streaming genai call
// (every example that touches Gemini either proxies the raw HTTP
// streamGenerateContent endpoint or uses the non-streaming
// Models.GenerateContent call); this loop is therefore written directly
// against the SDK's documented GenerateContentStream iterator rather than an
// adapted example.
func (p *Provider) Stream(ctx context.Context, req provider.CompletionRequest) (<-chan provider.Chunk, error) {
	contents, config, err := buildRequest(req)
	if err != nil {
		return nil, fmt.Errorf("gemini: build request: %w", err)
	}

	ch := make(chan provider.Chunk, 32)
	go func() {
		defer close(ch)

		for resp, err := range p.client.Models.GenerateContentStream(ctx, p.model, contents, config) {
			if err != nil {
				select {
				case ch <- provider.Chunk{Err: fmt.Errorf("gemini: stream: %w", err)}:
				case <-ctx.Done():
				}
				return
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			select {
			case ch <- provider.Chunk{Text: text}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

// Complete implements provider.Provider.
func (p *Provider) Complete(ctx context.Context, req provider.CompletionRequest) (*provider.CompletionResponse, error) {
	contents, config, err := buildRequest(req)
	if err != nil {
		return nil, fmt.Errorf("gemini: build request: %w", err)
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("gemini: generate: %w", err)
	}

	out := &provider.CompletionResponse{Content: resp.Text()}
	if resp.UsageMetadata != nil {
		out.Usage = provider.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return out, nil
}

// CountTokens implements provider.Provider.
// TODO: use Models.CountTokens for an exact preflight count.
func (p *Provider) CountTokens(text string) int {
	return (len(text) + 3) / 4
}

// Capabilities implements provider.Provider.
func (p *Provider) Capabilities() provider.ModelCapabilities {
	return modelCapabilities(p.model)
}

func modelCapabilities(model string) provider.ModelCapabilities {
	lower := strings.ToLower(model)
	caps := provider.ModelCapabilities{ContextWindow: 1_000_000, MaxOutputTokens: 8_192}
	switch {
	case strings.HasPrefix(lower, "gemini-1.5-flash"):
		caps.ContextWindow = 1_000_000
	case strings.HasPrefix(lower, "gemini-1.5-pro"):
		caps.ContextWindow = 2_000_000
	case strings.HasPrefix(lower, "gemini-2.0"):
		caps.ContextWindow = 1_000_000
	}
	return caps
}

// buildRequest converts a CompletionRequest into genai contents plus a
// GenerateContentConfig. provider.RoleSystem messages become parts of the
// SystemInstruction, in order, rather than conversation turns. Gemini labels
// the model's own turns "model" rather than "assistant".
func buildRequest(req provider.CompletionRequest) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	config := &genai.GenerateContentConfig{}
	var contents []*genai.Content

	for _, m := range req.Messages {
		switch m.Role {
		case provider.RoleSystem:
			if strings.TrimSpace(m.Content) != "" {
				if config.SystemInstruction == nil {
					config.SystemInstruction = &genai.Content{}
				}
				config.SystemInstruction.Parts = append(config.SystemInstruction.Parts, &genai.Part{Text: m.Content})
			}
		case provider.RoleUser:
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: m.Content}}})
		case provider.RoleAssistant:
			contents = append(contents, &genai.Content{Role: "model", Parts: []*genai.Part{{Text: m.Content}}})
		default:
			return nil, nil, fmt.Errorf("gemini: unknown message role %q", m.Role)
		}
	}

	if req.Temperature != 0 {
		t := float32(req.Temperature)
		config.Temperature = &t
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}

	return contents, config, nil
}
