// Package anthropic implements [provider.Provider] backed by the Anthropic
// Messages API.
package anthropic

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"context"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/kestrelai/synapse/pkg/provider"
)

const defaultMaxTokens int64 = 4096

// Provider implements provider.Provider using the Anthropic Messages API.
type Provider struct {
	sdk       anthropic.Client
	model     string
	maxTokens int64
}

// config holds optional configuration applied before the SDK client is built.
type config struct {
	maxTokens  int64
	httpClient *http.Client
}

// Option is a functional option for New.
type Option func(*config)

// WithMaxTokens overrides the default max_tokens sent on every request.
func WithMaxTokens(n int64) Option {
	return func(c *config) { c.maxTokens = n }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.httpClient = &http.Client{Timeout: d} }
}

// New constructs a new Anthropic-backed Provider for model.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anthropic: model must not be empty")
	}

	cfg := &config{maxTokens: defaultMaxTokens, httpClient: http.DefaultClient}
	for _, o := range opts {
		o(cfg)
	}

	return &Provider{
		sdk:       anthropic.NewClient(option.WithAPIKey(strings.TrimSpace(apiKey)), option.WithHTTPClient(cfg.httpClient)),
		model:     model,
		maxTokens: cfg.maxTokens,
	}, nil
}

// Stream implements provider.Provider. Upstream errors surface as a terminal
// chunk with Err set rather than a panic or a returned error mid-stream.
//
// The SDK's Message.Accumulate has a known bug around empty/invalid tool-call
// input JSON; since this adapter has no tool-calling surface, the accumulator
// is used purely to reconstruct final usage and text is read directly off
// each TextDelta as it arrives.
func (p *Provider) Stream(ctx context.Context, req provider.CompletionRequest) (<-chan provider.Chunk, error) {
	params, err := buildParams(p.model, p.maxTokens, req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: build params: %w", err)
	}

	stream := p.sdk.Messages.NewStreaming(ctx, params)

	ch := make(chan provider.Chunk, 32)
	go func() {
		defer close(ch)
		defer stream.Close()

		var acc anthropic.Message
		for stream.Next() {
			event := stream.Current()
			_ = acc.Accumulate(event)

			ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			delta, ok := ev.Delta.AsAny().(anthropic.TextDelta)
			if !ok || delta.Text == "" {
				continue
			}
			select {
			case ch <- provider.Chunk{Text: delta.Text}:
			case <-ctx.Done():
				return
			}
		}

		if err := stream.Err(); err != nil {
			select {
			case ch <- provider.Chunk{Err: fmt.Errorf("anthropic: stream: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// Complete implements provider.Provider.
func (p *Provider) Complete(ctx context.Context, req provider.CompletionRequest) (*provider.CompletionResponse, error) {
	params, err := buildParams(p.model, p.maxTokens, req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: build params: %w", err)
	}

	resp, err := p.sdk.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic: messages: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}

	promptTokens := int(resp.Usage.CacheCreationInputTokens + resp.Usage.CacheReadInputTokens + resp.Usage.InputTokens)
	completionTokens := int(resp.Usage.OutputTokens)
	return &provider.CompletionResponse{
		Content: sb.String(),
		Usage: provider.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}, nil
}

// CountTokens implements provider.Provider.
// TODO: use the /v1/messages/count_tokens endpoint for exact preflight counts.
func (p *Provider) CountTokens(text string) int {
	return (len(text) + 3) / 4
}

// Capabilities implements provider.Provider.
func (p *Provider) Capabilities() provider.ModelCapabilities {
	return modelCapabilities(p.model)
}

func modelCapabilities(model string) provider.ModelCapabilities {
	lower := strings.ToLower(model)
	caps := provider.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 8_192}
	switch {
	case strings.Contains(lower, "claude-3-5-sonnet"), strings.Contains(lower, "claude-3.5"):
		caps.MaxOutputTokens = 8_192
	case strings.Contains(lower, "claude-3-sonnet"), strings.Contains(lower, "claude-3"):
		caps.MaxOutputTokens = 4_096
	case strings.Contains(lower, "claude-3-opus"):
		caps.MaxOutputTokens = 4_096
	case strings.Contains(lower, "claude-3-haiku"):
		caps.MaxOutputTokens = 4_096
	}
	return caps
}

// buildParams converts a CompletionRequest into Anthropic SDK params. A
// leading provider.RoleSystem message, if present, becomes the top-level
// System field rather than a conversation turn, per the Anthropic API shape.
func buildParams(model string, maxTokens int64, req provider.CompletionRequest) (anthropic.MessageNewParams, error) {
	var system []anthropic.TextBlockParam
	var messages []anthropic.MessageParam

	for _, m := range req.Messages {
		switch m.Role {
		case provider.RoleSystem:
			if strings.TrimSpace(m.Content) != "" {
				system = append(system, anthropic.TextBlockParam{Text: m.Content})
			}
		case provider.RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case provider.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: unknown message role %q", m.Role)
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		System:    system,
		MaxTokens: maxTokens,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = int64(req.MaxTokens)
	}
	if req.Temperature != 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	return params, nil
}
