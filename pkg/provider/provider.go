// Package provider defines the uniform streaming interface (the Provider
// Adapter) that every backend language model sits behind, plus the shared
// message/chunk types the rest of the system is written against.
package provider

import "context"

// Role identifies the speaker of a [Message] in a chat-style context.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a chat-style context passed to a provider.
type Message struct {
	Role    Role
	Content string
}

// CompletionRequest is the uniform generation request passed to [Provider.Stream]
// and [Provider.Complete]. Messages are in chronological order.
type CompletionRequest struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Chunk is one unit of a streamed response.
//
// A terminal error surfaces as a chunk with Err set rather than as a returned
// error from [Provider.Stream] — per-adapter contract, adapters never panic
// or propagate a raw failure mid-stream; see [Provider.Stream] doc.
type Chunk struct {
	Text string
	Err  error
}

// CompletionResponse is the full, non-streamed response from [Provider.Complete].
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Usage reports token accounting for one completion, when the backend supplies it.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ModelCapabilities describes static properties of a backend model.
type ModelCapabilities struct {
	ContextWindow   int
	MaxOutputTokens int
}

// State is the observable lifecycle state of a panelist's adapter during one
// orchestration call. It is a projection set by the orchestrator for status
// reporting, never a coordination lock.
type State string

const (
	StateStandby     State = "standby"
	StateThinking    State = "thinking"
	StateResponding  State = "responding"
	StateComplete    State = "complete"
	StateError       State = "error"
)

// Provider is the uniform adapter contract the orchestrator drives. Exactly one Provider
// instance backs one panelist for the lifetime of its session.
//
// Implementations translate the uniform [CompletionRequest] into their
// backend's native format, including carrying any persona system prompt in
// the form the backend expects (a leading system turn, or a dedicated
// top-level system field), and return an error for a message role they do
// not support. Implementations surface upstream
// errors as a terminal [Chunk] with Err set, never as a panicking goroutine
// or an error returned after streaming has started.
//
// Adapter-level timeouts and retries are NOT performed here; that
// responsibility belongs to the orchestrator.
type Provider interface {
	// Stream opens a lazy, finite, non-restartable sequence of chunks. The
	// returned channel is closed when the stream ends, whether cleanly or
	// by error; the final chunk before closure MAY carry Err.
	Stream(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete returns the full response text in one call.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the token cost of text.
	CountTokens(text string) int

	// Capabilities reports static model properties used for budgeting.
	Capabilities() ModelCapabilities
}
