// Package llm defines the Provider interface for text-generation backends and
// the [Stream] adapter that exposes any Provider through the uniform
// [backend.Stream] contract.
//
// A provider wraps a remote or local model API (Gemini, OpenAI, a local
// Ollama instance, ...) and streams the reply to one request as text
// fragments. Implementors must be safe for concurrent use. Channels returned
// by StreamCompletion must be closed by the implementation when the reply ends
// or when the supplied context is cancelled.
package llm

import "context"

// Provider is the abstraction over any streaming text-generation backend.
type Provider interface {
	// StreamCompletion sends req to the model and returns a channel that emits
	// Chunk values as they arrive. The channel is closed when generation
	// finishes or when ctx is cancelled.
	//
	// The initial error is non-nil only for failures that prevent the stream
	// from starting (invalid credentials, unreachable host). Failures after the
	// channel is open are reported as a final Chunk with Err set.
	//
	// The returned channel must never be nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)
}
