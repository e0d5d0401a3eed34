// Package tts defines the Provider interface for speech-synthesis backends.
//
// A TTS provider wraps a streaming synthesis service (e.g., ElevenLabs) and
// opens one [backend.Stream] per utterance: text fragments go in, ordered
// audio chunks come out, and [backend.ErrEndOfStream] marks the end of the
// utterance's audio.
//
// Implementations must be safe for concurrent use. Each opened stream is
// owned by exactly one session.
package tts

import (
	"context"

	"github.com/MrWong99/voxrelay/pkg/backend"
)

// Fragment is one unit of text sent to a synthesis stream.
type Fragment struct {
	// Text is the text to synthesise. May be empty when Final is set.
	Text string

	// Final marks the end of the utterance. The backend flushes any buffered
	// text and emits the end marker once all audio has been produced.
	Final bool
}

// Config is the initial configuration of a synthesis stream.
type Config struct {
	// VoiceID is the provider-specific voice identifier.
	VoiceID string

	// Style selects the delivery. Providers map it with [Style.Settings].
	Style Style
}

// Stream is the synthesis flavour of the uniform backend contract.
type Stream = backend.Stream[Fragment, []byte]

// Provider is the abstraction over any streaming synthesis backend.
type Provider interface {
	// Open establishes a new synthesis stream configured by cfg. It returns
	// an error wrapping [backend.ErrUnavailable] if the backend cannot be
	// reached or rejects the credentials.
	Open(ctx context.Context, cfg Config) (Stream, error)
}
