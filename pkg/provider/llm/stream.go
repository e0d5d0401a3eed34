package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/voxrelay/pkg/backend"
)

// Stream adapts a [Provider] to the uniform [backend.Stream] contract. One
// Send starts a completion; Receive yields its text fragments in order and
// returns [backend.ErrEndOfStream] once the reply is complete, after which the
// stream is closed and a new one must be opened for the next request.
//
// The bundled providers are request/response over HTTP, so a Stream does not
// retain conversation state across requests and every request must carry the
// full history. [Stream.Stateful] reports this.
type Stream struct {
	provider Provider
	stateful bool

	// life scopes the in-flight completion; it outlives the Send call.
	life   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    backend.State
	starting bool
	chunks   <-chan Chunk
}

var _ backend.Stream[CompletionRequest, string] = (*Stream)(nil)

// StreamOption configures a [Stream].
type StreamOption func(*Stream)

// WithStateful marks the underlying provider as retaining conversation state
// between requests on the same connection. Callers then send only the new
// utterance.
func WithStateful() StreamOption {
	return func(s *Stream) { s.stateful = true }
}

// OpenStream returns an open [Stream] over p. Values carried by ctx (trace
// spans, loggers) are inherited by the completion; its cancellation is not,
// since the completion lives until Close.
func OpenStream(ctx context.Context, p Provider, opts ...StreamOption) (*Stream, error) {
	if p == nil {
		return nil, fmt.Errorf("llm: open stream: %w: nil provider", backend.ErrUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("llm: open stream: %w: %w", backend.ErrUnavailable, err)
	}
	life, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Stream{
		provider: p,
		life:     life,
		cancel:   cancel,
		state:    backend.StateOpen,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Stateful reports whether the backend keeps conversation history itself.
func (s *Stream) Stateful() bool { return s.stateful }

// Send starts a completion for req. Only one request may be in flight. The
// completion outlives Send, but if ctx ends or the stream is closed before
// the provider answers, the request is abandoned and the stream fails.
func (s *Stream) Send(ctx context.Context, req CompletionRequest) error {
	s.mu.Lock()
	if s.state != backend.StateOpen {
		s.mu.Unlock()
		return fmt.Errorf("llm: send: %w: %w", backend.ErrProtocol, backend.ErrClosed)
	}
	if s.chunks != nil || s.starting {
		s.mu.Unlock()
		return fmt.Errorf("llm: send: %w: request already in flight", backend.ErrProtocol)
	}
	if len(req.Messages) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("llm: send: %w: empty request", backend.ErrProtocol)
	}
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.starting = true
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, s.cancel)
	ch, err := s.provider.StreamCompletion(s.life, req)
	abandoned := !stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.starting = false
	switch {
	case s.state == backend.StateClosed:
		s.cancel()
		return fmt.Errorf("llm: send: %w: %w", backend.ErrProtocol, backend.ErrClosed)
	case abandoned:
		s.failLocked()
		return ctx.Err()
	case err != nil:
		s.failLocked()
		return fmt.Errorf("llm: send: %w: %w", backend.ErrUnavailable, err)
	}
	s.chunks = ch
	return nil
}

// Receive returns the next non-empty text fragment of the in-flight reply.
func (s *Stream) Receive(ctx context.Context) (string, error) {
	s.mu.Lock()
	chunks, state := s.chunks, s.state
	s.mu.Unlock()

	if state.Terminal() {
		return "", fmt.Errorf("llm: receive: %w: %w", backend.ErrProtocol, backend.ErrClosed)
	}
	if chunks == nil {
		return "", fmt.Errorf("llm: receive: %w: no request in flight", backend.ErrProtocol)
	}

	for {
		select {
		case <-ctx.Done():
			s.fail()
			return "", ctx.Err()
		case c, ok := <-chunks:
			if !ok {
				s.finish()
				return "", backend.ErrEndOfStream
			}
			if c.Err != nil {
				s.fail()
				if errors.Is(c.Err, context.Canceled) {
					return "", c.Err
				}
				return "", fmt.Errorf("llm: receive: %w: %w", backend.ErrUnavailable, c.Err)
			}
			if c.Text == "" {
				continue
			}
			return c.Text, nil
		}
	}
}

// State reports the current connection state.
func (s *Stream) State() backend.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close cancels any in-flight completion. It is idempotent.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Terminal() {
		s.state = backend.StateClosed
	}
	s.cancel()
	return nil
}

func (s *Stream) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Terminal() {
		s.state = backend.StateClosed
	}
	s.cancel()
}

func (s *Stream) fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLocked()
}

func (s *Stream) failLocked() {
	if s.state != backend.StateClosed {
		s.state = backend.StateFailed
	}
	s.cancel()
}
