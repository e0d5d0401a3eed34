// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio chunks to consumers and to verify that
// the correct Config and text fragments reach the synthesis backend.
//
// Example:
//
//	p := &mock.Provider{
//	    Chunks: [][]byte{[]byte("audio1"), []byte("audio2")},
//	}
//	s, _ := p.Open(ctx, tts.Config{VoiceID: "v1"})
package mock

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/voxrelay/pkg/backend"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
)

// Provider is a mock implementation of tts.Provider. Every opened Stream
// emits Chunks once its Final fragment has been sent, then the end marker.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Chunks is the audio emitted by every stream after its Final fragment.
	Chunks [][]byte

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// ReceiveErr, if non-nil, replaces the end marker after Chunks.
	ReceiveErr error

	// Hang makes streams block after Chunks until ctx is cancelled.
	Hang bool

	// --- Call records (read after test) ---

	// Configs records the Config of every Open call in order.
	Configs []tts.Config

	// Streams records every stream returned by Open in order.
	Streams []*Stream
}

// Open records the call and returns a new Stream, or OpenErr.
func (p *Provider) Open(_ context.Context, cfg tts.Config) (tts.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Configs = append(p.Configs, cfg)
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	chunks := make([][]byte, len(p.Chunks))
	copy(chunks, p.Chunks)
	s := &Stream{
		chunks:     chunks,
		receiveErr: p.ReceiveErr,
		hang:       p.Hang,
		state:      backend.StateOpen,
		final:      make(chan struct{}),
	}
	p.Streams = append(p.Streams, s)
	return s, nil
}

// OpenCount returns the number of Open calls so far.
func (p *Provider) OpenCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Configs)
}

// Opened returns every stream returned by Open so far, in order.
func (p *Provider) Opened() []*Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.Streams)
}

// LastConfig returns the Config of the most recent Open call.
func (p *Provider) LastConfig() tts.Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Configs) == 0 {
		return tts.Config{}
	}
	return p.Configs[len(p.Configs)-1]
}

// SpokenTexts returns the concatenated fragment text of every stream, in
// Open order.
func (p *Provider) SpokenTexts() []string {
	p.mu.Lock()
	streams := make([]*Stream, len(p.Streams))
	copy(streams, p.Streams)
	p.mu.Unlock()

	out := make([]string, 0, len(streams))
	for _, s := range streams {
		out = append(out, s.Text())
	}
	return out
}

// Stream is the mock synthesis stream returned by Provider.Open.
type Stream struct {
	mu         sync.Mutex
	chunks     [][]byte
	receiveErr error
	hang       bool
	state      backend.State
	fragments  []tts.Fragment
	final      chan struct{}
	finalSent  bool
	closeCalls int
}

var _ tts.Stream = (*Stream)(nil)

// Send records f.
func (s *Stream) Send(_ context.Context, f tts.Fragment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != backend.StateOpen || s.finalSent {
		return fmt.Errorf("mock: %w: %w", backend.ErrProtocol, backend.ErrClosed)
	}
	s.fragments = append(s.fragments, f)
	if f.Final {
		s.finalSent = true
		close(s.final)
	}
	return nil
}

// Receive blocks until the Final fragment was sent, then yields the
// configured chunks followed by the end marker or ReceiveErr.
func (s *Stream) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-s.final:
	case <-ctx.Done():
		s.setState(backend.StateFailed)
		return nil, ctx.Err()
	}

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return nil, fmt.Errorf("mock: %w: %w", backend.ErrProtocol, backend.ErrClosed)
	}
	if len(s.chunks) > 0 {
		c := s.chunks[0]
		s.chunks = s.chunks[1:]
		s.mu.Unlock()
		return c, nil
	}
	hang, rerr := s.hang, s.receiveErr
	s.mu.Unlock()

	if hang {
		<-ctx.Done()
		s.setState(backend.StateFailed)
		return nil, ctx.Err()
	}
	if rerr != nil {
		s.setState(backend.StateFailed)
		return nil, rerr
	}
	s.setState(backend.StateClosed)
	return nil, backend.ErrEndOfStream
}

// State reports the current state.
func (s *Stream) State() backend.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close marks the stream closed and counts the call.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	if !s.state.Terminal() {
		s.state = backend.StateClosed
	}
	return nil
}

// Fragments returns a copy of every fragment sent.
func (s *Stream) Fragments() []tts.Fragment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]tts.Fragment, len(s.fragments))
	copy(out, s.fragments)
	return out
}

// Text returns the space-joined text of all fragments.
func (s *Stream) Text() string {
	var parts []string
	for _, f := range s.Fragments() {
		if f.Text != "" {
			parts = append(parts, f.Text)
		}
	}
	return strings.Join(parts, " ")
}

// CloseCalls returns how many times Close was called.
func (s *Stream) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

func (s *Stream) setState(st backend.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Terminal() {
		s.state = st
	}
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
