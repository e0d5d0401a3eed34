// Package session holds the per-client conversation state and the
// process-wide registry that maps client identities to sessions.
//
// A [Session] owns its ordered turn history and at most one open handle to
// each backend. Handles are opened lazily by [Session.Generation] and
// [Session.Synthesis] and are closed no later than [Session.Close]. Status
// only moves forward: Active, Closing, Closed.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/voxrelay/pkg/backend"
	"github.com/MrWong99/voxrelay/pkg/provider/llm"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
)

// ErrNotActive is returned when a session that is closing or closed is asked
// to change its history or open a backend handle.
var ErrNotActive = errors.New("session: not active")

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerAgent Speaker = "agent"
)

// Turn is one history entry.
type Turn struct {
	Speaker   Speaker
	Text      string
	Timestamp time.Time
}

// Status is the lifecycle status of a session.
type Status int

const (
	StatusActive Status = iota
	StatusClosing
	StatusClosed
)

// String returns the human-readable name of the status.
func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// GenerationStream is a session's handle to the generation backend.
type GenerationStream = backend.Stream[llm.CompletionRequest, string]

// GenerationOpener opens a [GenerationStream].
type GenerationOpener = backend.Opener[struct{}, llm.CompletionRequest, string]

// SynthesisOpener opens a [tts.Stream] from a [tts.Config].
type SynthesisOpener = backend.Opener[tts.Config, tts.Fragment, []byte]

// Session is the conversation state of one client. All methods are safe for
// concurrent use.
type Session struct {
	id        string
	createdAt time.Time
	now       func() time.Time

	mu      sync.Mutex
	status  Status
	closing bool
	history []Turn
	gen     GenerationStream
	synth   tts.Stream
}

func newSession(id string, now func() time.Time) *Session {
	return &Session{
		id:        id,
		createdAt: now(),
		now:       now,
		status:    StatusActive,
	}
}

// ID returns the session identity.
func (s *Session) ID() string { return s.id }

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Status returns the current lifecycle status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// History returns a copy of the turn history in insertion order. Completed
// turns contribute a user and an agent entry; a turn cut short by a
// disconnect or cancellation leaves its user entry unpaired at the end.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.history))
	copy(out, s.history)
	return out
}

// Len returns the number of history entries.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

// Append adds one turn to the history. It fails with [ErrNotActive] once the
// session has left StatusActive.
func (s *Session) Append(speaker Speaker, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive {
		return ErrNotActive
	}
	s.history = append(s.history, Turn{Speaker: speaker, Text: text, Timestamp: s.now()})
	return nil
}

// Generation returns the session's open generation handle, opening one with
// open if there is none or the previous one reached a terminal state.
func (s *Session) Generation(ctx context.Context, open GenerationOpener) (GenerationStream, error) {
	return acquire(ctx, s, &s.gen, open, struct{}{})
}

// Synthesis returns the session's open synthesis handle, opening one with
// open and cfg if there is none or the previous one reached a terminal state.
func (s *Session) Synthesis(ctx context.Context, open SynthesisOpener, cfg tts.Config) (tts.Stream, error) {
	return acquire(ctx, s, &s.synth, open, cfg)
}

// ReleaseGeneration closes and drops the generation handle, if any.
func (s *Session) ReleaseGeneration() error {
	return release(s, &s.gen)
}

// ReleaseSynthesis closes and drops the synthesis handle, if any.
func (s *Session) ReleaseSynthesis() error {
	return release(s, &s.synth)
}

// BeginClose moves an active session to StatusClosing. It reports whether
// this call made the transition.
func (s *Session) BeginClose() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusActive {
		return false
	}
	s.status = StatusClosing
	return true
}

// Close closes any open handle while the session is StatusClosing, then
// moves it to StatusClosed. It is idempotent: later and concurrent calls
// return nil and do nothing.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.status == StatusClosed || s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	s.status = StatusClosing
	gen, synth := s.gen, s.synth
	s.gen, s.synth = nil, nil
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.status = StatusClosed
		s.mu.Unlock()
	}()

	var errs []error
	if gen != nil {
		errs = append(errs, gen.Close())
	}
	if synth != nil {
		errs = append(errs, synth.Close())
	}
	return errors.Join(errs...)
}

// acquire implements lazy opening for one handle slot. The dial happens
// without the session lock held so that Close is never blocked on backend
// I/O; a handle that finishes opening after Close is closed immediately.
func acquire[Cfg, In, Out any](ctx context.Context, s *Session, slot *backend.Stream[In, Out], open backend.Opener[Cfg, In, Out], cfg Cfg) (backend.Stream[In, Out], error) {
	s.mu.Lock()
	if s.status != StatusActive {
		s.mu.Unlock()
		return nil, ErrNotActive
	}
	if cur := *slot; cur != nil {
		if !cur.State().Terminal() {
			s.mu.Unlock()
			return cur, nil
		}
		*slot = nil
		s.mu.Unlock()
		_ = cur.Close()
	} else {
		s.mu.Unlock()
	}

	h, err := open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.status != StatusActive {
		s.mu.Unlock()
		_ = h.Close()
		return nil, ErrNotActive
	}
	if prev := *slot; prev != nil {
		s.mu.Unlock()
		_ = h.Close()
		return nil, fmt.Errorf("session %s: %w: handle opened concurrently", s.id, backend.ErrProtocol)
	}
	*slot = h
	s.mu.Unlock()
	return h, nil
}

func release[In, Out any](s *Session, slot *backend.Stream[In, Out]) error {
	s.mu.Lock()
	h := *slot
	*slot = nil
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.Close()
}
