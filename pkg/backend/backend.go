// Package backend defines the uniform contract shared by every outbound
// streaming connection voxrelay opens: one to the text-generation service and
// one to the speech-synthesis service.
//
// A [Stream] is opened per request cycle, fed with [Stream.Send], drained with
// [Stream.Receive] until [ErrEndOfStream], and released with [Stream.Close].
// Backend-specific framing, control messages and authentication stay inside
// the implementation; callers only ever see this interface and the error
// taxonomy below.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// State is the connection state of a [Stream].
type State int

const (
	// StateConnecting is reported while the connection is being established.
	StateConnecting State = iota

	// StateOpen means units may be sent and received.
	StateOpen

	// StateClosed is terminal: the end marker was observed or Close was called.
	StateClosed

	// StateFailed is terminal: a transport or protocol failure was observed.
	StateFailed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further units can flow on a stream in state s.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// Stream is one open connection to a streaming backend. In is the unit type
// sent to the backend, Out the unit type received from it.
//
// A Stream is exclusively owned by the session that opened it. Send and
// Receive may be called from different goroutines, but Receive must not be
// called concurrently with itself.
type Stream[In, Out any] interface {
	// Send transmits one logical unit. It fails with [ErrClosed] wrapped in
	// [ErrProtocol] when the stream is not open, or with [ErrUnavailable] when
	// the transport fails.
	Send(ctx context.Context, in In) error

	// Receive blocks until the next unit arrives. It returns [ErrEndOfStream]
	// once the backend signals it is done for this request; from then on the
	// stream is [StateClosed] and a new stream must be opened. Cancellation or
	// deadline expiry of ctx fails the stream.
	Receive(ctx context.Context) (Out, error)

	// State reports the current connection state.
	State() State

	// Close releases the connection. It is idempotent and safe to call on
	// every exit path.
	Close() error
}

// Opener establishes a new [Stream] from an initial configuration. It fails
// with [ErrUnavailable] when the connection cannot be established and never
// retries internally.
type Opener[Cfg, In, Out any] func(ctx context.Context, cfg Cfg) (Stream[In, Out], error)

// ReceiveWithin calls s.Receive bounded by d. A zero or negative d means no
// bound beyond ctx. Deadline expiry is reported as [ErrTimeout].
func ReceiveWithin[In, Out any](ctx context.Context, s Stream[In, Out], d time.Duration) (Out, error) {
	if d <= 0 {
		return s.Receive(ctx)
	}
	rctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	out, err := s.Receive(rctx)
	if err != nil && ctx.Err() == nil && errors.Is(rctx.Err(), context.DeadlineExceeded) {
		var zero Out
		return zero, fmt.Errorf("%w: no unit within %s: %v", ErrTimeout, d, err)
	}
	return out, err
}

// SendWithin calls s.Send bounded by d, with the same conventions as
// [ReceiveWithin]. It covers backends whose Send waits on the server.
func SendWithin[In, Out any](ctx context.Context, s Stream[In, Out], in In, d time.Duration) error {
	if d <= 0 {
		return s.Send(ctx, in)
	}
	sctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	err := s.Send(sctx, in)
	if err != nil && ctx.Err() == nil && errors.Is(sctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: send not accepted within %s: %v", ErrTimeout, d, err)
	}
	return err
}

// IsStateful reports whether s, or any stream it wraps, retains conversation
// state between requests. Streams opt in by implementing Stateful() bool;
// wrappers expose the wrapped stream through Unwrap.
func IsStateful[In, Out any](s Stream[In, Out]) bool {
	for s != nil {
		if st, ok := s.(interface{ Stateful() bool }); ok {
			return st.Stateful()
		}
		u, ok := s.(interface{ Unwrap() Stream[In, Out] })
		if !ok {
			return false
		}
		s = u.Unwrap()
	}
	return false
}
