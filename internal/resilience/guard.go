package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/voxrelay/pkg/backend"
)

// GuardOpener wraps open so that every connection goes through cb. An open
// breaker fails the call with [backend.ErrUnavailable] without dialling.
//
// The outcome recorded for a connection is the first decisive one: a failed
// Open, Send or Receive counts as failure, reaching [backend.ErrEndOfStream]
// counts as success. Closing a stream before either is neutral.
func GuardOpener[Cfg, In, Out any](cb *CircuitBreaker, open backend.Opener[Cfg, In, Out]) backend.Opener[Cfg, In, Out] {
	return func(ctx context.Context, cfg Cfg) (backend.Stream[In, Out], error) {
		done, err := cb.Allow()
		if err != nil {
			return nil, fmt.Errorf("%s: %w: %w", cb.Name(), backend.ErrUnavailable, err)
		}
		s, err := open(ctx, cfg)
		if err != nil {
			done(err)
			return nil, err
		}
		return &guardedStream[In, Out]{Stream: s, done: done}, nil
	}
}

type guardedStream[In, Out any] struct {
	backend.Stream[In, Out]
	done func(error)
	once sync.Once
}

// Unwrap returns the guarded stream.
func (g *guardedStream[In, Out]) Unwrap() backend.Stream[In, Out] { return g.Stream }

func (g *guardedStream[In, Out]) report(err error) {
	g.once.Do(func() { g.done(err) })
}

func (g *guardedStream[In, Out]) Send(ctx context.Context, in In) error {
	err := g.Stream.Send(ctx, in)
	if err != nil && !errors.Is(err, backend.ErrClosed) {
		g.report(err)
	}
	return err
}

func (g *guardedStream[In, Out]) Receive(ctx context.Context) (Out, error) {
	out, err := g.Stream.Receive(ctx)
	switch {
	case err == nil:
	case errors.Is(err, backend.ErrEndOfStream):
		g.report(nil)
	case errors.Is(err, backend.ErrClosed):
	default:
		g.report(err)
	}
	return out, err
}

func (g *guardedStream[In, Out]) Close() error {
	g.report(context.Canceled)
	return g.Stream.Close()
}
