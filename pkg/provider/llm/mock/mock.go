// Package mock is a scripted llm.Provider for tests.
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/voxrelay/pkg/provider/llm"
)

// Call is one recorded StreamCompletion request.
type Call struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider replays StreamChunks for every request. Set the exported fields
// before the first call, or use [Provider.SetChunks] once calls may overlap.
type Provider struct {
	// StreamChunks is emitted in order, then the channel closes.
	StreamChunks []llm.Chunk

	// StreamErr makes StreamCompletion fail before any channel exists.
	StreamErr error

	// Hang holds the channel open after StreamChunks until ctx ends, like a
	// backend that stopped answering.
	Hang bool

	// HangOnStart makes StreamCompletion itself block until ctx ends, like an
	// HTTP backend that never sends response headers.
	HangOnStart bool

	mu    sync.Mutex
	calls []Call
}

var _ llm.Provider = (*Provider)(nil)

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	req.Messages = slices.Clone(req.Messages)

	p.mu.Lock()
	p.calls = append(p.calls, Call{Ctx: ctx, Req: req})
	err, chunks, hang := p.StreamErr, slices.Clone(p.StreamChunks), p.Hang
	hangOnStart := p.HangOnStart
	p.mu.Unlock()

	if hangOnStart {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
		if hang {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

// Calls returns the requests seen so far, oldest first.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.calls)
}

// SetChunks swaps the scripted reply.
func (p *Provider) SetChunks(chunks ...llm.Chunk) {
	p.mu.Lock()
	p.StreamChunks = chunks
	p.mu.Unlock()
}
