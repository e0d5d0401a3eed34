// Package transport implements the client side of a voxrelay session: one
// server-accepted WebSocket carrying JSON control frames and binary audio.
//
// A [Conn] runs three goroutines under one errgroup: a reader that decodes
// inbound frames into utterances, a writer that drains a bounded outbound
// queue to the network, and a keep-alive pinger. Producers only enqueue, so a
// slow network never blocks the goroutine relaying synthesis audio beyond the
// queue's capacity.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrClientDisconnected reports that the client closed the connection or
	// the network dropped it. It marks a clean end of the session.
	ErrClientDisconnected = errors.New("transport: client disconnected")

	// ErrInvalidMessage marks an inbound frame that is not a valid utterance.
	// The session continues.
	ErrInvalidMessage = errors.New("transport: invalid client message")
)

// Outbound frame types.
const (
	TypeSession = "session"
	TypeReply   = "reply"
	TypeError   = "error"
	TypeNotice  = "notice"
	TypeEnd     = "end"
)

// TypeMessage is the only accepted inbound frame type.
const TypeMessage = "message"

const (
	defaultPingInterval = 20 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultQueueSize    = 64
	defaultReadLimit    = 64 << 10
	inboundQueueSize    = 8
)

// Config tunes a [Conn]. Zero values select the defaults.
type Config struct {
	// PingInterval is the keep-alive period. Default 20s.
	PingInterval time.Duration

	// WriteTimeout bounds every frame write and ping round trip. Default 5s.
	WriteTimeout time.Duration

	// QueueSize is the outbound frame capacity. Default 64.
	QueueSize int

	// ReadLimit caps the size of one inbound frame. Default 64 KiB.
	ReadLimit int64

	// OriginPatterns lists the cross-origin hosts allowed to connect.
	OriginPatterns []string
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	return c
}

// Inbound is the JSON shape of an inbound control frame.
type Inbound struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Outbound is the JSON shape of an outbound control frame.
type Outbound struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Text    string `json:"text,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type frame struct {
	typ  websocket.MessageType
	data []byte
}

type inbound struct {
	text string
	err  error
}

type closeRequest struct {
	code   websocket.StatusCode
	reason string
}

// Conn is one client WebSocket. Send methods and Next may be called from any
// goroutine once [Conn.Run] has started.
type Conn struct {
	ws  *websocket.Conn
	cfg Config

	out      chan frame
	in       chan inbound
	closeReq chan closeRequest
	done     chan struct{}

	closeOnce sync.Once
	doneOnce  sync.Once
	closing   atomic.Bool

	mu  sync.Mutex
	err error
}

// Accept upgrades the request to a WebSocket and wraps it in a [Conn]. On
// failure Accept has already written an HTTP error response.
func Accept(w http.ResponseWriter, r *http.Request, cfg Config) (*Conn, error) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: cfg.OriginPatterns,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: accept: %w", err)
	}
	return New(ws, cfg), nil
}

// New wraps an established WebSocket.
func New(ws *websocket.Conn, cfg Config) *Conn {
	cfg = cfg.withDefaults()
	ws.SetReadLimit(cfg.ReadLimit)
	return &Conn{
		ws:       ws,
		cfg:      cfg,
		out:      make(chan frame, cfg.QueueSize),
		in:       make(chan inbound, inboundQueueSize),
		closeReq: make(chan closeRequest, 1),
		done:     make(chan struct{}),
	}
}

// Run serves the connection until it ends. It returns nil after a
// server-initiated [Conn.Close], ctx.Err() when ctx is cancelled, and an
// error wrapping [ErrClientDisconnected] when the client goes away.
func (c *Conn) Run(ctx context.Context) error {
	defer c.finish()

	// The first loop to return, with or without an error, stops the others.
	lctx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(lctx)
	loop := func(fn func() error) {
		g.Go(func() error {
			defer stop()
			return fn()
		})
	}
	loop(func() error { return c.readLoop(gctx) })
	loop(func() error { return c.writeLoop(ctx, gctx) })
	loop(func() error { return c.pingLoop(gctx) })
	err := g.Wait()

	switch {
	case c.closing.Load():
		err = nil
	case ctx.Err() != nil:
		err = ctx.Err()
	}
	c.setErr(err)
	return err
}

// Done is closed once Run has returned.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close asks the writer to flush queued frames and close the connection with
// code and reason. It does not wait; use [Conn.Done]. Only the first call has
// an effect.
func (c *Conn) Close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		c.closeReq <- closeRequest{code: code, reason: reason}
	})
}

// Next blocks until the client sends an utterance. Malformed frames are
// reported as errors wrapping [ErrInvalidMessage]; the connection stays
// usable.
func (c *Conn) Next(ctx context.Context) (string, error) {
	select {
	case m := <-c.in:
		return m.text, m.err
	case <-c.done:
		return "", c.gone()
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// SendSession announces the session identity.
func (c *Conn) SendSession(ctx context.Context, id string) error {
	return c.sendJSON(ctx, Outbound{Type: TypeSession, ID: id})
}

// SendReply sends the agent's reply text.
func (c *Conn) SendReply(ctx context.Context, text string) error {
	return c.sendJSON(ctx, Outbound{Type: TypeReply, Text: text})
}

// SendError sends an error control frame.
func (c *Conn) SendError(ctx context.Context, code, message string) error {
	return c.sendJSON(ctx, Outbound{Type: TypeError, Code: code, Message: message})
}

// SendNotice sends a notice control frame.
func (c *Conn) SendNotice(ctx context.Context, code, message string) error {
	return c.sendJSON(ctx, Outbound{Type: TypeNotice, Code: code, Message: message})
}

// SendEnd announces that the server is about to close the session.
func (c *Conn) SendEnd(ctx context.Context, reason string) error {
	return c.sendJSON(ctx, Outbound{Type: TypeEnd, Reason: reason})
}

// SendAudio queues one binary audio frame.
func (c *Conn) SendAudio(ctx context.Context, chunk []byte) error {
	return c.enqueue(ctx, frame{typ: websocket.MessageBinary, data: chunk})
}

func (c *Conn) sendJSON(ctx context.Context, v Outbound) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transport: encode %s: %w", v.Type, err)
	}
	return c.enqueue(ctx, frame{typ: websocket.MessageText, data: payload})
}

// enqueue blocks while the outbound queue is full.
func (c *Conn) enqueue(ctx context.Context, f frame) error {
	if c.closing.Load() {
		return fmt.Errorf("%w: connection closing", ErrClientDisconnected)
	}
	select {
	case <-c.done:
		return c.gone()
	default:
	}
	select {
	case c.out <- f:
		return nil
	case <-c.done:
		return c.gone()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) readLoop(ctx context.Context) error {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			if c.closing.Load() || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrClientDisconnected, err)
		}
		m := decode(typ, data)
		select {
		case c.in <- m:
		default:
			// A turn is still in progress and the backlog is full.
			c.tryNotice("busy", "still answering, message dropped")
		}
	}
}

// decode turns one inbound frame into an utterance or an invalid-message
// error.
func decode(typ websocket.MessageType, data []byte) inbound {
	if typ != websocket.MessageText {
		return inbound{err: fmt.Errorf("%w: binary frames are not accepted", ErrInvalidMessage)}
	}
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return inbound{err: fmt.Errorf("%w: malformed JSON", ErrInvalidMessage)}
	}
	if msg.Type != TypeMessage {
		return inbound{err: fmt.Errorf("%w: unsupported type %q", ErrInvalidMessage, msg.Type)}
	}
	return inbound{text: msg.Text}
}

// writeLoop drains the outbound queue. parent distinguishes a shutdown from
// the failure of a sibling goroutine.
func (c *Conn) writeLoop(parent, ctx context.Context) error {
	for {
		select {
		case f := <-c.out:
			if err := c.write(ctx, f); err != nil {
				return err
			}
		case req := <-c.closeReq:
			c.flush(ctx)
			_ = c.ws.Close(req.code, req.reason)
			return nil
		case <-ctx.Done():
			if parent.Err() != nil {
				_ = c.ws.Close(websocket.StatusGoingAway, "server shutting down")
			} else {
				_ = c.ws.CloseNow()
			}
			return nil
		}
	}
}

// flush writes whatever is already queued.
func (c *Conn) flush(ctx context.Context) {
	for {
		select {
		case f := <-c.out:
			if err := c.write(ctx, f); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(ctx context.Context, f frame) error {
	wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	if err := c.ws.Write(wctx, f.typ, f.data); err != nil {
		if c.closing.Load() || ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: write: %v", ErrClientDisconnected, err)
	}
	return nil
}

func (c *Conn) pingLoop(ctx context.Context) error {
	t := time.NewTicker(c.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
			err := c.ws.Ping(pctx)
			cancel()
			if err != nil {
				if c.closing.Load() || ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: ping: %v", ErrClientDisconnected, err)
			}
		}
	}
}

// tryNotice queues a notice without blocking.
func (c *Conn) tryNotice(code, message string) {
	payload, err := json.Marshal(Outbound{Type: TypeNotice, Code: code, Message: message})
	if err != nil {
		return
	}
	select {
	case c.out <- frame{typ: websocket.MessageText, data: payload}:
	default:
	}
}

func (c *Conn) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Conn) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// gone is the error reported to callers after Run has returned.
func (c *Conn) gone() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil && errors.Is(c.err, ErrClientDisconnected) {
		return c.err
	}
	return ErrClientDisconnected
}
