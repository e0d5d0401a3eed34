package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// harness is one accepted server-side Conn plus the client dialled into it.
type harness struct {
	conn   *Conn
	client *websocket.Conn
	runErr chan error
}

func start(t *testing.T, cfg Config) *harness {
	t.Helper()
	conns := make(chan *Conn, 1)
	runErr := make(chan error, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := Accept(w, r, cfg)
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		conns <- c
		runErr <- c.Run(context.Background())
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = client.CloseNow() })

	select {
	case c := <-conns:
		return &harness{conn: c, client: client, runErr: runErr}
	case <-time.After(5 * time.Second):
		t.Fatal("server never accepted")
		return nil
	}
}

func (h *harness) write(t *testing.T, typ websocket.MessageType, data string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.client.Write(ctx, typ, []byte(data)); err != nil {
		t.Fatalf("client write: %v", err)
	}
}

func (h *harness) read(t *testing.T) (websocket.MessageType, []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	typ, data, err := h.client.Read(ctx)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	return typ, data
}

func (h *harness) readJSON(t *testing.T) Outbound {
	t.Helper()
	typ, data := h.read(t)
	if typ != websocket.MessageText {
		t.Fatalf("frame type = %v, want text", typ)
	}
	var out Outbound
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return out
}

func next(t *testing.T, c *Conn) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.Next(ctx)
}

func TestConn_NextDecodesUtterance(t *testing.T) {
	t.Parallel()
	h := start(t, Config{})

	h.write(t, websocket.MessageText, `{"type":"message","text":"Hello"}`)
	text, err := next(t, h.conn)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if text != "Hello" {
		t.Errorf("text = %q, want Hello", text)
	}
}

func TestConn_InvalidFramesKeepConnection(t *testing.T) {
	t.Parallel()
	h := start(t, Config{})

	h.write(t, websocket.MessageBinary, "\x00\x01")
	h.write(t, websocket.MessageText, `{not json`)
	h.write(t, websocket.MessageText, `{"type":"audio","text":"x"}`)
	h.write(t, websocket.MessageText, `{"type":"message","text":"still here"}`)

	for i := 0; i < 3; i++ {
		if _, err := next(t, h.conn); !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("frame %d: err = %v, want ErrInvalidMessage", i, err)
		}
	}
	text, err := next(t, h.conn)
	if err != nil || text != "still here" {
		t.Fatalf("Next = %q, %v", text, err)
	}
}

func TestConn_OutboundPreservesOrder(t *testing.T) {
	t.Parallel()
	h := start(t, Config{})
	ctx := context.Background()

	if err := h.conn.SendReply(ctx, "Hi there"); err != nil {
		t.Fatalf("SendReply: %v", err)
	}
	for _, c := range []string{"A", "B", "C"} {
		if err := h.conn.SendAudio(ctx, []byte(c)); err != nil {
			t.Fatalf("SendAudio: %v", err)
		}
	}

	if got := h.readJSON(t); got.Type != TypeReply || got.Text != "Hi there" {
		t.Fatalf("first frame = %+v", got)
	}
	for _, want := range []string{"A", "B", "C"} {
		typ, data := h.read(t)
		if typ != websocket.MessageBinary || string(data) != want {
			t.Fatalf("frame = %v %q, want binary %q", typ, data, want)
		}
	}
}

func TestConn_ControlFrames(t *testing.T) {
	t.Parallel()
	h := start(t, Config{})
	ctx := context.Background()

	_ = h.conn.SendSession(ctx, "s-1")
	_ = h.conn.SendError(ctx, "audio_error", "no audio")
	_ = h.conn.SendNotice(ctx, "invalid_message", "ignored")

	if got := h.readJSON(t); got.Type != TypeSession || got.ID != "s-1" {
		t.Errorf("session frame = %+v", got)
	}
	if got := h.readJSON(t); got.Type != TypeError || got.Code != "audio_error" || got.Message != "no audio" {
		t.Errorf("error frame = %+v", got)
	}
	if got := h.readJSON(t); got.Type != TypeNotice || got.Code != "invalid_message" {
		t.Errorf("notice frame = %+v", got)
	}
}

func TestConn_ClientCloseIsDisconnect(t *testing.T) {
	t.Parallel()
	h := start(t, Config{})

	if err := h.client.Close(websocket.StatusNormalClosure, "bye"); err != nil {
		t.Fatalf("client close: %v", err)
	}

	select {
	case err := <-h.runErr:
		if !errors.Is(err, ErrClientDisconnected) {
			t.Fatalf("Run = %v, want ErrClientDisconnected", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	if _, err := next(t, h.conn); !errors.Is(err, ErrClientDisconnected) {
		t.Errorf("Next after disconnect = %v", err)
	}
	if err := h.conn.SendAudio(context.Background(), []byte("x")); !errors.Is(err, ErrClientDisconnected) {
		t.Errorf("SendAudio after disconnect = %v", err)
	}
}

func TestConn_CloseFlushesQueuedFrames(t *testing.T) {
	t.Parallel()
	h := start(t, Config{})
	ctx := context.Background()

	_ = h.conn.SendReply(ctx, "Goodbye!")
	_ = h.conn.SendEnd(ctx, "exit")
	h.conn.Close(websocket.StatusNormalClosure, "exit")
	h.conn.Close(websocket.StatusNormalClosure, "again")

	if got := h.readJSON(t); got.Type != TypeReply {
		t.Fatalf("frame = %+v, want reply", got)
	}
	if got := h.readJSON(t); got.Type != TypeEnd || got.Reason != "exit" {
		t.Fatalf("frame = %+v, want end", got)
	}

	rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, _, err := h.client.Read(rctx)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Fatalf("close status = %v (err %v), want normal closure", websocket.CloseStatus(err), err)
	}

	select {
	case err := <-h.runErr:
		if err != nil {
			t.Fatalf("Run = %v, want nil after server close", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	if err := h.conn.SendReply(ctx, "late"); !errors.Is(err, ErrClientDisconnected) {
		t.Errorf("send after close = %v", err)
	}
}

func TestConn_NextHonoursContext(t *testing.T) {
	t.Parallel()
	h := start(t, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := h.conn.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Next = %v, want deadline exceeded", err)
	}
}

func TestDecode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		typ     websocket.MessageType
		data    string
		want    string
		invalid bool
	}{
		{"message", websocket.MessageText, `{"type":"message","text":"Hi"}`, "Hi", false},
		{"blank text passes through", websocket.MessageText, `{"type":"message","text":"  "}`, "  ", false},
		{"binary", websocket.MessageBinary, `{"type":"message","text":"Hi"}`, "", true},
		{"malformed", websocket.MessageText, `{"type":`, "", true},
		{"missing type", websocket.MessageText, `{"text":"Hi"}`, "", true},
		{"unknown type", websocket.MessageText, `{"type":"reply","text":"Hi"}`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := decode(tt.typ, []byte(tt.data))
			if tt.invalid {
				if !errors.Is(got.err, ErrInvalidMessage) {
					t.Fatalf("err = %v, want ErrInvalidMessage", got.err)
				}
				return
			}
			if got.err != nil || got.text != tt.want {
				t.Fatalf("decode = %q, %v", got.text, got.err)
			}
		})
	}
}

func TestConfig_Defaults(t *testing.T) {
	t.Parallel()
	c := Config{}.withDefaults()
	if c.PingInterval != defaultPingInterval || c.WriteTimeout != defaultWriteTimeout {
		t.Errorf("timeouts = %v/%v", c.PingInterval, c.WriteTimeout)
	}
	if c.QueueSize != defaultQueueSize || c.ReadLimit != defaultReadLimit {
		t.Errorf("sizes = %d/%d", c.QueueSize, c.ReadLimit)
	}
}
