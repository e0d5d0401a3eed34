package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/voxrelay/internal/app"
	"github.com/MrWong99/voxrelay/internal/orchestrator"
	"github.com/MrWong99/voxrelay/internal/transport"
	llmmock "github.com/MrWong99/voxrelay/pkg/provider/llm/mock"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
	ttsmock "github.com/MrWong99/voxrelay/pkg/provider/tts/mock"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConnect_ConversationAndExit(t *testing.T) {
	t.Parallel()
	providers := testProviders()
	f := newFixture(t, testConfig(), providers)
	c := f.dial(t, "/ws/alice")

	if got := readJSON(t, c); got.Type != transport.TypeSession || got.ID != "alice" {
		t.Fatalf("session frame = %+v", got)
	}

	say(t, c, "Hello")
	if got := readJSON(t, c); got.Type != transport.TypeReply || got.Text != "Hi there" {
		t.Fatalf("reply = %+v", got)
	}
	expectAudio(t, c, "A", "B")

	say(t, c, "bye")
	if got := readJSON(t, c); got.Type != transport.TypeReply || got.Text != "Goodbye!" {
		t.Fatalf("farewell = %+v", got)
	}
	expectAudio(t, c, "A", "B")
	if got := readJSON(t, c); got.Type != transport.TypeEnd || got.Reason != app.EndExit {
		t.Fatalf("end frame = %+v", got)
	}
	if st := closeStatus(t, c); st != websocket.StatusNormalClosure {
		t.Fatalf("close status = %v, want normal closure", st)
	}

	waitFor(t, "session release", func() bool { return f.app.Sessions().Registry().Len() == 0 })
	if n := len(providers.Generation.(*llmmock.Provider).Calls()); n != 1 {
		t.Errorf("generation calls = %d, want 1 (exit phrase skips generation)", n)
	}
}

func TestConnect_GeneratesSessionID(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(), testProviders())
	c := f.dial(t, "/ws")

	got := readJSON(t, c)
	if got.Type != transport.TypeSession {
		t.Fatalf("first frame = %+v", got)
	}
	id, err := uuid.Parse(got.ID)
	if err != nil {
		t.Fatalf("session id %q is not a UUID: %v", got.ID, err)
	}
	if id.Version() != 7 {
		t.Errorf("uuid version = %d, want 7", id.Version())
	}
}

func TestConnect_ConflictingID(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(), testProviders())

	first := f.dial(t, "/ws/bob")
	if got := readJSON(t, first); got.Type != transport.TypeSession {
		t.Fatalf("first session frame = %+v", got)
	}

	second := f.dial(t, "/ws/bob")
	got := readJSON(t, second)
	if got.Type != transport.TypeError || got.Code != app.CodeSessionConflict {
		t.Fatalf("second connection frame = %+v, want session_conflict", got)
	}
	if st := closeStatus(t, second); st != websocket.StatusPolicyViolation {
		t.Fatalf("close status = %v, want policy violation", st)
	}

	// The original session is untouched.
	say(t, first, "still there?")
	if got := readJSON(t, first); got.Type != transport.TypeReply {
		t.Fatalf("first connection reply = %+v", got)
	}
	expectAudio(t, first, "A", "B")
	if n := f.app.Sessions().Registry().Len(); n != 1 {
		t.Errorf("registry size = %d, want 1", n)
	}
}

func TestConnect_IDReusableAfterDisconnect(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(), testProviders())

	c := f.dial(t, "/ws/carol")
	_ = readJSON(t, c)
	if err := c.Close(websocket.StatusNormalClosure, "done"); err != nil {
		t.Fatalf("client close: %v", err)
	}
	waitFor(t, "session release", func() bool { return f.app.Sessions().Registry().Len() == 0 })

	again := f.dial(t, "/ws/carol")
	if got := readJSON(t, again); got.Type != transport.TypeSession || got.ID != "carol" {
		t.Fatalf("reconnect frame = %+v", got)
	}
}

func TestConnect_DisconnectDuringSynthesisWait(t *testing.T) {
	t.Parallel()
	providers := testProviders()
	synth := &ttsmock.Provider{Chunks: [][]byte{[]byte("A"), []byte("B")}, Hang: true}
	providers.Synthesis = synth
	f := newFixture(t, testConfig(), providers)

	c := f.dial(t, "/ws/hana")
	_ = readJSON(t, c)
	say(t, c, "Hello")
	_ = readJSON(t, c)
	expectAudio(t, c, "A", "B")
	_ = c.Close(websocket.StatusNormalClosure, "gone")

	waitFor(t, "session release", func() bool { return f.app.Sessions().Registry().Len() == 0 })
	streams := synth.Opened()
	if len(streams) != 1 {
		t.Fatalf("synthesis streams = %d, want 1", len(streams))
	}
	waitFor(t, "synthesis handle close", func() bool { return streams[0].CloseCalls() > 0 })
}

func TestConnect_DisconnectDuringGenerationWait(t *testing.T) {
	t.Parallel()
	providers := testProviders()
	gen := providers.Generation.(*llmmock.Provider)
	gen.HangOnStart = true
	f := newFixture(t, testConfig(), providers)

	c := f.dial(t, "/ws/ivan")
	_ = readJSON(t, c)
	say(t, c, "Hello")
	waitFor(t, "generation request", func() bool { return len(gen.Calls()) == 1 })
	_ = c.Close(websocket.StatusNormalClosure, "gone")

	waitFor(t, "session release", func() bool { return f.app.Sessions().Registry().Len() == 0 })
	if err := gen.Calls()[0].Ctx.Err(); err == nil {
		t.Error("generation request still live after disconnect")
	}
}

func TestConnect_StyleQuery(t *testing.T) {
	t.Parallel()
	providers := testProviders()
	f := newFixture(t, testConfig(), providers)

	c := f.dial(t, "/ws/dave?style=cheerful")
	_ = readJSON(t, c)
	say(t, c, "Hello")
	_ = readJSON(t, c)
	expectAudio(t, c, "A", "B")

	synth := providers.Synthesis.(*ttsmock.Provider)
	if got := synth.LastConfig().Style; got != tts.StyleCheerful {
		t.Errorf("synthesis style = %q, want cheerful", got)
	}
}

func TestConnect_UnknownStyleIsNeutral(t *testing.T) {
	t.Parallel()
	providers := testProviders()
	cfg := testConfig()
	cfg.Conversation.Style = string(tts.StyleSerious)
	f := newFixture(t, cfg, providers)

	c := f.dial(t, "/ws/erin?style=sarcastic")
	_ = readJSON(t, c)
	say(t, c, "Hello")
	_ = readJSON(t, c)
	expectAudio(t, c, "A", "B")

	if got := providers.Synthesis.(*ttsmock.Provider).LastConfig().Style; got != tts.StyleNeutral {
		t.Errorf("synthesis style = %q, want neutral", got)
	}
}

func TestConnect_InvalidMessageKeepsSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(), testProviders())
	c := f.dial(t, "/ws/frank")
	_ = readJSON(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageBinary, []byte{0x01}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := readJSON(t, c); got.Type != transport.TypeNotice {
		t.Fatalf("frame = %+v, want notice", got)
	}

	say(t, c, "Hello")
	if got := readJSON(t, c); got.Type != transport.TypeReply || got.Text != "Hi there" {
		t.Fatalf("reply = %+v", got)
	}
}

func TestConnect_GenerationFailureSpeaksApology(t *testing.T) {
	t.Parallel()
	providers := testProviders()
	providers.Generation.(*llmmock.Provider).StreamErr = errors.New("quota exceeded")
	cfg := testConfig()
	f := newFixture(t, cfg, providers)

	c := f.dial(t, "/ws/gina")
	_ = readJSON(t, c)
	say(t, c, "Hello")

	if got := readJSON(t, c); got.Type != transport.TypeError || got.Code != orchestrator.CodeGenerationError {
		t.Fatalf("frame = %+v, want generation error", got)
	}
	if got := readJSON(t, c); got.Type != transport.TypeReply || got.Text != cfg.Conversation.Apology {
		t.Fatalf("reply = %+v, want apology", got)
	}
	expectAudio(t, c, "A", "B")
}

func TestShutdown_EndsLiveSessions(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(), testProviders())
	c := f.dial(t, "/ws/hank")
	_ = readJSON(t, c)
	waitFor(t, "session tracked", func() bool { return f.app.Sessions().Active() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.app.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if got := readJSON(t, c); got.Type != transport.TypeEnd || got.Reason != app.EndShutdown {
		t.Fatalf("frame = %+v, want end shutdown", got)
	}
	if st := closeStatus(t, c); st != websocket.StatusGoingAway {
		t.Fatalf("close status = %v, want going away", st)
	}
	if n := f.app.Sessions().Registry().Len(); n != 0 {
		t.Errorf("registry size after shutdown = %d", n)
	}
}

func TestShutdown_RefusesNewSessions(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(), testProviders())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.app.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	c := f.dial(t, "/ws/ivy")
	if got := readJSON(t, c); got.Type != transport.TypeError || got.Code != app.CodeSessionUnavailable {
		t.Fatalf("frame = %+v, want session_unavailable", got)
	}
	if st := closeStatus(t, c); st != websocket.StatusTryAgainLater {
		t.Fatalf("close status = %v, want try again later", st)
	}
}
