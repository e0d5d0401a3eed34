package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxrelay/pkg/backend"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
)

// ---- helpers ----

// fakeServer records every text frame the client sends and answers the
// end-of-input message with reply.
type fakeServer struct {
	mu       sync.Mutex
	path     string
	query    string
	received []map[string]any
	reply    func(ctx context.Context, conn *websocket.Conn)
}

func (f *fakeServer) messages() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, len(f.received))
	copy(out, f.received)
	return out
}

func startServer(t *testing.T, f *fakeServer) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.path, f.query = r.URL.Path, r.URL.RawQuery
		f.mu.Unlock()

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg map[string]any
			_ = json.Unmarshal(data, &msg)
			f.mu.Lock()
			f.received = append(f.received, msg)
			f.mu.Unlock()
			if text, _ := msg["text"].(string); text == "" {
				f.reply(ctx, conn)
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) {
	data, _ := json.Marshal(v)
	_ = conn.Write(ctx, websocket.MessageText, data)
}

func receiveAll(t *testing.T, s tts.Stream) ([][]byte, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var chunks [][]byte
	for {
		c, err := s.Receive(ctx)
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, c)
	}
}

// ---- message construction ----

func TestBuildBOI_CarriesStyleSettings(t *testing.T) {
	boi := buildBOI("xi-key", tts.StyleNeutral)
	if boi.Text != " " {
		t.Errorf("expected single-space text, got %q", boi.Text)
	}
	if boi.XiAPIKey != "xi-key" {
		t.Errorf("expected api key, got %q", boi.XiAPIKey)
	}
	if boi.VoiceSettings == nil || boi.VoiceSettings.Stability != 0.7 || boi.VoiceSettings.SimilarityBoost != 0.8 {
		t.Errorf("unexpected neutral voice settings: %+v", boi.VoiceSettings)
	}

	cheerful := buildBOI("k", tts.StyleCheerful)
	if *cheerful.VoiceSettings == *boi.VoiceSettings {
		t.Error("cheerful and neutral should map to different settings")
	}
}

func TestStreamURL(t *testing.T) {
	p, _ := New("k", WithModel("eleven_turbo_v2"), WithOutputFormat("mp3_44100_128"))
	got := p.streamURL("21m00Tcm4TlvDq8ikWAM")
	want := "wss://api.elevenlabs.io/v1/text-to-speech/21m00Tcm4TlvDq8ikWAM/stream-input?model_id=eleven_turbo_v2&output_format=mp3_44100_128"
	if got != want {
		t.Errorf("streamURL =\n %s\nwant\n %s", got, want)
	}
}

func TestDecodeAudioMessage(t *testing.T) {
	audio := base64.StdEncoding.EncodeToString([]byte("pcm"))

	chunk, final, err := decodeAudioMessage([]byte(`{"audio":"` + audio + `","isFinal":false}`))
	if err != nil || final || string(chunk) != "pcm" {
		t.Fatalf("audio frame: chunk=%q final=%v err=%v", chunk, final, err)
	}

	chunk, final, err = decodeAudioMessage([]byte(`{"isFinal":true}`))
	if err != nil || !final || chunk != nil {
		t.Fatalf("final frame: chunk=%q final=%v err=%v", chunk, final, err)
	}

	_, _, err = decodeAudioMessage([]byte(`{"message":"Unusual activity detected","error":"quota_exceeded"}`))
	if !errors.Is(err, backend.ErrProtocol) {
		t.Fatalf("error frame: want ErrProtocol, got %v", err)
	}

	_, _, err = decodeAudioMessage([]byte(`not json`))
	if !errors.Is(err, backend.ErrProtocol) {
		t.Fatalf("garbage frame: want ErrProtocol, got %v", err)
	}

	_, _, err = decodeAudioMessage([]byte(`{"audio":"%%%"}`))
	if !errors.Is(err, backend.ErrProtocol) {
		t.Fatalf("bad base64: want ErrProtocol, got %v", err)
	}
}

// ---- constructor ----

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty apiKey")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.model != defaultModel {
		t.Errorf("expected model %q, got %q", defaultModel, p.model)
	}
	if p.outputFormat != defaultOutputFmt {
		t.Errorf("expected output format %q, got %q", defaultOutputFmt, p.outputFormat)
	}
	if p.baseURL != defaultBaseURL {
		t.Errorf("expected base URL %q, got %q", defaultBaseURL, p.baseURL)
	}
}

// ---- round trip ----

func TestOpen_RoundTrip(t *testing.T) {
	f := &fakeServer{reply: func(ctx context.Context, conn *websocket.Conn) {
		writeJSON(ctx, conn, map[string]any{"audio": base64.StdEncoding.EncodeToString([]byte("chunk-1")), "isFinal": false})
		_ = conn.Write(ctx, websocket.MessageBinary, []byte("chunk-2"))
		writeJSON(ctx, conn, map[string]any{"audio": nil, "isFinal": true})
	}}
	srv := startServer(t, f)

	p, _ := New("xi-key", WithBaseURL(wsURL(srv)))
	ctx := context.Background()
	s, err := p.Open(ctx, tts.Config{VoiceID: "voice-1", Style: tts.StyleCalm})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.Send(ctx, tts.Fragment{Text: "Hi there."}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := s.Send(ctx, tts.Fragment{Final: true}); err != nil {
		t.Fatalf("Send final: %v", err)
	}

	chunks, err := receiveAll(t, s)
	if !errors.Is(err, backend.ErrEndOfStream) {
		t.Fatalf("want ErrEndOfStream, got %v", err)
	}
	if len(chunks) != 2 || string(chunks[0]) != "chunk-1" || string(chunks[1]) != "chunk-2" {
		t.Fatalf("chunks = %q", chunks)
	}
	if s.State() != backend.StateClosed {
		t.Errorf("state = %s, want closed", s.State())
	}

	msgs := f.messages()
	if len(msgs) != 3 {
		t.Fatalf("server received %d messages, want 3: %v", len(msgs), msgs)
	}
	if msgs[0]["xi_api_key"] != "xi-key" || msgs[0]["text"] != " " {
		t.Errorf("unexpected BOI: %v", msgs[0])
	}
	if vs, ok := msgs[0]["voice_settings"].(map[string]any); !ok || vs["stability"] != tts.StyleCalm.Settings().Stability {
		t.Errorf("BOI voice settings = %v", msgs[0]["voice_settings"])
	}
	if msgs[1]["text"] != "Hi there. " || msgs[1]["try_trigger_generation"] != true {
		t.Errorf("unexpected fragment: %v", msgs[1])
	}
	if msgs[2]["text"] != "" {
		t.Errorf("unexpected end of input: %v", msgs[2])
	}
	f.mu.Lock()
	path := f.path
	f.mu.Unlock()
	if path != "/v1/text-to-speech/voice-1/stream-input" {
		t.Errorf("path = %q", path)
	}

	if err := s.Send(ctx, tts.Fragment{Text: "again"}); !errors.Is(err, backend.ErrProtocol) {
		t.Errorf("send after final: want ErrProtocol, got %v", err)
	}
}

func TestOpen_ErrorFrameFailsStream(t *testing.T) {
	f := &fakeServer{reply: func(ctx context.Context, conn *websocket.Conn) {
		writeJSON(ctx, conn, map[string]any{"message": "invalid api key", "error": "auth_error"})
	}}
	srv := startServer(t, f)

	p, _ := New("bad", WithBaseURL(wsURL(srv)))
	s, err := p.Open(context.Background(), tts.Config{VoiceID: "v"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	_ = s.Send(context.Background(), tts.Fragment{Text: "Hello", Final: true})

	_, err = receiveAll(t, s)
	if !errors.Is(err, backend.ErrProtocol) {
		t.Fatalf("want ErrProtocol, got %v", err)
	}
	if s.State() != backend.StateFailed {
		t.Errorf("state = %s, want failed", s.State())
	}
}

func TestOpen_DialFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	p, _ := New("k", WithBaseURL(url))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := p.Open(ctx, tts.Config{VoiceID: "v"}); !errors.Is(err, backend.ErrUnavailable) {
		t.Fatalf("want ErrUnavailable, got %v", err)
	}
}

func TestOpen_EmptyVoice(t *testing.T) {
	p, _ := New("k")
	if _, err := p.Open(context.Background(), tts.Config{}); !errors.Is(err, backend.ErrProtocol) {
		t.Fatalf("want ErrProtocol, got %v", err)
	}
}

func TestStream_CloseIdempotent(t *testing.T) {
	f := &fakeServer{reply: func(context.Context, *websocket.Conn) {}}
	srv := startServer(t, f)

	p, _ := New("k", WithBaseURL(wsURL(srv)))
	s, err := p.Open(context.Background(), tts.Config{VoiceID: "v"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for range 3 {
		if err := s.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	if _, err := s.Receive(context.Background()); !errors.Is(err, backend.ErrClosed) {
		t.Errorf("receive after close: want ErrClosed, got %v", err)
	}
}
