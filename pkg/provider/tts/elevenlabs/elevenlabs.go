// Package elevenlabs provides an ElevenLabs-backed synthesis provider using the
// ElevenLabs stream-input WebSocket API. It implements the tts.Provider
// interface.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/voxrelay/pkg/backend"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
)

const (
	defaultBaseURL   = "wss://api.elevenlabs.io"
	streamPathFmt    = "/v1/text-to-speech/%s/stream-input"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the audio output format (e.g., "pcm_16000", "mp3_44100_128").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithBaseURL overrides the WebSocket origin, e.g. "ws://127.0.0.1:8080".
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(u, "/")
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	model        string
	outputFormat string
	baseURL      string
	httpClient   *http.Client
}

var _ tts.Provider = (*Provider)(nil)

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		baseURL:      defaultBaseURL,
		httpClient:   &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text                 string `json:"text"`
	TryTriggerGeneration bool   `json:"try_trigger_generation,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style,omitempty"`
	Speed           float64 `json:"speed,omitempty"`
}

// boiMessage is the initial "begin of input" message that authenticates and
// configures the stream.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded audio
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Open dials the stream-input endpoint for cfg.VoiceID and sends the
// begin-of-input message carrying the style's voice settings.
func (p *Provider) Open(ctx context.Context, cfg tts.Config) (tts.Stream, error) {
	if cfg.VoiceID == "" {
		return nil, fmt.Errorf("elevenlabs: open: %w: voice id must not be empty", backend.ErrProtocol)
	}

	conn, _, err := websocket.Dial(ctx, p.streamURL(cfg.VoiceID), &websocket.DialOptions{
		HTTPClient: p.httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w: %w", backend.ErrUnavailable, err)
	}
	conn.SetReadLimit(1 << 22)

	boi, _ := json.Marshal(buildBOI(p.apiKey, cfg.Style))
	if err := conn.Write(ctx, websocket.MessageText, boi); err != nil {
		conn.Close(websocket.StatusInternalError, "failed to send BOI")
		return nil, fmt.Errorf("elevenlabs: send BOI: %w: %w", backend.ErrUnavailable, err)
	}

	return &stream{conn: conn, state: backend.StateOpen}, nil
}

func (p *Provider) streamURL(voiceID string) string {
	q := url.Values{}
	q.Set("model_id", p.model)
	if p.outputFormat != "" {
		q.Set("output_format", p.outputFormat)
	}
	return p.baseURL + fmt.Sprintf(streamPathFmt, url.PathEscape(voiceID)) + "?" + q.Encode()
}

// stream is one utterance-scoped stream-input connection.
type stream struct {
	conn *websocket.Conn

	mu        sync.Mutex
	state     backend.State
	finalSent bool
	finalSeen bool
	pending   [][]byte
	closeOnce sync.Once
}

// Send writes one text fragment. A Final fragment additionally sends the
// empty-text end-of-input message that makes ElevenLabs flush its buffer.
func (s *stream) Send(ctx context.Context, f tts.Fragment) error {
	s.mu.Lock()
	if s.state != backend.StateOpen || s.finalSent {
		s.mu.Unlock()
		return fmt.Errorf("elevenlabs: send: %w: %w", backend.ErrProtocol, backend.ErrClosed)
	}
	if f.Final {
		s.finalSent = true
	}
	s.mu.Unlock()

	if text := strings.TrimSpace(f.Text); text != "" {
		msg, _ := json.Marshal(textMessage{Text: text + " ", TryTriggerGeneration: true})
		if err := s.conn.Write(ctx, websocket.MessageText, msg); err != nil {
			s.fail()
			return fmt.Errorf("elevenlabs: send text: %w: %w", backend.ErrUnavailable, err)
		}
	}
	if f.Final {
		msg, _ := json.Marshal(textMessage{Text: ""})
		if err := s.conn.Write(ctx, websocket.MessageText, msg); err != nil {
			s.fail()
			return fmt.Errorf("elevenlabs: send end of input: %w: %w", backend.ErrUnavailable, err)
		}
	}
	return nil
}

// Receive returns the next audio chunk, or backend.ErrEndOfStream once the
// isFinal message has been seen.
func (s *stream) Receive(ctx context.Context) ([]byte, error) {
	for {
		s.mu.Lock()
		if len(s.pending) > 0 {
			chunk := s.pending[0]
			s.pending = s.pending[1:]
			s.mu.Unlock()
			return chunk, nil
		}
		if s.finalSeen {
			s.mu.Unlock()
			s.finish()
			return nil, backend.ErrEndOfStream
		}
		if s.state.Terminal() {
			s.mu.Unlock()
			return nil, fmt.Errorf("elevenlabs: receive: %w: %w", backend.ErrProtocol, backend.ErrClosed)
		}
		s.mu.Unlock()

		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				s.finish()
				return nil, backend.ErrEndOfStream
			}
			s.fail()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("elevenlabs: read: %w: %w", backend.ErrUnavailable, err)
		}

		if typ == websocket.MessageBinary {
			if len(data) > 0 {
				return data, nil
			}
			continue
		}

		chunk, final, err := decodeAudioMessage(data)
		if err != nil {
			s.fail()
			return nil, err
		}
		s.mu.Lock()
		if final {
			s.finalSeen = true
		}
		if len(chunk) > 0 {
			s.pending = append(s.pending, chunk)
		}
		s.mu.Unlock()
	}
}

// State reports the current connection state.
func (s *stream) State() backend.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close closes the WebSocket. It is idempotent.
func (s *stream) Close() error {
	s.mu.Lock()
	if !s.state.Terminal() {
		s.state = backend.StateClosed
	}
	s.mu.Unlock()
	s.closeConn(websocket.StatusNormalClosure, "done")
	return nil
}

func (s *stream) finish() {
	s.mu.Lock()
	if !s.state.Terminal() {
		s.state = backend.StateClosed
	}
	s.mu.Unlock()
	s.closeConn(websocket.StatusNormalClosure, "done")
}

func (s *stream) fail() {
	s.mu.Lock()
	if s.state != backend.StateClosed {
		s.state = backend.StateFailed
	}
	s.mu.Unlock()
	s.closeConn(websocket.StatusInternalError, "stream failed")
}

func (s *stream) closeConn(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		_ = s.conn.Close(code, reason)
	})
}

// ---- helpers ----

func buildBOI(apiKey string, style tts.Style) boiMessage {
	vs := style.Settings()
	return boiMessage{
		Text: " ", // ElevenLabs requires a single space as the first text value
		VoiceSettings: &voiceSettings{
			Stability:       vs.Stability,
			SimilarityBoost: vs.SimilarityBoost,
			Style:           vs.Exaggeration,
			Speed:           vs.Speed,
		},
		XiAPIKey: apiKey,
	}
}

// decodeAudioMessage parses one JSON text frame into its audio payload and
// final flag. A frame carrying an error and no audio is a protocol failure.
func decodeAudioMessage(data []byte) ([]byte, bool, error) {
	var resp audioResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, false, fmt.Errorf("elevenlabs: decode: %w: %w", backend.ErrProtocol, err)
	}
	if resp.Audio == "" {
		if resp.Error != "" || (resp.Message != "" && !resp.IsFinal) {
			detail := resp.Error
			if detail == "" {
				detail = resp.Message
			}
			return nil, false, fmt.Errorf("elevenlabs: %w: %s", backend.ErrProtocol, detail)
		}
		return nil, resp.IsFinal, nil
	}
	audio, err := base64.StdEncoding.DecodeString(resp.Audio)
	if err != nil {
		return nil, false, fmt.Errorf("elevenlabs: decode audio: %w: %w", backend.ErrProtocol, err)
	}
	return audio, resp.IsFinal, nil
}
