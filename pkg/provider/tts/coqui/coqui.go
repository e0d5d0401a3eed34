// Package coqui synthesises speech on a self-hosted Coqui TTS server.
//
// Coqui answers one HTTP request per utterance instead of streaming over a
// socket, so a stream groups the incoming fragments into sentences and
// synthesises each sentence with its own request. Up to [lookahead] requests
// run at once. Audio is still emitted strictly in sentence order, as raw
// 16-bit PCM with the WAV header removed.
//
// Two server flavours are supported:
//
//   - [ModeStandard] (default): the ghcr.io/coqui-ai/tts image, GET /api/tts.
//   - [ModeXTTS]: the XTTS v2 API server, POST /tts_to_audio/. A speaker is
//     required.
package coqui

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/voxrelay/pkg/backend"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
)

const (
	defaultLanguage = "en"
	defaultTimeout  = 30 * time.Second

	xttsEndpoint     = "/tts_to_audio/"
	speakersEndpoint = "/studio_speakers"
	standardEndpoint = "/api/tts"
	detailsEndpoint  = "/details"

	// lookahead bounds the synthesis requests in flight per stream.
	lookahead = 4

	// chunkSize is the largest PCM slice returned by one Receive.
	chunkSize = 4096
)

// Mode selects the Coqui server API.
type Mode string

const (
	ModeStandard Mode = "standard"
	ModeXTTS     Mode = "xtts"
)

// ParseMode maps a config value to a Mode. Anything unrecognised is standard.
func ParseMode(s string) Mode {
	if Mode(strings.ToLower(strings.TrimSpace(s))) == ModeXTTS {
		return ModeXTTS
	}
	return ModeStandard
}

// Option customises a Provider.
type Option func(*Provider)

// WithLanguage sets the language sent with every request. Default "en".
func WithLanguage(lang string) Option { return func(p *Provider) { p.language = lang } }

// WithMode selects the server API.
func WithMode(m Mode) Option { return func(p *Provider) { p.mode = m } }

// WithSpeaker pins the speaker, overriding the voice id of every stream. Use
// it when the configured voice id belongs to another synthesis provider.
func WithSpeaker(id string) Option { return func(p *Provider) { p.speaker = id } }

// WithTimeout bounds each synthesis request.
func WithTimeout(d time.Duration) Option { return func(p *Provider) { p.client.Timeout = d } }

// WithTransport sets the round tripper under the otelhttp instrumentation.
func WithTransport(rt http.RoundTripper) Option {
	return func(p *Provider) { p.client.Transport = otelhttp.NewTransport(rt) }
}

// Provider is a tts.Provider for a Coqui server. It is safe for concurrent
// use.
type Provider struct {
	serverURL string
	language  string
	mode      Mode
	speaker   string
	client    *http.Client
}

var _ tts.Provider = (*Provider)(nil)

// New returns a Provider for the server at serverURL, e.g.
// "http://localhost:5002".
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: server url is required")
	}
	p := &Provider{
		serverURL: strings.TrimRight(serverURL, "/"),
		language:  defaultLanguage,
		mode:      ModeStandard,
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   defaultTimeout,
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Open implements tts.Provider. No connection is held, so the stream starts
// Open. Style is ignored; Coqui voices have no prosody controls.
func (p *Provider) Open(ctx context.Context, cfg tts.Config) (tts.Stream, error) {
	speaker := cfg.VoiceID
	if p.speaker != "" {
		speaker = p.speaker
	}
	if speaker == "" && p.mode == ModeXTTS {
		return nil, fmt.Errorf("coqui: %w: xtts needs a speaker", backend.ErrProtocol)
	}
	ctx, cancel := context.WithCancel(ctx)
	return &stream{
		p:       p,
		speaker: speaker,
		ctx:     ctx,
		cancel:  cancel,
		sem:     semaphore.NewWeighted(lookahead),
		wake:    make(chan struct{}),
		state:   backend.StateOpen,
	}, nil
}

// Ping checks that the server answers its voice catalogue endpoint.
func (p *Provider) Ping(ctx context.Context) error {
	path := detailsEndpoint
	if p.mode == ModeXTTS {
		path = speakersEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+path, nil)
	if err != nil {
		return fmt.Errorf("coqui: ping: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("coqui: ping: %w: %w", backend.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("coqui: ping: %w: GET %s returned %d", backend.ErrUnavailable, path, resp.StatusCode)
	}
	return nil
}

// synthesize renders one sentence and returns its PCM payload.
func (p *Provider) synthesize(ctx context.Context, sentence, speaker string) ([]byte, error) {
	var (
		req *http.Request
		err error
	)
	if p.mode == ModeXTTS {
		body, _ := json.Marshal(struct {
			Text       string `json:"text"`
			SpeakerWav string `json:"speaker_wav"`
			Language   string `json:"language"`
		}{sentence, speaker, p.language})
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+xttsEndpoint, bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	} else {
		q := url.Values{"text": {sentence}}
		if speaker != "" {
			q.Set("speaker_id", speaker)
		}
		if p.language != "" {
			q.Set("language_id", p.language)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+standardEndpoint+"?"+q.Encode(), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("coqui: build request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: %w: %w", backend.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("coqui: %w: %s %s returned %d", backend.ErrUnavailable, req.Method, req.URL.Path, resp.StatusCode)
	}
	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("coqui: %w: read body: %w", backend.ErrUnavailable, err)
	}
	off, err := pcmOffset(wav)
	if err != nil {
		return nil, err
	}
	return wav[off:], nil
}

// result is the eventual PCM of one sentence.
type result struct {
	done chan struct{}
	pcm  []byte
	err  error
}

type stream struct {
	p       *Provider
	speaker string
	ctx     context.Context
	cancel  context.CancelFunc
	sem     *semaphore.Weighted

	mu        sync.Mutex
	state     backend.State
	text      strings.Builder
	pending   []*result
	current   []byte
	finalSent bool
	wake      chan struct{}
}

// Send buffers f and starts a request for every sentence it completes. A
// Final fragment flushes the partial sentence. Send never waits on the
// server.
func (s *stream) Send(_ context.Context, f tts.Fragment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != backend.StateOpen || s.finalSent {
		return fmt.Errorf("coqui: send: %w: %w", backend.ErrProtocol, backend.ErrClosed)
	}
	if f.Text != "" {
		if s.text.Len() > 0 {
			s.text.WriteByte(' ')
		}
		s.text.WriteString(f.Text)
	}
	for {
		buf := s.text.String()
		i := sentenceEnd(buf)
		if i < 0 {
			break
		}
		s.text.Reset()
		s.text.WriteString(buf[i:])
		s.dispatch(buf[:i])
	}
	if f.Final {
		s.dispatch(s.text.String())
		s.text.Reset()
		s.finalSent = true
	}
	close(s.wake)
	s.wake = make(chan struct{})
	return nil
}

// dispatch must be called with s.mu held.
func (s *stream) dispatch(sentence string) {
	sentence = strings.TrimSpace(sentence)
	if sentence == "" {
		return
	}
	r := &result{done: make(chan struct{})}
	s.pending = append(s.pending, r)
	go func() {
		defer close(r.done)
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			r.err = err
			return
		}
		defer s.sem.Release(1)
		r.pcm, r.err = s.p.synthesize(s.ctx, sentence, s.speaker)
	}()
}

// Receive returns the next PCM chunk in sentence order, or
// backend.ErrEndOfStream once every sentence after the Final fragment has
// been drained.
func (s *stream) Receive(ctx context.Context) ([]byte, error) {
	for {
		s.mu.Lock()
		if s.state.Terminal() {
			s.mu.Unlock()
			return nil, fmt.Errorf("coqui: receive: %w: %w", backend.ErrProtocol, backend.ErrClosed)
		}
		if len(s.current) > 0 {
			n := min(chunkSize, len(s.current))
			chunk := s.current[:n]
			s.current = s.current[n:]
			s.mu.Unlock()
			return chunk, nil
		}
		if len(s.pending) == 0 {
			if s.finalSent {
				s.state = backend.StateClosed
				s.mu.Unlock()
				s.cancel()
				return nil, backend.ErrEndOfStream
			}
			wake := s.wake
			s.mu.Unlock()
			select {
			case <-wake:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		next := s.pending[0]
		s.mu.Unlock()

		select {
		case <-next.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		s.mu.Lock()
		s.pending = s.pending[1:]
		if next.err != nil {
			if !s.state.Terminal() {
				s.state = backend.StateFailed
			}
			s.mu.Unlock()
			s.cancel()
			return nil, next.err
		}
		s.current = next.pcm
		s.mu.Unlock()
	}
}

func (s *stream) State() backend.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close abandons outstanding requests. It is idempotent.
func (s *stream) Close() error {
	s.mu.Lock()
	if !s.state.Terminal() {
		s.state = backend.StateClosed
	}
	s.mu.Unlock()
	s.cancel()
	return nil
}

// sentenceEnd returns the byte offset just past the first sentence-final
// punctuation mark that is followed by whitespace, or -1. Marks at the very
// end of s are left for a later fragment or the Final flush.
func sentenceEnd(s string) int {
	for i, r := range s {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		next, _ := utf8.DecodeRuneInString(s[i+1:])
		if next != utf8.RuneError && unicode.IsSpace(next) {
			return i + 1
		}
	}
	return -1
}

// pcmOffset walks the RIFF chunks of wav and returns where the sample data
// starts.
func pcmOffset(wav []byte) (int, error) {
	if len(wav) < 12 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return 0, fmt.Errorf("coqui: %w: response is not a RIFF/WAVE file", backend.ErrProtocol)
	}
	for off := 12; off+8 <= len(wav); {
		id := string(wav[off : off+4])
		size := int(binary.LittleEndian.Uint32(wav[off+4 : off+8]))
		if id == "data" {
			return off + 8, nil
		}
		off += 8 + size + size%2
	}
	return 0, fmt.Errorf("coqui: %w: WAV has no data chunk", backend.ErrProtocol)
}
