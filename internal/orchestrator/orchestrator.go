// Package orchestrator drives the conversational turns of one session.
//
// Each turn moves through a fixed sequence of states:
//
//	AwaitingUserInput → SendingToGeneration → AwaitingGeneration →
//	SendingToSynthesis → RelayingAudio → TurnComplete
//
// with Errored reachable from any non-terminal state. Backend failures never
// end the session: a failed generation is replaced by a spoken apology and a
// failed synthesis aborts only the audio of the current turn. Turns are
// strictly sequential per session.
//
// Replies, greetings, farewells and apologies all go through the same
// speak-and-relay routine, so every spoken text is fragmented, synthesised and
// forwarded to the client in exactly the same way.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/session"
	"github.com/MrWong99/voxrelay/internal/transport"
	"github.com/MrWong99/voxrelay/pkg/backend"
	"github.com/MrWong99/voxrelay/pkg/provider/llm"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
)

const (
	// defaultReceiveTimeout bounds every wait on a backend unit when
	// Config.ReceiveTimeout is unset.
	defaultReceiveTimeout = 30 * time.Second

	// defaultApology is spoken when generation fails and Config.Apology is unset.
	defaultApology = "Sorry, something went wrong. Please say that again."

	// defaultFarewell is spoken on an exit phrase when Config.Farewell is unset.
	defaultFarewell = "Goodbye!"
)

// Client error codes sent to the client.
const (
	CodeAudioError      = "audio_error"
	CodeGenerationError = "generation_error"
	CodeInvalidMessage  = "invalid_message"
)

// State is a step of the turn state machine.
type State int

const (
	StateAwaitingUserInput State = iota
	StateSendingToGeneration
	StateAwaitingGeneration
	StateSendingToSynthesis
	StateRelayingAudio
	StateTurnComplete
	StateErrored
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateAwaitingUserInput:
		return "awaiting_user_input"
	case StateSendingToGeneration:
		return "sending_to_generation"
	case StateAwaitingGeneration:
		return "awaiting_generation"
	case StateSendingToSynthesis:
		return "sending_to_synthesis"
	case StateRelayingAudio:
		return "relaying_audio"
	case StateTurnComplete:
		return "turn_complete"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Outcome summarises how a completed turn went.
type Outcome int

const (
	// OutcomeReply means the generated reply was spoken in full.
	OutcomeReply Outcome = iota

	// OutcomeApology means generation failed and the apology was spoken instead.
	OutcomeApology

	// OutcomeAudioError means the reply text was delivered but its audio was
	// aborted by a synthesis failure.
	OutcomeAudioError

	// OutcomeExit means the user said an exit phrase and the farewell was
	// spoken. The session should be torn down.
	OutcomeExit
)

// String returns the metric label of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeReply:
		return "ok"
	case OutcomeApology:
		return "apology"
	case OutcomeAudioError:
		return "audio_error"
	case OutcomeExit:
		return "exit"
	default:
		return "unknown"
	}
}

// Client is the duplex channel to the end user of one session.
type Client interface {
	// Next blocks until the next user utterance arrives. It returns an error
	// wrapping [transport.ErrClientDisconnected] once the client is gone and
	// one wrapping [transport.ErrInvalidMessage] for a malformed unit.
	Next(ctx context.Context) (string, error)

	// SendReply sends the agent's reply text.
	SendReply(ctx context.Context, text string) error

	// SendAudio sends one audio chunk. Chunks must reach the client in call
	// order.
	SendAudio(ctx context.Context, chunk []byte) error

	// SendError sends a turn-level error notice. The session stays open.
	SendError(ctx context.Context, code, message string) error

	// SendNotice tells the client an inbound unit was ignored.
	SendNotice(ctx context.Context, code, message string) error
}

// Config holds the conversation settings applied to every turn.
type Config struct {
	// SystemPrompt is sent with every generation request.
	SystemPrompt string

	// Greeting is spoken when a session starts. Empty skips the greeting.
	Greeting string

	// Farewell is spoken when the user says an exit phrase.
	Farewell string

	// Apology replaces the reply when generation fails.
	Apology string

	// VoiceID and Style configure every synthesis stream.
	VoiceID string
	Style   tts.Style

	// ReceiveTimeout bounds each wait for a backend unit.
	ReceiveTimeout time.Duration

	// MaxFragmentLength bounds the characters per synthesis fragment. Zero
	// sends each text as a single fragment.
	MaxFragmentLength int

	// Temperature and MaxTokens are passed to the generation backend. Zero
	// leaves the backend default.
	Temperature float64
	MaxTokens   int
}

func (c Config) withDefaults() Config {
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = defaultReceiveTimeout
	}
	if c.Apology == "" {
		c.Apology = defaultApology
	}
	if c.Farewell == "" {
		c.Farewell = defaultFarewell
	}
	if !c.Style.IsValid() {
		c.Style = tts.StyleNeutral
	}
	return c
}

// Orchestrator runs turns for any number of sessions. It holds no per-session
// state and is safe for concurrent use.
type Orchestrator struct {
	generation session.GenerationOpener
	synthesis  session.SynthesisOpener
	metrics    *observe.Metrics
	observer   func(sessionID string, st State)
	now        func() time.Time

	cfg atomic.Pointer[Config]
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithStateObserver registers fn to be called on every state transition.
// fn runs on the turn's goroutine and must not block.
func WithStateObserver(fn func(sessionID string, st State)) Option {
	return func(o *Orchestrator) { o.observer = fn }
}

// New returns an Orchestrator that opens generation and synthesis streams
// with the given openers.
func New(generation session.GenerationOpener, synthesis session.SynthesisOpener, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		generation: generation,
		synthesis:  synthesis,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	o.SetConfig(cfg)
	return o
}

// SetConfig replaces the conversation settings. Turns already in progress
// finish with the settings they started with.
func (o *Orchestrator) SetConfig(cfg Config) {
	c := cfg.withDefaults()
	o.cfg.Store(&c)
}

// Config returns the current conversation settings with defaults applied.
func (o *Orchestrator) Config() Config {
	return *o.cfg.Load()
}

// Run speaks the greeting and then runs turns until the session ends. style
// overrides the configured style for this session when valid.
//
// Run returns nil after the farewell of an exit phrase, an error wrapping
// [transport.ErrClientDisconnected] when the client goes away, and ctx.Err()
// when ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context, sess *session.Session, client Client, style tts.Style) error {
	ctx = observe.WithSession(ctx, sess.ID())
	cfg := o.Config()
	if style.IsValid() {
		cfg.Style = style
	}

	if cfg.Greeting != "" {
		if _, err := o.speak(ctx, sess, client, cfg, cfg.Greeting, o.now()); err != nil {
			return err
		}
	}

	for {
		// Pick up hot-reloaded settings between turns.
		next := o.Config()
		if style.IsValid() {
			next.Style = style
		}
		outcome, err := o.turn(ctx, sess, client, next)
		if err != nil {
			return err
		}
		if outcome == OutcomeExit {
			return nil
		}
	}
}

// Turn runs exactly one turn with the current settings: it waits for one
// valid utterance, answers it and returns the outcome.
func (o *Orchestrator) Turn(ctx context.Context, sess *session.Session, client Client) (Outcome, error) {
	return o.turn(observe.WithSession(ctx, sess.ID()), sess, client, o.Config())
}

func (o *Orchestrator) turn(ctx context.Context, sess *session.Session, client Client, cfg Config) (Outcome, error) {
	o.setState(ctx, sess, StateAwaitingUserInput)
	text, err := o.awaitUtterance(ctx, sess, client)
	if err != nil {
		return 0, err
	}

	start := o.now()
	ctx, span := observe.StartSpan(ctx, "turn")
	defer span.End()

	outcome, err := o.answer(ctx, sess, client, cfg, text, start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	o.setState(ctx, sess, StateTurnComplete)
	span.SetAttributes(attribute.String("turn.outcome", outcome.String()))
	o.metrics.RecordTurn(ctx, outcome.String(), o.now().Sub(start))
	return outcome, nil
}

// awaitUtterance blocks until a non-blank utterance arrives. Malformed and
// blank units are answered with a notice and otherwise ignored.
func (o *Orchestrator) awaitUtterance(ctx context.Context, sess *session.Session, client Client) (string, error) {
	for {
		text, err := client.Next(ctx)
		switch {
		case errors.Is(err, transport.ErrInvalidMessage):
			o.metrics.InvalidMessages.Add(ctx, 1)
			if err := client.SendNotice(ctx, CodeInvalidMessage, err.Error()); err != nil {
				return "", err
			}
			continue
		case err != nil:
			return "", err
		}
		if strings.TrimSpace(text) == "" {
			o.metrics.InvalidMessages.Add(ctx, 1)
			if err := client.SendNotice(ctx, CodeInvalidMessage, "I didn't catch that. Please say something."); err != nil {
				return "", err
			}
			continue
		}
		observe.Logger(ctx).Debug("utterance received", "len", len(text))
		return text, nil
	}
}

// answer produces and speaks the agent's side of a turn and records both
// sides in the history.
func (o *Orchestrator) answer(ctx context.Context, sess *session.Session, client Client, cfg Config, text string, start time.Time) (Outcome, error) {
	if err := sess.Append(session.SpeakerUser, text); err != nil {
		return 0, err
	}

	if IsExitPhrase(text) {
		if _, err := o.speak(ctx, sess, client, cfg, cfg.Farewell, start); err != nil {
			return 0, err
		}
		if err := sess.Append(session.SpeakerAgent, cfg.Farewell); err != nil {
			return 0, err
		}
		return OutcomeExit, nil
	}

	outcome := OutcomeReply
	reply, err := o.generate(ctx, sess, cfg, text)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		o.setState(ctx, sess, StateErrored)
		o.metrics.RecordBackendError(ctx, observe.BackendGeneration, backend.Classify(err))
		observe.Logger(ctx).Warn("generation failed, speaking apology",
			"kind", backend.Classify(err), "err", err)
		if err := client.SendError(ctx, CodeGenerationError, "the reply could not be generated"); err != nil {
			return 0, err
		}
		reply = cfg.Apology
		outcome = OutcomeApology
	}

	spoken, err := o.speak(ctx, sess, client, cfg, reply, start)
	if err != nil {
		return 0, err
	}
	if !spoken && outcome == OutcomeReply {
		outcome = OutcomeAudioError
	}

	if err := sess.Append(session.SpeakerAgent, reply); err != nil {
		return 0, err
	}
	return outcome, nil
}

// generate sends the conversation to the generation backend and collects the
// complete reply. The session's history must already end with text.
func (o *Orchestrator) generate(ctx context.Context, sess *session.Session, cfg Config, text string) (reply string, err error) {
	ctx, span := observe.StartSpan(ctx, "generation")
	start := o.now()
	defer func() {
		o.metrics.GenerationDuration.Record(ctx, o.now().Sub(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	o.setState(ctx, sess, StateSendingToGeneration)
	h, err := sess.Generation(ctx, o.generation)
	if err != nil {
		return "", fmt.Errorf("orchestrator: open generation: %w", err)
	}
	defer func() { _ = sess.ReleaseGeneration() }()

	req := llm.CompletionRequest{
		SystemPrompt: cfg.SystemPrompt,
		Temperature:  cfg.Temperature,
		MaxTokens:    cfg.MaxTokens,
	}
	if backend.IsStateful(h) {
		req.Messages = []llm.Message{{Role: llm.RoleUser, Content: text}}
	} else {
		req.Messages = renderHistory(sess.History())
	}
	span.SetAttributes(attribute.Int("generation.messages", len(req.Messages)))

	if err := backend.SendWithin(ctx, h, req, cfg.ReceiveTimeout); err != nil {
		return "", fmt.Errorf("orchestrator: send generation request: %w", err)
	}

	o.setState(ctx, sess, StateAwaitingGeneration)
	var b strings.Builder
	for {
		delta, err := backend.ReceiveWithin(ctx, h, cfg.ReceiveTimeout)
		if errors.Is(err, backend.ErrEndOfStream) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("orchestrator: receive generation: %w", err)
		}
		b.WriteString(delta)
	}

	reply = strings.TrimSpace(b.String())
	if reply == "" {
		return "", fmt.Errorf("orchestrator: %w: empty reply", backend.ErrProtocol)
	}
	return reply, nil
}

// speak sends text to the client as a reply, synthesises it and relays every
// audio chunk in receipt order. It reports whether the audio was relayed in
// full. A synthesis failure is handled here by notifying the client; the
// returned error is reserved for client and context failures, which end the
// session.
func (o *Orchestrator) speak(ctx context.Context, sess *session.Session, client Client, cfg Config, text string, turnStart time.Time) (bool, error) {
	if err := client.SendReply(ctx, text); err != nil {
		return false, err
	}

	ctx, span := observe.StartSpan(ctx, "synthesis")
	defer span.End()
	start := o.now()
	defer func() { o.metrics.SynthesisDuration.Record(ctx, o.now().Sub(start).Seconds()) }()

	synthErr, clientErr := o.relay(ctx, sess, client, cfg, text, span, turnStart)
	if clientErr != nil {
		return false, clientErr
	}
	if synthErr == nil {
		return true, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	span.RecordError(synthErr)
	span.SetStatus(codes.Error, synthErr.Error())
	o.setState(ctx, sess, StateErrored)
	o.metrics.RecordBackendError(ctx, observe.BackendSynthesis, backend.Classify(synthErr))
	observe.Logger(ctx).Warn("synthesis failed, turn audio aborted",
		"kind", backend.Classify(synthErr), "err", synthErr)
	if err := client.SendError(ctx, CodeAudioError, "audio for this reply is unavailable"); err != nil {
		return false, err
	}
	return false, nil
}

// relay runs the SendingToSynthesis and RelayingAudio states. The synthesis
// handle is released on every path.
func (o *Orchestrator) relay(ctx context.Context, sess *session.Session, client Client, cfg Config, text string, span trace.Span, turnStart time.Time) (synthErr, clientErr error) {
	o.setState(ctx, sess, StateSendingToSynthesis)
	h, err := sess.Synthesis(ctx, o.synthesis, tts.Config{VoiceID: cfg.VoiceID, Style: cfg.Style})
	if err != nil {
		return fmt.Errorf("orchestrator: open synthesis: %w", err), nil
	}
	defer func() { _ = sess.ReleaseSynthesis() }()

	frags := SplitSentences(text, cfg.MaxFragmentLength)
	span.SetAttributes(attribute.Int("synthesis.fragments", len(frags)))
	for _, f := range frags {
		if err := h.Send(ctx, tts.Fragment{Text: f}); err != nil {
			return fmt.Errorf("orchestrator: send fragment: %w", err), nil
		}
	}
	if err := h.Send(ctx, tts.Fragment{Final: true}); err != nil {
		return fmt.Errorf("orchestrator: send end of utterance: %w", err), nil
	}

	o.setState(ctx, sess, StateRelayingAudio)
	chunks := 0
	for {
		chunk, err := backend.ReceiveWithin(ctx, h, cfg.ReceiveTimeout)
		if errors.Is(err, backend.ErrEndOfStream) {
			span.SetAttributes(attribute.Int("synthesis.chunks", chunks))
			return nil, nil
		}
		if err != nil {
			return fmt.Errorf("orchestrator: receive audio: %w", err), nil
		}
		if chunks == 0 {
			o.metrics.FirstAudioLatency.Record(ctx, o.now().Sub(turnStart).Seconds())
		}
		chunks++
		// Forward before asking for the next unit so playback starts early.
		if err := client.SendAudio(ctx, chunk); err != nil {
			return nil, err
		}
		o.metrics.RecordAudioChunk(ctx, len(chunk))
	}
}

func (o *Orchestrator) setState(ctx context.Context, sess *session.Session, st State) {
	trace.SpanFromContext(ctx).AddEvent(st.String())
	if o.observer != nil {
		o.observer(sess.ID(), st)
	}
}

// renderHistory maps the session history onto role-tagged generation
// messages in insertion order.
func renderHistory(turns []session.Turn) []llm.Message {
	msgs := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		role := llm.RoleUser
		if t.Speaker == session.SpeakerAgent {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Text})
	}
	return msgs
}
