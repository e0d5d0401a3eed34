// Package app wires the voxrelay subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds the breakers, the
// orchestrator and the session manager around the given providers, Run serves
// HTTP until the context ends, and Shutdown drains live sessions in order.
//
// For testing, inject a metrics sink with [WithMetrics] and serve
// [App.Handler] from an httptest server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voxrelay/internal/config"
	"github.com/MrWong99/voxrelay/internal/health"
	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/orchestrator"
	"github.com/MrWong99/voxrelay/internal/resilience"
	"github.com/MrWong99/voxrelay/internal/session"
	"github.com/MrWong99/voxrelay/internal/transport"
	"github.com/MrWong99/voxrelay/pkg/provider/llm"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
)

// Providers holds the two backends every session talks to. Populated by
// main.go via the config registry.
type Providers struct {
	Generation llm.Provider
	Synthesis  tts.Provider
}

// pinger is implemented by providers that can probe their server without
// opening a stream.
type pinger interface {
	Ping(ctx context.Context) error
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       atomic.Pointer[config.Config]
	providers *Providers
	metrics   *observe.Metrics
	level     *slog.LevelVar
	metricsH  http.Handler

	genBreaker   *resilience.CircuitBreaker
	synthBreaker *resilience.CircuitBreaker
	orch         *orchestrator.Orchestrator
	sessions     *SessionManager
	health       *health.Handler

	mu       sync.Mutex
	server   *http.Server
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets hot reload change the level of the given handler.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetricsHandler replaces the Prometheus handler served at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsH = h }
}

// New creates an App around providers. Both providers are required.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Generation == nil {
		return nil, errors.New("app: generation provider is required")
	}
	if providers.Synthesis == nil {
		return nil, errors.New("app: synthesis provider is required")
	}

	a := &App{providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
	}
	if a.metricsH == nil {
		a.metricsH = promhttp.Handler()
	}
	a.cfg.Store(cfg)
	a.level.Set(slogLevel(cfg.Server.LogLevel))

	a.genBreaker = a.newBreaker(observe.BackendGeneration, cfg.Resilience)
	a.synthBreaker = a.newBreaker(observe.BackendSynthesis, cfg.Resilience)

	var openGeneration session.GenerationOpener = func(ctx context.Context, _ struct{}) (session.GenerationStream, error) {
		s, err := llm.OpenStream(ctx, providers.Generation)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	var openSynthesis session.SynthesisOpener = func(ctx context.Context, c tts.Config) (tts.Stream, error) {
		return providers.Synthesis.Open(ctx, c)
	}

	a.orch = orchestrator.New(
		resilience.GuardOpener(a.genBreaker, openGeneration),
		resilience.GuardOpener(a.synthBreaker, openSynthesis),
		conversation(cfg),
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithStateObserver(func(id string, st orchestrator.State) {
			slog.Debug("turn state", observe.SessionIDKey, id, "state", st.String())
		}),
	)

	a.sessions = NewSessionManager(SessionManagerConfig{
		Registry:     session.NewRegistry(),
		Orchestrator: a.orch,
		Metrics:      a.metrics,
		Transport: transport.Config{
			PingInterval:   cfg.Server.PingInterval,
			WriteTimeout:   cfg.Server.WriteTimeout,
			OriginPatterns: cfg.Server.AllowedOrigins,
		},
	})

	checks := []health.Checker{
		health.Configured(observe.BackendGeneration, providers.Generation),
		health.Configured(observe.BackendSynthesis, providers.Synthesis),
		health.Breaker(a.genBreaker),
		health.Breaker(a.synthBreaker),
	}
	if p, ok := providers.Synthesis.(pinger); ok {
		checks = append(checks, health.Checker{Name: observe.BackendSynthesis + ".ping", Check: p.Ping})
	}
	a.health = health.New(checks...)

	return a, nil
}

func (a *App) newBreaker(name string, rc config.ResilienceConfig) *resilience.CircuitBreaker {
	return resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         name,
		MaxFailures:  rc.MaxFailures,
		ResetTimeout: rc.ResetTimeout,
		OnStateChange: func(name string, _, to resilience.State) {
			a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
		},
	})
}

// conversation maps the config file's conversation block onto the
// orchestrator's settings.
func conversation(cfg *config.Config) orchestrator.Config {
	cv := cfg.Conversation
	return orchestrator.Config{
		SystemPrompt:      cv.SystemPrompt,
		Greeting:          cv.Greeting,
		Farewell:          cv.Farewell,
		Apology:           cv.Apology,
		VoiceID:           cv.VoiceID,
		Style:             cv.ParsedStyle(),
		ReceiveTimeout:    cv.ReceiveTimeout,
		MaxFragmentLength: cv.MaxFragmentLength,
		Temperature:       cv.Temperature,
		MaxTokens:         cv.MaxTokens,
	}
}

// Handler returns the HTTP handler serving every route, wrapped in the
// observability middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", a.sessions.Connect)
	mux.HandleFunc("GET /ws/{client_id}", a.sessions.Connect)
	a.health.Register(mux)
	mux.Handle("GET /metrics", a.metricsH)
	return observe.Middleware(a.metrics)(mux)
}

// Sessions returns the live-connection manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Config returns the config currently in effect.
func (a *App) Config() *config.Config { return a.cfg.Load() }

// Run listens on the configured address and serves until ctx is cancelled or
// the listener fails. It does not drain sessions; call [App.Shutdown].
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfg.Load()
	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is [App.Run] on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	cfg := a.cfg.Load()
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	a.mu.Lock()
	a.server = srv
	a.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		errCh <- err
	}()
	slog.Info("http server listening", "addr", ln.Addr().String(), "tls", cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ApplyConfig hot-applies the reloadable settings of next. Settings that
// need a restart are logged and ignored.
func (a *App) ApplyConfig(old, next *config.Config) {
	d := config.Diff(old, next)
	if d.LogLevelChanged {
		a.level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ConversationChanged {
		a.orch.SetConfig(conversation(next))
		slog.Info("conversation settings reloaded")
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "settings", d.RestartRequired)
	}
	a.cfg.Store(next)
}

// Shutdown marks the server as draining, ends every live session and then
// stops the HTTP server. It is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		a.health.SetDraining(true)
		if err := a.sessions.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("sessions: %w", err))
		}
		a.mu.Lock()
		srv := a.server
		a.mu.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("http server: %w", err))
			}
		}
	})
	return errors.Join(errs...)
}

func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
