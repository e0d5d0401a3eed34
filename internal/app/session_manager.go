package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/internal/orchestrator"
	"github.com/MrWong99/voxrelay/internal/session"
	"github.com/MrWong99/voxrelay/internal/transport"
	"github.com/MrWong99/voxrelay/pkg/provider/tts"
)

// Error codes sent when a connection is refused a session.
const (
	CodeSessionConflict    = "session_conflict"
	CodeSessionUnavailable = "session_unavailable"
)

// End reasons sent before a server-initiated close.
const (
	EndExit     = "exit"
	EndShutdown = "shutdown"
)

// refuseTimeout bounds how long a refused connection is kept open to deliver
// its error frame.
const refuseTimeout = 5 * time.Second

// SessionManager accepts client connections and runs one conversation per
// connection. All exported methods are safe for concurrent use.
type SessionManager struct {
	registry  *session.Registry
	orch      *orchestrator.Orchestrator
	metrics   *observe.Metrics
	transport transport.Config

	// base is cancelled when draining gives up on a session.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	draining bool
	live     map[*transport.Conn]string
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Registry     *session.Registry
	Orchestrator *orchestrator.Orchestrator
	Metrics      *observe.Metrics
	Transport    transport.Config
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	if cfg.Registry == nil {
		cfg.Registry = session.NewRegistry()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	base, cancel := context.WithCancel(context.Background())
	return &SessionManager{
		registry:  cfg.Registry,
		orch:      cfg.Orchestrator,
		metrics:   cfg.Metrics,
		transport: cfg.Transport,
		base:      base,
		cancel:    cancel,
		live:      make(map[*transport.Conn]string),
	}
}

// Registry returns the session registry.
func (sm *SessionManager) Registry() *session.Registry { return sm.registry }

// Active returns the number of live connections.
func (sm *SessionManager) Active() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.live)
}

// Connect upgrades the request and serves one session until it ends. The
// client identity is the {client_id} path value, or a fresh UUIDv7 when the
// route has none. The optional ?style= query overrides the delivery style.
func (sm *SessionManager) Connect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("client_id")
	if id == "" {
		v7, err := uuid.NewV7()
		if err != nil {
			http.Error(w, "cannot allocate session id", http.StatusInternalServerError)
			return
		}
		id = v7.String()
	}
	var style tts.Style
	if q := r.URL.Query().Get("style"); q != "" {
		style = tts.ParseStyle(q)
	}

	log := observe.Logger(observe.WithSession(r.Context(), id))

	conn, err := transport.Accept(w, r, sm.transport)
	if err != nil {
		log.Warn("websocket upgrade failed", "err", err)
		return
	}

	// Hijacked connections outlive server.Shutdown, so the session's lifetime
	// hangs off base instead of the request.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	stop := context.AfterFunc(sm.base, cancel)
	defer stop()

	if !sm.track(conn, id) {
		sm.refuse(ctx, conn, CodeSessionUnavailable, "server is shutting down", websocket.StatusTryAgainLater)
		return
	}
	defer sm.untrack(conn)

	sess, err := sm.registry.Create(id)
	if err != nil {
		log.Info("session refused", "err", err)
		sm.refuse(ctx, conn, CodeSessionConflict, "a session with this id is already active", websocket.StatusPolicyViolation)
		return
	}
	defer func() {
		sess.BeginClose()
		if err := sm.registry.Release(sess); err != nil {
			log.Warn("session teardown", "err", err)
		}
	}()

	sm.metrics.ActiveSessions.Add(ctx, 1)
	defer sm.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	log.Info("session started", "style", string(style))

	err = sm.serve(ctx, sess, conn, style)
	switch {
	case err == nil:
		log.Info("session ended", "reason", EndExit, "turns", sess.Len())
	case sm.isDraining() || sm.base.Err() != nil:
		log.Info("session ended", "reason", EndShutdown, "turns", sess.Len())
	case errors.Is(err, transport.ErrClientDisconnected):
		log.Info("client disconnected", "turns", sess.Len())
	default:
		log.Warn("session failed", "err", err)
	}
}

// serve runs the transport and the conversation side by side. An exit phrase
// ends with an end frame and a normal close; any other outcome tears the
// session down quietly.
func (sm *SessionManager) serve(ctx context.Context, sess *session.Session, conn *transport.Conn, style tts.Style) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return conn.Run(gctx) })
	g.Go(func() error {
		if err := conn.SendSession(gctx, sess.ID()); err != nil {
			return err
		}
		if err := sm.orch.Run(gctx, sess, conn, style); err != nil {
			return err
		}
		sess.BeginClose()
		_ = conn.SendEnd(gctx, EndExit)
		conn.Close(websocket.StatusNormalClosure, EndExit)
		<-conn.Done()
		return nil
	})
	return g.Wait()
}

// refuse delivers one error frame on a connection that gets no session and
// closes it with code.
func (sm *SessionManager) refuse(ctx context.Context, conn *transport.Conn, code, message string, status websocket.StatusCode) {
	ctx, cancel := context.WithTimeout(ctx, refuseTimeout)
	defer cancel()
	go func() { _ = conn.Run(ctx) }()
	_ = conn.SendError(ctx, code, message)
	conn.Close(status, code)
	select {
	case <-conn.Done():
	case <-ctx.Done():
	}
}

func (sm *SessionManager) track(conn *transport.Conn, id string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.draining {
		return false
	}
	sm.live[conn] = id
	sm.wg.Add(1)
	return true
}

func (sm *SessionManager) isDraining() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.draining
}

func (sm *SessionManager) untrack(conn *transport.Conn) {
	sm.mu.Lock()
	delete(sm.live, conn)
	sm.mu.Unlock()
	sm.wg.Done()
}

// Shutdown refuses new sessions, sends every live client an end frame and
// closes it with StatusGoingAway. Sessions still running when ctx expires are
// cancelled. The registry is emptied last.
func (sm *SessionManager) Shutdown(ctx context.Context) error {
	sm.mu.Lock()
	sm.draining = true
	conns := make([]*transport.Conn, 0, len(sm.live))
	for c := range sm.live {
		conns = append(conns, c)
	}
	sm.mu.Unlock()

	slog.Info("draining sessions", "count", len(conns))
	for _, c := range conns {
		sctx, cancel := context.WithTimeout(ctx, time.Second)
		_ = c.SendEnd(sctx, EndShutdown)
		cancel()
		c.Close(websocket.StatusGoingAway, EndShutdown)
	}

	done := make(chan struct{})
	go func() {
		sm.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		sm.cancel()
		<-done
		err = ctx.Err()
	}
	sm.cancel()
	return errors.Join(err, sm.registry.CloseAll())
}
