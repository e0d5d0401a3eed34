// Package health serves the liveness and readiness probes of voxrelay.
//
//   - /healthz: liveness. 200 while the process can serve HTTP.
//   - /readyz: readiness. 200 only while the server is not draining and every
//     [Checker] passes. Both backends must be configured and neither circuit
//     breaker may be open.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail")
// and a "checks" map with the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxrelay/internal/resilience"
)

// checkTimeout is the maximum time a single readiness check may take.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is usable.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Configured fails when v is nil. Use it for providers that may be left out
// of the configuration.
func Configured(name string, v any) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		if v == nil {
			return errors.New("not configured")
		}
		return nil
	}}
}

// Breaker fails while cb is open. A half-open breaker passes so probes can
// reach the backend.
func Breaker(cb *resilience.CircuitBreaker) Checker {
	return Checker{Name: "breaker." + cb.Name(), Check: func(context.Context) error {
		if st := cb.State(); st == resilience.StateOpen {
			return fmt.Errorf("circuit %s", st)
		}
		return nil
	}}
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
	draining atomic.Bool
}

// New creates a [Handler] that evaluates checkers on every /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// SetDraining marks the server as shutting down. While draining /readyz
// fails so load balancers stop routing new sessions here.
func (h *Handler) SetDraining(v bool) { h.draining.Store(v) }

// Healthz always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs all checkers concurrently, each bounded by [checkTimeout].
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	type outcome struct {
		name string
		err  error
	}
	out := make(chan outcome, len(h.checkers))
	for _, c := range h.checkers {
		go func() {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			err := c.Check(ctx)
			if err == nil {
				err = ctx.Err()
			}
			out <- outcome{c.Name, err}
		}()
	}

	res := result{Status: "ok", Checks: make(map[string]string, len(h.checkers)+1)}
	fail := func(name string, err error) {
		res.Status = "fail"
		res.Checks[name] = "fail: " + err.Error()
	}
	for range h.checkers {
		o := <-out
		if o.err != nil {
			fail(o.name, o.err)
			continue
		}
		res.Checks[o.name] = "ok"
	}
	if h.draining.Load() {
		fail("draining", errors.New("shutting down"))
	}

	status := http.StatusOK
	if res.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
