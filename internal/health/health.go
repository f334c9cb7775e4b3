// Package health provides HTTP liveness and readiness handlers for the
// assistant process.
//
//   - /healthz: liveness; 200 while the process can serve HTTP, with the
//     current session state for operators.
//   - /readyz: readiness; 200 only when every registered [Checker] passes.
//     The assistant registers one that passes while a session is streaming.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail").
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when ready.
type Checker struct {
	// Name is the key in the JSON "checks" map, e.g. "session".
	Name string

	// Check reports readiness. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// StateChecker builds a [Checker] that passes while ready reports true.
// state names the current state for the failure message.
func StateChecker(name string, ready func() bool, state func() string) Checker {
	return Checker{
		Name: name,
		Check: func(ctx context.Context) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if ready() {
				return nil
			}
			if state == nil {
				return errors.New("not ready")
			}
			return fmt.Errorf("state %s", state())
		},
	}
}

type result struct {
	Status string            `json:"status"`
	State  string            `json:"state,omitempty"`
	Uptime string            `json:"uptime,omitempty"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. It is safe for concurrent use; the
// checker list is fixed at construction time.
type Handler struct {
	checkers []Checker
	state    func() string
	started  time.Time
}

// Option configures a [Handler].
type Option func(*Handler)

// WithState reports state() in /healthz responses.
func WithState(state func() string) Option {
	return func(h *Handler) { h.state = state }
}

// New creates a [Handler] that evaluates checkers, in order, on each /readyz
// request.
func New(checkers []Checker, opts ...Option) *Handler {
	h := &Handler{
		checkers: append([]Checker(nil), checkers...),
		started:  time.Now(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Healthz always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	res := result{Status: "ok", Uptime: time.Since(h.started).Round(time.Second).String()}
	if h.state != nil {
		res.State = h.state()
	}
	writeJSON(w, http.StatusOK, res)
}

// Readyz returns 200 only when every [Checker] passes, 503 otherwise. Each
// checker gets a [checkTimeout] deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
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
