// Package health serves the liveness and readiness endpoints of the capture
// service.
//
//   - /healthz reports that the process can serve HTTP.
//   - /readyz reports "ok" only when every registered [Checker] passes, most
//     importantly the capture heartbeat built by [Heartbeat].
//
// Both endpoints answer with a JSON object carrying a "status" field ("ok" or
// "fail") and, for /readyz, a "checks" map keyed by checker name.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 2 * time.Second

// ErrNoHeartbeat is reported by a [Heartbeat] checker before the first packet
// has been observed.
var ErrNoHeartbeat = errors.New("health: no packet captured yet")

// Checker is a named readiness check. Check returns nil when healthy.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Heartbeat returns a [Checker] that fails when last reports a zero time or a
// time older than maxAge. last is usually the capture engine's LastPacket.
func Heartbeat(name string, last func() time.Time, maxAge time.Duration) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			t := last()
			if t.IsZero() {
				return ErrNoHeartbeat
			}
			if age := time.Since(t); age > maxAge {
				return fmt.Errorf("health: last packet %s ago (limit %s)", age.Round(time.Millisecond), maxAge)
			}
			return nil
		},
	}
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the health endpoints. Checkers may be swapped at runtime
// with [Handler.SetCheckers] when a capture session is restarted.
type Handler struct {
	mu       sync.RWMutex
	checkers []Checker
}

// New creates a [Handler] evaluating checkers on each /readyz request.
func New(checkers ...Checker) *Handler {
	h := &Handler{}
	h.SetCheckers(checkers...)
	return h
}

// SetCheckers replaces the readiness checkers.
func (h *Handler) SetCheckers(checkers ...Checker) {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	h.mu.Lock()
	h.checkers = c
	h.mu.Unlock()
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz answers 200 when every checker passes and 503 otherwise. With no
// checkers registered the service is not ready.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	checkers := h.checkers
	h.mu.RUnlock()

	res := result{Status: "ok", Checks: make(map[string]string, len(checkers))}
	status := http.StatusOK
	if len(checkers) == 0 {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}

	for _, c := range checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			res.Checks[c.Name] = "fail: " + err.Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
			continue
		}
		res.Checks[c.Name] = "ok"
	}

	writeJSON(w, status, res)
}

// Register adds the health routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
