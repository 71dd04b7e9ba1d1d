// Package health serves the liveness and readiness probes of the bridge
// process.
//
//   - /healthz answers 200 whenever the process can serve HTTP at all.
//   - /readyz answers 200 only while every registered [Checker] passes, so
//     a bridge without a working ffmpeg install is taken out of rotation
//     before it accepts calls it cannot transcode.
//
// Both respond with a JSON body: a top-level "status" of "ok" or "fail",
// and for readiness a "checks" map with one entry per checker.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout bounds each individual readiness check.
const checkTimeout = 5 * time.Second

// Checker probes one dependency the bridge needs before it can take calls.
// Name keys the result in the /readyz response (e.g. "ffmpeg", "engine");
// Check returns nil while the dependency is usable and must respect
// cancellation.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// result is the probe response body.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler answers the health probe routes. The checker set is fixed at
// construction; Handler itself is stateless and safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New creates a Handler that runs the given checkers, in order, on every
// readiness request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz is the liveness probe. It never fails: a process that got this far
// is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is the readiness probe: 200 while every checker passes, 503 with
// per-check failure details otherwise. Each checker runs under its own
// [checkTimeout] derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := result{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	status := http.StatusOK

	for _, c := range h.checkers {
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

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
