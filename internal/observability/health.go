package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var (
	jsonAlive      = []byte(`{"status":"alive"}`)
	jsonReady      = []byte(`{"status":"ready"}`)
	jsonNotReady   = []byte(`{"status":"not_ready"}`)
	jsonStarted    = []byte(`{"status":"started"}`)
	jsonNotStarted = []byte(`{"status":"not_started"}`)
)

const deepCheckTimeout = 2 * time.Second

// Pinger is implemented by any dependency that can report its own health
// (the Redis activity store, the provider list source).
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc adapts a function to Pinger.
type PingerFunc func(ctx context.Context) error

// Ping calls f.
func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthChecker provides startup, liveness, and readiness check endpoints.
type HealthChecker struct {
	started atomic.Bool
	ready   atomic.Bool

	mu       sync.RWMutex
	checks   map[string]Pinger
	watchers []func(ready bool)
}

// NewHealthChecker creates a new health checker (starts in not-ready state).
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{checks: make(map[string]Pinger)}
}

// SetStarted marks the service as having completed startup.
func (h *HealthChecker) SetStarted() { h.started.Store(true) }

// IsStarted returns whether the service has completed startup.
func (h *HealthChecker) IsStarted() bool { return h.started.Load() }

// SetReady marks the service as ready to receive traffic.
func (h *HealthChecker) SetReady() { h.setReady(true) }

// SetNotReady marks the service as not ready (draining).
func (h *HealthChecker) SetNotReady() { h.setReady(false) }

// IsReady returns whether the service is ready.
func (h *HealthChecker) IsReady() bool { return h.ready.Load() }

func (h *HealthChecker) setReady(v bool) {
	if h.ready.Swap(v) == v {
		return
	}
	h.mu.RLock()
	watchers := append([]func(bool){}, h.watchers...)
	h.mu.RUnlock()
	for _, fn := range watchers {
		fn(v)
	}
}

// OnReadyChange registers fn to be called on every readiness transition.
// fn is invoked once immediately with the current state.
func (h *HealthChecker) OnReadyChange(fn func(ready bool)) {
	h.mu.Lock()
	h.watchers = append(h.watchers, fn)
	h.mu.Unlock()
	fn(h.IsReady())
}

// SetCheck registers a named dependency probed by /readyz?deep=true.
// A nil pinger removes the check.
func (h *HealthChecker) SetCheck(name string, p Pinger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p == nil {
		delete(h.checks, name)
		return
	}
	h.checks[name] = p
}

// DeepCheck runs every registered check and returns per-dependency results
// ("ok" or the error text) plus whether all passed.
func (h *HealthChecker) DeepCheck(ctx context.Context) (map[string]string, bool) {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	checks := make(map[string]Pinger, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	h.mu.RUnlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(ctx, deepCheckTimeout)
	defer cancel()

	results := make(map[string]string, len(names))
	ok := true
	for _, name := range names {
		if err := checks[name].Ping(ctx); err != nil {
			results[name] = err.Error()
			ok = false
			continue
		}
		results[name] = "ok"
	}
	return results, ok
}

// StartzHandler returns 200 once the service has completed startup, 503 otherwise.
func (h *HealthChecker) StartzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if h.IsStarted() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(jsonStarted)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write(jsonNotStarted)
		}
	}
}

// HealthzHandler returns 200 if the process is alive.
func (h *HealthChecker) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(jsonAlive)
	}
}

type deepReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// ReadyzHandler returns 200 if the service is ready, 503 otherwise.
// With `deep=true` every registered dependency check is run as well.
func (h *HealthChecker) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if !h.IsReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write(jsonNotReady)
			return
		}

		if r.URL.Query().Get("deep") != "true" {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(jsonReady)
			return
		}

		results, ok := h.DeepCheck(r.Context())
		report := deepReport{Status: "ready", Checks: results}
		status := http.StatusOK
		if !ok {
			report.Status = "not_ready"
			status = http.StatusServiceUnavailable
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(report)
	}
}
