// Package gateway is the HTTP entry point: request correlation, CORS, the
// block gate, then dispatch to statically registered routes.
package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tekscripts/bypassgate/internal/observability"
	"github.com/tekscripts/bypassgate/internal/throttle"
)

// requestIDHeader is the canonical HTTP header for request correlation.
const requestIDHeader = "X-Request-Id"

const maxRequestIDLen = 128

// validRequestID accepts client-supplied ids made of alphanumerics and
// "-_.:" up to 128 bytes. Anything else is replaced.
func validRequestID(s string) bool {
	if len(s) == 0 || len(s) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == ':':
		default:
			return false
		}
	}
	return true
}

// writeJSON writes v as the JSON response body.
func writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		code = http.StatusInternalServerError
		body = []byte(`{"error":"Internal server error"}`)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// writeJSONError writes {"error": message}.
func writeJSONError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

type blockedBody struct {
	Message string `json:"message"`
}

// statusWriter captures the HTTP status code written by downstream handlers.
type statusWriter struct {
	http.ResponseWriter
	code    int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.code = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.code = http.StatusOK
		sw.written = true
	}
	return sw.ResponseWriter.Write(b)
}

// Unwrap supports http.ResponseController.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

type keyStrategyBox struct{ s throttle.KeyStrategy }

// Gateway runs every request through the block gate before routing it.
type Gateway struct {
	gate    *throttle.Gate
	keys    atomic.Pointer[keyStrategyBox]
	cors    atomic.Pointer[string]
	mux     *http.ServeMux
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithClock overrides the time source used for gate decisions.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithCORSOrigin sets the Access-Control-Allow-Origin value. Empty disables
// CORS headers.
func WithCORSOrigin(origin string) Option {
	return func(g *Gateway) { g.cors.Store(&origin) }
}

// New creates a gateway with no routes.
func New(gate *throttle.Gate, keys throttle.KeyStrategy, metrics *observability.Metrics, logger *slog.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		gate:    gate,
		mux:     http.NewServeMux(),
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
	g.keys.Store(&keyStrategyBox{s: keys})
	origin := "*"
	g.cors.Store(&origin)
	for _, o := range opts {
		o(g)
	}
	return g
}

// Handle registers a route. Routes are fixed at startup.
func (g *Gateway) Handle(pattern string, h http.Handler) {
	g.mux.Handle(pattern, h)
}

// SetKeyStrategy swaps the client identifier strategy.
func (g *Gateway) SetKeyStrategy(s throttle.KeyStrategy) {
	g.keys.Store(&keyStrategyBox{s: s})
}

// SetCORSOrigin swaps the Access-Control-Allow-Origin value.
func (g *Gateway) SetCORSOrigin(origin string) {
	g.cors.Store(&origin)
}

// ServeHTTP processes the request through CORS → block gate → route.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := statusWriterPool.Get().(*statusWriter)
	sw.ResponseWriter = w
	sw.code = http.StatusOK
	sw.written = false

	reqID := r.Header.Get(requestIDHeader)
	if !validRequestID(reqID) {
		reqID = uuid.NewString()
		r.Header.Set(requestIDHeader, reqID)
	}
	sw.Header().Set(requestIDHeader, reqID)

	var clientID string
	defer func() {
		elapsed := time.Since(start)
		g.metrics.PromRequestDuration.WithLabelValues(r.Method, strconv.Itoa(sw.code)).Observe(elapsed.Seconds())
		g.logger.Info("access",
			"request_id", reqID,
			"client_id", clientID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.code,
			"duration", elapsed,
		)
		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)
	}()

	if g.applyCORS(sw, r) {
		return
	}

	id, err := g.keys.Load().s.Extract(r)
	if err != nil {
		g.metrics.IncKeyErrors()
		g.logger.Warn("client identifier extraction failed", "request_id", reqID, "error", err)
		writeJSONError(sw, http.StatusBadRequest, "Client identifier missing")
		return
	}
	clientID = id

	if dec := g.gate.CheckAndAdmit(r.Context(), clientID, g.now()); dec.Blocked {
		writeJSON(sw, http.StatusForbidden, blockedBody{
			Message: fmt.Sprintf("Blocked for %d minutes", dec.MinutesRemaining),
		})
		return
	}

	if _, pattern := g.mux.Handler(r); pattern == "" {
		writeJSONError(sw, http.StatusNotFound, "Not found")
		return
	}
	g.mux.ServeHTTP(sw, r)
}

// applyCORS sets CORS headers and answers preflight requests. It returns
// true when the request has been fully handled.
func (g *Gateway) applyCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := *g.cors.Load()
	if origin == "" {
		return false
	}

	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	if origin != "*" {
		h.Add("Vary", "Origin")
	}

	if r.Method != http.MethodOptions || r.Header.Get("Access-Control-Request-Method") == "" {
		return false
	}

	h.Set("Access-Control-Allow-Methods", "GET,HEAD,PUT,PATCH,POST,DELETE")
	if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
		h.Set("Access-Control-Allow-Headers", reqHeaders)
		h.Add("Vary", "Access-Control-Request-Headers")
	}
	h.Set("Content-Length", "0")
	w.WriteHeader(http.StatusNoContent)
	return true
}
