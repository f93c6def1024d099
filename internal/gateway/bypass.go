package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/tekscripts/bypassgate/internal/resolve"
	"golang.org/x/sync/singleflight"
)

// Response messages for GET /bypass.
const (
	msgInvalidKey    = "Invalid API key"
	msgMissingURL    = "URL not provided"
	msgNoProvider    = "No API configured"
	msgAllFailed     = "No API could process the URL"
	msgInternalError = "Internal server error"
)

// responseWriteGrace bounds writing the answer once resolution is done. The
// server-wide read and write deadlines are lifted while providers are tried.
const responseWriteGrace = 30 * time.Second

type sourceBox struct{ s resolve.Source }

type bypassResponse struct {
	Result any `json:"result"`
}

// BypassHandler serves GET /bypass?key=<api key>&url=<target>.
type BypassHandler struct {
	resolver *resolve.Resolver
	source   atomic.Pointer[sourceBox]
	apiKey   atomic.Pointer[string]
	group    singleflight.Group
	logger   *slog.Logger
}

// NewBypassHandler creates the handler. Providers are read from source on
// every request.
func NewBypassHandler(resolver *resolve.Resolver, source resolve.Source, apiKey string, logger *slog.Logger) *BypassHandler {
	h := &BypassHandler{
		resolver: resolver,
		logger:   logger,
	}
	h.SetSource(source)
	h.SetAPIKey(apiKey)
	return h
}

// SetSource swaps the provider source.
func (h *BypassHandler) SetSource(src resolve.Source) {
	h.source.Store(&sourceBox{s: src})
}

// SetAPIKey rotates the accepted API key.
func (h *BypassHandler) SetAPIKey(key string) {
	h.apiKey.Store(&key)
}

func (h *BypassHandler) validKey(got string) bool {
	want := *h.apiKey.Load()
	if want == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func (h *BypassHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !h.validKey(q.Get("key")) {
		writeJSONError(w, http.StatusUnauthorized, msgInvalidKey)
		return
	}

	target := q.Get("url")
	if target == "" {
		writeJSONError(w, http.StatusBadRequest, msgMissingURL)
		return
	}

	providers, err := h.source.Load().s.Providers(r.Context())
	if err != nil {
		h.logger.Error("loading providers failed, treating as empty", "error", err)
		providers = nil
	}

	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	// Identical targets in flight share one walk of the provider chain. The
	// walk is detached from any single caller's cancellation; each caller
	// stops waiting when its own request ends.
	resolveCtx := context.WithoutCancel(r.Context())
	ch := h.group.DoChan(target, func() (any, error) {
		return h.resolver.Resolve(resolveCtx, target, providers)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-r.Context().Done():
		h.logger.Debug("client went away during resolution", "url", target)
		return
	}
	if res.Shared {
		h.logger.Debug("resolution shared with concurrent request", "url", target)
	}
	_ = rc.SetWriteDeadline(time.Now().Add(responseWriteGrace))

	v, err := res.Val, res.Err
	switch {
	case err == nil:
		out := v.(*resolve.Result)
		h.logger.Info("resolved", "url", target, "provider", out.Provider, "attempts", len(out.Attempts))
		writeJSON(w, http.StatusOK, bypassResponse{Result: out.Payload})
	case errors.Is(err, resolve.ErrNoProviderConfigured):
		writeJSONError(w, http.StatusInternalServerError, msgNoProvider)
	case errors.Is(err, resolve.ErrAllProvidersFailed):
		h.logger.Warn("no provider could resolve target", "url", target, "error", err)
		writeJSONError(w, http.StatusBadGateway, msgAllFailed)
	default:
		h.logger.Error("resolution failed", "url", target, "error", err)
		writeJSONError(w, http.StatusInternalServerError, msgInternalError)
	}
}
