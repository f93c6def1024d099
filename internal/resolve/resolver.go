// Package resolve turns a target identifier into a provider answer by
// walking an ordered provider chain until one returns a usable result.
package resolve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tekscripts/bypassgate/internal/observability"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout      = 60 * time.Second
	defaultMaxBodyBytes = 1 << 20
	placeholder         = "{url}"
)

// Attempt records the outcome of one provider call.
type Attempt struct {
	Provider string
	Duration time.Duration
	Err      error // nil for the successful attempt
}

// Result is a successful resolution. It is returned to the caller and
// never stored.
type Result struct {
	// Payload is the provider body as a string, or for structured providers
	// the extracted field value as decoded from JSON.
	Payload  any
	Provider string
	Attempts []Attempt
}

// Options configures a Resolver.
type Options struct {
	// Timeout bounds each provider attempt. Zero means 60s.
	Timeout time.Duration

	// MaxBodyBytes caps how much of a provider body is read. Zero means 1 MiB.
	MaxBodyBytes int64

	UserAgent string

	// ProviderRPS caps calls per provider name. Zero means unlimited.
	ProviderRPS float64

	Validator  Validator
	HTTPClient *http.Client
	Metrics    *observability.Metrics
	Logger     *slog.Logger
}

type validatorBox struct{ v Validator }

// Resolver tries providers in order, first usable answer wins. There are no
// retries within one resolution and no parallel racing.
type Resolver struct {
	client       *http.Client
	timeout      time.Duration
	maxBodyBytes int64
	userAgent    string
	metrics      *observability.Metrics
	logger       *slog.Logger

	validator atomic.Pointer[validatorBox]

	limMu    sync.Mutex
	rps      float64
	limiters map[string]*rate.Limiter
}

// New creates a Resolver.
func New(opts Options) *Resolver {
	r := &Resolver{
		client:       opts.HTTPClient,
		timeout:      opts.Timeout,
		maxBodyBytes: opts.MaxBodyBytes,
		userAgent:    opts.UserAgent,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		rps:          opts.ProviderRPS,
		limiters:     make(map[string]*rate.Limiter),
	}
	if r.client == nil {
		r.client = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		}
	}
	if r.timeout <= 0 {
		r.timeout = defaultTimeout
	}
	if r.maxBodyBytes <= 0 {
		r.maxBodyBytes = defaultMaxBodyBytes
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	v := opts.Validator
	if v == nil {
		v = NewKeywordValidator(nil, "")
	}
	r.SetValidator(v)
	return r
}

// SetValidator swaps the validator used by subsequent attempts.
func (r *Resolver) SetValidator(v Validator) {
	r.validator.Store(&validatorBox{v: v})
}

// SetProviderRPS changes the per-provider budget. Existing limiters are
// dropped so the new rate applies immediately.
func (r *Resolver) SetProviderRPS(rps float64) {
	r.limMu.Lock()
	defer r.limMu.Unlock()
	if rps == r.rps {
		return
	}
	r.rps = rps
	r.limiters = make(map[string]*rate.Limiter)
}

// componentEscaper turns url.QueryEscape output into encodeURIComponent
// output: spaces become %20 and !'()* stay literal.
var componentEscaper = strings.NewReplacer(
	"+", "%20",
	"%21", "!",
	"%27", "'",
	"%28", "(",
	"%29", ")",
	"%2A", "*",
)

// BuildURL substitutes every placeholder in tmpl with the target, escaped
// the way encodeURIComponent escapes it.
func BuildURL(tmpl, target string) string {
	escaped := componentEscaper.Replace(url.QueryEscape(target))
	return strings.ReplaceAll(tmpl, placeholder, escaped)
}

// Resolve walks providers in order and returns the first answer the
// validator accepts.
func (r *Resolver) Resolve(ctx context.Context, targetID string, providers []ProviderConfig) (*Result, error) {
	if len(providers) == 0 {
		return nil, ErrNoProviderConfigured
	}

	ctx, span := observability.Tracer().Start(ctx, observability.SpanResolve,
		trace.WithAttributes(observability.AttrProviderCount.Int(len(providers))))
	defer span.End()
	start := time.Now()

	attempts := make([]Attempt, 0, len(providers))
	names := make([]string, 0, len(providers))
	var lastErr error

	for _, p := range providers {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		names = append(names, p.Name)
		t := time.Now()
		payload, err := r.attempt(ctx, p, targetID)
		attempts = append(attempts, Attempt{Provider: p.Name, Duration: time.Since(t), Err: err})

		if err == nil {
			r.observe(true, start)
			span.SetAttributes(
				observability.AttrProvider.String(p.Name),
				observability.AttrAttempts.Int(len(attempts)),
			)
			return &Result{Payload: payload, Provider: p.Name, Attempts: attempts}, nil
		}

		lastErr = err
		r.logger.Warn("provider attempt failed",
			"provider", p.Name, "reason", reasonOf(err), "error", err)
	}

	r.observe(false, start)
	span.SetAttributes(observability.AttrAttempts.Int(len(attempts)))
	span.SetStatus(codes.Error, "all providers failed")
	return nil, &AllProvidersFailedError{AttemptedProviders: names, LastError: lastErr}
}

func (r *Resolver) observe(ok bool, start time.Time) {
	if r.metrics != nil {
		r.metrics.ObserveResolution(ok, time.Since(start))
	}
}

func (r *Resolver) attempt(ctx context.Context, p ProviderConfig, targetID string) (any, error) {
	ctx, span := observability.Tracer().Start(ctx, observability.SpanProvider,
		trace.WithAttributes(observability.AttrProvider.String(p.Name)))
	defer span.End()

	payload, err := r.call(ctx, p, targetID)

	outcome := observability.OutcomeSuccess
	if err != nil {
		outcome = string(reasonOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	span.SetAttributes(observability.AttrOutcome.String(outcome))
	if r.metrics != nil {
		r.metrics.IncProviderAttempt(p.Name, outcome)
	}
	return payload, err
}

func (r *Resolver) call(ctx context.Context, p ProviderConfig, targetID string) (any, error) {
	fail := func(reason Reason, cause error) error {
		return &AttemptError{Provider: p.Name, Reason: reason, Cause: cause}
	}

	if lim := r.limiterFor(p.Name); lim != nil && !lim.Allow() {
		return nil, fail(ReasonThrottled, errors.New("provider budget exhausted"))
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, BuildURL(p.URL, targetID), nil)
	if err != nil {
		return nil, fail(ReasonTransport, err)
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fail(ReasonTimeout, err)
		}
		return nil, fail(ReasonTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, r.maxBodyBytes))
		return nil, fail(ReasonStatus, fmt.Errorf("status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBodyBytes+1))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fail(ReasonTimeout, err)
		}
		return nil, fail(ReasonTransport, err)
	}
	if int64(len(body)) > r.maxBodyBytes {
		return nil, fail(ReasonTransport, fmt.Errorf("body exceeds %d bytes", r.maxBodyBytes))
	}

	payload, candidate := extract(p, body)
	if r.validator.Load().v.IsError(candidate) {
		return nil, fail(ReasonRejected, nil)
	}
	return payload, nil
}

// extract returns the payload and the text to validate. For structured
// providers a missing field, a non-object body or invalid JSON yields an
// empty candidate, as do null, false and 0. Other non-string values are
// validated as their JSON text.
func extract(p ProviderConfig, body []byte) (any, string) {
	if !p.ParseJSON {
		return string(body), string(body)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, ""
	}
	raw, ok := obj[p.ResponseKey]
	if !ok {
		return nil, ""
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, ""
	}
	switch x := v.(type) {
	case nil:
		return nil, ""
	case bool:
		if !x {
			return nil, ""
		}
	case float64:
		if x == 0 {
			return nil, ""
		}
	case string:
		return x, x
	}
	return v, string(raw)
}

func (r *Resolver) limiterFor(name string) *rate.Limiter {
	r.limMu.Lock()
	defer r.limMu.Unlock()
	if r.rps <= 0 {
		return nil
	}
	lim, ok := r.limiters[name]
	if !ok {
		burst := int(r.rps)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(r.rps), burst)
		r.limiters[name] = lim
	}
	return lim
}

func reasonOf(err error) Reason {
	var ae *AttemptError
	if errors.As(err, &ae) {
		return ae.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	return ReasonTransport
}
