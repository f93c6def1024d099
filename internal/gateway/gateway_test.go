package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tekscripts/bypassgate/internal/observability"
	"github.com/tekscripts/bypassgate/internal/resolve"
	"github.com/tekscripts/bypassgate/internal/throttle"
)

const testKey = "tekscripts"

type fixture struct {
	gw      *Gateway
	bypass  *BypassHandler
	metrics *observability.Metrics
	clock   *atomic.Pointer[time.Time]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, src resolve.Source) *fixture {
	t.Helper()
	m := observability.NewMetrics(prometheus.NewRegistry())
	gate := throttle.NewGate(nil, throttle.DefaultPolicy(), m, discardLogger())
	t.Cleanup(func() { _ = gate.Close() })

	keys, err := throttle.NewClientIPStrategy(nil)
	require.NoError(t, err)

	clock := &atomic.Pointer[time.Time]{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock.Store(&now)

	gw := New(gate, keys, m, discardLogger(), WithClock(func() time.Time { return *clock.Load() }))
	r := resolve.New(resolve.Options{Timeout: time.Second, Metrics: m, Logger: discardLogger()})
	bh := NewBypassHandler(r, src, testKey, discardLogger())
	gw.Handle("GET /bypass", bh)

	return &fixture{gw: gw, bypass: bh, metrics: m, clock: clock}
}

func (f *fixture) advance(d time.Duration) {
	next := f.clock.Load().Add(d)
	f.clock.Store(&next)
}

func (f *fixture) do(method, target, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = remote
	rr := httptest.NewRecorder()
	f.gw.ServeHTTP(rr, req)
	return rr
}

func bypassURL(key, target string) string {
	q := url.Values{}
	if key != "" {
		q.Set("key", key)
	}
	if target != "" {
		q.Set("url", target)
	}
	return "/bypass?" + q.Encode()
}

func provider(t *testing.T, body string) resolve.ProviderConfig {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return resolve.ProviderConfig{Name: body, URL: srv.URL + "/?u={url}"}
}

func TestBypassResponses(t *testing.T) {
	t.Run("missing key is 401", func(t *testing.T) {
		f := newFixture(t, resolve.StaticSource{})
		rr := f.do(http.MethodGet, bypassURL("", "https://t"), "1.1.1.1:1")
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.JSONEq(t, `{"error":"Invalid API key"}`, rr.Body.String())
	})

	t.Run("wrong key is 401", func(t *testing.T) {
		f := newFixture(t, resolve.StaticSource{})
		rr := f.do(http.MethodGet, bypassURL("nope", "https://t"), "1.1.1.1:1")
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("missing url is 400", func(t *testing.T) {
		f := newFixture(t, resolve.StaticSource{})
		rr := f.do(http.MethodGet, bypassURL(testKey, ""), "1.1.1.1:1")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.JSONEq(t, `{"error":"URL not provided"}`, rr.Body.String())
	})

	t.Run("no providers is 500", func(t *testing.T) {
		f := newFixture(t, resolve.StaticSource{})
		rr := f.do(http.MethodGet, bypassURL(testKey, "https://t"), "1.1.1.1:1")
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.JSONEq(t, `{"error":"No API configured"}`, rr.Body.String())
	})

	t.Run("all providers failing is 502", func(t *testing.T) {
		f := newFixture(t, resolve.StaticSource{provider(t, "Error 404"), provider(t, "server down")})
		rr := f.do(http.MethodGet, bypassURL(testKey, "https://t"), "1.1.1.1:1")
		assert.Equal(t, http.StatusBadGateway, rr.Code)
		assert.JSONEq(t, `{"error":"No API could process the URL"}`, rr.Body.String())
	})

	t.Run("first usable answer is 200", func(t *testing.T) {
		f := newFixture(t, resolve.StaticSource{provider(t, "failed"), provider(t, "valid-script-content")})
		rr := f.do(http.MethodGet, bypassURL(testKey, "https://t"), "1.1.1.1:1")
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"result":"valid-script-content"}`, rr.Body.String())
		assert.Equal(t, "application/json; charset=utf-8", rr.Header().Get("Content-Type"))
	})

	t.Run("rotated key takes effect", func(t *testing.T) {
		f := newFixture(t, resolve.StaticSource{})
		f.bypass.SetAPIKey("rotated")
		assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, bypassURL(testKey, "x"), "1.1.1.1:1").Code)
		assert.Equal(t, http.StatusInternalServerError, f.do(http.MethodGet, bypassURL("rotated", "x"), "1.1.1.1:1").Code)
	})

	t.Run("empty configured key rejects everything", func(t *testing.T) {
		f := newFixture(t, resolve.StaticSource{})
		f.bypass.SetAPIKey("")
		assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/bypass?key=&url=x", "1.1.1.1:1").Code)
	})
}

type failingSource struct{}

func (failingSource) Providers(context.Context) ([]resolve.ProviderConfig, error) {
	return nil, io.ErrUnexpectedEOF
}

func TestBypassSourceErrorMeansNoProviders(t *testing.T) {
	f := newFixture(t, failingSource{})
	rr := f.do(http.MethodGet, bypassURL(testKey, "https://t"), "1.1.1.1:1")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.JSONEq(t, `{"error":"No API configured"}`, rr.Body.String())
}

func TestGatewayBlocking(t *testing.T) {
	f := newFixture(t, resolve.StaticSource{})

	for i := 0; i < 11; i++ {
		rr := f.do(http.MethodGet, bypassURL("", "x"), "9.9.9.9:1234")
		assert.Equal(t, http.StatusUnauthorized, rr.Code, "request %d", i+1)
	}

	rr := f.do(http.MethodGet, bypassURL(testKey, "x"), "9.9.9.9:1234")
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.JSONEq(t, `{"message":"Blocked for 10 minutes"}`, rr.Body.String())

	// Unknown routes are gated too.
	assert.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/anything", "9.9.9.9:1").Code)

	// Other clients are unaffected.
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, bypassURL("", "x"), "8.8.8.8:1").Code)

	f.advance(9*time.Minute + 30*time.Second)
	rr = f.do(http.MethodGet, "/bypass", "9.9.9.9:1234")
	assert.JSONEq(t, `{"message":"Blocked for 1 minutes"}`, rr.Body.String())

	f.advance(30 * time.Second)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/bypass", "9.9.9.9:1234").Code)

	snap := f.metrics.Snapshot()
	assert.Equal(t, int64(1), snap.BlocksStarted)
	assert.Equal(t, int64(3), snap.Blocked)
}

func TestGatewayRouting(t *testing.T) {
	f := newFixture(t, resolve.StaticSource{})

	rr := f.do(http.MethodGet, "/nope", "1.1.1.1:1")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.JSONEq(t, `{"error":"Not found"}`, rr.Body.String())

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/bypass", "1.1.1.1:1").Code)
}

func TestGatewayRequestID(t *testing.T) {
	f := newFixture(t, resolve.StaticSource{})

	t.Run("generates an id when absent", func(t *testing.T) {
		rr := f.do(http.MethodGet, "/bypass", "1.1.1.1:1")
		assert.Len(t, rr.Header().Get(requestIDHeader), 36)
	})

	t.Run("propagates a valid client id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/bypass", nil)
		req.Header.Set(requestIDHeader, "abc-123")
		rr := httptest.NewRecorder()
		f.gw.ServeHTTP(rr, req)
		assert.Equal(t, "abc-123", rr.Header().Get(requestIDHeader))
	})

	t.Run("replaces an unsafe client id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/bypass", nil)
		req.Header.Set(requestIDHeader, "bad id\r\n")
		rr := httptest.NewRecorder()
		f.gw.ServeHTTP(rr, req)
		assert.NotEqual(t, "bad id\r\n", rr.Header().Get(requestIDHeader))
	})
}

func TestGatewayCORS(t *testing.T) {
	t.Run("every response carries the allow origin header", func(t *testing.T) {
		f := newFixture(t, resolve.StaticSource{})
		rr := f.do(http.MethodGet, "/bypass", "1.1.1.1:1")
		assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("preflight is answered without touching the gate", func(t *testing.T) {
		f := newFixture(t, resolve.StaticSource{})
		req := httptest.NewRequest(http.MethodOptions, "/bypass", nil)
		req.Header.Set("Origin", "https://site.example")
		req.Header.Set("Access-Control-Request-Method", "GET")
		req.Header.Set("Access-Control-Request-Headers", "X-Custom")
		rr := httptest.NewRecorder()
		f.gw.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusNoContent, rr.Code)
		assert.Contains(t, rr.Header().Get("Access-Control-Allow-Methods"), "GET")
		assert.Equal(t, "X-Custom", rr.Header().Get("Access-Control-Allow-Headers"))
		assert.Equal(t, int64(0), f.metrics.Snapshot().Admitted)
	})

	t.Run("specific origin varies on Origin", func(t *testing.T) {
		f := newFixture(t, resolve.StaticSource{})
		f.gw.SetCORSOrigin("https://site.example")
		rr := f.do(http.MethodGet, "/bypass", "1.1.1.1:1")
		assert.Equal(t, "https://site.example", rr.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "Origin", rr.Header().Get("Vary"))
	})

	t.Run("empty origin disables CORS", func(t *testing.T) {
		f := newFixture(t, resolve.StaticSource{})
		f.gw.SetCORSOrigin("")
		rr := f.do(http.MethodGet, "/bypass", "1.1.1.1:1")
		assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestGatewayHeaderKeyStrategy(t *testing.T) {
	f := newFixture(t, resolve.StaticSource{})
	f.gw.SetKeyStrategy(&throttle.HeaderStrategy{HeaderName: "X-Client-Id"})

	rr := f.do(http.MethodGet, "/bypass", "1.1.1.1:1")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, int64(1), f.metrics.Snapshot().KeyErrors)
}

func TestBypassCoalescesIdenticalTargets(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		<-release
		_, _ = io.WriteString(w, "content")
	}))
	defer srv.Close()

	f := newFixture(t, resolve.StaticSource{{Name: "slow", URL: srv.URL + "/?u={url}"}})

	const n = 5
	var wg sync.WaitGroup
	codes := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rr := f.do(http.MethodGet, bypassURL(testKey, "https://same"), "1.1.1.1:1")
			codes[i] = rr.Code
		}(i)
	}

	require.Eventually(t, func() bool { return calls.Load() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, c := range codes {
		assert.Equal(t, http.StatusOK, c)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestBypassFollowerSurvivesLeaderCancel(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		<-release
		_, _ = io.WriteString(w, "content")
	}))
	defer srv.Close()

	f := newFixture(t, resolve.StaticSource{{Name: "slow", URL: srv.URL + "/?u={url}"}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	leaderDone := make(chan struct{})
	go func() {
		defer close(leaderDone)
		req := httptest.NewRequest(http.MethodGet, bypassURL(testKey, "https://same"), nil).WithContext(ctx)
		req.RemoteAddr = "1.1.1.1:1"
		f.gw.ServeHTTP(httptest.NewRecorder(), req)
	}()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	followerCode := make(chan int, 1)
	followerBody := make(chan string, 1)
	go func() {
		rr := f.do(http.MethodGet, bypassURL(testKey, "https://same"), "2.2.2.2:1")
		followerCode <- rr.Code
		followerBody <- rr.Body.String()
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	select {
	case <-leaderDone:
	case <-time.After(time.Second):
		t.Fatal("canceled request kept waiting for the resolution")
	}

	close(release)
	assert.Equal(t, http.StatusOK, <-followerCode)
	assert.JSONEq(t, `{"result":"content"}`, <-followerBody)
	assert.Equal(t, int32(1), calls.Load())
}
