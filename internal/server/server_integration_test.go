package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tekscripts/bypassgate/internal/config"
	"golang.org/x/net/http2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// freeAddr returns a "host:port" string with a port the OS has confirmed is
// available. The listener is closed immediately so the port can be reused.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// runServer starts srv and waits until /readyz answers 200. The returned
// stop function cancels Run and waits for it to return.
func runServer(t *testing.T, srv *Server) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx)
	}()

	adminAddr := srv.config().Admin.Address
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + adminAddr + "/readyz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond, "server did not become ready")

	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("server did not shut down within timeout")
		}
	}
}

func TestServerRunAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Address = freeAddr(t)
	cfg.Admin.Address = freeAddr(t)

	srv, err := New(cfg, testLogger(), "test")
	require.NoError(t, err)

	stop := runServer(t, srv)
	assert.True(t, srv.health.IsReady())
	stop()
	assert.False(t, srv.health.IsReady())
}

func TestServerReloadDuringShutdown(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Address = freeAddr(t)
	cfg.Admin.Address = freeAddr(t)

	reloads := make([]*config.Config, 20)
	for i := range reloads {
		next := *cfg
		next.Throttle.Threshold = int64(i + 1)
		next.Server.DrainTimeout = fmt.Sprintf("%ds", i+1)
		reloads[i] = &next
	}

	srv, err := New(cfg, testLogger(), "test")
	require.NoError(t, err)
	stop := runServer(t, srv)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, c := range reloads {
			assert.NoError(t, srv.Reload(c))
		}
	}()
	stop()
	<-done

	assert.Equal(t, int64(20), srv.gate.Policy().Threshold)
	assert.Same(t, reloads[19], srv.config())
}

func TestServerHealthEndpoints(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Server.Address = freeAddr(t)
	cfg.Admin.Address = freeAddr(t)
	cfg.Throttle.Store = config.StoreBackendRedis
	cfg.Redis.Endpoints = []string{mr.Addr()}

	srv, err := New(cfg, testLogger(), "test")
	require.NoError(t, err)
	stop := runServer(t, srv)
	defer stop()

	client := &http.Client{Timeout: 2 * time.Second}
	admin := "http://" + cfg.Admin.Address

	for path, want := range map[string]string{
		"/startz":  "started",
		"/healthz": "alive",
		"/readyz":  "ready",
	} {
		resp, err := client.Get(admin + path)
		require.NoError(t, err)
		var body map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, want, body["status"], path)
	}

	t.Run("deep readiness reports each dependency", func(t *testing.T) {
		resp, err := client.Get(admin + "/readyz?deep=true")
		require.NoError(t, err)
		defer resp.Body.Close()

		var report struct {
			Status string            `json:"status"`
			Checks map[string]string `json:"checks"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
		assert.Equal(t, "ok", report.Checks["redis"])
		// The providers file does not exist in this config.
		assert.NotEqual(t, "ok", report.Checks["providers"])
		assert.Equal(t, "not_ready", report.Status)
	})

	t.Run("metrics are exposed", func(t *testing.T) {
		resp, err := client.Get(admin + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		body, _ := io.ReadAll(resp.Body)
		assert.Contains(t, string(body), "bypassgate_requests_admitted_total")
		assert.Contains(t, string(body), "go_goroutines")
	})
}

func TestServerBypassEndToEnd(t *testing.T) {
	var calls atomic.Int32
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, "https://final.example/"+r.URL.Query().Get("u"))
	}))
	defer provider.Close()

	cfg := testConfig(t)
	cfg.Server.Address = freeAddr(t)
	cfg.Admin.Address = freeAddr(t)
	cfg.Resolver.ProvidersFile = writeProviders(t, provider.URL)
	cfg.Throttle.Threshold = 2

	srv, err := New(cfg, testLogger(), "test")
	require.NoError(t, err)
	stop := runServer(t, srv)
	defer stop()

	client := &http.Client{Timeout: 5 * time.Second}
	q := url.Values{"key": {"tekscripts"}, "url": {"abc"}}
	target := "http://" + cfg.Server.Address + "/bypass?" + q.Encode()

	get := func() (int, string) {
		resp, err := client.Get(target)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	code, body := get()
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"result":"https://final.example/abc"}`, body)

	// Threshold 2: the third request starts the block and is still served.
	get()
	code, _ = get()
	assert.Equal(t, http.StatusOK, code)

	code, body = get()
	assert.Equal(t, http.StatusForbidden, code)
	assert.JSONEq(t, `{"message":"Blocked for 10 minutes"}`, body)
	assert.Equal(t, int32(3), calls.Load())
}

func TestServerLongProviderChainOutlastsWriteTimeout(t *testing.T) {
	hang := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer hang.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "valid-script-content")
	}))
	defer good.Close()

	// Three attempt timeouts alone exceed both server deadlines.
	cfg := testConfig(t)
	cfg.Server.Address = freeAddr(t)
	cfg.Admin.Address = freeAddr(t)
	cfg.Server.ReadTimeout = "1500ms"
	cfg.Server.WriteTimeout = "1500ms"
	cfg.Resolver.Timeout = "600ms"
	cfg.Resolver.ProvidersFile = writeProviders(t, hang.URL, hang.URL, hang.URL, good.URL)

	srv, err := New(cfg, testLogger(), "test")
	require.NoError(t, err)
	stop := runServer(t, srv)
	defer stop()

	client := &http.Client{Timeout: 10 * time.Second}
	q := url.Values{"key": {"tekscripts"}, "url": {"abc"}}
	resp, err := client.Get("http://" + cfg.Server.Address + "/bypass?" + q.Encode())
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"result":"valid-script-content"}`, string(body))
}

func TestServerTLSHTTP2(t *testing.T) {
	dir := t.TempDir()
	certFile := dir + "/tls.crt"
	keyFile := dir + "/tls.key"
	require.NoError(t, generateSelfSignedCert(certFile, keyFile))

	cfg := testConfig(t)
	cfg.Server.Address = freeAddr(t)
	cfg.Admin.Address = freeAddr(t)
	cfg.Server.TLS.Enabled = true
	cfg.Server.TLS.CertFile = certFile
	cfg.Server.TLS.KeyFile = keyFile

	srv, err := New(cfg, testLogger(), "test")
	require.NoError(t, err)
	stop := runServer(t, srv)
	defer stop()

	tr := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}
	require.NoError(t, http2.ConfigureTransport(tr))
	tlsClient := &http.Client{Timeout: 5 * time.Second, Transport: tr}

	resp, err := tlsClient.Get("https://" + cfg.Server.Address + "/bypass?key=wrong&url=x")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "HTTP/2.0", resp.Proto, "TLS connection must negotiate HTTP/2 via ALPN")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServerGRPCHealth(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Address = freeAddr(t)
	cfg.Admin.Address = freeAddr(t)
	cfg.Admin.GRPCHealthAddress = freeAddr(t)

	srv, err := New(cfg, testLogger(), "test")
	require.NoError(t, err)
	stop := runServer(t, srv)
	defer stop()

	conn, err := grpc.NewClient(cfg.Admin.GRPCHealthAddress,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: grpcServiceName})
		return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	}, 5*time.Second, 50*time.Millisecond)
}
