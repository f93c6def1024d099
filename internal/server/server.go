// Package server wires bypassgate together and runs its listeners. The main
// server serves the gateway; the admin server exposes health checks,
// readiness probes, and Prometheus metrics.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/tekscripts/bypassgate/internal/config"
	"github.com/tekscripts/bypassgate/internal/gateway"
	"github.com/tekscripts/bypassgate/internal/observability"
	iredis "github.com/tekscripts/bypassgate/internal/redis"
	"github.com/tekscripts/bypassgate/internal/resolve"
	"github.com/tekscripts/bypassgate/internal/throttle"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Server is the bypassgate process.
type Server struct {
	cfg             atomic.Pointer[config.Config]
	logger          *slog.Logger
	version         string
	mainServer      *http.Server
	http3Server     *http3.Server // nil when HTTP/3 is disabled.
	adminServer     *http.Server
	grpcHealth      *grpcHealth // nil when admin.grpc_health_address is empty.
	gateway         *gateway.Gateway
	bypass          *gateway.BypassHandler
	gate            *throttle.Gate
	resolver        *resolve.Resolver
	health          *observability.HealthChecker
	metrics         *observability.Metrics
	tracingShutdown func(context.Context) error
	certs           atomic.Pointer[certHolder] // set once TLS is serving; supports hot-reload.
}

// New builds every component from cfg. It fails when the Redis store is
// selected but Redis cannot be reached.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	store, err := buildStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	if pinger, ok := store.(observability.Pinger); ok {
		health.SetCheck("redis", pinger)
	}

	keys, err := throttle.NewKeyStrategy(cfg.Throttle.KeyStrategy)
	if err != nil {
		return nil, fmt.Errorf("create key strategy: %w", err)
	}
	gate := throttle.NewGate(store, throttle.PolicyFromConfig(cfg.Throttle), metrics, logger)

	resolver := resolve.New(resolve.Options{
		Timeout:      config.MustParseDuration(cfg.Resolver.Timeout, 60*time.Second),
		MaxBodyBytes: cfg.Resolver.MaxBodyBytes,
		UserAgent:    cfg.Resolver.UserAgent,
		ProviderRPS:  cfg.Resolver.ProviderRPS,
		Validator:    resolve.NewKeywordValidator(cfg.Resolver.ErrorKeywords, cfg.Resolver.MatchMode),
		Metrics:      metrics,
		Logger:       logger,
	})
	source := resolve.NewFileSource(cfg.Resolver.ProvidersFile)
	health.SetCheck("providers", source)

	gw := gateway.New(gate, keys, metrics, logger, gateway.WithCORSOrigin(cfg.Server.CORSAllowOrigin))
	bypass := gateway.NewBypassHandler(resolver, source, cfg.Resolver.APIKey.Value(), logger)
	gw.Handle("GET /bypass", bypass)

	mainServer, h3srv := buildMainServer(cfg, gw, logger)
	adminServer := buildAdminServer(cfg, health, reg, logger)

	s := &Server{
		logger:      logger,
		version:     version,
		mainServer:  mainServer,
		http3Server: h3srv,
		adminServer: adminServer,
		gateway:     gw,
		bypass:      bypass,
		gate:        gate,
		resolver:    resolver,
		health:      health,
		metrics:     metrics,
	}
	s.cfg.Store(cfg)
	if cfg.Admin.GRPCHealthAddress != "" {
		s.grpcHealth = newGRPCHealth(cfg.Admin.GRPCHealthAddress, health, logger)
	}
	return s, nil
}

func buildStore(cfg *config.Config, logger *slog.Logger) (throttle.ActivityStore, error) {
	if cfg.Throttle.Store != config.StoreBackendRedis {
		return nil, nil
	}
	iredis.WarnInsecureRedis(cfg.Redis.TLS, logger)
	client, err := iredis.NewClient(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("connect activity store redis: %w", err)
	}
	return throttle.NewRedisStore(client, cfg.Throttle.KeyPrefix, logger), nil
}

func buildMainServer(cfg *config.Config, handler http.Handler, logger *slog.Logger) (*http.Server, *http3.Server) {
	readTimeout, _ := config.ParseDuration(cfg.Server.ReadTimeout, 30*time.Second)
	writeTimeout, _ := config.ParseDuration(cfg.Server.WriteTimeout, 150*time.Second)
	idleTimeout, _ := config.ParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	mainHandler := h2c.NewHandler(handler, &http2.Server{})

	var h3srv *http3.Server
	if cfg.Server.TLS.HTTP3Enabled {
		h3srv = &http3.Server{
			Addr:           cfg.Server.Address,
			Handler:        handler,
			MaxHeaderBytes: 1 << 20,
			IdleTimeout:    idleTimeout,
			QUICConfig: &quic.Config{
				MaxIdleTimeout: idleTimeout,
				Allow0RTT:      false,
			},
		}

		tcpHandler := mainHandler
		mainHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ProtoMajor < 3 {
				if setErr := h3srv.SetQUICHeaders(w.Header()); setErr != nil {
					logger.Debug("failed to set Alt-Svc header", "error", setErr)
				}
			}
			tcpHandler.ServeHTTP(w, r)
		})
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           mainHandler,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	return srv, h3srv
}

func buildAdminServer(cfg *config.Config, health *observability.HealthChecker, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	adminReadTimeout, _ := config.ParseDuration(cfg.Admin.ReadTimeout, 5*time.Second)
	adminWriteTimeout, _ := config.ParseDuration(cfg.Admin.WriteTimeout, 10*time.Second)
	adminIdleTimeout, _ := config.ParseDuration(cfg.Admin.IdleTimeout, 30*time.Second)

	adminMux := http.NewServeMux()
	adminMux.Handle("/startz", health.StartzHandler())
	adminMux.Handle("/healthz", health.HealthzHandler())
	adminMux.Handle("/readyz", health.ReadyzHandler())
	adminMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           adminMux,
		ReadTimeout:       adminReadTimeout,
		WriteTimeout:      adminWriteTimeout,
		IdleTimeout:       adminIdleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
}

// certHolder provides atomic TLS certificate hot-reload via GetCertificate.
type certHolder struct {
	cert atomic.Pointer[tls.Certificate]
}

func newCertHolder(certFile, keyFile string) (*certHolder, error) {
	ch := &certHolder{}
	if err := ch.Reload(certFile, keyFile); err != nil {
		return nil, err
	}
	return ch, nil
}

// Reload loads a new certificate from disk and atomically swaps it.
func (ch *certHolder) Reload(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("load TLS certificate: %w", err)
	}
	ch.cert.Store(&cert)
	return nil
}

// GetCertificate implements the tls.Config.GetCertificate callback.
func (ch *certHolder) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return ch.cert.Load(), nil
}

// tlsMinVersion returns the tls.Config MinVersion from config, defaulting to TLS 1.2.
func tlsMinVersion(cfg *config.Config) uint16 {
	if cfg.Server.TLS.MinVersion == config.TLSVersion13 {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// config returns the active configuration. Reload swaps it from the
// watcher goroutine.
func (s *Server) config() *config.Config {
	return s.cfg.Load()
}

// Handler returns the gateway handler (without the h2c wrapper).
func (s *Server) Handler() http.Handler {
	return s.gateway
}

// Run starts every listener and blocks until ctx is canceled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	tracingShutdown, err := observability.InitTracing(ctx, s.config().Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(_ context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	errCh := make(chan error, 4)

	// Closed once the main listener is bound, so readiness is never
	// reported before connections can be accepted.
	readyCh := make(chan struct{})

	go s.startAdminServer(errCh)
	go s.startMainServerWithReady(errCh, readyCh)

	if s.http3Server != nil {
		go s.startHTTP3Server(errCh)
	}
	if s.grpcHealth != nil {
		go func() {
			if gerr := s.grpcHealth.Serve(); gerr != nil {
				errCh <- gerr
			}
		}()
	}

	s.health.SetStarted()

	select {
	case <-readyCh:
		s.health.SetReady()
		s.logger.Info("bypassgate is ready", "version", s.version)
	case srvErr := <-errCh:
		return srvErr
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining...")
	case srvErr := <-errCh:
		return srvErr
	}

	return s.shutdown()
}

func (s *Server) startAdminServer(errCh chan<- error) {
	s.logger.Info("admin server starting", "address", s.config().Admin.Address)
	if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("admin server: %w", err)
	}
}

func (s *Server) startMainServerWithReady(errCh chan<- error, readyCh chan struct{}) {
	cfg := s.config()
	s.logger.Info("gateway server starting",
		"address", cfg.Server.Address,
		"providers_file", cfg.Resolver.ProvidersFile,
		"store", cfg.Throttle.Store,
		"tls", cfg.Server.TLS.Enabled,
		"http3", cfg.Server.TLS.HTTP3Enabled)

	ln, listenErr := net.Listen("tcp", cfg.Server.Address)
	if listenErr != nil {
		errCh <- fmt.Errorf("gateway server listen: %w", listenErr)
		return
	}

	var err error
	if cfg.Server.TLS.Enabled {
		ch, certErr := newCertHolder(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		if certErr != nil {
			_ = ln.Close()
			errCh <- certErr
			return
		}
		s.certs.Store(ch)

		tlsCfg := &tls.Config{
			MinVersion:     max(tlsMinVersion(cfg), tls.VersionTLS12),
			GetCertificate: ch.GetCertificate,
		}
		s.mainServer.TLSConfig = tlsCfg
		if s.http3Server != nil {
			s.http3Server.TLSConfig = tlsCfg
		}

		close(readyCh)
		err = s.mainServer.Serve(tls.NewListener(ln, tlsCfg))
	} else {
		close(readyCh)
		err = s.mainServer.Serve(ln)
	}

	if err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("gateway server: %w", err)
	}
}

func (s *Server) startHTTP3Server(errCh chan<- error) {
	cfg := s.config()
	s.logger.Info("HTTP/3 (QUIC) server starting", "address", cfg.Server.Address)
	err := s.http3Server.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
	if err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("HTTP/3 server: %w", err)
	}
}

// Reload applies a new config: throttle policy, key strategy, CORS origin,
// validator, provider budget, providers file, API key and TLS certificates.
// Fields that need a restart are logged and left as they were.
func (s *Server) Reload(newCfg *config.Config) error {
	old := s.config()
	if fields := newCfg.RequiresRestart(old); len(fields) > 0 {
		s.logger.Warn("config changes require a restart and were not applied", "fields", fields)
	}

	keys, err := throttle.NewKeyStrategy(newCfg.Throttle.KeyStrategy)
	if err != nil {
		return fmt.Errorf("reload key strategy: %w", err)
	}

	s.gate.SetPolicy(throttle.PolicyFromConfig(newCfg.Throttle))
	s.gateway.SetKeyStrategy(keys)
	s.gateway.SetCORSOrigin(newCfg.Server.CORSAllowOrigin)
	s.resolver.SetValidator(resolve.NewKeywordValidator(newCfg.Resolver.ErrorKeywords, newCfg.Resolver.MatchMode))
	s.resolver.SetProviderRPS(newCfg.Resolver.ProviderRPS)
	s.bypass.SetAPIKey(newCfg.Resolver.APIKey.Value())

	if newCfg.Resolver.ProvidersFile != old.Resolver.ProvidersFile {
		src := resolve.NewFileSource(newCfg.Resolver.ProvidersFile)
		s.bypass.SetSource(src)
		s.health.SetCheck("providers", src)
		s.logger.Info("providers file changed", "path", newCfg.Resolver.ProvidersFile)
	}

	if certs := s.certs.Load(); certs != nil && newCfg.Server.TLS.CertFile != "" && newCfg.Server.TLS.KeyFile != "" {
		if err := certs.Reload(newCfg.Server.TLS.CertFile, newCfg.Server.TLS.KeyFile); err != nil {
			s.logger.Error("TLS certificate reload failed, keeping old certificate", "error", err)
		} else {
			s.logger.Info("TLS certificates reloaded")
		}
	}

	s.cfg.Store(newCfg)
	return nil
}

func (s *Server) shutdown() error {
	s.health.SetNotReady()

	drainTimeout, _ := config.ParseDuration(s.config().Server.DrainTimeout, 30*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if s.http3Server != nil {
		if err := s.http3Server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP/3 server shutdown error", "error", err)
		}
	}

	if err := s.mainServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("gateway server shutdown error", "error", err)
	}

	if err := s.adminServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("admin server shutdown error", "error", err)
	}

	if s.grpcHealth != nil {
		s.grpcHealth.Stop()
	}

	if err := s.gate.Close(); err != nil {
		s.logger.Error("activity store close error", "error", err)
	}

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(shutdownCtx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}
