// Package main is the entry point for the telematics bridge. It loads
// configuration, assembles the dispatcher and middleware stack, starts the
// HTTP server, and handles graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/evbridge/telebridge/internal/admin"
	"github.com/evbridge/telebridge/internal/auth"
	"github.com/evbridge/telebridge/internal/circuitbreaker"
	"github.com/evbridge/telebridge/internal/config"
	"github.com/evbridge/telebridge/internal/dispatch"
	"github.com/evbridge/telebridge/internal/health"
	"github.com/evbridge/telebridge/internal/logging"
	"github.com/evbridge/telebridge/internal/metrics"
	"github.com/evbridge/telebridge/internal/middleware"
	"github.com/evbridge/telebridge/internal/ratelimit"
	"github.com/evbridge/telebridge/internal/retry"
	"github.com/evbridge/telebridge/internal/tlsutil"
	"github.com/evbridge/telebridge/internal/upstream"
)

// version is set at build time via -ldflags "-X main.version=...". It is
// also stamped into transformed telemetry payloads.
var version = "dev"

func main() {
	configPath := flag.String("config", "configs/bridge.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("telebridge %s\n", version)
		return
	}

	// Bootstrap logger for errors before the configured output is known.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logOut, closeLog, err := openLogOutput(cfg.Logging)
	if err != nil {
		logger.Error("failed to open log output", "error", err)
		os.Exit(1)
	}
	defer closeLog()
	logger = slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: slog.LevelInfo}))

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"version", version,
		"port", cfg.Server.Port,
		"upstreams", len(cfg.Upstreams),
		"routes", len(cfg.Routes),
		"auth_enabled", cfg.Auth.Enabled,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
		"trusted_proxies", len(cfg.Server.TrustedProxies),
		"max_body_bytes", cfg.Server.MaxBodyBytes,
	)

	// Initialize Prometheus metrics
	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	// Upstream clients and their circuit breakers
	upstreams, err := upstream.NewSet(cfg.Upstreams, logger)
	if err != nil {
		logger.Error("failed to create upstream clients", "error", err)
		os.Exit(1)
	}
	logger.Info("upstream clients ready", "upstreams", upstreams.Names())

	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		HalfOpenTrials:   cfg.Breaker.HalfOpenTrials,
	}, logger)

	verifier := auth.NewVerifier(cfg.Auth, logger)

	// Build the dispatcher
	dispatcher := dispatch.New(dispatch.Options{
		Routes:    cfg.Routes,
		Upstreams: upstreams,
		Breakers:  breakers,
		Policy: retry.Policy{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			BaseDelay:      cfg.Retry.BaseDelay,
			MaxDelay:       cfg.Retry.MaxDelay,
			Multiplier:     cfg.Retry.Multiplier,
			JitterFraction: cfg.Retry.JitterFraction,
		},
		Validator:      dispatch.SchemaValidator{},
		Auth:           dispatch.NewAuthenticator(verifier),
		Transformer:    dispatch.ABRPTransformer{Version: version},
		Sink:           metrics.Sink{},
		RequestTimeout: cfg.Server.RequestTimeout(),
		Logger:         logger,
	})

	// Build the rate limiter
	limiter := ratelimit.New(cfg.RateLimit, cfg.Routes, cfg.Server.TrustedProxies, logger)
	defer limiter.Stop()

	// Per-route access log level lookup
	routeLogLevel := func(path string) slog.Level {
		route, ok := dispatcher.MatchRoute(path)
		if !ok {
			return slog.LevelInfo
		}
		return middleware.ParseLogLevel(route.LogLevel)
	}
	var bodyLog *middleware.LoggingConfig
	if cfg.Logging.BodyLogging {
		bodyLog = &middleware.LoggingConfig{
			BodyLogging:     true,
			MaxBodyLogBytes: cfg.Logging.MaxBodyLogBytes,
		}
	}

	// Assemble middleware stack:
	// Recovery → RequestID → SecurityHeaders → Logging → CORS → BodyLimit → RateLimit → Dispatcher
	var handler http.Handler = dispatcher
	handler = limiter.Middleware()(handler)
	handler = middleware.BodyLimit(cfg.Server.MaxBodyBytes)(handler)
	handler = middleware.CORS(middleware.DefaultCORSConfig())(handler)
	handler = middleware.Logging(logger, routeLogLevel, bodyLog)(handler)
	handler = middleware.SecurityHeaders()(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	// Register health check, metrics, and admin routes on a separate mux,
	// then combine with the main handler
	mux := http.NewServeMux()
	healthHandler := health.New(cfg.Upstreams, breakers, logger)
	healthHandler.RegisterRoutes(mux)

	metricsPath := cfg.Metrics.Path
	if cfg.Metrics.IsEnabled() {
		mux.Handle(metricsPath, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", metricsPath)
	}

	// Initialize config reloader
	reloader := config.NewReloader(*configPath, cfg, logger)
	reloader.Start()
	defer reloader.Stop()

	// Register reload callbacks for components that support hot-reload
	reloader.OnReload(func(newCfg *config.Config) {
		limiter.UpdateConfig(newCfg.RateLimit, newCfg.Routes)
	})

	if cfg.Admin.Enabled {
		adminHandler := admin.New(reloader, limiter, breakers, cfg.Upstreams, cfg.Admin.IPAllowlist, logger)
		adminHandler.RegisterRoutes(mux)
		logger.Info("admin endpoints registered", "allowlist", cfg.Admin.IPAllowlist)
	}

	// Combine: health, metrics, and admin endpoints bypass the middleware stack
	combined := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/health") ||
			strings.HasPrefix(r.URL.Path, "/ready") ||
			(cfg.Admin.Enabled && strings.HasPrefix(r.URL.Path, "/admin/")) ||
			(cfg.Metrics.IsEnabled() && r.URL.Path == metricsPath) {
			mux.ServeHTTP(w, r)
			return
		}
		handler.ServeHTTP(w, r)
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      combined,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var certLoader *tlsutil.CertLoader
	if cfg.Server.TLS.Enabled {
		certLoader, err = tlsutil.New(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile, logger)
		if err != nil {
			logger.Error("failed to load TLS certificate", "error", err)
			os.Exit(1)
		}
		defer certLoader.Stop()

		srv.TLSConfig = &tls.Config{
			GetCertificate: certLoader.GetCertificate,
			MinVersion:     minTLSVersion(cfg.Server.TLS.MinVersion),
		}
	}

	// Start server in a goroutine
	go func() {
		var err error
		if cfg.Server.TLS.Enabled {
			logger.Info("starting bridge", "addr", srv.Addr, "tls", true)
			err = srv.ListenAndServeTLS("", "")
		} else {
			logger.Info("starting bridge", "addr", srv.Addr)
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("bridge stopped gracefully")
}

// openLogOutput resolves the configured log destination. File outputs get
// size-based rotation.
func openLogOutput(cfg config.LoggingConfig) (io.Writer, func(), error) {
	switch cfg.Output {
	case "", "stdout":
		return os.Stdout, func() {}, nil
	case "stderr":
		return os.Stderr, func() {}, nil
	}

	rw, err := logging.NewRotatingWriter(cfg.Output, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
	if err != nil {
		return nil, nil, err
	}
	return rw, func() { rw.Close() }, nil
}

func minTLSVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}
