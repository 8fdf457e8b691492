package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/0xReLogic/Cigano/internal/api"
	"github.com/0xReLogic/Cigano/internal/circuitbreaker"
	"github.com/0xReLogic/Cigano/internal/config"
	"github.com/0xReLogic/Cigano/internal/gemini"
	"github.com/0xReLogic/Cigano/internal/logging"
	"github.com/0xReLogic/Cigano/internal/metrics"
	"github.com/0xReLogic/Cigano/internal/ratelimiter"
	"github.com/0xReLogic/Cigano/internal/reading"
	"github.com/0xReLogic/Cigano/internal/server"
)

var errBind = errors.New("bind failed")

// runServer binds the listener, serves until ctx is cancelled or a signal
// arrives, then shuts down gracefully.
func runServer(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := server.Listen(ctx, server.ListenOptions{
		Host:       cfg.Server.Host,
		Preferred:  cfg.Server.Port,
		Candidates: cfg.Server.FallbackPorts,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", errBind, err)
	}

	mc := metrics.NewMetricsCollector()
	limiter := ratelimiter.NewSlidingWindowRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimitWindow())
	defer limiter.Stop()

	handler := buildHandler(cfg, mc, limiter, res.Port)
	srv := createHTTPServer(cfg, handler)
	logStartupInfo(cfg, res)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(res.Listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownGracefully(srv, time.Duration(cfg.Server.Timeouts.Shutdown)*time.Second)
		return nil
	})

	return g.Wait()
}

// buildHandler wires the interpretation pipeline behind the HTTP surface
func buildHandler(cfg *config.Config, mc *metrics.MetricsCollector, limiter ratelimiter.RateLimiter, port int) http.Handler {
	opts := []gemini.Option{gemini.WithRecorder(mc)}
	if cfg.CircuitBreaker.Enabled {
		opts = append(opts, gemini.WithCircuitBreaker(newCircuitBreaker(cfg.CircuitBreaker, mc)))
	}
	client := gemini.NewClient(cfg.Gemini, opts...)
	svc := reading.NewService(client, cfg.RequestDelay())

	return api.NewHandler(api.Deps{
		Config:  cfg,
		Service: svc,
		Limiter: limiter,
		Metrics: mc,
		Port:    func() int { return port },
	})
}

func newCircuitBreaker(cfg config.CircuitBreakerConfig, mc *metrics.MetricsCollector) *circuitbreaker.CircuitBreaker {
	return circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:             "gemini",
		FailureThreshold: uint32(cfg.FailureThreshold),
		Timeout:          time.Duration(cfg.TimeoutSeconds) * time.Second,
		MaxRequests:      1,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			logging.L().Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
			mc.UpdateCircuitBreakerState(name, int(to))
		},
	})
}

// createHTTPServer creates and configures the main HTTP server
func createHTTPServer(cfg *config.Config, handler http.Handler) *http.Server {
	// Apply timeout configurations with smart defaults
	readTimeout := time.Duration(cfg.Server.Timeouts.Read) * time.Second
	if readTimeout == 0 {
		readTimeout = 15 * time.Second
	}
	writeTimeout := time.Duration(cfg.Server.Timeouts.Write) * time.Second
	if writeTimeout == 0 {
		// must outlive the upstream call plus the post-success delay
		writeTimeout = cfg.GeminiTimeout() + cfg.RequestDelay() + 15*time.Second
	}
	idleTimeout := time.Duration(cfg.Server.Timeouts.Idle) * time.Second
	if idleTimeout == 0 {
		idleTimeout = 60 * time.Second
	}

	return &http.Server{
		Handler:           handler,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}
}

// logStartupInfo logs server startup information
func logStartupInfo(cfg *config.Config, res server.Result) {
	logger := logging.L()

	if res.FellBack() {
		logger.Warn().Int("requested_port", res.Requested).Int("port", res.Port).Ints("attempts", res.Attempts).
			Msg("preferred port busy, using fallback")
	}
	logger.Info().
		Int("port", res.Port).
		Str("environment", cfg.Environment).
		Str("url", fmt.Sprintf("http://localhost:%d/api/status", res.Port)).
		Msg("cigano api listening")
	logger.Info().
		Str("model", cfg.Gemini.Model).
		Int("max_tokens", cfg.Gemini.MaxTokens).
		Float64("temperature", cfg.Gemini.Temperature).
		Bool("api_key_configured", cfg.Gemini.APIKey != "").
		Msg("gemini configuration")
	logger.Info().
		Int("requests_per_minute", cfg.RateLimit.RequestsPerMinute).
		Dur("request_delay", cfg.RequestDelay()).
		Msg("throttling configured")

	if cfg.Gemini.APIKey == "" {
		logger.Warn().Msg("GEMINI_API_KEY not set, interpretation requests will fail")
	}
	if cfg.Metrics.Enabled {
		logger.Info().Str("path", cfg.Metrics.Path).Msg("metrics endpoint enabled")
	}
}

// shutdownGracefully drains in-flight requests, then forces the server closed
func shutdownGracefully(srv *http.Server, shutdownTimeout time.Duration) {
	logger := logging.L()
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	logger.Info().Dur("timeout", shutdownTimeout).Msg("shutting down server gracefully")

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("error during server shutdown")
		if closeErr := srv.Close(); closeErr != nil {
			logger.Error().Err(closeErr).Msg("error closing server")
		}
	}

	logger.Info().Msg("server shutdown complete")
}
