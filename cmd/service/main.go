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

	"go.uber.org/zap"

	"github.com/kjstillabower/air-advisory-service/internal/advisory"
	"github.com/kjstillabower/air-advisory-service/internal/cache"
	"github.com/kjstillabower/air-advisory-service/internal/circuitbreaker"
	"github.com/kjstillabower/air-advisory-service/internal/client"
	"github.com/kjstillabower/air-advisory-service/internal/config"
	"github.com/kjstillabower/air-advisory-service/internal/geo"
	httphandler "github.com/kjstillabower/air-advisory-service/internal/http"
	"github.com/kjstillabower/air-advisory-service/internal/lifecycle"
	"github.com/kjstillabower/air-advisory-service/internal/observability"
	"github.com/kjstillabower/air-advisory-service/internal/prefetch"
	"github.com/kjstillabower/air-advisory-service/internal/service"
)

const kmaComponent = "kma_api"

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	resolver, err := newResolver(cfg)
	if err != nil {
		logger.Fatal("station table", zap.Error(err))
	}
	logger.Info("station table loaded", zap.Int("stations", len(resolver.Stations())))

	kmaClient, err := client.NewKMAClientWithRetry(
		cfg.KMAKey,
		cfg.KMAURL,
		cfg.KMATimeout,
		cfg.RetryAttempts,
		cfg.RetryBaseDelay,
		cfg.RetryMaxDelay,
	)
	if err != nil {
		logger.Fatal("kma client", zap.Error(err))
	}

	var breaker *circuitbreaker.CircuitBreaker
	if cfg.CircuitBreakerEnabled {
		breaker = circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
			Component:        kmaComponent,
			IsFailure:        countsAgainstBreaker,
			OnStateChange: func(from, to circuitbreaker.State) {
				logger.Warn("circuit breaker transition",
					zap.String("component", kmaComponent),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
				observability.RecordCircuitBreakerTransition(kmaComponent, from.String(), to.String(), float64(to))
			},
		})
		kmaClient.SetCircuitBreaker(breaker)
		observability.CircuitBreakerState.WithLabelValues(kmaComponent).Set(float64(circuitbreaker.StateClosed))
		logger.Info("circuit breaker enabled",
			zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold),
			zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	generator, err := newGenerator(cfg, logger)
	if err != nil {
		logger.Fatal("advisory generator", zap.Error(err))
	}

	store, err := cache.NewBackend(cache.BackendOptions{
		Backend:       cfg.StoreBackend,
		MongoURI:      cfg.MongoURI,
		MongoDatabase: cfg.MongoDatabase,
		Redis: cache.RedisOptions{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		},
		MemcachedAddrs:        cfg.MemcachedAddrs,
		MemcachedTimeout:      cfg.MemcachedTimeout,
		MemcachedMaxIdleConns: cfg.MemcachedMaxIdleConns,
	})
	if err != nil {
		logger.Fatal("store", zap.Error(err))
	}
	logger.Info("store backend", zap.String("backend", cfg.StoreBackend))

	var hooks lifecycle.Hooks
	hooks.Register("store", store.Close)

	records := cache.New(store, logger)
	advisor := service.NewAdvisoryService(resolver, kmaClient, generator, records, cfg.CoalesceEnabled, logger)
	sweeper := prefetch.NewSweeper(advisor, generator, records, nil, logger)

	observability.RegisterRateLimitGauges(cfg.HealthWindow)
	if len(cfg.TrackedStations) > 0 {
		observability.SetTrackedStations(cfg.TrackedStations)
	}

	if cfg.PrefetchOnStartup {
		prefetchCtx, prefetchCancel := context.WithTimeout(context.Background(), cfg.PrefetchTimeout)
		summary, err := sweeper.Run(prefetchCtx)
		prefetchCancel()
		if err != nil {
			logger.Warn("startup prefetch interrupted", zap.Error(err))
		}
		logger.Info("startup prefetch finished",
			zap.Int("succeeded", len(summary.Succeeded)),
			zap.Int("failed", len(summary.Failed)))
	}

	healthConfig := &httphandler.HealthConfig{
		Window:        cfg.HealthWindow,
		ErrorRatioPct: cfg.HealthErrorRatioPct,
		StorePing:     store.Ping,
		Breaker:       breaker,
	}
	handler := httphandler.NewHandler(advisor, sweeper, healthConfig, cfg.PrefetchTimeout, logger)
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		RequestTimeout: cfg.RequestTimeout,
		Limiters:       httphandler.NewRouteLimiters(cfg.RateLimitRPS, cfg.RateLimitBurst),
		CORSOrigins:    cfg.CORSOrigins,
	}, logger)

	// Prefetch responds only after the sweep, so writes may take up to its timeout.
	writeTimeout := cfg.RequestTimeout + 5*time.Second
	if cfg.PrefetchTimeout+5*time.Second > writeTimeout {
		writeTimeout = cfg.PrefetchTimeout + 5*time.Second
	}
	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: writeTimeout,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	observability.RecordShutdownInFlight(inFlight)
	if err := httphandler.WaitForInFlight(shutdownCtx, 50*time.Millisecond); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	_ = hooks.Run(context.Background(), func(name string, err error) {
		logger.Error("shutdown hook failed", zap.String("hook", name), zap.Error(err))
	})
	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// newResolver loads the station table from cfg.StationsFile, or the embedded table.
func newResolver(cfg *config.Config) (*geo.Resolver, error) {
	if cfg.StationsFile != "" {
		return geo.LoadResolver(cfg.StationsFile)
	}
	return geo.DefaultResolver()
}

// newGenerator returns the OpenAI generator, or the static one in testing mode when no
// key is configured.
func newGenerator(cfg *config.Config, logger *zap.Logger) (advisory.Generator, error) {
	if cfg.TestingMode && cfg.OpenAIKey == "" {
		logger.Warn("testing mode without OPENAI_KEY; serving fallback advisories")
		return advisory.StaticGenerator{}, nil
	}
	g, err := advisory.NewOpenAIGenerator(advisory.Config{
		APIKey:  cfg.OpenAIKey,
		BaseURL: cfg.OpenAIURL,
		Model:   cfg.OpenAIModel,
		Timeout: cfg.OpenAITimeout,
	}, logger)
	if err != nil {
		return nil, err
	}
	return g, nil
}

// countsAgainstBreaker reports whether err counts as a KMA failure. Client errors and
// cancellations do not.
func countsAgainstBreaker(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return !client.IsClientError(err)
}
