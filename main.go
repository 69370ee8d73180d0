package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"rategate/internal/common/logging"
	"rategate/internal/config"
	"rategate/internal/keygen"
	"rategate/internal/limiter"
	"rategate/internal/metrics"
	"rategate/internal/middleware"
	"rategate/internal/server"
	"rategate/internal/store"
	"rategate/internal/store/breaker"
	"rategate/internal/store/memory"
	"rategate/internal/store/postgres"
	"rategate/internal/store/redis"
	"rategate/internal/strategy"
)

func main() {
	_ = godotenv.Load()
	runtime.GOMAXPROCS(runtime.NumCPU())

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := logging.NewZapLogger(logging.LogConfig{Level: logging.ParseLevel(cfg.LogLevel)})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logging.SetGlobalLogger(logger)

	st, cleanup, err := buildStore(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer cleanup()

	if cfg.BreakerEnabled {
		maxFailures, _ := strconv.Atoi(cfg.BreakerMaxFailures)
		timeout, _ := time.ParseDuration(cfg.BreakerTimeout)
		st, err = breaker.Wrap(st, breaker.Config{
			MaxFailures:           maxFailures,
			Timeout:               timeout,
			MaxConcurrentRequests: 1,
		}, logger)
		if err != nil {
			log.Fatalf("Failed to initialize circuit breaker: %v", err)
		}
	}

	strat, err := buildStrategy(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize strategy: %v", err)
	}

	policy := limiter.FailClosed
	if cfg.FailurePolicy == "open" {
		policy = limiter.FailOpen
	}

	lim, err := limiter.New(st, keyGenerator(cfg.KeySource), strat,
		limiter.WithFailurePolicy(policy),
		limiter.WithRecorder(metrics.NewPrometheus(prometheus.DefaultRegisterer)),
		limiter.WithLogger(logger),
	)
	if err != nil {
		log.Fatalf("Failed to initialize limiter: %v", err)
	}

	router := mux.NewRouter()
	router.Use(middleware.Logging)
	server.SetupRoutes(router, server.NewHandlers(lim, logger))

	srv := server.New(router, cfg.Port, "", "")
	errCh := srv.Start()
	logger.Info("rategate started",
		logging.String("port", cfg.Port),
		logging.String("store", cfg.StoreType),
		logging.String("strategy", strat.Name()),
		logging.String("failure_policy", policy.String()))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	case <-quit:
	}

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	logger.Info("server exited")
}

// buildStore constructs the configured backend. The cleanup function closes
// connections or stops background sweepers.
func buildStore(cfg *config.Config) (store.Store, func(), error) {
	switch cfg.StoreType {
	case "redis":
		db, _ := strconv.Atoi(cfg.RedisDB)
		poolSize, _ := strconv.Atoi(cfg.RedisPoolSize)
		st, err := redis.New(&redis.Config{
			Address:   cfg.RedisAddress,
			Password:  cfg.RedisPassword,
			DB:        db,
			PoolSize:  poolSize,
			KeyPrefix: cfg.RedisKeyPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil

	case "postgres", "postgresql":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		st, err := postgres.New(ctx, &postgres.Config{
			Host:     cfg.PostgresHost,
			Port:     cfg.PostgresPort,
			Database: cfg.PostgresDB,
			User:     cfg.PostgresUser,
			Password: cfg.PostgresPassword,
			SSLMode:  cfg.PostgresSSLMode,
		})
		if err != nil {
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil

	default:
		st := memory.New()
		st.StartJanitor(time.Minute)
		return st, func() { st.Stop() }, nil
	}
}

func buildStrategy(cfg *config.Config) (strategy.Strategy, error) {
	kind := strategy.Kind(cfg.Strategy)
	var sc strategy.Config
	if kind == strategy.KindTokenBucket {
		sc.Capacity, _ = strconv.ParseFloat(cfg.BucketCapacity, 64)
		sc.RefillRate, _ = strconv.ParseFloat(cfg.RefillRate, 64)
	} else {
		limit, _ := strconv.Atoi(cfg.RateLimit)
		window, _ := time.ParseDuration(cfg.RateWindow)
		sc.Limit = uint64(limit)
		sc.Window = window
	}
	return strategy.New(kind, sc)
}

func keyGenerator(source string) keygen.Generator {
	switch source {
	case "user":
		return keygen.User{}
	case "api_key":
		return keygen.APIKey{}
	default:
		return keygen.IP{}
	}
}
