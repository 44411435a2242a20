package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/aidispatch/internal/config"
	"github.com/l0p7/aidispatch/internal/logging"
	"github.com/l0p7/aidispatch/internal/metrics"
	"github.com/l0p7/aidispatch/internal/runtime"
	"github.com/l0p7/aidispatch/internal/runtime/cache"
	"github.com/l0p7/aidispatch/internal/runtime/registry"
	"github.com/l0p7/aidispatch/internal/runtime/usage"
	"github.com/l0p7/aidispatch/internal/server"
)

const shutdownTimeout = 10 * time.Second

type configLoader interface {
	Load(context.Context) (config.Config, error)
}

type runnableServer interface {
	Run(context.Context) error
}

type providersWatcher interface {
	Stop()
}

var (
	newConfigLoader = func(envPrefix, configFile string) configLoader {
		return config.NewLoader(envPrefix, configFile)
	}
	newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		return server.New(cfg, logger, handler)
	}
	watchProviders = func(ctx context.Context, path string, onChange func([]registry.Update), onError func(error)) (providersWatcher, error) {
		return config.WatchProviders(ctx, path, onChange, onError)
	}
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "AIDISPATCH", "environment variable prefix")
		envFile    = flag.String("env-file", ".env", "dotenv file loaded before configuration; ignored when missing")
	)
	flag.Parse()

	loadEnvFile(*envFile)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadEnvFile(path string) {
	if strings.TrimSpace(path) == "" {
		return
	}
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := godotenv.Load(path); err != nil {
		log.Printf("env file %s not loaded: %v", path, err)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	cfg, err := newConfigLoader(envPrefix, configFile).Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	store := buildCacheStore(logger.With(slog.String("agent", "cache_factory")), cfg.Cache)
	sink, err := usage.OpenSink(ctx, cfg.Usage.Store, cfg.Usage.DSN)
	if err != nil {
		_ = store.Close(context.WithoutCancel(ctx))
		return fmt.Errorf("open usage store: %w", err)
	}

	orchestrator, err := runtime.NewFromConfig(logger, cfg, runtime.Dependencies{
		Store:      store,
		Sink:       sink,
		HTTPClient: &http.Client{},
		Metrics:    metricsRecorder,
	})
	if err != nil {
		_ = store.Close(context.WithoutCancel(ctx))
		_ = sink.Close()
		return fmt.Errorf("build orchestrator: %w", err)
	}
	if err := orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := orchestrator.Shutdown(shutdownCtx); err != nil {
			logger.Error("orchestrator shutdown failed", slog.Any("error", err))
		}
	}()

	if path := strings.TrimSpace(cfg.Routing.ProvidersFile); path != "" {
		watcher, err := watchProviders(ctx, path, orchestrator.ApplyProviderUpdates, func(err error) {
			if err != nil {
				logger.Error("providers watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("providers watcher setup failed", slog.String("path", path), slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	handler, err := server.NewHandler(server.HandlerOptions{
		Orchestrator:      orchestrator,
		Logger:            logger,
		Metrics:           metricsRecorder.Handler(),
		AllowedOrigins:    cfg.Server.CORS.AllowedOrigins,
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
		HandleRetention:   cfg.Server.HandleRetention,
	})
	if err != nil {
		return fmt.Errorf("build handler: %w", err)
	}

	srv, err := newHTTPServer(cfg, logger, handler)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server terminated unexpectedly: %w", err)
	}

	logger.Info("server shutdown complete")
	return nil
}

func buildCacheStore(logger *slog.Logger, cfg config.CacheConfig) cache.Store {
	memory := func() cache.Store {
		return cache.NewMemory(cache.MemoryOptions{Capacity: cfg.Capacity})
	}
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		logger.Info("using memory response cache", slog.Int("capacity", cfg.Capacity), slog.Duration("ttl", cfg.TTL))
		return memory()
	case "redis":
		redisStore, err := cache.NewRedis(cache.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			logger.Error("redis cache initialization failed", slog.Any("error", err))
			logger.Info("falling back to memory cache")
			return memory()
		}
		logger.Info("using redis response cache", slog.String("address", cfg.Redis.Address))
		return redisStore
	default:
		logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		return memory()
	}
}
