package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crestdesk/notify/internal/cache"
	"github.com/crestdesk/notify/internal/notify"
	"github.com/crestdesk/notify/internal/preferences"
	"github.com/crestdesk/notify/internal/realtime"
	"github.com/crestdesk/notify/internal/recovery"
	"github.com/crestdesk/notify/pkg/config"
	"github.com/crestdesk/notify/pkg/db"
	"github.com/crestdesk/notify/pkg/logger"
	"github.com/crestdesk/notify/pkg/metrics"
	"github.com/crestdesk/notify/pkg/db/models"
	"github.com/crestdesk/notify/pkg/migrate"
	redispkg "github.com/crestdesk/notify/pkg/redis"
)

const serviceName = "notifyd"

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logg := logger.New(logger.Options{
		ServiceName: serviceName,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx := logg.WithField(context.Background(), "env", cfg.App.Env)
	logg.Info(ctx, "starting notification daemon")

	if err := run(ctx, cfg, logg); err != nil {
		logg.Error(ctx, "daemon exited with error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logg *logger.Logger) error {
	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return err
	}

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		return err
	}

	redisClient, err := redispkg.New(ctx, cfg.Redis, logg)
	if err != nil {
		_ = dbClient.Close()
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	notifyMetrics := metrics.NewNotifyMetrics(registry)

	service, err := buildService(cfg, logg, notifyMetrics, dbClient, redisClient)
	if err != nil {
		_ = redisClient.Close()
		_ = dbClient.Close()
		return err
	}

	server := &http.Server{
		Addr:    ":" + cfg.App.MetricsPort,
		Handler: buildMux(registry, dbClient, redisClient),
	}

	errCh := make(chan error, 1)
	go func() {
		logCtx := logg.WithField(ctx, "addr", server.Addr)
		logg.Info(logCtx, "serving metrics and health endpoints")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logCtx := logg.WithField(ctx, "signal", sig.String())
		logg.Info(logCtx, "shutdown signal received")
	case err := <-errCh:
		logg.Error(ctx, "metrics server failed", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_ = server.Shutdown(shutdownCtx)
	if err := service.Cleanup(shutdownCtx); err != nil {
		logg.Error(ctx, "cleanup finished with errors", err)
		return err
	}

	logg.Info(ctx, "shutdown complete")
	return nil
}

func buildService(
	cfg *config.Config,
	logg *logger.Logger,
	notifyMetrics *metrics.NotifyMetrics,
	dbClient *db.Client,
	redisClient *redispkg.Client,
) (*notify.Service, error) {
	stream, err := realtime.NewRedisStream(redisClient)
	if err != nil {
		return nil, err
	}

	readCache, err := cache.New[any](cache.Params{
		Name:          "notifications",
		Capacity:      cfg.Cache.Capacity,
		SweepInterval: cfg.Cache.SweepInterval,
		Metrics:       notifyMetrics,
	})
	if err != nil {
		return nil, err
	}

	prefCache, err := cache.New[models.NotificationPreference](cache.Params{
		Name:          "preferences",
		Capacity:      cfg.Cache.Capacity,
		SweepInterval: cfg.Cache.SweepInterval,
		Metrics:       notifyMetrics,
	})
	if err != nil {
		return nil, err
	}

	engine, err := recovery.NewEngine(recovery.Params{
		Logger:      logg,
		Metrics:     notifyMetrics,
		LogCapacity: cfg.Recovery.LogCapacity,
		RetryWindow: cfg.Recovery.RetryWindow,
		Probe: func(ctx context.Context) bool {
			return redisClient.Ping(ctx) == nil
		},
	})
	if err != nil {
		return nil, err
	}

	prefs, err := preferences.NewStore(preferences.Params{
		Logger:   logg,
		Repo:     preferences.NewRepository(dbClient.DB()),
		Cache:    prefCache,
		Recovery: engine,
		CacheTTL: cfg.Preferences.CacheTTL,
	})
	if err != nil {
		return nil, err
	}

	manager, err := realtime.NewManager(realtime.Params{
		Logger:               logg,
		Metrics:              notifyMetrics,
		Stream:               stream,
		BackoffBase:          cfg.Realtime.BackoffBase,
		BackoffMax:           cfg.Realtime.BackoffMax,
		MaxReconnectAttempts: cfg.Realtime.MaxReconnectAttempts,
		HeartbeatInterval:    cfg.Realtime.HeartbeatInterval,
	})
	if err != nil {
		return nil, err
	}

	repo, err := notify.NewRepository(notify.RepositoryParams{
		Client:    dbClient,
		Publisher: stream,
		Logger:    logg,
	})
	if err != nil {
		return nil, err
	}

	return notify.NewService(notify.ServiceParams{
		Logger:               logg,
		Metrics:              notifyMetrics,
		Repo:                 repo,
		Cache:                readCache,
		Recovery:             engine,
		Manager:              manager,
		Preferences:          prefs,
		CacheTTL:             cfg.Cache.DefaultTTL,
		QueueCapacity:        cfg.Queue.Capacity,
		QueueMaxRetries:      cfg.Queue.MaxRetries,
		QueueProcessInterval: cfg.Queue.ProcessInterval,
		Closers:              []io.Closer{redisClient, dbClient},
	})
}

func buildMux(registry *prometheus.Registry, pingers ...interface {
	Ping(context.Context) error
}) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		for _, pinger := range pingers {
			if err := pinger.Ping(ctx); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
