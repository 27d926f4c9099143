package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/events"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/matchcache"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/matcher"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/matcher/handler"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/middleware"
	pkgredis "github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/resilience"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP matching service",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	instance := instanceName()
	slog.Info("starting matching service", "port", cfg.Server.Port, "instance", instance)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(nil)
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.Port); err != nil {
				slog.Error("metrics server stopped", "error", err)
			}
		}()
	}

	var opts []matcher.Option
	var redisClient *pkgredis.Client
	var cache *matchcache.Cache
	if cfg.Redis.Enabled {
		redisClient, err = pkgredis.NewClient(ctx, cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, match caching disabled", "error", err)
		} else {
			defer redisClient.Close()
			cache = matchcache.New(redisClient, cfg.Redis.CacheTTL, m)
			opts = append(opts, matcher.WithCache(cache))
			slog.Info("match cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
		}
	}

	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		producer = kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.StatisticsPublished)
		defer producer.Close()
		opts = append(opts, matcher.WithNotifier(events.NewPublisher(producer, instance)))
	}

	a, err := bootstrap(ctx, cfg, m, opts...)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.Kafka.Enabled {
		listener := events.NewListener(instance, func(ctx context.Context, ev events.StatisticsPublished) error {
			_, err := a.service.ReloadStatistics(ctx)
			return err
		})
		consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.StatisticsPublished, listener.Handle)
		defer func() { _ = consumer.Close() }()
		go func() {
			if err := consumer.Start(ctx); err != nil {
				slog.Error("statistics listener stopped", "error", err)
			}
		}()
		slog.Info("statistics events enabled", "topic", cfg.Kafka.Topics.StatisticsPublished)
	}

	checker := health.NewChecker()
	checker.Register("storage", health.PingCheck(a.service.Ping, false))
	checker.Register("circuit_breaker", func(context.Context) health.ComponentHealth {
		switch st := a.store.State(); st {
		case resilience.StateOpen:
			return health.ComponentHealth{Status: health.StatusDown, Message: st.String()}
		case resilience.StateHalfOpen:
			return health.ComponentHealth{Status: health.StatusDegraded, Message: st.String()}
		default:
			return health.ComponentHealth{Status: health.StatusUp, Message: st.String()}
		}
	})
	checker.Register("statistics", func(context.Context) health.ComponentHealth {
		meta := a.service.Statistics().Meta
		if meta.BuildID == "" {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "no statistics published"}
		}
		return health.ComponentHealth{Status: health.StatusUp, Message: fmt.Sprintf("build %s, generation %d", meta.BuildID, meta.Generation)}
	})
	if redisClient != nil {
		checker.Register("redis", health.PingCheck(redisClient.Ping, true))
	}

	h := handler.New(a.service, cache, handler.BuildDefaults{
		IDField:   cfg.Build.IDField,
		BatchSize: cfg.Build.BatchSize,
		Workers:   cfg.Build.Workers,
	})
	mux := http.NewServeMux()
	h.Register(mux)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	mws := []func(http.Handler) http.Handler{middleware.RequestID}
	if m != nil {
		mws = append(mws, middleware.Metrics(m, mux))
	}
	mws = append(mws, middleware.Timeout(cfg.Server.WriteTimeout, middleware.PathPrefix("/api/v1/statistics/rebuild")))
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      middleware.Chain(mux, mws...),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("matching service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	slog.Info("matching service stopped")
	return nil
}

func instanceName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "fuzzyfinder"
	}
	return host + "-" + uuid.NewString()[:8]
}
