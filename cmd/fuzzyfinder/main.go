package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/matcher"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/storage"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/tokenizer"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/resilience"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "fuzzyfinder",
	Short: "Probabilistic fuzzy matching over tabular records",
	Long: `fuzzyfinder builds token statistics over a corpus of records and
ranks stored records by how likely they are to describe the same entity as
a query.

Examples:
  fuzzyfinder build --input people.jsonl
  fuzzyfinder match --field surname=Smith --field city=Leeds --limit 5
  fuzzyfinder serve`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd, buildCmd, publishCmd, matchCmd, statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app bundles what every subcommand needs.
type app struct {
	cfg     *config.Config
	store   *storage.Guarded
	service *matcher.Service
	metrics *metrics.Metrics
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	return cfg, nil
}

// bootstrap opens the store and builds the service, then loads whatever
// statistics the store already holds.
func bootstrap(ctx context.Context, cfg *config.Config, m *metrics.Metrics, opts ...matcher.Option) (*app, error) {
	tok, err := tokenizer.FromConfig(cfg.Tokenizer.DefaultRule, cfg.Tokenizer.Fields, cfg.Tokenizer.MaxTokenLength, cfg.Tokenizer.StopWords)
	if err != nil {
		return nil, fmt.Errorf("configuring tokenizer: %w", err)
	}
	raw, err := storage.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	breaker := resilience.CircuitBreakerConfig{
		FailureThreshold:    5,
		ResetTimeout:        30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
	var observe storage.Observer
	if m != nil {
		observe = m.ObserveStorage
		breaker.OnStateChange = func(name string, _, to resilience.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		}
		opts = append(opts, matcher.WithMetrics(m))
	}
	store := storage.Guard(raw, breaker, observe)

	svc, err := matcher.New(cfg, store, tok, opts...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	meta, err := svc.ReloadStatistics(ctx)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	slog.Info("store opened",
		"driver", cfg.Storage.Driver,
		"build_id", meta.BuildID,
		"records", meta.RecordsProcessed,
	)
	return &app{cfg: cfg, store: store, service: svc, metrics: m}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		slog.Error("closing store", "error", err)
	}
}
