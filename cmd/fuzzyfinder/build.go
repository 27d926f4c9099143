package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/events"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/internal/matcher"
	apperrors "github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/kafka"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Rebuild the corpus and token statistics from a record stream",
	Long: `build replaces the stored corpus with the records read from a JSON-lines
file (or stdin) or from a replay of the Kafka records topic. The previous
statistics stay live until the new build is published.`,
	RunE: runBuild,
}

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish JSON-lines records to the Kafka records topic",
	RunE:  runPublish,
}

func init() {
	for _, c := range []*cobra.Command{buildCmd, publishCmd} {
		c.Flags().StringP("input", "i", "-", "JSON-lines input file, - for stdin")
		c.Flags().String("id-field", "", "name of the unique id column (default from config)")
		c.Flags().Int("batch-size", 0, "records per batch (default from config)")
	}
	buildCmd.Flags().Int("workers", 0, "aggregation workers (default from config, 0 uses GOMAXPROCS)")
	buildCmd.Flags().Bool("from-kafka", false, "replay the records topic instead of reading input")
	buildCmd.Flags().Duration("idle-timeout", 5*time.Second, "end a Kafka replay after this long without messages")
	buildCmd.MarkFlagsMutuallyExclusive("input", "from-kafka")
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening input: %w", err)
	}
	return f, nil
}

func runBuild(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	input, _ := cmd.Flags().GetString("input")
	idField, _ := cmd.Flags().GetString("id-field")
	batchSize, _ := cmd.Flags().GetInt("batch-size")
	workers, _ := cmd.Flags().GetInt("workers")
	fromKafka, _ := cmd.Flags().GetBool("from-kafka")
	idle, _ := cmd.Flags().GetDuration("idle-timeout")
	if idField == "" {
		idField = cfg.Build.IDField
	}
	if batchSize <= 0 {
		batchSize = cfg.Build.BatchSize
	}
	if !cmd.Flags().Changed("workers") {
		workers = cfg.Build.Workers
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts []matcher.Option
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.StatisticsPublished)
		defer producer.Close()
		opts = append(opts, matcher.WithNotifier(events.NewPublisher(producer, instanceName())))
	}
	a, err := bootstrap(ctx, cfg, nil, opts...)
	if err != nil {
		return err
	}
	defer a.Close()

	var src ingestion.Source
	if fromKafka {
		ks := ingestion.NewKafkaSource(kafka.NewReplayReader(cfg.Kafka, cfg.Kafka.Topics.Records), idField, idle)
		defer ks.Close()
		src = ks
	} else {
		r, err := openInput(input)
		if err != nil {
			return err
		}
		defer r.Close()
		src = ingestion.NewJSONLinesSource(r, idField)
	}

	report, err := a.service.BuildOrReplaceStatistics(ctx, src, batchSize, workers)
	if err != nil {
		var be *apperrors.BuildError
		if errors.As(err, &be) {
			slog.Error("build failed; rerun the whole build",
				"build_id", be.BuildID,
				"batch_index", be.BatchIndex,
				"batches_failed", be.BatchesFailed,
				"batches_total", be.BatchesTotal,
			)
		}
		return err
	}
	return printJSON(cmd.OutOrStdout(), report)
}

func runPublish(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	input, _ := cmd.Flags().GetString("input")
	idField, _ := cmd.Flags().GetString("id-field")
	batchSize, _ := cmd.Flags().GetInt("batch-size")
	if idField == "" {
		idField = cfg.Build.IDField
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := openInput(input)
	if err != nil {
		return err
	}
	defer r.Close()

	producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.Records)
	defer producer.Close()

	report, err := ingestion.NewPublisher(producer, idField, batchSize).Publish(ctx, ingestion.NewJSONLinesSource(r, idField))
	if err != nil {
		return fmt.Errorf("publishing records: %w", err)
	}
	slog.Info("records published", "topic", cfg.Kafka.Topics.Records, "published", report.Published, "malformed", report.Malformed)
	return printJSON(cmd.OutOrStdout(), report)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
