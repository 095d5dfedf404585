package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/messenger-delivery/internal/common"
	"github.com/example/messenger-delivery/internal/store"
	"github.com/example/messenger-delivery/internal/tracker"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := common.LoadConfig("tracker")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := common.NewLogger(cfg.ServiceName)
	shutdown, err := common.SetupOTel(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise telemetry")
	}
	defer common.ShutdownTelemetry(context.Background(), shutdown)

	metricsSrv := common.StartMetricsServer(cfg.MetricsPort)
	defer metricsSrv.Shutdown(context.Background())

	if cfg.DatabaseURL == "" {
		logger.Fatal().Msg("DATABASE_URL must be provided")
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	readerFactory := func() *kafka.Reader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers: cfg.KafkaBrokers,
			GroupID: cfg.ServiceName,
			Topic:   cfg.ReceiptTopic,
		})
	}

	statusWriter := &kafka.Writer{
		Addr:     kafka.TCP(cfg.KafkaBrokers...),
		Topic:    cfg.StatusEventsTopic,
		Balancer: &kafka.Hash{},
	}
	defer statusWriter.Close()

	dlqWriter := &kafka.Writer{
		Addr:     kafka.TCP(cfg.KafkaBrokers...),
		Topic:    cfg.DLQTopic,
		Balancer: &kafka.Hash{},
	}
	defer dlqWriter.Close()

	t := &tracker.Tracker{
		ReaderFactory: readerFactory,
		StatusWriter:  statusWriter,
		DLQWriter:     dlqWriter,
		Store:         store.New(pool),
		Dedupe:        tracker.NewRedisDeduper(rdb, 24*time.Hour),
		Logger:        logger,
	}

	logger.Info().Msg("tracker started")
	if err := t.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("tracker stopped")
	}
}
