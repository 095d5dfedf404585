package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/segmentio/kafka-go"

	"github.com/example/messenger-delivery/internal/common"
	"github.com/example/messenger-delivery/internal/transport"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := common.LoadConfig("send-worker")
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

	readerFactory := func() *kafka.Reader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers: cfg.KafkaBrokers,
			GroupID: cfg.ServiceName,
			Topic:   cfg.OutgoingTopic,
		})
	}

	receiptWriter := &kafka.Writer{
		Addr:     kafka.TCP(cfg.KafkaBrokers...),
		Topic:    cfg.ReceiptTopic,
		Balancer: &kafka.Hash{},
	}
	defer receiptWriter.Close()

	dlqWriter := &kafka.Writer{
		Addr:     kafka.TCP(cfg.KafkaBrokers...),
		Topic:    cfg.DLQTopic,
		Balancer: &kafka.Hash{},
	}
	defer dlqWriter.Close()

	primary := &transport.RelayProvider{
		Label:    "primary",
		Endpoint: envOr("RELAY_PRIMARY_ENDPOINT", "https://relay.local"),
		APIKey:   os.Getenv("RELAY_PRIMARY_API_KEY"),
	}
	fallback := &transport.RelayProvider{
		Label:    "fallback",
		Endpoint: envOr("RELAY_FALLBACK_ENDPOINT", "https://relay-fallback.local"),
		APIKey:   os.Getenv("RELAY_FALLBACK_API_KEY"),
	}

	worker := transport.Worker{
		ReaderFactory: readerFactory,
		ReceiptWriter: receiptWriter,
		DLQWriter:     dlqWriter,
		Providers:     []transport.Provider{primary, fallback},
		Logger:        logger,
	}

	logger.Info().Msg("send worker started")
	if err := worker.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("send worker stopped")
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
