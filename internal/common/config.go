package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPPort          int
	MetricsPort       int
	DatabaseURL       string
	RedisAddr         string
	KafkaBrokers      []string
	OutgoingTopic     string
	ReceiptTopic      string
	StatusEventsTopic string
	DLQTopic          string
	OTLPEndpoint      string
	ServiceName       string
}

func LoadConfig(service string) (*Config, error) {
	// Local development convenience; a missing .env file is not an error.
	_ = godotenv.Load()

	cfg := &Config{ServiceName: service}

	httpPort, err := getEnvInt("HTTP_PORT", 8080)
	if err != nil {
		return nil, err
	}
	cfg.HTTPPort = httpPort

	metricsPort, err := getEnvInt("METRICS_PORT", httpPort+1000)
	if err != nil {
		return nil, err
	}
	cfg.MetricsPort = metricsPort

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.RedisAddr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.OTLPEndpoint = os.Getenv("OTLP_ENDPOINT")

	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		cfg.KafkaBrokers = []string{"localhost:9092"}
	} else {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}

	cfg.OutgoingTopic = getEnv("OUTGOING_TOPIC", "messages.outgoing")
	cfg.ReceiptTopic = getEnv("RECEIPT_TOPIC", "messages.receipts")
	cfg.StatusEventsTopic = getEnv("STATUS_EVENTS_TOPIC", "messages.status")
	cfg.DLQTopic = getEnv("DLQ_TOPIC", "dlq.messages")

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	if v := os.Getenv(key); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid value for %s: %w", key, err)
		}
		return parsed, nil
	}
	return fallback, nil
}
