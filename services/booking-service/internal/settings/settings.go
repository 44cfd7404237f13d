package settings

import (
	"fmt"
	"strings"
	"time"

	"github.com/md-rashed-zaman/bookingcore/libs/config"
)

const (
	SinkKafka    = "kafka"
	SinkRabbitMQ = "rabbitmq"
	SinkNone     = "none"
)

type Settings struct {
	ServiceName string `envconfig:"SERVICE_NAME" default:"booking-service"`
	Port        string `envconfig:"PORT" default:"8083"`
	GRPCPort    string `envconfig:"GRPC_PORT" default:"9093"`

	// DatabaseURL selects the Postgres store. Empty runs on the in-memory store.
	DatabaseURL string `envconfig:"DATABASE_URL"`
	AutoMigrate bool   `envconfig:"AUTO_MIGRATE" default:"true"`

	// RedisAddr, when set, backs the guard, the idempotency ledger and the rate limiter.
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	RedisPrefix   string `envconfig:"REDIS_PREFIX" default:"bookingcore"`

	KafkaBrokers        string   `envconfig:"KAFKA_BROKERS"`
	KafkaGroupID        string   `envconfig:"KAFKA_GROUP_ID" default:"booking-service"`
	PaymentResultTopics []string `envconfig:"PAYMENT_RESULT_TOPICS" default:"payment.succeeded,payment.failed"`
	RabbitMQURL         string   `envconfig:"RABBITMQ_URL"`
	RabbitMQExchange    string   `envconfig:"RABBITMQ_EXCHANGE" default:"bookingcore.events"`
	OutboxSink          string   `envconfig:"OUTBOX_SINK" default:"kafka"`

	HoldTTL              time.Duration `envconfig:"HOLD_TTL" default:"10m"`
	HoldSweepEvery       time.Duration `envconfig:"HOLD_SWEEP_EVERY" default:"15s"`
	OutboxPollEvery      time.Duration `envconfig:"OUTBOX_POLL_EVERY" default:"2s"`
	OutboxBatchSize      int           `envconfig:"OUTBOX_BATCH_SIZE" default:"50"`
	IdempotencyRetention time.Duration `envconfig:"IDEMPOTENCY_RETENTION" default:"24h"`
	GuardLockWait        time.Duration `envconfig:"GUARD_LOCK_WAIT" default:"2s"`

	LateCancelWindow     time.Duration `envconfig:"LATE_CANCEL_WINDOW" default:"24h"`
	LateCancelFeePercent int           `envconfig:"LATE_CANCEL_FEE_PERCENT" default:"50"`
	NoShowFeePercent     int           `envconfig:"NO_SHOW_FEE_PERCENT" default:"100"`

	CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS"`
	RateLimitPerMinute int      `envconfig:"RATE_LIMIT_PER_MINUTE" default:"600"`
}

// Load reads an optional .env file and then the environment.
func Load() (Settings, error) {
	if err := config.LoadDotEnv(); err != nil {
		return Settings{}, err
	}
	var s Settings
	if err := config.Process("", &s); err != nil {
		return Settings{}, err
	}
	return s, s.Validate()
}

func (s Settings) Validate() error {
	if !config.ValidPort(s.Port) {
		return fmt.Errorf("PORT must be a valid TCP port (got %q)", s.Port)
	}
	if !config.ValidPort(s.GRPCPort) {
		return fmt.Errorf("GRPC_PORT must be a valid TCP port (got %q)", s.GRPCPort)
	}
	switch s.Sink() {
	case SinkKafka:
		if strings.TrimSpace(s.KafkaBrokers) == "" {
			return fmt.Errorf("OUTBOX_SINK=kafka requires KAFKA_BROKERS")
		}
	case SinkRabbitMQ:
		if strings.TrimSpace(s.RabbitMQURL) == "" {
			return fmt.Errorf("OUTBOX_SINK=rabbitmq requires RABBITMQ_URL")
		}
	case SinkNone:
	default:
		return fmt.Errorf("OUTBOX_SINK must be kafka, rabbitmq or none (got %q)", s.OutboxSink)
	}
	if s.OutboxBatchSize <= 0 {
		return fmt.Errorf("OUTBOX_BATCH_SIZE must be positive")
	}
	if s.LateCancelFeePercent < 0 || s.LateCancelFeePercent > 100 || s.NoShowFeePercent < 0 || s.NoShowFeePercent > 100 {
		return fmt.Errorf("fee percentages must be within [0, 100]")
	}
	return nil
}

func (s Settings) Sink() string {
	return strings.ToLower(strings.TrimSpace(s.OutboxSink))
}

func (s Settings) UseRedis() bool {
	return strings.TrimSpace(s.RedisAddr) != ""
}

func (s Settings) UsePostgres() bool {
	return strings.TrimSpace(s.DatabaseURL) != ""
}

// Warnings lists accepted but risky combinations.
func (s Settings) Warnings() []string {
	var out []string
	if s.UsePostgres() && !s.UseRedis() {
		// Postgres is shared between instances but the in-process guard is not, so two
		// instances can each admit an overlapping claim.
		out = append(out, "DATABASE_URL set without REDIS_ADDR; the overlap guard is per process, run a single instance or set REDIS_ADDR")
	}
	return out
}
