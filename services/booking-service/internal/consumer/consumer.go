package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/md-rashed-zaman/bookingcore/libs/kafkax"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Handler processes one message. Errors wrapped with backoff.Permanent are not retried.
type Handler func(ctx context.Context, msg kafka.Message) error

// Inbox records processed event ids. An id is recorded only once its handler finished, so a
// message whose handling failed is still processed when it is delivered again.
type Inbox interface {
	HasInbox(ctx context.Context, eventID string) (bool, error)
	RecordInbox(ctx context.Context, eventID, eventType string) (bool, error)
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	reader   messageReader
	logger   *slog.Logger
	inbox    Inbox
	handler  Handler
	maxTries uint
	retry    time.Duration
	// pause before a message that failed transiently is processed again
	redeliver time.Duration
}

type Config struct {
	Brokers string
	GroupID string
	Topics  []string
	// MaxTries bounds handler attempts per message. Zero means 5.
	MaxTries uint
}

func New(logger *slog.Logger, inbox Inbox, cfg Config, handler Handler) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     kafkax.SplitBrokers(cfg.Brokers),
		GroupID:     cfg.GroupID,
		GroupTopics: cfg.Topics,
		MinBytes:    1,
		MaxBytes:    10e6,
	})
	return newConsumer(reader, logger, inbox, cfg, handler)
}

func newConsumer(reader messageReader, logger *slog.Logger, inbox Inbox, cfg Config, handler Handler) *Consumer {
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 5
	}
	return &Consumer{
		reader:   reader,
		logger:   logger,
		inbox:    inbox,
		handler:  handler,
		maxTries:  cfg.MaxTries,
		retry:     500 * time.Millisecond,
		redeliver: 5 * time.Second,
	}
}

func (c *Consumer) Run(ctx context.Context) {
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("kafka read error", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		// The offset is committed only after the message was handled, rejected or found to be a
		// duplicate. Transient failures keep the partition on this message.
		for {
			err := c.process(ctx, msg)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("event processing deferred", "err", err, "topic", msg.Topic, "offset", msg.Offset, "retry_in", c.redeliver)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.redeliver):
			}
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("kafka commit error", "err", err, "topic", msg.Topic, "offset", msg.Offset)
		}
	}
}

// process reports nil when msg may be committed.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) error {
	ctxMsg := kafkax.ExtractTraceContext(ctx, msg)
	ctxSpan, span := otel.Tracer("kafka").Start(ctxMsg, "kafka.consume",
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
		),
	)
	defer span.End()

	meta := kafkax.ExtractEventMeta(msg)

	seen, err := c.inbox.HasInbox(ctxSpan, meta.EventID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("inbox lookup: %w", err)
	}
	if seen {
		c.logger.Info("duplicate event ignored", "event_id", meta.EventID, "event_type", meta.EventType)
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retry
	rejected := false
	_, err = backoff.Retry(ctxSpan, func() (struct{}, error) {
		err := c.handler(ctxSpan, msg)
		var perm *backoff.PermanentError
		rejected = errors.As(err, &perm)
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(c.maxTries))
	if err != nil {
		span.RecordError(err)
		if !rejected {
			c.logger.Error("handler error", "err", err, "event_id", meta.EventID, "event_type", meta.EventType)
			return err
		}
		c.logger.Warn("event rejected", "err", err, "event_id", meta.EventID, "event_type", meta.EventType)
	}

	if _, err := c.inbox.RecordInbox(ctxSpan, meta.EventID, meta.EventType); err != nil {
		span.RecordError(err)
		return fmt.Errorf("inbox record: %w", err)
	}
	return nil
}
