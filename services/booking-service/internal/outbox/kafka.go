package outbox

import (
	"context"
	"errors"

	"github.com/md-rashed-zaman/bookingcore/libs/kafkax"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/model"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes each event to the topic named after its type, keyed by aggregate id so
// events of one booking stay in one partition.
type KafkaSink struct {
	writer messageWriter
}

func NewKafkaSink(brokers string) (*KafkaSink, error) {
	list := kafkax.SplitBrokers(brokers)
	if len(list) == 0 {
		return nil, errors.New("kafka sink: no brokers configured")
	}
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  list,
		Balancer: &kafka.Hash{},
	})
	return &KafkaSink{writer: writer}, nil
}

func (s *KafkaSink) Deliver(ctx context.Context, ev model.OutboxEvent) error {
	return s.writer.WriteMessages(ctx, kafkaMessage(ctx, ev))
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

func kafkaMessage(ctx context.Context, ev model.OutboxEvent) kafka.Message {
	msg := kafka.Message{
		Topic: ev.Type,
		Key:   []byte(ev.AggregateID),
		Value: ev.Payload,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(ev.ID)},
			{Key: "event_type", Value: []byte(ev.Type)},
			{Key: "tenant_id", Value: []byte(ev.TenantID)},
		},
	}
	msg.Headers = kafkax.InjectTraceHeaders(ctx, msg.Headers)
	return msg
}
