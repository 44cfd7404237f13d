package outbox

import (
	"context"
	"fmt"

	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/model"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitSink publishes events to a topic exchange with the event type as routing key.
type RabbitSink struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	pub      amqpPublisher
	exchange string
}

func NewRabbitSink(url, exchange string) (*RabbitSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &RabbitSink{conn: conn, ch: ch, pub: ch, exchange: exchange}, nil
}

func (s *RabbitSink) Deliver(ctx context.Context, ev model.OutboxEvent) error {
	return s.pub.PublishWithContext(ctx, s.exchange, ev.Type, false, false, rabbitPublishing(ctx, ev))
}

func (s *RabbitSink) Close() error {
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func rabbitPublishing(ctx context.Context, ev model.OutboxEvent) amqp.Publishing {
	headers := amqp.Table{
		"event_id":   ev.ID,
		"event_type": ev.Type,
		"tenant_id":  ev.TenantID,
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	for k, v := range carrier {
		headers[k] = v
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Type:         ev.Type,
		Timestamp:    ev.CreatedAt,
		Headers:      headers,
		Body:         ev.Payload,
	}
}
