package outbox

import (
	"context"

	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/model"
)

// Sink delivers one event to downstream consumers. Deliver may be called more than once for the
// same event, so consumers dedupe on the event id.
type Sink interface {
	Deliver(ctx context.Context, ev model.OutboxEvent) error
}

// FuncSink adapts a function to Sink.
type FuncSink func(ctx context.Context, ev model.OutboxEvent) error

func (f FuncSink) Deliver(ctx context.Context, ev model.OutboxEvent) error {
	return f(ctx, ev)
}

// DiscardSink accepts and drops every event. It backs deployments with no broker configured.
type DiscardSink struct{}

func (DiscardSink) Deliver(context.Context, model.OutboxEvent) error { return nil }
