package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	otelx "github.com/md-rashed-zaman/bookingcore/libs/otel"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/model"
	"github.com/oklog/ulid/v2"
)

// NewEvent builds an outbox row for payload. Event ids are ULIDs so they sort by creation time,
// and the caller's trace context travels with the row to the sink.
func NewEvent(ctx context.Context, now time.Time, tenantID, eventType, aggregateType, aggregateID string, payload any) (model.OutboxEvent, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return model.OutboxEvent{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	now = now.UTC()
	tc := otelx.CaptureTraceContext(ctx)
	return model.OutboxEvent{
		ID:            ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		TenantID:      tenantID,
		Type:          eventType,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Payload:       body,
		Traceparent:   tc.Traceparent,
		Tracestate:    tc.Tracestate,
		CreatedAt:     now,
		NextAttemptAt: now,
	}, nil
}
