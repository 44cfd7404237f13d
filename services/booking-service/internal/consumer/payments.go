package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/cenkalti/backoff/v5"
	"github.com/md-rashed-zaman/bookingcore/libs/kafkax"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/model"
	"github.com/segmentio/kafka-go"
)

const (
	TopicPaymentSucceeded = "payment.succeeded"
	TopicPaymentFailed    = "payment.failed"
)

type PaymentApplier interface {
	ApplyPaymentResult(ctx context.Context, res booking.PaymentResult) (model.Booking, error)
}

type paymentEvent struct {
	CaptureID string `json:"capture_id"`
	BookingID string `json:"booking_id"`
	TenantID  string `json:"tenant_id"`
	Reason    string `json:"reason"`
}

// PaymentResults applies payment.succeeded and payment.failed events to the booking fee.
// Malformed events and events for unknown bookings are dropped without retry.
func PaymentResults(applier PaymentApplier, logger *slog.Logger) Handler {
	return func(ctx context.Context, msg kafka.Message) error {
		meta := kafkax.ExtractEventMeta(msg)
		var succeeded bool
		switch meta.EventType {
		case TopicPaymentSucceeded:
			succeeded = true
		case TopicPaymentFailed:
		default:
			return backoff.Permanent(errors.New("unexpected event type " + meta.EventType))
		}

		var payload paymentEvent
		if err := json.Unmarshal(msg.Value, &payload); err != nil {
			return backoff.Permanent(err)
		}
		if payload.TenantID == "" {
			payload.TenantID = meta.TenantID
		}
		if strings.TrimSpace(payload.TenantID) == "" || strings.TrimSpace(payload.BookingID) == "" {
			return backoff.Permanent(errors.New("missing tenant_id or booking_id"))
		}

		b, err := applier.ApplyPaymentResult(ctx, booking.PaymentResult{
			TenantID:  payload.TenantID,
			BookingID: payload.BookingID,
			CaptureID: payload.CaptureID,
			Succeeded: succeeded,
			Reason:    payload.Reason,
		})
		if errors.Is(err, model.ErrValidation) || errors.Is(err, model.ErrUnknownBooking) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		logger.Info("payment result applied", "booking_id", b.ID, "tenant_id", b.TenantID, "fee_status", b.Fee.Status)
		return nil
	}
}
