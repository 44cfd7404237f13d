package booking

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/outbox"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/storage"
)

const aggregateBooking = "booking"

// EventPayload is the body of every booking.* event.
type EventPayload struct {
	BookingID         string     `json:"booking_id"`
	TenantID          string     `json:"tenant_id"`
	ResourceID        string     `json:"resource_id"`
	CustomerID        string     `json:"customer_id,omitempty"`
	ServiceID         string     `json:"service_id,omitempty"`
	Status            string     `json:"status"`
	Start             time.Time  `json:"start"`
	End               time.Time  `json:"end"`
	Timezone          string     `json:"timezone,omitempty"`
	Reason            string     `json:"reason,omitempty"`
	PreviousBookingID string     `json:"previous_booking_id,omitempty"`
	Fee               *model.Fee `json:"fee,omitempty"`
	OccurredAt        time.Time  `json:"occurred_at"`
}

// CapturePayload is the body of payment.capture_requested.
type CapturePayload struct {
	CaptureID   string    `json:"capture_id"`
	BookingID   string    `json:"booking_id"`
	TenantID    string    `json:"tenant_id"`
	CustomerID  string    `json:"customer_id,omitempty"`
	AmountMinor int64     `json:"amount_minor"`
	Currency    string    `json:"currency"`
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requested_at"`
}

func payloadOf(b model.Booking, now time.Time) EventPayload {
	p := EventPayload{
		BookingID:         b.ID,
		TenantID:          b.TenantID,
		ResourceID:        b.ResourceID,
		CustomerID:        b.CustomerID,
		ServiceID:         b.Service.ServiceID,
		Status:            string(b.Status),
		Start:             b.Interval.Start,
		End:               b.Interval.End,
		Timezone:          b.Timezone,
		Reason:            b.CancelReason,
		PreviousBookingID: b.RescheduledFrom,
		OccurredAt:        now,
	}
	if b.Fee.Status != "" && b.Fee.Status != model.FeeNone {
		fee := b.Fee
		p.Fee = &fee
	}
	return p
}

func appendEvent(ctx context.Context, tx storage.Tx, now time.Time, b model.Booking, eventType string) error {
	ev, err := outbox.NewEvent(ctx, now, b.TenantID, eventType, aggregateBooking, b.ID, payloadOf(b, now))
	if err != nil {
		return err
	}
	return tx.AppendOutbox(ctx, ev)
}

func appendCapture(ctx context.Context, tx storage.Tx, now time.Time, b model.Booking) error {
	ev, err := outbox.NewEvent(ctx, now, b.TenantID, model.EventCaptureRequested, aggregateBooking, b.ID, CapturePayload{
		CaptureID:   b.Fee.CaptureID,
		BookingID:   b.ID,
		TenantID:    b.TenantID,
		CustomerID:  b.CustomerID,
		AmountMinor: b.Fee.AmountMinor,
		Currency:    b.Fee.Currency,
		Reason:      b.Fee.Reason,
		RequestedAt: now,
	})
	if err != nil {
		return err
	}
	return tx.AppendOutbox(ctx, ev)
}

// CaptureID derives the payment capture id for a tenant-scoped key, so a retried request
// always asks the payment consumer for the same capture.
func CaptureID(tenantID, key string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("bookingcore:capture:"+tenantID+":"+key)).String()
}
