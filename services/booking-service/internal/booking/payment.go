package booking

import (
	"context"
	"strings"

	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/idempotency"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/storage"
)

// PaymentResult is the outcome of a capture reported by the payment system.
type PaymentResult struct {
	TenantID  string
	BookingID string
	CaptureID string
	Succeeded bool
	Reason    string
}

// ApplyPaymentResult settles a requested fee. Results for a fee that is not awaiting payment
// are ignored, so redelivered results are harmless.
func (m *Machine) ApplyPaymentResult(ctx context.Context, res PaymentResult) (model.Booking, error) {
	var out model.Booking
	err := m.store.InTx(ctx, func(tx storage.Tx) error {
		b, err := tx.GetBookingForUpdate(ctx, res.TenantID, res.BookingID)
		if err != nil {
			return err
		}
		out = b
		if b.Fee.Status != model.FeeRequested {
			return nil
		}
		if res.CaptureID != "" && res.CaptureID != b.Fee.CaptureID {
			return model.Invalid("capture_id", "does not match the requested capture")
		}
		now := m.clock.Now()
		b.Fee.Status = model.FeePaid
		if !res.Succeeded {
			b.Fee.Status = model.FeeFailed
			if res.Reason != "" {
				b.Fee.Reason = res.Reason
			}
		}
		b.UpdatedAt = now
		if err := tx.UpdateBooking(ctx, b); err != nil {
			return err
		}
		out = b
		return appendEvent(ctx, tx, now, b, model.EventBookingFeeSettled)
	})
	if err != nil {
		return model.Booking{}, err
	}
	return out, nil
}

// CaptureRequest asks for an explicit charge against a booking, outside the cancel and
// no-show policy.
type CaptureRequest struct {
	TenantID          string
	BookingID         string
	AmountMinor       int64
	Currency          string
	ClientGeneratedID string
}

func (r CaptureRequest) validate() error {
	switch {
	case strings.TrimSpace(r.TenantID) == "":
		return model.Invalid("tenant_id", "required")
	case strings.TrimSpace(r.BookingID) == "":
		return model.Invalid("booking_id", "required")
	case strings.TrimSpace(r.ClientGeneratedID) == "":
		return model.Invalid("client_generated_id", "required")
	case r.AmountMinor <= 0:
		return model.Invalid("amount_minor", "must be positive")
	case len(strings.TrimSpace(r.Currency)) != 3:
		return model.Invalid("currency", "must be an ISO 4217 code")
	}
	return nil
}

// RequestCapture records a fee and emits payment.capture_requested. The capture id is derived
// from the client id, so retries ask for the same capture.
func (m *Machine) RequestCapture(ctx context.Context, req CaptureRequest) (model.Booking, error) {
	if err := req.validate(); err != nil {
		return model.Booking{}, err
	}
	key := idempotency.Key{TenantID: req.TenantID, Scope: idempotency.ScopeCapture, ClientGeneratedID: req.ClientGeneratedID}
	captureID := CaptureID(req.TenantID, req.ClientGeneratedID)
	var out model.Booking
	err := m.idempotent(ctx, key,
		func(ctx context.Context, id string) error {
			b, err := m.store.GetBooking(ctx, req.TenantID, id)
			out = b
			return err
		},
		func(ctx context.Context) (string, error) {
			err := m.store.InTx(ctx, func(tx storage.Tx) error {
				b, err := tx.GetBookingForUpdate(ctx, req.TenantID, req.BookingID)
				if err != nil {
					return err
				}
				out = b
				if b.Fee.CaptureID == captureID {
					return nil
				}
				if b.Fee.Status == model.FeePaid || b.Fee.Status == model.FeeRequested {
					return &model.InvalidTransitionError{Entity: "fee", ID: b.ID, From: string(b.Fee.Status), To: string(model.FeeRequested)}
				}
				now := m.clock.Now()
				b.Fee = model.Fee{
					Status:      model.FeeRequested,
					Reason:      "manual",
					AmountMinor: req.AmountMinor,
					Currency:    strings.ToUpper(strings.TrimSpace(req.Currency)),
					CaptureID:   captureID,
				}
				b.UpdatedAt = now
				if err := tx.UpdateBooking(ctx, b); err != nil {
					return err
				}
				out = b
				return appendCapture(ctx, tx, now, b)
			})
			if err != nil {
				return "", err
			}
			return out.ID, nil
		},
	)
	return out, err
}
