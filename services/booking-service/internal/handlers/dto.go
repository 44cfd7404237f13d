package handlers

import (
	"time"

	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/availability"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/model"
)

type slotItem struct {
	ResourceID string `json:"resource_id"`
	StartTime  string `json:"start_time"`
	EndTime    string `json:"end_time"`
}

type slotsResponse struct {
	Timezone string     `json:"timezone"`
	Slots    []slotItem `json:"slots"`
}

func slotItems(slots []availability.Slot, loc *time.Location) []slotItem {
	items := make([]slotItem, 0, len(slots))
	for _, s := range slots {
		items = append(items, slotItem{
			ResourceID: s.ResourceID,
			StartTime:  s.Start.In(loc).Format(time.RFC3339),
			EndTime:    s.End.In(loc).Format(time.RFC3339),
		})
	}
	return items
}

type holdResponse struct {
	HoldID     string `json:"hold_id"`
	ResourceID string `json:"resource_id"`
	ServiceID  string `json:"service_id,omitempty"`
	StartTime  string `json:"start_time"`
	EndTime    string `json:"end_time"`
	ExpiresAt  string `json:"expires_at"`
	State      string `json:"state"`
	BookingID  string `json:"booking_id,omitempty"`
	Replayed   bool   `json:"replayed,omitempty"`
}

func holdBody(h model.Hold) holdResponse {
	return holdResponse{
		HoldID:     h.ID,
		ResourceID: h.ResourceID,
		ServiceID:  h.ServiceID,
		StartTime:  h.Interval.Start.Format(time.RFC3339),
		EndTime:    h.Interval.End.Format(time.RFC3339),
		ExpiresAt:  h.ExpiresAt.Format(time.RFC3339),
		State:      string(h.State),
		BookingID:  h.BookingID,
	}
}

type bookingResponse struct {
	BookingID       string     `json:"booking_id"`
	ResourceID      string     `json:"resource_id"`
	CustomerID      string     `json:"customer_id,omitempty"`
	ServiceID       string     `json:"service_id"`
	HoldID          string     `json:"hold_id,omitempty"`
	StartTime       string     `json:"start_time"`
	EndTime         string     `json:"end_time"`
	Timezone        string     `json:"timezone,omitempty"`
	Status          string     `json:"status"`
	RescheduledFrom string     `json:"rescheduled_from,omitempty"`
	SupersededBy    string     `json:"superseded_by,omitempty"`
	CancelReason    string     `json:"cancel_reason,omitempty"`
	Fee             *model.Fee `json:"fee,omitempty"`
	CreatedAt       string     `json:"created_at"`
	Replayed        bool       `json:"replayed,omitempty"`
}

func bookingBody(b model.Booking) bookingResponse {
	resp := bookingResponse{
		BookingID:       b.ID,
		ResourceID:      b.ResourceID,
		CustomerID:      b.CustomerID,
		ServiceID:       b.Service.ServiceID,
		HoldID:          b.HoldID,
		StartTime:       b.Interval.Start.Format(time.RFC3339),
		EndTime:         b.Interval.End.Format(time.RFC3339),
		Timezone:        b.Timezone,
		Status:          string(b.Status),
		RescheduledFrom: b.RescheduledFrom,
		SupersededBy:    b.SupersededBy,
		CancelReason:    b.CancelReason,
		CreatedAt:       b.CreatedAt.Format(time.RFC3339),
	}
	if b.Fee.Status != "" && b.Fee.Status != model.FeeNone {
		fee := b.Fee
		resp.Fee = &fee
	}
	return resp
}
