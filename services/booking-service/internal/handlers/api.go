package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/md-rashed-zaman/bookingcore/libs/httpx"
	"github.com/md-rashed-zaman/bookingcore/libs/tenant"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/booking"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/engine"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/holds"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/model"
)

const IdempotencyHeader = "Idempotency-Key"

type API struct {
	engine *engine.Engine
	logger *slog.Logger
}

func NewAPI(e *engine.Engine, logger *slog.Logger) *API {
	return &API{engine: e, logger: logger}
}

// Register mounts the API on mux. Every route requires a tenant; admin routes also require an
// admin or owner role.
func (a *API) Register(mux *http.ServeMux) {
	route := func(path string, h http.HandlerFunc) { mux.Handle(path, tenant.Require(h)) }
	admin := func(path string, h http.HandlerFunc) { mux.Handle(path, tenant.RequireAdmin(h)) }

	route("/api/v1/slots", a.Slots)
	route("/api/v1/holds", a.Holds)
	route("/api/v1/holds/release", a.ReleaseHold)
	route("/api/v1/bookings", a.Bookings)
	route("/api/v1/bookings/confirm", a.transition(a.engine.ConfirmBooking))
	route("/api/v1/bookings/no-show", a.transition(a.engine.MarkNoShow))
	route("/api/v1/bookings/complete", a.transition(a.engine.CompleteBooking))
	route("/api/v1/bookings/cancel", a.CancelBooking)
	route("/api/v1/bookings/reschedule", a.RescheduleBooking)
	route("/api/v1/payments/capture", a.RequestCapture)

	admin("/api/v1/admin/resources", a.SaveResource)
	admin("/api/v1/admin/resources/deactivate", a.DeactivateResource)
	admin("/api/v1/admin/services", a.SaveService)
	admin("/api/v1/admin/schedule-rules", a.SaveRule)
	admin("/api/v1/admin/schedule-exceptions", a.SaveException)
}

func tenantID(r *http.Request) string {
	tc, _ := tenant.FromContext(r.Context())
	return tc.TenantID
}

// clientID prefers the body field and falls back to the Idempotency-Key header.
func clientID(r *http.Request, fromBody string) string {
	if v := strings.TrimSpace(fromBody); v != "" {
		return v
	}
	return strings.TrimSpace(r.Header.Get(IdempotencyHeader))
}

// Slots serves GET /api/v1/slots?resource_id=&service_id=&from=&to=&timezone=.
// from and to accept RFC3339 instants or dates, which are read as midnight in timezone.
func (a *API) Slots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	loc := time.UTC
	if tz := strings.TrimSpace(q.Get("timezone")); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			badRequest(w, "invalid timezone")
			return
		}
		loc = l
	}
	from, err := parseInstant(q.Get("from"), loc)
	if err != nil {
		badRequest(w, "invalid from")
		return
	}
	to, err := parseInstant(q.Get("to"), loc)
	if err != nil {
		badRequest(w, "invalid to")
		return
	}
	var resources []string
	for _, v := range q["resource_id"] {
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				resources = append(resources, id)
			}
		}
	}
	req := engine.SlotsRequest{
		TenantID:    tenantID(r),
		ResourceIDs: resources,
		ServiceID:   strings.TrimSpace(q.Get("service_id")),
		Window:      model.Interval{Start: from, End: to},
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			req.Limit = n
		}
	}
	if raw := strings.TrimSpace(q.Get("step_minutes")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(w, "invalid step_minutes")
			return
		}
		req.Step = time.Duration(n) * time.Minute
	}

	slots, err := a.engine.GetAvailableSlots(r.Context(), req)
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, slotsResponse{Timezone: loc.String(), Slots: slotItems(slots, loc)})
}

func parseInstant(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	d, err := model.ParseDate(raw)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc).UTC(), nil
}

func parseInterval(start, end string) (model.Interval, error) {
	s, err := time.Parse(time.RFC3339, strings.TrimSpace(start))
	if err != nil {
		return model.Interval{}, model.Invalid("start_time", "must be RFC3339")
	}
	e, err := time.Parse(time.RFC3339, strings.TrimSpace(end))
	if err != nil {
		return model.Interval{}, model.Invalid("end_time", "must be RFC3339")
	}
	return model.Interval{Start: s.UTC(), End: e.UTC()}, nil
}

type createHoldRequest struct {
	ResourceID        string `json:"resource_id"`
	ServiceID         string `json:"service_id"`
	StartTime         string `json:"start_time"`
	EndTime           string `json:"end_time"`
	TTLSeconds        int    `json:"ttl_seconds"`
	ClientGeneratedID string `json:"client_generated_id"`
}

// Holds serves POST (create) and GET ?hold_id= on /api/v1/holds.
func (a *API) Holds(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h, err := a.engine.GetHold(r.Context(), tenantID(r), strings.TrimSpace(r.URL.Query().Get("hold_id")))
		if err != nil {
			writeError(w, a.logger, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, holdBody(h))
	case http.MethodPost:
		a.createHold(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (a *API) createHold(w http.ResponseWriter, r *http.Request) {
	var req createHoldRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		badRequest(w, "invalid json body")
		return
	}
	iv, err := parseInterval(req.StartTime, req.EndTime)
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	h, err := a.engine.CreateHold(r.Context(), holds.CreateRequest{
		TenantID:          tenantID(r),
		ResourceID:        strings.TrimSpace(req.ResourceID),
		ServiceID:         strings.TrimSpace(req.ServiceID),
		Interval:          iv,
		ClientGeneratedID: clientID(r, req.ClientGeneratedID),
		TTL:               time.Duration(req.TTLSeconds) * time.Second,
	})
	if errors.Is(err, model.ErrAlreadyConsumed) {
		body := holdBody(h)
		body.Replayed = true
		httpx.WriteJSON(w, http.StatusOK, body)
		return
	}
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, holdBody(h))
}

type holdRef struct {
	HoldID string `json:"hold_id"`
}

func (a *API) ReleaseHold(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req holdRef
	if err := httpx.DecodeJSON(r, &req); err != nil || strings.TrimSpace(req.HoldID) == "" {
		badRequest(w, "hold_id required")
		return
	}
	h, err := a.engine.ReleaseHold(r.Context(), tenantID(r), strings.TrimSpace(req.HoldID))
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, holdBody(h))
}

type createBookingRequest struct {
	ResourceID        string `json:"resource_id"`
	ServiceID         string `json:"service_id"`
	HoldID            string `json:"hold_id"`
	CustomerID        string `json:"customer_id"`
	StartTime         string `json:"start_time"`
	EndTime           string `json:"end_time"`
	Confirm           bool   `json:"confirm"`
	ClientGeneratedID string `json:"client_generated_id"`
}

// Bookings serves POST (create) and GET on /api/v1/bookings. GET takes either booking_id or
// resource_id with from and to.
func (a *API) Bookings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.getBookings(w, r)
	case http.MethodPost:
		a.createBooking(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (a *API) getBookings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if id := strings.TrimSpace(q.Get("booking_id")); id != "" {
		b, err := a.engine.GetBooking(r.Context(), tenantID(r), id)
		if err != nil {
			writeError(w, a.logger, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, bookingBody(b))
		return
	}
	from, err1 := parseInstant(q.Get("from"), time.UTC)
	to, err2 := parseInstant(q.Get("to"), time.UTC)
	if err := errors.Join(err1, err2); err != nil {
		badRequest(w, "booking_id, or from and to, required")
		return
	}
	list, err := a.engine.ListBookings(r.Context(), tenantID(r), strings.TrimSpace(q.Get("resource_id")), model.Interval{Start: from, End: to})
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	items := make([]bookingResponse, 0, len(list))
	for _, b := range list {
		items = append(items, bookingBody(b))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"bookings": items})
}

func (a *API) createBooking(w http.ResponseWriter, r *http.Request) {
	var req createBookingRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		badRequest(w, "invalid json body")
		return
	}
	var iv model.Interval
	if req.StartTime != "" || req.EndTime != "" || req.HoldID == "" {
		parsed, err := parseInterval(req.StartTime, req.EndTime)
		if err != nil {
			writeError(w, a.logger, err)
			return
		}
		iv = parsed
	}
	b, err := a.engine.CreateBooking(r.Context(), booking.CreateRequest{
		TenantID:          tenantID(r),
		CustomerID:        strings.TrimSpace(req.CustomerID),
		ResourceID:        strings.TrimSpace(req.ResourceID),
		HoldID:            strings.TrimSpace(req.HoldID),
		ServiceID:         strings.TrimSpace(req.ServiceID),
		Interval:          iv,
		ClientGeneratedID: clientID(r, req.ClientGeneratedID),
		Confirm:           req.Confirm,
	})
	if errors.Is(err, model.ErrAlreadyConsumed) && b.ID != "" {
		body := bookingBody(b)
		body.Replayed = true
		httpx.WriteJSON(w, http.StatusOK, body)
		return
	}
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, bookingBody(b))
}

type bookingRef struct {
	BookingID string `json:"booking_id"`
}

func (a *API) transition(fn func(ctx context.Context, tenantID, bookingID string) (model.Booking, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		var req bookingRef
		if err := httpx.DecodeJSON(r, &req); err != nil || strings.TrimSpace(req.BookingID) == "" {
			badRequest(w, "booking_id required")
			return
		}
		b, err := fn(r.Context(), tenantID(r), strings.TrimSpace(req.BookingID))
		if err != nil {
			writeError(w, a.logger, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, bookingBody(b))
	}
}

type cancelRequest struct {
	BookingID string `json:"booking_id"`
	Reason    string `json:"reason"`
}

func (a *API) CancelBooking(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req cancelRequest
	if err := httpx.DecodeJSON(r, &req); err != nil || strings.TrimSpace(req.BookingID) == "" {
		badRequest(w, "booking_id required")
		return
	}
	b, err := a.engine.CancelBooking(r.Context(), booking.CancelRequest{TenantID: tenantID(r), BookingID: strings.TrimSpace(req.BookingID), Reason: req.Reason})
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, bookingBody(b))
}

type rescheduleRequest struct {
	BookingID         string `json:"booking_id"`
	StartTime         string `json:"start_time"`
	EndTime           string `json:"end_time"`
	ClientGeneratedID string `json:"client_generated_id"`
}

func (a *API) RescheduleBooking(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req rescheduleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil || strings.TrimSpace(req.BookingID) == "" {
		badRequest(w, "booking_id required")
		return
	}
	iv, err := parseInterval(req.StartTime, req.EndTime)
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	b, err := a.engine.RescheduleBooking(r.Context(), booking.RescheduleRequest{
		TenantID:          tenantID(r),
		BookingID:         strings.TrimSpace(req.BookingID),
		NewInterval:       iv,
		ClientGeneratedID: clientID(r, req.ClientGeneratedID),
	})
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, bookingBody(b))
}

type captureRequest struct {
	BookingID         string `json:"booking_id"`
	AmountMinor       int64  `json:"amount_minor"`
	Currency          string `json:"currency"`
	ClientGeneratedID string `json:"client_generated_id"`
}

func (a *API) RequestCapture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req captureRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		badRequest(w, "invalid json body")
		return
	}
	b, err := a.engine.RequestPaymentCapture(r.Context(), booking.CaptureRequest{
		TenantID:          tenantID(r),
		BookingID:         strings.TrimSpace(req.BookingID),
		AmountMinor:       req.AmountMinor,
		Currency:          req.Currency,
		ClientGeneratedID: clientID(r, req.ClientGeneratedID),
	})
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusAccepted, bookingBody(b))
}
