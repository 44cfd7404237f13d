package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/md-rashed-zaman/bookingcore/libs/httpx"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/model"
)

type resourceRequest struct {
	ResourceID string `json:"resource_id"`
	Name       string `json:"name"`
	Timezone   string `json:"timezone"`
	Capacity   int    `json:"capacity"`
}

type resourceResponse struct {
	ResourceID string `json:"resource_id"`
	Name       string `json:"name,omitempty"`
	Timezone   string `json:"timezone"`
	Capacity   int    `json:"capacity"`
	Active     bool   `json:"active"`
}

func resourceBody(r model.Resource) resourceResponse {
	return resourceResponse{ResourceID: r.ID, Name: r.Name, Timezone: r.Timezone, Capacity: r.Capacity, Active: r.Active}
}

func (a *API) SaveResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req resourceRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		badRequest(w, "invalid json body")
		return
	}
	res, err := a.engine.SaveResource(r.Context(), model.Resource{
		ID:       strings.TrimSpace(req.ResourceID),
		TenantID: tenantID(r),
		Name:     strings.TrimSpace(req.Name),
		Timezone: strings.TrimSpace(req.Timezone),
		Capacity: req.Capacity,
		Active:   true,
	})
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resourceBody(res))
}

func (a *API) DeactivateResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req resourceRequest
	if err := httpx.DecodeJSON(r, &req); err != nil || strings.TrimSpace(req.ResourceID) == "" {
		badRequest(w, "resource_id required")
		return
	}
	res, err := a.engine.DeactivateResource(r.Context(), tenantID(r), strings.TrimSpace(req.ResourceID))
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, resourceBody(res))
}

type serviceRequest struct {
	ServiceID           string `json:"service_id"`
	Name                string `json:"name"`
	DurationMinutes     int    `json:"duration_minutes"`
	BufferBeforeMinutes int    `json:"buffer_before_minutes"`
	BufferAfterMinutes  int    `json:"buffer_after_minutes"`
	CapacityUnits       int    `json:"capacity_units"`
	PriceMinor          int64  `json:"price_minor"`
	Currency            string `json:"currency"`
	SlotStepMinutes     int    `json:"slot_step_minutes"`
}

func (a *API) SaveService(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req serviceRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		badRequest(w, "invalid json body")
		return
	}
	svc, err := a.engine.SaveService(r.Context(), model.Service{
		ID:            strings.TrimSpace(req.ServiceID),
		TenantID:      tenantID(r),
		Name:          strings.TrimSpace(req.Name),
		Duration:      minutes(req.DurationMinutes),
		BufferBefore:  minutes(req.BufferBeforeMinutes),
		BufferAfter:   minutes(req.BufferAfterMinutes),
		CapacityUnits: req.CapacityUnits,
		PriceMinor:    req.PriceMinor,
		Currency:      strings.ToUpper(strings.TrimSpace(req.Currency)),
		SlotStep:      minutes(req.SlotStepMinutes),
	})
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"service_id": svc.ID, "capacity_units": svc.CapacityUnits})
}

func minutes(n int) time.Duration { return time.Duration(n) * time.Minute }

type ruleRequest struct {
	RuleID         string `json:"rule_id"`
	ResourceID     string `json:"resource_id"`
	Weekdays       []int  `json:"weekdays"`
	StartTime      string `json:"start_time"`
	EndTime        string `json:"end_time"`
	EffectiveFrom  string `json:"effective_from"`
	EffectiveUntil string `json:"effective_until"`
}

func (a *API) SaveRule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req ruleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		badRequest(w, "invalid json body")
		return
	}
	window, err := parseWindow(req.StartTime, req.EndTime)
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	rule := model.WorkScheduleRule{
		ID:          strings.TrimSpace(req.RuleID),
		TenantID:    tenantID(r),
		ResourceID:  strings.TrimSpace(req.ResourceID),
		StartMinute: window.StartMinute,
		EndMinute:   window.EndMinute,
	}
	for _, d := range req.Weekdays {
		if d < 0 || d > 6 {
			badRequest(w, "weekdays must be 0 (Sunday) to 6")
			return
		}
		rule.Weekdays = append(rule.Weekdays, time.Weekday(d))
	}
	if rule.EffectiveFrom, err = model.ParseDate(strings.TrimSpace(req.EffectiveFrom)); err != nil {
		badRequest(w, "invalid effective_from")
		return
	}
	if raw := strings.TrimSpace(req.EffectiveUntil); raw != "" {
		until, err := model.ParseDate(raw)
		if err != nil {
			badRequest(w, "invalid effective_until")
			return
		}
		rule.EffectiveUntil = &until
	}
	saved, err := a.engine.SaveRule(r.Context(), rule)
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"rule_id": saved.ID})
}

type windowRequest struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

type exceptionRequest struct {
	ResourceID string          `json:"resource_id"`
	Date       string          `json:"date"`
	Closed     bool            `json:"closed"`
	Windows    []windowRequest `json:"windows"`
	Reason     string          `json:"reason"`
}

func (a *API) SaveException(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req exceptionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		badRequest(w, "invalid json body")
		return
	}
	date, err := model.ParseDate(strings.TrimSpace(req.Date))
	if err != nil {
		badRequest(w, "invalid date")
		return
	}
	x := model.ScheduleException{
		TenantID:   tenantID(r),
		ResourceID: strings.TrimSpace(req.ResourceID),
		Date:       date,
		Closed:     req.Closed,
		Reason:     strings.TrimSpace(req.Reason),
	}
	for _, wr := range req.Windows {
		window, err := parseWindow(wr.StartTime, wr.EndTime)
		if err != nil {
			writeError(w, a.logger, err)
			return
		}
		x.Windows = append(x.Windows, window)
	}
	saved, err := a.engine.SaveException(r.Context(), x)
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"exception_id": saved.ID})
}

// parseWindow reads "HH:MM" local times. "24:00" closes a window at midnight.
func parseWindow(start, end string) (model.TimeWindow, error) {
	s, err := clockMinutes(start)
	if err != nil {
		return model.TimeWindow{}, model.Invalid("start_time", "must be HH:MM")
	}
	e, err := clockMinutes(end)
	if err != nil {
		return model.TimeWindow{}, model.Invalid("end_time", "must be HH:MM")
	}
	return model.TimeWindow{StartMinute: s, EndMinute: e}, nil
}

func clockMinutes(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "24:00" {
		return model.MinutesPerDay, nil
	}
	t, err := time.Parse("15:04", raw)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
