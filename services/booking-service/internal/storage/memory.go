package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/guard"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/model"
)

type tenantKey struct {
	tenantID string
	id       string
}

type outboxRow struct {
	seq   int64
	event model.OutboxEvent
}

// Memory is a Store kept in process memory. InTx holds the write lock for the whole unit and
// undoes its writes when fn fails, so units are serialized and all-or-nothing.
type Memory struct {
	mu sync.RWMutex

	resources  map[tenantKey]model.Resource
	services   map[tenantKey]model.Service
	rules      map[tenantKey][]model.WorkScheduleRule
	exceptions map[tenantKey][]model.ScheduleException

	holds          map[tenantKey]model.Hold
	holdsByClient  map[tenantKey]string
	bookings       map[tenantKey]model.Booking
	bookingsByClnt map[tenantKey]string

	outbox  []outboxRow
	outSeq  int64
	outByID map[string]int
	inbox   map[string]string
}

func NewMemory() *Memory {
	return &Memory{
		resources:      map[tenantKey]model.Resource{},
		services:       map[tenantKey]model.Service{},
		rules:          map[tenantKey][]model.WorkScheduleRule{},
		exceptions:     map[tenantKey][]model.ScheduleException{},
		holds:          map[tenantKey]model.Hold{},
		holdsByClient:  map[tenantKey]string{},
		bookings:       map[tenantKey]model.Booking{},
		bookingsByClnt: map[tenantKey]string{},
		outByID:        map[string]int{},
		inbox:          map[string]string{},
	}
}

func (m *Memory) GetResource(_ context.Context, tenantID, resourceID string) (model.Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.resources[tenantKey{tenantID, resourceID}]
	if !ok {
		return model.Resource{}, model.UnknownResource(resourceID)
	}
	return r, nil
}

func (m *Memory) GetService(_ context.Context, tenantID, serviceID string) (model.Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.services[tenantKey{tenantID, serviceID}]
	if !ok {
		return model.Service{}, model.UnknownService(serviceID)
	}
	return s, nil
}

func (m *Memory) ListRules(_ context.Context, tenantID, resourceID string) ([]model.WorkScheduleRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.WorkScheduleRule(nil), m.rules[tenantKey{tenantID, resourceID}]...), nil
}

func (m *Memory) ListExceptions(_ context.Context, tenantID, resourceID string, from, to model.Date) ([]model.ScheduleException, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.ScheduleException
	for _, e := range m.exceptions[tenantKey{tenantID, resourceID}] {
		if !e.Date.Before(from) && !e.Date.After(to) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) SaveResource(_ context.Context, r model.Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := tenantKey{r.TenantID, r.ID}
	if old, ok := m.resources[k]; ok {
		if err := checkResourceUpdate(old, r, m.resourceHasBookings(r.TenantID, r.ID)); err != nil {
			return err
		}
		r.CreatedAt = old.CreatedAt
	}
	m.resources[k] = r
	return nil
}

func (m *Memory) SetResourceActive(_ context.Context, tenantID, resourceID string, active bool) (model.Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := tenantKey{tenantID, resourceID}
	r, ok := m.resources[k]
	if !ok {
		return model.Resource{}, model.UnknownResource(resourceID)
	}
	r.Active = active
	m.resources[k] = r
	return r, nil
}

func (m *Memory) resourceHasBookings(tenantID, resourceID string) bool {
	for _, b := range m.bookings {
		if b.TenantID == tenantID && b.ResourceID == resourceID {
			return true
		}
	}
	return false
}

func (m *Memory) SaveService(_ context.Context, s model.Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[tenantKey{s.TenantID, s.ID}] = s
	return nil
}

func (m *Memory) SaveRule(_ context.Context, r model.WorkScheduleRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := tenantKey{r.TenantID, r.ResourceID}
	rules := m.rules[k]
	for i := range rules {
		if rules[i].ID == r.ID {
			rules[i] = r
			return nil
		}
	}
	m.rules[k] = append(rules, r)
	return nil
}

func (m *Memory) SaveException(_ context.Context, e model.ScheduleException) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := tenantKey{e.TenantID, e.ResourceID}
	list := m.exceptions[k]
	for i := range list {
		if list[i].ID == e.ID || list[i].Date == e.Date {
			list[i] = e
			return nil
		}
	}
	m.exceptions[k] = append(list, e)
	return nil
}

func (m *Memory) GetHold(_ context.Context, tenantID, holdID string) (model.Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getHold(tenantID, holdID)
}

func (m *Memory) getHold(tenantID, holdID string) (model.Hold, error) {
	h, ok := m.holds[tenantKey{tenantID, holdID}]
	if !ok {
		return model.Hold{}, model.UnknownHold(holdID)
	}
	return h, nil
}

func (m *Memory) FindHoldByClientID(_ context.Context, tenantID, clientID string) (model.Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.holdsByClient[tenantKey{tenantID, clientID}]
	if !ok {
		return model.Hold{}, model.UnknownHold(clientID)
	}
	return m.getHold(tenantID, id)
}

func (m *Memory) ListExpiredHolds(_ context.Context, at time.Time, limit int) ([]model.Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Hold
	for _, h := range m.holds {
		if h.State == model.HoldActive && !at.Before(h.ExpiresAt) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListLiveHoldsOverlapping(_ context.Context, tenantID, resourceID string, iv model.Interval) ([]model.Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Hold
	for _, h := range m.holds {
		if h.TenantID == tenantID && h.ResourceID == resourceID && h.State == model.HoldActive && h.ClaimInterval.Overlaps(iv) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (m *Memory) GetBooking(_ context.Context, tenantID, bookingID string) (model.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getBooking(tenantID, bookingID)
}

func (m *Memory) getBooking(tenantID, bookingID string) (model.Booking, error) {
	b, ok := m.bookings[tenantKey{tenantID, bookingID}]
	if !ok {
		return model.Booking{}, model.UnknownBooking(bookingID)
	}
	return b, nil
}

func (m *Memory) FindBookingByClientID(_ context.Context, tenantID, clientID string) (model.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.bookingsByClnt[tenantKey{tenantID, clientID}]
	if !ok {
		return model.Booking{}, model.UnknownBooking(clientID)
	}
	return m.getBooking(tenantID, id)
}

func (m *Memory) ListBookings(_ context.Context, tenantID, resourceID string, window model.Interval) ([]model.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Booking
	for _, b := range m.bookings {
		if b.TenantID != tenantID || (resourceID != "" && b.ResourceID != resourceID) {
			continue
		}
		if window.Valid() && !b.Interval.Overlaps(window) {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Interval.Start.Equal(out[j].Interval.Start) {
			return out[i].Interval.Start.Before(out[j].Interval.Start)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) ListActiveClaims(context.Context) ([]guard.Claim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []guard.Claim
	for _, h := range m.holds {
		if h.State == model.HoldActive && h.ClaimID != "" {
			out = append(out, holdClaim(h))
		}
	}
	for _, b := range m.bookings {
		if b.Status.Occupying() && b.ClaimID != "" {
			out = append(out, bookingClaim(b))
		}
	}
	return out, nil
}

func (m *Memory) ClaimStates(_ context.Context, claimIDs []string) (map[string]ClaimState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ClaimState, len(claimIDs))
	for _, id := range claimIDs {
		out[id] = ClaimUnknown
	}
	mark := func(id string, live bool) {
		state, ok := out[id]
		if !ok || state == ClaimLive {
			return
		}
		if live {
			out[id] = ClaimLive
			return
		}
		out[id] = ClaimEnded
	}
	for _, h := range m.holds {
		mark(h.ClaimID, h.State == model.HoldActive)
	}
	for _, b := range m.bookings {
		mark(b.ClaimID, b.Status.Occupying())
	}
	return out, nil
}

func (m *Memory) HasInbox(_ context.Context, eventID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.inbox[eventID]
	return ok, nil
}

func (m *Memory) RecordInbox(_ context.Context, eventID, eventType string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inbox[eventID]; ok {
		return false, nil
	}
	m.inbox[eventID] = eventType
	return true, nil
}

func (m *Memory) FetchUndelivered(_ context.Context, now time.Time, limit int) ([]model.OutboxEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	blocked := map[string]bool{}
	var out []model.OutboxEvent
	for _, row := range m.outbox {
		ev := row.event
		if ev.DeliveredAt != nil || blocked[ev.TenantID] {
			continue
		}
		if ev.NextAttemptAt.After(now) {
			blocked[ev.TenantID] = true
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) MarkDelivered(_ context.Context, eventID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.outByID[eventID]
	if !ok {
		return nil
	}
	at = at.UTC()
	m.outbox[i].event.DeliveredAt = &at
	m.outbox[i].event.LastError = ""
	return nil
}

func (m *Memory) MarkFailed(_ context.Context, eventID string, attempts int, nextAttemptAt time.Time, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.outByID[eventID]
	if !ok {
		return nil
	}
	m.outbox[i].event.Attempts = attempts
	m.outbox[i].event.NextAttemptAt = nextAttemptAt.UTC()
	m.outbox[i].event.LastError = lastErr
	return nil
}

func (m *Memory) Backlog(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, row := range m.outbox {
		if row.event.DeliveredAt == nil {
			n++
		}
	}
	return n, nil
}

// Events returns every outbox event in creation order.
func (m *Memory) Events() []model.OutboxEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.OutboxEvent, 0, len(m.outbox))
	for _, row := range m.outbox {
		out = append(out, row.event)
	}
	return out
}

func (m *Memory) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memoryTx{m: m}
	if err := fn(tx); err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		return err
	}
	return nil
}

// memoryTx runs with m.mu held.
type memoryTx struct {
	m    *Memory
	undo []func()
}

func (tx *memoryTx) GetHoldForUpdate(_ context.Context, tenantID, holdID string) (model.Hold, error) {
	return tx.m.getHold(tenantID, holdID)
}

func (tx *memoryTx) InsertHold(_ context.Context, h model.Hold) error {
	k := tenantKey{h.TenantID, h.ID}
	if _, ok := tx.m.holds[k]; ok {
		return ErrDuplicate
	}
	ck := tenantKey{h.TenantID, h.ClientGeneratedID}
	if h.ClientGeneratedID != "" {
		if _, ok := tx.m.holdsByClient[ck]; ok {
			return ErrDuplicate
		}
		tx.m.holdsByClient[ck] = h.ID
	}
	tx.m.holds[k] = h
	tx.undo = append(tx.undo, func() {
		delete(tx.m.holds, k)
		if h.ClientGeneratedID != "" {
			delete(tx.m.holdsByClient, ck)
		}
	})
	return nil
}

func (tx *memoryTx) TransitionHold(_ context.Context, t HoldTransition) (model.Hold, error) {
	k := tenantKey{t.TenantID, t.HoldID}
	h, ok := tx.m.holds[k]
	if !ok {
		return model.Hold{}, model.UnknownHold(t.HoldID)
	}
	if err := checkHoldTransition(h, t); err != nil {
		return h, err
	}
	prev := h
	h.State = t.To
	h.UpdatedAt = t.At.UTC()
	if t.BookingID != "" {
		h.BookingID = t.BookingID
	}
	tx.m.holds[k] = h
	tx.undo = append(tx.undo, func() { tx.m.holds[k] = prev })
	return h, nil
}

func (tx *memoryTx) GetBookingForUpdate(_ context.Context, tenantID, bookingID string) (model.Booking, error) {
	return tx.m.getBooking(tenantID, bookingID)
}

func (tx *memoryTx) InsertBooking(_ context.Context, b model.Booking) error {
	k := tenantKey{b.TenantID, b.ID}
	if _, ok := tx.m.bookings[k]; ok {
		return ErrDuplicate
	}
	ck := tenantKey{b.TenantID, b.ClientGeneratedID}
	if b.ClientGeneratedID != "" {
		if _, ok := tx.m.bookingsByClnt[ck]; ok {
			return ErrDuplicate
		}
		tx.m.bookingsByClnt[ck] = b.ID
	}
	tx.m.bookings[k] = b
	tx.undo = append(tx.undo, func() {
		delete(tx.m.bookings, k)
		if b.ClientGeneratedID != "" {
			delete(tx.m.bookingsByClnt, ck)
		}
	})
	return nil
}

func (tx *memoryTx) UpdateBooking(_ context.Context, b model.Booking) error {
	k := tenantKey{b.TenantID, b.ID}
	prev, ok := tx.m.bookings[k]
	if !ok {
		return model.UnknownBooking(b.ID)
	}
	tx.m.bookings[k] = b
	tx.undo = append(tx.undo, func() { tx.m.bookings[k] = prev })
	return nil
}

func (tx *memoryTx) AppendOutbox(_ context.Context, ev model.OutboxEvent) error {
	if _, ok := tx.m.outByID[ev.ID]; ok {
		return ErrDuplicate
	}
	tx.m.outSeq++
	tx.m.outbox = append(tx.m.outbox, outboxRow{seq: tx.m.outSeq, event: ev})
	tx.m.outByID[ev.ID] = len(tx.m.outbox) - 1
	tx.undo = append(tx.undo, func() {
		tx.m.outbox = tx.m.outbox[:len(tx.m.outbox)-1]
		delete(tx.m.outByID, ev.ID)
		tx.m.outSeq--
	})
	return nil
}
