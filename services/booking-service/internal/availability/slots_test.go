package availability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/guard"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/recurrence"
)

var day = time.Date(2026, 1, 28, 0, 0, 0, 0, time.UTC) // a Wednesday

func at(h, m int) time.Time { return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }

func TestWindowSlots_Basic(t *testing.T) {
	busy := []guard.Claim{{ID: "b1", Interval: model.Interval{Start: at(9, 15), End: at(9, 45)}, Cost: 1}}
	fit := Fit{Duration: 15 * time.Minute, Step: 15 * time.Minute, Capacity: 1, NotBefore: day}

	slots := Collect(WindowSlots("r1", model.Interval{Start: at(9, 0), End: at(10, 0)}, fit, busy), 0)
	if len(slots) != 2 {
		t.Fatalf("expected 2 slots, got %d", len(slots))
	}
	if !slots[0].Start.Equal(at(9, 0)) {
		t.Fatalf("expected first slot 09:00, got %s", slots[0].Start.Format(time.RFC3339))
	}
	if !slots[1].Start.Equal(at(9, 45)) || !slots[1].End.Equal(at(10, 0)) {
		t.Fatalf("expected second slot 09:45-10:00, got %+v", slots[1])
	}
}

func TestWindowSlots_SkipsPast(t *testing.T) {
	fit := Fit{Duration: 15 * time.Minute, Step: 15 * time.Minute, Capacity: 1, NotBefore: at(9, 31)}
	slots := Collect(WindowSlots("r1", model.Interval{Start: at(9, 0), End: at(10, 0)}, fit, nil), 0)
	// 09:00, 09:15, 09:30 start before now. 09:45 is future.
	if len(slots) != 1 {
		t.Fatalf("expected 1 slot, got %d", len(slots))
	}
	if !slots[0].Start.Equal(at(9, 45)) {
		t.Fatalf("expected slot 09:45, got %s", slots[0].Start.Format(time.RFC3339))
	}
}

func TestWindowSlots_BufferAfterBlocksFollowingStart(t *testing.T) {
	// Existing booking 10:00-10:30 with a 10 minute buffer after holds [10:00, 10:40).
	busy := []guard.Claim{{ID: "b1", Interval: model.Interval{Start: at(10, 0), End: at(10, 40)}, Cost: 1}}
	fit := Fit{Duration: 30 * time.Minute, BufferAfter: 10 * time.Minute, Step: 5 * time.Minute, Capacity: 1}

	slots := Collect(WindowSlots("r1", model.Interval{Start: at(10, 30), End: at(12, 0)}, fit, busy), 0)
	if len(slots) == 0 {
		t.Fatalf("expected slots")
	}
	for _, s := range slots {
		if s.Start.Equal(at(10, 35)) {
			t.Fatalf("10:35 must be blocked by the buffer")
		}
	}
	if !slots[0].Start.Equal(at(10, 40)) {
		t.Fatalf("expected first slot 10:40, got %s", slots[0].Start.Format("15:04"))
	}
	last := slots[len(slots)-1]
	if !last.End.Add(fit.BufferAfter).Equal(at(12, 0)) {
		t.Fatalf("last slot buffer must end at the window end, got %s", last.End.Format("15:04"))
	}
}

func TestWindowSlots_BufferBeforeMustFitWindow(t *testing.T) {
	fit := Fit{Duration: 30 * time.Minute, BufferBefore: 10 * time.Minute, Step: 15 * time.Minute, Capacity: 1}
	slots := Collect(WindowSlots("r1", model.Interval{Start: at(9, 0), End: at(10, 0)}, fit, nil), 0)
	if len(slots) != 2 || !slots[0].Start.Equal(at(9, 15)) || !slots[1].Start.Equal(at(9, 30)) {
		t.Fatalf("expected 09:15 and 09:30, got %+v", slots)
	}
}

func TestWindowSlots_CapacityUnits(t *testing.T) {
	busy := []guard.Claim{{ID: "b1", Interval: model.Interval{Start: at(9, 0), End: at(9, 30)}, Cost: 2}}
	small := Fit{Duration: 30 * time.Minute, Step: 30 * time.Minute, Capacity: 3, Units: 1}
	large := small
	large.Units = 2

	if got := Collect(WindowSlots("r1", model.Interval{Start: at(9, 0), End: at(10, 0)}, small, busy), 0); len(got) != 2 {
		t.Fatalf("expected both slots for one unit, got %d", len(got))
	}
	got := Collect(WindowSlots("r1", model.Interval{Start: at(9, 0), End: at(10, 0)}, large, busy), 0)
	if len(got) != 1 || !got[0].Start.Equal(at(9, 30)) {
		t.Fatalf("expected only 09:30 for two units, got %+v", got)
	}
}

type fakeCatalog struct {
	resources map[string]model.Resource
	service   model.Service
	rules     map[string][]model.WorkScheduleRule
}

func (f *fakeCatalog) GetResource(_ context.Context, _, id string) (model.Resource, error) {
	r, ok := f.resources[id]
	if !ok {
		return model.Resource{}, model.UnknownResource(id)
	}
	return r, nil
}

func (f *fakeCatalog) GetService(_ context.Context, _, id string) (model.Service, error) {
	if id != f.service.ID {
		return model.Service{}, model.UnknownService(id)
	}
	return f.service, nil
}

func (f *fakeCatalog) ListRules(_ context.Context, _, resourceID string) ([]model.WorkScheduleRule, error) {
	return f.rules[resourceID], nil
}

func (f *fakeCatalog) ListExceptions(context.Context, string, string, model.Date, model.Date) ([]model.ScheduleException, error) {
	return nil, nil
}

func newCatalog() *fakeCatalog {
	rule := func(startH, endH int) []model.WorkScheduleRule {
		return []model.WorkScheduleRule{{
			Weekdays:      []time.Weekday{time.Wednesday},
			StartMinute:   startH * 60,
			EndMinute:     endH * 60,
			EffectiveFrom: model.Date{Year: 2026, Month: time.January, Day: 1},
		}}
	}
	return &fakeCatalog{
		resources: map[string]model.Resource{
			"r-a": {ID: "r-a", TenantID: "t1", Timezone: "UTC", Capacity: 1, Active: true},
			"r-b": {ID: "r-b", TenantID: "t1", Timezone: "UTC", Capacity: 1, Active: true},
		},
		service: model.Service{ID: "s1", TenantID: "t1", Duration: 30 * time.Minute, CapacityUnits: 1, SlotStep: 30 * time.Minute},
		rules:   map[string][]model.WorkScheduleRule{"r-a": rule(9, 11), "r-b": rule(10, 11)},
	}
}

func TestCalculator_OrdersAcrossResources(t *testing.T) {
	cat := newCatalog()
	g := guard.NewMemory()
	calc := NewCalculator(cat, recurrence.NewExpander(cat), g)

	seq, err := calc.Slots(context.Background(), Query{
		TenantID:    "t1",
		ResourceIDs: []string{"r-b", "r-a"},
		ServiceID:   "s1",
		Window:      model.Interval{Start: day, End: day.Add(24 * time.Hour)},
	})
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	got := Collect(seq, 0)
	want := []struct {
		res   string
		start time.Time
	}{
		{"r-a", at(9, 0)}, {"r-a", at(9, 30)}, {"r-a", at(10, 0)}, {"r-b", at(10, 0)}, {"r-a", at(10, 30)}, {"r-b", at(10, 30)},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d slots, got %d: %+v", len(want), len(got), got)
	}
	for i, w := range want {
		if got[i].ResourceID != w.res || !got[i].Start.Equal(w.start) {
			t.Fatalf("slot %d: expected %s@%s, got %s@%s", i, w.res, w.start.Format("15:04"), got[i].ResourceID, got[i].Start.Format("15:04"))
		}
	}

	// The sequence is restartable and reads the snapshot taken when it was built.
	if _, err := g.TryClaim(context.Background(), guard.ClaimRequest{
		ClaimID: "c1", TenantID: "t1", ResourceID: "r-a", Interval: model.Interval{Start: at(9, 0), End: at(11, 0)}, Cost: 1, Capacity: 1,
	}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if again := Collect(seq, 0); len(again) != len(got) {
		t.Fatalf("expected replay to yield %d slots, got %d", len(got), len(again))
	}

	fresh, err := calc.Slots(context.Background(), Query{TenantID: "t1", ResourceIDs: []string{"r-a", "r-b"}, ServiceID: "s1", Window: model.Interval{Start: day, End: day.Add(24 * time.Hour)}})
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	for _, s := range Collect(fresh, 0) {
		if s.ResourceID == "r-a" {
			t.Fatalf("r-a is fully claimed, got slot %+v", s)
		}
	}
}

func TestCalculator_EarlyStopAndErrors(t *testing.T) {
	cat := newCatalog()
	calc := NewCalculator(cat, recurrence.NewExpander(cat), guard.NewMemory())
	window := model.Interval{Start: day, End: day.Add(24 * time.Hour)}

	seq, err := calc.Slots(context.Background(), Query{TenantID: "t1", ResourceIDs: []string{"r-a", "r-b"}, ServiceID: "s1", Window: window})
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	if got := Collect(seq, 2); len(got) != 2 {
		t.Fatalf("expected limit to stop the sequence, got %d", len(got))
	}

	_, err = calc.Slots(context.Background(), Query{TenantID: "t1", ResourceIDs: []string{"r-a"}, ServiceID: "s1", Window: model.Interval{Start: day, End: day}})
	if !errors.Is(err, model.ErrInvalidRange) {
		t.Fatalf("expected invalid range, got %v", err)
	}
	_, err = calc.Slots(context.Background(), Query{TenantID: "t1", ResourceIDs: []string{"nope"}, ServiceID: "s1", Window: window})
	if !errors.Is(err, model.ErrUnknownResource) {
		t.Fatalf("expected unknown resource, got %v", err)
	}
	_, err = calc.Slots(context.Background(), Query{TenantID: "t1", ResourceIDs: []string{"r-a"}, ServiceID: "nope", Window: window})
	if !errors.Is(err, model.ErrUnknownService) {
		t.Fatalf("expected unknown service, got %v", err)
	}
}

func TestCalculator_GridFollowsWorkingHours(t *testing.T) {
	cat := newCatalog()
	cat.service.SlotStep = 15 * time.Minute
	cat.service.Duration = 15 * time.Minute
	calc := NewCalculator(cat, recurrence.NewExpander(cat), guard.NewMemory())

	seq, err := calc.Slots(context.Background(), Query{
		TenantID: "t1", ResourceIDs: []string{"r-a"}, ServiceID: "s1",
		Window: model.Interval{Start: at(10, 7), End: at(10, 40)},
	})
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	got := Collect(seq, 0)
	// r-a opens at 09:00; a 10:07 query must not shift the grid to 10:07/10:22.
	want := []time.Time{at(10, 15)}
	if len(got) != len(want) {
		t.Fatalf("expected %d slots, got %+v", len(want), got)
	}
	for i, w := range want {
		if !got[i].Start.Equal(w) {
			t.Fatalf("slot %d: expected %s, got %s", i, w.Format("15:04"), got[i].Start.Format("15:04"))
		}
	}
}

func TestCalculator_BufferBeforeReachesPastQueryStart(t *testing.T) {
	cat := newCatalog()
	cat.service.BufferBefore = 10 * time.Minute
	calc := NewCalculator(cat, recurrence.NewExpander(cat), guard.NewMemory())

	seq, err := calc.Slots(context.Background(), Query{
		TenantID: "t1", ResourceIDs: []string{"r-a"}, ServiceID: "s1",
		Window: model.Interval{Start: at(10, 0), End: at(11, 0)},
	})
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	got := Collect(seq, 0)
	// The 10:00 buffer sits in open time before the query start.
	if len(got) != 2 || !got[0].Start.Equal(at(10, 0)) || !got[1].Start.Equal(at(10, 30)) {
		t.Fatalf("expected 10:00 and 10:30, got %+v", got)
	}

	// A claim inside the buffer but before the query start still blocks 10:00.
	g := guard.NewMemory()
	if _, err := g.TryClaim(context.Background(), guard.ClaimRequest{
		ClaimID: "c1", TenantID: "t1", ResourceID: "r-a", Interval: model.Interval{Start: at(9, 30), End: at(9, 55)}, Cost: 1, Capacity: 1,
	}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	calc = NewCalculator(cat, recurrence.NewExpander(cat), g)
	seq, err = calc.Slots(context.Background(), Query{
		TenantID: "t1", ResourceIDs: []string{"r-a"}, ServiceID: "s1",
		Window: model.Interval{Start: at(10, 0), End: at(11, 0)},
	})
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	if got := Collect(seq, 0); len(got) != 1 || !got[0].Start.Equal(at(10, 30)) {
		t.Fatalf("expected only 10:30, got %+v", got)
	}
}

func TestWindowSlots_WithinBoundsTheSlot(t *testing.T) {
	fit := Fit{
		Duration: 15 * time.Minute, Step: 15 * time.Minute, Capacity: 1, BufferAfter: 10 * time.Minute,
		Within: model.Interval{Start: at(9, 20), End: at(10, 0)},
	}
	slots := Collect(WindowSlots("r1", model.Interval{Start: at(9, 0), End: at(11, 0)}, fit, nil), 0)
	// 09:30 and 09:45 lie within; the 09:45 buffer runs past 10:00 into open time.
	if len(slots) != 2 || !slots[0].Start.Equal(at(9, 30)) || !slots[1].Start.Equal(at(9, 45)) {
		t.Fatalf("expected 09:30 and 09:45, got %+v", slots)
	}
}
