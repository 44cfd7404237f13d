package booking

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/md-rashed-zaman/bookingcore/libs/clock"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/guard"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/holds"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/idempotency"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/policy"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/storage"
)

var now0 = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

func slot(h, m, minutes int) model.Interval {
	start := time.Date(2026, 5, 4, h, m, 0, 0, time.UTC)
	return model.Interval{Start: start, End: start.Add(time.Duration(minutes) * time.Minute)}
}

type releaseCounter struct {
	guard.Guard
	mu       sync.Mutex
	releases map[string]int
}

func (g *releaseCounter) Release(ctx context.Context, claimID string) error {
	g.mu.Lock()
	g.releases[claimID]++
	g.mu.Unlock()
	return g.Guard.Release(ctx, claimID)
}

type fixture struct {
	store   *storage.Memory
	guard   *releaseCounter
	clock   *clock.Fake
	holds   *holds.Manager
	machine *Machine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemory()
	if err := store.SaveResource(ctx, model.Resource{ID: "r1", TenantID: "t1", Timezone: "UTC", Capacity: 1, Active: true}); err != nil {
		t.Fatalf("save resource: %v", err)
	}
	if err := store.SaveService(ctx, model.Service{ID: "s1", TenantID: "t1", Duration: 30 * time.Minute, BufferAfter: 10 * time.Minute, CapacityUnits: 1, PriceMinor: 4000, Currency: "USD"}); err != nil {
		t.Fatalf("save service: %v", err)
	}
	clk := clock.NewFake(now0)
	g := &releaseCounter{Guard: guard.NewMemory(), releases: map[string]int{}}
	ledger := idempotency.NewMemory(clk)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pol := policy.Window{LateCancelWindow: 24 * time.Hour, LateCancelPercent: 50, NoShowPercent: 100}
	return &fixture{
		store:   store,
		guard:   g,
		clock:   clk,
		holds:   holds.NewManager(store, g, ledger, clk, logger, holds.Config{}),
		machine: NewMachine(store, g, ledger, pol, clk, logger),
	}
}

func (f *fixture) book(t *testing.T, cid string, iv model.Interval, confirm bool) model.Booking {
	t.Helper()
	b, err := f.machine.Create(context.Background(), CreateRequest{TenantID: "t1", ResourceID: "r1", ServiceID: "s1", CustomerID: "cust-1", Interval: iv, ClientGeneratedID: cid, Confirm: confirm})
	if err != nil {
		t.Fatalf("create %s: %v", cid, err)
	}
	return b
}

func (f *fixture) eventTypes() []string {
	var out []string
	for _, ev := range f.store.Events() {
		out = append(out, ev.Type)
	}
	return out
}

func TestCreate_DirectClaimAndReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, "c1", slot(10, 0, 30), false)
	if b.Status != model.BookingPending || !b.ClaimInterval.End.Equal(slot(10, 0, 40).End) {
		t.Fatalf("unexpected booking %+v", b)
	}
	if active, _ := f.guard.Active(ctx, b.ClaimID); !active {
		t.Fatalf("expected claim to be active")
	}
	if len(f.store.Events()) != 0 {
		t.Fatalf("pending creation emits no event, got %v", f.eventTypes())
	}

	again := f.book(t, "c1", slot(10, 0, 30), false)
	if again.ID != b.ID {
		t.Fatalf("expected replay to return %s, got %s", b.ID, again.ID)
	}

	_, err := f.machine.Create(ctx, CreateRequest{TenantID: "t1", ResourceID: "r1", ServiceID: "s1", Interval: slot(10, 30, 30), ClientGeneratedID: "c2"})
	if !errors.Is(err, model.ErrSlotUnavailable) {
		t.Fatalf("buffer overlap must be rejected, got %v", err)
	}
	f.book(t, "c3", slot(10, 40, 30), false)
}

func TestCreate_ReplayOfFinishedBooking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, "c1", slot(10, 0, 30), true)
	if _, err := f.machine.Cancel(ctx, CancelRequest{TenantID: "t1", BookingID: b.ID}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, err := f.machine.Create(ctx, CreateRequest{TenantID: "t1", ResourceID: "r1", ServiceID: "s1", Interval: slot(10, 0, 30), ClientGeneratedID: "c1"})
	if !errors.Is(err, model.ErrAlreadyConsumed) || got.ID != b.ID {
		t.Fatalf("expected AlreadyConsumed for %s, got %v %+v", b.ID, err, got)
	}
}

func TestCreate_FromHoldTransfersClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h, err := f.holds.Create(ctx, holds.CreateRequest{TenantID: "t1", ResourceID: "r1", ServiceID: "s1", Interval: slot(11, 0, 30), ClientGeneratedID: "h1"})
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	b, err := f.machine.Create(ctx, CreateRequest{TenantID: "t1", HoldID: h.ID, ServiceID: "s1", ClientGeneratedID: "b1", Confirm: true})
	if err != nil {
		t.Fatalf("create from hold: %v", err)
	}
	if b.ClaimID != h.ClaimID || b.HoldID != h.ID || !b.Interval.Equal(h.Interval) {
		t.Fatalf("expected booking to take over the hold claim, got %+v", b)
	}
	if f.guard.releases[h.ClaimID] != 0 {
		t.Fatalf("conversion must not release the claim")
	}
	stored, _ := f.store.GetHold(ctx, "t1", h.ID)
	if stored.State != model.HoldConsumed || stored.BookingID != b.ID {
		t.Fatalf("expected consumed hold, got %+v", stored)
	}
	if types := f.eventTypes(); len(types) != 1 || types[0] != model.EventBookingConfirmed {
		t.Fatalf("expected one confirmed event, got %v", types)
	}

	// A second booking on the same hold fails: the hold is consumed.
	_, err = f.machine.Create(ctx, CreateRequest{TenantID: "t1", HoldID: h.ID, ServiceID: "s1", ClientGeneratedID: "b2"})
	if !errors.Is(err, model.ErrAlreadyConsumed) {
		t.Fatalf("expected AlreadyConsumed, got %v", err)
	}
	// The hold's sweeper must not release the claim now held by the booking.
	f.clock.Advance(time.Hour)
	if _, err := holds.NewSweeper(f.holds, slog.New(slog.NewTextHandler(io.Discard, nil)), holds.SweeperConfig{}).SweepOnce(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if active, _ := f.guard.Active(ctx, b.ClaimID); !active {
		t.Fatalf("claim must stay with the booking")
	}
}

func TestCreate_FromExpiredHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	h, err := f.holds.Create(ctx, holds.CreateRequest{TenantID: "t1", ResourceID: "r1", ServiceID: "s1", Interval: slot(11, 0, 30), ClientGeneratedID: "h1"})
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	f.clock.Advance(holds.DefaultTTL)
	_, err = f.machine.Create(ctx, CreateRequest{TenantID: "t1", HoldID: h.ID, ServiceID: "s1", ClientGeneratedID: "b1"})
	if !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("expected InvalidTransition for an expired hold, got %v", err)
	}
	if _, err := f.machine.Create(ctx, CreateRequest{TenantID: "t1", HoldID: h.ID, ServiceID: "s1", ClientGeneratedID: "b1"}); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("a failed attempt must not be cached as a success, got %v", err)
	}
}

func TestConfirmAndCancel_EmitOneEventEach(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// Two days out, so the late-cancel window does not apply.
	iv := slot(20, 0, 30)
	iv = model.Interval{Start: iv.Start.Add(48 * time.Hour), End: iv.End.Add(48 * time.Hour)}
	b := f.book(t, "c1", iv, false)

	confirmed, err := f.machine.Confirm(ctx, "t1", b.ID)
	if err != nil || confirmed.Status != model.BookingConfirmed || confirmed.ConfirmedAt == nil {
		t.Fatalf("confirm: %v %+v", err, confirmed)
	}
	if _, err := f.machine.Confirm(ctx, "t1", b.ID); err != nil {
		t.Fatalf("confirming twice is a no-op: %v", err)
	}

	canceled, err := f.machine.Cancel(ctx, CancelRequest{TenantID: "t1", BookingID: b.ID, Reason: "customer request"})
	if err != nil || canceled.Status != model.BookingCanceled || canceled.CancelReason != "customer request" {
		t.Fatalf("cancel: %v %+v", err, canceled)
	}
	if _, err := f.machine.Cancel(ctx, CancelRequest{TenantID: "t1", BookingID: b.ID}); err != nil {
		t.Fatalf("canceling twice is a no-op: %v", err)
	}
	if f.guard.releases[b.ClaimID] != 1 {
		t.Fatalf("expected one release, got %d", f.guard.releases[b.ClaimID])
	}
	if _, err := f.machine.Confirm(ctx, "t1", b.ID); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("canceled booking cannot be confirmed, got %v", err)
	}

	want := []string{model.EventBookingConfirmed, model.EventBookingCanceled}
	got := f.eventTypes()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("expected %v, got %v", want, got)
	}
	// Canceled booking frees the interval.
	f.book(t, "c2", iv, false)
}

func TestCancel_LateCancelRequestsCapture(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, "c1", slot(10, 0, 30), true)

	canceled, err := f.machine.Cancel(ctx, CancelRequest{TenantID: "t1", BookingID: b.ID})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if canceled.Fee.Status != model.FeeRequested || canceled.Fee.AmountMinor != 2000 || canceled.Fee.Reason != policy.ReasonLateCancel {
		t.Fatalf("unexpected fee %+v", canceled.Fee)
	}
	if canceled.Fee.CaptureID != CaptureID("t1", "cancel:"+b.ID) {
		t.Fatalf("capture id must be derived from the booking")
	}

	events := f.store.Events()
	if len(events) != 3 || events[1].Type != model.EventCaptureRequested || events[2].Type != model.EventBookingCanceled {
		t.Fatalf("unexpected events %v", f.eventTypes())
	}
	var payload CapturePayload
	if err := json.Unmarshal(events[1].Payload, &payload); err != nil {
		t.Fatalf("decode capture: %v", err)
	}
	if payload.CaptureID != canceled.Fee.CaptureID || payload.AmountMinor != 2000 || payload.Currency != "USD" {
		t.Fatalf("unexpected capture payload %+v", payload)
	}
}

func TestPaymentResult_AppliedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, "c1", slot(10, 0, 30), true)
	canceled, err := f.machine.Cancel(ctx, CancelRequest{TenantID: "t1", BookingID: b.ID})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if _, err := f.machine.ApplyPaymentResult(ctx, PaymentResult{TenantID: "t1", BookingID: b.ID, CaptureID: "other", Succeeded: true}); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("mismatched capture id must fail, got %v", err)
	}
	for i := 0; i < 2; i++ {
		settled, err := f.machine.ApplyPaymentResult(ctx, PaymentResult{TenantID: "t1", BookingID: b.ID, CaptureID: canceled.Fee.CaptureID, Succeeded: true})
		if err != nil || settled.Fee.Status != model.FeePaid {
			t.Fatalf("apply %d: %v %+v", i, err, settled.Fee)
		}
	}
	settledEvents := 0
	for _, typ := range f.eventTypes() {
		if typ == model.EventBookingFeeSettled {
			settledEvents++
		}
	}
	if settledEvents != 1 {
		t.Fatalf("expected one fee_settled event, got %d", settledEvents)
	}
}

func TestNoShowAndComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pending := f.book(t, "c1", slot(9, 0, 30), false)
	confirmed := f.book(t, "c2", slot(12, 0, 30), true)

	if _, err := f.machine.MarkNoShow(ctx, "t1", confirmed.ID); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("no-show before the end must fail, got %v", err)
	}
	f.clock.Set(slot(12, 30, 0).Start)
	if _, err := f.machine.Complete(ctx, "t1", pending.ID); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("pending booking cannot complete, got %v", err)
	}
	noShow, err := f.machine.MarkNoShow(ctx, "t1", confirmed.ID)
	if err != nil || noShow.Status != model.BookingNoShow || noShow.NoShowAt == nil {
		t.Fatalf("no-show: %v %+v", err, noShow)
	}
	if noShow.Fee.Status != model.FeeRequested || noShow.Fee.AmountMinor != 4000 || noShow.Fee.Reason != policy.ReasonNoShow {
		t.Fatalf("expected full no-show fee, got %+v", noShow.Fee)
	}
	if f.guard.releases[confirmed.ClaimID] != 1 {
		t.Fatalf("expected claim released")
	}
	if _, err := f.machine.Complete(ctx, "t1", confirmed.ID); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("no-show booking cannot complete, got %v", err)
	}

	other := f.book(t, "c3", slot(13, 0, 30), true)
	f.clock.Set(slot(14, 0, 0).Start)
	done, err := f.machine.Complete(ctx, "t1", other.ID)
	if err != nil || done.Status != model.BookingCompleted || done.CompletedAt == nil {
		t.Fatalf("complete: %v %+v", err, done)
	}
}

func TestReschedule_MovesAtomically(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, "c1", slot(10, 0, 30), true)

	next, err := f.machine.Reschedule(ctx, RescheduleRequest{TenantID: "t1", BookingID: b.ID, NewInterval: slot(10, 15, 30), ClientGeneratedID: "rs1"})
	if err != nil {
		t.Fatalf("reschedule onto an overlapping slot of the same booking: %v", err)
	}
	if next.Status != model.BookingConfirmed || next.RescheduledFrom != b.ID || next.ClaimID == b.ClaimID {
		t.Fatalf("unexpected new booking %+v", next)
	}
	old, _ := f.store.GetBooking(ctx, "t1", b.ID)
	if old.Status != model.BookingCanceled || old.SupersededBy != next.ID || old.CancelReason != reasonRescheduled {
		t.Fatalf("unexpected old booking %+v", old)
	}
	if active, _ := f.guard.Active(ctx, b.ClaimID); active {
		t.Fatalf("old claim must be released")
	}
	if types := f.eventTypes(); types[len(types)-1] != model.EventBookingRescheduled {
		t.Fatalf("expected rescheduled event, got %v", types)
	}

	replayed, err := f.machine.Reschedule(ctx, RescheduleRequest{TenantID: "t1", BookingID: b.ID, NewInterval: slot(10, 15, 30), ClientGeneratedID: "rs1"})
	if err != nil || replayed.ID != next.ID {
		t.Fatalf("expected replay of %s, got %v %+v", next.ID, err, replayed)
	}
}

func TestReschedule_UnavailableLeavesOldBooking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, "c1", slot(10, 0, 30), true)
	f.book(t, "c2", slot(11, 0, 30), true)
	before := len(f.store.Events())

	_, err := f.machine.Reschedule(ctx, RescheduleRequest{TenantID: "t1", BookingID: b.ID, NewInterval: slot(11, 15, 30)})
	if !errors.Is(err, model.ErrSlotUnavailable) {
		t.Fatalf("expected SlotUnavailable, got %v", err)
	}
	old, _ := f.store.GetBooking(ctx, "t1", b.ID)
	if old.Status != model.BookingConfirmed || old.SupersededBy != "" {
		t.Fatalf("old booking must be untouched, got %+v", old)
	}
	if active, _ := f.guard.Active(ctx, b.ClaimID); !active {
		t.Fatalf("old claim must stay")
	}
	if len(f.store.Events()) != before {
		t.Fatalf("failed reschedule must not emit events")
	}
}

func TestReschedule_DuplicateClientIDRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, "c1", slot(10, 0, 30), true)
	f.book(t, "taken", slot(15, 0, 30), false)

	_, err := f.machine.Reschedule(ctx, RescheduleRequest{TenantID: "t1", BookingID: b.ID, NewInterval: slot(12, 0, 30), ClientGeneratedID: "taken"})
	if !errors.Is(err, model.ErrValidation) {
		t.Fatalf("expected validation error for a reused client id, got %v", err)
	}
	old, _ := f.store.GetBooking(ctx, "t1", b.ID)
	if old.Status != model.BookingConfirmed {
		t.Fatalf("old booking must be untouched, got %+v", old)
	}
	claims, _ := f.guard.Snapshot(ctx, "t1", "r1", slot(12, 0, 40))
	if len(claims) != 0 {
		t.Fatalf("new claim must be released, got %+v", claims)
	}
}

func TestRequestCapture(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t, "c1", slot(10, 0, 30), true)
	req := CaptureRequest{TenantID: "t1", BookingID: b.ID, AmountMinor: 1500, Currency: "usd", ClientGeneratedID: "cap-1"}

	first, err := f.machine.RequestCapture(ctx, req)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if first.Fee.Status != model.FeeRequested || first.Fee.Currency != "USD" || first.Fee.CaptureID != CaptureID("t1", "cap-1") {
		t.Fatalf("unexpected fee %+v", first.Fee)
	}
	if _, err := f.machine.RequestCapture(ctx, req); err != nil {
		t.Fatalf("retry must replay: %v", err)
	}
	req.ClientGeneratedID = "cap-2"
	if _, err := f.machine.RequestCapture(ctx, req); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("second capture while one is pending must fail, got %v", err)
	}

	captures := 0
	for _, typ := range f.eventTypes() {
		if typ == model.EventCaptureRequested {
			captures++
		}
	}
	if captures != 1 {
		t.Fatalf("expected one capture event, got %d", captures)
	}
}

type recordingObserver struct {
	transitions []string
	replays     []string
}

func (o *recordingObserver) BookingTransition(to string)   { o.transitions = append(o.transitions, to) }
func (o *recordingObserver) IdempotentReplay(scope string) { o.replays = append(o.replays, scope) }

func TestObserver(t *testing.T) {
	f := newFixture(t)
	obs := &recordingObserver{}
	f.machine.WithObserver(obs)
	f.book(t, "c1", slot(10, 0, 30), true)
	f.book(t, "c1", slot(10, 0, 30), true)
	if len(obs.transitions) != 1 || obs.transitions[0] != string(model.BookingConfirmed) {
		t.Fatalf("unexpected transitions %v", obs.transitions)
	}
	if len(obs.replays) != 1 || obs.replays[0] != idempotency.ScopeBooking {
		t.Fatalf("unexpected replays %v", obs.replays)
	}
}
