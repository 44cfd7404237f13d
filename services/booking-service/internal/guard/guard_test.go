package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/model"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func span(fromMin, toMin int) model.Interval {
	return model.Interval{Start: base.Add(time.Duration(fromMin) * time.Minute), End: base.Add(time.Duration(toMin) * time.Minute)}
}

func req(id string, iv model.Interval, cost, capacity int) ClaimRequest {
	return ClaimRequest{ClaimID: id, TenantID: "t1", ResourceID: "r1", OwnerID: "owner-" + id, Interval: iv, Cost: cost, Capacity: capacity}
}

// contract runs the behavior every Guard implementation must share.
func contract(t *testing.T, newGuard func(t *testing.T) Guard) {
	ctx := context.Background()

	t.Run("rejects overlap at capacity one and reports owners", func(t *testing.T) {
		g := newGuard(t)
		if _, err := g.TryClaim(ctx, req("a", span(0, 30), 1, 1)); err != nil {
			t.Fatalf("first claim: %v", err)
		}
		_, err := g.TryClaim(ctx, req("b", span(15, 45), 1, 1))
		var su *model.SlotUnavailableError
		if !errors.As(err, &su) {
			t.Fatalf("expected SlotUnavailableError, got %v", err)
		}
		if len(su.ConflictingIDs) != 1 || su.ConflictingIDs[0] != "owner-a" {
			t.Fatalf("expected conflict with owner-a, got %v", su.ConflictingIDs)
		}
	})

	t.Run("touching intervals do not conflict", func(t *testing.T) {
		g := newGuard(t)
		if _, err := g.TryClaim(ctx, req("a", span(0, 30), 1, 1)); err != nil {
			t.Fatalf("first claim: %v", err)
		}
		if _, err := g.TryClaim(ctx, req("b", span(30, 60), 1, 1)); err != nil {
			t.Fatalf("adjacent claim should be admitted: %v", err)
		}
	})

	t.Run("capacity counts cost at the busiest instant", func(t *testing.T) {
		g := newGuard(t)
		mustClaim(t, g, req("a", span(0, 60), 1, 3))
		mustClaim(t, g, req("b", span(30, 90), 1, 3))
		// [0,30) has load 1, [30,60) has load 2: a cost-2 claim over [0,30) fits, over [30,60) does not.
		mustClaim(t, g, req("c", span(0, 30), 2, 3))
		if _, err := g.TryClaim(ctx, req("d", span(45, 50), 2, 3)); !errors.Is(err, model.ErrSlotUnavailable) {
			t.Fatalf("expected rejection at peak load, got %v", err)
		}
		mustClaim(t, g, req("e", span(60, 90), 2, 3))
	})

	t.Run("release is idempotent and frees space", func(t *testing.T) {
		g := newGuard(t)
		mustClaim(t, g, req("a", span(0, 30), 1, 1))
		if err := g.Release(ctx, "a"); err != nil {
			t.Fatalf("release: %v", err)
		}
		if err := g.Release(ctx, "a"); err != nil {
			t.Fatalf("second release should be a no-op: %v", err)
		}
		if err := g.Release(ctx, "never-existed"); err != nil {
			t.Fatalf("unknown release should be a no-op: %v", err)
		}
		active, err := g.Active(ctx, "a")
		if err != nil || active {
			t.Fatalf("expected claim inactive, got %v %v", active, err)
		}
		mustClaim(t, g, req("b", span(0, 30), 1, 1))
	})

	t.Run("reclaiming the same id is idempotent", func(t *testing.T) {
		g := newGuard(t)
		first := mustClaim(t, g, req("a", span(0, 30), 1, 1))
		again := mustClaim(t, g, req("a", span(0, 30), 1, 1))
		if again.ID != first.ID || !again.Interval.Equal(first.Interval) {
			t.Fatalf("expected same claim back, got %+v", again)
		}
	})

	t.Run("supersedes ignores the replaced claim", func(t *testing.T) {
		g := newGuard(t)
		mustClaim(t, g, req("old", span(0, 60), 1, 1))
		r := req("new", span(30, 90), 1, 1)
		r.Supersedes = "old"
		mustClaim(t, g, r)
		if _, err := g.TryClaim(ctx, req("other", span(60, 90), 1, 1)); !errors.Is(err, model.ErrSlotUnavailable) {
			t.Fatalf("third party must still be blocked, got %v", err)
		}
		if err := g.Release(ctx, "old"); err != nil {
			t.Fatalf("release old: %v", err)
		}
		mustClaim(t, g, req("other", span(0, 30), 1, 1))
	})

	t.Run("snapshot filters by window and restore rebuilds", func(t *testing.T) {
		g := newGuard(t)
		mustClaim(t, g, req("a", span(0, 30), 1, 2))
		mustClaim(t, g, req("b", span(120, 150), 1, 2))
		snap, err := g.Snapshot(ctx, "t1", "r1", span(0, 60))
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		if len(snap) != 1 || snap[0].ID != "a" {
			t.Fatalf("expected only claim a, got %+v", snap)
		}

		restored := newGuard(t)
		all, _ := g.Snapshot(ctx, "t1", "r1", model.Interval{})
		if err := restored.Restore(ctx, all); err != nil {
			t.Fatalf("restore: %v", err)
		}
		if active, _ := restored.Active(ctx, "b"); !active {
			t.Fatalf("expected restored claim b active")
		}
		if _, err := restored.TryClaim(ctx, req("c", span(0, 30), 2, 2)); !errors.Is(err, model.ErrSlotUnavailable) {
			t.Fatalf("restored claims must count toward capacity, got %v", err)
		}
	})

	t.Run("claims lists every resource and restore keeps existing claims", func(t *testing.T) {
		g := newGuard(t)
		mustClaim(t, g, req("a", span(0, 30), 1, 1))
		other := req("b", span(0, 30), 1, 1)
		other.ResourceID = "r2"
		mustClaim(t, g, other)
		if err := g.Release(ctx, "a"); err != nil {
			t.Fatalf("release: %v", err)
		}

		claims, err := g.Claims(ctx)
		if err != nil {
			t.Fatalf("claims: %v", err)
		}
		if len(claims) != 1 || claims[0].ID != "b" || claims[0].TenantID != "t1" || claims[0].ResourceID != "r2" || claims[0].OwnerID != "owner-b" {
			t.Fatalf("expected only claim b on r2, got %+v", claims)
		}

		moved := claims[0]
		moved.Interval = span(60, 90)
		if err := g.Restore(ctx, []Claim{moved}); err != nil {
			t.Fatalf("restore: %v", err)
		}
		snap, _ := g.Snapshot(ctx, "t1", "r2", model.Interval{})
		if len(snap) != 1 || !snap[0].Interval.Start.Equal(span(0, 30).Start) {
			t.Fatalf("restore must not overwrite a held claim, got %+v", snap)
		}
	})

	t.Run("invalid requests", func(t *testing.T) {
		g := newGuard(t)
		if _, err := g.TryClaim(ctx, req("a", span(30, 30), 1, 1)); !errors.Is(err, model.ErrValidation) {
			t.Fatalf("expected validation error for empty interval, got %v", err)
		}
		if _, err := g.TryClaim(ctx, req("a", span(0, 30), 3, 2)); !errors.Is(err, model.ErrValidation) {
			t.Fatalf("expected validation error for cost above capacity, got %v", err)
		}
	})

	t.Run("concurrent claims never exceed capacity", func(t *testing.T) {
		g := newGuard(t)
		const attempts = 40
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			admitted []string
		)
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				iv := span((i%4)*15, (i%4)*15+30)
				id := fmt.Sprintf("c%d", i)
				if _, err := g.TryClaim(ctx, req(id, iv, 1, 2)); err == nil {
					mu.Lock()
					admitted = append(admitted, id)
					mu.Unlock()
				} else if !errors.Is(err, model.ErrSlotUnavailable) {
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		claims, err := g.Snapshot(ctx, "t1", "r1", model.Interval{})
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		if len(claims) != len(admitted) {
			t.Fatalf("snapshot has %d claims, %d admitted", len(claims), len(admitted))
		}
		for m := 0; m < 90; m++ {
			if peak, _ := PeakLoad(claims, span(m, m+1), ""); peak > 2 {
				t.Fatalf("capacity exceeded at minute %d: %d", m, peak)
			}
		}
	})
}

func mustClaim(t *testing.T, g Guard, r ClaimRequest) Claim {
	t.Helper()
	c, err := g.TryClaim(context.Background(), r)
	if err != nil {
		t.Fatalf("claim %s: %v", r.ClaimID, err)
	}
	return c
}

func TestMemoryGuard(t *testing.T) {
	contract(t, func(*testing.T) Guard { return NewMemory() })
}

func TestMemoryGuard_TwoConcurrentHoldsOneWins(t *testing.T) {
	g := NewMemory()
	ctx := context.Background()
	results := make(chan error, 2)
	for _, id := range []string{"x", "y"} {
		go func(id string) {
			_, err := g.TryClaim(ctx, req(id, span(60, 90), 1, 1))
			results <- err
		}(id)
	}
	var ok, rejected int
	for i := 0; i < 2; i++ {
		err := <-results
		switch {
		case err == nil:
			ok++
		case errors.Is(err, model.ErrSlotUnavailable):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || rejected != 1 {
		t.Fatalf("expected exactly one winner, got ok=%d rejected=%d", ok, rejected)
	}
}

func TestMemoryGuard_BoundedLockWait(t *testing.T) {
	g := NewMemory(WithLockWait(20 * time.Millisecond))
	rs := g.resource(resourceKey("t1", "r1"))
	if err := rs.sem.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer rs.sem.Release(1)

	started := time.Now()
	_, err := g.TryClaim(context.Background(), req("a", span(0, 30), 1, 1))
	if !errors.Is(err, model.ErrGuardBusy) {
		t.Fatalf("expected ErrGuardBusy, got %v", err)
	}
	if time.Since(started) > time.Second {
		t.Fatalf("lock wait was not bounded")
	}
}

type recordingObserver struct {
	mu      sync.Mutex
	results []string
}

func (o *recordingObserver) ObserveClaim(result string, _ time.Duration) {
	o.mu.Lock()
	o.results = append(o.results, result)
	o.mu.Unlock()
}

func TestMemoryGuard_Observer(t *testing.T) {
	obs := &recordingObserver{}
	g := NewMemory(WithObserver(obs))
	mustClaim(t, g, req("a", span(0, 30), 1, 1))
	_, _ = g.TryClaim(context.Background(), req("b", span(0, 30), 1, 1))
	mustClaim(t, g, req("a", span(0, 30), 1, 1))

	want := []string{ResultAdmitted, ResultRejected, ResultReplayed}
	if fmt.Sprint(obs.results) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, obs.results)
	}
}

func TestPeakLoad(t *testing.T) {
	claims := []Claim{
		{ID: "a", Interval: span(0, 60), Cost: 1},
		{ID: "b", Interval: span(10, 20), Cost: 2},
		{ID: "c", Interval: span(20, 40), Cost: 1},
	}
	if peak, owners := PeakLoad(claims, span(0, 60), ""); peak != 3 || len(owners) != 3 {
		t.Fatalf("expected peak 3 across 3 claims, got %d %v", peak, owners)
	}
	if peak, _ := PeakLoad(claims, span(20, 60), ""); peak != 2 {
		t.Fatalf("expected peak 2 after b ends, got %d", peak)
	}
	if peak, _ := PeakLoad(claims, span(10, 20), "b"); peak != 1 {
		t.Fatalf("expected skip to ignore b, got %d", peak)
	}
	if peak, owners := PeakLoad(claims, span(60, 90), ""); peak != 0 || owners != nil {
		t.Fatalf("expected empty window, got %d %v", peak, owners)
	}
}
