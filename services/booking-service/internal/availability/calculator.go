package availability

import (
	"context"
	"iter"
	"sort"
	"time"

	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/guard"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/recurrence"
)

const DefaultStep = 15 * time.Minute

// Catalog resolves resources and services.
type Catalog interface {
	GetResource(ctx context.Context, tenantID, resourceID string) (model.Resource, error)
	GetService(ctx context.Context, tenantID, serviceID string) (model.Service, error)
}

// Snapshotter is the read side of the guard.
type Snapshotter interface {
	Snapshot(ctx context.Context, tenantID, resourceID string, window model.Interval) ([]guard.Claim, error)
}

type Calculator struct {
	catalog  Catalog
	expander *recurrence.Expander
	claims   Snapshotter
}

func NewCalculator(catalog Catalog, expander *recurrence.Expander, claims Snapshotter) *Calculator {
	return &Calculator{catalog: catalog, expander: expander, claims: claims}
}

type Query struct {
	TenantID    string
	ResourceIDs []string
	ServiceID   string
	Window      model.Interval
	// NotBefore drops slots starting earlier, typically the read instant.
	NotBefore time.Time
	// Step overrides the service slot step.
	Step time.Duration
}

// Slots reads schedules and a claim snapshot once and returns a finite sequence over them.
// Ranging over the sequence again replays the same result.
func (c *Calculator) Slots(ctx context.Context, q Query) (iter.Seq[Slot], error) {
	if !q.Window.End.After(q.Window.Start) {
		return nil, &model.InvalidRangeError{From: q.Window.Start, To: q.Window.End}
	}
	if len(q.ResourceIDs) == 0 {
		return nil, model.Invalid("resource_id", "required")
	}
	svc, err := c.catalog.GetService(ctx, q.TenantID, q.ServiceID)
	if err != nil {
		return nil, err
	}
	if svc.Duration <= 0 {
		return nil, model.Invalid("service", "duration must be positive")
	}
	step := q.Step
	if step <= 0 {
		step = svc.SlotStep
	}
	if step <= 0 {
		step = DefaultStep
	}

	ids := append([]string(nil), q.ResourceIDs...)
	sort.Strings(ids)
	ids = dedupe(ids)

	seqs := make([]iter.Seq[Slot], 0, len(ids))
	for _, id := range ids {
		seq, err := c.resourceSlots(ctx, q, svc, step, id)
		if err != nil {
			return nil, err
		}
		seqs = append(seqs, seq)
	}
	return Merge(seqs...), nil
}

func (c *Calculator) resourceSlots(ctx context.Context, q Query, svc model.Service, step time.Duration, resourceID string) (iter.Seq[Slot], error) {
	res, err := c.catalog.GetResource(ctx, q.TenantID, resourceID)
	if err != nil {
		return nil, err
	}
	// Whole open intervals, so the step grid follows working hours rather than the query.
	open, err := c.expander.ExpandResourceAround(ctx, res, q.Window)
	if err != nil {
		return nil, err
	}
	busy, err := c.claims.Snapshot(ctx, q.TenantID, res.ID, q.Window.Pad(svc.BufferBefore, svc.BufferAfter))
	if err != nil {
		return nil, err
	}

	fit := Fit{
		Duration:     svc.Duration,
		BufferBefore: svc.BufferBefore,
		BufferAfter:  svc.BufferAfter,
		Units:        svc.CapacityUnits,
		Capacity:     res.Capacity,
		Step:         step,
		NotBefore:    q.NotBefore,
		Within:       q.Window,
	}
	perWindow := make([]iter.Seq[Slot], 0, len(open))
	for _, w := range open {
		perWindow = append(perWindow, WindowSlots(res.ID, w, fit, busy))
	}
	return concat(perWindow), nil
}

// concat chains sequences whose ranges are already ordered and disjoint.
func concat(seqs []iter.Seq[Slot]) iter.Seq[Slot] {
	return func(yield func(Slot) bool) {
		for _, s := range seqs {
			for slot := range s {
				if !yield(slot) {
					return
				}
			}
		}
	}
}

func dedupe(sorted []string) []string {
	out := make([]string, 0, len(sorted))
	for i, s := range sorted {
		if s == "" || (i > 0 && s == sorted[i-1]) {
			continue
		}
		out = append(out, s)
	}
	return out
}
