package availability

import (
	"iter"
	"time"

	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/guard"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/model"
)

// Slot is a bookable start on a resource. End is Start plus the service duration; buffers are
// not part of the slot.
type Slot struct {
	ResourceID string
	Start      time.Time
	End        time.Time
}

// Fit describes what a slot needs from a resource.
type Fit struct {
	Duration     time.Duration
	BufferBefore time.Duration
	BufferAfter  time.Duration
	Units        int
	Capacity     int
	Step         time.Duration
	NotBefore    time.Time
	// Within, when set, bounds the slot itself; buffers may reach past it.
	Within model.Interval
}

// WindowSlots lazily yields slot starts inside one open window, on the grid stepping from
// window.Start. A start qualifies when its buffered interval stays inside the window, the slot
// lies within fit.Within, it is not before NotBefore, and the busiest instant of the buffered
// interval leaves room for Units.
func WindowSlots(resourceID string, window model.Interval, fit Fit, busy []guard.Claim) iter.Seq[Slot] {
	return func(yield func(Slot) bool) {
		if fit.Duration <= 0 || fit.Step <= 0 || !window.End.After(window.Start) {
			return
		}
		units := fit.Units
		if units < 1 {
			units = 1
		}
		t := window.Start
		if fit.Within.Start.After(t) {
			n := (fit.Within.Start.Sub(t) + fit.Step - 1) / fit.Step
			t = t.Add(n * fit.Step)
		}
		for ; !t.Add(fit.Duration + fit.BufferAfter).After(window.End); t = t.Add(fit.Step) {
			if !fit.Within.End.IsZero() && t.Add(fit.Duration).After(fit.Within.End) {
				return
			}
			if t.Add(-fit.BufferBefore).Before(window.Start) {
				continue
			}
			if t.Before(fit.NotBefore) {
				continue
			}
			slot := model.Interval{Start: t, End: t.Add(fit.Duration)}
			padded := slot.Pad(fit.BufferBefore, fit.BufferAfter)
			if peak, _ := guard.PeakLoad(busy, padded, ""); peak+units > fit.Capacity {
				continue
			}
			if !yield(Slot{ResourceID: resourceID, Start: slot.Start, End: slot.End}) {
				return
			}
		}
	}
}

// Merge interleaves per-resource slot sequences, ascending by start with ties broken by the
// order of seqs. Each input must already be ascending.
func Merge(seqs ...iter.Seq[Slot]) iter.Seq[Slot] {
	if len(seqs) == 1 {
		return seqs[0]
	}
	return func(yield func(Slot) bool) {
		type head struct {
			next func() (Slot, bool)
			stop func()
			cur  Slot
			ok   bool
		}
		heads := make([]*head, 0, len(seqs))
		defer func() {
			for _, h := range heads {
				h.stop()
			}
		}()
		for _, s := range seqs {
			next, stop := iter.Pull(s)
			h := &head{next: next, stop: stop}
			h.cur, h.ok = next()
			heads = append(heads, h)
		}
		for {
			best := -1
			for i, h := range heads {
				if !h.ok {
					continue
				}
				if best < 0 || h.cur.Start.Before(heads[best].cur.Start) {
					best = i
				}
			}
			if best < 0 {
				return
			}
			if !yield(heads[best].cur) {
				return
			}
			heads[best].cur, heads[best].ok = heads[best].next()
		}
	}
}

// Collect drains seq into a slice, stopping after limit items when limit > 0.
func Collect(seq iter.Seq[Slot], limit int) []Slot {
	var out []Slot
	for s := range seq {
		out = append(out, s)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
