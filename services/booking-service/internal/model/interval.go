package model

import (
	"sort"
	"time"
)

// Interval is the half-open time range [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

func (i Interval) Valid() bool {
	return !i.Start.IsZero() && i.End.After(i.Start)
}

func (i Interval) Duration() time.Duration {
	return i.End.Sub(i.Start)
}

// Overlaps reports whether the two half-open intervals share any instant.
// Touching intervals ([a,b) and [b,c)) do not overlap.
func (i Interval) Overlaps(o Interval) bool {
	return i.Start.Before(o.End) && o.Start.Before(i.End)
}

// Contains reports whether o lies fully inside i.
func (i Interval) Contains(o Interval) bool {
	return !o.Start.Before(i.Start) && !o.End.After(i.End)
}

// Pad widens the interval by before/after on each side.
func (i Interval) Pad(before, after time.Duration) Interval {
	return Interval{Start: i.Start.Add(-before), End: i.End.Add(after)}
}

// Clip returns the intersection of i and window and whether it is non-empty.
func (i Interval) Clip(window Interval) (Interval, bool) {
	out := i
	if out.Start.Before(window.Start) {
		out.Start = window.Start
	}
	if out.End.After(window.End) {
		out.End = window.End
	}
	return out, out.End.After(out.Start)
}

func (i Interval) UTC() Interval {
	return Interval{Start: i.Start.UTC(), End: i.End.UTC()}
}

func (i Interval) Equal(o Interval) bool {
	return i.Start.Equal(o.Start) && i.End.Equal(o.End)
}

// MergeIntervals sorts intervals and coalesces overlapping or touching ones.
// Empty intervals are dropped.
func MergeIntervals(in []Interval) []Interval {
	var items []Interval
	for _, it := range in {
		if it.End.After(it.Start) {
			items = append(items, it)
		}
	}
	if len(items) == 0 {
		return nil
	}
	sort.Slice(items, func(a, b int) bool {
		if items[a].Start.Equal(items[b].Start) {
			return items[a].End.Before(items[b].End)
		}
		return items[a].Start.Before(items[b].Start)
	})
	out := []Interval{items[0]}
	for _, it := range items[1:] {
		last := &out[len(out)-1]
		if !it.Start.After(last.End) {
			if it.End.After(last.End) {
				last.End = it.End
			}
			continue
		}
		out = append(out, it)
	}
	return out
}
