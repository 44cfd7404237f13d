package recurrence

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/model"
)

// ScheduleSource supplies the resource definition and its schedule data.
type ScheduleSource interface {
	GetResource(ctx context.Context, tenantID, resourceID string) (model.Resource, error)
	ListRules(ctx context.Context, tenantID, resourceID string) ([]model.WorkScheduleRule, error)
	ListExceptions(ctx context.Context, tenantID, resourceID string, from, to model.Date) ([]model.ScheduleException, error)
}

type Expander struct {
	src ScheduleSource
}

func NewExpander(src ScheduleSource) *Expander {
	return &Expander{src: src}
}

// Expand returns the ordered, non-overlapping open intervals of a resource within window.
func (e *Expander) Expand(ctx context.Context, tenantID, resourceID string, window model.Interval) ([]model.Interval, error) {
	if !window.End.After(window.Start) {
		return nil, &model.InvalidRangeError{From: window.Start, To: window.End}
	}
	res, err := e.src.GetResource(ctx, tenantID, resourceID)
	if err != nil {
		return nil, err
	}
	return e.ExpandResource(ctx, res, window)
}

// ExpandResource is Expand for an already loaded resource.
func (e *Expander) ExpandResource(ctx context.Context, res model.Resource, window model.Interval) ([]model.Interval, error) {
	rules, exceptions, loc, err := e.load(ctx, res, window)
	if err != nil {
		return nil, err
	}
	return ExpandRules(rules, exceptions, loc, window), nil
}

// ExpandResourceAround is ExpandResource without clipping: it returns the whole merged open
// intervals that overlap window, so callers can align to where an interval really starts.
func (e *Expander) ExpandResourceAround(ctx context.Context, res model.Resource, window model.Interval) ([]model.Interval, error) {
	rules, exceptions, loc, err := e.load(ctx, res, window)
	if err != nil {
		return nil, err
	}
	return OpenAround(rules, exceptions, loc, window), nil
}

func (e *Expander) load(ctx context.Context, res model.Resource, window model.Interval) ([]model.WorkScheduleRule, []model.ScheduleException, *time.Location, error) {
	if !window.End.After(window.Start) {
		return nil, nil, nil, &model.InvalidRangeError{From: window.Start, To: window.End}
	}
	if !res.Active {
		return nil, nil, nil, model.UnknownResource(res.ID)
	}
	loc, err := res.Location()
	if err != nil {
		return nil, nil, nil, err
	}
	rules, err := e.src.ListRules(ctx, res.TenantID, res.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	first, last := dateSpan(window, loc)
	exceptions, err := e.src.ListExceptions(ctx, res.TenantID, res.ID, first, last)
	if err != nil {
		return nil, nil, nil, err
	}
	return rules, exceptions, loc, nil
}

// ExpandRules is the pure expansion: per local date in window, the union of applicable rule
// windows (or the exception's windows when one exists for that date), converted to instants in
// loc, clipped to window and merged.
func ExpandRules(rules []model.WorkScheduleRule, exceptions []model.ScheduleException, loc *time.Location, window model.Interval) []model.Interval {
	var out []model.Interval
	for _, iv := range OpenAround(rules, exceptions, loc, window) {
		if clipped, ok := iv.Clip(window); ok {
			out = append(out, clipped)
		}
	}
	return out
}

// OpenAround returns the merged open intervals that overlap window, unclipped. Intervals are
// built from the local dates one day either side of window, so an interval running past that
// span starts at its edge.
func OpenAround(rules []model.WorkScheduleRule, exceptions []model.ScheduleException, loc *time.Location, window model.Interval) []model.Interval {
	if !window.End.After(window.Start) {
		return nil
	}
	if loc == nil {
		loc = time.UTC
	}
	byDate := indexExceptions(exceptions)

	first, last := dateSpan(window, loc)
	var all []model.Interval
	for d := first; !d.After(last); d = d.AddDays(1) {
		for _, w := range windowsOn(d, rules, byDate) {
			iv := model.Interval{Start: At(d, w.StartMinute, loc), End: At(d, w.EndMinute, loc)}
			if iv.End.After(iv.Start) {
				all = append(all, iv.UTC())
			}
		}
	}
	var out []model.Interval
	for _, iv := range model.MergeIntervals(all) {
		if iv.Overlaps(window) {
			out = append(out, iv)
		}
	}
	return out
}

// dateSpan returns the local dates touched by window, padded by a day on each side.
func dateSpan(window model.Interval, loc *time.Location) (model.Date, model.Date) {
	first := model.DateOf(window.Start.In(loc)).AddDays(-1)
	last := model.DateOf(window.End.In(loc)).AddDays(1)
	return first, last
}

type dayOverride struct {
	closed  bool
	windows []model.TimeWindow
}

func indexExceptions(exceptions []model.ScheduleException) map[model.Date]dayOverride {
	byDate := make(map[model.Date]dayOverride, len(exceptions))
	for _, ex := range exceptions {
		cur := byDate[ex.Date]
		if ex.Closed {
			cur.closed = true
		}
		for _, w := range ex.Windows {
			if w.Valid() {
				cur.windows = append(cur.windows, w)
			}
		}
		byDate[ex.Date] = cur
	}
	return byDate
}

func windowsOn(d model.Date, rules []model.WorkScheduleRule, byDate map[model.Date]dayOverride) []model.TimeWindow {
	if ov, ok := byDate[d]; ok {
		if ov.closed {
			return nil
		}
		return ov.windows
	}
	var out []model.TimeWindow
	for _, r := range rules {
		if !r.AppliesOn(d) {
			continue
		}
		if w := r.Window(); w.Valid() {
			out = append(out, w)
		}
	}
	return out
}
