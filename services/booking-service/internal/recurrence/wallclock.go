package recurrence

import (
	"time"

	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/model"
)

// offsetSpan is wide enough that sampling on each side of a wall-clock time crosses any single
// offset transition near it.
const offsetSpan = 26 * time.Hour

// At converts minute-of-day m on local date d to an instant in loc.
//
// A wall-clock time skipped by a forward transition resolves to the first instant after the gap.
// A wall-clock time repeated by a backward transition resolves to the earlier of the two instants.
// m may be MinutesPerDay, which means the following midnight.
func At(d model.Date, m int, loc *time.Location) time.Time {
	if m >= model.MinutesPerDay {
		d = d.AddDays(m / model.MinutesPerDay)
		m %= model.MinutesPerDay
	}
	hour, minute := m/60, m%60
	naive := time.Date(d.Year, d.Month, d.Day, hour, minute, 0, 0, time.UTC)

	var (
		best  time.Time
		found bool
	)
	for _, sample := range []time.Time{naive.Add(-offsetSpan), naive, naive.Add(offsetSpan)} {
		cand := naive.Add(-offsetAt(sample, loc))
		if !wallClockIs(cand.In(loc), d, hour, minute) {
			continue
		}
		if !found || cand.Before(best) {
			best, found = cand, true
		}
	}
	if found {
		return best
	}

	lo := naive.Add(-offsetAt(naive.Add(offsetSpan), loc))
	hi := naive.Add(-offsetAt(naive.Add(-offsetSpan), loc))
	if hi.Before(lo) {
		lo, hi = hi, lo
	}
	return firstAfterTransition(lo, hi, loc)
}

func offsetAt(t time.Time, loc *time.Location) time.Duration {
	_, off := t.In(loc).Zone()
	return time.Duration(off) * time.Second
}

func wallClockIs(t time.Time, d model.Date, hour, minute int) bool {
	y, mo, day := t.Date()
	return y == d.Year && mo == d.Month && day == d.Day && t.Hour() == hour && t.Minute() == minute
}

// firstAfterTransition finds the first instant in (lo, hi] whose offset differs from lo's.
func firstAfterTransition(lo, hi time.Time, loc *time.Location) time.Time {
	base := offsetAt(lo, loc)
	if offsetAt(hi, loc) == base {
		return hi
	}
	for hi.Sub(lo) > time.Second {
		mid := lo.Add(hi.Sub(lo) / 2)
		if offsetAt(mid, loc) == base {
			lo = mid
		} else {
			hi = mid
		}
	}
	return hi.Truncate(time.Second)
}
