package guard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/model"
	"golang.org/x/sync/semaphore"
)

// Memory keeps claims in process. Writers on one resource are serialized by a weighted
// semaphore acquired with a bounded wait; readers load an immutable claim slice without locking.
type Memory struct {
	lockWait time.Duration
	observer Observer

	mu        sync.Mutex
	resources map[string]*resourceSet
	index     sync.Map // claim id -> resource key
}

type resourceSet struct {
	sem    *semaphore.Weighted
	claims atomic.Pointer[[]Claim]
}

type Option func(*options)

type options struct {
	lockWait time.Duration
	observer Observer
}

// WithLockWait bounds how long a writer waits for a busy resource before ErrGuardBusy.
func WithLockWait(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.lockWait = d
		}
	}
}

func WithObserver(obs Observer) Option {
	return func(o *options) {
		if obs != nil {
			o.observer = obs
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{lockWait: 2 * time.Second, observer: nopObserver{}}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

func NewMemory(opts ...Option) *Memory {
	o := buildOptions(opts)
	return &Memory{
		lockWait:  o.lockWait,
		observer:  o.observer,
		resources: map[string]*resourceSet{},
	}
}

func (m *Memory) resource(key string) *resourceSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.resources[key]
	if !ok {
		rs = &resourceSet{sem: semaphore.NewWeighted(1)}
		empty := []Claim{}
		rs.claims.Store(&empty)
		m.resources[key] = rs
	}
	return rs
}

func (m *Memory) lookup(key string) (*resourceSet, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rs, ok := m.resources[key]
	return rs, ok
}

func (m *Memory) acquire(ctx context.Context, rs *resourceSet) error {
	waitCtx, cancel := context.WithTimeout(ctx, m.lockWait)
	defer cancel()
	if err := rs.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return model.ErrGuardBusy
	}
	return nil
}

func (m *Memory) TryClaim(ctx context.Context, req ClaimRequest) (Claim, error) {
	if err := req.validate(); err != nil {
		return Claim{}, err
	}
	key := resourceKey(req.TenantID, req.ResourceID)
	rs := m.resource(key)

	started := time.Now()
	if err := m.acquire(ctx, rs); err != nil {
		if errors.Is(err, model.ErrGuardBusy) {
			m.observer.ObserveClaim(ResultBusy, time.Since(started))
		}
		return Claim{}, err
	}
	defer rs.sem.Release(1)
	waited := time.Since(started)

	current := *rs.claims.Load()
	for _, c := range current {
		if c.ID == req.ClaimID {
			m.observer.ObserveClaim(ResultReplayed, waited)
			return c, nil
		}
	}

	peak, owners := PeakLoad(current, req.Interval, req.Supersedes)
	if peak+req.Cost > req.Capacity {
		m.observer.ObserveClaim(ResultRejected, waited)
		return Claim{}, unavailable(req, owners)
	}

	claim := req.claim()
	next := make([]Claim, 0, len(current)+1)
	next = append(next, current...)
	next = append(next, claim)
	rs.claims.Store(&next)
	m.index.Store(claim.ID, key)
	m.observer.ObserveClaim(ResultAdmitted, waited)
	return claim, nil
}

func (m *Memory) Release(ctx context.Context, claimID string) error {
	v, ok := m.index.Load(claimID)
	if !ok {
		return nil
	}
	rs, ok := m.lookup(v.(string))
	if !ok {
		m.index.Delete(claimID)
		return nil
	}
	if err := m.acquire(ctx, rs); err != nil {
		return err
	}
	defer rs.sem.Release(1)

	current := *rs.claims.Load()
	next := make([]Claim, 0, len(current))
	for _, c := range current {
		if c.ID != claimID {
			next = append(next, c)
		}
	}
	rs.claims.Store(&next)
	m.index.Delete(claimID)
	return nil
}

func (m *Memory) Active(_ context.Context, claimID string) (bool, error) {
	v, ok := m.index.Load(claimID)
	if !ok {
		return false, nil
	}
	rs, ok := m.lookup(v.(string))
	if !ok {
		return false, nil
	}
	for _, c := range *rs.claims.Load() {
		if c.ID == claimID {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) Snapshot(_ context.Context, tenantID, resourceID string, window model.Interval) ([]Claim, error) {
	rs, ok := m.lookup(resourceKey(tenantID, resourceID))
	if !ok {
		return nil, nil
	}
	return filterWindow(*rs.claims.Load(), window), nil
}

func (m *Memory) Claims(context.Context) ([]Claim, error) {
	m.mu.Lock()
	sets := make([]*resourceSet, 0, len(m.resources))
	for _, rs := range m.resources {
		sets = append(sets, rs)
	}
	m.mu.Unlock()

	var out []Claim
	for _, rs := range sets {
		out = append(out, *rs.claims.Load()...)
	}
	return out, nil
}

func (m *Memory) Restore(ctx context.Context, claims []Claim) error {
	byKey := map[string][]Claim{}
	for _, c := range claims {
		key := resourceKey(c.TenantID, c.ResourceID)
		byKey[key] = append(byKey[key], c)
	}
	for key, batch := range byKey {
		rs := m.resource(key)
		if err := m.acquire(ctx, rs); err != nil {
			return err
		}
		current := *rs.claims.Load()
		seen := make(map[string]bool, len(current))
		for _, c := range current {
			seen[c.ID] = true
		}
		next := append([]Claim(nil), current...)
		for _, c := range batch {
			if seen[c.ID] {
				continue
			}
			c.Interval = c.Interval.UTC()
			next = append(next, c)
			seen[c.ID] = true
			m.index.Store(c.ID, key)
		}
		rs.claims.Store(&next)
		rs.sem.Release(1)
	}
	return nil
}

func filterWindow(claims []Claim, window model.Interval) []Claim {
	out := make([]Claim, 0, len(claims))
	for _, c := range claims {
		if window.Valid() && !c.Interval.Overlaps(window) {
			continue
		}
		out = append(out, c)
	}
	return out
}
