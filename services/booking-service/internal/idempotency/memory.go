package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/md-rashed-zaman/bookingcore/libs/clock"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/model"
)

const pruneEvery = 1024

type entry struct {
	done      chan struct{}
	result    *Result
	expiresAt time.Time
}

type Memory struct {
	clock     clock.Clock
	retention time.Duration
	maxWait   time.Duration

	mu       sync.Mutex
	entries  map[Key]*entry
	reserves int
}

func NewMemory(clk clock.Clock, opts ...Option) *Memory {
	o := buildOptions(opts)
	if clk == nil {
		clk = clock.System()
	}
	return &Memory{
		clock:     clk,
		retention: o.retention,
		maxWait:   o.maxWait,
		entries:   map[Key]*entry{},
	}
}

func (m *Memory) Reserve(ctx context.Context, key Key) (Reservation, error) {
	waitCtx, cancel := context.WithTimeout(ctx, m.maxWait)
	defer cancel()

	for {
		m.mu.Lock()
		m.maybePrune()
		e := m.entries[key]
		if e != nil && e.result != nil && !m.clock.Now().Before(e.expiresAt) {
			delete(m.entries, key)
			e = nil
		}
		if e == nil {
			m.entries[key] = &entry{done: make(chan struct{})}
			m.mu.Unlock()
			return Reservation{New: true}, nil
		}
		if e.result != nil {
			res := *e.result
			m.mu.Unlock()
			return Reservation{Existing: res}, nil
		}
		done := e.done
		m.mu.Unlock()

		select {
		case <-done:
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return Reservation{}, ctx.Err()
			}
			return Reservation{}, model.ErrIdempotencyInProgress
		}
	}
}

func (m *Memory) Complete(_ context.Context, key Key, res Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[key]
	if e == nil {
		e = &entry{done: make(chan struct{})}
		m.entries[key] = e
	}
	if e.result != nil {
		return nil
	}
	e.result = &res
	e.expiresAt = m.clock.Now().Add(m.retention)
	close(e.done)
	return nil
}

func (m *Memory) Abort(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[key]
	if e == nil || e.result != nil {
		return nil
	}
	delete(m.entries, key)
	close(e.done)
	return nil
}

// maybePrune drops expired results now and then. Callers hold m.mu.
func (m *Memory) maybePrune() {
	m.reserves++
	if m.reserves%pruneEvery != 0 {
		return
	}
	now := m.clock.Now()
	for k, e := range m.entries {
		if e.result != nil && !now.Before(e.expiresAt) {
			delete(m.entries, k)
		}
	}
}
