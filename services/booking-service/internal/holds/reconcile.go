package holds

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/guard"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/storage"
)

// DefaultClaimGrace comfortably exceeds the time between admitting a claim and committing the
// hold or booking that carries it.
const DefaultClaimGrace = 2 * time.Minute

// ReconcileClaims releases guard claims storage no longer backs and returns how many it released.
// A claim whose holders are all final is released at once. A claim no hold or booking carries is
// released once it stayed that way for the claim grace, so claims of transactions still in flight
// survive. Claims leaked by a crash after commit or by a restore racing a release end up here.
func (m *Manager) ReconcileClaims(ctx context.Context) (int, error) {
	claims, err := m.guard.Claims(ctx)
	if err != nil {
		return 0, err
	}
	// Storage is read after the guard, so a claim admitted meanwhile is not in claims at all.
	ids := make([]string, 0, len(claims))
	for _, c := range claims {
		ids = append(ids, c.ID)
	}
	states, err := m.store.ClaimStates(ctx, ids)
	if err != nil {
		return 0, err
	}

	now := m.clock.Now()
	var stale []guard.Claim
	m.mu.Lock()
	seen := make(map[string]bool, len(claims))
	for _, c := range claims {
		switch states[c.ID] {
		case storage.ClaimEnded:
			stale = append(stale, c)
		case storage.ClaimUnknown:
			seen[c.ID] = true
			since, ok := m.unknownSince[c.ID]
			if !ok {
				m.unknownSince[c.ID] = now
			} else if now.Sub(since) >= m.claimGrace {
				stale = append(stale, c)
				delete(m.unknownSince, c.ID)
			}
		}
	}
	for id := range m.unknownSince {
		if !seen[id] {
			delete(m.unknownSince, id)
		}
	}
	m.mu.Unlock()

	dropped := 0
	for _, c := range stale {
		if err := m.guard.Release(ctx, c.ID); err != nil {
			m.observer.ClaimsDropped(dropped)
			return dropped, err
		}
		m.logger.Warn("stale guard claim released",
			"claim_id", c.ID, "owner_id", c.OwnerID, "tenant_id", c.TenantID, "resource_id", c.ResourceID)
		dropped++
	}
	m.observer.ClaimsDropped(dropped)
	return dropped, nil
}
