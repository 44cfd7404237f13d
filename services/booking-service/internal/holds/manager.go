package holds

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/bookingcore/libs/clock"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/guard"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/idempotency"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/model"
	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/storage"
)

const (
	DefaultTTL = 10 * time.Minute
	MinTTL     = time.Minute
	MaxTTL     = 30 * time.Minute
)

type Observer interface {
	HoldCreated()
	HoldsExpired(n int)
	ClaimsDropped(n int)
	IdempotentReplay(scope string)
}

type nopObserver struct{}

func (nopObserver) HoldCreated()            {}
func (nopObserver) HoldsExpired(int)        {}
func (nopObserver) ClaimsDropped(int)       {}
func (nopObserver) IdempotentReplay(string) {}

type Config struct {
	// DefaultTTL applies when a request does not ask for one. Requested TTLs are clamped to
	// [MinTTL, MaxTTL].
	DefaultTTL time.Duration
	// ClaimGrace is how long a guard claim may exist without a hold or booking carrying it before
	// reconciliation releases it. Zero means DefaultClaimGrace.
	ClaimGrace time.Duration
}

type Manager struct {
	store    storage.Store
	guard    guard.Guard
	ledger   idempotency.Ledger
	clock    clock.Clock
	logger   *slog.Logger
	observer Observer
	ttl      time.Duration

	claimGrace   time.Duration
	mu           sync.Mutex
	unknownSince map[string]time.Time
}

func NewManager(store storage.Store, g guard.Guard, ledger idempotency.Ledger, clk clock.Clock, logger *slog.Logger, cfg Config) *Manager {
	if clk == nil {
		clk = clock.System()
	}
	if cfg.ClaimGrace <= 0 {
		cfg.ClaimGrace = DefaultClaimGrace
	}
	return &Manager{
		store:    store,
		guard:    g,
		ledger:   ledger,
		clock:    clk,
		logger:   logger,
		observer: nopObserver{},
		ttl:      ClampTTL(cfg.DefaultTTL),

		claimGrace:   cfg.ClaimGrace,
		unknownSince: map[string]time.Time{},
	}
}

func (m *Manager) WithObserver(o Observer) *Manager {
	if o != nil {
		m.observer = o
	}
	return m
}

// ClampTTL maps zero to DefaultTTL and bounds everything else to [MinTTL, MaxTTL].
func ClampTTL(ttl time.Duration) time.Duration {
	switch {
	case ttl <= 0:
		return DefaultTTL
	case ttl < MinTTL:
		return MinTTL
	case ttl > MaxTTL:
		return MaxTTL
	}
	return ttl
}

type CreateRequest struct {
	TenantID          string
	ResourceID        string
	ServiceID         string
	Interval          model.Interval
	ClientGeneratedID string
	TTL               time.Duration
}

func (r CreateRequest) validate() error {
	switch {
	case strings.TrimSpace(r.TenantID) == "":
		return model.Invalid("tenant_id", "required")
	case strings.TrimSpace(r.ResourceID) == "":
		return model.Invalid("resource_id", "required")
	case strings.TrimSpace(r.ClientGeneratedID) == "":
		return model.Invalid("client_generated_id", "required")
	case !r.Interval.Valid():
		return &model.InvalidRangeError{From: r.Interval.Start, To: r.Interval.End}
	}
	return nil
}

// Create places a hold. A repeated client id returns the hold created the first time; if that
// hold was already consumed by a booking it is returned together with an AlreadyConsumedError.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (model.Hold, error) {
	if err := req.validate(); err != nil {
		return model.Hold{}, err
	}
	key := idempotency.Key{TenantID: req.TenantID, Scope: idempotency.ScopeHold, ClientGeneratedID: req.ClientGeneratedID}
	res, err := m.ledger.Reserve(ctx, key)
	if err != nil {
		return model.Hold{}, err
	}
	if !res.New {
		m.observer.IdempotentReplay(idempotency.ScopeHold)
		h, err := m.store.GetHold(ctx, req.TenantID, res.Existing.EntityID)
		if err != nil {
			return model.Hold{}, err
		}
		return replay(h)
	}

	completed := false
	defer func() {
		if !completed {
			if err := m.ledger.Abort(context.WithoutCancel(ctx), key); err != nil {
				m.logger.Warn("idempotency abort failed", "err", err, "key", key.String())
			}
		}
	}()

	if h, err := m.store.FindHoldByClientID(ctx, req.TenantID, req.ClientGeneratedID); err == nil {
		completed = m.complete(ctx, key, h.ID)
		m.observer.IdempotentReplay(idempotency.ScopeHold)
		return replay(h)
	} else if !errors.Is(err, model.ErrUnknownHold) {
		return model.Hold{}, err
	}

	h, err := m.place(ctx, req)
	if err != nil {
		return model.Hold{}, err
	}
	completed = m.complete(ctx, key, h.ID)
	m.observer.HoldCreated()
	return h, nil
}

func (m *Manager) complete(ctx context.Context, key idempotency.Key, holdID string) bool {
	if err := m.ledger.Complete(ctx, key, idempotency.Result{Kind: "hold", EntityID: holdID}); err != nil {
		m.logger.Warn("idempotency complete failed", "err", err, "key", key.String())
		return false
	}
	return true
}

func replay(h model.Hold) (model.Hold, error) {
	if h.State == model.HoldConsumed {
		return h, &model.AlreadyConsumedError{Entity: "hold", ID: h.ID, State: string(h.State)}
	}
	return h, nil
}

func (m *Manager) place(ctx context.Context, req CreateRequest) (model.Hold, error) {
	res, err := m.store.GetResource(ctx, req.TenantID, req.ResourceID)
	if err != nil {
		return model.Hold{}, err
	}
	if !res.Active {
		return model.Hold{}, model.UnknownResource(req.ResourceID)
	}

	claimIv := req.Interval
	cost := 1
	if req.ServiceID != "" {
		svc, err := m.store.GetService(ctx, req.TenantID, req.ServiceID)
		if err != nil {
			return model.Hold{}, err
		}
		claimIv = req.Interval.Pad(svc.BufferBefore, svc.BufferAfter)
		cost = svc.Snapshot().CapacityUnits
	}

	now := m.clock.Now()
	ttl := m.ttl
	if req.TTL > 0 {
		ttl = ClampTTL(req.TTL)
	}
	h := model.Hold{
		ID:                uuid.NewString(),
		TenantID:          req.TenantID,
		ResourceID:        req.ResourceID,
		ServiceID:         req.ServiceID,
		Interval:          req.Interval.UTC(),
		ClaimInterval:     claimIv.UTC(),
		CapacityCost:      cost,
		ClaimID:           uuid.NewString(),
		ClientGeneratedID: req.ClientGeneratedID,
		ExpiresAt:         now.Add(ttl),
		State:             model.HoldActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	claimReq := guard.ClaimRequest{
		ClaimID:    h.ClaimID,
		TenantID:   h.TenantID,
		ResourceID: h.ResourceID,
		OwnerID:    h.ID,
		Interval:   h.ClaimInterval,
		Cost:       cost,
		Capacity:   res.Capacity,
	}

	if _, err := m.guard.TryClaim(ctx, claimReq); err != nil {
		if !errors.Is(err, model.ErrSlotUnavailable) {
			return model.Hold{}, err
		}
		n, expErr := m.ExpireConflicting(ctx, h.TenantID, h.ResourceID, h.ClaimInterval)
		if expErr != nil {
			m.logger.Warn("expiring conflicting holds failed", "err", expErr, "resource_id", h.ResourceID)
		}
		if n == 0 {
			return model.Hold{}, err
		}
		if _, err := m.guard.TryClaim(ctx, claimReq); err != nil {
			return model.Hold{}, err
		}
	}

	if err := m.store.InTx(ctx, func(tx storage.Tx) error {
		return tx.InsertHold(ctx, h)
	}); err != nil {
		m.releaseClaim(ctx, h.ClaimID)
		return model.Hold{}, err
	}
	return h, nil
}

// ExpireConflicting expires past-expiry holds whose claims overlap iv and returns how many
// it expired.
func (m *Manager) ExpireConflicting(ctx context.Context, tenantID, resourceID string, iv model.Interval) (int, error) {
	now := m.clock.Now()
	candidates, err := m.store.ListLiveHoldsOverlapping(ctx, tenantID, resourceID, iv)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, h := range candidates {
		if now.Before(h.ExpiresAt) {
			continue
		}
		ok, err := m.expire(ctx, h, now)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	m.observer.HoldsExpired(n)
	return n, nil
}

// expire moves h to expired if it is still active and past expiry at now. The guard claim is
// released only when this call performed the transition.
func (m *Manager) expire(ctx context.Context, h model.Hold, now time.Time) (bool, error) {
	err := m.store.InTx(ctx, func(tx storage.Tx) error {
		_, err := tx.TransitionHold(ctx, storage.HoldTransition{
			TenantID: h.TenantID,
			HoldID:   h.ID,
			From:     model.HoldActive,
			To:       model.HoldExpired,
			At:       now,
		})
		return err
	})
	if errors.Is(err, storage.ErrStale) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	m.releaseClaim(ctx, h.ClaimID)
	return true, nil
}

// Release gives a hold back. Releasing an already released or expired hold returns it
// unchanged; a consumed hold cannot be released.
func (m *Manager) Release(ctx context.Context, tenantID, holdID string) (model.Hold, error) {
	var released model.Hold
	err := m.store.InTx(ctx, func(tx storage.Tx) error {
		h, err := tx.TransitionHold(ctx, storage.HoldTransition{
			TenantID: tenantID,
			HoldID:   holdID,
			From:     model.HoldActive,
			To:       model.HoldReleased,
			At:       m.clock.Now(),
		})
		released = h
		return err
	})
	switch {
	case err == nil:
		m.releaseClaim(ctx, released.ClaimID)
		return released, nil
	case errors.Is(err, storage.ErrStale):
		if released.State == model.HoldConsumed {
			return released, &model.InvalidTransitionError{Entity: "hold", ID: holdID, From: string(released.State), To: string(model.HoldReleased)}
		}
		return released, nil
	default:
		return model.Hold{}, err
	}
}

func (m *Manager) Get(ctx context.Context, tenantID, holdID string) (model.Hold, error) {
	return m.store.GetHold(ctx, tenantID, holdID)
}

func (m *Manager) releaseClaim(ctx context.Context, claimID string) {
	if claimID == "" {
		return
	}
	if err := m.guard.Release(context.WithoutCancel(ctx), claimID); err != nil {
		m.logger.Error("guard release failed", "err", err, "claim_id", claimID)
	}
}
