package holds

import (
	"context"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/bookingcore/services/booking-service/internal/storage"
)

type SweeperConfig struct {
	Interval  time.Duration
	BatchSize int
}

// Sweeper expires holds past their expiry on a fixed interval, then releases guard claims
// storage no longer backs.
type Sweeper struct {
	manager   *Manager
	store     storage.Store
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
}

func NewSweeper(manager *Manager, logger *slog.Logger, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{
		manager:   manager,
		store:     manager.store,
		logger:    logger,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.SweepOnce(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.Error("hold sweep failed", "err", err)
			}
			if n > 0 {
				s.logger.Info("holds expired", "count", n)
			}
			if _, err := s.manager.ReconcileClaims(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("claim reconciliation failed", "err", err)
			}
		}
	}
}

// SweepOnce expires every hold that is past expiry now and returns how many it expired.
// Holds consumed or released concurrently are skipped.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.manager.clock.Now()
	total := 0
	for round := 0; round < 1000; round++ {
		batch, err := s.store.ListExpiredHolds(ctx, now, s.batchSize)
		if err != nil {
			return total, err
		}
		expired := 0
		for _, h := range batch {
			ok, err := s.manager.expire(ctx, h, now)
			if err != nil {
				s.manager.observer.HoldsExpired(total + expired)
				return total + expired, err
			}
			if ok {
				expired++
			}
		}
		total += expired
		if len(batch) < s.batchSize || expired == 0 {
			break
		}
	}
	s.manager.observer.HoldsExpired(total)
	return total, nil
}
