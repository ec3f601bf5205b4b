package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/punchamoorthee/ledgerguard/internal/domain"
	"github.com/punchamoorthee/ledgerguard/internal/store"
)

const reasonConfirmationExpired = "confirmation_expired"

// Reaper fails transfers that were never confirmed and closes their
// challenges. Balances are untouched since awaiting transfers never moved money.
type Reaper struct {
	repo   store.Repository
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

func NewReaper(repo store.Repository, ttl time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{repo: repo, ttl: ttl, now: time.Now, logger: logger.With("component", "reaper")}
}

// Run expires every awaiting transfer created before now minus the TTL and
// returns how many it expired.
func (r *Reaper) Run(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.ttl)
	ids, err := r.repo.ExpireAwaitingTransfers(ctx, cutoff, reasonConfirmationExpired)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := r.repo.InvalidateChallenges(ctx, domain.PurposeHighValueTransfer, id.String()); err != nil {
			r.logger.Error("failed to invalidate challenges", "transfer_id", id, "error", err)
		}
	}
	if len(ids) > 0 {
		r.logger.Info("expired unconfirmed transfers", "count", len(ids), "cutoff", cutoff)
	}
	return len(ids), nil
}
