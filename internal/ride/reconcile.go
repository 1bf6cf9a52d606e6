package ride

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// RunExpiryLoop binds the offer store's expiry subscription to the timeout
// handler. It returns when ctx is cancelled.
func (s *Service) RunExpiryLoop(ctx context.Context) error {
	expirations, err := s.Offers.Expirations(ctx)
	if err != nil {
		return err
	}
	s.Logger.Info("offer expiry subscription started")
	for rideID := range expirations {
		if err := s.HandleOfferTimeout(ctx, rideID); err != nil {
			s.Logger.Error("offer timeout handling failed", "ride_id", rideID, "error", err)
		}
	}
	return ctx.Err()
}

// reconcileGrace is how long past its TTL an OFFERED row may sit without a
// live offer before the sweep forces it through the timeout path. Covers
// the window where the row was updated but the offer write crashed, and
// lost expiry notifications.
const reconcileGrace = 5 * time.Second

// RunReconciliation periodically re-validates OFFERED rows against the
// offer store and recovers any ride whose offer vanished without a
// notification being handled.
func (s *Service) RunReconciliation(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.reconcileOnce(ctx); err != nil {
				s.Logger.Error("reconciliation sweep failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) reconcileOnce(ctx context.Context) error {
	rides, err := s.Store.ListByStatus(ctx, models.StatusOffered, 100)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, r := range rides {
		ttl, err := s.Offers.RemainingTTL(ctx, r.ID)
		if err != nil {
			return err
		}
		if ttl > 0 {
			continue
		}
		if r.OfferedAt != nil && now.Sub(*r.OfferedAt) < s.OfferTTL+reconcileGrace {
			continue
		}
		s.Logger.Warn("recovering offered ride with no active offer", "ride_id", r.ID)
		if err := s.HandleOfferTimeout(ctx, r.ID); err != nil {
			s.Logger.Error("reconciliation timeout handling failed", "ride_id", r.ID, "error", err)
		}
	}
	return nil
}
