package offers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Key schema. The active-offer key carries the TTL; the two sets are
// permanent for the lifetime of the ride and cleaned up when it terminates.
const (
	offerKeyPrefix    = "ride:offer:"
	offeredKeyPrefix  = "ride:offered:"
	rejectedKeyPrefix = "ride:rejected:"
)

func offerKey(rideID string) string    { return offerKeyPrefix + rideID }
func offeredKey(rideID string) string  { return offeredKeyPrefix + rideID }
func rejectedKey(rideID string) string { return rejectedKeyPrefix + rideID }

// RideIDFromKey recovers the ride id from an active-offer key, or "" if the
// key is not in the offer namespace.
func RideIDFromKey(key string) string {
	if !strings.HasPrefix(key, offerKeyPrefix) {
		return ""
	}
	return strings.TrimPrefix(key, offerKeyPrefix)
}

// Store holds the single live reservation per ride plus the cumulative
// offered/rejected bookkeeping. The active-offer key is the arbitration
// point for the accept-vs-timeout race: both sides claim it with an atomic
// compare-and-delete on the value they read, so exactly one wins and the
// other observes the claim failing and backs off.
type Store struct {
	ks KeyStore
}

func NewStore(ks KeyStore) *Store {
	return &Store{ks: ks}
}

// CreateOffer writes the active-offer key with the given TTL and records
// the driver in the permanent offered set.
func (s *Store) CreateOffer(ctx context.Context, rideID, driverID string, ttl time.Duration) (models.Offer, error) {
	now := time.Now().UTC()
	offer := models.Offer{
		RideID:    rideID,
		DriverID:  driverID,
		OfferedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	b, err := json.Marshal(offer)
	if err != nil {
		return models.Offer{}, fmt.Errorf("marshal offer: %w", err)
	}
	if err := s.ks.Set(ctx, offerKey(rideID), string(b), ttl); err != nil {
		return models.Offer{}, fmt.Errorf("write offer key: %w", err)
	}
	if err := s.ks.AddToSet(ctx, offeredKey(rideID), driverID); err != nil {
		return models.Offer{}, fmt.Errorf("record offered driver: %w", err)
	}
	return offer, nil
}

// ActiveOffer returns the live offer for the ride, or nil when none exists.
func (s *Store) ActiveOffer(ctx context.Context, rideID string) (*models.Offer, error) {
	offer, _, err := s.activeOffer(ctx, rideID)
	return offer, err
}

// activeOffer also returns the raw stored value, which callers pass back to
// DelIfEqual so the claim is conditional on the exact offer they read.
func (s *Store) activeOffer(ctx context.Context, rideID string) (*models.Offer, string, error) {
	v, err := s.ks.Get(ctx, offerKey(rideID))
	if err == ErrNotFound {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	var offer models.Offer
	if err := json.Unmarshal([]byte(v), &offer); err != nil {
		return nil, "", fmt.Errorf("decode offer: %w", err)
	}
	return &offer, v, nil
}

// AcceptOffer resolves the active offer in the driver's favor. The claim is
// a compare-and-delete on the value just read, so an expiry or cancel that
// resolves the offer concurrently makes the accept lose: it returns false,
// never a half-win. False means "too late", not corruption.
func (s *Store) AcceptOffer(ctx context.Context, rideID, driverID string) (bool, error) {
	offer, raw, err := s.activeOffer(ctx, rideID)
	if err != nil {
		return false, err
	}
	if offer == nil || offer.DriverID != driverID {
		return false, nil
	}
	won, err := s.ks.DelIfEqual(ctx, offerKey(rideID), raw)
	if err != nil {
		return false, fmt.Errorf("claim offer key: %w", err)
	}
	return won, nil
}

// CancelOffer resolves the active offer against the driver: the offer key
// is claimed with the same compare-and-delete as AcceptOffer, and only the
// winner records the driver in the permanent rejected set. Returns the
// driver id, or "" when no offer was live or a concurrent path claimed it
// first - a benign no-op for the caller.
func (s *Store) CancelOffer(ctx context.Context, rideID, reason string) (string, error) {
	offer, raw, err := s.activeOffer(ctx, rideID)
	if err != nil {
		return "", err
	}
	if offer == nil {
		return "", nil
	}
	won, err := s.ks.DelIfEqual(ctx, offerKey(rideID), raw)
	if err != nil {
		return "", fmt.Errorf("claim offer key: %w", err)
	}
	if !won {
		return "", nil
	}
	if err := s.ks.AddToSet(ctx, rejectedKey(rideID), offer.DriverID); err != nil {
		return "", fmt.Errorf("record rejected driver: %w", err)
	}
	return offer.DriverID, nil
}

// MarkRejected records a driver in the rejected set without touching the
// active-offer key. Used when the TTL already removed the key but the
// timed-out driver still has to be excluded from future rounds.
func (s *Store) MarkRejected(ctx context.Context, rideID, driverID string) error {
	return s.ks.AddToSet(ctx, rejectedKey(rideID), driverID)
}

func (s *Store) HasBeenOffered(ctx context.Context, rideID, driverID string) (bool, error) {
	return s.ks.IsMember(ctx, offeredKey(rideID), driverID)
}

func (s *Store) OfferedDrivers(ctx context.Context, rideID string) ([]string, error) {
	return s.ks.Members(ctx, offeredKey(rideID))
}

func (s *Store) RejectedDrivers(ctx context.Context, rideID string) ([]string, error) {
	return s.ks.Members(ctx, rejectedKey(rideID))
}

// RemainingTTL returns the time left on the active offer, 0 when none.
func (s *Store) RemainingTTL(ctx context.Context, rideID string) (time.Duration, error) {
	d, err := s.ks.TTL(ctx, offerKey(rideID))
	if err == ErrNotFound {
		return 0, nil
	}
	return d, err
}

// Cleanup removes every key for a terminal ride.
func (s *Store) Cleanup(ctx context.Context, rideID string) error {
	return s.ks.Del(ctx, offerKey(rideID), offeredKey(rideID), rejectedKey(rideID))
}

// Expirations delivers the ride id of every offer that lapses without
// resolution. The channel closes when ctx is cancelled.
func (s *Store) Expirations(ctx context.Context) (<-chan string, error) {
	keys, err := s.ks.SubscribeExpiry(ctx, offerKeyPrefix)
	if err != nil {
		return nil, err
	}
	out := make(chan string, 16)
	go func() {
		defer close(out)
		for key := range keys {
			if rideID := RideIDFromKey(key); rideID != "" {
				select {
				case out <- rideID:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
