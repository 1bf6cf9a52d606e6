package ride

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/offers"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/state"
	"github.com/example/ride-dispatch/internal/storage"
)

// Service is the dispatch orchestrator. It owns the ride lifecycle: every
// mutation is validated against the state machine, persisted with an audit
// transition row, and followed by exactly one domain event publish.
//
// Accept and timeout race by design; the offer store's active-offer key is
// the single arbitration point (see offers.Store), claimed with an atomic
// compare-and-delete. The durable row backs that up with a status-guarded
// update (storage.ErrStaleRide), so even a path that raced past the key
// claim cannot commit over the winner's row.
type Service struct {
	Store   storage.RideStore
	Offers  *offers.Store
	Bus     events.Publisher
	Pricing pricing.Estimator // optional; Fallback covers its absence
	Notify  notify.Notifier   // optional best-effort push channel
	Logger  *slog.Logger

	OfferTTL            time.Duration
	MaxReassignAttempts int
	SearchRadiusKm      float64
}

func NewService(store storage.RideStore, offerStore *offers.Store, bus events.Publisher, logger *slog.Logger) *Service {
	return &Service{
		Store:               store,
		Offers:              offerStore,
		Bus:                 bus,
		Notify:              notify.Nop{},
		Logger:              logger,
		OfferTTL:            20 * time.Second,
		MaxReassignAttempts: 3,
		SearchRadiusKm:      5,
	}
}

// CreateRide creates the ride aggregate, prices it, moves it to
// FINDING_DRIVER and solicits a driver candidate from the external matcher.
// A customer holds at most one non-terminal ride at a time.
func (s *Service) CreateRide(ctx context.Context, in models.CreateRideInput) (*models.Ride, error) {
	active, err := s.Store.ActiveForCustomer(ctx, in.CustomerID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, ErrActiveRideExists
	}

	est := s.estimate(ctx, in.Pickup, in.Dropoff)

	now := time.Now().UTC()
	r := &models.Ride{
		ID:                uuid.NewString(),
		CustomerID:        in.CustomerID,
		Status:            models.StatusCreated,
		VehicleType:       defaultStr(in.VehicleType, "ECONOMY"),
		PaymentMethod:     defaultStr(in.PaymentMethod, "CASH"),
		Pickup:            in.Pickup,
		Dropoff:           in.Dropoff,
		DistanceKm:        est.DistanceKm,
		DurationSeconds:   int(est.DurationMinutes * 60),
		Fare:              est.Fare,
		SurgeMultiplier:   est.SurgeMultiplier,
		OfferedDriverIDs:  []string{},
		RejectedDriverIDs: []string{},
		RequestedAt:       now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.Store.Create(ctx, r, models.Transition{
		RideID:     r.ID,
		ToStatus:   models.StatusCreated,
		ActorID:    in.CustomerID,
		ActorType:  models.ActorCustomer,
		OccurredAt: now,
	}); err != nil {
		return nil, err
	}
	observability.RidesCreated.Inc()

	if err := s.publish(ctx, events.RideCreated, r.ID, map[string]any{
		"ride_id":          r.ID,
		"customer_id":      r.CustomerID,
		"vehicle_type":     r.VehicleType,
		"pickup":           r.Pickup,
		"dropoff":          r.Dropoff,
		"estimated_fare":   r.Fare,
		"surge_multiplier": r.SurgeMultiplier,
	}); err != nil {
		return nil, err
	}

	if err := s.transition(ctx, r, models.StatusFindingDriver, "system", models.ActorSystem, "", nil); err != nil {
		return nil, err
	}
	if err := s.publish(ctx, events.RideAssignmentRequested, r.ID, map[string]any{
		"ride_id":          r.ID,
		"customer_id":      r.CustomerID,
		"pickup":           r.Pickup,
		"vehicle_type":     r.VehicleType,
		"search_radius_km": s.SearchRadiusKm,
	}); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Service) estimate(ctx context.Context, pickup, dropoff models.Location) pricing.Estimate {
	if s.Pricing != nil {
		if est, err := s.Pricing.Estimate(ctx, pickup, dropoff); err == nil {
			return est
		} else {
			s.Logger.Warn("pricing service unavailable, using fallback", "error", err)
		}
	}
	observability.PricingFallback.Inc()
	return pricing.Fallback(pickup, dropoff)
}

// OfferRideToDriver opens a time-bounded offer for one candidate driver.
// A driver who was ever offered this ride before is refused; the attempt
// counter moves in lock-step with the offered set.
func (s *Service) OfferRideToDriver(ctx context.Context, rideID, driverID string, ttl time.Duration) (*models.Ride, error) {
	r, err := s.load(ctx, rideID)
	if err != nil {
		return nil, err
	}
	offered, err := s.Offers.HasBeenOffered(ctx, rideID, driverID)
	if err != nil {
		return nil, err
	}
	if offered || r.HasOffered(driverID) {
		return nil, ErrAlreadyOffered
	}
	if err := state.ValidateTransition(r.Status, models.StatusOffered); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = s.OfferTTL
	}

	now := time.Now().UTC()
	if err := s.transition(ctx, r, models.StatusOffered, driverID, models.ActorSystem, "", func(r *models.Ride) {
		r.OfferedAt = &now
		r.ReassignAttempts++
		r.OfferedDriverIDs = append(r.OfferedDriverIDs, driverID)
	}); err != nil {
		return nil, err
	}

	offer, err := s.Offers.CreateOffer(ctx, rideID, driverID, ttl)
	if err != nil {
		// Row says OFFERED, store has no key: the reconciliation sweep
		// recovers this ride through the timeout path.
		return nil, err
	}
	observability.OffersCreated.Inc()

	if err := s.publish(ctx, events.RideOffered, rideID, map[string]any{
		"ride_id":     rideID,
		"driver_id":   driverID,
		"ttl_seconds": int(ttl.Seconds()),
		"expires_at":  offer.ExpiresAt,
	}); err != nil {
		return nil, err
	}

	if err := s.Notify.OfferToDriver(driverID, notify.OfferNotice{
		RideID:        rideID,
		PickupAddress: r.Pickup.Address,
		PickupLat:     r.Pickup.Lat,
		PickupLng:     r.Pickup.Lng,
		Fare:          r.Fare,
		TTLSeconds:    int(ttl.Seconds()),
		ExpiresAt:     offer.ExpiresAt,
	}); err != nil {
		s.Logger.Debug("offer push failed", "ride_id", rideID, "driver_id", driverID, "error", err)
	}
	return r, nil
}

// DriverAcceptOffer resolves the active offer in the driver's favor. If the
// TTL already fired or another path resolved the offer, the driver is told
// the offer is gone and ride state is left to the winning path.
func (s *Service) DriverAcceptOffer(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	ok, err := s.Offers.AcceptOffer(ctx, rideID, driverID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrOfferNotValid
	}

	r, err := s.load(ctx, rideID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if err := s.transition(ctx, r, models.StatusAssigned, driverID, models.ActorDriver, "", func(r *models.Ride) {
		r.DriverID = &driverID
		r.AssignedAt = &now
		r.OfferedAt = nil
	}); err != nil {
		if errors.Is(err, storage.ErrStaleRide) {
			// a concurrent resolution committed the row first
			return nil, ErrOfferNotValid
		}
		return nil, err
	}
	observability.OffersAccepted.Inc()

	if err := s.publish(ctx, events.RideAssigned, rideID, map[string]any{
		"ride_id":     rideID,
		"driver_id":   driverID,
		"customer_id": r.CustomerID,
		"pickup":      r.Pickup,
	}); err != nil {
		return nil, err
	}
	return r, nil
}

// DriverRejectOffer lets the offered driver decline explicitly instead of
// sitting out the TTL. The driver joins the rejected set and reassignment
// starts immediately.
func (s *Service) DriverRejectOffer(ctx context.Context, rideID, driverID, reason string) (*models.Ride, error) {
	offer, err := s.Offers.ActiveOffer(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if offer == nil || offer.DriverID != driverID {
		return nil, ErrOfferNotValid
	}
	cancelled, err := s.Offers.CancelOffer(ctx, rideID, "rejected")
	if err != nil {
		return nil, err
	}
	if cancelled == "" {
		// expiry or cancellation claimed the offer first
		return nil, ErrOfferNotValid
	}

	r, err := s.load(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if err := s.transition(ctx, r, models.StatusFindingDriver, driverID, models.ActorDriver, defaultStr(reason, "driver rejected"), func(r *models.Ride) {
		r.RejectedDriverIDs = append(r.RejectedDriverIDs, driverID)
		r.DriverID = nil
		r.OfferedAt = nil
	}); err != nil {
		if errors.Is(err, storage.ErrStaleRide) {
			return nil, ErrOfferNotValid
		}
		return nil, err
	}
	observability.OffersRejected.Inc()

	if err := s.publish(ctx, events.RideOfferRejected, rideID, map[string]any{
		"ride_id":   rideID,
		"driver_id": driverID,
		"reason":    reason,
	}); err != nil {
		return nil, err
	}
	return r, s.autoReassign(ctx, r)
}

// HandleOfferTimeout is invoked by the expiry subscription (and the
// reconciliation sweep). A timeout arriving after the ride was accepted or
// cancelled by a concurrent path is a deliberate no-op.
func (s *Service) HandleOfferTimeout(ctx context.Context, rideID string) error {
	r, err := s.load(ctx, rideID)
	if err != nil {
		if errors.Is(err, ErrRideNotFound) {
			s.Logger.Warn("offer expired for unknown ride", "ride_id", rideID)
			return nil
		}
		return err
	}
	if r.Status != models.StatusOffered {
		s.Logger.Debug("offer expiry ignored, ride already resolved", "ride_id", rideID, "status", r.Status)
		return nil
	}

	driverID, err := s.Offers.CancelOffer(ctx, rideID, "timeout")
	if err != nil {
		return err
	}
	claimed := driverID != ""
	if driverID == "" {
		// The TTL already evicted the key, which is the normal expiry
		// path. The last entry of the offered set is the driver who let
		// the offer lapse.
		if n := len(r.OfferedDriverIDs); n > 0 {
			driverID = r.OfferedDriverIDs[n-1]
		}
	}

	if err := s.transition(ctx, r, models.StatusFindingDriver, "system", models.ActorSystem, "offer timeout", func(r *models.Ride) {
		if driverID != "" {
			r.RejectedDriverIDs = append(r.RejectedDriverIDs, driverID)
		}
		r.DriverID = nil
		r.OfferedAt = nil
	}); err != nil {
		if errors.Is(err, storage.ErrStaleRide) {
			// an accept committed the row first; it owns the outcome
			s.Logger.Debug("offer expiry lost the row race", "ride_id", rideID)
			return nil
		}
		return err
	}
	// record the lapsed driver only after winning the row, so a losing
	// timeout never taints the rejected set
	if !claimed && driverID != "" {
		if err := s.Offers.MarkRejected(ctx, rideID, driverID); err != nil {
			return err
		}
	}
	observability.OffersExpired.Inc()

	if err := s.publish(ctx, events.RideOfferTimeout, rideID, map[string]any{
		"ride_id":   rideID,
		"driver_id": driverID,
	}); err != nil {
		return err
	}
	return s.autoReassign(ctx, r)
}

// autoReassign requests the next driver candidate from the external
// matcher, excluding everyone already tried. Running out of attempts is a
// business outcome, not an error: the customer hears "no drivers
// available" through the max-attempts event.
func (s *Service) autoReassign(ctx context.Context, r *models.Ride) error {
	if r.ReassignAttempts >= s.MaxReassignAttempts {
		observability.ReassignExhaust.Inc()
		s.Logger.Info("reassignment attempts exhausted", "ride_id", r.ID, "attempts", r.ReassignAttempts)
		return s.publish(ctx, events.RideMaxReassignAttempts, r.ID, map[string]any{
			"ride_id":  r.ID,
			"attempts": r.ReassignAttempts,
		})
	}

	exclude, err := s.excludedDrivers(ctx, r)
	if err != nil {
		return err
	}
	observability.Reassignments.Inc()
	return s.publish(ctx, events.RideReassignRequested, r.ID, map[string]any{
		"ride_id":            r.ID,
		"pickup":             r.Pickup,
		"search_radius_km":   s.SearchRadiusKm,
		"exclude_driver_ids": exclude,
	})
}

// excludedDrivers is the union of the offered and rejected sets, from both
// the offer store and the row bookkeeping, deduplicated and sorted.
func (s *Service) excludedDrivers(ctx context.Context, r *models.Ride) ([]string, error) {
	seen := make(map[string]struct{})
	offered, err := s.Offers.OfferedDrivers(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	rejected, err := s.Offers.RejectedDrivers(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	for _, group := range [][]string{offered, rejected, r.OfferedDriverIDs, r.RejectedDriverIDs} {
		for _, id := range group {
			seen[id] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// AssignDriver is the external matcher's direct-assignment path, used when
// dispatch runs without the offer round-trip.
func (s *Service) AssignDriver(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	r, err := s.load(ctx, rideID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if err := s.transition(ctx, r, models.StatusAssigned, driverID, models.ActorDriver, "", func(r *models.Ride) {
		r.DriverID = &driverID
		r.AssignedAt = &now
	}); err != nil {
		return nil, err
	}
	if err := s.publish(ctx, events.RideAssigned, rideID, map[string]any{
		"ride_id":     rideID,
		"driver_id":   driverID,
		"customer_id": r.CustomerID,
		"pickup":      r.Pickup,
	}); err != nil {
		return nil, err
	}
	return r, nil
}

// AcceptRide confirms the assignment from the driver's side.
func (s *Service) AcceptRide(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	return s.driverStep(ctx, rideID, driverID, models.StatusAccepted, events.RideAccepted, func(r *models.Ride, now time.Time) {
		r.AcceptedAt = &now
	}, nil)
}

// StartPickup marks the driver en route to the pickup point.
func (s *Service) StartPickup(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	return s.driverStep(ctx, rideID, driverID, models.StatusPickingUp, events.RidePickingUp, func(r *models.Ride, now time.Time) {
		r.PickupAt = &now
	}, nil)
}

// StartRide begins the trip.
func (s *Service) StartRide(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	return s.driverStep(ctx, rideID, driverID, models.StatusInProgress, events.RideStarted, func(r *models.Ride, now time.Time) {
		r.StartedAt = &now
	}, nil)
}

// CompleteRide ends the trip and releases all offer bookkeeping. The
// completion event carries what downstream settlement needs.
func (s *Service) CompleteRide(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	r, err := s.driverStep(ctx, rideID, driverID, models.StatusCompleted, events.RideCompleted, func(r *models.Ride, now time.Time) {
		r.CompletedAt = &now
	}, func(r *models.Ride) map[string]any {
		return map[string]any{
			"ride_id":          rideID,
			"driver_id":        driverID,
			"customer_id":      r.CustomerID,
			"fare":             r.Fare,
			"distance_km":      r.DistanceKm,
			"duration_seconds": r.DurationSeconds,
		}
	})
	if err != nil {
		return nil, err
	}
	if err := s.Offers.Cleanup(ctx, rideID); err != nil {
		s.Logger.Warn("offer cleanup failed", "ride_id", rideID, "error", err)
	}
	return r, nil
}

// driverStep factors the shared shape of driver-actor lifecycle moves:
// load, authorize, validate, persist, publish.
func (s *Service) driverStep(ctx context.Context, rideID, driverID string, to models.Status, eventType string,
	stamp func(*models.Ride, time.Time), payload func(*models.Ride) map[string]any) (*models.Ride, error) {

	r, err := s.load(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.Driver() != driverID {
		return nil, ErrDriverNotAssigned
	}
	now := time.Now().UTC()
	if err := s.transition(ctx, r, to, driverID, models.ActorDriver, "", func(r *models.Ride) {
		stamp(r, now)
	}); err != nil {
		return nil, err
	}

	body := map[string]any{"ride_id": rideID, "driver_id": driverID, "customer_id": r.CustomerID}
	if payload != nil {
		body = payload(r)
	}
	if err := s.publish(ctx, eventType, rideID, body); err != nil {
		return nil, err
	}
	return r, nil
}

// CancelRide cancels on behalf of the owning customer, the assigned driver,
// or the system. Any live offer is resolved against its driver first so the
// expiry path has nothing left to race.
func (s *Service) CancelRide(ctx context.Context, rideID, actorID string, actorType models.ActorType, reason string) (*models.Ride, error) {
	r, err := s.load(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !state.CanCancel(r.Status) {
		return nil, ErrNotCancellable
	}
	switch actorType {
	case models.ActorCustomer:
		if r.CustomerID != actorID {
			return nil, ErrUnauthorized
		}
	case models.ActorDriver:
		if r.Driver() != actorID {
			return nil, ErrUnauthorized
		}
	case models.ActorSystem:
	default:
		return nil, ErrUnauthorized
	}

	if cancelled, err := s.Offers.CancelOffer(ctx, rideID, "manual"); err != nil {
		return nil, err
	} else if cancelled != "" {
		r.RejectedDriverIDs = append(r.RejectedDriverIDs, cancelled)
	}

	now := time.Now().UTC()
	if err := s.transition(ctx, r, models.StatusCancelled, actorID, actorType, reason, func(r *models.Ride) {
		r.CancelledAt = &now
		r.CancelReason = reason
		r.CancelledBy = actorType
	}); err != nil {
		return nil, err
	}

	if err := s.publish(ctx, events.RideCancelled, rideID, map[string]any{
		"ride_id":      rideID,
		"customer_id":  r.CustomerID,
		"driver_id":    r.Driver(),
		"cancelled_by": actorType,
		"reason":       reason,
	}); err != nil {
		return nil, err
	}
	if err := s.Offers.Cleanup(ctx, rideID); err != nil {
		s.Logger.Warn("offer cleanup failed", "ride_id", rideID, "error", err)
	}
	return r, nil
}

func (s *Service) GetRide(ctx context.Context, rideID string) (*models.Ride, error) {
	return s.load(ctx, rideID)
}

func (s *Service) RideTransitions(ctx context.Context, rideID string) ([]models.Transition, error) {
	if _, err := s.load(ctx, rideID); err != nil {
		return nil, err
	}
	return s.Store.Transitions(ctx, rideID)
}

func (s *Service) CustomerRides(ctx context.Context, customerID string, limit, offset int) ([]*models.Ride, error) {
	return s.Store.ListForCustomer(ctx, customerID, normalizeLimit(limit), offset)
}

func (s *Service) DriverRides(ctx context.Context, driverID string, limit, offset int) ([]*models.Ride, error) {
	return s.Store.ListForDriver(ctx, driverID, normalizeLimit(limit), offset)
}

// transition validates, applies mutate, and persists the ride together with
// its audit row.
func (s *Service) transition(ctx context.Context, r *models.Ride, to models.Status, actorID string, actorType models.ActorType, reason string, mutate func(*models.Ride)) error {
	if err := state.ValidateTransition(r.Status, to); err != nil {
		return err
	}
	from := r.Status
	if mutate != nil {
		mutate(r)
	}
	now := time.Now().UTC()
	r.Status = to
	r.UpdatedAt = now
	return s.Store.Update(ctx, r, models.Transition{
		RideID:     r.ID,
		FromStatus: from,
		ToStatus:   to,
		ActorID:    actorID,
		ActorType:  actorType,
		Reason:     reason,
		OccurredAt: now,
	})
}

func (s *Service) publish(ctx context.Context, eventType, rideID string, payload any) error {
	if err := s.Bus.Publish(ctx, eventType, rideID, payload); err != nil {
		observability.PublishErrors.Inc()
		s.Logger.Error("event publish failed", "event_type", eventType, "ride_id", rideID, "error", err)
		return err
	}
	return nil
}

func (s *Service) load(ctx context.Context, rideID string) (*models.Ride, error) {
	r, err := s.Store.Get(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrRideNotFound
	}
	return r, err
}

func defaultStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 100 {
		return 20
	}
	return limit
}
