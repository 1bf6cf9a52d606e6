package notify

import "time"

// OfferNotice is pushed to a driver when an offer opens. The driver has
// until ExpiresAt to respond.
type OfferNotice struct {
	RideID        string    `json:"ride_id"`
	PickupAddress string    `json:"pickup_address"`
	PickupLat     float64   `json:"pickup_lat"`
	PickupLng     float64   `json:"pickup_lng"`
	Fare          float64   `json:"fare"`
	TTLSeconds    int       `json:"ttl_seconds"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Notifier delivers offer notices to a driver's device. Delivery is
// best-effort; the authoritative channel is the published ride.offered
// event.
type Notifier interface {
	OfferToDriver(driverID string, notice OfferNotice) error
}

// Nop drops notices. Used when no push channel is configured.
type Nop struct{}

func (Nop) OfferToDriver(string, OfferNotice) error { return nil }
