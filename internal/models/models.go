package models

import "time"

// Status is the lifecycle state of a ride.
type Status string

const (
	StatusCreated       Status = "CREATED"
	StatusFindingDriver Status = "FINDING_DRIVER"
	StatusOffered       Status = "OFFERED"
	StatusAssigned      Status = "ASSIGNED"
	StatusAccepted      Status = "ACCEPTED"
	StatusPickingUp     Status = "PICKING_UP"
	StatusInProgress    Status = "IN_PROGRESS"
	StatusCompleted     Status = "COMPLETED"
	StatusCancelled     Status = "CANCELLED"
)

// ActorType identifies who performed a lifecycle action.
type ActorType string

const (
	ActorCustomer ActorType = "CUSTOMER"
	ActorDriver   ActorType = "DRIVER"
	ActorSystem   ActorType = "SYSTEM"
)

type Location struct {
	Address string  `json:"address"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
}

// Ride is the durable aggregate owned by the dispatch core. Terminal
// statuses (COMPLETED, CANCELLED) are final; nothing mutates the row after.
type Ride struct {
	ID         string  `json:"id"`
	CustomerID string  `json:"customer_id"`
	DriverID   *string `json:"driver_id,omitempty"`
	Status     Status  `json:"status"`

	VehicleType   string `json:"vehicle_type"`
	PaymentMethod string `json:"payment_method"`

	Pickup  Location `json:"pickup"`
	Dropoff Location `json:"dropoff"`

	// Pricing snapshot, fixed at creation time.
	DistanceKm      float64 `json:"distance_km"`
	DurationSeconds int     `json:"duration_seconds"`
	Fare            float64 `json:"fare"`
	SurgeMultiplier float64 `json:"surge_multiplier"`

	// Offer bookkeeping. OfferedDriverIDs is always a superset of
	// RejectedDriverIDs; both are append-only.
	OfferedDriverIDs  []string   `json:"offered_driver_ids"`
	RejectedDriverIDs []string   `json:"rejected_driver_ids"`
	ReassignAttempts  int        `json:"reassign_attempts"`
	OfferedAt         *time.Time `json:"offered_at,omitempty"`

	RequestedAt time.Time  `json:"requested_at"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	PickupAt    *time.Time `json:"pickup_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	CancelReason string    `json:"cancel_reason,omitempty"`
	CancelledBy  ActorType `json:"cancelled_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transition is one row of the append-only audit log. FromStatus is empty
// for the creation row.
type Transition struct {
	RideID     string    `json:"ride_id"`
	FromStatus Status    `json:"from_status,omitempty"`
	ToStatus   Status    `json:"to_status"`
	ActorID    string    `json:"actor_id"`
	ActorType  ActorType `json:"actor_type"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// CreateRideInput is the request payload for ride creation.
type CreateRideInput struct {
	CustomerID    string   `json:"customer_id"`
	Pickup        Location `json:"pickup"`
	Dropoff       Location `json:"dropoff"`
	VehicleType   string   `json:"vehicle_type,omitempty"`
	PaymentMethod string   `json:"payment_method,omitempty"`
}

// Offer is the ephemeral reservation binding one ride to one candidate
// driver. It lives only in the expiring-offer store, never in the database.
type Offer struct {
	RideID    string    `json:"ride_id"`
	DriverID  string    `json:"driver_id"`
	OfferedAt time.Time `json:"offered_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Driver returns the assigned driver id or "".
func (r *Ride) Driver() string {
	if r.DriverID == nil {
		return ""
	}
	return *r.DriverID
}

// HasOffered reports whether the driver appears in the ride's offered set.
func (r *Ride) HasOffered(driverID string) bool {
	for _, id := range r.OfferedDriverIDs {
		if id == driverID {
			return true
		}
	}
	return false
}
