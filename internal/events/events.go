package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event type names published by the dispatch core. Payloads always carry
// the ride id as correlation key; consumers dedupe on it.
const (
	RideCreated              = "ride.created"
	RideAssignmentRequested  = "ride.assignment.requested"
	RideOffered              = "ride.offered"
	RideOfferTimeout         = "ride.offer_timeout"
	RideOfferRejected        = "ride.offer_rejected"
	RideReassignRequested    = "ride.reassignment_requested"
	RideMaxReassignAttempts  = "ride.max_reassignment_attempts"
	RideAssigned             = "ride.assigned"
	RideAccepted             = "ride.accepted"
	RidePickingUp            = "ride.picking_up"
	RideStarted              = "ride.started"
	RideCompleted            = "ride.completed"
	RideCancelled            = "ride.cancelled"
)

// Envelope wraps every published event. EventID makes redelivery detectable;
// RideID is the partition/correlation key.
type Envelope struct {
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	RideID     string `json:"ride_id"`
	OccurredAt string `json:"occurred_at"`
	Payload    any    `json:"payload"`
}

func NewEnvelope(eventType, rideID string, payload any) Envelope {
	return Envelope{
		EventID:    uuid.NewString(),
		EventType:  eventType,
		RideID:     rideID,
		OccurredAt: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:    payload,
	}
}

// Publisher is the broker port. Delivery is at-least-once; publishing the
// same logical event twice must be tolerable downstream.
type Publisher interface {
	Publish(ctx context.Context, eventType, rideID string, payload any) error
}
