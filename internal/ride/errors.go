package ride

import "errors"

// Domain validation errors. The HTTP layer maps these onto 4xx responses;
// anything else bubbles up as infrastructure failure.
var (
	ErrRideNotFound      = errors.New("ride not found")
	ErrActiveRideExists  = errors.New("customer already has an active ride")
	ErrAlreadyOffered    = errors.New("driver has already been offered this ride")
	ErrOfferNotValid     = errors.New("offer is no longer valid")
	ErrDriverNotAssigned = errors.New("driver is not assigned to this ride")
	ErrNotCancellable    = errors.New("ride cannot be cancelled in its current state")
	ErrUnauthorized      = errors.New("actor is not allowed to perform this action")
)
