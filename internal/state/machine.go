package state

import (
	"fmt"

	"github.com/example/ride-dispatch/internal/models"
)

// transitions is the full table of legal status changes. OFFERED falls back
// to FINDING_DRIVER on timeout or rejection; ASSIGNED does the same when the
// driver bails before pickup.
var transitions = map[models.Status][]models.Status{
	models.StatusCreated:       {models.StatusFindingDriver, models.StatusCancelled},
	models.StatusFindingDriver: {models.StatusOffered, models.StatusAssigned, models.StatusCancelled},
	models.StatusOffered:       {models.StatusAssigned, models.StatusFindingDriver, models.StatusCancelled},
	models.StatusAssigned:      {models.StatusAccepted, models.StatusPickingUp, models.StatusFindingDriver, models.StatusCancelled},
	models.StatusAccepted:      {models.StatusInProgress, models.StatusCancelled},
	models.StatusPickingUp:     {models.StatusInProgress, models.StatusCancelled},
	models.StatusInProgress:    {models.StatusCompleted, models.StatusCancelled},
	models.StatusCompleted:     {},
	models.StatusCancelled:     {},
}

// InvalidTransitionError reports an attempted illegal status change.
type InvalidTransitionError struct {
	From models.Status
	To   models.Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to models.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an InvalidTransitionError if from -> to is illegal.
func ValidateTransition(from, to models.Status) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// IsTerminal reports whether no further transitions are legal.
func IsTerminal(s models.Status) bool {
	return s == models.StatusCompleted || s == models.StatusCancelled
}

// CanCancel is true for every state up to and including the pickup phase.
// A trip in progress has to finish or be force-resolved out of band.
func CanCancel(s models.Status) bool {
	switch s {
	case models.StatusCreated, models.StatusFindingDriver, models.StatusOffered,
		models.StatusAssigned, models.StatusAccepted, models.StatusPickingUp:
		return true
	}
	return false
}

// RequiresDriver reports whether the status is meaningless without an
// assigned driver.
func RequiresDriver(s models.Status) bool {
	switch s {
	case models.StatusAccepted, models.StatusInProgress, models.StatusCompleted:
		return true
	}
	return false
}
