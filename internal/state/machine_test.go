package state

import (
	"errors"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestTerminalStatesHaveNoExits(t *testing.T) {
	all := []models.Status{
		models.StatusCreated, models.StatusFindingDriver, models.StatusOffered,
		models.StatusAssigned, models.StatusAccepted, models.StatusPickingUp,
		models.StatusInProgress, models.StatusCompleted, models.StatusCancelled,
	}
	for _, terminal := range []models.Status{models.StatusCompleted, models.StatusCancelled} {
		if !IsTerminal(terminal) {
			t.Fatalf("%s should be terminal", terminal)
		}
		for _, to := range all {
			if CanTransition(terminal, to) {
				t.Fatalf("unexpected transition %s -> %s", terminal, to)
			}
		}
	}
}

func TestNoSkippingStates(t *testing.T) {
	if CanTransition(models.StatusCreated, models.StatusCompleted) {
		t.Fatal("CREATED must not jump straight to COMPLETED")
	}
	if CanTransition(models.StatusCreated, models.StatusInProgress) {
		t.Fatal("CREATED must not jump straight to IN_PROGRESS")
	}
	if !CanTransition(models.StatusFindingDriver, models.StatusAssigned) {
		t.Fatal("FINDING_DRIVER -> ASSIGNED must be legal")
	}
}

func TestOfferedFallsBackToFindingDriver(t *testing.T) {
	if !CanTransition(models.StatusOffered, models.StatusFindingDriver) {
		t.Fatal("OFFERED -> FINDING_DRIVER must be legal (timeout/reject)")
	}
	if !CanTransition(models.StatusOffered, models.StatusAssigned) {
		t.Fatal("OFFERED -> ASSIGNED must be legal (accept)")
	}
	if CanTransition(models.StatusOffered, models.StatusInProgress) {
		t.Fatal("OFFERED must not jump to IN_PROGRESS")
	}
}

func TestValidateTransitionError(t *testing.T) {
	err := ValidateTransition(models.StatusInProgress, models.StatusAssigned)
	if err == nil {
		t.Fatal("expected error")
	}
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %T", err)
	}
	if ite.From != models.StatusInProgress || ite.To != models.StatusAssigned {
		t.Fatalf("wrong error fields: %+v", ite)
	}
	if err := ValidateTransition(models.StatusInProgress, models.StatusCompleted); err != nil {
		t.Fatalf("legal transition rejected: %v", err)
	}
}

func TestCanCancel(t *testing.T) {
	cancellable := []models.Status{
		models.StatusCreated, models.StatusFindingDriver, models.StatusOffered,
		models.StatusAssigned, models.StatusAccepted, models.StatusPickingUp,
	}
	for _, s := range cancellable {
		if !CanCancel(s) {
			t.Fatalf("%s should be cancellable", s)
		}
	}
	for _, s := range []models.Status{models.StatusInProgress, models.StatusCompleted, models.StatusCancelled} {
		if CanCancel(s) {
			t.Fatalf("%s should not be cancellable", s)
		}
	}
}

func TestRequiresDriver(t *testing.T) {
	for _, s := range []models.Status{models.StatusAccepted, models.StatusInProgress, models.StatusCompleted} {
		if !RequiresDriver(s) {
			t.Fatalf("%s requires a driver", s)
		}
	}
	if RequiresDriver(models.StatusFindingDriver) {
		t.Fatal("FINDING_DRIVER does not require a driver")
	}
}
