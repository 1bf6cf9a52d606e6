package geo

import "testing"

func TestHaversineZero(t *testing.T) {
	d := HaversineKm(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// roughly one degree of latitude ~ 111.19 km
	d := HaversineKm(0, 0, 1, 0)
	if d < 110 || d > 112 {
		t.Fatalf("expected ~111km, got %f", d)
	}
}
