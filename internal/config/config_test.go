package config

import (
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.OfferTTL != 20*time.Second {
		t.Errorf("OfferTTL = %v", cfg.OfferTTL)
	}
	if cfg.MaxReassignAttempts != 3 {
		t.Errorf("MaxReassignAttempts = %d", cfg.MaxReassignAttempts)
	}
	if cfg.SearchRadiusKm != 5 {
		t.Errorf("SearchRadiusKm = %v", cfg.SearchRadiusKm)
	}
	if cfg.KafkaTopic != "ride-events" {
		t.Errorf("KafkaTopic = %q", cfg.KafkaTopic)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("OFFER_TTL", "45s")
	t.Setenv("MAX_REASSIGN_ATTEMPTS", "5")
	t.Setenv("SEARCH_RADIUS_KM", "7.5")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("MIGRATE", "true")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.OfferTTL != 45*time.Second {
		t.Errorf("OfferTTL = %v", cfg.OfferTTL)
	}
	if cfg.MaxReassignAttempts != 5 {
		t.Errorf("MaxReassignAttempts = %d", cfg.MaxReassignAttempts)
	}
	if cfg.SearchRadiusKm != 7.5 {
		t.Errorf("SearchRadiusKm = %v", cfg.SearchRadiusKm)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("KafkaBrokers = %v", cfg.KafkaBrokers)
	}
	if !cfg.RunMigrations {
		t.Error("RunMigrations should be true")
	}
}

func TestInvalidValuesAreJoined(t *testing.T) {
	t.Setenv("OFFER_TTL", "soon")
	t.Setenv("MAX_REASSIGN_ATTEMPTS", "many")

	if _, err := LoadServerConfig(); err == nil {
		t.Fatal("expected an error for unparseable env values")
	}
}
