package pricing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Estimate is what the external pricing collaborator returns for a trip.
type Estimate struct {
	Fare            float64 `json:"estimated_fare"`
	DistanceKm      float64 `json:"distance_km"`
	DurationMinutes float64 `json:"duration_minutes"`
	SurgeMultiplier float64 `json:"surge_multiplier"`
}

// Estimator is the port the orchestrator calls at ride creation. Failures
// must be cheap: the caller always has Fallback to lean on.
type Estimator interface {
	Estimate(ctx context.Context, pickup, dropoff models.Location) (Estimate, error)
}

// HTTPEstimator calls the pricing service over HTTP with a hard sub-second
// timeout so ride creation can never hang on it.
type HTTPEstimator struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPEstimator(endpoint string, timeout time.Duration) *HTTPEstimator {
	if timeout <= 0 {
		timeout = 800 * time.Millisecond
	}
	return &HTTPEstimator{Endpoint: endpoint, Client: &http.Client{Timeout: timeout}}
}

func (e *HTTPEstimator) Estimate(ctx context.Context, pickup, dropoff models.Location) (Estimate, error) {
	body := map[string]any{
		"pickup":      map[string]float64{"lat": pickup.Lat, "lng": pickup.Lng},
		"destination": map[string]float64{"lat": dropoff.Lat, "lng": dropoff.Lng},
	}
	b, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.Endpoint+"/api/ride/estimate", bytes.NewReader(b))
	if err != nil {
		return Estimate{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.Client.Do(req)
	if err != nil {
		return Estimate{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Estimate{}, fmt.Errorf("pricing service status %d", resp.StatusCode)
	}
	var out Estimate
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Estimate{}, err
	}
	if out.SurgeMultiplier <= 0 {
		out.SurgeMultiplier = 1.0
	}
	return out, nil
}

// Fallback fare parameters. Flat-rate VND pricing matching the billing
// service's own floor values.
const (
	baseFare      = 15000.0
	perKmRate     = 12000.0
	minutesPerKm  = 3.0
	fallbackSurge = 1.0
)

// Fallback produces a deterministic local estimate so ride creation never
// blocks on an unavailable pricing dependency.
func Fallback(pickup, dropoff models.Location) Estimate {
	km := geo.HaversineKm(pickup.Lat, pickup.Lng, dropoff.Lat, dropoff.Lng)
	return Estimate{
		Fare:            math.Round((baseFare + km*perKmRate) * fallbackSurge),
		DistanceKm:      km,
		DurationMinutes: math.Round(km * minutesPerKm),
		SurgeMultiplier: fallbackSurge,
	}
}
