// Payment settlement worker. Consumes ride events from Kafka and drives the
// payment provider: capture on completion, release on cancellation. Events
// arrive at-least-once, so every action is deduplicated by ride id before
// money moves.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/payments"
)

var (
	eventsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "payment_worker_events_consumed_total",
		Help: "Total ride events consumed",
	})
	eventsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "payment_worker_events_invalid_total",
		Help: "Total undecodable messages received",
	})
	paymentsCaptured = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "payment_worker_captures_total",
		Help: "Total fares captured",
	})
	paymentsReleased = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "payment_worker_releases_total",
		Help: "Total holds released on cancellation",
	})
	duplicatesSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "payment_worker_duplicates_skipped_total",
		Help: "Redelivered events skipped by the dedupe guard",
	})
	paymentErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "payment_worker_errors_total",
		Help: "Payment provider or dedupe store errors",
	})
)

func init() {
	prometheus.MustRegister(eventsConsumed, eventsInvalid, paymentsCaptured, paymentsReleased, duplicatesSkipped, paymentErrors)
}

func main() {
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	brokers := []string{"localhost:9092"}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		brokers = brokers[:0]
		for _, b := range strings.Split(v, ",") {
			if s := strings.TrimSpace(b); s != "" {
				brokers = append(brokers, s)
			}
		}
	}
	topic := envOr("KAFKA_TOPIC", "ride-events")
	group := envOr("KAFKA_GROUP", "payment-worker")
	redisAddr := envOr("REDIS_ADDR", "localhost:6379")

	rc := redis.NewClient(&redis.Options{Addr: redisAddr, Password: os.Getenv("REDIS_PASSWORD")})
	store := &redisDedupe{c: rc}
	client := payments.NewStripeClient()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			_, _ = w.Write([]byte("ready"))
		})
		log.Printf("metrics/health listening on %s", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	log.Printf("payment worker listening topic=%s brokers=%v group=%s", topic, brokers, group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("shutting down payment worker")
				return
			}
			log.Printf("kafka read error: %v; backing off %s", err, backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		eventsConsumed.Inc()

		var env events.Envelope
		if err := json.Unmarshal(m.Value, &env); err != nil {
			eventsInvalid.Inc()
			log.Printf("invalid message: %v", err)
			continue
		}

		if err := handleRideEvent(ctx, client, store, env); err != nil {
			paymentErrors.Inc()
			log.Printf("settlement failed for ride=%s event=%s: %v", env.RideID, env.EventType, err)
		}
	}
}

// DedupeStore is the persistence the settlement flow needs: a claim per
// ride so redelivered completion events cannot double-settle, and the held
// intent id so cancellation can release it.
type DedupeStore interface {
	// Claim returns true exactly once per key.
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
	SaveIntent(ctx context.Context, rideID, intentID string) error
	// TakeIntent returns and removes the stored intent id, "" when none.
	TakeIntent(ctx context.Context, rideID string) (string, error)
}

// handleRideEvent applies one ride event to the payment provider. Safe to
// re-invoke with the same event: the settled claim is taken before any
// provider call and released again on failure so the redelivery retries.
func handleRideEvent(ctx context.Context, client payments.Client, store DedupeStore, env events.Envelope) error {
	switch env.EventType {
	case events.RideCompleted:
		payload, err := decodePayload(env)
		if err != nil {
			return err
		}
		claimKey := "payment:settled:" + env.RideID
		ok, err := store.Claim(ctx, claimKey)
		if err != nil {
			return err
		}
		if !ok {
			duplicatesSkipped.Inc()
			return nil
		}
		intentID, err := client.Hold(ctx, int64(payload.Fare), "vnd", payload.CustomerID)
		if err != nil {
			_ = store.Release(ctx, claimKey)
			return fmt.Errorf("hold: %w", err)
		}
		if err := store.SaveIntent(ctx, env.RideID, intentID); err != nil {
			return err
		}
		if err := client.Capture(ctx, intentID); err != nil {
			_ = store.Release(ctx, claimKey)
			return fmt.Errorf("capture: %w", err)
		}
		paymentsCaptured.Inc()
		return nil

	case events.RideCancelled:
		intentID, err := store.TakeIntent(ctx, env.RideID)
		if err != nil {
			return err
		}
		if intentID == "" {
			return nil
		}
		if err := client.Cancel(ctx, intentID); err != nil {
			return fmt.Errorf("cancel hold: %w", err)
		}
		paymentsReleased.Inc()
		return nil
	}
	return nil
}

type completedPayload struct {
	CustomerID string  `json:"customer_id"`
	Fare       float64 `json:"fare"`
}

func decodePayload(env events.Envelope) (completedPayload, error) {
	b, err := json.Marshal(env.Payload)
	if err != nil {
		return completedPayload{}, err
	}
	var p completedPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return completedPayload{}, err
	}
	return p, nil
}

type redisDedupe struct{ c *redis.Client }

// dedupe keys outlive any realistic redelivery window
const dedupeTTL = 7 * 24 * time.Hour

func (r *redisDedupe) Claim(ctx context.Context, key string) (bool, error) {
	return r.c.SetNX(ctx, key, "1", dedupeTTL).Result()
}

func (r *redisDedupe) Release(ctx context.Context, key string) error {
	return r.c.Del(ctx, key).Err()
}

func (r *redisDedupe) SaveIntent(ctx context.Context, rideID, intentID string) error {
	return r.c.Set(ctx, "payment:intent:"+rideID, intentID, dedupeTTL).Err()
}

func (r *redisDedupe) TakeIntent(ctx context.Context, rideID string) (string, error) {
	v, err := r.c.GetDel(ctx, "payment:intent:"+rideID).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
