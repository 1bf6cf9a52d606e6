package events

import (
	"context"
	"log/slog"
)

// LogPublisher stands in for the broker when no Kafka brokers are
// configured. Events are logged, not delivered.
type LogPublisher struct {
	Logger *slog.Logger
}

func (l *LogPublisher) Publish(ctx context.Context, eventType, rideID string, payload any) error {
	l.Logger.Info("event", "event_type", eventType, "ride_id", rideID, "payload", payload)
	return nil
}
