package offers

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get/TTL when the key does not exist or has
// already expired.
var ErrNotFound = errors.New("offers: key not found")

// KeyStore is the narrow TTL-capable key/value surface the offer mechanics
// are written against. Keeping it this small lets the concurrency core run
// against the in-memory implementation in tests and against Redis in
// production without touching the callers.
type KeyStore interface {
	// Set writes key=value with the given TTL, replacing any previous value
	// and its expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Get returns the value or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Del removes keys and their pending expirations. Missing keys are not
	// an error.
	Del(ctx context.Context, keys ...string) error
	// DelIfEqual removes key only if it still holds value, atomically with
	// the comparison. Returns false when the key is gone or the value
	// changed. This is the claim primitive for the accept-vs-timeout race.
	DelIfEqual(ctx context.Context, key, value string) (bool, error)
	// TTL returns the remaining lifetime of key, or ErrNotFound.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// AddToSet adds member to the unordered, non-expiring set at key.
	AddToSet(ctx context.Context, key, member string) error
	IsMember(ctx context.Context, key, member string) (bool, error)
	Members(ctx context.Context, key string) ([]string, error)

	// SubscribeExpiry returns a channel that receives the full key of every
	// entry under prefix that lapses without being deleted first. The
	// channel closes when ctx is cancelled. Keys deleted via Del never
	// appear on the channel.
	SubscribeExpiry(ctx context.Context, prefix string) (<-chan string, error)
}
