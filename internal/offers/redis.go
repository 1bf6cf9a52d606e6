package offers

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements KeyStore on top of Redis. Offer TTLs ride on native
// key expiry; expiry push notifications come from keyspace events, so no
// process ever polls for lapsed offers.
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisStore(addr, password string, logger *slog.Logger) *RedisStore {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisStore{client: c, logger: logger}
}

func (r *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

func (r *RedisStore) Del(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

// delIfEqual is the standard compare-and-delete script; GET and DEL have to
// happen in one step or a concurrent expiry can slip between them.
var delIfEqual = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

func (r *RedisStore) DelIfEqual(ctx context.Context, key, value string) (bool, error) {
	n, err := delIfEqual.Run(ctx, r.client, []string{key}, value).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	// -2: key gone, -1: no expiry set
	if d < 0 {
		return 0, ErrNotFound
	}
	return d, nil
}

func (r *RedisStore) AddToSet(ctx context.Context, key, member string) error {
	return r.client.SAdd(ctx, key, member).Err()
}

func (r *RedisStore) IsMember(ctx context.Context, key, member string) (bool, error) {
	return r.client.SIsMember(ctx, key, member).Result()
}

func (r *RedisStore) Members(ctx context.Context, key string) ([]string, error) {
	return r.client.SMembers(ctx, key).Result()
}

// SubscribeExpiry enables keyspace notifications for expired events and
// fans matching keys out on the returned channel. Pub/sub needs its own
// connection, which go-redis manages inside PSubscribe.
func (r *RedisStore) SubscribeExpiry(ctx context.Context, prefix string) (<-chan string, error) {
	if err := r.client.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
		// Managed Redis often locks CONFIG; notifications may already be on.
		r.logger.Warn("could not enable keyspace notifications", "error", err)
	}

	sub := r.client.PSubscribe(ctx, "__keyevent@*__:expired")
	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		for {
			select {
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				if !strings.HasPrefix(msg.Payload, prefix) {
					continue
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
