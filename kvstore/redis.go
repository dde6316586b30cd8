package kvstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a shared, fast backend, grounded on the teacher's
// store.RedisStore generic key/value Set/Get pair, using go-redis's
// native TTL support (SetEX semantics via the ttl argument to Set)
// instead of the teacher's separate Lua versioned-set path, which
// this adapter has no need for.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis opens a client against addr and verifies connectivity.
// keyPrefix namespaces every key this adapter touches (e.g. per
// orchestrator instance sharing one Redis).
func NewRedis(addr, password string, db int, keyPrefix string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &Redis{client: client, prefix: keyPrefix}, nil
}

func (r *Redis) k(key string) string { return r.prefix + key }

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, r.k(key), value, ttl).Err()
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, r.k(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return val, err
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.k(key)).Err()
}

func (r *Redis) Keys(ctx context.Context, prefix string) ([]string, error) {
	match := r.k(prefix) + "*"
	iter := r.client.Scan(ctx, 0, match, 0).Iterator()
	var out []string
	for iter.Next(ctx) {
		out = append(out, iter.Val()[len(r.prefix):])
	}
	return out, iter.Err()
}

func (r *Redis) Size(ctx context.Context) (int, error) {
	keys, err := r.Keys(ctx, "")
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (r *Redis) Clear(ctx context.Context) error {
	keys, err := r.Keys(ctx, "")
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.k(k)
	}
	return r.client.Del(ctx, full...).Err()
}

func (r *Redis) Close() error { return r.client.Close() }
