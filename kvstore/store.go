// Package kvstore implements the pluggable key/value adapter used by
// checkpoint and knowledge durability. Four interchangeable backends
// live behind the same Store interface, grounded on the teacher's
// store.Store implementations (Memory/Redis/Postgres) plus bbolt as
// the single-node durable option the wider example pack carries.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when key has no live value.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is the minimal KV contract every backend implements. Only two
// reserved key namespaces ever cross this boundary in practice:
// "checkpoint:<id>" and "knowledge:<k>".
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Size(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
	Close() error
}
