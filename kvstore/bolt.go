package kvstore

import (
	"context"
	"encoding/binary"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("kv")

// Each stored value is an on-disk envelope: an 8-byte big-endian Unix-nano
// expiry (0 means no expiry) prefixed to the raw value.
const expiryHeaderLen = 8

// Bolt is a durable, single-node embedded Store backed by bbolt.
// Grounded on go.etcd.io/bbolt, the durable-log dependency the wider
// example pack carries for single-process persistence; used here
// without the Raft layer since cross-host consensus is a Non-goal.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (creating if absent) a bbolt database at path and
// ensures the kv bucket exists.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Bolt{db: db}, nil
}

func encodeEntry(value []byte, ttl time.Duration) []byte {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).UnixNano()
	}
	out := make([]byte, expiryHeaderLen+len(value))
	binary.BigEndian.PutUint64(out[:expiryHeaderLen], uint64(expiresAt))
	copy(out[expiryHeaderLen:], value)
	return out
}

func decodeEntry(raw []byte) (value []byte, expired bool) {
	if len(raw) < expiryHeaderLen {
		return nil, true
	}
	expiresAt := int64(binary.BigEndian.Uint64(raw[:expiryHeaderLen]))
	if expiresAt != 0 && time.Now().UnixNano() > expiresAt {
		return nil, true
	}
	value = make([]byte, len(raw)-expiryHeaderLen)
	copy(value, raw[expiryHeaderLen:])
	return value, false
}

func (b *Bolt) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), encodeEntry(value, ttl))
	})
}

func (b *Bolt) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketName)
		raw := bkt.Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		value, expired := decodeEntry(raw)
		if expired {
			bkt.Delete([]byte(key))
			return ErrNotFound
		}
		out = value
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Bolt) Delete(_ context.Context, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(key))
	})
}

func (b *Bolt) Keys(_ context.Context, prefix string) ([]string, error) {
	var out []string
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		var k, v []byte
		if prefix != "" {
			k, v = c.Seek([]byte(prefix))
		} else {
			k, v = c.First()
		}
		for ; k != nil; k, v = c.Next() {
			if prefix != "" && !strings.HasPrefix(string(k), prefix) {
				break
			}
			if _, expired := decodeEntry(v); expired {
				continue
			}
			out = append(out, string(k))
		}
		return nil
	})
	return out, err
}

func (b *Bolt) Size(_ context.Context) (int, error) {
	count := 0
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, v []byte) error {
			if _, expired := decodeEntry(v); !expired {
				count++
			}
			return nil
		})
	})
	return count, err
}

func (b *Bolt) Clear(_ context.Context) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketName); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketName)
		return err
	})
}

func (b *Bolt) Close() error { return b.db.Close() }
