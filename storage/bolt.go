package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketEntries = []byte("kv")

// Bolt is a persistent KeyValue backend on bbolt. Entries carry their expiry
// inside a JSON envelope; expired records are dropped lazily on read and in
// bulk by PruneExpired.
type Bolt struct {
	db  *bolt.DB
	now func() time.Time
}

type boltEntry struct {
	Value     []byte     `json:"value"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// NewBolt opens (and migrates) the bbolt-backed store at the provided path.
func NewBolt(path string) (*Bolt, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage: bolt path required")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open bolt store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: migrate bolt store: %w", err)
	}
	return &Bolt{db: db, now: time.Now}, nil
}

// SetNowFunc overrides the clock. Primarily used in tests.
func (b *Bolt) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	b.now = now
}

func (b *Bolt) Get(key string) ([]byte, bool, error) {
	var value []byte
	var found bool
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return nil
		}
		var entry boltEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return err
		}
		if entry.ExpiresAt != nil && !b.now().Before(*entry.ExpiresAt) {
			return bucket.Delete([]byte(key))
		}
		value = append([]byte(nil), entry.Value...)
		found = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("storage: load %q: %w", key, err)
	}
	return value, found, nil
}

func (b *Bolt) Put(key string, value []byte, ttl time.Duration) error {
	entry := boltEntry{Value: append([]byte(nil), value...)}
	if ttl > 0 {
		expires := b.now().Add(ttl)
		entry.ExpiresAt = &expires
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("storage: encode %q: %w", key, err)
	}
	if err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).Put([]byte(key), payload)
	}); err != nil {
		return fmt.Errorf("storage: store %q: %w", key, err)
	}
	return nil
}

func (b *Bolt) Delete(key string) error {
	if err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).Delete([]byte(key))
	}); err != nil {
		return fmt.Errorf("storage: delete %q: %w", key, err)
	}
	return nil
}

// PruneExpired scans the bucket and removes dead entries. The limit bounds
// work per sweep; zero means unbounded.
func (b *Bolt) PruneExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	pruned := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		cursor := bucket.Cursor()
		dead := make([][]byte, 0)
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var entry boltEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			if entry.ExpiresAt == nil || now.Before(*entry.ExpiresAt) {
				continue
			}
			dead = append(dead, append([]byte(nil), k...))
			if limit > 0 && len(dead) >= limit {
				break
			}
		}
		for _, k := range dead {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	if err != nil {
		return pruned, fmt.Errorf("storage: prune expired: %w", err)
	}
	return pruned, nil
}

// Close releases the underlying Bolt database handle.
func (b *Bolt) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}
