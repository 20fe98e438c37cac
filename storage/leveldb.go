package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	valueKeyPrefix  = "kv:"
	expiryKeyPrefix = "exp:"
)

// LevelDB is a persistent KeyValue backend. Entries with a TTL additionally
// write a time-ordered expiry index row so sweeps can walk dead entries
// without scanning the whole keyspace.
type LevelDB struct {
	db  *leveldb.DB
	now func() time.Time
}

// NewLevelDB opens (or creates) a LevelDB database at the provided path.
func NewLevelDB(path string) (*LevelDB, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("storage: leveldb path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve leveldb path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open leveldb store: %w", err)
	}
	return &LevelDB{db: db, now: time.Now}, nil
}

// SetNowFunc overrides the clock. Primarily used in tests.
func (l *LevelDB) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	l.now = now
}

func (l *LevelDB) Get(key string) ([]byte, bool, error) {
	raw, err := l.db.Get([]byte(valueKeyPrefix+key), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("storage: load %q: %w", key, err)
	}
	expiresAt, value, err := decodeEntry(raw)
	if err != nil {
		return nil, false, fmt.Errorf("storage: decode %q: %w", key, err)
	}
	if expiresAt != 0 && l.now().UnixNano() >= expiresAt {
		batch := new(leveldb.Batch)
		batch.Delete([]byte(valueKeyPrefix + key))
		batch.Delete([]byte(expiryKey(expiresAt, key)))
		if err := l.db.Write(batch, nil); err != nil {
			return nil, false, fmt.Errorf("storage: drop expired %q: %w", key, err)
		}
		return nil, false, nil
	}
	return value, true, nil
}

func (l *LevelDB) Put(key string, value []byte, ttl time.Duration) error {
	batch := new(leveldb.Batch)
	if prev, err := l.db.Get([]byte(valueKeyPrefix+key), nil); err == nil {
		if prevExpiry, _, decodeErr := decodeEntry(prev); decodeErr == nil && prevExpiry != 0 {
			batch.Delete([]byte(expiryKey(prevExpiry, key)))
		}
	} else if !errors.Is(err, leveldb.ErrNotFound) {
		return fmt.Errorf("storage: load previous %q: %w", key, err)
	}
	var expiresAt int64
	if ttl > 0 {
		expiresAt = l.now().Add(ttl).UnixNano()
		batch.Put([]byte(expiryKey(expiresAt, key)), nil)
	}
	batch.Put([]byte(valueKeyPrefix+key), encodeEntry(expiresAt, value))
	if err := l.db.Write(batch, nil); err != nil {
		return fmt.Errorf("storage: store %q: %w", key, err)
	}
	return nil
}

func (l *LevelDB) Delete(key string) error {
	batch := new(leveldb.Batch)
	if prev, err := l.db.Get([]byte(valueKeyPrefix+key), nil); err == nil {
		if prevExpiry, _, decodeErr := decodeEntry(prev); decodeErr == nil && prevExpiry != 0 {
			batch.Delete([]byte(expiryKey(prevExpiry, key)))
		}
	} else if errors.Is(err, leveldb.ErrNotFound) {
		return nil
	} else {
		return fmt.Errorf("storage: load previous %q: %w", key, err)
	}
	batch.Delete([]byte(valueKeyPrefix + key))
	if err := l.db.Write(batch, nil); err != nil {
		return fmt.Errorf("storage: delete %q: %w", key, err)
	}
	return nil
}

// PruneExpired walks the expiry index up to now and removes dead entries in
// one batch. The limit bounds work per sweep; zero means unbounded.
func (l *LevelDB) PruneExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	cutoff := now.UnixNano()
	iter := l.db.NewIterator(util.BytesPrefix([]byte(expiryKeyPrefix)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	pruned := 0
	for iter.Next() {
		select {
		case <-ctx.Done():
			return pruned, ctx.Err()
		default:
		}
		key, nanos, ok := parseExpiryKey(iter.Key())
		if !ok {
			continue
		}
		// Index keys sort by their zero-padded timestamp, so the first
		// live entry ends the walk.
		if nanos > cutoff {
			break
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
		batch.Delete([]byte(valueKeyPrefix + key))
		pruned++
		if limit > 0 && pruned >= limit {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return pruned, fmt.Errorf("storage: iterate expiry index: %w", err)
	}
	if batch.Len() > 0 {
		if err := l.db.Write(batch, nil); err != nil {
			return pruned, fmt.Errorf("storage: prune expired: %w", err)
		}
	}
	return pruned, nil
}

// Close releases the underlying LevelDB resources.
func (l *LevelDB) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

func encodeEntry(expiresAt int64, value []byte) []byte {
	buf := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(buf, uint64(expiresAt))
	copy(buf[8:], value)
	return buf
}

func decodeEntry(raw []byte) (int64, []byte, error) {
	if len(raw) < 8 {
		return 0, nil, fmt.Errorf("entry too short")
	}
	expiresAt := int64(binary.BigEndian.Uint64(raw[:8]))
	value := append([]byte(nil), raw[8:]...)
	return expiresAt, value, nil
}

func expiryKey(nanos int64, key string) string {
	return fmt.Sprintf("%s%020d:%s", expiryKeyPrefix, nanos, key)
}

func parseExpiryKey(raw []byte) (string, int64, bool) {
	parts := strings.SplitN(string(raw), ":", 3)
	if len(parts) != 3 {
		return "", 0, false
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return parts[2], nanos, true
}
