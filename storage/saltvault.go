package storage

import (
	"fmt"
	"strings"
	"time"
)

const saltKeyPrefix = "salt:"

// DefaultSaltTTL keeps salts recoverable well past the longest escrow
// timeframe (30 days); a gift whose salt expires before its escrow does would
// become unclaimable.
const DefaultSaltTTL = 90 * 24 * time.Hour

// SaltVault persists the per-gift salts keyed by token ID. Salts are written
// once at mint, read many times during claim attempts and never mutated.
type SaltVault struct {
	kv  KeyValue
	ttl time.Duration
}

// NewSaltVault wraps the supplied store. A non-positive TTL falls back to
// DefaultSaltTTL.
func NewSaltVault(kv KeyValue, ttl time.Duration) *SaltVault {
	if ttl <= 0 {
		ttl = DefaultSaltTTL
	}
	return &SaltVault{kv: kv, ttl: ttl}
}

// Store records the salt for a token ID.
func (v *SaltVault) Store(tokenID, salt string) error {
	tokenID = strings.TrimSpace(tokenID)
	if tokenID == "" {
		return fmt.Errorf("storage: salt token id required")
	}
	if strings.TrimSpace(salt) == "" {
		return fmt.Errorf("storage: salt value required")
	}
	if err := v.kv.Put(saltKeyPrefix+tokenID, []byte(salt), v.ttl); err != nil {
		return fmt.Errorf("storage: store salt for %s: %w", tokenID, err)
	}
	return nil
}

// Fetch returns the stored salt for a token ID, if the vault still holds it.
func (v *SaltVault) Fetch(tokenID string) (string, bool, error) {
	raw, ok, err := v.kv.Get(saltKeyPrefix + strings.TrimSpace(tokenID))
	if err != nil {
		return "", false, fmt.Errorf("storage: fetch salt for %s: %w", tokenID, err)
	}
	if !ok {
		return "", false, nil
	}
	return string(raw), true, nil
}
