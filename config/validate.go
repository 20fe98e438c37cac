package config

import (
	"fmt"
	"strings"

	"github.com/ElMartidel96/cryptogift-wallets-sub000/crypto"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/gift"
)

var supportedGuardBackends = map[string]bool{
	"memory":  true,
	"leveldb": true,
	"bolt":    true,
}

// Validate rejects configurations the daemon cannot serve with. It is called
// after Load and before any subsystem starts; secrets are resolved here so a
// missing environment variable fails boot instead of the first request.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("config: ListenAddress required")
	}
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("config: BaseURL required to build claim links")
	}
	if strings.TrimSpace(c.Chain.RPCEndpoint) == "" {
		return fmt.Errorf("config: chain.RPCEndpoint required")
	}
	if c.Chain.ChainID <= 0 {
		return fmt.Errorf("config: chain.ChainID must be positive")
	}
	if _, err := crypto.ParseAddress(c.Chain.ContractAddress); err != nil {
		return fmt.Errorf("config: chain.ContractAddress: %w", err)
	}
	if _, err := crypto.ParseAddress(c.Chain.EscrowHolder); err != nil {
		return fmt.Errorf("config: chain.EscrowHolder: %w", err)
	}
	if strings.TrimSpace(c.Relayer.KeystorePath) == "" {
		return fmt.Errorf("config: relayer.KeystorePath required")
	}
	if !supportedGuardBackends[c.Guard.Backend] {
		return fmt.Errorf("config: unsupported guard backend %q", c.Guard.Backend)
	}
	if max := gift.TimeframeThirtyDays.Duration(); c.Guard.SaltTTL.Duration <= max {
		return fmt.Errorf("config: guard.SaltTTL %s must exceed the longest escrow timeframe %s", c.Guard.SaltTTL.Duration, max)
	}
	if strings.TrimSpace(c.Ledger.DSN) == "" {
		return fmt.Errorf("config: ledger.DSN required")
	}
	if _, err := c.JWTSecret(); err != nil {
		return err
	}
	if _, err := c.CronSecret(); err != nil {
		return err
	}
	return nil
}
