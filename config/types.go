package config

import (
	"fmt"
	"time"
)

// Duration wraps time.Duration so TOML files can use human readable strings
// like "90s" or "24h".
type Duration struct {
	time.Duration
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := string(text)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration back into its string form for persisted
// default files.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Chain captures the EVM endpoint and the escrow contract coordinates.
type Chain struct {
	RPCEndpoint     string   `toml:"RPCEndpoint"`
	ChainID         int64    `toml:"ChainID"`
	ContractAddress string   `toml:"ContractAddress"`
	EscrowHolder    string   `toml:"EscrowHolder"`
	ReceiptTimeout  Duration `toml:"ReceiptTimeout"`
	PollInterval    Duration `toml:"PollInterval"`
}

// Relayer configures the sponsored relay endpoint and the custodial fallback
// key. The bearer token and keystore passphrase are never stored in the file;
// only the names of the environment variables that hold them are.
type Relayer struct {
	Endpoint      string `toml:"Endpoint"`
	TokenEnv      string `toml:"TokenEnv"`
	KeystorePath  string `toml:"KeystorePath"`
	PassphraseEnv string `toml:"PassphraseEnv"`
}

// Auth holds the JWT and cron shared-secret settings. Secrets are indirected
// through environment variables.
type Auth struct {
	JWTSecretEnv  string `toml:"JWTSecretEnv"`
	JWTIssuer     string `toml:"JWTIssuer"`
	JWTAudience   string `toml:"JWTAudience"`
	CronSecretEnv string `toml:"CronSecretEnv"`
}

// Guard tunes the attempt registry, rate limiter and salt vault that share the
// embedded key-value store.
type Guard struct {
	Backend        string   `toml:"Backend"`
	Path           string   `toml:"Path"`
	RateLimitQuota int      `toml:"RateLimitQuota"`
	RateLimitWin   Duration `toml:"RateLimitWindow"`
	PendingTimeout Duration `toml:"PendingTimeout"`
	AttemptTTL     Duration `toml:"AttemptTTL"`
	SaltTTL        Duration `toml:"SaltTTL"`
}

// Ledger selects the relational store for the gift registry.
type Ledger struct {
	DSN string `toml:"DSN"`
}

// Returner paces the expired-gift sweep.
type Returner struct {
	BatchSize  int      `toml:"BatchSize"`
	BatchDelay Duration `toml:"BatchDelay"`
	Interval   Duration `toml:"Interval"`
	RPCRate    float64  `toml:"RPCRate"`
}

// Webhooks points at the optional subscription seed file.
type Webhooks struct {
	SeedFile string `toml:"SeedFile"`
}

// Telemetry toggles the OTLP exporters.
type Telemetry struct {
	Endpoint string            `toml:"Endpoint"`
	Insecure bool              `toml:"Insecure"`
	Headers  map[string]string `toml:"Headers"`
	Metrics  bool              `toml:"Metrics"`
	Traces   bool              `toml:"Traces"`
}
