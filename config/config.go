package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ElMartidel96/cryptogift-wallets-sub000/crypto"
)

// Defaults applied when the file omits a field. Durations for the guard keep
// the salt vault alive well past the longest escrow timeframe.
const (
	DefaultListenAddress   = ":8090"
	DefaultEnvironment     = "dev"
	DefaultDataDir         = "./gift-data"
	DefaultMaxRequestBytes = 1 << 20
	DefaultMaxConnections  = 512
	DefaultRateLimitQuota  = 5
	DefaultPassphraseEnv   = "GIFT_KEYSTORE_PASSPHRASE"
)

// ErrPassphraseRequired signals that Load needs a keystore passphrase to
// bootstrap the relayer keystore. Callers resolve one and retry.
var ErrPassphraseRequired = errors.New("config: keystore passphrase required to create relayer keystore")

var (
	DefaultRateLimitWindow = time.Minute
	DefaultPendingTimeout  = 60 * time.Second
	DefaultAttemptTTL      = 24 * time.Hour
	DefaultSaltTTL         = 90 * 24 * time.Hour
	DefaultReceiptTimeout  = 90 * time.Second
	DefaultPollInterval    = 2 * time.Second
	DefaultBatchDelay      = 2 * time.Second
)

type Config struct {
	ListenAddress   string `toml:"ListenAddress"`
	Environment     string `toml:"Environment"`
	BaseURL         string `toml:"BaseURL"`
	DataDir         string `toml:"DataDir"`
	LogFile         string `toml:"LogFile,omitempty"`
	MaxRequestBytes int64  `toml:"MaxRequestBytes"`
	MaxConnections  int    `toml:"MaxConnections"`

	Chain     Chain     `toml:"chain"`
	Relayer   Relayer   `toml:"relayer"`
	Auth      Auth      `toml:"auth"`
	Guard     Guard     `toml:"guard"`
	Ledger    Ledger    `toml:"ledger"`
	Returner  Returner  `toml:"returner"`
	Webhooks  Webhooks  `toml:"webhooks"`
	Telemetry Telemetry `toml:"telemetry"`
}

type loader struct {
	keystorePassphrase string
	havePassphrase     bool
}

// Option adjusts how Load materialises missing pieces of the configuration.
type Option func(*loader)

// WithKeystorePassphrase supplies the passphrase used to create or re-encrypt
// the relayer keystore when Load has to bootstrap one.
func WithKeystorePassphrase(passphrase string) Option {
	return func(l *loader) {
		l.keystorePassphrase = passphrase
		l.havePassphrase = true
	}
}

// Load loads the configuration from the given path, creating a default file
// and relayer keystore on first boot.
func Load(path string, opts ...Option) (*Config, error) {
	l := &loader{}
	for _, opt := range opts {
		opt(l)
	}

	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path, l)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}

	for _, undecoded := range meta.Undecoded() {
		key := undecoded.String()
		if key == "RelayerPrivateKey" || key == "relayer.PrivateKey" {
			return nil, fmt.Errorf("config file %s uses deprecated inline relayer key; import it into a keystore and set relayer.KeystorePath", path)
		}
	}

	if err := ensureKeystore(path, cfg, l); err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	return cfg, nil
}

func ensureKeystore(configPath string, cfg *Config, l *loader) error {
	keystorePath := cfg.Relayer.KeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		if !l.havePassphrase {
			return ErrPassphraseRequired
		}
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, l.keystorePassphrase); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.Relayer.KeystorePath != keystorePath {
		cfg.Relayer.KeystorePath = keystorePath
		return persist(configPath, cfg)
	}

	return nil
}

// createDefault creates and saves a default configuration file along with a
// freshly generated relayer keystore.
func createDefault(path string, l *loader) (*Config, error) {
	if !l.havePassphrase {
		return nil, ErrPassphraseRequired
	}

	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, l.keystorePassphrase); err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddress: DefaultListenAddress,
		Environment:   DefaultEnvironment,
		DataDir:       DefaultDataDir,
	}
	cfg.Relayer.KeystorePath = keystorePath
	applyDefaults(cfg)

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = DefaultListenAddress
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = DefaultEnvironment
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = DefaultDataDir
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = DefaultMaxRequestBytes
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	if cfg.Chain.ReceiptTimeout.Duration <= 0 {
		cfg.Chain.ReceiptTimeout.Duration = DefaultReceiptTimeout
	}
	if cfg.Chain.PollInterval.Duration <= 0 {
		cfg.Chain.PollInterval.Duration = DefaultPollInterval
	}
	if strings.TrimSpace(cfg.Relayer.TokenEnv) == "" {
		cfg.Relayer.TokenEnv = "GIFT_RELAY_TOKEN"
	}
	if strings.TrimSpace(cfg.Relayer.PassphraseEnv) == "" {
		cfg.Relayer.PassphraseEnv = DefaultPassphraseEnv
	}
	if strings.TrimSpace(cfg.Auth.JWTSecretEnv) == "" {
		cfg.Auth.JWTSecretEnv = "GIFT_JWT_SECRET"
	}
	if strings.TrimSpace(cfg.Auth.JWTIssuer) == "" {
		cfg.Auth.JWTIssuer = "cryptogift-wallets"
	}
	if strings.TrimSpace(cfg.Auth.JWTAudience) == "" {
		cfg.Auth.JWTAudience = "gift-gateway"
	}
	if strings.TrimSpace(cfg.Auth.CronSecretEnv) == "" {
		cfg.Auth.CronSecretEnv = "GIFT_CRON_SECRET"
	}
	if strings.TrimSpace(cfg.Guard.Backend) == "" {
		cfg.Guard.Backend = "leveldb"
	}
	if strings.TrimSpace(cfg.Guard.Path) == "" {
		cfg.Guard.Path = filepath.Join(cfg.DataDir, "guard")
	}
	if cfg.Guard.RateLimitQuota <= 0 {
		cfg.Guard.RateLimitQuota = DefaultRateLimitQuota
	}
	if cfg.Guard.RateLimitWin.Duration <= 0 {
		cfg.Guard.RateLimitWin.Duration = DefaultRateLimitWindow
	}
	if cfg.Guard.PendingTimeout.Duration <= 0 {
		cfg.Guard.PendingTimeout.Duration = DefaultPendingTimeout
	}
	if cfg.Guard.AttemptTTL.Duration <= 0 {
		cfg.Guard.AttemptTTL.Duration = DefaultAttemptTTL
	}
	if cfg.Guard.SaltTTL.Duration <= 0 {
		cfg.Guard.SaltTTL.Duration = DefaultSaltTTL
	}
	if strings.TrimSpace(cfg.Ledger.DSN) == "" {
		cfg.Ledger.DSN = filepath.Join(cfg.DataDir, "gift.db")
	}
	if cfg.Returner.BatchSize <= 0 {
		cfg.Returner.BatchSize = 3
	}
	if cfg.Returner.BatchDelay.Duration <= 0 {
		cfg.Returner.BatchDelay.Duration = DefaultBatchDelay
	}
	if cfg.Returner.RPCRate <= 0 {
		cfg.Returner.RPCRate = 5
	}
}

// JWTSecret resolves the HS256 signing secret from the configured environment
// variable.
func (c *Config) JWTSecret() ([]byte, error) {
	secret := strings.TrimSpace(os.Getenv(c.Auth.JWTSecretEnv))
	if secret == "" {
		return nil, fmt.Errorf("config: environment variable %s is empty; JWT secret required", c.Auth.JWTSecretEnv)
	}
	return []byte(secret), nil
}

// CronSecret resolves the auto-return shared secret from the configured
// environment variable.
func (c *Config) CronSecret() (string, error) {
	secret := strings.TrimSpace(os.Getenv(c.Auth.CronSecretEnv))
	if secret == "" {
		return "", fmt.Errorf("config: environment variable %s is empty; cron secret required", c.Auth.CronSecretEnv)
	}
	return secret, nil
}

// RelayToken resolves the sponsored relay bearer token. An empty value is
// allowed; the relay endpoint may not require authentication.
func (c *Config) RelayToken() string {
	return strings.TrimSpace(os.Getenv(c.Relayer.TokenEnv))
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "relayer.keystore")
}
