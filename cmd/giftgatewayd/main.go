package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/netutil"

	"github.com/ElMartidel96/cryptogift-wallets-sub000/cmd/internal/passphrase"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/config"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/crypto"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/escrow"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/gateway"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/guard"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/ledger"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/observability/logging"
	telemetry "github.com/ElMartidel96/cryptogift-wallets-sub000/observability/otel"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/relay"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "./gift-gateway.toml", "Path to the gateway configuration file")
	flag.Parse()

	secret := passphrase.NewSource(config.DefaultPassphraseEnv)
	cfg, err := config.Load(*configPath)
	if errors.Is(err, config.ErrPassphraseRequired) {
		pass, perr := secret.Get()
		if perr != nil {
			fatal("resolve keystore passphrase", perr)
		}
		cfg, err = config.Load(*configPath, config.WithKeystorePassphrase(pass))
	}
	if err != nil {
		fatal("load config", err)
	}
	if err := cfg.Validate(); err != nil {
		fatal("validate config", err)
	}

	logOpts := []logging.Option{}
	if cfg.LogFile != "" {
		logOpts = append(logOpts, logging.WithFile(logging.FileConfig{Path: cfg.LogFile}))
	}
	log := logging.Setup("gift-gateway", cfg.Environment, logOpts...)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "gift-gateway",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		fatal("initialise telemetry", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	kv, err := storage.Open(cfg.Guard.Backend, cfg.Guard.Path)
	if err != nil {
		fatal("open guard store", err)
	}
	defer kv.Close()
	vault := storage.NewSaltVault(kv, cfg.Guard.SaltTTL.Duration)

	db, err := ledger.Open(cfg.Ledger.DSN)
	if err != nil {
		fatal("open ledger", err)
	}
	store := ledger.NewStore(db)

	client, err := ethclient.Dial(cfg.Chain.RPCEndpoint)
	if err != nil {
		fatal("dial rpc endpoint", err)
	}
	defer client.Close()

	// Validate already parsed both addresses.
	contractAddr, _ := crypto.ParseAddress(cfg.Chain.ContractAddress)
	holderAddr, _ := crypto.ParseAddress(cfg.Chain.EscrowHolder)
	contract := escrow.NewContract(contractAddr, client)

	bootCtx, cancelBoot := context.WithTimeout(context.Background(), 15*time.Second)
	if err := contract.VerifyTimeframes(bootCtx); err != nil {
		cancelBoot()
		fatal("verify escrow contract", err)
	}
	cancelBoot()

	pass, err := secretFor(secret, cfg)
	if err != nil {
		fatal("resolve keystore passphrase", err)
	}
	relayKey, err := crypto.LoadFromKeystore(cfg.Relayer.KeystorePath, pass)
	if err != nil {
		fatal("unlock relayer keystore", err)
	}
	direct, err := relay.NewDirectSender(relayKey, client, big.NewInt(cfg.Chain.ChainID))
	if err != nil {
		fatal("build direct sender", err)
	}
	var sponsored relay.Sender
	if cfg.Relayer.Endpoint != "" {
		sponsored = relay.NewSponsoredSender(cfg.Relayer.Endpoint, cfg.RelayToken())
	} else {
		log.Warn("no sponsored relayer configured, all transactions pay gas from the relayer key")
	}
	executor := relay.NewExecutor(sponsored, direct, client,
		relay.WithReceiptTimeout(cfg.Chain.ReceiptTimeout.Duration),
		relay.WithPollInterval(cfg.Chain.PollInterval.Duration),
		relay.WithLogger(log),
	)

	registry := guard.NewRegistry(kv,
		guard.WithPendingTimeout(cfg.Guard.PendingTimeout.Duration),
		guard.WithRecordTTL(cfg.Guard.AttemptTTL.Duration),
	)
	limiter := guard.NewRateLimiter(kv, cfg.Guard.RateLimitQuota, cfg.Guard.RateLimitWin.Duration)

	queue := gateway.NewWebhookQueue()
	bus := gateway.NewEventBus(store, queue, log)
	worker := gateway.NewWebhookWorker(store, queue, log)
	if err := gateway.SeedSubscriptions(cfg.Webhooks.SeedFile, store, log); err != nil {
		fatal("seed webhook subscriptions", err)
	}

	returner := gateway.NewReturner(gateway.ReturnerConfig{
		Contract:   contract,
		Relay:      executor,
		Attempts:   registry,
		Store:      store,
		Events:     bus,
		Log:        log,
		BatchSize:  cfg.Returner.BatchSize,
		BatchDelay: cfg.Returner.BatchDelay.Duration,
		RPCRate:    cfg.Returner.RPCRate,
	})

	jwtSecret, err := cfg.JWTSecret()
	if err != nil {
		fatal("resolve jwt secret", err)
	}
	cronSecret, err := cfg.CronSecret()
	if err != nil {
		fatal("resolve cron secret", err)
	}

	server, err := gateway.New(gateway.Config{
		Settings: gateway.Settings{
			BaseURL:      cfg.BaseURL,
			EscrowHolder: holderAddr,
			MaxBodyBytes: cfg.MaxRequestBytes,
		},
		Log:        log,
		Contract:   contract,
		Relay:      executor,
		Attempts:   registry,
		Limiter:    limiter,
		Vault:      vault,
		Store:      store,
		Events:     bus,
		Auth:       gateway.NewWalletAuth(jwtSecret, cfg.Auth.JWTIssuer, cfg.Auth.JWTAudience),
		CronSecret: cronSecret,
		Returner:   returner,
	})
	if err != nil {
		fatal("build gateway", err)
	}

	handler := server.Handler()
	if cfg.Telemetry.Traces {
		handler = otelhttp.NewHandler(handler, "gift-gateway")
	}

	// Websocket streams outlive any sane write timeout, so only the header
	// read and idle keep-alives are bounded here.
	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		worker.Run(ctx)
	}()
	if interval := cfg.Returner.Interval.Duration; interval > 0 {
		workers.Add(1)
		go func() {
			defer workers.Done()
			returner.Run(ctx, interval)
		}()
	}

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		fatal("listen", err)
	}
	if cfg.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, cfg.MaxConnections)
	}

	go func() {
		log.Info("gift gateway listening", "addr", listener.Addr().String(), "env", cfg.Environment)
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("serve", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down gift gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "err", err)
	}
	workers.Wait()
}

// secretFor reuses the boot passphrase source unless the config names a
// different environment variable.
func secretFor(boot *passphrase.Source, cfg *config.Config) (string, error) {
	if cfg.Relayer.PassphraseEnv == config.DefaultPassphraseEnv {
		return boot.Get()
	}
	return passphrase.NewSource(cfg.Relayer.PassphraseEnv).Get()
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
