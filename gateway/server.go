// Package gateway exposes the HTTP surface of the gift escrow service:
// guarded mint and claim submission, the cron-driven auto-return sweep, the
// public gift catalogue, and the event stream.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ElMartidel96/cryptogift-wallets-sub000/escrow"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/guard"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/ledger"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/observability"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/relay"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/storage"
)

const (
	// upstreamTimeout bounds any single RPC round-trip made while serving a
	// request; relay submissions carry their own receipt deadline on top.
	upstreamTimeout = 15 * time.Second

	defaultMaxBodyBytes = 1 << 20
)

// Relay is the transaction pipeline handlers submit prepared calls through.
// Execute prefers the sponsored path; ExecuteDirect skips it when a request
// opts out of gasless execution.
type Relay interface {
	Execute(ctx context.Context, call relay.Call) (*relay.Result, error)
	ExecuteDirect(ctx context.Context, call relay.Call) (*relay.Result, error)
}

// Settings carries the request-handling knobs shared across handlers.
type Settings struct {
	// BaseURL is the public origin claim links are minted under.
	BaseURL string
	// EscrowHolder receives newly minted NFTs until they are claimed.
	EscrowHolder common.Address
	// MaxBodyBytes caps request bodies; zero selects the 1 MiB default.
	MaxBodyBytes int64
	// PublicRatePerMinute throttles the unauthenticated read endpoints per
	// client IP. Zero selects 60.
	PublicRatePerMinute float64
	// PublicBurst is the token bucket depth for the public limiter.
	PublicBurst int
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Settings   Settings
	Log        *slog.Logger
	Contract   *escrow.Contract
	Relay      Relay
	Attempts   *guard.Registry
	Limiter    *guard.RateLimiter
	Vault      *storage.SaltVault
	Store      *ledger.Store
	Events     *EventBus
	Auth       *WalletAuth
	CronSecret string
	Returner   *Returner
	Now        func() time.Time
}

// Server encapsulates the HTTP API and its collaborators.
type Server struct {
	settings   Settings
	log        *slog.Logger
	contract   *escrow.Contract
	relay      Relay
	attempts   *guard.Registry
	limiter    *guard.RateLimiter
	vault      *storage.SaltVault
	store      *ledger.Store
	events     *EventBus
	auth       *WalletAuth
	cronSecret string
	returner   *Returner
	metrics    *observability.GatewayMetrics
	now        func() time.Time

	public *ipLimiter
	router http.Handler
}

// New wires a Server from its dependencies. The contract, relay, attempt
// guard, ledger store, and event bus are mandatory.
func New(cfg Config) (*Server, error) {
	switch {
	case cfg.Contract == nil:
		return nil, errors.New("gateway: contract binding required")
	case cfg.Relay == nil:
		return nil, errors.New("gateway: relay required")
	case cfg.Attempts == nil:
		return nil, errors.New("gateway: attempt guard required")
	case cfg.Store == nil:
		return nil, errors.New("gateway: ledger store required")
	case cfg.Events == nil:
		return nil, errors.New("gateway: event bus required")
	}
	settings := cfg.Settings
	if settings.MaxBodyBytes <= 0 {
		settings.MaxBodyBytes = defaultMaxBodyBytes
	}
	if settings.PublicRatePerMinute <= 0 {
		settings.PublicRatePerMinute = 60
	}
	if settings.PublicBurst <= 0 {
		settings.PublicBurst = 10
	}
	logger := cfg.Log
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		settings:   settings,
		log:        logger,
		contract:   cfg.Contract,
		relay:      cfg.Relay,
		attempts:   cfg.Attempts,
		limiter:    cfg.Limiter,
		vault:      cfg.Vault,
		store:      cfg.Store,
		events:     cfg.Events,
		auth:       cfg.Auth,
		cronSecret: cfg.CronSecret,
		returner:   cfg.Returner,
		metrics:    observability.Gateway(),
		now:        cfg.Now,
		public:     newIPLimiter(settings.PublicRatePerMinute, settings.PublicBurst),
	}
	if srv.now == nil {
		srv.now = time.Now
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.With(s.instrument("mint-escrow")).Post("/mint-escrow", s.handleMint)
	r.With(s.instrument("claim-escrow")).Post("/claim-escrow", s.handleClaim)
	r.With(s.instrument("auto-return")).Post("/cron/auto-return", s.handleAutoReturn)
	r.With(s.instrument("gift-info"), s.public.middleware).Get("/gift-info", s.handleGiftInfo)
	r.Get("/ws/events", s.handleEventsWS)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

// upstreamContext bounds one chain or relay round-trip.
func (s *Server) upstreamContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, upstreamTimeout)
}
