package guard

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ElMartidel96/cryptogift-wallets-sub000/storage"
)

const (
	rateKeyPrefix = "ratelimit:"

	// DefaultRateQuota is the number of guarded requests an actor may make
	// per window.
	DefaultRateQuota = 5
	// DefaultRateWindow is the fixed window the quota applies to.
	DefaultRateWindow = time.Minute
)

// Decision reports the outcome of a rate limit check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetTime time.Time
}

type rateWindow struct {
	Count       int       `json:"count"`
	WindowStart time.Time `json:"windowStart"`
}

// RateLimiter enforces a fixed-window quota per actor. Windows are persisted
// through the key-value store so the count survives restarts and is shared
// by every component holding the same store.
type RateLimiter struct {
	mu     sync.Mutex
	kv     storage.KeyValue
	quota  int
	window time.Duration
	nowFn  func() time.Time
}

// RateLimiterOption customises a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithRateClock overrides the time source, primarily for tests.
func WithRateClock(now func() time.Time) RateLimiterOption {
	return func(l *RateLimiter) {
		if now != nil {
			l.nowFn = now
		}
	}
}

// NewRateLimiter constructs a limiter with the provided quota and window.
// Non-positive values fall back to the defaults.
func NewRateLimiter(kv storage.KeyValue, quota int, window time.Duration, opts ...RateLimiterOption) *RateLimiter {
	if quota <= 0 {
		quota = DefaultRateQuota
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	l := &RateLimiter{kv: kv, quota: quota, window: window, nowFn: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check records one request for the actor and reports whether it fits the
// current window. Store failures deny the request and surface
// ErrUnavailable.
func (l *RateLimiter) Check(actor string) (Decision, error) {
	if actor == "" {
		return Decision{}, fmt.Errorf("guard: actor must not be empty")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	key := rateKeyPrefix + actor
	window, err := l.loadWindow(key)
	if err != nil {
		return Decision{}, err
	}
	if window == nil || now.Sub(window.WindowStart) >= l.window {
		window = &rateWindow{Count: 0, WindowStart: now}
	}
	reset := window.WindowStart.Add(l.window)
	if window.Count >= l.quota {
		return Decision{Allowed: false, Remaining: 0, ResetTime: reset}, nil
	}
	window.Count++
	if err := l.storeWindow(key, window, reset.Sub(now)); err != nil {
		return Decision{}, err
	}
	return Decision{Allowed: true, Remaining: l.quota - window.Count, ResetTime: reset}, nil
}

func (l *RateLimiter) loadWindow(key string) (*rateWindow, error) {
	raw, ok, err := l.kv.Get(key)
	if err != nil {
		return nil, fmt.Errorf("%w: load rate window: %v", ErrUnavailable, err)
	}
	if !ok {
		return nil, nil
	}
	var window rateWindow
	if err := json.Unmarshal(raw, &window); err != nil {
		return nil, fmt.Errorf("%w: decode rate window: %v", ErrUnavailable, err)
	}
	return &window, nil
}

func (l *RateLimiter) storeWindow(key string, window *rateWindow, ttl time.Duration) error {
	raw, err := json.Marshal(window)
	if err != nil {
		return fmt.Errorf("%w: encode rate window: %v", ErrUnavailable, err)
	}
	if ttl <= 0 {
		ttl = l.window
	}
	if err := l.kv.Put(key, raw, ttl); err != nil {
		return fmt.Errorf("%w: store rate window: %v", ErrUnavailable, err)
	}
	return nil
}
