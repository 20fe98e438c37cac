package guard

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ElMartidel96/cryptogift-wallets-sub000/storage"
)

// AttemptStatus tracks the lifecycle of a guarded submission.
type AttemptStatus string

const (
	// AttemptPending marks an attempt that has been admitted but whose
	// transaction has not yet been resolved.
	AttemptPending AttemptStatus = "pending"
	// AttemptCompleted marks an attempt whose transaction was confirmed.
	AttemptCompleted AttemptStatus = "completed"
	// AttemptFailed marks an attempt that was abandoned before confirmation.
	AttemptFailed AttemptStatus = "failed"
)

const (
	attemptKeyPrefix = "attempt:"
	nonceKeyPrefix   = "attemptnonce:"

	// DefaultPendingTimeout bounds how long a pending attempt blocks
	// retries for the same operation. A crashed process leaves its pending
	// record behind; once the timeout elapses the record is superseded.
	DefaultPendingTimeout = 60 * time.Second
	// DefaultRecordTTL bounds how long resolved attempts stay queryable.
	DefaultRecordTTL = 24 * time.Hour
)

var (
	// ErrDuplicateAttempt is returned when an equivalent operation is
	// already in flight for the same actor.
	ErrDuplicateAttempt = errors.New("guard: duplicate attempt in flight")
	// ErrUnavailable is returned when the attempt store cannot be read or
	// written. Callers must treat it as a denial.
	ErrUnavailable = errors.New("guard: attempt store unavailable")
	// ErrUnknownNonce is returned when resolving an attempt that was never
	// registered or has already expired.
	ErrUnknownNonce = errors.New("guard: unknown attempt nonce")
)

// Attempt is the persisted record of a guarded submission.
type Attempt struct {
	Nonce        string        `json:"nonce"`
	Actor        string        `json:"actor"`
	OperationKey string        `json:"operationKey"`
	Variant      string        `json:"variant,omitempty"`
	Fingerprint  string        `json:"fingerprint,omitempty"`
	Status       AttemptStatus `json:"status"`
	TxHash       string        `json:"txHash,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// Resolved reports whether the attempt reached a terminal status.
func (a *Attempt) Resolved() bool {
	return a != nil && (a.Status == AttemptCompleted || a.Status == AttemptFailed)
}

// Registry admits at most one in-flight attempt per (actor, operation key)
// pair. Records are persisted before any transaction is submitted so a
// concurrent or replayed request observes the reservation even across
// process restarts.
type Registry struct {
	mu             sync.Mutex
	kv             storage.KeyValue
	pendingTimeout time.Duration
	recordTTL      time.Duration
	nowFn          func() time.Time
}

// RegistryOption customises a Registry.
type RegistryOption func(*Registry)

// WithPendingTimeout overrides how long a pending record blocks retries.
func WithPendingTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.pendingTimeout = d
		}
	}
}

// WithRecordTTL overrides how long resolved records are retained.
func WithRecordTTL(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.recordTTL = d
		}
	}
}

// WithRegistryClock overrides the time source, primarily for tests.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.nowFn = now
		}
	}
}

// NewRegistry constructs a Registry backed by the supplied store.
func NewRegistry(kv storage.KeyValue, opts ...RegistryOption) *Registry {
	r := &Registry{
		kv:             kv,
		pendingTimeout: DefaultPendingTimeout,
		recordTTL:      DefaultRecordTTL,
		nowFn:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Validate admits a new attempt for the given actor and operation key. On
// success it reserves the slot with a pending record and returns the attempt
// carrying a fresh nonce. If an unresolved attempt is already in flight it
// returns ErrDuplicateAttempt; if the store misbehaves it fails closed with
// ErrUnavailable.
func (r *Registry) Validate(actor, operationKey, variant, fingerprint string) (*Attempt, error) {
	if actor == "" || operationKey == "" {
		return nil, fmt.Errorf("guard: actor and operation key must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFn()
	key := attemptKey(actor, operationKey)
	existing, err := r.load(key)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Status == AttemptPending {
		if now.Sub(existing.CreatedAt) < r.pendingTimeout {
			return nil, ErrDuplicateAttempt
		}
		// Stale reservation from a crashed or wedged submission. The new
		// attempt supersedes it; the old nonce can no longer resolve the slot.
		if err := r.kv.Delete(nonceKey(existing.Nonce)); err != nil {
			return nil, fmt.Errorf("%w: drop stale nonce: %v", ErrUnavailable, err)
		}
	}
	attempt := &Attempt{
		Nonce:        uuid.NewString(),
		Actor:        actor,
		OperationKey: operationKey,
		Variant:      variant,
		Fingerprint:  fingerprint,
		Status:       AttemptPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.store(key, attempt); err != nil {
		return nil, err
	}
	return attempt, nil
}

// Register re-persists the attempt record. Validate already reserves the
// slot; callers invoke Register immediately before submission so any fields
// filled in after admission are durable first.
func (r *Registry) Register(attempt *Attempt) error {
	if attempt == nil || attempt.Nonce == "" {
		return fmt.Errorf("guard: attempt with nonce required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	attempt.UpdatedAt = r.nowFn()
	return r.store(attemptKey(attempt.Actor, attempt.OperationKey), attempt)
}

// Completed marks the attempt identified by nonce as confirmed. Resolving an
// already-terminal attempt is a no-op so retries stay idempotent.
func (r *Registry) Completed(nonce, txHash string) error {
	return r.resolve(nonce, AttemptCompleted, txHash, "")
}

// Failed marks the attempt identified by nonce as abandoned, releasing the
// slot for a retry.
func (r *Registry) Failed(nonce, reason string) error {
	return r.resolve(nonce, AttemptFailed, "", reason)
}

// Lookup returns the current attempt record for the pair, or nil when none
// is stored.
func (r *Registry) Lookup(actor, operationKey string) (*Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(attemptKey(actor, operationKey))
}

func (r *Registry) resolve(nonce string, status AttemptStatus, txHash, reason string) error {
	if nonce == "" {
		return ErrUnknownNonce
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	raw, ok, err := r.kv.Get(nonceKey(nonce))
	if err != nil {
		return fmt.Errorf("%w: load nonce index: %v", ErrUnavailable, err)
	}
	if !ok {
		return ErrUnknownNonce
	}
	key := string(raw)
	attempt, err := r.load(key)
	if err != nil {
		return err
	}
	if attempt == nil || attempt.Nonce != nonce {
		// The slot was superseded by a newer attempt; the old nonce has
		// nothing left to resolve.
		return ErrUnknownNonce
	}
	if attempt.Resolved() {
		return nil
	}
	attempt.Status = status
	attempt.TxHash = txHash
	attempt.Reason = reason
	attempt.UpdatedAt = r.nowFn()
	return r.store(key, attempt)
}

func (r *Registry) load(key string) (*Attempt, error) {
	raw, ok, err := r.kv.Get(key)
	if err != nil {
		return nil, fmt.Errorf("%w: load attempt: %v", ErrUnavailable, err)
	}
	if !ok {
		return nil, nil
	}
	var attempt Attempt
	if err := json.Unmarshal(raw, &attempt); err != nil {
		return nil, fmt.Errorf("%w: decode attempt: %v", ErrUnavailable, err)
	}
	return &attempt, nil
}

func (r *Registry) store(key string, attempt *Attempt) error {
	raw, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("%w: encode attempt: %v", ErrUnavailable, err)
	}
	if err := r.kv.Put(key, raw, r.recordTTL); err != nil {
		return fmt.Errorf("%w: store attempt: %v", ErrUnavailable, err)
	}
	if err := r.kv.Put(nonceKey(attempt.Nonce), []byte(key), r.recordTTL); err != nil {
		return fmt.Errorf("%w: store nonce index: %v", ErrUnavailable, err)
	}
	return nil
}

func attemptKey(actor, operationKey string) string {
	return attemptKeyPrefix + actor + ":" + operationKey
}

func nonceKey(nonce string) string {
	return nonceKeyPrefix + nonce
}
