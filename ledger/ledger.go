package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/ElMartidel96/cryptogift-wallets-sub000/gift"
)

// ErrNotFound is returned when a queried record does not exist.
var ErrNotFound = errors.New("ledger: record not found")

// Open connects to the configured database and migrates the schema. A DSN
// starting with a postgres scheme or key=value form selects the Postgres
// driver; anything else is treated as a SQLite path or URI.
func Open(dsn string) (*gorm.DB, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, errors.New("ledger: dsn required")
	}
	var dialector gorm.Dialector
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") || strings.HasPrefix(trimmed, "host=") {
		dialector = postgres.Open(trimmed)
	} else {
		dialector = sqlite.Open(trimmed)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("ledger: open database: %w", err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("ledger: migrate schema: %w", err)
	}
	return db, nil
}

// Store wraps the database with the gateway's query surface.
type Store struct {
	db *gorm.DB
}

// NewStore wraps an opened database.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for the reconciler's ad-hoc queries.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// InsertGift records a newly created gift.
func (s *Store) InsertGift(g *Gift) error {
	if g == nil || strings.TrimSpace(g.TokenID) == "" {
		return errors.New("ledger: gift with token id required")
	}
	return s.db.Create(g).Error
}

// GetGift loads one gift row by token ID.
func (s *Store) GetGift(tokenID string) (*Gift, error) {
	var g Gift
	err := s.db.First(&g, "token_id = ?", tokenID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// MarkClaimed transitions the row to Claimed with the delivery details.
func (s *Store) MarkClaimed(tokenID, claimer, recipient, txHash string, gasless bool) error {
	result := s.db.Model(&Gift{}).Where("token_id = ?", tokenID).Updates(map[string]interface{}{
		"status":        uint8(gift.StatusClaimed),
		"claimer":       claimer,
		"recipient":     recipient,
		"claim_tx_hash": txHash,
		"gasless":       gasless,
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkReturned transitions the row to Returned.
func (s *Store) MarkReturned(tokenID, txHash string) error {
	result := s.db.Model(&Gift{}).Where("token_id = ?", tokenID).Updates(map[string]interface{}{
		"status":         uint8(gift.StatusReturned),
		"return_tx_hash": txHash,
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpiredActive lists gifts that are still Active in the ledger but whose
// expiration has passed, oldest first. This is the auto-return worker's
// candidate query; it replaces scanning token-ID ranges against the chain.
func (s *Store) ExpiredActive(now int64, limit int) ([]Gift, error) {
	var gifts []Gift
	query := s.db.Where("status = ? AND expiration_time <= ?", uint8(gift.StatusActive), now).
		Order("expiration_time asc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&gifts).Error; err != nil {
		return nil, err
	}
	return gifts, nil
}

// AppendEvent persists one gift event and returns it with its sequence
// assigned.
func (s *Store) AppendEvent(eventType, tokenID string, attributes map[string]string) (*Event, error) {
	encoded := "{}"
	if len(attributes) > 0 {
		raw, err := json.Marshal(attributes)
		if err != nil {
			return nil, fmt.Errorf("ledger: encode event attributes: %w", err)
		}
		encoded = string(raw)
	}
	event := &Event{Type: eventType, TokenID: tokenID, Attributes: encoded}
	if err := s.db.Create(event).Error; err != nil {
		return nil, err
	}
	return event, nil
}

// EventsAfter returns up to limit events with sequence greater than the
// cursor, in sequence order.
func (s *Store) EventsAfter(cursor int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []Event
	err := s.db.Where("sequence > ?", cursor).Order("sequence asc").Limit(limit).Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

// DecodeAttributes unpacks the JSON attribute blob of an event.
func (e *Event) DecodeAttributes() (map[string]string, error) {
	attrs := map[string]string{}
	if strings.TrimSpace(e.Attributes) == "" {
		return attrs, nil
	}
	if err := json.Unmarshal([]byte(e.Attributes), &attrs); err != nil {
		return nil, fmt.Errorf("ledger: decode event attributes: %w", err)
	}
	return attrs, nil
}

// RecordAttempt mirrors a guard admission into the audit trail.
func (s *Store) RecordAttempt(nonce, actor, operation, variant string) error {
	if strings.TrimSpace(nonce) == "" {
		return errors.New("ledger: attempt nonce required")
	}
	return s.db.Create(&AttemptAudit{
		Nonce:     nonce,
		Actor:     actor,
		Operation: operation,
		Variant:   variant,
		Status:    "pending",
	}).Error
}

// ResolveAttempt records the terminal outcome of a guarded submission.
func (s *Store) ResolveAttempt(nonce, status, txHash, reason string) error {
	result := s.db.Model(&AttemptAudit{}).Where("nonce = ?", nonce).Updates(map[string]interface{}{
		"status":  status,
		"tx_hash": txHash,
		"reason":  reason,
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// PendingAttemptsBefore lists attempts still pending that were created
// before the cutoff. Old rows here mean a process died mid-submission.
func (s *Store) PendingAttemptsBefore(cutoff time.Time) ([]AttemptAudit, error) {
	var attempts []AttemptAudit
	err := s.db.Where("status = ? AND created_at < ?", "pending", cutoff).
		Order("created_at asc").Find(&attempts).Error
	if err != nil {
		return nil, err
	}
	return attempts, nil
}

// UpsertSubscription registers or updates a webhook receiver by name.
func (s *Store) UpsertSubscription(name, url, secret, events string, rateLimit int, active bool) (*WebhookSubscription, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("ledger: subscription name required")
	}
	var sub WebhookSubscription
	err := s.db.First(&sub, "name = ?", name).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		sub = WebhookSubscription{
			ID:        uuid.New(),
			Name:      name,
			URL:       url,
			Secret:    secret,
			Events:    events,
			RateLimit: rateLimit,
			Active:    active,
		}
		if err := s.db.Create(&sub).Error; err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		sub.URL = url
		sub.Secret = secret
		sub.Events = events
		sub.RateLimit = rateLimit
		sub.Active = active
		if err := s.db.Save(&sub).Error; err != nil {
			return nil, err
		}
	}
	return &sub, nil
}

// ActiveSubscriptions lists webhook receivers currently enabled.
func (s *Store) ActiveSubscriptions() ([]WebhookSubscription, error) {
	var subs []WebhookSubscription
	if err := s.db.Where("active = ?", true).Order("name asc").Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

// RecordWebhookAttempt logs one delivery try.
func (s *Store) RecordWebhookAttempt(subscriptionID uuid.UUID, sequence int64, statusCode, attempts int, deliveryErr string, deliveredAt *time.Time) error {
	return s.db.Create(&WebhookAttempt{
		ID:             uuid.New(),
		SubscriptionID: subscriptionID,
		EventSequence:  sequence,
		StatusCode:     statusCode,
		Error:          deliveryErr,
		Attempts:       attempts,
		DeliveredAt:    deliveredAt,
	}).Error
}
