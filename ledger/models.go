package ledger

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Gift mirrors the on-chain escrow record plus the off-chain metadata the
// gateway needs for indexed expiry queries and reporting. The chain remains
// authoritative for status; drift between the two is surfaced by the
// reconciler rather than silently patched.
type Gift struct {
	TokenID           string `gorm:"primaryKey;size:78"`
	Creator           string `gorm:"size:42;index"`
	NFTContract       string `gorm:"size:42"`
	MetadataURI       string `gorm:"size:512"`
	GiftMessage       string `gorm:"size:512"`
	Timeframe         string `gorm:"size:32"`
	ExpirationTime    int64  `gorm:"index"`
	Status            uint8  `gorm:"index"`
	PasswordProtected bool
	Claimer           string `gorm:"size:42"`
	Recipient         string `gorm:"size:42"`
	MintTxHash        string `gorm:"size:66"`
	EscrowTxHash      string `gorm:"size:66"`
	ClaimTxHash       string `gorm:"size:66"`
	ReturnTxHash      string `gorm:"size:66"`
	Gasless           bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// AttemptAudit is the durable audit trail of guarded submissions. The
// key-value guard owns admission; rows here exist for operators and the
// reconciler.
type AttemptAudit struct {
	Nonce     string `gorm:"primaryKey;size:36"`
	Actor     string `gorm:"size:42;index"`
	Operation string `gorm:"size:128;index"`
	Variant   string `gorm:"size:16"`
	Status    string `gorm:"size:16;index"`
	TxHash    string `gorm:"size:66"`
	Reason    string `gorm:"size:512"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Event is one entry in the gift event feed consumed by websocket clients
// and the webhook dispatcher. Sequence numbers are strictly increasing.
type Event struct {
	Sequence   int64  `gorm:"primaryKey;autoIncrement"`
	Type       string `gorm:"size:64;index"`
	TokenID    string `gorm:"size:78;index"`
	Attributes string `gorm:"type:text"`
	CreatedAt  time.Time
}

// WebhookSubscription registers an external receiver for gift events.
// RateLimit caps deliveries per minute; zero means the dispatcher default.
type WebhookSubscription struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"uniqueIndex;size:128"`
	URL       string    `gorm:"size:512"`
	Secret    string    `gorm:"size:128"`
	Events    string    `gorm:"size:512"`
	RateLimit int
	Active    bool `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// WebhookAttempt records one delivery try against a subscription.
type WebhookAttempt struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	SubscriptionID uuid.UUID `gorm:"type:uuid;index"`
	EventSequence  int64     `gorm:"index"`
	StatusCode     int
	Error          string `gorm:"size:512"`
	Attempts       int
	DeliveredAt    *time.Time
	CreatedAt      time.Time
}

// AutoMigrate performs all schema migrations for the gateway.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Gift{},
		&AttemptAudit{},
		&Event{},
		&WebhookSubscription{},
		&WebhookAttempt{},
	)
}
