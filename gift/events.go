package gift

import (
	"encoding/hex"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

const (
	EventTypeGiftCreated       = "gift.created"
	EventTypeGiftClaimed       = "gift.claimed"
	EventTypeGiftReturned      = "gift.returned"
	EventTypeAutoReturnSummary = "gift.autoreturn.summary"
)

// Event is the canonical notification payload fanned out to webhook
// subscribers and websocket streams. Attributes are flat string maps so every
// transport serializes them identically.
type Event struct {
	Type       string
	TokenID    string
	Attributes map[string]string
}

// NewCreatedEvent returns the canonical event payload for a newly minted
// escrow gift.
func NewCreatedEvent(g *Gift, txHash, escrowTxHash string, gasless bool) *Event {
	evt := newGiftEvent(EventTypeGiftCreated, g)
	evt.Attributes["transactionHash"] = txHash
	if escrowTxHash != "" {
		evt.Attributes["escrowTransactionHash"] = escrowTxHash
	}
	evt.Attributes["gasless"] = strconv.FormatBool(gasless)
	return evt
}

// NewClaimedEvent returns the canonical event payload emitted when a gift is
// claimed by or for a recipient.
func NewClaimedEvent(g *Gift, recipient common.Address, txHash string, gasless bool) *Event {
	evt := newGiftEvent(EventTypeGiftClaimed, g)
	evt.Attributes["recipient"] = recipient.Hex()
	evt.Attributes["transactionHash"] = txHash
	evt.Attributes["gasless"] = strconv.FormatBool(gasless)
	return evt
}

// NewReturnedEvent returns the canonical event payload emitted when an
// expired gift is returned to its creator.
func NewReturnedEvent(g *Gift, txHash string, gasless bool) *Event {
	evt := newGiftEvent(EventTypeGiftReturned, g)
	evt.Attributes["transactionHash"] = txHash
	evt.Attributes["gasless"] = strconv.FormatBool(gasless)
	return evt
}

// NewAutoReturnSummaryEvent aggregates one auto-return sweep.
func NewAutoReturnSummaryEvent(processed, returned, failed int, at int64) *Event {
	return &Event{
		Type: EventTypeAutoReturnSummary,
		Attributes: map[string]string{
			"processed": strconv.Itoa(processed),
			"returned":  strconv.Itoa(returned),
			"errors":    strconv.Itoa(failed),
			"timestamp": strconv.FormatInt(at, 10),
		},
	}
}

func newGiftEvent(eventType string, g *Gift) *Event {
	attrs := make(map[string]string)
	evt := &Event{Type: eventType, Attributes: attrs}
	sanitized, err := SanitizeGift(g)
	if err != nil {
		return evt
	}
	evt.TokenID = sanitized.TokenID.String()
	attrs["tokenId"] = sanitized.TokenID.String()
	attrs["creator"] = sanitized.Creator.Hex()
	attrs["nftContract"] = sanitized.NFTContract.Hex()
	attrs["expirationTime"] = strconv.FormatInt(sanitized.ExpirationTime, 10)
	attrs["status"] = sanitized.Status.String()
	attrs["passwordHash"] = "0x" + hex.EncodeToString(sanitized.PasswordHash[:])
	return evt
}
