package gift

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status represents the lifecycle states recorded for an escrow gift. The
// on-chain contract stores the same numeric values, so the zero value is a
// live, claimable gift.
type Status uint8

const (
	StatusActive Status = iota
	StatusClaimed
	StatusReturned
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusClaimed, StatusReturned:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status admits no further transition. Once a
// gift is claimed or returned, no claim or return may succeed again.
func (s Status) Terminal() bool {
	return s == StatusClaimed || s == StatusReturned
}

// String returns the canonical lowercase name used in API responses and the
// ledger.
func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusClaimed:
		return "claimed"
	case StatusReturned:
		return "returned"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// ParseStatus maps a canonical status name back onto its numeric value.
func ParseStatus(raw string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "active":
		return StatusActive, nil
	case "claimed":
		return StatusClaimed, nil
	case "returned":
		return StatusReturned, nil
	default:
		return 0, fmt.Errorf("unknown gift status: %q", raw)
	}
}

// Timeframe is the closed set of escrow durations the contract accepts. The
// set is fixed; request payloads are validated against it and arbitrary
// durations are rejected.
type Timeframe string

const (
	TimeframeFifteenMinutes Timeframe = "FIFTEEN_MINUTES"
	TimeframeSevenDays      Timeframe = "SEVEN_DAYS"
	TimeframeFifteenDays    Timeframe = "FIFTEEN_DAYS"
	TimeframeThirtyDays     Timeframe = "THIRTY_DAYS"
)

var timeframeSeconds = map[Timeframe]int64{
	TimeframeFifteenMinutes: 15 * 60,
	TimeframeSevenDays:      7 * 24 * 60 * 60,
	TimeframeFifteenDays:    15 * 24 * 60 * 60,
	TimeframeThirtyDays:     30 * 24 * 60 * 60,
}

// ParseTimeframe validates membership in the supported set and returns the
// canonical uppercase form.
func ParseTimeframe(raw string) (Timeframe, error) {
	tf := Timeframe(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := timeframeSeconds[tf]; !ok {
		return "", fmt.Errorf("unsupported escrow timeframe: %s", raw)
	}
	return tf, nil
}

// Valid reports whether the timeframe is one of the supported durations.
func (t Timeframe) Valid() bool {
	_, ok := timeframeSeconds[t]
	return ok
}

// Seconds returns the fixed second count the contract associates with the
// timeframe, or zero for an unknown value.
func (t Timeframe) Seconds() int64 {
	return timeframeSeconds[t]
}

// Duration returns the timeframe as a time.Duration.
func (t Timeframe) Duration() time.Duration {
	return time.Duration(t.Seconds()) * time.Second
}

// Timeframes returns the supported set in ascending duration order.
func Timeframes() []Timeframe {
	return []Timeframe{TimeframeFifteenMinutes, TimeframeSevenDays, TimeframeFifteenDays, TimeframeThirtyDays}
}

// Gift mirrors the on-chain escrow record read through the contract adapter.
// The password hash is the keccak256 commitment over password and salt; the
// salt itself lives only in the off-chain vault.
type Gift struct {
	TokenID        *big.Int
	Creator        common.Address
	NFTContract    common.Address
	ExpirationTime int64
	PasswordHash   [32]byte
	Status         Status
}

// Clone returns a deep copy of the gift so callers can safely mutate the copy
// without affecting the stored instance.
func (g *Gift) Clone() *Gift {
	if g == nil {
		return nil
	}
	clone := *g
	if g.TokenID != nil {
		clone.TokenID = new(big.Int).Set(g.TokenID)
	} else {
		clone.TokenID = big.NewInt(0)
	}
	return &clone
}

// Expired reports whether the gift's expiration has passed at the supplied
// unix time. Expiry is a precondition for return, not a status transition:
// the on-chain status stays Active until returnExpiredGift executes.
func (g *Gift) Expired(now int64) bool {
	if g == nil {
		return false
	}
	return now >= g.ExpirationTime
}

// TimeRemaining returns the seconds left before expiry, or zero once expired.
func (g *Gift) TimeRemaining(now int64) int64 {
	if g == nil || g.Expired(now) {
		return 0
	}
	return g.ExpirationTime - now
}

// SanitizeGift validates the supplied gift and returns a cloned instance with
// a non-nil token ID. The function does not mutate the original value.
func SanitizeGift(g *Gift) (*Gift, error) {
	if g == nil {
		return nil, fmt.Errorf("nil gift")
	}
	clone := g.Clone()
	if clone.TokenID.Sign() < 0 {
		return nil, fmt.Errorf("gift token id must be non-negative")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid gift status: %d", clone.Status)
	}
	return clone, nil
}
