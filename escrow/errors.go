package escrow

import (
	"errors"
	"strings"
)

var (
	ErrGiftNotFound      = errors.New("escrow: gift not found")
	ErrAlreadyClaimed    = errors.New("escrow: gift already claimed")
	ErrAlreadyReturned   = errors.New("escrow: gift already returned")
	ErrGiftExpired       = errors.New("escrow: gift expired")
	ErrNotYetExpired     = errors.New("escrow: gift not yet expired")
	ErrInvalidPassword   = errors.New("escrow: password does not match gift commitment")
	ErrEffectNotObserved = errors.New("escrow: transaction confirmed but expected effect not observed")
	ErrMintLogMissing    = errors.New("escrow: transfer log missing from mint receipt")
)

// MapRevert translates node errors that carry a contract revert reason into
// the package sentinels so callers can branch on state instead of matching
// strings. Errors without a recognised reason pass through unchanged.
func MapRevert(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "gift does not exist"), strings.Contains(msg, "nonexistent token"):
		return ErrGiftNotFound
	case strings.Contains(msg, "already claimed"):
		return ErrAlreadyClaimed
	case strings.Contains(msg, "already returned"):
		return ErrAlreadyReturned
	case strings.Contains(msg, "not expired"), strings.Contains(msg, "not yet expired"):
		return ErrNotYetExpired
	case strings.Contains(msg, "gift expired"), strings.Contains(msg, "expired gift"):
		return ErrGiftExpired
	case strings.Contains(msg, "invalid password"), strings.Contains(msg, "wrong password"):
		return ErrInvalidPassword
	}
	return err
}
