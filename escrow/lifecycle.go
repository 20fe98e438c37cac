package escrow

import (
	"github.com/ElMartidel96/cryptogift-wallets-sub000/gift"
)

// ClaimPrecondition checks a gift against the claim rules before any
// transaction is built. The contract enforces the same rules; checking here
// first means a doomed claim never spends gas.
func ClaimPrecondition(g *gift.Gift, now int64) error {
	if g == nil {
		return ErrGiftNotFound
	}
	switch g.Status {
	case gift.StatusClaimed:
		return ErrAlreadyClaimed
	case gift.StatusReturned:
		return ErrAlreadyReturned
	}
	if g.Expired(now) {
		return ErrGiftExpired
	}
	return nil
}

// ReturnPrecondition checks a gift against the return rules. Expiry is a
// precondition here, not a state: an Active gift stays Active until the
// return transaction lands.
func ReturnPrecondition(g *gift.Gift, now int64) error {
	if g == nil {
		return ErrGiftNotFound
	}
	switch g.Status {
	case gift.StatusClaimed:
		return ErrAlreadyClaimed
	case gift.StatusReturned:
		return ErrAlreadyReturned
	}
	if !g.Expired(now) {
		return ErrNotYetExpired
	}
	return nil
}
