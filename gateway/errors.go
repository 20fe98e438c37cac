package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ElMartidel96/cryptogift-wallets-sub000/escrow"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/guard"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/relay"
)

// Error kinds label metrics and logs; each maps to one HTTP status except
// auth, which distinguishes a missing credential (401) from an identity
// mismatch (403).
const (
	KindValidation     = "validation"
	KindAuth           = "auth"
	KindDuplicate      = "duplicate_attempt"
	KindRateLimit      = "rate_limit"
	KindContractState  = "contract_state"
	KindTransaction    = "transaction_failure"
	KindVerification   = "verification_failure"
	KindInfrastructure = "infrastructure"
)

// apiError couples a client-facing message with the HTTP status and metric
// kind it maps to. The wrapped cause is logged, never returned to the client.
type apiError struct {
	kind    string
	status  int
	message string
	cause   error
}

func (e *apiError) Error() string {
	return e.message
}

func (e *apiError) Unwrap() error {
	return e.cause
}

func errValidation(format string, args ...interface{}) *apiError {
	return &apiError{kind: KindValidation, status: http.StatusBadRequest, message: fmt.Sprintf(format, args...)}
}

func errUnauthorized(message string) *apiError {
	return &apiError{kind: KindAuth, status: http.StatusUnauthorized, message: message}
}

func errForbidden(message string) *apiError {
	return &apiError{kind: KindAuth, status: http.StatusForbidden, message: message}
}

func errNotFound(message string) *apiError {
	return &apiError{kind: KindContractState, status: http.StatusNotFound, message: message}
}

func errDuplicate(message string) *apiError {
	return &apiError{kind: KindDuplicate, status: http.StatusConflict, message: message}
}

func errRateLimited(reset time.Time) *apiError {
	return &apiError{
		kind:    KindRateLimit,
		status:  http.StatusTooManyRequests,
		message: fmt.Sprintf("rate limit exceeded; retry after %s", reset.UTC().Format(time.RFC3339)),
	}
}

func errContractState(err error) *apiError {
	return &apiError{kind: KindContractState, status: http.StatusBadRequest, message: err.Error(), cause: err}
}

func errTransaction(err error) *apiError {
	return &apiError{kind: KindTransaction, status: http.StatusInternalServerError, message: "transaction failed", cause: err}
}

func errVerification(txHash string, err error) *apiError {
	return &apiError{
		kind:    KindVerification,
		status:  http.StatusInternalServerError,
		message: fmt.Sprintf("transaction %s confirmed but the expected state change was not observed", txHash),
		cause:   err,
	}
}

func errInfrastructure(message string, err error) *apiError {
	return &apiError{kind: KindInfrastructure, status: http.StatusInternalServerError, message: message, cause: err}
}

// mapError normalises sentinel errors from the lower layers into api errors.
// Unrecognised errors become infrastructure failures so nothing internal
// leaks to the client.
func mapError(err error) *apiError {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	switch {
	case errors.Is(err, escrow.ErrGiftNotFound):
		return errNotFound("gift not found")
	case errors.Is(err, escrow.ErrAlreadyClaimed),
		errors.Is(err, escrow.ErrAlreadyReturned),
		errors.Is(err, escrow.ErrGiftExpired),
		errors.Is(err, escrow.ErrNotYetExpired),
		errors.Is(err, escrow.ErrInvalidPassword):
		return errContractState(err)
	case errors.Is(err, escrow.ErrEffectNotObserved):
		return errVerification("", err)
	case errors.Is(err, guard.ErrDuplicateAttempt):
		return errDuplicate("an identical operation is already in flight; retry shortly")
	case errors.Is(err, guard.ErrUnavailable):
		return errInfrastructure("attempt guard unavailable", err)
	case errors.Is(err, relay.ErrTransactionFailed), errors.Is(err, relay.ErrNoSender):
		return errTransaction(err)
	default:
		return errInfrastructure("internal error", err)
	}
}
