package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/ElMartidel96/cryptogift-wallets-sub000/guard"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/relay"
)

// rateLimitInfo is echoed in successful responses so clients can pace
// themselves without probing for 429s.
type rateLimitInfo struct {
	Remaining int    `json:"remaining"`
	ResetTime string `json:"resetTime"`
}

func rateInfo(decision guard.Decision) *rateLimitInfo {
	return &rateLimitInfo{
		Remaining: decision.Remaining,
		ResetTime: decision.ResetTime.UTC().Format(time.RFC3339),
	}
}

// checkRate enforces the per-actor quota. The limiter persists windows in
// the shared key-value store; an unreadable store denies the request rather
// than waving it through.
func (s *Server) checkRate(operation, actor string) (guard.Decision, error) {
	if s.limiter == nil {
		return guard.Decision{Allowed: true}, nil
	}
	decision, err := s.limiter.Check(actor)
	if err != nil {
		return decision, errInfrastructure("rate limiter unavailable", err)
	}
	if !decision.Allowed {
		s.metrics.ObserveGuardRejection(operation, "rate_limit")
		return decision, errRateLimited(decision.ResetTime)
	}
	return decision, nil
}

// admit reserves the attempt slot for the operation and mirrors it into the
// audit trail. The guard owns admission; the audit row is best effort.
func (s *Server) admit(operation, actor, operationKey, variant, fingerprint string) (*guard.Attempt, error) {
	attempt, err := s.attempts.Validate(actor, operationKey, variant, fingerprint)
	if err != nil {
		if errors.Is(err, guard.ErrDuplicateAttempt) {
			s.metrics.ObserveGuardRejection(operation, "duplicate")
		}
		return nil, err
	}
	if err := s.store.RecordAttempt(attempt.Nonce, actor, operationKey, variant); err != nil {
		s.log.Warn("gateway.attempt.audit_fail", "nonce", attempt.Nonce, "err", err)
	}
	return attempt, nil
}

// execute submits the call through the requested payment path and records a
// fallback when a sponsored request lands direct.
func (s *Server) execute(ctx context.Context, operation string, call relay.Call, gasless bool) (*relay.Result, error) {
	var (
		result *relay.Result
		err    error
	)
	if gasless {
		result, err = s.relay.Execute(ctx, call)
	} else {
		result, err = s.relay.ExecuteDirect(ctx, call)
	}
	if err != nil {
		return nil, err
	}
	if gasless && !result.Gasless {
		s.metrics.ObserveFallback(operation)
	}
	return result, nil
}

// settleFailure marks the attempt failed in the guard and the audit trail.
func (s *Server) settleFailure(nonce, reason string) {
	if err := s.attempts.Failed(nonce, reason); err != nil {
		s.log.Warn("gateway.attempt.fail_mark", "nonce", nonce, "err", err)
	}
	if err := s.store.ResolveAttempt(nonce, string(guard.AttemptFailed), "", reason); err != nil {
		s.log.Warn("gateway.attempt.audit_fail", "nonce", nonce, "err", err)
	}
}

// settleSuccess marks the attempt completed with the confirming transaction.
func (s *Server) settleSuccess(nonce, txHash string) {
	if err := s.attempts.Completed(nonce, txHash); err != nil {
		s.log.Warn("gateway.attempt.complete_mark", "nonce", nonce, "err", err)
	}
	if err := s.store.ResolveAttempt(nonce, string(guard.AttemptCompleted), txHash, ""); err != nil {
		s.log.Warn("gateway.attempt.audit_fail", "nonce", nonce, "err", err)
	}
}
