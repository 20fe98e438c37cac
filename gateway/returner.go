package gateway

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ElMartidel96/cryptogift-wallets-sub000/escrow"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/gift"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/guard"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/ledger"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/observability/metrics"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/relay"
)

const (
	// maxSweepCandidates bounds one sweep so a long expiry backlog is
	// drained across runs instead of in one unbounded burst.
	maxSweepCandidates = 100

	defaultReturnBatchSize  = 3
	defaultReturnBatchDelay = 2 * time.Second
	defaultReturnRPCRate    = 5
)

const (
	returnStatusReturned = "returned"
	returnStatusSkipped  = "skipped"
	returnStatusError    = "error"
)

// ReturnResult reports the outcome for a single expired gift.
type ReturnResult struct {
	TokenID string `json:"tokenId"`
	Status  string `json:"status"`
	TxHash  string `json:"transactionHash,omitempty"`
	Err     string `json:"error,omitempty"`
}

// SweepSummary aggregates one auto-return pass.
type SweepSummary struct {
	Processed int            `json:"processed"`
	Returned  int            `json:"returned"`
	Errors    int            `json:"errors"`
	Results   []ReturnResult `json:"results"`
	Timestamp int64          `json:"timestamp"`
}

// Returner sweeps expired active gifts back to their creators. Candidates
// come from the ledger index but every submission is re-validated against
// the chain first; stale rows are skipped, not returned.
type Returner struct {
	contract *escrow.Contract
	relay    Relay
	attempts *guard.Registry
	store    *ledger.Store
	events   *EventBus
	log      *slog.Logger
	metrics  *metrics.ReturnerMetrics

	batchSize  int
	batchDelay time.Duration
	rpcLimiter *rate.Limiter
	nowFn      func() time.Time
}

// ReturnerConfig wires the worker dependencies.
type ReturnerConfig struct {
	Contract *escrow.Contract
	Relay    Relay
	Attempts *guard.Registry
	Store    *ledger.Store
	Events   *EventBus
	Log      *slog.Logger

	// BatchSize gifts are processed concurrently per batch; BatchDelay
	// separates batches. RPCRate caps chain submissions per second.
	BatchSize  int
	BatchDelay time.Duration
	RPCRate    float64
	Now        func() time.Time
}

func NewReturner(cfg ReturnerConfig) *Returner {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultReturnBatchSize
	}
	if cfg.BatchDelay <= 0 {
		cfg.BatchDelay = defaultReturnBatchDelay
	}
	if cfg.RPCRate <= 0 {
		cfg.RPCRate = defaultReturnRPCRate
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Returner{
		contract:   cfg.Contract,
		relay:      cfg.Relay,
		attempts:   cfg.Attempts,
		store:      cfg.Store,
		events:     cfg.Events,
		log:        cfg.Log,
		metrics:    metrics.Returner(),
		batchSize:  cfg.BatchSize,
		batchDelay: cfg.BatchDelay,
		rpcLimiter: rate.NewLimiter(rate.Limit(cfg.RPCRate), 1),
		nowFn:      cfg.Now,
	}
}

// Sweep processes one bounded pass over expired active gifts. Per-gift
// failures are collected in the summary and never abort the sweep.
func (rt *Returner) Sweep(ctx context.Context) (*SweepSummary, error) {
	started := rt.nowFn()
	now := started.Unix()
	candidates, err := rt.store.ExpiredActive(now, maxSweepCandidates)
	if err != nil {
		rt.metrics.ObserveRun(returnStatusError, 0, time.Since(started).Seconds())
		return nil, errInfrastructure("expired gift query failed", err)
	}

	summary := &SweepSummary{
		Results:   make([]ReturnResult, 0, len(candidates)),
		Timestamp: now,
	}
	for start := 0; start < len(candidates); start += rt.batchSize {
		if start > 0 {
			select {
			case <-ctx.Done():
				summary.recount()
				return summary, nil
			case <-time.After(rt.batchDelay):
			}
		}
		end := start + rt.batchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		batch := candidates[start:end]
		results := make([]ReturnResult, len(batch))
		var wg sync.WaitGroup
		for i := range batch {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = rt.processOne(ctx, batch[i])
			}(i)
		}
		wg.Wait()
		summary.Results = append(summary.Results, results...)
	}
	summary.recount()

	for _, res := range summary.Results {
		rt.metrics.ObserveResult(res.Status)
	}
	rt.metrics.ObserveRun("completed", summary.Processed, time.Since(started).Seconds())
	rt.publishBacklog(now)

	if rt.events != nil {
		rt.events.Publish(gift.NewAutoReturnSummaryEvent(summary.Processed, summary.Returned, summary.Errors, now))
	}
	rt.log.Info("returner.sweep_done",
		"processed", summary.Processed, "returned", summary.Returned, "errors", summary.Errors)
	return summary, nil
}

func (sm *SweepSummary) recount() {
	sm.Processed = len(sm.Results)
	sm.Returned = 0
	sm.Errors = 0
	for _, res := range sm.Results {
		switch res.Status {
		case returnStatusReturned:
			sm.Returned++
		case returnStatusError:
			sm.Errors++
		}
	}
}

func (rt *Returner) publishBacklog(now int64) {
	remaining, err := rt.store.ExpiredActive(now, maxSweepCandidates)
	if err != nil {
		return
	}
	rt.metrics.SetBacklog(len(remaining))
}

func (rt *Returner) processOne(ctx context.Context, row ledger.Gift) ReturnResult {
	result := ReturnResult{TokenID: row.TokenID, Status: returnStatusError}
	tokenID, ok := new(big.Int).SetString(row.TokenID, 10)
	if !ok {
		result.Err = "malformed token id in ledger"
		return result
	}
	if err := rt.rpcLimiter.Wait(ctx); err != nil {
		result.Err = err.Error()
		return result
	}

	readCtx, cancel := context.WithTimeout(ctx, upstreamTimeout)
	g, err := rt.contract.GetGift(readCtx, tokenID)
	cancel()
	if err != nil {
		if errors.Is(err, escrow.ErrGiftNotFound) {
			result.Status = returnStatusSkipped
			result.Err = "gift unknown to the contract"
			return result
		}
		result.Err = err.Error()
		return result
	}
	if err := escrow.ReturnPrecondition(g, rt.nowFn().Unix()); err != nil {
		// The ledger row lagged behind the chain; the reconciler reports
		// persistent drift.
		result.Status = returnStatusSkipped
		result.Err = err.Error()
		return result
	}

	attempt, err := rt.attempts.Validate("returner", guard.ReturnOperationKey(row.TokenID), "auto", guard.Fingerprint("returner", row.TokenID))
	if err != nil {
		if errors.Is(err, guard.ErrDuplicateAttempt) {
			result.Status = returnStatusSkipped
			result.Err = "return already in flight"
			return result
		}
		result.Err = err.Error()
		return result
	}
	if err := rt.store.RecordAttempt(attempt.Nonce, "returner", guard.ReturnOperationKey(row.TokenID), "auto"); err != nil {
		rt.log.Warn("returner.attempt_audit_fail", "nonce", attempt.Nonce, "err", err)
	}
	if err := rt.attempts.Register(attempt); err != nil {
		result.Err = err.Error()
		return result
	}

	callData, err := escrow.PackReturnExpiredGift(tokenID)
	if err != nil {
		rt.settleFailure(attempt.Nonce, "encode return call")
		result.Err = err.Error()
		return result
	}
	execResult, err := rt.relay.Execute(ctx, relay.Call{To: rt.contract.Address(), Data: callData})
	if err != nil {
		mapped := escrow.MapRevert(err)
		rt.settleFailure(attempt.Nonce, mapped.Error())
		result.Err = mapped.Error()
		return result
	}

	if !escrow.TransferredTo(execResult.Receipt, rt.contract.Address(), g.Creator, tokenID) {
		verifyCtx, cancel := context.WithTimeout(ctx, upstreamTimeout)
		err = rt.contract.VerifyGiftStatus(verifyCtx, tokenID, gift.StatusReturned)
		cancel()
		if err != nil {
			rt.settleSuccess(attempt.Nonce, execResult.TxHash.Hex())
			result.Err = "transaction confirmed but return not observed on chain"
			result.TxHash = execResult.TxHash.Hex()
			return result
		}
	}

	if err := rt.store.MarkReturned(row.TokenID, execResult.TxHash.Hex()); err != nil {
		rt.log.Warn("returner.ledger_update_fail", "token", row.TokenID, "err", err)
	}
	if rt.events != nil {
		rt.events.Publish(gift.NewReturnedEvent(g, execResult.TxHash.Hex(), execResult.Gasless))
	}
	rt.settleSuccess(attempt.Nonce, execResult.TxHash.Hex())

	result.Status = returnStatusReturned
	result.TxHash = execResult.TxHash.Hex()
	return result
}

func (rt *Returner) settleFailure(nonce, reason string) {
	if err := rt.attempts.Failed(nonce, reason); err != nil {
		rt.log.Warn("returner.attempt_fail_mark", "nonce", nonce, "err", err)
	}
	if err := rt.store.ResolveAttempt(nonce, string(guard.AttemptFailed), "", reason); err != nil {
		rt.log.Warn("returner.attempt_audit_fail", "nonce", nonce, "err", err)
	}
}

func (rt *Returner) settleSuccess(nonce, txHash string) {
	if err := rt.attempts.Completed(nonce, txHash); err != nil {
		rt.log.Warn("returner.attempt_complete_mark", "nonce", nonce, "err", err)
	}
	if err := rt.store.ResolveAttempt(nonce, string(guard.AttemptCompleted), txHash, ""); err != nil {
		rt.log.Warn("returner.attempt_audit_fail", "nonce", nonce, "err", err)
	}
}

// Run sweeps on a fixed interval until the context is cancelled. An
// interval of zero disables self-scheduling; sweeps then only run through
// the cron endpoint.
func (rt *Returner) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := rt.Sweep(ctx); err != nil {
				rt.log.Error("returner.sweep_fail", "err", err)
			}
		}
	}
}

// handleAutoReturn triggers one sweep. The caller authenticates with the
// shared cron secret, not a wallet token.
func (s *Server) handleAutoReturn(w http.ResponseWriter, r *http.Request) {
	const operation = "return"
	if !cronAuthorized(r, s.cronSecret) {
		s.fail(w, operation, errUnauthorized("missing or invalid cron credential"))
		return
	}
	if s.returner == nil {
		s.fail(w, operation, errInfrastructure("auto-return worker not configured", nil))
		return
	}
	summary, err := s.returner.Sweep(r.Context())
	if err != nil {
		s.fail(w, operation, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"processed": summary.Processed,
		"returned":  summary.Returned,
		"errors":    summary.Errors,
		"results":   summary.Results,
		"timestamp": summary.Timestamp,
	})
}
