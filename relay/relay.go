// Package relay submits prepared contract calls through a fee-sponsoring
// relay when one is configured, falling back to a direct gas-paying
// submission signed by the custodial key. Both paths share one bounded
// receipt wait so confirmation behaviour is identical regardless of who paid
// for gas.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrNoSender is returned when the executor has no direct sender to
	// fall back to.
	ErrNoSender = errors.New("relay: no sender configured")
	// ErrTransactionFailed is returned when the final submission path fails
	// or its transaction reverts.
	ErrTransactionFailed = errors.New("relay: transaction failed")
	// ErrReceiptTimeout is returned when no receipt appears within the
	// configured wait.
	ErrReceiptTimeout = errors.New("relay: timed out waiting for receipt")
)

const (
	// DefaultReceiptTimeout bounds how long a submission waits for its
	// receipt before the attempt is written off.
	DefaultReceiptTimeout = 90 * time.Second
	// DefaultPollInterval is the delay between receipt polls.
	DefaultPollInterval = 2 * time.Second
)

// Call describes one prepared contract invocation.
type Call struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64
}

// Result reports how a call landed on-chain.
type Result struct {
	TxHash  common.Hash
	Gasless bool
	Receipt *gethtypes.Receipt
}

// Sender submits a prepared call and returns the transaction hash.
type Sender interface {
	Send(ctx context.Context, call Call) (common.Hash, error)
}

// ReceiptReader is the subset of the Ethereum RPC used to confirm
// submissions.
type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// Executor runs the sponsored-first, direct-fallback submission strategy.
type Executor struct {
	sponsored      Sender
	direct         Sender
	receipts       ReceiptReader
	receiptTimeout time.Duration
	pollInterval   time.Duration
	log            *slog.Logger
}

// ExecutorOption customises an Executor.
type ExecutorOption func(*Executor)

// WithReceiptTimeout overrides the bounded receipt wait.
func WithReceiptTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.receiptTimeout = d
		}
	}
}

// WithPollInterval overrides the receipt polling cadence.
func WithPollInterval(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithLogger overrides the executor's logger.
func WithLogger(log *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if log != nil {
			e.log = log
		}
	}
}

// NewExecutor wires the two submission paths to a receipt source. A nil
// sponsored sender disables the gasless path entirely.
func NewExecutor(sponsored, direct Sender, receipts ReceiptReader, opts ...ExecutorOption) *Executor {
	e := &Executor{
		sponsored:      sponsored,
		direct:         direct,
		receipts:       receipts,
		receiptTimeout: DefaultReceiptTimeout,
		pollInterval:   DefaultPollInterval,
		log:            slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute submits the call. The sponsored path is tried first when present;
// any sponsored failure, whether at submission or confirmation, is treated
// as recoverable and the call is resubmitted through the direct path. A
// direct failure is terminal.
func (e *Executor) Execute(ctx context.Context, call Call) (*Result, error) {
	if e.sponsored != nil {
		hash, err := e.sponsored.Send(ctx, call)
		if err == nil {
			receipt, werr := e.awaitReceipt(ctx, hash)
			if werr == nil && receipt.Status == gethtypes.ReceiptStatusSuccessful {
				return &Result{TxHash: hash, Gasless: true, Receipt: receipt}, nil
			}
			if werr != nil {
				e.log.Warn("relay.sponsored.confirm_fail", "tx", hash.Hex(), "err", werr)
			} else {
				e.log.Warn("relay.sponsored.reverted", "tx", hash.Hex())
			}
		} else {
			e.log.Warn("relay.sponsored.submit_fail", "err", err)
		}
	}
	return e.ExecuteDirect(ctx, call)
}

// ExecuteDirect submits the call through the gas-paying path only, bypassing
// the sponsor. Used when a request opts out of gasless execution.
func (e *Executor) ExecuteDirect(ctx context.Context, call Call) (*Result, error) {
	if e.direct == nil {
		return nil, ErrNoSender
	}
	hash, err := e.direct.Send(ctx, call)
	if err != nil {
		return nil, fmt.Errorf("%w: direct submission: %v", ErrTransactionFailed, err)
	}
	receipt, err := e.awaitReceipt(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransactionFailed, err)
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: transaction %s reverted", ErrTransactionFailed, hash.Hex())
	}
	return &Result{TxHash: hash, Gasless: false, Receipt: receipt}, nil
}

func (e *Executor) awaitReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, e.receiptTimeout)
	defer cancel()
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := e.receipts.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) && !errors.Is(err, context.DeadlineExceeded) {
			e.log.Debug("relay.receipt.poll_fail", "tx", hash.Hex(), "err", err)
		}
		select {
		case <-waitCtx.Done():
			return nil, fmt.Errorf("%w: %s", ErrReceiptTimeout, hash.Hex())
		case <-ticker.C:
		}
	}
}
