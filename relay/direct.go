package relay

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/ElMartidel96/cryptogift-wallets-sub000/crypto"
)

// DefaultGasLimit bounds escrow calls whose prepared Call carries no limit
// of its own. Mints that deploy a token-bound account are the heaviest path.
const DefaultGasLimit = uint64(500_000)

// DirectClient is the subset of the Ethereum RPC needed to build, sign and
// submit a gas-paying transaction.
type DirectClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
}

// DirectSender signs EIP-1559 transactions with the custodial key and pays
// gas from its balance. The account nonce serialises submissions per key, so
// one sender instance must own its key exclusively.
type DirectSender struct {
	key     *crypto.PrivateKey
	client  DirectClient
	chainID *big.Int
}

// NewDirectSender binds the custodial key to an RPC client and chain.
func NewDirectSender(key *crypto.PrivateKey, client DirectClient, chainID *big.Int) (*DirectSender, error) {
	if key == nil {
		return nil, fmt.Errorf("relay: custodial key required")
	}
	if client == nil {
		return nil, fmt.Errorf("relay: rpc client required")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("relay: chain id required")
	}
	return &DirectSender{key: key, client: client, chainID: new(big.Int).Set(chainID)}, nil
}

// From returns the paying account address.
func (d *DirectSender) From() common.Address {
	return d.key.Address()
}

// Send signs and submits the call as a dynamic-fee transaction.
func (d *DirectSender) Send(ctx context.Context, call Call) (common.Hash, error) {
	nonce, err := d.client.PendingNonceAt(ctx, d.key.Address())
	if err != nil {
		return common.Hash{}, fmt.Errorf("relay: fetch nonce: %w", err)
	}
	tipCap, err := d.client.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("relay: fetch gas tip cap: %w", err)
	}
	feeCap, err := d.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("relay: fetch gas price: %w", err)
	}
	// The fee cap must never undercut the tip cap.
	if feeCap.Cmp(tipCap) < 0 {
		feeCap = new(big.Int).Set(tipCap)
	}
	gasLimit := call.GasLimit
	if gasLimit == 0 {
		gasLimit = DefaultGasLimit
	}
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	to := call.To
	tx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   d.chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      call.Data,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(d.chainID), d.key.PrivateKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("relay: sign transaction: %w", err)
	}
	if err := d.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("relay: submit transaction: %w", err)
	}
	return signed.Hash(), nil
}
