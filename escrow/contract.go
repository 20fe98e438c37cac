package escrow

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/ElMartidel96/cryptogift-wallets-sub000/gift"
)

// Caller is the subset of the Ethereum RPC used for contract reads.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Contract is a typed wrapper around the deployed escrow contract. It
// marshals arguments and decodes results; lifecycle rules stay with the
// callers.
type Contract struct {
	address common.Address
	caller  Caller
}

// NewContract binds the wrapper to a deployed contract address.
func NewContract(address common.Address, caller Caller) *Contract {
	return &Contract{address: address, caller: caller}
}

// Address returns the bound contract address.
func (c *Contract) Address() common.Address {
	return c.address
}

// PackMintTo encodes a mint of a fresh token to the given holder.
func PackMintTo(to common.Address, metadataURI string) ([]byte, error) {
	return contractABI.Pack("mintTo", to, metadataURI)
}

// PackCreateGift encodes the escrow registration for an already minted token.
func PackCreateGift(tokenID *big.Int, nftContract common.Address, passwordHash [32]byte, timeframeSeconds int64) ([]byte, error) {
	if tokenID == nil {
		return nil, fmt.Errorf("escrow: token id required")
	}
	return contractABI.Pack("createGift", tokenID, nftContract, passwordHash, big.NewInt(timeframeSeconds))
}

// PackClaimGift encodes a claim that transfers the token to the caller.
// The preimage is the concatenation the password hash commits to.
func PackClaimGift(tokenID *big.Int, preimage string) ([]byte, error) {
	if tokenID == nil {
		return nil, fmt.Errorf("escrow: token id required")
	}
	return contractABI.Pack("claimGift", tokenID, preimage)
}

// PackClaimGiftFor encodes a claim that transfers the token to a third-party
// recipient.
func PackClaimGiftFor(tokenID *big.Int, preimage string, recipient common.Address) ([]byte, error) {
	if tokenID == nil {
		return nil, fmt.Errorf("escrow: token id required")
	}
	return contractABI.Pack("claimGiftFor", tokenID, preimage, recipient)
}

// PackReturnExpiredGift encodes the return of an expired gift to its creator.
func PackReturnExpiredGift(tokenID *big.Int) ([]byte, error) {
	if tokenID == nil {
		return nil, fmt.Errorf("escrow: token id required")
	}
	return contractABI.Pack("returnExpiredGift", tokenID)
}

func (c *Contract) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("escrow: pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &c.address, Data: data}
	raw, err := c.caller.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, MapRevert(err)
	}
	outputs, err := contractABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("escrow: unpack %s: %w", method, err)
	}
	return outputs, nil
}

// GetGift reads the on-chain gift record. A record whose creator is the zero
// address is treated as absent, matching the contract's mapping semantics.
func (c *Contract) GetGift(ctx context.Context, tokenID *big.Int) (*gift.Gift, error) {
	if tokenID == nil {
		return nil, fmt.Errorf("escrow: token id required")
	}
	outputs, err := c.call(ctx, "getGift", tokenID)
	if err != nil {
		return nil, err
	}
	if len(outputs) != 5 {
		return nil, fmt.Errorf("escrow: getGift returned %d values", len(outputs))
	}
	creator, ok := outputs[0].(common.Address)
	if !ok {
		return nil, fmt.Errorf("escrow: getGift creator has unexpected type %T", outputs[0])
	}
	if creator == (common.Address{}) {
		return nil, ErrGiftNotFound
	}
	expiration, ok := outputs[1].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("escrow: getGift expiration has unexpected type %T", outputs[1])
	}
	if !expiration.IsInt64() {
		return nil, fmt.Errorf("escrow: getGift expiration %s overflows int64", expiration)
	}
	nftContract, ok := outputs[2].(common.Address)
	if !ok {
		return nil, fmt.Errorf("escrow: getGift contract has unexpected type %T", outputs[2])
	}
	passwordHash, ok := outputs[3].([32]byte)
	if !ok {
		return nil, fmt.Errorf("escrow: getGift hash has unexpected type %T", outputs[3])
	}
	rawStatus, ok := outputs[4].(uint8)
	if !ok {
		return nil, fmt.Errorf("escrow: getGift status has unexpected type %T", outputs[4])
	}
	status := gift.Status(rawStatus)
	if !status.Valid() {
		return nil, fmt.Errorf("escrow: getGift returned unknown status %d", rawStatus)
	}
	return &gift.Gift{
		TokenID:        new(big.Int).Set(tokenID),
		Creator:        creator,
		NFTContract:    nftContract,
		ExpirationTime: expiration.Int64(),
		PasswordHash:   passwordHash,
		Status:         status,
	}, nil
}

// CanClaim asks the contract whether the gift is currently claimable.
func (c *Contract) CanClaim(ctx context.Context, tokenID *big.Int) (bool, error) {
	if tokenID == nil {
		return false, fmt.Errorf("escrow: token id required")
	}
	outputs, err := c.call(ctx, "canClaimGift", tokenID)
	if err != nil {
		return false, err
	}
	if len(outputs) != 1 {
		return false, fmt.Errorf("escrow: canClaimGift returned %d values", len(outputs))
	}
	claimable, ok := outputs[0].(bool)
	if !ok {
		return false, fmt.Errorf("escrow: canClaimGift result has unexpected type %T", outputs[0])
	}
	return claimable, nil
}

// TotalSupply reads the collection's mint counter. Used only as a best-effort
// fallback when a mint receipt carries no parseable Transfer log.
func (c *Contract) TotalSupply(ctx context.Context) (*big.Int, error) {
	outputs, err := c.call(ctx, "totalSupply")
	if err != nil {
		return nil, err
	}
	if len(outputs) != 1 {
		return nil, fmt.Errorf("escrow: totalSupply returned %d values", len(outputs))
	}
	supply, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("escrow: totalSupply result has unexpected type %T", outputs[0])
	}
	return supply, nil
}

// TimeframeSeconds reads the named duration constant from the contract.
func (c *Contract) TimeframeSeconds(ctx context.Context, timeframe gift.Timeframe) (int64, error) {
	outputs, err := c.call(ctx, string(timeframe))
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, fmt.Errorf("escrow: %s returned %d values", timeframe, len(outputs))
	}
	seconds, ok := outputs[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("escrow: %s result has unexpected type %T", timeframe, outputs[0])
	}
	return seconds.Int64(), nil
}

// VerifyTimeframes confirms that the locally configured timeframe durations
// match the contract's constants. Run at startup so a contract upgrade that
// shifts a duration is caught before any gift is created against it.
func (c *Contract) VerifyTimeframes(ctx context.Context) error {
	for _, timeframe := range gift.Timeframes() {
		onchain, err := c.TimeframeSeconds(ctx, timeframe)
		if err != nil {
			return fmt.Errorf("escrow: read %s: %w", timeframe, err)
		}
		if onchain != timeframe.Seconds() {
			return fmt.Errorf("escrow: timeframe %s is %ds on-chain, expected %ds", timeframe, onchain, timeframe.Seconds())
		}
	}
	return nil
}

// VerifyGiftStatus re-reads the gift after a confirmed transaction and checks
// that the expected lifecycle transition actually happened. A receipt can
// report success while the semantic effect is absent; this is the defence.
func (c *Contract) VerifyGiftStatus(ctx context.Context, tokenID *big.Int, want gift.Status) error {
	g, err := c.GetGift(ctx, tokenID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEffectNotObserved, err)
	}
	if g.Status != want {
		return fmt.Errorf("%w: status is %s, expected %s", ErrEffectNotObserved, g.Status, want)
	}
	return nil
}
