package escrow

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// MintedTokenID extracts the token ID minted to the expected holder from a
// confirmed receipt. Only a Transfer from the zero address emitted by the
// bound contract counts as a mint.
func MintedTokenID(receipt *gethtypes.Receipt, contract, holder common.Address) (*big.Int, error) {
	if receipt == nil {
		return nil, ErrMintLogMissing
	}
	for _, log := range receipt.Logs {
		if log == nil || log.Address != contract {
			continue
		}
		if len(log.Topics) != 4 || log.Topics[0] != transferEventSignature {
			continue
		}
		from := common.BytesToAddress(log.Topics[1].Bytes())
		to := common.BytesToAddress(log.Topics[2].Bytes())
		if from != (common.Address{}) || to != holder {
			continue
		}
		return new(big.Int).SetBytes(log.Topics[3].Bytes()), nil
	}
	return nil, ErrMintLogMissing
}

// TransferredTo reports whether the receipt contains a Transfer of the given
// token to the expected recipient. Used to verify claim side effects.
func TransferredTo(receipt *gethtypes.Receipt, contract, recipient common.Address, tokenID *big.Int) bool {
	if receipt == nil || tokenID == nil {
		return false
	}
	for _, log := range receipt.Logs {
		if log == nil || log.Address != contract {
			continue
		}
		if len(log.Topics) != 4 || log.Topics[0] != transferEventSignature {
			continue
		}
		to := common.BytesToAddress(log.Topics[2].Bytes())
		if to != recipient {
			continue
		}
		if new(big.Int).SetBytes(log.Topics[3].Bytes()).Cmp(tokenID) == 0 {
			return true
		}
	}
	return false
}
