package escrow

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/crypto"
)

// contractABIJSON covers the slice of the deployed escrow contract the
// gateway touches. The contract itself is external; only its interface is
// fixed here.
const contractABIJSON = `[
  {"type":"function","name":"mintTo","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"uri","type":"string"}],"outputs":[{"name":"tokenId","type":"uint256"}]},
  {"type":"function","name":"createGift","stateMutability":"nonpayable","inputs":[{"name":"tokenId","type":"uint256"},{"name":"nftContract","type":"address"},{"name":"passwordHash","type":"bytes32"},{"name":"timeframe","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"claimGift","stateMutability":"nonpayable","inputs":[{"name":"tokenId","type":"uint256"},{"name":"password","type":"string"}],"outputs":[]},
  {"type":"function","name":"claimGiftFor","stateMutability":"nonpayable","inputs":[{"name":"tokenId","type":"uint256"},{"name":"password","type":"string"},{"name":"recipient","type":"address"}],"outputs":[]},
  {"type":"function","name":"returnExpiredGift","stateMutability":"nonpayable","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"getGift","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"creator","type":"address"},{"name":"expirationTime","type":"uint96"},{"name":"nftContract","type":"address"},{"name":"passwordHash","type":"bytes32"},{"name":"status","type":"uint8"}]},
  {"type":"function","name":"canClaimGift","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"claimable","type":"bool"}]},
  {"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"supply","type":"uint256"}]},
  {"type":"function","name":"FIFTEEN_MINUTES","stateMutability":"view","inputs":[],"outputs":[{"name":"seconds_","type":"uint256"}]},
  {"type":"function","name":"SEVEN_DAYS","stateMutability":"view","inputs":[],"outputs":[{"name":"seconds_","type":"uint256"}]},
  {"type":"function","name":"FIFTEEN_DAYS","stateMutability":"view","inputs":[],"outputs":[{"name":"seconds_","type":"uint256"}]},
  {"type":"function","name":"THIRTY_DAYS","stateMutability":"view","inputs":[],"outputs":[{"name":"seconds_","type":"uint256"}]},
  {"type":"event","name":"Transfer","inputs":[{"name":"from","type":"address","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"tokenId","type":"uint256","indexed":true}],"anonymous":false}
]`

var (
	contractABI            = mustParseABI()
	transferEventSignature = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

func mustParseABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(contractABIJSON))
	if err != nil {
		panic("escrow: invalid contract ABI: " + err.Error())
	}
	return parsed
}
