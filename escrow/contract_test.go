package escrow

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/ElMartidel96/cryptogift-wallets-sub000/gift"
)

var (
	testContract = common.HexToAddress("0x000000000000000000000000000000000000c0de")
	testCreator  = common.HexToAddress("0x0000000000000000000000000000000000001111")
	testHolder   = common.HexToAddress("0x0000000000000000000000000000000000002222")
)

type stubCaller struct {
	outputs map[string][]byte
	err     error
}

func (s *stubCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	if len(msg.Data) < 4 {
		return nil, errors.New("calldata too short")
	}
	selector := hex.EncodeToString(msg.Data[:4])
	out, ok := s.outputs[selector]
	if !ok {
		return nil, errors.New("unexpected method " + selector)
	}
	return out, nil
}

func selectorFor(t *testing.T, method string) string {
	t.Helper()
	m, ok := contractABI.Methods[method]
	if !ok {
		t.Fatalf("method %s missing from ABI", method)
	}
	return hex.EncodeToString(m.ID)
}

func packOutputs(t *testing.T, method string, values ...interface{}) []byte {
	t.Helper()
	out, err := contractABI.Methods[method].Outputs.Pack(values...)
	if err != nil {
		t.Fatalf("pack %s outputs: %v", method, err)
	}
	return out
}

func TestPackBuilders(t *testing.T) {
	tokenID := big.NewInt(42)
	var hash [32]byte
	hash[0] = 0xaa

	data, err := PackMintTo(testHolder, "ipfs://meta")
	if err != nil {
		t.Fatalf("pack mintTo: %v", err)
	}
	args, err := contractABI.Methods["mintTo"].Inputs.Unpack(data[4:])
	if err != nil {
		t.Fatalf("unpack mintTo args: %v", err)
	}
	if args[0].(common.Address) != testHolder || args[1].(string) != "ipfs://meta" {
		t.Fatalf("mintTo args round-trip mismatch: %v", args)
	}

	data, err = PackCreateGift(tokenID, testContract, hash, 604800)
	if err != nil {
		t.Fatalf("pack createGift: %v", err)
	}
	args, err = contractABI.Methods["createGift"].Inputs.Unpack(data[4:])
	if err != nil {
		t.Fatalf("unpack createGift args: %v", err)
	}
	if args[0].(*big.Int).Cmp(tokenID) != 0 {
		t.Fatalf("createGift token id mismatch")
	}
	if args[3].(*big.Int).Int64() != 604800 {
		t.Fatalf("createGift timeframe mismatch")
	}

	data, err = PackClaimGiftFor(tokenID, "secret10xabc", testHolder)
	if err != nil {
		t.Fatalf("pack claimGiftFor: %v", err)
	}
	args, err = contractABI.Methods["claimGiftFor"].Inputs.Unpack(data[4:])
	if err != nil {
		t.Fatalf("unpack claimGiftFor args: %v", err)
	}
	if args[1].(string) != "secret10xabc" || args[2].(common.Address) != testHolder {
		t.Fatalf("claimGiftFor args round-trip mismatch: %v", args)
	}

	if _, err := PackCreateGift(nil, testContract, hash, 900); err == nil {
		t.Fatalf("nil token id must be rejected")
	}
	if _, err := PackReturnExpiredGift(nil); err == nil {
		t.Fatalf("nil token id must be rejected")
	}
}

func TestGetGift(t *testing.T) {
	var hash [32]byte
	hash[31] = 0x7f
	caller := &stubCaller{outputs: map[string][]byte{
		selectorFor(t, "getGift"): packOutputs(t, "getGift",
			testCreator, big.NewInt(1_700_000_000), testContract, hash, uint8(gift.StatusActive)),
	}}
	contract := NewContract(testContract, caller)

	g, err := contract.GetGift(context.Background(), big.NewInt(42))
	if err != nil {
		t.Fatalf("get gift: %v", err)
	}
	if g.Creator != testCreator {
		t.Fatalf("creator = %s", g.Creator.Hex())
	}
	if g.ExpirationTime != 1_700_000_000 {
		t.Fatalf("expiration = %d", g.ExpirationTime)
	}
	if g.PasswordHash != hash {
		t.Fatalf("password hash mismatch")
	}
	if g.Status != gift.StatusActive {
		t.Fatalf("status = %s", g.Status)
	}
	if g.TokenID.Int64() != 42 {
		t.Fatalf("token id = %s", g.TokenID)
	}
}

func TestGetGiftAbsent(t *testing.T) {
	var hash [32]byte
	caller := &stubCaller{outputs: map[string][]byte{
		selectorFor(t, "getGift"): packOutputs(t, "getGift",
			common.Address{}, big.NewInt(0), common.Address{}, hash, uint8(0)),
	}}
	contract := NewContract(testContract, caller)
	if _, err := contract.GetGift(context.Background(), big.NewInt(99)); !errors.Is(err, ErrGiftNotFound) {
		t.Fatalf("expected not found for zero creator, got %v", err)
	}

	reverting := &stubCaller{err: errors.New("execution reverted: Gift does not exist")}
	contract = NewContract(testContract, reverting)
	if _, err := contract.GetGift(context.Background(), big.NewInt(99)); !errors.Is(err, ErrGiftNotFound) {
		t.Fatalf("expected not found for revert, got %v", err)
	}
}

func TestCanClaimAndTotalSupply(t *testing.T) {
	caller := &stubCaller{outputs: map[string][]byte{
		selectorFor(t, "canClaimGift"): packOutputs(t, "canClaimGift", true),
		selectorFor(t, "totalSupply"):  packOutputs(t, "totalSupply", big.NewInt(7)),
	}}
	contract := NewContract(testContract, caller)

	claimable, err := contract.CanClaim(context.Background(), big.NewInt(1))
	if err != nil {
		t.Fatalf("can claim: %v", err)
	}
	if !claimable {
		t.Fatalf("expected claimable")
	}
	supply, err := contract.TotalSupply(context.Background())
	if err != nil {
		t.Fatalf("total supply: %v", err)
	}
	if supply.Int64() != 7 {
		t.Fatalf("supply = %s", supply)
	}
}

func TestVerifyTimeframes(t *testing.T) {
	outputs := map[string][]byte{}
	for _, tf := range gift.Timeframes() {
		outputs[selectorFor(t, string(tf))] = packOutputs(t, string(tf), big.NewInt(tf.Seconds()))
	}
	contract := NewContract(testContract, &stubCaller{outputs: outputs})
	if err := contract.VerifyTimeframes(context.Background()); err != nil {
		t.Fatalf("verify timeframes: %v", err)
	}

	outputs[selectorFor(t, "SEVEN_DAYS")] = packOutputs(t, "SEVEN_DAYS", big.NewInt(1))
	contract = NewContract(testContract, &stubCaller{outputs: outputs})
	if err := contract.VerifyTimeframes(context.Background()); err == nil {
		t.Fatalf("expected mismatch to fail verification")
	}
}

func TestVerifyGiftStatus(t *testing.T) {
	var hash [32]byte
	caller := &stubCaller{outputs: map[string][]byte{
		selectorFor(t, "getGift"): packOutputs(t, "getGift",
			testCreator, big.NewInt(1), testContract, hash, uint8(gift.StatusClaimed)),
	}}
	contract := NewContract(testContract, caller)

	if err := contract.VerifyGiftStatus(context.Background(), big.NewInt(1), gift.StatusClaimed); err != nil {
		t.Fatalf("verify status: %v", err)
	}
	err := contract.VerifyGiftStatus(context.Background(), big.NewInt(1), gift.StatusReturned)
	if !errors.Is(err, ErrEffectNotObserved) {
		t.Fatalf("expected effect-not-observed, got %v", err)
	}
}

func TestMapRevert(t *testing.T) {
	cases := []struct {
		in   string
		want error
	}{
		{"execution reverted: Gift does not exist", ErrGiftNotFound},
		{"execution reverted: ERC721: invalid or nonexistent token", ErrGiftNotFound},
		{"execution reverted: Gift already claimed", ErrAlreadyClaimed},
		{"execution reverted: Gift already returned", ErrAlreadyReturned},
		{"execution reverted: Gift not yet expired", ErrNotYetExpired},
	}
	for _, tc := range cases {
		if got := MapRevert(errors.New(tc.in)); !errors.Is(got, tc.want) {
			t.Fatalf("MapRevert(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
	passthrough := errors.New("connection refused")
	if got := MapRevert(passthrough); got != passthrough {
		t.Fatalf("unknown errors must pass through, got %v", got)
	}
	if MapRevert(nil) != nil {
		t.Fatalf("nil must map to nil")
	}
}

func TestClaimPrecondition(t *testing.T) {
	base := &gift.Gift{TokenID: big.NewInt(1), Creator: testCreator, ExpirationTime: 1000, Status: gift.StatusActive}

	if err := ClaimPrecondition(base, 500); err != nil {
		t.Fatalf("active unexpired gift must be claimable: %v", err)
	}
	if err := ClaimPrecondition(base, 1000); !errors.Is(err, ErrGiftExpired) {
		t.Fatalf("expiry boundary must reject claim, got %v", err)
	}

	claimed := base.Clone()
	claimed.Status = gift.StatusClaimed
	if err := ClaimPrecondition(claimed, 500); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("claimed gift must reject claim, got %v", err)
	}
	returned := base.Clone()
	returned.Status = gift.StatusReturned
	if err := ClaimPrecondition(returned, 500); !errors.Is(err, ErrAlreadyReturned) {
		t.Fatalf("returned gift must reject claim, got %v", err)
	}
	if err := ClaimPrecondition(nil, 500); !errors.Is(err, ErrGiftNotFound) {
		t.Fatalf("nil gift must reject claim, got %v", err)
	}
}

func TestReturnPrecondition(t *testing.T) {
	base := &gift.Gift{TokenID: big.NewInt(1), Creator: testCreator, ExpirationTime: 1000, Status: gift.StatusActive}

	if err := ReturnPrecondition(base, 999); !errors.Is(err, ErrNotYetExpired) {
		t.Fatalf("unexpired gift must reject return, got %v", err)
	}
	if err := ReturnPrecondition(base, 1000); err != nil {
		t.Fatalf("expired active gift must be returnable: %v", err)
	}

	claimed := base.Clone()
	claimed.Status = gift.StatusClaimed
	if err := ReturnPrecondition(claimed, 2000); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("claimed gift must reject return, got %v", err)
	}
	returned := base.Clone()
	returned.Status = gift.StatusReturned
	if err := ReturnPrecondition(returned, 2000); !errors.Is(err, ErrAlreadyReturned) {
		t.Fatalf("returned gift must reject return, got %v", err)
	}
}

func transferLog(contract, from, to common.Address, tokenID int64) *gethtypes.Log {
	return &gethtypes.Log{
		Address: contract,
		Topics: []common.Hash{
			transferEventSignature,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
			common.BigToHash(big.NewInt(tokenID)),
		},
	}
}

func TestMintedTokenID(t *testing.T) {
	receipt := &gethtypes.Receipt{Logs: []*gethtypes.Log{
		// Transfer from another contract must be ignored.
		transferLog(testHolder, common.Address{}, testHolder, 7),
		// Non-mint transfer on the right contract must be ignored.
		transferLog(testContract, testCreator, testHolder, 8),
		transferLog(testContract, common.Address{}, testHolder, 42),
	}}
	tokenID, err := MintedTokenID(receipt, testContract, testHolder)
	if err != nil {
		t.Fatalf("extract token id: %v", err)
	}
	if tokenID.Int64() != 42 {
		t.Fatalf("token id = %s, want 42", tokenID)
	}

	empty := &gethtypes.Receipt{}
	if _, err := MintedTokenID(empty, testContract, testHolder); !errors.Is(err, ErrMintLogMissing) {
		t.Fatalf("expected missing log error, got %v", err)
	}
	if _, err := MintedTokenID(nil, testContract, testHolder); !errors.Is(err, ErrMintLogMissing) {
		t.Fatalf("expected missing log error for nil receipt, got %v", err)
	}
}

func TestTransferredTo(t *testing.T) {
	receipt := &gethtypes.Receipt{Logs: []*gethtypes.Log{
		transferLog(testContract, testContract, testHolder, 42),
	}}
	if !TransferredTo(receipt, testContract, testHolder, big.NewInt(42)) {
		t.Fatalf("expected transfer to be observed")
	}
	if TransferredTo(receipt, testContract, testHolder, big.NewInt(43)) {
		t.Fatalf("wrong token id must not match")
	}
	if TransferredTo(receipt, testContract, testCreator, big.NewInt(42)) {
		t.Fatalf("wrong recipient must not match")
	}
}
