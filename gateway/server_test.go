package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/ElMartidel96/cryptogift-wallets-sub000/escrow"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/gift"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/guard"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/ledger"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/relay"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/storage"
)

// fakeChainABI mirrors the escrow contract surface so the fake can decode the
// calldata handlers produce and answer reads with properly packed outputs.
const fakeChainABI = `[
  {"type":"function","name":"mintTo","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"uri","type":"string"}],"outputs":[{"name":"tokenId","type":"uint256"}]},
  {"type":"function","name":"createGift","stateMutability":"nonpayable","inputs":[{"name":"tokenId","type":"uint256"},{"name":"nftContract","type":"address"},{"name":"passwordHash","type":"bytes32"},{"name":"timeframe","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"claimGift","stateMutability":"nonpayable","inputs":[{"name":"tokenId","type":"uint256"},{"name":"password","type":"string"}],"outputs":[]},
  {"type":"function","name":"claimGiftFor","stateMutability":"nonpayable","inputs":[{"name":"tokenId","type":"uint256"},{"name":"password","type":"string"},{"name":"recipient","type":"address"}],"outputs":[]},
  {"type":"function","name":"returnExpiredGift","stateMutability":"nonpayable","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"getGift","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"creator","type":"address"},{"name":"expirationTime","type":"uint96"},{"name":"nftContract","type":"address"},{"name":"passwordHash","type":"bytes32"},{"name":"status","type":"uint8"}]},
  {"type":"function","name":"canClaimGift","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"claimable","type":"bool"}]},
  {"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"supply","type":"uint256"}]}
]`

var (
	testContractAddr = common.HexToAddress("0x000000000000000000000000000000000000c0de")
	testHolderAddr   = common.HexToAddress("0x0000000000000000000000000000000000002222")
	creatorWallet    = common.HexToAddress("0x0000000000000000000000000000000000001111")
	claimerWallet    = common.HexToAddress("0x0000000000000000000000000000000000003333")
	friendWallet     = common.HexToAddress("0x0000000000000000000000000000000000004444")

	testTransferTopic = gethcrypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

	testJWTSecret = []byte("gateway-test-signing-secret-0001")
)

const (
	testIssuer     = "cryptogift-wallets"
	testAudience   = "gift-gateway"
	testCronSecret = "cron-secret-for-tests"
	testBaseURL    = "https://gift.example"
)

// testClock is a movable clock shared by the server, the guard, and the fake
// chain so expiry can be driven deterministically.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Unix(1_700_000_000, 0).UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type chainGift struct {
	creator     common.Address
	nftContract common.Address
	expiration  int64
	hash        [32]byte
	status      gift.Status
}

// fakeChain is a stateful stand-in for the escrow contract. It answers reads
// through the Caller interface and applies writes submitted through the Relay
// interface, so a mint followed by a claim observes consistent state.
type fakeChain struct {
	abi   abi.ABI
	clock *testClock

	mu     sync.Mutex
	gifts  map[string]*chainGift
	owners map[string]common.Address
	supply int64
	txSeq  int64

	sponsoredDown  bool
	sponsoredCalls int
	directCalls    int
}

func newFakeChain(t *testing.T, clock *testClock) *fakeChain {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(fakeChainABI))
	if err != nil {
		t.Fatalf("parse fake chain ABI: %v", err)
	}
	return &fakeChain{
		abi:    parsed,
		clock:  clock,
		gifts:  make(map[string]*chainGift),
		owners: make(map[string]common.Address),
	}
}

func (f *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(msg.Data) < 4 {
		return nil, errors.New("calldata too short")
	}
	method, err := f.abi.MethodById(msg.Data[:4])
	if err != nil {
		return nil, fmt.Errorf("unknown selector: %v", err)
	}
	args, err := method.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %v", method.Name, err)
	}
	switch method.Name {
	case "getGift":
		tokenID := args[0].(*big.Int)
		g, ok := f.gifts[tokenID.String()]
		if !ok {
			// Zero creator signals an unknown token to the reader.
			return method.Outputs.Pack(common.Address{}, big.NewInt(0), common.Address{}, [32]byte{}, uint8(0))
		}
		return method.Outputs.Pack(g.creator, big.NewInt(g.expiration), g.nftContract, g.hash, uint8(g.status))
	case "canClaimGift":
		tokenID := args[0].(*big.Int)
		g, ok := f.gifts[tokenID.String()]
		claimable := ok && g.status == gift.StatusActive && f.clock.Now().Unix() < g.expiration
		return method.Outputs.Pack(claimable)
	case "totalSupply":
		return method.Outputs.Pack(big.NewInt(f.supply))
	default:
		return nil, fmt.Errorf("unexpected read %s", method.Name)
	}
}

func (f *fakeChain) Execute(_ context.Context, call relay.Call) (*relay.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sponsoredCalls++
	if f.sponsoredDown {
		f.directCalls++
		return f.apply(call, false)
	}
	return f.apply(call, true)
}

func (f *fakeChain) ExecuteDirect(_ context.Context, call relay.Call) (*relay.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.directCalls++
	return f.apply(call, false)
}

func (f *fakeChain) apply(call relay.Call, gasless bool) (*relay.Result, error) {
	method, err := f.abi.MethodById(call.Data[:4])
	if err != nil {
		return nil, fmt.Errorf("unknown selector: %v", err)
	}
	args, err := method.Inputs.Unpack(call.Data[4:])
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %v", method.Name, err)
	}
	f.txSeq++
	txHash := common.BigToHash(big.NewInt(f.txSeq))
	var logs []*gethtypes.Log
	switch method.Name {
	case "mintTo":
		to := args[0].(common.Address)
		f.supply++
		token := big.NewInt(f.supply)
		f.owners[token.String()] = to
		logs = append(logs, f.transferLog(common.Address{}, to, token))
	case "createGift":
		tokenID := args[0].(*big.Int)
		nftContract := args[1].(common.Address)
		hash := args[2].([32]byte)
		timeframe := args[3].(*big.Int)
		key := tokenID.String()
		if _, minted := f.owners[key]; !minted {
			return nil, errors.New("execution reverted: ERC721: invalid token ID")
		}
		f.gifts[key] = &chainGift{
			creator:     creatorWallet,
			nftContract: nftContract,
			expiration:  f.clock.Now().Unix() + timeframe.Int64(),
			hash:        hash,
			status:      gift.StatusActive,
		}
	case "claimGiftFor":
		tokenID := args[0].(*big.Int)
		preimage := args[1].(string)
		recipient := args[2].(common.Address)
		g, ok := f.gifts[tokenID.String()]
		switch {
		case !ok:
			return nil, errors.New("execution reverted: Gift does not exist")
		case g.status == gift.StatusClaimed:
			return nil, errors.New("execution reverted: Gift already claimed")
		case g.status == gift.StatusReturned:
			return nil, errors.New("execution reverted: Gift already returned")
		case f.clock.Now().Unix() >= g.expiration:
			return nil, errors.New("execution reverted: Gift has expired")
		case gethcrypto.Keccak256Hash([]byte(preimage)) != common.Hash(g.hash):
			return nil, errors.New("execution reverted: Invalid password")
		}
		g.status = gift.StatusClaimed
		f.owners[tokenID.String()] = recipient
		logs = append(logs, f.transferLog(testHolderAddr, recipient, tokenID))
	case "returnExpiredGift":
		tokenID := args[0].(*big.Int)
		g, ok := f.gifts[tokenID.String()]
		switch {
		case !ok:
			return nil, errors.New("execution reverted: Gift does not exist")
		case g.status == gift.StatusClaimed:
			return nil, errors.New("execution reverted: Gift already claimed")
		case g.status == gift.StatusReturned:
			return nil, errors.New("execution reverted: Gift already returned")
		case f.clock.Now().Unix() < g.expiration:
			return nil, errors.New("execution reverted: Gift not yet expired")
		}
		g.status = gift.StatusReturned
		f.owners[tokenID.String()] = g.creator
		logs = append(logs, f.transferLog(testHolderAddr, g.creator, tokenID))
	default:
		return nil, fmt.Errorf("unexpected write %s", method.Name)
	}
	receipt := &gethtypes.Receipt{
		Status: gethtypes.ReceiptStatusSuccessful,
		TxHash: txHash,
		Logs:   logs,
	}
	return &relay.Result{TxHash: txHash, Gasless: gasless, Receipt: receipt}, nil
}

func (f *fakeChain) transferLog(from, to common.Address, tokenID *big.Int) *gethtypes.Log {
	return &gethtypes.Log{
		Address: testContractAddr,
		Topics: []common.Hash{
			testTransferTopic,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
			common.BigToHash(tokenID),
		},
	}
}

func (f *fakeChain) giftStatus(tokenID string) (gift.Status, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.gifts[tokenID]
	if !ok {
		return 0, false
	}
	return g.status, true
}

func (f *fakeChain) ownerOf(tokenID string) common.Address {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.owners[tokenID]
}

func (f *fakeChain) callCounts() (sponsored, direct int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sponsoredCalls, f.directCalls
}

type testEnv struct {
	clock    *testClock
	chain    *fakeChain
	registry *guard.Registry
	vault    *storage.SaltVault
	store    *ledger.Store
	bus      *EventBus
	server   *Server
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	clock := newTestClock()
	chain := newFakeChain(t, clock)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	kv := storage.NewMemory()
	db, err := ledger.Open(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	store := ledger.NewStore(db)

	registry := guard.NewRegistry(kv, guard.WithRegistryClock(clock.Now))
	limiter := guard.NewRateLimiter(kv, 5, time.Minute, guard.WithRateClock(clock.Now))
	vault := storage.NewSaltVault(kv, 90*24*time.Hour)
	bus := NewEventBus(store, nil, logger)
	contract := escrow.NewContract(testContractAddr, chain)

	returner := NewReturner(ReturnerConfig{
		Contract:  contract,
		Relay:     chain,
		Attempts:  registry,
		Store:     store,
		Events:    bus,
		Log:       logger,
		BatchSize: 10,
		RPCRate:   1000,
		Now:       clock.Now,
	})

	cfg := Config{
		Settings: Settings{
			BaseURL:             testBaseURL,
			EscrowHolder:        testHolderAddr,
			PublicRatePerMinute: 60000,
			PublicBurst:         1000,
		},
		Log:        logger,
		Contract:   contract,
		Relay:      chain,
		Attempts:   registry,
		Limiter:    limiter,
		Vault:      vault,
		Store:      store,
		Events:     bus,
		Auth:       NewWalletAuth(testJWTSecret, testIssuer, testAudience),
		CronSecret: testCronSecret,
		Returner:   returner,
		Now:        clock.Now,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &testEnv{
		clock:    clock,
		chain:    chain,
		registry: registry,
		vault:    cfg.Vault,
		store:    store,
		bus:      bus,
		server:   srv,
	}
}

func bearerFor(t *testing.T, wallet common.Address) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   wallet.Hex(),
		Issuer:    testIssuer,
		Audience:  jwt.ClaimStrings{testAudience},
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testJWTSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func (env *testEnv) request(t *testing.T, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

type errorEnvelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type mintResult struct {
	Success               bool   `json:"success"`
	TokenID               string `json:"tokenId"`
	TransactionHash       string `json:"transactionHash"`
	EscrowTransactionHash string `json:"escrowTransactionHash"`
	GiftLink              string `json:"giftLink"`
	Salt                  string `json:"salt"`
	PasswordHash          string `json:"passwordHash"`
	ExpirationTime        int64  `json:"expirationTime"`
	Nonce                 string `json:"nonce"`
	Gasless               bool   `json:"gasless"`
}

type claimResult struct {
	Success          bool   `json:"success"`
	TransactionHash  string `json:"transactionHash"`
	RecipientAddress string `json:"recipientAddress"`
	GiftInfo         *struct {
		Creator        string `json:"creator"`
		ExpirationTime int64  `json:"expirationTime"`
	} `json:"giftInfo"`
	Nonce   string `json:"nonce"`
	Gasless bool   `json:"gasless"`
}

func mintBody(password, timeframe string) map[string]interface{} {
	body := map[string]interface{}{
		"metadataUri":    "ipfs://QmGatewayTest/1",
		"creatorAddress": creatorWallet.Hex(),
	}
	if password != "" {
		body["password"] = password
		body["timeframeDays"] = timeframe
	}
	return body
}

func (env *testEnv) mintGift(t *testing.T, password, timeframe string) mintResult {
	t.Helper()
	rec := env.request(t, http.MethodPost, "/mint-escrow", bearerFor(t, creatorWallet), mintBody(password, timeframe))
	if rec.Code != http.StatusOK {
		t.Fatalf("mint returned %d: %s", rec.Code, rec.Body.String())
	}
	var out mintResult
	decodeInto(t, rec, &out)
	return out
}

func TestMintAndClaimLifecycle(t *testing.T) {
	env := newTestEnv(t)
	const password = "sunny-day-42"

	minted := env.mintGift(t, password, "SEVEN_DAYS")
	require.True(t, minted.Success)
	require.Equal(t, "1", minted.TokenID)
	require.NotEmpty(t, minted.TransactionHash)
	require.NotEmpty(t, minted.EscrowTransactionHash)
	require.NotEqual(t, minted.TransactionHash, minted.EscrowTransactionHash)
	require.Equal(t, testBaseURL+"/claim/1", minted.GiftLink)
	require.Len(t, minted.Salt, 66)
	require.True(t, strings.HasPrefix(minted.Salt, "0x"))
	require.Len(t, minted.PasswordHash, 66)
	require.Equal(t, env.clock.Now().Unix()+7*24*3600, minted.ExpirationTime)
	require.True(t, minted.Gasless)

	// The NFT sits with the escrow holder until claimed.
	require.Equal(t, testHolderAddr, env.chain.ownerOf("1"))
	status, ok := env.chain.giftStatus("1")
	require.True(t, ok)
	require.Equal(t, gift.StatusActive, status)

	salt, found, err := env.vault.Fetch("1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, minted.Salt, salt)

	row, err := env.store.GetGift("1")
	require.NoError(t, err)
	require.Equal(t, uint8(gift.StatusActive), row.Status)
	require.True(t, row.PasswordProtected)
	require.Equal(t, strings.ToLower(creatorWallet.Hex()), row.Creator)

	events, err := env.store.EventsAfter(0, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, gift.EventTypeGiftCreated, events[0].Type)
	require.Equal(t, "1", events[0].TokenID)

	var info struct {
		Success bool `json:"success"`
		Gift    struct {
			TokenID   string `json:"tokenId"`
			Status    string `json:"status"`
			CanClaim  bool   `json:"canClaim"`
			IsExpired bool   `json:"isExpired"`
			GiftLink  string `json:"giftLink"`
		} `json:"gift"`
	}
	rec := env.request(t, http.MethodGet, "/gift-info?tokenId=1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeInto(t, rec, &info)
	require.True(t, info.Success)
	require.Equal(t, "active", info.Gift.Status)
	require.True(t, info.Gift.CanClaim)
	require.False(t, info.Gift.IsExpired)
	require.Equal(t, minted.GiftLink, info.Gift.GiftLink)

	// Claim without a salt in the body; the vault supplies it.
	rec = env.request(t, http.MethodPost, "/claim-escrow", bearerFor(t, claimerWallet), map[string]interface{}{
		"tokenId":        "1",
		"password":       password,
		"claimerAddress": claimerWallet.Hex(),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var claimed claimResult
	decodeInto(t, rec, &claimed)
	require.True(t, claimed.Success)
	require.Equal(t, claimerWallet.Hex(), claimed.RecipientAddress)
	require.NotEmpty(t, claimed.TransactionHash)
	require.True(t, claimed.Gasless)
	require.NotNil(t, claimed.GiftInfo)
	require.Equal(t, creatorWallet.Hex(), claimed.GiftInfo.Creator)

	require.Equal(t, claimerWallet, env.chain.ownerOf("1"))
	status, _ = env.chain.giftStatus("1")
	require.Equal(t, gift.StatusClaimed, status)

	row, err = env.store.GetGift("1")
	require.NoError(t, err)
	require.Equal(t, uint8(gift.StatusClaimed), row.Status)
	require.Equal(t, strings.ToLower(claimerWallet.Hex()), row.Claimer)

	events, err = env.store.EventsAfter(0, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, gift.EventTypeGiftClaimed, events[1].Type)

	// A second claim is rejected before it reaches the chain.
	rec = env.request(t, http.MethodPost, "/claim-escrow", bearerFor(t, friendWallet), map[string]interface{}{
		"tokenId":        "1",
		"password":       password,
		"claimerAddress": friendWallet.Hex(),
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var envlp errorEnvelope
	decodeInto(t, rec, &envlp)
	require.False(t, envlp.Success)
	require.Contains(t, envlp.Error, "already claimed")
}

func TestClaimForDifferentRecipient(t *testing.T) {
	env := newTestEnv(t)
	const password = "gift-for-a-friend"
	minted := env.mintGift(t, password, "FIFTEEN_DAYS")

	rec := env.request(t, http.MethodPost, "/claim-escrow", bearerFor(t, claimerWallet), map[string]interface{}{
		"tokenId":          minted.TokenID,
		"password":         password,
		"recipientAddress": friendWallet.Hex(),
		"claimerAddress":   claimerWallet.Hex(),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var claimed claimResult
	decodeInto(t, rec, &claimed)
	require.Equal(t, friendWallet.Hex(), claimed.RecipientAddress)
	require.Equal(t, friendWallet, env.chain.ownerOf(minted.TokenID))
}

func TestMintDirectWithoutPassword(t *testing.T) {
	env := newTestEnv(t)

	minted := env.mintGift(t, "", "")
	require.Equal(t, "1", minted.TokenID)
	require.Empty(t, minted.Salt)
	require.Empty(t, minted.EscrowTransactionHash)
	require.Empty(t, minted.GiftLink)

	// The NFT goes straight to the creator and no escrow entry exists.
	require.Equal(t, creatorWallet, env.chain.ownerOf("1"))
	_, ok := env.chain.giftStatus("1")
	require.False(t, ok)

	row, err := env.store.GetGift("1")
	require.NoError(t, err)
	require.Equal(t, uint8(gift.StatusClaimed), row.Status)
	require.False(t, row.PasswordProtected)

	events, err := env.store.EventsAfter(0, 10)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestMintValidation(t *testing.T) {
	env := newTestEnv(t)
	bearer := bearerFor(t, creatorWallet)

	cases := []struct {
		name string
		body map[string]interface{}
		want string
	}{
		{
			name: "missing metadata",
			body: map[string]interface{}{"creatorAddress": creatorWallet.Hex()},
			want: "metadataUri",
		},
		{
			name: "missing creator",
			body: map[string]interface{}{"metadataUri": "ipfs://QmX"},
			want: "creatorAddress",
		},
		{
			name: "short password",
			body: map[string]interface{}{
				"metadataUri":    "ipfs://QmX",
				"creatorAddress": creatorWallet.Hex(),
				"password":       "abc",
				"timeframeDays":  "SEVEN_DAYS",
			},
			want: "password",
		},
		{
			name: "unknown timeframe",
			body: map[string]interface{}{
				"metadataUri":    "ipfs://QmX",
				"creatorAddress": creatorWallet.Hex(),
				"password":       "long-enough-pass",
				"timeframeDays":  "NINETY_DAYS",
			},
			want: "timeframe",
		},
		{
			name: "timeframe without password",
			body: map[string]interface{}{
				"metadataUri":    "ipfs://QmX",
				"creatorAddress": creatorWallet.Hex(),
				"timeframeDays":  "SEVEN_DAYS",
			},
			want: "password",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.request(t, http.MethodPost, "/mint-escrow", bearer, tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			var envlp errorEnvelope
			decodeInto(t, rec, &envlp)
			require.Contains(t, envlp.Error, tc.want)
		})
	}
}

func TestAuthRejections(t *testing.T) {
	env := newTestEnv(t)
	body := mintBody("a-valid-password", "SEVEN_DAYS")

	rec := env.request(t, http.MethodPost, "/mint-escrow", "", body)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Token subject and creatorAddress disagree.
	rec = env.request(t, http.MethodPost, "/mint-escrow", bearerFor(t, claimerWallet), body)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.request(t, http.MethodGet, "/mint-escrow", bearerFor(t, creatorWallet), nil)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestGiftInfoErrors(t *testing.T) {
	env := newTestEnv(t)

	rec := env.request(t, http.MethodGet, "/gift-info", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.request(t, http.MethodGet, "/gift-info?tokenId=notanumber", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.request(t, http.MethodGet, "/gift-info?tokenId=99", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	var envlp errorEnvelope
	decodeInto(t, rec, &envlp)
	require.Contains(t, envlp.Error, "not found")
}

func TestDuplicateMintRejected(t *testing.T) {
	env := newTestEnv(t)
	actor := strings.ToLower(creatorWallet.Hex())
	body := mintBody("a-valid-password", "SEVEN_DAYS")
	uri := body["metadataUri"].(string)

	// Reserve the same operation as a pending attempt before the request.
	_, err := env.registry.Validate(actor, guard.MintOperationKey(actor, uri), "escrow", guard.Fingerprint(actor, uri))
	require.NoError(t, err)

	rec := env.request(t, http.MethodPost, "/mint-escrow", bearerFor(t, creatorWallet), body)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	var envlp errorEnvelope
	decodeInto(t, rec, &envlp)
	require.Contains(t, envlp.Error, "already in flight")
}

func TestMintRateLimited(t *testing.T) {
	env := newTestEnv(t)
	bearer := bearerFor(t, creatorWallet)

	for i := 0; i < 5; i++ {
		body := mintBody("a-valid-password", "SEVEN_DAYS")
		body["metadataUri"] = fmt.Sprintf("ipfs://QmGatewayTest/%d", i)
		rec := env.request(t, http.MethodPost, "/mint-escrow", bearer, body)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	body := mintBody("a-valid-password", "SEVEN_DAYS")
	body["metadataUri"] = "ipfs://QmGatewayTest/overflow"
	rec := env.request(t, http.MethodPost, "/mint-escrow", bearer, body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	// The window rolls over and the actor can mint again.
	env.clock.Advance(61 * time.Second)
	rec = env.request(t, http.MethodPost, "/mint-escrow", bearer, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestClaimWrongPassword(t *testing.T) {
	env := newTestEnv(t)
	minted := env.mintGift(t, "the-real-password", "SEVEN_DAYS")

	rec := env.request(t, http.MethodPost, "/claim-escrow", bearerFor(t, claimerWallet), map[string]interface{}{
		"tokenId":        minted.TokenID,
		"password":       "not-the-password",
		"claimerAddress": claimerWallet.Hex(),
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var envlp errorEnvelope
	decodeInto(t, rec, &envlp)
	require.Contains(t, envlp.Error, "password")

	// Nothing moved on chain.
	require.Equal(t, testHolderAddr, env.chain.ownerOf(minted.TokenID))
}

func TestClaimExpiredGift(t *testing.T) {
	env := newTestEnv(t)
	const password = "fifteen-minute-gift"
	minted := env.mintGift(t, password, "FIFTEEN_MINUTES")

	env.clock.Advance(16 * time.Minute)

	rec := env.request(t, http.MethodPost, "/claim-escrow", bearerFor(t, claimerWallet), map[string]interface{}{
		"tokenId":        minted.TokenID,
		"password":       password,
		"claimerAddress": claimerWallet.Hex(),
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var envlp errorEnvelope
	decodeInto(t, rec, &envlp)
	require.Contains(t, envlp.Error, "expired")
}

func TestGaslessOptOut(t *testing.T) {
	env := newTestEnv(t)
	body := mintBody("a-valid-password", "SEVEN_DAYS")
	body["gasless"] = false

	rec := env.request(t, http.MethodPost, "/mint-escrow", bearerFor(t, creatorWallet), body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var minted mintResult
	decodeInto(t, rec, &minted)
	require.False(t, minted.Gasless)

	sponsored, direct := env.chain.callCounts()
	require.Zero(t, sponsored)
	require.Equal(t, 2, direct)
}

func TestSponsoredFallback(t *testing.T) {
	env := newTestEnv(t)
	env.chain.sponsoredDown = true

	minted := env.mintGift(t, "a-valid-password", "SEVEN_DAYS")
	require.False(t, minted.Gasless)

	sponsored, _ := env.chain.callCounts()
	require.Equal(t, 2, sponsored)
}

func TestClaimUsesSaltFromBody(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.Vault = nil })
	const password = "body-salt-password"
	minted := env.mintGift(t, password, "SEVEN_DAYS")
	require.NotEmpty(t, minted.Salt)

	// Without the salt the server cannot rebuild the preimage.
	rec := env.request(t, http.MethodPost, "/claim-escrow", bearerFor(t, claimerWallet), map[string]interface{}{
		"tokenId":        minted.TokenID,
		"password":       password,
		"claimerAddress": claimerWallet.Hex(),
	})
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = env.request(t, http.MethodPost, "/claim-escrow", bearerFor(t, claimerWallet), map[string]interface{}{
		"tokenId":        minted.TokenID,
		"password":       password,
		"salt":           minted.Salt,
		"claimerAddress": claimerWallet.Hex(),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestAutoReturnSweep(t *testing.T) {
	env := newTestEnv(t)
	minted := env.mintGift(t, "gift-that-expires", "FIFTEEN_MINUTES")
	env.clock.Advance(16 * time.Minute)

	// Wrong credential first.
	req := httptest.NewRequest(http.MethodPost, "/cron/auto-return", nil)
	req.Header.Set("X-Cron-Secret", "wrong")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/cron/auto-return", nil)
	req.Header.Set("X-Cron-Secret", testCronSecret)
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var sweep struct {
		Success   bool `json:"success"`
		Processed int  `json:"processed"`
		Returned  int  `json:"returned"`
		Errors    int  `json:"errors"`
		Results   []struct {
			TokenID string `json:"tokenId"`
			Status  string `json:"status"`
			TxHash  string `json:"transactionHash"`
		} `json:"results"`
	}
	decodeInto(t, rec, &sweep)
	require.True(t, sweep.Success)
	require.Equal(t, 1, sweep.Processed)
	require.Equal(t, 1, sweep.Returned)
	require.Zero(t, sweep.Errors)
	require.Len(t, sweep.Results, 1)
	require.Equal(t, minted.TokenID, sweep.Results[0].TokenID)
	require.Equal(t, "returned", sweep.Results[0].Status)
	require.NotEmpty(t, sweep.Results[0].TxHash)

	// The NFT went back to its creator.
	require.Equal(t, creatorWallet, env.chain.ownerOf(minted.TokenID))
	status, _ := env.chain.giftStatus(minted.TokenID)
	require.Equal(t, gift.StatusReturned, status)

	row, err := env.store.GetGift(minted.TokenID)
	require.NoError(t, err)
	require.Equal(t, uint8(gift.StatusReturned), row.Status)

	// A second sweep finds nothing left to do.
	req = httptest.NewRequest(http.MethodPost, "/cron/auto-return", nil)
	req.Header.Set("X-Cron-Secret", testCronSecret)
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeInto(t, rec, &sweep)
	require.Zero(t, sweep.Processed)

	// gift-info reflects the terminal state.
	var info struct {
		Gift struct {
			Status    string `json:"status"`
			CanClaim  bool   `json:"canClaim"`
			IsExpired bool   `json:"isExpired"`
		} `json:"gift"`
	}
	rec2 := env.request(t, http.MethodGet, "/gift-info?tokenId="+minted.TokenID, "", nil)
	require.Equal(t, http.StatusOK, rec2.Code)
	decodeInto(t, rec2, &info)
	require.Equal(t, "returned", info.Gift.Status)
	require.False(t, info.Gift.CanClaim)
	require.True(t, info.Gift.IsExpired)
}

func TestAutoReturnSweepMixedOutcomes(t *testing.T) {
	env := newTestEnv(t)
	expiring := env.mintGift(t, "left-to-expire", "FIFTEEN_MINUTES")
	drifted := env.mintGift(t, "claimed-behind-our-back", "FIFTEEN_MINUTES")

	// Claim the second gift straight on the contract so its ledger row goes
	// stale. The sweep must notice the drift and skip it, not resubmit.
	preimage, err := gift.Preimage("claimed-behind-our-back", drifted.Salt)
	require.NoError(t, err)
	tokenID, ok := new(big.Int).SetString(drifted.TokenID, 10)
	require.True(t, ok)
	data, err := escrow.PackClaimGiftFor(tokenID, preimage, claimerWallet)
	require.NoError(t, err)
	_, err = env.chain.ExecuteDirect(context.Background(), relay.Call{To: testContractAddr, Data: data})
	require.NoError(t, err)

	// A corrupt ledger row must surface as a per-item error, never abort the
	// sweep.
	require.NoError(t, env.store.InsertGift(&ledger.Gift{
		TokenID:           "not-a-token",
		Creator:           creatorWallet.Hex(),
		Status:            uint8(gift.StatusActive),
		PasswordProtected: true,
		ExpirationTime:    env.clock.Now().Unix() + 60,
	}))

	env.clock.Advance(16 * time.Minute)

	req := httptest.NewRequest(http.MethodPost, "/cron/auto-return", nil)
	req.Header.Set("X-Cron-Secret", testCronSecret)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var sweep struct {
		Processed int `json:"processed"`
		Returned  int `json:"returned"`
		Errors    int `json:"errors"`
		Results   []struct {
			TokenID string `json:"tokenId"`
			Status  string `json:"status"`
			Err     string `json:"error"`
		} `json:"results"`
	}
	decodeInto(t, rec, &sweep)
	require.Equal(t, 3, sweep.Processed)
	require.Equal(t, 1, sweep.Returned)
	require.Equal(t, 1, sweep.Errors)

	statuses := make(map[string]string, len(sweep.Results))
	reasons := make(map[string]string, len(sweep.Results))
	for _, res := range sweep.Results {
		statuses[res.TokenID] = res.Status
		reasons[res.TokenID] = res.Err
	}
	require.Equal(t, "returned", statuses[expiring.TokenID])
	require.Equal(t, "skipped", statuses[drifted.TokenID])
	require.Contains(t, reasons[drifted.TokenID], "already claimed")
	require.Equal(t, "error", statuses["not-a-token"])
	require.NotEmpty(t, reasons["not-a-token"])

	// Only the genuinely expired gift moved. The drifted ledger row stays
	// active for the reconciler to report.
	require.Equal(t, creatorWallet, env.chain.ownerOf(expiring.TokenID))
	row, err := env.store.GetGift(drifted.TokenID)
	require.NoError(t, err)
	require.Equal(t, uint8(gift.StatusActive), row.Status)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rec := env.request(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", strings.TrimSpace(rec.Body.String()))
}
