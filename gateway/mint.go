package gateway

import (
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ElMartidel96/cryptogift-wallets-sub000/escrow"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/gift"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/guard"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/ledger"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/relay"
)

const maxGiftMessageRunes = 512

type mintRequest struct {
	MetadataURI    string `json:"metadataUri"`
	Password       string `json:"password"`
	Timeframe      string `json:"timeframeDays"`
	GiftMessage    string `json:"giftMessage"`
	CreatorAddress string `json:"creatorAddress"`
	Gasless        *bool  `json:"gasless"`
}

type mintResponse struct {
	Success               bool           `json:"success"`
	TokenID               string         `json:"tokenId"`
	TransactionHash       string         `json:"transactionHash"`
	EscrowTransactionHash string         `json:"escrowTransactionHash,omitempty"`
	GiftLink              string         `json:"giftLink,omitempty"`
	Salt                  string         `json:"salt,omitempty"`
	PasswordHash          string         `json:"passwordHash,omitempty"`
	ExpirationTime        int64          `json:"expirationTime,omitempty"`
	Nonce                 string         `json:"nonce,omitempty"`
	Gasless               bool           `json:"gasless"`
	RateLimit             *rateLimitInfo `json:"rateLimit,omitempty"`
}

// handleMint mints a new NFT. With a password the token is parked with the
// escrow holder and registered as a claimable gift; without one it goes
// straight to the creator.
func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	const operation = "mint"
	var req mintRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.fail(w, operation, err)
		return
	}
	timeframe, message, err := validateMintRequest(&req)
	if err != nil {
		s.fail(w, operation, err)
		return
	}
	creator, err := s.auth.Authorize(r, req.CreatorAddress)
	if err != nil {
		s.fail(w, operation, err)
		return
	}
	actor := strings.ToLower(creator.Hex())
	decision, err := s.checkRate(operation, actor)
	if err != nil {
		s.fail(w, operation, err)
		return
	}
	gasless := req.Gasless == nil || *req.Gasless
	if req.Password == "" {
		s.mintDirectToCreator(w, r, &req, creator, actor, decision, gasless)
		return
	}
	s.mintIntoEscrow(w, r, &req, creator, actor, decision, gasless, timeframe, message)
}

// validateMintRequest normalises the payload and returns the parsed
// timeframe and NFKC-normalised message for the escrow variant.
func validateMintRequest(req *mintRequest) (gift.Timeframe, string, error) {
	req.MetadataURI = strings.TrimSpace(req.MetadataURI)
	req.CreatorAddress = strings.TrimSpace(req.CreatorAddress)
	if req.MetadataURI == "" {
		return "", "", errValidation("metadataUri is required")
	}
	if len(req.MetadataURI) > 512 {
		return "", "", errValidation("metadataUri exceeds 512 characters")
	}
	if req.CreatorAddress == "" {
		return "", "", errValidation("creatorAddress is required")
	}
	if req.Password == "" {
		if strings.TrimSpace(req.Timeframe) != "" {
			return "", "", errValidation("timeframeDays requires a password; direct mints transfer immediately")
		}
		return "", "", nil
	}
	if err := gift.ValidatePassword(req.Password); err != nil {
		return "", "", errValidation("%s", err.Error())
	}
	timeframe, err := gift.ParseTimeframe(req.Timeframe)
	if err != nil {
		return "", "", errValidation("%s", err.Error())
	}
	message := gift.NormalizeMessage(req.GiftMessage)
	if len([]rune(message)) > maxGiftMessageRunes {
		return "", "", errValidation("giftMessage exceeds %d characters", maxGiftMessageRunes)
	}
	return timeframe, message, nil
}

func (s *Server) mintIntoEscrow(w http.ResponseWriter, r *http.Request, req *mintRequest, creator common.Address, actor string, decision guard.Decision, gasless bool, timeframe gift.Timeframe, message string) {
	const operation = "mint"
	fingerprint := guard.Fingerprint(actor, req.MetadataURI, string(timeframe), message)
	attempt, err := s.admit(operation, actor, guard.MintOperationKey(actor, req.MetadataURI), "escrow", fingerprint)
	if err != nil {
		s.fail(w, operation, err)
		return
	}

	salt, err := gift.GenerateSalt()
	if err != nil {
		s.settleFailure(attempt.Nonce, "salt generation failed")
		s.fail(w, operation, errInfrastructure("could not derive gift secret", err))
		return
	}
	passwordHash, err := gift.PasswordHash(req.Password, salt)
	if err != nil {
		s.settleFailure(attempt.Nonce, "password commitment failed")
		s.fail(w, operation, errValidation("%s", err.Error()))
		return
	}

	if err := s.attempts.Register(attempt); err != nil {
		s.fail(w, operation, err)
		return
	}

	mintData, err := escrow.PackMintTo(s.settings.EscrowHolder, req.MetadataURI)
	if err != nil {
		s.settleFailure(attempt.Nonce, "encode mint call")
		s.fail(w, operation, errInfrastructure("could not encode mint call", err))
		return
	}
	mintResult, err := s.execute(r.Context(), operation, relay.Call{To: s.contract.Address(), Data: mintData}, gasless)
	if err != nil {
		mapped := escrow.MapRevert(err)
		s.settleFailure(attempt.Nonce, mapped.Error())
		s.fail(w, operation, mapped)
		return
	}

	tokenID, err := escrow.MintedTokenID(mintResult.Receipt, s.contract.Address(), s.settings.EscrowHolder)
	if err != nil {
		tokenID, err = s.recoverTokenID(r, mintResult.TxHash.Hex(), err)
		if err != nil {
			s.settleSuccess(attempt.Nonce, mintResult.TxHash.Hex())
			s.fail(w, operation, err)
			return
		}
	}

	createData, err := escrow.PackCreateGift(tokenID, s.contract.Address(), passwordHash, timeframe.Seconds())
	if err != nil {
		s.settleFailure(attempt.Nonce, "encode createGift call")
		s.fail(w, operation, errInfrastructure("could not encode gift registration", err))
		return
	}
	escrowResult, err := s.execute(r.Context(), operation, relay.Call{To: s.contract.Address(), Data: createData}, gasless)
	if err != nil {
		mapped := escrow.MapRevert(err)
		s.log.Error("gateway.mint.escrow_register_fail",
			"token", tokenID.String(), "mintTx", mintResult.TxHash.Hex(), "err", mapped)
		s.settleFailure(attempt.Nonce, mapped.Error())
		s.fail(w, operation, mapped)
		return
	}

	expiration := s.resolveExpiration(r, tokenID, timeframe)

	if s.vault != nil {
		if err := s.vault.Store(tokenID.String(), salt); err != nil {
			// The caller still receives the salt; losing the vault copy
			// only disables the server-side lookup during claim.
			s.log.Warn("gateway.mint.salt_store_fail", "token", tokenID.String(), "err", err)
		}
	}

	row := &ledger.Gift{
		TokenID:           tokenID.String(),
		Creator:           actor,
		NFTContract:       strings.ToLower(s.contract.Address().Hex()),
		MetadataURI:       req.MetadataURI,
		GiftMessage:       message,
		Timeframe:         string(timeframe),
		ExpirationTime:    expiration,
		Status:            uint8(gift.StatusActive),
		PasswordProtected: true,
		MintTxHash:        mintResult.TxHash.Hex(),
		EscrowTxHash:      escrowResult.TxHash.Hex(),
		Gasless:           escrowResult.Gasless,
	}
	if err := s.store.InsertGift(row); err != nil {
		s.log.Warn("gateway.mint.ledger_insert_fail", "token", tokenID.String(), "err", err)
	}

	g := &gift.Gift{
		TokenID:        tokenID,
		Creator:        creator,
		NFTContract:    s.contract.Address(),
		ExpirationTime: expiration,
		PasswordHash:   passwordHash,
		Status:         gift.StatusActive,
	}
	s.events.Publish(gift.NewCreatedEvent(g, mintResult.TxHash.Hex(), escrowResult.TxHash.Hex(), escrowResult.Gasless))

	s.settleSuccess(attempt.Nonce, escrowResult.TxHash.Hex())
	s.observeCompleted(operation, escrowResult.Gasless)

	writeJSON(w, http.StatusOK, mintResponse{
		Success:               true,
		TokenID:               tokenID.String(),
		TransactionHash:       mintResult.TxHash.Hex(),
		EscrowTransactionHash: escrowResult.TxHash.Hex(),
		GiftLink:              gift.ClaimLink(s.settings.BaseURL, tokenID),
		Salt:                  salt,
		PasswordHash:          common.BytesToHash(passwordHash[:]).Hex(),
		ExpirationTime:        expiration,
		Nonce:                 attempt.Nonce,
		Gasless:               escrowResult.Gasless,
		RateLimit:             rateInfo(decision),
	})
}

func (s *Server) mintDirectToCreator(w http.ResponseWriter, r *http.Request, req *mintRequest, creator common.Address, actor string, decision guard.Decision, gasless bool) {
	const operation = "mint"
	fingerprint := guard.Fingerprint(actor, req.MetadataURI, "direct")
	attempt, err := s.admit(operation, actor, guard.MintOperationKey(actor, req.MetadataURI), "direct", fingerprint)
	if err != nil {
		s.fail(w, operation, err)
		return
	}
	if err := s.attempts.Register(attempt); err != nil {
		s.fail(w, operation, err)
		return
	}

	mintData, err := escrow.PackMintTo(creator, req.MetadataURI)
	if err != nil {
		s.settleFailure(attempt.Nonce, "encode mint call")
		s.fail(w, operation, errInfrastructure("could not encode mint call", err))
		return
	}
	result, err := s.execute(r.Context(), operation, relay.Call{To: s.contract.Address(), Data: mintData}, gasless)
	if err != nil {
		mapped := escrow.MapRevert(err)
		s.settleFailure(attempt.Nonce, mapped.Error())
		s.fail(w, operation, mapped)
		return
	}

	tokenID, err := escrow.MintedTokenID(result.Receipt, s.contract.Address(), creator)
	if err != nil {
		tokenID, err = s.recoverTokenID(r, result.TxHash.Hex(), err)
		if err != nil {
			s.settleSuccess(attempt.Nonce, result.TxHash.Hex())
			s.fail(w, operation, err)
			return
		}
	}

	// Direct mints are owned immediately, so the ledger records them in the
	// terminal claimed state and the expiry sweep never considers them.
	row := &ledger.Gift{
		TokenID:     tokenID.String(),
		Creator:     actor,
		NFTContract: strings.ToLower(s.contract.Address().Hex()),
		MetadataURI: req.MetadataURI,
		Status:      uint8(gift.StatusClaimed),
		Claimer:     actor,
		MintTxHash:  result.TxHash.Hex(),
		Gasless:     result.Gasless,
	}
	if err := s.store.InsertGift(row); err != nil {
		s.log.Warn("gateway.mint.ledger_insert_fail", "token", tokenID.String(), "err", err)
	}

	s.settleSuccess(attempt.Nonce, result.TxHash.Hex())
	s.observeCompleted(operation, result.Gasless)

	writeJSON(w, http.StatusOK, mintResponse{
		Success:         true,
		TokenID:         tokenID.String(),
		TransactionHash: result.TxHash.Hex(),
		Nonce:           attempt.Nonce,
		Gasless:         result.Gasless,
		RateLimit:       rateInfo(decision),
	})
}

// recoverTokenID falls back to totalSupply when the mint receipt carries no
// parseable Transfer log. Sequential IDs make the latest supply the best
// available estimate; concurrent mints can race it, so the miss is logged
// with the transaction for reconciliation.
func (s *Server) recoverTokenID(r *http.Request, txHash string, cause error) (*big.Int, error) {
	ctx, cancel := s.upstreamContext(r.Context())
	defer cancel()
	supply, err := s.contract.TotalSupply(ctx)
	if err != nil {
		return nil, errVerification(txHash, cause)
	}
	s.log.Warn("gateway.mint.token_id_fallback", "tx", txHash, "supply", supply.String(), "err", cause)
	return supply, nil
}

// resolveExpiration prefers the contract's recorded expiry over the local
// estimate; the chain clock decides when a gift lapses.
func (s *Server) resolveExpiration(r *http.Request, tokenID *big.Int, timeframe gift.Timeframe) int64 {
	ctx, cancel := s.upstreamContext(r.Context())
	defer cancel()
	g, err := s.contract.GetGift(ctx, tokenID)
	if err == nil {
		return g.ExpirationTime
	}
	s.log.Warn("gateway.mint.expiry_lookup_fail", "token", tokenID.String(), "err", err)
	return s.now().Unix() + timeframe.Seconds()
}

func (s *Server) observeCompleted(operation string, gasless bool) {
	path := "direct"
	if gasless {
		path = "sponsored"
	}
	s.metrics.ObserveOperation(operation, "completed", path)
}
