package gateway

import (
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ElMartidel96/cryptogift-wallets-sub000/crypto"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/escrow"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/gift"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/guard"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/observability/logging"
	"github.com/ElMartidel96/cryptogift-wallets-sub000/relay"
)

type claimRequest struct {
	TokenID          string `json:"tokenId"`
	Password         string `json:"password"`
	Salt             string `json:"salt"`
	RecipientAddress string `json:"recipientAddress"`
	ClaimerAddress   string `json:"claimerAddress"`
	Gasless          *bool  `json:"gasless"`
}

type claimGiftInfo struct {
	Creator        string `json:"creator"`
	ExpirationTime int64  `json:"expirationTime"`
}

type claimResponse struct {
	Success          bool           `json:"success"`
	TransactionHash  string         `json:"transactionHash"`
	RecipientAddress string         `json:"recipientAddress"`
	GiftInfo         *claimGiftInfo `json:"giftInfo,omitempty"`
	Nonce            string         `json:"nonce,omitempty"`
	Gasless          bool           `json:"gasless"`
	RateLimit        *rateLimitInfo `json:"rateLimit,omitempty"`
}

// handleClaim releases an escrowed gift to the claimer, or to a third-party
// recipient when one is named. The password is checked against the on-chain
// commitment before anything is submitted.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	const operation = "claim"
	var req claimRequest
	if err := s.decodeBody(r, &req); err != nil {
		s.fail(w, operation, err)
		return
	}
	tokenID, err := validateClaimRequest(&req)
	if err != nil {
		s.fail(w, operation, err)
		return
	}
	claimer, err := s.auth.Authorize(r, req.ClaimerAddress)
	if err != nil {
		s.fail(w, operation, err)
		return
	}
	actor := strings.ToLower(claimer.Hex())
	decision, err := s.checkRate(operation, actor)
	if err != nil {
		s.fail(w, operation, err)
		return
	}

	statusCtx, cancel := s.upstreamContext(r.Context())
	g, err := s.contract.GetGift(statusCtx, tokenID)
	cancel()
	if err != nil {
		s.fail(w, operation, err)
		return
	}
	if err := escrow.ClaimPrecondition(g, s.now().Unix()); err != nil {
		s.metrics.ObserveGuardRejection(operation, "lifecycle")
		s.fail(w, operation, err)
		return
	}

	salt, err := s.resolveSalt(tokenID, req.Salt)
	if err != nil {
		s.fail(w, operation, err)
		return
	}
	if !gift.VerifyPassword(req.Password, salt, g.PasswordHash) {
		s.metrics.ObserveGuardRejection(operation, "password_mismatch")
		s.fail(w, operation, escrow.ErrInvalidPassword)
		return
	}

	recipient := claimer
	variant := "self"
	if req.RecipientAddress != "" {
		parsed, err := crypto.ParseAddress(req.RecipientAddress)
		if err != nil {
			s.fail(w, operation, errValidation("invalid recipientAddress: %s", req.RecipientAddress))
			return
		}
		if parsed != claimer {
			recipient = parsed
			variant = "for"
		}
	}

	fingerprint := guard.Fingerprint(actor, tokenID.String(), variant, strings.ToLower(recipient.Hex()))
	attempt, err := s.admit(operation, actor, guard.ClaimOperationKey(tokenID.String()), variant, fingerprint)
	if err != nil {
		s.fail(w, operation, err)
		return
	}
	if err := s.attempts.Register(attempt); err != nil {
		s.fail(w, operation, err)
		return
	}

	preimage, err := gift.Preimage(req.Password, salt)
	if err != nil {
		s.settleFailure(attempt.Nonce, "preimage derivation failed")
		s.fail(w, operation, errInfrastructure("could not derive claim preimage", err))
		return
	}
	// The relay signs the transaction, so msg.sender is never the claimer;
	// the recipient always travels explicitly in the calldata.
	callData, err := escrow.PackClaimGiftFor(tokenID, preimage, recipient)
	if err != nil {
		s.settleFailure(attempt.Nonce, "encode claim call")
		s.fail(w, operation, errInfrastructure("could not encode claim call", err))
		return
	}

	gasless := req.Gasless == nil || *req.Gasless
	result, err := s.execute(r.Context(), operation, relay.Call{To: s.contract.Address(), Data: callData}, gasless)
	if err != nil {
		mapped := escrow.MapRevert(err)
		s.settleFailure(attempt.Nonce, mapped.Error())
		s.fail(w, operation, mapped)
		return
	}

	if err := s.verifyClaimed(r, result, recipient, tokenID); err != nil {
		// The transaction confirmed; only the read-back failed. The ledger
		// keeps its pre-claim view until reconciliation agrees with the
		// chain.
		s.settleSuccess(attempt.Nonce, result.TxHash.Hex())
		s.fail(w, operation, err)
		return
	}

	if err := s.store.MarkClaimed(tokenID.String(), actor, strings.ToLower(recipient.Hex()), result.TxHash.Hex(), result.Gasless); err != nil {
		s.log.Warn("gateway.claim.ledger_update_fail", "token", tokenID.String(), "err", err)
	}
	s.events.Publish(gift.NewClaimedEvent(g, recipient, result.TxHash.Hex(), result.Gasless))

	s.settleSuccess(attempt.Nonce, result.TxHash.Hex())
	s.observeCompleted(operation, result.Gasless)

	writeJSON(w, http.StatusOK, claimResponse{
		Success:          true,
		TransactionHash:  result.TxHash.Hex(),
		RecipientAddress: recipient.Hex(),
		GiftInfo: &claimGiftInfo{
			Creator:        g.Creator.Hex(),
			ExpirationTime: g.ExpirationTime,
		},
		Nonce:     attempt.Nonce,
		Gasless:   result.Gasless,
		RateLimit: rateInfo(decision),
	})
}

func validateClaimRequest(req *claimRequest) (*big.Int, error) {
	req.TokenID = strings.TrimSpace(req.TokenID)
	req.ClaimerAddress = strings.TrimSpace(req.ClaimerAddress)
	req.RecipientAddress = strings.TrimSpace(req.RecipientAddress)
	req.Salt = strings.TrimSpace(req.Salt)
	if req.TokenID == "" {
		return nil, errValidation("tokenId is required")
	}
	tokenID, ok := new(big.Int).SetString(req.TokenID, 10)
	if !ok || tokenID.Sign() <= 0 {
		return nil, errValidation("tokenId must be a positive decimal integer")
	}
	if req.Password == "" {
		return nil, errValidation("password is required")
	}
	if req.ClaimerAddress == "" {
		return nil, errValidation("claimerAddress is required")
	}
	return tokenID, nil
}

// resolveSalt prefers the vault copy and falls back to a caller-supplied
// salt when the vault entry has lapsed or was lost.
func (s *Server) resolveSalt(tokenID *big.Int, bodySalt string) (string, error) {
	if s.vault != nil {
		salt, ok, err := s.vault.Fetch(tokenID.String())
		if err != nil {
			s.log.Warn("gateway.claim.salt_fetch_fail", "token", tokenID.String(), "err", err)
		} else if ok {
			return salt, nil
		}
	}
	if bodySalt == "" {
		return "", errInfrastructure("gift salt unavailable; supply the salt returned at creation in the request", nil)
	}
	normalized, err := gift.NormalizeSalt(bodySalt)
	if err != nil {
		return "", errValidation("%s", err.Error())
	}
	s.log.Info("gateway.claim.salt_from_body", "token", tokenID.String(), logging.MaskField("salt", normalized))
	return normalized, nil
}

// verifyClaimed confirms the gift actually changed hands: the receipt's
// Transfer log is checked first, then the contract state is read back.
func (s *Server) verifyClaimed(r *http.Request, result *relay.Result, recipient common.Address, tokenID *big.Int) error {
	if escrow.TransferredTo(result.Receipt, s.contract.Address(), recipient, tokenID) {
		return nil
	}
	ctx, cancel := s.upstreamContext(r.Context())
	defer cancel()
	if err := s.contract.VerifyGiftStatus(ctx, tokenID, gift.StatusClaimed); err != nil {
		return errVerification(result.TxHash.Hex(), err)
	}
	return nil
}
