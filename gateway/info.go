package gateway

import (
	"math/big"
	"net/http"
	"strings"

	"github.com/ElMartidel96/cryptogift-wallets-sub000/gift"
)

type giftInfoView struct {
	TokenID        string `json:"tokenId"`
	Creator        string `json:"creator"`
	NFTContract    string `json:"nftContract"`
	ExpirationTime int64  `json:"expirationTime"`
	Status         string `json:"status"`
	TimeRemaining  int64  `json:"timeRemaining,omitempty"`
	CanClaim       bool   `json:"canClaim"`
	GiftLink       string `json:"giftLink"`
	IsExpired      bool   `json:"isExpired"`
}

// handleGiftInfo serves the public view of a gift. No password material or
// salt ever leaves this endpoint.
func (s *Server) handleGiftInfo(w http.ResponseWriter, r *http.Request) {
	const operation = "info"
	raw := strings.TrimSpace(r.URL.Query().Get("tokenId"))
	if raw == "" {
		s.fail(w, operation, errValidation("tokenId query parameter is required"))
		return
	}
	tokenID, ok := new(big.Int).SetString(raw, 10)
	if !ok || tokenID.Sign() <= 0 {
		s.fail(w, operation, errValidation("tokenId must be a positive decimal integer"))
		return
	}

	ctx, cancel := s.upstreamContext(r.Context())
	defer cancel()
	g, err := s.contract.GetGift(ctx, tokenID)
	if err != nil {
		s.fail(w, operation, err)
		return
	}

	now := s.now().Unix()
	canClaim, err := s.contract.CanClaim(ctx, tokenID)
	if err != nil {
		// Derive locally rather than failing the read; the two only
		// disagree around the expiry boundary.
		s.log.Warn("gateway.info.can_claim_fail", "token", tokenID.String(), "err", err)
		canClaim = g.Status == gift.StatusActive && !g.Expired(now)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"gift": giftInfoView{
			TokenID:        tokenID.String(),
			Creator:        g.Creator.Hex(),
			NFTContract:    g.NFTContract.Hex(),
			ExpirationTime: g.ExpirationTime,
			Status:         g.Status.String(),
			TimeRemaining:  g.TimeRemaining(now),
			CanClaim:       canClaim,
			GiftLink:       gift.ClaimLink(s.settings.BaseURL, tokenID),
			IsExpired:      g.Expired(now),
		},
	})
}
