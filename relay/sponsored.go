package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// SponsoredSender submits calls through an external fee-sponsoring relay
// service over HTTP. The relay signs and pays for the transaction; only the
// resulting hash comes back.
type SponsoredSender struct {
	endpoint  string
	authToken string
	http      *http.Client
}

// NewSponsoredSender points the sender at a relay endpoint. The auth token
// is optional; when set it is passed as a bearer credential.
func NewSponsoredSender(endpoint, authToken string) *SponsoredSender {
	return &SponsoredSender{
		endpoint:  strings.TrimSpace(endpoint),
		authToken: strings.TrimSpace(authToken),
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type sponsoredRequest struct {
	To    string `json:"to"`
	Data  string `json:"data"`
	Value string `json:"value,omitempty"`
}

type sponsoredResponse struct {
	Success bool   `json:"success"`
	TxHash  string `json:"txHash"`
	Error   string `json:"error,omitempty"`
}

// Send forwards the prepared call to the relay and returns the transaction
// hash it reports. Confirmation stays with the caller.
func (s *SponsoredSender) Send(ctx context.Context, call Call) (common.Hash, error) {
	if s.endpoint == "" {
		return common.Hash{}, fmt.Errorf("relay: sponsored endpoint not configured")
	}
	payload := sponsoredRequest{
		To:   call.To.Hex(),
		Data: hexutil.Encode(call.Data),
	}
	if call.Value != nil && call.Value.Sign() > 0 {
		payload.Value = call.Value.String()
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		return common.Hash{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(buf))
	if err != nil {
		return common.Hash{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.authToken)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return common.Hash{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return common.Hash{}, fmt.Errorf("relay: sponsored submit failed: status=%d body=%s", resp.StatusCode, string(body))
	}
	var decoded sponsoredResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return common.Hash{}, fmt.Errorf("relay: decode sponsored response: %w", err)
	}
	if !decoded.Success {
		if decoded.Error != "" {
			return common.Hash{}, fmt.Errorf("relay: sponsored submit rejected: %s", decoded.Error)
		}
		return common.Hash{}, fmt.Errorf("relay: sponsored submit rejected")
	}
	raw, err := hexutil.Decode(strings.TrimSpace(decoded.TxHash))
	if err != nil || len(raw) != common.HashLength {
		return common.Hash{}, fmt.Errorf("relay: sponsored response carries invalid tx hash %q", decoded.TxHash)
	}
	return common.BytesToHash(raw), nil
}
