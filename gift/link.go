package gift

import (
	"math/big"
	"strings"
)

// ClaimLink builds the shareable claim URL for a token under the configured
// base URL.
func ClaimLink(base string, tokenID *big.Int) string {
	if tokenID == nil {
		return ""
	}
	trimmed := strings.TrimRight(strings.TrimSpace(base), "/")
	if trimmed == "" {
		return ""
	}
	return trimmed + "/claim/" + tokenID.String()
}
