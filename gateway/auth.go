package gateway

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/ElMartidel96/cryptogift-wallets-sub000/crypto"
)

const defaultAuthLeeway = 30 * time.Second

// WalletAuth verifies HS256 bearer tokens whose subject is the wallet address
// the caller claims to control.
type WalletAuth struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
}

// NewWalletAuth builds a verifier pinned to the HMAC family. Issuer and
// audience are enforced when non-empty.
func NewWalletAuth(secret []byte, issuer, audience string) *WalletAuth {
	return &WalletAuth{
		secret:   secret,
		issuer:   issuer,
		audience: audience,
		leeway:   defaultAuthLeeway,
	}
}

// Subject authenticates the request and returns the wallet address carried in
// the token subject.
func (a *WalletAuth) Subject(r *http.Request) (common.Address, error) {
	tokenString := extractBearer(r.Header.Get("Authorization"))
	if tokenString == "" {
		return common.Address{}, errUnauthorized("missing bearer token")
	}
	claims, err := a.parseToken(tokenString)
	if err != nil {
		return common.Address{}, errUnauthorized("invalid token")
	}
	addr, err := crypto.ParseAddress(strings.TrimSpace(claims.Subject))
	if err != nil {
		return common.Address{}, errUnauthorized("token subject is not a wallet address")
	}
	return addr, nil
}

// Authorize authenticates the request and checks that the authenticated
// wallet matches the address named in the payload. The comparison is
// case-insensitive over the hex form.
func (a *WalletAuth) Authorize(r *http.Request, payloadAddress string) (common.Address, error) {
	subject, err := a.Subject(r)
	if err != nil {
		return common.Address{}, err
	}
	claimed, err := crypto.ParseAddress(payloadAddress)
	if err != nil {
		return common.Address{}, errValidation("invalid address: %s", payloadAddress)
	}
	if subject != claimed {
		return common.Address{}, errForbidden("authenticated wallet does not match the address in the request")
	}
	return subject, nil
}

func (a *WalletAuth) parseToken(tokenString string) (*jwt.RegisteredClaims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("auth secret not configured")
	}
	claims := &jwt.RegisteredClaims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithLeeway(a.leeway),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	return claims, nil
}

// cronAuthorized accepts either the X-Cron-Secret header or a bearer token
// equal to the shared secret. Comparison is constant time.
func cronAuthorized(r *http.Request, secret string) bool {
	if secret == "" {
		return false
	}
	candidate := strings.TrimSpace(r.Header.Get("X-Cron-Secret"))
	if candidate == "" {
		candidate = extractBearer(r.Header.Get("Authorization"))
	}
	if candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(secret)) == 1
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
