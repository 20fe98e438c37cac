package gift

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/text/unicode/norm"
)

const (
	// SaltBytes is the size of the random salt mixed into every password
	// commitment.
	SaltBytes = 32
	// PasswordMinLength and PasswordMaxLength bound accepted passwords in
	// characters. No other character restrictions apply.
	PasswordMinLength = 6
	PasswordMaxLength = 50
)

var (
	// ErrPasswordRequired is returned when an escrow operation is attempted
	// without a password.
	ErrPasswordRequired = errors.New("gift: password required")
	// ErrPasswordLength is returned when a password falls outside the
	// accepted length range.
	ErrPasswordLength = fmt.Errorf("gift: password must be between %d and %d characters", PasswordMinLength, PasswordMaxLength)
	// ErrInvalidSalt is returned when a salt is not a 32-byte hex value.
	ErrInvalidSalt = errors.New("gift: salt must be a 0x-prefixed 32-byte hex value")
)

// GenerateSalt returns a fresh 32-byte salt as 0x-prefixed lowercase hex. The
// salt is stored off-chain keyed by token ID and is required, together with
// the plaintext password, to reproduce the on-chain commitment.
func GenerateSalt() (string, error) {
	buf := make([]byte, SaltBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("gift: generate salt: %w", err)
	}
	return "0x" + hex.EncodeToString(buf), nil
}

// NormalizeSalt validates the supplied salt and returns the canonical
// 0x-prefixed lowercase form the commitment is computed over.
func NormalizeSalt(salt string) (string, error) {
	trimmed := strings.TrimSpace(salt)
	trimmed = strings.TrimPrefix(strings.ToLower(trimmed), "0x")
	if len(trimmed) != SaltBytes*2 {
		return "", ErrInvalidSalt
	}
	if _, err := hex.DecodeString(trimmed); err != nil {
		return "", ErrInvalidSalt
	}
	return "0x" + trimmed, nil
}

// PasswordHash derives the keccak256 commitment stored on-chain: the UTF-8
// bytes of the password concatenated with the canonical hex string of the
// salt. Deterministic, so a claim can later reproduce and compare the value
// independently.
func PasswordHash(password, salt string) ([32]byte, error) {
	canonical, err := NormalizeSalt(salt)
	if err != nil {
		return [32]byte{}, err
	}
	return ethcrypto.Keccak256Hash([]byte(password + canonical)), nil
}

// Preimage returns the exact string whose keccak256 equals the stored
// commitment. The claim transaction carries this value so the contract can
// verify password knowledge without learning the salt association.
func Preimage(password, salt string) (string, error) {
	canonical, err := NormalizeSalt(salt)
	if err != nil {
		return "", err
	}
	return password + canonical, nil
}

// ValidatePassword enforces the accepted length range.
func ValidatePassword(password string) error {
	if password == "" {
		return ErrPasswordRequired
	}
	if n := utf8.RuneCountInString(password); n < PasswordMinLength || n > PasswordMaxLength {
		return ErrPasswordLength
	}
	return nil
}

// VerifyPassword recomputes the commitment for the supplied password and salt
// and compares it against the expected hash in constant time.
func VerifyPassword(password, salt string, want [32]byte) bool {
	got, err := PasswordHash(password, salt)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(got[:], want[:]) == 1
}

// NormalizeMessage trims and NFKC-normalizes a gift message so visually
// identical submissions fingerprint and persist identically.
func NormalizeMessage(message string) string {
	return norm.NFKC.String(strings.TrimSpace(message))
}
