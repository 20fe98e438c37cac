// Package passphrase resolves the relayer keystore passphrase for the
// gateway binaries, preferring an environment variable and falling back to
// an interactive terminal prompt.
package passphrase

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source resolves the keystore passphrase at most once. Repeated Get calls
// return the cached value so the keystore can be unlocked and re-encrypted
// with the same secret.
type Source struct {
	envVar string

	once  sync.Once
	value string
	err   error
}

// NewSource builds a source that consults envVar before prompting.
func NewSource(envVar string) *Source {
	return &Source{envVar: strings.TrimSpace(envVar)}
}

// Get returns the passphrase, resolving it on first use. A set-but-blank
// environment variable is an error rather than an unprotected keystore.
func (s *Source) Get() (string, error) {
	s.once.Do(func() { s.value, s.err = s.resolve() })
	return s.value, s.err
}

func (s *Source) resolve() (string, error) {
	if s.envVar != "" {
		if value, ok := os.LookupEnv(s.envVar); ok {
			if strings.TrimSpace(value) == "" {
				return "", fmt.Errorf("%s is set but empty", s.envVar)
			}
			return value, nil
		}
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		if s.envVar != "" {
			return "", fmt.Errorf("relayer keystore passphrase required; set %s or run interactively", s.envVar)
		}
		return "", errors.New("relayer keystore passphrase required and no terminal available")
	}

	fmt.Fprint(os.Stderr, "Enter relayer keystore passphrase: ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	if strings.TrimSpace(string(raw)) == "" {
		return "", errors.New("relayer keystore passphrase cannot be empty")
	}
	return string(raw), nil
}
