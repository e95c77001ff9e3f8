package wallet

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Passphrase yields the secret that unlocks a keystore account.
type Passphrase interface {
	Get() (string, error)
}

// StaticPassphrase is a fixed passphrase.
type StaticPassphrase string

func (p StaticPassphrase) Get() (string, error) {
	if strings.TrimSpace(string(p)) == "" {
		return "", errors.New("keystore passphrase cannot be empty")
	}
	return string(p), nil
}

// PassphraseSource resolves the passphrase from an environment variable or by
// prompting on the terminal, and caches the first result.
type PassphraseSource struct {
	envVar string

	once  sync.Once
	value string
	err   error
}

// NewPassphraseSource checks envVar before prompting.
func NewPassphraseSource(envVar string) *PassphraseSource {
	return &PassphraseSource{envVar: strings.TrimSpace(envVar)}
}

func (s *PassphraseSource) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := os.LookupEnv(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = value
				return
			}
		}

		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			if s.envVar != "" {
				s.err = fmt.Errorf("wallet passphrase required; set %s or run interactively", s.envVar)
			} else {
				s.err = errors.New("wallet passphrase required and no terminal available")
			}
			return
		}

		fmt.Fprint(os.Stderr, "Enter wallet passphrase: ")
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			s.err = fmt.Errorf("read passphrase: %w", err)
			return
		}
		if strings.TrimSpace(string(raw)) == "" {
			s.err = errors.New("wallet passphrase cannot be empty")
			return
		}
		s.value = string(raw)
	})
	return s.value, s.err
}
