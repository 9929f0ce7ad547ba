package wallet

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Passphrase resolves a keystore passphrase from an environment variable or
// by prompting on the terminal. The value is cached after the first lookup.
type Passphrase struct {
	envVar string

	once  sync.Once
	value string
	err   error
}

// NewPassphrase checks envVar before prompting.
func NewPassphrase(envVar string) *Passphrase {
	return &Passphrase{envVar: strings.TrimSpace(envVar)}
}

// Get returns the passphrase. Whitespace-only values are rejected.
func (p *Passphrase) Get() (string, error) {
	p.once.Do(func() {
		if p.envVar != "" {
			if value, ok := os.LookupEnv(p.envVar); ok {
				if strings.TrimSpace(value) == "" {
					p.err = fmt.Errorf("wallet: %s is set but empty", p.envVar)
					return
				}
				p.value = value
				return
			}
		}

		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			p.err = errors.New("wallet: keystore passphrase required and no terminal available")
			return
		}

		fmt.Fprint(os.Stderr, "Keystore passphrase: ")
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			p.err = fmt.Errorf("wallet: read passphrase: %w", err)
			return
		}
		if strings.TrimSpace(string(raw)) == "" {
			p.err = errors.New("wallet: passphrase cannot be empty")
			return
		}
		p.value = string(raw)
	})
	return p.value, p.err
}
