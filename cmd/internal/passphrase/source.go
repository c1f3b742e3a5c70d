package passphrase

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source lazily resolves a secret from an environment variable or by
// prompting the operator. The value is cached after the first successful
// retrieval so repeated calls reuse the same secret.
type Source struct {
	envVar string
	prompt string

	once  sync.Once
	value string
	err   error
}

// NewSource constructs a secret source that checks envVar before
// interactively prompting on the terminal with the given label.
func NewSource(envVar, prompt string) *Source {
	if strings.TrimSpace(prompt) == "" {
		prompt = "secret"
	}
	return &Source{envVar: strings.TrimSpace(envVar), prompt: prompt}
}

// Get returns the cached secret or resolves it if this is the first
// call. When the environment variable is set the exact value is used;
// otherwise the operator is prompted on stderr. Whitespace-only values
// are rejected.
func (s *Source) Get() (string, error) {
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

		if !term.IsTerminal(int(os.Stdin.Fd())) {
			if s.envVar != "" {
				s.err = fmt.Errorf("%s required; set %s or run interactively", s.prompt, s.envVar)
			} else {
				s.err = fmt.Errorf("%s required and no terminal available", s.prompt)
			}
			return
		}

		fmt.Fprintf(os.Stderr, "Enter %s: ", s.prompt)
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			s.err = fmt.Errorf("failed to read %s: %w", s.prompt, err)
			return
		}

		value := string(raw)
		if strings.TrimSpace(value) == "" {
			s.err = errors.New(s.prompt + " cannot be empty")
			return
		}

		s.value = value
	})

	return s.value, s.err
}
