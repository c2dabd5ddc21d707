package passphrase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source resolves a secret from an environment variable or, failing that,
// by prompting on the terminal. The first successful value is cached.
type Source struct {
	envVar string
	prompt string

	stdin  *os.File
	stderr io.Writer
	lookup func(string) (string, bool)

	once  sync.Once
	value string
	err   error
}

// NewSource constructs a source that checks envVar before prompting with label.
func NewSource(envVar, label string) *Source {
	return &Source{
		envVar: strings.TrimSpace(envVar),
		prompt: strings.TrimSpace(label),
		stdin:  os.Stdin,
		stderr: os.Stderr,
		lookup: os.LookupEnv,
	}
}

// Get returns the cached secret or resolves it on first use. Whitespace-only
// values are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := s.lookup(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = strings.TrimSpace(value)
				return
			}
		}

		fd := int(s.stdin.Fd())
		if !term.IsTerminal(fd) {
			if s.envVar != "" {
				s.err = fmt.Errorf("%s required; set %s or run interactively", s.prompt, s.envVar)
			} else {
				s.err = fmt.Errorf("%s required and no terminal available", s.prompt)
			}
			return
		}

		fmt.Fprintf(s.stderr, "Enter %s: ", s.prompt)
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(s.stderr)
		if err != nil {
			s.err = fmt.Errorf("read %s: %w", s.prompt, err)
			return
		}
		value := strings.TrimSpace(string(raw))
		if value == "" {
			s.err = errors.New(s.prompt + " cannot be empty")
			return
		}
		s.value = value
	})
	return s.value, s.err
}
