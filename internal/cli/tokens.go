package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/transport"
)

// fileTokenSource reads the bearer credential from a file. Refresh rereads
// it, which covers the common deployment where an external agent rotates
// the secret in place.
type fileTokenSource struct {
	path string

	mu    sync.Mutex
	token string
}

// envTokenSource reads the credential from GNNSYNC_TOKEN on every call.
type envTokenSource struct{}

// newTokenSource picks the credential source: a token file when one is
// configured, the GNNSYNC_TOKEN environment variable otherwise.
func newTokenSource(tokenFile string) transport.TokenSource {
	if tokenFile != "" {
		return &fileTokenSource{path: tokenFile}
	}
	return envTokenSource{}
}

func (s *fileTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" {
		if err := s.loadLocked(); err != nil {
			return "", err
		}
	}
	return s.token, nil
}

func (s *fileTokenSource) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *fileTokenSource) loadLocked() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return fmt.Errorf("token file %s is empty", s.path)
	}
	s.token = token
	return nil
}

func (s envTokenSource) Token(ctx context.Context) (string, error) {
	token := os.Getenv("GNNSYNC_TOKEN")
	if token == "" {
		return "", fmt.Errorf("GNNSYNC_TOKEN is not set")
	}
	return token, nil
}

func (s envTokenSource) Refresh(ctx context.Context) error {
	if os.Getenv("GNNSYNC_TOKEN") == "" {
		return fmt.Errorf("GNNSYNC_TOKEN is not set")
	}
	return nil
}
