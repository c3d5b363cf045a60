// Package credential loads the provider API key from the environment
// and validates it with a lightweight authenticated probe.
package credential

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"
)

// ErrInvalid means the provider rejected the credential. Retrying with
// the same key will not help.
var ErrInvalid = errors.New("credential rejected by provider")

// ErrMissing means no key was found in the environment.
var ErrMissing = errors.New("no API key set (MURMUR_API_KEY or OPENAI_API_KEY)")

// envVars is checked in order; the first non-empty value wins.
var envVars = []string{"MURMUR_API_KEY", "OPENAI_API_KEY"}

// EnvStore reads the key from environment variables and probes an
// authenticated provider endpoint to test it.
type EnvStore struct {
	ProbeURL string
	Client   *http.Client
}

func NewEnvStore(probeURL string) *EnvStore {
	return &EnvStore{
		ProbeURL: probeURL,
		Client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *EnvStore) Has() bool {
	secret, _ := s.Load()
	return secret != ""
}

func (s *EnvStore) Load() (string, error) {
	for _, key := range envVars {
		if v := os.Getenv(key); v != "" {
			return v, nil
		}
	}
	return "", ErrMissing
}

// Test issues an authenticated GET against the probe endpoint. 401 and
// 403 mean the key is bad; other failures are transient.
func (s *EnvStore) Test(ctx context.Context, secret string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.ProbeURL, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+secret)

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("credential probe: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrInvalid
	case resp.StatusCode >= 500:
		return fmt.Errorf("credential probe: provider returned %s", resp.Status)
	}
	return nil
}
