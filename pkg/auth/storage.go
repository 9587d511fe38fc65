package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrNoCredential is returned when no credential is stored for a provider.
var ErrNoCredential = fmt.Errorf("auth: no credential stored")

var (
	mu   sync.RWMutex
	path string
	data map[string]AuthCredential
)

// Configure points the package-level credential store at a JSON file and
// loads whatever is already there. Call once at startup.
func Configure(credentialsPath string) error {
	mu.Lock()
	defer mu.Unlock()

	path = credentialsPath
	data = make(map[string]AuthCredential)

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading credentials file: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("parsing credentials file: %w", err)
	}
	return nil
}

// GetCredential returns the stored credential for provider, or
// ErrNoCredential if none is configured.
func GetCredential(provider string) (*AuthCredential, error) {
	mu.RLock()
	defer mu.RUnlock()

	cred, ok := data[provider]
	if !ok {
		return nil, ErrNoCredential
	}
	return &cred, nil
}

// SetCredential persists cred under provider, atomically rewriting the
// credentials file (write tmp, rename over the target).
func SetCredential(provider string, cred *AuthCredential) error {
	mu.Lock()
	defer mu.Unlock()

	if data == nil {
		data = make(map[string]AuthCredential)
	}
	cred.Provider = provider
	data[provider] = *cred

	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating credentials dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("writing credentials tmp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming credentials file: %w", err)
	}
	return nil
}

// NeedsRefresh reports whether the credential's access token is at or
// near expiry and should be refreshed before use.
func (c *AuthCredential) NeedsRefresh() bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(refreshSkew).After(c.ExpiresAt)
}

const refreshSkew = 2 * time.Minute
