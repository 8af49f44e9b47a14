// Durable token cache. The on-disk record is as sensitive as a password:
// writes are atomic and the file is restricted to the owning user.
package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// cacheRecord is the persisted token representation, keyed by resource.
type cacheRecord struct {
	Resource       string `json:"resource"`
	AccessToken    string `json:"access_token"`
	RefreshToken   string `json:"refresh_token,omitempty"`
	TokenExpiresAt int64  `json:"token_expires_at"`
}

// tokenCache owns the on-disk token representation and is its only writer.
type tokenCache struct {
	path   string
	logger *Logger
}

// newTokenCache creates a cache at path. An empty path disables persistence:
// load always misses and save is a no-op.
func newTokenCache(path string, logger *Logger) *tokenCache {
	return &tokenCache{path: path, logger: logger}
}

// load returns the cached token set for resource, or nil on a miss. A
// missing file, malformed record, or a record for a different resource is
// a miss, never an error: cache problems must not block a fresh flow.
func (c *tokenCache) load(resource string) *tokenSet {
	if c.path == "" {
		return nil
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.WarningVerbose("Could not read token cache: %v", err)
		}
		return nil
	}

	var record cacheRecord
	if err := json.Unmarshal(data, &record); err != nil {
		c.logger.WarningVerbose("Ignoring corrupt token cache: %v", err)
		return nil
	}

	if record.AccessToken == "" || record.Resource != resource {
		return nil
	}

	c.logger.InfoVerbose("Loaded cached tokens for %s", resource)
	return &tokenSet{
		AccessToken:  record.AccessToken,
		RefreshToken: record.RefreshToken,
		ExpiresAt:    time.Unix(record.TokenExpiresAt, 0),
		Resource:     record.Resource,
	}
}

// save durably writes the token set. The write is atomic (temp file then
// rename) and the file mode is 0600.
func (c *tokenCache) save(tokens *tokenSet) error {
	if c.path == "" {
		return nil
	}

	record := cacheRecord{
		Resource:       tokens.Resource,
		AccessToken:    tokens.AccessToken,
		RefreshToken:   tokens.RefreshToken,
		TokenExpiresAt: tokens.ExpiresAt.Unix(),
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal token cache: %w", err)
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".oauth_tokens-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary cache file: %w", err)
	}
	tmpName := tmp.Name()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to restrict cache file permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write token cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close token cache: %w", err)
	}

	if err := os.Rename(tmpName, c.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace token cache: %w", err)
	}

	c.logger.InfoVerbose("Saved tokens to cache: %s", c.path)
	return nil
}

// clear removes the persisted record, used when the token set is forcibly
// invalidated.
func (c *tokenCache) clear() {
	if c.path == "" {
		return
	}
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		c.logger.WarningVerbose("Could not remove token cache: %v", err)
	}
}
