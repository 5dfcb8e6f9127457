// Package auth guards the two doors into the server: API keys for the
// service endpoints that create games and mint tokens, and signed
// tokens that bind a websocket to one player.
package auth

import "sync"

// APIKeyAuth holds the keys trusted to call the service endpoints.
// Safe for concurrent use; keys can be rotated while serving.
type APIKeyAuth struct {
	mu        sync.RWMutex
	validKeys map[string]struct{}
}

// NewAPIKeyAuth creates the key set. Empty strings are ignored so a
// trailing comma in configuration does not open the door to everyone.
func NewAPIKeyAuth(keys []string) *APIKeyAuth {
	validKeys := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if key != "" {
			validKeys[key] = struct{}{}
		}
	}

	return &APIKeyAuth{validKeys: validKeys}
}

// AddKey adds a new valid API key.
func (a *APIKeyAuth) AddKey(key string) {
	if key == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.validKeys[key] = struct{}{}
}

// RemoveKey revokes an API key.
func (a *APIKeyAuth) RemoveKey(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.validKeys, key)
}

// IsValidKey checks whether a key is trusted.
func (a *APIKeyAuth) IsValidKey(key string) bool {
	if key == "" {
		return false
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	_, valid := a.validKeys[key]

	return valid
}
