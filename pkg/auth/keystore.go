package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/strandhq/toolbind/pkg/types"
)

// KeyStore maps hashed API keys to identities. Thread-safe.
// Keys are stored as SHA-256 hashes to protect against memory dumps.
type KeyStore struct {
	mu   sync.RWMutex
	keys map[string]types.Identity // SHA-256(apiKey) → identity
}

// NewKeyStore creates a KeyStore from a comma-separated credential string.
// Each entry is "user:key" or "user:admin:key".
// Example: "alice:sk-abc,root:admin:sk-def".
func NewKeyStore(raw string) *KeyStore {
	ks := &KeyStore{keys: make(map[string]types.Identity)}
	if raw == "" {
		return ks
	}
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		switch {
		case len(parts) == 2 && parts[0] != "" && parts[1] != "":
			ks.keys[hashKey(parts[1])] = types.Identity{ID: parts[0], Role: types.RoleUser}
		case len(parts) == 3 && parts[0] != "" && parts[1] == string(types.RoleAdmin) && parts[2] != "":
			ks.keys[hashKey(parts[2])] = types.Identity{ID: parts[0], Role: types.RoleAdmin}
		}
	}
	return ks
}

// Lookup returns the identity for a given API key.
func (ks *KeyStore) Lookup(apiKey string) (types.Identity, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	id, ok := ks.keys[hashKey(apiKey)]
	return id, ok
}

func hashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}
