package bridge

import (
	"strings"
	"sync"
)

// NativeToken marks a withdrawal of the chain's native asset.
const NativeToken = "NATIVE"

// TokenRegistry tracks the asset identifiers the bridge will pay out. The
// native marker is always supported.
type TokenRegistry struct {
	mu     sync.RWMutex
	tokens map[string]struct{}
}

// NewTokenRegistry constructs a registry seeded with the supplied assets.
func NewTokenRegistry(assets ...string) *TokenRegistry {
	r := &TokenRegistry{tokens: make(map[string]struct{})}
	for _, asset := range assets {
		r.Register(asset)
	}
	return r
}

// Register adds an asset identifier. Identifiers are case-insensitive.
func (r *TokenRegistry) Register(asset string) {
	token := normalizeToken(asset)
	if token == "" || token == NativeToken {
		return
	}
	r.mu.Lock()
	r.tokens[token] = struct{}{}
	r.mu.Unlock()
}

// Supported reports whether the token may be withdrawn through the bridge.
func (r *TokenRegistry) Supported(asset string) bool {
	token := normalizeToken(asset)
	if token == NativeToken {
		return true
	}
	if token == "" {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tokens[token]
	return ok
}

func normalizeToken(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}
