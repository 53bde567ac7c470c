package replay

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// NonceRecord captures a nonce and the block height it was recorded at.
type NonceRecord struct {
	Nonce          string
	RecordedHeight uint64
}

// NoncePersistence provides durable storage for recorded nonces so a restart
// cannot reopen the replay window.
type NoncePersistence interface {
	Put(ctx context.Context, record NonceRecord) error
	Delete(ctx context.Context, nonces []string) error
	Load(ctx context.Context) ([]NonceRecord, error)
}

// Guard tracks seen nonces and expires them by block height. A nonce recorded
// at height h is expired once currentHeight - h exceeds the configured
// expiration, after which it may be recorded again.
type Guard struct {
	expirationBlocks uint64
	persistence      NoncePersistence

	mu     sync.Mutex
	height uint64
	nonces map[string]uint64
}

// Option customises the guard.
type Option func(*Guard)

// WithPersistence mirrors recorded nonces into durable storage.
func WithPersistence(p NoncePersistence) Option {
	return func(g *Guard) { g.persistence = p }
}

// WithHeight seeds the reference height, normally the latest ingested block.
func WithHeight(height uint64) Option {
	return func(g *Guard) { g.height = height }
}

// NewGuard constructs a replay guard. The expiration window must be positive.
func NewGuard(expirationBlocks uint64, opts ...Option) (*Guard, error) {
	if expirationBlocks == 0 {
		return nil, fmt.Errorf("replay: expiration blocks must be positive")
	}
	g := &Guard{
		expirationBlocks: expirationBlocks,
		nonces:           make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Record registers the nonce at the current reference height. It returns
// false when the nonce was already recorded and has not expired yet. A nonce
// whose record has expired is accepted again and re-stamped.
func (g *Guard) Record(ctx context.Context, nonce string) (bool, error) {
	trimmed := strings.TrimSpace(nonce)
	if trimmed == "" {
		return false, fmt.Errorf("replay: nonce required")
	}

	g.mu.Lock()
	height := g.height
	if recorded, exists := g.nonces[trimmed]; exists && !expired(recorded, height, g.expirationBlocks) {
		g.mu.Unlock()
		return false, nil
	}
	g.nonces[trimmed] = height
	g.mu.Unlock()

	if g.persistence != nil {
		if err := g.persistence.Put(ctx, NonceRecord{Nonce: trimmed, RecordedHeight: height}); err != nil {
			g.mu.Lock()
			delete(g.nonces, trimmed)
			g.mu.Unlock()
			return false, fmt.Errorf("replay: persist nonce: %w", err)
		}
	}
	return true, nil
}

// Seen reports whether the nonce is currently recorded and unexpired without
// mutating the guard.
func (g *Guard) Seen(nonce string) bool {
	trimmed := strings.TrimSpace(nonce)
	if trimmed == "" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	recorded, exists := g.nonces[trimmed]
	return exists && !expired(recorded, g.height, g.expirationBlocks)
}

// Prune advances the reference height and drops expired records. It returns
// the number of records removed.
func (g *Guard) Prune(ctx context.Context, currentHeight uint64) (int, error) {
	g.mu.Lock()
	if currentHeight > g.height {
		g.height = currentHeight
	}
	height := g.height
	var removed []string
	for nonce, recorded := range g.nonces {
		if expired(recorded, height, g.expirationBlocks) {
			removed = append(removed, nonce)
		}
	}
	for _, nonce := range removed {
		delete(g.nonces, nonce)
	}
	g.mu.Unlock()

	if len(removed) > 0 && g.persistence != nil {
		if err := g.persistence.Delete(ctx, removed); err != nil {
			return len(removed), fmt.Errorf("replay: prune persisted nonces: %w", err)
		}
	}
	return len(removed), nil
}

// Height returns the current reference height.
func (g *Guard) Height() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.height
}

// Size reports how many nonces are currently tracked.
func (g *Guard) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.nonces)
}

// Hydrate warms the in-memory state from persistence, dropping records that
// are already expired relative to the highest persisted height.
func (g *Guard) Hydrate(ctx context.Context) error {
	if g.persistence == nil {
		return nil
	}
	records, err := g.persistence.Load(ctx)
	if err != nil {
		return fmt.Errorf("replay: load persisted nonces: %w", err)
	}

	g.mu.Lock()
	for _, rec := range records {
		if rec.RecordedHeight > g.height {
			g.height = rec.RecordedHeight
		}
	}
	height := g.height
	var stale []string
	for _, rec := range records {
		nonce := strings.TrimSpace(rec.Nonce)
		if nonce == "" {
			continue
		}
		if expired(rec.RecordedHeight, height, g.expirationBlocks) {
			stale = append(stale, nonce)
			continue
		}
		g.nonces[nonce] = rec.RecordedHeight
	}
	g.mu.Unlock()

	if len(stale) > 0 {
		if err := g.persistence.Delete(ctx, stale); err != nil {
			return fmt.Errorf("replay: drop stale nonces: %w", err)
		}
	}
	return nil
}

func expired(recorded, current, expirationBlocks uint64) bool {
	if current <= recorded {
		return false
	}
	return current-recorded > expirationBlocks
}
