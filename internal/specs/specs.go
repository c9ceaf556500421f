// Package specs implements the Symbol-Spec Cache (§4.8): an in-memory,
// account-scoped cache of venue trading constraints with a 1h TTL,
// invalidated early whenever a symbol's leverage or margin mode changes.
package specs

import (
	"sync"
	"time"

	"github.com/lumenquant/confluence/internal/domain"
)

const defaultTTL = time.Hour

type key struct {
	account domain.AccountId
	symbol  domain.CanonicalSymbol
}

type entry struct {
	spec      domain.SymbolSpec
	storedAt  time.Time
}

// Cache implements domain.SpecCache.
type Cache struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[key]entry
}

// New constructs a Cache with the 1h TTL from §4.8.
func New() *Cache {
	return &Cache{ttl: defaultTTL, entries: make(map[key]entry)}
}

// GetIfFresh returns the cached spec for (account, symbol) if it was
// stored within the TTL window.
func (c *Cache) GetIfFresh(account domain.AccountId, symbol domain.CanonicalSymbol) (domain.SymbolSpec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key{account, symbol}]
	if !ok || time.Since(e.storedAt) > c.ttl {
		return domain.SymbolSpec{}, false
	}
	return e.spec, true
}

// Store caches spec for (account, symbol), resetting its TTL.
func (c *Cache) Store(account domain.AccountId, symbol domain.CanonicalSymbol, spec domain.SymbolSpec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key{account, symbol}] = entry{spec: spec, storedAt: time.Now()}
}

// Invalidate evicts (account, symbol) ahead of its TTL, used after a
// leverage or margin-mode change that could move MaxSingleOrderSize or
// MaxLeverage.
func (c *Cache) Invalidate(account domain.AccountId, symbol domain.CanonicalSymbol) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key{account, symbol})
}

var _ domain.SpecCache = (*Cache)(nil)
