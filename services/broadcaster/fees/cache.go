package fees

import (
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"shieldrelay/core/chain"
)

// DefaultQuoteTTL is how long an issued fee quote stays valid.
const DefaultQuoteTTL = 5 * time.Minute

// FeeCacheEntry is one token's unit fee within an issued quote. UnitFee is the
// token amount (base units) charged per 10^18 wei of gas token spent.
type FeeCacheEntry struct {
	FeeCacheID   string
	Chain        chain.ID
	TokenAddress common.Address
	UnitFee      *big.Int
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

func (e FeeCacheEntry) expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

type quote struct {
	expiresAt time.Time
	entries   map[common.Address]FeeCacheEntry
}

// Cache holds the fee quotes this process has published. Entries are never
// mutated after issue and IDs are never reused.
type Cache struct {
	mu     sync.RWMutex
	ttl    time.Duration
	now    func() time.Time
	quotes map[chain.ID]map[string]quote
}

// NewCache returns an empty cache with the provided quote lifetime.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultQuoteTTL
	}
	return &Cache{
		ttl:    ttl,
		now:    time.Now,
		quotes: make(map[chain.ID]map[string]quote),
	}
}

// TTL returns the quote lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Issue stores a quote covering every token in unitFees and returns its ID and
// expiry.
func (c *Cache) Issue(ch chain.ID, unitFees map[common.Address]*big.Int) (string, time.Time) {
	issuedAt := c.now()
	expiresAt := issuedAt.Add(c.ttl)
	id := uuid.NewString()
	entries := make(map[common.Address]FeeCacheEntry, len(unitFees))
	for token, fee := range unitFees {
		if fee == nil {
			continue
		}
		entries[token] = FeeCacheEntry{
			FeeCacheID:   id,
			Chain:        ch,
			TokenAddress: token,
			UnitFee:      new(big.Int).Set(fee),
			IssuedAt:     issuedAt,
			ExpiresAt:    expiresAt,
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(issuedAt)
	byID, ok := c.quotes[ch]
	if !ok {
		byID = make(map[string]quote)
		c.quotes[ch] = byID
	}
	byID[id] = quote{expiresAt: expiresAt, entries: entries}
	return id, expiresAt
}

// Recognizes reports whether id names an unexpired quote issued for ch.
func (c *Cache) Recognizes(ch chain.ID, id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[ch][id]
	return ok && c.now().Before(q.expiresAt)
}

// Lookup returns the unexpired entry for a token within a quote.
func (c *Cache) Lookup(ch chain.ID, id string, token common.Address) (FeeCacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[ch][id]
	if !ok {
		return FeeCacheEntry{}, false
	}
	entry, ok := q.entries[token]
	if !ok || entry.expired(c.now()) {
		return FeeCacheEntry{}, false
	}
	entry.UnitFee = new(big.Int).Set(entry.UnitFee)
	return entry, true
}

// Prune drops expired quotes.
func (c *Cache) Prune() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(c.now())
}

func (c *Cache) pruneLocked(now time.Time) {
	for ch, byID := range c.quotes {
		for id, q := range byID {
			if !now.Before(q.expiresAt) {
				delete(byID, id)
			}
		}
		if len(byID) == 0 {
			delete(c.quotes, ch)
		}
	}
}
