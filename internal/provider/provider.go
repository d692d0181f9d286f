// Package provider abstracts the two recharge carriers (TAECEL and MST)
// behind one client interface: a cheap balance query and the single
// money-spending purchase call.
package provider

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Name identifies a carrier.
type Name string

const (
	Taecel Name = "TAECEL"
	MST    Name = "MST"
)

// Purchase is a successful top-up as reported by the carrier. Raw preserves
// the provider payload verbatim for the auxiliary queue.
type Purchase struct {
	Provider   Name            `json:"provider"`
	TxnID      string          `json:"txn_id"`
	Folio      string          `json:"folio"`
	SaldoFinal string          `json:"saldo_final"` // currency-formatted string, as sent
	Timeout    string          `json:"timeout"`
	IP         string          `json:"ip"`
	Raw        json.RawMessage `json:"raw"`
}

// Client is the carrier edge. Purchase must only be called when the caller
// is ready to stage the result durably.
type Client interface {
	Balance(ctx context.Context, p Name) (float64, error)
	Purchase(ctx context.Context, p Name, sim, productCode string) (*Purchase, error)
}

// balanceCache memoizes Balance per provider for a short window; balances
// only gate provider selection, staleness up to a minute is acceptable.
type balanceCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[Name]balanceEntry
}

type balanceEntry struct {
	value float64
	at    time.Time
}

func newBalanceCache(ttl time.Duration) *balanceCache {
	if ttl <= 0 || ttl > time.Minute {
		ttl = time.Minute
	}
	return &balanceCache{ttl: ttl, entries: make(map[Name]balanceEntry)}
}

func (c *balanceCache) get(p Name) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[p]
	if !ok || time.Since(e.at) > c.ttl {
		return 0, false
	}
	return e.value, true
}

func (c *balanceCache) put(p Name, v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[p] = balanceEntry{value: v, at: time.Now()}
}
