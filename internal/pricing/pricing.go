// Package pricing holds the per-model token price catalog used to cost every
// proxied call. The catalog is loaded once at startup from a built-in seed
// table and can be hot-swapped by the admin surface when prices change.
package pricing

import (
	"strings"
	"sync"
	"time"
)

// staleAfter is how long a row stays trustworthy after verification.
const staleAfter = 7 * 24 * time.Hour

// Price holds per-million-token USD prices for one model.
type Price struct {
	Provider       string
	Model          string
	InputPerM      float64
	OutputPerM     float64
	CachedInputPerM float64
	BatchInputPerM  float64
	BatchOutputPerM float64
	Embedding      bool
	LastVerifiedAt time.Time
	SourceURL      string
}

// Stale reports whether the row's verification is older than seven days.
func (p Price) Stale(now time.Time) bool {
	return now.Sub(p.LastVerifiedAt) > staleAfter
}

// Cost returns the USD cost for a call. Embedding models are input-only.
func (p Price) Cost(tokensIn, tokensOut int) float64 {
	if p.Embedding {
		return float64(tokensIn) * p.InputPerM / 1_000_000
	}
	return (float64(tokensIn)*p.InputPerM + float64(tokensOut)*p.OutputPerM) / 1_000_000
}

// Catalog is a concurrency-safe (provider, model) → Price mapping.
type Catalog struct {
	mu     sync.RWMutex
	prices map[string]Price
}

func key(provider, model string) string {
	return provider + "/" + strings.ToLower(model)
}

// New builds a Catalog from the given rows. Use Seed() for the built-in table.
func New(rows []Price) *Catalog {
	c := &Catalog{prices: make(map[string]Price, len(rows))}
	c.Reload(rows)
	return c
}

// Lookup returns the price row for (provider, model), trying an exact match
// first and then the model family prefix (date-suffixed model names resolve
// to their base row).
func (c *Catalog) Lookup(provider, model string) (Price, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if p, ok := c.prices[key(provider, model)]; ok {
		return p, true
	}
	// gpt-4o-2024-08-06 → gpt-4o
	lower := strings.ToLower(model)
	for {
		i := strings.LastIndexByte(lower, '-')
		if i < 0 {
			return Price{}, false
		}
		lower = lower[:i]
		if p, ok := c.prices[provider+"/"+lower]; ok {
			return p, true
		}
	}
}

// Cost computes the USD cost of a call, or 0 when the model is unpriced.
func (c *Catalog) Cost(provider, model string, tokensIn, tokensOut int) float64 {
	p, ok := c.Lookup(provider, model)
	if !ok {
		return 0
	}
	return p.Cost(tokensIn, tokensOut)
}

// Reload atomically replaces the catalog contents. Used by the admin surface
// to pick up refreshed prices without a restart.
func (c *Catalog) Reload(rows []Price) {
	next := make(map[string]Price, len(rows))
	for _, r := range rows {
		next[key(r.Provider, r.Model)] = r
	}
	c.mu.Lock()
	c.prices = next
	c.mu.Unlock()
}

// StaleModels returns the models whose verification has lapsed, for the
// admin stats endpoint.
func (c *Catalog) StaleModels(now time.Time) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []string
	for _, p := range c.prices {
		if p.Stale(now) {
			out = append(out, p.Provider+"/"+p.Model)
		}
	}
	return out
}
