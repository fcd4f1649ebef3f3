// Package market provides the mark-price source the lifecycle monitor reads
// from: an in-memory cache fed by a websocket stream or a mock feed.
package market

import (
	"sync"
	"time"
)

// Tick is one mark-price update in canonical symbol form.
type Tick struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Time   int64   `json:"time"`
}

// Cache holds the latest mark price per canonical symbol.
type Cache struct {
	mu    sync.RWMutex
	marks map[string]float64
	seen  map[string]time.Time
}

// NewCache creates an empty price cache.
func NewCache() *Cache {
	return &Cache{
		marks: make(map[string]float64),
		seen:  make(map[string]time.Time),
	}
}

// Set records the latest mark price for a symbol.
func (c *Cache) Set(symbol string, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.marks[symbol] = price
	c.seen[symbol] = time.Now()
}

// Mark returns the latest mark price for a symbol.
func (c *Cache) Mark(symbol string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.marks[symbol]
	return p, ok
}

// Age returns how long ago the symbol was last updated.
func (c *Cache) Age(symbol string) (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.seen[symbol]
	if !ok {
		return 0, false
	}
	return time.Since(t), true
}
