package market

import (
	"context"
	"math/rand"
	"time"
)

// MockFeed generates synthetic mark prices for local development and dry
// runs. Prices follow a simple random walk per symbol.
type MockFeed struct {
	Symbols    []string
	StartPrice float64
	Step       float64
	Interval   time.Duration
}

// Run feeds the cache until the context ends.
func (m *MockFeed) Run(ctx context.Context, cache *Cache) {
	symbols := m.Symbols
	if len(symbols) == 0 {
		symbols = []string{"BTCUSDT"}
	}
	start := m.StartPrice
	if start == 0 {
		start = 100.0
	}
	step := m.Step
	if step == 0 {
		step = 0.5
	}
	interval := m.Interval
	if interval == 0 {
		interval = time.Second
	}

	prices := make(map[string]float64, len(symbols))
	for _, sym := range symbols {
		prices[sym] = start
		cache.Set(sym, start)
	}

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, sym := range symbols {
				prices[sym] += (rand.Float64()*2 - 1) * step
				cache.Set(sym, prices[sym])
			}
		}
	}
}
