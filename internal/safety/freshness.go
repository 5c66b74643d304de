package safety

import (
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// maxMarketDataAge is how old the last fetch may be before data is stale.
	maxMarketDataAge = 120 * time.Second
	// minRealPriceFraction is the required share of non-fallback prices.
	minRealPriceFraction = 0.30
)

// Freshness reports the market data staleness check. Staleness is surfaced in
// health checks, not itself a hard block.
type Freshness struct {
	Fresh        bool          `json:"fresh"`
	Age          time.Duration `json:"age"`
	RealFraction float64       `json:"real_fraction"`
	StaleFetches int64         `json:"stale_fetches"`
	LastFetchAt  *time.Time    `json:"last_fetch_at,omitempty"`
}

// RecordMarketDataFetch notes a market data refresh: realCount prices came
// from live sources out of total requested.
func (g *Gate) RecordMarketDataFetch(realCount, total int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.lastFetchAt = g.now()
	if total > 0 {
		g.realFraction = float64(realCount) / float64(total)
	} else {
		g.realFraction = 0
	}

	if g.realFraction < minRealPriceFraction {
		log.Warn().Int("real", realCount).Int("total", total).
			Float64("fraction", g.realFraction).
			Msg("Market data fetch dominated by fallback prices")
	}
}

// CheckMarketDataFreshness evaluates the last recorded fetch. Data is fresh
// only if its age is within bounds AND enough prices were real. A failing
// check increments the stale counter.
func (g *Gate) CheckMarketDataFreshness() Freshness {
	g.mu.Lock()
	defer g.mu.Unlock()

	result := Freshness{RealFraction: g.realFraction}
	if g.lastFetchAt.IsZero() {
		g.staleFetches++
		result.StaleFetches = g.staleFetches
		return result
	}

	at := g.lastFetchAt
	result.LastFetchAt = &at
	result.Age = g.now().Sub(g.lastFetchAt)
	result.Fresh = result.Age <= maxMarketDataAge && g.realFraction >= minRealPriceFraction
	if !result.Fresh {
		g.staleFetches++
	}
	result.StaleFetches = g.staleFetches
	return result
}
