package api

import (
	"time"

	"clob-engine/pkg/types"
)

// StreamSnapshot is sent to a subscriber immediately after it connects, so
// it doesn't have to wait for the next mutation to learn current prices.
type StreamSnapshot struct {
	Timestamp time.Time           `json:"timestamp"`
	Markets   []MarketPriceStatus `json:"markets"`
}

// MarketPriceStatus is one (market, outcome) book's current top-of-book.
type MarketPriceStatus struct {
	MarketID string           `json:"market_id"`
	Outcome  types.Outcome    `json:"outcome"`
	Price    types.MarketPrice `json:"price"`
}

// BuildSnapshot reads every tracked book's current price off the provider.
func BuildSnapshot(provider MarketSnapshotProvider) StreamSnapshot {
	tracked := provider.TrackedBooks()
	markets := make([]MarketPriceStatus, 0, len(tracked))
	for _, mo := range tracked {
		markets = append(markets, MarketPriceStatus{
			MarketID: mo.MarketID,
			Outcome:  mo.Outcome,
			Price:    provider.MarketPrice(mo.MarketID, mo.Outcome),
		})
	}
	return StreamSnapshot{Timestamp: time.Now(), Markets: markets}
}
