package api

import (
	"clob-engine/pkg/types"
)

// MarketSnapshotProvider gives the HTTP snapshot endpoint read access to the
// engine's tracked books without depending on the engine package directly.
type MarketSnapshotProvider interface {
	TrackedBooks() []types.MarketOutcome
	MarketPrice(marketID string, outcome types.Outcome) types.MarketPrice
}
