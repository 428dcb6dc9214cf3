// Package api broadcasts the engine's order book, trade, and order-status
// events to WebSocket subscribers and exposes a point-in-time snapshot over
// HTTP, following the pub-sub surface spec §6 names.
package api

import (
	"time"

	"clob-engine/pkg/types"
)

// StreamEvent is the wrapper for every message pushed to subscribers.
type StreamEvent struct {
	Type      string      `json:"type"` // "snapshot", "orderbook", "trade", "order"
	Timestamp time.Time   `json:"timestamp"`
	MarketID  string      `json:"market_id,omitempty"`
	Data      interface{} `json:"data"`
}

func newStreamEvent(typ, marketID string, data interface{}) StreamEvent {
	return StreamEvent{Type: typ, Timestamp: time.Now(), MarketID: marketID, Data: data}
}

func orderbookEvent(u types.OrderbookUpdate) StreamEvent {
	return newStreamEvent("orderbook", u.MarketID, u)
}

func tradeEvent(t types.TradeExecuted) StreamEvent {
	return newStreamEvent("trade", t.Trade.MarketID, t)
}

func orderEvent(u types.OrderUpdate) StreamEvent {
	return newStreamEvent("order", "", u)
}
