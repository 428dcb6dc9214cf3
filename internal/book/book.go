// Package book implements the per-(market, outcome) central limit order
// book: price-level maps, strict price-time FIFO within each level, and the
// match/cancel primitives the matching engine drives its critical section
// with.
//
// One Book exists per (market, outcome) pair. It is concurrency-safe on its
// own (RWMutex protected) but the engine additionally serializes all
// mutating calls behind its own single-writer lock (see package engine), so
// Book's lock mostly protects read-only snapshot callers.
package book

import (
	"sort"
	"sync"
	"time"

	"clob-engine/pkg/types"
)

// level is one price level's FIFO queue plus its aggregate size.
type level struct {
	orders []*types.Order
	size   uint64
}

func (lv *level) popFront() *types.Order {
	if len(lv.orders) == 0 {
		return nil
	}
	o := lv.orders[0]
	lv.orders = lv.orders[1:]
	return o
}

// Book is the order book for one (market, outcome) pair.
type Book struct {
	mu       sync.RWMutex
	marketID string
	outcome  types.Outcome

	bids      map[int64]*level
	asks      map[int64]*level
	bidPrices []int64 // descending, best bid first
	askPrices []int64 // ascending, best ask first

	orders map[string]*types.Order // order_id -> order, for O(1) lookup

	lastTradePrice int64
}

// New creates an empty book for one (market, outcome) pair.
func New(marketID string, outcome types.Outcome) *Book {
	return &Book{
		marketID: marketID,
		outcome:  outcome,
		bids:     make(map[int64]*level),
		asks:     make(map[int64]*level),
		orders:   make(map[string]*types.Order),
	}
}

func sidePrices(b *Book, side types.Side) *[]int64 {
	if side == types.Buy {
		return &b.bidPrices
	}
	return &b.askPrices
}

func sideLevels(b *Book, side types.Side) map[int64]*level {
	if side == types.Buy {
		return b.bids
	}
	return b.asks
}

// insertPrice inserts price into a sorted slice, descending for bids and
// ascending for asks, if not already present.
func insertPrice(prices []int64, price int64, descending bool) []int64 {
	var idx int
	if descending {
		idx = sort.Search(len(prices), func(i int) bool { return prices[i] <= price })
	} else {
		idx = sort.Search(len(prices), func(i int) bool { return prices[i] >= price })
	}
	if idx < len(prices) && prices[idx] == price {
		return prices
	}
	prices = append(prices, 0)
	copy(prices[idx+1:], prices[idx:])
	prices[idx] = price
	return prices
}

func removePrice(prices []int64, price int64) []int64 {
	for i, p := range prices {
		if p == price {
			return append(prices[:i], prices[i+1:]...)
		}
	}
	return prices
}

// Add appends order to its price level's FIFO, creating the level if absent.
func (b *Book) Add(o *types.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addLocked(o)
}

func (b *Book) addLocked(o *types.Order) {
	levels := sideLevels(b, o.Side)
	lv, ok := levels[o.Price]
	if !ok {
		lv = &level{}
		levels[o.Price] = lv
		ptr := sidePrices(b, o.Side)
		*ptr = insertPrice(*ptr, o.Price, o.Side == types.Buy)
	}
	lv.orders = append(lv.orders, o)
	lv.size += o.RemainingSize
	b.orders[o.OrderID] = o
}

// Remove drops order_id from its level, dropping the level if it becomes
// empty. Returns false if the order was not found; Engine.Cancel ignores
// the result.
func (b *Book) Remove(orderID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(orderID)
}

func (b *Book) removeLocked(orderID string) bool {
	o, ok := b.orders[orderID]
	if !ok {
		return false
	}
	levels := sideLevels(b, o.Side)
	lv, ok := levels[o.Price]
	if !ok {
		delete(b.orders, orderID)
		return true
	}
	for i, ord := range lv.orders {
		if ord.OrderID == orderID {
			lv.orders = append(lv.orders[:i], lv.orders[i+1:]...)
			if ord.RemainingSize <= lv.size {
				lv.size -= ord.RemainingSize
			} else {
				lv.size = 0
			}
			break
		}
	}
	delete(b.orders, orderID)
	if lv.size == 0 || len(lv.orders) == 0 {
		delete(levels, o.Price)
		ptr := sidePrices(b, o.Side)
		*ptr = removePrice(*ptr, o.Price)
	}
	return true
}

// GetOrdersByPriceAndSide returns the FIFO head at an exact price level for
// a side, without removing it. Used by complementary-mint detection to find
// a same-side resting order at the complement price.
func (b *Book) GetOrdersByPriceAndSide(price int64, side types.Side) *types.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	lv, ok := sideLevels(b, side)[price]
	if !ok || len(lv.orders) == 0 {
		return nil
	}
	return lv.orders[0]
}

// UpdateOrderSize adjusts a resting order's remaining size (used to reflect
// a partial fill of a maker identified during complementary matching). The
// order keeps its FIFO position.
func (b *Book) UpdateOrderSize(orderID string, newRemaining uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[orderID]
	if !ok {
		return false
	}
	lv, ok := sideLevels(b, o.Side)[o.Price]
	if !ok {
		return false
	}
	diff := int64(o.RemainingSize) - int64(newRemaining)
	if diff > 0 {
		lv.size -= uint64(diff)
	} else {
		lv.size += uint64(-diff)
	}
	o.RemainingSize = newRemaining
	return true
}

// RemoveSpecific removes a specific maker order fully (used when a
// complementary match fully consumes it). Equivalent to Remove, named
// separately to mirror the distinct call site in the engine's complementary
// matching step.
func (b *Book) RemoveSpecific(orderID string) bool {
	return b.Remove(orderID)
}

// CleanupEmptyLevels defensively drops any level left with zero size or zero
// order count, guarding against aggregate drift after partial fills or
// expiries.
func (b *Book) CleanupEmptyLevels() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, side := range []types.Side{types.Buy, types.Sell} {
		levels := sideLevels(b, side)
		ptr := sidePrices(b, side)
		var kept []int64
		for _, price := range *ptr {
			lv := levels[price]
			if lv == nil || lv.size == 0 || len(lv.orders) == 0 {
				delete(levels, price)
				continue
			}
			kept = append(kept, price)
		}
		*ptr = kept
	}
}

// evictExpiredLocked pops expired orders from the front of lv, marking their
// status and returning their ids for the caller to release reservations for.
func evictExpiredLocked(lv *level, now time.Time) []string {
	var expired []string
	for len(lv.orders) > 0 {
		head := lv.orders[0]
		if head.ExpiresAt == nil || !head.ExpiresAt.Before(now) {
			break
		}
		lv.popFront()
		if head.RemainingSize <= lv.size {
			lv.size -= head.RemainingSize
		} else {
			lv.size = 0
		}
		head.Status = types.OrderExpired
		expired = append(expired, head.OrderID)
	}
	return expired
}

// MatchResult carries the trades produced by one match walk plus the ids of
// any resting orders evicted as expired along the way.
type MatchResult struct {
	Trades       []types.TradeMatch
	ExpiredIDs   []string
}

// MatchLimit walks the best opposing price while price-compatible and the
// taker has remaining size. Market orders must call MatchMarket instead.
func (b *Book) MatchLimit(taker *types.Order, now time.Time) MatchResult {
	return b.matchWalk(taker, now, true)
}

// MatchMarket walks the best opposing price with no price constraint.
func (b *Book) MatchMarket(taker *types.Order, now time.Time) MatchResult {
	return b.matchWalk(taker, now, false)
}

func (b *Book) matchWalk(taker *types.Order, now time.Time, priceConstrained bool) MatchResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	var result MatchResult

	opposite := types.Sell
	if taker.Side == types.Sell {
		opposite = types.Buy
	}

	for taker.RemainingSize > 0 {
		ptr := sidePrices(b, opposite)
		if len(*ptr) == 0 {
			break
		}
		bestPrice := (*ptr)[0]
		if priceConstrained {
			if taker.Side == types.Buy && bestPrice > taker.Price {
				break
			}
			if taker.Side == types.Sell && bestPrice < taker.Price {
				break
			}
		}

		levels := sideLevels(b, opposite)
		lv := levels[bestPrice]
		if lv == nil {
			*ptr = removePrice(*ptr, bestPrice)
			continue
		}

		expired := evictExpiredLocked(lv, now)
		for _, id := range expired {
			delete(b.orders, id)
		}
		result.ExpiredIDs = append(result.ExpiredIDs, expired...)

		if len(lv.orders) == 0 {
			delete(levels, bestPrice)
			*ptr = removePrice(*ptr, bestPrice)
			continue
		}

		maker := lv.orders[0]
		tradeSize := taker.RemainingSize
		if maker.RemainingSize < tradeSize {
			tradeSize = maker.RemainingSize
		}

		makerSide, takerSide := maker.Side, taker.Side

		result.Trades = append(result.Trades, types.TradeMatch{
			MakerOrderID: maker.OrderID,
			TakerOrderID: taker.OrderID,
			MakerAccount: maker.UserAccount,
			TakerAccount: taker.UserAccount,
			MakerSide:    makerSide,
			TakerSide:    takerSide,
			Outcome:      b.outcome,
			Price:        maker.Price,
			Size:         tradeSize,
			TradeType:    types.TradeDirectMatch,
		})

		maker.RemainingSize -= tradeSize
		maker.FilledSize += tradeSize
		taker.RemainingSize -= tradeSize
		taker.FilledSize += tradeSize
		b.lastTradePrice = maker.Price
		lv.size -= tradeSize

		if maker.RemainingSize == 0 {
			maker.Status = types.OrderFilled
			lv.popFront()
			delete(b.orders, maker.OrderID)
			if len(lv.orders) == 0 {
				delete(levels, bestPrice)
				*ptr = removePrice(*ptr, bestPrice)
			}
		} else {
			maker.Status = types.OrderPartiallyFilled
		}
	}

	return result
}

// PreviewFillable reports how much of remaining a hypothetical taker order
// (side, price, priceConstrained) could fill against the current resting
// liquidity, without mutating the book. Orders already past expiry are
// skipped, matching what match_limit/match_market would actually evict
// first. Used by the engine's FOK pre-scan (spec §4.2): FOK must prove full
// fillability before committing any state change.
func (b *Book) PreviewFillable(side types.Side, price int64, priceConstrained bool, remaining uint64) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	opposite := types.Sell
	if side == types.Sell {
		opposite = types.Buy
	}
	levels := sideLevels(b, opposite)
	now := time.Now()

	var total uint64
	for _, p := range *sidePrices(b, opposite) {
		if priceConstrained {
			if side == types.Buy && p > price {
				break
			}
			if side == types.Sell && p < price {
				break
			}
		}
		lv := levels[p]
		if lv == nil {
			continue
		}
		for _, o := range lv.orders {
			if o.ExpiresAt != nil && o.ExpiresAt.Before(now) {
				continue
			}
			total += o.RemainingSize
			if total >= remaining {
				return total
			}
		}
	}
	return total
}

// BestBidAsk returns the current top of book, if present.
func (b *Book) BestBidAsk() (bid, ask int64, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.bidPrices) == 0 || len(b.askPrices) == 0 {
		return 0, 0, false
	}
	return b.bidPrices[0], b.askPrices[0], true
}

// Snapshot returns a point-in-time aggregated view of the book.
func (b *Book) Snapshot() types.OrderbookSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap := types.OrderbookSnapshot{
		MarketID:       b.marketID,
		Outcome:        b.outcome,
		LastTradePrice: b.lastTradePrice,
	}
	for _, p := range b.bidPrices {
		snap.Bids = append(snap.Bids, types.PriceLevel{Price: p, Size: b.bids[p].size})
	}
	for _, p := range b.askPrices {
		snap.Asks = append(snap.Asks, types.PriceLevel{Price: p, Size: b.asks[p].size})
	}
	return snap
}

// MarketPrice returns bid/ask/mid/last for dashboards and the ledger store's
// GetMarketPrice contract.
func (b *Book) MarketPrice() types.MarketPrice {
	bid, ask, ok := b.BestBidAsk()
	mp := types.MarketPrice{MarketID: b.marketID, Outcome: b.outcome}
	b.mu.RLock()
	mp.Last = b.lastTradePrice
	b.mu.RUnlock()
	if !ok {
		return mp
	}
	mp.Bid, mp.Ask = bid, ask
	mp.Mid = (bid + ask) / 2
	return mp
}

// ExpireSweep evicts all expired resting orders across both sides, for the
// background tick described in spec.md §4.1. Returns their ids so the caller
// can release reservations and persist the Expired status.
func (b *Book) ExpireSweep(now time.Time) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var expired []string
	for _, side := range []types.Side{types.Buy, types.Sell} {
		levels := sideLevels(b, side)
		ptr := sidePrices(b, side)
		for _, price := range append([]int64(nil), *ptr...) {
			lv := levels[price]
			if lv == nil {
				continue
			}
			ids := evictExpiredLocked(lv, now)
			for _, id := range ids {
				delete(b.orders, id)
			}
			expired = append(expired, ids...)
			if len(lv.orders) == 0 {
				delete(levels, price)
				*ptr = removePrice(*ptr, price)
			}
		}
	}
	return expired
}
