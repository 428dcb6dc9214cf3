// Package store implements the ledger's in-memory reference store: orders,
// trades, collateral balances, and collateral reservations, behind the
// capability-set contract described in spec §6. A durable backend can
// satisfy the same Backend interface without changing any caller; only the
// in-memory implementation is built here; spec.md §1 specifies the store's
// contract, not a concrete durable engine.
//
// The one piece of state that genuinely lives on disk is the
// market_conditions.json reconciliation map (spec §6 "Persisted state
// layout"), persisted with the same atomic write-tmp-then-rename discipline
// used for crash-safe file writes elsewhere in this lineage.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"clob-engine/internal/errs"
	"clob-engine/pkg/types"
)

// Backend is the capability set a storage implementation must provide. The
// in-memory Store below is the reference implementation; a durable backend
// (e.g. an embedded KV store) would implement the same interface.
type Backend interface {
	InsertOrder(o *types.Order) error
	UpdateOrder(o *types.Order) error
	GetOrder(orderID string) (*types.Order, bool)
	GetActiveOrders() []*types.Order
	GetExpiredOrders(now time.Time) []*types.Order

	InsertTrade(t *types.Trade) error
	UpdateTradeSettlementStatus(tradeID string, status types.SettlementStatus, txHash string) error
	GetFailedTrades() []*types.Trade
	GetTradesForMarket(marketID string) []*types.Trade

	GetBalance(accountID, marketID string) (*types.CollateralBalance, bool)
	UpsertBalance(b *types.CollateralBalance) error

	GetReservation(orderID string) (*types.Reservation, bool)
	UpsertReservation(r *types.Reservation) error
	DeleteReservation(orderID string) error

	GetOrderbookSnapshot(marketID string, outcome types.Outcome) types.OrderbookSnapshot
	GetMarketPrice(marketID string, outcome types.Outcome) types.MarketPrice
}

// Store is the in-memory reference ledger.
type Store struct {
	mu           sync.RWMutex
	orders       map[string]*types.Order
	trades       map[string]*types.Trade
	balances     map[string]*types.CollateralBalance // key: account:market
	reservations map[string]*types.Reservation        // key: order_id

	dir          string
	condMu       sync.Mutex
	conditions   map[string]string // market_id -> condition_id
}

// Open creates a store whose market_conditions.json reconciliation file
// lives under dir.
func Open(dir string) (*Store, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	s := &Store{
		orders:       make(map[string]*types.Order),
		trades:       make(map[string]*types.Trade),
		balances:     make(map[string]*types.CollateralBalance),
		reservations: make(map[string]*types.Reservation),
		dir:          dir,
		conditions:   make(map[string]string),
	}
	s.loadConditions()
	return s, nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

func balanceKey(accountID, marketID string) string { return accountID + ":" + marketID }

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

func (s *Store) InsertOrder(o *types.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.OrderID] = o
	return nil
}

func (s *Store) UpdateOrder(o *types.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.OrderID] = o
	return nil
}

func (s *Store) GetOrder(orderID string) (*types.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[orderID]
	return o, ok
}

func (s *Store) GetActiveOrders() []*types.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Order
	for _, o := range s.orders {
		if o.Status == types.OrderPending || o.Status == types.OrderPartiallyFilled {
			out = append(out, o)
		}
	}
	return out
}

func (s *Store) GetExpiredOrders(now time.Time) []*types.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Order
	for _, o := range s.orders {
		if o.ExpiresAt == nil {
			continue
		}
		if !o.ExpiresAt.Before(now) {
			continue
		}
		if o.Status == types.OrderPending || o.Status == types.OrderPartiallyFilled {
			out = append(out, o)
		}
	}
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Trades
// ————————————————————————————————————————————————————————————————————————

func (s *Store) InsertTrade(t *types.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades[t.TradeID] = t
	return nil
}

func (s *Store) UpdateTradeSettlementStatus(tradeID string, status types.SettlementStatus, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trades[tradeID]
	if !ok {
		return fmt.Errorf("trade %s: %w", tradeID, errs.ErrNotFound)
	}
	t.SettlementStatus = status
	if txHash != "" {
		t.SettlementTxHash = txHash
	}
	return nil
}

func (s *Store) GetFailedTrades() []*types.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Trade
	for _, t := range s.trades {
		if t.SettlementStatus == types.SettlementFailed {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

func (s *Store) GetTradesForMarket(marketID string) []*types.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Trade
	for _, t := range s.trades {
		if t.MarketID == marketID {
			out = append(out, t)
		}
	}
	return out
}

// CountSettledTrades, CountFailedTrades, CountPendingTrades are test/ops
// helpers carried over from the capability set's debug surface.
func (s *Store) CountSettledTrades() int { return s.countBy(types.SettlementSettled) }
func (s *Store) CountFailedTrades() int  { return s.countBy(types.SettlementFailed) }
func (s *Store) CountPendingTrades() int { return s.countBy(types.SettlementPending) }

func (s *Store) countBy(status types.SettlementStatus) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, t := range s.trades {
		if t.SettlementStatus == status {
			n++
		}
	}
	return n
}

// ————————————————————————————————————————————————————————————————————————
// Collateral
// ————————————————————————————————————————————————————————————————————————

func (s *Store) GetBalance(accountID, marketID string) (*types.CollateralBalance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.balances[balanceKey(accountID, marketID)]
	return b, ok
}

func (s *Store) UpsertBalance(b *types.CollateralBalance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b.LastUpdated = time.Now()
	s.balances[balanceKey(b.AccountID, b.MarketID)] = b
	return nil
}

func (s *Store) GetReservation(orderID string) (*types.Reservation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reservations[orderID]
	return r, ok
}

func (s *Store) UpsertReservation(r *types.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reservations[r.OrderID] = r
	return nil
}

func (s *Store) DeleteReservation(orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reservations, orderID)
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Snapshot / price aggregates — MUST reflect only Pending/PartiallyFilled
// orders (spec §6).
// ————————————————————————————————————————————————————————————————————————

func (s *Store) GetOrderbookSnapshot(marketID string, outcome types.Outcome) types.OrderbookSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bidAgg := make(map[int64]uint64)
	askAgg := make(map[int64]uint64)
	var last int64

	for _, o := range s.orders {
		if o.MarketID != marketID || o.Outcome != outcome {
			continue
		}
		if o.Status != types.OrderPending && o.Status != types.OrderPartiallyFilled {
			continue
		}
		if o.Side == types.Buy {
			bidAgg[o.Price] += o.RemainingSize
		} else {
			askAgg[o.Price] += o.RemainingSize
		}
	}
	var lastAt time.Time
	for _, t := range s.trades {
		if t.MarketID == marketID && t.Outcome == outcome && t.ExecutedAt.After(lastAt) {
			lastAt = t.ExecutedAt
			last = t.Price
		}
	}

	snap := types.OrderbookSnapshot{MarketID: marketID, Outcome: outcome, LastTradePrice: last}
	for p, sz := range bidAgg {
		snap.Bids = append(snap.Bids, types.PriceLevel{Price: p, Size: sz})
	}
	for p, sz := range askAgg {
		snap.Asks = append(snap.Asks, types.PriceLevel{Price: p, Size: sz})
	}
	sort.Slice(snap.Bids, func(i, j int) bool { return snap.Bids[i].Price > snap.Bids[j].Price })
	sort.Slice(snap.Asks, func(i, j int) bool { return snap.Asks[i].Price < snap.Asks[j].Price })
	return snap
}

func (s *Store) GetMarketPrice(marketID string, outcome types.Outcome) types.MarketPrice {
	snap := s.GetOrderbookSnapshot(marketID, outcome)
	mp := types.MarketPrice{MarketID: marketID, Outcome: outcome, Last: snap.LastTradePrice}
	if len(snap.Bids) > 0 {
		mp.Bid = snap.Bids[0].Price
	}
	if len(snap.Asks) > 0 {
		mp.Ask = snap.Asks[0].Price
	}
	if mp.Bid != 0 && mp.Ask != 0 {
		mp.Mid = (mp.Bid + mp.Ask) / 2
	}
	return mp
}

// ————————————————————————————————————————————————————————————————————————
// market_conditions.json reconciliation map
// ————————————————————————————————————————————————————————————————————————

// RegisterMarketCondition records (market_id -> condition_id) and persists
// it atomically (write-tmp, rename) whenever a new market is registered.
func (s *Store) RegisterMarketCondition(marketID, conditionID string) error {
	s.condMu.Lock()
	defer s.condMu.Unlock()
	s.conditions[marketID] = conditionID
	return s.saveConditions()
}

// ConditionFor returns the condition id registered for a market.
func (s *Store) ConditionFor(marketID string) (string, bool) {
	s.condMu.Lock()
	defer s.condMu.Unlock()
	id, ok := s.conditions[marketID]
	return id, ok
}

func (s *Store) conditionsPath() string {
	return filepath.Join(s.dir, "market_conditions.json")
}

func (s *Store) saveConditions() error {
	if s.dir == "" {
		return nil
	}
	data, err := json.Marshal(s.conditions)
	if err != nil {
		return fmt.Errorf("marshal market conditions: %w", err)
	}
	path := s.conditionsPath()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write market conditions: %w", err)
	}
	return os.Rename(tmp, path)
}

func (s *Store) loadConditions() {
	if s.dir == "" {
		return
	}
	data, err := os.ReadFile(s.conditionsPath())
	if err != nil {
		return
	}
	_ = json.Unmarshal(data, &s.conditions)
}
