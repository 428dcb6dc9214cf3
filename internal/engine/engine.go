// Package engine implements the matching engine (spec §4.2): the single
// entry point that owns every (market, outcome) order book behind one
// write lock, drives regular and complementary matching, reserves and
// releases collateral, and forwards executed trades to the settlement
// scheduler's channel.
//
// Lifecycle: New() wires a store, collateral manager, and event publisher;
// Submit/Cancel are the two critical sections described in spec §4.2;
// RunExpirySweep is the background tick spec §4.1 calls for.
package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"clob-engine/internal/book"
	"clob-engine/internal/collateral"
	"clob-engine/internal/errs"
	"clob-engine/internal/store"
	"clob-engine/pkg/types"
)

// EventPublisher fans out the three pub-sub event kinds spec §6 names. The
// engine never blocks waiting for a subscriber; implementations are
// expected to drop or buffer as the api package's broadcaster does.
type EventPublisher interface {
	PublishOrderbookUpdate(types.OrderbookUpdate)
	PublishTradeExecuted(types.TradeExecuted)
	PublishOrderUpdate(types.OrderUpdate)
}

// noopPublisher discards every event; used when the caller doesn't wire a
// real broadcaster (tests, or a headless solver-only deployment).
type noopPublisher struct{}

func (noopPublisher) PublishOrderbookUpdate(types.OrderbookUpdate) {}
func (noopPublisher) PublishTradeExecuted(types.TradeExecuted)     {}
func (noopPublisher) PublishOrderUpdate(types.OrderUpdate)         {}

// Engine is the matching engine's single entry point.
type Engine struct {
	mu    sync.Mutex // single-writer lock over books + the submit/cancel critical section
	books map[string]map[types.Outcome]*book.Book

	store      *store.Store
	collateral *collateral.Manager
	events     EventPublisher
	tradeCh    chan types.Trade
	logger     *slog.Logger

	complementaryEnabled bool
}

// New creates a matching engine. tradeCh is the lock-free MPSC channel to
// the settlement scheduler (spec §5); it should be buffered generously
// since Submit sends on it while holding the engine lock and blocks when
// the buffer is full.
func New(s *store.Store, cm *collateral.Manager, events EventPublisher, tradeCh chan types.Trade, logger *slog.Logger, complementaryEnabled bool) *Engine {
	if events == nil {
		events = noopPublisher{}
	}
	return &Engine{
		books:                make(map[string]map[types.Outcome]*book.Book),
		store:                s,
		collateral:           cm,
		events:               events,
		tradeCh:              tradeCh,
		logger:               logger.With("component", "engine"),
		complementaryEnabled: complementaryEnabled,
	}
}

// TrackedBooks returns the (marketID, outcome) pairs with a book currently
// held in memory, for snapshot/health endpoints.
func (e *Engine) TrackedBooks() []types.MarketOutcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.MarketOutcome, 0, len(e.books))
	for marketID, outcomes := range e.books {
		for outcome := range outcomes {
			out = append(out, types.MarketOutcome{MarketID: marketID, Outcome: outcome})
		}
	}
	return out
}

// bookFor returns (creating if absent) the book for (marketID, outcome).
// Caller must hold e.mu.
func (e *Engine) bookFor(marketID string, outcome types.Outcome) *book.Book {
	outcomes, ok := e.books[marketID]
	if !ok {
		outcomes = make(map[types.Outcome]*book.Book)
		e.books[marketID] = outcomes
	}
	b, ok := outcomes[outcome]
	if !ok {
		b = book.New(marketID, outcome)
		outcomes[outcome] = b
	}
	return b
}

func otherOutcome(o types.Outcome) types.Outcome {
	if o == types.OutcomeYes {
		return types.OutcomeNo
	}
	return types.OutcomeYes
}

// validate implements spec §4.2 step 1.
func validate(req types.SubmitOrderRequest, now time.Time) error {
	if req.MarketID == "" || req.UserAccount == "" {
		return fmt.Errorf("market/user required: %w", errs.ErrValidation)
	}
	if req.Outcome != types.OutcomeNo && req.Outcome != types.OutcomeYes {
		return fmt.Errorf("unrecognized outcome %d: %w", req.Outcome, errs.ErrValidation)
	}
	if req.Size == 0 {
		return fmt.Errorf("size must be positive: %w", errs.ErrValidation)
	}
	if req.OrderType == types.OrderTypeMarket {
		if req.Price != nil && *req.Price != 0 {
			return fmt.Errorf("market orders must not carry a price: %w", errs.ErrValidation)
		}
	} else {
		if req.Price == nil || !types.IsValidPrice(*req.Price) {
			return fmt.Errorf("price not on tick grid: %w", errs.ErrValidation)
		}
	}
	if req.ExpiresAt != nil && req.ExpiresAt.Before(now) {
		return fmt.Errorf("expiry already past: %w", errs.ErrValidation)
	}
	return nil
}

// Submit executes spec §4.2's submit() critical section.
func (e *Engine) Submit(req types.SubmitOrderRequest) (types.SubmitOrderResponse, error) {
	now := time.Now()
	if err := validate(req, now); err != nil {
		return types.SubmitOrderResponse{}, err
	}

	price := int64(0)
	if req.Price != nil {
		price = *req.Price
	}

	order := &types.Order{
		OrderID:       uuid.NewString(),
		MarketID:      req.MarketID,
		UserAccount:   req.UserAccount,
		SolverAccount: req.SolverAccount,
		Outcome:       req.Outcome,
		Side:          req.Side,
		OrderType:     req.OrderType,
		Price:         price,
		OriginalSize:  req.Size,
		RemainingSize: req.Size,
		Status:        types.OrderPending,
		CreatedAt:     now,
		ExpiresAt:     req.ExpiresAt,
	}
	if condID, ok := e.store.ConditionFor(req.MarketID); ok {
		order.ConditionID = condID
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ok, err := e.collateral.CheckAndReserve(order)
	if err != nil {
		return types.SubmitOrderResponse{}, err
	}
	if !ok {
		return types.SubmitOrderResponse{}, errs.ErrInsufficientFunds
	}

	if err := e.store.InsertOrder(order); err != nil {
		_ = e.collateral.Release(order.OrderID)
		return types.SubmitOrderResponse{}, err
	}

	ob := e.bookFor(req.MarketID, req.Outcome)

	var matches []types.TradeMatch
	var expiredIDs []string

	priceConstrained := order.OrderType != types.OrderTypeMarket

	if order.OrderType == types.OrderTypeFOK {
		if !e.fokFillable(ob, order) {
			order.Status = types.OrderCancelled
			_ = e.store.UpdateOrder(order)
			_ = e.collateral.Release(order.OrderID)
			e.events.PublishOrderUpdate(types.OrderUpdate{OrderID: order.OrderID, Status: order.Status, FilledSize: 0})
			return types.SubmitOrderResponse{Order: *order}, nil
		}
	}

	// Step 4: regular matching.
	var res book.MatchResult
	if priceConstrained {
		res = ob.MatchLimit(order, now)
	} else {
		res = ob.MatchMarket(order, now)
	}
	matches = append(matches, res.Trades...)
	expiredIDs = append(expiredIDs, res.ExpiredIDs...)

	// Step 5: complementary matching, second, only for priced limit-family
	// order types with remaining size.
	if e.complementaryEnabled && order.RemainingSize > 0 && priceConstrained && complementaryEligible(order.OrderType) {
		if tm, ok := e.tryComplementaryMatch(req.MarketID, order, now); ok {
			matches = append(matches, tm)
		}
	}

	// FAK and Market orders never rest: any remainder is cancelled in
	// place, same as an explicit Cancel() — RemainingSize is left
	// untouched so original_size == remaining_size + filled_size keeps
	// holding, and the remainder's reservation is released.
	if order.RemainingSize > 0 && (order.OrderType == types.OrderTypeFAK || !priceConstrained) {
		e.cancelRemainder(order)
	} else if order.RemainingSize > 0 && priceConstrained {
		// Step 6: rest the remainder.
		ob.Add(order)
		if order.FilledSize == 0 {
			order.Status = types.OrderPending
		} else {
			order.Status = types.OrderPartiallyFilled
		}
	} else {
		order.Status = statusFor(order)
	}

	if err := e.store.UpdateOrder(order); err != nil {
		e.logger.Error("persist order after match", "order", order.OrderID, "err", err)
	}

	for _, id := range expiredIDs {
		if exp, ok := e.store.GetOrder(id); ok {
			exp.Status = types.OrderExpired
			_ = e.store.UpdateOrder(exp)
			_ = e.collateral.Release(id)
		}
	}

	trades := make([]types.Trade, 0, len(matches))
	for _, tm := range matches {
		t := types.Trade{
			TradeID:          uuid.NewString(),
			MarketID:         req.MarketID,
			ConditionID:      order.ConditionID,
			MakerOrderID:     tm.MakerOrderID,
			TakerOrderID:     tm.TakerOrderID,
			MakerAccount:     tm.MakerAccount,
			TakerAccount:     tm.TakerAccount,
			MakerSide:        tm.MakerSide,
			TakerSide:        tm.TakerSide,
			Outcome:          tm.Outcome,
			Price:            tm.Price,
			Size:             tm.Size,
			TradeType:        tm.TradeType,
			ExecutedAt:       now,
			SettlementStatus: types.SettlementPending,
		}
		if err := e.store.InsertTrade(&t); err != nil {
			e.logger.Error("persist trade", "trade", t.TradeID, "err", err)
			continue
		}
		e.releaseFillSurplus(tm)
		trades = append(trades, t)
		e.events.PublishTradeExecuted(types.TradeExecuted{Trade: t})
		e.tradeCh <- t
	}

	e.events.PublishOrderUpdate(types.OrderUpdate{OrderID: order.OrderID, Status: order.Status, FilledSize: order.FilledSize})
	e.events.PublishOrderbookUpdate(types.OrderbookUpdate{MarketID: req.MarketID, Outcome: req.Outcome, Snapshot: ob.Snapshot()})

	return types.SubmitOrderResponse{Order: *order, Trades: trades}, nil
}

// releaseFillSurplus returns the proportional reservation slice for each
// side of a fill back to available balance.
func (e *Engine) releaseFillSurplus(tm types.TradeMatch) {
	if maker, ok := e.store.GetOrder(tm.MakerOrderID); ok {
		_ = e.collateral.ReleasePartial(tm.MakerOrderID, collateral.RequiredBalanceForSize(maker, tm.Size))
	}
	if taker, ok := e.store.GetOrder(tm.TakerOrderID); ok {
		_ = e.collateral.ReleasePartial(tm.TakerOrderID, collateral.RequiredBalanceForSize(taker, tm.Size))
	}
}

func complementaryEligible(ot types.OrderType) bool {
	switch ot {
	case types.OrderTypeLimit, types.OrderTypeGTC, types.OrderTypeGTD, types.OrderTypeFOK, types.OrderTypeFAK:
		return true
	default:
		return false
	}
}

// cancelRemainder terminates a non-resting order's unfilled remainder the
// same way Cancel() does: Status goes to Cancelled regardless of whether
// part of the order already filled, RemainingSize is left as-is (so it
// still reconciles against FilledSize/OriginalSize), and the remainder's
// reservation is released back to available balance.
func (e *Engine) cancelRemainder(order *types.Order) {
	remainder := order.RemainingSize
	order.Status = types.OrderCancelled
	_ = e.collateral.ReleasePartial(order.OrderID, collateral.RequiredBalanceForSize(order, remainder))
}

func statusFor(o *types.Order) types.OrderStatus {
	if o.RemainingSize == 0 {
		return types.OrderFilled
	}
	if o.FilledSize > 0 {
		return types.OrderPartiallyFilled
	}
	return types.OrderCancelled
}

// fokFillable implements the FOK pre-scan: the regular book's available
// liquidity plus, if present, a single complementary counterparty at the
// exact complement price, since that is the only additional liquidity the
// real match would actually draw on.
func (e *Engine) fokFillable(ob *book.Book, order *types.Order) bool {
	available := ob.PreviewFillable(order.Side, order.Price, true, order.RemainingSize)
	if available >= order.RemainingSize {
		return true
	}
	if !e.complementaryEnabled {
		return false
	}
	complementPrice := types.MaxTotal - order.Price
	compBook := e.bookFor(order.MarketID, otherOutcome(order.Outcome))
	head := compBook.GetOrdersByPriceAndSide(complementPrice, order.Side)
	if head == nil || order.Price+head.Price > types.MaxTotal {
		return available >= order.RemainingSize
	}
	available += head.RemainingSize
	return available >= order.RemainingSize
}

// tryComplementaryMatch implements spec §4.2 step 5: look in the opposite
// outcome's book for a same-side resting order at exactly the complement
// price, and mint a fresh complete set against it instead of transferring
// existing inventory.
func (e *Engine) tryComplementaryMatch(marketID string, taker *types.Order, now time.Time) (types.TradeMatch, bool) {
	complementOutcome := otherOutcome(taker.Outcome)
	complementPrice := types.MaxTotal - taker.Price
	compBook := e.bookFor(marketID, complementOutcome)

	maker := compBook.GetOrdersByPriceAndSide(complementPrice, taker.Side)
	if maker == nil {
		return types.TradeMatch{}, false
	}
	if maker.ExpiresAt != nil && maker.ExpiresAt.Before(now) {
		return types.TradeMatch{}, false
	}
	if taker.Price+maker.Price > types.MaxTotal {
		// Should not happen given the exact-complement-price lookup, but the
		// engine guards it explicitly per spec §4.2 step 5 rather than
		// trusting the book's bookkeeping to enforce it.
		e.logger.Error("complementary price violation", "taker_price", taker.Price, "maker_price", maker.Price)
		return types.TradeMatch{}, false
	}

	tradeSize := taker.RemainingSize
	if maker.RemainingSize < tradeSize {
		tradeSize = maker.RemainingSize
	}

	maker.FilledSize += tradeSize
	taker.RemainingSize -= tradeSize
	taker.FilledSize += tradeSize

	// The book calls run before maker.RemainingSize changes: both adjust the
	// level's aggregate size from the order's current remaining size.
	if maker.RemainingSize == tradeSize {
		compBook.RemoveSpecific(maker.OrderID)
		maker.RemainingSize = 0
		maker.Status = types.OrderFilled
	} else {
		compBook.UpdateOrderSize(maker.OrderID, maker.RemainingSize-tradeSize)
		maker.Status = types.OrderPartiallyFilled
	}
	if err := e.store.UpdateOrder(maker); err != nil {
		e.logger.Error("persist complementary maker", "order", maker.OrderID, "err", err)
	}
	compBook.CleanupEmptyLevels()

	return types.TradeMatch{
		MakerOrderID: maker.OrderID,
		TakerOrderID: taker.OrderID,
		MakerAccount: maker.UserAccount,
		TakerAccount: taker.UserAccount,
		MakerSide:    maker.Side,
		TakerSide:    taker.Side,
		Outcome:      taker.Outcome,
		Price:        maker.Price,
		Size:         tradeSize,
		TradeType:    types.TradeMinting,
	}, true
}

// Cancel executes spec §4.2's cancel() critical section.
func (e *Engine) Cancel(req types.CancelOrderRequest) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.store.GetOrder(req.OrderID)
	if !ok {
		return false, errs.ErrNotFound
	}
	if o.UserAccount != req.UserAccount {
		return false, errs.ErrNotAuthorized
	}
	if o.Status != types.OrderPending && o.Status != types.OrderPartiallyFilled {
		return false, nil
	}

	ob := e.bookFor(o.MarketID, o.Outcome)
	ob.Remove(o.OrderID)

	o.Status = types.OrderCancelled
	if err := e.store.UpdateOrder(o); err != nil {
		return false, err
	}
	if err := e.collateral.Release(o.OrderID); err != nil {
		return false, err
	}

	e.events.PublishOrderUpdate(types.OrderUpdate{OrderID: o.OrderID, Status: o.Status, FilledSize: o.FilledSize})
	e.events.PublishOrderbookUpdate(types.OrderbookUpdate{MarketID: o.MarketID, Outcome: o.Outcome, Snapshot: ob.Snapshot()})
	return true, nil
}

// RunExpirySweep evicts expired resting orders across every book, releasing
// their reservations. Intended to run on a ticker (spec §4.1 "a background
// tick also sweeps expired orders across books").
func (e *Engine) RunExpirySweep(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for marketID, outcomes := range e.books {
		for outcome, ob := range outcomes {
			ids := ob.ExpireSweep(now)
			for _, id := range ids {
				if o, ok := e.store.GetOrder(id); ok {
					o.Status = types.OrderExpired
					_ = e.store.UpdateOrder(o)
					_ = e.collateral.Release(id)
					e.events.PublishOrderUpdate(types.OrderUpdate{OrderID: id, Status: o.Status, FilledSize: o.FilledSize})
				}
			}
			if len(ids) > 0 {
				e.events.PublishOrderbookUpdate(types.OrderbookUpdate{MarketID: marketID, Outcome: outcome, Snapshot: ob.Snapshot()})
			}
		}
	}
}

// Snapshot returns a (market, outcome) book's current aggregated view.
func (e *Engine) Snapshot(marketID string, outcome types.Outcome) types.OrderbookSnapshot {
	e.mu.Lock()
	ob := e.bookFor(marketID, outcome)
	e.mu.Unlock()
	return ob.Snapshot()
}

// MarketPrice returns top-of-book pricing for a (market, outcome) book.
func (e *Engine) MarketPrice(marketID string, outcome types.Outcome) types.MarketPrice {
	e.mu.Lock()
	ob := e.bookFor(marketID, outcome)
	e.mu.Unlock()
	return ob.MarketPrice()
}
