// Package collateral owns reservation logic and settlement execution
// (spec §4.3, §4.3.1): computing required balance for an order, reserving
// and releasing funds, grouping settled trades into a settlement plan, and
// executing that plan against the external token adapter with an
// HTLC-style atomic swap for the collateral/outcome-token legs.
package collateral

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"clob-engine/internal/adapter"
	"clob-engine/internal/errs"
	"clob-engine/internal/store"
	"clob-engine/pkg/types"
)

const (
	collateralToken = "usdc"
	engineAccount   = "engine"
)

// Manager reserves/releases funds and executes settlement.
type Manager struct {
	store   *store.Store
	adapter *adapter.Client
	logger  *slog.Logger
}

// New creates a collateral manager over a ledger store and token adapter.
func New(s *store.Store, a *adapter.Client, logger *slog.Logger) *Manager {
	return &Manager{store: s, adapter: a, logger: logger.With("component", "collateral")}
}

// RequiredBalance returns the units an order must reserve: collateral for a
// Buy (price*size/100000), outcome-token units for a Sell (size).
func RequiredBalance(o *types.Order) uint64 {
	if o.Side == types.Buy {
		return uint64(o.Price) * o.OriginalSize / uint64(types.MaxTotal)
	}
	return o.OriginalSize
}

func RequiredBalanceForSize(o *types.Order, size uint64) uint64 {
	if o.Side == types.Buy {
		return uint64(o.Price) * size / uint64(types.MaxTotal)
	}
	return size
}

// availableMarketBalance returns the live spendable balance for an order's
// (user, market, side): collateral available for Buy, position balance for
// Sell.
func (m *Manager) availableMarketBalance(o *types.Order) uint64 {
	bal, ok := m.store.GetBalance(o.UserAccount, o.MarketID)
	if !ok {
		return 0
	}
	if o.Side == types.Buy {
		return bal.AvailableBal
	}
	return bal.PositionBal
}

// CheckAndReserve computes the required balance, compares it to the live
// available balance, and — if sufficient — writes a Reservation row and
// debits availability. Must be called within the engine's book lock to
// prevent double-spend (spec §4.3).
func (m *Manager) CheckAndReserve(o *types.Order) (bool, error) {
	required := RequiredBalance(o)
	available := m.availableMarketBalance(o)

	m.logger.Info("reserve check",
		"user", o.UserAccount, "market", o.MarketID,
		"required", adapter.FormatUSD(int64(required)), "available", adapter.FormatUSD(int64(available)))

	if available < required {
		return false, nil
	}

	bal, ok := m.store.GetBalance(o.UserAccount, o.MarketID)
	if !ok {
		bal = &types.CollateralBalance{AccountID: o.UserAccount, MarketID: o.MarketID}
	}
	if o.Side == types.Buy {
		bal.AvailableBal -= required
	} else {
		bal.PositionBal -= required
	}
	bal.ReservedBal += required
	if err := m.store.UpsertBalance(bal); err != nil {
		return false, err
	}

	res := &types.Reservation{
		OrderID:        o.OrderID,
		ReservationID:  uuid.NewString(),
		AccountID:      o.UserAccount,
		MarketID:       o.MarketID,
		ReservedAmount: required,
		Side:           o.Side,
		Price:          o.Price,
		Size:           o.OriginalSize,
		CreatedAt:      time.Now(),
	}
	if err := m.store.UpsertReservation(res); err != nil {
		return false, err
	}
	return true, nil
}

// Release returns the entire remaining reservation for an order to
// available balance. Called on cancel and on full-fill remainder. Idempotent:
// releasing a non-existent reservation is a no-op, matching the user-visible
// idempotent-cancel behavior spec §7 requires.
func (m *Manager) Release(orderID string) error {
	res, ok := m.store.GetReservation(orderID)
	if !ok {
		return nil
	}
	return m.releaseAmount(res, res.ReservedAmount)
}

// ReleasePartial releases a proportional slice of a reservation after a
// partial fill, keeping the remainder reserved for the order's unfilled size.
func (m *Manager) ReleasePartial(orderID string, amount uint64) error {
	res, ok := m.store.GetReservation(orderID)
	if !ok {
		return nil
	}
	if amount > res.ReservedAmount {
		amount = res.ReservedAmount
	}
	if err := m.releaseAmount(res, amount); err != nil {
		return err
	}
	res.ReservedAmount -= amount
	if res.ReservedAmount > 0 {
		return m.store.UpsertReservation(res)
	}
	return m.store.DeleteReservation(orderID)
}

func (m *Manager) releaseAmount(res *types.Reservation, amount uint64) error {
	bal, ok := m.store.GetBalance(res.AccountID, res.MarketID)
	if !ok {
		return fmt.Errorf("release: no balance row for %s/%s: %w", res.AccountID, res.MarketID, errs.ErrNotFound)
	}
	if amount > bal.ReservedBal {
		amount = bal.ReservedBal
	}
	bal.ReservedBal -= amount
	if res.Side == types.Buy {
		bal.AvailableBal += amount
	} else {
		bal.PositionBal += amount
	}
	if err := m.store.UpsertBalance(bal); err != nil {
		return err
	}
	if amount >= res.ReservedAmount {
		return m.store.DeleteReservation(res.OrderID)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Settlement planning (spec §4.3)
// ————————————————————————————————————————————————————————————————————————

// SettlementPlan is the output of CalculateSettlement for one (trade_type,
// condition) bucket.
type SettlementPlan struct {
	Kind        types.TradeType
	ConditionID string
	Trades      []types.Trade
	MintAmount  uint64 // PureMinting / Burning: complete-set units moved
	Legs        []SettlementLeg
	Swaps       []SwapInstruction // TradeDirectMatch only
}

// SettlementLeg is one transfer the plan must execute: outcome-token legs
// (PositionID non-empty) or a collateral leg (PositionID empty).
type SettlementLeg struct {
	From       string
	To         string
	PositionID string // empty => collateral token leg
	Amount     uint64
}

// SwapInstruction is a single DirectMatch trade's collateral-for-token
// exchange, executed as one atomic swap rather than two independent legs so
// a failed second leg can still roll back the first (spec §4.3.1).
type SwapInstruction struct {
	Buyer       string
	Seller      string
	USDCAmount  uint64
	PositionID  string
	TokenAmount uint64
}

// CalculateSettlement groups a same-(trade_type, condition) batch of trades
// into a plan.
func (m *Manager) CalculateSettlement(conditionID string, kind types.TradeType, trades []types.Trade) (*SettlementPlan, error) {
	plan := &SettlementPlan{Kind: kind, ConditionID: conditionID, Trades: trades}

	switch kind {
	case types.TradeMinting:
		for _, t := range trades {
			makerPrice := t.Price
			takerPrice := types.MaxTotal - t.Price
			makerOutcome := otherOutcome(t.Outcome)

			makerCollection := adapter.DeriveCollectionID("", conditionID, []int{int(makerOutcome.IndexSet())})
			takerCollection := adapter.DeriveCollectionID("", conditionID, []int{int(t.Outcome.IndexSet())})
			makerPos := adapter.DerivePositionID(collateralToken, makerCollection)
			takerPos := adapter.DerivePositionID(collateralToken, takerCollection)

			plan.MintAmount += t.Size
			plan.Legs = append(plan.Legs,
				// split_position mints to engineAccount; hand each
				// participant their half of the freshly split set.
				SettlementLeg{From: engineAccount, To: t.MakerAccount, PositionID: makerPos, Amount: t.Size},
				SettlementLeg{From: engineAccount, To: t.TakerAccount, PositionID: takerPos, Amount: t.Size},
				SettlementLeg{From: t.MakerAccount, To: engineAccount, PositionID: "", Amount: RequiredBalanceForPrice(makerPrice, t.Size)},
				SettlementLeg{From: t.TakerAccount, To: engineAccount, PositionID: "", Amount: RequiredBalanceForPrice(takerPrice, t.Size)},
			)
		}
	case types.TradeDirectMatch:
		for _, t := range trades {
			buyer, seller := buyerSeller(t)
			collection := adapter.DeriveCollectionID("", conditionID, []int{int(t.Outcome.IndexSet())})
			posID := adapter.DerivePositionID(collateralToken, collection)
			usdcAmount := RequiredBalanceForPrice(t.Price, t.Size)
			plan.Swaps = append(plan.Swaps, SwapInstruction{
				Buyer: buyer, Seller: seller,
				USDCAmount: usdcAmount, PositionID: posID, TokenAmount: t.Size,
			})
		}
	case types.TradeBurning:
		// Inverse of minting, trade by trade: each trade's maker and taker
		// hand one NO and one YES leg of equal size to engineAccount and
		// are credited collateral at their own order price. The merge
		// itself is a single merge_positions call for the bucket's summed
		// MintAmount (see ExecuteSettlement); no per-trade merge is issued.
		for _, t := range trades {
			makerPrice := t.Price
			takerPrice := types.MaxTotal - t.Price
			makerOutcome := otherOutcome(t.Outcome)

			makerCollection := adapter.DeriveCollectionID("", conditionID, []int{int(makerOutcome.IndexSet())})
			takerCollection := adapter.DeriveCollectionID("", conditionID, []int{int(t.Outcome.IndexSet())})
			makerPos := adapter.DerivePositionID(collateralToken, makerCollection)
			takerPos := adapter.DerivePositionID(collateralToken, takerCollection)

			plan.MintAmount += t.Size
			plan.Legs = append(plan.Legs,
				// participants hand their outcome tokens to engineAccount
				// so merge_positions has something to burn, then are
				// credited collateral from the merge.
				SettlementLeg{From: t.MakerAccount, To: engineAccount, PositionID: makerPos, Amount: t.Size},
				SettlementLeg{From: t.TakerAccount, To: engineAccount, PositionID: takerPos, Amount: t.Size},
				SettlementLeg{From: engineAccount, To: t.MakerAccount, PositionID: "", Amount: RequiredBalanceForPrice(makerPrice, t.Size)},
				SettlementLeg{From: engineAccount, To: t.TakerAccount, PositionID: "", Amount: RequiredBalanceForPrice(takerPrice, t.Size)},
			)
		}
	}
	return plan, nil
}

func otherOutcome(o types.Outcome) types.Outcome {
	if o == types.OutcomeYes {
		return types.OutcomeNo
	}
	return types.OutcomeYes
}

func buyerSeller(t types.Trade) (buyer, seller string) {
	if t.MakerSide == types.Sell {
		return t.TakerAccount, t.MakerAccount
	}
	return t.MakerAccount, t.TakerAccount
}

// RequiredBalanceForPrice computes ⌊price*size/100000⌋ collateral units.
func RequiredBalanceForPrice(price int64, size uint64) uint64 {
	return uint64(price) * size / uint64(types.MaxTotal)
}

// ExecuteSettlement runs the on-chain side of a plan. Minting splits the
// complete set into engineAccount, then moves the outcome-token legs, then
// the collateral legs. Burning moves the participants' outcome tokens into
// engineAccount, merges them there, then pays the collateral legs. Each
// DirectMatch trade runs as one atomic swap. Reservations are not touched here — the engine already
// released each order's proportional slice the moment its trade matched
// (spec §4.3 "partial-fill surplus"), so the reservation backing an
// order's still-unfilled remainder must survive settlement of its earlier
// fills untouched. Returns the primary transaction reference.
func (m *Manager) ExecuteSettlement(ctx context.Context, plan *SettlementPlan) (string, error) {
	var primaryTx string

	switch plan.Kind {
	case types.TradeMinting:
		tx, err := m.adapter.SplitPosition(ctx, collateralToken, "", plan.ConditionID, []int{1, 2}, plan.MintAmount, engineAccount)
		if err != nil {
			return "", fmt.Errorf("split_position: %w", err)
		}
		primaryTx = tx
	case types.TradeBurning:
		// move each participant's holding into engineAccount first;
		// merge_positions then burns it there.
		for _, leg := range plan.Legs {
			if leg.PositionID == "" || leg.Amount == 0 {
				continue
			}
			if _, err := m.adapter.SafeTransferFrom(ctx, leg.From, leg.To, leg.PositionID, leg.Amount); err != nil {
				return "", fmt.Errorf("safe_transfer_from: %w", err)
			}
		}
		tx, err := m.adapter.MergePositions(ctx, collateralToken, "", plan.ConditionID, []int{1, 2}, plan.MintAmount, engineAccount)
		if err != nil {
			return "", fmt.Errorf("merge_positions: %w", err)
		}
		primaryTx = tx
	}

	for _, leg := range plan.Legs {
		if leg.Amount == 0 {
			continue
		}
		if leg.PositionID != "" {
			if plan.Kind == types.TradeBurning {
				continue // already moved before the merge
			}
			// Minting/Burning outcome-token leg: engineAccount <-> participant,
			// never a cross-participant transfer, so there is no counterparty
			// leg to roll back against.
			if _, err := m.adapter.SafeTransferFrom(ctx, leg.From, leg.To, leg.PositionID, leg.Amount); err != nil {
				return "", fmt.Errorf("safe_transfer_from: %w", err)
			}
			continue
		}
		// Minting/Burning collateral leg: participant <-> engineAccount, a
		// single-party pull or credit with no counterparty leg either.
		tx, err := m.adapter.TransferFrom(ctx, leg.From, leg.To, leg.Amount)
		if err != nil {
			return "", fmt.Errorf("transfer_from: %w", err)
		}
		if primaryTx == "" {
			primaryTx = tx
		}
	}

	for _, sw := range plan.Swaps {
		txA, txB, err := m.AtomicSwap(ctx, sw.Buyer, sw.Seller, sw.USDCAmount, sw.PositionID, sw.TokenAmount)
		if err != nil {
			return "", err
		}
		if primaryTx == "" {
			primaryTx = txA
		}
		_ = txB
	}

	return primaryTx, nil
}

// ————————————————————————————————————————————————————————————————————————
// Atomic swap (HTLC-style), spec §4.3.1
// ————————————————————————————————————————————————————————————————————————

// AtomicSwap executes the two-leg collateral+outcome-token exchange for a
// DirectMatch trade in strict order: collateral from buyer to seller, then
// the outcome-token leg from seller to buyer. If the second leg fails, it
// compensates by reversing the first; if that reversal also fails the swap
// is Stuck and requires manual intervention.
func (m *Manager) AtomicSwap(ctx context.Context, buyer, seller string, usdcAmount uint64, positionID string, tokenAmount uint64) (txA, txB string, err error) {
	txA, err = m.adapter.TransferFrom(ctx, buyer, seller, usdcAmount)
	if err != nil {
		return "", "", fmt.Errorf("atomic swap step A failed, nothing to undo: %w", errs.ErrSettlementFailure)
	}

	txB, err = m.adapter.SafeTransferFrom(ctx, seller, buyer, positionID, tokenAmount)
	if err == nil {
		return txA, txB, nil
	}

	m.logger.Warn("atomic swap step B failed, rolling back step A", "buyer", buyer, "seller", seller, "err", err)
	if _, rbErr := m.adapter.TransferFrom(ctx, seller, buyer, usdcAmount); rbErr != nil {
		m.logger.Error("CRITICAL: atomic swap rollback failed, swap stuck",
			"buyer", buyer, "seller", seller, "step_a_tx", txA, "rollback_err", rbErr)
		return txA, "", fmt.Errorf("swap stuck (txA=%s): %w", txA, errs.ErrSettlementStuck)
	}
	return txA, "", fmt.Errorf("swap failed and rolled back: %w", errs.ErrSettlementFailure)
}
