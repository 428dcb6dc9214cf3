package store

import (
	"testing"
	"time"

	"clob-engine/pkg/types"
)

func TestInsertAndGetOrder(t *testing.T) {
	t.Parallel()
	s, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	o := &types.Order{OrderID: "o1", MarketID: "m1", Status: types.OrderPending, RemainingSize: 10}
	if err := s.InsertOrder(o); err != nil {
		t.Fatalf("InsertOrder: %v", err)
	}

	got, ok := s.GetOrder("o1")
	if !ok {
		t.Fatal("GetOrder: not found")
	}
	if got.MarketID != "m1" {
		t.Errorf("MarketID = %q, want m1", got.MarketID)
	}

	if _, ok := s.GetOrder("missing"); ok {
		t.Error("GetOrder(missing) should not be found")
	}
}

func TestGetActiveOrdersFiltersByStatus(t *testing.T) {
	t.Parallel()
	s, _ := Open("")

	statuses := []types.OrderStatus{
		types.OrderPending, types.OrderPartiallyFilled,
		types.OrderFilled, types.OrderCancelled, types.OrderExpired,
	}
	for i, st := range statuses {
		o := &types.Order{OrderID: string(rune('a' + i)), Status: st}
		if err := s.InsertOrder(o); err != nil {
			t.Fatalf("InsertOrder: %v", err)
		}
	}

	active := s.GetActiveOrders()
	if len(active) != 2 {
		t.Fatalf("GetActiveOrders returned %d orders, want 2", len(active))
	}
}

func TestGetExpiredOrdersOnlyActiveAndPast(t *testing.T) {
	t.Parallel()
	s, _ := Open("")
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	mustInsert := func(o *types.Order) {
		t.Helper()
		if err := s.InsertOrder(o); err != nil {
			t.Fatalf("InsertOrder: %v", err)
		}
	}

	mustInsert(&types.Order{OrderID: "expired-active", Status: types.OrderPending, ExpiresAt: &past})
	mustInsert(&types.Order{OrderID: "expired-filled", Status: types.OrderFilled, ExpiresAt: &past})
	mustInsert(&types.Order{OrderID: "not-expired", Status: types.OrderPending, ExpiresAt: &future})
	mustInsert(&types.Order{OrderID: "no-expiry", Status: types.OrderPending})

	expired := s.GetExpiredOrders(now)
	if len(expired) != 1 || expired[0].OrderID != "expired-active" {
		t.Fatalf("GetExpiredOrders = %v, want only expired-active", expired)
	}
}

func TestUpdateTradeSettlementStatus(t *testing.T) {
	t.Parallel()
	s, _ := Open("")

	tr := &types.Trade{TradeID: "t1", SettlementStatus: types.SettlementPending}
	if err := s.InsertTrade(tr); err != nil {
		t.Fatalf("InsertTrade: %v", err)
	}

	if err := s.UpdateTradeSettlementStatus("t1", types.SettlementSettled, "0xdeadbeef"); err != nil {
		t.Fatalf("UpdateTradeSettlementStatus: %v", err)
	}

	trades := s.GetTradesForMarket("")
	if len(trades) != 1 || trades[0].SettlementStatus != types.SettlementSettled {
		t.Fatalf("trade not updated: %+v", trades)
	}
	if trades[0].SettlementTxHash != "0xdeadbeef" {
		t.Errorf("SettlementTxHash = %q, want 0xdeadbeef", trades[0].SettlementTxHash)
	}

	if err := s.UpdateTradeSettlementStatus("missing", types.SettlementSettled, ""); err == nil {
		t.Error("expected error updating unknown trade")
	}
}

func TestGetFailedTradesSortedBySequence(t *testing.T) {
	t.Parallel()
	s, _ := Open("")

	seqs := []uint64{5, 1, 3}
	for _, seq := range seqs {
		tr := &types.Trade{
			TradeID:          string(rune('a' + seq)),
			SettlementStatus: types.SettlementFailed,
			Sequence:         seq,
		}
		if err := s.InsertTrade(tr); err != nil {
			t.Fatalf("InsertTrade: %v", err)
		}
	}
	if err := s.InsertTrade(&types.Trade{TradeID: "settled", SettlementStatus: types.SettlementSettled, Sequence: 2}); err != nil {
		t.Fatalf("InsertTrade: %v", err)
	}

	failed := s.GetFailedTrades()
	if len(failed) != 3 {
		t.Fatalf("GetFailedTrades returned %d, want 3", len(failed))
	}
	for i := 1; i < len(failed); i++ {
		if failed[i-1].Sequence > failed[i].Sequence {
			t.Fatalf("GetFailedTrades not sorted by sequence: %+v", failed)
		}
	}
}

func TestCountHelpers(t *testing.T) {
	t.Parallel()
	s, _ := Open("")

	mustInsert := func(tr *types.Trade) {
		t.Helper()
		if err := s.InsertTrade(tr); err != nil {
			t.Fatalf("InsertTrade: %v", err)
		}
	}
	mustInsert(&types.Trade{TradeID: "1", SettlementStatus: types.SettlementSettled})
	mustInsert(&types.Trade{TradeID: "2", SettlementStatus: types.SettlementSettled})
	mustInsert(&types.Trade{TradeID: "3", SettlementStatus: types.SettlementFailed})
	mustInsert(&types.Trade{TradeID: "4", SettlementStatus: types.SettlementPending})

	if n := s.CountSettledTrades(); n != 2 {
		t.Errorf("CountSettledTrades = %d, want 2", n)
	}
	if n := s.CountFailedTrades(); n != 1 {
		t.Errorf("CountFailedTrades = %d, want 1", n)
	}
	if n := s.CountPendingTrades(); n != 1 {
		t.Errorf("CountPendingTrades = %d, want 1", n)
	}
}

func TestBalanceAndReservationRoundTrip(t *testing.T) {
	t.Parallel()
	s, _ := Open("")

	if _, ok := s.GetBalance("acct1", "m1"); ok {
		t.Error("GetBalance on unseeded account should be not-found")
	}

	bal := &types.CollateralBalance{AccountID: "acct1", MarketID: "m1", AvailableBal: 1000}
	if err := s.UpsertBalance(bal); err != nil {
		t.Fatalf("UpsertBalance: %v", err)
	}
	got, ok := s.GetBalance("acct1", "m1")
	if !ok || got.AvailableBal != 1000 {
		t.Fatalf("GetBalance = %+v, ok=%v", got, ok)
	}
	if got.LastUpdated.IsZero() {
		t.Error("UpsertBalance should stamp LastUpdated")
	}

	res := &types.Reservation{OrderID: "o1", ReservationID: "r1", AccountID: "acct1", ReservedAmount: 500}
	if err := s.UpsertReservation(res); err != nil {
		t.Fatalf("UpsertReservation: %v", err)
	}
	if _, ok := s.GetReservation("o1"); !ok {
		t.Fatal("GetReservation: not found after upsert")
	}
	if err := s.DeleteReservation("o1"); err != nil {
		t.Fatalf("DeleteReservation: %v", err)
	}
	if _, ok := s.GetReservation("o1"); ok {
		t.Error("GetReservation should be gone after delete")
	}
}

func TestGetOrderbookSnapshotAggregatesActiveOrdersOnly(t *testing.T) {
	t.Parallel()
	s, _ := Open("")

	mustInsert := func(o *types.Order) {
		t.Helper()
		if err := s.InsertOrder(o); err != nil {
			t.Fatalf("InsertOrder: %v", err)
		}
	}
	mustInsert(&types.Order{OrderID: "b1", MarketID: "m1", Outcome: types.OutcomeYes, Side: types.Buy, Price: 50000, RemainingSize: 10, Status: types.OrderPending})
	mustInsert(&types.Order{OrderID: "b2", MarketID: "m1", Outcome: types.OutcomeYes, Side: types.Buy, Price: 50000, RemainingSize: 5, Status: types.OrderPartiallyFilled})
	mustInsert(&types.Order{OrderID: "b3", MarketID: "m1", Outcome: types.OutcomeYes, Side: types.Buy, Price: 40000, RemainingSize: 20, Status: types.OrderPending})
	mustInsert(&types.Order{OrderID: "a1", MarketID: "m1", Outcome: types.OutcomeYes, Side: types.Sell, Price: 60000, RemainingSize: 7, Status: types.OrderPending})
	mustInsert(&types.Order{OrderID: "filled", MarketID: "m1", Outcome: types.OutcomeYes, Side: types.Buy, Price: 50000, RemainingSize: 100, Status: types.OrderFilled})
	mustInsert(&types.Order{OrderID: "other-market", MarketID: "m2", Outcome: types.OutcomeYes, Side: types.Buy, Price: 50000, RemainingSize: 100, Status: types.OrderPending})

	snap := s.GetOrderbookSnapshot("m1", types.OutcomeYes)

	if len(snap.Bids) != 2 {
		t.Fatalf("Bids = %+v, want 2 levels", snap.Bids)
	}
	if snap.Bids[0].Price != 50000 || snap.Bids[0].Size != 15 {
		t.Errorf("top bid = %+v, want price 50000 size 15", snap.Bids[0])
	}
	if snap.Bids[1].Price != 40000 {
		t.Errorf("bids not sorted descending: %+v", snap.Bids)
	}
	if len(snap.Asks) != 1 || snap.Asks[0].Price != 60000 || snap.Asks[0].Size != 7 {
		t.Errorf("Asks = %+v, want one level at 60000/7", snap.Asks)
	}
}

func TestGetMarketPriceDerivesBidAskMid(t *testing.T) {
	t.Parallel()
	s, _ := Open("")

	mustInsert := func(o *types.Order) {
		t.Helper()
		if err := s.InsertOrder(o); err != nil {
			t.Fatalf("InsertOrder: %v", err)
		}
	}
	mustInsert(&types.Order{OrderID: "b1", MarketID: "m1", Outcome: types.OutcomeNo, Side: types.Buy, Price: 40000, RemainingSize: 10, Status: types.OrderPending})
	mustInsert(&types.Order{OrderID: "a1", MarketID: "m1", Outcome: types.OutcomeNo, Side: types.Sell, Price: 60000, RemainingSize: 10, Status: types.OrderPending})

	mp := s.GetMarketPrice("m1", types.OutcomeNo)
	if mp.Bid != 40000 || mp.Ask != 60000 {
		t.Fatalf("MarketPrice bid/ask = %d/%d, want 40000/60000", mp.Bid, mp.Ask)
	}
	if mp.Mid != 50000 {
		t.Errorf("Mid = %d, want 50000", mp.Mid)
	}
}

func TestMarketConditionPersistenceAcrossOpen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s1.RegisterMarketCondition("m1", "cond-abc"); err != nil {
		t.Fatalf("RegisterMarketCondition: %v", err)
	}

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen Open: %v", err)
	}
	got, ok := s2.ConditionFor("m1")
	if !ok || got != "cond-abc" {
		t.Fatalf("ConditionFor after reopen = %q, ok=%v, want cond-abc", got, ok)
	}
}

func TestConditionForUnknownMarket(t *testing.T) {
	t.Parallel()
	s, _ := Open("")
	if _, ok := s.ConditionFor("nonexistent"); ok {
		t.Error("ConditionFor should report not-found for unregistered market")
	}
}
