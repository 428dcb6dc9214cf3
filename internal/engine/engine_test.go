package engine

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"clob-engine/internal/adapter"
	"clob-engine/internal/collateral"
	"clob-engine/internal/store"
	"clob-engine/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	s, err := store.Open("")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	cl := adapter.New(discardLogger(), nil)
	cm := collateral.New(s, cl, discardLogger())
	e := New(s, cm, nil, make(chan types.Trade, 64), discardLogger(), true)
	return e, s
}

func fund(s *store.Store, account, market string, available, position uint64) {
	_ = s.UpsertBalance(&types.CollateralBalance{
		AccountID: account, MarketID: market,
		AvailableBal: available, PositionBal: position,
	})
}

func price(p int64) *int64 { return &p }

func TestSubmitDirectMatch(t *testing.T) {
	e, s := newTestEngine(t)
	fund(s, "alice", "m1", 0, 1000) // selling YES tokens
	fund(s, "bob", "m1", 100000, 0) // buying with collateral

	_, err := e.Submit(types.SubmitOrderRequest{
		MarketID: "m1", UserAccount: "alice", Outcome: types.OutcomeYes,
		Side: types.Sell, OrderType: types.OrderTypeLimit, Price: price(50000), Size: 1000,
	})
	if err != nil {
		t.Fatalf("alice submit: %v", err)
	}

	resp, err := e.Submit(types.SubmitOrderRequest{
		MarketID: "m1", UserAccount: "bob", Outcome: types.OutcomeYes,
		Side: types.Buy, OrderType: types.OrderTypeLimit, Price: price(50000), Size: 500,
	})
	if err != nil {
		t.Fatalf("bob submit: %v", err)
	}
	if len(resp.Trades) != 1 || resp.Trades[0].TradeType != types.TradeDirectMatch {
		t.Fatalf("expected one direct-match trade, got %+v", resp.Trades)
	}
	if resp.Trades[0].Price != 50000 || resp.Trades[0].Size != 500 {
		t.Fatalf("unexpected trade %+v", resp.Trades[0])
	}
}

func TestSubmitComplementaryMint(t *testing.T) {
	e, s := newTestEngine(t)
	fund(s, "alice", "m1", 600, 0)
	fund(s, "bob", "m1", 400, 0)

	_, err := e.Submit(types.SubmitOrderRequest{
		MarketID: "m1", UserAccount: "alice", Outcome: types.OutcomeYes,
		Side: types.Buy, OrderType: types.OrderTypeLimit, Price: price(60000), Size: 1000,
	})
	if err != nil {
		t.Fatalf("alice submit: %v", err)
	}

	resp, err := e.Submit(types.SubmitOrderRequest{
		MarketID: "m1", UserAccount: "bob", Outcome: types.OutcomeNo,
		Side: types.Buy, OrderType: types.OrderTypeLimit, Price: price(40000), Size: 1000,
	})
	if err != nil {
		t.Fatalf("bob submit: %v", err)
	}
	if len(resp.Trades) != 1 || resp.Trades[0].TradeType != types.TradeMinting {
		t.Fatalf("expected one minting trade, got %+v", resp.Trades)
	}
	if resp.Trades[0].Price != 60000 {
		t.Fatalf("expected trade priced at maker(alice)'s price 60000, got %d", resp.Trades[0].Price)
	}
}

func TestSubmitInsufficientFunds(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Submit(types.SubmitOrderRequest{
		MarketID: "m1", UserAccount: "nobody", Outcome: types.OutcomeYes,
		Side: types.Buy, OrderType: types.OrderTypeLimit, Price: price(50000), Size: 100,
	})
	if err == nil {
		t.Fatalf("expected insufficient funds error")
	}
}

func TestFOKCancelsWithoutTradesWhenUnfillable(t *testing.T) {
	e, s := newTestEngine(t)
	fund(s, "alice", "m1", 0, 100)
	fund(s, "bob", "m1", 100000, 0)

	_, err := e.Submit(types.SubmitOrderRequest{
		MarketID: "m1", UserAccount: "alice", Outcome: types.OutcomeYes,
		Side: types.Sell, OrderType: types.OrderTypeLimit, Price: price(50000), Size: 100,
	})
	if err != nil {
		t.Fatalf("alice submit: %v", err)
	}

	resp, err := e.Submit(types.SubmitOrderRequest{
		MarketID: "m1", UserAccount: "bob", Outcome: types.OutcomeYes,
		Side: types.Buy, OrderType: types.OrderTypeFOK, Price: price(50000), Size: 1000,
	})
	if err != nil {
		t.Fatalf("bob submit: %v", err)
	}
	if len(resp.Trades) != 0 {
		t.Fatalf("expected no trades for unfillable FOK, got %+v", resp.Trades)
	}
	if resp.Order.Status != types.OrderCancelled {
		t.Fatalf("expected FOK order cancelled, got %s", resp.Order.Status)
	}
}

func TestFAKNeverRests(t *testing.T) {
	e, s := newTestEngine(t)
	fund(s, "alice", "m1", 0, 100)
	fund(s, "bob", "m1", 100000, 0)

	_, err := e.Submit(types.SubmitOrderRequest{
		MarketID: "m1", UserAccount: "alice", Outcome: types.OutcomeYes,
		Side: types.Sell, OrderType: types.OrderTypeLimit, Price: price(50000), Size: 100,
	})
	if err != nil {
		t.Fatalf("alice submit: %v", err)
	}

	resp, err := e.Submit(types.SubmitOrderRequest{
		MarketID: "m1", UserAccount: "bob", Outcome: types.OutcomeYes,
		Side: types.Buy, OrderType: types.OrderTypeFAK, Price: price(50000), Size: 1000,
	})
	if err != nil {
		t.Fatalf("bob submit: %v", err)
	}
	if len(resp.Trades) != 1 || resp.Trades[0].Size != 100 {
		t.Fatalf("expected one partial trade of size 100, got %+v", resp.Trades)
	}
	snap := e.Snapshot("m1", types.OutcomeYes)
	if len(snap.Bids) != 0 {
		t.Fatalf("expected FAK remainder not resting, got bids %+v", snap.Bids)
	}
	if resp.Order.Status != types.OrderCancelled {
		t.Fatalf("expected FAK remainder cancelled, got status %s", resp.Order.Status)
	}
	if resp.Order.FilledSize != 100 || resp.Order.RemainingSize != 900 {
		t.Fatalf("expected FilledSize=100 RemainingSize=900, got FilledSize=%d RemainingSize=%d",
			resp.Order.FilledSize, resp.Order.RemainingSize)
	}
	if resp.Order.RemainingSize+resp.Order.FilledSize != resp.Order.OriginalSize {
		t.Fatalf("balance conservation violated: remaining=%d filled=%d original=%d",
			resp.Order.RemainingSize, resp.Order.FilledSize, resp.Order.OriginalSize)
	}
}

func TestMarketOrderRemainderCancelledAndReleased(t *testing.T) {
	e, s := newTestEngine(t)
	fund(s, "alice", "m1", 100, 0)
	fund(s, "bob", "m1", 0, 1000) // selling YES tokens, reserves outcome-token units

	_, err := e.Submit(types.SubmitOrderRequest{
		MarketID: "m1", UserAccount: "alice", Outcome: types.OutcomeYes,
		Side: types.Buy, OrderType: types.OrderTypeLimit, Price: price(50000), Size: 100,
	})
	if err != nil {
		t.Fatalf("alice submit: %v", err)
	}

	resp, err := e.Submit(types.SubmitOrderRequest{
		MarketID: "m1", UserAccount: "bob", Outcome: types.OutcomeYes,
		Side: types.Sell, OrderType: types.OrderTypeMarket, Size: 1000,
	})
	if err != nil {
		t.Fatalf("bob submit: %v", err)
	}
	if len(resp.Trades) != 1 || resp.Trades[0].Size != 100 {
		t.Fatalf("expected one partial trade of size 100, got %+v", resp.Trades)
	}
	if resp.Order.Status != types.OrderCancelled {
		t.Fatalf("expected market remainder cancelled, got status %s", resp.Order.Status)
	}
	if resp.Order.RemainingSize+resp.Order.FilledSize != resp.Order.OriginalSize {
		t.Fatalf("balance conservation violated: remaining=%d filled=%d original=%d",
			resp.Order.RemainingSize, resp.Order.FilledSize, resp.Order.OriginalSize)
	}

	bal, ok := s.GetBalance("bob", "m1")
	if !ok {
		t.Fatal("bob balance missing")
	}
	// bob sold 100 of 1000 reserved outcome-token units; the unfilled 900
	// must be released back to available, not stuck in ReservedBal.
	if bal.ReservedBal != 0 {
		t.Fatalf("expected bob's unfilled market-order reservation released, ReservedBal=%d", bal.ReservedBal)
	}
}

func TestCancelReleasesReservation(t *testing.T) {
	e, s := newTestEngine(t)
	fund(s, "alice", "m1", 100000, 0)

	resp, err := e.Submit(types.SubmitOrderRequest{
		MarketID: "m1", UserAccount: "alice", Outcome: types.OutcomeYes,
		Side: types.Buy, OrderType: types.OrderTypeLimit, Price: price(50000), Size: 1000,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	ok, err := e.Cancel(types.CancelOrderRequest{OrderID: resp.Order.OrderID, UserAccount: "alice"})
	if err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}
	bal, _ := s.GetBalance("alice", "m1")
	if bal.AvailableBal != 100000 || bal.ReservedBal != 0 {
		t.Fatalf("expected full release, got %+v", bal)
	}
}

func TestExpirySweepReleasesReservation(t *testing.T) {
	e, s := newTestEngine(t)
	fund(s, "alice", "m1", 100000, 0)

	past := time.Now().Add(-time.Minute)
	resp, err := e.Submit(types.SubmitOrderRequest{
		MarketID: "m1", UserAccount: "alice", Outcome: types.OutcomeYes,
		Side: types.Buy, OrderType: types.OrderTypeGTD, Price: price(50000), Size: 1000, ExpiresAt: &past,
	})
	if err == nil && resp.Order.OrderID != "" {
		// GTD orders with an already-past expiry are rejected at validation;
		// exercise the sweep path with a future-then-expired order instead.
	}

	future := time.Now().Add(50 * time.Millisecond)
	resp2, err := e.Submit(types.SubmitOrderRequest{
		MarketID: "m1", UserAccount: "alice", Outcome: types.OutcomeYes,
		Side: types.Buy, OrderType: types.OrderTypeGTD, Price: price(50000), Size: 1000, ExpiresAt: &future,
	})
	if err != nil {
		t.Fatalf("submit gtd: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	e.RunExpirySweep(time.Now())

	o, ok := s.GetOrder(resp2.Order.OrderID)
	if !ok || o.Status != types.OrderExpired {
		t.Fatalf("expected order expired, got %+v ok=%v", o, ok)
	}
	bal, _ := s.GetBalance("alice", "m1")
	if bal.ReservedBal != 0 {
		t.Fatalf("expected reservation released after expiry, got %+v", bal)
	}
}
