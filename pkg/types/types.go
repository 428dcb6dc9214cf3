// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — orders, trades,
// collateral records, order book snapshots, and the wire/event payloads
// exchanged with external collaborators (the façade, the solver, the token
// adapter). It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import "time"

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: Buy or Sell.
type Side string

const (
	Buy  Side = "Buy"
	Sell Side = "Sell"
)

// OrderType enumerates the supported order lifecycles.
type OrderType string

const (
	OrderTypeMarket OrderType = "Market" // matches at any price, never rests
	OrderTypeLimit  OrderType = "Limit"  // matches while price-compatible, remainder rests
	OrderTypeGTC    OrderType = "GTC"    // Good-Til-Cancelled, same matching semantics as Limit
	OrderTypeGTD    OrderType = "GTD"    // Good-Til-Date: Limit plus an expiry
	OrderTypeFOK    OrderType = "FOK"    // Fill-or-Kill: full size or nothing
	OrderTypeFAK    OrderType = "FAK"    // Fill-and-Kill: partial fill then cancel remainder
)

// OrderStatus tracks an order's lifecycle and only moves forward. A trade's
// SettlementStatus is the one that goes back: a retry by the settlement
// scheduler moves a Failed trade straight to Settling (not via Pending).
type OrderStatus string

const (
	OrderPending         OrderStatus = "Pending"
	OrderPartiallyFilled OrderStatus = "PartiallyFilled"
	OrderFilled          OrderStatus = "Filled"
	OrderCancelled       OrderStatus = "Cancelled"
	OrderExpired         OrderStatus = "Expired"
	OrderFailed          OrderStatus = "Failed"
)

// TradeType records how a trade's inventory was sourced.
type TradeType string

const (
	TradeDirectMatch TradeType = "DirectMatch" // transferred existing inventory
	TradeMinting     TradeType = "Minting"     // minted a fresh complete set from collateral
	TradeBurning     TradeType = "Burning"     // merged a complete set back into collateral
)

// SettlementStatus tracks a trade's progress through the settlement pipeline.
type SettlementStatus string

const (
	SettlementPending  SettlementStatus = "Pending"
	SettlementSettling SettlementStatus = "Settling"
	SettlementSettled  SettlementStatus = "Settled"
	SettlementFailed   SettlementStatus = "Failed"
)

// Outcome identifies one side of a binary condition: 0 = NO, 1 = YES.
type Outcome uint8

const (
	OutcomeNo  Outcome = 0
	OutcomeYes Outcome = 1
)

// IndexSet returns the CTF index-set bitmask for this outcome: {1} for NO,
// {2} for YES.
func (o Outcome) IndexSet() uint8 {
	if o == OutcomeYes {
		return 2
	}
	return 1
}

// ————————————————————————————————————————————————————————————————————————
// Tick size
// ————————————————————————————————————————————————————————————————————————

// Central band boundaries and tick increments, in 1/100000-of-a-dollar
// micro-units. Inside [centerLow, centerHigh] the grid is coarse (1 cent);
// outside it, prices near the extremes need finer resolution (0.1 cent).
const (
	TickCenterLow  int64 = 4000
	TickCenterHigh int64 = 96000
	TickCenter     int64 = 1000
	TickFine       int64 = 100

	MinPrice int64 = 1
	MaxPrice int64 = 99999
	MaxTotal int64 = 100000 // full dollar, in micro-units
)

// GetTickSize returns the minimum price increment applicable at a given
// price level.
func GetTickSize(price int64) int64 {
	if price >= TickCenterLow && price <= TickCenterHigh {
		return TickCenter
	}
	return TickFine
}

// RoundPrice rounds a price down to a multiple of its band's tick.
func RoundPrice(price int64) int64 {
	tick := GetTickSize(price)
	return (price / tick) * tick
}

// IsValidPrice reports whether price is a strictly positive multiple of its
// band's tick size, below MaxTotal.
func IsValidPrice(price int64) bool {
	if price < MinPrice || price >= MaxTotal {
		return false
	}
	tick := GetTickSize(price)
	return price%tick == 0
}

// ————————————————————————————————————————————————————————————————————————
// CTF domain: markets, conditions, positions, balances
// ————————————————————————————————————————————————————————————————————————

// Market is immutable once created: a binary-outcome prediction market bound
// to one Condition.
type Market struct {
	ID             string
	ConditionID    string
	OutcomeSlots   int // fixed at 2 for binary markets
	EndTime        time.Time
	ResolutionTime time.Time
}

// Condition is the content-addressed identifier for a market's resolution
// oracle/question pairing. PayoutNumerators is nil until resolution; its sum
// is the denominator used for redemption payout math.
type Condition struct {
	ID               string
	Oracle           string
	QuestionID       string
	SlotCount        int
	PayoutNumerators []uint64 // nil <=> unresolved
}

// Resolved reports whether payout numerators have been set.
func (c Condition) Resolved() bool {
	return c.PayoutNumerators != nil
}

// PayoutDenominator sums the payout numerators.
func (c Condition) PayoutDenominator() uint64 {
	var sum uint64
	for _, n := range c.PayoutNumerators {
		sum += n
	}
	return sum
}

// Position is the tuple (collateral token, condition, index-set). Binary
// markets only ever use singleton masks {1}/{2} plus the full set {1,2} for
// complete-set minting.
type Position struct {
	ID              string // deterministically derived, see adapter.DerivePositionID
	CollateralToken string
	ConditionID     string
	IndexSet        uint8
}

// Balance is a non-negative count of outcome-token units for one (position,
// owner) pair. Exclusively owned by the holder.
type Balance struct {
	PositionID string
	Owner      string
	Amount     uint64
}

// ————————————————————————————————————————————————————————————————————————
// Orders and trades
// ————————————————————————————————————————————————————————————————————————

// Order is the ledger's order record. Price is 0 for Market orders; for all
// other types it must be a valid tick-aligned price in [MinPrice, MaxTotal).
// Sizes are token micro-units. Invariant: RemainingSize+FilledSize==OriginalSize.
type Order struct {
	OrderID       string
	MarketID      string
	ConditionID   string
	UserAccount   string
	SolverAccount string // empty for natively submitted orders
	Outcome       Outcome
	Side          Side
	OrderType     OrderType
	Price         int64
	OriginalSize  uint64
	RemainingSize uint64
	FilledSize    uint64
	Status        OrderStatus
	CreatedAt     time.Time
	ExpiresAt     *time.Time
}

// Trade is immutable except SettlementStatus and SettlementTxHash.
type Trade struct {
	TradeID          string
	MarketID         string
	ConditionID      string
	MakerOrderID     string
	TakerOrderID     string
	MakerAccount     string
	TakerAccount     string
	MakerSide        Side
	TakerSide        Side
	Outcome          Outcome
	Price            int64
	Size             uint64
	TradeType        TradeType
	ExecutedAt       time.Time
	SettlementStatus SettlementStatus
	SettlementTxHash string
	Sequence         uint64 // assigned by the settlement scheduler at enqueue
}

// Reservation is a per-(user, market, order) hold on funds. For a Buy it
// holds collateral units; for a Sell it holds outcome-token units.
type Reservation struct {
	OrderID        string
	ReservationID  string
	AccountID      string
	MarketID       string
	ReservedAmount uint64
	MaxLoss        uint64
	Side           Side
	Price          int64
	Size           uint64
	CreatedAt      time.Time
}

// CollateralBalance tracks one (account, market) pair's funds. AvailableBal,
// ReservedBal and PositionBal move with reservations and releases;
// TotalDeposited and TotalWithdrawn are carried but no code in this module
// updates them, so AvailableBal is not derived from or checked against them.
type CollateralBalance struct {
	AccountID       string
	MarketID        string
	AvailableBal    uint64
	ReservedBal     uint64
	PositionBal     uint64
	TotalDeposited  uint64
	TotalWithdrawn  uint64
	LastUpdated     time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Order book views
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is one aggregated level of an order book snapshot.
type PriceLevel struct {
	Price int64  `json:"price"`
	Size  uint64 `json:"size"`
}

// OrderbookSnapshot is a point-in-time view of one (market, outcome) book.
type OrderbookSnapshot struct {
	MarketID       string       `json:"market_id"`
	Outcome        Outcome      `json:"outcome"`
	Bids           []PriceLevel `json:"bids"` // descending by price
	Asks           []PriceLevel `json:"asks"` // ascending by price
	LastTradePrice int64        `json:"last_trade_price"`
}

// MarketPrice summarizes top-of-book and last-trade pricing for one
// (market, outcome) book.
type MarketPrice struct {
	MarketID string  `json:"market_id"`
	Outcome  Outcome `json:"outcome"`
	Bid      int64   `json:"bid"`
	Ask      int64   `json:"ask"`
	Mid      int64   `json:"mid"`
	Last     int64   `json:"last"`
}

// ————————————————————————————————————————————————————————————————————————
// Wire types (submitted from the façade / solver)
// ————————————————————————————————————————————————————————————————————————

// SubmitOrderRequest is the JSON-friendly request body for order submission.
type SubmitOrderRequest struct {
	MarketID      string     `json:"market_id"`
	UserAccount   string     `json:"user_account"`
	SolverAccount string     `json:"solver_account,omitempty"`
	Outcome       Outcome    `json:"outcome"`
	Side          Side       `json:"side"`
	OrderType     OrderType  `json:"order_type"`
	Price         *int64     `json:"price,omitempty"` // required unless OrderType==Market
	Size          uint64     `json:"size"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// SubmitOrderResponse is returned to the caller after submit() completes.
type SubmitOrderResponse struct {
	Order  Order   `json:"order"`
	Trades []Trade `json:"trades"`
}

// CancelOrderRequest identifies an order to cancel and who is requesting it.
type CancelOrderRequest struct {
	OrderID     string `json:"order_id"`
	UserAccount string `json:"user_account"`
}

// TradeMatch is the internal record of one match produced during submit();
// it is the input to Trade construction and to settlement bucketing.
type TradeMatch struct {
	MakerOrderID string
	TakerOrderID string
	MakerAccount string
	TakerAccount string
	MakerSide    Side
	TakerSide    Side
	Outcome      Outcome
	Price        int64
	Size         uint64
	TradeType    TradeType
}

// SettlementBatch groups trades awaiting settlement, preserving the enqueue
// sequence that the scheduler uses for deterministic ordering.
type SettlementBatch struct {
	BatchID string
	Trades  []Trade
}

// ————————————————————————————————————————————————————————————————————————
// Event stream (pub-sub)
// ————————————————————————————————————————————————————————————————————————

// MarketOutcome identifies one side of one market's book.
type MarketOutcome struct {
	MarketID string  `json:"market_id"`
	Outcome  Outcome `json:"outcome"`
}

// OrderbookUpdate is published whenever a (market, outcome) book's top
// levels change.
type OrderbookUpdate struct {
	MarketID string            `json:"market_id"`
	Outcome  Outcome           `json:"outcome"`
	Snapshot OrderbookSnapshot `json:"snapshot"`
}

// TradeExecuted is published once per Trade produced by submit().
type TradeExecuted struct {
	Trade Trade `json:"trade"`
}

// OrderUpdate is published whenever an order's status or fill progress
// changes.
type OrderUpdate struct {
	OrderID    string      `json:"order_id"`
	Status     OrderStatus `json:"status"`
	FilledSize uint64      `json:"filled_size"`
}

// ————————————————————————————————————————————————————————————————————————
// Solver façade vocabulary
// ————————————————————————————————————————————————————————————————————————
// Mirrors the external solver contract's own enum/id vocabulary so that
// marshaling to/from its wire format never requires guessing a schema:
// amounts travel as decimal strings (U128-sized on the source chain) and the
// order/trade-type enums are distinct from the engine's own.

// SolverOrderSide is the solver contract's side enum.
type SolverOrderSide string

const (
	SolverBuy  SolverOrderSide = "Buy"
	SolverSell SolverOrderSide = "Sell"
)

// SolverOrderType is the solver contract's order-type enum.
type SolverOrderType string

const (
	SolverOrderMarket SolverOrderType = "Market"
	SolverOrderLimit  SolverOrderType = "Limit"
	SolverOrderGTC    SolverOrderType = "GTC"
	SolverOrderFOK    SolverOrderType = "FOK"
	SolverOrderGTD    SolverOrderType = "GTD"
	SolverOrderFAK    SolverOrderType = "FAK"
)

// SolverOrderStatus is the solver contract's order-status enum.
type SolverOrderStatus string

const (
	SolverStatusPending         SolverOrderStatus = "Pending"
	SolverStatusPartiallyFilled SolverOrderStatus = "PartiallyFilled"
	SolverStatusFilled          SolverOrderStatus = "Filled"
	SolverStatusCancelled       SolverOrderStatus = "Cancelled"
	SolverStatusExpired         SolverOrderStatus = "Expired"
)

// SolverOrder is the order shape understood by the external solver contract.
type SolverOrder struct {
	OrderID       string            `json:"order_id"`
	IntentID      string            `json:"intent_id"`
	User          string            `json:"user"`
	MarketID      string            `json:"market_id"`
	ConditionID   string            `json:"condition_id"`
	Outcome       Outcome           `json:"outcome"`
	Side          SolverOrderSide   `json:"side"`
	OrderType     SolverOrderType   `json:"order_type"`
	Price         uint64            `json:"price"`
	Amount        string            `json:"amount"`        // U128 as string
	FilledAmount  string            `json:"filled_amount"` // U128 as string
	Status        SolverOrderStatus `json:"status"`
	CreatedAt     int64             `json:"created_at"`
	ExpiresAt     int64             `json:"expires_at"`
}

// SolverTradeType mirrors TradeType for the solver wire format.
type SolverTradeType string

const (
	SolverTradeDirectMatch SolverTradeType = "DirectMatch"
	SolverTradeMinting     SolverTradeType = "Minting"
	SolverTradeBurning     SolverTradeType = "Burning"
)

// TradeExecutionRequest is the fill-mirror payload posted back to the
// external solver after a trade settles.
type TradeExecutionRequest struct {
	TradeID      string          `json:"trade_id"`
	MakerOrderID string          `json:"maker_order_id"`
	TakerOrderID string          `json:"taker_order_id"`
	MarketID     string          `json:"market_id"`
	ConditionID  string          `json:"condition_id"`
	Outcome      Outcome         `json:"outcome"`
	Price        uint64          `json:"price"`
	Amount       string          `json:"amount"` // U128 as string
	TradeType    SolverTradeType `json:"trade_type"`
	Maker        string          `json:"maker"`
	Taker        string          `json:"taker"`
	ExecutedAt   int64           `json:"executed_at"`
}

// ————————————————————————————————————————————————————————————————————————
// Cross-chain intent verifier
// ————————————————————————————————————————————————————————————————————————

// SignedIntent is a signed serialized intent from a recognized source chain,
// accompanied by the bridge transaction that carried it.
type SignedIntent struct {
	ChainID        string  `json:"chain_id"`
	SourceAddress  string  `json:"source_address"`
	BridgeTxRef    string  `json:"bridge_tx_ref"`
	Token          string  `json:"token"`
	Amount         uint64  `json:"amount"`
	MarketID       string  `json:"market_id"`
	Outcome        Outcome `json:"outcome"`
	Side           Side    `json:"side"`
	OrderType      OrderType `json:"order_type"`
	Price          *int64  `json:"price,omitempty"`
	Signature      string  `json:"signature"` // EVM-style 65-byte hex
}
