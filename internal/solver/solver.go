// Package solver implements the solver façade (spec §4.6): it translates a
// third-party SolverOrder (its own id type and enum vocabulary) into a
// native engine order, keeps an (engine order id <-> solver order id)
// bimap so the post-settlement mirror can notify the external solver
// contract of fills, and explicitly never reserves balance itself — that
// stays the engine's sole authority, to avoid a double reservation.
package solver

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"clob-engine/internal/config"
	"clob-engine/internal/errs"
	"clob-engine/pkg/types"
)

// OrderSubmitter is the engine's Submit entry point, narrowed to what the
// façade needs.
type OrderSubmitter interface {
	Submit(req types.SubmitOrderRequest) (types.SubmitOrderResponse, error)
}

// Facade bridges SolverOrder wire objects to the engine and mirrors
// settled fills back to the external solver contract over REST.
type Facade struct {
	cfg    config.SolverConfig
	engine OrderSubmitter
	http   *resty.Client
	logger *slog.Logger

	mu            sync.Mutex
	engineToSolver map[string]string
	solverToEngine map[string]string

	mirrorLimit *tokenBucket
}

// New creates a solver façade. engine is the matching engine's Submit
// entry point.
func New(cfg config.SolverConfig, engine OrderSubmitter, logger *slog.Logger) *Facade {
	httpClient := resty.New().
		SetBaseURL(cfg.MirrorBaseURL).
		SetTimeout(cfg.MirrorTimeout).
		SetRetryCount(cfg.MirrorRetries).
		SetRetryWaitTime(200 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	return &Facade{
		cfg:            cfg,
		engine:         engine,
		http:           httpClient,
		logger:         logger.With("component", "solver"),
		engineToSolver: make(map[string]string),
		solverToEngine: make(map[string]string),
		// 20 fill-mirror POSTs/sec sustained, bursting to 40, so a settlement
		// batch flush can't hammer the external solver contract's REST surface.
		mirrorLimit: newTokenBucket(40, 20),
	}
}

func translateSide(s types.SolverOrderSide) types.Side {
	if s == types.SolverSell {
		return types.Sell
	}
	return types.Buy
}

func translateOrderType(t types.SolverOrderType) types.OrderType {
	switch t {
	case types.SolverOrderMarket:
		return types.OrderTypeMarket
	case types.SolverOrderGTC:
		return types.OrderTypeGTC
	case types.SolverOrderFOK:
		return types.OrderTypeFOK
	case types.SolverOrderGTD:
		return types.OrderTypeGTD
	case types.SolverOrderFAK:
		return types.OrderTypeFAK
	default:
		return types.OrderTypeLimit
	}
}

// SubmitSolverOrder validates and translates a SolverOrder into a native
// order, submits it through the engine (which performs its own §4.2 step 1
// validation and reservation — the façade reserves nothing itself), and
// records the id mapping for later fill mirroring.
func (f *Facade) SubmitSolverOrder(so types.SolverOrder) (types.SubmitOrderResponse, error) {
	amount, err := strconv.ParseUint(so.Amount, 10, 64)
	if err != nil || amount == 0 {
		return types.SubmitOrderResponse{}, fmt.Errorf("invalid solver order amount %q: %w", so.Amount, errs.ErrValidation)
	}

	req := types.SubmitOrderRequest{
		MarketID:      so.MarketID,
		UserAccount:   so.User,
		SolverAccount: so.IntentID,
		Outcome:       so.Outcome,
		Side:          translateSide(so.Side),
		OrderType:     translateOrderType(so.OrderType),
		Size:          amount,
	}
	if so.OrderType != types.SolverOrderMarket {
		price := int64(so.Price)
		req.Price = &price
	}
	if so.ExpiresAt > 0 {
		t := time.Unix(so.ExpiresAt, 0)
		req.ExpiresAt = &t
	}

	resp, err := f.engine.Submit(req)
	if err != nil {
		return types.SubmitOrderResponse{}, err
	}

	f.mu.Lock()
	f.engineToSolver[resp.Order.OrderID] = so.OrderID
	f.solverToEngine[so.OrderID] = resp.Order.OrderID
	f.mu.Unlock()

	return resp, nil
}

// SolverOrderID returns the external solver order id for a native engine
// order id, if this façade submitted it.
func (f *Facade) SolverOrderID(engineOrderID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.engineToSolver[engineOrderID]
	return id, ok
}

// MirrorFill posts a TradeExecutionRequest to the external solver contract
// for a trade touching an order this façade submitted. Returns
// (false, nil) when neither side of the trade maps to a known solver
// order — a perfectly normal case for trades between two native orders.
func (f *Facade) MirrorFill(ctx context.Context, t types.Trade) (bool, error) {
	makerSolverID, makerOK := f.SolverOrderID(t.MakerOrderID)
	takerSolverID, takerOK := f.SolverOrderID(t.TakerOrderID)
	if !makerOK && !takerOK {
		return false, nil
	}

	if err := f.mirrorLimit.wait(ctx); err != nil {
		return false, fmt.Errorf("mirror fill: %w", err)
	}

	req := types.TradeExecutionRequest{
		TradeID:      t.TradeID,
		MakerOrderID: pick(makerOK, makerSolverID, t.MakerOrderID),
		TakerOrderID: pick(takerOK, takerSolverID, t.TakerOrderID),
		MarketID:     t.MarketID,
		ConditionID:  t.ConditionID,
		Outcome:      t.Outcome,
		Price:        uint64(t.Price),
		Amount:       strconv.FormatUint(t.Size, 10),
		TradeType:    translateTradeType(t.TradeType),
		Maker:        t.MakerAccount,
		Taker:        t.TakerAccount,
		ExecutedAt:   t.ExecutedAt.Unix(),
	}

	resp, err := f.http.R().
		SetContext(ctx).
		SetBody(req).
		Post("/fills")
	if err != nil {
		return false, fmt.Errorf("mirror fill: %w", err)
	}
	if resp.StatusCode() >= 300 {
		return false, fmt.Errorf("mirror fill: status %d: %s", resp.StatusCode(), resp.String())
	}
	return true, nil
}

func translateTradeType(t types.TradeType) types.SolverTradeType {
	switch t {
	case types.TradeMinting:
		return types.SolverTradeMinting
	case types.TradeBurning:
		return types.SolverTradeBurning
	default:
		return types.SolverTradeDirectMatch
	}
}

func pick(ok bool, a, b string) string {
	if ok {
		return a
	}
	return b
}
