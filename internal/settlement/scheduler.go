// Package settlement implements the settlement scheduler (spec §4.4): it
// consumes the trade channel the matching engine writes to, assigns each
// trade a monotonically increasing sequence number at enqueue, and flushes
// accumulated trades — on a batch timer, an eager size threshold, or a
// retry tick over previously Failed trades — through the collateral
// manager's settlement plan/execute pair.
//
// The engine reaches the scheduler only through the buffered trade channel.
// Run reads it and calls the unexported enqueue, which appends to an
// in-memory slice behind a mutex and, once BatchSize trades are queued,
// flushes synchronously on Run's goroutine; while a flush runs the channel
// is not drained, so an engine send blocks once the buffer is full.
package settlement

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"clob-engine/internal/collateral"
	"clob-engine/internal/config"
	"clob-engine/internal/store"
	"clob-engine/pkg/types"
)

// bucketKey groups trades the way spec §4.4 requires: by trade type, then
// by condition.
type bucketKey struct {
	Kind        types.TradeType
	ConditionID string
}

// kindOrder fixes Minting before DirectMatch before Burning within a
// flush, since minted inventory must exist before any transfer that might
// depend on it.
var kindOrder = map[types.TradeType]int{
	types.TradeMinting:     0,
	types.TradeDirectMatch: 1,
	types.TradeBurning:     2,
}

// Scheduler batches executed trades and drives them through the collateral
// manager.
type Scheduler struct {
	cfg        config.SettlementConfig
	store      *store.Store
	collateral *collateral.Manager
	logger     *slog.Logger

	tradeCh chan types.Trade

	mu       sync.Mutex
	nextSeq  uint64
	pending  []types.Trade

	onSettled func(context.Context, types.Trade)
}

// OnSettled registers a callback fired once per trade, after its bucket
// settles successfully. Used to mirror fills back to the external solver
// contract for solver-routed orders; nil by default.
func (sch *Scheduler) OnSettled(fn func(context.Context, types.Trade)) {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	sch.onSettled = fn
}

// New creates a settlement scheduler reading from tradeCh. tradeCh is the
// same channel handed to engine.New as its trade forwarding sink.
func New(cfg config.SettlementConfig, s *store.Store, cm *collateral.Manager, tradeCh chan types.Trade, logger *slog.Logger) *Scheduler {
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 30 * time.Second
	}
	return &Scheduler{
		cfg:        cfg,
		store:      s,
		collateral: cm,
		logger:     logger.With("component", "settlement"),
		tradeCh:    tradeCh,
		nextSeq:    1,
	}
}

// Run drives the scheduler until ctx is cancelled: it reads trades off
// tradeCh, assigning sequence numbers and appending to the pending batch,
// flushing eagerly past BatchSize and periodically on BatchInterval, and
// rescanning for Failed trades every RetryInterval.
func (sch *Scheduler) Run(ctx context.Context) {
	batchTicker := time.NewTicker(sch.cfg.BatchInterval)
	defer batchTicker.Stop()
	retryTicker := time.NewTicker(sch.cfg.RetryInterval)
	defer retryTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-sch.tradeCh:
			if !ok {
				return
			}
			sch.enqueue(t)
		case <-batchTicker.C:
			sch.flush(ctx)
		case <-retryTicker.C:
			sch.retryFailed(ctx)
		}
	}
}

// enqueue assigns the trade its sequence number and appends it to the
// pending batch, flushing eagerly once BatchSize is reached.
func (sch *Scheduler) enqueue(t types.Trade) {
	sch.mu.Lock()
	t.Sequence = sch.nextSeq
	sch.nextSeq++
	// store the sequenced copy so a retry read back from the store keeps it
	_ = sch.store.InsertTrade(&t)
	sch.pending = append(sch.pending, t)
	shouldFlush := len(sch.pending) >= sch.cfg.BatchSize
	sch.mu.Unlock()

	if shouldFlush {
		sch.flush(context.Background())
	}
}

// flush drains the pending batch and settles it.
func (sch *Scheduler) flush(ctx context.Context) {
	sch.mu.Lock()
	batch := sch.pending
	sch.pending = nil
	sch.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	sch.settleBatch(ctx, batch)
}

// retryFailed re-scans the store for trades sitting in Failed and resubmits
// them, keeping their original sequence so submission order is preserved.
func (sch *Scheduler) retryFailed(ctx context.Context) {
	failed := sch.store.GetFailedTrades()
	if len(failed) == 0 {
		return
	}
	trades := make([]types.Trade, len(failed))
	for i, t := range failed {
		trades[i] = *t
	}
	sch.logger.Info("retrying failed trades", "count", len(trades))
	sch.settleBatch(ctx, trades)
}

// settleBatch buckets trades by (trade_type, condition_id), orders the
// buckets Minting -> DirectMatch -> Burning, and processes each bucket
// sorted strictly by sequence.
func (sch *Scheduler) settleBatch(ctx context.Context, trades []types.Trade) {
	buckets := make(map[bucketKey][]types.Trade)
	for _, t := range trades {
		key := bucketKey{Kind: t.TradeType, ConditionID: t.ConditionID}
		buckets[key] = append(buckets[key], t)
	}

	keys := make([]bucketKey, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if kindOrder[keys[i].Kind] != kindOrder[keys[j].Kind] {
			return kindOrder[keys[i].Kind] < kindOrder[keys[j].Kind]
		}
		return keys[i].ConditionID < keys[j].ConditionID
	})

	for _, key := range keys {
		bucket := buckets[key]
		sort.Slice(bucket, func(i, j int) bool { return bucket[i].Sequence < bucket[j].Sequence })
		sch.settleOne(ctx, key, bucket)
	}
}

// settleOne transitions a bucket Pending -> Settling, executes it, then
// transitions Settled or Failed. A bucket's failure never blocks its
// siblings: the caller always finishes the full keys loop.
func (sch *Scheduler) settleOne(ctx context.Context, key bucketKey, trades []types.Trade) {
	for _, t := range trades {
		_ = sch.store.UpdateTradeSettlementStatus(t.TradeID, types.SettlementSettling, "")
	}

	plan, err := sch.collateral.CalculateSettlement(key.ConditionID, key.Kind, trades)
	if err != nil {
		sch.logger.Error("calculate settlement", "kind", key.Kind, "condition", key.ConditionID, "err", err)
		sch.markFailed(trades)
		return
	}

	txHash, err := sch.collateral.ExecuteSettlement(ctx, plan)
	if err != nil {
		sch.logger.Error("execute settlement", "kind", key.Kind, "condition", key.ConditionID, "err", err)
		sch.markFailed(trades)
		return
	}

	for _, t := range trades {
		_ = sch.store.UpdateTradeSettlementStatus(t.TradeID, types.SettlementSettled, txHash)
	}
	sch.logger.Info("settled batch", "kind", key.Kind, "condition", key.ConditionID, "trades", len(trades), "tx", txHash)

	sch.mu.Lock()
	onSettled := sch.onSettled
	sch.mu.Unlock()
	if onSettled != nil {
		for _, t := range trades {
			t.SettlementStatus = types.SettlementSettled
			t.SettlementTxHash = txHash
			onSettled(ctx, t)
		}
	}
}

func (sch *Scheduler) markFailed(trades []types.Trade) {
	for _, t := range trades {
		_ = sch.store.UpdateTradeSettlementStatus(t.TradeID, types.SettlementFailed, "")
	}
}
