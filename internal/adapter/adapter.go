// Package adapter implements the external token adapter: typed operations
// against the CTF and fungible-token contracts spec §6 names, with a
// serialized nonce tracker and exponential-backoff retries (spec §5).
//
// The concrete client here is a deterministic in-memory fake standing in for
// github.com/GoPolymarket/polymarket-go-sdk's contract bindings — same
// argument order and return shape, so wiring the real SDK client behind
// this type is a one-line change, not a rewrite. A test-only failure-rate
// knob lets the settlement/collateral tests exercise the rollback and Stuck
// paths (spec §4.3.1) without a live chain.
package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"clob-engine/internal/errs"
)

const (
	maxNonceRetries  = 3
	maxBalanceRetries = 3
	baseBackoff       = 50 * time.Millisecond
)

// Client is the external token adapter. One Client is shared across the
// process; internally it serializes transaction construction behind txMu and
// caches the last-used nonce so concurrent settlement tasks never collide.
type Client struct {
	logger *slog.Logger

	txMu         sync.Mutex
	nonceMu      sync.Mutex
	cachedNonce  *uint64
	queryNonceFn func(ctx context.Context) (uint64, error)

	callCount int64

	failMu      sync.Mutex
	failureRate float64 // test-only: probability in [0,1] that a call fails

	balMu    sync.RWMutex
	balances map[string]uint64 // "account:position_id" -> amount, test fake state
}

// New creates an adapter client. queryNonceFn supplies a fresh nonce from
// the network when the cache is empty or was invalidated; tests can pass a
// deterministic counter.
func New(logger *slog.Logger, queryNonceFn func(ctx context.Context) (uint64, error)) *Client {
	if queryNonceFn == nil {
		var counter uint64
		queryNonceFn = func(ctx context.Context) (uint64, error) {
			counter++
			return counter, nil
		}
	}
	return &Client{
		logger:       logger.With("component", "adapter"),
		queryNonceFn: queryNonceFn,
		balances:     make(map[string]uint64),
	}
}

// SetFailureRate sets the probability that the next external calls fail
// with ErrTransient. Test-only.
func (c *Client) SetFailureRate(rate float64) {
	c.failMu.Lock()
	defer c.failMu.Unlock()
	c.failureRate = rate
}

func (c *Client) shouldInjectFailure() bool {
	c.failMu.Lock()
	rate := c.failureRate
	c.failMu.Unlock()
	if rate <= 0 {
		return false
	}
	return rand.Float64() < rate
}

// SeedBalance sets a test account's balance for a position, bypassing any
// transfer/mint path. Test-only.
func (c *Client) SeedBalance(account, positionID string, amount uint64) {
	c.balMu.Lock()
	defer c.balMu.Unlock()
	c.balances[account+":"+positionID] = amount
}

func balKey(account, positionID string) string { return account + ":" + positionID }

// ————————————————————————————————————————————————————————————————————————
// Nonce tracking (spec §5)
// ————————————————————————————————————————————————————————————————————————

// withNonce serializes transaction construction behind txMu, obtains a
// nonce (cached or freshly queried), runs fn, and resets the cache on any
// error from fn so the next attempt forces a fresh query. Makes at most
// maxNonceRetries attempts in total, with exponential backoff starting at
// baseBackoff between them.
func (c *Client) withNonce(ctx context.Context, fn func(nonce uint64) (string, error)) (string, error) {
	c.txMu.Lock()
	defer c.txMu.Unlock()

	backoff := baseBackoff
	var lastErr error
	for attempt := 0; attempt < maxNonceRetries; attempt++ {
		nonce, err := c.nonce(ctx)
		if err != nil {
			lastErr = err
		} else {
			txHash, err := fn(nonce)
			if err == nil {
				c.advanceNonce(nonce)
				return txHash, nil
			}
			lastErr = err
			c.resetNonce()
		}
		if attempt < maxNonceRetries-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return "", fmt.Errorf("adapter call exhausted %d nonce retries: %w", maxNonceRetries, joinTransient(lastErr))
}

func (c *Client) nonce(ctx context.Context) (uint64, error) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	if c.cachedNonce != nil {
		return *c.cachedNonce, nil
	}
	n, err := c.queryNonceFn(ctx)
	if err != nil {
		return 0, fmt.Errorf("query nonce: %w", errs.ErrTransient)
	}
	c.cachedNonce = &n
	return n, nil
}

func (c *Client) advanceNonce(used uint64) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	next := used + 1
	c.cachedNonce = &next
}

func (c *Client) resetNonce() {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	c.cachedNonce = nil
}

func joinTransient(err error) error {
	if err == nil {
		return errs.ErrTransient
	}
	return fmt.Errorf("%v: %w", err, errs.ErrTransient)
}

func (c *Client) nextCallID() int64 {
	c.callCount++
	return c.callCount
}

// ————————————————————————————————————————————————————————————————————————
// CTF operations (spec §6 "External token contract operations consumed")
// ————————————————————————————————————————————————————————————————————————

// SplitPosition burns amount of the parent collection (or deposits
// collateral, when parent is the null collection) and mints amount of each
// position named by partition. This in-memory client only credits the
// partition positions to owner; no parent or collateral balance is debited.
func (c *Client) SplitPosition(ctx context.Context, collateralToken, parentCollection, conditionID string, partition []int, amount uint64, owner string) (string, error) {
	return c.withNonce(ctx, func(nonce uint64) (string, error) {
		if c.shouldInjectFailure() {
			return "", fmt.Errorf("split_position: %w", errs.ErrTransient)
		}
		for _, idx := range partition {
			collection := DeriveCollectionID(parentCollection, conditionID, []int{idx})
			posID := DerivePositionID(collateralToken, collection)
			c.balMu.Lock()
			c.balances[balKey(owner, posID)] += amount
			c.balMu.Unlock()
		}
		txHash := fmt.Sprintf("split-%d-%d", nonce, c.nextCallID())
		c.logger.Info("split_position", "condition", conditionID, "amount", amount, "tx", txHash)
		return txHash, nil
	})
}

// MergePositions is the inverse of SplitPosition: burns amount of each
// position named by partition and credits amount of the parent collection.
// This in-memory client debits each partition position only when it holds
// at least amount, and credits no parent or collateral balance.
func (c *Client) MergePositions(ctx context.Context, collateralToken, parentCollection, conditionID string, partition []int, amount uint64, owner string) (string, error) {
	return c.withNonce(ctx, func(nonce uint64) (string, error) {
		if c.shouldInjectFailure() {
			return "", fmt.Errorf("merge_positions: %w", errs.ErrTransient)
		}
		for _, idx := range partition {
			collection := DeriveCollectionID(parentCollection, conditionID, []int{idx})
			posID := DerivePositionID(collateralToken, collection)
			c.balMu.Lock()
			if c.balances[balKey(owner, posID)] >= amount {
				c.balances[balKey(owner, posID)] -= amount
			}
			c.balMu.Unlock()
		}
		txHash := fmt.Sprintf("merge-%d-%d", nonce, c.nextCallID())
		c.logger.Info("merge_positions", "condition", conditionID, "amount", amount, "tx", txHash)
		return txHash, nil
	})
}

// RedeemPositions computes payout = sum(balance * numerator) / denominator
// per index set, burns the positions, and returns collateral. Requires a
// resolved condition (non-nil numerators).
func (c *Client) RedeemPositions(ctx context.Context, collateralToken, parentCollection, conditionID string, indexSets [][]int, numerators []uint64, owner string) (uint64, string, error) {
	denominator := uint64(0)
	for _, n := range numerators {
		denominator += n
	}
	if denominator == 0 {
		return 0, "", fmt.Errorf("redeem_positions: condition unresolved: %w", errs.ErrValidation)
	}

	txHash, err := c.withNonce(ctx, func(nonce uint64) (string, error) {
		if c.shouldInjectFailure() {
			return "", fmt.Errorf("redeem_positions: %w", errs.ErrTransient)
		}
		return fmt.Sprintf("redeem-%d-%d", nonce, c.nextCallID()), nil
	})
	if err != nil {
		return 0, "", err
	}

	var payout uint64
	for _, idx := range indexSets {
		collection := DeriveCollectionID(parentCollection, conditionID, idx)
		posID := DerivePositionID(collateralToken, collection)
		c.balMu.Lock()
		bal := c.balances[balKey(owner, posID)]
		c.balances[balKey(owner, posID)] = 0
		c.balMu.Unlock()
		for _, slot := range idx {
			if slot-1 >= 0 && slot-1 < len(numerators) {
				payout += bal * numerators[slot-1] / denominator
			}
		}
	}
	return payout, txHash, nil
}

// SafeTransferFrom moves amount of positionID from from to to.
func (c *Client) SafeTransferFrom(ctx context.Context, from, to, positionID string, amount uint64) (string, error) {
	return c.withNonce(ctx, func(nonce uint64) (string, error) {
		if c.shouldInjectFailure() {
			return "", fmt.Errorf("safe_transfer_from: %w", errs.ErrTransient)
		}
		c.balMu.Lock()
		defer c.balMu.Unlock()
		if c.balances[balKey(from, positionID)] < amount {
			return "", fmt.Errorf("safe_transfer_from: insufficient balance: %w", errs.ErrInsufficientFunds)
		}
		c.balances[balKey(from, positionID)] -= amount
		c.balances[balKey(to, positionID)] += amount
		return fmt.Sprintf("xfer-%d-%d", nonce, c.nextCallID()), nil
	})
}

// BalanceOf makes at most maxBalanceRetries attempts in total, with doubling
// backoff starting at baseBackoff. Exhaustion returns an error — it never silently
// reports zero.
func (c *Client) BalanceOf(ctx context.Context, owner, positionID string) (uint64, error) {
	backoff := baseBackoff
	var lastErr error
	for attempt := 0; attempt < maxBalanceRetries; attempt++ {
		if !c.shouldInjectFailure() {
			c.balMu.RLock()
			bal := c.balances[balKey(owner, positionID)]
			c.balMu.RUnlock()
			return bal, nil
		}
		lastErr = errs.ErrTransient
		if attempt < maxBalanceRetries-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	c.logger.Error("balance_of exhausted retries, refusing to default to zero", "owner", owner, "position", positionID)
	return 0, fmt.Errorf("balance_of exhausted %d attempts: %w", maxBalanceRetries, lastErr)
}

// ————————————————————————————————————————————————————————————————————————
// Collateral token operations
// ————————————————————————————————————————————————————————————————————————

// TransferFrom moves amount of the collateral token from from to to.
func (c *Client) TransferFrom(ctx context.Context, from, to string, amount uint64) (string, error) {
	const collateralPos = "collateral"
	return c.SafeTransferFrom(ctx, from, to, collateralPos, amount)
}

// FTBalanceOf retries like BalanceOf, scoped to the collateral token.
func (c *Client) FTBalanceOf(ctx context.Context, account string) (uint64, error) {
	return c.BalanceOf(ctx, account, "collateral")
}

// SeedCollateral credits a test account with collateral token balance.
func (c *Client) SeedCollateral(account string, amount uint64) {
	c.SeedBalance(account, "collateral", amount)
}
