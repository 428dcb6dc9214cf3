package verifier

import (
	"crypto/ecdsa"
	"encoding/hex"
	"io"
	"log/slog"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"

	"clob-engine/internal/config"
	"clob-engine/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSubmitter struct {
	lastReq types.SubmitOrderRequest
	calls   int
}

func (f *fakeSubmitter) Submit(req types.SubmitOrderRequest) (types.SubmitOrderResponse, error) {
	f.lastReq = req
	f.calls++
	return types.SubmitOrderResponse{Order: types.Order{OrderID: "order-1"}}, nil
}

func signedIntent(t *testing.T, privKey *ecdsa.PrivateKey, chainID, bridgeTx string, amount uint64) types.SignedIntent {
	t.Helper()
	addr := crypto.PubkeyToAddress(privKey.PublicKey)
	price := int64(50000)

	intent := types.SignedIntent{
		ChainID:       chainID,
		SourceAddress: addr.Hex(),
		BridgeTxRef:   bridgeTx,
		Token:         "usdc",
		Amount:        amount,
		MarketID:      "m1",
		Outcome:       types.OutcomeYes,
		Side:          types.Buy,
		OrderType:     types.OrderTypeLimit,
		Price:         &price,
	}

	digest := intentDigest(intent)
	sig, err := crypto.Sign(digest, privKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	intent.Signature = "0x" + hex.EncodeToString(sig)
	return intent
}

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	k, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return k
}

func baseCfg() config.VerifierConfig {
	return config.VerifierConfig{
		SupportedChains: []string{"eth-mainnet"},
		DailyVolumeCap:  1_000_000,
		BridgeMinAmount: 10,
	}
}

func TestVerifyAcceptsWellFormedIntent(t *testing.T) {
	key := newKey(t)
	sub := &fakeSubmitter{}
	v := New(baseCfg(), sub, discardLogger())

	intent := signedIntent(t, key, "eth-mainnet", "tx-1", 1000)
	_, err := v.Verify(intent)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if sub.calls != 1 {
		t.Fatalf("expected engine.Submit called once, got %d", sub.calls)
	}
	if sub.lastReq.UserAccount == "" {
		t.Fatalf("expected derived cross-chain account, got empty")
	}
}

func TestVerifyRejectsUnsupportedChain(t *testing.T) {
	key := newKey(t)
	sub := &fakeSubmitter{}
	v := New(baseCfg(), sub, discardLogger())

	intent := signedIntent(t, key, "unknown-chain", "tx-2", 1000)
	if _, err := v.Verify(intent); err == nil {
		t.Fatalf("expected rejection for unsupported chain")
	}
}

func TestVerifyRejectsReplay(t *testing.T) {
	key := newKey(t)
	sub := &fakeSubmitter{}
	v := New(baseCfg(), sub, discardLogger())

	intent := signedIntent(t, key, "eth-mainnet", "tx-replay", 1000)
	if _, err := v.Verify(intent); err != nil {
		t.Fatalf("first verify: %v", err)
	}
	if _, err := v.Verify(intent); err == nil {
		t.Fatalf("expected replay rejection on second verify with same bridge tx")
	}
}

func TestVerifyRejectsWhenPaused(t *testing.T) {
	key := newKey(t)
	sub := &fakeSubmitter{}
	v := New(baseCfg(), sub, discardLogger())
	v.Pause()

	intent := signedIntent(t, key, "eth-mainnet", "tx-3", 1000)
	if _, err := v.Verify(intent); err == nil {
		t.Fatalf("expected rejection while paused")
	}
}

func TestVerifyRejectsOverDailyVolumeCap(t *testing.T) {
	key := newKey(t)
	sub := &fakeSubmitter{}
	cfg := baseCfg()
	cfg.DailyVolumeCap = 1500
	v := New(cfg, sub, discardLogger())

	first := signedIntent(t, key, "eth-mainnet", "tx-4", 1000)
	if _, err := v.Verify(first); err != nil {
		t.Fatalf("first verify: %v", err)
	}
	second := signedIntent(t, key, "eth-mainnet", "tx-5", 1000)
	if _, err := v.Verify(second); err == nil {
		t.Fatalf("expected rejection once cumulative volume exceeds cap")
	}
}

func TestVerifyRejectsMalformedSignature(t *testing.T) {
	sub := &fakeSubmitter{}
	v := New(baseCfg(), sub, discardLogger())

	price := int64(50000)
	intent := types.SignedIntent{
		ChainID:       "eth-mainnet",
		SourceAddress: "0x0000000000000000000000000000000000000001",
		BridgeTxRef:   "tx-bad-sig",
		Token:         "usdc",
		Amount:        1000,
		MarketID:      "m1",
		Outcome:       types.OutcomeYes,
		Side:          types.Buy,
		OrderType:     types.OrderTypeLimit,
		Price:         &price,
		Signature:     "not-hex",
	}
	if _, err := v.Verify(intent); err == nil {
		t.Fatalf("expected rejection for malformed signature")
	}
}
