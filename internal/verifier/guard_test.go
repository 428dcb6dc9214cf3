package verifier

import (
	"testing"
	"time"

	"clob-engine/internal/config"
)

func TestBridgeGuardTripsPauseOverThreshold(t *testing.T) {
	sub := &fakeSubmitter{}
	cfg := baseCfg()
	v := New(cfg, sub, discardLogger())

	guardCfg := cfg
	guardCfg.AnomalyWindow = time.Minute
	guardCfg.AnomalyThreshold = 3
	guard := NewBridgeGuard(guardCfg, v, discardLogger())
	v.AttachGuard(guard)

	for i := 0; i < 4; i++ {
		guard.RecordRejection("eth-mainnet")
	}

	key := newKey(t)
	intent := signedIntent(t, key, "eth-mainnet", "tx-after-trip", 1000)
	if _, err := v.Verify(intent); err == nil {
		t.Fatalf("expected verifier to be auto-paused after anomaly threshold breach")
	}
}

func TestBridgeGuardDoesNotTripBelowThreshold(t *testing.T) {
	sub := &fakeSubmitter{}
	cfg := baseCfg()
	v := New(cfg, sub, discardLogger())

	guardCfg := cfg
	guardCfg.AnomalyWindow = time.Minute
	guardCfg.AnomalyThreshold = 10
	guard := NewBridgeGuard(guardCfg, v, discardLogger())
	v.AttachGuard(guard)

	guard.RecordRejection("eth-mainnet")
	guard.RecordRejection("eth-mainnet")

	key := newKey(t)
	intent := signedIntent(t, key, "eth-mainnet", "tx-still-ok", 1000)
	if _, err := v.Verify(intent); err != nil {
		t.Fatalf("expected verify to still succeed below anomaly threshold: %v", err)
	}
}
