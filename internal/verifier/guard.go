// guard.go implements an anomaly-triggered auto-pause for the verifier,
// adapted from a market maker's rolling-window kill switch: instead of
// watching mid-price movement or PnL, it watches the rate of rejected
// bridge intents per chain and trips the verifier's emergency pause when a
// single chain's rejection count spikes within a rolling window — the same
// breach-detection shape, pointed at a different signal.
package verifier

import (
	"log/slog"
	"sync"
	"time"

	"clob-engine/internal/config"
)

type rejectionWindow struct {
	count     int
	windowEnd time.Time
}

// BridgeGuard watches Verify's rejection rate per chain and pauses the
// Verifier it wraps when a chain crosses the configured anomaly threshold,
// e.g. a burst of replayed or malformed intents that suggests a compromised
// or misbehaving bridge relayer.
type BridgeGuard struct {
	cfg      config.VerifierConfig
	verifier *Verifier
	logger   *slog.Logger

	mu      sync.Mutex
	windows map[string]*rejectionWindow
}

// NewBridgeGuard wraps a Verifier with anomaly-triggered auto-pause.
func NewBridgeGuard(cfg config.VerifierConfig, v *Verifier, logger *slog.Logger) *BridgeGuard {
	if cfg.AnomalyWindow <= 0 {
		cfg.AnomalyWindow = time.Minute
	}
	if cfg.AnomalyThreshold <= 0 {
		cfg.AnomalyThreshold = 20
	}
	return &BridgeGuard{
		cfg:      cfg,
		verifier: v,
		logger:   logger.With("component", "bridge-guard"),
		windows:  make(map[string]*rejectionWindow),
	}
}

// RecordRejection registers one rejected intent for chainID and trips the
// verifier's emergency pause if the rolling-window count exceeds the
// configured threshold.
func (g *BridgeGuard) RecordRejection(chainID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	w, ok := g.windows[chainID]
	if !ok || now.After(w.windowEnd) {
		w = &rejectionWindow{windowEnd: now.Add(g.cfg.AnomalyWindow)}
		g.windows[chainID] = w
	}
	w.count++

	if w.count > g.cfg.AnomalyThreshold {
		g.logger.Error("bridge anomaly threshold breached, pausing verifier",
			"chain", chainID, "count", w.count, "window", g.cfg.AnomalyWindow)
		g.verifier.Pause()
	}
}
