// Package verifier implements the cross-chain intent verifier (spec §4.5):
// it takes a signed intent carried over a bridge transaction from a
// recognized source chain, runs it through format/replay/pause/whitelist/
// volume-cap checks, and — on success — converts it into a native engine
// order and forwards it through the same submit path as any other order.
package verifier

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"clob-engine/internal/config"
	"clob-engine/internal/errs"
	"clob-engine/pkg/types"
)

// OrderSubmitter is the engine's Submit method, narrowed to the one call
// the verifier needs. Accepting an interface here keeps this package
// independent of the engine package's full surface.
type OrderSubmitter interface {
	Submit(req types.SubmitOrderRequest) (types.SubmitOrderResponse, error)
}

// volumeWindow tracks a user's rolling 24h bridged volume.
type volumeWindow struct {
	total     uint64
	windowEnd time.Time
}

// Verifier enforces the cross-chain intent checks and forwards verified
// intents to the matching engine.
type Verifier struct {
	cfg    config.VerifierConfig
	engine OrderSubmitter
	logger *slog.Logger

	mu       sync.Mutex
	seenTx   map[string]struct{}
	volumes  map[string]*volumeWindow
	paused   bool

	guard *BridgeGuard
}

// AttachGuard wires a BridgeGuard so rejected intents feed its anomaly
// detector. Must be called after NewBridgeGuard(cfg, v, logger), since the
// guard needs a constructed Verifier to pause.
func (v *Verifier) AttachGuard(g *BridgeGuard) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.guard = g
}

func (v *Verifier) recordRejection(chainID string) {
	v.mu.Lock()
	g := v.guard
	v.mu.Unlock()
	if g != nil {
		g.RecordRejection(chainID)
	}
}

// New creates a verifier. engine is the matching engine's Submit entry
// point; paused mirrors cfg.EmergencyPause but can be flipped at runtime
// via Pause/Resume without a config reload.
func New(cfg config.VerifierConfig, engine OrderSubmitter, logger *slog.Logger) *Verifier {
	return &Verifier{
		cfg:     cfg,
		engine:  engine,
		logger:  logger.With("component", "verifier"),
		seenTx:  make(map[string]struct{}),
		volumes: make(map[string]*volumeWindow),
		paused:  cfg.EmergencyPause,
	}
}

// Pause engages the emergency pause gate: every Verify call is refused
// until Resume is called.
func (v *Verifier) Pause() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.paused = true
	v.logger.Warn("emergency pause engaged")
}

// Resume lifts the emergency pause gate.
func (v *Verifier) Resume() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.paused = false
	v.logger.Info("emergency pause lifted")
}

func (v *Verifier) chainSupported(chainID string) bool {
	for _, c := range v.cfg.SupportedChains {
		if c == chainID {
			return true
		}
	}
	return false
}

func (v *Verifier) tokenWhitelisted(token string) bool {
	if !v.cfg.WhitelistEnabled {
		return true
	}
	for _, t := range v.cfg.WhitelistedTokens {
		if t == token {
			return true
		}
	}
	return false
}

// signatureFormatValid rejects anything that isn't a 65-byte (130 hex
// char, optionally 0x-prefixed) EVM-style signature.
func signatureFormatValid(sig string) ([]byte, bool) {
	s := sig
	if len(s) >= 2 && s[:2] == "0x" {
		s = s[2:]
	}
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 65 {
		return nil, false
	}
	return raw, true
}

// recoverSigner recovers the EVM address that produced sig over the
// intent's canonical byte encoding. Returns the zero address if recovery
// fails; callers treat that as a format rejection, same as a malformed
// signature.
func recoverSigner(intent types.SignedIntent, sigBytes []byte) (common.Address, bool) {
	digest := intentDigest(intent)
	// go-ethereum expects the recovery id in the last byte as 0/1.
	normalized := make([]byte, len(sigBytes))
	copy(normalized, sigBytes)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, false
	}
	return crypto.PubkeyToAddress(*pub), true
}

func intentDigest(intent types.SignedIntent) []byte {
	payload := fmt.Sprintf("%s:%s:%s:%s:%d:%s:%d:%d",
		intent.ChainID, intent.SourceAddress, intent.BridgeTxRef, intent.Token,
		intent.Amount, intent.MarketID, intent.Outcome, intent.Side)
	sum := sha256.Sum256([]byte(payload))
	return sum[:]
}

// crossChainAccount derives a stable native account identity for a
// cross-chain user: namespaced by chain id so the same address on two
// different chains never collides in the native ledger.
func crossChainAccount(chainID string, addr common.Address) string {
	return "bridge:" + chainID + ":" + addr.Hex()
}

// Verify runs an intent through the §4.5 checks in this order: emergency
// pause, chain support, bridge minimum, address format, token whitelist,
// signature format and recovery, replay, daily volume cap. On success it
// submits the derived order through the engine.
func (v *Verifier) Verify(intent types.SignedIntent) (types.SubmitOrderResponse, error) {
	v.mu.Lock()
	paused := v.paused
	v.mu.Unlock()
	if paused {
		return types.SubmitOrderResponse{}, fmt.Errorf("verifier paused: %w", errs.ErrBridgeVerifyFailure)
	}

	if !v.chainSupported(intent.ChainID) {
		v.recordRejection(intent.ChainID)
		return types.SubmitOrderResponse{}, fmt.Errorf("unsupported chain %s: %w", intent.ChainID, errs.ErrBridgeVerifyFailure)
	}
	if intent.Amount < v.cfg.BridgeMinAmount {
		v.recordRejection(intent.ChainID)
		return types.SubmitOrderResponse{}, fmt.Errorf("amount below bridge minimum: %w", errs.ErrBridgeVerifyFailure)
	}
	if !common.IsHexAddress(intent.SourceAddress) {
		v.recordRejection(intent.ChainID)
		return types.SubmitOrderResponse{}, fmt.Errorf("malformed source address: %w", errs.ErrBridgeVerifyFailure)
	}
	if !v.tokenWhitelisted(intent.Token) {
		v.recordRejection(intent.ChainID)
		return types.SubmitOrderResponse{}, fmt.Errorf("token %s not whitelisted: %w", intent.Token, errs.ErrBridgeVerifyFailure)
	}

	sigBytes, ok := signatureFormatValid(intent.Signature)
	if !ok {
		v.recordRejection(intent.ChainID)
		return types.SubmitOrderResponse{}, fmt.Errorf("malformed signature: %w", errs.ErrBridgeVerifyFailure)
	}
	signer, ok := recoverSigner(intent, sigBytes)
	if !ok {
		v.recordRejection(intent.ChainID)
		return types.SubmitOrderResponse{}, fmt.Errorf("signature recovery failed: %w", errs.ErrBridgeVerifyFailure)
	}

	v.mu.Lock()
	if _, seen := v.seenTx[intent.BridgeTxRef]; seen {
		v.mu.Unlock()
		v.recordRejection(intent.ChainID)
		return types.SubmitOrderResponse{}, fmt.Errorf("bridge tx %s already verified: %w", intent.BridgeTxRef, errs.ErrBridgeVerifyFailure)
	}

	account := crossChainAccount(intent.ChainID, signer)
	now := time.Now()
	vol, ok := v.volumes[account]
	if !ok || now.After(vol.windowEnd) {
		vol = &volumeWindow{windowEnd: now.Add(24 * time.Hour)}
		v.volumes[account] = vol
	}
	if vol.total+intent.Amount > v.cfg.DailyVolumeCap {
		v.mu.Unlock()
		v.recordRejection(intent.ChainID)
		return types.SubmitOrderResponse{}, fmt.Errorf("daily volume cap exceeded for %s: %w", account, errs.ErrBridgeVerifyFailure)
	}
	vol.total += intent.Amount
	v.seenTx[intent.BridgeTxRef] = struct{}{}
	v.mu.Unlock()

	req := types.SubmitOrderRequest{
		MarketID:    intent.MarketID,
		UserAccount: account,
		Outcome:     intent.Outcome,
		Side:        intent.Side,
		OrderType:   intent.OrderType,
		Price:       intent.Price,
		Size:        intent.Amount,
	}
	v.logger.Info("bridge intent verified", "chain", intent.ChainID, "account", account, "bridge_tx", intent.BridgeTxRef)
	return v.engine.Submit(req)
}
