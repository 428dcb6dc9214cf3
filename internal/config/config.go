// Package config defines all configuration for the matching/settlement
// engine. Config is loaded from a YAML file (default: configs/config.yaml)
// with sensitive fields overridable via CLOB_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Matching   MatchingConfig   `mapstructure:"matching"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Verifier   VerifierConfig   `mapstructure:"verifier"`
	Solver     SolverConfig     `mapstructure:"solver"`
	Store      StoreConfig      `mapstructure:"store"`
	API        APIConfig        `mapstructure:"api"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// APIConfig configures the HTTP/WebSocket event broadcaster.
//
//   - Port: listen port for the event stream server.
//   - AllowedOrigins: CORS/WebSocket origin allowlist; empty means the
//     same-host-or-localhost default the handler falls back to.
type APIConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// MatchingConfig tunes the matching engine's admission and complementary-mint
// behavior.
//
//   - TickCenterLow/High:  band boundaries, in 1/100000-dollar micro-units.
//     Only Validate reads them; price validation uses the fixed
//     types.TickCenterLow/TickCenterHigh band (4000..96000), inside which
//     the coarse 1-cent tick applies and outside it the fine 0.1-cent tick.
//   - ComplementaryMatchEnabled: allows disabling mint-on-match entirely for
//     deployments that want pure transfer-only settlement.
//   - ExpirySweepInterval: how often the background tick evicts expired
//     resting orders across all books.
type MatchingConfig struct {
	TickCenterLow             int64         `mapstructure:"tick_center_low"`
	TickCenterHigh            int64         `mapstructure:"tick_center_high"`
	ComplementaryMatchEnabled bool          `mapstructure:"complementary_match_enabled"`
	ExpirySweepInterval       time.Duration `mapstructure:"expiry_sweep_interval"`
}

// SettlementConfig tunes the settlement scheduler's batching cadence.
//
//   - BatchInterval: periodic flush of any accumulated trades (default 5s).
//   - BatchSize: eager-flush threshold once this many trades are queued.
//   - RetryInterval: how often Failed trades are re-enqueued for settlement.
type SettlementConfig struct {
	BatchInterval time.Duration `mapstructure:"batch_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

// VerifierConfig controls the cross-chain intent verifier.
//
//   - SupportedChains: chain ids accepted for bridged intents.
//   - DailyVolumeCap: per-user rolling 24h volume cap, in collateral units.
//   - WhitelistEnabled/WhitelistedTokens: optional token allowlist.
//   - EmergencyPause: when true, all verifications are refused.
type VerifierConfig struct {
	SupportedChains   []string `mapstructure:"supported_chains"`
	DailyVolumeCap    uint64   `mapstructure:"daily_volume_cap"`
	WhitelistEnabled  bool     `mapstructure:"whitelist_enabled"`
	WhitelistedTokens []string `mapstructure:"whitelisted_tokens"`
	EmergencyPause    bool     `mapstructure:"emergency_pause"`
	BridgeMinAmount   uint64   `mapstructure:"bridge_min_amount"`

	// AnomalyWindow/AnomalyThreshold drive the bridge guard's auto-pause:
	// if a single chain racks up more than AnomalyThreshold rejected
	// intents within AnomalyWindow, the verifier pauses itself.
	AnomalyWindow    time.Duration `mapstructure:"anomaly_window"`
	AnomalyThreshold int           `mapstructure:"anomaly_threshold"`
}

// SolverConfig points the solver façade at the external solver contract's
// REST surface for fill mirroring.
type SolverConfig struct {
	ContractID     string        `mapstructure:"contract_id"`
	MirrorBaseURL  string        `mapstructure:"mirror_base_url"`
	MirrorTimeout  time.Duration `mapstructure:"mirror_timeout"`
	MirrorRetries  int           `mapstructure:"mirror_retries"`
}

// StoreConfig sets where the persisted market-condition map is written.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: CLOB_SOLVER_CONTRACT_ID.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("CLOB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if id := os.Getenv("CLOB_SOLVER_CONTRACT_ID"); id != "" {
		cfg.Solver.ContractID = id
	}
	if os.Getenv("CLOB_EMERGENCY_PAUSE") == "true" || os.Getenv("CLOB_EMERGENCY_PAUSE") == "1" {
		cfg.Verifier.EmergencyPause = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Matching.TickCenterLow <= 0 || c.Matching.TickCenterHigh <= c.Matching.TickCenterLow {
		return fmt.Errorf("matching.tick_center_low/high must form a valid band")
	}
	if c.Settlement.BatchInterval <= 0 {
		return fmt.Errorf("settlement.batch_interval must be > 0")
	}
	if c.Settlement.BatchSize <= 0 {
		return fmt.Errorf("settlement.batch_size must be > 0")
	}
	if c.Settlement.RetryInterval <= 0 {
		return fmt.Errorf("settlement.retry_interval must be > 0")
	}
	if len(c.Verifier.SupportedChains) == 0 {
		return fmt.Errorf("verifier.supported_chains must list at least one chain")
	}
	if c.Verifier.DailyVolumeCap == 0 {
		return fmt.Errorf("verifier.daily_volume_cap must be > 0")
	}
	if c.Solver.ContractID == "" {
		return fmt.Errorf("solver.contract_id is required (set CLOB_SOLVER_CONTRACT_ID)")
	}
	return nil
}
