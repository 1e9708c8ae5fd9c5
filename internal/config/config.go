// Package config loads the engine's static YAML configuration
// (gopkg.in/yaml.v3 with KnownFields(true) and os.ExpandEnv, plus
// Normalize/Validate) and defines the Settings surface the live,
// DB-backed settings table is keyed by. The YAML file holds only
// infrastructure settings; DefaultSeed supplies the first-boot
// defaults for the `settings` table, and once running, operators tune
// behavior by updating that table live, without a redeploy.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"
)

// Duration is a time.Duration that YAML can decode from "10s"-style
// strings; yaml.v3 has no native duration support.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// TradingMode selects which broker environment (if any) the engine
// submits orders against.
type TradingMode string

// Trading modes.
const (
	ModeDryRun       TradingMode = "DRY_RUN"
	ModeSandboxPaper TradingMode = "SANDBOX_PAPER"
	ModeLive         TradingMode = "LIVE"
)

// Valid reports whether m is one of the three recognized modes.
func (m TradingMode) Valid() bool {
	switch m {
	case ModeDryRun, ModeSandboxPaper, ModeLive:
		return true
	default:
		return false
	}
}

// Settings keys recognized by the engine. These are the row keys in
// the `settings` table; internal/store's typed accessors (GetString,
// GetFloat, ...) read through them.
const (
	KeyTradingMode           = "TRADING_MODE"
	KeyAutoModeEnabledPaper  = "AUTO_MODE_ENABLED_PAPER"
	KeyAutoModeEnabledLive   = "AUTO_MODE_ENABLED_LIVE"
	KeyMinScorePaper         = "MIN_SCORE_PAPER"
	KeyMinScoreLive          = "MIN_SCORE_LIVE"
	KeyProposalMinScore      = "PROPOSAL_MIN_SCORE"
	KeyMinCreditFraction     = "MIN_CREDIT_FRACTION"
	KeyProposalDTEMin        = "PROPOSAL_DTE_MIN"
	KeyProposalDTEMax        = "PROPOSAL_DTE_MAX"
	KeyStrategyWhitelist     = "PROPOSAL_STRATEGY_WHITELIST"
	KeyUnderlyingWhitelist   = "PROPOSAL_UNDERLYING_WHITELIST"
	KeyMaxEntrySpreadPct     = "PROPOSAL_MAX_ENTRY_SPREAD_PCT"

	KeyCloseRuleProfitTargetFraction = "CLOSE_RULE_PROFIT_TARGET_FRACTION"
	KeyCloseRuleStopLossFraction     = "CLOSE_RULE_STOP_LOSS_FRACTION"
	KeyCloseRuleTimeExitDTE          = "CLOSE_RULE_TIME_EXIT_DTE"
	KeyCloseRuleTimeExitCutoff       = "CLOSE_RULE_TIME_EXIT_CUTOFF"
	KeyCloseRuleIVCrushThreshold     = "CLOSE_RULE_IV_CRUSH_THRESHOLD"
	KeyCloseRuleIVCrushMinPnL        = "CLOSE_RULE_IV_CRUSH_MIN_PNL"
	KeyCloseRuleTrailArmProfitFrac   = "CLOSE_RULE_TRAIL_ARM_PROFIT_FRACTION"
	KeyCloseRuleTrailGivebackFrac    = "CLOSE_RULE_TRAIL_GIVEBACK_FRACTION"
	KeyCloseRuleLowValueFloor        = "CLOSE_RULE_LOW_VALUE_FLOOR"
	KeyCloseRuleProtectiveSlippage   = "CLOSE_RULE_PROTECTIVE_SLIPPAGE"

	KeyMaxNewTradesPerDay      = "MAX_NEW_TRADES_PER_DAY"
	KeyMaxOpenSpreadsGlobal    = "MAX_OPEN_SPREADS_GLOBAL"
	KeyMaxOpenSpreadsPerSymbol = "MAX_OPEN_SPREADS_PER_SYMBOL"

	KeyMaxDailyLossPct       = "MAX_DAILY_LOSS_PCT"
	KeyDailyMaxLoss          = "DAILY_MAX_LOSS"
	KeyDailyMaxNewRisk       = "DAILY_MAX_NEW_RISK"
	KeyMaxTradeLossDollars   = "MAX_TRADE_LOSS_DOLLARS"
	KeyUnderlyingMaxRisk     = "UNDERLYING_MAX_RISK"
	KeyExpiryMaxRisk         = "EXPIRY_MAX_RISK"

	KeyDefaultTradeQuantity = "DEFAULT_TRADE_QUANTITY"
	KeyMaxTradeQuantity     = "MAX_TRADE_QUANTITY"

	KeyOrderSyncWindowDays = "ORDER_SYNC_WINDOW_DAYS"
	KeyProposalMaxAge      = "PROPOSAL_MAX_AGE"
	KeyEntryDriftTolerance = "ENTRY_DRIFT_TOLERANCE"

	KeyLastOrphanCleanupRun = "LAST_ORPHANED_ORDER_CLEANUP_RUN"
	KeyLastProposalRun      = "LAST_PROPOSAL_RUN"
	KeyLastMonitorRun       = "LAST_MONITOR_RUN"
)

// DefaultSeed returns the full set of settings-table defaults the
// engine seeds on first boot. Operators override any key
// live via the settings table afterward; this map never overwrites an
// existing row.
func DefaultSeed() map[string]string {
	return map[string]string{
		KeyTradingMode:          string(ModeDryRun),
		KeyAutoModeEnabledPaper: "false",
		KeyAutoModeEnabledLive:  "false",

		KeyMinScorePaper:       "0.70",
		KeyMinScoreLive:        "0.75",
		KeyProposalMinScore:    "0.70",
		KeyMinCreditFraction:   "0.16",
		KeyProposalDTEMin:      "21",
		KeyProposalDTEMax:      "45",
		KeyStrategyWhitelist:   "BULL_PUT_CREDIT,BEAR_CALL_CREDIT,BULL_CALL_DEBIT,BEAR_PUT_DEBIT,IRON_CONDOR",
		KeyUnderlyingWhitelist: "SPY",
		KeyMaxEntrySpreadPct:   "0.15",

		KeyCloseRuleProfitTargetFraction: "0.50",
		KeyCloseRuleStopLossFraction:     "2.00",
		KeyCloseRuleTimeExitDTE:          "7",
		KeyCloseRuleTimeExitCutoff:       "15:45",
		KeyCloseRuleIVCrushThreshold:     "0.85",
		KeyCloseRuleIVCrushMinPnL:        "0.15",
		KeyCloseRuleTrailArmProfitFrac:   "0.50",
		KeyCloseRuleTrailGivebackFrac:    "0.10",
		KeyCloseRuleLowValueFloor:        "0.05",
		KeyCloseRuleProtectiveSlippage:   "0.20",

		KeyMaxNewTradesPerDay:      "5",
		KeyMaxOpenSpreadsGlobal:    "10",
		KeyMaxOpenSpreadsPerSymbol: "3",

		KeyMaxDailyLossPct:     "5.0",
		KeyDailyMaxLoss:        "-1000",
		KeyDailyMaxNewRisk:     "5000",
		KeyMaxTradeLossDollars: "1500",
		KeyUnderlyingMaxRisk:   "3000",
		KeyExpiryMaxRisk:       "4000",

		KeyDefaultTradeQuantity: "1",
		KeyMaxTradeQuantity:     "10",

		KeyOrderSyncWindowDays: "7",
		KeyProposalMaxAge:      "5m",
		KeyEntryDriftTolerance: "0.10",

		KeyLastOrphanCleanupRun: "",
		KeyLastProposalRun:      "",
		KeyLastMonitorRun:       "",
	}
}

// Config is the static, file-backed configuration: infrastructure
// concerns that do not belong in the live settings table (broker
// credentials, database path, HTTP port, cron cadence, logging).
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Database    DatabaseConfig    `yaml:"database"`
	Server      ServerConfig      `yaml:"server"`
	Notify      NotifyConfig      `yaml:"notify"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
}

// EnvironmentConfig defines process-wide environment settings.
type EnvironmentConfig struct {
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API connection settings. TRADING_MODE
// (which base URL/credentials apply) lives in the settings table, not
// here; this struct only holds the secrets and overrides needed to
// reach either broker environment.
type BrokerConfig struct {
	APIKey         string   `yaml:"api_key"`
	AccountID      string   `yaml:"account_id"`
	SandboxBaseURL string   `yaml:"sandbox_base_url"`
	LiveBaseURL    string   `yaml:"live_base_url"`
	RequestTimeout Duration `yaml:"request_timeout"`
	OrderTimeout   Duration `yaml:"order_timeout"`
}

// DatabaseConfig defines the Persistence Layer's SQLite database.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ServerConfig defines the operator-status HTTP surface.
type ServerConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// NotifyConfig defines the outbound notification channel.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// ScheduleConfig defines cron cadences for the three cycle schedulers.
type ScheduleConfig struct {
	Timezone          string `yaml:"timezone"` // e.g. "America/New_York"
	TradeCycleCron    string `yaml:"trade_cycle_cron"`
	MonitorCycleCron  string `yaml:"monitor_cycle_cron"`
	OrphanCleanupCron string `yaml:"orphan_cleanup_cron"`
}

// Load reads and parses the YAML config file, expanding environment
// variables and rejecting unknown fields.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	// Loads .env into the process environment if present; silently a
	// no-op otherwise, so os.ExpandEnv below can pick up broker
	// secrets without requiring operators to export them by hand.
	_ = godotenv.Load()

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is an operator-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", configPath, err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", configPath, err)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Normalize fills unset fields with engine defaults.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.Environment.LogLevel) == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Broker.SandboxBaseURL == "" {
		c.Broker.SandboxBaseURL = "https://sandbox.tradier.com/v1"
	}
	if c.Broker.LiveBaseURL == "" {
		c.Broker.LiveBaseURL = "https://api.tradier.com/v1"
	}
	if c.Broker.RequestTimeout <= 0 {
		c.Broker.RequestTimeout = Duration(10 * time.Second)
	}
	if c.Broker.OrderTimeout <= 0 {
		c.Broker.OrderTimeout = Duration(15 * time.Second)
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		c.Database.Path = "spreadengine.db"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 9847
	}
	if strings.TrimSpace(c.Schedule.Timezone) == "" {
		c.Schedule.Timezone = "America/New_York"
	}
	if strings.TrimSpace(c.Schedule.TradeCycleCron) == "" {
		c.Schedule.TradeCycleCron = "* 9-15 * * 1-5"
	}
	if strings.TrimSpace(c.Schedule.MonitorCycleCron) == "" {
		c.Schedule.MonitorCycleCron = "* 9-15 * * 1-5"
	}
	if strings.TrimSpace(c.Schedule.OrphanCleanupCron) == "" {
		c.Schedule.OrphanCleanupCron = "17 2 * * *"
	}
}

// Validate checks internal consistency of the loaded config.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Environment.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be one of: debug, info, warn, error")
	}
	if strings.TrimSpace(c.Broker.APIKey) == "" {
		return fmt.Errorf("broker.api_key is required")
	}
	if strings.TrimSpace(c.Broker.AccountID) == "" {
		return fmt.Errorf("broker.account_id is required")
	}
	if c.Broker.RequestTimeout <= 0 {
		return fmt.Errorf("broker.request_timeout must be > 0")
	}
	if c.Broker.OrderTimeout <= 0 {
		return fmt.Errorf("broker.order_timeout must be > 0")
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return fmt.Errorf("server.port must be between 1 and 65535 when server.enabled")
	}
	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		return fmt.Errorf("schedule.timezone invalid: %w", err)
	}
	return nil
}

// BaseURL returns the broker base URL appropriate for mode.
func (c *Config) BaseURL(mode TradingMode) string {
	if mode == ModeLive {
		return c.Broker.LiveBaseURL
	}
	return c.Broker.SandboxBaseURL
}
