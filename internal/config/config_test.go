package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_MinimalValidConfig(t *testing.T) {
	path := writeConfig(t, `
broker:
  api_key: test-key
  account_id: test-account
database:
  path: test.db
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Environment.LogLevel)
	assert.Equal(t, 10_000_000_000, int(cfg.Broker.RequestTimeout))
	assert.Equal(t, "https://sandbox.tradier.com/v1", cfg.Broker.SandboxBaseURL)
	assert.Equal(t, "America/New_York", cfg.Schedule.Timezone)
}

func TestLoad_ParsesDurationStrings(t *testing.T) {
	path := writeConfig(t, `
broker:
  api_key: test-key
  account_id: test-account
  request_timeout: 7s
  order_timeout: 12s
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Duration(7_000_000_000), cfg.Broker.RequestTimeout)
	assert.Equal(t, Duration(12_000_000_000), cfg.Broker.OrderTimeout)
}

func TestLoad_RejectsMalformedDuration(t *testing.T) {
	path := writeConfig(t, `
broker:
  api_key: test-key
  account_id: test-account
  request_timeout: ten-seconds
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
broker:
  api_key: test-key
  account_id: test-account
  bogus_field: true
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_RequiresAPIKeyAndAccountID(t *testing.T) {
	path := writeConfig(t, `
broker:
  api_key: ""
  account_id: test-account
`)
	_, err := Load(path)
	require.Error(t, err)

	path = writeConfig(t, `
broker:
  api_key: test-key
  account_id: ""
`)
	_, err = Load(path)
	require.Error(t, err)
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_TRADIER_KEY", "env-key-123")
	path := writeConfig(t, `
broker:
  api_key: "${TEST_TRADIER_KEY}"
  account_id: test-account
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env-key-123", cfg.Broker.APIKey)
}

func TestTradingMode_Valid(t *testing.T) {
	assert.True(t, ModeDryRun.Valid())
	assert.True(t, ModeSandboxPaper.Valid())
	assert.True(t, ModeLive.Valid())
	assert.False(t, TradingMode("BOGUS").Valid())
}

func TestDefaultSeed_ContainsAllRecognizedKeys(t *testing.T) {
	seed := DefaultSeed()
	for _, key := range []string{
		KeyTradingMode, KeyAutoModeEnabledPaper, KeyAutoModeEnabledLive,
		KeyMinScorePaper, KeyMinScoreLive, KeyProposalMinScore, KeyMinCreditFraction,
		KeyProposalDTEMin, KeyProposalDTEMax, KeyStrategyWhitelist,
		KeyUnderlyingWhitelist, KeyMaxEntrySpreadPct,
		KeyCloseRuleProfitTargetFraction, KeyCloseRuleStopLossFraction,
		KeyCloseRuleTimeExitDTE, KeyCloseRuleTimeExitCutoff,
		KeyCloseRuleIVCrushThreshold, KeyCloseRuleIVCrushMinPnL,
		KeyCloseRuleTrailArmProfitFrac, KeyCloseRuleTrailGivebackFrac,
		KeyCloseRuleLowValueFloor, KeyCloseRuleProtectiveSlippage,
		KeyMaxNewTradesPerDay, KeyMaxOpenSpreadsGlobal, KeyMaxOpenSpreadsPerSymbol,
		KeyMaxDailyLossPct, KeyDailyMaxLoss, KeyDailyMaxNewRisk,
		KeyMaxTradeLossDollars, KeyUnderlyingMaxRisk, KeyExpiryMaxRisk,
		KeyDefaultTradeQuantity, KeyMaxTradeQuantity,
		KeyOrderSyncWindowDays, KeyProposalMaxAge, KeyEntryDriftTolerance,
		KeyLastOrphanCleanupRun, KeyLastProposalRun, KeyLastMonitorRun,
	} {
		_, ok := seed[key]
		assert.True(t, ok, "missing default for %s", key)
	}
}

func TestConfig_BaseURL(t *testing.T) {
	cfg := &Config{Broker: BrokerConfig{SandboxBaseURL: "https://sandbox", LiveBaseURL: "https://live"}}
	assert.Equal(t, "https://sandbox", cfg.BaseURL(ModeSandboxPaper))
	assert.Equal(t, "https://sandbox", cfg.BaseURL(ModeDryRun))
	assert.Equal(t, "https://live", cfg.BaseURL(ModeLive))
}
