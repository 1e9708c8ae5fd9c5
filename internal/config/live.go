// Live settings-table accessors: the Config & Risk State component's
// "typed accessors" half. Reads are typed and additive, the same shape
// as config.go's static loader, but sourced from internal/store's
// settings table instead of YAML, so every cycle re-reads current
// operator intent.

package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gekkoworks/spreadengine/internal/entry"
	"github.com/gekkoworks/spreadengine/internal/exit"
	"github.com/gekkoworks/spreadengine/internal/model"
	"github.com/gekkoworks/spreadengine/internal/proposal"
	"github.com/gekkoworks/spreadengine/internal/risk"
	"github.com/gekkoworks/spreadengine/internal/scoring"
	"github.com/gekkoworks/spreadengine/internal/store"
)

// settingsReader is the subset of *store.Store the live-settings
// loaders need; narrowed so this file's tests can fake it without a
// real database.
type settingsReader interface {
	GetString(ctx context.Context, key, fallback string) (string, error)
	GetFloat(ctx context.Context, key string, fallback float64) (float64, error)
	GetInt(ctx context.Context, key string, fallback int) (int, error)
	GetBool(ctx context.Context, key string, fallback bool) (bool, error)
	GetDuration(ctx context.Context, key string, fallback time.Duration) (time.Duration, error)
}

// Mode reads TRADING_MODE from the settings table.
func Mode(ctx context.Context, s settingsReader) (TradingMode, error) {
	raw, err := s.GetString(ctx, KeyTradingMode, string(ModeDryRun))
	if err != nil {
		return "", fmt.Errorf("config: reading %s: %w", KeyTradingMode, err)
	}
	m := TradingMode(strings.ToUpper(strings.TrimSpace(raw)))
	if !m.Valid() {
		return "", fmt.Errorf("config: invalid %s value %q", KeyTradingMode, raw)
	}
	return m, nil
}

// AutoModeEnabled reports whether auto order placement is permitted in
// mode. DRY_RUN is permanently non-auto.
func AutoModeEnabled(ctx context.Context, s settingsReader, mode TradingMode) (bool, error) {
	switch mode {
	case ModeDryRun:
		return false, nil
	case ModeSandboxPaper:
		return s.GetBool(ctx, KeyAutoModeEnabledPaper, false)
	case ModeLive:
		return s.GetBool(ctx, KeyAutoModeEnabledLive, false)
	default:
		return false, fmt.Errorf("config: unknown trading mode %q", mode)
	}
}

// minScoreKeyFor picks the per-mode MIN_SCORE_* key, falling back to
// PROPOSAL_MIN_SCORE for DRY_RUN.
func minScoreKeyFor(mode TradingMode) string {
	switch mode {
	case ModeLive:
		return KeyMinScoreLive
	case ModeSandboxPaper:
		return KeyMinScorePaper
	default:
		return KeyProposalMinScore
	}
}

// RiskCaps assembles risk.Caps from the live settings table.
func RiskCaps(ctx context.Context, s settingsReader) (risk.Caps, error) {
	var c risk.Caps
	var err error
	if c.DailyMaxLoss, err = s.GetFloat(ctx, KeyDailyMaxLoss, -1000); err != nil {
		return c, err
	}
	if c.DailyMaxNewRisk, err = s.GetFloat(ctx, KeyDailyMaxNewRisk, 5000); err != nil {
		return c, err
	}
	if c.MaxTradeLossDollars, err = s.GetFloat(ctx, KeyMaxTradeLossDollars, 1500); err != nil {
		return c, err
	}
	if c.UnderlyingMaxRisk, err = s.GetFloat(ctx, KeyUnderlyingMaxRisk, 3000); err != nil {
		return c, err
	}
	if c.ExpiryMaxRisk, err = s.GetFloat(ctx, KeyExpiryMaxRisk, 4000); err != nil {
		return c, err
	}
	if c.MaxOpenSpreadsGlobal, err = s.GetInt(ctx, KeyMaxOpenSpreadsGlobal, 10); err != nil {
		return c, err
	}
	if c.MaxOpenSpreadsPerSym, err = s.GetInt(ctx, KeyMaxOpenSpreadsPerSymbol, 3); err != nil {
		return c, err
	}
	if c.MaxNewTradesPerDay, err = s.GetInt(ctx, KeyMaxNewTradesPerDay, 5); err != nil {
		return c, err
	}
	return c, nil
}

// ParseStrategies splits a comma-separated PROPOSAL_STRATEGY_WHITELIST
// value into model.Strategy values, skipping unrecognized tokens.
func ParseStrategies(csv string) []model.Strategy {
	var out []model.Strategy
	for _, tok := range strings.Split(csv, ",") {
		tok = strings.ToUpper(strings.TrimSpace(tok))
		if tok == "" {
			continue
		}
		switch model.Strategy(tok) {
		case model.BullPutCredit, model.BearCallCredit, model.BullCallDebit, model.BearPutDebit, model.IronCondor:
			out = append(out, model.Strategy(tok))
		}
	}
	return out
}

// ParseUnderlyings splits a comma-separated whitelist into trimmed,
// upper-cased symbols.
func ParseUnderlyings(csv string) []string {
	var out []string
	for _, tok := range strings.Split(csv, ",") {
		tok = strings.ToUpper(strings.TrimSpace(tok))
		if tok != "" {
			out = append(out, tok)
		}
	}
	return out
}

// ProposalConfig assembles one Trade Cycle's proposal.Config from the
// live settings table.
func ProposalConfig(ctx context.Context, s *store.Store, mode TradingMode) (proposal.Config, error) {
	caps, err := RiskCaps(ctx, s)
	if err != nil {
		return proposal.Config{}, fmt.Errorf("config: loading risk caps: %w", err)
	}
	strategyCSV, err := s.GetString(ctx, KeyStrategyWhitelist, "")
	if err != nil {
		return proposal.Config{}, err
	}
	underlyingCSV, err := s.GetString(ctx, KeyUnderlyingWhitelist, "")
	if err != nil {
		return proposal.Config{}, err
	}
	dteMin, err := s.GetInt(ctx, KeyProposalDTEMin, 21)
	if err != nil {
		return proposal.Config{}, err
	}
	dteMax, err := s.GetInt(ctx, KeyProposalDTEMax, 45)
	if err != nil {
		return proposal.Config{}, err
	}
	minScore, err := s.GetFloat(ctx, minScoreKeyFor(mode), 0.70)
	if err != nil {
		return proposal.Config{}, err
	}
	qty, err := s.GetInt(ctx, KeyDefaultTradeQuantity, 1)
	if err != nil {
		return proposal.Config{}, err
	}
	maxQty, err := s.GetInt(ctx, KeyMaxTradeQuantity, 10)
	if err != nil {
		return proposal.Config{}, err
	}
	if maxQty > 0 && qty > maxQty {
		qty = maxQty
	}
	maxSpreadPct, err := s.GetFloat(ctx, KeyMaxEntrySpreadPct, 0.15)
	if err != nil {
		return proposal.Config{}, err
	}
	minCreditFrac, err := s.GetFloat(ctx, KeyMinCreditFraction, 0.16)
	if err != nil {
		return proposal.Config{}, err
	}
	return proposal.Config{
		Mode:              scoring.Mode(mode),
		Strategies:        ParseStrategies(strategyCSV),
		Underlyings:       ParseUnderlyings(underlyingCSV),
		DTEMin:            dteMin,
		DTEMax:            dteMax,
		ProposalMinScore:  minScore,
		DefaultQuantity:   qty,
		MaxEntrySpreadPct: maxSpreadPct,
		MinCreditFraction: minCreditFrac,
		Risk:              caps,
	}, nil
}

// EntryConfig assembles one Trade Cycle's entry.Config.
func EntryConfig(ctx context.Context, s *store.Store, mode TradingMode, dryRun bool) (entry.Config, error) {
	caps, err := RiskCaps(ctx, s)
	if err != nil {
		return entry.Config{}, fmt.Errorf("config: loading risk caps: %w", err)
	}
	maxAge, err := s.GetDuration(ctx, KeyProposalMaxAge, 5*time.Minute)
	if err != nil {
		return entry.Config{}, err
	}
	minScore, err := s.GetFloat(ctx, minScoreKeyFor(mode), 0.70)
	if err != nil {
		return entry.Config{}, err
	}
	drift, err := s.GetFloat(ctx, KeyEntryDriftTolerance, 0.10)
	if err != nil {
		return entry.Config{}, err
	}
	maxSpreadPct, err := s.GetFloat(ctx, KeyMaxEntrySpreadPct, 0.15)
	if err != nil {
		return entry.Config{}, err
	}
	minCreditFrac, err := s.GetFloat(ctx, KeyMinCreditFraction, 0.16)
	if err != nil {
		return entry.Config{}, err
	}
	return entry.Config{
		Mode:                scoring.Mode(mode),
		DryRun:              dryRun,
		MaxProposalAge:      maxAge,
		MinScore:            minScore,
		EntryDriftTolerance: drift,
		MaxEntrySpreadPct:   maxSpreadPct,
		MinCreditFraction:   minCreditFrac,
		OrderDuration:       "day",
		Risk:                caps,
	}, nil
}

// ExitThresholds assembles the CLOSE_RULE_* ladder thresholds.
func ExitThresholds(ctx context.Context, s *store.Store) (exit.Thresholds, error) {
	var t exit.Thresholds
	var err error
	if t.TimeExitDTE, err = s.GetInt(ctx, KeyCloseRuleTimeExitDTE, 7); err != nil {
		return t, err
	}
	if t.TimeExitCutoffET, err = s.GetString(ctx, KeyCloseRuleTimeExitCutoff, "15:45"); err != nil {
		return t, err
	}
	if t.StopLossFraction, err = s.GetFloat(ctx, KeyCloseRuleStopLossFraction, 2.00); err != nil {
		return t, err
	}
	if t.TrailArmProfitFraction, err = s.GetFloat(ctx, KeyCloseRuleTrailArmProfitFrac, 0.50); err != nil {
		return t, err
	}
	if t.TrailGivebackFraction, err = s.GetFloat(ctx, KeyCloseRuleTrailGivebackFrac, 0.10); err != nil {
		return t, err
	}
	if t.ProfitTargetFraction, err = s.GetFloat(ctx, KeyCloseRuleProfitTargetFraction, 0.50); err != nil {
		return t, err
	}
	if t.IVCrushThreshold, err = s.GetFloat(ctx, KeyCloseRuleIVCrushThreshold, 0.85); err != nil {
		return t, err
	}
	if t.IVCrushMinPnL, err = s.GetFloat(ctx, KeyCloseRuleIVCrushMinPnL, 0.15); err != nil {
		return t, err
	}
	if t.LowValueFloor, err = s.GetFloat(ctx, KeyCloseRuleLowValueFloor, 0.05); err != nil {
		return t, err
	}
	if t.ProtectiveSlippage, err = s.GetFloat(ctx, KeyCloseRuleProtectiveSlippage, 0.20); err != nil {
		return t, err
	}
	return t, nil
}

// ExitConfig assembles one Monitor Cycle's exit.Config.
func ExitConfig(ctx context.Context, s *store.Store, dryRun bool) (exit.Config, error) {
	th, err := ExitThresholds(ctx, s)
	if err != nil {
		return exit.Config{}, fmt.Errorf("config: loading exit thresholds: %w", err)
	}
	return exit.Config{
		DryRun:           dryRun,
		Thresholds:       th,
		OrderDuration:    "day",
		GainLossLookback: 7 * 24 * time.Hour,
	}, nil
}

// OrderSyncWindow reads ORDER_SYNC_WINDOW_DAYS as a duration.
func OrderSyncWindow(ctx context.Context, s settingsReader) (time.Duration, error) {
	days, err := s.GetInt(ctx, KeyOrderSyncWindowDays, 7)
	if err != nil {
		return 0, err
	}
	if days <= 0 {
		days = 7
	}
	return time.Duration(days) * 24 * time.Hour, nil
}
