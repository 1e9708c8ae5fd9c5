package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/gekkoworks/spreadengine/internal/clock"
	"github.com/gekkoworks/spreadengine/internal/config"
	"github.com/gekkoworks/spreadengine/internal/exit"
	engmetrics "github.com/gekkoworks/spreadengine/internal/metrics"
	"github.com/gekkoworks/spreadengine/internal/model"
	"github.com/gekkoworks/spreadengine/internal/monitor"
	"github.com/gekkoworks/spreadengine/internal/notify"
	"github.com/gekkoworks/spreadengine/internal/risk"
	"github.com/gekkoworks/spreadengine/internal/store"
	"github.com/gekkoworks/spreadengine/internal/sync"
)

// monitorCycleJob is the Monitor Cycle Scheduler entry point: sync,
// reconcile quantity drift, then evaluate the exit ladder against
// every OPEN or re-entered EXIT_ERROR trade. Split from the Trade
// Cycle since the two run on independent cadences.
type monitorCycleJob struct {
	store    *store.Store
	sync     *sync.Engine
	monitor  *monitor.Runner
	notifier notify.Notifier
	clock    *clock.Clock
	risk     *risk.Gate
	dryRun   bool
	log      zerolog.Logger
}

func (j *monitorCycleJob) Name() string { return "monitor_cycle" }

func (j *monitorCycleJob) Run(ctx context.Context) error {
	now := j.clock.Now()
	if !j.clock.IsMarketHours(ctx) {
		j.log.Debug().Msg("outside market hours; skipping monitor cycle")
		return nil
	}

	result, err := j.sync.Sync(ctx, now)
	if err != nil {
		return fmt.Errorf("monitor cycle: sync: %w", err)
	}

	if err := j.sync.ReconcileTradeQuantities(ctx, result.Positions, now); err != nil {
		return fmt.Errorf("monitor cycle: reconciling trade quantities: %w", err)
	}

	trades, err := j.store.ListTradesByStatus(ctx, model.StatusOpen, model.StatusExitError)
	if err != nil {
		return fmt.Errorf("monitor cycle: listing open trades: %w", err)
	}
	engmetrics.SetOpenTrades(len(trades))

	thresholds, err := config.ExitThresholds(ctx, j.store)
	if err != nil {
		return fmt.Errorf("monitor cycle: loading exit thresholds: %w", err)
	}
	exitCfg, err := config.ExitConfig(ctx, j.store, j.dryRun)
	if err != nil {
		return fmt.Errorf("monitor cycle: loading exit config: %w", err)
	}
	cfg := monitor.Config{Thresholds: thresholds, Exit: exitCfg}

	lastSyncAt, _, err := j.sync.LastSyncedAt(ctx, sync.StreamPositions)
	if err != nil {
		return fmt.Errorf("monitor cycle: reading positions freshness: %w", err)
	}

	caps, err := config.RiskCaps(ctx, j.store)
	if err != nil {
		return fmt.Errorf("monitor cycle: loading risk caps: %w", err)
	}
	_, rs, err := j.risk.Snapshot(ctx, risk.TradingDayKey(now))
	if err != nil {
		return fmt.Errorf("monitor cycle: loading risk snapshot: %w", err)
	}
	if err := j.risk.ApplyHardStop(ctx, rs, caps); err != nil {
		return fmt.Errorf("monitor cycle: applying hard stop: %w", err)
	}

	pending, err := j.store.ListTradesByStatus(ctx, model.StatusClosingPending)
	if err != nil {
		return fmt.Errorf("monitor cycle: listing pending exits: %w", err)
	}
	for _, trade := range pending {
		outcome, err := j.monitor.FinalizePending(ctx, now, trade)
		if err != nil {
			j.log.Error().Err(err).Str("trade_id", trade.ID).Msg("finalizing pending exit failed")
			continue
		}
		if !outcome.Closed {
			continue
		}
		if updated, err := j.store.GetTrade(ctx, trade.ID); err == nil && updated.RealizedPnL != nil {
			j.notifier.Notify(ctx, notify.ExitFilled(updated.ID, updated.Underlying, string(updated.Strategy), *updated.RealizedPnL))
			expiryKey := updated.Expiration.Format("2006-01-02")
			if err := j.risk.RecordRealizedPnL(ctx, rs, updated.Underlying, expiryKey, *updated.RealizedPnL, updated.MaxLoss); err != nil {
				j.log.Warn().Err(err).Msg("recording realized pnl")
			}
			j.recordClosedTrade(ctx, now, *updated.RealizedPnL)
		}
	}

	for _, trade := range trades {
		outcome, err := j.monitor.RunTrade(ctx, now, trade, result.Positions, lastSyncAt, cfg)
		if err != nil {
			j.log.Error().Err(err).Str("trade_id", trade.ID).Msg("monitor run failed")
			continue
		}
		if outcome.Skipped {
			continue
		}
		if !outcome.Exited {
			continue
		}
		j.notifier.Notify(ctx, notify.ExitSubmitted(trade.ID, trade.Underlying, string(trade.Strategy), string(outcome.Trigger)))
		if outcome.Trigger == exit.TriggerStructuralBreak {
			if err := j.risk.RecordEmergencyExit(ctx, rs); err != nil {
				j.log.Warn().Err(err).Msg("recording emergency exit count")
			}
		}
		if updated, err := j.store.GetTrade(ctx, trade.ID); err == nil && updated.RealizedPnL != nil {
			j.notifier.Notify(ctx, notify.ExitFilled(updated.ID, updated.Underlying, string(updated.Strategy), *updated.RealizedPnL))
			expiryKey := updated.Expiration.Format("2006-01-02")
			if err := j.risk.RecordRealizedPnL(ctx, rs, updated.Underlying, expiryKey, *updated.RealizedPnL, updated.MaxLoss); err != nil {
				j.log.Warn().Err(err).Msg("recording realized pnl")
			}
			if err := j.risk.ApplyHardStop(ctx, rs, caps); err != nil {
				j.log.Warn().Err(err).Msg("re-applying hard stop after exit")
			}
			j.recordClosedTrade(ctx, now, *updated.RealizedPnL)
		}
	}

	if err := j.risk.SetStamp(ctx, rs, "monitor", now); err != nil {
		j.log.Warn().Err(err).Msg("stamping monitor heartbeat")
	}
	if err := j.store.SetTime(ctx, config.KeyLastMonitorRun, now); err != nil {
		j.log.Warn().Err(err).Msg("stamping LAST_MONITOR_RUN setting")
	}
	return nil
}

// recordClosedTrade folds one closed trade into today's daily summary.
// Best-effort: a rollup write failure must not fail the cycle.
func (j *monitorCycleJob) recordClosedTrade(ctx context.Context, now time.Time, pnl float64) {
	sum, err := j.store.GetDailySummary(ctx, now)
	if err != nil {
		j.log.Warn().Err(err).Msg("reading daily summary")
		return
	}
	if sum == nil {
		sum = &store.DailySummary{TradingDay: now}
	}
	sum.RealizedPnL += pnl
	sum.TradesClosed++
	if pnl >= 0 {
		sum.Wins++
	} else {
		sum.Losses++
	}
	if err := j.store.UpsertDailySummary(ctx, *sum); err != nil {
		j.log.Warn().Err(err).Msg("writing daily summary")
	}
}
