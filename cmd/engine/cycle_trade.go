package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/gekkoworks/spreadengine/internal/clock"
	"github.com/gekkoworks/spreadengine/internal/config"
	"github.com/gekkoworks/spreadengine/internal/entry"
	"github.com/gekkoworks/spreadengine/internal/notify"
	"github.com/gekkoworks/spreadengine/internal/proposal"
	"github.com/gekkoworks/spreadengine/internal/risk"
	"github.com/gekkoworks/spreadengine/internal/store"
	"github.com/gekkoworks/spreadengine/internal/sync"
)

// tradeCycleJob is the Trade Cycle Scheduler entry point: sync, then
// propose, then, when auto-mode is enabled for the trading mode, enter
// every READY proposal.
type tradeCycleJob struct {
	store    *store.Store
	sync     *sync.Engine
	proposal *proposal.Engine
	entry    *entry.Engine
	notifier notify.Notifier
	clock    *clock.Clock
	risk     *risk.Gate
	mode     config.TradingMode
	dryRun   bool
	log      zerolog.Logger
}

func (j *tradeCycleJob) Name() string { return "trade_cycle" }

func (j *tradeCycleJob) Run(ctx context.Context) error {
	now := j.clock.Now()
	if !j.clock.IsMarketHours(ctx) {
		j.log.Debug().Msg("outside market hours; skipping trade cycle")
		return nil
	}

	if _, err := j.sync.Sync(ctx, now); err != nil {
		return fmt.Errorf("trade cycle: sync: %w", err)
	}

	autoMode, err := config.AutoModeEnabled(ctx, j.store, j.mode)
	if err != nil {
		return fmt.Errorf("trade cycle: reading auto-mode flag: %w", err)
	}

	proposalCfg, err := config.ProposalConfig(ctx, j.store, j.mode)
	if err != nil {
		return fmt.Errorf("trade cycle: loading proposal config: %w", err)
	}
	created, err := j.proposal.Run(ctx, now, proposalCfg)
	if err != nil {
		return fmt.Errorf("trade cycle: proposal engine: %w", err)
	}
	j.log.Info().Int("proposals_created", created).Msg("proposal sweep complete")

	if created > 0 {
		if fresh, err := j.store.ListReadyProposals(ctx); err == nil {
			for _, p := range fresh {
				if p.CreatedAt.Before(now) {
					continue
				}
				j.notifier.Notify(ctx, notify.ProposalCreated(p.ID, p.Underlying, string(p.Strategy), p.CompositeScore))
			}
		}
	}

	if _, rs, err := j.risk.Snapshot(ctx, risk.TradingDayKey(now)); err == nil {
		if err := j.risk.SetStamp(ctx, rs, "proposal", now); err != nil {
			j.log.Warn().Err(err).Msg("stamping proposal heartbeat")
		}
	}
	if err := j.store.SetTime(ctx, config.KeyLastProposalRun, now); err != nil {
		j.log.Warn().Err(err).Msg("stamping LAST_PROPOSAL_RUN setting")
	}

	if !autoMode {
		j.log.Debug().Msg("auto-mode disabled; skipping entry pass")
		return nil
	}

	entryCfg, err := config.EntryConfig(ctx, j.store, j.mode, j.dryRun)
	if err != nil {
		return fmt.Errorf("trade cycle: loading entry config: %w", err)
	}

	ready, err := j.store.ListReadyProposals(ctx)
	if err != nil {
		return fmt.Errorf("trade cycle: listing ready proposals: %w", err)
	}
	for _, p := range ready {
		result, err := j.entry.Run(ctx, now, p, entryCfg)
		if err != nil {
			j.log.Error().Err(err).Str("proposal_id", p.ID).Msg("entry engine failed")
			continue
		}
		j.log.Info().
			Str("proposal_id", p.ID).
			Bool("accepted", result.Accepted).
			Str("reason", result.Reason).
			Msg("entry attempt complete")
		if !result.Accepted || result.TradeID == "" {
			continue
		}
		j.notifier.Notify(ctx, notify.EntrySubmitted(result.TradeID, p.Underlying, string(p.Strategy)))
		if result.Reason == "filled" {
			trade, err := j.store.GetTrade(ctx, result.TradeID)
			if err == nil {
				j.notifier.Notify(ctx, notify.EntryFilled(trade.ID, trade.Underlying, string(trade.Strategy), trade.EntryPrice))
			}
			j.recordOpenedTrade(ctx, now)
		}
	}
	return nil
}

// recordOpenedTrade folds one filled entry into today's daily summary.
// Best-effort: a rollup write failure must not fail the cycle.
func (j *tradeCycleJob) recordOpenedTrade(ctx context.Context, now time.Time) {
	sum, err := j.store.GetDailySummary(ctx, now)
	if err != nil {
		j.log.Warn().Err(err).Msg("reading daily summary")
		return
	}
	if sum == nil {
		sum = &store.DailySummary{TradingDay: now}
	}
	sum.TradesOpened++
	if err := j.store.UpsertDailySummary(ctx, *sum); err != nil {
		j.log.Warn().Err(err).Msg("writing daily summary")
	}
}
