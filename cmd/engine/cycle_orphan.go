package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/gekkoworks/spreadengine/internal/config"
	"github.com/gekkoworks/spreadengine/internal/risk"
	"github.com/gekkoworks/spreadengine/internal/store"
	"github.com/gekkoworks/spreadengine/internal/sync"
)

// orphanCleanupJob is the off-hours Orphan Cleanup Scheduler entry
// point: a dedicated order-sync-and-reconcile pass so
// orders the broker closed outside normal trading hours don't sit
// unreconciled until the next session's Trade Cycle.
type orphanCleanupJob struct {
	store *store.Store
	sync  *sync.Engine
	risk  *risk.Gate
	log   zerolog.Logger
}

func (j *orphanCleanupJob) Name() string { return "orphan_cleanup" }

func (j *orphanCleanupJob) Run(ctx context.Context) error {
	now := time.Now()
	j.log.Debug().Msg("running orphaned-order sweep")
	if err := j.sync.SyncOrdersOnly(ctx, now); err != nil {
		return fmt.Errorf("orphan cleanup: %w", err)
	}
	if _, rs, err := j.risk.Snapshot(ctx, risk.TradingDayKey(now)); err == nil {
		if err := j.risk.SetStamp(ctx, rs, "orphan", now); err != nil {
			j.log.Warn().Err(err).Msg("stamping orphan-cleanup heartbeat")
		}
	}
	if err := j.store.SetTime(ctx, config.KeyLastOrphanCleanupRun, now); err != nil {
		j.log.Warn().Err(err).Msg("stamping LAST_ORPHANED_ORDER_CLEANUP_RUN setting")
	}
	return nil
}
