// Command engine is the spread-trading engine's long-running process:
// it wires the Broker Gateway, Persistence Layer, and every domain
// engine together and drives them on cron schedules via
// internal/scheduler.
//
// Startup takes a flag-parsed config path, builds a process logger up
// front, constructs broker/storage followed by the domain engines,
// installs a signal-driven context cancel, and defers a graceful
// shutdown sequence for the HTTP surface. Three independently-cadenced
// cron jobs are registered rather than one shared ticker loop, since
// the Trade Cycle, Monitor Cycle, and Orphan Cleanup each run on their
// own schedule.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/rs/zerolog"
	"github.com/sirupsen/logrus"

	"github.com/gekkoworks/spreadengine/internal/broker"
	"github.com/gekkoworks/spreadengine/internal/clock"
	"github.com/gekkoworks/spreadengine/internal/config"
	"github.com/gekkoworks/spreadengine/internal/entry"
	"github.com/gekkoworks/spreadengine/internal/exit"
	"github.com/gekkoworks/spreadengine/internal/monitor"
	"github.com/gekkoworks/spreadengine/internal/notify"
	"github.com/gekkoworks/spreadengine/internal/proposal"
	"github.com/gekkoworks/spreadengine/internal/risk"
	"github.com/gekkoworks/spreadengine/internal/scheduler"
	"github.com/gekkoworks/spreadengine/internal/statusapi"
	"github.com/gekkoworks/spreadengine/internal/store"
	"github.com/gekkoworks/spreadengine/internal/sync"
)

// brokerRequestsPerMinute bounds the ResilientBroker's token bucket.
// Tradier's documented sandbox/live rate limit is generous; this
// stays well under it while leaving headroom for burst fetches during
// the Proposal Engine's symbol sweep.
const brokerRequestsPerMinute = 120

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine: loading config: %v\n", err)
		return 1
	}

	zlog := newProcessLogger(cfg.Environment.LogLevel)
	zlog.Info().Str("mode_hint", "see TRADING_MODE in settings table").Msg("engine starting")

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		zlog.Error().Err(err).Msg("opening persistence layer")
		return 1
	}
	defer st.Close()

	ctx := context.Background()
	if err := st.SeedSettings(ctx, config.DefaultSeed()); err != nil {
		zlog.Error().Err(err).Msg("seeding default settings")
		return 1
	}

	mode, err := config.Mode(ctx, st)
	if err != nil {
		zlog.Error().Err(err).Msg("reading trading mode")
		return 1
	}
	dryRun := mode == config.ModeDryRun
	zlog.Info().Str("trading_mode", string(mode)).Msg("resolved trading mode")

	audit := &auditAdapter{store: st, mode: string(mode)}
	tradier := broker.NewTradierAPI(cfg.Broker.APIKey, cfg.Broker.AccountID, cfg.BaseURL(mode), time.Duration(cfg.Broker.RequestTimeout), time.Duration(cfg.Broker.OrderTimeout))
	resilient := broker.NewResilientBrokerWithSettings(tradier, brokerRequestsPerMinute, broker.DefaultCircuitBreakerSettings(), audit)

	loc, err := time.LoadLocation(cfg.Schedule.Timezone)
	if err != nil {
		zlog.Error().Err(err).Str("timezone", cfg.Schedule.Timezone).Msg("loading schedule timezone")
		return 1
	}
	mclock := clock.New(loc, resilient)

	riskGate := risk.NewGate(st)
	proposalEngine := proposal.NewEngine(resilient, st, riskGate, mclock)
	entryEngine := entry.NewEngine(resilient, st, riskGate)
	exitEngine := exit.NewEngine(resilient, st)
	monitorRunner := monitor.NewRunner(resilient, st, exitEngine)

	orderWindow, err := config.OrderSyncWindow(ctx, st)
	if err != nil {
		zlog.Error().Err(err).Msg("reading order sync window")
		return 1
	}
	syncEngine := sync.NewEngine(resilient, st, orderWindow)

	var notifier notify.Notifier = notify.NoOp{}
	if mode == config.ModeLive && cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhook(cfg.Notify.WebhookURL, zlog)
	}

	tradeJob := &tradeCycleJob{
		store: st, sync: syncEngine, proposal: proposalEngine, entry: entryEngine,
		notifier: notifier, clock: mclock, risk: riskGate,
		mode: mode, dryRun: dryRun, log: zlog.With().Str("cycle", "trade").Logger(),
	}
	monitorJob := &monitorCycleJob{
		store: st, sync: syncEngine, monitor: monitorRunner, notifier: notifier,
		clock: mclock, risk: riskGate,
		dryRun: dryRun, log: zlog.With().Str("cycle", "monitor").Logger(),
	}
	orphanJob := &orphanCleanupJob{store: st, sync: syncEngine, risk: riskGate, log: zlog.With().Str("cycle", "orphan").Logger()}

	sched := scheduler.New(zlog)
	if _, err := sched.AddJob(cfg.Schedule.TradeCycleCron, tradeJob); err != nil {
		zlog.Error().Err(err).Msg("registering trade cycle")
		return 1
	}
	if _, err := sched.AddJob(cfg.Schedule.MonitorCycleCron, monitorJob); err != nil {
		zlog.Error().Err(err).Msg("registering monitor cycle")
		return 1
	}
	if _, err := sched.AddJob(cfg.Schedule.OrphanCleanupCron, orphanJob); err != nil {
		zlog.Error().Err(err).Msg("registering orphan cleanup cycle")
		return 1
	}

	procCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		zlog.Info().Msg("shutdown signal received")
		cancel()
	}()

	var statusServer *statusapi.Server
	if cfg.Server.Enabled {
		statusServer = statusapi.NewServer(statusapi.Config{Port: cfg.Server.Port}, st, syncEngine, newStatusLogger(cfg.Environment.LogLevel))
		go func() {
			if err := statusServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zlog.Error().Err(err).Msg("status-api server error")
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := statusServer.Shutdown(shutdownCtx); err != nil {
				zlog.Error().Err(err).Msg("shutting down status-api server")
			}
		}()
	}

	sched.Start()
	sched.RunNow(tradeJob)
	sched.RunNow(monitorJob)

	<-procCtx.Done()
	sched.Stop(context.Background())
	zlog.Info().Msg("engine stopped")
	return 0
}

// newProcessLogger builds the engine's primary zerolog logger, used by
// the scheduler, notifier, and every cycle job.
func newProcessLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
}

// newStatusLogger builds the logrus logger internal/statusapi expects,
// matching dashLogger construction in cmd/bot/main.go.
func newStatusLogger(level string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.JSONFormatter{})
	if lvl, err := logrus.ParseLevel(level); err == nil {
		l.SetLevel(lvl)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}

// auditAdapter bridges broker.AuditRecorder to the Persistence Layer's
// broker_events table. broker.AuditEvent carries no symbol, order id,
// or strategy (the ResilientBroker operates below that context), so
// those columns are left blank for engine-initiated calls; mode is
// stamped from the process's resolved TRADING_MODE.
type auditAdapter struct {
	store *store.Store
	mode  string
}

func (a *auditAdapter) RecordBrokerEvent(ctx context.Context, e broker.AuditEvent) error {
	return a.store.RecordBrokerEvent(ctx, store.BrokerEvent{
		Op:         e.Op,
		StatusCode: e.StatusCode,
		OK:         e.OK,
		Duration:   e.Duration,
		Mode:       a.mode,
		ErrorText:  e.ErrorText,
		CreatedAt:  time.Now(),
	})
}
