// Command enginectl is the operator's one-shot maintenance tool: force
// a sync pass, dump recent system-log history, or dump the settings
// table, against the same database and broker credentials the running engine
// uses. Each subcommand loads config, constructs a broker/storage pair,
// and runs one scripted action rather than a throwaway ad hoc script.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/gekkoworks/spreadengine/internal/broker"
	"github.com/gekkoworks/spreadengine/internal/config"
	"github.com/gekkoworks/spreadengine/internal/store"
	"github.com/gekkoworks/spreadengine/internal/sync"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return 1
	}

	fs := flag.NewFlagSet("enginectl", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	n := fs.Int("n", 20, "Number of audit rows to dump (audit-dump only)")
	if err := fs.Parse(args[1:]); err != nil {
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enginectl: loading config: %v\n", err)
		return 1
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enginectl: opening database: %v\n", err)
		return 1
	}
	defer st.Close()

	ctx := context.Background()

	switch args[0] {
	case "force-sync":
		return forceSync(ctx, cfg, st)
	case "audit-dump":
		return auditDump(ctx, st, *n)
	case "settings-dump":
		return settingsDump(ctx, st)
	default:
		usage()
		return 1
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: enginectl <force-sync|audit-dump|settings-dump> [-config path] [-n rows]")
}

// forceSync runs one full Sync Engine pass immediately, outside any
// cron schedule, against the Persistence Layer's typed mirror.
func forceSync(ctx context.Context, cfg *config.Config, st *store.Store) int {
	mode, err := config.Mode(ctx, st)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enginectl: reading trading mode: %v\n", err)
		return 1
	}
	tradier := broker.NewTradierAPI(cfg.Broker.APIKey, cfg.Broker.AccountID, cfg.BaseURL(mode), time.Duration(cfg.Broker.RequestTimeout), time.Duration(cfg.Broker.OrderTimeout))

	orderWindow, err := config.OrderSyncWindow(ctx, st)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enginectl: reading order sync window: %v\n", err)
		return 1
	}
	syncEngine := sync.NewEngine(tradier, st, orderWindow)

	result, err := syncEngine.Sync(ctx, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "enginectl: sync failed: %v\n", err)
		return 1
	}
	fmt.Printf("sync complete: %d positions, %d orders, equity=%.2f, synced_at=%s\n",
		len(result.Positions), len(result.Orders), result.Balance.Equity, result.SyncedAt.Format(time.RFC3339))
	return 0
}

// settingsDump prints every settings-table row, sorted by key, so an
// operator can review live tuning without opening the database.
func settingsDump(ctx context.Context, st *store.Store) int {
	settings, err := st.AllSettings(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enginectl: reading settings: %v\n", err)
		return 1
	}
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%s=%s\n", k, settings[k])
	}
	return 0
}

// auditDump prints the most recent n system_logs rows for operator log
// inspection; broker_events rows are not printed.
func auditDump(ctx context.Context, st *store.Store, n int) int {
	logs, err := st.RecentSystemLogs(ctx, n)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enginectl: reading system logs: %v\n", err)
		return 1
	}
	fmt.Printf("=== last %d system_logs rows ===\n", n)
	for _, l := range logs {
		fmt.Printf("%s [%s] %s %v\n", l.CreatedAt.Format(time.RFC3339), l.Type, l.Message, l.Details)
	}
	return 0
}
