// Package statusapi implements the minimal operator-status HTTP
// surface: GET /healthz, GET /status (current system mode, per-stream
// sync freshness, open trade count, latest balance, today's rollup),
// and GET /metrics (Prometheus). Nothing else: no position detail, no
// order placement, no auth-gated admin actions; the admin UI lives
// elsewhere and is out of scope here.
//
// Built as a *chi.Mux wrapped in an *http.Server with read/write/idle
// timeouts and a logrus request-logging middleware.
package statusapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/gekkoworks/spreadengine/internal/model"
	"github.com/gekkoworks/spreadengine/internal/store"
	"github.com/gekkoworks/spreadengine/internal/sync"
)

// Config bundles the status server's own settings.
type Config struct {
	Port int
}

// Server serves the operator-status HTTP surface.
type Server struct {
	router *chi.Mux
	server *http.Server
	store  *store.Store
	sync   *sync.Engine
	logger *logrus.Logger
	port   int
}

// StreamFreshness reports one sync stream's last-synced timestamp.
type StreamFreshness struct {
	Stream       string     `json:"stream"`
	LastSyncedAt *time.Time `json:"last_synced_at"`
}

// BalanceView is the latest synced account balance, as GET /status
// reports it.
type BalanceView struct {
	Cash        float64   `json:"cash"`
	BuyingPower float64   `json:"buying_power"`
	Equity      float64   `json:"equity"`
	AsOf        time.Time `json:"as_of"`
}

// SummaryView is today's trading rollup, as GET /status reports it.
type SummaryView struct {
	RealizedPnL  float64 `json:"realized_pnl"`
	TradesOpened int     `json:"trades_opened"`
	TradesClosed int     `json:"trades_closed"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	SystemMode      model.SystemMode  `json:"system_mode"`
	OpenTradeCount  int               `json:"open_trade_count"`
	SyncFreshness   []StreamFreshness `json:"sync_freshness"`
	Balance         *BalanceView      `json:"balance,omitempty"`
	Today           *SummaryView      `json:"today,omitempty"`
	GeneratedAt     time.Time         `json:"generated_at"`
}

// NewServer wires a status-api Server over the Persistence Layer and
// Sync Engine.
func NewServer(cfg Config, s *store.Store, se *sync.Engine, logger *logrus.Logger) *Server {
	srv := &Server{
		router: chi.NewRouter(),
		store:  s,
		sync:   se,
		logger: logger,
		port:   cfg.Port,
	}
	srv.setupRoutes()
	return srv
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLoggerMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(15 * time.Second))

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/status", s.handleStatus)
	s.router.Handle("/metrics", promhttp.Handler())
}

func (s *Server) requestLoggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(wrapped, r)
		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   wrapped.Status(),
			"duration": time.Since(start),
		}).Info("status-api request")
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := s.buildStatus(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("building status response")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.WithError(err).Error("encoding status response")
	}
}

func (s *Server) buildStatus(ctx context.Context) (StatusResponse, error) {
	now := time.Now()

	rs, err := s.store.GetRiskState(ctx)
	if err != nil {
		return StatusResponse{}, fmt.Errorf("statusapi: loading risk state: %w", err)
	}

	open, err := s.store.ListOpenTrades(ctx)
	if err != nil {
		return StatusResponse{}, fmt.Errorf("statusapi: listing open trades: %w", err)
	}

	streams := []string{sync.StreamPositions, sync.StreamOrders, sync.StreamBalances}
	freshness := make([]StreamFreshness, 0, len(streams))
	for _, st := range streams {
		t, ok, err := s.sync.LastSyncedAt(ctx, st)
		if err != nil {
			return StatusResponse{}, fmt.Errorf("statusapi: reading %s freshness: %w", st, err)
		}
		entry := StreamFreshness{Stream: st}
		if ok {
			tc := t
			entry.LastSyncedAt = &tc
		}
		freshness = append(freshness, entry)
	}

	resp := StatusResponse{
		SystemMode:     rs.SystemMode,
		OpenTradeCount: len(open),
		SyncFreshness:  freshness,
		GeneratedAt:    now,
	}

	if snap, err := s.store.LatestAccountSnapshot(ctx); err == nil && snap != nil {
		resp.Balance = &BalanceView{
			Cash: snap.Cash, BuyingPower: snap.BuyingPower, Equity: snap.Equity, AsOf: snap.CreatedAt,
		}
	}
	if sum, err := s.store.GetDailySummary(ctx, now); err == nil && sum != nil {
		resp.Today = &SummaryView{
			RealizedPnL:  sum.RealizedPnL,
			TradesOpened: sum.TradesOpened,
			TradesClosed: sum.TradesClosed,
			Wins:         sum.Wins,
			Losses:       sum.Losses,
		}
	}
	return resp, nil
}

// Start runs the HTTP server until it errors or is shut down.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Infof("starting status-api server on port %d", s.port)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
