package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/gekkoworks/spreadengine/internal/clock"
	"github.com/gekkoworks/spreadengine/internal/metrics"
	"github.com/gekkoworks/spreadengine/internal/model"
)

// CircuitBreakerSettings configures the trip/recovery thresholds for
// ResilientBroker's breaker.
type CircuitBreakerSettings struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

// DefaultCircuitBreakerSettings trips once at least 5 requests have been
// counted in the current 60s window and at least half of them failed,
// and probes again after 30s.
func DefaultCircuitBreakerSettings() CircuitBreakerSettings {
	return CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.5,
	}
}

// AuditEvent is one outbound broker call's result, handed to an
// AuditRecorder so the Persistence Layer's broker_events table can log every call regardless of which engine triggered it.
type AuditEvent struct {
	Op         string
	StatusCode int
	OK         bool
	Duration   time.Duration
	ErrorText  string
}

// AuditRecorder is implemented by internal/store (via a thin adapter in
// cmd/engine) so this package never imports the Persistence Layer
// directly.
type AuditRecorder interface {
	RecordBrokerEvent(ctx context.Context, e AuditEvent) error
}

type noopAuditRecorder struct{}

func (noopAuditRecorder) RecordBrokerEvent(context.Context, AuditEvent) error { return nil }

// ResilientBroker wraps a Broker with a circuit breaker (tripped by a
// sustained failure ratio; every error the inner call returns counts,
// 4xx responses included), a pre-emptive rate limiter, and an
// audit hook. Every Broker method is proxied through the same call
// path so none of these concerns needs repeating per method.
type ResilientBroker struct {
	inner   Broker
	breaker *gobreaker.CircuitBreaker[any]
	limiter *rate.Limiter
	audit   AuditRecorder
}

// NewResilientBroker wraps inner with default settings and no audit
// recording.
func NewResilientBroker(inner Broker, requestsPerMinute int) *ResilientBroker {
	return NewResilientBrokerWithSettings(inner, requestsPerMinute, DefaultCircuitBreakerSettings(), noopAuditRecorder{})
}

// NewResilientBrokerWithSettings wraps inner with explicit breaker
// settings, a token-bucket limiter refilling at requestsPerMinute, and
// an AuditRecorder for the broker_events audit trail.
func NewResilientBrokerWithSettings(inner Broker, requestsPerMinute int, settings CircuitBreakerSettings, audit AuditRecorder) *ResilientBroker {
	st := gobreaker.Settings{
		Name:        "broker-gateway",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= settings.MinRequests &&
				float64(counts.TotalFailures)/float64(counts.Requests) >= settings.FailureRatio
		},
	}
	if audit == nil {
		audit = noopAuditRecorder{}
	}
	limit := rate.Limit(float64(requestsPerMinute) / 60.0)
	if requestsPerMinute <= 0 {
		limit = rate.Inf
	}
	return &ResilientBroker{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker[any](st),
		limiter: rate.NewLimiter(limit, 1),
		audit:   audit,
	}
}

// call runs fn through the rate limiter and circuit breaker, recording
// an audit event, and returns the typed result.
func call[T any](ctx context.Context, rb *ResilientBroker, op string, fn func() (T, error)) (T, error) {
	var zero T
	if err := rb.limiter.Wait(ctx); err != nil {
		return zero, fmt.Errorf("broker: rate limiter wait for %s: %w", op, err)
	}

	start := time.Now()
	result, err := rb.breaker.Execute(func() (any, error) {
		return fn()
	})
	dur := time.Since(start)

	statusCode := 0
	if apiErr, ok := err.(*APIError); ok {
		statusCode = apiErr.StatusCode
	}
	errText := ""
	if err != nil {
		errText = err.Error()
	}
	_ = rb.audit.RecordBrokerEvent(ctx, AuditEvent{
		Op: op, StatusCode: statusCode, OK: err == nil, Duration: dur, ErrorText: errText,
	})
	metrics.ObserveBrokerCall(op, err == nil, dur.Seconds())

	if err != nil {
		return zero, err
	}
	return result.(T), nil
}

func (rb *ResilientBroker) GetUnderlyingQuote(ctx context.Context, symbol string) (Quote, error) {
	return call(ctx, rb, "get_quote", func() (Quote, error) { return rb.inner.GetUnderlyingQuote(ctx, symbol) })
}

func (rb *ResilientBroker) GetExpirations(ctx context.Context, symbol string) ([]string, error) {
	return call(ctx, rb, "get_expirations", func() ([]string, error) { return rb.inner.GetExpirations(ctx, symbol) })
}

func (rb *ResilientBroker) GetOptionChain(ctx context.Context, symbol, expiration string) ([]OptionLeg, error) {
	return call(ctx, rb, "get_option_chain", func() ([]OptionLeg, error) { return rb.inner.GetOptionChain(ctx, symbol, expiration) })
}

func (rb *ResilientBroker) PlaceSpreadOrder(ctx context.Context, req SpreadOrderRequest) (*PlacedOrder, error) {
	return call(ctx, rb, "place_spread_order", func() (*PlacedOrder, error) { return rb.inner.PlaceSpreadOrder(ctx, req) })
}

func (rb *ResilientBroker) PlaceSingleLegCloseOrder(ctx context.Context, optionSymbol, side string, quantity int, clientOrderID string) (*PlacedOrder, error) {
	return call(ctx, rb, "place_single_leg_close", func() (*PlacedOrder, error) {
		return rb.inner.PlaceSingleLegCloseOrder(ctx, optionSymbol, side, quantity, clientOrderID)
	})
}

func (rb *ResilientBroker) GetOrder(ctx context.Context, id int) (*PlacedOrder, error) {
	return call(ctx, rb, "get_order", func() (*PlacedOrder, error) { return rb.inner.GetOrder(ctx, id) })
}

func (rb *ResilientBroker) GetAllOrders(ctx context.Context, start, end time.Time) ([]PlacedOrder, error) {
	return call(ctx, rb, "get_all_orders", func() ([]PlacedOrder, error) { return rb.inner.GetAllOrders(ctx, start, end) })
}

func (rb *ResilientBroker) GetOpenOrders(ctx context.Context) ([]PlacedOrder, error) {
	return call(ctx, rb, "get_open_orders", func() ([]PlacedOrder, error) { return rb.inner.GetOpenOrders(ctx) })
}

func (rb *ResilientBroker) CancelOrder(ctx context.Context, id int) error {
	_, err := call(ctx, rb, "cancel_order", func() (struct{}, error) { return struct{}{}, rb.inner.CancelOrder(ctx, id) })
	return err
}

func (rb *ResilientBroker) GetPositions(ctx context.Context) ([]model.PortfolioPosition, error) {
	return call(ctx, rb, "get_positions", func() ([]model.PortfolioPosition, error) { return rb.inner.GetPositions(ctx) })
}

func (rb *ResilientBroker) GetBalances(ctx context.Context) (BalanceSnapshot, error) {
	return call(ctx, rb, "get_balances", func() (BalanceSnapshot, error) { return rb.inner.GetBalances(ctx) })
}

func (rb *ResilientBroker) GetGainLoss(ctx context.Context, start, end time.Time) ([]GainLossEntry, error) {
	return call(ctx, rb, "get_gain_loss", func() ([]GainLossEntry, error) { return rb.inner.GetGainLoss(ctx, start, end) })
}

func (rb *ResilientBroker) GetHistoricalData(ctx context.Context, symbol string, start, end time.Time) ([]HistoricalBar, error) {
	return call(ctx, rb, "get_historical_data", func() ([]HistoricalBar, error) {
		return rb.inner.GetHistoricalData(ctx, symbol, start, end)
	})
}

// GetMarketCalendar implements clock.CalendarSource by delegating to
// inner when it supports the interface (the concrete TradierAPI does).
func (rb *ResilientBroker) GetMarketCalendar(ctx context.Context, month, year int) ([]clock.MarketDay, error) {
	source, ok := rb.inner.(clock.CalendarSource)
	if !ok {
		return nil, fmt.Errorf("broker: underlying broker does not implement GetMarketCalendar")
	}
	return call(ctx, rb, "get_market_calendar", func() ([]clock.MarketDay, error) { return source.GetMarketCalendar(ctx, month, year) })
}

var _ Broker = (*ResilientBroker)(nil)
var _ clock.CalendarSource = (*ResilientBroker)(nil)
