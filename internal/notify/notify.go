// Package notify implements the outbound notification channel: a
// one-way, best-effort webhook POST for proposal and trade lifecycle
// events. The POST runs synchronously in the calling cycle, bounded by
// DefaultTimeout. A failed webhook
// POST is logged via zerolog and otherwise ignored; it is never
// returned to the caller as an actionable error.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// EventType enumerates the lifecycle events the Notifier reports.
type EventType string

const (
	EventProposalCreated EventType = "proposal_created"
	EventEntrySubmitted  EventType = "entry_submitted"
	EventEntryFilled     EventType = "entry_filled"
	EventExitSubmitted   EventType = "exit_submitted"
	EventExitFilled      EventType = "exit_filled"
)

// Event is one outbound notification payload.
type Event struct {
	Type       EventType      `json:"type"`
	TradeID    string         `json:"trade_id,omitempty"`
	ProposalID string         `json:"proposal_id,omitempty"`
	Underlying string         `json:"underlying,omitempty"`
	Strategy   string         `json:"strategy,omitempty"`
	Detail     string         `json:"detail,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	At         time.Time      `json:"at"`
}

// Notifier is the one-way outbound channel the Trade and Monitor Cycle
// jobs call after a state change worth surfacing to an operator. The
// Webhook implementation delivers synchronously, so a slow or failing
// remote endpoint holds the caller for at most DefaultTimeout.
type Notifier interface {
	Notify(ctx context.Context, e Event)
}

// NoOp is the DRY_RUN / sandbox Notifier: it drops every event. Used
// whenever TRADING_MODE is not LIVE or no webhook URL is configured.
type NoOp struct{}

// Notify implements Notifier by doing nothing.
func (NoOp) Notify(context.Context, Event) {}

var _ Notifier = NoOp{}

// DefaultTimeout bounds one webhook POST attempt.
const DefaultTimeout = 5 * time.Second

// Webhook posts each Event as a JSON body to a configured URL. Every
// failure is logged and swallowed; notification delivery is never a
// condition for continuing or aborting a trading cycle.
type Webhook struct {
	url        string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewWebhook builds a Webhook Notifier posting to url.
func NewWebhook(url string, logger zerolog.Logger) *Webhook {
	return &Webhook{
		url:        url,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     logger,
	}
}

var _ Notifier = (*Webhook)(nil)

// Notify POSTs e to the configured webhook URL in a best-effort
// fashion. A nil or empty URL is a configuration no-op, not an error.
func (w *Webhook) Notify(ctx context.Context, e Event) {
	if w == nil || w.url == "" {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	body, err := json.Marshal(e)
	if err != nil {
		w.logger.Error().Err(err).Str("event_type", string(e.Type)).Msg("notify: marshaling webhook payload")
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		w.logger.Error().Err(err).Str("event_type", string(e.Type)).Msg("notify: building webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		w.logger.Warn().Err(err).Str("event_type", string(e.Type)).Msg("notify: webhook delivery failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		w.logger.Warn().
			Str("event_type", string(e.Type)).
			Int("status", resp.StatusCode).
			Msg("notify: webhook returned non-2xx status")
	}
}

// ProposalCreated builds an EventProposalCreated event.
func ProposalCreated(proposalID, underlying, strategy string, score float64) Event {
	return Event{
		Type: EventProposalCreated, ProposalID: proposalID, Underlying: underlying, Strategy: strategy,
		Detail: fmt.Sprintf("score=%.3f", score),
	}
}

// EntrySubmitted builds an EventEntrySubmitted event.
func EntrySubmitted(tradeID, underlying, strategy string) Event {
	return Event{Type: EventEntrySubmitted, TradeID: tradeID, Underlying: underlying, Strategy: strategy}
}

// EntryFilled builds an EventEntryFilled event.
func EntryFilled(tradeID, underlying, strategy string, entryPrice float64) Event {
	return Event{
		Type: EventEntryFilled, TradeID: tradeID, Underlying: underlying, Strategy: strategy,
		Detail: fmt.Sprintf("entry_price=%.2f", entryPrice),
	}
}

// ExitSubmitted builds an EventExitSubmitted event.
func ExitSubmitted(tradeID, underlying, strategy, trigger string) Event {
	return Event{
		Type: EventExitSubmitted, TradeID: tradeID, Underlying: underlying, Strategy: strategy,
		Detail: "trigger=" + trigger,
	}
}

// ExitFilled builds an EventExitFilled event.
func ExitFilled(tradeID, underlying, strategy string, realizedPnL float64) Event {
	return Event{
		Type: EventExitFilled, TradeID: tradeID, Underlying: underlying, Strategy: strategy,
		Detail: fmt.Sprintf("realized_pnl=%.2f", realizedPnL),
	}
}
