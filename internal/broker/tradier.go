package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gekkoworks/spreadengine/internal/clock"
	"github.com/gekkoworks/spreadengine/internal/engineerr"
	"github.com/gekkoworks/spreadengine/internal/model"
	"github.com/gekkoworks/spreadengine/internal/retry"
)

// APIError carries a broker HTTP failure's status code and body so the
// retry classifier and the audit writer can both inspect StatusCode
// without re-parsing an error string.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker: api error %d: %s", e.StatusCode, e.Body)
}

// TradierAPI is the concrete Broker Gateway implementation against a
// Tradier-shaped brokerage REST API. Order building goes through the
// multileg SpreadOrderRequest shape covering all five strategies.
type TradierAPI struct {
	client      *http.Client
	orderClient *http.Client // order endpoints get a longer timeout
	apiKey      string
	accountID   string
	baseURL     string
}

// NewTradierAPI builds a client pointed at baseURL (sandbox or live,
// selected by the caller via config.Config.BaseURL). timeout applies
// to every endpoint except order placement/status/cancel, which use
// the longer orderTimeout.
func NewTradierAPI(apiKey, accountID, baseURL string, timeout, orderTimeout time.Duration) *TradierAPI {
	if orderTimeout <= 0 {
		orderTimeout = timeout
	}
	return &TradierAPI{
		client:      &http.Client{Timeout: timeout},
		orderClient: &http.Client{Timeout: orderTimeout},
		apiKey:      apiKey,
		accountID:   accountID,
		baseURL:     strings.TrimRight(baseURL, "/"),
	}
}

func (t *TradierAPI) makeRequest(ctx context.Context, client *http.Client, method, endpoint string, params url.Values, out interface{}) error {
	var req *http.Request
	var err error

	if method == http.MethodPost && params != nil {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(params.Encode()))
		if err != nil {
			return fmt.Errorf("broker: building request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req, err = http.NewRequestWithContext(ctx, method, endpoint, http.NoBody)
		if err != nil {
			return fmt.Errorf("broker: building request: %w", err)
		}
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "spreadengine/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("broker: %s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated &&
		resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("broker: decoding response from %s: %w", endpoint, err)
	}
	return nil
}

// doRetried wraps makeRequest in the gateway's bounded linear-backoff
// policy, classifying failures via retry.IsTransientHTTP.
func (t *TradierAPI) doRetried(ctx context.Context, method, endpoint string, params url.Values, out interface{}) error {
	return t.doRetriedWith(ctx, t.client, method, endpoint, params, out)
}

// doRetriedOrder is doRetried on the order-endpoint client, which
// carries the longer order timeout.
func (t *TradierAPI) doRetriedOrder(ctx context.Context, method, endpoint string, params url.Values, out interface{}) error {
	return t.doRetriedWith(ctx, t.orderClient, method, endpoint, params, out)
}

func (t *TradierAPI) doRetriedWith(ctx context.Context, client *http.Client, method, endpoint string, params url.Values, out interface{}) error {
	return retry.Do(ctx, retry.GatewayConfig, func(err error) bool {
		if apiErr, ok := err.(*APIError); ok {
			return retry.IsTransientHTTP(apiErr.StatusCode, nil)
		}
		return retry.IsTransientHTTP(0, err)
	}, func(ctx context.Context) error {
		return t.makeRequest(ctx, client, method, endpoint, params, out)
	})
}

// singleOrArray decodes a field the broker collapses to a bare object
// when it holds exactly one element. Wire shapes live in wire.go.
type singleOrArray[T any] []T

func (s *singleOrArray[T]) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" || trimmed == "null" || trimmed == `"null"` {
		return nil
	}
	if trimmed[0] == '[' {
		return json.Unmarshal(b, (*[]T)(s))
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*s = append(*s, one)
	return nil
}

// ---------- Broker interface implementation ----------

// GetUnderlyingQuote implements Broker.
func (t *TradierAPI) GetUnderlyingQuote(ctx context.Context, symbol string) (Quote, error) {
	endpoint := fmt.Sprintf("%s/markets/quotes?symbols=%s", t.baseURL, url.QueryEscape(symbol))
	var resp quotesResponse
	if err := t.doRetried(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return Quote{}, fmt.Errorf("broker: getting quote for %s: %w", symbol, err)
	}
	if len(resp.Quotes.Quote) == 0 {
		return Quote{}, fmt.Errorf("broker: no quote returned for %s", symbol)
	}
	q := resp.Quotes.Quote[0]
	return Quote{Symbol: q.Symbol, Last: q.Last, Bid: q.Bid, Ask: q.Ask}, nil
}

// GetExpirations implements Broker, returning every available option
// expiration date for symbol so the Proposal Engine can enumerate which
// ones fall inside the configured DTE window.
func (t *TradierAPI) GetExpirations(ctx context.Context, symbol string) ([]string, error) {
	endpoint := fmt.Sprintf("%s/markets/options/expirations?symbol=%s&includeAllRoots=true&strikes=false",
		t.baseURL, url.QueryEscape(symbol))
	var resp expirationsResponse
	if err := t.doRetried(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, fmt.Errorf("broker: getting expirations for %s: %w", symbol, err)
	}
	return resp.Expirations.Date, nil
}

// GetOptionChain implements Broker.
func (t *TradierAPI) GetOptionChain(ctx context.Context, symbol, expiration string) ([]OptionLeg, error) {
	endpoint := fmt.Sprintf("%s/markets/options/chains?symbol=%s&expiration=%s&greeks=true",
		t.baseURL, url.QueryEscape(symbol), url.QueryEscape(expiration))
	var resp optionChainResponse
	if err := t.doRetried(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, fmt.Errorf("broker: getting option chain for %s %s: %w", symbol, expiration, err)
	}

	legs := make([]OptionLeg, 0, len(resp.Options.Option))
	for _, o := range resp.Options.Option {
		leg := OptionLeg{
			Symbol:         o.Symbol,
			OptionType:     strings.ToUpper(o.OptionType),
			Strike:         o.Strike,
			ExpirationDate: o.ExpirationDate,
			Bid:            o.Bid,
			Ask:            o.Ask,
			Last:           o.Last,
			Volume:         o.Volume,
			OpenInterest:   o.OpenInterest,
		}
		if o.Greeks != nil {
			leg.Greeks = &Greeks{
				Delta: o.Greeks.Delta,
				Gamma: o.Greeks.Gamma,
				Theta: o.Greeks.Theta,
				Vega:  o.Greeks.Vega,
				MidIV: o.Greeks.MidIV,
			}
		}
		legs = append(legs, leg)
	}
	return legs, nil
}

// PlaceSpreadOrder implements Broker. Each leg's OptionSymbol and Side
// are supplied by the caller (Entry/Exit Engine); this method only
// shapes them into the broker's multileg order form.
func (t *TradierAPI) PlaceSpreadOrder(ctx context.Context, req SpreadOrderRequest) (*PlacedOrder, error) {
	if req.Strategy == "" {
		return nil, fmt.Errorf("broker: %w: spread order submitted without a strategy", engineerr.ErrProgramming)
	}
	if req.LimitPrice <= 0 {
		return nil, fmt.Errorf("broker: invalid limit price %.2f for spread order", req.LimitPrice)
	}
	isCreditOrder := req.Strategy.IsCredit() != req.IsExit

	params := url.Values{}
	params.Set("class", "multileg")
	params.Set("duration", normalizeDuration(req.Duration))
	if isCreditOrder {
		params.Set("type", "credit")
	} else {
		params.Set("type", "debit")
	}
	params.Set("price", fmt.Sprintf("%.2f", req.LimitPrice))
	if req.ClientOrderID != "" {
		params.Set("tag", req.ClientOrderID)
	}
	for i, leg := range req.Legs {
		params.Set(fmt.Sprintf("option_symbol[%d]", i), leg.OptionSymbol)
		params.Set(fmt.Sprintf("side[%d]", i), leg.Side)
		params.Set(fmt.Sprintf("quantity[%d]", i), strconv.Itoa(leg.Quantity))
	}

	endpoint := fmt.Sprintf("%s/accounts/%s/orders", t.baseURL, t.accountID)
	var resp orderResponse
	if err := t.doRetriedOrder(ctx, http.MethodPost, endpoint, params, &resp); err != nil {
		return nil, fmt.Errorf("broker: placing spread order: %w", err)
	}
	return placedOrderFromItem(resp.Order), nil
}

// PlaceSingleLegCloseOrder implements Broker. Used by the Exit Engine's
// single-leg fallback after a multileg close fails.
func (t *TradierAPI) PlaceSingleLegCloseOrder(ctx context.Context, optionSymbol, side string, quantity int, clientOrderID string) (*PlacedOrder, error) {
	params := url.Values{}
	params.Set("class", "option")
	params.Set("symbol", extractUnderlying(optionSymbol))
	params.Set("option_symbol", optionSymbol)
	params.Set("side", side)
	params.Set("quantity", strconv.Itoa(quantity))
	params.Set("type", "market")
	params.Set("duration", "day")
	if clientOrderID != "" {
		params.Set("tag", clientOrderID)
	}

	endpoint := fmt.Sprintf("%s/accounts/%s/orders", t.baseURL, t.accountID)
	var resp orderResponse
	if err := t.doRetriedOrder(ctx, http.MethodPost, endpoint, params, &resp); err != nil {
		return nil, fmt.Errorf("broker: placing single-leg close order: %w", err)
	}
	return placedOrderFromItem(resp.Order), nil
}

// GetOrder implements Broker.
func (t *TradierAPI) GetOrder(ctx context.Context, id int) (*PlacedOrder, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%d", t.baseURL, t.accountID, id)
	var resp orderResponse
	if err := t.doRetriedOrder(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, fmt.Errorf("broker: getting order %d: %w", id, err)
	}
	return placedOrderFromItem(resp.Order), nil
}

// GetAllOrders implements Broker, used by the Sync Engine's order-sync
// window.
func (t *TradierAPI) GetAllOrders(ctx context.Context, start, end time.Time) ([]PlacedOrder, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders?start=%s&end=%s",
		t.baseURL, t.accountID, start.Format("2006-01-02"), end.Format("2006-01-02"))
	var resp ordersResponse
	if err := t.doRetried(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, fmt.Errorf("broker: listing orders: %w", err)
	}
	out := make([]PlacedOrder, 0, len(resp.Orders.Order))
	for _, o := range resp.Orders.Order {
		out = append(out, *placedOrderFromItem(o))
	}
	return out, nil
}

// GetOpenOrders implements Broker. The broker's orders endpoint returns
// every order on the account when called without a date range, most
// recent first; filtering client-side for non-terminal status avoids
// missing a GTC order placed more than a day ago.
func (t *TradierAPI) GetOpenOrders(ctx context.Context) ([]PlacedOrder, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders", t.baseURL, t.accountID)
	var resp ordersResponse
	if err := t.doRetried(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, fmt.Errorf("broker: listing open orders: %w", err)
	}
	open := make([]PlacedOrder, 0, len(resp.Orders.Order))
	for _, o := range resp.Orders.Order {
		po := placedOrderFromItem(o)
		if !po.Status.IsTerminal() {
			open = append(open, *po)
		}
	}
	return open, nil
}

// CancelOrder implements Broker.
func (t *TradierAPI) CancelOrder(ctx context.Context, id int) error {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%d", t.baseURL, t.accountID, id)
	var resp orderResponse
	if err := t.doRetriedOrder(ctx, http.MethodDelete, endpoint, nil, &resp); err != nil {
		return fmt.Errorf("broker: cancelling order %d: %w", id, err)
	}
	return nil
}

// GetPositions implements Broker.
func (t *TradierAPI) GetPositions(ctx context.Context) ([]model.PortfolioPosition, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/positions", t.baseURL, t.accountID)
	var resp positionsResponse
	if err := t.doRetried(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, fmt.Errorf("broker: getting positions: %w", err)
	}

	out := make([]model.PortfolioPosition, 0, len(resp.Positions.Position))
	for _, p := range resp.Positions.Position {
		underlying, expiration, optionType, strike := decodeOCCSymbol(p.Symbol)
		side := model.PositionLong
		qty := p.Quantity
		if qty < 0 {
			side = model.PositionShort
			qty = -qty
		}
		out = append(out, model.PortfolioPosition{
			Symbol:               p.Symbol,
			Underlying:           underlying,
			Expiration:           expiration,
			OptionType:           optionType,
			Strike:               strike,
			Side:                 side,
			Quantity:             qty,
			CostBasisPerContract: p.CostBasis,
		})
	}
	return out, nil
}

// GetBalances implements Broker.
func (t *TradierAPI) GetBalances(ctx context.Context) (BalanceSnapshot, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/balances", t.baseURL, t.accountID)
	var resp balanceResponse
	if err := t.doRetried(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return BalanceSnapshot{}, fmt.Errorf("broker: getting balances: %w", err)
	}

	snap := BalanceSnapshot{Equity: resp.Balances.TotalEquity}
	switch {
	case resp.Balances.Margin != nil:
		snap.BuyingPower = resp.Balances.Margin.OptionBuyingPower
		snap.MarginRequirement = resp.Balances.Margin.OptionRequirement
		snap.Cash = resp.Balances.TotalCash
	case resp.Balances.Cash != nil:
		snap.BuyingPower = resp.Balances.Cash.CashAvailable
		snap.Cash = resp.Balances.Cash.CashAvailable
	default:
		snap.Cash = resp.Balances.TotalCash
	}
	return snap, nil
}

// GetGainLoss implements Broker, used by the Exit Engine's
// broker-already-flat reconciliation.
func (t *TradierAPI) GetGainLoss(ctx context.Context, start, end time.Time) ([]GainLossEntry, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/gainloss?start=%s&end=%s",
		t.baseURL, t.accountID, start.Format("2006-01-02"), end.Format("2006-01-02"))
	var resp gainLossResponse
	if err := t.doRetried(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, fmt.Errorf("broker: getting gain/loss: %w", err)
	}

	out := make([]GainLossEntry, 0, len(resp.GainLoss.Closed))
	for _, g := range resp.GainLoss.Closed {
		closedAt, _ := time.Parse("2006-01-02", g.CloseDate)
		out = append(out, GainLossEntry{
			Symbol:      g.Symbol,
			ClosedAt:    closedAt,
			Quantity:    g.Quantity,
			ProceedsPnL: g.GainLossRaw,
		})
	}
	return out, nil
}

// GetHistoricalData implements Broker.
func (t *TradierAPI) GetHistoricalData(ctx context.Context, symbol string, start, end time.Time) ([]HistoricalBar, error) {
	endpoint := fmt.Sprintf("%s/markets/history?symbol=%s&interval=daily&start=%s&end=%s",
		t.baseURL, url.QueryEscape(symbol), start.Format("2006-01-02"), end.Format("2006-01-02"))
	var resp historyResponse
	if err := t.doRetried(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, fmt.Errorf("broker: getting historical data for %s: %w", symbol, err)
	}

	out := make([]HistoricalBar, 0, len(resp.History.Day))
	for _, d := range resp.History.Day {
		date, err := time.Parse("2006-01-02", d.Date)
		if err != nil {
			continue
		}
		out = append(out, HistoricalBar{Date: date, Close: d.Close})
	}
	return out, nil
}

// GetMarketCalendar implements clock.CalendarSource.
func (t *TradierAPI) GetMarketCalendar(ctx context.Context, month, year int) ([]clock.MarketDay, error) {
	endpoint := fmt.Sprintf("%s/markets/calendar?month=%d&year=%d", t.baseURL, month, year)
	var resp calendarResponse
	if err := t.doRetried(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, fmt.Errorf("broker: getting market calendar for %d/%d: %w", month, year, err)
	}

	out := make([]clock.MarketDay, 0, len(resp.Calendar.Days.Day))
	for _, d := range resp.Calendar.Days.Day {
		md := clock.MarketDay{Date: d.Date, Status: d.Status, Description: d.Description}
		if d.Open != nil {
			md.OpenStart, md.OpenEnd = d.Open.Start, d.Open.End
		}
		out = append(out, md)
	}
	return out, nil
}

func placedOrderFromItem(o orderItem) *PlacedOrder {
	createdAt, _ := time.Parse(time.RFC3339, o.CreateDate)
	// Credit spreads may report net fills as negative magnitudes; the
	// rest of the engine depends on positive prices everywhere.
	return &PlacedOrder{
		ID:                o.ID,
		Status:            normalizeOrderStatus(o.Status),
		AvgFillPrice:      math.Abs(o.AvgFillPrice),
		FilledQuantity:    int(o.ExecQuantity),
		RemainingQuantity: int(o.RemainingQuantity),
		RejectionText:     o.Reason,
		Tag:               o.Tag,
		Symbol:            o.Symbol,
		CreatedAt:         createdAt,
	}
}

func normalizeOrderStatus(raw string) model.OrderStatus {
	switch strings.ToLower(raw) {
	case "filled":
		return model.OrderFilled
	case "partially_filled":
		return model.OrderPartial
	case "canceled", "cancelled", "expired":
		return model.OrderCancelled
	case "rejected":
		return model.OrderRejected
	case "open", "pending", "submitted":
		return model.OrderPlaced
	default:
		return model.OrderPending
	}
}

func normalizeDuration(d string) string {
	switch d {
	case "gtc", "day":
		return d
	default:
		return "day"
	}
}

// extractUnderlying pulls the leading letters off an OCC option symbol
// (e.g. "SPY250117C00500000" -> "SPY").
func extractUnderlying(occSymbol string) string {
	for i, r := range occSymbol {
		if r >= '0' && r <= '9' {
			return occSymbol[:i]
		}
	}
	return occSymbol
}

// decodeOCCSymbol parses an OCC/OSI option symbol into its underlying,
// expiration, option type, and strike.
func decodeOCCSymbol(symbol string) (underlying string, expiration time.Time, optionType string, strike float64) {
	digitsStart := -1
	for i, r := range symbol {
		if r >= '0' && r <= '9' {
			digitsStart = i
			break
		}
	}
	if digitsStart < 0 || len(symbol) < digitsStart+15 {
		return symbol, time.Time{}, "", 0
	}
	underlying = symbol[:digitsStart]
	dateStr := symbol[digitsStart : digitsStart+6]
	typeChar := symbol[digitsStart+6]
	strikeStr := symbol[digitsStart+7:]

	expiration, _ = time.Parse("060102", dateStr)
	if typeChar == 'C' || typeChar == 'c' {
		optionType = "CALL"
	} else {
		optionType = "PUT"
	}
	if n, err := strconv.Atoi(strikeStr); err == nil {
		strike = float64(n) / 1000
	}
	return underlying, expiration, optionType, strike
}
