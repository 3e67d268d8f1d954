// Package binance is the USDⓈ-M futures client used in live mode: signed
// REST calls for sizing, orders and positions plus the mark-price stream.
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/hedgebot/internal/crypto"
	"github.com/alanyoungcy/hedgebot/internal/domain"
)

const exchangeInfoTTL = time.Hour

// WeightSink absorbs the request weight the exchange reports as used.
type WeightSink interface {
	Sync(used int)
}

// Config configures a Client.
type Config struct {
	RestHost          string
	WsHost            string
	RecvWindow        time.Duration
	RequestsPerSecond float64
	CommissionRate    float64
	HTTPTimeout       time.Duration
}

// Client is the REST and websocket client for the futures API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	auth       *crypto.HMACAuth
	limiter    *rate.Limiter
	weights    WeightSink
	logger     *slog.Logger

	mu       sync.RWMutex
	filters  map[string]symbolFilter
	loadedAt time.Time

	stopMu sync.Mutex
	stops  map[string]int64 // position id|type -> resting order id
}

var _ domain.ExchangeClient = (*Client)(nil)

// NewClient creates a client. weights may be nil.
func NewClient(cfg Config, auth *crypto.HMACAuth, weights WeightSink, logger *slog.Logger) *Client {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout,
		},
		auth:    auth,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(1, int(cfg.RequestsPerSecond))),
		weights: weights,
		logger:  logger.With(slog.String("component", "binance")),
		filters: make(map[string]symbolFilter),
		stops:   make(map[string]int64),
	}
}

// Quantity sizes investAmount at the current mark price, rounded down to the
// symbol's step. A result below the exchange minimums has Qty zero.
func (c *Client) Quantity(ctx context.Context, symbol string, investAmount float64) (domain.Sizing, error) {
	f, err := c.filter(ctx, symbol)
	if err != nil {
		return domain.Sizing{}, fmt.Errorf("binance: quantity %s: %w", symbol, err)
	}
	mark, err := c.markPrice(ctx, symbol)
	if err != nil {
		return domain.Sizing{}, fmt.Errorf("binance: quantity %s: %w", symbol, err)
	}

	qty := roundDown(decimal.NewFromFloat(investAmount).Div(mark), f.step)
	if qty.LessThan(f.minQty) || qty.Mul(mark).LessThan(f.minNotional) {
		qty = decimal.Zero
	}
	half := roundDown(qty.Div(decimal.NewFromInt(2)), f.step)

	return domain.Sizing{
		Qty:         qty.InexactFloat64(),
		PartialQty1: half.InexactFloat64(),
		PartialQty2: qty.Sub(half).InexactFloat64(),
		Precision:   int(-f.step.Exponent()),
		Price:       mark.InexactFloat64(),
	}, nil
}

// PlaceOrder sends a market order and waits for the fill report.
func (c *Client) PlaceOrder(ctx context.Context, symbol string, side domain.Side, qty float64) (domain.OrderResult, error) {
	if !side.Valid() || qty <= 0 {
		return domain.OrderResult{}, fmt.Errorf("binance: order %s %s %g: %w", symbol, side, qty, domain.ErrInvalidOrder)
	}
	f, err := c.filter(ctx, symbol)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("binance: place order %s: %w", symbol, err)
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", "MARKET")
	params.Set("quantity", roundDown(decimal.NewFromFloat(qty), f.step).String())
	params.Set("newOrderRespType", "RESULT")

	var order APIOrder
	if err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params, &order); err != nil {
		return domain.OrderResult{}, fmt.Errorf("binance: place order %s %s: %w", symbol, side, err)
	}
	return order.ToDomainOrderResult(c.cfg.CommissionRate), nil
}

// SetStopLoss places a mark-price reduce-only STOP_MARKET for the
// position's quantity and cancels the stop it replaces.
func (c *Client) SetStopLoss(ctx context.Context, o domain.ProtectiveOrder) error {
	if err := c.replaceConditional(ctx, o, "STOP_MARKET"); err != nil {
		return fmt.Errorf("binance: set stop loss %s %s: %w", o.Symbol, o.PositionID, err)
	}
	return nil
}

// SetTakeProfit places a mark-price reduce-only TAKE_PROFIT_MARKET for the
// position's quantity.
func (c *Client) SetTakeProfit(ctx context.Context, o domain.ProtectiveOrder) error {
	if err := c.replaceConditional(ctx, o, "TAKE_PROFIT_MARKET"); err != nil {
		return fmt.Errorf("binance: set take profit %s %s: %w", o.Symbol, o.PositionID, err)
	}
	return nil
}

// CancelProtective cancels the stop and take-profit resting for positionID.
func (c *Client) CancelProtective(ctx context.Context, symbol, positionID string) error {
	var ids []int64
	c.stopMu.Lock()
	for _, orderType := range conditionalTypes {
		key := protectiveKey(positionID, orderType)
		if id, ok := c.stops[key]; ok {
			ids = append(ids, id)
			delete(c.stops, key)
		}
	}
	c.stopMu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := c.cancelOrder(ctx, symbol, id); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("binance: cancel protective %s %s: %w", symbol, positionID, err)
	}
	return nil
}

var conditionalTypes = []string{"STOP_MARKET", "TAKE_PROFIT_MARKET"}

// protectiveKey scopes a resting conditional order to one position, so
// positions sharing a symbol and side never replace each other's orders.
func protectiveKey(positionID, orderType string) string {
	return positionID + "|" + orderType
}

func (c *Client) replaceConditional(ctx context.Context, o domain.ProtectiveOrder, orderType string) error {
	if o.PositionID == "" || !o.Side.Valid() || o.Price <= 0 || o.Qty <= 0 {
		return domain.ErrInvalidOrder
	}
	f, err := c.filter(ctx, o.Symbol)
	if err != nil {
		return err
	}
	params := url.Values{}
	params.Set("symbol", o.Symbol)
	params.Set("side", string(o.Side))
	params.Set("type", orderType)
	params.Set("stopPrice", roundDown(decimal.NewFromFloat(o.Price), f.tick).String())
	params.Set("quantity", roundDown(decimal.NewFromFloat(o.Qty), f.step).String())
	params.Set("reduceOnly", "true")
	params.Set("workingType", "MARK_PRICE")

	var order APIOrder
	if err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params, &order); err != nil {
		return err
	}

	key := protectiveKey(o.PositionID, orderType)
	c.stopMu.Lock()
	prev, ok := c.stops[key]
	c.stops[key] = order.OrderID
	c.stopMu.Unlock()

	if ok && prev != order.OrderID {
		if err := c.cancelOrder(ctx, o.Symbol, prev); err != nil {
			c.logger.Warn("cancel replaced conditional order failed",
				slog.String("symbol", o.Symbol),
				slog.String("position_id", o.PositionID),
				slog.Int64("order_id", prev),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// cancelOrder cancels a resting order. An order that already triggered or
// was cancelled counts as done.
func (c *Client) cancelOrder(ctx context.Context, symbol string, orderID int64) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	if err := c.doSigned(ctx, http.MethodDelete, "/fapi/v1/order", params, nil); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return nil
}

// OpenPositions lists the non-flat positions on the account.
func (c *Client) OpenPositions(ctx context.Context) ([]domain.ExchangePosition, error) {
	var rows []APIPositionRisk
	if err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/positionRisk", url.Values{}, &rows); err != nil {
		return nil, fmt.Errorf("binance: open positions: %w", err)
	}
	out := make([]domain.ExchangePosition, 0, len(rows))
	for _, r := range rows {
		if p, ok := r.ToDomain(); ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (c *Client) markPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var idx APIPremiumIndex
	q := url.Values{"symbol": {symbol}}
	if err := c.doPublic(ctx, "/fapi/v1/premiumIndex", q, &idx); err != nil {
		return decimal.Zero, err
	}
	mark := parseDecimal(idx.MarkPrice)
	if !mark.IsPositive() {
		return decimal.Zero, fmt.Errorf("mark price %q: %w", idx.MarkPrice, domain.ErrNoData)
	}
	return mark, nil
}

// filter returns the cached trading rules for symbol, reloading exchangeInfo
// when the cache is stale or lacks the symbol.
func (c *Client) filter(ctx context.Context, symbol string) (symbolFilter, error) {
	c.mu.RLock()
	f, ok := c.filters[symbol]
	fresh := time.Since(c.loadedAt) < exchangeInfoTTL
	c.mu.RUnlock()
	if ok && fresh {
		return f, nil
	}

	var info APIExchangeInfo
	if err := c.doPublic(ctx, "/fapi/v1/exchangeInfo", nil, &info); err != nil {
		if ok {
			return f, nil
		}
		return symbolFilter{}, err
	}

	filters := make(map[string]symbolFilter, len(info.Symbols))
	for _, s := range info.Symbols {
		filters[s.Symbol] = s.toFilter()
	}
	c.mu.Lock()
	c.filters = filters
	c.loadedAt = time.Now()
	c.mu.Unlock()

	f, ok = filters[symbol]
	if !ok {
		return symbolFilter{}, fmt.Errorf("unknown symbol %s: %w", symbol, domain.ErrNotFound)
	}
	return f, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

func (c *Client) doPublic(ctx context.Context, path string, params url.Values, out any) error {
	u := c.cfg.RestHost + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return c.do(ctx, http.MethodGet, u, nil, out)
}

// doSigned sends an HMAC-signed request. POST and DELETE carry the signed
// query in the body.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values, out any) error {
	if c.auth == nil {
		return fmt.Errorf("signed request without credentials: %w", domain.ErrUnauthorized)
	}
	query := c.auth.SignedQuery(params, c.cfg.RecvWindow)
	u := c.cfg.RestHost + path
	var body io.Reader
	if method == http.MethodGet {
		u += "?" + query
	} else {
		body = strings.NewReader(query)
	}
	return c.do(ctx, method, u, body, out)
}

func (c *Client) do(ctx context.Context, method, u string, body io.Reader, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if c.auth != nil {
		for k, v := range c.auth.Headers() {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	c.syncWeight(resp.Header)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) syncWeight(h http.Header) {
	if c.weights == nil {
		return
	}
	raw := h.Get("X-MBX-USED-WEIGHT-1M")
	if raw == "" {
		return
	}
	used, err := strconv.Atoi(raw)
	if err != nil {
		return
	}
	c.weights.Sync(used)
}

// checkHTTPStatus maps non-2xx status codes to appropriate domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	msg := string(body)
	var apiErr APIError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Msg != "" {
		msg = fmt.Sprintf("code %d: %s", apiErr.Code, apiErr.Msg)
	}
	switch {
	case statusCode == http.StatusTooManyRequests, statusCode == 418:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, msg)
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, msg)
	case statusCode == http.StatusNotFound, apiErr.Code == -2011:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, msg)
	case statusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: %s", domain.ErrInvalidOrder, msg)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, msg)
	}
}

// roundDown truncates v to a multiple of step.
func roundDown(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}
