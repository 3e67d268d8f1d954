package binance

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/hedgebot/internal/domain"
)

// APIExchangeInfo is the subset of GET /fapi/v1/exchangeInfo the client uses.
type APIExchangeInfo struct {
	Symbols []APISymbol `json:"symbols"`
}

// APISymbol describes one tradable contract.
type APISymbol struct {
	Symbol            string      `json:"symbol"`
	Status            string      `json:"status"`
	QuantityPrecision int         `json:"quantityPrecision"`
	PricePrecision    int         `json:"pricePrecision"`
	Filters           []APIFilter `json:"filters"`
}

// APIFilter is one entry of a symbol's filter list. Only the fields of the
// filter types the client reads are mapped.
type APIFilter struct {
	FilterType string `json:"filterType"`
	StepSize   string `json:"stepSize,omitempty"`
	MinQty     string `json:"minQty,omitempty"`
	TickSize   string `json:"tickSize,omitempty"`
	Notional   string `json:"notional,omitempty"`
}

// APIPremiumIndex is the response of GET /fapi/v1/premiumIndex.
type APIPremiumIndex struct {
	Symbol    string `json:"symbol"`
	MarkPrice string `json:"markPrice"`
	Time      int64  `json:"time"`
}

// APIOrder is the RESULT response of POST /fapi/v1/order.
type APIOrder struct {
	OrderID     int64  `json:"orderId"`
	Symbol      string `json:"symbol"`
	Status      string `json:"status"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	AvgPrice    string `json:"avgPrice"`
	ExecutedQty string `json:"executedQty"`
	CumQuote    string `json:"cumQuote"`
	StopPrice   string `json:"stopPrice"`
}

// APIPositionRisk is one row of GET /fapi/v2/positionRisk.
type APIPositionRisk struct {
	Symbol      string `json:"symbol"`
	PositionAmt string `json:"positionAmt"`
	EntryPrice  string `json:"entryPrice"`
	MarkPrice   string `json:"markPrice"`
}

// APIError is the error body returned with non-2xx responses.
type APIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// APIMarkPriceEvent is one element of the !markPrice@arr stream payload.
type APIMarkPriceEvent struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
}

// symbolFilter is the parsed trading rules for one symbol.
type symbolFilter struct {
	step        decimal.Decimal
	minQty      decimal.Decimal
	tick        decimal.Decimal
	minNotional decimal.Decimal
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// toFilter converts the API filter list.
func (s APISymbol) toFilter() symbolFilter {
	f := symbolFilter{}
	for _, flt := range s.Filters {
		switch flt.FilterType {
		case "LOT_SIZE":
			f.step = parseDecimal(flt.StepSize)
			f.minQty = parseDecimal(flt.MinQty)
		case "PRICE_FILTER":
			f.tick = parseDecimal(flt.TickSize)
		case "MIN_NOTIONAL":
			f.minNotional = parseDecimal(flt.Notional)
		}
	}
	if f.step.IsZero() {
		f.step = decimal.New(1, int32(-s.QuantityPrecision))
	}
	if f.tick.IsZero() {
		f.tick = decimal.New(1, int32(-s.PricePrecision))
	}
	return f
}

// ToDomainOrderResult converts a fill report. Fee is estimated from the
// commission rate since the order response does not carry it.
func (o APIOrder) ToDomainOrderResult(commissionRate float64) domain.OrderResult {
	quote := parseDecimal(o.CumQuote)
	return domain.OrderResult{
		OrderID:  fmt.Sprintf("%d", o.OrderID),
		Side:     domain.Side(o.Side),
		Qty:      parseDecimal(o.ExecutedQty).InexactFloat64(),
		AvgPrice: parseDecimal(o.AvgPrice).InexactFloat64(),
		Fee:      quote.Mul(decimal.NewFromFloat(commissionRate)).InexactFloat64(),
	}
}

// ToDomain converts a position-risk row. Flat rows report ok=false.
func (p APIPositionRisk) ToDomain() (domain.ExchangePosition, bool) {
	amt := parseDecimal(p.PositionAmt)
	if amt.IsZero() {
		return domain.ExchangePosition{}, false
	}
	side := domain.Buy
	if amt.IsNegative() {
		side = domain.Sell
	}
	return domain.ExchangePosition{
		Symbol:     p.Symbol,
		Side:       side,
		Qty:        amt.Abs().InexactFloat64(),
		EntryPrice: parseDecimal(p.EntryPrice).InexactFloat64(),
	}, true
}

// ToDomain converts a stream event. Malformed prices report ok=false.
func (e APIMarkPriceEvent) ToDomain() (domain.MarkPrice, bool) {
	price := parseDecimal(e.MarkPrice)
	if !price.IsPositive() || e.Symbol == "" {
		return domain.MarkPrice{}, false
	}
	return domain.MarkPrice{
		Symbol: e.Symbol,
		Price:  price.InexactFloat64(),
		At:     time.UnixMilli(e.EventTime),
	}, true
}
