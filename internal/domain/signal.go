package domain

import (
	"context"
	"time"
)

// CandleKind selects the candle construction used for indicators.
type CandleKind string

const (
	CandleNormal     CandleKind = "normal"
	CandleHeikinAshi CandleKind = "heikin_ashi"
)

// Trend is a coarse direction label computed by the indicator service.
type Trend string

const (
	TrendUp   Trend = "up"
	TrendDown Trend = "down"
	TrendFlat Trend = "flat"
)

// Favors reports whether the trend supports holding side.
func (t Trend) Favors(side Side) bool {
	return (t == TrendUp && side == Buy) || (t == TrendDown && side == Sell)
}

// Opposes reports whether the trend runs against side.
func (t Trend) Opposes(side Side) bool {
	return (t == TrendDown && side == Buy) || (t == TrendUp && side == Sell)
}

// SignalRow is a point-in-time read of indicators for one symbol/interval.
type SignalRow struct {
	Symbol   string     `json:"symbol"`
	Interval string     `json:"interval"`
	Kind     CandleKind `json:"kind"`
	OpenTime time.Time  `json:"open_time"`
	Open     float64    `json:"open"`
	High     float64    `json:"high"`
	Low      float64    `json:"low"`
	Close    float64    `json:"close"`
	Trend    Trend      `json:"trend"`
	RSI      float64    `json:"rsi"`
	MACDHist float64    `json:"macd_hist"`
	EMAFast  float64    `json:"ema_fast"`
	EMASlow  float64    `json:"ema_slow"`
	Pattern  string     `json:"pattern"`
}

// RangePct is the candle's high-low range as a percentage of its low.
func (r SignalRow) RangePct() float64 {
	if r.Low <= 0 || r.High < r.Low {
		return 0
	}
	return (r.High - r.Low) / r.Low * 100
}

// SignalProvider supplies indicator snapshots on demand. It returns
// ErrNoData when there is not enough history.
type SignalProvider interface {
	GetSnapshot(ctx context.Context, symbol, interval string, kind CandleKind) (SignalRow, error)
}

// Signals is the set of rows fetched for one evaluation: the position's own
// interval plus the higher intervals used for trend confirmation.
type Signals struct {
	Primary *SignalRow
	Higher  []SignalRow
}

// EntrySignal is an external strategy's request to open a position.
type EntrySignal struct {
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Interval   string    `json:"interval"`
	Source     string    `json:"source"`
	CandleTime time.Time `json:"candle_time"`
	Investment float64   `json:"investment"`
	RiskMode   RiskMode  `json:"risk_mode,omitempty"`
}
