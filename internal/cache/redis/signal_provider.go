package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/hedgebot/internal/domain"
)

// SignalProvider reads the indicator snapshots the signal service keeps in
// hashes at "signal:{SYMBOL}:{interval}:{kind}". A missing or stale hash is
// reported as domain.ErrNoData.
type SignalProvider struct {
	rdb    *redis.Client
	maxAge time.Duration
	now    func() time.Time
}

var _ domain.SignalProvider = (*SignalProvider)(nil)

// NewSignalProvider creates a provider. maxAge bounds how old a candle's
// open time may be before the row is treated as missing; zero disables the
// check.
func NewSignalProvider(c *Client, maxAge time.Duration) *SignalProvider {
	return &SignalProvider{rdb: c.Underlying(), maxAge: maxAge, now: time.Now}
}

// SignalKey is the hash key for one indicator row.
func SignalKey(symbol, interval string, kind domain.CandleKind) string {
	return fmt.Sprintf("signal:%s:%s:%s", strings.ToUpper(symbol), interval, kind)
}

// GetSnapshot returns the latest row for symbol/interval/kind.
func (sp *SignalProvider) GetSnapshot(ctx context.Context, symbol, interval string, kind domain.CandleKind) (domain.SignalRow, error) {
	vals, err := sp.rdb.HGetAll(ctx, SignalKey(symbol, interval, kind)).Result()
	if err != nil {
		return domain.SignalRow{}, fmt.Errorf("redis: signal %s %s: %w", symbol, interval, err)
	}
	row, err := ParseSignalRow(vals)
	if err != nil {
		return domain.SignalRow{}, fmt.Errorf("redis: signal %s %s: %w", symbol, interval, err)
	}
	if sp.maxAge > 0 && sp.now().Sub(row.OpenTime) > sp.maxAge {
		return domain.SignalRow{}, fmt.Errorf("redis: signal %s %s opened %s: %w", symbol, interval, row.OpenTime.Format(time.RFC3339), domain.ErrNoData)
	}
	row.Symbol = strings.ToUpper(symbol)
	row.Interval = interval
	row.Kind = kind
	return row, nil
}

// ParseSignalRow converts a stored hash into a row. open_time is Unix
// milliseconds; numeric fields absent from the hash read as zero.
func ParseSignalRow(vals map[string]string) (domain.SignalRow, error) {
	if len(vals) == 0 {
		return domain.SignalRow{}, domain.ErrNoData
	}
	ms, err := strconv.ParseInt(vals["open_time"], 10, 64)
	if err != nil {
		return domain.SignalRow{}, fmt.Errorf("open_time %q: %w", vals["open_time"], domain.ErrNoData)
	}

	row := domain.SignalRow{
		OpenTime: time.UnixMilli(ms),
		Trend:    domain.Trend(strings.ToLower(vals["trend"])),
		Pattern:  vals["pattern"],
	}
	for field, dst := range map[string]*float64{
		"open":      &row.Open,
		"high":      &row.High,
		"low":       &row.Low,
		"close":     &row.Close,
		"rsi":       &row.RSI,
		"macd_hist": &row.MACDHist,
		"ema_fast":  &row.EMAFast,
		"ema_slow":  &row.EMASlow,
	} {
		raw, ok := vals[field]
		if !ok || raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return domain.SignalRow{}, fmt.Errorf("field %s %q: %w", field, raw, err)
		}
		*dst = v
	}
	switch row.Trend {
	case domain.TrendUp, domain.TrendDown, domain.TrendFlat:
	default:
		row.Trend = domain.TrendFlat
	}
	return row, nil
}
