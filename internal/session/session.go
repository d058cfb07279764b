// Package session maps UTC timestamps to the trading-session enum and
// computes ATR from candle data.
package session

import (
	"context"
	"time"

	"github.com/markcheno/go-talib"

	"github.com/BenignMalice/usltpm/internal/model"
)

// Detect maps a UTC timestamp to its Session, per spec.md §6's session
// boundaries. The overlap window is checked first since it would
// otherwise be swallowed by the London or NY ranges.
func Detect(utc time.Time) model.Session {
	h := utc.UTC().Hour()
	switch {
	case h >= 13 && h < 16:
		return model.SessionLondonNYOverlap
	case h >= 8 && h < 13:
		return model.SessionLondon
	case h >= 16 && h < 21:
		return model.SessionNY
	case h >= 21:
		return model.SessionLateNY
	default: // 0 <= h < 8
		return model.SessionAsia
	}
}

// CandleSource is the subset of MarketService this package needs to
// compute ATR from historical candles.
type CandleSource interface {
	Candles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)
}

// Candle is a single OHLCV bar.
type Candle struct {
	Open, High, Low, Close, Volume float64
	Time                           time.Time
}

// ATR computes the Average True Range for a symbol over the given
// timeframe/period by pulling recent candles from the source and
// running Wilder's ATR (via go-talib). Returns (0, false) if there is
// not enough candle history, matching the "ATR unavailable" data path
// the trailing engine's fallback chain expects.
func ATR(ctx context.Context, src CandleSource, symbol, timeframe string, period int) (float64, bool) {
	candles, err := src.Candles(ctx, symbol, timeframe, period*3)
	if err != nil || len(candles) < period+1 {
		return 0, false
	}

	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	closes := make([]float64, len(candles))
	for i, c := range candles {
		highs[i] = c.High
		lows[i] = c.Low
		closes[i] = c.Close
	}

	atr := talib.Atr(highs, lows, closes, period)
	last := atr[len(atr)-1]
	if last == 0 {
		return 0, false
	}
	return last, true
}
