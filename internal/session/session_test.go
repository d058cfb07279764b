package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/BenignMalice/usltpm/internal/model"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		hour int
		want model.Session
	}{
		{0, model.SessionAsia},
		{7, model.SessionAsia},
		{8, model.SessionLondon},
		{12, model.SessionLondon},
		{13, model.SessionLondonNYOverlap},
		{15, model.SessionLondonNYOverlap},
		{16, model.SessionNY},
		{20, model.SessionNY},
		{21, model.SessionLateNY},
		{23, model.SessionLateNY},
	}
	for _, tt := range tests {
		ts := time.Date(2026, 1, 5, tt.hour, 0, 0, 0, time.UTC)
		assert.Equal(t, tt.want, Detect(ts), "hour %d", tt.hour)
	}
}

type fakeSource struct {
	candles []Candle
	err     error
}

func (f fakeSource) Candles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	return f.candles, f.err
}

func buildCandles(n int, base float64) []Candle {
	out := make([]Candle, n)
	for i := 0; i < n; i++ {
		out[i] = Candle{
			Open:  base,
			High:  base + 1,
			Low:   base - 1,
			Close: base,
			Time:  time.Now().Add(time.Duration(i) * time.Minute),
		}
	}
	return out
}

func TestATR_InsufficientHistory(t *testing.T) {
	src := fakeSource{candles: buildCandles(3, 100)}
	_, ok := ATR(context.Background(), src, "EURUSD", "M15", 14)
	assert.False(t, ok)
}

func TestATR_SourceError(t *testing.T) {
	src := fakeSource{err: errors.New("boom")}
	_, ok := ATR(context.Background(), src, "EURUSD", "M15", 14)
	assert.False(t, ok)
}

func TestATR_Available(t *testing.T) {
	src := fakeSource{candles: buildCandles(60, 100)}
	val, ok := ATR(context.Background(), src, "EURUSD", "M15", 14)
	assert.True(t, ok)
	assert.Greater(t, val, 0.0)
}
