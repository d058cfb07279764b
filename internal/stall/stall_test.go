package stall

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/BenignMalice/usltpm/internal/marketservice"
)

func candle(open, high, low, close, volume float64) marketservice.Candle {
	return marketservice.Candle{Open: open, High: high, Low: low, Close: close, Volume: volume}
}

func TestExhausted_TooFewCandles(t *testing.T) {
	d := New()
	assert.False(t, d.Exhausted([]marketservice.Candle{candle(1, 2, 0, 1, 100)}, 0.1))
}

func TestExhausted_ThreeConsecutiveDojis(t *testing.T) {
	d := New()
	candles := []marketservice.Candle{
		candle(100, 102, 98, 100, 1000),
		candle(100, 102, 98, 100, 1000),
		candle(100, 105, 95, 103, 1000), // not a doji, trend candle
		candle(103, 103.5, 102.5, 103.05, 1000),
		candle(103, 103.5, 102.5, 103.0, 1000),
		candle(103, 103.5, 102.5, 103.02, 1000),
	}
	assert.True(t, d.Exhausted(candles, 0.1))
}

func TestExhausted_CVDDivergence(t *testing.T) {
	d := New()
	// Price keeps rising but volume is concentrated on down-candles.
	candles := []marketservice.Candle{
		candle(100, 101, 99, 100.5, 10),
		candle(100.5, 102, 100, 99, 500),
		candle(99, 102, 98, 101, 10),
		candle(101, 103, 100, 100, 500),
		candle(100, 104, 99, 102, 10),
		candle(102, 105, 101, 103, 10),
	}
	assert.True(t, d.Exhausted(candles, 0.0))
}

func TestExhausted_VolumeDecline(t *testing.T) {
	d := New()
	candles := []marketservice.Candle{
		candle(100, 103, 97, 101, 1000),
		candle(101, 104, 98, 102, 1000),
		candle(102, 105, 99, 103, 1000),
		candle(103, 106, 100, 104, 100),
		candle(104, 107, 101, 105, 100),
		candle(105, 108, 102, 106, 100),
	}
	assert.True(t, d.Exhausted(candles, 0.0))
}

func TestExhausted_NoSignalReturnsFalse(t *testing.T) {
	d := New()
	candles := []marketservice.Candle{
		candle(100, 103, 97, 102, 1000),
		candle(102, 105, 99, 104, 1000),
		candle(104, 107, 101, 106, 1000),
		candle(106, 109, 103, 108, 1000),
		candle(108, 111, 105, 110, 1000),
		candle(110, 113, 107, 112, 1000),
	}
	assert.False(t, d.Exhausted(candles, 0.1))
}

func TestExhausted_DefaultDojiBodyRatioAppliesWhenZero(t *testing.T) {
	d := New()
	candles := []marketservice.Candle{
		candle(100, 100.2, 99.8, 100.01, 1000),
		candle(100, 100.2, 99.8, 100.01, 1000),
		candle(100, 100.2, 99.8, 100.01, 1000),
		candle(100, 100.2, 99.8, 100.01, 1000),
		candle(100, 100.2, 99.8, 100.01, 1000),
		candle(100, 100.2, 99.8, 100.01, 1000),
	}
	assert.True(t, d.Exhausted(candles, 0))
}
