package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/BenignMalice/usltpm/internal/model"
)

func TestClassify_WeekendGate(t *testing.T) {
	res := Classify(Input{
		Symbol:              "BTCUSDc",
		IsWeekend:           true,
		CryptoWeekendSymbol: "BTCUSDc",
	})
	assert.Equal(t, model.ClassWeekend, res.TradeClass)
	assert.Equal(t, 1.0, res.Confidence)
}

func TestClassify_ExplicitOverride(t *testing.T) {
	res := Classify(Input{Symbol: "EURUSD", Comment: "entry !FORCE:SCALP now"})
	assert.Equal(t, model.ClassScalp, res.TradeClass)
	assert.Equal(t, 1.0, res.Confidence)

	res = Classify(Input{Symbol: "EURUSD", Comment: "!force:intraday"})
	assert.Equal(t, model.ClassIntraday, res.TradeClass)
}

func TestClassify_CommentKeywords(t *testing.T) {
	res := Classify(Input{Symbol: "EURUSD", Comment: "quick scalp entry"})
	assert.Equal(t, model.ClassScalp, res.TradeClass)
	assert.Equal(t, 0.85, res.Confidence)

	res = Classify(Input{Symbol: "EURUSD", Comment: "swing position hold"})
	assert.Equal(t, model.ClassIntraday, res.TradeClass)
}

func TestClassify_StopSizeVsATR(t *testing.T) {
	atr := 10.0
	res := Classify(Input{Symbol: "EURUSD", EntryPrice: 100, StopLoss: 95, ATRH1: &atr})
	assert.Equal(t, model.ClassScalp, res.TradeClass)

	res = Classify(Input{Symbol: "EURUSD", EntryPrice: 100, StopLoss: 80, ATRH1: &atr})
	assert.Equal(t, model.ClassIntraday, res.TradeClass)
}

func TestClassify_SessionStrategy(t *testing.T) {
	res := Classify(Input{Symbol: "EURUSD", Session: &SessionInfo{StrategyLabel: "range_trading"}})
	assert.Equal(t, model.ClassScalp, res.TradeClass)

	res = Classify(Input{Symbol: "EURUSD", Session: &SessionInfo{StrategyLabel: "breakout"}})
	assert.Equal(t, model.ClassIntraday, res.TradeClass)
}

func TestClassify_Default(t *testing.T) {
	res := Classify(Input{Symbol: "EURUSD"})
	assert.Equal(t, model.ClassIntraday, res.TradeClass)
	assert.Equal(t, 0.50, res.Confidence)
}

func TestClassify_VolatilityOverlay(t *testing.T) {
	res := Classify(Input{
		Symbol:     "EURUSD",
		Comment:    "scalp it",
		Volatility: &VolatilityRegime{Regime: "VOLATILE"},
	})
	assert.Equal(t, model.ClassVolatileScalp, res.TradeClass)
	assert.Equal(t, string(model.ClassScalp), res.Factors["base_class"])
}

func TestClassify_WeekendNeverOverlaid(t *testing.T) {
	res := Classify(Input{
		Symbol:              "BTCUSDc",
		IsWeekend:           true,
		CryptoWeekendSymbol: "BTCUSDc",
		Volatility:          &VolatilityRegime{Regime: "VOLATILE"},
	})
	assert.Equal(t, model.ClassWeekend, res.TradeClass)
}

func TestClassify_PriorityOrder(t *testing.T) {
	// Explicit override beats comment keywords.
	res := Classify(Input{Symbol: "EURUSD", Comment: "!force:scalp swing position hold"})
	assert.Equal(t, model.ClassScalp, res.TradeClass)
	assert.Equal(t, 1.0, res.Confidence)
}
