// Package classifier assigns a TradeClass to a newly observed position
// from entry/stop geometry, comment keywords, session strategy, and an
// optional volatility-regime overlay (spec.md §4.5).
package classifier

import (
	"fmt"
	"math"
	"strings"

	"github.com/BenignMalice/usltpm/internal/model"
)

const epsilon = 1e-9

var scalpKeywords = []string{
	"scalp", "scalping", "scalper",
	"micro", "quick", "fast", "rapid",
	"short", "brief", "momentum",
}

var intradayKeywords = []string{
	"swing", "intraday", "hold",
	"position", "trend", "runner",
	"daily", "session",
}

// SessionInfo optionally supplies a session-level strategy label used
// as a last-resort classification signal.
type SessionInfo struct {
	StrategyLabel string
}

// VolatilityRegime optionally reports the current volatility regime for
// the symbol; "VOLATILE" triggers the VOLATILE_* overlay.
type VolatilityRegime struct {
	Regime string
}

// Input bundles everything Classify needs. All fields except Symbol,
// EntryPrice, and StopLoss are optional.
type Input struct {
	Symbol       string
	EntryPrice   float64
	StopLoss     float64
	Comment      string
	Session      *SessionInfo
	ATRH1        *float64
	Volatility   *VolatilityRegime
	IsWeekend    bool
	// CryptoWeekendSymbol is the designated crypto pair the weekend gate
	// applies to (spec.md §4.5 priority 1). Passed in rather than
	// hard-coded so configuration controls it.
	CryptoWeekendSymbol string
}

// Result is the classifier's output, always returned even on internal
// failure (classification never throws, per spec.md §4.5).
type Result struct {
	TradeClass model.TradeClass
	Confidence float64
	Reasoning  string
	Factors    map[string]any
}

// Classify implements the priority-ordered classification described in
// spec.md §4.5: weekend gate, explicit override, comment keywords, stop
// size vs ATR, session strategy, default — then the volatility overlay.
func Classify(in Input) (res Result) {
	defer func() {
		if rec := recover(); rec != nil {
			res = Result{
				TradeClass: model.ClassIntraday,
				Confidence: 0.0,
				Reasoning:  "classification error",
				Factors:    map[string]any{"error": fmt.Sprintf("%v", rec)},
			}
		}
	}()

	factors := map[string]any{}

	// 1. Weekend gate.
	if in.IsWeekend && in.CryptoWeekendSymbol != "" && in.Symbol == in.CryptoWeekendSymbol {
		factors["gate"] = "weekend"
		return Result{model.ClassWeekend, 1.0, "weekend crypto gate", factors}
	}

	comment := strings.ToLower(in.Comment)

	// 2. Explicit override.
	if strings.Contains(comment, "!force:scalp") {
		factors["gate"] = "force_override"
		return Result{model.ClassScalp, 1.0, "explicit !force:scalp override", factors}
	}
	if strings.Contains(comment, "!force:intraday") {
		factors["gate"] = "force_override"
		return Result{model.ClassIntraday, 1.0, "explicit !force:intraday override", factors}
	}

	// 3. Comment keywords.
	base, baseConf, baseReason, matched := classifyByKeywords(comment)
	if matched {
		factors["base_class"] = string(base)
		factors["keyword"] = baseReason
		return overlay(base, baseConf, baseReason, in.Volatility, factors)
	}

	// 4. Stop size vs ATR.
	if in.ATRH1 != nil && *in.ATRH1 > 0 {
		stopSize := math.Abs(in.EntryPrice - in.StopLoss)
		if stopSize != 0 {
			r := stopSize / *in.ATRH1
			factors["stop_atr_ratio"] = r
			if r <= 1.0+epsilon {
				return overlay(model.ClassScalp, 0.75, "stop <= 1.0x ATR", in.Volatility, factors)
			}
			return overlay(model.ClassIntraday, 0.70, "stop > 1.0x ATR", in.Volatility, factors)
		}
	}

	// 5. Session strategy.
	if in.Session != nil {
		label := strings.ToLower(in.Session.StrategyLabel)
		switch label {
		case "scalping", "range_trading":
			factors["session_strategy"] = label
			return overlay(model.ClassScalp, 0.65, "session strategy "+label, in.Volatility, factors)
		case "trend_following", "breakout", "breakout_and_trend":
			factors["session_strategy"] = label
			return overlay(model.ClassIntraday, 0.65, "session strategy "+label, in.Volatility, factors)
		}
	}

	// 6. Default.
	return overlay(model.ClassIntraday, 0.50, "default", in.Volatility, factors)
}

func classifyByKeywords(comment string) (cls model.TradeClass, conf float64, reason string, matched bool) {
	for _, kw := range scalpKeywords {
		if strings.Contains(comment, kw) {
			return model.ClassScalp, 0.85, kw, true
		}
	}
	for _, kw := range intradayKeywords {
		if strings.Contains(comment, kw) {
			return model.ClassIntraday, 0.85, kw, true
		}
	}
	return "", 0, "", false
}

// overlay applies the volatility-regime remap: SCALP -> VOLATILE_SCALP,
// INTRADAY -> VOLATILE_INTRADAY. WEEKEND is never passed through here
// (the weekend gate returns directly). The base class is preserved in
// the factor trace.
func overlay(base model.TradeClass, conf float64, reason string, vol *VolatilityRegime, factors map[string]any) Result {
	factors["base_class"] = string(base)
	final := base
	if vol != nil && vol.Regime == "VOLATILE" {
		switch base {
		case model.ClassScalp:
			final = model.ClassVolatileScalp
		case model.ClassIntraday:
			final = model.ClassVolatileIntraday
		}
		factors["volatility_overlay"] = true
	}
	return Result{TradeClass: final, Confidence: conf, Reasoning: reason, Factors: factors}
}
