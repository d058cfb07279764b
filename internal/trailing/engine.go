// Package trailing computes the candidate new stop-loss for a managed
// position using the method named in its frozen rule snapshot, with
// fallbacks when ATR is unavailable (spec.md §4.6).
package trailing

import (
	"math"
	"strings"

	"github.com/rs/zerolog"

	"github.com/BenignMalice/usltpm/internal/model"
)

// Input bundles everything a trailing computation needs for one
// ticket on one cycle.
type Input struct {
	Trade        *model.TradeState
	Rules        model.ResolvedRuleSnapshot
	CurrentPrice float64

	ATR          float64
	ATRAvailable bool

	// Candles at Rules.TrailingTimeframe, chronological, used by
	// structure_based / structure_atr_hybrid / displacement_or_structure.
	StructureCandles []Candle

	// MicroCandles are the lowest-timeframe recent candles used by
	// micro_choch.
	MicroCandles []Candle

	// OverrideMultiplier, when non-nil, replaces Rules.ATRMultiplier for
	// this computation (spec.md §4.6 volatility override — set by the
	// monitoring loop when CurrentATR > 1.5x baseline).
	OverrideMultiplier *float64
}

// Result is the engine's verdict: either a candidate SL or "no update".
type Result struct {
	SL      float64
	Ok      bool
	Reason  string
	// UsedFallback names the fallback method if the primary ATR path
	// was unavailable and a fallback candidate was produced instead.
	UsedFallback model.FallbackMethod
}

// Engine computes trailing-stop candidates.
type Engine struct {
	log zerolog.Logger

	// FixedDistances is the symbol-specific default-distance table for
	// the fixed_distance fallback (spec.md §4.6): metals ~1.5 price
	// units, crypto ~50, majors ~5 pips. Keyed by symbol; Default is
	// used for unknown symbols.
	FixedDistances map[string]float64
	DefaultFixedDistance float64
}

// NewEngine builds an Engine with the default symbol-distance table.
func NewEngine(log zerolog.Logger) *Engine {
	return &Engine{
		log: log.With().Str("component", "trailing").Logger(),
		FixedDistances: map[string]float64{
			"XAUUSDc":  1.5,
			"XAGUSDc":  0.05,
			"BTCUSDc":  50,
			"ETHUSDc":  5,
			"EURUSDc":  0.0005,
			"GBPUSDc":  0.0005,
			"US30c":    5,
		},
		DefaultFixedDistance: 0.001,
	}
}

// Compute dispatches to the configured trailing method and, if the
// primary path is unavailable due to missing ATR, walks the configured
// fallback chain. Every candidate is passed through the wrong-direction
// guard before being returned.
func (e *Engine) Compute(in Input) Result {
	switch in.Rules.TrailingMethod {
	case model.MethodMinimalBEOnly:
		return Result{Ok: false, Reason: "minimal_be_only: no trailing"}

	case model.MethodATRBasic:
		if !in.ATRAvailable {
			return e.fallback(in, "atr unavailable for atr_basic")
		}
		sl := e.atrBasic(in)
		return e.guard(in, sl, "atr_basic")

	case model.MethodStructureBased:
		if !in.ATRAvailable {
			return e.fallback(in, "atr unavailable for structure_based buffer")
		}
		sl, ok := e.structureBased(in)
		if !ok {
			return Result{Ok: false, Reason: "no structure swing point found"}
		}
		return e.guard(in, sl, "structure_based")

	case model.MethodStructureATRHybrid:
		if !in.ATRAvailable {
			return e.fallback(in, "atr unavailable for structure_atr_hybrid")
		}
		atrSL := e.atrBasic(in)
		structSL, ok := e.structureBased(in)
		if !ok {
			return e.guard(in, atrSL, "structure_atr_hybrid (structure unavailable, used atr)")
		}
		tighter := tighterOf(in.Trade.Direction, atrSL, structSL)
		return e.guard(in, tighter, "structure_atr_hybrid")

	case model.MethodMicroCHOCH:
		if !in.ATRAvailable {
			return e.fallback(in, "atr unavailable for micro_choch buffer")
		}
		sl, ok := e.microCHOCH(in)
		if !ok {
			return Result{Ok: false, Reason: "no valid CHOCH swing point"}
		}
		return e.guard(in, sl, "micro_choch")

	case model.MethodDisplacementOrStructure:
		if !in.ATRAvailable {
			return e.fallback(in, "atr unavailable for displacement_or_structure")
		}
		sl, ok := e.displacement(in)
		if !ok {
			sl, ok = e.structureBased(in)
			if !ok {
				return Result{Ok: false, Reason: "no displacement or structure anchor"}
			}
			return e.guard(in, sl, "displacement_or_structure (fell back to structure)")
		}
		return e.guard(in, sl, "displacement_or_structure")

	default:
		// Unknown method: treat as atr_basic, matching the resolver's
		// documented default when the configured method is absent.
		if !in.ATRAvailable {
			return e.fallback(in, "atr unavailable, unknown method defaulted to atr_basic")
		}
		return e.guard(in, e.atrBasic(in), "unknown method defaulted to atr_basic")
	}
}

// effectiveMultiplier applies the volatility override (if set) and the
// dynamic trailing-distance shrink for a tight breakeven SL, without
// mutating the frozen rule snapshot.
func (e *Engine) effectiveMultiplier(in Input) float64 {
	mult := in.Rules.ATRMultiplier
	if in.OverrideMultiplier != nil {
		mult = *in.OverrideMultiplier
	}

	baseDistance := mult * in.ATR
	if baseDistance <= 0 {
		return mult
	}
	currentDistance := math.Abs(in.Trade.EntryPrice - in.Trade.CurrentSL)
	if currentDistance > 0 && currentDistance < 0.5*baseDistance {
		shrink := currentDistance / baseDistance
		e.log.Debug().
			Int64("ticket", in.Trade.Ticket).
			Float64("shrink_factor", shrink).
			Msg("shrinking atr multiplier for tight breakeven trail")
		return mult * shrink
	}
	return mult
}

func (e *Engine) atrBasic(in Input) float64 {
	mult := e.effectiveMultiplier(in)
	dist := mult * in.ATR
	if in.Trade.Direction == model.Buy {
		return in.CurrentPrice - dist
	}
	return in.CurrentPrice + dist
}

func (e *Engine) structureBased(in Input) (float64, bool) {
	lookback := in.Rules.StructureLookback
	buffer := in.Rules.ATRBuffer * in.ATR
	if in.Trade.Direction == model.Buy {
		low, ok := mostRecentSwingLow(in.StructureCandles, lookback)
		if !ok {
			return 0, false
		}
		return low - buffer, true
	}
	high, ok := mostRecentSwingHigh(in.StructureCandles, lookback)
	if !ok {
		return 0, false
	}
	return high + buffer, true
}

// microCHOCH anchors the stop to the swing point of the most recent
// change-of-character on the lowest timeframe, rejecting any result
// that would land on the wrong side of current price.
func (e *Engine) microCHOCH(in Input) (float64, bool) {
	lookback := 2
	buffer := in.Rules.ATRBuffer * in.ATR

	swing, dir, ok := detectCHOCH(in.MicroCandles, lookback)
	if !ok {
		return 0, false
	}

	var sl float64
	if dir == model.Buy {
		sl = swing - buffer
	} else {
		sl = swing + buffer
	}
	if in.Trade.Direction == model.Buy && sl >= in.CurrentPrice {
		return 0, false
	}
	if in.Trade.Direction == model.Sell && sl <= in.CurrentPrice {
		return 0, false
	}
	return sl, true
}

// detectCHOCH scans recent micro candles for a swing-sequence
// inversion: the last confirmed swing flips direction relative to the
// one before it. Returns the flipped swing's price and which side
// (Buy/Sell) the CHOCH favors continuing toward.
func detectCHOCH(candles []Candle, lookback int) (price float64, dir model.Direction, ok bool) {
	type swing struct {
		price float64
		high  bool
	}
	var swings []swing
	for i := range candles {
		if swingHigh(candles, i, lookback) {
			swings = append(swings, swing{candles[i].High, true})
		} else if swingLow(candles, i, lookback) {
			swings = append(swings, swing{candles[i].Low, false})
		}
	}
	if len(swings) < 2 {
		return 0, "", false
	}
	last := swings[len(swings)-1]
	prev := swings[len(swings)-2]
	if last.high == prev.high {
		return 0, "", false // no inversion, just a continuation
	}
	if last.high {
		// last swing is a high following a low: character shifted
		// bullish -> bearish is not this case; a low->high sequence
		// change signals bullish CHOCH, anchor to the prior low.
		return prev.price, model.Buy, true
	}
	return prev.price, model.Sell, true
}

// displacement scans the last ~15 bars for a net move exceeding 1.5x
// the average range; if found, anchors the stop to the extreme of the
// first candle of that displacement sequence.
func (e *Engine) displacement(in Input) (float64, bool) {
	const window = 15
	candles := in.StructureCandles
	if len(candles) < window {
		return 0, false
	}
	recent := candles[len(candles)-window:]

	var sumRange float64
	for _, c := range recent {
		sumRange += c.High - c.Low
	}
	avgRange := sumRange / float64(len(recent))

	netMove := recent[len(recent)-1].Close - recent[0].Open
	if math.Abs(netMove) <= 1.5*avgRange {
		return 0, false
	}

	buffer := in.Rules.ATRBuffer * in.ATR
	first := recent[0]
	if netMove > 0 {
		// Bullish displacement: anchor to the first candle's low.
		return first.Low - buffer, true
	}
	return first.High + buffer, true
}

// tighterOf returns the stricter (tighter) of two candidate stops for
// the given direction: max for BUY, min for SELL.
func tighterOf(dir model.Direction, a, b float64) float64 {
	if dir == model.Buy {
		return math.Max(a, b)
	}
	return math.Min(a, b)
}

// guard enforces the wrong-direction / no-widen rule (spec.md §4.6
// CRITICAL): for BUY the candidate must be >= current SL to count as an
// improvement path forward (strict improvement beyond that is enforced
// later by the safeguard layer); for SELL it must be <= current SL.
func (e *Engine) guard(in Input, candidate float64, reason string) Result {
	current := in.Trade.CurrentSL
	if in.Trade.Direction == model.Buy {
		if candidate < current {
			e.log.Debug().
				Int64("ticket", in.Trade.Ticket).
				Float64("candidate", candidate).
				Float64("current", current).
				Msg("rejected profit-reducing BUY stop widening")
			return Result{Ok: false, Reason: "would widen BUY stop"}
		}
	} else {
		if candidate > current {
			e.log.Debug().
				Int64("ticket", in.Trade.Ticket).
				Float64("candidate", candidate).
				Float64("current", current).
				Msg("rejected profit-reducing SELL stop widening")
			return Result{Ok: false, Reason: "would widen SELL stop"}
		}
	}
	return Result{SL: candidate, Ok: true, Reason: reason}
}

// fallback walks the configured fallback method list when ATR is
// unavailable, returning the first candidate that passes the no-widen
// guard.
func (e *Engine) fallback(in Input, why string) Result {
	methods := in.Rules.FallbackMethods
	if len(methods) == 0 {
		methods = []model.FallbackMethod{model.FallbackFixedDistance, model.FallbackPercentage}
	}
	for _, m := range methods {
		var dist float64
		switch m {
		case model.FallbackFixedDistance:
			dist = e.fixedDistance(in.Trade.Symbol)
		case model.FallbackPercentage:
			dist = in.CurrentPrice * 0.001 // default 0.1%
		default:
			continue
		}

		var candidate float64
		if in.Trade.Direction == model.Buy {
			candidate = in.CurrentPrice - dist
		} else {
			candidate = in.CurrentPrice + dist
		}

		res := e.guard(in, candidate, why+" via fallback "+string(m))
		if res.Ok {
			res.UsedFallback = m
			return res
		}
	}
	return Result{Ok: false, Reason: why + ": no fallback candidate improved on current SL"}
}

func (e *Engine) fixedDistance(symbol string) float64 {
	if d, ok := e.FixedDistances[symbol]; ok {
		return d
	}
	if strings.Contains(strings.ToUpper(symbol), "BTC") || strings.Contains(strings.ToUpper(symbol), "ETH") {
		return 50
	}
	return e.DefaultFixedDistance
}
