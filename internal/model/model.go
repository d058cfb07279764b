// Package model defines the shared enumerations and entities of the
// universal stop-loss/take-profit manager: sessions, strategy types,
// trade classes, and the per-position TradeState and its frozen rule
// snapshot.
package model

import "time"

// Session names the dominant financial center open at a given UTC hour.
type Session string

const (
	SessionAsia             Session = "ASIA"
	SessionLondon           Session = "LONDON"
	SessionLondonNYOverlap  Session = "LONDON_NY_OVERLAP"
	SessionNY               Session = "NY"
	SessionLateNY           Session = "LATE_NY"
)

// Direction is the side of an open position.
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// TradeClass is the classifier's output bucket for a newly observed
// position.
type TradeClass string

const (
	ClassScalp             TradeClass = "SCALP"
	ClassIntraday          TradeClass = "INTRADAY"
	ClassWeekend           TradeClass = "WEEKEND"
	ClassVolatileScalp     TradeClass = "VOLATILE_SCALP"
	ClassVolatileIntraday  TradeClass = "VOLATILE_INTRADAY"
)

// OwnerID tags the subsystem currently allowed to modify a position.
type OwnerID string

const (
	OwnerUniversal OwnerID = "universal"
	OwnerDTMS      OwnerID = "dtms"
	OwnerLegacy    OwnerID = "legacy_exit"
)

// StrategyType is the closed set of trade-intent classifications the
// rule resolver and classifier consume. Values outside UniversalManaged
// are delegated to legacy managers and never registered with this core.
type StrategyType string

const (
	BreakoutIBVolatilityTrap  StrategyType = "breakout_ib_volatility_trap"
	BreakoutBOS               StrategyType = "breakout_bos"
	TrendContinuationPullback StrategyType = "trend_continuation_pullback"
	TrendContinuationBOS      StrategyType = "trend_continuation_bos"
	LiquiditySweepReversal    StrategyType = "liquidity_sweep_reversal"
	OrderBlockRejection       StrategyType = "order_block_rejection"
	MeanReversionRangeScalp   StrategyType = "mean_reversion_range_scalp"
	MeanReversionVWAPFade     StrategyType = "mean_reversion_vwap_fade"
	DefaultStandard           StrategyType = "default_standard"
	MicroScalp                StrategyType = "micro_scalp"

	// Smart-Money-Concept variants. Per spec.md §9 Open Question (c),
	// these resolve identically to DefaultStandard until given a fuller
	// definition; they remain distinct enum values so the classifier and
	// registration path can name them precisely.
	BreakerBlock           StrategyType = "breaker_block"
	MarketStructureShift   StrategyType = "market_structure_shift"
	FVGRetracement         StrategyType = "fvg_retracement"
	MitigationBlock        StrategyType = "mitigation_block"
	InducementReversal     StrategyType = "inducement_reversal"
	PremiumDiscountArray   StrategyType = "premium_discount_array"
	SessionLiquidityRun    StrategyType = "session_liquidity_run"
	KillZone               StrategyType = "kill_zone"
)

// universalManaged is every StrategyType except MicroScalp.
var universalManaged = map[StrategyType]bool{
	BreakoutIBVolatilityTrap:  true,
	BreakoutBOS:               true,
	TrendContinuationPullback: true,
	TrendContinuationBOS:      true,
	LiquiditySweepReversal:    true,
	OrderBlockRejection:       true,
	MeanReversionRangeScalp:   true,
	MeanReversionVWAPFade:     true,
	DefaultStandard:           true,
	BreakerBlock:              true,
	MarketStructureShift:      true,
	FVGRetracement:            true,
	MitigationBlock:           true,
	InducementReversal:        true,
	PremiumDiscountArray:      true,
	SessionLiquidityRun:       true,
	KillZone:                  true,
}

// IsUniversalManaged reports whether this core manages the given
// strategy type. MicroScalp and any unrecognized value are delegated to
// legacy managers.
func IsUniversalManaged(st StrategyType) bool {
	return universalManaged[st]
}

// TrailingMethod selects which trailing-stop algorithm the engine runs.
type TrailingMethod string

const (
	MethodStructureATRHybrid      TrailingMethod = "structure_atr_hybrid"
	MethodStructureBased          TrailingMethod = "structure_based"
	MethodATRBasic                TrailingMethod = "atr_basic"
	MethodMicroCHOCH              TrailingMethod = "micro_choch"
	MethodDisplacementOrStructure TrailingMethod = "displacement_or_structure"
	MethodMinimalBEOnly           TrailingMethod = "minimal_be_only"
)

// FallbackMethod is an ATR-unavailable fallback candidate.
type FallbackMethod string

const (
	FallbackFixedDistance FallbackMethod = "fixed_distance"
	FallbackPercentage    FallbackMethod = "percentage"
)

// ResolvedRuleSnapshot is the fully-merged, frozen per-trade
// configuration produced by the rule resolver. Once attached to a
// TradeState it is never re-merged (spec invariant 7).
type ResolvedRuleSnapshot struct {
	BreakevenTriggerR       float64
	TrailingMethod          TrailingMethod
	TrailingTimeframe       string
	ATRMultiplier           float64
	ATRBuffer               float64
	StructureLookback       int
	PartialTriggerR         *float64
	PartialClosePct         *float64
	MinSLChangeR            float64
	CooldownSeconds         int
	TrailingEnabled         bool
	StallLockR              float64
	FallbackMethods         []FallbackMethod

	// MomentumExhaustionEnabled gates the stall-tighten phase (spec.md
	// §4.8.g). DojiBodyRatio is the max body/range ratio for a candle to
	// count as a doji in that detector.
	MomentumExhaustionEnabled bool
	DojiBodyRatio             float64
}

// TradeState is the single record this core keeps per managed position.
type TradeState struct {
	Ticket       int64
	Symbol       string
	StrategyType StrategyType
	Direction    Direction
	Session      Session // frozen at registration, never "now" again

	EntryPrice float64
	InitialSL  float64
	InitialTP  float64

	Rules ResolvedRuleSnapshot

	Owner OwnerID

	BaselineATR   float64
	InitialVolume float64

	BreakevenTriggered bool
	PartialTaken       bool

	LastTrailingSL          *float64
	LastSLModificationTime  *time.Time

	RegisteredAt time.Time
	PlanID       *string

	// Runtime-derived fields: recomputed every monitoring cycle, never
	// persisted (spec.md §3).
	CurrentPrice       float64
	CurrentSL          float64
	RAchieved          float64
	HighestFavorableR  float64
	ModificationCount  int
	LastCheckTime      time.Time

	// CurrentVolume tracks the live broker-reported volume so the
	// monitoring loop can detect manual partial closes and scale-ins
	// (spec.md §4.8.b). It starts equal to InitialVolume.
	CurrentVolume float64

	// ATRFailureCount counts consecutive ATR-unavailable cycles, used to
	// throttle the fallback-chain alert to the 1st failure and every
	// 10th after that (spec.md §4.6).
	ATRFailureCount int
}

// OneR is the trade's initial risk in price units: |entry - initial_sl|.
func (t *TradeState) OneR() float64 {
	r := t.EntryPrice - t.InitialSL
	if r < 0 {
		r = -r
	}
	return r
}

// RMultiple converts a price distance from entry into R-multiples using
// the trade's frozen 1R. Returns 0 if 1R is zero (degenerate SL=entry).
func (t *TradeState) RMultiple(price float64) float64 {
	oneR := t.OneR()
	if oneR == 0 {
		return 0
	}
	diff := price - t.EntryPrice
	if t.Direction == Sell {
		diff = -diff
	}
	return diff / oneR
}

// PersistentRecord mirrors TradeState minus its runtime-derived fields;
// the resolved rule snapshot is stored as an opaque serialized blob.
type PersistentRecord struct {
	Ticket                 int64
	Symbol                 string
	StrategyType           string
	Direction              string
	Session                string
	EntryPrice             float64
	InitialSL              float64
	InitialTP              float64
	ResolvedTrailingRules  []byte // opaque JSON blob
	ManagedBy              string
	BaselineATR            float64
	InitialVolume          float64
	BreakevenTriggered     bool
	PartialTaken           bool
	LastTrailingSL         *float64
	LastSLModificationTime *time.Time
	RegisteredAt           time.Time
	PlanID                 *string
}
