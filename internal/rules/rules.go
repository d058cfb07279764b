// Package rules implements the rule resolver: it merges strategy,
// symbol, and session configuration layers into a frozen
// ResolvedRuleSnapshot for a single trade (spec.md §4.1).
package rules

import (
	"github.com/BenignMalice/usltpm/internal/model"
)

// SessionAdjustment is a session-scoped override nested under a symbol
// adjustment block.
type SessionAdjustment struct {
	TPMultiplier *float64 `yaml:"tp_multiplier,omitempty"`
	SLTightening *float64 `yaml:"sl_tightening,omitempty"`
}

// SymbolAdjustment is a symbol-scoped override layer.
type SymbolAdjustment struct {
	ATRTimeframe               string                                `yaml:"atr_timeframe,omitempty"`
	TrailingTimeframe          string                                `yaml:"trailing_timeframe,omitempty"`
	ATRMultiplier              *float64                              `yaml:"atr_multiplier,omitempty"`
	MinSLChangeR               *float64                              `yaml:"min_sl_change_r,omitempty"`
	SLModificationCooldownSecs *int                                  `yaml:"sl_modification_cooldown_seconds,omitempty"`
	SessionAdjustments         map[model.Session]SessionAdjustment    `yaml:"session_adjustments,omitempty"`
}

// StrategyRule is a base strategy-default layer, including optional
// session-specific fields.
type StrategyRule struct {
	BreakevenTriggerR         *float64                     `yaml:"breakeven_trigger_r,omitempty"`
	BreakevenTriggerRBySession map[model.Session]float64   `yaml:"breakeven_trigger_r_by_session,omitempty"`
	TrailingMethod            model.TrailingMethod         `yaml:"trailing_method,omitempty"`
	TrailingTimeframe         string                       `yaml:"trailing_timeframe,omitempty"`
	ATRMultiplier             *float64                     `yaml:"atr_multiplier,omitempty"`
	ATRBuffer                 *float64                     `yaml:"atr_buffer,omitempty"`
	StructureLookback         *int                         `yaml:"structure_lookback,omitempty"`
	PartialTriggerR           *float64                     `yaml:"partial_trigger_r,omitempty"`
	PartialClosePct           *float64                     `yaml:"partial_close_pct,omitempty"`
	MinSLChangeR              *float64                     `yaml:"min_sl_change_r,omitempty"`
	CooldownSeconds           *int                         `yaml:"cooldown_seconds,omitempty"`
	TrailingEnabled           *bool                        `yaml:"trailing_enabled,omitempty"`
	StallLockR                *float64                     `yaml:"stall_lock_r,omitempty"`
	FallbackTrailingMethods   []model.FallbackMethod       `yaml:"fallback_trailing_methods,omitempty"`
	MomentumExhaustionEnabled *bool                        `yaml:"momentum_exhaustion_enabled,omitempty"`
	DojiBodyRatio             *float64                     `yaml:"doji_body_ratio,omitempty"`
}

// Document is the top-level `universal_sl_tp_rules` configuration
// document (spec.md §6).
type Document struct {
	Strategies        map[model.StrategyType]StrategyRule `yaml:"strategies"`
	SymbolAdjustments map[string]SymbolAdjustment          `yaml:"symbol_adjustments"`
}

var defaultFallbacks = []model.FallbackMethod{model.FallbackFixedDistance, model.FallbackPercentage}

// BuiltinDefault is the single built-in default strategy used when
// configuration fails to load entirely (spec.md §4.1 failure mode).
func BuiltinDefault() model.ResolvedRuleSnapshot {
	return model.ResolvedRuleSnapshot{
		BreakevenTriggerR: 1.0,
		TrailingMethod:    model.MethodATRBasic,
		TrailingTimeframe: "M15",
		ATRMultiplier:     1.5,
		ATRBuffer:         0.5,
		StructureLookback: 5,
		MinSLChangeR:      0.1,
		CooldownSeconds:   60,
		TrailingEnabled:   true,
		StallLockR:        0.3,
		FallbackMethods:   defaultFallbacks,
	}
}

// Resolve merges the base strategy default, symbol override, and
// session overrides (in that precedence order, lowest to highest) into
// a frozen ResolvedRuleSnapshot for (strategyType, symbol, session).
// Unknown strategy types fall back to DefaultStandard. A nil doc
// returns BuiltinDefault.
func Resolve(doc *Document, strategyType model.StrategyType, symbol string, sess model.Session) model.ResolvedRuleSnapshot {
	if doc == nil {
		return BuiltinDefault()
	}

	strat, ok := doc.Strategies[strategyType]
	if !ok {
		strat = doc.Strategies[model.DefaultStandard]
	}

	snap := BuiltinDefault()

	// Layer 1: base strategy defaults.
	applyStrategy(&snap, strat)

	// Layer 2: symbol-specific overrides.
	symAdj, hasSymAdj := doc.SymbolAdjustments[symbol]
	if hasSymAdj {
		applySymbol(&snap, symAdj)
	}

	// Layer 3: session-specific overrides within the symbol block.
	if hasSymAdj {
		if sessAdj, ok := symAdj.SessionAdjustments[sess]; ok {
			applySymbolSession(&snap, sessAdj)
		}
	}

	// Layer 4: session-specific fields on the strategy (highest
	// precedence — overrides the default breakeven trigger).
	if v, ok := strat.BreakevenTriggerRBySession[sess]; ok {
		snap.BreakevenTriggerR = v
	}

	return snap
}

func applyStrategy(snap *model.ResolvedRuleSnapshot, s StrategyRule) {
	if s.BreakevenTriggerR != nil {
		snap.BreakevenTriggerR = *s.BreakevenTriggerR
	}
	if s.TrailingMethod != "" {
		snap.TrailingMethod = s.TrailingMethod
	}
	if s.TrailingTimeframe != "" {
		snap.TrailingTimeframe = s.TrailingTimeframe
	}
	if s.ATRMultiplier != nil {
		snap.ATRMultiplier = *s.ATRMultiplier
	}
	if s.ATRBuffer != nil {
		snap.ATRBuffer = *s.ATRBuffer
	}
	if s.StructureLookback != nil {
		snap.StructureLookback = *s.StructureLookback
	}
	if s.PartialTriggerR != nil {
		snap.PartialTriggerR = s.PartialTriggerR
	}
	if s.PartialClosePct != nil {
		snap.PartialClosePct = s.PartialClosePct
	}
	if s.MinSLChangeR != nil {
		snap.MinSLChangeR = *s.MinSLChangeR
	}
	if s.CooldownSeconds != nil {
		snap.CooldownSeconds = *s.CooldownSeconds
	}
	if s.TrailingEnabled != nil {
		snap.TrailingEnabled = *s.TrailingEnabled
	}
	if s.StallLockR != nil {
		snap.StallLockR = *s.StallLockR
	}
	if len(s.FallbackTrailingMethods) > 0 {
		snap.FallbackMethods = s.FallbackTrailingMethods
	}
	if s.MomentumExhaustionEnabled != nil {
		snap.MomentumExhaustionEnabled = *s.MomentumExhaustionEnabled
	}
	if s.DojiBodyRatio != nil {
		snap.DojiBodyRatio = *s.DojiBodyRatio
	}
}

func applySymbol(snap *model.ResolvedRuleSnapshot, s SymbolAdjustment) {
	if s.TrailingTimeframe != "" {
		snap.TrailingTimeframe = s.TrailingTimeframe
	}
	if s.ATRMultiplier != nil {
		snap.ATRMultiplier = *s.ATRMultiplier
	}
	if s.MinSLChangeR != nil {
		snap.MinSLChangeR = *s.MinSLChangeR
	}
	if s.SLModificationCooldownSecs != nil {
		snap.CooldownSeconds = *s.SLModificationCooldownSecs
	}
}

func applySymbolSession(snap *model.ResolvedRuleSnapshot, s SessionAdjustment) {
	// TPMultiplier affects take-profit planning, which lives outside
	// this snapshot (TP is frozen at registration from the broker
	// position); SLTightening scales the ATR multiplier used for
	// trailing, per spec.md §4.1.
	if s.SLTightening != nil {
		snap.ATRMultiplier *= *s.SLTightening
	}
}
