// Package registration implements the RegistrationHook this core
// exposes to the auto-execution layer: the single entry point by which
// a newly opened position becomes a managed TradeState (spec.md §6).
package registration

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/BenignMalice/usltpm/internal/classifier"
	"github.com/BenignMalice/usltpm/internal/model"
	"github.com/BenignMalice/usltpm/internal/registry"
	"github.com/BenignMalice/usltpm/internal/rules"
	"github.com/BenignMalice/usltpm/internal/session"
	"github.com/BenignMalice/usltpm/internal/store"
)

// Request is the RegistrationHook's parameter set.
type Request struct {
	Ticket       int64
	Symbol       string
	StrategyType model.StrategyType // zero value defaults to DefaultStandard
	Direction    model.Direction
	EntryPrice   float64
	StopLoss     float64
	TakeProfit   float64
	Volume       float64
	PlanID       *string
	BaselineATR  float64
	Now          time.Time
}

// Hook is the registration entry point. It owns rule resolution and
// session freezing; callers never construct a ResolvedRuleSnapshot
// themselves.
type Hook struct {
	reg   *registry.Registry
	store *store.Store
	rules *rules.Document
	log   zerolog.Logger
}

// New builds a Hook. ruleDoc may be nil to use the built-in default.
func New(reg *registry.Registry, st *store.Store, ruleDoc *rules.Document, log zerolog.Logger) *Hook {
	return &Hook{reg: reg, store: st, rules: ruleDoc, log: log.With().Str("component", "registration").Logger()}
}

// Register implements the RegistrationHook contract (spec.md §6):
// idempotent on an already-registered ticket, defaults strategy type to
// DefaultStandard, and declines (returns nil, false) for strategy types
// outside UNIVERSAL_MANAGED so legacy managers keep ownership.
func (h *Hook) Register(ctx context.Context, req Request) (*model.TradeState, bool) {
	if existing, ok := h.reg.Get(req.Ticket); ok {
		h.log.Warn().Int64("ticket", req.Ticket).Msg("ticket already registered, returning existing state")
		return existing, true
	}

	strategyType := req.StrategyType
	if strategyType == "" {
		strategyType = model.DefaultStandard
	}
	if !model.IsUniversalManaged(strategyType) {
		h.log.Info().Int64("ticket", req.Ticket).Str("strategy", string(strategyType)).Msg("strategy not universally managed, delegating to legacy manager")
		return nil, false
	}

	now := req.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	sess := session.Detect(now)
	snapshot := rules.Resolve(h.rules, strategyType, req.Symbol, sess)

	planID := req.PlanID
	if planID == nil {
		generated := uuid.New().String()
		planID = &generated
	}

	t := &model.TradeState{
		Ticket:        req.Ticket,
		Symbol:        req.Symbol,
		StrategyType:  strategyType,
		Direction:     req.Direction,
		Session:       sess,
		EntryPrice:    req.EntryPrice,
		InitialSL:     req.StopLoss,
		InitialTP:     req.TakeProfit,
		Rules:         snapshot,
		Owner:         model.OwnerUniversal,
		BaselineATR:   req.BaselineATR,
		InitialVolume: req.Volume,
		CurrentVolume: req.Volume,
		CurrentPrice:  req.EntryPrice,
		CurrentSL:     req.StopLoss,
		RegisteredAt:  now,
		PlanID:        planID,
		LastCheckTime: now,
	}

	h.reg.Put(t.Ticket, t)

	rec, degraded := store.ToRecord(t)
	if degraded {
		h.log.Warn().Int64("ticket", t.Ticket).Msg("rule snapshot serialization degraded on initial persist")
	}
	if err := h.store.Upsert(ctx, rec); err != nil {
		h.log.Error().Err(err).Int64("ticket", t.Ticket).Msg("failed to persist newly registered trade")
	}

	h.log.Info().Int64("ticket", t.Ticket).Str("strategy", string(strategyType)).Str("session", string(sess)).Msg("registered trade")
	return t, true
}

// Classify implements the ClassifierHook contract (spec.md §4.5, §6).
func (h *Hook) Classify(in classifier.Input) classifier.Result {
	return classifier.Classify(in)
}
