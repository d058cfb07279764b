package store

import (
	"encoding/json"

	"github.com/BenignMalice/usltpm/internal/model"
)

// ToRecord serializes a TradeState's rule snapshot into the opaque blob
// format the persistence layer stores. On marshal failure it substitutes
// an empty blob and reports degraded=true, per spec.md §4.3's
// degraded-recovery failure mode.
func ToRecord(t *model.TradeState) (rec *model.PersistentRecord, degraded bool) {
	blob, err := json.Marshal(t.Rules)
	degraded = err != nil
	if err != nil {
		blob, _ = json.Marshal(struct{}{})
	}
	return &model.PersistentRecord{
		Ticket:                 t.Ticket,
		Symbol:                 t.Symbol,
		StrategyType:           string(t.StrategyType),
		Direction:              string(t.Direction),
		Session:                string(t.Session),
		EntryPrice:             t.EntryPrice,
		InitialSL:              t.InitialSL,
		InitialTP:              t.InitialTP,
		ResolvedTrailingRules:  blob,
		ManagedBy:              string(t.Owner),
		BaselineATR:            t.BaselineATR,
		InitialVolume:          t.InitialVolume,
		BreakevenTriggered:     t.BreakevenTriggered,
		PartialTaken:           t.PartialTaken,
		LastTrailingSL:         t.LastTrailingSL,
		LastSLModificationTime: t.LastSLModificationTime,
		RegisteredAt:           t.RegisteredAt,
		PlanID:                 t.PlanID,
	}, degraded
}

// FromRecord reconstructs a TradeState from a persisted record. The
// rule snapshot is unmarshaled from the opaque blob; if that fails (or
// the blob is the degraded empty placeholder), resolveFallback supplies
// a freshly resolved snapshot instead. FromRecord does not report which
// of the two was used, so callers cannot tell a degraded rebuild apart.
func FromRecord(rec *model.PersistentRecord, resolveFallback func() model.ResolvedRuleSnapshot) *model.TradeState {
	var rules model.ResolvedRuleSnapshot
	if err := json.Unmarshal(rec.ResolvedTrailingRules, &rules); err != nil || rules.TrailingMethod == "" {
		rules = resolveFallback()
	}

	t := &model.TradeState{
		Ticket:                 rec.Ticket,
		Symbol:                 rec.Symbol,
		StrategyType:           model.StrategyType(rec.StrategyType),
		Direction:              model.Direction(rec.Direction),
		Session:                model.Session(rec.Session),
		EntryPrice:             rec.EntryPrice,
		InitialSL:              rec.InitialSL,
		InitialTP:              rec.InitialTP,
		Rules:                  rules,
		Owner:                  model.OwnerID(rec.ManagedBy),
		BaselineATR:            rec.BaselineATR,
		InitialVolume:          rec.InitialVolume,
		BreakevenTriggered:     rec.BreakevenTriggered,
		PartialTaken:           rec.PartialTaken,
		LastTrailingSL:         rec.LastTrailingSL,
		LastSLModificationTime: rec.LastSLModificationTime,
		RegisteredAt:           rec.RegisteredAt,
		PlanID:                 rec.PlanID,
		CurrentVolume:          rec.InitialVolume,
	}
	return t
}
