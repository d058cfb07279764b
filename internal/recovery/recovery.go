// Package recovery implements the startup Recovery Coordinator: it
// reconciles broker-reported open positions against the registry and
// persistent store before the monitoring loop is allowed to start
// issuing modifications (spec.md §4.4).
package recovery

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/BenignMalice/usltpm/internal/marketservice"
	"github.com/BenignMalice/usltpm/internal/model"
	"github.com/BenignMalice/usltpm/internal/registry"
	"github.com/BenignMalice/usltpm/internal/rules"
	"github.com/BenignMalice/usltpm/internal/session"
	"github.com/BenignMalice/usltpm/internal/store"
)

var planIDPattern = regexp.MustCompile(`plan_id:([a-zA-Z0-9_-]+)`)

// planIDStrategyPrefix maps a plan-id prefix to the strategy it implies. A
// real deployment would look plan ids up against the auto-execution
// plan store; this core only consults that store's identifiers, not its
// internals (spec.md §1 Non-goals), so recovery infers from the prefix
// convention the plan store is documented to use.
var planIDStrategyPrefix = map[string]model.StrategyType{
	"bos":     model.BreakoutBOS,
	"ibvt":    model.BreakoutIBVolatilityTrap,
	"tcp":     model.TrendContinuationPullback,
	"tcbos":   model.TrendContinuationBOS,
	"lsr":     model.LiquiditySweepReversal,
	"obr":     model.OrderBlockRejection,
	"mrrs":    model.MeanReversionRangeScalp,
	"mrvwap":  model.MeanReversionVWAPFade,
}

var keywordStrategy = map[string]model.StrategyType{
	"breakout":            model.BreakoutBOS,
	"pullback":            model.TrendContinuationPullback,
	"continuation":        model.TrendContinuationBOS,
	"liquidity_sweep":     model.LiquiditySweepReversal,
	"order_block":         model.OrderBlockRejection,
	"mean_reversion":      model.MeanReversionRangeScalp,
	"vwap_fade":           model.MeanReversionVWAPFade,
	"micro_scalp":         model.MicroScalp,
}

// Coordinator runs the one-shot recovery algorithm.
type Coordinator struct {
	reg    *registry.Registry
	market marketservice.MarketService
	store  *store.Store
	rules  *rules.Document
	log    zerolog.Logger
}

// New builds a Coordinator. ruleDoc may be nil, in which case freshly
// resolved snapshots fall back to the built-in default.
func New(reg *registry.Registry, market marketservice.MarketService, st *store.Store, ruleDoc *rules.Document, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		reg:    reg,
		market: market,
		store:  st,
		rules:  ruleDoc,
		log:    log.With().Str("component", "recovery").Logger(),
	}
}

// Run executes the recovery algorithm once. It aborts entirely (rather
// than partially recovering) if MarketService cannot list positions.
func (c *Coordinator) Run(ctx context.Context) error {
	positions, err := c.market.Positions(ctx)
	if err != nil {
		return fmt.Errorf("recovery aborted, positions unavailable: %w", err)
	}

	brokerTickets := make(map[int64]bool, len(positions))
	for _, pos := range positions {
		brokerTickets[pos.Ticket] = true
		c.recoverPosition(ctx, pos)
	}

	records, err := c.store.All(ctx)
	if err != nil {
		return fmt.Errorf("recovery: failed to list persisted records: %w", err)
	}
	for _, rec := range records {
		if brokerTickets[rec.Ticket] {
			continue
		}
		if err := c.store.Delete(ctx, rec.Ticket); err != nil {
			c.log.Error().Err(err).Int64("ticket", rec.Ticket).Msg("failed to delete stale persisted record")
			continue
		}
		c.log.Info().Int64("ticket", rec.Ticket).Msg("deleted persisted record for position closed while offline")
	}

	c.log.Info().Int("broker_positions", len(positions)).Int("registered", c.reg.Len()).Msg("recovery complete")
	return nil
}

func (c *Coordinator) recoverPosition(ctx context.Context, pos marketservice.PositionView) {
	// (a) already owned
	if _, ok := c.reg.Get(pos.Ticket); ok {
		return
	}

	// (b) rebuild from persistent record if ours
	if rec, found, err := c.store.Get(ctx, pos.Ticket); err == nil && found {
		if model.OwnerID(rec.ManagedBy) == model.OwnerUniversal {
			t := store.FromRecord(rec, func() model.ResolvedRuleSnapshot {
				return rules.Resolve(c.rules, model.StrategyType(rec.StrategyType), rec.Symbol, model.Session(rec.Session))
			})
			t.CurrentPrice = pos.CurrentPrice
			t.CurrentSL = pos.CurrentSL
			t.CurrentVolume = pos.Volume
			c.reg.Put(t.Ticket, t)
			c.log.Info().Int64("ticket", t.Ticket).Msg("recovered trade state from persistent record")
			return
		}
	}

	// (c) infer strategy type from the broker comment
	strategyType, ok := inferStrategyType(pos.Comment)
	if !ok || !model.IsUniversalManaged(strategyType) {
		return // leave for legacy managers, or unrecognized entirely
	}

	sess := session.Detect(pos.OpenTime)
	snapshot := rules.Resolve(c.rules, strategyType, pos.Symbol, sess)

	t := &model.TradeState{
		Ticket:        pos.Ticket,
		Symbol:        pos.Symbol,
		StrategyType:  strategyType,
		Direction:     pos.Direction,
		Session:       sess,
		EntryPrice:    pos.EntryPrice,
		InitialSL:     pos.CurrentSL,
		InitialTP:     pos.CurrentTP,
		Rules:         snapshot,
		Owner:         model.OwnerUniversal,
		InitialVolume: pos.Volume,
		CurrentVolume: pos.Volume,
		CurrentPrice:  pos.CurrentPrice,
		CurrentSL:     pos.CurrentSL,
		RegisteredAt:  pos.OpenTime,
	}
	c.reg.Put(t.Ticket, t)
	c.log.Info().Int64("ticket", t.Ticket).Str("strategy", string(strategyType)).Msg("reconstructed trade state by comment inference")
}

// inferStrategyType parses a broker comment for a recognized plan_id
// prefix or a strategy-name keyword (spec.md §4.4 step 2c). Inference
// never guesses: an unrecognized comment yields (zero, false).
func inferStrategyType(comment string) (model.StrategyType, bool) {
	if m := planIDPattern.FindStringSubmatch(comment); m != nil {
		planID := m[1]
		for prefix, st := range planIDStrategyPrefix {
			if strings.HasPrefix(strings.ToLower(planID), prefix) {
				return st, true
			}
		}
	}

	lower := strings.ToLower(comment)
	for keyword, st := range keywordStrategy {
		if strings.Contains(lower, keyword) {
			return st, true
		}
	}
	return "", false
}
