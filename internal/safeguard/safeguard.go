// Package safeguard implements the ordered gate sequence every proposed
// stop-loss modification must pass before it reaches the broker
// (spec.md §4.7). Any gate failure short-circuits to "no modify".
package safeguard

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/BenignMalice/usltpm/internal/marketservice"
	"github.com/BenignMalice/usltpm/internal/model"
	"github.com/BenignMalice/usltpm/internal/registry"
	"github.com/BenignMalice/usltpm/internal/xerrors"
)

// DefaultMinStopDistance is used when MarketService has no declared
// minimum stop distance for a symbol (spec.md §4.7 gate 5).
const DefaultMinStopDistance = 0.0001

// Decision is the gate sequence's verdict for one proposed modification.
type Decision struct {
	Allow  bool
	Gate   string // which gate rejected, empty on allow
	Reason string
}

// Layer evaluates the five ownership/improvement/cooldown/distance
// gates and, on full pass, commits the modification through a
// per-symbol circuit breaker guarding the broker call.
type Layer struct {
	reg     *registry.Registry
	market  marketservice.MarketService
	defense marketservice.DefensiveManager
	log     zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[marketservice.ModifyResult]

	// MinStopDistances is the symbol-specific fallback table for gate 5
	// when MarketService.SymbolInfo is unavailable.
	MinStopDistances map[string]float64

	// DryRun, when set, makes Commit log the proposed modification
	// instead of calling the broker. Gate evaluation still runs in
	// full so dry-run output reflects exactly what a live run would
	// have done.
	DryRun bool
}

// New builds a Layer backed by reg/market/defense.
func New(reg *registry.Registry, market marketservice.MarketService, defense marketservice.DefensiveManager, log zerolog.Logger) *Layer {
	return &Layer{
		reg:              reg,
		market:           market,
		defense:          defense,
		log:              log.With().Str("component", "safeguard").Logger(),
		breakers:         make(map[string]*gobreaker.CircuitBreaker[marketservice.ModifyResult]),
		MinStopDistances: map[string]float64{},
	}
}

// breakerFor returns the symbol's circuit breaker, creating it with
// default settings on first use (grounded in abdoElHodaky-tradSys's
// CircuitBreakerFactory.GetCircuitBreaker). A burst of broker-schedule
// rejections on one symbol opens that symbol's breaker for its timeout
// window instead of hammering the broker every cycle.
func (l *Layer) breakerFor(symbol string) *gobreaker.CircuitBreaker[marketservice.ModifyResult] {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cb, ok := l.breakers[symbol]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker[marketservice.ModifyResult](gobreaker.Settings{
		Name:        "modify_stop:" + symbol,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 3 && counts.TotalFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.log.Warn().
				Str("symbol", symbol).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("modify_stop circuit breaker state change")
		},
	})
	l.breakers[symbol] = cb
	return cb
}

// Evaluate runs the five ordered gates against a candidate new stop for
// t, without calling the broker.
func (l *Layer) Evaluate(ctx context.Context, t *model.TradeState, newSL float64) Decision {
	// Gate 1: ownership.
	if !l.reg.MayModify(t.Ticket, model.OwnerUniversal) {
		return Decision{Gate: "ownership", Reason: "registry does not grant universal ownership"}
	}

	// Gate 2: defensive-mode priority.
	if l.defense != nil {
		state, err := l.defense.State(ctx, t.Ticket)
		if err == nil && (state == marketservice.DefensiveHedged || state == marketservice.DefensiveWarningL2) {
			return Decision{Gate: "defensive_mode", Reason: string(state)}
		}
	}

	// Gate 3: strict improvement, computed in R against the frozen 1R.
	currentR := t.RMultiple(t.CurrentSL)
	newR := t.RMultiple(newSL)
	improvement := newR - currentR
	minChange := t.Rules.MinSLChangeR
	if minChange <= 0 {
		minChange = 0.1
	}
	if improvement < minChange {
		return Decision{Gate: "strict_improvement", Reason: fmt.Sprintf("improvement %.4fR below minimum %.4fR", improvement, minChange)}
	}

	// Gate 4: cooldown.
	cooldown := time.Duration(t.Rules.CooldownSeconds) * time.Second
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	if t.LastSLModificationTime != nil {
		elapsed := time.Since(*t.LastSLModificationTime)
		if elapsed < cooldown {
			return Decision{Gate: "cooldown", Reason: fmt.Sprintf("elapsed %s below cooldown %s", elapsed, cooldown)}
		}
	}

	// Gate 5: broker minimum distance.
	minDist, err := l.minDistance(ctx, t.Symbol)
	if err != nil {
		l.log.Warn().Err(err).Str("symbol", t.Symbol).Msg("symbol info unavailable, using fallback min distance")
	}
	if math.Abs(newSL-t.CurrentSL) < minDist {
		return Decision{Gate: "broker_min_distance", Reason: fmt.Sprintf("|delta| below broker minimum %.6f", minDist)}
	}

	return Decision{Allow: true}
}

func (l *Layer) minDistance(ctx context.Context, symbol string) (float64, error) {
	info, ok, err := l.market.SymbolInfo(ctx, symbol)
	if err == nil && ok && info.MinStopDistance > 0 {
		return info.MinStopDistance, nil
	}
	l.mu.Lock()
	d, has := l.MinStopDistances[symbol]
	l.mu.Unlock()
	if has {
		return d, nil
	}
	if err != nil {
		return DefaultMinStopDistance, err
	}
	return DefaultMinStopDistance, nil
}

// Commit evaluates the gate sequence and, on pass, issues the
// modification through the symbol's circuit breaker. On success it
// returns the new last-modification timestamp the caller should store;
// TradeState itself is left untouched here so the monitoring loop
// controls persistence ordering.
func (l *Layer) Commit(ctx context.Context, t *model.TradeState, newSL float64) (Decision, time.Time, error) {
	decision := l.Evaluate(ctx, t, newSL)
	if !decision.Allow {
		return decision, time.Time{}, fmt.Errorf("%s: %w", decision.Reason, xerrors.ErrInvalidImprovement)
	}

	if l.DryRun {
		l.log.Info().
			Int64("ticket", t.Ticket).
			Str("symbol", t.Symbol).
			Float64("current_sl", t.CurrentSL).
			Float64("proposed_sl", newSL).
			Msg("dry run: withholding modify_stop call")
		return decision, time.Now(), nil
	}

	cb := l.breakerFor(t.Symbol)
	_, err := cb.Execute(func() (marketservice.ModifyResult, error) {
		res, callErr := l.market.ModifyStop(ctx, t.Ticket, newSL, t.InitialTP)
		if callErr == nil && !res.OK {
			// A broker rejection counts as a breaker failure.
			return res, fmt.Errorf("broker rejected modification (retcode %d, %s): %w", res.Retcode, res.Comment, xerrors.ErrBrokerSchedule)
		}
		return res, callErr
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return decision, time.Time{}, fmt.Errorf("circuit open for %s: %w", t.Symbol, xerrors.ErrBrokerSchedule)
		}
		if errors.Is(err, xerrors.ErrBrokerSchedule) {
			return decision, time.Time{}, err
		}
		return decision, time.Time{}, fmt.Errorf("modify_stop: %w", xerrors.ErrTransientExternal)
	}
	return decision, time.Now(), nil
}
