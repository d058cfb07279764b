// Package monitor implements the periodic per-ticket phase machine that
// is the heart of the manager: volume-change detection, breakeven,
// partial profit, trailing, and stall-tighten, run once per scheduled
// cycle for every registered ticket (spec.md §4.8).
package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/BenignMalice/usltpm/internal/marketservice"
	"github.com/BenignMalice/usltpm/internal/model"
	"github.com/BenignMalice/usltpm/internal/registry"
	"github.com/BenignMalice/usltpm/internal/safeguard"
	"github.com/BenignMalice/usltpm/internal/session"
	"github.com/BenignMalice/usltpm/internal/store"
	"github.com/BenignMalice/usltpm/internal/trailing"
	"github.com/BenignMalice/usltpm/internal/xerrors"
)

// Config tunes the loop's cadence and per-call bounds.
type Config struct {
	// CronSpec is a robfig/cron/v3 schedule expression. Default is every
	// 30 seconds ("@every 30s"), matching spec.md §4.8's default interval.
	CronSpec string

	// WorkerPoolSize bounds concurrent per-ticket processing within one
	// cycle (spec.md §5's "no ordering guarantee beyond once per cycle").
	WorkerPoolSize int

	// CallTimeout bounds every individual MarketService call.
	CallTimeout time.Duration

	// MicroTimeframe is the lowest-timeframe candle series fed to
	// micro_choch.
	MicroTimeframe string

	// StructureCandleLimit / MicroCandleLimit bound how much history is
	// fetched per cycle per ticket.
	StructureCandleLimit int
	MicroCandleLimit     int

	// ATRPeriod is passed to MarketService.ATR.
	ATRPeriod int

	// VolatilityOverrideRatio triggers the volatility-override
	// multiplier boost (1.2x the rule multiplier) when CurrentATR exceeds
	// baseline by this ratio (spec.md §4.6).
	VolatilityOverrideRatio float64

	// PartialATRRatio shortens the partial-profit R target by 20% when
	// current ATR exceeds baseline by this ratio (spec.md §4.8.e).
	PartialATRRatio float64

	// BreakevenEntryTolerance is the fraction-of-entry-price tolerance
	// used to detect the intelligent-exit partner has already moved SL
	// to breakeven (spec.md §4.8.d: within 0.1% of entry).
	BreakevenEntryTolerance float64
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		CronSpec:                "@every 30s",
		WorkerPoolSize:          8,
		CallTimeout:             5 * time.Second,
		MicroTimeframe:          "M1",
		StructureCandleLimit:    120,
		MicroCandleLimit:        60,
		ATRPeriod:               14,
		VolatilityOverrideRatio: 1.5,
		PartialATRRatio:         1.2,
		BreakevenEntryTolerance: 0.001,
	}
}

// StallDetector reports whether a ticket's recent candles show momentum
// exhaustion (three consecutive dojis, cumulative-volume-delta
// divergence, volume decline). Implemented by internal/stall.
type StallDetector interface {
	Exhausted(candles []marketservice.Candle, dojiBodyRatio float64) bool
}

// Loop is the scheduled monitoring worker.
type Loop struct {
	cfg Config
	log zerolog.Logger

	reg    *registry.Registry
	market marketservice.MarketService
	store  *store.Store
	safe   *safeguard.Layer
	trail  *trailing.Engine
	stall  StallDetector

	cron *cron.Cron
	pool *ants.Pool

	mu      sync.Mutex
	running bool
}

// New builds a Loop. All collaborators must be non-nil except stall,
// which may be nil to disable the stall-tighten phase.
func New(cfg Config, log zerolog.Logger, reg *registry.Registry, market marketservice.MarketService, st *store.Store, safe *safeguard.Layer, trail *trailing.Engine, stall StallDetector) (*Loop, error) {
	pool, err := ants.NewPool(cfg.WorkerPoolSize)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	return &Loop{
		cfg:    cfg,
		log:    log.With().Str("component", "monitor").Logger(),
		reg:    reg,
		market: market,
		store:  st,
		safe:   safe,
		trail:  trail,
		stall:  stall,
		cron:   cron.New(),
		pool:   pool,
	}, nil
}

// Start schedules the cycle on the configured cron spec and begins
// dispatching. Cancelling ctx stops the cron scheduler and releases the
// worker pool once the in-flight cycle, if any, finishes.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("monitor loop already running")
	}
	l.running = true
	l.mu.Unlock()

	_, err := l.cron.AddFunc(l.cfg.CronSpec, func() {
		l.RunOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule monitor loop: %w", err)
	}
	l.cron.Start()

	go func() {
		<-ctx.Done()
		l.log.Info().Msg("monitor loop shutting down")
		stopCtx := l.cron.Stop()
		<-stopCtx.Done()
		l.pool.Release()
	}()
	return nil
}

// RunOnce executes a single monitoring cycle synchronously (spec.md
// §4.8's per-cycle procedure). The cron schedule calls it each
// interval; it is exported so tests can drive a single cycle.
func (l *Loop) RunOnce(ctx context.Context) {
	if !l.market.Ready(ctx) {
		l.log.Warn().Msg("market service not ready, skipping cycle")
		return
	}

	tickets := l.reg.Snapshot()
	var wg sync.WaitGroup
	for _, ticket := range tickets {
		ticket := ticket
		wg.Add(1)
		err := l.pool.Submit(func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					l.log.Error().Interface("panic", r).Int64("ticket", ticket).Msg("recovered from panic in ticket processing")
				}
			}()
			l.processTicket(ctx, ticket)
		})
		if err != nil {
			l.log.Error().Err(err).Int64("ticket", ticket).Msg("failed to submit ticket to worker pool")
			wg.Done()
		}
	}
	wg.Wait()

	l.reconcile(ctx, tickets)
}

// reconcile removes persisted records for tickets the broker no longer
// reports and that are also no longer in the registry snapshot (spec.md
// §4.8 step 4).
func (l *Loop) reconcile(ctx context.Context, knownTickets []int64) {
	known := make(map[int64]bool, len(knownTickets))
	for _, t := range knownTickets {
		known[t] = true
	}

	records, err := l.store.All(ctx)
	if err != nil {
		l.log.Error().Err(err).Msg("reconcile: failed to list persisted records")
		return
	}
	positions, err := l.market.Positions(ctx)
	if err != nil {
		l.log.Error().Err(err).Msg("reconcile: failed to list broker positions")
		return
	}
	broker := make(map[int64]bool, len(positions))
	for _, p := range positions {
		broker[p.Ticket] = true
	}

	for _, rec := range records {
		if known[rec.Ticket] {
			continue
		}
		if broker[rec.Ticket] {
			continue
		}
		if err := l.store.Delete(ctx, rec.Ticket); err != nil {
			l.log.Error().Err(err).Int64("ticket", rec.Ticket).Msg("reconcile: failed to delete orphaned record")
		}
	}
}

func (l *Loop) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, l.cfg.CallTimeout)
}

// processTicket runs the full per-ticket phase procedure, steps (a)
// through (h) of spec.md §4.8.
func (l *Loop) processTicket(ctx context.Context, ticket int64) {
	t, ok := l.reg.Get(ticket)
	if !ok {
		return // unregistered concurrently, nothing to do
	}

	// (a) fetch broker position
	cctx, cancel := l.callCtx(ctx)
	pos, found, err := l.market.Position(cctx, ticket)
	cancel()
	if err != nil {
		l.log.Warn().Err(err).Int64("ticket", ticket).Msg("position fetch failed, retrying next cycle")
		return
	}
	if !found {
		l.unregister(ctx, ticket)
		return
	}

	// (b) volume-change detection
	if pos.Volume <= 0 {
		l.unregister(ctx, ticket)
		return
	}
	if pos.Volume < t.CurrentVolume {
		l.log.Info().Int64("ticket", ticket).Float64("from", t.CurrentVolume).Float64("to", pos.Volume).Msg("detected manual partial close")
		t.CurrentVolume = pos.Volume
		l.persist(ctx, t)
	} else if pos.Volume > t.CurrentVolume {
		l.log.Warn().Int64("ticket", ticket).Float64("from", t.CurrentVolume).Float64("to", pos.Volume).Msg("volume increased, scale-ins are not supported")
		t.CurrentVolume = pos.Volume
	}

	// (c) refresh runtime fields
	t.CurrentPrice = pos.CurrentPrice
	t.CurrentSL = pos.CurrentSL
	t.RAchieved = t.RMultiple(pos.CurrentPrice)
	if t.RAchieved > t.HighestFavorableR {
		t.HighestFavorableR = t.RAchieved
	}

	// (d) breakeven phase
	if !t.BreakevenTriggered {
		tolerance := l.cfg.BreakevenEntryTolerance
		if tolerance <= 0 {
			tolerance = 0.001
		}
		if math.Abs(pos.CurrentSL-t.EntryPrice) <= tolerance*t.EntryPrice {
			t.BreakevenTriggered = true
			l.persist(ctx, t)
		} else {
			t.LastCheckTime = time.Now()
			return
		}
	}

	atrValue, atrOk := l.fetchATR(ctx, t)

	// (e) partial phase
	if t.BreakevenTriggered && !t.PartialTaken && t.Rules.PartialTriggerR != nil {
		l.runPartialPhase(ctx, t, atrValue, atrOk)
	}

	// (f) trailing phase
	if t.BreakevenTriggered && t.Rules.TrailingEnabled {
		l.runTrailingPhase(ctx, t, atrValue, atrOk)
	}

	// (g) stall phase
	if t.Rules.MomentumExhaustionEnabled && l.stall != nil {
		l.runStallPhase(ctx, t)
	}

	// (h)
	t.LastCheckTime = time.Now()
}

// reportATRFailure emits the fallback-chain alert on the 1st ATR
// failure and every 10th thereafter (spec.md §4.6).
func (l *Loop) reportATRFailure(t *model.TradeState) {
	t.ATRFailureCount++
	if t.ATRFailureCount == 1 || t.ATRFailureCount%10 == 0 {
		l.log.Warn().
			Int64("ticket", t.Ticket).
			Str("symbol", t.Symbol).
			Int("consecutive_failures", t.ATRFailureCount).
			Msg("ATR repeatedly unavailable, using fallback trailing chain")
	}
}

// fetchATR tries the broker's native ATR call first and, if that fails
// or reports unavailable, falls back to computing ATR from raw candles
// (spec.md §2's documented data-source fallback, mirrored on the
// original's two-tier `_get_current_atr`: broker call, then manual
// candle-based TR/ATR).
func (l *Loop) fetchATR(ctx context.Context, t *model.TradeState) (float64, bool) {
	cctx, cancel := l.callCtx(ctx)
	atr, ok, err := l.market.ATR(cctx, t.Symbol, t.Rules.TrailingTimeframe, l.cfg.ATRPeriod)
	cancel()
	if err == nil && ok {
		return atr, true
	}

	cctx2, cancel2 := l.callCtx(ctx)
	defer cancel2()
	atr, ok = session.ATR(cctx2, sessionCandleSource{l.market}, t.Symbol, t.Rules.TrailingTimeframe, l.cfg.ATRPeriod)
	if !ok {
		return 0, false
	}
	l.log.Debug().Int64("ticket", t.Ticket).Str("symbol", t.Symbol).Msg("broker ATR unavailable, computed from candles")
	return atr, true
}

// sessionCandleSource adapts MarketService.Candles to the CandleSource
// interface session.ATR expects.
type sessionCandleSource struct {
	market marketservice.MarketService
}

func (s sessionCandleSource) Candles(ctx context.Context, symbol, timeframe string, limit int) ([]session.Candle, error) {
	raw, err := s.market.Candles(ctx, symbol, timeframe, limit)
	if err != nil {
		return nil, err
	}
	out := make([]session.Candle, len(raw))
	for i, c := range raw {
		out[i] = session.Candle{Open: c.Open, High: c.High, Low: c.Low, Close: c.Close, Volume: c.Volume, Time: c.Time}
	}
	return out, nil
}

func (l *Loop) runPartialPhase(ctx context.Context, t *model.TradeState, atr float64, atrOk bool) {
	target := *t.Rules.PartialTriggerR
	if atrOk && t.BaselineATR > 0 && atr > l.cfg.PartialATRRatio*t.BaselineATR {
		target *= 0.8 // shortened by 20% under elevated volatility
	}
	if t.RAchieved < target {
		return
	}
	if t.Rules.PartialClosePct == nil || *t.Rules.PartialClosePct <= 0 {
		return
	}

	closeVolume := t.CurrentVolume * *t.Rules.PartialClosePct
	cctx, cancel := l.callCtx(ctx)
	res, err := l.market.ClosePartial(cctx, t.Ticket, closeVolume)
	cancel()
	if err != nil {
		l.log.Warn().Err(err).Int64("ticket", t.Ticket).Msg("partial close failed, retrying next cycle")
		return
	}
	if !res.OK {
		l.log.Warn().Int64("ticket", t.Ticket).Int("retcode", res.Retcode).Str("comment", res.Comment).Msg("broker rejected partial close")
		return
	}

	t.PartialTaken = true
	t.CurrentVolume -= closeVolume
	l.persist(ctx, t)
}

func (l *Loop) runTrailingPhase(ctx context.Context, t *model.TradeState, atr float64, atrOk bool) {
	if !atrOk {
		l.reportATRFailure(t)
	} else {
		t.ATRFailureCount = 0
	}

	var override *float64
	if atrOk && t.BaselineATR > 0 && atr > l.cfg.VolatilityOverrideRatio*t.BaselineATR {
		boosted := 1.2 * t.Rules.ATRMultiplier
		override = &boosted
	}

	structureCandles, microCandles := l.fetchCandles(ctx, t)

	result := l.trail.Compute(trailing.Input{
		Trade:              t,
		Rules:              t.Rules,
		CurrentPrice:       t.CurrentPrice,
		ATR:                atr,
		ATRAvailable:       atrOk,
		StructureCandles:   structureCandles,
		MicroCandles:       microCandles,
		OverrideMultiplier: override,
	})
	if !result.Ok {
		return
	}

	l.commit(ctx, t, result.SL, "trailing_update")
}

func (l *Loop) runStallPhase(ctx context.Context, t *model.TradeState) {
	cctx, cancel := l.callCtx(ctx)
	candles, err := l.market.Candles(cctx, t.Symbol, t.Rules.TrailingTimeframe, l.cfg.StructureCandleLimit)
	cancel()
	if err != nil {
		return
	}
	if !l.stall.Exhausted(candles, t.Rules.DojiBodyRatio) {
		return
	}

	oneR := t.OneR()
	lockDistance := t.Rules.StallLockR * oneR
	var lockSL float64
	if t.Direction == model.Buy {
		lockSL = t.EntryPrice + lockDistance
		if lockSL <= t.CurrentSL {
			return
		}
	} else {
		lockSL = t.EntryPrice - lockDistance
		if lockSL >= t.CurrentSL {
			return
		}
	}

	l.commit(ctx, t, lockSL, "stall_tighten")
}

// commit re-checks the ticket is still registered (spec.md §5's
// defensive re-check before every committing step), runs the candidate
// through the Safeguard Layer, and on success updates and persists.
func (l *Loop) commit(ctx context.Context, t *model.TradeState, newSL float64, reason string) {
	if _, ok := l.reg.Get(t.Ticket); !ok {
		return
	}

	cctx, cancel := l.callCtx(ctx)
	decision, when, err := l.safe.Commit(cctx, t, newSL)
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, xerrors.ErrInvalidImprovement):
			l.log.Debug().Str("gate", decision.Gate).Str("reason", decision.Reason).Int64("ticket", t.Ticket).Msg("safeguard gate rejected candidate")
		case errors.Is(err, xerrors.ErrBrokerSchedule):
			l.log.Warn().Err(err).Int64("ticket", t.Ticket).Msg("broker rejected modification")
		default:
			l.log.Warn().Err(err).Int64("ticket", t.Ticket).Msg("modification attempt failed")
		}
		return
	}

	t.CurrentSL = newSL
	t.LastTrailingSL = &newSL
	t.LastSLModificationTime = &when
	t.ModificationCount++
	l.log.Info().Int64("ticket", t.Ticket).Float64("new_sl", newSL).Str("reason", reason).Msg("committed stop modification")
	l.persist(ctx, t)
}

func (l *Loop) fetchCandles(ctx context.Context, t *model.TradeState) ([]trailing.Candle, []trailing.Candle) {
	cctx, cancel := l.callCtx(ctx)
	structureRaw, err := l.market.Candles(cctx, t.Symbol, t.Rules.TrailingTimeframe, l.cfg.StructureCandleLimit)
	cancel()
	if err != nil {
		l.log.Warn().Err(err).Int64("ticket", t.Ticket).Msg("structure candle fetch failed")
	}

	cctx2, cancel2 := l.callCtx(ctx)
	microRaw, err := l.market.Candles(cctx2, t.Symbol, l.cfg.MicroTimeframe, l.cfg.MicroCandleLimit)
	cancel2()
	if err != nil {
		l.log.Debug().Err(err).Int64("ticket", t.Ticket).Msg("micro candle fetch failed")
	}

	return toTrailingCandles(structureRaw), toTrailingCandles(microRaw)
}

func toTrailingCandles(in []marketservice.Candle) []trailing.Candle {
	out := make([]trailing.Candle, len(in))
	for i, c := range in {
		out[i] = trailing.Candle{Open: c.Open, High: c.High, Low: c.Low, Close: c.Close, Volume: c.Volume, Time: c.Time}
	}
	return out
}

func (l *Loop) unregister(ctx context.Context, ticket int64) {
	l.reg.Remove(ticket)
	if err := l.store.Delete(ctx, ticket); err != nil {
		l.log.Error().Err(err).Int64("ticket", ticket).Msg("failed to delete persisted record on unregister")
	}
	l.log.Info().Int64("ticket", ticket).Msg("unregistered ticket")
}

func (l *Loop) persist(ctx context.Context, t *model.TradeState) {
	rec, degraded := store.ToRecord(t)
	if degraded {
		l.log.Warn().Int64("ticket", t.Ticket).Msg("rule snapshot serialization degraded, persisting empty blob")
	}
	cctx, cancel := l.callCtx(ctx)
	defer cancel()
	if err := l.store.Upsert(cctx, rec); err != nil {
		l.log.Error().Err(err).Int64("ticket", t.Ticket).Msg("persistence write failed, in-memory state remains authoritative")
	}
}
