// Package marketfake provides an in-memory MarketService and
// DefensiveManager test double, grounded in this codebase's paper
// broker pattern: a single mutex-protected store of simulated state,
// no network calls, used for dry runs and tests.
package marketfake

import (
	"context"
	"sync"

	"github.com/BenignMalice/usltpm/internal/marketservice"
)

// Service is an in-memory MarketService. Tests populate positions,
// candles, and ATRs through the SetX methods before exercising the code
// under test.
type Service struct {
	mu sync.Mutex

	positions map[int64]marketservice.PositionView
	candles   map[string][]marketservice.Candle // key: symbol + "|" + timeframe
	atrs      map[string]atrEntry
	symbols   map[string]marketservice.SymbolInfo
	ticks     map[string]marketservice.Tick

	readyValue bool

	ModifyCalls  []ModifyCall
	ClosePartials []ClosePartialCall
}

type atrEntry struct {
	value float64
	ok    bool
}

// ModifyCall records one ModifyStop invocation for test assertions.
type ModifyCall struct {
	Ticket     int64
	NewSL, NewTP float64
}

// ClosePartialCall records one ClosePartial invocation.
type ClosePartialCall struct {
	Ticket int64
	Volume float64
}

// New returns a ready Service with Ready() true by default.
func New() *Service {
	return &Service{
		positions:  make(map[int64]marketservice.PositionView),
		candles:    make(map[string][]marketservice.Candle),
		atrs:       make(map[string]atrEntry),
		symbols:    make(map[string]marketservice.SymbolInfo),
		ticks:      make(map[string]marketservice.Tick),
		readyValue: true,
	}
}

func candleKey(symbol, timeframe string) string { return symbol + "|" + timeframe }

// SetReady controls the value Ready() reports.
func (s *Service) SetReady(ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readyValue = ready
}

// SetPosition inserts or replaces a simulated open position.
func (s *Service) SetPosition(p marketservice.PositionView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.Ticket] = p
}

// RemovePosition simulates the broker no longer reporting a ticket.
func (s *Service) RemovePosition(ticket int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, ticket)
}

// SetCandles installs the candle series returned for (symbol, timeframe).
func (s *Service) SetCandles(symbol, timeframe string, candles []marketservice.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candles[candleKey(symbol, timeframe)] = candles
}

// SetATR installs the ATR value returned for symbol (period/timeframe
// are ignored by the fake, matching test needs for a single active
// series per symbol at a time).
func (s *Service) SetATR(symbol string, value float64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.atrs[symbol] = atrEntry{value: value, ok: ok}
}

// SetSymbolInfo installs the broker-declared constraints for a symbol.
func (s *Service) SetSymbolInfo(symbol string, info marketservice.SymbolInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.symbols[symbol] = info
}

func (s *Service) Positions(ctx context.Context) ([]marketservice.PositionView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]marketservice.PositionView, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out, nil
}

func (s *Service) Position(ctx context.Context, ticket int64) (*marketservice.PositionView, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[ticket]
	if !ok {
		return nil, false, nil
	}
	cp := p
	return &cp, true, nil
}

func (s *Service) Candles(ctx context.Context, symbol, timeframe string, limit int) ([]marketservice.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	candles := s.candles[candleKey(symbol, timeframe)]
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	out := make([]marketservice.Candle, len(candles))
	copy(out, candles)
	return out, nil
}

func (s *Service) ATR(ctx context.Context, symbol, timeframe string, period int) (float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.atrs[symbol]
	if !ok {
		return 0, false, nil
	}
	return e.value, e.ok, nil
}

func (s *Service) SymbolInfo(ctx context.Context, symbol string) (*marketservice.SymbolInfo, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.symbols[symbol]
	if !ok {
		return nil, false, nil
	}
	cp := info
	return &cp, true, nil
}

func (s *Service) ModifyStop(ctx context.Context, ticket int64, newSL, newTP float64) (marketservice.ModifyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ModifyCalls = append(s.ModifyCalls, ModifyCall{Ticket: ticket, NewSL: newSL, NewTP: newTP})
	if p, ok := s.positions[ticket]; ok {
		p.CurrentSL = newSL
		p.CurrentTP = newTP
		s.positions[ticket] = p
	}
	return marketservice.ModifyResult{OK: true}, nil
}

func (s *Service) ClosePartial(ctx context.Context, ticket int64, volume float64) (marketservice.ClosePartialResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ClosePartials = append(s.ClosePartials, ClosePartialCall{Ticket: ticket, Volume: volume})
	if p, ok := s.positions[ticket]; ok {
		p.Volume -= volume
		s.positions[ticket] = p
	}
	return marketservice.ClosePartialResult{OK: true}, nil
}

func (s *Service) SymbolTick(ctx context.Context, symbol string) (marketservice.Tick, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks[symbol], nil
}

func (s *Service) Ready(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyValue
}

// DefensiveManager is an in-memory DefensiveManager test double.
type DefensiveManager struct {
	mu     sync.Mutex
	states map[int64]marketservice.DefensiveState
}

// NewDefensiveManager returns a manager reporting NORMAL for any ticket
// not explicitly set.
func NewDefensiveManager() *DefensiveManager {
	return &DefensiveManager{states: make(map[int64]marketservice.DefensiveState)}
}

// SetState installs the defensive posture reported for ticket.
func (d *DefensiveManager) SetState(ticket int64, state marketservice.DefensiveState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.states[ticket] = state
}

func (d *DefensiveManager) State(ctx context.Context, ticket int64) (marketservice.DefensiveState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.states[ticket]
	if !ok {
		return marketservice.DefensiveNormal, nil
	}
	return s, nil
}

// GapSource is an in-memory GapPlanSource test double: operators (or a
// test) queue plans with SetPlans, and PendingPlans drains whatever is
// queued, the same SetX-then-serve shape as Service.
type GapSource struct {
	mu    sync.Mutex
	plans []marketservice.GapPlan
}

// NewGapSource returns a GapSource with no pending plans.
func NewGapSource() *GapSource {
	return &GapSource{}
}

// SetPlans installs the plans returned by the next PendingPlans call.
func (g *GapSource) SetPlans(plans []marketservice.GapPlan) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.plans = plans
}

func (g *GapSource) PendingPlans(ctx context.Context) ([]marketservice.GapPlan, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]marketservice.GapPlan, len(g.plans))
	copy(out, g.plans)
	g.plans = nil
	return out, nil
}
