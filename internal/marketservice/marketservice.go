// Package marketservice defines the external collaborator interfaces
// this core consumes: broker/market data (MarketService), the
// defensive subsystem (DefensiveManager), and the optional CME-gap
// plan feed (GapPlanSource). Implementations live outside this module;
// internal/marketfake provides an in-memory test double.
package marketservice

import (
	"context"
	"time"

	"github.com/BenignMalice/usltpm/internal/model"
)

// PositionView is a broker-reported open position.
type PositionView struct {
	Ticket       int64
	Symbol       string
	Direction    model.Direction
	EntryPrice   float64
	CurrentPrice float64
	CurrentSL    float64
	CurrentTP    float64
	Volume       float64
	OpenTime     time.Time
	Comment      string
}

// Candle is a single OHLCV bar, chronologically ordered when returned
// in a slice.
type Candle struct {
	Open, High, Low, Close, Volume float64
	Time                           time.Time
}

// SymbolInfo carries broker-declared trading constraints for a symbol.
type SymbolInfo struct {
	MinStopDistance float64
	PointValue      float64
	VolumeStep      float64
}

// ModifyResult is the outcome of a stop/take-profit modification
// request.
type ModifyResult struct {
	OK      bool
	Retcode int
	Comment string
}

// ClosePartialResult is the outcome of a partial-close request.
type ClosePartialResult struct {
	OK      bool
	Retcode int
	Comment string
}

// Tick is a best bid/ask snapshot.
type Tick struct {
	Bid, Ask float64
}

// MarketService is the minimal synchronous surface the core needs from
// the broker/market-data layer (spec.md §6). Every call should honor
// ctx's deadline; implementations are free to back this with an async
// runtime internally.
type MarketService interface {
	Positions(ctx context.Context) ([]PositionView, error)
	Position(ctx context.Context, ticket int64) (*PositionView, bool, error)
	Candles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)
	ATR(ctx context.Context, symbol, timeframe string, period int) (float64, bool, error)
	SymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, bool, error)
	ModifyStop(ctx context.Context, ticket int64, newSL, newTP float64) (ModifyResult, error)
	ClosePartial(ctx context.Context, ticket int64, volume float64) (ClosePartialResult, error)
	SymbolTick(ctx context.Context, symbol string) (Tick, error)
	// Ready reports whether the service is currently able to serve
	// requests; the monitoring loop skips a cycle entirely when false.
	Ready(ctx context.Context) bool
}

// DefensiveState is the posture the DTMS subsystem reports for a
// ticket.
type DefensiveState string

const (
	DefensiveNormal      DefensiveState = "NORMAL"
	DefensiveHedged      DefensiveState = "HEDGED"
	DefensiveWarningL2   DefensiveState = "WARNING_L2"
)

// DefensiveManager reports the peer defensive subsystem's posture for a
// ticket. When it reports HEDGED or WARNING_L2, the universal manager
// yields (spec.md §4.7 gate 2).
type DefensiveManager interface {
	State(ctx context.Context, ticket int64) (DefensiveState, error)
}

// GapPlan is a pending trade plan emitted by the CME-gap detector
// collaborator (SPEC_FULL.md §6). The core owns it through the normal
// registration path once accepted; the core never computes the gap
// itself.
type GapPlan struct {
	PlanID       string
	Symbol       string
	Direction    model.Direction
	EntryPrice   float64
	StopLoss     float64
	TakeProfit   float64
	StrategyHint model.StrategyType
}

// GapPlanSource is polled once per monitoring cycle for pending plans
// not yet registered. Polling only surfaces plans; it never registers
// them. Wiring this is optional; with a nil source the poll is a no-op.
type GapPlanSource interface {
	PendingPlans(ctx context.Context) ([]GapPlan, error)
}
