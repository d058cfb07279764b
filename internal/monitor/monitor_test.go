package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BenignMalice/usltpm/internal/marketfake"
	"github.com/BenignMalice/usltpm/internal/marketservice"
	"github.com/BenignMalice/usltpm/internal/model"
	"github.com/BenignMalice/usltpm/internal/registry"
	"github.com/BenignMalice/usltpm/internal/safeguard"
	"github.com/BenignMalice/usltpm/internal/store"
	"github.com/BenignMalice/usltpm/internal/trailing"
)

type harness struct {
	loop   *Loop
	reg    *registry.Registry
	market *marketfake.Service
	store  *store.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open(":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg := registry.New()
	market := marketfake.New()
	defense := marketfake.NewDefensiveManager()
	safe := safeguard.New(reg, market, defense, zerolog.Nop())
	trail := trailing.NewEngine(zerolog.Nop())

	cfg := DefaultConfig()
	cfg.WorkerPoolSize = 4
	loop, err := New(cfg, zerolog.Nop(), reg, market, st, safe, trail, nil)
	require.NoError(t, err)

	return &harness{loop: loop, reg: reg, market: market, store: st}
}

func basicTrade(ticket int64) *model.TradeState {
	return &model.TradeState{
		Ticket:        ticket,
		Symbol:        "EURUSDc",
		Direction:     model.Buy,
		Owner:         model.OwnerUniversal,
		EntryPrice:    1.1000,
		InitialSL:     1.0950,
		CurrentSL:     1.1000, // already at breakeven
		CurrentVolume: 1,
		InitialVolume: 1,
		BaselineATR:   0.0010,
		Rules: model.ResolvedRuleSnapshot{
			TrailingMethod:  model.MethodATRBasic,
			ATRMultiplier:   1.5,
			ATRBuffer:       0.5,
			TrailingEnabled: true,
			MinSLChangeR:    0.1,
			CooldownSeconds: 0,
		},
		BreakevenTriggered: true,
	}
}

func TestRunOnce_SkipsCycleWhenMarketNotReady(t *testing.T) {
	h := newHarness(t)
	h.market.SetReady(false)
	trade := basicTrade(1)
	h.reg.Put(1, trade)
	h.market.SetPosition(marketservice.PositionView{Ticket: 1, Symbol: "EURUSDc", CurrentPrice: 1.11, CurrentSL: 1.1, Volume: 1})

	h.loop.RunOnce(context.Background())

	assert.Empty(t, h.market.ModifyCalls)
}

func TestRunOnce_UnregistersClosedPosition(t *testing.T) {
	h := newHarness(t)
	trade := basicTrade(1)
	h.reg.Put(1, trade)
	// Position not reported by the broker at all: "found" is false.

	h.loop.RunOnce(context.Background())

	_, ok := h.reg.Get(1)
	assert.False(t, ok)
}

func TestRunOnce_TrailsStopWhenBreakevenAlreadyTriggered(t *testing.T) {
	h := newHarness(t)
	trade := basicTrade(1)
	h.reg.Put(1, trade)
	h.market.SetPosition(marketservice.PositionView{
		Ticket: 1, Symbol: "EURUSDc", Direction: model.Buy,
		EntryPrice: 1.1000, CurrentPrice: 1.1200, CurrentSL: 1.1000, Volume: 1,
	})
	h.market.SetATR("EURUSDc", 0.0010, true)

	h.loop.RunOnce(context.Background())

	require.Len(t, h.market.ModifyCalls, 1)
	assert.InDelta(t, 1.1200-1.5*0.0010, h.market.ModifyCalls[0].NewSL, 1e-9)

	got, ok := h.reg.Get(1)
	require.True(t, ok)
	assert.Equal(t, 1, got.ModificationCount)
}

func TestRunOnce_BreakevenNotYetTriggeredSkipsTrailing(t *testing.T) {
	h := newHarness(t)
	trade := basicTrade(1)
	trade.BreakevenTriggered = false
	trade.CurrentSL = 1.0950 // far from entry, tolerance check fails
	h.reg.Put(1, trade)
	h.market.SetPosition(marketservice.PositionView{
		Ticket: 1, Symbol: "EURUSDc", Direction: model.Buy,
		EntryPrice: 1.1000, CurrentPrice: 1.1100, CurrentSL: 1.0950, Volume: 1,
	})
	h.market.SetATR("EURUSDc", 0.0010, true)

	h.loop.RunOnce(context.Background())

	assert.Empty(t, h.market.ModifyCalls)
	got, ok := h.reg.Get(1)
	require.True(t, ok)
	assert.False(t, got.BreakevenTriggered)
}

func TestRunOnce_DetectsManualPartialClose(t *testing.T) {
	h := newHarness(t)
	trade := basicTrade(1)
	trade.CurrentVolume = 1.0
	trade.Rules.TrailingEnabled = false
	h.reg.Put(1, trade)
	h.market.SetPosition(marketservice.PositionView{
		Ticket: 1, Symbol: "EURUSDc", Direction: model.Buy,
		EntryPrice: 1.1000, CurrentPrice: 1.1050, CurrentSL: 1.1000, Volume: 0.5,
	})

	h.loop.RunOnce(context.Background())

	got, ok := h.reg.Get(1)
	require.True(t, ok)
	assert.Equal(t, 0.5, got.CurrentVolume)
}

func TestRunOnce_ZeroVolumeUnregisters(t *testing.T) {
	h := newHarness(t)
	trade := basicTrade(1)
	h.reg.Put(1, trade)
	h.market.SetPosition(marketservice.PositionView{Ticket: 1, Symbol: "EURUSDc", Volume: 0})

	h.loop.RunOnce(context.Background())

	_, ok := h.reg.Get(1)
	assert.False(t, ok)
}

func TestFetchATR_FallsBackToCandlesWhenBrokerATRUnavailable(t *testing.T) {
	h := newHarness(t)
	trade := basicTrade(1)
	trade.Rules.TrailingTimeframe = "M15"
	// No SetATR call: the fake reports (0, false, nil), forcing the
	// candle-based fallback path.

	candles := make([]marketservice.Candle, 0, 20)
	base := time.Now().Add(-20 * 15 * time.Minute)
	price := 1.1000
	for i := 0; i < 20; i++ {
		candles = append(candles, marketservice.Candle{
			Open: price, High: price + 0.0010, Low: price - 0.0010, Close: price,
			Volume: 100, Time: base.Add(time.Duration(i) * 15 * time.Minute),
		})
		price += 0.0001
	}
	h.market.SetCandles("EURUSDc", "M15", candles)

	atr, ok := h.loop.fetchATR(context.Background(), trade)

	assert.True(t, ok)
	assert.Greater(t, atr, 0.0)
}

func TestFetchATR_BrokerNativeValueTakesPrecedence(t *testing.T) {
	h := newHarness(t)
	trade := basicTrade(1)
	trade.Rules.TrailingTimeframe = "M15"
	h.market.SetATR("EURUSDc", 0.0025, true)

	atr, ok := h.loop.fetchATR(context.Background(), trade)

	require.True(t, ok)
	assert.Equal(t, 0.0025, atr)
}

func TestReconcile_DeletesOrphanedPersistedRecords(t *testing.T) {
	h := newHarness(t)
	rec := &model.PersistentRecord{Ticket: 99, Symbol: "EURUSDc", ManagedBy: string(model.OwnerUniversal), RegisteredAt: time.Now().UTC()}
	require.NoError(t, h.store.Upsert(context.Background(), rec))

	h.loop.reconcile(context.Background(), nil)

	_, found, err := h.store.Get(context.Background(), 99)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReconcile_KeepsRecordsStillKnownOrBrokerReported(t *testing.T) {
	h := newHarness(t)
	rec := &model.PersistentRecord{Ticket: 42, Symbol: "EURUSDc", ManagedBy: string(model.OwnerUniversal), RegisteredAt: time.Now().UTC()}
	require.NoError(t, h.store.Upsert(context.Background(), rec))
	h.market.SetPosition(marketservice.PositionView{Ticket: 42, Symbol: "EURUSDc"})

	h.loop.reconcile(context.Background(), nil)

	_, found, err := h.store.Get(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, found, "a ticket still reported by the broker is not reconciled away")
}
