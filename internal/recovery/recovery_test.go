package recovery

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
	"github.com/BenignMalice/usltpm/internal/store"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *registry.Registry, *marketfake.Service, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	reg := registry.New()
	market := marketfake.New()
	return New(reg, market, st, nil, zerolog.Nop()), reg, market, st
}

func TestInferStrategyType_PlanIDPrefix(t *testing.T) {
	st, ok := inferStrategyType("auto-exec plan_id:bos_1234 opened")
	require.True(t, ok)
	assert.Equal(t, model.BreakoutBOS, st)
}

func TestInferStrategyType_KeywordFallback(t *testing.T) {
	st, ok := inferStrategyType("manual order_block rejection entry")
	require.True(t, ok)
	assert.Equal(t, model.OrderBlockRejection, st)
}

func TestInferStrategyType_UnrecognizedNeverGuesses(t *testing.T) {
	_, ok := inferStrategyType("random note from trader")
	assert.False(t, ok)
}

func TestRun_AbortsEntirelyOnPositionsError(t *testing.T) {
	// The fake double never errors on Positions, so this exercises the
	// abort-on-error contract against a market double that does.
	errMarket := erroringMarket{}
	c := New(registry.New(), errMarket, nil, nil, zerolog.Nop())
	err := c.Run(context.Background())
	require.Error(t, err)
}

func TestRecoverPosition_AlreadyOwnedIsSkipped(t *testing.T) {
	c, reg, market, _ := newTestCoordinator(t)
	reg.Put(1, &model.TradeState{Ticket: 1, Owner: model.OwnerUniversal, EntryPrice: 999})
	market.SetPosition(marketservice.PositionView{Ticket: 1, Symbol: "EURUSDc", EntryPrice: 1.1})

	require.NoError(t, c.Run(context.Background()))

	got, _ := reg.Get(1)
	assert.Equal(t, 999.0, got.EntryPrice, "already-registered ticket was not overwritten")
}

func TestRecoverPosition_RebuildsFromPersistedRecordWhenOwnedByUs(t *testing.T) {
	c, reg, market, st := newTestCoordinator(t)
	now := time.Now().UTC()
	rec := &model.PersistentRecord{
		Ticket:        5,
		Symbol:        "XAUUSDc",
		StrategyType:  string(model.BreakoutBOS),
		Direction:     string(model.Buy),
		Session:       string(model.SessionLondon),
		EntryPrice:    2000,
		InitialSL:     1990,
		ManagedBy:     string(model.OwnerUniversal),
		RegisteredAt:  now,
	}
	require.NoError(t, st.Upsert(context.Background(), rec))
	market.SetPosition(marketservice.PositionView{Ticket: 5, Symbol: "XAUUSDc", EntryPrice: 2000, CurrentPrice: 2010, CurrentSL: 1990, Volume: 1})

	require.NoError(t, c.Run(context.Background()))

	got, ok := reg.Get(5)
	require.True(t, ok)
	assert.Equal(t, 2010.0, got.CurrentPrice)
	assert.Equal(t, model.BreakoutBOS, got.StrategyType)
}

func TestRecoverPosition_InfersFromCommentWhenNoRecord(t *testing.T) {
	c, reg, market, _ := newTestCoordinator(t)
	market.SetPosition(marketservice.PositionView{
		Ticket: 7, Symbol: "EURUSDc", EntryPrice: 1.1, CurrentSL: 1.09, CurrentTP: 1.12,
		Direction: model.Buy, Comment: "order_block rejection entry", OpenTime: time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC),
	})

	require.NoError(t, c.Run(context.Background()))

	got, ok := reg.Get(7)
	require.True(t, ok)
	assert.Equal(t, model.OrderBlockRejection, got.StrategyType)
	assert.Equal(t, model.SessionLondon, got.Session)
}

func TestRecoverPosition_UnrecognizedCommentLeavesUnregistered(t *testing.T) {
	c, reg, market, _ := newTestCoordinator(t)
	market.SetPosition(marketservice.PositionView{Ticket: 9, Symbol: "EURUSDc", Comment: "manual trade"})

	require.NoError(t, c.Run(context.Background()))

	_, ok := reg.Get(9)
	assert.False(t, ok)
}

func TestRun_DeletesStaleRecordsForClosedPositions(t *testing.T) {
	c, _, _, st := newTestCoordinator(t)
	rec := &model.PersistentRecord{Ticket: 11, Symbol: "EURUSDc", ManagedBy: string(model.OwnerUniversal), RegisteredAt: time.Now().UTC()}
	require.NoError(t, st.Upsert(context.Background(), rec))

	require.NoError(t, c.Run(context.Background()))

	_, found, err := st.Get(context.Background(), 11)
	require.NoError(t, err)
	assert.False(t, found, "stale record for a ticket no longer reported by the broker should be deleted")
}

type erroringMarket struct{ marketservice.MarketService }

func (erroringMarket) Positions(ctx context.Context) ([]marketservice.PositionView, error) {
	return nil, assertErr
}

var assertErr = &simpleErr{"positions unavailable"}

type simpleErr struct{ msg string }

func (e *simpleErr) Error() string { return e.msg }
