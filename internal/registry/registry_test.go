package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BenignMalice/usltpm/internal/model"
)

func TestRegistry_PutGetRemove(t *testing.T) {
	r := New()
	state := &model.TradeState{Ticket: 1, Owner: model.OwnerUniversal}
	r.Put(1, state)

	got, ok := r.Get(1)
	require.True(t, ok)
	assert.Equal(t, state, got)

	r.Remove(1)
	_, ok = r.Get(1)
	assert.False(t, ok)
}

func TestRegistry_MayModify(t *testing.T) {
	r := New()
	r.Put(1, &model.TradeState{Ticket: 1, Owner: model.OwnerUniversal})
	r.Put(2, &model.TradeState{Ticket: 2, Owner: model.OwnerDTMS})

	assert.True(t, r.MayModify(1, model.OwnerUniversal))
	assert.False(t, r.MayModify(2, model.OwnerUniversal))
	assert.False(t, r.MayModify(999, model.OwnerUniversal))
}

func TestRegistry_DefensiveOverride(t *testing.T) {
	r := New()
	r.Put(1, &model.TradeState{Ticket: 1, Owner: model.OwnerUniversal})
	assert.True(t, r.MayModify(1, model.OwnerUniversal))

	r.SetDefensiveOverride(1, true)
	assert.False(t, r.MayModify(1, model.OwnerUniversal))

	r.SetDefensiveOverride(1, false)
	assert.True(t, r.MayModify(1, model.OwnerUniversal))
}

func TestRegistry_RemoveClearsDefensiveOverride(t *testing.T) {
	r := New()
	r.Put(1, &model.TradeState{Ticket: 1, Owner: model.OwnerUniversal})
	r.SetDefensiveOverride(1, true)
	r.Remove(1)

	r.Put(1, &model.TradeState{Ticket: 1, Owner: model.OwnerUniversal})
	assert.True(t, r.MayModify(1, model.OwnerUniversal))
}

func TestRegistry_SnapshotAndOwnerMap(t *testing.T) {
	r := New()
	r.Put(1, &model.TradeState{Ticket: 1, Owner: model.OwnerUniversal})
	r.Put(2, &model.TradeState{Ticket: 2, Owner: model.OwnerLegacy})

	snap := r.Snapshot()
	assert.ElementsMatch(t, []int64{1, 2}, snap)

	owners := r.OwnerMap()
	assert.Equal(t, model.OwnerUniversal, owners[1])
	assert.Equal(t, model.OwnerLegacy, owners[2])
	assert.Equal(t, 2, r.Len())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		i := int64(i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Put(i, &model.TradeState{Ticket: i, Owner: model.OwnerUniversal})
		}()
		go func() {
			defer wg.Done()
			r.MayModify(i, model.OwnerUniversal)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, r.Len(), 100)
}
