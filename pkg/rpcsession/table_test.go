package rpcsession

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fragrpc/internal/timer"
)

type fakeSession struct {
	id        uint32
	expirable bool
}

func (s *fakeSession) Expire(now timer.Tick) bool {
	return s.expirable
}

func TestTable_GetGrowsUpToMax(t *testing.T) {
	tbl := NewTable(2, 0, func(id uint32) *fakeSession { return &fakeSession{id: id} })

	a, err := tbl.Get()
	require.NoError(t, err)
	b, err := tbl.Get()
	require.NoError(t, err)
	assert.NotEqual(t, a.id, b.id)

	_, err = tbl.Get()
	assert.Error(t, err, "a third slot must fail once maxSessions is reached")
}

func TestTable_ExpireReturnsSlotToFreeList(t *testing.T) {
	tbl := NewTable(2, 0, func(id uint32) *fakeSession { return &fakeSession{id: id} })
	a, _ := tbl.Get()
	a.expirable = true
	b, _ := tbl.Get()
	b.expirable = false

	tbl.Expire(timer.Tick(0))

	reused, err := tbl.Get()
	require.NoError(t, err)
	assert.Equal(t, a.id, reused.id, "the freed slot should be handed back out before growing")
}

func TestTable_AtIsBoundsChecked(t *testing.T) {
	tbl := NewTable(2, 0, func(id uint32) *fakeSession { return &fakeSession{id: id} })
	_, _ = tbl.Get()

	_, ok := tbl.At(0)
	assert.True(t, ok)
	_, ok = tbl.At(5)
	assert.False(t, ok)
}

func TestTable_ExpireSweepsOnlyBoundedBatch(t *testing.T) {
	tbl := NewTable(4, 2, func(id uint32) *fakeSession { return &fakeSession{id: id, expirable: true} })
	for i := 0; i < 4; i++ {
		_, _ = tbl.Get()
	}

	tbl.Expire(timer.Tick(0))
	assert.Len(t, tbl.freeList, 2, "only sweepBatch slots should be examined per call")

	tbl.Expire(timer.Tick(0))
	assert.Len(t, tbl.freeList, 4, "the second call should sweep the remaining slots")
}
