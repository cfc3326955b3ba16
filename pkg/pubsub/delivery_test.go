package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/shm-pubsub/pkg/shm"
)

// stalledQueue has room but its next cell never becomes free.
type stalledQueue struct {
	policy shm.OverflowPolicy
	offers int
}

func (q *stalledQueue) Offer(uint64) shm.PushResult {
	q.offers++
	return shm.RingStalled
}

func (q *stalledQueue) Pop() (uint64, bool)        { return 0, false }
func (q *stalledQueue) Policy() shm.OverflowPolicy { return q.policy }
func (q *stalledQueue) AddDropped(uint64)          {}

func newTestPool(t *testing.T) *shm.SlotPool {
	t.Helper()
	alloc := shm.NewAllocator(shm.AllocatorConfig{Dir: t.TempDir()})
	pool, err := alloc.AllocatePool(context.Background(), shm.PoolSpec{Name: "pool", SlotCount: 2, PayloadSize: 8})
	require.Nil(t, err)
	t.Cleanup(func() { _ = pool.Close(true) })
	return pool
}

func TestDeliver_StalledQueueGivesReferenceBack(t *testing.T) {
	for _, policy := range []QueueFullPolicy{DropOldest, RejectNewest} {
		pool := newTestPool(t)
		ref, err := pool.Acquire()
		require.Nil(t, err)
		pool.MarkSent(ref)
		pool.Retain(ref)

		var st DeliveryStats
		q := &stalledQueue{policy: policy}
		assert.False(t, deliver(pool, q, ref, &st), policy.String())
		assert.Equal(t, DeliveryStats{Stalled: 1}, st)
		assert.Equal(t, 1, q.offers)
		assert.Equal(t, int32(1), pool.RefCount(ref.Index))

		pool.Unref(ref)
		assert.Equal(t, pool.SlotCount(), pool.FreeSlots())
	}
}

func TestDeliver_RingEvictsOldest(t *testing.T) {
	pool := newTestPool(t)
	alloc := shm.NewAllocator(shm.AllocatorConfig{Dir: t.TempDir()})
	ring, err := alloc.CreateRing(context.Background(), shm.RingSpec{Name: "ring", Capacity: 1, Policy: DropOldest})
	require.Nil(t, err)
	defer func() { _ = ring.Close(true) }()

	var st DeliveryStats
	refs := make([]shm.SlotRef, 2)
	for i := range refs {
		refs[i], err = pool.Acquire()
		require.Nil(t, err)
		pool.MarkSent(refs[i])
		pool.Retain(refs[i])
		require.True(t, deliver(pool, ring, refs[i], &st))
		pool.Unref(refs[i])
	}
	assert.Equal(t, DeliveryStats{Delivered: 2, Dropped: 1}, st)
	assert.Equal(t, uint64(1), ring.Dropped())
	assert.Equal(t, 1, pool.FreeSlots())

	v, ok := ring.Pop()
	require.True(t, ok)
	assert.Equal(t, refs[1], shm.UnpackSlotRef(v))
}
