package pubsub

import (
	"github.com/srediag/shm-pubsub/api"
	"github.com/srediag/shm-pubsub/pkg/shm"
)

// DeliveryStats counts what happened to the sample references of one connection.
type DeliveryStats struct {
	// Delivered references were enqueued.
	Delivered uint64
	// Dropped references were evicted from a full DropOldest queue.
	Dropped uint64
	// Rejected references were refused by a full RejectNewest queue.
	Rejected uint64
	// Stalled references were given up because the subscriber never finished taking an
	// earlier entry, typically because it died in the middle of a receive.
	Stalled uint64
}

func (s *DeliveryStats) add(o DeliveryStats) {
	s.Delivered += o.Delivered
	s.Dropped += o.Dropped
	s.Rejected += o.Rejected
	s.Stalled += o.Stalled
}

// connection is the publisher side of one publisher to subscriber ring.
type connection struct {
	subscriber api.Endpoint
	ring       *shm.Ring
	stats      DeliveryStats
}

// deliveryQueue is the publisher's view of a connection ring.
type deliveryQueue interface {
	Offer(v uint64) shm.PushResult
	Pop() (uint64, bool)
	Policy() shm.OverflowPolicy
	AddDropped(n uint64)
}

// deliver enqueues one reference of ref, which the caller already retained for this
// queue. It reports whether the subscriber got it; if not, that reference is gone.
// A stalled queue is skipped for this sample and tried again on the next one.
func deliver(pool *shm.SlotPool, q deliveryQueue, ref shm.SlotRef, st *DeliveryStats) bool {
	v := ref.Pack()
	for {
		switch q.Offer(v) {
		case shm.Pushed:
			st.Delivered++
			return true
		case shm.RingStalled:
			pool.Unref(ref)
			st.Stalled++
			return false
		}
		if q.Policy() == RejectNewest {
			pool.Unref(ref)
			st.Rejected++
			return false
		}
		// only this publisher pushes, so every eviction makes room for good
		old, ok := q.Pop()
		if !ok {
			// the subscriber emptied the ring meanwhile
			continue
		}
		pool.Unref(shm.UnpackSlotRef(old))
		q.AddDropped(1)
		st.Dropped++
	}
}

// drain returns the references still queued in c to the pool.
func drain(pool *shm.SlotPool, r *shm.Ring) int {
	n := 0
	for {
		v, ok := r.Pop()
		if !ok {
			return n
		}
		pool.Unref(shm.UnpackSlotRef(v))
		n++
	}
}
