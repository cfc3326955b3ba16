package shm

import (
	"context"
	"fmt"
	"runtime"
	"unsafe"

	internalshm "github.com/srediag/shm-pubsub/internal/shm"
)

// OverflowPolicy decides what a full ring does with a new entry.
type OverflowPolicy uint32

const (
	// OverflowDropOldest evicts the oldest queued entry to make room (ring buffer semantics).
	OverflowDropOldest OverflowPolicy = iota
	// OverflowRejectNewest refuses the new entry and leaves the queue untouched.
	OverflowRejectNewest
)

func (p OverflowPolicy) String() string {
	switch p {
	case OverflowDropOldest:
		return "drop-oldest"
	case OverflowRejectNewest:
		return "reject-newest"
	default:
		return fmt.Sprintf("policy(%d)", uint32(p))
	}
}

// PushResult is the outcome of Offer.
type PushResult int

const (
	// Pushed means the entry was appended.
	Pushed PushResult = iota
	// RingFull means the ring holds Capacity entries.
	RingFull
	// RingStalled means the next cell is still claimed by a consumer that has not finished
	// taking it. A consumer that died inside Pop leaves the ring in this state for good.
	RingStalled
)

// offerSpins bounds how often Offer yields waiting for a consumer to finish its Pop.
const offerSpins = 64

func (r PushResult) String() string {
	switch r {
	case Pushed:
		return "pushed"
	case RingFull:
		return "full"
	case RingStalled:
		return "stalled"
	default:
		return fmt.Sprintf("push-result(%d)", int(r))
	}
}

// RingState represents a snapshot of ring state for debugging and diagnostics.
type RingState struct {
	Capacity         uint32
	Enqueued         uint64 // monotonic enqueue position
	Dequeued         uint64 // monotonic dequeue position
	Len              uint64
	Dropped          uint64
	Policy           OverflowPolicy
	PublisherClosed  bool
	SubscriberClosed bool
}

// RingSpec describes a new ring.
type RingSpec struct {
	Name     string
	Capacity uint32
	Policy   OverflowPolicy
}

// Ring is a bounded FIFO of packed SlotRefs shared by one publisher and one subscriber.
//
// Each cell carries a sequence stamp (Vyukov's bounded queue): the producer may fill the
// cell for position pos once its stamp equals pos, and a consumer may take it once the
// stamp equals pos+1. Push must be called by one producer at a time; Pop is safe from any
// number of consumers in any process, which lets the producer evict the oldest entry while
// the subscriber drains.
type Ring struct {
	seg      *Segment
	capacity uint64
	cells    uint64
}

func ringSize(capacity uint32) (cells uint64, size int) {
	cells = uint64(capacity)
	if cells < 2 {
		// one cell cannot tell "full" from "empty" apart in the stamp arithmetic
		cells = 2
	}
	return cells, int(ringCellsStart + cells*ringCellSize)
}

func newRing(ctx context.Context, spec RingSpec, opts CreateSegmentOptions) (*Ring, error) {
	if spec.Capacity == 0 {
		return nil, fmt.Errorf("%w: ring capacity 0", ErrInvalidPoolSpec)
	}
	cells, size := ringSize(spec.Capacity)
	opts.Kind = KindRing
	opts.Size = size
	seg, err := CreateSegment(ctx, opts)
	if err != nil {
		return nil, err
	}
	internalshm.AtomicStoreUint32(seg.ptr(ringCapacityOff), spec.Capacity)
	internalshm.AtomicStoreUint32(seg.ptr(ringCellsOff), uint32(cells))
	internalshm.AtomicStoreUint32(seg.ptr(ringPolicyOff), uint32(spec.Policy))
	r := &Ring{seg: seg, capacity: uint64(spec.Capacity), cells: cells}
	for i := uint64(0); i < cells; i++ {
		internalshm.AtomicStoreUint64(r.cellPtr(i, ringCellSeqOff), i)
	}
	seg.MarkReady()
	return r, nil
}

func mapRing(seg *Segment) (*Ring, error) {
	capacity := uint64(internalshm.AtomicLoadUint32(seg.ptr(ringCapacityOff)))
	cells := uint64(internalshm.AtomicLoadUint32(seg.ptr(ringCellsOff)))
	if capacity == 0 || cells < capacity || cells < 2 || ringCellsStart+cells*ringCellSize > uint64(seg.Size()) {
		return nil, fmt.Errorf("%w: inconsistent ring header in %s", ErrBadMagic, seg.Path())
	}
	return &Ring{seg: seg, capacity: capacity, cells: cells}, nil
}

func (r *Ring) cellPtr(pos uint64, field uint64) unsafe.Pointer {
	return r.seg.ptr(uintptr(ringCellsStart + (pos%r.cells)*ringCellSize + field))
}

// Push appends v. It returns false when the ring holds Capacity entries.
func (r *Ring) Push(v uint64) bool {
	enq := r.seg.ptr(ringEnqueueOff)
	pos := internalshm.AtomicLoadUint64(enq)
	if pos-internalshm.AtomicLoadUint64(r.seg.ptr(ringDequeueOff)) >= r.capacity {
		return false
	}
	if internalshm.AtomicLoadUint64(r.cellPtr(pos, ringCellSeqOff)) != pos {
		// a consumer claimed the cell one lap ago and has not stamped it yet
		return false
	}
	if !internalshm.AtomicCompareAndSwapUint64(enq, pos, pos+1) {
		violation("concurrent producers on ring %s", r.seg.Path())
	}
	internalshm.AtomicStoreUint64(r.cellPtr(pos, ringCellValueOff), v)
	internalshm.AtomicStoreUint64(r.cellPtr(pos, ringCellSeqOff), pos+1)
	return true
}

// Offer is Push that tells a full ring from a stalled one. While the ring has room but
// its next cell is claimed by an unfinished Pop, it yields a bounded number of times and
// then gives up with RingStalled. It never blocks indefinitely.
func (r *Ring) Offer(v uint64) PushResult {
	for i := 0; ; i++ {
		if r.Push(v) {
			return Pushed
		}
		if r.Len() >= r.Capacity() {
			return RingFull
		}
		if i == offerSpins {
			return RingStalled
		}
		runtime.Gosched()
	}
}

// Pop removes the oldest entry. ok is false when the ring is empty.
func (r *Ring) Pop() (v uint64, ok bool) {
	deq := r.seg.ptr(ringDequeueOff)
	for {
		pos := internalshm.AtomicLoadUint64(deq)
		seq := internalshm.AtomicLoadUint64(r.cellPtr(pos, ringCellSeqOff))
		switch dif := int64(seq - (pos + 1)); {
		case dif == 0:
			if internalshm.AtomicCompareAndSwapUint64(deq, pos, pos+1) {
				v = internalshm.AtomicLoadUint64(r.cellPtr(pos, ringCellValueOff))
				internalshm.AtomicStoreUint64(r.cellPtr(pos, ringCellSeqOff), pos+r.cells)
				return v, true
			}
		case dif < 0:
			return 0, false
		}
		// another consumer moved the dequeue position; retry
	}
}

// Len returns the number of queued entries.
func (r *Ring) Len() int {
	enq := internalshm.AtomicLoadUint64(r.seg.ptr(ringEnqueueOff))
	deq := internalshm.AtomicLoadUint64(r.seg.ptr(ringDequeueOff))
	if deq >= enq {
		return 0
	}
	return int(enq - deq)
}

// Capacity returns the maximum number of queued entries.
func (r *Ring) Capacity() int { return int(r.capacity) }

// Policy returns the overflow policy chosen by the ring creator.
func (r *Ring) Policy() OverflowPolicy {
	return OverflowPolicy(internalshm.AtomicLoadUint32(r.seg.ptr(ringPolicyOff)))
}

// MarkPublisherClosed tells the subscriber no more entries will arrive.
func (r *Ring) MarkPublisherClosed() {
	internalshm.AtomicStoreUint32(r.seg.ptr(ringPubClosedOff), 1)
}

// PublisherClosed reports whether the publisher side went away.
func (r *Ring) PublisherClosed() bool {
	return internalshm.AtomicLoadUint32(r.seg.ptr(ringPubClosedOff)) == 1
}

// MarkSubscriberClosed tells the publisher to stop delivering.
func (r *Ring) MarkSubscriberClosed() {
	internalshm.AtomicStoreUint32(r.seg.ptr(ringSubClosedOff), 1)
}

// SubscriberClosed reports whether the subscriber side went away.
func (r *Ring) SubscriberClosed() bool {
	return internalshm.AtomicLoadUint32(r.seg.ptr(ringSubClosedOff)) == 1
}

// AddDropped counts entries evicted by OverflowDropOldest.
func (r *Ring) AddDropped(n uint64) {
	internalshm.AtomicAddUint64(r.seg.ptr(ringDroppedOff), n)
}

// Dropped returns the number of evicted entries.
func (r *Ring) Dropped() uint64 {
	return internalshm.AtomicLoadUint64(r.seg.ptr(ringDroppedOff))
}

// DebugState returns a snapshot of the current ring state.
func (r *Ring) DebugState() RingState {
	return RingState{
		Capacity:         uint32(r.capacity),
		Enqueued:         internalshm.AtomicLoadUint64(r.seg.ptr(ringEnqueueOff)),
		Dequeued:         internalshm.AtomicLoadUint64(r.seg.ptr(ringDequeueOff)),
		Len:              uint64(r.Len()),
		Dropped:          r.Dropped(),
		Policy:           r.Policy(),
		PublisherClosed:  r.PublisherClosed(),
		SubscriberClosed: r.SubscriberClosed(),
	}
}

// Segment returns the underlying segment.
func (r *Ring) Segment() *Segment { return r.seg }

// Path is the name other processes use to map the ring.
func (r *Ring) Path() string { return r.seg.Path() }

// Close unmaps the ring; see Segment.Close.
func (r *Ring) Close(unlink bool) error {
	return r.seg.Close(unlink)
}
