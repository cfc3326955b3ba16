package shm

import (
	"context"
	"fmt"
	"unsafe"

	internalshm "github.com/srediag/shm-pubsub/internal/shm"
)

// SlotState is the delivery state of one slot.
type SlotState uint32

const (
	// SlotFree slots are on the free list with reference count 0.
	SlotFree SlotState = iota
	// SlotLoaned slots are owned by one publisher handle, reference count 1.
	SlotLoaned
	// SlotSent slots are shared by the subscribers that received them.
	SlotSent
)

func (s SlotState) String() string {
	switch s {
	case SlotFree:
		return "free"
	case SlotLoaned:
		return "loaned"
	case SlotSent:
		return "sent"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// SlotRef names one occupancy of a slot. Index is stable; Generation changes every time
// the slot is loaned, so a ref outliving its occupancy is detectable.
type SlotRef struct {
	Index      uint32
	Generation uint32
}

// Pack encodes the ref into one word for ring entries.
func (r SlotRef) Pack() uint64 {
	return uint64(r.Index)<<32 | uint64(r.Generation)
}

// UnpackSlotRef decodes a word produced by Pack.
func UnpackSlotRef(v uint64) SlotRef {
	return SlotRef{Index: uint32(v >> 32), Generation: uint32(v)}
}

// PoolSpec describes a new slot pool.
type PoolSpec struct {
	// Name of the segment; a file name under the allocator directory.
	Name string
	// SlotCount is the number of slots.
	SlotCount uint32
	// PayloadSize is the payload capacity of one slot in bytes.
	PayloadSize uint32
	// PayloadAlign is the payload alignment, a power of two up to 64. Zero means 8.
	PayloadAlign uint32
	// UserHeaderSize reserves a per-slot user header region in bytes.
	UserHeaderSize uint32
	// OwnerID identifies the creating endpoint.
	OwnerID [16]byte
}

func (spec PoolSpec) layout() (payloadOff, stride uint64, size int, err error) {
	align := uint64(spec.PayloadAlign)
	if align == 0 {
		align = 8
	}
	if !isPowerOfTwo(align) || align > maxAlignment {
		return 0, 0, 0, fmt.Errorf("%w: payload alignment %d", ErrInvalidPoolSpec, spec.PayloadAlign)
	}
	if spec.SlotCount == 0 || spec.SlotCount == nilIndex {
		return 0, 0, 0, fmt.Errorf("%w: slot count %d", ErrInvalidPoolSpec, spec.SlotCount)
	}
	if spec.PayloadSize == 0 {
		return 0, 0, 0, fmt.Errorf("%w: payload size 0", ErrInvalidPoolSpec)
	}
	if align < 8 {
		align = 8
	}
	payloadOff = alignUp(slotHeaderSize+uint64(spec.UserHeaderSize), align)
	stride = alignUp(payloadOff+uint64(spec.PayloadSize), cacheLineSize)
	total := poolSlotsOff + stride*uint64(spec.SlotCount)
	if total > 1<<40 {
		return 0, 0, 0, fmt.Errorf("%w: pool of %d bytes", ErrInvalidPoolSpec, total)
	}
	return payloadOff, stride, int(total), nil
}

// PoolStats is a snapshot of slot states.
type PoolStats struct {
	Slots  int
	Free   int
	Loaned int
	Sent   int
}

// SlotPool is a shared arena of fixed-size, reference-counted slots.
//
// The reference count of every slot lives inside the segment so that every process holding
// a reference can change it. A count of 0 means the slot is on the free list; Acquire
// hands out slots with count 1.
type SlotPool struct {
	seg            *Segment
	slotCount      uint32
	stride         uint64
	payloadSize    uint32
	payloadAlign   uint32
	payloadOff     uint64
	userHeaderSize uint32
}

func newSlotPool(ctx context.Context, spec PoolSpec, opts CreateSegmentOptions) (*SlotPool, error) {
	payloadOff, stride, size, err := spec.layout()
	if err != nil {
		return nil, err
	}
	opts.Kind = KindPool
	opts.Size = size
	seg, err := CreateSegment(ctx, opts)
	if err != nil {
		return nil, err
	}
	align := spec.PayloadAlign
	if align == 0 {
		align = 8
	}
	internalshm.AtomicStoreUint32(seg.ptr(poolSlotCountOff), spec.SlotCount)
	internalshm.AtomicStoreUint32(seg.ptr(poolSlotStrideOff), uint32(stride))
	internalshm.AtomicStoreUint32(seg.ptr(poolPayloadSizeOff), spec.PayloadSize)
	internalshm.AtomicStoreUint32(seg.ptr(poolPayloadAlignOff), align)
	internalshm.AtomicStoreUint32(seg.ptr(poolUserHeaderSizeOff), spec.UserHeaderSize)
	internalshm.AtomicStoreUint32(seg.ptr(poolPayloadOffOff), uint32(payloadOff))
	copy(seg.mem[poolOwnerIDOff:poolOwnerIDOff+16], spec.OwnerID[:])

	p, err := mapSlotPool(seg)
	if err != nil {
		_ = seg.Close(true)
		return nil, err
	}
	// chain every slot into the free list: 0 -> 1 -> ... -> n-1 -> nil
	for i := uint32(0); i < spec.SlotCount; i++ {
		next := i + 1
		if next == spec.SlotCount {
			next = nilIndex
		}
		internalshm.AtomicStoreUint32(p.slotPtr(i, slotNextFreeOff), next)
		internalshm.AtomicStoreUint32(p.slotPtr(i, slotStateOff), uint32(SlotFree))
	}
	internalshm.AtomicStoreUint64(seg.ptr(poolFreeHeadOff), 0)
	internalshm.AtomicStoreInt32(seg.ptr(poolFreeCountOff), int32(spec.SlotCount))
	seg.MarkReady()
	return p, nil
}

func mapSlotPool(seg *Segment) (*SlotPool, error) {
	if len(seg.mem) < poolSlotsOff {
		return nil, fmt.Errorf("%w: pool segment of %d bytes", ErrBadMagic, len(seg.mem))
	}
	p := &SlotPool{
		seg:            seg,
		slotCount:      internalshm.AtomicLoadUint32(seg.ptr(poolSlotCountOff)),
		stride:         uint64(internalshm.AtomicLoadUint32(seg.ptr(poolSlotStrideOff))),
		payloadSize:    internalshm.AtomicLoadUint32(seg.ptr(poolPayloadSizeOff)),
		payloadAlign:   internalshm.AtomicLoadUint32(seg.ptr(poolPayloadAlignOff)),
		payloadOff:     uint64(internalshm.AtomicLoadUint32(seg.ptr(poolPayloadOffOff))),
		userHeaderSize: internalshm.AtomicLoadUint32(seg.ptr(poolUserHeaderSizeOff)),
	}
	need := poolSlotsOff + p.stride*uint64(p.slotCount)
	if p.stride == 0 || need > uint64(len(seg.mem)) || p.payloadOff+uint64(p.payloadSize) > p.stride {
		return nil, fmt.Errorf("%w: inconsistent pool header in %s", ErrBadMagic, seg.Path())
	}
	return p, nil
}

func (p *SlotPool) slotBase(idx uint32) uint64 {
	return poolSlotsOff + uint64(idx)*p.stride
}

func (p *SlotPool) slotPtr(idx uint32, field uint64) unsafe.Pointer {
	return p.seg.ptr(uintptr(p.slotBase(idx) + field))
}

func (p *SlotPool) checkIndex(idx uint32) {
	if idx >= p.slotCount {
		violation("slot index %d out of range [0,%d) in %s", idx, p.slotCount, p.seg.Path())
	}
}

// checkRef aborts when ref does not name the current occupancy of its slot.
func (p *SlotPool) checkRef(ref SlotRef) {
	p.checkIndex(ref.Index)
	if gen := internalshm.AtomicLoadUint32(p.slotPtr(ref.Index, slotGenerationOff)); gen != ref.Generation {
		violation("stale handle for slot %d: generation %d, current %d", ref.Index, ref.Generation, gen)
	}
}

// Acquire takes a slot off the free list and returns it loaned with reference count 1.
// It never blocks; an exhausted pool returns ErrNoSpaceAvailable without touching any slot.
func (p *SlotPool) Acquire() (SlotRef, error) {
	idx, ok := p.pop()
	if !ok {
		return SlotRef{}, ErrNoSpaceAvailable
	}
	if !internalshm.AtomicCompareAndSwapInt32(p.slotPtr(idx, slotRefCountOff), 0, 1) {
		violation("slot %d on the free list has reference count %d", idx,
			internalshm.AtomicLoadInt32(p.slotPtr(idx, slotRefCountOff)))
	}
	gen := internalshm.AtomicAddUint32(p.slotPtr(idx, slotGenerationOff), 1)
	internalshm.AtomicStoreUint64(p.slotPtr(idx, slotPayloadLenOff), 0)
	internalshm.AtomicStoreUint64(p.slotPtr(idx, slotSequenceOff), 0)
	internalshm.AtomicStoreUint32(p.slotPtr(idx, slotStateOff), uint32(SlotLoaned))
	return SlotRef{Index: idx, Generation: gen}, nil
}

// Retain adds one reference to a loaned or sent slot.
func (p *SlotPool) Retain(ref SlotRef) {
	p.checkRef(ref)
	addr := p.slotPtr(ref.Index, slotRefCountOff)
	for {
		c := internalshm.AtomicLoadInt32(addr)
		if c <= 0 {
			violation("retain of slot %d with reference count %d", ref.Index, c)
		}
		if internalshm.AtomicCompareAndSwapInt32(addr, c, c+1) {
			return
		}
	}
}

// Unref drops one reference and reports whether it was the last one, in which case the
// slot is back on the free list.
func (p *SlotPool) Unref(ref SlotRef) bool {
	p.checkRef(ref)
	n := internalshm.AtomicAddInt32(p.slotPtr(ref.Index, slotRefCountOff), -1)
	if n < 0 {
		violation("reference count of slot %d dropped below zero", ref.Index)
	}
	if n > 0 {
		return false
	}
	p.release(ref.Index)
	return true
}

// Release returns a slot whose reference count is already 0 to the free list.
func (p *SlotPool) Release(ref SlotRef) {
	p.checkRef(ref)
	if c := internalshm.AtomicLoadInt32(p.slotPtr(ref.Index, slotRefCountOff)); c != 0 {
		violation("release of slot %d with reference count %d", ref.Index, c)
	}
	p.release(ref.Index)
}

func (p *SlotPool) release(idx uint32) {
	state := p.slotPtr(idx, slotStateOff)
	for {
		s := internalshm.AtomicLoadUint32(state)
		if SlotState(s) == SlotFree {
			violation("double free of slot %d", idx)
		}
		if internalshm.AtomicCompareAndSwapUint32(state, s, uint32(SlotFree)) {
			break
		}
	}
	p.push(idx)
}

// MarkSent moves a loaned slot to the sent state.
func (p *SlotPool) MarkSent(ref SlotRef) {
	p.checkRef(ref)
	if !internalshm.AtomicCompareAndSwapUint32(p.slotPtr(ref.Index, slotStateOff), uint32(SlotLoaned), uint32(SlotSent)) {
		violation("send of slot %d in state %s", ref.Index, p.State(ref.Index))
	}
}

func (p *SlotPool) pop() (uint32, bool) {
	head := p.seg.ptr(poolFreeHeadOff)
	for {
		h := internalshm.AtomicLoadUint64(head)
		idx := uint32(h)
		if idx == nilIndex {
			return 0, false
		}
		p.checkIndex(idx)
		next := internalshm.AtomicLoadUint32(p.slotPtr(idx, slotNextFreeOff))
		tag := uint32(h>>32) + 1
		if internalshm.AtomicCompareAndSwapUint64(head, h, uint64(tag)<<32|uint64(next)) {
			internalshm.AtomicAddInt32(p.seg.ptr(poolFreeCountOff), -1)
			return idx, true
		}
	}
}

func (p *SlotPool) push(idx uint32) {
	head := p.seg.ptr(poolFreeHeadOff)
	for {
		h := internalshm.AtomicLoadUint64(head)
		internalshm.AtomicStoreUint32(p.slotPtr(idx, slotNextFreeOff), uint32(h))
		tag := uint32(h>>32) + 1
		if internalshm.AtomicCompareAndSwapUint64(head, h, uint64(tag)<<32|uint64(idx)) {
			internalshm.AtomicAddInt32(p.seg.ptr(poolFreeCountOff), 1)
			return
		}
	}
}

// Payload returns the payload bytes of the slot.
func (p *SlotPool) Payload(ref SlotRef) []byte {
	p.checkRef(ref)
	off := p.slotBase(ref.Index) + p.payloadOff
	return p.seg.mem[off : off+uint64(p.payloadSize) : off+uint64(p.payloadSize)]
}

// UserHeader returns the user header bytes of the slot; empty when the pool has none.
func (p *SlotPool) UserHeader(ref SlotRef) []byte {
	p.checkRef(ref)
	off := p.slotBase(ref.Index) + slotHeaderSize
	return p.seg.mem[off : off+uint64(p.userHeaderSize) : off+uint64(p.userHeaderSize)]
}

// SetPayloadLen records how many payload elements were written.
func (p *SlotPool) SetPayloadLen(ref SlotRef, n uint64) {
	p.checkRef(ref)
	internalshm.AtomicStoreUint64(p.slotPtr(ref.Index, slotPayloadLenOff), n)
}

// PayloadLen returns the recorded number of payload elements.
func (p *SlotPool) PayloadLen(ref SlotRef) uint64 {
	p.checkRef(ref)
	return internalshm.AtomicLoadUint64(p.slotPtr(ref.Index, slotPayloadLenOff))
}

// SetSequence records the publisher sequence number of the sample in the slot.
func (p *SlotPool) SetSequence(ref SlotRef, seq uint64) {
	p.checkRef(ref)
	internalshm.AtomicStoreUint64(p.slotPtr(ref.Index, slotSequenceOff), seq)
}

// Sequence returns the publisher sequence number of the sample in the slot.
func (p *SlotPool) Sequence(ref SlotRef) uint64 {
	p.checkRef(ref)
	return internalshm.AtomicLoadUint64(p.slotPtr(ref.Index, slotSequenceOff))
}

// RefCount returns the current reference count of slot idx.
func (p *SlotPool) RefCount(idx uint32) int32 {
	p.checkIndex(idx)
	return internalshm.AtomicLoadInt32(p.slotPtr(idx, slotRefCountOff))
}

// Generation returns the current generation of slot idx.
func (p *SlotPool) Generation(idx uint32) uint32 {
	p.checkIndex(idx)
	return internalshm.AtomicLoadUint32(p.slotPtr(idx, slotGenerationOff))
}

// State returns the delivery state of slot idx.
func (p *SlotPool) State(idx uint32) SlotState {
	p.checkIndex(idx)
	return SlotState(internalshm.AtomicLoadUint32(p.slotPtr(idx, slotStateOff)))
}

// FreeSlots returns the number of slots on the free list.
func (p *SlotPool) FreeSlots() int {
	return int(internalshm.AtomicLoadInt32(p.seg.ptr(poolFreeCountOff)))
}

// Stats scans every slot state.
func (p *SlotPool) Stats() PoolStats {
	st := PoolStats{Slots: int(p.slotCount)}
	for i := uint32(0); i < p.slotCount; i++ {
		switch p.State(i) {
		case SlotFree:
			st.Free++
		case SlotLoaned:
			st.Loaned++
		case SlotSent:
			st.Sent++
		}
	}
	return st
}

// SlotCount returns the number of slots.
func (p *SlotPool) SlotCount() int { return int(p.slotCount) }

// PayloadSize returns the payload capacity of one slot in bytes.
func (p *SlotPool) PayloadSize() int { return int(p.payloadSize) }

// PayloadAlign returns the payload alignment.
func (p *SlotPool) PayloadAlign() int { return int(p.payloadAlign) }

// UserHeaderSize returns the user header size in bytes.
func (p *SlotPool) UserHeaderSize() int { return int(p.userHeaderSize) }

// OwnerID returns the id written by the creator.
func (p *SlotPool) OwnerID() [16]byte {
	var id [16]byte
	copy(id[:], p.seg.mem[poolOwnerIDOff:poolOwnerIDOff+16])
	return id
}

// Segment returns the underlying segment.
func (p *SlotPool) Segment() *Segment { return p.seg }

// Path is the name other processes use to map the pool.
func (p *SlotPool) Path() string { return p.seg.Path() }

// Close unmaps the pool; see Segment.Close.
func (p *SlotPool) Close(unlink bool) error {
	return p.seg.Close(unlink)
}
