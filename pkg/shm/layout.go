package shm

// Binary layout of every segment. Offsets are part of the protocol: processes built at
// different times interoperate as long as SegmentVersion matches.
const (
	// SegmentMagic identifies shm-pubsub segments.
	SegmentMagic = "SHMPSUB\x00"
	// SegmentVersion is the current protocol version.
	SegmentVersion = uint32(1)

	segMagicOff      = 0x00 // [8]byte
	segVersionOff    = 0x08 // uint32
	segKindOff       = 0x0C // uint32
	segTotalSizeOff  = 0x10 // uint64
	segCreatorPIDOff = 0x18 // uint32
	segReadyOff      = 0x1C // uint32
	segClosedOff     = 0x20 // uint32
	segHeaderSize    = 0x40

	// pool header, follows the segment header
	poolSlotCountOff      = segHeaderSize + 0x00 // uint32
	poolSlotStrideOff     = segHeaderSize + 0x04 // uint32
	poolPayloadSizeOff    = segHeaderSize + 0x08 // uint32
	poolPayloadAlignOff   = segHeaderSize + 0x0C // uint32
	poolUserHeaderSizeOff = segHeaderSize + 0x10 // uint32
	poolFreeCountOff      = segHeaderSize + 0x14 // int32
	poolFreeHeadOff       = segHeaderSize + 0x18 // uint64: tag<<32 | index
	poolOwnerIDOff        = segHeaderSize + 0x20 // [16]byte
	poolPayloadOffOff     = segHeaderSize + 0x30 // uint32, payload offset inside a slot
	poolSlotsOff          = 0x80

	// slot header, at the start of every slot
	slotRefCountOff   = 0x00 // int32
	slotGenerationOff = 0x04 // uint32
	slotNextFreeOff   = 0x08 // uint32
	slotStateOff      = 0x0C // uint32
	slotPayloadLenOff = 0x10 // uint64
	slotSequenceOff   = 0x18 // uint64
	slotHeaderSize    = 0x20

	// ring header, follows the segment header; indices sit on their own cache lines
	ringCapacityOff  = segHeaderSize + 0x00 // uint32
	ringCellsOff     = segHeaderSize + 0x04 // uint32
	ringPolicyOff    = segHeaderSize + 0x08 // uint32
	ringPubClosedOff = segHeaderSize + 0x0C // uint32
	ringSubClosedOff = segHeaderSize + 0x10 // uint32
	ringDroppedOff   = segHeaderSize + 0x18 // uint64
	ringEnqueueOff   = 0x80                 // uint64
	ringDequeueOff   = 0xC0                 // uint64
	ringCellsStart   = 0x100
	ringCellSize     = 16
	ringCellSeqOff   = 0
	ringCellValueOff = 8

	cacheLineSize = 64
	maxAlignment  = cacheLineSize
	nilIndex      = ^uint32(0)
)

// SegmentKind tells what a segment contains.
type SegmentKind uint32

const (
	// KindPool segments hold a SlotPool.
	KindPool SegmentKind = 1
	// KindRing segments hold a Ring.
	KindRing SegmentKind = 2
)

func (k SegmentKind) String() string {
	switch k {
	case KindPool:
		return "pool"
	case KindRing:
		return "ring"
	default:
		return "unknown"
	}
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

func isPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}
