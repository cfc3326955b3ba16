package shm

import (
	"sync/atomic"
	"unsafe"
)

// Shared words are accessed through sync/atomic, which is sequentially consistent and
// therefore provides the release-acquire ordering processes rely on. Callers must keep
// 32-bit words 4-byte aligned and 64-bit words 8-byte aligned.

// Pointer returns the address of mem[off].
func Pointer(mem []byte, off uintptr) unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(unsafe.SliceData(mem)), off)
}

// AtomicLoadUint64 loads a uint64 from shared memory atomically.
func AtomicLoadUint64(addr unsafe.Pointer) uint64 {
	return atomic.LoadUint64((*uint64)(addr))
}

// AtomicStoreUint64 stores a uint64 to shared memory atomically.
func AtomicStoreUint64(addr unsafe.Pointer, val uint64) {
	atomic.StoreUint64((*uint64)(addr), val)
}

// AtomicAddUint64 adds delta to a uint64 in shared memory and returns the new value.
func AtomicAddUint64(addr unsafe.Pointer, delta uint64) uint64 {
	return atomic.AddUint64((*uint64)(addr), delta)
}

// AtomicCompareAndSwapUint64 atomically compares and swaps a uint64 in shared memory.
func AtomicCompareAndSwapUint64(addr unsafe.Pointer, old, new uint64) bool {
	return atomic.CompareAndSwapUint64((*uint64)(addr), old, new)
}

// AtomicLoadUint32 loads a uint32 from shared memory atomically.
func AtomicLoadUint32(addr unsafe.Pointer) uint32 {
	return atomic.LoadUint32((*uint32)(addr))
}

// AtomicStoreUint32 stores a uint32 to shared memory atomically.
func AtomicStoreUint32(addr unsafe.Pointer, val uint32) {
	atomic.StoreUint32((*uint32)(addr), val)
}

// AtomicAddUint32 adds delta to a uint32 in shared memory and returns the new value.
func AtomicAddUint32(addr unsafe.Pointer, delta uint32) uint32 {
	return atomic.AddUint32((*uint32)(addr), delta)
}

// AtomicLoadInt32 loads an int32 from shared memory atomically.
func AtomicLoadInt32(addr unsafe.Pointer) int32 {
	return atomic.LoadInt32((*int32)(addr))
}

// AtomicStoreInt32 stores an int32 to shared memory atomically.
func AtomicStoreInt32(addr unsafe.Pointer, val int32) {
	atomic.StoreInt32((*int32)(addr), val)
}

// AtomicAddInt32 adds delta to an int32 in shared memory and returns the new value.
func AtomicAddInt32(addr unsafe.Pointer, delta int32) int32 {
	return atomic.AddInt32((*int32)(addr), delta)
}

// AtomicCompareAndSwapInt32 atomically compares and swaps an int32 in shared memory.
func AtomicCompareAndSwapInt32(addr unsafe.Pointer, old, new int32) bool {
	return atomic.CompareAndSwapInt32((*int32)(addr), old, new)
}

// AtomicCompareAndSwapUint32 atomically compares and swaps a uint32 in shared memory.
func AtomicCompareAndSwapUint32(addr unsafe.Pointer, old, new uint32) bool {
	return atomic.CompareAndSwapUint32((*uint32)(addr), old, new)
}
