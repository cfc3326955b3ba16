// Package shm provides the shared-memory building blocks of the publish-subscribe core.
//
// A Segment is a named, memory-mapped region with a small binary-stable header (magic,
// protocol version, kind, ready and closed flags). Two kinds of segments exist:
//
//   - a SlotPool: a fixed number of fixed-size slots, each with an in-segment reference
//     count and generation counter, and a lock-free free list;
//   - a Ring: a bounded FIFO of slot references carrying samples from one publisher to
//     one subscriber.
//
// Every handle that crosses a process boundary is an index/generation pair (SlotRef),
// never an address, because each process maps a segment at its own base address.
//
// Example usage:
//
//	alloc := shm.NewAllocator(shm.AllocatorConfig{})
//	pool, err := alloc.AllocatePool(ctx, shm.PoolSpec{
//	  Name:        "my-service.data",
//	  SlotCount:   16,
//	  PayloadSize: 256,
//	})
//	ref, err := pool.Acquire()
//	copy(pool.Payload(ref), data)
//	pool.Unref(ref) // last reference: slot returns to the free list
package shm
