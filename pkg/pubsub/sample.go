package pubsub

import (
	"fmt"
	"unsafe"

	"github.com/srediag/shm-pubsub/pkg/shm"
)

// Sample is a read-only view of a received slot. The payload lives in shared memory until
// Release; other subscribers may be reading the same bytes.
type Sample[T any] struct {
	sub      *Subscriber[T]
	conn     *inbound
	ref      shm.SlotRef
	header   Header
	released bool
}

func (s *Sample[T]) check() {
	if s.released {
		panic(fmt.Errorf("%w: slot %d generation %d", ErrSampleConsumed, s.ref.Index, s.ref.Generation))
	}
}

// Payload returns the first element of the payload.
func (s *Sample[T]) Payload() *T {
	s.check()
	return (*T)(typedView[T](s.conn.pool.Payload(s.ref), 1))
}

// PayloadSlice returns every element the publisher loaned.
func (s *Sample[T]) PayloadSlice() []T {
	s.check()
	n := int(s.header.PayloadLen)
	return unsafe.Slice((*T)(typedView[T](s.conn.pool.Payload(s.ref), n)), n)
}

// UserHeader returns the user header bytes.
func (s *Sample[T]) UserHeader() []byte {
	s.check()
	return s.conn.pool.UserHeader(s.ref)
}

// Header returns the sample header.
func (s *Sample[T]) Header() Header {
	return s.header
}

// Release drops this subscriber's reference. The last reference returns the slot to the
// publisher's pool. Releasing twice panics.
func (s *Sample[T]) Release() {
	if s.released {
		panic(fmt.Errorf("%w: double release of slot %d", ErrProtocolInvariantViolation, s.ref.Index))
	}
	s.released = true
	s.sub.release(s)
}
