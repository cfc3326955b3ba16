package pubsub

import (
	"fmt"
	"unsafe"

	"github.com/srediag/shm-pubsub/pkg/shm"
)

// Header describes a sample.
type Header struct {
	// PublisherID is the endpoint id of the sending publisher.
	PublisherID string
	// Sequence numbers the publisher's sends from 1; 0 before the sample is sent.
	Sequence uint64
	// PayloadLen is the number of T elements in the payload.
	PayloadLen uint64
}

// SampleMut is the write handle of one loaned slot. It is used by one goroutine and dies
// with Send or Release; any use afterwards panics.
type SampleMut[T any] struct {
	pub      *Publisher[T]
	ref      shm.SlotRef
	n        int
	consumed bool
}

func (s *SampleMut[T]) check() {
	if s.consumed {
		panic(fmt.Errorf("%w: slot %d generation %d", ErrSampleConsumed, s.ref.Index, s.ref.Generation))
	}
}

func typedView[T any](b []byte, n int) unsafe.Pointer {
	var zero T
	if need := int(unsafe.Sizeof(zero)) * n; need > len(b) {
		panic(fmt.Errorf("%w: slot holds %d bytes, %d needed", ErrProtocolInvariantViolation, len(b), need))
	}
	return unsafe.Pointer(unsafe.SliceData(b))
}

// Payload returns the first element of the payload, in shared memory.
func (s *SampleMut[T]) Payload() *T {
	s.check()
	return (*T)(typedView[T](s.pub.pool.Payload(s.ref), 1))
}

// PayloadSlice returns the payload as a slice of the loaned length.
func (s *SampleMut[T]) PayloadSlice() []T {
	s.check()
	return unsafe.Slice((*T)(typedView[T](s.pub.pool.Payload(s.ref), s.n)), s.n)
}

// WritePayload stores v as the first element.
func (s *SampleMut[T]) WritePayload(v T) {
	*s.Payload() = v
}

// WriteFromFn sets every element i of the payload to fn(i).
func (s *SampleMut[T]) WriteFromFn(fn func(i uint64) T) {
	elems := s.PayloadSlice()
	for i := range elems {
		elems[i] = fn(uint64(i))
	}
}

// UserHeader returns the user header bytes; empty unless the service reserved them.
func (s *SampleMut[T]) UserHeader() []byte {
	s.check()
	return s.pub.pool.UserHeader(s.ref)
}

// Header returns the sample header.
func (s *SampleMut[T]) Header() Header {
	s.check()
	return Header{PublisherID: s.pub.id, PayloadLen: uint64(s.n)}
}

// Send hands the sample to every connected subscriber and returns how many got it.
// Zero recipients is not an error; the slot is then free again right away.
func (s *SampleMut[T]) Send() (int, error) {
	s.check()
	s.consumed = true
	return s.pub.send(s)
}

// Release gives the slot back without sending it.
func (s *SampleMut[T]) Release() {
	s.check()
	s.consumed = true
	s.pub.release(s)
}
