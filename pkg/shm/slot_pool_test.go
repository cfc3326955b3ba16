package shm

import (
	"context"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"
)

type SlotPoolTestSuite struct {
	suite.Suite
	alloc *Allocator
	ctx   context.Context
}

func (s *SlotPoolTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.alloc = NewAllocator(AllocatorConfig{Dir: s.T().TempDir()})
}

func (s *SlotPoolTestSuite) newPool(slots uint32) *SlotPool {
	p, err := s.alloc.AllocatePool(s.ctx, PoolSpec{Name: "pool", SlotCount: slots, PayloadSize: 64, UserHeaderSize: 8})
	s.Require().Nil(err)
	s.T().Cleanup(func() { _ = p.Close(true) })
	return p
}

func (s *SlotPoolTestSuite) TestSlotPool_AcquireUntilExhausted() {
	s.T().Logf("[START] TestSlotPool_AcquireUntilExhausted")
	p := s.newPool(4)
	s.Require().Equal(4, p.FreeSlots())

	refs := make([]SlotRef, 0, 4)
	for i := 0; i < 4; i++ {
		ref, err := p.Acquire()
		s.Require().Nil(err)
		s.Require().Equal(int32(1), p.RefCount(ref.Index))
		s.Require().Equal(SlotLoaned, p.State(ref.Index))
		refs = append(refs, ref)
	}
	before := p.Stats()

	_, err := p.Acquire()
	s.Require().ErrorIs(err, ErrNoSpaceAvailable)
	_, err = p.Acquire()
	s.Require().ErrorIs(err, ErrNoSpaceAvailable)
	s.Require().Equal(before, p.Stats(), "failed acquire must not touch slot state")
	for _, ref := range refs {
		s.Require().Equal(ref.Generation, p.Generation(ref.Index))
		s.Require().Equal(int32(1), p.RefCount(ref.Index))
	}

	s.Require().True(p.Unref(refs[2]))
	s.Require().Equal(1, p.FreeSlots())
	ref, err := p.Acquire()
	s.Require().Nil(err)
	s.Require().Equal(refs[2].Index, ref.Index)
	s.Require().Equal(refs[2].Generation+1, ref.Generation)
	s.T().Logf("[END] TestSlotPool_AcquireUntilExhausted")
}

func (s *SlotPoolTestSuite) TestSlotPool_FanOutReturnsSlotOnce() {
	s.T().Logf("[START] TestSlotPool_FanOutReturnsSlotOnce")
	p := s.newPool(2)
	ref, err := p.Acquire()
	s.Require().Nil(err)
	const k = 5
	for i := 0; i < k; i++ {
		p.Retain(ref)
	}
	p.MarkSent(ref)
	s.Require().False(p.Unref(ref)) // the publisher's own reference
	s.Require().Equal(int32(k), p.RefCount(ref.Index))

	freed := 0
	for i := 0; i < k; i++ {
		if p.Unref(ref) {
			freed++
		}
	}
	s.Require().Equal(1, freed)
	s.Require().Equal(2, p.FreeSlots())
	s.Require().Equal(PoolStats{Slots: 2, Free: 2}, p.Stats())
	s.T().Logf("[END] TestSlotPool_FanOutReturnsSlotOnce")
}

func (s *SlotPoolTestSuite) TestSlotPool_InvariantViolationsPanic() {
	s.T().Logf("[START] TestSlotPool_InvariantViolationsPanic")
	p := s.newPool(2)
	ref, err := p.Acquire()
	s.Require().Nil(err)

	s.Require().Panics(func() { p.Release(ref) }, "release with live references")
	s.Require().True(p.Unref(ref))
	s.Require().Panics(func() { p.Release(ref) }, "double free")
	s.Require().Panics(func() { p.Retain(ref) }, "retain of a free slot")

	next, err := p.Acquire()
	s.Require().Nil(err)
	if next.Index == ref.Index {
		s.Require().Panics(func() { p.Unref(ref) }, "stale generation")
	}
	s.Require().Panics(func() { p.Payload(SlotRef{Index: 99}) }, "index out of range")

	defer func() {
		r := recover()
		s.Require().NotNil(r)
		err, ok := r.(error)
		s.Require().True(ok)
		s.Require().ErrorIs(err, ErrProtocolInvariantViolation)
	}()
	p.MarkSent(next)
	p.MarkSent(next)
	s.T().Logf("[END] TestSlotPool_InvariantViolationsPanic")
}

func (s *SlotPoolTestSuite) TestSlotPool_PayloadAndHeaders() {
	s.T().Logf("[START] TestSlotPool_PayloadAndHeaders")
	p := s.newPool(2)
	s.Require().Equal(64, p.PayloadSize())
	s.Require().Equal(8, p.UserHeaderSize())

	ref, err := p.Acquire()
	s.Require().Nil(err)
	copy(p.Payload(ref), "hello world")
	copy(p.UserHeader(ref), []byte{1, 2, 3})
	p.SetPayloadLen(ref, 11)
	p.SetSequence(ref, 42)

	other, err := s.alloc.OpenPool(s.ctx, p.Path())
	s.Require().Nil(err)
	defer func() { _ = other.Close(false) }()
	s.Require().Equal("hello world", string(other.Payload(ref)[:11]))
	s.Require().Equal([]byte{1, 2, 3}, other.UserHeader(ref)[:3])
	s.Require().Equal(uint64(11), other.PayloadLen(ref))
	s.Require().Equal(uint64(42), other.Sequence(ref))

	// a reference dropped through the other mapping frees the slot for both
	s.Require().True(other.Unref(ref))
	s.Require().Equal(2, p.FreeSlots())
	s.T().Logf("[END] TestSlotPool_PayloadAndHeaders")
}

func (s *SlotPoolTestSuite) TestSlotPool_PayloadAlignment() {
	s.T().Logf("[START] TestSlotPool_PayloadAlignment")
	p, err := s.alloc.AllocatePool(s.ctx, PoolSpec{Name: "aligned", SlotCount: 3, PayloadSize: 24, PayloadAlign: 64, UserHeaderSize: 5})
	s.Require().Nil(err)
	defer func() { _ = p.Close(true) }()
	for i := 0; i < 3; i++ {
		ref, err := p.Acquire()
		s.Require().Nil(err)
		addr := uintptr(unsafePointer(p.Payload(ref)))
		s.Require().Equal(uintptr(0), addr%64)
	}

	_, err = s.alloc.AllocatePool(s.ctx, PoolSpec{Name: "bad", SlotCount: 1, PayloadSize: 8, PayloadAlign: 3})
	s.Require().ErrorIs(err, ErrInvalidPoolSpec)
	_, err = s.alloc.AllocatePool(s.ctx, PoolSpec{Name: "empty", SlotCount: 0, PayloadSize: 8})
	s.Require().ErrorIs(err, ErrInvalidPoolSpec)
	s.T().Logf("[END] TestSlotPool_PayloadAlignment")
}

// Random interleavings of loan, send to k receivers, receiver drops and publisher drops
// must keep every count non-negative, and a count of zero must coincide with Free.
func (s *SlotPoolTestSuite) TestSlotPool_RandomizedLifecycle() {
	s.T().Logf("[START] TestSlotPool_RandomizedLifecycle")
	const slots = 8
	p := s.newPool(slots)
	rnd := rand.New(rand.NewSource(7))

	loaned := map[SlotRef]bool{}
	held := map[SlotRef]int{}
	check := func() {
		for i := uint32(0); i < slots; i++ {
			c := p.RefCount(i)
			s.Require().GreaterOrEqual(c, int32(0))
			s.Require().Equal(c == 0, p.State(i) == SlotFree, "slot %d count %d state %s", i, c, p.State(i))
		}
	}
	for step := 0; step < 5000; step++ {
		switch rnd.Intn(4) {
		case 0:
			ref, err := p.Acquire()
			if err != nil {
				s.Require().ErrorIs(err, ErrNoSpaceAvailable)
				s.Require().Equal(0, p.FreeSlots())
				break
			}
			loaned[ref] = true
		case 1:
			for ref := range loaned {
				k := rnd.Intn(4)
				for i := 0; i < k; i++ {
					p.Retain(ref)
				}
				p.MarkSent(ref)
				delete(loaned, ref)
				if p.Unref(ref) {
					s.Require().Equal(0, k)
				} else {
					held[ref] = k
				}
				break
			}
		case 2:
			for ref, n := range held {
				freed := p.Unref(ref)
				s.Require().Equal(n == 1, freed)
				if freed {
					delete(held, ref)
				} else {
					held[ref] = n - 1
				}
				break
			}
		case 3:
			for ref := range loaned {
				s.Require().True(p.Unref(ref))
				delete(loaned, ref)
				break
			}
		}
		check()
	}
	st := p.Stats()
	s.Require().Equal(len(loaned), st.Loaned)
	s.Require().Equal(len(held), st.Sent)
	s.Require().Equal(slots-len(loaned)-len(held), p.FreeSlots())
	s.T().Logf("[END] TestSlotPool_RandomizedLifecycle")
}

func (s *SlotPoolTestSuite) TestSlotPool_ConcurrentAcquireRelease() {
	s.T().Logf("[START] TestSlotPool_ConcurrentAcquireRelease")
	const slots = 16
	p := s.newPool(slots)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 2000; i++ {
				ref, err := p.Acquire()
				if err != nil {
					continue
				}
				p.Retain(ref)
				p.Unref(ref)
				p.Unref(ref)
			}
		}()
	}
	wg.Wait()
	s.Require().Equal(slots, p.FreeSlots())
	s.Require().Equal(PoolStats{Slots: slots, Free: slots}, p.Stats())
	s.T().Logf("[END] TestSlotPool_ConcurrentAcquireRelease")
}

func TestSlotPoolTestSuite(t *testing.T) {
	suite.Run(t, new(SlotPoolTestSuite))
}
