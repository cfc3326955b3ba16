package pubsub

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srediag/shm-pubsub/api"
	"github.com/srediag/shm-pubsub/pkg/shm"
)

var errRegistryDown = errors.New("registry down")

// flakyRegistry fails every lookup while fail is set.
type flakyRegistry struct {
	api.Registry
	fail atomic.Bool
}

func (r *flakyRegistry) Version(ctx context.Context, service string) (uint64, error) {
	if r.fail.Load() {
		return 0, errRegistryDown
	}
	return r.Registry.Version(ctx, service)
}

func (r *flakyRegistry) Resolve(ctx context.Context, service, signature string, kind api.EndpointKind) ([]api.Endpoint, error) {
	if r.fail.Load() {
		return nil, errRegistryDown
	}
	return r.Registry.Resolve(ctx, service, signature, kind)
}

func (s *PubSubTestSuite) TestRegistryFailureBreaksConnection() {
	s.T().Logf("[START] TestRegistryFailureBreaksConnection")
	reg := &flakyRegistry{Registry: s.cfg.Registry}
	s.cfg.Registry = reg
	svc := s.service("flaky")
	sub := s.subscriber(svc, SubscriberConfig{})
	pub := s.publisher(svc, PublisherConfig{})
	n, err := pub.SendCopy(position{Seq: 1})
	s.Require().Nil(err)
	s.Require().Equal(1, n)

	ok, err := sub.HasSamples()
	s.Require().Nil(err)
	s.Require().True(ok)

	reg.fail.Store(true)
	loan, err := pub.Loan()
	s.Require().Nil(err)
	n, err = loan.Send()
	s.Require().ErrorIs(err, ErrConnectionBroken)
	s.Require().ErrorIs(err, errRegistryDown)
	s.Require().Equal(0, n)
	stats := pub.PoolStats()
	s.Require().Equal(1, stats.Sent)
	s.Require().Equal(0, stats.Loaned)
	s.Require().Equal(stats.Slots-1, stats.Free)

	// already connected publishers keep delivering
	got, err := sub.Receive()
	s.Require().Nil(err)
	s.Require().NotNil(got)
	s.Require().Equal(uint64(1), got.Payload().Seq)
	got.Release()
	none, err := sub.Receive()
	s.Require().ErrorIs(err, ErrConnectionBroken)
	s.Require().Nil(none)
	_, err = sub.HasSamples()
	s.Require().ErrorIs(err, ErrConnectionBroken)

	reg.fail.Store(false)
	n, err = pub.SendCopy(position{Seq: 2})
	s.Require().Nil(err)
	s.Require().Equal(1, n)
	s.Require().Equal([]uint64{2}, s.receiveAll(sub))
	s.Require().Equal(stats.Slots, pub.PoolStats().Free)
	s.T().Logf("[END] TestRegistryFailureBreaksConnection")
}

func (s *PubSubTestSuite) TestUnreachablePublisherDoesNotBlockOthers() {
	s.T().Logf("[START] TestUnreachablePublisherDoesNotBlockOthers")
	svc := s.service("unreachable")
	sub := s.subscriber(svc, SubscriberConfig{})
	pub := s.publisher(svc, PublisherConfig{})
	n, err := pub.SendCopy(position{Seq: 1})
	s.Require().Nil(err)
	s.Require().Equal(1, n)

	// the memfd pool of an exited process is gone with its fd table
	s.Require().Nil(s.cfg.Registry.Register(s.ctx, api.Endpoint{
		Service:   svc.Name(),
		ID:        "exited",
		Kind:      api.KindPublisher,
		Signature: svc.Signature(),
		PID:       os.Getpid(),
		PoolPath:  "/proc/999999/fd/3",
		Created:   time.Now().UnixNano(),
	}))
	ring, err := s.cfg.Allocator.CreateRing(s.ctx, shm.RingSpec{Name: svc.ringName("exited", sub.ID()), Capacity: 2})
	s.Require().Nil(err)
	s.T().Cleanup(func() { _ = ring.Close(true) })

	got, err := sub.Receive()
	s.Require().Nil(err)
	s.Require().NotNil(got)
	s.Require().Equal(uint64(1), got.Payload().Seq)
	got.Release()

	none, err := sub.Receive()
	s.Require().ErrorIs(err, ErrConnectionBroken)
	s.Require().Nil(none)

	n, err = pub.SendCopy(position{Seq: 2})
	s.Require().Nil(err)
	s.Require().Equal(1, n)
	got, err = sub.Receive()
	s.Require().Nil(err)
	s.Require().NotNil(got)
	s.Require().Equal(uint64(2), got.Payload().Seq)
	got.Release()
	s.T().Logf("[END] TestUnreachablePublisherDoesNotBlockOthers")
}

func (s *PubSubTestSuite) TestReapUnlinksSegmentsOfExitedProcesses() {
	s.T().Logf("[START] TestReapUnlinksSegmentsOfExitedProcesses")
	svc := s.service("reap")
	sub := s.subscriber(svc, SubscriberConfig{})

	cmd := exec.Command("true")
	s.Require().Nil(cmd.Run())
	pid := cmd.Process.Pid

	pool, err := s.cfg.Allocator.AllocatePool(s.ctx, shm.PoolSpec{Name: svc.poolName("exited"), SlotCount: 1, PayloadSize: 8})
	s.Require().Nil(err)
	ring, err := s.cfg.Allocator.CreateRing(s.ctx, shm.RingSpec{Name: svc.ringName("exited", sub.ID()), Capacity: 1})
	s.Require().Nil(err)
	poolPath, ringPath := pool.Path(), ring.Path()
	s.Require().Nil(pool.Close(false))
	s.Require().Nil(ring.Close(false))
	s.Require().Nil(s.cfg.Registry.Register(s.ctx, api.Endpoint{
		Service:   svc.Name(),
		ID:        "exited",
		Kind:      api.KindPublisher,
		Signature: svc.Signature(),
		PID:       pid,
		PoolPath:  poolPath,
		Created:   time.Now().UnixNano(),
	}))

	dead, err := svc.Reap(s.ctx)
	s.Require().Nil(err)
	s.Require().Len(dead, 1)
	s.Require().Equal("exited", dead[0].ID)
	_, err = os.Stat(poolPath)
	s.Require().ErrorIs(err, os.ErrNotExist)
	_, err = os.Stat(ringPath)
	s.Require().ErrorIs(err, os.ErrNotExist)

	eps, err := svc.Endpoints(s.ctx, 0)
	s.Require().Nil(err)
	s.Require().Len(eps, 1)
	s.Require().Equal(sub.ID(), eps[0].ID)
	s.T().Logf("[END] TestReapUnlinksSegmentsOfExitedProcesses")
}

type receiveResult struct {
	received  int
	unordered int
	err       error
}

func (s *PubSubTestSuite) TestConcurrentPublishReceive() {
	s.T().Logf("[START] TestConcurrentPublishReceive")
	svc := s.service("concurrent")
	subs := []*Subscriber[position]{
		s.subscriber(svc, SubscriberConfig{QueueFullPolicy: DropOldest}),
		s.subscriber(svc, SubscriberConfig{QueueFullPolicy: RejectNewest}),
		s.subscriber(svc, SubscriberConfig{BufferSize: 1, QueueFullPolicy: DropOldest}),
	}
	pub := s.publisher(svc, PublisherConfig{})
	for _, sub := range subs {
		_, err := sub.HasSamples()
		s.Require().Nil(err)
	}

	const sends = 5000
	var (
		done    atomic.Bool
		wg      sync.WaitGroup
		results = make([]receiveResult, len(subs))
	)
	for i, sub := range subs {
		wg.Add(1)
		go func(res *receiveResult, sub *Subscriber[position]) {
			defer wg.Done()
			var last uint64
			for {
				finished := done.Load()
				sample, err := sub.Receive()
				if err != nil {
					res.err = err
					return
				}
				if sample == nil {
					if finished {
						return
					}
					runtime.Gosched()
					continue
				}
				if seq := sample.Payload().Seq; seq <= last {
					res.unordered++
				} else {
					last = seq
				}
				res.received++
				sample.Release()
			}
		}(&results[i], sub)
	}

	for i := uint64(1); i <= sends; i++ {
		for {
			_, err := pub.SendCopy(position{Seq: i})
			if errors.Is(err, ErrResourceExhaustion) {
				runtime.Gosched()
				continue
			}
			s.Require().Nil(err)
			break
		}
	}
	done.Store(true)
	wg.Wait()

	_, per := pub.DeliveryStats()
	for i, sub := range subs {
		res := results[i]
		s.Require().Nil(res.err)
		s.Require().Zero(res.unordered)
		st := per[sub.ID()]
		s.Require().Equal(int(st.Delivered-st.Dropped), res.received, "subscriber %d", i)
		s.Require().Positive(res.received)
	}
	s.Require().Equal(pub.PoolStats().Slots, pub.PoolStats().Free)
	s.T().Logf("[END] TestConcurrentPublishReceive")
}
