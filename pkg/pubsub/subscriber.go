package pubsub

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/srediag/shm-pubsub/api"
	"github.com/srediag/shm-pubsub/pkg/shm"
)

// inbound is the subscriber side of one publisher to subscriber ring.
type inbound struct {
	publisher api.Endpoint
	ring      *shm.Ring
	pool      *shm.SlotPool
	// gone is set once the publisher left the registry
	gone     bool
	borrowed int
	// detached connections only wait for their borrowed samples before unmapping the pool
	detached bool
}

// Subscriber drains the rings publishers fill for it. Receive never blocks.
type Subscriber[T any] struct {
	svc *Service[T]
	id  string
	cfg SubscriberConfig

	mu           sync.Mutex
	conns        []*inbound
	byPublisher  map[string]*inbound
	pending      map[string]api.Endpoint
	unreachable  map[string]bool
	version      uint64
	versionKnown bool
	next         int
	borrowed     int
	closed       bool
}

// NewSubscriber creates and registers a subscriber.
func (s *Service[T]) NewSubscriber(ctx context.Context, cfg SubscriberConfig) (*Subscriber[T], error) {
	cfg, err := cfg.resolve(s.cfg)
	if err != nil {
		return nil, err
	}
	sub := &Subscriber[T]{
		svc:         s,
		id:          uuid.NewString(),
		cfg:         cfg,
		byPublisher: map[string]*inbound{},
		pending:     map[string]api.Endpoint{},
		unreachable: map[string]bool{},
	}
	err = s.reg.Register(ctx, api.Endpoint{
		Service:         s.name,
		ID:              sub.id,
		Kind:            api.KindSubscriber,
		Signature:       s.info.signature,
		PID:             os.Getpid(),
		BufferSize:      cfg.BufferSize,
		QueueFullPolicy: uint32(cfg.QueueFullPolicy),
		Created:         time.Now().UnixNano(),
	})
	if err != nil {
		return nil, err
	}
	internalLogger.Infof("subscriber %s on %s: buffer %d %s", sub.id, s.name, cfg.BufferSize, cfg.QueueFullPolicy)
	return sub, nil
}

// ID returns the endpoint id.
func (s *Subscriber[T]) ID() string { return s.id }

// BufferSize returns the receive queue capacity per publisher.
func (s *Subscriber[T]) BufferSize() int { return s.cfg.BufferSize }

// QueueFullPolicy returns what publishers do when this subscriber's queue is full.
func (s *Subscriber[T]) QueueFullPolicy() QueueFullPolicy { return s.cfg.QueueFullPolicy }

// MaxBorrowedSamples returns how many samples may be held before Receive refuses more.
func (s *Subscriber[T]) MaxBorrowedSamples() int { return s.cfg.MaxBorrowedSamples }

// HasSamples reports whether a Receive would return a sample.
func (s *Subscriber[T]) HasSamples() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	err := s.refreshLocked(context.Background())
	for _, c := range s.conns {
		if c.ring.Len() > 0 {
			return true, nil
		}
	}
	return false, err
}

// Receive returns the oldest sample of the next publisher with queued samples, taking
// publishers in turn. It returns nil, nil when nothing is queued. When some publishers
// cannot be reached, the connected ones are still served and ErrConnectionBroken is only
// returned with no sample.
func (s *Subscriber[T]) Receive() (*Sample[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.borrowed >= s.cfg.MaxBorrowedSamples {
		return nil, ErrExceedsMaxBorrowedSamples
	}
	// connected publishers are served even while others cannot be reached
	refreshErr := s.refreshLocked(context.Background())
	n := len(s.conns)
	for i := 0; i < n; i++ {
		c := s.conns[(s.next+i)%n]
		v, ok := c.ring.Pop()
		if !ok {
			continue
		}
		s.next = (s.next + i + 1) % n
		ref := shm.UnpackSlotRef(v)
		c.borrowed++
		s.borrowed++
		s.svc.inst.receivedOne()
		return &Sample[T]{
			sub:  s,
			conn: c,
			ref:  ref,
			header: Header{
				PublisherID: c.publisher.ID,
				Sequence:    c.pool.Sequence(ref),
				PayloadLen:  c.pool.PayloadLen(ref),
			},
		}, nil
	}
	s.pruneLocked()
	return nil, refreshErr
}

// refreshLocked follows the registered publishers and maps the rings they created for
// this subscriber. A publisher creates the ring once it notices the subscriber, so a
// publisher without a ring is retried on the next call.
func (s *Subscriber[T]) refreshLocked(ctx context.Context) error {
	reg := s.svc.reg
	v, err := reg.Version(ctx, s.svc.name)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionBroken, err)
	}
	if !s.versionKnown || v != s.version {
		pubs, err := reg.Resolve(ctx, s.svc.name, s.svc.info.signature, api.KindPublisher)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrConnectionBroken, err)
		}
		listed := make(map[string]bool, len(pubs))
		for _, ep := range pubs {
			listed[ep.ID] = true
			if _, ok := s.byPublisher[ep.ID]; !ok {
				s.pending[ep.ID] = ep
			}
		}
		for id := range s.pending {
			if !listed[id] {
				delete(s.pending, id)
				delete(s.unreachable, id)
			}
		}
		for id, c := range s.byPublisher {
			c.gone = !listed[id]
		}
		s.version, s.versionKnown = v, true
	}
	var errs []error
	for id, ep := range s.pending {
		c, err := s.connect(ctx, ep)
		if err != nil {
			if !s.unreachable[id] {
				s.unreachable[id] = true
				internalLogger.Warnf("subscriber %s: %s", s.id, err.Error())
			}
			errs = append(errs, err)
			continue
		}
		if c == nil {
			continue
		}
		delete(s.pending, id)
		delete(s.unreachable, id)
		s.byPublisher[id] = c
		s.conns = append(s.conns, c)
	}
	return errors.Join(errs...)
}

// connect maps the ring and the pool of publisher ep. It returns nil, nil while the
// publisher has not created the ring yet.
func (s *Subscriber[T]) connect(ctx context.Context, ep api.Endpoint) (*inbound, error) {
	alloc := s.svc.alloc
	ring, err := alloc.OpenRing(ctx, alloc.RingPath(s.svc.ringName(ep.ID, s.id)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: ring of publisher %s: %w", ErrConnectionBroken, ep.ID, err)
	}
	pool, err := alloc.OpenPool(ctx, ep.PoolPath)
	if err != nil {
		_ = ring.Close(false)
		return nil, fmt.Errorf("%w: pool of publisher %s: %w", ErrConnectionBroken, ep.ID, err)
	}
	if uintptr(pool.PayloadSize()) < s.svc.info.size || pool.UserHeaderSize() != s.svc.userHeaderSize {
		_ = ring.Close(false)
		_ = pool.Close(false)
		return nil, fmt.Errorf("%w: pool of publisher %s has %d byte slots", ErrIncompatibleTypes, ep.ID, pool.PayloadSize())
	}
	internalLogger.Debugf("subscriber %s connected to publisher %s", s.id, ep.ID)
	return &inbound{publisher: ep, ring: ring, pool: pool}, nil
}

// pruneLocked detaches empty connections of publishers that left.
func (s *Subscriber[T]) pruneLocked() {
	kept := s.conns[:0]
	for _, c := range s.conns {
		// no pushes follow the closed flag, so an empty ring stays empty
		if (c.gone || c.ring.PublisherClosed()) && c.ring.Len() == 0 {
			s.detachLocked(c)
			continue
		}
		kept = append(kept, c)
	}
	for i := len(kept); i < len(s.conns); i++ {
		s.conns[i] = nil
	}
	s.conns = kept
	if s.next >= len(s.conns) {
		s.next = 0
	}
}

func (s *Subscriber[T]) detachLocked(c *inbound) {
	delete(s.byPublisher, c.publisher.ID)
	_ = c.ring.Close(false)
	c.detached = true
	if c.borrowed == 0 {
		_ = c.pool.Close(false)
	}
	internalLogger.Debugf("subscriber %s detached from publisher %s", s.id, c.publisher.ID)
}

func (s *Subscriber[T]) release(sample *Sample[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := sample.conn
	c.pool.Unref(sample.ref)
	c.borrowed--
	s.borrowed--
	if c.detached && c.borrowed == 0 {
		_ = c.pool.Close(false)
	}
}

// Close stops deliveries to the subscriber, returns every queued reference and
// deregisters. Samples already received stay valid until released.
func (s *Subscriber[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, c := range s.conns {
		c.ring.MarkSubscriberClosed()
		n := drain(c.pool, c.ring)
		if n > 0 {
			internalLogger.Debugf("subscriber %s returned %d unread samples of %s", s.id, n, c.publisher.ID)
		}
		s.detachLocked(c)
	}
	s.conns = nil
	s.pending = nil
	err := s.svc.reg.Deregister(context.Background(), s.svc.name, s.id)
	internalLogger.Infof("subscriber %s on %s closed", s.id, s.svc.name)
	return err
}
