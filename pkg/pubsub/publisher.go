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

// Publisher loans slots of its own pool, lets the caller fill them in place and hands them
// to every connected subscriber.
type Publisher[T any] struct {
	svc  *Service[T]
	id   string
	cfg  PublisherConfig
	pool *shm.SlotPool

	mu           sync.Mutex
	conns        map[string]*connection
	order        []*connection
	version      uint64
	versionKnown bool
	loans        map[shm.SlotRef]*SampleMut[T]
	seq          uint64
	stats        DeliveryStats
	closed       bool
}

// NewPublisher creates a publisher with its slot pool and registers it.
func (s *Service[T]) NewPublisher(ctx context.Context, cfg PublisherConfig) (*Publisher[T], error) {
	cfg, err := cfg.resolve(s.cfg)
	if err != nil {
		return nil, err
	}
	id := uuid.New()
	p := &Publisher[T]{
		svc:   s,
		id:    id.String(),
		cfg:   cfg,
		conns: map[string]*connection{},
		loans: map[shm.SlotRef]*SampleMut[T]{},
	}
	size := s.info.size
	if size == 0 {
		size = 1
	}
	p.pool, err = s.alloc.AllocatePool(ctx, shm.PoolSpec{
		Name:           s.poolName(p.id),
		SlotCount:      uint32(cfg.SlotCount),
		PayloadSize:    uint32(size) * uint32(cfg.MaxSliceLen),
		PayloadAlign:   uint32(s.info.align),
		UserHeaderSize: uint32(s.userHeaderSize),
		OwnerID:        [16]byte(id),
	})
	if err != nil {
		return nil, err
	}
	err = s.reg.Register(ctx, api.Endpoint{
		Service:   s.name,
		ID:        p.id,
		Kind:      api.KindPublisher,
		Signature: s.info.signature,
		PID:       os.Getpid(),
		PoolPath:  p.pool.Path(),
		Created:   time.Now().UnixNano(),
	})
	if err != nil {
		_ = p.pool.Close(true)
		return nil, err
	}
	p.mu.Lock()
	if err := p.refreshLocked(ctx); err != nil {
		internalLogger.Warnf("publisher %s: initial connection update: %s", p.id, err.Error())
	}
	p.mu.Unlock()
	p.svc.inst.freeSlots(p.id, p.pool.FreeSlots())
	internalLogger.Infof("publisher %s on %s: %d slots of %d bytes", p.id, s.name, cfg.SlotCount, p.pool.PayloadSize())
	return p, nil
}

// ID returns the endpoint id.
func (p *Publisher[T]) ID() string { return p.id }

// PoolStats returns the slot states of the publisher's pool.
func (p *Publisher[T]) PoolStats() shm.PoolStats { return p.pool.Stats() }

// DeliveryStats returns the totals over all sends, and per connected subscriber.
func (p *Publisher[T]) DeliveryStats() (DeliveryStats, map[string]DeliveryStats) {
	p.mu.Lock()
	defer p.mu.Unlock()
	per := make(map[string]DeliveryStats, len(p.conns))
	for id, c := range p.conns {
		per[id] = c.stats
	}
	return p.stats, per
}

// Loan returns a sample with room for one T. The payload is zeroed only if the slot was
// never used; callers write every field they rely on.
func (p *Publisher[T]) Loan() (*SampleMut[T], error) {
	return p.loan(1)
}

// LoanSlice returns a sample with room for n elements of T.
func (p *Publisher[T]) LoanSlice(n int) (*SampleMut[T], error) {
	if n < 0 || n > p.cfg.MaxSliceLen {
		return nil, fmt.Errorf("%w: %d elements, max %d", ErrExceedsMaxLoanSize, n, p.cfg.MaxSliceLen)
	}
	return p.loan(n)
}

func (p *Publisher[T]) loan(n int) (*SampleMut[T], error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if len(p.loans) >= p.cfg.MaxLoans {
		p.svc.inst.loanFailed("max_loans")
		return nil, ErrExceedsMaxLoans
	}
	ref, err := p.pool.Acquire()
	if errors.Is(err, shm.ErrNoSpaceAvailable) {
		p.svc.inst.loanFailed("out_of_memory")
		return nil, ErrOutOfMemory
	}
	if err != nil {
		return nil, err
	}
	p.pool.SetPayloadLen(ref, uint64(n))
	s := &SampleMut[T]{pub: p, ref: ref, n: n}
	p.loans[ref] = s
	p.svc.inst.loaned()
	return s, nil
}

// SendCopy loans a sample, copies v into it and sends it.
func (p *Publisher[T]) SendCopy(v T) (int, error) {
	s, err := p.Loan()
	if err != nil {
		return 0, err
	}
	s.WritePayload(v)
	return s.Send()
}

// UpdateConnections connects to subscribers that appeared and drops the ones that left.
// Send does this on its own whenever the registry changed.
func (p *Publisher[T]) UpdateConnections() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.versionKnown = false
	return p.refreshLocked(context.Background())
}

// refreshLocked brings the connection set in line with the registered subscribers.
func (p *Publisher[T]) refreshLocked(ctx context.Context) error {
	reg := p.svc.reg
	v, err := reg.Version(ctx, p.svc.name)
	if err != nil {
		return err
	}
	if p.versionKnown && v == p.version {
		p.pruneClosedLocked()
		return nil
	}
	subs, err := reg.Resolve(ctx, p.svc.name, p.svc.info.signature, api.KindSubscriber)
	if err != nil {
		return err
	}
	complete := true
	seen := make(map[string]bool, len(subs))
	for _, sub := range subs {
		seen[sub.ID] = true
		if _, ok := p.conns[sub.ID]; ok {
			continue
		}
		ring, err := p.svc.alloc.CreateRing(ctx, shm.RingSpec{
			Name:     p.svc.ringName(p.id, sub.ID),
			Capacity: uint32(sub.BufferSize),
			Policy:   shm.OverflowPolicy(sub.QueueFullPolicy),
		})
		if err != nil {
			internalLogger.Warnf("publisher %s: connect to subscriber %s: %s", p.id, sub.ID, err.Error())
			complete = false
			continue
		}
		c := &connection{subscriber: sub, ring: ring}
		p.conns[sub.ID] = c
		p.order = append(p.order, c)
		internalLogger.Debugf("publisher %s connected to subscriber %s, buffer %d %s",
			p.id, sub.ID, sub.BufferSize, ring.Policy())
	}
	for id, c := range p.conns {
		if !seen[id] {
			p.disconnectLocked(c)
		}
	}
	p.pruneClosedLocked()
	p.version, p.versionKnown = v, complete
	return nil
}

func (p *Publisher[T]) pruneClosedLocked() {
	var gone []*connection
	for _, c := range p.order {
		if c.ring.SubscriberClosed() {
			gone = append(gone, c)
		}
	}
	for _, c := range gone {
		p.disconnectLocked(c)
	}
}

// disconnectLocked gives back the references still queued for a subscriber and removes
// the ring.
func (p *Publisher[T]) disconnectLocked(c *connection) {
	id := c.subscriber.ID
	if _, ok := p.conns[id]; !ok {
		return
	}
	delete(p.conns, id)
	for i, o := range p.order {
		if o == c {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	c.ring.MarkPublisherClosed()
	n := drain(p.pool, c.ring)
	if err := c.ring.Close(true); err != nil {
		internalLogger.Warnf("publisher %s: close ring of %s: %s", p.id, id, err.Error())
	}
	internalLogger.Debugf("publisher %s disconnected subscriber %s, %d queued samples returned", p.id, id, n)
}

func (p *Publisher[T]) send(s *SampleMut[T]) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.loans, s.ref)

	ctx, span := p.svc.inst.startSend(context.Background(), p.id)
	defer span.End()
	if err := p.refreshLocked(ctx); err != nil {
		// the publisher's reference is the only one, so the slot is free again
		p.pool.Unref(s.ref)
		span.RecordError(err)
		return 0, fmt.Errorf("%w: %w", ErrConnectionBroken, err)
	}

	p.seq++
	p.pool.SetSequence(s.ref, p.seq)
	p.pool.MarkSent(s.ref)
	var st DeliveryStats
	recipients := 0
	for _, c := range p.order {
		if c.ring.SubscriberClosed() {
			continue
		}
		p.pool.Retain(s.ref)
		var cst DeliveryStats
		if !deliver(p.pool, c.ring, s.ref, &cst) {
			if cst.Stalled > 0 {
				internalLogger.Warnf("publisher %s: queue of subscriber %s is stalled, sample %d skipped",
					p.id, c.subscriber.ID, p.seq)
			}
			c.stats.add(cst)
			st.add(cst)
			continue
		}
		c.stats.add(cst)
		st.add(cst)
		if c.ring.SubscriberClosed() {
			// the subscriber may have drained before this push landed
			drain(p.pool, c.ring)
			continue
		}
		recipients++
	}
	p.pruneClosedLocked()
	p.pool.Unref(s.ref)
	p.stats.add(st)
	p.svc.inst.sendDone(ctx, p.id, st, p.pool.FreeSlots())
	return recipients, nil
}

func (p *Publisher[T]) release(s *SampleMut[T]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.loans, s.ref)
	p.pool.Unref(s.ref)
}

// Close returns outstanding loans, disconnects every subscriber and removes the publisher's
// segments. Samples subscribers already received stay valid until they release them.
// Samples still on loan become unusable.
func (p *Publisher[T]) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for ref, s := range p.loans {
		s.consumed = true
		p.pool.Unref(ref)
		delete(p.loans, ref)
	}
	for _, c := range p.order {
		// queued samples stay for the subscriber to read
		c.ring.MarkPublisherClosed()
		if err := c.ring.Close(true); err != nil {
			internalLogger.Warnf("publisher %s: close ring of %s: %s", p.id, c.subscriber.ID, err.Error())
		}
	}
	p.conns, p.order = nil, nil
	err := p.svc.reg.Deregister(context.Background(), p.svc.name, p.id)
	p.pool.Segment().MarkClosed()
	if cerr := p.pool.Close(true); cerr != nil && err == nil {
		err = cerr
	}
	internalLogger.Infof("publisher %s on %s closed", p.id, p.svc.name)
	return err
}
