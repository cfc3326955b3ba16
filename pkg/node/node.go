package node

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/panjf2000/ants/v2"

	"github.com/srediag/shm-pubsub/api"
	"github.com/srediag/shm-pubsub/internal/logger"
)

var internalLogger = logger.New("node", nil)

// ErrClosed is returned by Wait and Spin after Close.
var ErrClosed = errors.New("node closed")

const (
	// DefaultWorkers bounds concurrent tick handlers in Spin.
	DefaultWorkers = 4
	eventQueueHint = 8
	// minPoll stands in for a zero cycle; Poll without timeout would block.
	minPoll = time.Microsecond
)

// Config configures a Node.
type Config struct {
	// HandleSignals turns SIGINT and SIGTERM into a termination request.
	HandleSignals bool
	// Workers bounds the handlers Spin runs at once. 0 means DefaultWorkers.
	Workers int
}

// Handler is run by Spin once per tick.
type Handler func(ctx context.Context)

// Node wakes a cooperative loop every cycle and carries termination requests.
type Node struct {
	events     *queue.Queue
	pool       *ants.Pool
	sigs       chan os.Signal
	done       chan struct{}
	terminated atomic.Bool
	closed     atomic.Bool
	closeOnce  sync.Once
}

var _ api.Waiter = (*Node)(nil)

// New returns a Node. Close must be called to stop signal delivery.
func New(cfg Config) (*Node, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	pool, err := ants.NewPool(cfg.Workers)
	if err != nil {
		return nil, err
	}
	n := &Node{
		events: queue.New(eventQueueHint),
		pool:   pool,
		done:   make(chan struct{}),
	}
	if cfg.HandleSignals {
		n.sigs = make(chan os.Signal, 1)
		signal.Notify(n.sigs, syscall.SIGINT, syscall.SIGTERM)
		go n.watchSignals()
	}
	return n, nil
}

func (n *Node) watchSignals() {
	select {
	case sig := <-n.sigs:
		internalLogger.Infof("received %s, terminating", sig.String())
		n.Terminate()
	case <-n.done:
	}
}

// Terminate asks every current and future Wait to return api.EventTerminate.
func (n *Node) Terminate() {
	if n.terminated.Swap(true) {
		return
	}
	if err := n.events.Put(api.EventTerminate); err != nil && !errors.Is(err, queue.ErrDisposed) {
		internalLogger.Warnf("queue terminate event: %s", err.Error())
	}
}

// Terminated reports whether termination was requested.
func (n *Node) Terminated() bool { return n.terminated.Load() }

// Wait blocks for at most d. It returns api.EventTick when d elapsed and
// api.EventTerminate once termination was requested. d <= 0 polls without blocking.
func (n *Node) Wait(d time.Duration) (api.Event, error) {
	if n.closed.Load() {
		return api.EventTerminate, ErrClosed
	}
	if n.terminated.Load() {
		return api.EventTerminate, nil
	}
	if d <= 0 {
		d = minPoll
	}
	items, err := n.events.Poll(1, d)
	switch {
	case errors.Is(err, queue.ErrTimeout):
		return api.EventTick, nil
	case errors.Is(err, queue.ErrDisposed):
		return api.EventTerminate, ErrClosed
	case err != nil:
		return api.EventTerminate, err
	}
	for _, it := range items {
		if ev, ok := it.(api.Event); ok && ev == api.EventTerminate {
			return api.EventTerminate, nil
		}
	}
	return api.EventTick, nil
}

// Spin calls every handler once per cycle of length d until termination is requested or
// ctx is done. Handlers of one cycle run concurrently and the next cycle starts after
// all of them returned. A cancelled context is noticed at the next wake-up.
func (n *Node) Spin(ctx context.Context, d time.Duration, handlers ...Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ev, err := n.Wait(d)
		if err != nil {
			return err
		}
		if ev == api.EventTerminate {
			return nil
		}
		if err := n.dispatch(ctx, handlers); err != nil {
			return err
		}
	}
}

func (n *Node) dispatch(ctx context.Context, handlers []Handler) error {
	var wg sync.WaitGroup
	for _, h := range handlers {
		h := h
		wg.Add(1)
		if err := n.pool.Submit(func() {
			defer wg.Done()
			h(ctx)
		}); err != nil {
			wg.Done()
			wg.Wait()
			return err
		}
	}
	wg.Wait()
	return nil
}

// Close stops signal handling and releases the handler pool. Blocked Waits return ErrClosed.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		n.closed.Store(true)
		if n.sigs != nil {
			signal.Stop(n.sigs)
		}
		close(n.done)
		n.events.Dispose()
		n.pool.Release()
	})
	return nil
}
