package node

import (
	"context"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/shm-pubsub/api"
)

func newNode(t *testing.T, cfg Config) *Node {
	t.Helper()
	n, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func TestWaitTicks(t *testing.T) {
	n := newNode(t, Config{})

	start := time.Now()
	ev, err := n.Wait(20 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, api.EventTick, ev)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)

	ev, err = n.Wait(0)
	require.NoError(t, err)
	assert.Equal(t, api.EventTick, ev)
}

func TestTerminateWakesWaiter(t *testing.T) {
	n := newNode(t, Config{})

	go func() {
		time.Sleep(10 * time.Millisecond)
		n.Terminate()
	}()
	start := time.Now()
	ev, err := n.Wait(10 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, api.EventTerminate, ev)
	assert.Less(t, time.Since(start), 5*time.Second)

	// sticky
	ev, err = n.Wait(time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, api.EventTerminate, ev)
	assert.True(t, n.Terminated())

	n.Terminate()
	ev, _ = n.Wait(0)
	assert.Equal(t, api.EventTerminate, ev)
}

func TestSignalTerminates(t *testing.T) {
	n := newNode(t, Config{HandleSignals: true})

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))
	ev, err := n.Wait(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, api.EventTerminate, ev)
}

func TestWaitAfterClose(t *testing.T) {
	n := newNode(t, Config{})
	require.NoError(t, n.Close())
	require.NoError(t, n.Close())

	ev, err := n.Wait(time.Millisecond)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, api.EventTerminate, ev)
}

func TestSpinRunsHandlersUntilTerminated(t *testing.T) {
	n := newNode(t, Config{Workers: 2})

	var a, b atomic.Int32
	err := n.Spin(context.Background(), time.Millisecond,
		func(context.Context) { a.Add(1) },
		func(context.Context) {
			if b.Add(1) == 3 {
				n.Terminate()
			}
		},
	)
	require.NoError(t, err)
	assert.Equal(t, int32(3), b.Load())
	assert.Equal(t, b.Load(), a.Load())
}

func TestSpinStopsOnContext(t *testing.T) {
	n := newNode(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	var ticks atomic.Int32
	err := n.Spin(ctx, time.Millisecond, func(context.Context) {
		if ticks.Add(1) == 2 {
			cancel()
		}
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(2), ticks.Load())
	assert.False(t, n.Terminated())
}

func TestZeroWaitNeverBlocks(t *testing.T) {
	n := newNode(t, Config{})

	done := make(chan struct{})
	var terminated atomic.Int32
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 2000; i++ {
					ev, err := n.Wait(0)
					if err != nil {
						return
					}
					if ev == api.EventTerminate {
						terminated.Add(1)
						return
					}
				}
			}()
		}
		n.Terminate()
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("zero-length waits blocked")
	}
	assert.True(t, n.Terminated())
	assert.LessOrEqual(t, terminated.Load(), int32(8))
}
