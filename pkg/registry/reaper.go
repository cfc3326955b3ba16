package registry

import (
	"context"
	"os"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/srediag/shm-pubsub/api"
)

// DefaultReaperWorkers bounds concurrent liveness checks.
const DefaultReaperWorkers = 8

// ReaperConfig configures a Reaper.
type ReaperConfig struct {
	Workers int
	// OnDead is called for every endpoint removed, after it was deregistered.
	OnDead func(ep api.Endpoint)
	// Alive reports whether pid still runs; defaults to a process table lookup.
	Alive func(ctx context.Context, pid int) (bool, error)
}

// Reaper deregisters endpoints whose owning process has exited. It cannot give back slots
// a dead process still referenced; those stay occupied until the pool is recreated.
type Reaper struct {
	reg    api.Registry
	pool   *ants.Pool
	onDead func(ep api.Endpoint)
	alive  func(ctx context.Context, pid int) (bool, error)
}

// NewReaper returns a Reaper working on reg.
func NewReaper(reg api.Registry, cfg ReaperConfig) (*Reaper, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultReaperWorkers
	}
	if cfg.Alive == nil {
		cfg.Alive = pidExists
	}
	pool, err := ants.NewPool(cfg.Workers)
	if err != nil {
		return nil, err
	}
	return &Reaper{reg: reg, pool: pool, onDead: cfg.OnDead, alive: cfg.Alive}, nil
}

func pidExists(ctx context.Context, pid int) (bool, error) {
	return process.PidExistsWithContext(ctx, int32(pid))
}

// Reap checks every endpoint of service and returns the ones it removed. If a check cannot
// be scheduled it stops there, waits for the checks already running and returns their
// result with the error.
func (r *Reaper) Reap(ctx context.Context, service string) ([]api.Endpoint, error) {
	eps, err := r.reg.Resolve(ctx, service, "", 0)
	if err != nil {
		return nil, err
	}
	self := os.Getpid()
	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		dead      []api.Endpoint
		submitErr error
	)
	for _, ep := range eps {
		if ep.PID == self || ep.PID <= 0 {
			continue
		}
		ep := ep
		wg.Add(1)
		err := r.pool.Submit(func() {
			defer wg.Done()
			ok, err := r.alive(ctx, ep.PID)
			if err != nil {
				internalLogger.Warnf("liveness of pid %d: %s", ep.PID, err.Error())
				return
			}
			if ok {
				return
			}
			if err := r.reg.Deregister(ctx, service, ep.ID); err != nil {
				internalLogger.Warnf("deregister dead %s %s: %s", ep.Kind, ep.ID, err.Error())
				return
			}
			internalLogger.Infof("reaped %s %s of exited pid %d", ep.Kind, ep.ID, ep.PID)
			mu.Lock()
			dead = append(dead, ep)
			mu.Unlock()
		})
		if err != nil {
			wg.Done()
			submitErr = err
			break
		}
	}
	wg.Wait()
	sortEndpoints(dead)
	if r.onDead != nil {
		for _, ep := range dead {
			r.onDead(ep)
		}
	}
	return dead, submitErr
}

// Close releases the worker pool.
func (r *Reaper) Close() {
	r.pool.Release()
}
