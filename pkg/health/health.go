// Package health exposes liveness and readiness of pub/sub endpoints over HTTP.
//
// A Checker is an http.Handler serving /live and /ready. Readiness fails while a watched
// pool has no free slot; liveness fails once a watched endpoint stops calling Heartbeat for
// longer than the heartbeat timeout. With a prometheus.Registerer every check is also
// exported as a <namespace>_healthcheck_status gauge.
package health

import (
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/heptiolabs/healthcheck"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/shm-pubsub/pkg/shm"
)

const (
	// DefaultHeartbeatTimeout is used when Config.HeartbeatTimeout is zero.
	DefaultHeartbeatTimeout = 5 * time.Second
	// DefaultCheckTimeout is used when Config.CheckTimeout is zero.
	DefaultCheckTimeout = time.Second
)

var (
	// ErrPoolExhausted fails readiness of a pool without free slots.
	ErrPoolExhausted = errors.New("pool has no free slot")
	// ErrHeartbeatMissing fails liveness of an endpoint silent for too long.
	ErrHeartbeatMissing = errors.New("heartbeat missing")
	// ErrNotWatched is returned by LivenessCheck for ids never passed to Watch.
	ErrNotWatched = errors.New("endpoint not watched")
)

// PoolSource is anything with a slot pool, such as a publisher.
type PoolSource interface {
	PoolStats() shm.PoolStats
}

// Config configures a Checker.
type Config struct {
	// Registerer receives one status gauge per check. nil disables metrics.
	Registerer prometheus.Registerer
	Namespace  string
	// HeartbeatTimeout is how long a watched endpoint may stay silent.
	HeartbeatTimeout time.Duration
	// CheckTimeout bounds a single check evaluation.
	CheckTimeout time.Duration
	// MaxGoroutines adds a goroutine count liveness check when > 0.
	MaxGoroutines int
}

// Checker tracks heartbeats and pool readiness.
type Checker struct {
	handler      healthcheck.Handler
	timeout      time.Duration
	checkTimeout time.Duration
	beats        cmap.ConcurrentMap[string, *atomic.Int64]
	now          func() time.Time
}

// New returns a Checker with no checks except the optional goroutine limit.
func New(cfg Config) *Checker {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = DefaultCheckTimeout
	}
	var h healthcheck.Handler
	if cfg.Registerer != nil {
		h = healthcheck.NewMetricsHandler(cfg.Registerer, cfg.Namespace)
	} else {
		h = healthcheck.NewHandler()
	}
	if cfg.MaxGoroutines > 0 {
		h.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(cfg.MaxGoroutines))
	}
	return &Checker{
		handler:      h,
		timeout:      cfg.HeartbeatTimeout,
		checkTimeout: cfg.CheckTimeout,
		beats:        cmap.New[*atomic.Int64](),
		now:          time.Now,
	}
}

// ServeHTTP serves /live and /ready; append ?full=1 for per-check results.
func (c *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.handler.ServeHTTP(w, r)
}

// AddPool makes readiness depend on src having at least one free slot.
// Names must be unique per Checker.
func (c *Checker) AddPool(name string, src PoolSource) {
	c.handler.AddReadinessCheck("pool-"+name, healthcheck.Timeout(func() error {
		st := src.PoolStats()
		if st.Free == 0 {
			return fmt.Errorf("%w: %d loaned, %d sent", ErrPoolExhausted, st.Loaned, st.Sent)
		}
		return nil
	}, c.checkTimeout))
}

// Watch starts liveness tracking for id and records a first heartbeat.
// Watching the same id twice only refreshes its heartbeat.
func (c *Checker) Watch(id string) {
	b := new(atomic.Int64)
	b.Store(c.now().UnixNano())
	if !c.beats.SetIfAbsent(id, b) {
		c.Heartbeat(id)
		return
	}
	c.handler.AddLivenessCheck("heartbeat-"+id, func() error {
		err := c.LivenessCheck(id)
		if errors.Is(err, ErrNotWatched) {
			return nil
		}
		return err
	})
}

// Forget stops liveness tracking for id. Its check keeps reporting healthy.
func (c *Checker) Forget(id string) {
	c.beats.Remove(id)
}

// Heartbeat records that id is alive now. Unwatched ids are ignored.
func (c *Checker) Heartbeat(id string) {
	if b, ok := c.beats.Get(id); ok {
		b.Store(c.now().UnixNano())
	}
}

// LivenessCheck returns nil while id's last heartbeat is within the timeout.
func (c *Checker) LivenessCheck(id string) error {
	b, ok := c.beats.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotWatched, id)
	}
	if age := c.now().Sub(time.Unix(0, b.Load())); age > c.timeout {
		return fmt.Errorf("%w: %s silent for %s", ErrHeartbeatMissing, id, age.Truncate(time.Millisecond))
	}
	return nil
}
