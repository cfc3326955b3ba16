package shm

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	internalshm "github.com/srediag/shm-pubsub/internal/shm"
)

// MemMapType selects how segments are backed.
type MemMapType = internalshm.MemMapType

const (
	// MemMapTypeDevShmFile backs segments with files under the allocator directory.
	MemMapTypeDevShmFile = internalshm.MemMapTypeDevShmFile
	// MemMapTypeMemFd backs pools with anonymous memfd files, reachable through /proc.
	MemMapTypeMemFd = internalshm.MemMapTypeMemFd
)

// AllocatorConfig configures where segments live.
type AllocatorConfig struct {
	// Dir holds file-backed segments; defaults to /dev/shm.
	Dir string
	// MapType selects file-backed or memfd segments.
	MapType internalshm.MemMapType
	// ReadyTimeout bounds waiting for a segment creator; defaults to DefaultReadyTimeout.
	ReadyTimeout time.Duration
}

// Allocator creates and maps slot pools and rings.
type Allocator struct {
	cfg AllocatorConfig
}

// NewAllocator returns an Allocator for cfg.
func NewAllocator(cfg AllocatorConfig) *Allocator {
	if cfg.Dir == "" {
		cfg.Dir = internalshm.DefaultDir
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	return &Allocator{cfg: cfg}
}

// Dir returns the directory file-backed segments are created in.
func (a *Allocator) Dir() string { return a.cfg.Dir }

func (a *Allocator) createOptions(name string) CreateSegmentOptions {
	return CreateSegmentOptions{Name: name, Dir: a.cfg.Dir, MapType: a.cfg.MapType}
}

func (a *Allocator) openOptions(path string, kind SegmentKind) OpenSegmentOptions {
	return OpenSegmentOptions{Path: path, MapType: a.cfg.MapType, Kind: kind, ReadyTimeout: a.cfg.ReadyTimeout}
}

// AllocatePool creates a pool of spec.SlotCount slots of spec.PayloadSize bytes.
func (a *Allocator) AllocatePool(ctx context.Context, spec PoolSpec) (*SlotPool, error) {
	p, err := newSlotPool(ctx, spec, a.createOptions(spec.Name))
	if err != nil {
		return nil, fmt.Errorf("allocate pool %s: %w", spec.Name, err)
	}
	return p, nil
}

// OpenPool maps the pool another endpoint created at path.
func (a *Allocator) OpenPool(ctx context.Context, path string) (*SlotPool, error) {
	seg, err := OpenSegment(ctx, a.openOptions(path, KindPool))
	if err != nil {
		return nil, err
	}
	p, err := mapSlotPool(seg)
	if err != nil {
		_ = seg.Close(false)
		return nil, err
	}
	return p, nil
}

// CreateRing creates a ring holding up to spec.Capacity entries.
func (a *Allocator) CreateRing(ctx context.Context, spec RingSpec) (*Ring, error) {
	opts := a.createOptions(spec.Name)
	opts.MapType = internalshm.MemMapTypeDevShmFile
	r, err := newRing(ctx, spec, opts)
	if err != nil {
		return nil, fmt.Errorf("create ring %s: %w", spec.Name, err)
	}
	return r, nil
}

// OpenRing maps the ring another endpoint created at path.
func (a *Allocator) OpenRing(ctx context.Context, path string) (*Ring, error) {
	opts := a.openOptions(path, KindRing)
	opts.MapType = internalshm.MemMapTypeDevShmFile
	seg, err := OpenSegment(ctx, opts)
	if err != nil {
		return nil, err
	}
	r, err := mapRing(seg)
	if err != nil {
		_ = seg.Close(false)
		return nil, err
	}
	return r, nil
}

// RingPath returns the path a ring named name gets from this allocator. Rings are always
// file-backed so both sides can derive the path from the endpoint ids.
func (a *Allocator) RingPath(name string) string {
	return filepath.Join(a.cfg.Dir, name)
}

// Unlink removes the file-backed segment at path. Memfd paths vanish with their creator.
func (a *Allocator) Unlink(path string) error {
	if strings.HasPrefix(path, "/proc/") {
		return nil
	}
	return internalshm.Unlink(path)
}
