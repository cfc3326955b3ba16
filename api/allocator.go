package api

import (
	"context"

	"github.com/srediag/shm-pubsub/pkg/shm"
)

// Allocator yields fixed-size slot pools and connection rings in shared memory.
type Allocator interface {
	AllocatePool(ctx context.Context, spec shm.PoolSpec) (*shm.SlotPool, error)
	OpenPool(ctx context.Context, path string) (*shm.SlotPool, error)
	CreateRing(ctx context.Context, spec shm.RingSpec) (*shm.Ring, error)
	OpenRing(ctx context.Context, path string) (*shm.Ring, error)
	// RingPath is the path CreateRing gives a ring named name.
	RingPath(name string) string
	Unlink(path string) error
}

var _ Allocator = (*shm.Allocator)(nil)
