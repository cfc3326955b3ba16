package pubsub

import (
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/shm-pubsub/api"
	"github.com/srediag/shm-pubsub/pkg/shm"
)

const (
	defaultMaxPublishers                = 2
	defaultMaxSubscribers               = 8
	defaultSubscriberMaxBufferSize      = 2
	defaultSubscriberMaxBorrowedSamples = 2
	defaultPublisherMaxLoans            = 2
	maxUserHeaderSize                   = 4096
	maxServiceNameLen                   = 255
)

// QueueFullPolicy decides what a publisher does when a subscriber's buffer is full.
type QueueFullPolicy = shm.OverflowPolicy

const (
	// DropOldest evicts the oldest queued sample of that subscriber to make room.
	DropOldest = shm.OverflowDropOldest
	// RejectNewest skips that subscriber for the new sample and keeps its queue as is.
	RejectNewest = shm.OverflowRejectNewest
)

// Config is used to open or create a service.
type Config struct {
	// MaxPublishers and MaxSubscribers bound the endpoints of the service.
	MaxPublishers  int
	MaxSubscribers int
	// SubscriberMaxBufferSize is the largest receive queue a subscriber may ask for.
	SubscriberMaxBufferSize int
	// SubscriberMaxBorrowedSamples bounds samples a subscriber holds before releasing them.
	SubscriberMaxBorrowedSamples int
	// PublisherMaxLoans bounds loaned, unsent samples per publisher.
	PublisherMaxLoans int
	// UserHeaderSize reserves a per-sample header next to the payload, in bytes.
	UserHeaderSize int

	// The settings above are fixed by the creator of a service; openers get the stored ones.
	// The collaborators below are process local.

	// Registry finds endpoints; defaults to a registry.Dir under /dev/shm.
	Registry api.Registry
	// Allocator maps slot pools and rings; defaults to shm.NewAllocator with /dev/shm.
	Allocator api.Allocator
	// Metrics exports Prometheus collectors when set.
	Metrics *Metrics
	// Meter and Tracer default to no-op implementations.
	Meter  metric.Meter
	Tracer trace.Tracer
}

// DefaultConfig returns the default service configuration.
func DefaultConfig() Config {
	return Config{
		MaxPublishers:                defaultMaxPublishers,
		MaxSubscribers:               defaultMaxSubscribers,
		SubscriberMaxBufferSize:      defaultSubscriberMaxBufferSize,
		SubscriberMaxBorrowedSamples: defaultSubscriberMaxBorrowedSamples,
		PublisherMaxLoans:            defaultPublisherMaxLoans,
	}
}

// VerifyConfig validates a service configuration.
func VerifyConfig(cfg Config) error {
	if cfg.MaxPublishers < 1 {
		return errors.New("MaxPublishers must be at least 1")
	}
	if cfg.MaxSubscribers < 1 {
		return errors.New("MaxSubscribers must be at least 1")
	}
	if cfg.SubscriberMaxBufferSize < 1 {
		return errors.New("SubscriberMaxBufferSize must be at least 1")
	}
	if cfg.SubscriberMaxBorrowedSamples < 1 {
		return errors.New("SubscriberMaxBorrowedSamples must be at least 1")
	}
	if cfg.PublisherMaxLoans < 1 {
		return errors.New("PublisherMaxLoans must be at least 1")
	}
	if cfg.UserHeaderSize < 0 || cfg.UserHeaderSize > maxUserHeaderSize {
		return fmt.Errorf("UserHeaderSize must be within [0,%d], got %d", maxUserHeaderSize, cfg.UserHeaderSize)
	}
	return nil
}

// PublisherConfig configures one publisher. Zero values take the service defaults.
type PublisherConfig struct {
	// MaxLoans bounds loaned, unsent samples; at most the service's PublisherMaxLoans.
	MaxLoans int
	// MaxSliceLen is the element capacity of each sample for LoanSlice; defaults to 1.
	MaxSliceLen int
	// SlotCount sizes the slot pool. Zero derives the count that can never run out while
	// every subscriber keeps a full buffer and its borrowed samples.
	SlotCount int
}

// SubscriberConfig configures one subscriber. Zero values take the service defaults.
type SubscriberConfig struct {
	// BufferSize is the receive queue capacity; at most the service's SubscriberMaxBufferSize.
	BufferSize int
	// QueueFullPolicy applies when a publisher finds the queue full; DropOldest by default.
	QueueFullPolicy QueueFullPolicy
	// MaxBorrowedSamples bounds unreleased samples; at most SubscriberMaxBorrowedSamples.
	MaxBorrowedSamples int
}

func (c PublisherConfig) resolve(svc api.ServiceConfig) (PublisherConfig, error) {
	if c.MaxLoans == 0 {
		c.MaxLoans = svc.PublisherMaxLoans
	}
	if c.MaxLoans < 1 || c.MaxLoans > svc.PublisherMaxLoans {
		return c, fmt.Errorf("MaxLoans must be within [1,%d], got %d", svc.PublisherMaxLoans, c.MaxLoans)
	}
	if c.MaxSliceLen == 0 {
		c.MaxSliceLen = 1
	}
	if c.MaxSliceLen < 1 {
		return c, fmt.Errorf("MaxSliceLen must be positive, got %d", c.MaxSliceLen)
	}
	if c.SlotCount == 0 {
		c.SlotCount = svc.MaxSubscribers*(svc.SubscriberMaxBufferSize+svc.SubscriberMaxBorrowedSamples) + c.MaxLoans
	}
	if c.SlotCount < 1 {
		return c, fmt.Errorf("SlotCount must be positive, got %d", c.SlotCount)
	}
	return c, nil
}

func (c SubscriberConfig) resolve(svc api.ServiceConfig) (SubscriberConfig, error) {
	if c.BufferSize == 0 {
		c.BufferSize = svc.SubscriberMaxBufferSize
	}
	if c.BufferSize < 1 || c.BufferSize > svc.SubscriberMaxBufferSize {
		return c, fmt.Errorf("BufferSize must be within [1,%d], got %d", svc.SubscriberMaxBufferSize, c.BufferSize)
	}
	if c.QueueFullPolicy != DropOldest && c.QueueFullPolicy != RejectNewest {
		return c, fmt.Errorf("unknown QueueFullPolicy %s", c.QueueFullPolicy)
	}
	if c.MaxBorrowedSamples == 0 {
		c.MaxBorrowedSamples = svc.SubscriberMaxBorrowedSamples
	}
	if c.MaxBorrowedSamples < 1 || c.MaxBorrowedSamples > svc.SubscriberMaxBorrowedSamples {
		return c, fmt.Errorf("MaxBorrowedSamples must be within [1,%d], got %d", svc.SubscriberMaxBorrowedSamples, c.MaxBorrowedSamples)
	}
	return c, nil
}
