// Package api defines the contracts the publish-subscribe core consumes from its
// collaborators: service discovery, shared-memory allocation and the wake cycle.
package api

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrServiceNotFound is returned when a service does not exist in the registry.
	ErrServiceNotFound = errors.New("service not found")
	// ErrServiceExists is returned when creating a service that already exists.
	ErrServiceExists = errors.New("service already exists")
	// ErrSignatureMismatch is returned when a payload type signature differs from the one
	// the service was created with.
	ErrSignatureMismatch = errors.New("payload type signature mismatch")
	// ErrServiceFull is returned when registering more endpoints of a kind than the service allows.
	ErrServiceFull = errors.New("service endpoint limit reached")
)

// EndpointKind tells publishers and subscribers apart.
type EndpointKind int

const (
	// KindPublisher endpoints own a slot pool and write into connection rings.
	KindPublisher EndpointKind = iota + 1
	// KindSubscriber endpoints drain connection rings.
	KindSubscriber
)

func (k EndpointKind) String() string {
	switch k {
	case KindPublisher:
		return "publisher"
	case KindSubscriber:
		return "subscriber"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ServiceConfig is the static description of a service, fixed by its creator.
type ServiceConfig struct {
	Name                         string `json:"name"`
	Signature                    string `json:"signature"`
	TypeName                     string `json:"type_name"`
	MaxPublishers                int    `json:"max_publishers"`
	MaxSubscribers               int    `json:"max_subscribers"`
	SubscriberMaxBufferSize      int    `json:"subscriber_max_buffer_size"`
	SubscriberMaxBorrowedSamples int    `json:"subscriber_max_borrowed_samples"`
	PublisherMaxLoans            int    `json:"publisher_max_loans"`
}

// Endpoint is the registry record of one publisher or subscriber.
type Endpoint struct {
	Service   string       `json:"service"`
	ID        string       `json:"id"`
	Kind      EndpointKind `json:"kind"`
	Signature string       `json:"signature"`
	PID       int          `json:"pid"`
	// PoolPath is where subscribers map the publisher's slot pool.
	PoolPath string `json:"pool_path,omitempty"`
	// BufferSize and QueueFullPolicy shape the rings publishers create for a subscriber.
	BufferSize      int    `json:"buffer_size,omitempty"`
	QueueFullPolicy uint32 `json:"queue_full_policy,omitempty"`
	// Created is the registration time in Unix nanoseconds.
	Created int64 `json:"created"`
}

// Registry maps a service name and payload type signature to registered endpoints.
type Registry interface {
	// OpenOrCreateService returns the stored config of the named service, creating it from cfg
	// when absent. A stored signature different from cfg.Signature is ErrSignatureMismatch.
	OpenOrCreateService(ctx context.Context, cfg ServiceConfig) (ServiceConfig, error)
	// LookupService returns the stored config or ErrServiceNotFound.
	LookupService(ctx context.Context, name string) (ServiceConfig, error)
	// Register adds ep, enforcing the service's endpoint limits and signature.
	Register(ctx context.Context, ep Endpoint) error
	// Deregister removes an endpoint; removing an unknown endpoint is not an error.
	Deregister(ctx context.Context, service, id string) error
	// Resolve lists the endpoints of kind registered with signature.
	Resolve(ctx context.Context, service, signature string, kind EndpointKind) ([]Endpoint, error)
	// Version changes whenever the endpoint set of the service changes.
	Version(ctx context.Context, service string) (uint64, error)
}
