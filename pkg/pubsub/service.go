package pubsub

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/srediag/shm-pubsub/api"
	"github.com/srediag/shm-pubsub/internal/logger"
	"github.com/srediag/shm-pubsub/pkg/registry"
	"github.com/srediag/shm-pubsub/pkg/shm"
)

var internalLogger = logger.New("pubsub", nil)

// Service is a named publish-subscribe service carrying payloads of type T.
type Service[T any] struct {
	name string
	key  string
	cfg  api.ServiceConfig
	info typeInfo
	// part of the signature, so equal for every endpoint of the service
	userHeaderSize int
	reg            api.Registry
	alloc          api.Allocator
	inst           *instruments
}

type openMode int

const (
	modeOpenOrCreate openMode = iota
	modeOpen
	modeCreate
)

// OpenOrCreate opens the service called name, creating it with cfg when it does not exist.
// An existing service keeps the limits it was created with.
func OpenOrCreate[T any](ctx context.Context, name string, cfg Config) (*Service[T], error) {
	return openService[T](ctx, name, cfg, modeOpenOrCreate)
}

// Open opens an existing service; ErrServiceNotFound when there is none.
func Open[T any](ctx context.Context, name string, cfg Config) (*Service[T], error) {
	return openService[T](ctx, name, cfg, modeOpen)
}

// Create creates a new service; ErrServiceExists when it already exists.
func Create[T any](ctx context.Context, name string, cfg Config) (*Service[T], error) {
	return openService[T](ctx, name, cfg, modeCreate)
}

func openService[T any](ctx context.Context, name string, cfg Config, mode openMode) (*Service[T], error) {
	if err := validateServiceName(name); err != nil {
		return nil, err
	}
	if err := VerifyConfig(cfg); err != nil {
		return nil, err
	}
	info, err := inspect[T](cfg.UserHeaderSize)
	if err != nil {
		return nil, err
	}
	if cfg.Registry == nil {
		if cfg.Registry, err = registry.NewDir(registry.DirConfig{}); err != nil {
			return nil, err
		}
	}
	if cfg.Allocator == nil {
		cfg.Allocator = shm.NewAllocator(shm.AllocatorConfig{})
	}
	inst, err := newInstruments(name, cfg)
	if err != nil {
		return nil, err
	}

	want := api.ServiceConfig{
		Name:                         name,
		Signature:                    info.signature,
		TypeName:                     info.name,
		MaxPublishers:                cfg.MaxPublishers,
		MaxSubscribers:               cfg.MaxSubscribers,
		SubscriberMaxBufferSize:      cfg.SubscriberMaxBufferSize,
		SubscriberMaxBorrowedSamples: cfg.SubscriberMaxBorrowedSamples,
		PublisherMaxLoans:            cfg.PublisherMaxLoans,
	}
	var stored api.ServiceConfig
	switch mode {
	case modeOpen:
		stored, err = cfg.Registry.LookupService(ctx, name)
		if err == nil && stored.Signature != info.signature {
			err = api.ErrSignatureMismatch
		}
	case modeCreate:
		if _, err = cfg.Registry.LookupService(ctx, name); err == nil {
			return nil, fmt.Errorf("service %s: %w", name, ErrServiceExists)
		}
		if !errors.Is(err, api.ErrServiceNotFound) {
			return nil, err
		}
		stored, err = cfg.Registry.OpenOrCreateService(ctx, want)
	default:
		stored, err = cfg.Registry.OpenOrCreateService(ctx, want)
	}
	if errors.Is(err, api.ErrSignatureMismatch) {
		return nil, fmt.Errorf("service %s with payload %s: %w: %w", name, info.name, ErrIncompatibleTypes, err)
	}
	if err != nil {
		return nil, err
	}
	return &Service[T]{
		name:           name,
		key:            registry.ServiceKey(name),
		cfg:            stored,
		info:           info,
		userHeaderSize: cfg.UserHeaderSize,
		reg:            cfg.Registry,
		alloc:          cfg.Allocator,
		inst:           inst,
	}, nil
}

// Name returns the service name.
func (s *Service[T]) Name() string { return s.name }

// Config returns the settings the service was created with.
func (s *Service[T]) Config() api.ServiceConfig { return s.cfg }

// Signature returns the payload type signature.
func (s *Service[T]) Signature() string { return s.info.signature }

// Endpoints lists the registered endpoints of kind, or of both kinds for kind 0.
func (s *Service[T]) Endpoints(ctx context.Context, kind api.EndpointKind) ([]api.Endpoint, error) {
	return s.reg.Resolve(ctx, s.name, s.info.signature, kind)
}

func (s *Service[T]) poolName(publisherID string) string {
	return s.key + "." + publisherID + ".pool"
}

func (s *Service[T]) ringName(publisherID, subscriberID string) string {
	return s.key + "." + publisherID + "." + subscriberID + ".conn"
}

// Reap deregisters endpoints of exited processes and unlinks the segments dead publishers
// left behind. Slots a dead subscriber still referenced stay occupied.
func (s *Service[T]) Reap(ctx context.Context) ([]api.Endpoint, error) {
	r, err := registry.NewReaper(s.reg, registry.ReaperConfig{OnDead: s.unlinkDead})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.Reap(ctx, s.name)
}

func (s *Service[T]) unlinkDead(ep api.Endpoint) {
	var pattern string
	switch ep.Kind {
	case api.KindPublisher:
		if ep.PoolPath != "" {
			if err := s.alloc.Unlink(ep.PoolPath); err != nil {
				internalLogger.Warnf("unlink pool of dead publisher %s: %s", ep.ID, err.Error())
			}
		}
		pattern = s.ringName(ep.ID, "*")
	case api.KindSubscriber:
		pattern = s.ringName("*", ep.ID)
	default:
		return
	}
	paths, err := filepath.Glob(s.alloc.RingPath(pattern))
	if err != nil {
		return
	}
	for _, p := range paths {
		if err := s.alloc.Unlink(p); err != nil {
			internalLogger.Warnf("unlink ring %s: %s", p, err.Error())
		}
	}
}
