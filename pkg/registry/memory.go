package registry

import (
	"context"
	"fmt"
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/srediag/shm-pubsub/api"
)

type memService struct {
	mu        sync.Mutex
	cfg       api.ServiceConfig
	endpoints map[string]api.Endpoint
	version   uint64
}

// Memory is an in-process Registry.
type Memory struct {
	services cmap.ConcurrentMap[string, *memService]
}

var _ api.Registry = (*Memory)(nil)

// NewMemory returns an empty in-process registry.
func NewMemory() *Memory {
	return &Memory{services: cmap.New[*memService]()}
}

// OpenOrCreateService implements api.Registry.
func (m *Memory) OpenOrCreateService(_ context.Context, cfg api.ServiceConfig) (api.ServiceConfig, error) {
	m.services.SetIfAbsent(cfg.Name, &memService{cfg: cfg, endpoints: map[string]api.Endpoint{}})
	svc, _ := m.services.Get(cfg.Name)
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.cfg.Signature != cfg.Signature {
		return api.ServiceConfig{}, fmt.Errorf("service %s: %w", cfg.Name, api.ErrSignatureMismatch)
	}
	return svc.cfg, nil
}

// LookupService implements api.Registry.
func (m *Memory) LookupService(_ context.Context, name string) (api.ServiceConfig, error) {
	svc, ok := m.services.Get(name)
	if !ok {
		return api.ServiceConfig{}, fmt.Errorf("service %s: %w", name, api.ErrServiceNotFound)
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.cfg, nil
}

// Register implements api.Registry.
func (m *Memory) Register(_ context.Context, ep api.Endpoint) error {
	svc, ok := m.services.Get(ep.Service)
	if !ok {
		return fmt.Errorf("service %s: %w", ep.Service, api.ErrServiceNotFound)
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	existing := make([]api.Endpoint, 0, len(svc.endpoints))
	for _, e := range svc.endpoints {
		existing = append(existing, e)
	}
	if err := checkEndpoint(svc.cfg, ep, existing); err != nil {
		return fmt.Errorf("register %s %s: %w", ep.Kind, ep.ID, err)
	}
	svc.endpoints[ep.ID] = ep
	svc.version++
	return nil
}

// Deregister implements api.Registry.
func (m *Memory) Deregister(_ context.Context, service, id string) error {
	svc, ok := m.services.Get(service)
	if !ok {
		return nil
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if _, ok := svc.endpoints[id]; ok {
		delete(svc.endpoints, id)
		svc.version++
	}
	return nil
}

// Resolve implements api.Registry. An empty signature or zero kind matches everything.
func (m *Memory) Resolve(_ context.Context, service, signature string, kind api.EndpointKind) ([]api.Endpoint, error) {
	svc, ok := m.services.Get(service)
	if !ok {
		return nil, fmt.Errorf("service %s: %w", service, api.ErrServiceNotFound)
	}
	svc.mu.Lock()
	eps := make([]api.Endpoint, 0, len(svc.endpoints))
	for _, ep := range svc.endpoints {
		if matches(ep, signature, kind) {
			eps = append(eps, ep)
		}
	}
	svc.mu.Unlock()
	sortEndpoints(eps)
	return eps, nil
}

// Version implements api.Registry.
func (m *Memory) Version(_ context.Context, service string) (uint64, error) {
	svc, ok := m.services.Get(service)
	if !ok {
		return 0, fmt.Errorf("service %s: %w", service, api.ErrServiceNotFound)
	}
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.version, nil
}

// Services returns the names of all known services.
func (m *Memory) Services() []string {
	return m.services.Keys()
}
