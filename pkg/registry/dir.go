package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/sugawarayuuta/sonnet"

	"github.com/srediag/shm-pubsub/api"
	internalshm "github.com/srediag/shm-pubsub/internal/shm"
)

const (
	// DefaultRoot is where Dir keeps service directories unless configured otherwise.
	DefaultRoot = "/dev/shm/shm-pubsub"
	// DefaultOpenTimeout bounds waiting for a concurrently created service record.
	DefaultOpenTimeout = 500 * time.Millisecond

	serviceFile     = "service.json"
	versionFile     = "version"
	versionFileSize = 64
	endpointSuffix  = ".ep.json"
)

// DirConfig configures a Dir registry.
type DirConfig struct {
	Root        string
	OpenTimeout time.Duration
}

// Dir is a Registry shared by every process that uses the same root directory.
type Dir struct {
	root        string
	openTimeout time.Duration
	// service configs never change after creation
	configs  cmap.ConcurrentMap[string, api.ServiceConfig]
	versions cmap.ConcurrentMap[string, *internalshm.MappedRegion]
}

var _ api.Registry = (*Dir)(nil)

// NewDir creates the root directory if needed and returns a registry on it.
func NewDir(cfg DirConfig) (*Dir, error) {
	if cfg.Root == "" {
		cfg.Root = DefaultRoot
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultOpenTimeout
	}
	if err := os.MkdirAll(cfg.Root, 0o700); err != nil {
		return nil, fmt.Errorf("registry root %s: %w", cfg.Root, err)
	}
	return &Dir{
		root:        cfg.Root,
		openTimeout: cfg.OpenTimeout,
		configs:     cmap.New[api.ServiceConfig](),
		versions:    cmap.New[*internalshm.MappedRegion](),
	}, nil
}

// Root returns the registry root directory.
func (d *Dir) Root() string { return d.root }

func (d *Dir) serviceDir(name string) string {
	return filepath.Join(d.root, ServiceKey(name))
}

// writeFileAtomic writes data under a temporary name and moves it to dir/name. With
// exclusive set an existing dir/name is left alone and os.ErrExist is returned.
func writeFileAtomic(dir, name string, data []byte, exclusive bool) error {
	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	final := filepath.Join(dir, name)
	if exclusive {
		return os.Link(tmpName, final)
	}
	return os.Rename(tmpName, final)
}

// OpenOrCreateService implements api.Registry.
func (d *Dir) OpenOrCreateService(ctx context.Context, cfg api.ServiceConfig) (api.ServiceConfig, error) {
	dir := d.serviceDir(cfg.Name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return api.ServiceConfig{}, fmt.Errorf("service %s: %w", cfg.Name, err)
	}
	data, err := sonnet.Marshal(cfg)
	if err != nil {
		return api.ServiceConfig{}, fmt.Errorf("encode service %s: %w", cfg.Name, err)
	}
	err = writeFileAtomic(dir, serviceFile, data, true)
	switch {
	case err == nil:
		internalLogger.Infof("created service %s in %s", cfg.Name, dir)
		d.configs.Set(cfg.Name, cfg)
		return cfg, nil
	case !errors.Is(err, os.ErrExist):
		return api.ServiceConfig{}, fmt.Errorf("create service %s: %w", cfg.Name, err)
	}
	stored, err := d.LookupService(ctx, cfg.Name)
	if err != nil {
		return api.ServiceConfig{}, err
	}
	if stored.Signature != cfg.Signature {
		return api.ServiceConfig{}, fmt.Errorf("service %s: %w", cfg.Name, api.ErrSignatureMismatch)
	}
	return stored, nil
}

// LookupService implements api.Registry. A service directory without a record is being
// created by another process; the record is awaited for up to the open timeout.
func (d *Dir) LookupService(ctx context.Context, name string) (api.ServiceConfig, error) {
	if cfg, ok := d.configs.Get(name); ok {
		return cfg, nil
	}
	dir := d.serviceDir(name)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 20 * time.Millisecond
	b.MaxElapsedTime = d.openTimeout

	var cfg api.ServiceConfig
	op := func() error {
		if _, err := os.Stat(dir); err != nil {
			return backoff.Permanent(api.ErrServiceNotFound)
		}
		data, err := os.ReadFile(filepath.Join(dir, serviceFile))
		if errors.Is(err, os.ErrNotExist) {
			return api.ErrServiceNotFound
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := sonnet.Unmarshal(data, &cfg); err != nil {
			return backoff.Permanent(fmt.Errorf("decode %s: %w", serviceFile, err))
		}
		if cfg.Name != name {
			return backoff.Permanent(fmt.Errorf("key collision with service %s", cfg.Name))
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return api.ServiceConfig{}, fmt.Errorf("service %s: %w", name, err)
	}
	d.configs.Set(name, cfg)
	return cfg, nil
}

// Register implements api.Registry. The endpoint limit is checked against the records present
// at the time of the call; processes registering at the same moment may both pass.
func (d *Dir) Register(ctx context.Context, ep api.Endpoint) error {
	if ep.ID == "" || strings.ContainsAny(ep.ID, `/\`) {
		return fmt.Errorf("invalid endpoint id %q", ep.ID)
	}
	cfg, err := d.LookupService(ctx, ep.Service)
	if err != nil {
		return err
	}
	existing, err := d.Resolve(ctx, ep.Service, "", 0)
	if err != nil {
		return err
	}
	if err := checkEndpoint(cfg, ep, existing); err != nil {
		return fmt.Errorf("register %s %s: %w", ep.Kind, ep.ID, err)
	}
	data, err := sonnet.Marshal(ep)
	if err != nil {
		return fmt.Errorf("encode endpoint %s: %w", ep.ID, err)
	}
	if err := writeFileAtomic(d.serviceDir(ep.Service), ep.ID+endpointSuffix, data, false); err != nil {
		return fmt.Errorf("register %s %s: %w", ep.Kind, ep.ID, err)
	}
	if err := d.bump(ctx, ep.Service); err != nil {
		return err
	}
	internalLogger.Debugf("registered %s %s on %s", ep.Kind, ep.ID, ep.Service)
	return nil
}

// Deregister implements api.Registry.
func (d *Dir) Deregister(ctx context.Context, service, id string) error {
	err := os.Remove(filepath.Join(d.serviceDir(service), id+endpointSuffix))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("deregister %s: %w", id, err)
	}
	return d.bump(ctx, service)
}

// Resolve implements api.Registry. An empty signature or zero kind matches everything.
func (d *Dir) Resolve(_ context.Context, service, signature string, kind api.EndpointKind) ([]api.Endpoint, error) {
	dir := d.serviceDir(service)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("service %s: %w", service, api.ErrServiceNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", service, err)
	}
	eps := make([]api.Endpoint, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, endpointSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			// deregistered between ReadDir and ReadFile
			continue
		}
		var ep api.Endpoint
		if err := sonnet.Unmarshal(data, &ep); err != nil {
			internalLogger.Warnf("skip endpoint record %s: %s", name, err.Error())
			continue
		}
		if matches(ep, signature, kind) {
			eps = append(eps, ep)
		}
	}
	sortEndpoints(eps)
	return eps, nil
}

// Version implements api.Registry. It is a counter kept in a small shared file of the
// service directory and incremented by every register and deregister.
func (d *Dir) Version(ctx context.Context, service string) (uint64, error) {
	r, err := d.versionRegion(ctx, service)
	if err != nil {
		return 0, err
	}
	return internalshm.AtomicLoadUint64(internalshm.Pointer(r.Addr, 0)), nil
}

func (d *Dir) bump(ctx context.Context, service string) error {
	r, err := d.versionRegion(ctx, service)
	if err != nil {
		return err
	}
	internalshm.AtomicAddUint64(internalshm.Pointer(r.Addr, 0), 1)
	return nil
}

func (d *Dir) versionRegion(ctx context.Context, service string) (*internalshm.MappedRegion, error) {
	if r, ok := d.versions.Get(service); ok {
		return r, nil
	}
	dir := d.serviceDir(service)
	err := writeFileAtomic(dir, versionFile, make([]byte, versionFileSize), true)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("service %s: %w", service, api.ErrServiceNotFound)
	}
	if err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("version of %s: %w", service, err)
	}
	r, err := internalshm.MapRegion(ctx, internalshm.MapOptions{Path: filepath.Join(dir, versionFile), Size: versionFileSize})
	if err != nil {
		return nil, fmt.Errorf("version of %s: %w", service, err)
	}
	if !d.versions.SetIfAbsent(service, r) {
		_ = internalshm.UnmapRegion(ctx, r, false)
		r, _ = d.versions.Get(service)
	}
	return r, nil
}

// RemoveService deletes the service record and every endpoint record.
func (d *Dir) RemoveService(ctx context.Context, name string) error {
	d.configs.Remove(name)
	if r, ok := d.versions.Pop(name); ok {
		_ = internalshm.UnmapRegion(ctx, r, false)
	}
	return os.RemoveAll(d.serviceDir(name))
}

// Close unmaps the version counters this registry mapped.
func (d *Dir) Close() error {
	for item := range d.versions.IterBuffered() {
		_ = internalshm.UnmapRegion(context.Background(), item.Val, false)
		d.versions.Remove(item.Key)
	}
	return nil
}
