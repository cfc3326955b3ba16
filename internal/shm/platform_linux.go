//go:build linux

package shm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// MapRegion maps or creates a shared memory region (Linux implementation).
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Create {
		return createRegion(opts)
	}
	return openRegion(opts)
}

func createRegion(opts MapOptions) (*MappedRegion, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("invalid region size %d", opts.Size)
	}
	var (
		fd   int
		path string
		err  error
	)
	switch opts.MapType {
	case MemMapTypeMemFd:
		fd, err = unix.MemfdCreate(opts.Name, unix.MFD_CLOEXEC)
		if err != nil {
			return nil, fmt.Errorf("memfd_create %s: %w", opts.Name, err)
		}
		path = fmt.Sprintf("/proc/%d/fd/%d", os.Getpid(), fd)
	default:
		dir := opts.Dir
		if dir == "" {
			dir = DefaultDir
		}
		//ignore mkdir error
		_ = os.MkdirAll(dir, 0o700)
		path = filepath.Join(dir, opts.Name)
		if !canCreateOnDevShm(uint64(opts.Size), path) {
			return nil, fmt.Errorf("%w: path:%s size:%d", ErrNotEnoughSpace, path, opts.Size)
		}
		fd, err = unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
	}
	cleanup := func() {
		_ = unix.Close(fd)
		if opts.MapType == MemMapTypeDevShmFile {
			_ = unix.Unlink(path)
		}
	}
	if err := unix.Ftruncate(fd, int64(opts.Size)); err != nil {
		cleanup()
		return nil, fmt.Errorf("ftruncate: %w", err)
	}
	addr, err := unix.Mmap(fd, 0, opts.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &MappedRegion{Addr: addr, Path: path, Fd: fd, MapType: opts.MapType, owner: true}, nil
}

func openRegion(opts MapOptions) (*MappedRegion, error) {
	path := opts.Path
	if path == "" {
		dir := opts.Dir
		if dir == "" {
			dir = DefaultDir
		}
		path = filepath.Join(dir, opts.Name)
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("fstat %s: %w", path, err)
	}
	size := int(st.Size)
	if opts.Size > 0 && opts.Size != size {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("region %s has size %d, expected %d", path, size, opts.Size)
	}
	if size == 0 {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("region %s is empty", path)
	}
	addr, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &MappedRegion{Addr: addr, Path: path, Fd: fd, MapType: opts.MapType}, nil
}

// UnmapRegion unmaps and closes the shared memory region (Linux implementation).
// With unlink set, a file-backed region is also removed; processes that still map it keep
// their view until they unmap.
func UnmapRegion(ctx context.Context, region *MappedRegion, unlink bool) error {
	if region == nil || region.Addr == nil {
		return nil
	}
	if err := unix.Munmap(region.Addr); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	region.Addr = nil
	if err := unix.Close(region.Fd); err != nil {
		return fmt.Errorf("close fd %d: %w", region.Fd, err)
	}
	if unlink && region.MapType == MemMapTypeDevShmFile {
		if err := unix.Unlink(region.Path); err != nil && err != unix.ENOENT {
			return fmt.Errorf("unlink %s: %w", region.Path, err)
		}
	}
	return nil
}

// Unlink removes a file-backed region by path without mapping it.
func Unlink(path string) error {
	if err := unix.Unlink(path); err != nil && err != unix.ENOENT {
		return fmt.Errorf("unlink %s: %w", path, err)
	}
	return nil
}
