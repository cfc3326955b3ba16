// Package shm contains platform-specific helpers for mapping shared memory regions.
package shm

import "errors"

// MemMapType selects how a shared region is backed.
type MemMapType uint8

const (
	// MemMapTypeDevShmFile backs the region with a named file (tmpfs under /dev/shm by default).
	MemMapTypeDevShmFile MemMapType = iota
	// MemMapTypeMemFd backs the region with an anonymous memfd. Other processes reach it
	// through /proc/<pid>/fd/<fd> while the creator keeps it open.
	MemMapTypeMemFd
)

const (
	// DefaultDir is where named regions are created when no directory is given.
	DefaultDir = "/dev/shm"
)

var (
	// ErrUnsupportedPlatform is returned where shared memory mapping is not implemented.
	ErrUnsupportedPlatform = errors.New("shared memory mapping not supported on this platform")
	// ErrNotEnoughSpace is returned when /dev/shm cannot hold the requested region.
	ErrNotEnoughSpace = errors.New("share memory had not left space")
)

// MappedRegion represents a memory-mapped shared region.
type MappedRegion struct {
	Addr []byte
	// Path is the name other processes open to map the same region.
	Path    string
	Fd      int
	MapType MemMapType
	owner   bool
}

// Owner reports whether this process created the region.
func (r *MappedRegion) Owner() bool { return r.owner }

// MapOptions defines options for mapping shared memory.
type MapOptions struct {
	// Name is the region file name; for MemMapTypeDevShmFile it is joined to Dir.
	Name string
	// Dir overrides DefaultDir.
	Dir     string
	Size    int
	Create  bool
	MapType MemMapType
	// Path opens an existing region by full path (including /proc/<pid>/fd/<fd>); Name and Dir are ignored.
	Path string
}

// Function implementations are provided in platform-specific files (platform_linux.go, platform_other.go).
