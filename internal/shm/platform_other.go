//go:build !linux

package shm

import (
	"context"
)

// MapRegion is not implemented outside Linux.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	return nil, ErrUnsupportedPlatform
}

// UnmapRegion is not implemented outside Linux.
func UnmapRegion(ctx context.Context, region *MappedRegion, unlink bool) error {
	return ErrUnsupportedPlatform
}

// Unlink is not implemented outside Linux.
func Unlink(path string) error {
	return ErrUnsupportedPlatform
}

func canCreateOnDevShm(size uint64, path string) bool {
	return true
}
