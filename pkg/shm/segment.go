package shm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff/v4"

	internalshm "github.com/srediag/shm-pubsub/internal/shm"
)

// DefaultReadyTimeout bounds how long OpenSegment waits for a creator to finish.
const DefaultReadyTimeout = 500 * time.Millisecond

// Segment is a mapped shm-pubsub region and its header.
type Segment struct {
	region *internalshm.MappedRegion
	mem    []byte
	kind   SegmentKind
}

// CreateSegmentOptions describes a new segment.
type CreateSegmentOptions struct {
	Name    string
	Dir     string
	MapType internalshm.MemMapType
	Kind    SegmentKind
	Size    int
}

// OpenSegmentOptions describes an existing segment.
type OpenSegmentOptions struct {
	Path         string
	MapType      internalshm.MemMapType
	Kind         SegmentKind
	ReadyTimeout time.Duration
}

// CreateSegment creates and maps a zeroed segment and writes its header. The segment is not
// visible as ready until MarkReady is called.
func CreateSegment(ctx context.Context, opts CreateSegmentOptions) (*Segment, error) {
	if opts.Size < segHeaderSize {
		return nil, fmt.Errorf("%w: segment size %d", ErrInvalidPoolSpec, opts.Size)
	}
	region, err := internalshm.MapRegion(ctx, internalshm.MapOptions{
		Name:    opts.Name,
		Dir:     opts.Dir,
		Size:    opts.Size,
		Create:  true,
		MapType: opts.MapType,
	})
	if err != nil {
		return nil, fmt.Errorf("create segment %s: %w", opts.Name, err)
	}
	s := &Segment{region: region, mem: region.Addr, kind: opts.Kind}
	copy(s.mem[segMagicOff:segMagicOff+8], SegmentMagic)
	internalshm.AtomicStoreUint32(s.ptr(segVersionOff), SegmentVersion)
	internalshm.AtomicStoreUint32(s.ptr(segKindOff), uint32(opts.Kind))
	internalshm.AtomicStoreUint64(s.ptr(segTotalSizeOff), uint64(opts.Size))
	internalshm.AtomicStoreUint32(s.ptr(segCreatorPIDOff), uint32(os.Getpid()))
	internalLogger.Debugf("created %s segment %s size:%d", opts.Kind, region.Path, opts.Size)
	return s, nil
}

// OpenSegment maps an existing segment, waiting with backoff until its creator marked it
// ready, and validates magic, version and kind.
func OpenSegment(ctx context.Context, opts OpenSegmentOptions) (*Segment, error) {
	timeout := opts.ReadyTimeout
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 20 * time.Millisecond
	b.MaxElapsedTime = timeout

	var seg *Segment
	op := func() error {
		region, err := internalshm.MapRegion(ctx, internalshm.MapOptions{Path: opts.Path, MapType: opts.MapType})
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return backoff.Permanent(err)
			}
			return err
		}
		s := &Segment{region: region, mem: region.Addr, kind: opts.Kind}
		if len(s.mem) >= segHeaderSize && s.foreign() {
			_ = internalshm.UnmapRegion(ctx, region, false)
			return backoff.Permanent(ErrBadMagic)
		}
		if len(s.mem) < segHeaderSize || !s.Ready() {
			_ = internalshm.UnmapRegion(ctx, region, false)
			return ErrSegmentNotReady
		}
		if err := s.validate(opts.Kind); err != nil {
			_ = internalshm.UnmapRegion(ctx, region, false)
			return backoff.Permanent(err)
		}
		seg = s
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("open segment %s: %w", opts.Path, err)
	}
	return seg, nil
}

// foreign reports a magic that is neither ours nor still zero from creation.
func (s *Segment) foreign() bool {
	magic := s.mem[segMagicOff : segMagicOff+8]
	if string(magic) == SegmentMagic {
		return false
	}
	for _, b := range magic {
		if b != 0 {
			return true
		}
	}
	return false
}

func (s *Segment) validate(kind SegmentKind) error {
	if string(s.mem[segMagicOff:segMagicOff+8]) != SegmentMagic {
		return ErrBadMagic
	}
	if v := internalshm.AtomicLoadUint32(s.ptr(segVersionOff)); v != SegmentVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, v, SegmentVersion)
	}
	if k := SegmentKind(internalshm.AtomicLoadUint32(s.ptr(segKindOff))); k != kind {
		return fmt.Errorf("%w: got %s, want %s", ErrKindMismatch, k, kind)
	}
	if total := internalshm.AtomicLoadUint64(s.ptr(segTotalSizeOff)); total != uint64(len(s.mem)) {
		return fmt.Errorf("%w: header size %d, mapped %d", ErrBadMagic, total, len(s.mem))
	}
	return nil
}

func (s *Segment) ptr(off uintptr) unsafe.Pointer {
	return internalshm.Pointer(s.mem, off)
}

// Path is the name other processes use to open the segment.
func (s *Segment) Path() string { return s.region.Path }

// Kind returns what the segment contains.
func (s *Segment) Kind() SegmentKind { return s.kind }

// Size returns the mapped size in bytes.
func (s *Segment) Size() int { return len(s.mem) }

// Owner reports whether this process created the segment.
func (s *Segment) Owner() bool { return s.region.Owner() }

// CreatorPID returns the pid of the creating process.
func (s *Segment) CreatorPID() int {
	return int(internalshm.AtomicLoadUint32(s.ptr(segCreatorPIDOff)))
}

// MarkReady publishes the fully initialised segment to openers.
func (s *Segment) MarkReady() {
	internalshm.AtomicStoreUint32(s.ptr(segReadyOff), 1)
}

// Ready reports whether the creator finished initialising.
func (s *Segment) Ready() bool {
	return internalshm.AtomicLoadUint32(s.ptr(segReadyOff)) == 1
}

// MarkClosed announces that the creator is tearing the segment down.
func (s *Segment) MarkClosed() {
	internalshm.AtomicStoreUint32(s.ptr(segClosedOff), 1)
}

// Closed reports whether the creator announced teardown.
func (s *Segment) Closed() bool {
	return internalshm.AtomicLoadUint32(s.ptr(segClosedOff)) == 1
}

// Close unmaps the segment. With unlink set the backing file is removed as well; other
// processes keep their mappings.
func (s *Segment) Close(unlink bool) error {
	if s == nil || s.mem == nil {
		return nil
	}
	s.mem = nil
	return internalshm.UnmapRegion(context.Background(), s.region, unlink)
}
