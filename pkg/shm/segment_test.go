package shm

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegment_CreateOpenValidate(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	seg, err := CreateSegment(ctx, CreateSegmentOptions{Name: "seg", Dir: dir, Kind: KindRing, Size: 4096})
	require.Nil(t, err)
	defer func() { _ = seg.Close(true) }()
	assert.True(t, seg.Owner())
	assert.Equal(t, os.Getpid(), seg.CreatorPID())
	assert.False(t, seg.Ready())

	_, err = OpenSegment(ctx, OpenSegmentOptions{Path: seg.Path(), Kind: KindRing, ReadyTimeout: 20 * time.Millisecond})
	assert.ErrorIs(t, err, ErrSegmentNotReady)

	seg.MarkReady()
	peer, err := OpenSegment(ctx, OpenSegmentOptions{Path: seg.Path(), Kind: KindRing})
	require.Nil(t, err)
	assert.False(t, peer.Owner())
	assert.Equal(t, 4096, peer.Size())
	seg.MarkClosed()
	assert.True(t, peer.Closed())
	assert.Nil(t, peer.Close(false))
	assert.Nil(t, peer.Close(false))

	_, err = OpenSegment(ctx, OpenSegmentOptions{Path: seg.Path(), Kind: KindPool})
	assert.ErrorIs(t, err, ErrKindMismatch)

	_, err = OpenSegment(ctx, OpenSegmentOptions{Path: filepath.Join(dir, "missing"), Kind: KindPool})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSegment_RejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreign")
	require.Nil(t, os.WriteFile(path, bytes.Repeat([]byte{0xFF}, 256), 0o600))

	_, err := OpenSegment(context.Background(), OpenSegmentOptions{Path: path, Kind: KindPool})
	assert.ErrorIs(t, err, ErrBadMagic)
	assert.NotNil(t, WriteSegmentDetail(&bytes.Buffer{}, path))
}

func TestSegment_WaitsForCreator(t *testing.T) {
	ctx := context.Background()
	seg, err := CreateSegment(ctx, CreateSegmentOptions{Name: "late", Dir: t.TempDir(), Kind: KindPool, Size: 4096})
	require.Nil(t, err)
	defer func() { _ = seg.Close(true) }()

	go func() {
		time.Sleep(10 * time.Millisecond)
		seg.MarkReady()
	}()
	peer, err := OpenSegment(ctx, OpenSegmentOptions{Path: seg.Path(), Kind: KindPool, ReadyTimeout: time.Second})
	require.Nil(t, err)
	assert.Nil(t, peer.Close(false))
}

func TestAllocator_UnlinkKeepsPeerMappings(t *testing.T) {
	ctx := context.Background()
	alloc := NewAllocator(AllocatorConfig{Dir: t.TempDir()})
	p, err := alloc.AllocatePool(ctx, PoolSpec{Name: "pool", SlotCount: 2, PayloadSize: 8})
	require.Nil(t, err)
	peer, err := alloc.OpenPool(ctx, p.Path())
	require.Nil(t, err)

	ref, err := p.Acquire()
	require.Nil(t, err)
	copy(p.Payload(ref), "12345678")
	require.Nil(t, p.Close(true))
	_, err = os.Stat(peer.Path())
	assert.ErrorIs(t, err, os.ErrNotExist)

	assert.Equal(t, "12345678", string(peer.Payload(ref)))
	assert.True(t, peer.Unref(ref))
	assert.Nil(t, peer.Close(false))
	assert.Nil(t, alloc.Unlink("/proc/1/fd/3"))
}

func TestAllocator_MemfdPool(t *testing.T) {
	ctx := context.Background()
	alloc := NewAllocator(AllocatorConfig{Dir: t.TempDir(), MapType: MemMapTypeMemFd})
	p, err := alloc.AllocatePool(ctx, PoolSpec{Name: "memfd-pool", SlotCount: 2, PayloadSize: 16})
	require.Nil(t, err)
	defer func() { _ = p.Close(true) }()
	assert.Contains(t, p.Path(), "/proc/")

	peer, err := alloc.OpenPool(ctx, p.Path())
	require.Nil(t, err)
	assert.Equal(t, 2, peer.FreeSlots())
	assert.Nil(t, peer.Close(false))

	// rings stay file-backed so peers can find them by name
	r, err := alloc.CreateRing(ctx, RingSpec{Name: "r", Capacity: 2})
	require.Nil(t, err)
	assert.Equal(t, alloc.RingPath("r"), r.Path())
	assert.Nil(t, r.Close(true))
}

func TestWriteSegmentDetail(t *testing.T) {
	ctx := context.Background()
	alloc := NewAllocator(AllocatorConfig{Dir: t.TempDir()})
	p, err := alloc.AllocatePool(ctx, PoolSpec{Name: "pool", SlotCount: 3, PayloadSize: 8})
	require.Nil(t, err)
	defer func() { _ = p.Close(true) }()
	_, err = p.Acquire()
	require.Nil(t, err)

	var out bytes.Buffer
	require.Nil(t, WriteSegmentDetail(&out, p.Path()))
	assert.Contains(t, out.String(), "kind:pool")
	assert.Contains(t, out.String(), "slots:3 free:2 loaned:1 sent:0")

	r, err := alloc.CreateRing(ctx, RingSpec{Name: "ring", Capacity: 2, Policy: OverflowRejectNewest})
	require.Nil(t, err)
	defer func() { _ = r.Close(true) }()
	r.Push(1)
	out.Reset()
	require.Nil(t, WriteSegmentDetail(&out, r.Path()))
	assert.Contains(t, out.String(), "kind:ring")
	assert.Contains(t, out.String(), "len:1")
	assert.Contains(t, out.String(), "policy:reject-newest")
}
