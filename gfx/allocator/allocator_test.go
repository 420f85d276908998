package allocator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forge3d/forge/gfx/device"
)

func newTestAllocator(t *testing.T, options ...AllocatorOption) (Allocator, *device.SimDevice) {
	t.Helper()
	dev := device.NewSimDevice()
	a := NewAllocator(dev, options...)
	t.Cleanup(func() {
		a.Release()
		dev.Release()
	})
	return a, dev
}

func TestAllocateBufferRoundsToSizeClass(t *testing.T) {
	a, _ := newTestAllocator(t)

	alloc, err := a.AllocateBuffer(100, device.BufferUsageVertex|device.BufferUsageCopyDst, device.LocalityDevice)
	require.NoError(t, err)
	assert.EqualValues(t, 100, alloc.Size, "the allocation reports the requested size, not the block size")
	assert.EqualValues(t, 0, alloc.Offset%256)
	assert.EqualValues(t, 8*256, a.ReservedBytes(), "sub-minimum requests reserve a page of 256-byte blocks")

	_, err = a.AllocateBuffer(300, device.BufferUsageVertex, device.LocalityDevice)
	require.NoError(t, err)
	assert.EqualValues(t, 8*256+8*512, a.ReservedBytes(), "300 bytes lands in the 512-byte class")
}

func TestFreeReusesBlock(t *testing.T) {
	a, _ := newTestAllocator(t)

	first, err := a.AllocateBuffer(1024, device.BufferUsageUniform|device.BufferUsageCopyDst, device.LocalityDevice)
	require.NoError(t, err)
	reserved := a.ReservedBytes()

	a.Free(first)
	second, err := a.AllocateBuffer(1024, device.BufferUsageUniform|device.BufferUsageCopyDst, device.LocalityDevice)
	require.NoError(t, err)

	assert.Equal(t, first.Buffer, second.Buffer, "a freed block should be handed back out before a new page is created")
	assert.Equal(t, first.Offset, second.Offset)
	assert.Equal(t, reserved, a.ReservedBytes(), "reuse must not grow the reservation")
}

func TestDistinctUsageDoesNotShareBlocks(t *testing.T) {
	a, _ := newTestAllocator(t)

	vtx, err := a.AllocateBuffer(512, device.BufferUsageVertex, device.LocalityDevice)
	require.NoError(t, err)
	uni, err := a.AllocateBuffer(512, device.BufferUsageUniform, device.LocalityDevice)
	require.NoError(t, err)

	assert.NotEqual(t, vtx.Buffer, uni.Buffer, "pools are keyed by usage and locality")
}

func TestPagesGrowGeometrically(t *testing.T) {
	a, _ := newTestAllocator(t, WithInitialBlocksPerPage(2))

	var allocs []Allocation
	for i := 0; i < 3; i++ {
		alloc, err := a.AllocateBuffer(256, device.BufferUsageVertex, device.LocalityDevice)
		require.NoError(t, err)
		allocs = append(allocs, alloc)
	}

	// First page holds 2 blocks, the third allocation forces a second page
	// twice the size.
	assert.Equal(t, allocs[0].Buffer, allocs[1].Buffer)
	assert.NotEqual(t, allocs[0].Buffer, allocs[2].Buffer)
	assert.EqualValues(t, 2*256+4*256, a.ReservedBytes())
}

func TestOversizeAllocationsAreDedicated(t *testing.T) {
	a, _ := newTestAllocator(t)

	const big = 2 << 20
	alloc, err := a.AllocateBuffer(big, device.BufferUsageVertex|device.BufferUsageCopyDst, device.LocalityDevice)
	require.NoError(t, err)
	assert.EqualValues(t, 0, alloc.Offset, "dedicated allocations own their buffer from offset zero")
	assert.EqualValues(t, big, alloc.Size)

	reserved := a.ReservedBytes()
	a.Free(alloc)
	assert.Less(t, a.ReservedBytes(), reserved, "freeing a dedicated allocation releases its buffer")
}

func TestBudgetExhaustionFailsWithDiagnostics(t *testing.T) {
	a, _ := newTestAllocator(t, WithBudget(4096), WithInitialBlocksPerPage(1))

	_, err := a.AllocateBuffer(2048, device.BufferUsageVertex, device.LocalityDevice)
	require.NoError(t, err)

	_, err = a.AllocateBuffer(8192, device.BufferUsageVertex, device.LocalityDevice)
	require.Error(t, err)

	var failed *AllocationFailedError
	require.True(t, errors.As(err, &failed))
	assert.EqualValues(t, 8192, failed.RequestedBytes)
	assert.EqualValues(t, 4096-2048, failed.AvailableBytes)
}

func TestBudgetRecoversAfterFree(t *testing.T) {
	a, _ := newTestAllocator(t, WithBudget(2048), WithInitialBlocksPerPage(1))

	alloc, err := a.AllocateBuffer(2048, device.BufferUsageVertex, device.LocalityDevice)
	require.NoError(t, err)

	_, err = a.AllocateBuffer(2048, device.BufferUsageUniform, device.LocalityDevice)
	var failed *AllocationFailedError
	require.True(t, errors.As(err, &failed))

	a.Free(alloc)
	_, err = a.AllocateBuffer(2048, device.BufferUsageVertex, device.LocalityDevice)
	assert.NoError(t, err, "freed blocks satisfy later requests of the same class")
}

func TestAllocateTexture(t *testing.T) {
	a, _ := newTestAllocator(t)

	tex, err := a.AllocateTexture(device.TextureDescriptor{
		Label:  "test-albedo",
		Extent: device.Extent3D{Width: 64, Height: 64, Depth: 1},
		Format: device.TextureFormatRGBA8Unorm,
	})
	require.NoError(t, err)
	require.NotNil(t, tex)
	assert.EqualValues(t, 64*64*4, a.ReservedBytes())

	a.FreeTexture(tex)
	assert.EqualValues(t, 0, a.ReservedBytes())
}

func TestReleaseDropsAllPages(t *testing.T) {
	dev := device.NewSimDevice()
	defer dev.Release()
	a := NewAllocator(dev)

	_, err := a.AllocateBuffer(512, device.BufferUsageVertex, device.LocalityDevice)
	require.NoError(t, err)

	a.Release()
	assert.EqualValues(t, 0, a.ReservedBytes())
}
