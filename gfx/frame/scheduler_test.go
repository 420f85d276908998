package frame

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forge3d/forge/gfx/allocator"
	"github.com/forge3d/forge/gfx/device"
	"github.com/forge3d/forge/gfx/resource"
	"github.com/forge3d/forge/gfx/upload"
)

type frameFixture struct {
	dev     *device.SimDevice
	reg     resource.Registry
	uploads upload.Scheduler
	sched   Scheduler
}

func newFrameFixture(t *testing.T, options ...Option) *frameFixture {
	t.Helper()
	dev := device.NewSimDevice()
	alloc := allocator.NewAllocator(dev)
	reg := resource.NewRegistry(alloc)
	uploads := upload.NewScheduler(dev, reg)
	sched, err := NewScheduler(dev, reg, uploads, options...)
	require.NoError(t, err)
	t.Cleanup(func() {
		dev.CompleteAll()
		_ = sched.Shutdown()
		uploads.Shutdown()
		reg.Shutdown()
		alloc.Release()
		dev.Release()
	})
	return &frameFixture{dev: dev, reg: reg, uploads: uploads, sched: sched}
}

func (f *frameFixture) runFrame(t *testing.T) {
	t.Helper()
	require.NoError(t, f.sched.BeginFrame())
	require.NoError(t, f.sched.EndFrame())
}

func TestFrameLifecycle(t *testing.T) {
	f := newFrameFixture(t)

	assert.Nil(t, f.sched.Encoder(), "no encoder outside a frame")
	assert.EqualValues(t, 0, f.sched.Generation())

	require.NoError(t, f.sched.BeginFrame())
	assert.EqualValues(t, 1, f.sched.Generation())
	assert.NotNil(t, f.sched.Encoder())

	require.NoError(t, f.sched.EndFrame())
	assert.Nil(t, f.sched.Encoder())
	assert.Equal(t, 1, f.dev.InFlight())
}

func TestBeginFrameTwiceFails(t *testing.T) {
	f := newFrameFixture(t)

	require.NoError(t, f.sched.BeginFrame())
	err := f.sched.BeginFrame()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already recording")
	require.NoError(t, f.sched.EndFrame())
}

func TestEndFrameWithoutBeginFails(t *testing.T) {
	f := newFrameFixture(t)

	err := f.sched.EndFrame()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BeginFrame must be called first")
}

func TestTwoFramesInFlightDoNotBlock(t *testing.T) {
	f := newFrameFixture(t)

	f.runFrame(t)
	f.runFrame(t)
	assert.Equal(t, 2, f.dev.InFlight(), "the first N frames submit without waiting")
}

func TestThirdFrameWaitsForFirst(t *testing.T) {
	f := newFrameFixture(t)

	f.runFrame(t)
	f.runFrame(t)

	// Completing the oldest frame lets the ring reuse its slot.
	require.True(t, f.dev.CompleteOldest())
	f.runFrame(t)
	assert.EqualValues(t, 3, f.sched.Generation())
	assert.Equal(t, 2, f.dev.InFlight())
}

func TestThreeFramesInFlight(t *testing.T) {
	f := newFrameFixture(t, WithFramesInFlight(3))

	f.runFrame(t)
	f.runFrame(t)
	f.runFrame(t)
	assert.Equal(t, 3, f.dev.InFlight())

	require.True(t, f.dev.CompleteOldest())
	f.runFrame(t)
	assert.Equal(t, 3, f.dev.InFlight())
}

func TestBeginFrameTimeoutIsDeviceLoss(t *testing.T) {
	f := newFrameFixture(t, WithBeginFrameTimeout(30*time.Millisecond))

	f.runFrame(t)
	f.runFrame(t)

	// Nothing completes: the bounded wait gives up and the scheduler
	// treats the stall as a lost device.
	err := f.sched.BeginFrame()
	var lost *device.DeviceLostError
	require.ErrorAs(t, err, &lost)

	// The condition latches; later frames fail without waiting again.
	start := time.Now()
	err2 := f.sched.BeginFrame()
	assert.Same(t, err, err2)
	assert.Less(t, time.Since(start), 20*time.Millisecond)
}

func TestNoReclamationAfterTimeout(t *testing.T) {
	f := newFrameFixture(t, WithBeginFrameTimeout(30*time.Millisecond))

	require.NoError(t, f.sched.BeginFrame())
	h, err := f.reg.CreateBuffer("held", 64, device.BufferUsageVertex, device.LocalityDevice)
	require.NoError(t, err)
	f.reg.Touch(h.Handle, f.sched.Generation())
	f.reg.MarkRetired(h.Handle, f.sched.Generation())
	require.NoError(t, f.sched.EndFrame())
	f.runFrame(t)

	require.Error(t, f.sched.BeginFrame())

	// The frame that referenced the buffer never provably completed, so
	// its resources must not be reclaimed.
	_, err = f.reg.Buffer(h)
	assert.NoError(t, err)
}

func TestDeviceLossLatchesOnBegin(t *testing.T) {
	f := newFrameFixture(t)

	f.runFrame(t)
	f.dev.SetLost("simulated crash")

	err := f.sched.BeginFrame()
	var lost *device.DeviceLostError
	require.ErrorAs(t, err, &lost)
	assert.ErrorIs(t, f.sched.BeginFrame(), err)
}

func TestFrameBoundaryReclaimsRetiredResources(t *testing.T) {
	f := newFrameFixture(t)

	require.NoError(t, f.sched.BeginFrame())
	gen := f.sched.Generation()
	h, err := f.reg.CreateBuffer("per frame", 64, device.BufferUsageVertex, device.LocalityDevice)
	require.NoError(t, err)
	f.reg.Touch(h.Handle, gen)
	f.reg.MarkRetired(h.Handle, gen)
	require.NoError(t, f.sched.EndFrame())

	f.runFrame(t)
	_, err = f.reg.Buffer(h)
	assert.NoError(t, err, "frame 1 has not provably completed yet")

	// Frame 1 completes; the next BeginFrame reuses its slot and reclaims.
	require.True(t, f.dev.CompleteOldest())
	require.NoError(t, f.sched.BeginFrame())
	_, err = f.reg.Buffer(h)
	assert.ErrorIs(t, err, resource.ErrStaleHandle)
	require.NoError(t, f.sched.EndFrame())
}

func TestEndFrameFlushesUploads(t *testing.T) {
	f := newFrameFixture(t)

	dst, err := f.reg.CreateBuffer("mesh", 64, device.BufferUsageVertex|device.BufferUsageCopyDst, device.LocalityDevice)
	require.NoError(t, err)

	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	tk, err := f.uploads.Submit(upload.Request{Buffer: dst, Payload: payload})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return tk.State() == upload.StateStaged },
		5*time.Second, time.Millisecond)

	f.runFrame(t)
	assert.Equal(t, upload.StateSubmitted, tk.State())

	view, err := f.reg.Buffer(dst)
	require.NoError(t, err)
	got := f.dev.BufferBytes(view.Buffer)
	assert.Equal(t, payload, got[view.Offset:view.Offset+8])

	// Ride the ring until the consuming frame retires.
	f.runFrame(t)
	require.True(t, f.dev.CompleteOldest())
	f.runFrame(t)
	assert.Equal(t, upload.StateCompleted, tk.State())
}

func TestShutdownDrainsSubmittedFrames(t *testing.T) {
	dev := device.NewSimDevice()
	defer dev.Release()
	alloc := allocator.NewAllocator(dev)
	defer alloc.Release()
	reg := resource.NewRegistry(alloc)
	defer reg.Shutdown()

	sched, err := NewScheduler(dev, reg, nil)
	require.NoError(t, err)

	require.NoError(t, sched.BeginFrame())
	require.NoError(t, sched.EndFrame())
	require.NoError(t, sched.BeginFrame())
	require.NoError(t, sched.EndFrame())

	dev.CompleteAll()
	assert.NoError(t, sched.Shutdown())
	assert.Equal(t, 0, dev.InFlight())
}

func TestFramesInFlightOptionBounds(t *testing.T) {
	dev := device.NewSimDevice()
	defer dev.Release()
	alloc := allocator.NewAllocator(dev)
	defer alloc.Release()
	reg := resource.NewRegistry(alloc)
	defer reg.Shutdown()

	// Out-of-range values fall back to the default ring size.
	sched, err := NewScheduler(dev, reg, nil, WithFramesInFlight(7))
	require.NoError(t, err)
	require.NoError(t, sched.BeginFrame())
	require.NoError(t, sched.EndFrame())
	require.NoError(t, sched.BeginFrame())
	require.NoError(t, sched.EndFrame())
	assert.Equal(t, 2, dev.InFlight())
	dev.CompleteAll()
	require.NoError(t, sched.Shutdown())
}
