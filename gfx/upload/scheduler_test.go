package upload

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forge3d/forge/common"
	"github.com/forge3d/forge/gfx/allocator"
	"github.com/forge3d/forge/gfx/device"
	"github.com/forge3d/forge/gfx/resource"
)

type uploadFixture struct {
	dev   *device.SimDevice
	reg   resource.Registry
	sched Scheduler
}

func newUploadFixture(t *testing.T, options ...SchedulerOption) *uploadFixture {
	t.Helper()
	dev := device.NewSimDevice()
	alloc := allocator.NewAllocator(dev)
	reg := resource.NewRegistry(alloc)
	sched := NewScheduler(dev, reg, options...)
	t.Cleanup(func() {
		sched.Shutdown()
		reg.Shutdown()
		alloc.Release()
		dev.Release()
	})
	return &uploadFixture{dev: dev, reg: reg, sched: sched}
}

func (f *uploadFixture) destBuffer(t *testing.T, size uint64) common.BufferHandle {
	t.Helper()
	h, err := f.reg.CreateBuffer("dest", size, device.BufferUsageVertex|device.BufferUsageCopyDst, device.LocalityDevice)
	require.NoError(t, err)
	return h
}

// waitState polls until the ticket reaches the wanted state; staging runs on
// worker goroutines so the transition is asynchronous.
func waitState(t *testing.T, tk Ticket, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return tk.State() == want },
		5*time.Second, time.Millisecond, "ticket never reached state %d", want)
}

// flushFrame records pending copies on a fresh encoder and submits it, the
// way the frame scheduler does at a frame boundary.
func (f *uploadFixture) flushFrame(t *testing.T, generation uint64) int {
	t.Helper()
	enc, err := f.dev.BeginCommands()
	require.NoError(t, err)
	n := f.sched.Flush(enc, generation)
	cb, err := enc.Finish()
	require.NoError(t, err)
	require.NoError(t, f.dev.Submit(cb, device.QueueTransfer, nil))
	cb.Release()
	return n
}

func TestBufferUploadRoundTrip(t *testing.T) {
	f := newUploadFixture(t)

	dst := f.destBuffer(t, 64)
	payload := []byte("hello, staging")

	tk, err := f.sched.Submit(Request{Buffer: dst, Payload: payload})
	require.NoError(t, err)
	waitState(t, tk, StateStaged)
	assert.Equal(t, 1, f.sched.Pending())

	n := f.flushFrame(t, 1)
	assert.Equal(t, 1, n)
	assert.Equal(t, StateSubmitted, tk.State())
	assert.Equal(t, 0, f.sched.Pending())

	view, err := f.reg.Buffer(dst)
	require.NoError(t, err)
	got := f.dev.BufferBytes(view.Buffer)
	assert.Equal(t, payload, got[view.Offset:view.Offset+uint64(len(payload))])

	f.dev.CompleteOldest()
	f.sched.NotifyRetired(1)
	assert.Equal(t, StateCompleted, tk.State())
	select {
	case <-tk.Done():
	default:
		t.Fatal("completed ticket's Done channel must be closed")
	}
}

func TestBufferUploadHonorsDestinationOffset(t *testing.T) {
	f := newUploadFixture(t)

	dst := f.destBuffer(t, 64)
	tk, err := f.sched.Submit(Request{Buffer: dst, BufferOffset: 16, Payload: []byte{0xAA, 0xBB}})
	require.NoError(t, err)
	waitState(t, tk, StateStaged)
	f.flushFrame(t, 1)

	view, err := f.reg.Buffer(dst)
	require.NoError(t, err)
	got := f.dev.BufferBytes(view.Buffer)
	assert.Equal(t, []byte{0xAA, 0xBB}, got[view.Offset+16:view.Offset+18])
}

func TestImageUploadRoundTrip(t *testing.T) {
	f := newUploadFixture(t)

	img, err := f.reg.CreateImage(device.TextureDescriptor{
		Label:  "upload target",
		Extent: device.Extent3D{Width: 8, Height: 8, Depth: 1},
		Format: device.TextureFormatRGBA8Unorm,
	})
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{1, 2, 3, 4}, 8*8)
	tk, err := f.sched.Submit(Request{Image: img, Payload: payload})
	require.NoError(t, err)
	waitState(t, tk, StateStaged)
	f.flushFrame(t, 1)

	view, err := f.reg.Image(img)
	require.NoError(t, err)
	assert.Equal(t, payload, f.dev.TextureBytes(view.Texture))
}

func TestSubmitValidation(t *testing.T) {
	f := newUploadFixture(t)
	dst := f.destBuffer(t, 16)

	_, err := f.sched.Submit(Request{Buffer: dst})
	assert.Error(t, err, "empty payload")

	_, err = f.sched.Submit(Request{Payload: []byte{1}})
	assert.Error(t, err, "no destination")

	img, err := f.reg.CreateImage(device.TextureDescriptor{
		Extent: device.Extent3D{Width: 2, Height: 2, Depth: 1},
		Format: device.TextureFormatRGBA8Unorm,
	})
	require.NoError(t, err)
	_, err = f.sched.Submit(Request{Buffer: dst, Image: img, Payload: []byte{1}})
	assert.Error(t, err, "two destinations")

	_, err = f.sched.Submit(Request{Buffer: dst, BufferOffset: 12, Payload: []byte{1, 2, 3, 4, 5}})
	assert.Error(t, err, "out of bounds")

	_, err = f.sched.Submit(Request{Image: img, Payload: []byte{1, 2, 3}})
	assert.Error(t, err, "payload does not cover the extent")

	noCopy, err := f.reg.CreateBuffer("no copy dst", 16, device.BufferUsageVertex, device.LocalityDevice)
	require.NoError(t, err)
	_, err = f.sched.Submit(Request{Buffer: noCopy, Payload: []byte{1}})
	assert.Error(t, err, "destination lacks copy-dst usage")
}

func TestPerDestinationOrderSurvivesOutOfOrderStaging(t *testing.T) {
	f := newUploadFixture(t, WithWorkers(4), WithStagingClasses([]uint64{64}, 32))

	dst := f.destBuffer(t, 8)

	// Same destination, overlapping writes: the last submit must win no
	// matter which worker finishes staging first.
	var tickets []Ticket
	for i := byte(0); i < 20; i++ {
		tk, err := f.sched.Submit(Request{Buffer: dst, Payload: bytes.Repeat([]byte{i}, 8)})
		require.NoError(t, err)
		tickets = append(tickets, tk)
	}
	for _, tk := range tickets {
		waitState(t, tk, StateStaged)
	}

	n := f.flushFrame(t, 1)
	assert.Equal(t, 20, n)

	view, err := f.reg.Buffer(dst)
	require.NoError(t, err)
	got := f.dev.BufferBytes(view.Buffer)
	assert.Equal(t, bytes.Repeat([]byte{19}, 8), got[view.Offset:view.Offset+8])
}

func TestFlushHoldsUploadsBehindAnUnstagedPredecessor(t *testing.T) {
	// Two staging classes with one buffer each. The first upload holds the
	// large class, the second blocks waiting for it, and the third (small
	// class) stages immediately — out of order with its predecessor.
	f := newUploadFixture(t,
		WithWorkers(4),
		WithStagingClasses([]uint64{16, 128}, 1),
		WithStagingTimeout(10*time.Second),
	)
	dst := f.destBuffer(t, 256)

	big := bytes.Repeat([]byte{1}, 100)
	first, err := f.sched.Submit(Request{Buffer: dst, Payload: big})
	require.NoError(t, err)
	waitState(t, first, StateStaged)

	second, err := f.sched.Submit(Request{Buffer: dst, Payload: bytes.Repeat([]byte{2}, 100)})
	require.NoError(t, err)
	third, err := f.sched.Submit(Request{Buffer: dst, Payload: []byte{3, 3, 3, 3}})
	require.NoError(t, err)
	waitState(t, third, StateStaged)

	n := f.flushFrame(t, 1)
	assert.Equal(t, 1, n, "only the head of the destination queue may flush")
	assert.Equal(t, StateSubmitted, first.State())
	assert.Equal(t, StateStaged, third.State(), "the staged successor is held behind the unstaged one")

	// Retiring the first frame recycles the large buffer; the remaining
	// two flush in submission order.
	f.dev.CompleteOldest()
	f.sched.NotifyRetired(1)
	waitState(t, second, StateStaged)

	n = f.flushFrame(t, 2)
	assert.Equal(t, 2, n)

	view, err := f.reg.Buffer(dst)
	require.NoError(t, err)
	got := f.dev.BufferBytes(view.Buffer)
	assert.Equal(t, []byte{3, 3, 3, 3}, got[view.Offset:view.Offset+4], "the last submit wins")
}

func TestTryCancelQueuedUpload(t *testing.T) {
	// One worker and a single one-buffer staging class: the first upload
	// checks the only buffer out, the second blocks in staging, and the
	// third sits queued behind it where cancel can reach it.
	f := newUploadFixture(t,
		WithWorkers(1),
		WithStagingClasses([]uint64{64}, 1),
		WithStagingTimeout(10*time.Second),
	)
	dst := f.destBuffer(t, 8)

	first, err := f.sched.Submit(Request{Buffer: dst, Payload: []byte{1}})
	require.NoError(t, err)
	waitState(t, first, StateStaged)

	second, err := f.sched.Submit(Request{Buffer: dst, Payload: []byte{2}})
	require.NoError(t, err)
	third, err := f.sched.Submit(Request{Buffer: dst, Payload: []byte{3}})
	require.NoError(t, err)

	assert.True(t, f.sched.TryCancel(third))
	assert.Equal(t, StateDropped, third.State())
	select {
	case <-third.Done():
	default:
		t.Fatal("dropped ticket's Done channel must be closed")
	}

	assert.False(t, f.sched.TryCancel(first), "a staged upload cannot be canceled")

	// Unblock the second upload: flush the first, retire its frame so the
	// staging buffer recycles.
	f.flushFrame(t, 1)
	f.dev.CompleteOldest()
	f.sched.NotifyRetired(1)
	waitState(t, second, StateStaged)
}

func TestStagingStarvationFailsWithTimeout(t *testing.T) {
	f := newUploadFixture(t,
		WithWorkers(2),
		WithStagingClasses([]uint64{64}, 1),
		WithStagingTimeout(50*time.Millisecond),
	)
	dst := f.destBuffer(t, 8)

	first, err := f.sched.Submit(Request{Buffer: dst, Payload: []byte{1}})
	require.NoError(t, err)
	waitState(t, first, StateStaged)

	// The pool's only buffer is checked out and nothing recycles it.
	second, err := f.sched.Submit(Request{Buffer: dst, Payload: []byte{2}})
	require.NoError(t, err)
	waitState(t, second, StateFailed)

	var timeout *UploadTimeoutError
	require.ErrorAs(t, second.Err(), &timeout)
	assert.EqualValues(t, 1, timeout.RequestedBytes)
}

func TestOversizePayloadBypassesPool(t *testing.T) {
	f := newUploadFixture(t, WithStagingClasses([]uint64{16}, 1))
	dst := f.destBuffer(t, 256)

	payload := bytes.Repeat([]byte{7}, 200)
	tk, err := f.sched.Submit(Request{Buffer: dst, Payload: payload})
	require.NoError(t, err)
	waitState(t, tk, StateStaged)

	f.flushFrame(t, 1)
	view, err := f.reg.Buffer(dst)
	require.NoError(t, err)
	got := f.dev.BufferBytes(view.Buffer)
	assert.Equal(t, payload, got[view.Offset:view.Offset+200])
}

func TestNotifyRetiredIsGenerationGated(t *testing.T) {
	f := newUploadFixture(t)
	dst := f.destBuffer(t, 8)

	tk, err := f.sched.Submit(Request{Buffer: dst, Payload: []byte{1}})
	require.NoError(t, err)
	waitState(t, tk, StateStaged)
	f.flushFrame(t, 5)

	f.sched.NotifyRetired(4)
	assert.Equal(t, StateSubmitted, tk.State(), "an earlier generation must not complete the ticket")

	f.sched.NotifyRetired(5)
	assert.Equal(t, StateCompleted, tk.State())
}

func TestFlushTouchesDestinationGeneration(t *testing.T) {
	f := newUploadFixture(t)
	dst := f.destBuffer(t, 8)

	tk, err := f.sched.Submit(Request{Buffer: dst, Payload: []byte{1}})
	require.NoError(t, err)
	waitState(t, tk, StateStaged)
	f.flushFrame(t, 3)

	// Retiring at the flush generation gates reclamation on frame 3.
	f.reg.MarkRetired(dst.Handle, 1)
	f.reg.ReclaimUpTo(2)
	_, err = f.reg.Buffer(dst)
	assert.NoError(t, err, "the copy destination is referenced by frame 3")

	f.reg.ReclaimUpTo(3)
	_, err = f.reg.Buffer(dst)
	assert.ErrorIs(t, err, resource.ErrStaleHandle)
}
