package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimCopiesExecuteAtSubmit(t *testing.T) {
	d := NewSimDevice()
	defer d.Release()

	src, err := d.CreateBuffer(BufferDescriptor{
		Label: "src", Size: 16,
		Usage:    BufferUsageStaging | BufferUsageCopySrc,
		Locality: LocalityHost,
	})
	require.NoError(t, err)
	dst, err := d.CreateBuffer(BufferDescriptor{
		Label: "dst", Size: 16,
		Usage:    BufferUsageVertex | BufferUsageCopyDst,
		Locality: LocalityDevice,
	})
	require.NoError(t, err)

	require.NoError(t, src.Write(0, []byte{1, 2, 3, 4}))

	enc, err := d.BeginCommands()
	require.NoError(t, err)
	enc.CopyBufferToBuffer(src, 0, dst, 8, 4)
	cb, err := enc.Finish()
	require.NoError(t, err)

	assert.Equal(t, make([]byte, 16), d.BufferBytes(dst), "recording alone must not execute the copy")

	require.NoError(t, d.Submit(cb, QueueTransfer, nil))
	got := d.BufferBytes(dst)
	assert.Equal(t, []byte{1, 2, 3, 4}, got[8:12])
}

func TestSimDeviceLocalBufferRejectsCPUWrites(t *testing.T) {
	d := NewSimDevice()
	defer d.Release()

	buf, err := d.CreateBuffer(BufferDescriptor{
		Label: "vram", Size: 16,
		Usage:    BufferUsageVertex,
		Locality: LocalityDevice,
	})
	require.NoError(t, err)
	assert.Error(t, buf.Write(0, []byte{1}))
}

func TestSimCopyToTextureTransitionsState(t *testing.T) {
	d := NewSimDevice()
	defer d.Release()

	tex, err := d.CreateTexture(TextureDescriptor{
		Label:  "target",
		Extent: Extent3D{Width: 2, Height: 2, Depth: 1},
		Format: TextureFormatRGBA8Unorm,
	})
	require.NoError(t, err)
	assert.Equal(t, TextureStateUndefined, tex.State())

	src, err := d.CreateBuffer(BufferDescriptor{
		Label: "staging", Size: 16,
		Usage:    BufferUsageStaging | BufferUsageCopySrc,
		Locality: LocalityHost,
	})
	require.NoError(t, err)
	payload := []byte{9, 9, 9, 9, 8, 8, 8, 8, 7, 7, 7, 7, 6, 6, 6, 6}
	require.NoError(t, src.Write(0, payload))

	enc, err := d.BeginCommands()
	require.NoError(t, err)
	enc.CopyBufferToTexture(src, 0, tex, tex.Extent())
	cb, err := enc.Finish()
	require.NoError(t, err)
	require.NoError(t, d.Submit(cb, QueueTransfer, nil))

	assert.Equal(t, TextureStateShaderRead, tex.State())
	assert.Equal(t, payload, d.TextureBytes(tex))
}

func TestSimCompletionClock(t *testing.T) {
	d := NewSimDevice()
	defer d.Release()

	submit := func() Signal {
		enc, err := d.BeginCommands()
		require.NoError(t, err)
		cb, err := enc.Finish()
		require.NoError(t, err)
		sig, err := d.NewSignal()
		require.NoError(t, err)
		require.NoError(t, d.Submit(cb, QueueGraphics, sig))
		return sig
	}

	first := submit()
	second := submit()
	assert.Equal(t, 2, d.InFlight())
	assert.False(t, first.Signaled())

	require.True(t, d.CompleteOldest())
	assert.True(t, first.Signaled(), "completion fires in submission order")
	assert.False(t, second.Signaled())

	assert.Equal(t, 1, d.CompleteAll())
	assert.True(t, second.Signaled())
	assert.Equal(t, 0, d.InFlight())
	assert.False(t, d.CompleteOldest())
}

func TestSimWaitSignal(t *testing.T) {
	d := NewSimDevice()
	defer d.Release()

	enc, err := d.BeginCommands()
	require.NoError(t, err)
	cb, err := enc.Finish()
	require.NoError(t, err)
	sig, err := d.NewSignal()
	require.NoError(t, err)
	require.NoError(t, d.Submit(cb, QueueGraphics, sig))

	err = d.WaitSignal(sig, 20*time.Millisecond)
	var timeout *WaitTimeoutError
	require.ErrorAs(t, err, &timeout)

	d.CompleteOldest()
	assert.NoError(t, d.WaitSignal(sig, time.Second))
}

func TestSimSignalReusedAcrossSubmissions(t *testing.T) {
	d := NewSimDevice()
	defer d.Release()

	sig, err := d.NewSignal()
	require.NoError(t, err)

	submit := func() {
		enc, err := d.BeginCommands()
		require.NoError(t, err)
		cb, err := enc.Finish()
		require.NoError(t, err)
		require.NoError(t, d.Submit(cb, QueueGraphics, sig))
	}

	submit()
	d.CompleteOldest()
	require.True(t, sig.Signaled())

	// Resubmitting with the same signal rearms it.
	submit()
	assert.False(t, sig.Signaled())
	d.CompleteOldest()
	assert.True(t, sig.Signaled())
}

func TestSimSetLost(t *testing.T) {
	d := NewSimDevice()
	defer d.Release()

	sig, err := d.NewSignal()
	require.NoError(t, err)
	enc, err := d.BeginCommands()
	require.NoError(t, err)
	cb, err := enc.Finish()
	require.NoError(t, err)
	require.NoError(t, d.Submit(cb, QueueGraphics, sig))

	d.SetLost("unplugged")
	require.True(t, d.Lost())

	err = d.WaitSignal(sig, time.Second)
	var lost *DeviceLostError
	require.ErrorAs(t, err, &lost)
	assert.Contains(t, lost.Error(), "unplugged")

	_, err = d.CreateBuffer(BufferDescriptor{Label: "after", Size: 4})
	require.ErrorAs(t, err, &lost)
	_, err = d.BeginCommands()
	require.ErrorAs(t, err, &lost)
}

func TestSimAutoComplete(t *testing.T) {
	d := NewSimDevice(WithAutoComplete())
	defer d.Release()

	sig, err := d.NewSignal()
	require.NoError(t, err)
	enc, err := d.BeginCommands()
	require.NoError(t, err)
	cb, err := enc.Finish()
	require.NoError(t, err)
	require.NoError(t, d.Submit(cb, QueueGraphics, sig))

	assert.True(t, sig.Signaled())
	assert.Equal(t, 0, d.InFlight())
}

func TestSimBindGroupArityCheck(t *testing.T) {
	d := NewSimDevice()
	defer d.Release()

	slots := []LayoutSlot{{Binding: 0, Kind: SlotKindUniformBuffer, Stages: StageVertex}}
	_, err := d.CreateBindGroup("short", slots, nil)
	assert.Error(t, err)
}
