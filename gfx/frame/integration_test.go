package frame

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forge3d/forge/common"
	"github.com/forge3d/forge/gfx/allocator"
	"github.com/forge3d/forge/gfx/binding"
	"github.com/forge3d/forge/gfx/device"
	"github.com/forge3d/forge/gfx/material"
	"github.com/forge3d/forge/gfx/pipeline"
	"github.com/forge3d/forge/gfx/resource"
	"github.com/forge3d/forge/gfx/upload"
)

// TestTexturedQuadEndToEnd drives the full stack the way a renderer would:
// create a 64x64 RGBA texture and a vertex buffer, feed both through the
// upload scheduler, realize a material over them, and pace frames on the
// simulated clock until the uploads provably land.
func TestTexturedQuadEndToEnd(t *testing.T) {
	dev := device.NewSimDevice()
	defer dev.Release()
	alloc := allocator.NewAllocator(dev)
	defer alloc.Release()
	reg := resource.NewRegistry(alloc)
	defer reg.Shutdown()
	layouts := binding.NewManager(dev, reg)
	pipelines := pipeline.NewRegistry(dev, layouts)
	defer pipelines.Teardown()
	uploads := upload.NewScheduler(dev, reg)
	defer uploads.Shutdown()

	sched, err := NewScheduler(dev, reg, uploads)
	require.NoError(t, err)
	defer func() {
		dev.CompleteAll()
		_ = sched.Shutdown()
	}()

	// Resources for a single textured quad.
	quad := []common.GUIVertex{
		{Position: [2]float32{0, 0}, UV: [2]float32{0, 0}, Color: [4]float32{1, 1, 1, 1}},
		{Position: [2]float32{64, 0}, UV: [2]float32{1, 0}, Color: [4]float32{1, 1, 1, 1}},
		{Position: [2]float32{64, 64}, UV: [2]float32{1, 1}, Color: [4]float32{1, 1, 1, 1}},
		{Position: [2]float32{0, 64}, UV: [2]float32{0, 1}, Color: [4]float32{1, 1, 1, 1}},
	}
	vertexBuf, err := reg.CreateBuffer("quad vertices",
		uint64(len(quad))*common.GUIVertexSize,
		device.BufferUsageVertex|device.BufferUsageCopyDst, device.LocalityDevice)
	require.NoError(t, err)

	projBuf, err := reg.CreateBuffer("projection", 64,
		device.BufferUsageUniform|device.BufferUsageCopyDst, device.LocalityDevice)
	require.NoError(t, err)

	img, err := reg.CreateImage(device.TextureDescriptor{
		Label:  "quad texture",
		Extent: device.Extent3D{Width: 64, Height: 64, Depth: 1},
		Format: device.TextureFormatRGBA8Unorm,
	})
	require.NoError(t, err)

	pixels := bytes.Repeat([]byte{10, 20, 30, 255}, 64*64)
	vtxTicket, err := uploads.Submit(upload.Request{Buffer: vertexBuf, Payload: common.SliceToBytes(quad)})
	require.NoError(t, err)
	texTicket, err := uploads.Submit(upload.Request{Image: img, Payload: pixels})
	require.NoError(t, err)

	var proj material.GPUGuiProjection
	common.Identity(proj.Projection[:])
	projTicket, err := uploads.Submit(upload.Request{Buffer: projBuf, Payload: proj.Marshal()})
	require.NoError(t, err)

	m := material.NewMaterial(
		material.WithName("quad"),
		material.WithFamily(pipeline.FamilyGUIQuad),
		material.WithAlbedoTexture(img),
		material.WithTransformBuffer(projBuf),
	)
	require.NoError(t, m.Realize(layouts, pipelines))
	defer m.Release()

	require.Eventually(t, func() bool { return uploads.Pending() == 3 },
		5*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return vtxTicket.State() == upload.StateStaged },
		5*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return texTicket.State() == upload.StateStaged },
		5*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return projTicket.State() == upload.StateStaged },
		5*time.Second, time.Millisecond)

	// Frame 1 carries all three copies.
	require.NoError(t, sched.BeginFrame())
	gen := sched.Generation()
	reg.Touch(vertexBuf.Handle, gen)
	for _, b := range m.BindGroup().Bindings() {
		if b.Buffer.Valid() {
			reg.Touch(b.Buffer.Handle, gen)
		} else {
			reg.Touch(b.Image.Handle, gen)
		}
	}
	require.NoError(t, sched.EndFrame())

	// The sim device executes copies at submit, so the destination bytes
	// are observable immediately.
	imgView, err := reg.Image(img)
	require.NoError(t, err)
	assert.Equal(t, pixels, dev.TextureBytes(imgView.Texture))
	assert.Equal(t, device.TextureStateShaderRead, imgView.Texture.State())

	bufView, err := reg.Buffer(vertexBuf)
	require.NoError(t, err)
	got := dev.BufferBytes(bufView.Buffer)
	assert.Equal(t, common.SliceToBytes(quad), got[bufView.Offset:bufView.Offset+uint64(len(quad))*common.GUIVertexSize])

	// Ride the ring until frame 1 retires; the tickets complete and the
	// staging buffers recycle.
	require.NoError(t, sched.BeginFrame())
	require.NoError(t, sched.EndFrame())
	require.True(t, dev.CompleteOldest())
	require.NoError(t, sched.BeginFrame())
	require.NoError(t, sched.EndFrame())

	assert.Equal(t, upload.StateCompleted, vtxTicket.State())
	assert.Equal(t, upload.StateCompleted, texTicket.State())
	assert.Equal(t, upload.StateCompleted, projTicket.State())
	assert.Equal(t, 0, uploads.Pending())
	assert.Equal(t, 3, reg.LiveCount())
	assert.EqualValues(t, 1, dev.PipelineBuilds())
}
