package binding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forge3d/forge/common"
	"github.com/forge3d/forge/gfx/allocator"
	"github.com/forge3d/forge/gfx/device"
	"github.com/forge3d/forge/gfx/resource"
)

type bindingFixture struct {
	dev *device.SimDevice
	reg resource.Registry
	mgr Manager
}

func newBindingFixture(t *testing.T) *bindingFixture {
	t.Helper()
	dev := device.NewSimDevice()
	alloc := allocator.NewAllocator(dev)
	reg := resource.NewRegistry(alloc)
	t.Cleanup(func() {
		reg.Shutdown()
		alloc.Release()
		dev.Release()
	})
	return &bindingFixture{dev: dev, reg: reg, mgr: NewManager(dev, reg)}
}

func (f *bindingFixture) uniform(t *testing.T, size uint64) common.BufferHandle {
	t.Helper()
	h, err := f.reg.CreateBuffer("uniform", size, device.BufferUsageUniform|device.BufferUsageCopyDst, device.LocalityDevice)
	require.NoError(t, err)
	return h
}

func (f *bindingFixture) image(t *testing.T) common.ImageHandle {
	t.Helper()
	h, err := f.reg.CreateImage(device.TextureDescriptor{
		Extent: device.Extent3D{Width: 4, Height: 4, Depth: 1},
		Format: device.TextureFormatRGBA8Unorm,
	})
	require.NoError(t, err)
	return h
}

var testSlots = []device.LayoutSlot{
	{Binding: 0, Kind: device.SlotKindUniformBuffer, Stages: device.StageVertex, MinSize: 64},
	{Binding: 1, Kind: device.SlotKindSampledTexture, Stages: device.StageFragment},
}

func TestDeclareLayoutIsIdempotent(t *testing.T) {
	f := newBindingFixture(t)

	id1, err := f.mgr.DeclareLayout(testSlots)
	require.NoError(t, err)
	require.NotZero(t, id1)

	// Same structure in reverse order.
	id2, err := f.mgr.DeclareLayout([]device.LayoutSlot{testSlots[1], testSlots[0]})
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "slot order must not affect layout identity")

	slots, ok := f.mgr.Slots(id1)
	require.True(t, ok)
	assert.EqualValues(t, 0, slots[0].Binding, "canonical slots come back sorted by binding index")
	assert.EqualValues(t, 1, slots[1].Binding)
}

func TestBothDialectsYieldSameLayout(t *testing.T) {
	f := newBindingFixture(t)

	base, err := f.mgr.DeclareLayout(testSlots)
	require.NoError(t, err)

	descID, err := f.mgr.DeclareDescriptorLayout([]DescriptorBinding{
		{Binding: 0, Type: DescriptorTypeUniformBuffer, Stages: device.StageVertex, MinSize: 64},
		{Binding: 1, Type: DescriptorTypeCombinedImageSampler, Stages: device.StageFragment},
	})
	require.NoError(t, err)
	assert.Equal(t, base, descID)

	bgID, err := f.mgr.DeclareBindGroupLayout([]BindGroupLayoutEntry{
		{Binding: 0, Visibility: device.StageVertex, Buffer: &BufferBindingLayout{MinBindingSize: 64}},
		{Binding: 1, Visibility: device.StageFragment, Texture: &TextureBindingLayout{}},
	})
	require.NoError(t, err)
	assert.Equal(t, base, bgID)
}

func TestDeclareRejectsDuplicateBindings(t *testing.T) {
	f := newBindingFixture(t)

	_, err := f.mgr.DeclareLayout([]device.LayoutSlot{
		{Binding: 0, Kind: device.SlotKindUniformBuffer, Stages: device.StageVertex},
		{Binding: 0, Kind: device.SlotKindSampledTexture, Stages: device.StageFragment},
	})
	assert.Error(t, err)
}

func TestDeclareBindGroupLayoutRejectsAmbiguousEntry(t *testing.T) {
	f := newBindingFixture(t)

	_, err := f.mgr.DeclareBindGroupLayout([]BindGroupLayoutEntry{
		{Binding: 0, Visibility: device.StageVertex},
	})
	assert.Error(t, err, "an entry with neither Buffer nor Texture is malformed")

	_, err = f.mgr.DeclareBindGroupLayout([]BindGroupLayoutEntry{
		{Binding: 0, Visibility: device.StageVertex, Buffer: &BufferBindingLayout{}, Texture: &TextureBindingLayout{}},
	})
	assert.Error(t, err, "an entry with both Buffer and Texture is malformed")
}

func TestAllocateBindGroup(t *testing.T) {
	f := newBindingFixture(t)

	id, err := f.mgr.DeclareLayout(testSlots)
	require.NoError(t, err)

	buf := f.uniform(t, 64)
	img := f.image(t)

	group, err := f.mgr.AllocateBindGroup("test group", id, []ResourceBinding{
		{Binding: 1, Image: img},
		{Binding: 0, Buffer: buf},
	})
	require.NoError(t, err)
	defer group.Release()

	assert.Equal(t, id, group.Layout())
	require.NotNil(t, group.DeviceBindGroup())

	bindings := group.Bindings()
	require.Len(t, bindings, 2)
	assert.EqualValues(t, 0, bindings[0].Binding, "bindings come back in slot order regardless of input order")
	assert.EqualValues(t, 1, bindings[1].Binding)
}

func TestAllocateBindGroupMissingSlot(t *testing.T) {
	f := newBindingFixture(t)

	id, err := f.mgr.DeclareLayout(testSlots)
	require.NoError(t, err)

	_, err = f.mgr.AllocateBindGroup("partial", id, []ResourceBinding{
		{Binding: 0, Buffer: f.uniform(t, 64)},
	})
	var incomplete *IncompleteBindGroupError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, []uint32{1}, incomplete.Missing)
	assert.Empty(t, incomplete.Unexpected)
}

func TestAllocateBindGroupUnexpectedSlot(t *testing.T) {
	f := newBindingFixture(t)

	id, err := f.mgr.DeclareLayout(testSlots)
	require.NoError(t, err)

	_, err = f.mgr.AllocateBindGroup("extra", id, []ResourceBinding{
		{Binding: 0, Buffer: f.uniform(t, 64)},
		{Binding: 1, Image: f.image(t)},
		{Binding: 7, Image: f.image(t)},
	})
	var incomplete *IncompleteBindGroupError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, []uint32{7}, incomplete.Unexpected)
}

func TestAllocateBindGroupDoubleBoundSlot(t *testing.T) {
	f := newBindingFixture(t)

	id, err := f.mgr.DeclareLayout(testSlots)
	require.NoError(t, err)

	buf := f.uniform(t, 64)
	_, err = f.mgr.AllocateBindGroup("dup", id, []ResourceBinding{
		{Binding: 0, Buffer: buf},
		{Binding: 0, Buffer: buf},
	})
	var mismatch *LayoutMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.EqualValues(t, 0, mismatch.Binding)
}

func TestAllocateBindGroupKindMismatch(t *testing.T) {
	f := newBindingFixture(t)

	id, err := f.mgr.DeclareLayout(testSlots)
	require.NoError(t, err)

	_, err = f.mgr.AllocateBindGroup("swapped", id, []ResourceBinding{
		{Binding: 0, Image: f.image(t)},
		{Binding: 1, Buffer: f.uniform(t, 64)},
	})
	var mismatch *LayoutMismatchError
	require.ErrorAs(t, err, &mismatch)
}

func TestAllocateBindGroupUsageValidation(t *testing.T) {
	f := newBindingFixture(t)

	id, err := f.mgr.DeclareLayout(testSlots)
	require.NoError(t, err)

	vtx, err := f.reg.CreateBuffer("vertex only", 64, device.BufferUsageVertex, device.LocalityDevice)
	require.NoError(t, err)

	_, err = f.mgr.AllocateBindGroup("bad usage", id, []ResourceBinding{
		{Binding: 0, Buffer: vtx},
		{Binding: 1, Image: f.image(t)},
	})
	var mismatch *LayoutMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Contains(t, mismatch.Reason, "uniform usage")
}

func TestAllocateBindGroupMinSizeValidation(t *testing.T) {
	f := newBindingFixture(t)

	id, err := f.mgr.DeclareLayout(testSlots)
	require.NoError(t, err)

	small := f.uniform(t, 32)
	_, err = f.mgr.AllocateBindGroup("too small", id, []ResourceBinding{
		{Binding: 0, Buffer: small},
		{Binding: 1, Image: f.image(t)},
	})
	var mismatch *LayoutMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Contains(t, mismatch.Reason, "below layout minimum")
}

func TestAllocateBindGroupStaleHandle(t *testing.T) {
	f := newBindingFixture(t)

	id, err := f.mgr.DeclareLayout(testSlots)
	require.NoError(t, err)

	buf := f.uniform(t, 64)
	img := f.image(t)
	f.reg.MarkRetired(buf.Handle, 1)
	f.reg.ReclaimUpTo(1)

	_, err = f.mgr.AllocateBindGroup("stale", id, []ResourceBinding{
		{Binding: 0, Buffer: buf},
		{Binding: 1, Image: img},
	})
	var mismatch *LayoutMismatchError
	require.ErrorAs(t, err, &mismatch)
}

func TestAllocateBindGroupUndeclaredLayout(t *testing.T) {
	f := newBindingFixture(t)

	_, err := f.mgr.AllocateBindGroup("nothing", LayoutID(42), nil)
	assert.Error(t, err)
}
