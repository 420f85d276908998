package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forge3d/forge/gfx/allocator"
	"github.com/forge3d/forge/gfx/binding"
	"github.com/forge3d/forge/gfx/device"
	"github.com/forge3d/forge/gfx/resource"
)

type pipelineFixture struct {
	dev    *device.SimDevice
	reg    Registry
	layout binding.LayoutID
	stages ShaderStages
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	dev := device.NewSimDevice()
	alloc := allocator.NewAllocator(dev)
	resources := resource.NewRegistry(alloc)
	layouts := binding.NewManager(dev, resources)

	id, err := layouts.DeclareLayout([]device.LayoutSlot{
		{Binding: 0, Kind: device.SlotKindUniformBuffer, Stages: device.StageVertex, MinSize: 64},
	})
	require.NoError(t, err)

	reg := NewRegistry(dev, layouts)
	t.Cleanup(func() {
		reg.Teardown()
		resources.Shutdown()
		alloc.Release()
		dev.Release()
	})
	return &pipelineFixture{
		dev:    dev,
		reg:    reg,
		layout: id,
		stages: ShaderStages{Vertex: "vs", Fragment: "fs"},
	}
}

func TestGetOrCreateMemoizes(t *testing.T) {
	f := newPipelineFixture(t)

	p1, err := f.reg.GetOrCreate(FamilyTexturedModel, 0, f.layout, f.stages)
	require.NoError(t, err)
	p2, err := f.reg.GetOrCreate(FamilyTexturedModel, 0, f.layout, f.stages)
	require.NoError(t, err)

	assert.Same(t, p1, p2, "identical keys return the identical instance")
	assert.EqualValues(t, 1, f.dev.PipelineBuilds(), "the device must be asked to compile exactly once")
	assert.Equal(t, 1, f.reg.Count())
}

func TestVariantFlagsAreDistinctCacheEntries(t *testing.T) {
	f := newPipelineFixture(t)

	base, err := f.reg.GetOrCreate(FamilyTexturedModel, 0, f.layout, f.stages)
	require.NoError(t, err)
	blended, err := f.reg.GetOrCreate(FamilyTexturedModel, VariantAlphaBlend, f.layout, f.stages)
	require.NoError(t, err)

	assert.NotSame(t, base, blended)
	assert.EqualValues(t, 2, f.dev.PipelineBuilds())
	assert.False(t, base.BlendEnabled())
	assert.True(t, blended.BlendEnabled())
}

func TestVariantFlagsShapeFixedFunctionState(t *testing.T) {
	f := newPipelineFixture(t)

	p, err := f.reg.GetOrCreate(FamilyDebugNormal,
		VariantDoubleSided|VariantDepthReadOnly, f.layout, f.stages)
	require.NoError(t, err)

	assert.True(t, p.DepthTestEnabled())
	assert.False(t, p.DepthWriteEnabled(), "depth-read-only variant disables depth writes")
	assert.False(t, p.CullBackEnabled(), "double-sided variant disables back-face culling")
}

func TestLookupDoesNotCompile(t *testing.T) {
	f := newPipelineFixture(t)

	key := Key{Family: FamilyGUIQuad, Flags: 0, Layout: f.layout}
	_, ok := f.reg.Lookup(key)
	assert.False(t, ok)
	assert.EqualValues(t, 0, f.dev.PipelineBuilds())

	created, err := f.reg.GetOrCreate(FamilyGUIQuad, 0, f.layout, f.stages)
	require.NoError(t, err)

	found, ok := f.reg.Lookup(key)
	require.True(t, ok)
	assert.Same(t, created, found)
}

func TestGetOrCreateRejectsUndeclaredLayout(t *testing.T) {
	f := newPipelineFixture(t)

	_, err := f.reg.GetOrCreate(FamilyGUIQuad, 0, binding.LayoutID(99), f.stages)
	assert.Error(t, err)
	assert.EqualValues(t, 0, f.dev.PipelineBuilds())
}

func TestTeardownEmptiesCache(t *testing.T) {
	f := newPipelineFixture(t)

	_, err := f.reg.GetOrCreate(FamilyGUIQuad, 0, f.layout, f.stages)
	require.NoError(t, err)
	_, err = f.reg.GetOrCreate(FamilyPBRModel, 0, f.layout, f.stages)
	require.NoError(t, err)
	require.Equal(t, 2, f.reg.Count())

	f.reg.Teardown()
	assert.Equal(t, 0, f.reg.Count())

	// A re-request after teardown recompiles.
	_, err = f.reg.GetOrCreate(FamilyGUIQuad, 0, f.layout, f.stages)
	require.NoError(t, err)
	assert.EqualValues(t, 3, f.dev.PipelineBuilds())
}

func TestFamilyNames(t *testing.T) {
	assert.Equal(t, "gui-quad", FamilyGUIQuad.String())
	assert.Equal(t, "textured-model", FamilyTexturedModel.String())
	assert.Equal(t, "pbr-model", FamilyPBRModel.String())
	assert.Equal(t, "debug-normal", FamilyDebugNormal.String())
}
