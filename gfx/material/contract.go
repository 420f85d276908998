package material

import (
	"fmt"

	"github.com/forge3d/forge/common"
	"github.com/forge3d/forge/gfx/binding"
	"github.com/forge3d/forge/gfx/device"
	"github.com/forge3d/forge/gfx/pipeline"
)

// Fixed binding contracts, one per pipeline family. The slot indices, kinds
// and visibility here are the source of truth the shaders in assets/ are
// written against; changing one without the other breaks the family.

// guiQuadSlots is the GUI quad contract: a sampled texture at binding 0 for
// the fragment stage and a 64-byte projection uniform at binding 1 for the
// vertex stage.
var guiQuadSlots = []device.LayoutSlot{
	{Binding: 0, Kind: device.SlotKindSampledTexture, Stages: device.StageFragment},
	{Binding: 1, Kind: device.SlotKindUniformBuffer, Stages: device.StageVertex, MinSize: 64},
}

// texturedModelSlots is the textured-model contract: a 192-byte transform
// uniform at binding 0 for the vertex stage, albedo/normal/roughness/emissive
// samplers at bindings 1-4 for the fragment stage, and a 64-byte material
// params uniform at binding 5 for the fragment stage.
var texturedModelSlots = []device.LayoutSlot{
	{Binding: 0, Kind: device.SlotKindUniformBuffer, Stages: device.StageVertex, MinSize: 192},
	{Binding: 1, Kind: device.SlotKindSampledTexture, Stages: device.StageFragment},
	{Binding: 2, Kind: device.SlotKindSampledTexture, Stages: device.StageFragment},
	{Binding: 3, Kind: device.SlotKindSampledTexture, Stages: device.StageFragment},
	{Binding: 4, Kind: device.SlotKindSampledTexture, Stages: device.StageFragment},
	{Binding: 5, Kind: device.SlotKindUniformBuffer, Stages: device.StageFragment, MinSize: 64},
}

// debugNormalSlots is the debug visualization contract: the transform
// uniform only, no lighting state.
var debugNormalSlots = []device.LayoutSlot{
	{Binding: 0, Kind: device.SlotKindUniformBuffer, Stages: device.StageVertex, MinSize: 192},
}

// ContractSlots returns the backend-neutral binding contract of a family.
//
// Parameters:
//   - family: the pipeline family
//
// Returns:
//   - []device.LayoutSlot: the contract slots in binding order
//   - error: an error if the family is unknown
func ContractSlots(family pipeline.Family) ([]device.LayoutSlot, error) {
	switch family {
	case pipeline.FamilyGUIQuad:
		return guiQuadSlots, nil
	case pipeline.FamilyTexturedModel, pipeline.FamilyPBRModel:
		return texturedModelSlots, nil
	case pipeline.FamilyDebugNormal:
		return debugNormalSlots, nil
	default:
		return nil, fmt.Errorf("unknown pipeline family %d", int(family))
	}
}

// DescriptorContract returns a family's contract in the descriptor-style
// declaration dialect.
//
// Parameters:
//   - family: the pipeline family
//
// Returns:
//   - []binding.DescriptorBinding: the contract in descriptor form
//   - error: an error if the family is unknown
func DescriptorContract(family pipeline.Family) ([]binding.DescriptorBinding, error) {
	slots, err := ContractSlots(family)
	if err != nil {
		return nil, err
	}
	out := make([]binding.DescriptorBinding, len(slots))
	for i, s := range slots {
		b := binding.DescriptorBinding{Binding: s.Binding, Stages: s.Stages}
		if s.Kind == device.SlotKindUniformBuffer {
			b.Type = binding.DescriptorTypeUniformBuffer
			b.MinSize = s.MinSize
		} else {
			b.Type = binding.DescriptorTypeCombinedImageSampler
		}
		out[i] = b
	}
	return out, nil
}

// BindGroupContract returns a family's contract in the bind-group-style
// declaration dialect. Declaring either dialect's form with the binding
// manager yields the same LayoutID.
//
// Parameters:
//   - family: the pipeline family
//
// Returns:
//   - []binding.BindGroupLayoutEntry: the contract in bind-group form
//   - error: an error if the family is unknown
func BindGroupContract(family pipeline.Family) ([]binding.BindGroupLayoutEntry, error) {
	slots, err := ContractSlots(family)
	if err != nil {
		return nil, err
	}
	out := make([]binding.BindGroupLayoutEntry, len(slots))
	for i, s := range slots {
		e := binding.BindGroupLayoutEntry{Binding: s.Binding, Visibility: s.Stages}
		if s.Kind == device.SlotKindUniformBuffer {
			e.Buffer = &binding.BufferBindingLayout{MinBindingSize: s.MinSize}
		} else {
			e.Texture = &binding.TextureBindingLayout{}
		}
		out[i] = e
	}
	return out, nil
}

// guiVertexAttributes is the GUIVertex input layout.
var guiVertexAttributes = []device.VertexAttribute{
	{Location: 0, Offset: 0, Format: device.VertexFormatFloat32x2},
	{Location: 1, Offset: 8, Format: device.VertexFormatFloat32x2},
	{Location: 2, Offset: 16, Format: device.VertexFormatFloat32x4},
}

// modelVertexAttributes is the ModelVertex input layout.
var modelVertexAttributes = []device.VertexAttribute{
	{Location: 0, Offset: 0, Format: device.VertexFormatFloat32x3},
	{Location: 1, Offset: 12, Format: device.VertexFormatFloat32x3},
	{Location: 2, Offset: 24, Format: device.VertexFormatFloat32x4},
	{Location: 3, Offset: 40, Format: device.VertexFormatFloat32x2},
}

// VertexLayout returns a family's vertex input layout.
//
// Parameters:
//   - family: the pipeline family
//
// Returns:
//   - uint64: the vertex byte stride
//   - []device.VertexAttribute: the attributes in location order
//   - error: an error if the family is unknown
func VertexLayout(family pipeline.Family) (uint64, []device.VertexAttribute, error) {
	switch family {
	case pipeline.FamilyGUIQuad:
		return uint64(common.GUIVertexSize), guiVertexAttributes, nil
	case pipeline.FamilyTexturedModel, pipeline.FamilyPBRModel, pipeline.FamilyDebugNormal:
		return uint64(common.ModelVertexSize), modelVertexAttributes, nil
	default:
		return 0, nil, fmt.Errorf("unknown pipeline family %d", int(family))
	}
}
