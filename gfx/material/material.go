// Package material ties the per-family binding contracts together: it owns
// the vertex layouts, the embedded shader sources, and the Material type
// that resolves a family plus concrete registry resources into a bind group
// and a cached pipeline.
package material

import (
	"fmt"

	"github.com/forge3d/forge/common"
	"github.com/forge3d/forge/gfx/binding"
	"github.com/forge3d/forge/gfx/pipeline"
)

// material is the implementation of the Material interface.
type material struct {
	name          string
	family        pipeline.Family
	flags         pipeline.VariantFlags
	baseColor     [4]float32
	visualization VisualizationMode

	transformBuffer common.BufferHandle
	paramsBuffer    common.BufferHandle
	albedoTexture   common.ImageHandle
	normalTexture   common.ImageHandle
	roughnessTex    common.ImageHandle
	emissiveTexture common.ImageHandle

	layout    binding.LayoutID
	bindGroup binding.BindGroup
	pipeline  pipeline.Pipeline
}

// Material is one drawable surface configuration: a pipeline family plus
// variant flags plus the registry resources its binding contract requires.
// Resource handles are set at construction; the GPU-side bind group and
// pipeline are resolved once by Realize and reused across frames while the
// bound resources are unchanged.
type Material interface {
	// Name retrieves the material identifier.
	//
	// Returns:
	//   - string: the name of the material
	Name() string

	// Family retrieves the pipeline family the material draws with.
	//
	// Returns:
	//   - pipeline.Family: the family
	Family() pipeline.Family

	// Flags retrieves the variant flags the material's pipeline is compiled with.
	//
	// Returns:
	//   - pipeline.VariantFlags: the variant flags
	Flags() pipeline.VariantFlags

	// BaseColor retrieves the RGBA base-color factor.
	//
	// Returns:
	//   - [4]float32: the base color
	BaseColor() [4]float32

	// Visualization retrieves the debug output mode.
	//
	// Returns:
	//   - VisualizationMode: the selector value uploaded into the params uniform
	Visualization() VisualizationMode

	// Layout retrieves the declared binding layout. Zero until Realize.
	//
	// Returns:
	//   - binding.LayoutID: the layout ID
	Layout() binding.LayoutID

	// BindGroup retrieves the materialized bind group. Nil until Realize.
	//
	// Returns:
	//   - binding.BindGroup: the bind group
	BindGroup() binding.BindGroup

	// Pipeline retrieves the compiled pipeline. Nil until Realize.
	//
	// Returns:
	//   - pipeline.Pipeline: the pipeline
	Pipeline() pipeline.Pipeline

	// Bindings returns the resource assignments the family contract
	// requires, built from the material's handles.
	//
	// Returns:
	//   - []binding.ResourceBinding: one binding per contract slot
	//   - error: an error if the family is unknown
	Bindings() ([]binding.ResourceBinding, error)

	// Realize declares the family's layout, validates and materializes the
	// bind group, and compiles (or fetches) the pipeline. Idempotent once
	// it has succeeded.
	//
	// Parameters:
	//   - layouts: the binding layout manager
	//   - pipelines: the pipeline registry
	//
	// Returns:
	//   - error: a validation or device error; the material is unchanged on failure
	Realize(layouts binding.Manager, pipelines pipeline.Registry) error

	// Release frees the bind group. The bound resources belong to the
	// caller; the pipeline belongs to the registry.
	Release()
}

var _ Material = &material{}

// NewMaterial creates a new Material instance configured with the provided options.
//
// Parameters:
//   - options: variadic list of MaterialOption functions to configure the material
//
// Returns:
//   - Material: a new Material instance
func NewMaterial(options ...MaterialOption) Material {
	m := &material{
		family:    pipeline.FamilyTexturedModel,
		baseColor: [4]float32{1, 1, 1, 1},
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

func (m *material) Name() string {
	return m.name
}

func (m *material) Family() pipeline.Family {
	return m.family
}

func (m *material) Flags() pipeline.VariantFlags {
	return m.flags
}

func (m *material) BaseColor() [4]float32 {
	return m.baseColor
}

func (m *material) Visualization() VisualizationMode {
	return m.visualization
}

func (m *material) Layout() binding.LayoutID {
	return m.layout
}

func (m *material) BindGroup() binding.BindGroup {
	return m.bindGroup
}

func (m *material) Pipeline() pipeline.Pipeline {
	return m.pipeline
}

func (m *material) Bindings() ([]binding.ResourceBinding, error) {
	switch m.family {
	case pipeline.FamilyGUIQuad:
		return []binding.ResourceBinding{
			{Binding: 0, Image: m.albedoTexture},
			{Binding: 1, Buffer: m.transformBuffer},
		}, nil
	case pipeline.FamilyTexturedModel, pipeline.FamilyPBRModel:
		return []binding.ResourceBinding{
			{Binding: 0, Buffer: m.transformBuffer},
			{Binding: 1, Image: m.albedoTexture},
			{Binding: 2, Image: m.normalTexture},
			{Binding: 3, Image: m.roughnessTex},
			{Binding: 4, Image: m.emissiveTexture},
			{Binding: 5, Buffer: m.paramsBuffer},
		}, nil
	case pipeline.FamilyDebugNormal:
		return []binding.ResourceBinding{
			{Binding: 0, Buffer: m.transformBuffer},
		}, nil
	default:
		return nil, fmt.Errorf("unknown pipeline family %d", int(m.family))
	}
}

func (m *material) Realize(layouts binding.Manager, pipelines pipeline.Registry) error {
	if m.bindGroup != nil && m.pipeline != nil {
		return nil
	}

	slots, err := ContractSlots(m.family)
	if err != nil {
		return err
	}
	layout, err := layouts.DeclareLayout(slots)
	if err != nil {
		return err
	}

	bindings, err := m.Bindings()
	if err != nil {
		return err
	}
	group, err := layouts.AllocateBindGroup(m.name, layout, bindings)
	if err != nil {
		return fmt.Errorf("material %q: %w", m.name, err)
	}

	stride, attributes, err := VertexLayout(m.family)
	if err != nil {
		group.Release()
		return err
	}
	// Pipeline instances are shared across materials with the same key, so
	// a registry hit here costs no device call.
	p, err := pipelines.GetOrCreate(m.family, m.flags, layout, m.stages(pipelines),
		pipeline.WithVertexLayout(stride, attributes),
	)
	if err != nil {
		group.Release()
		return fmt.Errorf("material %q: %w", m.name, err)
	}

	m.layout = layout
	m.bindGroup = group
	m.pipeline = p
	return nil
}

// stages resolves the family's shader sources for the backend the pipeline
// registry compiles on.
func (m *material) stages(pipelines pipeline.Registry) pipeline.ShaderStages {
	stages, err := Stages(m.family, pipelines.Backend())
	if err != nil {
		return pipeline.ShaderStages{}
	}
	return stages
}

func (m *material) Release() {
	if m.bindGroup != nil {
		m.bindGroup.Release()
		m.bindGroup = nil
	}
	m.pipeline = nil
	m.layout = 0
}
