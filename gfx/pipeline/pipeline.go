// Package pipeline compiles and caches pipeline state objects keyed by
// pipeline family and per-material variant flags. Construction is the
// expensive externally supplied device call; the registry memoizes it so a
// key is only ever compiled once per session.
package pipeline

import (
	"fmt"

	"github.com/forge3d/forge/gfx/binding"
	"github.com/forge3d/forge/gfx/device"
)

// Family identifies a named shader-stage combination with a fixed vertex and
// binding contract.
type Family int

const (
	// FamilyGUIQuad is the textured GUI quad family.
	FamilyGUIQuad Family = iota

	// FamilyTexturedModel is the textured model family with tangent-space
	// normal mapping.
	FamilyTexturedModel

	// FamilyPBRModel is the PBR-style textured model family.
	FamilyPBRModel

	// FamilyDebugNormal is the debug visualization variant that outputs
	// transformed normals or tangents for inspection.
	FamilyDebugNormal
)

// String returns the family's name for labels and errors.
//
// Returns:
//   - string: the family name
func (f Family) String() string {
	switch f {
	case FamilyGUIQuad:
		return "gui-quad"
	case FamilyTexturedModel:
		return "textured-model"
	case FamilyPBRModel:
		return "pbr-model"
	case FamilyDebugNormal:
		return "debug-normal"
	default:
		return fmt.Sprintf("family(%d)", int(f))
	}
}

// VariantFlags are the compile-time per-material toggles a family is built
// with. Different flags compile different pipeline state objects.
type VariantFlags uint32

const (
	// VariantAlphaBlend enables alpha blending.
	VariantAlphaBlend VariantFlags = 1 << iota

	// VariantDoubleSided disables back-face culling.
	VariantDoubleSided

	// VariantDepthReadOnly tests depth but does not write it.
	VariantDepthReadOnly
)

// Key is the memoization key: identical keys always return the identical
// cached Pipeline instance. A LayoutID only ever names one slot structure
// (the binding manager deduplicates declarations), so a key can never be
// reused for a structurally different binding layout.
type Key struct {
	// Family is the pipeline family.
	Family Family
	// Flags are the variant flags.
	Flags VariantFlags
	// Layout is the binding layout the pipeline is compiled against.
	Layout binding.LayoutID
}

// String renders the key for labels.
//
// Returns:
//   - string: a human-readable key form
func (k Key) String() string {
	return fmt.Sprintf("%s/%#x/layout%d", k.Family, uint32(k.Flags), uint32(k.Layout))
}

// ShaderStages carries the opaque shader sources a pipeline is compiled
// from. The core never interprets them; they are the binding contract's
// executable half, in whichever dialect the active backend consumes.
type ShaderStages struct {
	// Vertex is the vertex stage source.
	Vertex string
	// Fragment is the fragment stage source.
	Fragment string
}

// pipeline is the implementation of the Pipeline interface.
type pipeline struct {
	key    Key
	handle device.Pipeline

	vertexStride     uint64
	vertexAttributes []device.VertexAttribute
	depthTest        bool
	depthWrite       bool
	alphaBlend       bool
	cullBack         bool
}

// Pipeline is a compiled pipeline state object: shader stages plus binding
// layout plus vertex input layout plus fixed-function state. Instances are
// owned by the registry and persist for the process lifetime or until
// explicit full-registry teardown on device loss.
type Pipeline interface {
	// Key returns the cache key the pipeline was compiled under.
	//
	// Returns:
	//   - Key: the cache key
	Key() Key

	// Handle returns the backend pipeline object for draw binding.
	//
	// Returns:
	//   - device.Pipeline: the backend object
	Handle() device.Pipeline

	// DepthTestEnabled returns whether depth testing is enabled for this pipeline.
	//
	// Returns:
	//   - bool: true if depth testing is enabled, false otherwise
	DepthTestEnabled() bool

	// DepthWriteEnabled returns whether depth writing is enabled for this pipeline.
	//
	// Returns:
	//   - bool: true if depth writing is enabled, false otherwise
	DepthWriteEnabled() bool

	// BlendEnabled returns whether alpha blending is enabled for this pipeline.
	//
	// Returns:
	//   - bool: true if blending is enabled, false otherwise
	BlendEnabled() bool

	// CullBackEnabled returns whether back-face culling is enabled for this pipeline.
	//
	// Returns:
	//   - bool: true if back-face culling is enabled, false otherwise
	CullBackEnabled() bool
}

var _ Pipeline = &pipeline{}

func (p *pipeline) Key() Key                { return p.key }
func (p *pipeline) Handle() device.Pipeline { return p.handle }
func (p *pipeline) DepthTestEnabled() bool  { return p.depthTest }
func (p *pipeline) DepthWriteEnabled() bool { return p.depthWrite }
func (p *pipeline) BlendEnabled() bool      { return p.alphaBlend }
func (p *pipeline) CullBackEnabled() bool   { return p.cullBack }

// Option is a functional option used to configure a pipeline during construction.
type Option func(*pipeline)

// WithVertexLayout sets the vertex input layout for this pipeline.
//
// Parameters:
//   - stride: byte stride of one vertex
//   - attributes: the vertex attributes in location order
//
// Returns:
//   - Option: a function that sets the vertex layout for this pipeline
func WithVertexLayout(stride uint64, attributes []device.VertexAttribute) Option {
	return func(p *pipeline) {
		p.vertexStride = stride
		p.vertexAttributes = attributes
	}
}

// WithDepthTest sets whether depth testing is enabled for this pipeline.
//
// Parameters:
//   - enabled: a boolean indicating whether depth testing should be enabled
//
// Returns:
//   - Option: a function that sets the depth test state for this pipeline
func WithDepthTest(enabled bool) Option {
	return func(p *pipeline) {
		p.depthTest = enabled
	}
}

// WithDepthWrite sets whether depth writing is enabled for this pipeline.
//
// Parameters:
//   - enabled: a boolean indicating whether depth writing should be enabled
//
// Returns:
//   - Option: a function that sets the depth write state for this pipeline
func WithDepthWrite(enabled bool) Option {
	return func(p *pipeline) {
		p.depthWrite = enabled
	}
}
