package material

import (
	"github.com/forge3d/forge/common"
	"github.com/forge3d/forge/gfx/pipeline"
)

// MaterialOption is a function that configures a material instance during construction.
type MaterialOption func(*material)

// WithName is an option builder that sets the name of the material.
//
// Parameters:
//   - name: the identifier for the material, used as the bind group debug label
//
// Returns:
//   - MaterialOption: a function that applies the name option to a material
func WithName(name string) MaterialOption {
	return func(m *material) {
		m.name = name
	}
}

// WithFamily is an option builder that sets the pipeline family. Default is
// the textured-model family.
//
// Parameters:
//   - family: the pipeline family to draw with
//
// Returns:
//   - MaterialOption: a function that applies the family option to a material
func WithFamily(family pipeline.Family) MaterialOption {
	return func(m *material) {
		m.family = family
	}
}

// WithFlags is an option builder that sets the pipeline variant flags.
//
// Parameters:
//   - flags: the compile-time toggles for the material's pipeline
//
// Returns:
//   - MaterialOption: a function that applies the flags option to a material
func WithFlags(flags pipeline.VariantFlags) MaterialOption {
	return func(m *material) {
		m.flags = flags
	}
}

// WithBaseColor is an option builder that sets the RGBA base-color factor.
//
// Parameters:
//   - color: the base color multiplied into the albedo sample
//
// Returns:
//   - MaterialOption: a function that applies the base color option to a material
func WithBaseColor(color [4]float32) MaterialOption {
	return func(m *material) {
		m.baseColor = color
	}
}

// WithVisualization is an option builder that sets the debug output mode.
//
// Parameters:
//   - mode: the visualization selector
//
// Returns:
//   - MaterialOption: a function that applies the visualization option to a material
func WithVisualization(mode VisualizationMode) MaterialOption {
	return func(m *material) {
		m.visualization = mode
	}
}

// WithTransformBuffer is an option builder that sets the transform uniform
// buffer handle (the projection uniform for the GUI quad family).
//
// Parameters:
//   - h: the registry buffer handle
//
// Returns:
//   - MaterialOption: a function that applies the transform buffer option to a material
func WithTransformBuffer(h common.BufferHandle) MaterialOption {
	return func(m *material) {
		m.transformBuffer = h
	}
}

// WithParamsBuffer is an option builder that sets the fragment-stage
// material-params uniform buffer handle.
//
// Parameters:
//   - h: the registry buffer handle
//
// Returns:
//   - MaterialOption: a function that applies the params buffer option to a material
func WithParamsBuffer(h common.BufferHandle) MaterialOption {
	return func(m *material) {
		m.paramsBuffer = h
	}
}

// WithAlbedoTexture is an option builder that sets the albedo texture handle
// (the quad texture for the GUI quad family).
//
// Parameters:
//   - h: the registry image handle
//
// Returns:
//   - MaterialOption: a function that applies the albedo texture option to a material
func WithAlbedoTexture(h common.ImageHandle) MaterialOption {
	return func(m *material) {
		m.albedoTexture = h
	}
}

// WithNormalTexture is an option builder that sets the normal map texture handle.
//
// Parameters:
//   - h: the registry image handle
//
// Returns:
//   - MaterialOption: a function that applies the normal texture option to a material
func WithNormalTexture(h common.ImageHandle) MaterialOption {
	return func(m *material) {
		m.normalTexture = h
	}
}

// WithRoughnessTexture is an option builder that sets the roughness texture handle.
//
// Parameters:
//   - h: the registry image handle
//
// Returns:
//   - MaterialOption: a function that applies the roughness texture option to a material
func WithRoughnessTexture(h common.ImageHandle) MaterialOption {
	return func(m *material) {
		m.roughnessTex = h
	}
}

// WithEmissiveTexture is an option builder that sets the emissive texture handle.
//
// Parameters:
//   - h: the registry image handle
//
// Returns:
//   - MaterialOption: a function that applies the emissive texture option to a material
func WithEmissiveTexture(h common.ImageHandle) MaterialOption {
	return func(m *material) {
		m.emissiveTexture = h
	}
}
