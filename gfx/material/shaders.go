package material

import (
	_ "embed"
	"fmt"

	"github.com/forge3d/forge/gfx/device"
	"github.com/forge3d/forge/gfx/pipeline"
)

// GUIQuadShaderSource is the WGSL source for the GUI quad family (vertex and
// fragment stages in one module).
//
//go:embed assets/gui_quad.wgsl
var GUIQuadShaderSource string

// TexturedModelShaderSource is the WGSL source for the textured-model and
// PBR-model families.
//
//go:embed assets/textured_model.wgsl
var TexturedModelShaderSource string

// DebugNormalShaderSource is the WGSL source for the debug visualization
// family.
//
//go:embed assets/debug_normal.wgsl
var DebugNormalShaderSource string

// GLSL sources for the native Vulkan backend, one file per stage.

//go:embed assets/gui_quad.vert
var guiQuadVertGLSL string

//go:embed assets/gui_quad.frag
var guiQuadFragGLSL string

//go:embed assets/textured_model.vert
var texturedModelVertGLSL string

//go:embed assets/textured_model.frag
var texturedModelFragGLSL string

//go:embed assets/debug_normal.vert
var debugNormalVertGLSL string

//go:embed assets/debug_normal.frag
var debugNormalFragGLSL string

// Stages returns the shader stage sources of a family in the dialect the
// given backend consumes: WGSL for the WebGPU and simulated backends, GLSL
// for the native Vulkan backend.
//
// Parameters:
//   - family: the pipeline family
//   - backend: the active device backend
//
// Returns:
//   - pipeline.ShaderStages: the stage sources
//   - error: an error if the family is unknown
func Stages(family pipeline.Family, backend device.BackendType) (pipeline.ShaderStages, error) {
	if backend == device.BackendTypeVulkan {
		switch family {
		case pipeline.FamilyGUIQuad:
			return pipeline.ShaderStages{Vertex: guiQuadVertGLSL, Fragment: guiQuadFragGLSL}, nil
		case pipeline.FamilyTexturedModel, pipeline.FamilyPBRModel:
			return pipeline.ShaderStages{Vertex: texturedModelVertGLSL, Fragment: texturedModelFragGLSL}, nil
		case pipeline.FamilyDebugNormal:
			return pipeline.ShaderStages{Vertex: debugNormalVertGLSL, Fragment: debugNormalFragGLSL}, nil
		default:
			return pipeline.ShaderStages{}, fmt.Errorf("unknown pipeline family %d", int(family))
		}
	}

	switch family {
	case pipeline.FamilyGUIQuad:
		return pipeline.ShaderStages{Vertex: GUIQuadShaderSource, Fragment: GUIQuadShaderSource}, nil
	case pipeline.FamilyTexturedModel, pipeline.FamilyPBRModel:
		return pipeline.ShaderStages{Vertex: TexturedModelShaderSource, Fragment: TexturedModelShaderSource}, nil
	case pipeline.FamilyDebugNormal:
		return pipeline.ShaderStages{Vertex: DebugNormalShaderSource, Fragment: DebugNormalShaderSource}, nil
	default:
		return pipeline.ShaderStages{}, fmt.Errorf("unknown pipeline family %d", int(family))
	}
}
