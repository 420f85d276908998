package material

import (
	"encoding/binary"
	"math"
	"unsafe"
)

// VisualizationMode selects the textured-model fragment shader's debug
// output. Values match the shader's visualization switch exactly.
type VisualizationMode uint32

const (
	// VisualizationLit is the fully lit default output.
	VisualizationLit VisualizationMode = iota

	// VisualizationAlbedoOnly outputs the sampled albedo color.
	VisualizationAlbedoOnly

	// VisualizationNormalOnly outputs the tangent-space-mapped shading normal.
	VisualizationNormalOnly

	// VisualizationRoughnessOnly outputs the sampled roughness channel.
	VisualizationRoughnessOnly

	// VisualizationRawNormal outputs the interpolated geometric normal.
	VisualizationRawNormal

	// VisualizationRawTangent outputs the interpolated tangent.
	VisualizationRawTangent
)

// GPUGuiProjection is the GPU-aligned uniform for the GUI quad vertex shader.
// Matches the WGSL/GLSL GuiProjection struct layout exactly.
// Size: 64 bytes (one mat4x4<f32>, column-major).
type GPUGuiProjection struct {
	Projection [16]float32 // offset 0: orthographic projection matrix (64 bytes)
}

// Size returns the size of the GPUGuiProjection struct in bytes.
//
// Returns:
//   - int: the size of the struct in bytes.
func (g *GPUGuiProjection) Size() int {
	return int(unsafe.Sizeof(*g))
}

// Marshal serializes the GPUGuiProjection struct into a byte buffer suitable for GPU upload.
//
// Returns:
//   - []byte: 64-byte buffer ready for GPU upload.
func (g *GPUGuiProjection) Marshal() []byte {
	buf := make([]byte, 64)
	putMat4(buf[0:64], g.Projection)
	return buf
}

// GPUTransform is the GPU-aligned uniform for the model vertex shaders.
// Matches the WGSL/GLSL Transform struct layout exactly.
// Size: 192 bytes (three mat4x4<f32>, column-major).
type GPUTransform struct {
	World [16]float32 // offset 0: model-to-world matrix (64 bytes)
	View  [16]float32 // offset 64: world-to-view matrix (64 bytes)
	Proj  [16]float32 // offset 128: view-to-clip matrix (64 bytes)
}

// Size returns the size of the GPUTransform struct in bytes.
//
// Returns:
//   - int: the size of the struct in bytes.
func (g *GPUTransform) Size() int {
	return int(unsafe.Sizeof(*g))
}

// Marshal serializes the GPUTransform struct into a byte buffer suitable for GPU upload.
//
// Returns:
//   - []byte: 192-byte buffer ready for GPU upload.
func (g *GPUTransform) Marshal() []byte {
	buf := make([]byte, 192)
	putMat4(buf[0:64], g.World)
	putMat4(buf[64:128], g.View)
	putMat4(buf[128:192], g.Proj)
	return buf
}

// GPUMaterialParams is the GPU-aligned uniform for the textured-model
// fragment shader: base-color factor, camera and light positions, and the
// debug visualization selector.
// Matches the WGSL/GLSL MaterialParams struct layout exactly.
// Size: 64 bytes (three vec4<f32> plus one u32 with 12 bytes of padding).
type GPUMaterialParams struct {
	BaseColor     [4]float32        // offset 0: RGBA base-color factor multiplied into the albedo sample (16 bytes)
	CameraPos     [4]float32        // offset 16: world-space camera position, w unused (16 bytes)
	LightPos      [4]float32        // offset 32: world-space light position, w unused (16 bytes)
	Visualization VisualizationMode // offset 48: debug output selector (4 bytes + 12 bytes padding)
	_             [3]uint32
}

// Size returns the size of the GPUMaterialParams struct in bytes.
//
// Returns:
//   - int: the size of the struct in bytes.
func (g *GPUMaterialParams) Size() int {
	return int(unsafe.Sizeof(*g))
}

// Marshal serializes the GPUMaterialParams struct into a byte buffer suitable for GPU upload.
//
// Returns:
//   - []byte: 64-byte buffer ready for GPU upload.
func (g *GPUMaterialParams) Marshal() []byte {
	buf := make([]byte, 64)
	putVec4(buf[0:16], g.BaseColor)
	putVec4(buf[16:32], g.CameraPos)
	putVec4(buf[32:48], g.LightPos)
	binary.LittleEndian.PutUint32(buf[48:52], uint32(g.Visualization))
	return buf
}

func putVec4(dst []byte, v [4]float32) {
	for i, f := range v {
		binary.LittleEndian.PutUint32(dst[i*4:i*4+4], math.Float32bits(f))
	}
}

func putMat4(dst []byte, m [16]float32) {
	for i, f := range m {
		binary.LittleEndian.PutUint32(dst[i*4:i*4+4], math.Float32bits(f))
	}
}
