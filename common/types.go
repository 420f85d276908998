// package common contains common types that are used throughout this engine. They are not interface-wrapped structs, just plain structs that express
// commonly used data-types.
package common

// TextureStagingData holds RGBA pixel data for a texture pending GPU upload.
// This is the CPU-side payload handed to the upload scheduler before the GPU
// texture exists in device-local memory.
type TextureStagingData struct {
	// Pixels is the byte slice representing the actual pixel data for the texture. It should be in RGBA format, with 4 bytes per pixel.
	Pixels []byte
	// Width is the width of the texture in pixels. This is required to correctly create the GPU texture and interpret the pixel data.
	Width uint32
	// Height is the height of the texture in pixels. This is required to correctly create the GPU texture and interpret the pixel data.
	Height uint32
}

// ByteSize returns the total number of payload bytes the staging data carries.
//
// Returns:
//   - uint64: len(Pixels) as an unsigned size
func (t TextureStagingData) ByteSize() uint64 {
	return uint64(len(t.Pixels))
}

const (
	// GUIVertexSize is the byte stride of one GUIVertex.
	GUIVertexSize = 32
	// ModelVertexSize is the byte stride of one ModelVertex.
	ModelVertexSize = 48
)

// GUIVertex is the GPU-aligned vertex for GUI quad pipelines.
// Size: 32 bytes, matching the GUI shader vertex contract in both dialects.
type GUIVertex struct {
	Position [2]float32 // offset  0: screen-space position (8 bytes)
	UV       [2]float32 // offset  8: texture coordinate (8 bytes)
	Color    [4]float32 // offset 16: per-vertex RGBA color (16 bytes)
}

// ModelVertex is the GPU-aligned vertex for textured/PBR model pipelines.
// Size: 48 bytes, matching the model shader vertex contract in both dialects.
type ModelVertex struct {
	Position [3]float32 // offset  0: position in model space (12 bytes)
	Normal   [3]float32 // offset 12: normal for lighting (12 bytes)
	Tangent  [4]float32 // offset 24: tangent xyz + handedness w (16 bytes)
	UV       [2]float32 // offset 40: texture coordinate (8 bytes)
}
