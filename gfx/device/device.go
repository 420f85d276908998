// Package device defines the backend-agnostic GPU device capability surface
// used by every other gfx package: allocate, copy, create-pipeline, submit,
// and signal/wait. Two hardware backends implement it (a native Vulkan
// backend and a portable WebGPU backend) along with a simulated backend for
// headless use and tests. Core logic above this package never depends on
// which implementation is active.
package device

import (
	"fmt"
	"time"
)

// BackendType identifies the concrete Device implementation.
type BackendType int

const (
	// BackendTypeSim selects the simulated in-memory device backend.
	BackendTypeSim BackendType = iota

	// BackendTypeWGPU selects the portable WebGPU-based device backend.
	BackendTypeWGPU

	// BackendTypeVulkan selects the native Vulkan device backend.
	BackendTypeVulkan
)

// BufferUsage is a bitmask describing the capabilities a buffer is created with.
// A buffer may only be bound or copied in ways its usage flags allow.
type BufferUsage uint32

const (
	// BufferUsageVertex allows binding as a vertex buffer.
	BufferUsageVertex BufferUsage = 1 << iota
	// BufferUsageIndex allows binding as an index buffer.
	BufferUsageIndex
	// BufferUsageUniform allows binding to a uniform-buffer slot.
	BufferUsageUniform
	// BufferUsageCopySrc allows the buffer to be the source of a device copy.
	BufferUsageCopySrc
	// BufferUsageCopyDst allows the buffer to be the destination of a device copy.
	BufferUsageCopyDst
	// BufferUsageStaging marks a CPU-writable transfer buffer used as an
	// intermediate for uploads into device-local memory.
	BufferUsageStaging
)

// Has reports whether every flag in want is present in the usage mask.
//
// Parameters:
//   - want: the flags to test for
//
// Returns:
//   - bool: true if all requested flags are set
func (u BufferUsage) Has(want BufferUsage) bool {
	return u&want == want
}

// Locality selects which memory heap an allocation is placed in.
type Locality int

const (
	// LocalityDevice places the allocation in device-local memory (fast for
	// the GPU, not CPU-writable).
	LocalityDevice Locality = iota

	// LocalityHost places the allocation in host-visible memory so the CPU
	// can write into it directly (staging buffers, per-frame uniforms).
	LocalityHost
)

// QueueClass selects which logical submission stream a command buffer targets.
// Backends with a dedicated transfer queue keep the two distinct; backends
// with a single queue treat them as one stream.
type QueueClass int

const (
	// QueueGraphics is the main render submission stream.
	QueueGraphics QueueClass = iota

	// QueueTransfer is the copy/upload submission stream.
	QueueTransfer
)

// TextureFormat enumerates the texture formats the core creates.
type TextureFormat int

const (
	// TextureFormatRGBA8Unorm is 8-bit-per-channel RGBA, the format all
	// sampled textures in the core use.
	TextureFormatRGBA8Unorm TextureFormat = iota

	// TextureFormatBGRA8Unorm is the common swapchain color format.
	TextureFormatBGRA8Unorm

	// TextureFormatDepth24Plus is a depth-only format for depth attachments.
	TextureFormatDepth24Plus
)

// BytesPerTexel returns the byte size of one texel of the format.
//
// Returns:
//   - uint64: bytes per texel (4 for all color formats the core uses)
func (f TextureFormat) BytesPerTexel() uint64 {
	return 4
}

// TextureState tracks the current layout/usage state of an image so copy
// commands can emit the right transition before and after a transfer.
type TextureState int

const (
	// TextureStateUndefined is the state of a freshly created image.
	TextureStateUndefined TextureState = iota

	// TextureStateTransferDst marks the image as a pending copy destination.
	TextureStateTransferDst

	// TextureStateShaderRead marks the image as sampleable from shaders.
	TextureStateShaderRead
)

// Extent3D describes the dimensions of a texture.
type Extent3D struct {
	Width, Height, Depth uint32
}

// BufferDescriptor describes a buffer creation request.
type BufferDescriptor struct {
	// Label is a debug label attached to the backend object.
	Label string
	// Size is the buffer size in bytes.
	Size uint64
	// Usage is the capability mask the buffer is created with.
	Usage BufferUsage
	// Locality selects the memory heap.
	Locality Locality
}

// TextureDescriptor describes a texture creation request.
type TextureDescriptor struct {
	// Label is a debug label attached to the backend object.
	Label string
	// Extent is the texture size. Depth 0 is treated as 1.
	Extent Extent3D
	// Format is the texel format.
	Format TextureFormat
	// MipLevels is the mip chain length. 0 is treated as 1.
	MipLevels uint32
	// Layers is the array layer count. 0 is treated as 1.
	Layers uint32
}

// Buffer is an opaque backend buffer object.
type Buffer interface {
	// Size returns the buffer size in bytes.
	//
	// Returns:
	//   - uint64: the creation size
	Size() uint64

	// Write copies data into the buffer at the given byte offset.
	// Only valid for host-visible buffers; device-local buffers reject the
	// write since the CPU cannot address them.
	//
	// Parameters:
	//   - offset: destination byte offset
	//   - data: source bytes
	//
	// Returns:
	//   - error: an error if the buffer is not host-visible or the range is out of bounds
	Write(offset uint64, data []byte) error

	// Release frees the backend object. The caller must guarantee the GPU is
	// no longer consuming it; the frame scheduler's retirement gating provides
	// that guarantee for registry-owned buffers.
	Release()
}

// Texture is an opaque backend image object with tracked layout state.
type Texture interface {
	// Extent returns the texture dimensions.
	//
	// Returns:
	//   - Extent3D: the creation extent
	Extent() Extent3D

	// Format returns the texel format.
	//
	// Returns:
	//   - TextureFormat: the creation format
	Format() TextureFormat

	// State returns the texture's current layout state.
	//
	// Returns:
	//   - TextureState: the last state a transition left the texture in
	State() TextureState

	// Release frees the backend object, under the same completion guarantee
	// as Buffer.Release.
	Release()
}

// Pipeline is an opaque backend pipeline state object.
type Pipeline interface {
	// Label returns the debug label the pipeline was created with.
	//
	// Returns:
	//   - string: the creation label
	Label() string

	// Release frees the backend object.
	Release()
}

// BindGroup is an opaque backend descriptor-set/bind-group object.
type BindGroup interface {
	// Release frees the backend object.
	Release()
}

// Signal is a fence-like completion primitive attached to a submission.
// Signals are created once per frame slot and reset/reused across frames.
type Signal interface {
	// Signaled reports whether the attached submission has completed on the
	// device. Non-blocking.
	//
	// Returns:
	//   - bool: true once the device has fired the signal
	Signaled() bool

	// Release frees the backend object.
	Release()
}

// CommandEncoder records device commands for a single submission. Encoders
// are owned by one frame slot (or one shutdown path) at a time and are not
// safe for concurrent recording.
type CommandEncoder interface {
	// CopyBufferToBuffer records a buffer-to-buffer copy.
	//
	// Parameters:
	//   - src: source buffer (must have BufferUsageCopySrc)
	//   - srcOffset: source byte offset
	//   - dst: destination buffer (must have BufferUsageCopyDst)
	//   - dstOffset: destination byte offset
	//   - size: byte count to copy
	CopyBufferToBuffer(src Buffer, srcOffset uint64, dst Buffer, dstOffset, size uint64)

	// CopyBufferToTexture records a buffer-to-image copy covering the given
	// extent, transitioning the texture through TransferDst into ShaderRead
	// the way the native backends require.
	//
	// Parameters:
	//   - src: source staging buffer
	//   - srcOffset: source byte offset
	//   - dst: destination texture
	//   - extent: the region dimensions to copy
	CopyBufferToTexture(src Buffer, srcOffset uint64, dst Texture, extent Extent3D)

	// Finish ends recording. The encoder must not be used again afterwards.
	//
	// Returns:
	//   - CommandBuffer: the recorded commands ready for Submit
	//   - error: an error if recording failed
	Finish() (CommandBuffer, error)
}

// CommandBuffer is a finished recording ready for submission.
type CommandBuffer interface {
	// Release frees the backend object after submission.
	Release()
}

// RenderPipelineDescriptor carries everything a backend needs to build a
// pipeline state object. The shader sources are opaque to the core; only the
// binding layout slots and vertex layout are interpreted.
type RenderPipelineDescriptor struct {
	// Label is a debug label attached to the backend object.
	Label string
	// VertexSource and FragmentSource are opaque shader sources in the
	// dialect the backend consumes (WGSL for WebGPU, SPIR-V/GLSL for Vulkan).
	VertexSource   string
	FragmentSource string
	// VertexStride is the byte stride of one vertex.
	VertexStride uint64
	// VertexAttributes describes the vertex input layout.
	VertexAttributes []VertexAttribute
	// LayoutSlots is the flat binding layout contract, already validated by
	// the binding layout manager.
	LayoutSlots []LayoutSlot
	// DepthTest, DepthWrite, AlphaBlend, CullBack are the fixed-function
	// toggles the pipeline is compiled with.
	DepthTest  bool
	DepthWrite bool
	AlphaBlend bool
	CullBack   bool
}

// VertexFormat enumerates vertex attribute component formats.
type VertexFormat int

const (
	// VertexFormatFloat32x2 is two 32-bit floats.
	VertexFormatFloat32x2 VertexFormat = iota
	// VertexFormatFloat32x3 is three 32-bit floats.
	VertexFormatFloat32x3
	// VertexFormatFloat32x4 is four 32-bit floats.
	VertexFormatFloat32x4
)

// VertexAttribute is a single vertex input attribute.
type VertexAttribute struct {
	// Location is the shader input location.
	Location uint32
	// Offset is the byte offset within the vertex.
	Offset uint64
	// Format is the component format.
	Format VertexFormat
}

// SamplerBindingOffset is the WGSL binding offset convention for sampler
// companions: WGSL has no combined image/sampler, so a sampled-texture slot
// at binding N occupies wgpu bindings N (texture view) and N+16 (sampler).
// The GLSL dialect binds a combined sampler2D at N directly. Shader sources
// and the WebGPU backend must agree on this constant.
const SamplerBindingOffset = 16

// SlotKind enumerates the resource kinds a binding layout slot accepts.
type SlotKind int

const (
	// SlotKindUniformBuffer accepts a uniform buffer binding.
	SlotKindUniformBuffer SlotKind = iota

	// SlotKindSampledTexture accepts a combined image/sampler binding.
	SlotKindSampledTexture
)

// StageFlags is a bitmask of shader stages a slot is visible to.
type StageFlags uint32

const (
	// StageVertex makes the slot visible to the vertex stage.
	StageVertex StageFlags = 1 << iota
	// StageFragment makes the slot visible to the fragment stage.
	StageFragment
)

// LayoutSlot is one slot of a binding layout contract: the backend-neutral
// equivalent of a wgpu BindGroupLayoutEntry or a Vulkan descriptor binding.
type LayoutSlot struct {
	// Binding is the slot index within the layout.
	Binding uint32
	// Kind is the resource kind the slot accepts.
	Kind SlotKind
	// Stages is the shader visibility mask.
	Stages StageFlags
	// MinSize is the minimum byte size a bound uniform buffer must have.
	// Ignored for sampled-texture slots.
	MinSize uint64
}

// BindGroupEntry is one concrete resource bound to a layout slot, already
// resolved to backend objects by the resource registry.
type BindGroupEntry struct {
	// Binding is the slot index the resource is bound to.
	Binding uint32
	// Buffer is set for uniform-buffer slots; nil otherwise.
	Buffer Buffer
	// BufferOffset and BufferSize select the bound range within Buffer.
	BufferOffset uint64
	BufferSize   uint64
	// Texture is set for sampled-texture slots; nil otherwise.
	Texture Texture
}

// Device is the capability interface every backend implements. All device and
// queue state lives behind this handle; it is threaded explicitly through the
// constructors of every gfx component rather than held as package globals, so
// the whole core runs against the simulated backend in tests.
type Device interface {
	// Backend returns the concrete backend type.
	//
	// Returns:
	//   - BackendType: which implementation is active
	Backend() BackendType

	// CreateBuffer creates a backend buffer.
	//
	// Parameters:
	//   - desc: the creation parameters
	//
	// Returns:
	//   - Buffer: the created buffer
	//   - error: an error if creation failed or the device is lost
	CreateBuffer(desc BufferDescriptor) (Buffer, error)

	// CreateTexture creates a backend texture in TextureStateUndefined.
	//
	// Parameters:
	//   - desc: the creation parameters
	//
	// Returns:
	//   - Texture: the created texture
	//   - error: an error if creation failed or the device is lost
	CreateTexture(desc TextureDescriptor) (Texture, error)

	// CreateRenderPipeline compiles a pipeline state object. This is the
	// expensive externally-supplied construction call the pipeline registry
	// memoizes; callers go through the registry, never call this directly
	// per frame.
	//
	// Parameters:
	//   - desc: shader stages, vertex layout, binding layout and fixed-function state
	//
	// Returns:
	//   - Pipeline: the compiled pipeline
	//   - error: an error if compilation failed or the device is lost
	CreateRenderPipeline(desc RenderPipelineDescriptor) (Pipeline, error)

	// CreateBindGroup materializes a descriptor-set/bind-group binding the
	// given resources to the given layout slots. Validation happens in the
	// binding layout manager before this is called.
	//
	// Parameters:
	//   - label: debug label
	//   - slots: the layout contract
	//   - entries: the concrete resources, one per slot
	//
	// Returns:
	//   - BindGroup: the materialized binding
	//   - error: an error if creation failed or the device is lost
	CreateBindGroup(label string, slots []LayoutSlot, entries []BindGroupEntry) (BindGroup, error)

	// NewSignal creates a reusable completion signal in the unsignaled state.
	//
	// Returns:
	//   - Signal: the created signal
	//   - error: an error if creation failed
	NewSignal() (Signal, error)

	// BeginCommands opens a new command recording context.
	//
	// Returns:
	//   - CommandEncoder: the encoder
	//   - error: an error if the device is lost
	BeginCommands() (CommandEncoder, error)

	// Submit enqueues a finished command buffer on the given queue class and
	// attaches a completion signal. Submission order on a queue class equals
	// call order; only the frame driver submits, preserving a single total
	// order of GPU commands.
	//
	// Parameters:
	//   - cb: the finished command buffer
	//   - queue: the submission stream
	//   - signal: the completion signal to attach, may be nil
	//
	// Returns:
	//   - error: a DeviceLostError if the device is lost
	Submit(cb CommandBuffer, queue QueueClass, signal Signal) error

	// WaitSignal blocks until the signal fires or the timeout elapses.
	//
	// Parameters:
	//   - s: the signal to wait on
	//   - timeout: the maximum wait duration
	//
	// Returns:
	//   - error: a WaitTimeoutError on timeout, a DeviceLostError if the device is lost
	WaitSignal(s Signal, timeout time.Duration) error

	// Lost reports whether the device has signaled loss. Once lost, every
	// subsequent operation fails with a DeviceLostError.
	//
	// Returns:
	//   - bool: true if the device is lost
	Lost() bool

	// Release destroys the device and everything still alive on it. Only
	// called on explicit shutdown after the frame scheduler has drained.
	Release()
}

// DeviceLostError is the fatal error surfaced when the device connection is
// lost. GPU-side state is unknowable after this; callers must tear down and
// rebuild the full context rather than attempt partial recovery.
type DeviceLostError struct {
	// Reason is the backend's description of the loss, if any.
	Reason string
}

func (e *DeviceLostError) Error() string {
	if e.Reason == "" {
		return "device lost"
	}
	return fmt.Sprintf("device lost: %s", e.Reason)
}

// WaitTimeoutError is returned when a bounded signal wait elapses before the
// device fires the signal. The frame scheduler treats it as a device loss
// rather than proceeding with unsynchronized reclamation.
type WaitTimeoutError struct {
	// Timeout is the bound that elapsed.
	Timeout time.Duration
}

func (e *WaitTimeoutError) Error() string {
	return fmt.Sprintf("wait for GPU completion signal timed out after %v", e.Timeout)
}
