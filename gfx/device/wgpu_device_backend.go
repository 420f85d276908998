package device

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cogentcore/webgpu/wgpu"
)

// wgpuDevice is the portable WebGPU-based Device implementation.
type wgpuDevice struct {
	mu sync.Mutex

	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue

	surfaceDesc   *wgpu.SurfaceDescriptor
	surface       *wgpu.Surface
	colorFormat   wgpu.TextureFormat
	depthFormat   wgpu.TextureFormat
	forceFallback bool

	// sampler is the shared linear sampler bound at the sampler companion
	// binding of every sampled-texture slot.
	sampler *wgpu.Sampler

	// pending holds the signals of submissions not yet observed complete.
	pending []*wgpuSignal

	lost     bool
	lostDesc string
}

var _ Device = &wgpuDevice{}

// WGPUDeviceOption is a functional option used to configure a WebGPU device during construction.
type WGPUDeviceOption func(*wgpuDevice)

// WithSurfaceDescriptor is an option builder that attaches a presentation
// surface descriptor, typically obtained from Window.SurfaceDescriptor. The
// surface is created on the device's instance and the adapter is picked for
// compatibility with it.
//
// Parameters:
//   - desc: the platform-specific surface descriptor
//
// Returns:
//   - WGPUDeviceOption: a function that applies the surface option to the device
func WithSurfaceDescriptor(desc *wgpu.SurfaceDescriptor) WGPUDeviceOption {
	return func(d *wgpuDevice) {
		d.surfaceDesc = desc
	}
}

// WithForceFallbackAdapter is an option builder that requests the software
// fallback adapter, for environments without GPU access.
//
// Returns:
//   - WGPUDeviceOption: a function that applies the fallback option to the device
func WithForceFallbackAdapter() WGPUDeviceOption {
	return func(d *wgpuDevice) {
		d.forceFallback = true
	}
}

// NewWGPUDevice creates a Device backed by WebGPU.
//
// Parameters:
//   - options: variadic list of WGPUDeviceOption functions to configure the device
//
// Returns:
//   - Device: the created device
//   - error: an error if no adapter or device could be acquired
func NewWGPUDevice(options ...WGPUDeviceOption) (Device, error) {
	d := &wgpuDevice{
		instance:    wgpu.CreateInstance(nil),
		colorFormat: wgpu.TextureFormatBGRA8Unorm,
		depthFormat: wgpu.TextureFormatDepth24Plus,
	}
	for _, opt := range options {
		opt(d)
	}

	if d.surfaceDesc != nil {
		d.surface = d.instance.CreateSurface(d.surfaceDesc)
	}

	adapter, err := d.instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		CompatibleSurface:    d.surface,
		ForceFallbackAdapter: d.forceFallback,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to acquire adapter: %w", err)
	}
	d.adapter = adapter

	limits := wgpu.DefaultLimits()
	dev, err := adapter.RequestDevice(&wgpu.DeviceDescriptor{
		Label: "forge device",
		RequiredLimits: &wgpu.RequiredLimits{
			Limits: limits,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to acquire device: %w", err)
	}
	d.device = dev
	d.queue = dev.GetQueue()

	sampler, err := dev.CreateSampler(&wgpu.SamplerDescriptor{
		Label:         "forge shared sampler",
		AddressModeU:  wgpu.AddressModeRepeat,
		AddressModeV:  wgpu.AddressModeRepeat,
		AddressModeW:  wgpu.AddressModeRepeat,
		MagFilter:     wgpu.FilterModeLinear,
		MinFilter:     wgpu.FilterModeLinear,
		MipmapFilter:  wgpu.MipmapFilterModeLinear,
		LodMaxClamp:   32.0,
		MaxAnisotropy: 1,
	})
	if err != nil {
		dev.Release()
		return nil, fmt.Errorf("failed to create shared sampler: %w", err)
	}
	d.sampler = sampler

	return d, nil
}

func (d *wgpuDevice) Backend() BackendType {
	return BackendTypeWGPU
}

func (d *wgpuDevice) lostErrLocked() error {
	if d.lost {
		return &DeviceLostError{Reason: d.lostDesc}
	}
	return nil
}

// wgpuBuffer is the wgpu implementation of the Buffer interface.
type wgpuBuffer struct {
	buf      *wgpu.Buffer
	queue    *wgpu.Queue
	size     uint64
	locality Locality
}

var _ Buffer = &wgpuBuffer{}

func (b *wgpuBuffer) Size() uint64 {
	return b.size
}

func (b *wgpuBuffer) Write(offset uint64, data []byte) error {
	if b.locality != LocalityHost {
		return errors.New("write rejected: buffer is device-local")
	}
	if offset+uint64(len(data)) > b.size {
		return fmt.Errorf("write of %d bytes at offset %d exceeds buffer size %d", len(data), offset, b.size)
	}
	// Queue-ordered write: lands before any subsequently submitted commands,
	// which is the ordering the upload scheduler's flush relies on.
	b.queue.WriteBuffer(b.buf, offset, data)
	return nil
}

func (b *wgpuBuffer) Release() {
	if b.buf != nil {
		b.buf.Release()
		b.buf = nil
	}
}

func (d *wgpuDevice) CreateBuffer(desc BufferDescriptor) (Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.lostErrLocked(); err != nil {
		return nil, err
	}

	var usage wgpu.BufferUsage
	if desc.Usage.Has(BufferUsageVertex) {
		usage |= wgpu.BufferUsageVertex
	}
	if desc.Usage.Has(BufferUsageIndex) {
		usage |= wgpu.BufferUsageIndex
	}
	if desc.Usage.Has(BufferUsageUniform) {
		usage |= wgpu.BufferUsageUniform
	}
	if desc.Usage.Has(BufferUsageCopySrc) || desc.Usage.Has(BufferUsageStaging) {
		usage |= wgpu.BufferUsageCopySrc
	}
	if desc.Usage.Has(BufferUsageCopyDst) || desc.Locality == LocalityHost {
		usage |= wgpu.BufferUsageCopyDst
	}

	buf, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: desc.Label,
		Size:  desc.Size,
		Usage: usage,
	})
	if err != nil {
		return nil, err
	}
	return &wgpuBuffer{buf: buf, queue: d.queue, size: desc.Size, locality: desc.Locality}, nil
}

// wgpuTexture is the wgpu implementation of the Texture interface.
type wgpuTexture struct {
	tex    *wgpu.Texture
	view   *wgpu.TextureView
	extent Extent3D
	format TextureFormat
	state  TextureState
}

var _ Texture = &wgpuTexture{}

func (t *wgpuTexture) Extent() Extent3D      { return t.extent }
func (t *wgpuTexture) Format() TextureFormat { return t.format }
func (t *wgpuTexture) State() TextureState   { return t.state }

func (t *wgpuTexture) Release() {
	if t.view != nil {
		t.view.Release()
		t.view = nil
	}
	if t.tex != nil {
		t.tex.Release()
		t.tex = nil
	}
}

func toWGPUTextureFormat(f TextureFormat) wgpu.TextureFormat {
	switch f {
	case TextureFormatRGBA8Unorm:
		return wgpu.TextureFormatRGBA8Unorm
	case TextureFormatBGRA8Unorm:
		return wgpu.TextureFormatBGRA8Unorm
	case TextureFormatDepth24Plus:
		return wgpu.TextureFormatDepth24Plus
	default:
		return wgpu.TextureFormatRGBA8Unorm
	}
}

func (d *wgpuDevice) CreateTexture(desc TextureDescriptor) (Texture, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.lostErrLocked(); err != nil {
		return nil, err
	}

	extent := desc.Extent
	if extent.Depth == 0 {
		extent.Depth = 1
	}
	mips := desc.MipLevels
	if mips == 0 {
		mips = 1
	}
	layers := desc.Layers
	if layers == 0 {
		layers = 1
	}

	usage := wgpu.TextureUsageTextureBinding | wgpu.TextureUsageCopyDst
	if desc.Format == TextureFormatDepth24Plus {
		usage = wgpu.TextureUsageRenderAttachment | wgpu.TextureUsageTextureBinding
	}

	tex, err := d.device.CreateTexture(&wgpu.TextureDescriptor{
		Label: desc.Label,
		Size: wgpu.Extent3D{
			Width:              extent.Width,
			Height:             extent.Height,
			DepthOrArrayLayers: extent.Depth * layers,
		},
		MipLevelCount: mips,
		SampleCount:   1,
		Dimension:     wgpu.TextureDimension2D,
		Format:        toWGPUTextureFormat(desc.Format),
		Usage:         usage,
	})
	if err != nil {
		return nil, err
	}
	view, err := tex.CreateView(nil)
	if err != nil {
		tex.Release()
		return nil, err
	}
	return &wgpuTexture{tex: tex, view: view, extent: extent, format: desc.Format}, nil
}

// wgpuPipeline is the wgpu implementation of the Pipeline interface.
type wgpuPipeline struct {
	label    string
	pipeline *wgpu.RenderPipeline
	layout   *wgpu.BindGroupLayout
}

var _ Pipeline = &wgpuPipeline{}

func (p *wgpuPipeline) Label() string { return p.label }

func (p *wgpuPipeline) Release() {
	if p.pipeline != nil {
		p.pipeline.Release()
		p.pipeline = nil
	}
	if p.layout != nil {
		p.layout.Release()
		p.layout = nil
	}
}

func toWGPUVertexFormat(f VertexFormat) wgpu.VertexFormat {
	switch f {
	case VertexFormatFloat32x2:
		return wgpu.VertexFormatFloat32x2
	case VertexFormatFloat32x3:
		return wgpu.VertexFormatFloat32x3
	case VertexFormatFloat32x4:
		return wgpu.VertexFormatFloat32x4
	default:
		return wgpu.VertexFormatFloat32x4
	}
}

func toWGPUStages(s StageFlags) wgpu.ShaderStage {
	var out wgpu.ShaderStage
	if s&StageVertex != 0 {
		out |= wgpu.ShaderStageVertex
	}
	if s&StageFragment != 0 {
		out |= wgpu.ShaderStageFragment
	}
	return out
}

// layoutEntries expands the backend-neutral slots into wgpu layout entries,
// adding the sampler companion entry at Binding+SamplerBindingOffset for
// every sampled-texture slot.
func layoutEntries(slots []LayoutSlot) []wgpu.BindGroupLayoutEntry {
	entries := make([]wgpu.BindGroupLayoutEntry, 0, len(slots))
	for _, s := range slots {
		entry := wgpu.BindGroupLayoutEntry{
			Binding:    s.Binding,
			Visibility: toWGPUStages(s.Stages),
		}
		switch s.Kind {
		case SlotKindUniformBuffer:
			entry.Buffer.Type = wgpu.BufferBindingTypeUniform
			entry.Buffer.MinBindingSize = s.MinSize
			entries = append(entries, entry)
		case SlotKindSampledTexture:
			entry.Texture.SampleType = wgpu.TextureSampleTypeFloat
			entry.Texture.ViewDimension = wgpu.TextureViewDimension2D
			entries = append(entries, entry)
			entries = append(entries, wgpu.BindGroupLayoutEntry{
				Binding:    s.Binding + SamplerBindingOffset,
				Visibility: toWGPUStages(s.Stages),
				Sampler: wgpu.SamplerBindingLayout{
					Type: wgpu.SamplerBindingTypeFiltering,
				},
			})
		}
	}
	return entries
}

func (d *wgpuDevice) CreateRenderPipeline(desc RenderPipelineDescriptor) (Pipeline, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.lostErrLocked(); err != nil {
		return nil, err
	}

	vs, err := d.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label: desc.Label + " vs",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{
			Code: desc.VertexSource,
		},
	})
	if err != nil {
		return nil, err
	}
	defer vs.Release()

	fs := vs
	if desc.FragmentSource != desc.VertexSource {
		fs, err = d.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
			Label: desc.Label + " fs",
			WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{
				Code: desc.FragmentSource,
			},
		})
		if err != nil {
			return nil, err
		}
		defer fs.Release()
	}

	bindGroupLayout, err := d.device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label:   desc.Label + " layout",
		Entries: layoutEntries(desc.LayoutSlots),
	})
	if err != nil {
		return nil, err
	}

	pipelineLayout, err := d.device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            desc.Label,
		BindGroupLayouts: []*wgpu.BindGroupLayout{bindGroupLayout},
	})
	if err != nil {
		bindGroupLayout.Release()
		return nil, err
	}
	defer pipelineLayout.Release()

	attributes := make([]wgpu.VertexAttribute, len(desc.VertexAttributes))
	for i, a := range desc.VertexAttributes {
		attributes[i] = wgpu.VertexAttribute{
			ShaderLocation: a.Location,
			Offset:         a.Offset,
			Format:         toWGPUVertexFormat(a.Format),
		}
	}

	cullMode := wgpu.CullModeNone
	if desc.CullBack {
		cullMode = wgpu.CullModeBack
	}

	created, err := d.device.CreateRenderPipeline(&wgpu.RenderPipelineDescriptor{
		Label:  desc.Label,
		Layout: pipelineLayout,
		Vertex: wgpu.VertexState{
			Module:     vs,
			EntryPoint: "vs_main",
			Buffers: []wgpu.VertexBufferLayout{
				{
					ArrayStride: desc.VertexStride,
					StepMode:    wgpu.VertexStepModeVertex,
					Attributes:  attributes,
				},
			},
		},
		Fragment: &wgpu.FragmentState{
			Module:     fs,
			EntryPoint: "fs_main",
			Targets: []wgpu.ColorTargetState{
				func() wgpu.ColorTargetState {
					state := wgpu.ColorTargetState{
						Format:    d.colorFormat,
						WriteMask: wgpu.ColorWriteMaskAll,
					}
					if desc.AlphaBlend {
						state.Blend = &wgpu.BlendState{
							Color: wgpu.BlendComponent{
								SrcFactor: wgpu.BlendFactorSrcAlpha,
								DstFactor: wgpu.BlendFactorOneMinusSrcAlpha,
								Operation: wgpu.BlendOperationAdd,
							},
							Alpha: wgpu.BlendComponent{
								SrcFactor: wgpu.BlendFactorOne,
								DstFactor: wgpu.BlendFactorOneMinusSrcAlpha,
								Operation: wgpu.BlendOperationAdd,
							},
						}
					}
					return state
				}(),
			},
		},
		Primitive: wgpu.PrimitiveState{
			Topology:  wgpu.PrimitiveTopologyTriangleList,
			FrontFace: wgpu.FrontFaceCCW,
			CullMode:  cullMode,
		},
		Multisample: wgpu.MultisampleState{
			Count: 1,
			Mask:  0xFFFFFFFF,
		},
		DepthStencil: func() *wgpu.DepthStencilState {
			depthCompare := wgpu.CompareFunctionLess
			if !desc.DepthTest {
				depthCompare = wgpu.CompareFunctionAlways
			}
			return &wgpu.DepthStencilState{
				Format:            d.depthFormat,
				DepthWriteEnabled: desc.DepthWrite,
				DepthCompare:      depthCompare,
				StencilFront: wgpu.StencilFaceState{
					Compare: wgpu.CompareFunctionAlways,
				},
				StencilBack: wgpu.StencilFaceState{
					Compare: wgpu.CompareFunctionAlways,
				},
			}
		}(),
	})
	if err != nil {
		bindGroupLayout.Release()
		return nil, err
	}

	return &wgpuPipeline{label: desc.Label, pipeline: created, layout: bindGroupLayout}, nil
}

// wgpuBindGroup is the wgpu implementation of the BindGroup interface.
type wgpuBindGroup struct {
	group  *wgpu.BindGroup
	layout *wgpu.BindGroupLayout
}

var _ BindGroup = &wgpuBindGroup{}

func (g *wgpuBindGroup) Release() {
	if g.group != nil {
		g.group.Release()
		g.group = nil
	}
	if g.layout != nil {
		g.layout.Release()
		g.layout = nil
	}
}

func (d *wgpuDevice) CreateBindGroup(label string, slots []LayoutSlot, entries []BindGroupEntry) (BindGroup, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.lostErrLocked(); err != nil {
		return nil, err
	}

	layout, err := d.device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label:   label + " layout",
		Entries: layoutEntries(slots),
	})
	if err != nil {
		return nil, err
	}

	groupEntries := make([]wgpu.BindGroupEntry, 0, len(entries))
	for _, e := range entries {
		if e.Buffer != nil {
			buf, ok := e.Buffer.(*wgpuBuffer)
			if !ok {
				layout.Release()
				return nil, errors.New("bind group entry buffer was not created by this backend")
			}
			groupEntries = append(groupEntries, wgpu.BindGroupEntry{
				Binding: e.Binding,
				Buffer:  buf.buf,
				Offset:  e.BufferOffset,
				Size:    e.BufferSize,
			})
			continue
		}
		tex, ok := e.Texture.(*wgpuTexture)
		if !ok {
			layout.Release()
			return nil, errors.New("bind group entry texture was not created by this backend")
		}
		groupEntries = append(groupEntries, wgpu.BindGroupEntry{
			Binding:     e.Binding,
			TextureView: tex.view,
		})
		groupEntries = append(groupEntries, wgpu.BindGroupEntry{
			Binding: e.Binding + SamplerBindingOffset,
			Sampler: d.sampler,
		})
	}

	group, err := d.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   label,
		Layout:  layout,
		Entries: groupEntries,
	})
	if err != nil {
		layout.Release()
		return nil, err
	}
	return &wgpuBindGroup{group: group, layout: layout}, nil
}

// wgpuSignal tracks one submission's completion. WebGPU exposes no
// standalone fence object here; completion is observed by polling the
// device, which reports when the queue is empty.
type wgpuSignal struct {
	mu    sync.Mutex
	fired bool
}

var _ Signal = &wgpuSignal{}

func (s *wgpuSignal) Signaled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired
}

func (s *wgpuSignal) fire() {
	s.mu.Lock()
	s.fired = true
	s.mu.Unlock()
}

func (s *wgpuSignal) reset() {
	s.mu.Lock()
	s.fired = false
	s.mu.Unlock()
}

func (s *wgpuSignal) Release() {}

func (d *wgpuDevice) NewSignal() (Signal, error) {
	return &wgpuSignal{}, nil
}

// wgpuEncoder is the wgpu implementation of the CommandEncoder interface.
type wgpuEncoder struct {
	enc *wgpu.CommandEncoder
	err error
}

var _ CommandEncoder = &wgpuEncoder{}

func (e *wgpuEncoder) CopyBufferToBuffer(src Buffer, srcOffset uint64, dst Buffer, dstOffset, size uint64) {
	if e.err != nil {
		return
	}
	s, ok := src.(*wgpuBuffer)
	if !ok {
		e.err = errors.New("copy source buffer was not created by this backend")
		return
	}
	t, ok := dst.(*wgpuBuffer)
	if !ok {
		e.err = errors.New("copy destination buffer was not created by this backend")
		return
	}
	e.err = e.enc.CopyBufferToBuffer(s.buf, srcOffset, t.buf, dstOffset, size)
}

func (e *wgpuEncoder) CopyBufferToTexture(src Buffer, srcOffset uint64, dst Texture, extent Extent3D) {
	if e.err != nil {
		return
	}
	s, ok := src.(*wgpuBuffer)
	if !ok {
		e.err = errors.New("copy source buffer was not created by this backend")
		return
	}
	t, ok := dst.(*wgpuTexture)
	if !ok {
		e.err = errors.New("copy destination texture was not created by this backend")
		return
	}
	depth := extent.Depth
	if depth == 0 {
		depth = 1
	}
	e.err = e.enc.CopyBufferToTexture(
		&wgpu.ImageCopyBuffer{
			Buffer: s.buf,
			Layout: wgpu.TextureDataLayout{
				Offset:       srcOffset,
				BytesPerRow:  extent.Width * uint32(t.format.BytesPerTexel()),
				RowsPerImage: extent.Height,
			},
		},
		&wgpu.ImageCopyTexture{
			Texture:  t.tex,
			MipLevel: 0,
			Origin:   wgpu.Origin3D{},
			Aspect:   wgpu.TextureAspectAll,
		},
		&wgpu.Extent3D{
			Width:              extent.Width,
			Height:             extent.Height,
			DepthOrArrayLayers: depth,
		},
	)
	if e.err == nil {
		t.state = TextureStateShaderRead
	}
}

func (e *wgpuEncoder) Finish() (CommandBuffer, error) {
	if e.err != nil {
		return nil, e.err
	}
	cb, err := e.enc.Finish(nil)
	if err != nil {
		return nil, err
	}
	return &wgpuCommandBuffer{cb: cb}, nil
}

// wgpuCommandBuffer is the wgpu implementation of the CommandBuffer interface.
type wgpuCommandBuffer struct {
	cb *wgpu.CommandBuffer
}

var _ CommandBuffer = &wgpuCommandBuffer{}

func (c *wgpuCommandBuffer) Release() {
	if c.cb != nil {
		c.cb.Release()
		c.cb = nil
	}
}

func (d *wgpuDevice) BeginCommands() (CommandEncoder, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.lostErrLocked(); err != nil {
		return nil, err
	}
	enc, err := d.device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, err
	}
	return &wgpuEncoder{enc: enc}, nil
}

func (d *wgpuDevice) Submit(cb CommandBuffer, queue QueueClass, signal Signal) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.lostErrLocked(); err != nil {
		return err
	}

	wcb, ok := cb.(*wgpuCommandBuffer)
	if !ok {
		return errors.New("command buffer was not created by this backend")
	}
	// WebGPU has a single queue; the transfer class shares the graphics
	// stream, which still satisfies submission-order guarantees.
	d.queue.Submit(wcb.cb)

	if signal != nil {
		ws, ok := signal.(*wgpuSignal)
		if !ok {
			return errors.New("signal was not created by this backend")
		}
		ws.reset()
		d.pending = append(d.pending, ws)
	}
	return nil
}

// drainLocked polls the device and fires every pending signal once the queue
// reports empty. wgpu-native completes submissions in order, so queue-empty
// implies every recorded submission has completed.
func (d *wgpuDevice) drainLocked(wait bool) bool {
	empty := d.device.Poll(wait, nil)
	if empty {
		for _, s := range d.pending {
			s.fire()
		}
		d.pending = d.pending[:0]
	}
	return empty
}

func (d *wgpuDevice) WaitSignal(s Signal, timeout time.Duration) error {
	ws, ok := s.(*wgpuSignal)
	if !ok {
		return errors.New("signal was not created by this backend")
	}

	deadline := time.Now().Add(timeout)
	for {
		d.mu.Lock()
		if err := d.lostErrLocked(); err != nil {
			d.mu.Unlock()
			return err
		}
		if ws.Signaled() {
			d.mu.Unlock()
			return nil
		}
		d.drainLocked(true)
		fired := ws.Signaled()
		d.mu.Unlock()
		if fired {
			return nil
		}
		if time.Now().After(deadline) {
			return &WaitTimeoutError{Timeout: timeout}
		}
	}
}

func (d *wgpuDevice) Lost() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lost
}

func (d *wgpuDevice) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sampler != nil {
		d.sampler.Release()
		d.sampler = nil
	}
	if d.device != nil {
		d.device.Release()
		d.device = nil
	}
	if d.surface != nil {
		d.surface.Release()
		d.surface = nil
	}
	if d.adapter != nil {
		d.adapter.Release()
		d.adapter = nil
	}
	if d.instance != nil {
		d.instance.Release()
		d.instance = nil
	}
}
