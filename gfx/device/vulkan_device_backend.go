package device

import (
	"errors"
	"fmt"
	"sync"
	"time"
	"unsafe"

	vk "github.com/goki/vulkan"
)

// spirvMagic is the first word of every SPIR-V binary module.
const spirvMagic = 0x07230203

// vulkanDevice is the native Vulkan-based Device implementation.
type vulkanDevice struct {
	mu sync.Mutex

	instance vk.Instance
	gpu      vk.PhysicalDevice
	device   vk.Device

	graphicsFamily uint32
	graphicsQueue  vk.Queue
	transferQueue  vk.Queue

	cmdPool vk.CommandPool

	// sampler is the shared linear sampler written into every
	// combined-image-sampler descriptor.
	sampler vk.Sampler

	// renderPass is the pass every pipeline is compiled compatible with:
	// one color attachment in the swapchain format plus a depth attachment.
	renderPass vk.RenderPass

	appName string

	lost     bool
	lostDesc string
}

var _ Device = &vulkanDevice{}

// VulkanDeviceOption is a functional option used to configure a Vulkan device during construction.
type VulkanDeviceOption func(*vulkanDevice)

// WithAppName is an option builder that sets the application name reported to
// the Vulkan instance.
//
// Parameters:
//   - name: the application name
//
// Returns:
//   - VulkanDeviceOption: a function that applies the name option to the device
func WithAppName(name string) VulkanDeviceOption {
	return func(d *vulkanDevice) {
		d.appName = name
	}
}

// NewVulkanDevice creates a Device backed by Vulkan. The process-wide loader
// proc address must already be installed (the window package does this before
// constructing the device).
//
// Parameters:
//   - options: variadic list of VulkanDeviceOption functions to configure the device
//
// Returns:
//   - Device: the created device
//   - error: an error if the instance, physical device or logical device could not be created
func NewVulkanDevice(options ...VulkanDeviceOption) (Device, error) {
	d := &vulkanDevice{
		appName: "forge",
	}
	for _, opt := range options {
		opt(d)
	}

	if err := vk.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize vulkan loader: %w", err)
	}

	var instance vk.Instance
	ret := vk.CreateInstance(&vk.InstanceCreateInfo{
		SType: vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: &vk.ApplicationInfo{
			SType:              vk.StructureTypeApplicationInfo,
			PApplicationName:   nullTerm(d.appName),
			ApplicationVersion: vk.MakeVersion(1, 0, 0),
			PEngineName:        nullTerm("forge"),
			EngineVersion:      vk.MakeVersion(1, 0, 0),
			ApiVersion:         vk.MakeVersion(1, 1, 0),
		},
	}, nil, &instance)
	if err := vkErr(ret, "create instance"); err != nil {
		return nil, err
	}
	d.instance = instance
	vk.InitInstance(instance)

	if err := d.selectPhysicalDevice(); err != nil {
		d.Release()
		return nil, err
	}
	if err := d.createDeviceAndQueues(); err != nil {
		d.Release()
		return nil, err
	}
	if err := d.createFixedObjects(); err != nil {
		d.Release()
		return nil, err
	}
	return d, nil
}

// selectPhysicalDevice picks the first GPU exposing a graphics-capable queue
// family.
func (d *vulkanDevice) selectPhysicalDevice() error {
	var count uint32
	vk.EnumeratePhysicalDevices(d.instance, &count, nil)
	if count == 0 {
		return errors.New("no vulkan-capable GPUs found")
	}
	gpus := make([]vk.PhysicalDevice, count)
	vk.EnumeratePhysicalDevices(d.instance, &count, gpus)

	for _, gpu := range gpus {
		var nfam uint32
		vk.GetPhysicalDeviceQueueFamilyProperties(gpu, &nfam, nil)
		families := make([]vk.QueueFamilyProperties, nfam)
		vk.GetPhysicalDeviceQueueFamilyProperties(gpu, &nfam, families)
		for i, fam := range families {
			fam.Deref()
			if fam.QueueFlags&vk.QueueFlags(vk.QueueGraphicsBit) != 0 {
				d.gpu = gpu
				d.graphicsFamily = uint32(i)
				return nil
			}
		}
	}
	return errors.New("no GPU with a graphics queue found")
}

// createDeviceAndQueues creates the logical device with up to two queues on
// the graphics family: the second, when the family has one to spare, serves
// as a distinct transfer stream. Command buffers from the shared pool are
// valid on both since they belong to the same family.
func (d *vulkanDevice) createDeviceAndQueues() error {
	var nfam uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(d.gpu, &nfam, nil)
	families := make([]vk.QueueFamilyProperties, nfam)
	vk.GetPhysicalDeviceQueueFamilyProperties(d.gpu, &nfam, families)
	fam := families[d.graphicsFamily]
	fam.Deref()

	queueCount := uint32(1)
	if fam.QueueCount >= 2 {
		queueCount = 2
	}

	priorities := []float32{1.0, 1.0}[:queueCount]
	var device vk.Device
	ret := vk.CreateDevice(d.gpu, &vk.DeviceCreateInfo{
		SType:                vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount: 1,
		PQueueCreateInfos: []vk.DeviceQueueCreateInfo{{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: d.graphicsFamily,
			QueueCount:       queueCount,
			PQueuePriorities: priorities,
		}},
	}, nil, &device)
	if err := vkErr(ret, "create device"); err != nil {
		return err
	}
	d.device = device

	vk.GetDeviceQueue(device, d.graphicsFamily, 0, &d.graphicsQueue)
	if queueCount == 2 {
		vk.GetDeviceQueue(device, d.graphicsFamily, 1, &d.transferQueue)
	} else {
		d.transferQueue = d.graphicsQueue
	}
	return nil
}

// createFixedObjects creates the command pool, shared sampler and the
// pipeline-compatibility render pass.
func (d *vulkanDevice) createFixedObjects() error {
	var pool vk.CommandPool
	ret := vk.CreateCommandPool(d.device, &vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: d.graphicsFamily,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
	}, nil, &pool)
	if err := vkErr(ret, "create command pool"); err != nil {
		return err
	}
	d.cmdPool = pool

	var sampler vk.Sampler
	ret = vk.CreateSampler(d.device, &vk.SamplerCreateInfo{
		SType:        vk.StructureTypeSamplerCreateInfo,
		MagFilter:    vk.FilterLinear,
		MinFilter:    vk.FilterLinear,
		MipmapMode:   vk.SamplerMipmapModeLinear,
		AddressModeU: vk.SamplerAddressModeRepeat,
		AddressModeV: vk.SamplerAddressModeRepeat,
		AddressModeW: vk.SamplerAddressModeRepeat,
		MaxLod:       32.0,
		BorderColor:  vk.BorderColorFloatOpaqueBlack,
	}, nil, &sampler)
	if err := vkErr(ret, "create sampler"); err != nil {
		return err
	}
	d.sampler = sampler

	colorAttachment := vk.AttachmentDescription{
		Format:         toVulkanFormat(TextureFormatBGRA8Unorm),
		Samples:        vk.SampleCount1Bit,
		LoadOp:         vk.AttachmentLoadOpClear,
		StoreOp:        vk.AttachmentStoreOpStore,
		StencilLoadOp:  vk.AttachmentLoadOpDontCare,
		StencilStoreOp: vk.AttachmentStoreOpDontCare,
		InitialLayout:  vk.ImageLayoutUndefined,
		FinalLayout:    vk.ImageLayoutPresentSrc,
	}
	depthAttachment := vk.AttachmentDescription{
		Format:         toVulkanFormat(TextureFormatDepth24Plus),
		Samples:        vk.SampleCount1Bit,
		LoadOp:         vk.AttachmentLoadOpClear,
		StoreOp:        vk.AttachmentStoreOpDontCare,
		StencilLoadOp:  vk.AttachmentLoadOpDontCare,
		StencilStoreOp: vk.AttachmentStoreOpDontCare,
		InitialLayout:  vk.ImageLayoutUndefined,
		FinalLayout:    vk.ImageLayoutDepthStencilAttachmentOptimal,
	}
	var renderPass vk.RenderPass
	ret = vk.CreateRenderPass(d.device, &vk.RenderPassCreateInfo{
		SType:           vk.StructureTypeRenderPassCreateInfo,
		AttachmentCount: 2,
		PAttachments:    []vk.AttachmentDescription{colorAttachment, depthAttachment},
		SubpassCount:    1,
		PSubpasses: []vk.SubpassDescription{{
			PipelineBindPoint:    vk.PipelineBindPointGraphics,
			ColorAttachmentCount: 1,
			PColorAttachments: []vk.AttachmentReference{{
				Attachment: 0,
				Layout:     vk.ImageLayoutColorAttachmentOptimal,
			}},
			PDepthStencilAttachment: &vk.AttachmentReference{
				Attachment: 1,
				Layout:     vk.ImageLayoutDepthStencilAttachmentOptimal,
			},
		}},
	}, nil, &renderPass)
	if err := vkErr(ret, "create render pass"); err != nil {
		return err
	}
	d.renderPass = renderPass
	return nil
}

func (d *vulkanDevice) Backend() BackendType {
	return BackendTypeVulkan
}

func (d *vulkanDevice) lostErrLocked() error {
	if d.lost {
		return &DeviceLostError{Reason: d.lostDesc}
	}
	return nil
}

// markLostLocked latches device loss when a queue or wait operation reports it.
func (d *vulkanDevice) markLostLocked(desc string) error {
	d.lost = true
	d.lostDesc = desc
	return &DeviceLostError{Reason: desc}
}

// findMemoryType finds a memory type index matching the requirement bits and
// the requested property flags.
func (d *vulkanDevice) findMemoryType(typeBits uint32, props vk.MemoryPropertyFlags) (uint32, error) {
	var memProps vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(d.gpu, &memProps)
	memProps.Deref()
	for i := uint32(0); i < memProps.MemoryTypeCount; i++ {
		memProps.MemoryTypes[i].Deref()
		if typeBits&(1<<i) != 0 && memProps.MemoryTypes[i].PropertyFlags&props == props {
			return i, nil
		}
	}
	return 0, errors.New("no suitable memory type found")
}

// vulkanBuffer is the vulkan implementation of the Buffer interface.
// Host-visible buffers stay persistently mapped for their whole lifetime.
type vulkanBuffer struct {
	dev      vk.Device
	buf      vk.Buffer
	mem      vk.DeviceMemory
	size     uint64
	locality Locality
	hostPtr  unsafe.Pointer
}

var _ Buffer = &vulkanBuffer{}

func (b *vulkanBuffer) Size() uint64 {
	return b.size
}

func (b *vulkanBuffer) Write(offset uint64, data []byte) error {
	if b.locality != LocalityHost {
		return errors.New("write rejected: buffer is device-local")
	}
	if offset+uint64(len(data)) > b.size {
		return fmt.Errorf("write of %d bytes at offset %d exceeds buffer size %d", len(data), offset, b.size)
	}
	dst := unsafe.Slice((*byte)(b.hostPtr), b.size)
	copy(dst[offset:], data)
	return nil
}

func (b *vulkanBuffer) Release() {
	if b.hostPtr != nil {
		vk.UnmapMemory(b.dev, b.mem)
		b.hostPtr = nil
	}
	if b.buf != vk.NullBuffer {
		vk.DestroyBuffer(b.dev, b.buf, nil)
		b.buf = vk.NullBuffer
	}
	if b.mem != vk.NullDeviceMemory {
		vk.FreeMemory(b.dev, b.mem, nil)
		b.mem = vk.NullDeviceMemory
	}
}

func (d *vulkanDevice) CreateBuffer(desc BufferDescriptor) (Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.lostErrLocked(); err != nil {
		return nil, err
	}

	var usage vk.BufferUsageFlagBits
	if desc.Usage.Has(BufferUsageVertex) {
		usage |= vk.BufferUsageVertexBufferBit
	}
	if desc.Usage.Has(BufferUsageIndex) {
		usage |= vk.BufferUsageIndexBufferBit
	}
	if desc.Usage.Has(BufferUsageUniform) {
		usage |= vk.BufferUsageUniformBufferBit
	}
	if desc.Usage.Has(BufferUsageCopySrc) || desc.Usage.Has(BufferUsageStaging) {
		usage |= vk.BufferUsageTransferSrcBit
	}
	if desc.Usage.Has(BufferUsageCopyDst) {
		usage |= vk.BufferUsageTransferDstBit
	}

	var buf vk.Buffer
	ret := vk.CreateBuffer(d.device, &vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(desc.Size),
		Usage:       vk.BufferUsageFlags(usage),
		SharingMode: vk.SharingModeExclusive,
	}, nil, &buf)
	if err := vkErr(ret, "create buffer"); err != nil {
		return nil, err
	}

	var memReqs vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(d.device, buf, &memReqs)
	memReqs.Deref()

	props := vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit)
	if desc.Locality == LocalityHost {
		props = vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit)
	}
	memType, err := d.findMemoryType(memReqs.MemoryTypeBits, props)
	if err != nil {
		vk.DestroyBuffer(d.device, buf, nil)
		return nil, err
	}

	var mem vk.DeviceMemory
	ret = vk.AllocateMemory(d.device, &vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  memReqs.Size,
		MemoryTypeIndex: memType,
	}, nil, &mem)
	if err := vkErr(ret, "allocate buffer memory"); err != nil {
		vk.DestroyBuffer(d.device, buf, nil)
		return nil, err
	}
	vk.BindBufferMemory(d.device, buf, mem, 0)

	b := &vulkanBuffer{dev: d.device, buf: buf, mem: mem, size: desc.Size, locality: desc.Locality}
	if desc.Locality == LocalityHost {
		var ptr unsafe.Pointer
		ret = vk.MapMemory(d.device, mem, 0, vk.DeviceSize(desc.Size), 0, &ptr)
		if err := vkErr(ret, "map buffer memory"); err != nil {
			b.Release()
			return nil, err
		}
		b.hostPtr = ptr
	}
	return b, nil
}

// vulkanTexture is the vulkan implementation of the Texture interface.
type vulkanTexture struct {
	dev    vk.Device
	image  vk.Image
	mem    vk.DeviceMemory
	view   vk.ImageView
	extent Extent3D
	format TextureFormat
	state  TextureState
}

var _ Texture = &vulkanTexture{}

func (t *vulkanTexture) Extent() Extent3D      { return t.extent }
func (t *vulkanTexture) Format() TextureFormat { return t.format }
func (t *vulkanTexture) State() TextureState   { return t.state }

func (t *vulkanTexture) Release() {
	if t.view != vk.NullImageView {
		vk.DestroyImageView(t.dev, t.view, nil)
		t.view = vk.NullImageView
	}
	if t.image != vk.NullImage {
		vk.DestroyImage(t.dev, t.image, nil)
		t.image = vk.NullImage
	}
	if t.mem != vk.NullDeviceMemory {
		vk.FreeMemory(t.dev, t.mem, nil)
		t.mem = vk.NullDeviceMemory
	}
}

// toVulkanFormat maps the core texture formats. The depth format is realized
// as 32-bit float depth, the closest widely supported match.
func toVulkanFormat(f TextureFormat) vk.Format {
	switch f {
	case TextureFormatRGBA8Unorm:
		return vk.FormatR8g8b8a8Unorm
	case TextureFormatBGRA8Unorm:
		return vk.FormatB8g8r8a8Unorm
	case TextureFormatDepth24Plus:
		return vk.FormatD32Sfloat
	default:
		return vk.FormatR8g8b8a8Unorm
	}
}

func (d *vulkanDevice) CreateTexture(desc TextureDescriptor) (Texture, error) {
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

	usage := vk.ImageUsageFlags(vk.ImageUsageSampledBit | vk.ImageUsageTransferDstBit)
	aspect := vk.ImageAspectFlags(vk.ImageAspectColorBit)
	if desc.Format == TextureFormatDepth24Plus {
		usage = vk.ImageUsageFlags(vk.ImageUsageDepthStencilAttachmentBit | vk.ImageUsageSampledBit)
		aspect = vk.ImageAspectFlags(vk.ImageAspectDepthBit)
	}

	var image vk.Image
	ret := vk.CreateImage(d.device, &vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: vk.ImageType2d,
		Format:    toVulkanFormat(desc.Format),
		Extent: vk.Extent3D{
			Width:  extent.Width,
			Height: extent.Height,
			Depth:  extent.Depth,
		},
		MipLevels:     mips,
		ArrayLayers:   layers,
		Samples:       vk.SampleCount1Bit,
		Tiling:        vk.ImageTilingOptimal,
		Usage:         usage,
		InitialLayout: vk.ImageLayoutUndefined,
	}, nil, &image)
	if err := vkErr(ret, "create image"); err != nil {
		return nil, err
	}

	var memReqs vk.MemoryRequirements
	vk.GetImageMemoryRequirements(d.device, image, &memReqs)
	memReqs.Deref()

	memType, err := d.findMemoryType(memReqs.MemoryTypeBits, vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit))
	if err != nil {
		vk.DestroyImage(d.device, image, nil)
		return nil, err
	}
	var mem vk.DeviceMemory
	ret = vk.AllocateMemory(d.device, &vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  memReqs.Size,
		MemoryTypeIndex: memType,
	}, nil, &mem)
	if err := vkErr(ret, "allocate image memory"); err != nil {
		vk.DestroyImage(d.device, image, nil)
		return nil, err
	}
	vk.BindImageMemory(d.device, image, mem, 0)

	var view vk.ImageView
	ret = vk.CreateImageView(d.device, &vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    image,
		ViewType: vk.ImageViewType2d,
		Format:   toVulkanFormat(desc.Format),
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask: aspect,
			LevelCount: mips,
			LayerCount: layers,
		},
	}, nil, &view)
	if err := vkErr(ret, "create image view"); err != nil {
		vk.DestroyImage(d.device, image, nil)
		vk.FreeMemory(d.device, mem, nil)
		return nil, err
	}

	return &vulkanTexture{
		dev:    d.device,
		image:  image,
		mem:    mem,
		view:   view,
		extent: extent,
		format: desc.Format,
	}, nil
}

func toVulkanStages(s StageFlags) vk.ShaderStageFlags {
	var out vk.ShaderStageFlagBits
	if s&StageVertex != 0 {
		out |= vk.ShaderStageVertexBit
	}
	if s&StageFragment != 0 {
		out |= vk.ShaderStageFragmentBit
	}
	return vk.ShaderStageFlags(out)
}

func toVulkanVertexFormat(f VertexFormat) vk.Format {
	switch f {
	case VertexFormatFloat32x2:
		return vk.FormatR32g32Sfloat
	case VertexFormatFloat32x3:
		return vk.FormatR32g32b32Sfloat
	case VertexFormatFloat32x4:
		return vk.FormatR32g32b32a32Sfloat
	default:
		return vk.FormatR32g32b32a32Sfloat
	}
}

// descriptorSetLayout builds the descriptor set layout for a slot contract.
// Sampled-texture slots become combined image/sampler descriptors at the
// contract binding; no sampler companion offset applies in this dialect.
func (d *vulkanDevice) descriptorSetLayout(slots []LayoutSlot) (vk.DescriptorSetLayout, error) {
	binds := make([]vk.DescriptorSetLayoutBinding, len(slots))
	for i, s := range slots {
		bd := vk.DescriptorSetLayoutBinding{
			Binding:         s.Binding,
			DescriptorCount: 1,
			StageFlags:      toVulkanStages(s.Stages),
		}
		switch s.Kind {
		case SlotKindUniformBuffer:
			bd.DescriptorType = vk.DescriptorTypeUniformBuffer
		case SlotKindSampledTexture:
			bd.DescriptorType = vk.DescriptorTypeCombinedImageSampler
		}
		binds[i] = bd
	}
	var layout vk.DescriptorSetLayout
	ret := vk.CreateDescriptorSetLayout(d.device, &vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: uint32(len(binds)),
		PBindings:    binds,
	}, nil, &layout)
	if err := vkErr(ret, "create descriptor set layout"); err != nil {
		return vk.NullDescriptorSetLayout, err
	}
	return layout, nil
}

// shaderModule creates a module from a SPIR-V source string. GLSL text must
// be compiled to SPIR-V offline before reaching this backend.
func (d *vulkanDevice) shaderModule(source string) (vk.ShaderModule, error) {
	code := []byte(source)
	if len(code) < 4 || len(code)%4 != 0 {
		return vk.NullShaderModule, errors.New("shader source is not a SPIR-V binary")
	}
	words := unsafe.Slice((*uint32)(unsafe.Pointer(&code[0])), len(code)/4)
	if words[0] != spirvMagic {
		return vk.NullShaderModule, errors.New("shader source is not a SPIR-V binary")
	}
	var module vk.ShaderModule
	ret := vk.CreateShaderModule(d.device, &vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint64(len(code)),
		PCode:    words,
	}, nil, &module)
	if err := vkErr(ret, "create shader module"); err != nil {
		return vk.NullShaderModule, err
	}
	return module, nil
}

// vulkanPipeline is the vulkan implementation of the Pipeline interface.
type vulkanPipeline struct {
	dev        vk.Device
	label      string
	pipeline   vk.Pipeline
	layout     vk.PipelineLayout
	descLayout vk.DescriptorSetLayout
	cache      vk.PipelineCache
}

var _ Pipeline = &vulkanPipeline{}

func (p *vulkanPipeline) Label() string { return p.label }

func (p *vulkanPipeline) Release() {
	if p.pipeline != vk.NullPipeline {
		vk.DestroyPipeline(p.dev, p.pipeline, nil)
		p.pipeline = vk.NullPipeline
	}
	if p.cache != vk.NullPipelineCache {
		vk.DestroyPipelineCache(p.dev, p.cache, nil)
		p.cache = vk.NullPipelineCache
	}
	if p.layout != vk.NullPipelineLayout {
		vk.DestroyPipelineLayout(p.dev, p.layout, nil)
		p.layout = vk.NullPipelineLayout
	}
	if p.descLayout != vk.NullDescriptorSetLayout {
		vk.DestroyDescriptorSetLayout(p.dev, p.descLayout, nil)
		p.descLayout = vk.NullDescriptorSetLayout
	}
}

func (d *vulkanDevice) CreateRenderPipeline(desc RenderPipelineDescriptor) (Pipeline, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.lostErrLocked(); err != nil {
		return nil, err
	}

	vs, err := d.shaderModule(desc.VertexSource)
	if err != nil {
		return nil, fmt.Errorf("vertex shader: %w", err)
	}
	defer vk.DestroyShaderModule(d.device, vs, nil)

	fs := vs
	if desc.FragmentSource != desc.VertexSource {
		fs, err = d.shaderModule(desc.FragmentSource)
		if err != nil {
			return nil, fmt.Errorf("fragment shader: %w", err)
		}
		defer vk.DestroyShaderModule(d.device, fs, nil)
	}

	descLayout, err := d.descriptorSetLayout(desc.LayoutSlots)
	if err != nil {
		return nil, err
	}

	var pipelineLayout vk.PipelineLayout
	ret := vk.CreatePipelineLayout(d.device, &vk.PipelineLayoutCreateInfo{
		SType:          vk.StructureTypePipelineLayoutCreateInfo,
		SetLayoutCount: 1,
		PSetLayouts:    []vk.DescriptorSetLayout{descLayout},
	}, nil, &pipelineLayout)
	if err := vkErr(ret, "create pipeline layout"); err != nil {
		vk.DestroyDescriptorSetLayout(d.device, descLayout, nil)
		return nil, err
	}

	attrs := make([]vk.VertexInputAttributeDescription, len(desc.VertexAttributes))
	for i, a := range desc.VertexAttributes {
		attrs[i] = vk.VertexInputAttributeDescription{
			Location: a.Location,
			Binding:  0,
			Format:   toVulkanVertexFormat(a.Format),
			Offset:   uint32(a.Offset),
		}
	}

	cullMode := vk.CullModeNone
	if desc.CullBack {
		cullMode = vk.CullModeBackBit
	}
	depthCompare := vk.CompareOpLess
	if !desc.DepthTest {
		depthCompare = vk.CompareOpAlways
	}
	depthWrite := vk.Bool32(vk.False)
	if desc.DepthWrite {
		depthWrite = vk.Bool32(vk.True)
	}
	blend := vk.PipelineColorBlendAttachmentState{
		ColorWriteMask: 0xF,
	}
	if desc.AlphaBlend {
		blend.BlendEnable = vk.True
		blend.SrcColorBlendFactor = vk.BlendFactorSrcAlpha
		blend.DstColorBlendFactor = vk.BlendFactorOneMinusSrcAlpha
		blend.ColorBlendOp = vk.BlendOpAdd
		blend.SrcAlphaBlendFactor = vk.BlendFactorOne
		blend.DstAlphaBlendFactor = vk.BlendFactorOneMinusSrcAlpha
		blend.AlphaBlendOp = vk.BlendOpAdd
	}

	var cache vk.PipelineCache
	ret = vk.CreatePipelineCache(d.device, &vk.PipelineCacheCreateInfo{
		SType: vk.StructureTypePipelineCacheCreateInfo,
	}, nil, &cache)
	if err := vkErr(ret, "create pipeline cache"); err != nil {
		vk.DestroyPipelineLayout(d.device, pipelineLayout, nil)
		vk.DestroyDescriptorSetLayout(d.device, descLayout, nil)
		return nil, err
	}

	pipelines := make([]vk.Pipeline, 1)
	ret = vk.CreateGraphicsPipelines(d.device, cache, 1, []vk.GraphicsPipelineCreateInfo{{
		SType:      vk.StructureTypeGraphicsPipelineCreateInfo,
		StageCount: 2,
		PStages: []vk.PipelineShaderStageCreateInfo{
			{
				SType:  vk.StructureTypePipelineShaderStageCreateInfo,
				Stage:  vk.ShaderStageVertexBit,
				Module: vs,
				PName:  nullTerm("main"),
			},
			{
				SType:  vk.StructureTypePipelineShaderStageCreateInfo,
				Stage:  vk.ShaderStageFragmentBit,
				Module: fs,
				PName:  nullTerm("main"),
			},
		},
		PVertexInputState: &vk.PipelineVertexInputStateCreateInfo{
			SType:                         vk.StructureTypePipelineVertexInputStateCreateInfo,
			VertexBindingDescriptionCount: 1,
			PVertexBindingDescriptions: []vk.VertexInputBindingDescription{{
				Binding:   0,
				Stride:    uint32(desc.VertexStride),
				InputRate: vk.VertexInputRateVertex,
			}},
			VertexAttributeDescriptionCount: uint32(len(attrs)),
			PVertexAttributeDescriptions:    attrs,
		},
		PInputAssemblyState: &vk.PipelineInputAssemblyStateCreateInfo{
			SType:    vk.StructureTypePipelineInputAssemblyStateCreateInfo,
			Topology: vk.PrimitiveTopologyTriangleList,
		},
		PViewportState: &vk.PipelineViewportStateCreateInfo{
			SType:         vk.StructureTypePipelineViewportStateCreateInfo,
			ViewportCount: 1,
			ScissorCount:  1,
		},
		PRasterizationState: &vk.PipelineRasterizationStateCreateInfo{
			SType:       vk.StructureTypePipelineRasterizationStateCreateInfo,
			PolygonMode: vk.PolygonModeFill,
			CullMode:    vk.CullModeFlags(cullMode),
			FrontFace:   vk.FrontFaceCounterClockwise,
			LineWidth:   1.0,
		},
		PMultisampleState: &vk.PipelineMultisampleStateCreateInfo{
			SType:                vk.StructureTypePipelineMultisampleStateCreateInfo,
			RasterizationSamples: vk.SampleCount1Bit,
		},
		PDepthStencilState: &vk.PipelineDepthStencilStateCreateInfo{
			SType:            vk.StructureTypePipelineDepthStencilStateCreateInfo,
			DepthTestEnable:  vk.True,
			DepthWriteEnable: depthWrite,
			DepthCompareOp:   depthCompare,
			Front: vk.StencilOpState{
				FailOp:    vk.StencilOpKeep,
				PassOp:    vk.StencilOpKeep,
				CompareOp: vk.CompareOpAlways,
			},
			Back: vk.StencilOpState{
				FailOp:    vk.StencilOpKeep,
				PassOp:    vk.StencilOpKeep,
				CompareOp: vk.CompareOpAlways,
			},
		},
		PColorBlendState: &vk.PipelineColorBlendStateCreateInfo{
			SType:           vk.StructureTypePipelineColorBlendStateCreateInfo,
			AttachmentCount: 1,
			PAttachments:    []vk.PipelineColorBlendAttachmentState{blend},
		},
		PDynamicState: &vk.PipelineDynamicStateCreateInfo{
			SType:             vk.StructureTypePipelineDynamicStateCreateInfo,
			DynamicStateCount: 2,
			PDynamicStates: []vk.DynamicState{
				vk.DynamicStateViewport,
				vk.DynamicStateScissor,
			},
		},
		Layout:     pipelineLayout,
		RenderPass: d.renderPass,
	}}, nil, pipelines)
	if err := vkErr(ret, "create graphics pipeline"); err != nil {
		vk.DestroyPipelineCache(d.device, cache, nil)
		vk.DestroyPipelineLayout(d.device, pipelineLayout, nil)
		vk.DestroyDescriptorSetLayout(d.device, descLayout, nil)
		return nil, err
	}

	return &vulkanPipeline{
		dev:        d.device,
		label:      desc.Label,
		pipeline:   pipelines[0],
		layout:     pipelineLayout,
		descLayout: descLayout,
		cache:      cache,
	}, nil
}

// vulkanBindGroup is the vulkan implementation of the BindGroup interface.
// Each group owns a dedicated descriptor pool; destroying the pool frees the
// set.
type vulkanBindGroup struct {
	dev    vk.Device
	pool   vk.DescriptorPool
	layout vk.DescriptorSetLayout
	set    vk.DescriptorSet
}

var _ BindGroup = &vulkanBindGroup{}

func (g *vulkanBindGroup) Release() {
	if g.pool != vk.NullDescriptorPool {
		vk.DestroyDescriptorPool(g.dev, g.pool, nil)
		g.pool = vk.NullDescriptorPool
	}
	if g.layout != vk.NullDescriptorSetLayout {
		vk.DestroyDescriptorSetLayout(g.dev, g.layout, nil)
		g.layout = vk.NullDescriptorSetLayout
	}
}

func (d *vulkanDevice) CreateBindGroup(label string, slots []LayoutSlot, entries []BindGroupEntry) (BindGroup, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.lostErrLocked(); err != nil {
		return nil, err
	}

	var nbuf, ntex uint32
	for _, s := range slots {
		switch s.Kind {
		case SlotKindUniformBuffer:
			nbuf++
		case SlotKindSampledTexture:
			ntex++
		}
	}
	var sizes []vk.DescriptorPoolSize
	if nbuf > 0 {
		sizes = append(sizes, vk.DescriptorPoolSize{
			Type:            vk.DescriptorTypeUniformBuffer,
			DescriptorCount: nbuf,
		})
	}
	if ntex > 0 {
		sizes = append(sizes, vk.DescriptorPoolSize{
			Type:            vk.DescriptorTypeCombinedImageSampler,
			DescriptorCount: ntex,
		})
	}

	var pool vk.DescriptorPool
	ret := vk.CreateDescriptorPool(d.device, &vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		MaxSets:       1,
		PoolSizeCount: uint32(len(sizes)),
		PPoolSizes:    sizes,
	}, nil, &pool)
	if err := vkErr(ret, "create descriptor pool"); err != nil {
		return nil, err
	}

	layout, err := d.descriptorSetLayout(slots)
	if err != nil {
		vk.DestroyDescriptorPool(d.device, pool, nil)
		return nil, err
	}

	var set vk.DescriptorSet
	ret = vk.AllocateDescriptorSets(d.device, &vk.DescriptorSetAllocateInfo{
		SType:              vk.StructureTypeDescriptorSetAllocateInfo,
		DescriptorPool:     pool,
		DescriptorSetCount: 1,
		PSetLayouts:        []vk.DescriptorSetLayout{layout},
	}, &set)
	if err := vkErr(ret, "allocate descriptor set"); err != nil {
		vk.DestroyDescriptorSetLayout(d.device, layout, nil)
		vk.DestroyDescriptorPool(d.device, pool, nil)
		return nil, err
	}

	kinds := make(map[uint32]SlotKind, len(slots))
	for _, s := range slots {
		kinds[s.Binding] = s.Kind
	}

	writes := make([]vk.WriteDescriptorSet, 0, len(entries))
	for _, e := range entries {
		wd := vk.WriteDescriptorSet{
			SType:           vk.StructureTypeWriteDescriptorSet,
			DstSet:          set,
			DstBinding:      e.Binding,
			DescriptorCount: 1,
		}
		switch kinds[e.Binding] {
		case SlotKindUniformBuffer:
			buf, ok := e.Buffer.(*vulkanBuffer)
			if !ok {
				vk.DestroyDescriptorSetLayout(d.device, layout, nil)
				vk.DestroyDescriptorPool(d.device, pool, nil)
				return nil, errors.New("bind group entry buffer was not created by this backend")
			}
			wd.DescriptorType = vk.DescriptorTypeUniformBuffer
			wd.PBufferInfo = []vk.DescriptorBufferInfo{{
				Buffer: buf.buf,
				Offset: vk.DeviceSize(e.BufferOffset),
				Range:  vk.DeviceSize(e.BufferSize),
			}}
		case SlotKindSampledTexture:
			tex, ok := e.Texture.(*vulkanTexture)
			if !ok {
				vk.DestroyDescriptorSetLayout(d.device, layout, nil)
				vk.DestroyDescriptorPool(d.device, pool, nil)
				return nil, errors.New("bind group entry texture was not created by this backend")
			}
			wd.DescriptorType = vk.DescriptorTypeCombinedImageSampler
			wd.PImageInfo = []vk.DescriptorImageInfo{{
				Sampler:     d.sampler,
				ImageView:   tex.view,
				ImageLayout: vk.ImageLayoutShaderReadOnlyOptimal,
			}}
		}
		writes = append(writes, wd)
	}
	vk.UpdateDescriptorSets(d.device, uint32(len(writes)), writes, 0, nil)

	return &vulkanBindGroup{dev: d.device, pool: pool, layout: layout, set: set}, nil
}

// vulkanSignal wraps a fence. Created unsignaled, reset at each submit and
// waited on with a bounded timeout.
type vulkanSignal struct {
	dev   vk.Device
	fence vk.Fence
}

var _ Signal = &vulkanSignal{}

func (s *vulkanSignal) Signaled() bool {
	return vk.GetFenceStatus(s.dev, s.fence) == vk.Success
}

func (s *vulkanSignal) Release() {
	if s.fence != vk.NullFence {
		vk.DestroyFence(s.dev, s.fence, nil)
		s.fence = vk.NullFence
	}
}

func (d *vulkanDevice) NewSignal() (Signal, error) {
	var fence vk.Fence
	ret := vk.CreateFence(d.device, &vk.FenceCreateInfo{
		SType: vk.StructureTypeFenceCreateInfo,
	}, nil, &fence)
	if err := vkErr(ret, "create fence"); err != nil {
		return nil, err
	}
	return &vulkanSignal{dev: d.device, fence: fence}, nil
}

// vulkanEncoder is the vulkan implementation of the CommandEncoder interface.
type vulkanEncoder struct {
	dev *vulkanDevice
	cmd vk.CommandBuffer
	err error
}

var _ CommandEncoder = &vulkanEncoder{}

func (d *vulkanDevice) BeginCommands() (CommandEncoder, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.lostErrLocked(); err != nil {
		return nil, err
	}

	cmds := make([]vk.CommandBuffer, 1)
	ret := vk.AllocateCommandBuffers(d.device, &vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        d.cmdPool,
		Level:              vk.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	}, cmds)
	if err := vkErr(ret, "allocate command buffer"); err != nil {
		return nil, err
	}
	ret = vk.BeginCommandBuffer(cmds[0], &vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	})
	if err := vkErr(ret, "begin command buffer"); err != nil {
		vk.FreeCommandBuffers(d.device, d.cmdPool, 1, cmds)
		return nil, err
	}
	return &vulkanEncoder{dev: d, cmd: cmds[0]}, nil
}

func (e *vulkanEncoder) CopyBufferToBuffer(src Buffer, srcOffset uint64, dst Buffer, dstOffset, size uint64) {
	if e.err != nil {
		return
	}
	s, ok := src.(*vulkanBuffer)
	if !ok {
		e.err = errors.New("copy source buffer was not created by this backend")
		return
	}
	t, ok := dst.(*vulkanBuffer)
	if !ok {
		e.err = errors.New("copy destination buffer was not created by this backend")
		return
	}
	vk.CmdCopyBuffer(e.cmd, s.buf, t.buf, 1, []vk.BufferCopy{{
		SrcOffset: vk.DeviceSize(srcOffset),
		DstOffset: vk.DeviceSize(dstOffset),
		Size:      vk.DeviceSize(size),
	}})
}

// imageBarrier records a layout transition for the full color subresource.
func (e *vulkanEncoder) imageBarrier(image vk.Image, oldLayout, newLayout vk.ImageLayout,
	srcAccess, dstAccess vk.AccessFlagBits, srcStage, dstStage vk.PipelineStageFlagBits) {
	vk.CmdPipelineBarrier(e.cmd,
		vk.PipelineStageFlags(srcStage),
		vk.PipelineStageFlags(dstStage),
		0, 0, nil, 0, nil, 1, []vk.ImageMemoryBarrier{{
			SType:               vk.StructureTypeImageMemoryBarrier,
			SrcAccessMask:       vk.AccessFlags(srcAccess),
			DstAccessMask:       vk.AccessFlags(dstAccess),
			OldLayout:           oldLayout,
			NewLayout:           newLayout,
			SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
			DstQueueFamilyIndex: vk.QueueFamilyIgnored,
			Image:               image,
			SubresourceRange: vk.ImageSubresourceRange{
				AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
				LevelCount: 1,
				LayerCount: 1,
			},
		}})
}

func (e *vulkanEncoder) CopyBufferToTexture(src Buffer, srcOffset uint64, dst Texture, extent Extent3D) {
	if e.err != nil {
		return
	}
	s, ok := src.(*vulkanBuffer)
	if !ok {
		e.err = errors.New("copy source buffer was not created by this backend")
		return
	}
	t, ok := dst.(*vulkanTexture)
	if !ok {
		e.err = errors.New("copy destination texture was not created by this backend")
		return
	}
	depth := extent.Depth
	if depth == 0 {
		depth = 1
	}

	oldLayout := vk.ImageLayoutUndefined
	srcAccess := vk.AccessFlagBits(0)
	srcStage := vk.PipelineStageTopOfPipeBit
	if t.state == TextureStateShaderRead {
		oldLayout = vk.ImageLayoutShaderReadOnlyOptimal
		srcAccess = vk.AccessShaderReadBit
		srcStage = vk.PipelineStageFragmentShaderBit
	}
	e.imageBarrier(t.image, oldLayout, vk.ImageLayoutTransferDstOptimal,
		srcAccess, vk.AccessTransferWriteBit,
		srcStage, vk.PipelineStageTransferBit)

	vk.CmdCopyBufferToImage(e.cmd, s.buf, t.image, vk.ImageLayoutTransferDstOptimal, 1, []vk.BufferImageCopy{{
		BufferOffset: vk.DeviceSize(srcOffset),
		ImageSubresource: vk.ImageSubresourceLayers{
			AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
			LayerCount: 1,
		},
		ImageExtent: vk.Extent3D{
			Width:  extent.Width,
			Height: extent.Height,
			Depth:  depth,
		},
	}})

	e.imageBarrier(t.image, vk.ImageLayoutTransferDstOptimal, vk.ImageLayoutShaderReadOnlyOptimal,
		vk.AccessTransferWriteBit, vk.AccessShaderReadBit,
		vk.PipelineStageTransferBit, vk.PipelineStageFragmentShaderBit)
	t.state = TextureStateShaderRead
}

func (e *vulkanEncoder) Finish() (CommandBuffer, error) {
	if e.err != nil {
		vk.FreeCommandBuffers(e.dev.device, e.dev.cmdPool, 1, []vk.CommandBuffer{e.cmd})
		return nil, e.err
	}
	ret := vk.EndCommandBuffer(e.cmd)
	if err := vkErr(ret, "end command buffer"); err != nil {
		vk.FreeCommandBuffers(e.dev.device, e.dev.cmdPool, 1, []vk.CommandBuffer{e.cmd})
		return nil, err
	}
	return &vulkanCommandBuffer{dev: e.dev, cmd: e.cmd}, nil
}

// vulkanCommandBuffer is the vulkan implementation of the CommandBuffer interface.
type vulkanCommandBuffer struct {
	dev *vulkanDevice
	cmd vk.CommandBuffer
}

var _ CommandBuffer = &vulkanCommandBuffer{}

func (c *vulkanCommandBuffer) Release() {
	if c.cmd != nil {
		vk.FreeCommandBuffers(c.dev.device, c.dev.cmdPool, 1, []vk.CommandBuffer{c.cmd})
		c.cmd = nil
	}
}

func (d *vulkanDevice) Submit(cb CommandBuffer, queue QueueClass, signal Signal) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.lostErrLocked(); err != nil {
		return err
	}

	vcb, ok := cb.(*vulkanCommandBuffer)
	if !ok {
		return errors.New("command buffer was not created by this backend")
	}

	fence := vk.NullFence
	if signal != nil {
		vs, ok := signal.(*vulkanSignal)
		if !ok {
			return errors.New("signal was not created by this backend")
		}
		vk.ResetFences(d.device, 1, []vk.Fence{vs.fence})
		fence = vs.fence
	}

	q := d.graphicsQueue
	if queue == QueueTransfer {
		q = d.transferQueue
	}
	ret := vk.QueueSubmit(q, 1, []vk.SubmitInfo{{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: 1,
		PCommandBuffers:    []vk.CommandBuffer{vcb.cmd},
	}}, fence)
	if ret == vk.ErrorDeviceLost {
		return d.markLostLocked("queue submit reported device loss")
	}
	return vkErr(ret, "queue submit")
}

func (d *vulkanDevice) WaitSignal(s Signal, timeout time.Duration) error {
	vs, ok := s.(*vulkanSignal)
	if !ok {
		return errors.New("signal was not created by this backend")
	}
	d.mu.Lock()
	if err := d.lostErrLocked(); err != nil {
		d.mu.Unlock()
		return err
	}
	d.mu.Unlock()

	ret := vk.WaitForFences(d.device, 1, []vk.Fence{vs.fence}, vk.True, uint64(timeout.Nanoseconds()))
	switch ret {
	case vk.Success:
		return nil
	case vk.Timeout:
		return &WaitTimeoutError{Timeout: timeout}
	case vk.ErrorDeviceLost:
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.markLostLocked("fence wait reported device loss")
	default:
		return vkErr(ret, "wait for fence")
	}
}

func (d *vulkanDevice) Lost() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lost
}

func (d *vulkanDevice) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.device != nil {
		vk.DeviceWaitIdle(d.device)
		if d.sampler != vk.NullSampler {
			vk.DestroySampler(d.device, d.sampler, nil)
			d.sampler = vk.NullSampler
		}
		if d.renderPass != vk.NullRenderPass {
			vk.DestroyRenderPass(d.device, d.renderPass, nil)
			d.renderPass = vk.NullRenderPass
		}
		if d.cmdPool != vk.NullCommandPool {
			vk.DestroyCommandPool(d.device, d.cmdPool, nil)
			d.cmdPool = vk.NullCommandPool
		}
		vk.DestroyDevice(d.device, nil)
		d.device = nil
	}
	if d.instance != nil {
		vk.DestroyInstance(d.instance, nil)
		d.instance = nil
	}
}

// nullTerm returns s with the trailing NUL Vulkan string fields require.
func nullTerm(s string) string {
	return s + "\x00"
}

// vkErr converts a non-success result into an error.
func vkErr(ret vk.Result, what string) error {
	if ret == vk.Success {
		return nil
	}
	return fmt.Errorf("vulkan %s failed: %w", what, vk.Error(ret))
}
