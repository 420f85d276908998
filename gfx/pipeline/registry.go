package pipeline

import (
	"fmt"

	"github.com/forge3d/forge/gfx/binding"
	"github.com/forge3d/forge/gfx/device"
)

// Registry caches compiled pipelines by Key. Main-thread-only, like the
// binding layout manager. There is no per-key invalidation during a session;
// pipelines persist until explicit full-registry teardown (backend device
// loss).
type Registry interface {
	// GetOrCreate returns the cached pipeline for the key, compiling it on
	// first request. Identical keys return the identical instance without
	// re-invoking the device's pipeline-construction call; a different
	// variant-flag set compiles a distinct instance.
	//
	// Parameters:
	//   - family: the pipeline family
	//   - flags: the variant flags
	//   - layout: the binding layout the pipeline is compiled against
	//   - stages: the opaque shader stage sources
	//   - options: variadic list of Option functions configuring vertex layout and fixed-function state
	//
	// Returns:
	//   - Pipeline: the cached or newly compiled pipeline
	//   - error: an error if the layout is undeclared or compilation fails
	GetOrCreate(family Family, flags VariantFlags, layout binding.LayoutID, stages ShaderStages, options ...Option) (Pipeline, error)

	// Lookup returns the cached pipeline for the key without compiling.
	//
	// Parameters:
	//   - key: the cache key
	//
	// Returns:
	//   - Pipeline: the cached pipeline, or nil
	//   - bool: true if the key is cached
	Lookup(key Key) (Pipeline, bool)

	// Count returns the number of cached pipelines.
	//
	// Returns:
	//   - int: the cache size
	Count() int

	// Backend returns the backend type of the device pipelines compile on,
	// so callers can pick shader sources in the matching dialect.
	//
	// Returns:
	//   - device.BackendType: the active backend
	Backend() device.BackendType

	// Teardown releases every cached pipeline and empties the cache. Only
	// used on explicit shutdown or backend device loss, where the caller
	// rebuilds the full context.
	Teardown()
}

// registry is the implementation of the Registry interface.
type registry struct {
	dev     device.Device
	layouts binding.Manager
	cache   map[Key]*pipeline
}

var _ Registry = &registry{}

// NewRegistry creates a pipeline Registry.
//
// Parameters:
//   - dev: the device pipelines are compiled on
//   - layouts: the binding layout manager keys are resolved against
//
// Returns:
//   - Registry: the new registry
func NewRegistry(dev device.Device, layouts binding.Manager) Registry {
	return &registry{
		dev:     dev,
		layouts: layouts,
		cache:   make(map[Key]*pipeline),
	}
}

func (r *registry) GetOrCreate(family Family, flags VariantFlags, layout binding.LayoutID, stages ShaderStages, options ...Option) (Pipeline, error) {
	key := Key{Family: family, Flags: flags, Layout: layout}
	if p, ok := r.cache[key]; ok {
		return p, nil
	}

	slots, ok := r.layouts.Slots(layout)
	if !ok {
		return nil, fmt.Errorf("pipeline %s: layout %d was never declared", key, layout)
	}

	p := &pipeline{
		key:        key,
		depthTest:  true,
		depthWrite: true,
	}
	for _, opt := range options {
		opt(p)
	}

	// Variant flags override the option defaults; they are part of the key,
	// options are not.
	if flags&VariantDepthReadOnly != 0 {
		p.depthWrite = false
	}
	p.alphaBlend = flags&VariantAlphaBlend != 0
	p.cullBack = flags&VariantDoubleSided == 0

	handle, err := r.dev.CreateRenderPipeline(device.RenderPipelineDescriptor{
		Label:            key.String(),
		VertexSource:     stages.Vertex,
		FragmentSource:   stages.Fragment,
		VertexStride:     p.vertexStride,
		VertexAttributes: p.vertexAttributes,
		LayoutSlots:      slots,
		DepthTest:        p.depthTest,
		DepthWrite:       p.depthWrite,
		AlphaBlend:       p.alphaBlend,
		CullBack:         p.cullBack,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", key, err)
	}
	p.handle = handle

	r.cache[key] = p
	return p, nil
}

func (r *registry) Lookup(key Key) (Pipeline, bool) {
	p, ok := r.cache[key]
	if !ok {
		return nil, false
	}
	return p, true
}

func (r *registry) Count() int {
	return len(r.cache)
}

func (r *registry) Backend() device.BackendType {
	return r.dev.Backend()
}

func (r *registry) Teardown() {
	for _, p := range r.cache {
		if p.handle != nil {
			p.handle.Release()
		}
	}
	r.cache = make(map[Key]*pipeline)
}
