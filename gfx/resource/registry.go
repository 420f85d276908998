// Package resource is the arena of live GPU buffer and image handles.
// Lifetimes are reference-counted by frame generation: retiring a resource
// only frees it logically, and its backing memory returns to the allocator's
// pools once every frame slot that referenced it has signaled completion.
package resource

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/forge3d/forge/common"
	"github.com/forge3d/forge/gfx/allocator"
	"github.com/forge3d/forge/gfx/device"
)

const defaultCapacity = 4096

// ErrRegistryFull is returned when every arena slot is occupied.
var ErrRegistryFull = fmt.Errorf("resource registry is full")

// ErrStaleHandle is returned when a handle's generation no longer matches
// its arena slot, i.e. the resource it referred to has been reclaimed.
var ErrStaleHandle = fmt.Errorf("stale resource handle")

// BufferView is the dereferenced form of a BufferHandle: the backing device
// buffer region plus the metadata binding validation needs. It is a value
// snapshot; holding one does not extend the resource's lifetime.
type BufferView struct {
	// Buffer is the backing device buffer (a shared pool page or a
	// dedicated buffer).
	Buffer device.Buffer
	// Offset is the region's byte offset within Buffer.
	Offset uint64
	// Size is the region's byte size.
	Size uint64
	// Usage is the capability mask the buffer was created with.
	Usage device.BufferUsage
}

// ImageView is the dereferenced form of an ImageHandle.
type ImageView struct {
	// Texture is the backing device texture.
	Texture device.Texture
	// Extent is the texture size.
	Extent device.Extent3D
	// Format is the texel format.
	Format device.TextureFormat
}

// Registry owns every live Buffer/Image handle. Creation may be called from
// the main thread or upload worker threads; mutation is serialized behind a
// single writer lock, while handle dereference is lock-free against the
// frame that owns the resource (a generation check guards against staleness).
type Registry interface {
	// CreateBuffer allocates a buffer region and registers a handle for it.
	//
	// Parameters:
	//   - label: debug label (recorded on the backing allocation)
	//   - size: byte size (must be > 0)
	//   - usage: capability flags
	//   - locality: memory heap selection
	//
	// Returns:
	//   - common.BufferHandle: the new handle
	//   - error: an AllocationFailedError, ErrRegistryFull, or a device error
	CreateBuffer(label string, size uint64, usage device.BufferUsage, locality device.Locality) (common.BufferHandle, error)

	// CreateImage allocates a dedicated texture and registers a handle for it.
	//
	// Parameters:
	//   - desc: the texture creation parameters
	//
	// Returns:
	//   - common.ImageHandle: the new handle
	//   - error: an AllocationFailedError, ErrRegistryFull, or a device error
	CreateImage(desc device.TextureDescriptor) (common.ImageHandle, error)

	// Buffer dereferences a buffer handle. Lock-free.
	//
	// Parameters:
	//   - h: the handle
	//
	// Returns:
	//   - BufferView: the backing region and metadata
	//   - error: ErrStaleHandle if the resource has been reclaimed
	Buffer(h common.BufferHandle) (BufferView, error)

	// Image dereferences an image handle. Lock-free.
	//
	// Parameters:
	//   - h: the handle
	//
	// Returns:
	//   - ImageView: the backing texture and metadata
	//   - error: ErrStaleHandle if the resource has been reclaimed
	Image(h common.ImageHandle) (ImageView, error)

	// Touch records that the resource is referenced by the given frame
	// generation (for drawing or as a copy destination). Reclamation of the
	// resource is gated on that generation's completion signal.
	//
	// Parameters:
	//   - h: the referenced handle (BufferHandle or ImageHandle's embedded Handle)
	//   - frameGeneration: the referencing frame's generation
	Touch(h common.Handle, frameGeneration uint64)

	// MarkRetired frees the resource logically. Its GPU memory is reclaimed
	// by ReclaimUpTo only once the later of frameGeneration and the last
	// touched generation has retired.
	//
	// Parameters:
	//   - h: the handle to retire
	//   - frameGeneration: the generation the retire happens in
	MarkRetired(h common.Handle, frameGeneration uint64)

	// ReclaimUpTo frees every retired resource whose last-referencing
	// generation is <= the newly retired generation, returning allocations
	// to the allocator's pools. Called once per frame by the frame
	// scheduler, and never after a device loss.
	//
	// Parameters:
	//   - frameGeneration: the generation whose completion signal has fired
	ReclaimUpTo(frameGeneration uint64)

	// LiveCount reports how many resources are registered and not yet
	// reclaimed (retired-pending resources count as live).
	//
	// Returns:
	//   - int: the live resource count
	LiveCount() int

	// Shutdown retires and reclaims everything unconditionally, releasing
	// backing memory to the allocator. The caller must have drained the
	// frame scheduler first.
	Shutdown()
}

type slotKind int

const (
	slotEmpty slotKind = iota
	slotBuffer
	slotImage
)

// slot is one arena entry. generation is atomic so dereference can validate
// without taking the registry lock.
type slot struct {
	generation atomic.Uint32

	kind     slotKind
	buffer   BufferView
	alloc    allocator.Allocation
	image    ImageView
	lastUsed uint64
	retired  bool
	// retireAt is the generation whose completion gates reclamation, valid
	// once retired is set.
	retireAt uint64
}

// registry is the implementation of the Registry interface.
type registry struct {
	mu    sync.Mutex
	alloc allocator.Allocator

	slots []slot
	free  []int
	live  int
}

var _ Registry = &registry{}

// RegistryOption is a functional option used to configure a Registry during construction.
type RegistryOption func(*registry)

// WithCapacity sets the arena capacity (handle count). The arena is
// pre-sized so slots never move, which is what keeps dereference lock-free.
// Default is 4096.
//
// Parameters:
//   - n: the slot count (must be >= 1)
//
// Returns:
//   - RegistryOption: a function that sets the capacity
func WithCapacity(n int) RegistryOption {
	return func(r *registry) {
		if n >= 1 {
			r.slots = make([]slot, n)
		}
	}
}

// NewRegistry creates a Registry backed by the given allocator.
//
// Parameters:
//   - alloc: the allocator that backs buffer regions and textures
//   - options: variadic list of RegistryOption functions to configure the registry
//
// Returns:
//   - Registry: the new registry
func NewRegistry(alloc allocator.Allocator, options ...RegistryOption) Registry {
	r := &registry{
		alloc: alloc,
		slots: make([]slot, defaultCapacity),
	}
	for _, opt := range options {
		opt(r)
	}

	r.free = make([]int, len(r.slots))
	for i := range r.free {
		r.free[i] = len(r.slots) - 1 - i
	}
	// Generation 0 marks an invalid handle, so live slots start at 1.
	for i := range r.slots {
		r.slots[i].generation.Store(1)
	}
	return r
}

func (r *registry) takeSlotLocked() (int, error) {
	if len(r.free) == 0 {
		return 0, ErrRegistryFull
	}
	idx := r.free[len(r.free)-1]
	r.free = r.free[:len(r.free)-1]
	return idx, nil
}

func (r *registry) CreateBuffer(label string, size uint64, usage device.BufferUsage, locality device.Locality) (common.BufferHandle, error) {
	a, err := r.alloc.AllocateBuffer(size, usage, locality)
	if err != nil {
		return common.BufferHandle{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	idx, err := r.takeSlotLocked()
	if err != nil {
		r.alloc.Free(a)
		return common.BufferHandle{}, err
	}

	s := &r.slots[idx]
	s.kind = slotBuffer
	s.alloc = a
	s.buffer = BufferView{Buffer: a.Buffer, Offset: a.Offset, Size: size, Usage: usage}
	s.lastUsed = 0
	s.retired = false
	r.live++

	_ = label
	return common.BufferHandle{Handle: common.Handle{Index: uint32(idx), Generation: s.generation.Load()}}, nil
}

func (r *registry) CreateImage(desc device.TextureDescriptor) (common.ImageHandle, error) {
	t, err := r.alloc.AllocateTexture(desc)
	if err != nil {
		return common.ImageHandle{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	idx, err := r.takeSlotLocked()
	if err != nil {
		r.alloc.FreeTexture(t)
		return common.ImageHandle{}, err
	}

	s := &r.slots[idx]
	s.kind = slotImage
	s.image = ImageView{Texture: t, Extent: t.Extent(), Format: t.Format()}
	s.lastUsed = 0
	s.retired = false
	r.live++

	return common.ImageHandle{Handle: common.Handle{Index: uint32(idx), Generation: s.generation.Load()}}, nil
}

func (r *registry) Buffer(h common.BufferHandle) (BufferView, error) {
	s, err := r.deref(h.Handle, slotBuffer)
	if err != nil {
		return BufferView{}, err
	}
	return s.buffer, nil
}

func (r *registry) Image(h common.ImageHandle) (ImageView, error) {
	s, err := r.deref(h.Handle, slotImage)
	if err != nil {
		return ImageView{}, err
	}
	return s.image, nil
}

// deref validates the handle's generation without taking the registry lock.
// The owning frame's retirement gating guarantees the slot cannot be
// reclaimed while that frame still references it, so a matching generation
// means the view fields are stable.
func (r *registry) deref(h common.Handle, kind slotKind) (*slot, error) {
	if int(h.Index) >= len(r.slots) || h.Generation == 0 {
		return nil, ErrStaleHandle
	}
	s := &r.slots[h.Index]
	if s.generation.Load() != h.Generation || s.kind != kind {
		return nil, ErrStaleHandle
	}
	return s, nil
}

func (r *registry) Touch(h common.Handle, frameGeneration uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if int(h.Index) >= len(r.slots) {
		return
	}
	s := &r.slots[h.Index]
	if s.generation.Load() != h.Generation || s.kind == slotEmpty {
		return
	}
	if frameGeneration > s.lastUsed {
		s.lastUsed = frameGeneration
	}
	if s.retired && frameGeneration > s.retireAt {
		s.retireAt = frameGeneration
	}
}

func (r *registry) MarkRetired(h common.Handle, frameGeneration uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if int(h.Index) >= len(r.slots) {
		return
	}
	s := &r.slots[h.Index]
	if s.generation.Load() != h.Generation || s.kind == slotEmpty || s.retired {
		return
	}
	s.retired = true
	s.retireAt = max(frameGeneration, s.lastUsed)
}

func (r *registry) ReclaimUpTo(frameGeneration uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.slots {
		s := &r.slots[i]
		if s.kind == slotEmpty || !s.retired || s.retireAt > frameGeneration {
			continue
		}
		r.reclaimSlotLocked(i)
	}
}

// reclaimSlotLocked returns the slot's backing memory to the allocator's
// pools and recycles the slot under a bumped generation.
func (r *registry) reclaimSlotLocked(i int) {
	s := &r.slots[i]
	switch s.kind {
	case slotBuffer:
		r.alloc.Free(s.alloc)
		s.alloc = allocator.Allocation{}
		s.buffer = BufferView{}
	case slotImage:
		r.alloc.FreeTexture(s.image.Texture)
		s.image = ImageView{}
	}
	s.kind = slotEmpty
	s.retired = false
	s.lastUsed = 0

	// Bumping the generation is what invalidates outstanding handles; skip
	// 0 on wraparound since generation 0 marks an invalid handle.
	next := s.generation.Load() + 1
	if next == 0 {
		next = 1
	}
	s.generation.Store(next)

	r.free = append(r.free, i)
	r.live--
}

func (r *registry) LiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live
}

func (r *registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.slots {
		if r.slots[i].kind != slotEmpty {
			r.reclaimSlotLocked(i)
		}
	}
}
