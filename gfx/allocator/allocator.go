// Package allocator sub-allocates GPU memory pages into buffer-sized regions
// so that many small allocations (uniform blocks especially) share few device
// allocations. Pools are keyed by usage class and grow geometrically; a pool
// never shrinks during a session — pages are only returned to the device on
// explicit Release.
package allocator

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/forge3d/forge/gfx/device"
)

const (
	// minBlockSize keeps every sub-allocated offset aligned to the 256-byte
	// uniform-offset alignment both hardware backends require.
	minBlockSize = 256

	// defaultMaxPooledSize is the largest request served from a pool page;
	// anything bigger gets a dedicated device buffer.
	defaultMaxPooledSize = 1 << 20

	// defaultInitialBlocks is the block count of the first page in a class.
	// Each subsequent page in the same class doubles it.
	defaultInitialBlocks = 8
)

// Allocation is a sub-allocated region of a device buffer page (or a whole
// dedicated buffer for oversized requests). It is a plain value; workers and
// the registry hand it across threads freely.
type Allocation struct {
	// Buffer is the backing device buffer. For pooled allocations this is a
	// shared page; Release it through Free, never directly.
	Buffer device.Buffer
	// Offset is the region's byte offset within Buffer.
	Offset uint64
	// Size is the requested byte size (the reserved block may be larger).
	Size uint64

	page  *page
	block int
}

// AllocationFailedError reports that a request could not be served within the
// allocator's budget. It is locally retryable: the caller may fall back to a
// smaller request or defer, but must never silently truncate.
type AllocationFailedError struct {
	// RequestedBytes is the size that was asked for.
	RequestedBytes uint64
	// AvailableBytes is the budget headroom at the time of the request.
	AvailableBytes uint64
}

func (e *AllocationFailedError) Error() string {
	return fmt.Sprintf("gpu allocation failed: requested %d bytes, %d available", e.RequestedBytes, e.AvailableBytes)
}

// Allocator manages GPU-visible memory for buffers and images.
// Freed regions return to their pool for reuse; actual reclamation timing is
// the resource registry's frame-gating concern, not the allocator's.
// Thread-safe: creation and free may be called from the main thread or
// upload worker threads.
type Allocator interface {
	// AllocateBuffer reserves a buffer region of at least size bytes with
	// the given usage and locality.
	//
	// Parameters:
	//   - size: requested byte size (must be > 0)
	//   - usage: capability flags the region is used with
	//   - locality: memory heap selection
	//
	// Returns:
	//   - Allocation: the reserved region
	//   - error: an AllocationFailedError if the budget is exhausted, or a device error
	AllocateBuffer(size uint64, usage device.BufferUsage, locality device.Locality) (Allocation, error)

	// AllocateTexture creates a dedicated device texture accounted against
	// the allocator's budget. Images are not sub-allocated; their backing
	// memory is dedicated per image.
	//
	// Parameters:
	//   - desc: the texture creation parameters
	//
	// Returns:
	//   - device.Texture: the created texture
	//   - error: an AllocationFailedError if the budget is exhausted, or a device error
	AllocateTexture(desc device.TextureDescriptor) (device.Texture, error)

	// Free returns a buffer region to its pool. The caller must guarantee
	// the GPU has finished with the region; registry frame-gating provides
	// that guarantee.
	//
	// Parameters:
	//   - a: the allocation to return
	Free(a Allocation)

	// FreeTexture releases a dedicated texture and returns its bytes to the
	// budget.
	//
	// Parameters:
	//   - t: the texture to release
	FreeTexture(t device.Texture)

	// ReservedBytes reports the total device memory the allocator currently
	// holds (pages plus dedicated allocations), regardless of how much of it
	// is handed out.
	//
	// Returns:
	//   - uint64: reserved byte count
	ReservedBytes() uint64

	// Release destroys every page and dedicated allocation. Only called on
	// explicit shutdown after the frame scheduler has drained.
	Release()
}

// allocator is the implementation of the Allocator interface.
type allocator struct {
	mu  sync.Mutex
	dev device.Device

	pools     map[classKey]*pool
	dedicated map[device.Buffer]uint64
	textures  map[device.Texture]uint64

	budget        uint64 // 0 means unbounded
	reserved      uint64
	maxPooledSize uint64
	initialBlocks int
}

var _ Allocator = &allocator{}

type classKey struct {
	usage     device.BufferUsage
	locality  device.Locality
	blockSize uint64
}

// pool is one usage class: a list of pages of identical block size.
type pool struct {
	key        classKey
	pages      []*page
	nextBlocks int // block count of the next page (geometric growth)
}

type page struct {
	buf    device.Buffer
	blocks uint64
	free   []int
}

// AllocatorOption is a functional option used to configure an Allocator during construction.
type AllocatorOption func(*allocator)

// WithBudget caps the total device memory the allocator may reserve.
// Requests beyond the cap fail with AllocationFailedError. Zero (the
// default) means unbounded.
//
// Parameters:
//   - bytes: the cap in bytes
//
// Returns:
//   - AllocatorOption: a function that sets the budget
func WithBudget(bytes uint64) AllocatorOption {
	return func(a *allocator) {
		a.budget = bytes
	}
}

// WithMaxPooledSize sets the largest request served from pool pages; larger
// requests get dedicated buffers. Default is 1 MiB.
//
// Parameters:
//   - bytes: the pooling threshold in bytes
//
// Returns:
//   - AllocatorOption: a function that sets the threshold
func WithMaxPooledSize(bytes uint64) AllocatorOption {
	return func(a *allocator) {
		a.maxPooledSize = bytes
	}
}

// WithInitialBlocksPerPage sets the block count of the first page of each
// class. Each subsequent page doubles the previous page's count. Default is 8.
//
// Parameters:
//   - blocks: the initial block count (must be >= 1)
//
// Returns:
//   - AllocatorOption: a function that sets the initial block count
func WithInitialBlocksPerPage(blocks int) AllocatorOption {
	return func(a *allocator) {
		if blocks >= 1 {
			a.initialBlocks = blocks
		}
	}
}

// NewAllocator creates an Allocator over the given device.
//
// Parameters:
//   - dev: the device to allocate from
//   - options: variadic list of AllocatorOption functions to configure the allocator
//
// Returns:
//   - Allocator: the new allocator
func NewAllocator(dev device.Device, options ...AllocatorOption) Allocator {
	a := &allocator{
		dev:           dev,
		pools:         make(map[classKey]*pool),
		dedicated:     make(map[device.Buffer]uint64),
		textures:      make(map[device.Texture]uint64),
		maxPooledSize: defaultMaxPooledSize,
		initialBlocks: defaultInitialBlocks,
	}
	for _, opt := range options {
		opt(a)
	}
	return a
}

// blockSizeFor rounds a request up to the pool block size class: the next
// power of two, floored at minBlockSize.
func blockSizeFor(size uint64) uint64 {
	if size <= minBlockSize {
		return minBlockSize
	}
	return uint64(1) << bits.Len64(size-1)
}

func (a *allocator) AllocateBuffer(size uint64, usage device.BufferUsage, locality device.Locality) (Allocation, error) {
	if size == 0 {
		return Allocation{}, fmt.Errorf("allocation size must be > 0")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if size > a.maxPooledSize {
		return a.allocateDedicatedLocked(size, usage, locality)
	}

	key := classKey{usage: usage, locality: locality, blockSize: blockSizeFor(size)}
	p, ok := a.pools[key]
	if !ok {
		p = &pool{key: key, nextBlocks: a.initialBlocks}
		a.pools[key] = p
	}

	for _, pg := range p.pages {
		if len(pg.free) > 0 {
			return a.takeBlockLocked(pg, size), nil
		}
	}

	pg, err := a.growLocked(p)
	if err != nil {
		return Allocation{}, err
	}
	return a.takeBlockLocked(pg, size), nil
}

func (a *allocator) takeBlockLocked(pg *page, size uint64) Allocation {
	block := pg.free[len(pg.free)-1]
	pg.free = pg.free[:len(pg.free)-1]
	return Allocation{
		Buffer: pg.buf,
		Offset: uint64(block) * pg.blockSize(),
		Size:   size,
		page:   pg,
		block:  block,
	}
}

func (pg *page) blockSize() uint64 {
	return pg.buf.Size() / pg.blocks
}

func (a *allocator) growLocked(p *pool) (*page, error) {
	pageSize := p.key.blockSize * uint64(p.nextBlocks)
	if err := a.checkBudgetLocked(pageSize); err != nil {
		return nil, err
	}

	buf, err := a.dev.CreateBuffer(device.BufferDescriptor{
		Label:    fmt.Sprintf("pool page %db x%d", p.key.blockSize, p.nextBlocks),
		Size:     pageSize,
		Usage:    p.key.usage,
		Locality: p.key.locality,
	})
	if err != nil {
		return nil, err
	}

	pg := &page{buf: buf, blocks: uint64(p.nextBlocks)}
	pg.free = make([]int, p.nextBlocks)
	for i := range pg.free {
		// Reverse order so blocks are handed out from offset 0 upward.
		pg.free[i] = p.nextBlocks - 1 - i
	}

	p.pages = append(p.pages, pg)
	p.nextBlocks *= 2
	a.reserved += pageSize
	return pg, nil
}

func (a *allocator) allocateDedicatedLocked(size uint64, usage device.BufferUsage, locality device.Locality) (Allocation, error) {
	if err := a.checkBudgetLocked(size); err != nil {
		return Allocation{}, err
	}
	buf, err := a.dev.CreateBuffer(device.BufferDescriptor{
		Label:    fmt.Sprintf("dedicated %db", size),
		Size:     size,
		Usage:    usage,
		Locality: locality,
	})
	if err != nil {
		return Allocation{}, err
	}
	a.dedicated[buf] = size
	a.reserved += size
	return Allocation{Buffer: buf, Offset: 0, Size: size}, nil
}

func (a *allocator) checkBudgetLocked(need uint64) error {
	if a.budget == 0 {
		return nil
	}
	available := uint64(0)
	if a.budget > a.reserved {
		available = a.budget - a.reserved
	}
	if need > available {
		return &AllocationFailedError{RequestedBytes: need, AvailableBytes: available}
	}
	return nil
}

func (a *allocator) AllocateTexture(desc device.TextureDescriptor) (device.Texture, error) {
	depth := max(desc.Extent.Depth, 1)
	size := uint64(desc.Extent.Width) * uint64(desc.Extent.Height) * uint64(depth) * desc.Format.BytesPerTexel()

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkBudgetLocked(size); err != nil {
		return nil, err
	}
	t, err := a.dev.CreateTexture(desc)
	if err != nil {
		return nil, err
	}
	a.textures[t] = size
	a.reserved += size
	return t, nil
}

func (a *allocator) Free(alloc Allocation) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if alloc.page != nil {
		// Pooled block: back on the free list, page stays alive.
		alloc.page.free = append(alloc.page.free, alloc.block)
		return
	}

	if size, ok := a.dedicated[alloc.Buffer]; ok {
		delete(a.dedicated, alloc.Buffer)
		a.reserved -= size
		alloc.Buffer.Release()
	}
}

func (a *allocator) FreeTexture(t device.Texture) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size, ok := a.textures[t]; ok {
		delete(a.textures, t)
		a.reserved -= size
		t.Release()
	}
}

func (a *allocator) ReservedBytes() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reserved
}

func (a *allocator) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, p := range a.pools {
		for _, pg := range p.pages {
			pg.buf.Release()
		}
	}
	a.pools = make(map[classKey]*pool)
	for buf := range a.dedicated {
		buf.Release()
	}
	a.dedicated = make(map[device.Buffer]uint64)
	for t := range a.textures {
		t.Release()
	}
	a.textures = make(map[device.Texture]uint64)
	a.reserved = 0
}
