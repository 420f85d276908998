package common

// Handle is a generational arena reference to a GPU-side resource.
// The zero Handle is invalid. Handles are plain values so they can be passed
// between goroutines (upload workers, the frame driver) without sharing any
// pointer into the owning arena; the arena validates the generation on every
// dereference so a stale handle can never reach reclaimed memory.
type Handle struct {
	// Index is the slot index within the owning arena.
	Index uint32
	// Generation is the slot generation the handle was created against.
	// A dereference whose generation does not match the arena's current
	// generation for the slot fails instead of returning a recycled resource.
	Generation uint32
}

// Valid reports whether the handle refers to any arena slot at all.
// A valid handle may still be stale; only the owning arena can tell.
//
// Returns:
//   - bool: true if the handle is non-zero
func (h Handle) Valid() bool {
	return h.Generation != 0
}

// BufferHandle is a Handle that refers to a GPU buffer in a resource registry.
type BufferHandle struct {
	Handle
}

// ImageHandle is a Handle that refers to a GPU image/texture in a resource registry.
type ImageHandle struct {
	Handle
}
