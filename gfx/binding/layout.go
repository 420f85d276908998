// Package binding declares and validates the fixed set of binding layouts
// (one per pipeline family) and allocates bind-group instances that point at
// registry resources. Layouts can be declared in either of two dialects — a
// Vulkan-flavored descriptor-binding list or a WebGPU-flavored bind-group
// entry list — and equivalent declarations in either dialect normalize to the
// same LayoutID.
//
// The manager is main-thread-only, like the pipeline registry.
package binding

import (
	"fmt"
	"sort"
	"strings"

	"github.com/forge3d/forge/gfx/device"
)

// LayoutID identifies a declared binding layout. IDs are stable for the
// manager's lifetime; declaring a structurally identical layout (in either
// dialect) returns the same ID. The zero LayoutID is invalid.
type LayoutID uint32

// DescriptorType enumerates slot kinds in the descriptor-style dialect.
type DescriptorType int

const (
	// DescriptorTypeUniformBuffer is a uniform block slot.
	DescriptorTypeUniformBuffer DescriptorType = iota

	// DescriptorTypeCombinedImageSampler is a combined image/sampler slot.
	DescriptorTypeCombinedImageSampler
)

// DescriptorBinding is one slot in the descriptor-style declaration dialect
// (the shape a native descriptor-set layout is written in).
type DescriptorBinding struct {
	// Binding is the slot index.
	Binding uint32
	// Type is the slot kind.
	Type DescriptorType
	// Stages is the shader visibility mask.
	Stages device.StageFlags
	// MinSize is the minimum bound buffer size for uniform slots.
	MinSize uint64
}

// BufferBindingLayout marks a bind-group entry as a uniform block in the
// bind-group-style dialect.
type BufferBindingLayout struct {
	// MinBindingSize is the minimum bound buffer size.
	MinBindingSize uint64
}

// TextureBindingLayout marks a bind-group entry as a sampled texture in the
// bind-group-style dialect.
type TextureBindingLayout struct{}

// BindGroupLayoutEntry is one slot in the bind-group-style declaration
// dialect (the shape a web-style GPU layout is written in). Exactly one of
// Buffer or Texture must be set.
type BindGroupLayoutEntry struct {
	// Binding is the slot index.
	Binding uint32
	// Visibility is the shader visibility mask.
	Visibility device.StageFlags
	// Buffer declares a uniform block slot.
	Buffer *BufferBindingLayout
	// Texture declares a sampled texture slot.
	Texture *TextureBindingLayout
}

// LayoutMismatchError reports a bind-group construction whose resources do
// not satisfy the declared layout. It is a programmer error: non-retryable,
// surfaced immediately at construction time, and never silently coerced.
type LayoutMismatchError struct {
	// Layout is the layout being bound.
	Layout LayoutID
	// Binding is the offending slot index.
	Binding uint32
	// Reason describes the mismatch.
	Reason string
}

func (e *LayoutMismatchError) Error() string {
	return fmt.Sprintf("layout %d binding %d: %s", e.Layout, e.Binding, e.Reason)
}

// IncompleteBindGroupError reports a bind-group construction that did not
// bind every declared slot, or bound slots the layout does not declare.
type IncompleteBindGroupError struct {
	// Layout is the layout being bound.
	Layout LayoutID
	// Missing lists declared slots with no binding.
	Missing []uint32
	// Unexpected lists bound slots the layout does not declare.
	Unexpected []uint32
}

func (e *IncompleteBindGroupError) Error() string {
	return fmt.Sprintf("layout %d: incomplete bind group (missing slots %v, unexpected slots %v)", e.Layout, e.Missing, e.Unexpected)
}

// canonicalKey renders a slot list into the string form used for idempotent
// layout lookup. Slots are keyed by index, so declaration order never
// affects identity.
func canonicalKey(slots []device.LayoutSlot) string {
	var sb strings.Builder
	for _, s := range slots {
		fmt.Fprintf(&sb, "%d:%d:%d:%d;", s.Binding, s.Kind, s.Stages, s.MinSize)
	}
	return sb.String()
}

// normalize sorts slots by binding index and rejects duplicates.
func normalize(slots []device.LayoutSlot) ([]device.LayoutSlot, error) {
	out := make([]device.LayoutSlot, len(slots))
	copy(out, slots)
	sort.Slice(out, func(i, j int) bool { return out[i].Binding < out[j].Binding })
	for i := 1; i < len(out); i++ {
		if out[i].Binding == out[i-1].Binding {
			return nil, fmt.Errorf("duplicate binding index %d in layout declaration", out[i].Binding)
		}
	}
	return out, nil
}
