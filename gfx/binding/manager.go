package binding

import (
	"fmt"

	"github.com/forge3d/forge/common"
	"github.com/forge3d/forge/gfx/device"
	"github.com/forge3d/forge/gfx/resource"
)

// ResourceBinding assigns one registry resource to one layout slot. Exactly
// one of Buffer or Image must be valid, matching the slot's kind.
type ResourceBinding struct {
	// Binding is the slot index the resource is bound to.
	Binding uint32
	// Buffer is the bound buffer for uniform slots.
	Buffer common.BufferHandle
	// Image is the bound image for sampled-texture slots.
	Image common.ImageHandle
}

// BindGroup is a materialized binding of concrete registry resources to a
// layout's slots. Created per material and reused across frames while the
// bound resources are unchanged.
type BindGroup interface {
	// Layout returns the layout the group was allocated against.
	//
	// Returns:
	//   - LayoutID: the layout ID
	Layout() LayoutID

	// DeviceBindGroup returns the backend bind-group/descriptor-set object.
	//
	// Returns:
	//   - device.BindGroup: the backend object
	DeviceBindGroup() device.BindGroup

	// Bindings returns the resource assignments the group was built from,
	// in slot order. The frame scheduler touches these each frame the group
	// is drawn with, which is what gates their reclamation.
	//
	// Returns:
	//   - []ResourceBinding: the bound resources
	Bindings() []ResourceBinding

	// Release frees the backend object. The bound resources are not
	// retired; they belong to their creator.
	Release()
}

// bindGroup is the implementation of the BindGroup interface.
type bindGroup struct {
	layout   LayoutID
	deviceBG device.BindGroup
	bindings []ResourceBinding
}

var _ BindGroup = &bindGroup{}

func (g *bindGroup) Layout() LayoutID                  { return g.layout }
func (g *bindGroup) DeviceBindGroup() device.BindGroup { return g.deviceBG }
func (g *bindGroup) Bindings() []ResourceBinding       { return g.bindings }

func (g *bindGroup) Release() {
	if g.deviceBG != nil {
		g.deviceBG.Release()
		g.deviceBG = nil
	}
}

// Manager declares binding layouts and allocates bind groups against them.
// Main-thread-only: unlike the resource registry, nothing here is touched by
// upload workers.
type Manager interface {
	// DeclareLayout declares a layout from backend-neutral slots.
	// Idempotent: a structurally identical slot list returns the existing ID.
	//
	// Parameters:
	//   - slots: the slot list (any order; keyed by binding index)
	//
	// Returns:
	//   - LayoutID: the layout ID
	//   - error: an error if the declaration has duplicate binding indices
	DeclareLayout(slots []device.LayoutSlot) (LayoutID, error)

	// DeclareDescriptorLayout declares a layout in the descriptor-style
	// dialect. Equivalent declarations in either dialect return the same ID.
	//
	// Parameters:
	//   - bindings: the descriptor-style slot list
	//
	// Returns:
	//   - LayoutID: the layout ID
	//   - error: an error if the declaration is malformed
	DeclareDescriptorLayout(bindings []DescriptorBinding) (LayoutID, error)

	// DeclareBindGroupLayout declares a layout in the bind-group-style
	// dialect. Equivalent declarations in either dialect return the same ID.
	//
	// Parameters:
	//   - entries: the bind-group-style entry list
	//
	// Returns:
	//   - LayoutID: the layout ID
	//   - error: an error if an entry declares neither or both slot kinds
	DeclareBindGroupLayout(entries []BindGroupLayoutEntry) (LayoutID, error)

	// Slots returns the canonical slot list of a declared layout.
	//
	// Parameters:
	//   - id: the layout ID
	//
	// Returns:
	//   - []device.LayoutSlot: the slots in binding-index order
	//   - bool: false if the ID was never declared
	Slots(id LayoutID) ([]device.LayoutSlot, bool)

	// AllocateBindGroup validates the bindings against the layout and
	// materializes a backend bind group. Validation failures have no side
	// effect on the registry or the device.
	//
	// Parameters:
	//   - label: debug label
	//   - id: the layout to bind against
	//   - bindings: one resource per declared slot
	//
	// Returns:
	//   - BindGroup: the materialized group
	//   - error: a LayoutMismatchError, IncompleteBindGroupError, or device error
	AllocateBindGroup(label string, id LayoutID, bindings []ResourceBinding) (BindGroup, error)
}

// manager is the implementation of the Manager interface.
type manager struct {
	dev device.Device
	reg resource.Registry

	layouts []([]device.LayoutSlot) // index = LayoutID-1
	byKey   map[string]LayoutID
}

var _ Manager = &manager{}

// NewManager creates a binding layout Manager.
//
// Parameters:
//   - dev: the device bind groups are created on
//   - reg: the registry bound resources are validated against
//
// Returns:
//   - Manager: the new manager
func NewManager(dev device.Device, reg resource.Registry) Manager {
	return &manager{
		dev:   dev,
		reg:   reg,
		byKey: make(map[string]LayoutID),
	}
}

func (m *manager) DeclareLayout(slots []device.LayoutSlot) (LayoutID, error) {
	norm, err := normalize(slots)
	if err != nil {
		return 0, err
	}
	key := canonicalKey(norm)
	if id, ok := m.byKey[key]; ok {
		return id, nil
	}
	m.layouts = append(m.layouts, norm)
	id := LayoutID(len(m.layouts))
	m.byKey[key] = id
	return id, nil
}

func (m *manager) DeclareDescriptorLayout(bindings []DescriptorBinding) (LayoutID, error) {
	slots := make([]device.LayoutSlot, len(bindings))
	for i, b := range bindings {
		slot := device.LayoutSlot{
			Binding: b.Binding,
			Stages:  b.Stages,
			MinSize: b.MinSize,
		}
		switch b.Type {
		case DescriptorTypeUniformBuffer:
			slot.Kind = device.SlotKindUniformBuffer
		case DescriptorTypeCombinedImageSampler:
			slot.Kind = device.SlotKindSampledTexture
			slot.MinSize = 0
		default:
			return 0, fmt.Errorf("unknown descriptor type %d at binding %d", b.Type, b.Binding)
		}
		slots[i] = slot
	}
	return m.DeclareLayout(slots)
}

func (m *manager) DeclareBindGroupLayout(entries []BindGroupLayoutEntry) (LayoutID, error) {
	slots := make([]device.LayoutSlot, len(entries))
	for i, e := range entries {
		if (e.Buffer == nil) == (e.Texture == nil) {
			return 0, fmt.Errorf("bind group layout entry %d must declare exactly one of Buffer or Texture", e.Binding)
		}
		slot := device.LayoutSlot{
			Binding: e.Binding,
			Stages:  e.Visibility,
		}
		if e.Buffer != nil {
			slot.Kind = device.SlotKindUniformBuffer
			slot.MinSize = e.Buffer.MinBindingSize
		} else {
			slot.Kind = device.SlotKindSampledTexture
		}
		slots[i] = slot
	}
	return m.DeclareLayout(slots)
}

func (m *manager) Slots(id LayoutID) ([]device.LayoutSlot, bool) {
	if id == 0 || int(id) > len(m.layouts) {
		return nil, false
	}
	return m.layouts[id-1], true
}

func (m *manager) AllocateBindGroup(label string, id LayoutID, bindings []ResourceBinding) (BindGroup, error) {
	slots, ok := m.Slots(id)
	if !ok {
		return nil, fmt.Errorf("layout %d was never declared", id)
	}

	// Arity first: every declared slot bound exactly once, nothing extra.
	byBinding := make(map[uint32]ResourceBinding, len(bindings))
	var unexpected []uint32
	for _, b := range bindings {
		if _, dup := byBinding[b.Binding]; dup {
			return nil, &LayoutMismatchError{Layout: id, Binding: b.Binding, Reason: "slot bound twice"}
		}
		byBinding[b.Binding] = b
	}
	var missing []uint32
	declared := make(map[uint32]bool, len(slots))
	for _, s := range slots {
		declared[s.Binding] = true
		if _, ok := byBinding[s.Binding]; !ok {
			missing = append(missing, s.Binding)
		}
	}
	for _, b := range bindings {
		if !declared[b.Binding] {
			unexpected = append(unexpected, b.Binding)
		}
	}
	if len(missing) > 0 || len(unexpected) > 0 {
		return nil, &IncompleteBindGroupError{Layout: id, Missing: missing, Unexpected: unexpected}
	}

	// Resolve and validate every slot before any device call so a failed
	// construction has no side effects.
	entries := make([]device.BindGroupEntry, len(slots))
	ordered := make([]ResourceBinding, len(slots))
	for i, s := range slots {
		b := byBinding[s.Binding]
		ordered[i] = b

		switch s.Kind {
		case device.SlotKindUniformBuffer:
			if b.Image.Valid() || !b.Buffer.Valid() {
				return nil, &LayoutMismatchError{Layout: id, Binding: s.Binding, Reason: "uniform slot requires a buffer resource"}
			}
			view, err := m.reg.Buffer(b.Buffer)
			if err != nil {
				return nil, &LayoutMismatchError{Layout: id, Binding: s.Binding, Reason: err.Error()}
			}
			if !view.Usage.Has(device.BufferUsageUniform) {
				return nil, &LayoutMismatchError{Layout: id, Binding: s.Binding, Reason: "bound buffer lacks uniform usage"}
			}
			if view.Size < s.MinSize {
				return nil, &LayoutMismatchError{
					Layout: id, Binding: s.Binding,
					Reason: fmt.Sprintf("bound buffer size %d below layout minimum %d", view.Size, s.MinSize),
				}
			}
			entries[i] = device.BindGroupEntry{
				Binding:      s.Binding,
				Buffer:       view.Buffer,
				BufferOffset: view.Offset,
				BufferSize:   view.Size,
			}

		case device.SlotKindSampledTexture:
			if b.Buffer.Valid() || !b.Image.Valid() {
				return nil, &LayoutMismatchError{Layout: id, Binding: s.Binding, Reason: "sampler slot requires an image resource"}
			}
			view, err := m.reg.Image(b.Image)
			if err != nil {
				return nil, &LayoutMismatchError{Layout: id, Binding: s.Binding, Reason: err.Error()}
			}
			entries[i] = device.BindGroupEntry{
				Binding: s.Binding,
				Texture: view.Texture,
			}
		}
	}

	bg, err := m.dev.CreateBindGroup(label, slots, entries)
	if err != nil {
		return nil, err
	}
	return &bindGroup{layout: id, deviceBG: bg, bindings: ordered}, nil
}
