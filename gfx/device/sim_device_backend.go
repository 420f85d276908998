package device

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// SimDevice is the simulated device backend. It executes copy commands
// against plain byte slices in submission order and exposes a manual
// completion clock: submissions stay in flight until the test (or headless
// driver) completes them, which is how frame-pacing and reclamation gating
// are exercised without real hardware.
//
// Unlike the hardware backends, SimDevice is exported as a concrete type so
// callers can reach the clock and inspection hooks.
type SimDevice struct {
	mu sync.Mutex

	// pending holds submissions whose signal has not fired yet, in
	// submission order.
	pending []*simSubmission

	lost     atomic.Bool
	lostCh   chan struct{}
	lostOnce sync.Once
	reason   string

	autoComplete bool

	pipelineBuilds  atomic.Int64
	bindGroupBuilds atomic.Int64
}

// SimDeviceOption is a functional option used to configure a SimDevice during construction.
type SimDeviceOption func(*SimDevice)

// WithAutoComplete makes every submission complete (and its signal fire)
// immediately at Submit time. Useful for headless examples that do not drive
// the clock themselves; tests leave this off.
//
// Returns:
//   - SimDeviceOption: a function that enables auto-completion
func WithAutoComplete() SimDeviceOption {
	return func(d *SimDevice) {
		d.autoComplete = true
	}
}

// NewSimDevice creates a simulated device.
//
// Parameters:
//   - options: variadic list of SimDeviceOption functions to configure the device
//
// Returns:
//   - *SimDevice: the new device
func NewSimDevice(options ...SimDeviceOption) *SimDevice {
	d := &SimDevice{
		lostCh: make(chan struct{}),
	}
	for _, opt := range options {
		opt(d)
	}
	return d
}

var _ Device = &SimDevice{}

type simSubmission struct {
	signal *simSignal
}

type simBuffer struct {
	mu       sync.Mutex
	label    string
	data     []byte
	usage    BufferUsage
	locality Locality
	released bool
}

func (b *simBuffer) Size() uint64 {
	return uint64(len(b.data))
}

func (b *simBuffer) Write(offset uint64, data []byte) error {
	if b.locality != LocalityHost {
		return fmt.Errorf("buffer %q is device-local and cannot be written from the CPU", b.label)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return fmt.Errorf("buffer %q written after release", b.label)
	}
	if offset+uint64(len(data)) > uint64(len(b.data)) {
		return fmt.Errorf("write of %d bytes at offset %d exceeds buffer %q size %d", len(data), offset, b.label, len(b.data))
	}
	copy(b.data[offset:], data)
	return nil
}

func (b *simBuffer) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.released = true
}

type simTexture struct {
	mu     sync.Mutex
	label  string
	extent Extent3D
	format TextureFormat
	state  TextureState
	data   []byte
}

func (t *simTexture) Extent() Extent3D {
	return t.extent
}

func (t *simTexture) Format() TextureFormat {
	return t.format
}

func (t *simTexture) State() TextureState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *simTexture) Release() {}

type simPipeline struct {
	label string
}

func (p *simPipeline) Label() string {
	return p.label
}

func (p *simPipeline) Release() {}

type simBindGroup struct {
	label string
}

func (g *simBindGroup) Release() {}

// simSignal is a reusable fence. Submit resets it; the completion clock
// fires it by closing the current channel.
type simSignal struct {
	mu    sync.Mutex
	fired bool
	ch    chan struct{}
}

func newSimSignal() *simSignal {
	return &simSignal{ch: make(chan struct{})}
}

func (s *simSignal) Signaled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired
}

func (s *simSignal) Release() {}

func (s *simSignal) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fired {
		s.fired = false
		s.ch = make(chan struct{})
	}
}

func (s *simSignal) fire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.fired {
		s.fired = true
		close(s.ch)
	}
}

func (s *simSignal) done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

type simEncoder struct {
	dev  *SimDevice
	cmds []func()
	done bool
}

func (e *simEncoder) CopyBufferToBuffer(src Buffer, srcOffset uint64, dst Buffer, dstOffset, size uint64) {
	s := src.(*simBuffer)
	d := dst.(*simBuffer)
	e.cmds = append(e.cmds, func() {
		s.mu.Lock()
		chunk := make([]byte, size)
		copy(chunk, s.data[srcOffset:srcOffset+size])
		s.mu.Unlock()

		d.mu.Lock()
		copy(d.data[dstOffset:], chunk)
		d.mu.Unlock()
	})
}

func (e *simEncoder) CopyBufferToTexture(src Buffer, srcOffset uint64, dst Texture, extent Extent3D) {
	s := src.(*simBuffer)
	d := dst.(*simTexture)
	size := uint64(extent.Width) * uint64(extent.Height) * d.format.BytesPerTexel()
	e.cmds = append(e.cmds, func() {
		s.mu.Lock()
		chunk := make([]byte, size)
		copy(chunk, s.data[srcOffset:srcOffset+size])
		s.mu.Unlock()

		d.mu.Lock()
		copy(d.data, chunk)
		d.state = TextureStateShaderRead
		d.mu.Unlock()
	})
}

func (e *simEncoder) Finish() (CommandBuffer, error) {
	if e.done {
		return nil, fmt.Errorf("command encoder finished twice")
	}
	e.done = true
	return &simCommandBuffer{cmds: e.cmds}, nil
}

type simCommandBuffer struct {
	cmds []func()
}

func (c *simCommandBuffer) Release() {}

func (d *SimDevice) Backend() BackendType {
	return BackendTypeSim
}

func (d *SimDevice) CreateBuffer(desc BufferDescriptor) (Buffer, error) {
	if err := d.checkLost(); err != nil {
		return nil, err
	}
	return &simBuffer{
		label:    desc.Label,
		data:     make([]byte, desc.Size),
		usage:    desc.Usage,
		locality: desc.Locality,
	}, nil
}

func (d *SimDevice) CreateTexture(desc TextureDescriptor) (Texture, error) {
	if err := d.checkLost(); err != nil {
		return nil, err
	}
	size := uint64(desc.Extent.Width) * uint64(desc.Extent.Height) * desc.Format.BytesPerTexel()
	return &simTexture{
		label:  desc.Label,
		extent: desc.Extent,
		format: desc.Format,
		state:  TextureStateUndefined,
		data:   make([]byte, size),
	}, nil
}

func (d *SimDevice) CreateRenderPipeline(desc RenderPipelineDescriptor) (Pipeline, error) {
	if err := d.checkLost(); err != nil {
		return nil, err
	}
	d.pipelineBuilds.Add(1)
	return &simPipeline{label: desc.Label}, nil
}

func (d *SimDevice) CreateBindGroup(label string, slots []LayoutSlot, entries []BindGroupEntry) (BindGroup, error) {
	if err := d.checkLost(); err != nil {
		return nil, err
	}
	if len(slots) != len(entries) {
		return nil, fmt.Errorf("bind group %q: %d entries for %d slots", label, len(entries), len(slots))
	}
	d.bindGroupBuilds.Add(1)
	return &simBindGroup{label: label}, nil
}

func (d *SimDevice) NewSignal() (Signal, error) {
	return newSimSignal(), nil
}

func (d *SimDevice) BeginCommands() (CommandEncoder, error) {
	if err := d.checkLost(); err != nil {
		return nil, err
	}
	return &simEncoder{dev: d}, nil
}

func (d *SimDevice) Submit(cb CommandBuffer, queue QueueClass, signal Signal) error {
	if err := d.checkLost(); err != nil {
		return err
	}

	// Copies execute immediately in submission order; the device-side "work"
	// that the completion clock models is everything after the copy engine.
	for _, cmd := range cb.(*simCommandBuffer).cmds {
		cmd()
	}

	var sig *simSignal
	if signal != nil {
		sig = signal.(*simSignal)
		sig.reset()
	}

	d.mu.Lock()
	d.pending = append(d.pending, &simSubmission{signal: sig})
	d.mu.Unlock()

	if d.autoComplete {
		d.CompleteOldest()
	}
	return nil
}

func (d *SimDevice) WaitSignal(s Signal, timeout time.Duration) error {
	sig := s.(*simSignal)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-sig.done():
		return nil
	case <-d.lostCh:
		return &DeviceLostError{Reason: d.reason}
	case <-timer.C:
		return &WaitTimeoutError{Timeout: timeout}
	}
}

func (d *SimDevice) Lost() bool {
	return d.lost.Load()
}

func (d *SimDevice) Release() {
	d.mu.Lock()
	d.pending = nil
	d.mu.Unlock()
}

func (d *SimDevice) checkLost() error {
	if d.lost.Load() {
		return &DeviceLostError{Reason: d.reason}
	}
	return nil
}

// CompleteOldest fires the completion signal of the oldest in-flight
// submission. This is the simulated device clock: each call retires exactly
// one submission, in order.
//
// Returns:
//   - bool: true if a submission was completed, false if none were in flight
func (d *SimDevice) CompleteOldest() bool {
	d.mu.Lock()
	if len(d.pending) == 0 {
		d.mu.Unlock()
		return false
	}
	sub := d.pending[0]
	d.pending = d.pending[1:]
	d.mu.Unlock()

	if sub.signal != nil {
		sub.signal.fire()
	}
	return true
}

// CompleteAll fires every in-flight submission's signal in submission order.
//
// Returns:
//   - int: the number of submissions completed
func (d *SimDevice) CompleteAll() int {
	n := 0
	for d.CompleteOldest() {
		n++
	}
	return n
}

// InFlight returns the number of submissions whose signal has not fired.
//
// Returns:
//   - int: the in-flight submission count
func (d *SimDevice) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// SetLost marks the device as lost. Every in-flight wait and every
// subsequent operation fails with a DeviceLostError.
//
// Parameters:
//   - reason: description surfaced in the error
func (d *SimDevice) SetLost(reason string) {
	d.reason = reason
	d.lost.Store(true)
	d.lostOnce.Do(func() { close(d.lostCh) })
}

// PipelineBuilds returns how many times CreateRenderPipeline has been
// invoked, which the pipeline registry tests use to verify memoization.
//
// Returns:
//   - int64: the build count
func (d *SimDevice) PipelineBuilds() int64 {
	return d.pipelineBuilds.Load()
}

// BufferBytes returns a copy of a simulated buffer's current contents.
//
// Parameters:
//   - b: a buffer created by this device
//
// Returns:
//   - []byte: the buffer contents
func (d *SimDevice) BufferBytes(b Buffer) []byte {
	sb := b.(*simBuffer)
	sb.mu.Lock()
	defer sb.mu.Unlock()
	out := make([]byte, len(sb.data))
	copy(out, sb.data)
	return out
}

// TextureBytes returns a copy of a simulated texture's current contents.
//
// Parameters:
//   - t: a texture created by this device
//
// Returns:
//   - []byte: the texel contents
func (d *SimDevice) TextureBytes(t Texture) []byte {
	st := t.(*simTexture)
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]byte, len(st.data))
	copy(out, st.data)
	return out
}
