// Package frame drives the in-flight frame ring: a fixed number of slots,
// each owning a command-recording context and a reusable completion signal,
// advanced by a single main-thread caller. Frame-gated resource reclamation
// and upload flushing both hang off this driver.
package frame

import (
	"fmt"
	"time"

	"github.com/forge3d/forge/gfx/device"
	"github.com/forge3d/forge/gfx/resource"
	"github.com/forge3d/forge/gfx/upload"
)

// SlotState is the lifecycle phase of one ring slot.
type SlotState int

const (
	// SlotIdle means the slot holds no pending GPU work.
	SlotIdle SlotState = iota

	// SlotRecording means the slot's encoder is open and accepting commands.
	SlotRecording

	// SlotSubmitted means the slot's commands are on the queue, completion
	// signal pending.
	SlotSubmitted
)

const (
	defaultFramesInFlight = 2
	defaultBeginTimeout   = 2 * time.Second
	minFramesInFlight     = 2
	maxFramesInFlight     = 3
)

// Scheduler advances the frame ring. All methods belong to the single main
// render thread; the scheduler holds no lock because it has exactly one
// caller.
type Scheduler interface {
	// BeginFrame waits (bounded) for the slot N positions back to complete
	// on the device, reclaims the resources that frame retired, recycles
	// the upload staging buffers it consumed, and opens the new slot's
	// encoder for recording.
	//
	// Returns:
	//   - error: a DeviceLostError if the device is lost or the wait timed out
	BeginFrame() (err error)

	// EndFrame flushes pending uploads into the current slot's command
	// stream, finalizes recording, and submits with the slot's completion
	// signal attached.
	//
	// Returns:
	//   - error: an error if the slot is not recording, recording failed, or the device is lost
	EndFrame() error

	// Encoder returns the current slot's open command encoder. Only valid
	// between BeginFrame and EndFrame.
	//
	// Returns:
	//   - device.CommandEncoder: the recording encoder, nil when not recording
	Encoder() device.CommandEncoder

	// Generation returns the monotonically increasing generation of the
	// frame currently (or most recently) recording. Resource Touch and
	// MarkRetired calls use this value.
	//
	// Returns:
	//   - uint64: the current frame generation
	Generation() uint64

	// Shutdown waits for every submitted slot to complete, runs the final
	// reclamation, and releases the slots' signals. The device itself is
	// left to the caller.
	//
	// Returns:
	//   - error: an error if a pending slot could not be drained
	Shutdown() error
}

// slot is one entry of the frame ring.
type slot struct {
	state      SlotState
	generation uint64
	encoder    device.CommandEncoder
	signal     device.Signal
}

// scheduler is the implementation of the Scheduler interface.
type scheduler struct {
	dev      device.Device
	registry resource.Registry
	uploads  upload.Scheduler

	slots   []*slot
	cursor  int
	nextGen uint64

	beginTimeout time.Duration
	// fatal latches the first device-lost condition; once set, every
	// BeginFrame returns it and no further reclamation happens.
	fatal error
}

var _ Scheduler = &scheduler{}

// Option is a functional option used to configure a Scheduler during construction.
type Option func(*scheduler)

// WithFramesInFlight sets the ring size N. Frame k+N's BeginFrame blocks
// until frame k completes. Values outside [2, 3] are ignored; default 2.
//
// Parameters:
//   - n: the frame-in-flight count
//
// Returns:
//   - Option: a function that sets the ring size
func WithFramesInFlight(n int) Option {
	return func(s *scheduler) {
		if n >= minFramesInFlight && n <= maxFramesInFlight {
			s.slots = make([]*slot, n)
		}
	}
}

// WithBeginFrameTimeout bounds BeginFrame's wait for the oldest in-flight
// frame's completion signal. A timeout is treated as device loss. Default 2s.
//
// Parameters:
//   - d: the bound
//
// Returns:
//   - Option: a function that sets the timeout
func WithBeginFrameTimeout(d time.Duration) Option {
	return func(s *scheduler) {
		if d > 0 {
			s.beginTimeout = d
		}
	}
}

// NewScheduler creates a frame Scheduler over the given device, registry and
// upload scheduler.
//
// Parameters:
//   - dev: the device all slots submit to
//   - reg: the registry reclaimed at frame boundaries
//   - uploads: the upload scheduler flushed at EndFrame, may be nil
//   - options: variadic list of Option functions to configure the scheduler
//
// Returns:
//   - Scheduler: the new scheduler
//   - error: an error if the per-slot signals could not be created
func NewScheduler(dev device.Device, reg resource.Registry, uploads upload.Scheduler, options ...Option) (Scheduler, error) {
	s := &scheduler{
		dev:          dev,
		registry:     reg,
		uploads:      uploads,
		slots:        make([]*slot, defaultFramesInFlight),
		beginTimeout: defaultBeginTimeout,
	}
	for _, opt := range options {
		opt(s)
	}

	for i := range s.slots {
		sig, err := dev.NewSignal()
		if err != nil {
			for _, sl := range s.slots[:i] {
				sl.signal.Release()
			}
			return nil, fmt.Errorf("failed to create frame slot signal: %w", err)
		}
		s.slots[i] = &slot{signal: sig}
	}
	return s, nil
}

func (s *scheduler) BeginFrame() error {
	if s.fatal != nil {
		return s.fatal
	}
	if s.dev.Lost() {
		s.fatal = &device.DeviceLostError{Reason: "device reported lost"}
		return s.fatal
	}

	sl := s.slots[s.cursor]
	if sl.state == SlotRecording {
		return fmt.Errorf("frame slot already recording; EndFrame must be called first")
	}

	// The cursor's slot is the one N frames back. Retire it before reuse.
	if sl.state == SlotSubmitted {
		if err := s.dev.WaitSignal(sl.signal, s.beginTimeout); err != nil {
			// Either the device died or the signal never fired within the
			// bound. GPU completion is unknowable in both cases, so no
			// reclamation: resources the pending frame references must
			// stay untouched.
			s.fatal = asDeviceLost(err)
			return s.fatal
		}
		s.registry.ReclaimUpTo(sl.generation)
		if s.uploads != nil {
			s.uploads.NotifyRetired(sl.generation)
		}
		sl.state = SlotIdle
	}

	enc, err := s.dev.BeginCommands()
	if err != nil {
		s.fatal = asDeviceLost(err)
		return s.fatal
	}

	s.nextGen++
	sl.generation = s.nextGen
	sl.encoder = enc
	sl.state = SlotRecording
	return nil
}

func (s *scheduler) EndFrame() error {
	if s.fatal != nil {
		return s.fatal
	}
	sl := s.slots[s.cursor]
	if sl.state != SlotRecording {
		return fmt.Errorf("no frame is recording; BeginFrame must be called first")
	}

	if s.uploads != nil {
		s.uploads.Flush(sl.encoder, sl.generation)
	}

	cb, err := sl.encoder.Finish()
	if err != nil {
		return fmt.Errorf("failed to finalize frame commands: %w", err)
	}
	sl.encoder = nil

	if err := s.dev.Submit(cb, device.QueueGraphics, sl.signal); err != nil {
		cb.Release()
		s.fatal = asDeviceLost(err)
		return s.fatal
	}
	cb.Release()

	sl.state = SlotSubmitted
	s.cursor = (s.cursor + 1) % len(s.slots)
	return nil
}

func (s *scheduler) Encoder() device.CommandEncoder {
	sl := s.slots[s.cursor]
	if sl.state != SlotRecording {
		return nil
	}
	return sl.encoder
}

func (s *scheduler) Generation() uint64 {
	return s.nextGen
}

func (s *scheduler) Shutdown() error {
	var firstErr error
	for i := 0; i < len(s.slots); i++ {
		sl := s.slots[(s.cursor+i)%len(s.slots)]
		if sl.state != SlotSubmitted {
			continue
		}
		if err := s.dev.WaitSignal(sl.signal, s.beginTimeout); err != nil {
			if firstErr == nil {
				firstErr = asDeviceLost(err)
			}
			continue
		}
		s.registry.ReclaimUpTo(sl.generation)
		if s.uploads != nil {
			s.uploads.NotifyRetired(sl.generation)
		}
		sl.state = SlotIdle
	}
	for _, sl := range s.slots {
		sl.signal.Release()
	}
	return firstErr
}

// asDeviceLost maps a wait timeout onto the fatal device-lost path,
// preserving an actual DeviceLostError as-is.
func asDeviceLost(err error) error {
	if _, ok := err.(*device.DeviceLostError); ok {
		return err
	}
	if te, ok := err.(*device.WaitTimeoutError); ok {
		return &device.DeviceLostError{Reason: te.Error()}
	}
	return &device.DeviceLostError{Reason: err.Error()}
}
