package upload

import (
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Carmen-Shannon/automation/tools/worker"
	"github.com/forge3d/forge/common"
	"github.com/forge3d/forge/gfx/device"
	"github.com/forge3d/forge/gfx/resource"
)

// State is the lifecycle phase of an upload request.
type State int

const (
	// StateQueued means the request is accepted but not yet staged. Only
	// queued requests can be dropped.
	StateQueued State = iota

	// StateStaged means the payload has been copied into a staging buffer
	// by a worker and awaits the next frame-boundary flush.
	StateStaged

	// StateSubmitted means the device copy command has been recorded on the
	// frame's command stream.
	StateSubmitted

	// StateCompleted means the consuming frame has retired; the destination
	// resource is usable and the staging buffer has been recycled.
	StateCompleted

	// StateDropped means the request was canceled before staging.
	StateDropped

	// StateFailed means staging failed (staging-buffer starvation or a
	// stale destination handle).
	StateFailed
)

// Request is one CPU-side payload bound for a destination resource. Exactly
// one of Buffer or Image must be a valid handle.
type Request struct {
	// Buffer is the destination buffer handle for buffer uploads.
	Buffer common.BufferHandle
	// BufferOffset is the destination byte offset within the buffer region.
	BufferOffset uint64
	// Image is the destination image handle for texture uploads. The
	// payload must cover the full image extent.
	Image common.ImageHandle
	// Payload is the CPU-side bytes. The scheduler takes ownership; the
	// caller must not modify it after Submit.
	Payload []byte
}

// Ticket tracks an asynchronous upload. Tickets resolve once the frame that
// recorded the copy retires on the device.
type Ticket interface {
	// Done returns a channel closed when the ticket reaches a terminal
	// state (Completed, Dropped, or Failed).
	//
	// Returns:
	//   - <-chan struct{}: the completion channel
	Done() <-chan struct{}

	// State returns the ticket's current lifecycle phase.
	//
	// Returns:
	//   - State: the current state
	State() State

	// Err returns the failure, if any. Nil unless State is StateFailed.
	//
	// Returns:
	//   - error: the staging failure, or nil
	Err() error
}

// destKey identifies a destination resource for ordering purposes.
type destKey struct {
	image      bool
	index      uint32
	generation uint32
}

// ticket is the implementation of the Ticket interface.
type ticket struct {
	mu    sync.Mutex
	state State
	err   error
	done  chan struct{}

	seq   uint64
	dest  destKey
	req   Request
	lease stagingLease
}

var _ Ticket = &ticket{}

func (t *ticket) Done() <-chan struct{} {
	return t.done
}

func (t *ticket) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *ticket) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// finish moves the ticket to a terminal state and wakes waiters.
func (t *ticket) finish(state State, err error) {
	t.mu.Lock()
	t.state = state
	t.err = err
	t.mu.Unlock()
	close(t.done)
}

func (t *ticket) setState(state State) {
	t.mu.Lock()
	t.state = state
	t.mu.Unlock()
}

// Scheduler accepts upload requests and resolves them asynchronously.
// Submit may be called from any thread; Flush and NotifyRetired belong to
// the frame driver.
type Scheduler interface {
	// Submit accepts a request and hands it to the worker pool for staging.
	//
	// Parameters:
	//   - req: the upload request
	//
	// Returns:
	//   - Ticket: the tracking ticket
	//   - error: an error if the destination handle is invalid or lacks copy-dst capability
	Submit(req Request) (Ticket, error)

	// TryCancel drops a not-yet-staged request from the queue. An upload
	// that has already staged cannot be canceled.
	//
	// Parameters:
	//   - t: the ticket to cancel
	//
	// Returns:
	//   - bool: true if the request was dropped
	TryCancel(t Ticket) bool

	// Flush merges every staged batch and records the device copy commands
	// on the given encoder, in submission order per destination. Called
	// once per frame boundary by the frame scheduler, never by workers.
	// Staged requests whose predecessor (same destination) has not staged
	// yet are held for a later flush so per-destination ordering holds.
	//
	// Parameters:
	//   - enc: the frame's command encoder
	//   - frameGeneration: the recording frame's generation
	//
	// Returns:
	//   - int: the number of copies recorded
	Flush(enc device.CommandEncoder, frameGeneration uint64) int

	// NotifyRetired recycles the staging buffers consumed by every flushed
	// batch up to the retired generation and completes their tickets.
	//
	// Parameters:
	//   - frameGeneration: the generation whose completion signal has fired
	NotifyRetired(frameGeneration uint64)

	// Pending reports the number of requests not yet recorded on a frame.
	//
	// Returns:
	//   - int: queued plus staged request count
	Pending() int

	// Shutdown drains the staging pool. In-flight tickets fail; the caller
	// must have drained the frame scheduler first.
	Shutdown()
}

// scheduler is the implementation of the Scheduler interface.
type scheduler struct {
	mu  sync.Mutex
	dev device.Device
	reg resource.Registry

	pool    *stagingPool
	workers worker.DynamicWorkerPool

	// perDest holds each destination's tickets in submission order; the
	// head run of staged tickets is what a flush may take.
	perDest map[destKey][]*ticket
	// staged counts tickets in StateStaged for Pending.
	staged int
	queued int
	// inFlight maps a frame generation to the tickets whose copies were
	// recorded on it, awaiting retirement.
	inFlight map[uint64][]*ticket

	seq            atomic.Uint64
	taskID         atomic.Int64
	stagingTimeout time.Duration
	shutdown       bool
}

var _ Scheduler = &scheduler{}

const (
	defaultStagingTimeout = 2 * time.Second
	defaultPerClass       = 4
)

// defaultClassSizes are the staging size classes: 64 KiB for uniform-scale
// writes up to 4 MiB for texture mips. An engineering tuning knob, exposed
// through WithStagingClasses.
var defaultClassSizes = []uint64{64 << 10, 256 << 10, 1 << 20, 4 << 20}

// SchedulerOption is a functional option used to configure a Scheduler during construction.
type SchedulerOption func(*scheduler, *schedulerConfig)

type schedulerConfig struct {
	workers    int
	classSizes []uint64
	perClass   int
}

// WithWorkers sets the staging worker count. Default is NumCPU-1, floored
// at 1.
//
// Parameters:
//   - n: the worker count (must be >= 1)
//
// Returns:
//   - SchedulerOption: a function that sets the worker count
func WithWorkers(n int) SchedulerOption {
	return func(_ *scheduler, cfg *schedulerConfig) {
		if n >= 1 {
			cfg.workers = n
		}
	}
}

// WithStagingClasses sets the staging buffer size classes and the buffer
// cap per class.
//
// Parameters:
//   - sizes: ascending class sizes in bytes
//   - perClass: maximum buffers per class (must be >= 1)
//
// Returns:
//   - SchedulerOption: a function that sets the staging pool shape
func WithStagingClasses(sizes []uint64, perClass int) SchedulerOption {
	return func(_ *scheduler, cfg *schedulerConfig) {
		if len(sizes) > 0 {
			cfg.classSizes = sizes
		}
		if perClass >= 1 {
			cfg.perClass = perClass
		}
	}
}

// WithStagingTimeout bounds how long a worker blocks waiting for a staging
// buffer before the request fails with UploadTimeoutError. Default 2s.
//
// Parameters:
//   - d: the bound
//
// Returns:
//   - SchedulerOption: a function that sets the timeout
func WithStagingTimeout(d time.Duration) SchedulerOption {
	return func(s *scheduler, _ *schedulerConfig) {
		if d > 0 {
			s.stagingTimeout = d
		}
	}
}

// NewScheduler creates an upload Scheduler over the given device and
// registry.
//
// Parameters:
//   - dev: the device staging buffers are created on
//   - reg: the registry destination handles resolve against
//   - options: variadic list of SchedulerOption functions to configure the scheduler
//
// Returns:
//   - Scheduler: the new scheduler
func NewScheduler(dev device.Device, reg resource.Registry, options ...SchedulerOption) Scheduler {
	s := &scheduler{
		dev:            dev,
		reg:            reg,
		perDest:        make(map[destKey][]*ticket),
		inFlight:       make(map[uint64][]*ticket),
		stagingTimeout: defaultStagingTimeout,
	}
	cfg := &schedulerConfig{
		workers:    max(runtime.NumCPU()-1, 1),
		classSizes: defaultClassSizes,
		perClass:   defaultPerClass,
	}
	for _, opt := range options {
		opt(s, cfg)
	}

	s.pool = newStagingPool(dev, cfg.classSizes, cfg.perClass)
	// Queue size of 256 accommodates typical per-frame upload bursts with
	// headroom.
	s.workers = worker.NewDynamicWorkerPool(cfg.workers, 256, 1*time.Second)
	return s
}

func (s *scheduler) Submit(req Request) (Ticket, error) {
	if len(req.Payload) == 0 {
		return nil, fmt.Errorf("upload payload must not be empty")
	}
	if req.Buffer.Valid() == req.Image.Valid() {
		return nil, fmt.Errorf("upload request must target exactly one of a buffer or an image")
	}

	var dest destKey
	if req.Buffer.Valid() {
		view, err := s.reg.Buffer(req.Buffer)
		if err != nil {
			return nil, err
		}
		if !view.Usage.Has(device.BufferUsageCopyDst) {
			return nil, fmt.Errorf("destination buffer lacks copy-dst usage")
		}
		if req.BufferOffset+uint64(len(req.Payload)) > view.Size {
			return nil, fmt.Errorf("upload of %d bytes at offset %d exceeds destination size %d", len(req.Payload), req.BufferOffset, view.Size)
		}
		dest = destKey{index: req.Buffer.Index, generation: req.Buffer.Generation}
	} else {
		view, err := s.reg.Image(req.Image)
		if err != nil {
			return nil, err
		}
		need := uint64(view.Extent.Width) * uint64(view.Extent.Height) * view.Format.BytesPerTexel()
		if uint64(len(req.Payload)) < need {
			return nil, fmt.Errorf("image upload payload %d bytes does not cover extent (%d required)", len(req.Payload), need)
		}
		dest = destKey{image: true, index: req.Image.Index, generation: req.Image.Generation}
	}

	t := &ticket{
		done: make(chan struct{}),
		seq:  s.seq.Add(1),
		dest: dest,
		req:  req,
	}

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil, fmt.Errorf("upload scheduler is shut down")
	}
	s.perDest[dest] = append(s.perDest[dest], t)
	s.queued++
	s.mu.Unlock()

	s.workers.SubmitTask(worker.Task{
		ID: int(s.taskID.Add(1)),
		Do: func() (any, error) {
			s.stage(t)
			return nil, nil
		},
	})
	return t, nil
}

// stage runs on a worker: copy the payload into a staging buffer and mark
// the ticket ready for the next frame-boundary flush. This is where a
// worker may block, and only here, on staging-buffer exhaustion.
func (s *scheduler) stage(t *ticket) {
	if t.State() != StateQueued {
		return // dropped before staging
	}

	lease, err := s.pool.acquire(uint64(len(t.req.Payload)), s.stagingTimeout)
	if err != nil {
		s.finishQueued(t, StateFailed, err)
		return
	}

	if err := lease.buf.Write(0, t.req.Payload); err != nil {
		s.pool.recycle(lease)
		s.finishQueued(t, StateFailed, err)
		return
	}

	s.mu.Lock()
	// Cancel may have raced the acquire; a dropped ticket's lease goes
	// straight back.
	if t.State() != StateQueued {
		s.mu.Unlock()
		s.pool.recycle(lease)
		return
	}
	t.lease = lease
	t.setState(StateStaged)
	s.queued--
	s.staged++
	s.mu.Unlock()
}

// finishQueued transitions a still-queued ticket to a terminal state and
// drops it from its destination queue. The state check and the transition
// share the scheduler lock, so a cancel racing a staging failure resolves
// to exactly one terminal state.
func (s *scheduler) finishQueued(t *ticket, state State, err error) bool {
	s.mu.Lock()
	if t.State() != StateQueued {
		s.mu.Unlock()
		return false
	}
	s.removeFromQueueLocked(t)
	s.queued--
	t.mu.Lock()
	t.state = state
	t.err = err
	t.mu.Unlock()
	s.mu.Unlock()
	close(t.done)
	return true
}

// removeFromQueueLocked drops the ticket from its destination queue.
func (s *scheduler) removeFromQueueLocked(t *ticket) {
	q := s.perDest[t.dest]
	for i, qt := range q {
		if qt == t {
			s.perDest[t.dest] = append(q[:i], q[i+1:]...)
			break
		}
	}
	if len(s.perDest[t.dest]) == 0 {
		delete(s.perDest, t.dest)
	}
}

func (s *scheduler) TryCancel(tk Ticket) bool {
	t, ok := tk.(*ticket)
	if !ok {
		return false
	}

	return s.finishQueued(t, StateDropped, nil)
}

func (s *scheduler) Flush(enc device.CommandEncoder, frameGeneration uint64) int {
	s.mu.Lock()

	// Take the head run of staged tickets from every destination queue:
	// stopping at the first unstaged ticket is what preserves
	// per-destination submission order even when workers finish staging
	// out of order.
	var ready []*ticket
	for dest, q := range s.perDest {
		n := 0
		for _, t := range q {
			if t.State() != StateStaged {
				break
			}
			ready = append(ready, t)
			n++
		}
		if n == len(q) {
			delete(s.perDest, dest)
		} else if n > 0 {
			s.perDest[dest] = q[n:]
		}
	}
	s.staged -= len(ready)
	s.mu.Unlock()

	// A single total order across destinations keeps the recorded stream
	// deterministic; per-destination order is what the contract guarantees.
	sort.Slice(ready, func(i, j int) bool { return ready[i].seq < ready[j].seq })

	for _, t := range ready {
		if t.dest.image {
			view, err := s.reg.Image(t.req.Image)
			if err != nil {
				t.finish(StateFailed, err)
				continue
			}
			enc.CopyBufferToTexture(t.lease.buf, 0, view.Texture, view.Extent)
			s.reg.Touch(t.req.Image.Handle, frameGeneration)
		} else {
			view, err := s.reg.Buffer(t.req.Buffer)
			if err != nil {
				t.finish(StateFailed, err)
				continue
			}
			enc.CopyBufferToBuffer(t.lease.buf, 0, view.Buffer, view.Offset+t.req.BufferOffset, uint64(len(t.req.Payload)))
			s.reg.Touch(t.req.Buffer.Handle, frameGeneration)
		}
		t.setState(StateSubmitted)
	}

	s.mu.Lock()
	s.inFlight[frameGeneration] = append(s.inFlight[frameGeneration], ready...)
	s.mu.Unlock()
	return len(ready)
}

func (s *scheduler) NotifyRetired(frameGeneration uint64) {
	s.mu.Lock()
	var done []*ticket
	for gen, tickets := range s.inFlight {
		if gen <= frameGeneration {
			done = append(done, tickets...)
			delete(s.inFlight, gen)
		}
	}
	s.mu.Unlock()

	for _, t := range done {
		s.pool.recycle(t.lease)
		t.lease = stagingLease{}
		if t.State() == StateSubmitted {
			t.finish(StateCompleted, nil)
		}
	}
}

func (s *scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queued + s.staged
}

func (s *scheduler) Shutdown() {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
	s.pool.release()
}
