// Package upload stages CPU-side data (vertex/index buffers, textures) into
// GPU memory without stalling the render thread. Requests are distributed
// across a fixed worker pool; workers copy payloads into recycled staging
// buffers and append device copy-command descriptors to batches that the
// frame scheduler merges and flushes once per frame boundary. Workers never
// submit to the device directly — only the frame driver does, preserving a
// single total order of GPU commands.
package upload

import (
	"fmt"
	"sync"
	"time"

	"github.com/forge3d/forge/gfx/device"
)

// UploadTimeoutError reports staging-buffer starvation exceeding the
// configured bound. Retryable: the caller may re-queue the request once
// in-flight frames retire and staging buffers recycle.
type UploadTimeoutError struct {
	// RequestedBytes is the payload size that could not get a staging buffer.
	RequestedBytes uint64
	// Waited is the bound that elapsed.
	Waited time.Duration
}

func (e *UploadTimeoutError) Error() string {
	return fmt.Sprintf("no staging buffer of %d bytes freed within %v", e.RequestedBytes, e.Waited)
}

// stagingLease is one checked-out staging buffer. Leases flow worker →
// flush → in-flight frame → recycle.
type stagingLease struct {
	buf device.Buffer
	// class is the index of the owning size class, or -1 for an oversize
	// one-shot buffer that is released instead of recycled.
	class int
}

// stagingPool is the bounded, size-classed pool of host-visible transfer
// buffers. Acquire blocks the calling worker when every buffer of a
// sufficient class is checked out; recycling happens when the frame that
// consumed a buffer retires. This is the system's only blocking point
// besides frame pacing.
type stagingPool struct {
	dev     device.Device
	classes []stagingClass
}

type stagingClass struct {
	size uint64
	// free carries recycled buffers; its capacity is the class's buffer cap.
	free chan device.Buffer

	mu      sync.Mutex
	created int
	cap     int
}

func newStagingPool(dev device.Device, classSizes []uint64, perClass int) *stagingPool {
	p := &stagingPool{dev: dev}
	p.classes = make([]stagingClass, len(classSizes))
	for i, size := range classSizes {
		p.classes[i] = stagingClass{
			size: size,
			free: make(chan device.Buffer, perClass),
			cap:  perClass,
		}
	}
	return p
}

// acquire returns a staging buffer of at least size bytes, blocking up to
// timeout for one to recycle. Payloads larger than the largest class get a
// dedicated one-shot buffer outside the bounded pool.
func (p *stagingPool) acquire(size uint64, timeout time.Duration) (stagingLease, error) {
	classIdx := -1
	for i := range p.classes {
		if p.classes[i].size >= size {
			classIdx = i
			break
		}
	}

	if classIdx < 0 {
		buf, err := p.dev.CreateBuffer(device.BufferDescriptor{
			Label:    fmt.Sprintf("staging oversize %db", size),
			Size:     size,
			Usage:    device.BufferUsageStaging | device.BufferUsageCopySrc,
			Locality: device.LocalityHost,
		})
		if err != nil {
			return stagingLease{}, err
		}
		return stagingLease{buf: buf, class: -1}, nil
	}

	c := &p.classes[classIdx]

	// Fast path: a recycled buffer is free.
	select {
	case buf := <-c.free:
		return stagingLease{buf: buf, class: classIdx}, nil
	default:
	}

	// Grow lazily up to the class cap.
	c.mu.Lock()
	if c.created < c.cap {
		c.created++
		c.mu.Unlock()
		buf, err := p.dev.CreateBuffer(device.BufferDescriptor{
			Label:    fmt.Sprintf("staging %db #%d", c.size, classIdx),
			Size:     c.size,
			Usage:    device.BufferUsageStaging | device.BufferUsageCopySrc,
			Locality: device.LocalityHost,
		})
		if err != nil {
			c.mu.Lock()
			c.created--
			c.mu.Unlock()
			return stagingLease{}, err
		}
		return stagingLease{buf: buf, class: classIdx}, nil
	}
	c.mu.Unlock()

	// Pool exhausted: block until a frame retires and recycles one.
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case buf := <-c.free:
		return stagingLease{buf: buf, class: classIdx}, nil
	case <-timer.C:
		return stagingLease{}, &UploadTimeoutError{RequestedBytes: size, Waited: timeout}
	}
}

// recycle returns a lease to its class, or releases oversize one-shots.
func (p *stagingPool) recycle(l stagingLease) {
	if l.class < 0 {
		l.buf.Release()
		return
	}
	select {
	case p.classes[l.class].free <- l.buf:
	default:
		// The class channel is full only if recycle outpaced acquire
		// accounting, which would be a pool bug; dropping the buffer is
		// still safe.
		l.buf.Release()
	}
}

func (p *stagingPool) release() {
	for i := range p.classes {
		c := &p.classes[i]
		for drained := false; !drained; {
			select {
			case buf := <-c.free:
				buf.Release()
			default:
				drained = true
			}
		}
	}
}
