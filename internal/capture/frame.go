package capture

import (
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// Frame is a captured video frame owned by the holder of the pointer.
type Frame struct {
	Mat       gocv.Mat
	CameraID  int
	Timestamp time.Time
}

// NewFrame wraps mat in a Frame stamped with the current time.
func NewFrame(cameraID int, mat gocv.Mat) *Frame {
	return &Frame{
		Mat:       mat,
		CameraID:  cameraID,
		Timestamp: time.Now(),
	}
}

// Close releases the frame pixels.
func (f *Frame) Close() error {
	if f == nil {
		return nil
	}
	return f.Mat.Close()
}

// FrameBuffer is a single-slot, latest-wins hand-off between a producer and
// a consumer. A Put over an unconsumed frame releases the older frame.
type FrameBuffer struct {
	mu      sync.Mutex
	frame   *Frame
	ready   chan struct{}
	dropped uint64
	closed  bool
}

// NewFrameBuffer creates an empty FrameBuffer.
func NewFrameBuffer() *FrameBuffer {
	return &FrameBuffer{
		ready: make(chan struct{}, 1),
	}
}

// Put stores frame, replacing and closing any pending frame.
// After Close, Put releases the frame immediately.
func (b *FrameBuffer) Put(frame *Frame) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		frame.Close()
		return
	}

	old := b.frame
	b.frame = frame
	if old != nil {
		b.dropped++
	}
	b.mu.Unlock()

	if old != nil {
		old.Close()
	}

	select {
	case b.ready <- struct{}{}:
	default:
	}
}

// Get takes the most recent frame, or returns nil if none is pending.
// The caller owns the returned frame.
func (b *FrameBuffer) Get() *Frame {
	b.mu.Lock()
	defer b.mu.Unlock()

	frame := b.frame
	b.frame = nil
	return frame
}

// Ready is signalled after a Put. A receive does not guarantee Get returns a
// frame: a concurrent consumer may already have taken it.
func (b *FrameBuffer) Ready() <-chan struct{} {
	return b.ready
}

// Dropped returns how many frames were overwritten before being consumed.
func (b *FrameBuffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close releases any pending frame and makes later Puts discard their input.
func (b *FrameBuffer) Close() {
	b.mu.Lock()
	frame := b.frame
	b.frame = nil
	b.closed = true
	b.mu.Unlock()

	frame.Close()
}
