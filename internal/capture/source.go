// Package capture provides network stream capture and frame hand-off using GoCV (OpenCV).
package capture

import (
	"errors"
	"fmt"
	"sync"

	"gocv.io/x/gocv"
)

var (
	// ErrConnection is returned when a stream cannot be opened. It is fatal to
	// the owning camera until the source is explicitly reopened.
	ErrConnection = errors.New("stream connection failed")

	// ErrTransientRead is returned when a single read fails. Callers skip the
	// frame and try again on the next iteration.
	ErrTransientRead = errors.New("transient frame read failure")

	// ErrSourceNotOpen is returned when reading from a source that is not open.
	ErrSourceNotOpen = errors.New("source is not open")
)

// Source defines the interface for stream capture implementations.
type Source interface {
	Open(uri string) error
	Read() (*gocv.Mat, error)
	Close() error
	IsOpen() bool
}

// streamSource owns a single gocv.VideoCapture for a network stream.
type streamSource struct {
	capture *gocv.VideoCapture
	mu      sync.Mutex
	running bool
}

// NewSource creates a Source backed by an OpenCV video capture.
func NewSource() Source {
	return &streamSource{}
}

// Open connects to the stream at uri. No retry is attempted.
func (s *streamSource) Open(uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	capture, err := gocv.OpenVideoCapture(uri)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	if !capture.IsOpened() {
		capture.Close()
		return fmt.Errorf("%w: capture did not open", ErrConnection)
	}

	s.capture = capture
	s.running = true

	return nil
}

// Close releases the underlying stream handle. Safe to call more than once.
func (s *streamSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.capture == nil {
		s.running = false
		return nil
	}

	err := s.capture.Close()
	s.capture = nil
	s.running = false

	return err
}

// Read blocks until the next frame is decoded.
// The caller is responsible for closing the returned Mat.
func (s *streamSource) Read() (*gocv.Mat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.capture == nil {
		return nil, ErrSourceNotOpen
	}

	mat := gocv.NewMat()
	if ok := s.capture.Read(&mat); !ok {
		mat.Close()
		return nil, ErrTransientRead
	}

	if mat.Empty() {
		mat.Close()
		return nil, fmt.Errorf("%w: empty frame", ErrTransientRead)
	}

	return &mat, nil
}

// IsOpen returns true if the stream is currently open.
func (s *streamSource) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.running
}
