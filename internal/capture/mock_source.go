package capture

import (
	"fmt"
	"sync"

	"gocv.io/x/gocv"
)

// MockSource plays back pre-recorded frames for testing.
type MockSource struct {
	frames  []*gocv.Mat
	index   int
	loop    bool
	openErr error
	mu      sync.Mutex
	running bool
	opened  int
	closed  int
	lastURI string

	failNext int
	failed   int
}

func NewMockSource(frames []*gocv.Mat, loop bool) *MockSource {
	return &MockSource{
		frames: frames,
		loop:   loop,
	}
}

// SetOpenError makes subsequent Open calls fail with err wrapped in ErrConnection.
func (s *MockSource) SetOpenError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openErr = err
}

func (s *MockSource) Open(uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastURI = uri
	if s.openErr != nil {
		return fmt.Errorf("%w: %v", ErrConnection, s.openErr)
	}
	s.running = true
	s.index = 0
	s.opened++
	return nil
}

func (s *MockSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.closed++
	}
	s.running = false
	return nil
}

// FailReads makes the next n reads fail transiently.
func (s *MockSource) FailReads(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// Read returns a clone of the next frame. Past the end of a non-looping
// sequence it reports a transient failure, like a stalled stream.
func (s *MockSource) Read() (*gocv.Mat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil, ErrSourceNotOpen
	}

	if s.failNext > 0 {
		s.failNext--
		s.failed++
		return nil, fmt.Errorf("%w: injected read failure", ErrTransientRead)
	}

	if len(s.frames) == 0 {
		s.failed++
		return nil, fmt.Errorf("%w: no frames available", ErrTransientRead)
	}

	if s.index >= len(s.frames) {
		if !s.loop {
			s.failed++
			return nil, fmt.Errorf("%w: no more frames", ErrTransientRead)
		}
		s.index = 0
	}

	frame := s.frames[s.index].Clone()
	s.index++

	return &frame, nil
}

func (s *MockSource) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SetFrames replaces the frame sequence and restarts playback.
func (s *MockSource) SetFrames(frames []*gocv.Mat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = frames
	s.index = 0
}

// FailedReads returns how many reads have failed transiently.
func (s *MockSource) FailedReads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// Opens returns how many times Open succeeded.
func (s *MockSource) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

// Closes returns how many times an open source was closed.
func (s *MockSource) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// LastURI returns the uri passed to the most recent Open call.
func (s *MockSource) LastURI() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastURI
}
