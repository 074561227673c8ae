package ocr

import (
	"context"
	"sync"
)

// MockDetector is a test implementation of the Detector interface.
// It allows tests to control the detection results.
type MockDetector struct {
	mu      sync.Mutex
	text    string
	err     error
	calls   int
	block   chan struct{}
	started chan struct{}
}

// NewMockDetector creates a new MockDetector instance.
func NewMockDetector() *MockDetector {
	return &MockDetector{}
}

// SetText sets the text that will be returned by DetectText.
func (m *MockDetector) SetText(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.text = text
	m.err = nil
}

// SetError sets the error that will be returned by DetectText.
func (m *MockDetector) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Block makes DetectText wait until Release is called. Started receives one
// value per call that reached the wait.
func (m *MockDetector) Block() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.block = make(chan struct{})
	m.started = make(chan struct{}, 16)
}

// Started returns the channel signalled when a blocked call begins.
func (m *MockDetector) Started() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// Release unblocks every pending and future DetectText call.
func (m *MockDetector) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.block != nil {
		close(m.block)
		m.block = nil
	}
}

// Calls returns how many times DetectText was invoked.
func (m *MockDetector) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// DetectText returns the pre-configured text or error.
func (m *MockDetector) DetectText(ctx context.Context, jpeg []byte) (string, error) {
	m.mu.Lock()
	m.calls++
	block, started := m.block, m.started
	m.mu.Unlock()

	if block != nil {
		started <- struct{}{}
		<-block
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	if m.text == "" {
		return "", ErrNoText
	}
	return m.text, nil
}

// Close is a no-op for the mock detector.
func (m *MockDetector) Close() error {
	return nil
}
