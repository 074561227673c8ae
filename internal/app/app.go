// Package app runs the per-camera plate watching pipelines and keeps the live
// camera set in sync with the persisted registry.
package app

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ayusman/platewatch/internal/capture"
	"github.com/ayusman/platewatch/internal/config"
	"github.com/ayusman/platewatch/internal/roi"
)

// Manager timing and sizing defaults.
const (
	// DefaultTickInterval is the display refresh period of the coordinating loop.
	DefaultTickInterval = 33 * time.Millisecond
	// DefaultDisplayWidth and DefaultDisplayHeight are the display resolution.
	DefaultDisplayWidth  = 640
	DefaultDisplayHeight = 480
	// ShutdownTimeout bounds how long Stop waits for streams to be released.
	ShutdownTimeout = 5 * time.Second
)

var (
	// ErrCameraExists is returned by Add for an id that is already live.
	ErrCameraExists = config.ErrCameraExists
	// ErrCameraNotFound is returned for ids that are not live.
	ErrCameraNotFound = config.ErrCameraNotFound
)

// Registry persists the camera set.
type Registry interface {
	List() []config.Camera
	Add(cam config.Camera) error
	Remove(id int) error
}

// Config holds the collaborators and settings of a Manager.
type Config struct {
	Registry   Registry
	RoiStore   *roi.Store
	Recognizer Recognizer
	Display    Display
	Scheduler  *Scheduler
	// NewSource creates the stream source of each camera. Defaults to capture.NewSource.
	NewSource func() capture.Source

	TickInterval   time.Duration
	DedupThreshold float64
	DisplayWidth   int
	DisplayHeight  int
}

// Manager owns one Controller per registered camera and the coordinating loop
// that drives display refresh, gate checks and result application.
type Manager struct {
	config Config

	mu          sync.RWMutex
	controllers map[int]*Controller
	listeners   []func(DetectionState)
	running     bool
	stopCh      chan struct{}
	loopDone    chan struct{}

	enabled atomic.Bool
	results chan Result
}

// NewManager creates a Manager. Recognition starts enabled.
func NewManager(config Config) *Manager {
	if config.NewSource == nil {
		config.NewSource = capture.NewSource
	}
	if config.Scheduler == nil {
		config.Scheduler = NewScheduler(DefaultGateInterval)
	}
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultTickInterval
	}
	if config.DisplayWidth <= 0 || config.DisplayHeight <= 0 {
		config.DisplayWidth = DefaultDisplayWidth
		config.DisplayHeight = DefaultDisplayHeight
	}

	m := &Manager{
		config:      config,
		controllers: make(map[int]*Controller),
		results:     make(chan Result, 16),
	}
	m.enabled.Store(true)
	return m
}

// OnDetection registers fn to be called on the coordinating loop with every
// applied recognition result. fn must not block.
func (m *Manager) OnDetection(fn func(DetectionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// SetEnabled pauses or resumes recognition. The display keeps refreshing
// while paused.
func (m *Manager) SetEnabled(enabled bool) {
	m.enabled.Store(enabled)
	log.Info().Bool("enabled", enabled).Msg("recognition toggled")
}

// IsEnabled returns whether recognition is enabled.
func (m *Manager) IsEnabled() bool {
	return m.enabled.Load()
}

// Start launches a controller for every registered camera and the
// coordinating loop. Calling Start on a running Manager does nothing.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}
	if m.config.Registry == nil {
		return errors.New("manager has no camera registry")
	}

	for _, cam := range m.config.Registry.List() {
		if _, exists := m.controllers[cam.ID]; exists {
			continue
		}
		ctrl := m.newController(cam)
		ctrl.Start()
		m.controllers[cam.ID] = ctrl
	}

	m.running = true
	m.stopCh = make(chan struct{})
	m.loopDone = make(chan struct{})
	go m.loop(m.stopCh, m.loopDone)

	log.Info().Int("cameras", len(m.controllers)).Msg("camera manager started")
	return nil
}

// Stop halts the coordinating loop and every controller, then waits up to
// ShutdownTimeout for the streams to be released. Live controllers stay
// registered so the persisted set is untouched.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	loopDone := m.loopDone
	controllers := make([]*Controller, 0, len(m.controllers))
	for _, c := range m.controllers {
		controllers = append(controllers, c)
	}
	m.controllers = make(map[int]*Controller)
	m.mu.Unlock()

	<-loopDone

	for _, c := range controllers {
		c.Stop()
	}

	deadline := time.After(ShutdownTimeout)
	for _, c := range controllers {
		select {
		case <-c.Done():
		case <-deadline:
			log.Warn().Int("camera_id", c.ID()).Msg("timed out waiting for camera stream to close")
			return
		}
	}

	log.Info().Msg("camera manager stopped")
}

// Add starts a controller for cam and persists it. The camera is rolled back
// if it cannot be persisted.
func (m *Manager) Add(cam config.Camera) error {
	if err := cam.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.controllers[cam.ID]; exists {
		return fmt.Errorf("%w: %d", ErrCameraExists, cam.ID)
	}

	ctrl := m.newController(cam)
	ctrl.Start()

	if err := m.config.Registry.Add(cam); err != nil {
		ctrl.Stop()
		return fmt.Errorf("failed to persist camera %d: %w", cam.ID, err)
	}

	m.controllers[cam.ID] = ctrl
	log.Info().Int("camera_id", cam.ID).Str("url", config.RedactURL(cam.URL)).Msg("camera added")
	return nil
}

// Remove deletes the persisted entry of camera id, stops its controller and
// deletes its ROI file.
func (m *Manager) Remove(id int) error {
	m.mu.Lock()
	ctrl, exists := m.controllers[id]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrCameraNotFound, id)
	}

	if err := m.config.Registry.Remove(id); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("failed to remove camera %d from registry: %w", id, err)
	}
	delete(m.controllers, id)

	// The id can be added again once the lock is released; its ROI file and
	// gate entry must be gone by then.
	ctrl.Stop()
	m.config.Scheduler.Remove(id)
	if m.config.RoiStore != nil {
		if err := m.config.RoiStore.Delete(id); err != nil {
			log.Warn().Err(err).Int("camera_id", id).Msg("failed to delete roi file")
		}
	}
	m.mu.Unlock()

	log.Info().Int("camera_id", id).Msg("camera removed")
	return nil
}

// Controller returns the live controller of camera id.
func (m *Manager) Controller(id int) (*Controller, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.controllers[id]
	return c, ok
}

// Controllers returns the live controllers ordered by camera id.
func (m *Manager) Controllers() []*Controller {
	m.mu.RLock()
	out := make([]*Controller, 0, len(m.controllers))
	for _, c := range m.controllers {
		out = append(out, c)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Detections returns the detection state of every live camera.
func (m *Manager) Detections() []DetectionState {
	controllers := m.Controllers()
	out := make([]DetectionState, len(controllers))
	for i, c := range controllers {
		out[i] = c.Detection()
	}
	return out
}

func (m *Manager) newController(cam config.Camera) *Controller {
	return newController(cam, controllerDeps{
		source:         m.config.NewSource(),
		roiStore:       m.config.RoiStore,
		scheduler:      m.config.Scheduler,
		recognizer:     m.config.Recognizer,
		display:        m.config.Display,
		results:        m.results,
		width:          m.config.DisplayWidth,
		height:         m.config.DisplayHeight,
		dedupThreshold: m.config.DedupThreshold,
	})
}

// loop is the coordinating loop. Display refresh and gate checks happen on
// every tick; results from recognition workers are applied as they arrive.
func (m *Manager) loop(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case now := <-ticker.C:
			enabled := m.IsEnabled()
			for _, c := range m.Controllers() {
				c.tick(now, enabled)
			}
		case r := <-m.results:
			m.applyResult(r)
		}
	}
}

func (m *Manager) applyResult(r Result) {
	ctrl, ok := m.Controller(r.CameraID)
	if !ok || ctrl != r.controller {
		log.Debug().Int("camera_id", r.CameraID).Msg("discarding result of removed camera")
		return
	}

	state, applied := ctrl.apply(r)
	if !applied {
		return
	}

	m.mu.RLock()
	listeners := make([]func(DetectionState), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()

	for _, fn := range listeners {
		fn(state)
	}
}
