package app

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gocv.io/x/gocv"

	"github.com/ayusman/platewatch/internal/capture"
	"github.com/ayusman/platewatch/internal/config"
	"github.com/ayusman/platewatch/internal/roi"
)

var (
	// ErrInvalidState is returned when an ROI selection step does not match
	// the controller state.
	ErrInvalidState = errors.New("invalid controller state")
	// ErrEmptySelection is returned when a committed selection has no area.
	ErrEmptySelection = errors.New("roi selection has no area")
)

// Display receives the composed view of a camera on every tick. It gets an
// RGB image at the display resolution and the detection status text.
// Implementations must not block.
type Display interface {
	Render(cameraID int, img image.Image, status string)
}

// Recognizer turns an ROI crop into a plate code.
type Recognizer interface {
	Process(ctx context.Context, cameraID int, crop gocv.Mat) (string, bool)
}

var roiColor = color.RGBA{G: 255}

const roiThickness = 2

// controllerDeps are the collaborators a Controller is built with.
type controllerDeps struct {
	source         capture.Source
	roiStore       *roi.Store
	scheduler      *Scheduler
	recognizer     Recognizer
	display        Display
	results        chan<- Result
	width, height  int
	dedupThreshold float64
}

// Controller runs the pipeline of one camera: capture goroutine, display
// composition on each tick, gated dispatch to a recognition worker.
type Controller struct {
	camera config.Camera
	deps   controllerDeps
	log    zerolog.Logger

	frames  *capture.FrameBuffer // latest captured frame
	mailbox *capture.FrameBuffer // crop waiting for recognition
	dedup   *capture.Deduplicator

	mu          sync.RWMutex
	state       State
	started     bool
	openErr     error
	roi         roi.Rect
	anchor      image.Point
	provisional roi.Rect
	detection   DetectionState
	dispatches  uint64

	stopCh chan struct{}
	done   chan struct{}
}

func newController(camera config.Camera, deps controllerDeps) *Controller {
	return &Controller{
		camera: camera,
		deps:   deps,
		log: log.With().
			Int("camera_id", camera.ID).
			Str("url", config.RedactURL(camera.URL)).
			Logger(),
		frames:    capture.NewFrameBuffer(),
		mailbox:   capture.NewFrameBuffer(),
		dedup:     capture.NewDeduplicator(deps.dedupThreshold),
		state:     StateInitializing,
		detection: DetectionState{CameraID: camera.ID},
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Camera returns the registry entry the controller was created from.
func (c *Controller) Camera() config.Camera {
	return c.camera
}

// ID returns the camera id.
func (c *Controller) ID() int {
	return c.camera.ID
}

// Start loads the persisted ROI and opens the stream in the background.
// Calling Start again, or after Stop, does nothing.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started || c.state == StateStopped {
		return
	}
	c.started = true
	c.roi = c.loadRoi()

	go c.run()
	go c.recognitionWorker()
}

func (c *Controller) loadRoi() roi.Rect {
	if c.deps.roiStore == nil {
		return roi.Rect{}
	}

	r, err := c.deps.roiStore.Load(c.camera.ID)
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to load roi, treating as unset")
		return roi.Rect{}
	}
	if err := r.Validate(c.deps.width, c.deps.height); err != nil {
		c.log.Warn().Err(err).Msg("persisted roi does not fit the display, treating as unset")
		return roi.Rect{}
	}
	if r.IsSet() {
		c.log.Info().Stringer("roi", r).Msg("roi loaded")
	}
	return r
}

// run opens the source and, on success, drives the capture loop until Stop.
// An open failure leaves the camera in Initializing for good.
func (c *Controller) run() {
	defer close(c.done)

	if err := c.deps.source.Open(c.camera.URL); err != nil {
		c.mu.Lock()
		c.openErr = err
		c.mu.Unlock()
		c.log.Error().Err(err).Msg("failed to open camera stream")
		return
	}
	defer func() {
		if err := c.deps.source.Close(); err != nil {
			c.log.Warn().Err(err).Msg("error closing camera stream")
		}
	}()

	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	c.state = StateStreaming
	c.mu.Unlock()

	c.log.Info().Msg("camera streaming")
	c.captureLoop()
}

// Stop clears the capture flag and releases buffered frames. The stream is
// closed by the capture goroutine once its current read returns; Done reports
// when that has happened. Safe to call more than once.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	c.state = StateStopped
	started := c.started
	close(c.stopCh)
	c.mu.Unlock()

	c.frames.Close()
	c.mailbox.Close()
	if !started {
		c.dedup.Close()
		close(c.done)
	}

	c.log.Info().Msg("camera stopped")
}

// Done is closed once the camera stream has been released.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Err returns the stream open error, if opening failed.
func (c *Controller) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.openErr
}

// Detection returns a copy of the detection state.
func (c *Controller) Detection() DetectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.detection
}

// Dispatches returns how many crops were handed to the recognition worker.
func (c *Controller) Dispatches() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dispatches
}

// Roi returns the committed region of interest.
func (c *Controller) Roi() roi.Rect {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roi
}

// Selection returns the provisional rectangle while selecting.
func (c *Controller) Selection() (roi.Rect, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.provisional, c.state == StateSelectingRoi
}

// SetRoi validates, persists and applies r. The unset rectangle clears the ROI.
func (c *Controller) SetRoi(r roi.Rect) error {
	if err := r.Validate(c.deps.width, c.deps.height); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateStopped {
		return fmt.Errorf("%w: camera is stopped", ErrInvalidState)
	}
	return c.commitLocked(r)
}

func (c *Controller) commitLocked(r roi.Rect) error {
	if c.deps.roiStore != nil {
		if err := c.deps.roiStore.Save(c.camera.ID, r); err != nil {
			return err
		}
	}
	c.roi = r
	c.log.Info().Stringer("roi", r).Msg("roi saved")
	return nil
}

// BeginSelection enters SelectingRoi with a drag anchored at p.
func (c *Controller) BeginSelection(p image.Point) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateStreaming {
		return fmt.Errorf("%w: cannot select roi while %s", ErrInvalidState, c.state)
	}

	c.anchor = c.clampPoint(p)
	c.provisional = roi.FromPoints(c.anchor, c.anchor)
	c.state = StateSelectingRoi
	return nil
}

// UpdateSelection moves the free corner of the provisional rectangle.
func (c *Controller) UpdateSelection(p image.Point) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateSelectingRoi {
		return fmt.Errorf("%w: no selection in progress", ErrInvalidState)
	}

	c.provisional = roi.FromPoints(c.anchor, p).Clamp(c.deps.width, c.deps.height)
	return nil
}

// CommitSelection finishes the drag at p, persists the rectangle and returns
// to Streaming. A selection without area is dropped and the previous ROI kept.
func (c *Controller) CommitSelection(p image.Point) (roi.Rect, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateSelectingRoi {
		return roi.Rect{}, fmt.Errorf("%w: no selection in progress", ErrInvalidState)
	}

	r := roi.FromPoints(c.anchor, p).Clamp(c.deps.width, c.deps.height)
	c.state = StateStreaming
	c.provisional = roi.Rect{}

	if r.Empty() {
		return c.roi, ErrEmptySelection
	}
	if err := c.commitLocked(r); err != nil {
		return c.roi, err
	}
	return r, nil
}

// CancelSelection abandons a selection in progress.
func (c *Controller) CancelSelection() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateSelectingRoi {
		c.state = StateStreaming
		c.provisional = roi.Rect{}
	}
}

func (c *Controller) clampPoint(p image.Point) image.Point {
	p.X = min(max(p.X, 0), c.deps.width)
	p.Y = min(max(p.Y, 0), c.deps.height)
	return p
}

// tick composes the latest frame for the display and dispatches the ROI crop
// when the camera is streaming, recognition is enabled, an ROI is set and the
// scheduler allows it. Called from the coordinating loop only.
func (c *Controller) tick(now time.Time, enabled bool) {
	frame := c.frames.Get()
	if frame == nil {
		return
	}
	defer frame.Close()

	c.mu.RLock()
	state, committed, provisional, detection := c.state, c.roi, c.provisional, c.detection
	c.mu.RUnlock()

	if state == StateStopped {
		return
	}

	view := gocv.NewMat()
	defer view.Close()
	gocv.Resize(frame.Mat, &view, image.Pt(c.deps.width, c.deps.height), 0, 0, gocv.InterpolationLinear)
	if view.Empty() {
		c.log.Warn().Msg("failed to resize frame for display")
		return
	}

	if state == StateStreaming && enabled && committed.IsSet() && c.deps.scheduler.Gate(c.camera.ID, now) {
		c.dispatch(view, committed, now)
	}

	overlay := committed
	if state == StateSelectingRoi {
		overlay = provisional
	}
	if overlay.IsSet() && !overlay.Empty() {
		gocv.Rectangle(&view, overlay.Bounds(), roiColor, roiThickness)
	}

	if c.deps.display == nil {
		return
	}
	img, err := view.ToImage()
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to convert frame for display")
		return
	}
	c.deps.display.Render(c.camera.ID, img, detection.Status())
}

// dispatch crops the ROI out of the display view and hands it to the
// recognition worker, superseding any crop still waiting there.
func (c *Controller) dispatch(view gocv.Mat, r roi.Rect, now time.Time) {
	crop, err := roi.Crop(view, r)
	if err != nil {
		crop.Close()
		c.log.Warn().Err(err).Msg("failed to crop roi")
		return
	}

	job := capture.NewFrame(c.camera.ID, crop)
	job.Timestamp = now
	c.mailbox.Put(job)

	c.mu.Lock()
	c.detection.LastDispatch = now
	c.dispatches++
	c.mu.Unlock()
}

// apply records a finished recognition. Results that arrive after Stop are
// discarded.
func (c *Controller) apply(r Result) (DetectionState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateStopped {
		return DetectionState{}, false
	}

	if r.Found {
		c.detection.Plate = r.Plate
	} else {
		c.detection.Plate = ""
	}
	c.detection.LastDetection = r.DoneAt
	return c.detection, true
}
