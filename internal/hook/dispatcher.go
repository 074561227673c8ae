package hook

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// queueSize is the number of pending detections before new ones are dropped.
const queueSize = 32

// Detection is a recognized plate handed to the dispatcher.
type Detection struct {
	CameraID   int
	Plate      string
	DetectedAt time.Time
}

// Dispatcher runs matching hooks for recognized plates on a single worker
// goroutine so callers never wait for a hook.
type Dispatcher struct {
	manager  *Manager
	executor *Executor

	queue   chan Detection
	stopCh  chan struct{}
	done    chan struct{}
	once    sync.Once
	started atomic.Bool

	runs    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// NewDispatcher creates a Dispatcher over discovered hooks.
func NewDispatcher(manager *Manager, executor *Executor) *Dispatcher {
	return &Dispatcher{
		manager:  manager,
		executor: executor,
		queue:    make(chan Detection, queueSize),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the worker. Calling Start twice does nothing.
func (d *Dispatcher) Start() {
	if d.started.Swap(true) {
		return
	}
	go d.run()
}

// Stop waits for the hook in progress, if any, and ends the worker. Pending
// detections are dropped.
func (d *Dispatcher) Stop() {
	d.once.Do(func() {
		close(d.stopCh)
		if d.started.Load() {
			<-d.done
		}
	})
}

// Enqueue queues a detection without blocking. It returns false when the
// queue is full or no hook matches.
func (d *Dispatcher) Enqueue(det Detection) bool {
	if len(d.manager.Matching(det.CameraID, det.Plate)) == 0 {
		return false
	}
	select {
	case d.queue <- det:
		return true
	default:
		d.dropped.Add(1)
		log.Warn().Int("camera_id", det.CameraID).Str("plate", det.Plate).Msg("hook queue full, detection dropped")
		return false
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case <-d.stopCh:
			return
		case det := <-d.queue:
			d.dispatch(det)
		}
	}
}

func (d *Dispatcher) dispatch(det Detection) {
	for _, h := range d.manager.Matching(det.CameraID, det.Plate) {
		req := &Request{
			Event:      EventPlateDetected,
			CameraID:   det.CameraID,
			Plate:      det.Plate,
			DetectedAt: det.DetectedAt,
			Config:     h.Manifest.Config,
		}

		d.runs.Add(1)
		resp, err := d.executor.Execute(context.Background(), h, req)
		switch {
		case err != nil:
			d.failed.Add(1)
			log.Error().Err(err).Str("hook", h.Manifest.Name).Int("camera_id", det.CameraID).Msg("hook failed")
		case !resp.Success:
			d.failed.Add(1)
			log.Warn().Str("hook", h.Manifest.Name).Str("error", resp.Error).Int("camera_id", det.CameraID).Msg("hook reported failure")
		default:
			log.Debug().Str("hook", h.Manifest.Name).Str("plate", det.Plate).Msg("hook ran")
		}
	}
}

// Stats holds hook run counters.
type Stats struct {
	Runs    uint64
	Failed  uint64
	Dropped uint64
}

// Stats returns the current counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{Runs: d.runs.Load(), Failed: d.failed.Load(), Dropped: d.dropped.Load()}
}
