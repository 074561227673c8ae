package store

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// recorderQueue is the number of detections buffered before new ones are
// dropped.
const recorderQueue = 256

// Recorder writes detections to the history on a background goroutine so
// callers on latency-sensitive paths never wait on the database.
type Recorder struct {
	repo *DetectionRepository

	queue   chan *Detection
	done    chan struct{}
	once    sync.Once
	written atomic.Uint64
	dropped atomic.Uint64
}

// NewRecorder creates a Recorder and starts its writer.
func NewRecorder(s *Store) *Recorder {
	r := &Recorder{
		repo:  s.Detections(),
		queue: make(chan *Detection, recorderQueue),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

// Record queues d without blocking. It returns false when the queue is full.
func (r *Recorder) Record(d *Detection) bool {
	select {
	case r.queue <- d:
		return true
	default:
		r.dropped.Add(1)
		log.Warn().Int("camera_id", d.CameraID).Msg("history queue full, detection dropped")
		return false
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for d := range r.queue {
		if err := r.repo.Create(d); err != nil {
			log.Error().Err(err).Int("camera_id", d.CameraID).Msg("failed to record detection")
			continue
		}
		r.written.Add(1)
	}
}

// Close writes every queued detection and stops the writer. Record must not
// be called after Close.
func (r *Recorder) Close() {
	r.once.Do(func() {
		close(r.queue)
		<-r.done
	})
}

// Written returns the number of detections stored.
func (r *Recorder) Written() uint64 {
	return r.written.Load()
}

// Dropped returns the number of detections lost to a full queue.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}
