package app

import (
	"context"
	"errors"
	"time"

	"github.com/ayusman/platewatch/internal/capture"
)

// readRetryDelay spaces out reads after a transient failure.
const readRetryDelay = 10 * time.Millisecond

// captureLoop reads frames into the frame buffer until Stop. Transient read
// failures are skipped; there is no reconnect.
func (c *Controller) captureLoop() {
	failing := false

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		mat, err := c.deps.source.Read()
		if err != nil {
			if errors.Is(err, capture.ErrSourceNotOpen) {
				c.log.Warn().Err(err).Msg("camera stream closed, capture ended")
				return
			}
			if !failing {
				c.log.Warn().Err(err).Msg("failed to read frame")
				failing = true
			}
			select {
			case <-c.stopCh:
				return
			case <-time.After(readRetryDelay):
			}
			continue
		}

		if failing {
			c.log.Info().Msg("frame reads recovered")
			failing = false
		}
		c.frames.Put(capture.NewFrame(c.camera.ID, *mat))
	}
}

// recognitionWorker runs at most one recognition at a time for this camera.
// A crop dispatched while one is in flight waits in the mailbox and is
// superseded by any newer dispatch.
func (c *Controller) recognitionWorker() {
	defer c.dedup.Close()

	for {
		select {
		case <-c.stopCh:
			return
		case <-c.mailbox.Ready():
		}

		job := c.mailbox.Get()
		if job == nil {
			continue
		}
		c.recognize(job)
	}
}

// recognize runs one crop through dedup and the recognizer and reports the
// outcome. The call is not cancelled by Stop; its result is dropped instead.
func (c *Controller) recognize(job *capture.Frame) {
	defer job.Close()

	if c.dedup.Unchanged(job.Mat) {
		c.log.Debug().Msg("roi unchanged, skipping recognition")
		return
	}

	var (
		plate string
		found bool
	)
	if c.deps.recognizer != nil {
		plate, found = c.deps.recognizer.Process(context.Background(), c.camera.ID, job.Mat)
	}
	c.dedup.Remember(job.Mat)

	result := Result{
		CameraID:   c.camera.ID,
		Plate:      plate,
		Found:      found,
		DispatchAt: job.Timestamp,
		DoneAt:     time.Now(),
		controller: c,
	}

	select {
	case <-c.stopCh:
		c.log.Debug().Msg("camera stopped, discarding recognition result")
		return
	default:
	}

	select {
	case c.deps.results <- result:
	case <-c.stopCh:
		c.log.Debug().Msg("camera stopped, discarding recognition result")
	}
}
