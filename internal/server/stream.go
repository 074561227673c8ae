package server

import (
	"bytes"
	"image"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	"github.com/hybridgroup/mjpeg"
	"github.com/rs/zerolog/log"
)

// DefaultFrameInterval limits the published display rate to about 15 FPS.
const DefaultFrameInterval = 66 * time.Millisecond

// jpegQuality is the quality of published display frames.
const jpegQuality = 80

// StreamHub is the display surface: it publishes every camera's rendered
// frame as an MJPEG stream and keeps the latest frame for snapshots.
type StreamHub struct {
	interval time.Duration

	mu      sync.Mutex
	streams map[int]*cameraStream
}

type cameraStream struct {
	stream    *mjpeg.Stream
	last      []byte
	status    string
	published time.Time
}

// NewStreamHub creates a StreamHub that publishes at most one frame per
// interval and camera. A non-positive interval uses DefaultFrameInterval.
func NewStreamHub(interval time.Duration) *StreamHub {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	return &StreamHub{
		interval: interval,
		streams:  make(map[int]*cameraStream),
	}
}

// streamFor returns the stream of a camera, creating it on first use.
// Callers must hold h.mu.
func (h *StreamHub) streamFor(cameraID int) *cameraStream {
	cs, ok := h.streams[cameraID]
	if !ok {
		cs = &cameraStream{stream: mjpeg.NewStream()}
		h.streams[cameraID] = cs
	}
	return cs
}

// Render implements app.Display.
func (h *StreamHub) Render(cameraID int, img image.Image, status string) {
	now := time.Now()

	h.mu.Lock()
	cs := h.streamFor(cameraID)
	cs.status = status
	if !cs.published.IsZero() && now.Sub(cs.published) < h.interval {
		h.mu.Unlock()
		return
	}
	cs.published = now
	h.mu.Unlock()

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		log.Warn().Err(err).Int("camera_id", cameraID).Msg("failed to encode display frame")
		return
	}
	frame := buf.Bytes()

	h.mu.Lock()
	cs.last = frame
	h.mu.Unlock()

	cs.stream.UpdateJPEG(frame)
}

// Stream returns the MJPEG handler of a camera.
func (h *StreamHub) Stream(cameraID int) http.Handler {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.streamFor(cameraID).stream
}

// Snapshot returns the latest published JPEG of a camera.
func (h *StreamHub) Snapshot(cameraID int) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cs, ok := h.streams[cameraID]
	if !ok || cs.last == nil {
		return nil, false
	}
	return cs.last, true
}

// Status returns the status string last rendered for a camera.
func (h *StreamHub) Status(cameraID int) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	cs, ok := h.streams[cameraID]
	if !ok {
		return "", false
	}
	return cs.status, true
}

// Remove forgets a camera's stream.
func (h *StreamHub) Remove(cameraID int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.streams, cameraID)
}
