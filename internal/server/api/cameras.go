package api

import (
	"encoding/json"
	"errors"
	"image"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"gopkg.in/guregu/null.v4"

	"github.com/ayusman/platewatch/internal/app"
	"github.com/ayusman/platewatch/internal/config"
	"github.com/ayusman/platewatch/internal/roi"
	"github.com/ayusman/platewatch/internal/store"
)

// CameraManager is the part of app.Manager the camera API uses.
type CameraManager interface {
	Add(cam config.Camera) error
	Remove(id int) error
	Controller(id int) (*app.Controller, bool)
	Controllers() []*app.Controller
}

// Streams serves the live display of a camera.
type Streams interface {
	Stream(cameraID int) http.Handler
	Snapshot(cameraID int) ([]byte, bool)
	Remove(cameraID int)
}

// CameraHandler handles HTTP requests for camera resources.
type CameraHandler struct {
	manager CameraManager
	streams Streams
	store   *store.Store
}

// NewCameraHandler creates a CameraHandler. streams and s may be nil.
func NewCameraHandler(manager CameraManager, streams Streams, s *store.Store) *CameraHandler {
	return &CameraHandler{manager: manager, streams: streams, store: s}
}

// Routes returns the camera routes, to be mounted at /api/cameras.
func (h *CameraHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/{id}", h.get)
	r.Delete("/{id}", h.delete)
	r.Get("/{id}/roi", h.getRoi)
	r.Put("/{id}/roi", h.putRoi)
	r.Post("/{id}/roi/select", h.selectRoi)
	r.Get("/{id}/stream", h.stream)
	r.Get("/{id}/snapshot", h.snapshot)

	return r
}

// Request and response types

type createCameraRequest struct {
	ID  int    `json:"camera_id"`
	URL string `json:"url"`
}

type cameraResponse struct {
	ID            int         `json:"camera_id"`
	URL           string      `json:"url"`
	State         string      `json:"state"`
	Error         string      `json:"error,omitempty"`
	Roi           roi.Rect    `json:"roi"`
	Plate         null.String `json:"plate"`
	Status        string      `json:"status"`
	LastDispatch  string      `json:"last_dispatch,omitempty"`
	LastDetection string      `json:"last_detection,omitempty"`
}

type listCamerasResponse struct {
	Cameras []cameraResponse `json:"cameras"`
}

type selectRoiRequest struct {
	Phase string `json:"phase"`
	X     int    `json:"x"`
	Y     int    `json:"y"`
}

type selectRoiResponse struct {
	State     string   `json:"state"`
	Selection roi.Rect `json:"selection"`
	Roi       roi.Rect `json:"roi"`
}

// toCameraResponse converts a controller to an API response. Stream
// credentials are never returned.
func toCameraResponse(c *app.Controller) cameraResponse {
	d := c.Detection()
	resp := cameraResponse{
		ID:            c.ID(),
		URL:           config.RedactURL(c.Camera().URL),
		State:         c.State().String(),
		Roi:           c.Roi(),
		Plate:         null.NewString(d.Plate, d.HasPlate()),
		Status:        d.Status(),
		LastDispatch:  formatTime(d.LastDispatch),
		LastDetection: formatTime(d.LastDetection),
	}
	if err := c.Err(); err != nil {
		resp.Error = err.Error()
	}
	return resp
}

func (h *CameraHandler) controller(w http.ResponseWriter, r *http.Request) (*app.Controller, bool) {
	id, ok := cameraID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid camera id")
		return nil, false
	}
	c, ok := h.manager.Controller(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Camera not found")
		return nil, false
	}
	return c, true
}

// list handles GET /api/cameras.
func (h *CameraHandler) list(w http.ResponseWriter, r *http.Request) {
	controllers := h.manager.Controllers()
	response := listCamerasResponse{Cameras: make([]cameraResponse, 0, len(controllers))}
	for _, c := range controllers {
		response.Cameras = append(response.Cameras, toCameraResponse(c))
	}
	writeJSON(w, http.StatusOK, response)
}

// get handles GET /api/cameras/{id}.
func (h *CameraHandler) get(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toCameraResponse(c))
}

// create handles POST /api/cameras.
func (h *CameraHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createCameraRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	cam := config.Camera{ID: req.ID, URL: req.URL}
	if err := h.manager.Add(cam); err != nil {
		switch {
		case errors.Is(err, config.ErrInvalidCamera):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, app.ErrCameraExists):
			writeError(w, http.StatusConflict, "Camera already exists")
		default:
			log.Error().Err(err).Int("camera_id", cam.ID).Msg("failed to add camera")
			writeError(w, http.StatusInternalServerError, "Failed to add camera")
		}
		return
	}

	c, ok := h.manager.Controller(cam.ID)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Camera vanished after add")
		return
	}
	writeJSON(w, http.StatusCreated, toCameraResponse(c))
}

// delete handles DELETE /api/cameras/{id}. With ?purge=true the recognition
// history of the camera is deleted too.
func (h *CameraHandler) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := cameraID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid camera id")
		return
	}

	if err := h.manager.Remove(id); err != nil {
		if errors.Is(err, app.ErrCameraNotFound) {
			writeError(w, http.StatusNotFound, "Camera not found")
			return
		}
		log.Error().Err(err).Int("camera_id", id).Msg("failed to remove camera")
		writeError(w, http.StatusInternalServerError, "Failed to remove camera")
		return
	}

	if h.streams != nil {
		h.streams.Remove(id)
	}

	if r.URL.Query().Get("purge") == "true" && h.store != nil {
		n, err := h.store.Detections().DeleteByCamera(id)
		if err != nil {
			log.Warn().Err(err).Int("camera_id", id).Msg("failed to purge detection history")
		} else {
			log.Info().Int("camera_id", id).Int64("rows", n).Msg("detection history purged")
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// getRoi handles GET /api/cameras/{id}/roi.
func (h *CameraHandler) getRoi(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, c.Roi())
}

// putRoi handles PUT /api/cameras/{id}/roi. The unset rectangle clears it.
func (h *CameraHandler) putRoi(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r)
	if !ok {
		return
	}

	var rect roi.Rect
	if err := json.NewDecoder(r.Body).Decode(&rect); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	rect = roi.FromPoints(rect.Start, rect.End)

	if err := c.SetRoi(rect); err != nil {
		h.writeRoiError(w, c.ID(), err)
		return
	}
	writeJSON(w, http.StatusOK, c.Roi())
}

// selectRoi handles POST /api/cameras/{id}/roi/select, the pointer events of
// an interactive ROI drag: down, drag, up or cancel.
func (h *CameraHandler) selectRoi(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r)
	if !ok {
		return
	}

	var req selectRoiRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	p := image.Pt(req.X, req.Y)
	var err error
	switch req.Phase {
	case "down":
		err = c.BeginSelection(p)
	case "drag":
		err = c.UpdateSelection(p)
	case "up":
		_, err = c.CommitSelection(p)
	case "cancel":
		c.CancelSelection()
	default:
		writeError(w, http.StatusBadRequest, "Invalid phase")
		return
	}
	if err != nil {
		h.writeRoiError(w, c.ID(), err)
		return
	}

	selection, _ := c.Selection()
	writeJSON(w, http.StatusOK, selectRoiResponse{
		State:     c.State().String(),
		Selection: selection,
		Roi:       c.Roi(),
	})
}

func (h *CameraHandler) writeRoiError(w http.ResponseWriter, id int, err error) {
	switch {
	case errors.Is(err, roi.ErrOutOfBounds), errors.Is(err, app.ErrEmptySelection):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Error().Err(err).Int("camera_id", id).Msg("failed to save roi")
		writeError(w, http.StatusInternalServerError, "Failed to save roi")
	}
}

// stream handles GET /api/cameras/{id}/stream as MJPEG.
func (h *CameraHandler) stream(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r)
	if !ok {
		return
	}
	if h.streams == nil {
		writeError(w, http.StatusServiceUnavailable, "Streaming disabled")
		return
	}
	h.streams.Stream(c.ID()).ServeHTTP(w, r)
}

// snapshot handles GET /api/cameras/{id}/snapshot, the latest display frame.
func (h *CameraHandler) snapshot(w http.ResponseWriter, r *http.Request) {
	c, ok := h.controller(w, r)
	if !ok {
		return
	}
	if h.streams == nil {
		writeError(w, http.StatusServiceUnavailable, "Streaming disabled")
		return
	}

	jpeg, ok := h.streams.Snapshot(c.ID())
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "No frame yet")
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Plate-Status", c.Detection().Status())
	w.WriteHeader(http.StatusOK)
	w.Write(jpeg)
}
