package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"gopkg.in/guregu/null.v4"

	"github.com/ayusman/platewatch/internal/store"
)

// maxHistoryLimit caps the limit query parameter.
const maxHistoryLimit = 1000

// HistoryHandler serves the recognition history.
type HistoryHandler struct {
	store *store.Store
}

// NewHistoryHandler creates a HistoryHandler with the given store.
func NewHistoryHandler(s *store.Store) *HistoryHandler {
	return &HistoryHandler{store: s}
}

// Routes returns the history routes, to be mounted at /api/detections/history.
func (h *HistoryHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/", h.list)
	r.Get("/{detectionID}", h.get)
	return r
}

type detectionResponse struct {
	ID           string      `json:"id"`
	CameraID     int         `json:"camera_id"`
	Plate        null.String `json:"plate"`
	DispatchedAt null.String `json:"dispatched_at"`
	DetectedAt   string      `json:"detected_at"`
}

type listDetectionsResponse struct {
	Detections []detectionResponse `json:"detections"`
	Total      int                 `json:"total"`
}

func toDetectionResponse(d *store.Detection) detectionResponse {
	resp := detectionResponse{
		ID:         d.ID,
		CameraID:   d.CameraID,
		Plate:      d.Plate,
		DetectedAt: d.DetectedAt.Format(timeFormat),
	}
	if d.DispatchedAt.Valid {
		resp.DispatchedAt = null.StringFrom(d.DispatchedAt.Time.Format(timeFormat))
	}
	return resp
}

// list handles GET /api/detections/history?camera_id=&plate=&plates_only=&limit=.
func (h *HistoryHandler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.DetectionFilter{
		Plate:      q.Get("plate"),
		PlatesOnly: q.Get("plates_only") == "true",
	}

	if v := q.Get("camera_id"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid camera_id")
			return
		}
		filter.CameraID = id
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		filter.Limit = min(limit, maxHistoryLimit)
	}

	detections, err := h.store.Detections().List(filter)
	if err != nil {
		log.Error().Err(err).Msg("failed to list detections")
		writeError(w, http.StatusInternalServerError, "Failed to list detections")
		return
	}

	response := listDetectionsResponse{
		Detections: make([]detectionResponse, 0, len(detections)),
		Total:      len(detections),
	}
	for _, d := range detections {
		response.Detections = append(response.Detections, toDetectionResponse(d))
	}
	writeJSON(w, http.StatusOK, response)
}

// get handles GET /api/detections/history/{detectionID}.
func (h *HistoryHandler) get(w http.ResponseWriter, r *http.Request) {
	d, err := h.store.Detections().GetByID(chi.URLParam(r, "detectionID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Detection not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get detection")
		return
	}
	writeJSON(w, http.StatusOK, toDetectionResponse(d))
}
