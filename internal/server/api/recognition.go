package api

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/ayusman/platewatch/internal/store"
)

// Toggle pauses and resumes recognition.
type Toggle interface {
	SetEnabled(enabled bool)
	IsEnabled() bool
}

// RecognitionHandler handles GET and PUT /api/recognition.
type RecognitionHandler struct {
	toggle Toggle
	store  *store.Store
}

// NewRecognitionHandler creates a RecognitionHandler. When s is not nil the
// switch is persisted across restarts.
func NewRecognitionHandler(toggle Toggle, s *store.Store) *RecognitionHandler {
	return &RecognitionHandler{toggle: toggle, store: s}
}

type recognitionState struct {
	Enabled bool `json:"enabled"`
}

// ServeHTTP implements the http.Handler interface.
func (h *RecognitionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, recognitionState{Enabled: h.toggle.IsEnabled()})
	case http.MethodPut:
		var req recognitionState
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON")
			return
		}
		h.toggle.SetEnabled(req.Enabled)
		if h.store != nil {
			if err := h.store.Settings().SetBool(store.SettingRecognitionEnabled, req.Enabled); err != nil {
				log.Warn().Err(err).Msg("failed to persist recognition switch")
			}
		}
		writeJSON(w, http.StatusOK, recognitionState{Enabled: h.toggle.IsEnabled()})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}
