// Package hook runs external programs when a plate is recognized.
package hook

import (
	"encoding/json"
	"slices"
	"time"
)

// EventPlateDetected is the only event hooks receive today.
const EventPlateDetected = "plate_detected"

// Manifest describes a hook and the detections it wants.
type Manifest struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
	Executable  string `json:"executable"`
	// Cameras limits the hook to these camera ids. Empty means all.
	Cameras []int `json:"cameras,omitempty"`
	// Plates limits the hook to these plate codes. Empty means all.
	Plates []string        `json:"plates,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

// Request is written to the hook's stdin.
type Request struct {
	Event      string          `json:"event"`
	CameraID   int             `json:"camera_id"`
	Plate      string          `json:"plate"`
	DetectedAt time.Time       `json:"detected_at"`
	Config     json.RawMessage `json:"config"`
}

// Response is read from the hook's stdout.
type Response struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Hook is a discovered hook with its manifest and location.
type Hook struct {
	Manifest   Manifest
	Path       string
	Executable string
}

// Matches reports whether the hook wants a plate seen by a camera.
func (h *Hook) Matches(cameraID int, plate string) bool {
	if len(h.Manifest.Cameras) > 0 && !slices.Contains(h.Manifest.Cameras, cameraID) {
		return false
	}
	if len(h.Manifest.Plates) > 0 && !slices.Contains(h.Manifest.Plates, plate) {
		return false
	}
	return true
}
