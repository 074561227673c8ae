package app

import "time"

// StatusNoPlate is shown whenever no plate is known, whether nothing was
// found or the recognition service failed.
const StatusNoPlate = "no plate detected"

// State is a camera controller lifecycle state.
type State int

// Controller states.
const (
	StateInitializing State = iota
	StateStreaming
	StateSelectingRoi
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateStreaming:
		return "streaming"
	case StateSelectingRoi:
		return "selecting_roi"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// DetectionState is the recognition outcome of one camera. It is written only
// by the recognition path and copied out for readers.
type DetectionState struct {
	CameraID      int
	Plate         string // empty when no plate is known
	LastDispatch  time.Time
	LastDetection time.Time
}

// HasPlate reports whether a plate code is known.
func (d DetectionState) HasPlate() bool {
	return d.Plate != ""
}

// Status returns the display text for d.
func (d DetectionState) Status() string {
	if !d.HasPlate() {
		return StatusNoPlate
	}
	return "plate: " + d.Plate
}

// Result is a finished recognition sent from a camera worker back to the
// coordinating loop.
type Result struct {
	CameraID   int
	Plate      string
	Found      bool
	DispatchAt time.Time
	DoneAt     time.Time

	// controller is the sender; results of a replaced controller are dropped.
	controller *Controller
}
