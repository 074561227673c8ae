// Package roi holds the per-camera region of interest and its file persistence.
package roi

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// ErrOutOfBounds is returned when a rectangle does not fit inside a frame.
var ErrOutOfBounds = errors.New("roi out of frame bounds")

// Rect is a region of interest in display-pixel coordinates. The zero value,
// (0,0)-(0,0), means unset.
type Rect struct {
	Start image.Point
	End   image.Point
}

// FromPoints builds a Rect from two drag corners in any order.
func FromPoints(a, b image.Point) Rect {
	r := image.Rectangle{Min: a, Max: b}.Canon()
	return Rect{Start: r.Min, End: r.Max}
}

// IsSet reports whether r is anything other than the unset sentinel.
func (r Rect) IsSet() bool {
	return r != Rect{}
}

// Empty reports whether r has no area.
func (r Rect) Empty() bool {
	return r.Bounds().Empty()
}

// Bounds returns r as a canonical image.Rectangle.
func (r Rect) Bounds() image.Rectangle {
	return image.Rectangle{Min: r.Start, Max: r.End}.Canon()
}

// Within reports whether r lies inside a frame of the given size.
func (r Rect) Within(width, height int) bool {
	return r.Bounds().In(image.Rect(0, 0, width, height))
}

// Clamp returns r limited to a frame of the given size.
func (r Rect) Clamp(width, height int) Rect {
	b := r.Bounds().Intersect(image.Rect(0, 0, width, height))
	return Rect{Start: b.Min, End: b.Max}
}

// Validate returns nil for the unset sentinel or a non-empty rectangle that
// lies inside a frame of the given size.
func (r Rect) Validate(width, height int) error {
	if !r.IsSet() {
		return nil
	}
	if r.Empty() || !r.Within(width, height) {
		return fmt.Errorf("%w: %v not in %dx%d", ErrOutOfBounds, r.Bounds(), width, height)
	}
	return nil
}

func (r Rect) String() string {
	if !r.IsSet() {
		return "unset"
	}
	return r.Bounds().String()
}

type rectJSON struct {
	Start [2]int `json:"start"`
	End   [2]int `json:"end"`
}

// MarshalJSON encodes r as {"start": [x, y], "end": [x, y]}.
func (r Rect) MarshalJSON() ([]byte, error) {
	return json.Marshal(rectJSON{
		Start: [2]int{r.Start.X, r.Start.Y},
		End:   [2]int{r.End.X, r.End.Y},
	})
}

// UnmarshalJSON decodes {"start": [x, y], "end": [x, y]}.
func (r *Rect) UnmarshalJSON(data []byte) error {
	var v rectJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	r.Start = image.Pt(v.Start[0], v.Start[1])
	r.End = image.Pt(v.End[0], v.End[1])
	return nil
}

// Crop copies the region r out of frame. The caller owns the returned Mat.
func Crop(frame gocv.Mat, r Rect) (gocv.Mat, error) {
	if err := r.Validate(frame.Cols(), frame.Rows()); err != nil {
		return gocv.NewMat(), err
	}
	if !r.IsSet() {
		return gocv.NewMat(), fmt.Errorf("%w: roi is unset", ErrOutOfBounds)
	}

	region := frame.Region(r.Bounds())
	defer region.Close()

	return region.Clone(), nil
}
