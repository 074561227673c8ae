package capture

import (
	"sync"

	"gocv.io/x/gocv"
)

// DefaultDedupThreshold is the mean absolute pixel difference (0-255 scale)
// below which two crops are treated as the same image.
const DefaultDedupThreshold = 20.0

// MeanAbsDiff returns the mean absolute per-pixel difference between a and b,
// averaged over channels. It returns false when the Mats cannot be compared.
func MeanAbsDiff(a, b gocv.Mat) (float64, bool) {
	if a.Empty() || b.Empty() {
		return 0, false
	}
	if a.Rows() != b.Rows() || a.Cols() != b.Cols() || a.Type() != b.Type() {
		return 0, false
	}

	diff := gocv.NewMat()
	defer diff.Close()
	gocv.AbsDiff(a, b, &diff)

	mean := diff.Mean()
	channels := a.Channels()
	if channels > 4 {
		channels = 4
	}

	vals := [4]float64{mean.Val1, mean.Val2, mean.Val3, mean.Val4}
	sum := 0.0
	for i := 0; i < channels; i++ {
		sum += vals[i]
	}

	return sum / float64(channels), true
}

// Skip reports whether cur is visually unchanged from prev: their mean
// absolute difference is below threshold. Crops of different geometry never
// skip.
func Skip(prev, cur gocv.Mat, threshold float64) bool {
	diff, ok := MeanAbsDiff(prev, cur)
	if !ok {
		return false
	}
	return diff < threshold
}

// Deduplicator remembers the last processed crop of one camera and reports
// whether a new crop is worth sending for recognition.
type Deduplicator struct {
	threshold float64
	prev      gocv.Mat
	hasPrev   bool
	closed    bool
	mu        sync.Mutex
}

// NewDeduplicator creates a Deduplicator with the given threshold.
// Values less than or equal to 0 fall back to DefaultDedupThreshold.
func NewDeduplicator(threshold float64) *Deduplicator {
	if threshold <= 0 {
		threshold = DefaultDedupThreshold
	}
	return &Deduplicator{
		threshold: threshold,
		prev:      gocv.NewMat(),
	}
}

// Unchanged reports whether crop matches the last processed crop. It does not
// update state; call Remember once the crop has actually been processed.
func (d *Deduplicator) Unchanged(crop gocv.Mat) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed || !d.hasPrev {
		return false
	}
	return Skip(d.prev, crop, d.threshold)
}

// Remember stores a copy of crop as the last processed crop.
func (d *Deduplicator) Remember(crop gocv.Mat) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	crop.CopyTo(&d.prev)
	d.hasPrev = !d.prev.Empty()
}

// Threshold returns the configured threshold.
func (d *Deduplicator) Threshold() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.threshold
}

// Reset forgets the last processed crop.
func (d *Deduplicator) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.closed && !d.prev.Empty() {
		d.prev.Close()
		d.prev = gocv.NewMat()
	}
	d.hasPrev = false
}

// Close releases the stored crop. Safe to call more than once.
func (d *Deduplicator) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.closed = true
	d.hasPrev = false
	d.prev.Close()
}
