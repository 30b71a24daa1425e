// Package progress maps the two sequential phases of album processing
// (frame extraction, then per-frame conversion) onto a single progress
// value expressed in weighted frame units.
//
// With total frames T and weights we + wc = 1, extraction of c frames is
// worth floor(c*we) units and conversion of i of n frames adds
// floor((i/n)*T*wc) on top of floor(T*we). Completing the conversion phase
// always yields exactly T units, which Percent maps to 100.
package progress

import (
	"errors"
	"math"
	"sync"
)

// epsilon absorbs binary floating error before flooring, so that
// 100*0.4 floors to 40 and not 39.
const epsilon = 1e-9

// ErrInvalidWeights is returned when weights are negative or do not sum to 1.
var ErrInvalidWeights = errors.New("progress: weights must be non-negative and sum to 1")

// Weights splits the overall progress between extraction and conversion.
type Weights struct {
	Extract float64
	Convert float64
}

// DefaultWeights gives 40% to extraction and 60% to conversion.
var DefaultWeights = Weights{Extract: 0.4, Convert: 0.6}

// NewWeights builds Weights from the extraction share alone.
func NewWeights(extract float64) (Weights, error) {
	w := Weights{Extract: extract, Convert: 1 - extract}
	return w, w.Validate()
}

// Validate reports whether the weights form a valid split.
func (w Weights) Validate() error {
	if w.Extract < 0 || w.Convert < 0 || math.IsNaN(w.Extract) || math.IsNaN(w.Convert) {
		return ErrInvalidWeights
	}
	if math.Abs(w.Extract+w.Convert-1) > epsilon {
		return ErrInvalidWeights
	}
	return nil
}

// Extraction returns the weighted units after current of total frames were extracted.
func (w Weights) Extraction(current, total int) int {
	if total <= 0 {
		return 0
	}
	current = clamp(current, 0, total)
	return floor(float64(current) * w.Extract)
}

// Base returns the units credited once extraction has finished.
func (w Weights) Base(total int) int {
	return w.Extraction(total, total)
}

// Conversion returns the weighted units after i of n extracted frames were
// converted, for a video of total frames.
func (w Weights) Conversion(total, i, n int) int {
	if total <= 0 {
		return 0
	}
	base := w.Base(total)
	if n <= 0 {
		return base
	}
	i = clamp(i, 0, n)
	if i == n {
		return total
	}
	share := float64(i) / float64(n) * float64(total) * w.Convert
	return min(base+floor(share), total)
}

// Percent converts weighted units into a 0..100 percentage.
func Percent(units, total int) int {
	if total <= 0 {
		return 0
	}
	return clamp(units*100/total, 0, 100)
}

// Func receives progress updates in weighted units.
type Func func(units, total int)

// Tracker reports weighted progress for one task and never reports a
// value lower than one it already reported. It is safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	weights Weights
	total   int
	last    int
	report  Func
}

// NewTracker creates a Tracker for a video with total frames.
// A nil report function turns the tracker into a no-op sink.
func NewTracker(w Weights, total int, report Func) *Tracker {
	if report == nil {
		report = func(int, int) {}
	}
	return &Tracker{weights: w, total: total, last: -1, report: report}
}

// Total returns the frame total the tracker weighs against.
func (t *Tracker) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// SetTotal replaces the frame total. Used when probing reported no frame
// count and the number of extracted frames is the only reliable figure.
func (t *Tracker) SetTotal(total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total = total
}

// Extracted reports that current frames have been extracted.
func (t *Tracker) Extracted(current int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.emit(t.weights.Extraction(current, t.total))
}

// Converted reports that i of n frames have been converted.
func (t *Tracker) Converted(i, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.emit(t.weights.Conversion(t.total, i, n))
}

// Last returns the highest value reported so far, or -1.
func (t *Tracker) Last() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// emit must be called with mu held.
func (t *Tracker) emit(units int) {
	if units <= t.last {
		return
	}
	t.last = units
	t.report(units, t.total)
}

func floor(v float64) int {
	return int(math.Floor(v + epsilon))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
