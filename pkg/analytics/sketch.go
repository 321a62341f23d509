package analytics

import (
	"errors"
	"math"

	"github.com/DataDog/sketches-go/ddsketch"
)

// ErrIncompatibleSketch is returned when merging sketches with different accuracy.
var ErrIncompatibleSketch = errors.New("sketches have different relative accuracy")

// Sketch is a relative-error quantile sketch over non-negative latencies. It
// wraps a DDSketch whose lowest bins collapse once maxBins is reached, so only
// the smallest values lose accuracy. Min and max are tracked exactly. A Sketch
// is not safe for concurrent use.
type Sketch struct {
	alpha float64
	dd    *ddsketch.DDSketch
	count uint64
	min   float64
	max   float64
}

// NewSketch creates a sketch with relative accuracy alpha (0 < alpha < 1) and at most maxBins bins.
func NewSketch(alpha float64, maxBins int) *Sketch {
	if alpha <= 0 || alpha >= 1 {
		alpha = 0.01
	}
	if maxBins <= 0 {
		maxBins = 2048
	}
	// only fails for an accuracy outside (0, 1)
	dd, _ := ddsketch.LogCollapsingLowestDenseDDSketch(alpha, maxBins)
	return &Sketch{alpha: alpha, dd: dd, min: math.Inf(1), max: math.Inf(-1)}
}

// Accuracy returns the configured relative accuracy.
func (s *Sketch) Accuracy() float64 { return s.alpha }

// Count returns the number of values added.
func (s *Sketch) Count() uint64 { return s.count }

// bins returns the number of non-empty bins.
func (s *Sketch) bins() int {
	n := 0
	s.dd.GetPositiveValueStore().ForEach(func(_ int, count float64) bool {
		if count > 0 {
			n++
		}
		return false
	})
	return n
}

// Add records v. Negative and NaN values are treated as zero.
func (s *Sketch) Add(v float64) {
	if math.IsNaN(v) || v < 0 {
		v = 0
	}
	// Add only rejects values beyond the float range, which latencies never reach
	if err := s.dd.Add(v); err != nil {
		return
	}
	s.count++
	s.min = math.Min(s.min, v)
	s.max = math.Max(s.max, v)
}

// Merge adds every value of o into s.
func (s *Sketch) Merge(o *Sketch) error {
	if o == nil || o.count == 0 {
		return nil
	}
	if o.alpha != s.alpha {
		return ErrIncompatibleSketch
	}
	if err := s.dd.MergeWith(o.dd); err != nil {
		return err
	}
	s.count += o.count
	s.min = math.Min(s.min, o.min)
	s.max = math.Max(s.max, o.max)
	return nil
}

// Quantile returns the estimated q-quantile (0 <= q <= 1). An empty sketch returns 0.
func (s *Sketch) Quantile(q float64) float64 {
	switch {
	case s.count == 0:
		return 0
	case q <= 0:
		return s.min
	case q >= 1:
		return s.max
	}
	v, err := s.dd.GetValueAtQuantile(q)
	if err != nil {
		return 0
	}
	return math.Min(math.Max(v, s.min), s.max)
}
