// Package analytics aggregates execution results into time-bucketed rollups.
package analytics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/blackcoderx/forge/pkg/logging"
	"github.com/blackcoderx/forge/pkg/model"
)

// Options configures a Recorder.
type Options struct {
	Window    time.Duration // bucket width, default 24h
	Retention time.Duration // buckets older than this are dropped, zero keeps everything
	Accuracy  float64       // sketch relative accuracy, default 0.01
	MaxBins   int           // sketch bin cap, default 2048
	Now       func() time.Time
	Logger    *zap.Logger
}

// bucket is one fixed window for one request. Counters are atomic; the
// sketch has its own lock so readers never block writers on other buckets.
type bucket struct {
	start   time.Time
	count   atomic.Int64
	success atomic.Int64
	failure atomic.Int64

	mu     sync.Mutex
	sketch *Sketch
}

// Recorder records execution results and answers rollup queries.
// Record and Query are safe for concurrent use.
type Recorder struct {
	opts Options
	log  *zap.Logger

	mu        sync.RWMutex
	buckets   map[string]map[int64]*bucket // request id -> window start (unix nanos)
	lastPrune time.Time
}

// NewRecorder creates a Recorder.
func NewRecorder(opts Options) *Recorder {
	if opts.Window <= 0 {
		opts.Window = 24 * time.Hour
	}
	if opts.Accuracy <= 0 || opts.Accuracy >= 1 {
		opts.Accuracy = 0.01
	}
	if opts.MaxBins <= 0 {
		opts.MaxBins = 2048
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Recorder{
		opts:    opts,
		log:     logging.OrNop(opts.Logger),
		buckets: make(map[string]map[int64]*bucket),
	}
}

// Window returns the bucket width.
func (r *Recorder) Window() time.Duration { return r.opts.Window }

// Record adds res to its bucket. It never fails.
func (r *Recorder) Record(res model.ExecutionResult) {
	ts := res.Timestamp
	if ts.IsZero() {
		ts = r.opts.Now()
	}
	b := r.bucketFor(res.RequestID, ts)

	b.count.Add(1)
	if res.Succeeded() {
		b.success.Add(1)
	} else {
		b.failure.Add(1)
	}

	// only calls that produced a response have a meaningful latency
	if res.ErrorKind == "" {
		b.mu.Lock()
		b.sketch.Add(float64(res.LatencyMs))
		b.mu.Unlock()
	}

	r.maybePrune()
}

// Replay records every result, typically from a result store on startup.
func (r *Recorder) Replay(results []model.ExecutionResult) {
	for _, res := range results {
		r.Record(res)
	}
	r.log.Info("analytics warmed", zap.Int("results", len(results)))
}

func (r *Recorder) bucketFor(requestID string, ts time.Time) *bucket {
	start := ts.UTC().Truncate(r.opts.Window)
	key := start.UnixNano()

	r.mu.RLock()
	b, ok := r.buckets[requestID][key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	byStart, ok := r.buckets[requestID]
	if !ok {
		byStart = make(map[int64]*bucket)
		r.buckets[requestID] = byStart
	}
	if b, ok := byStart[key]; ok {
		return b
	}
	b = &bucket{start: start, sketch: NewSketch(r.opts.Accuracy, r.opts.MaxBins)}
	byStart[key] = b
	return b
}

// Query merges every bucket of requestID that overlaps [start, end).
// A zero start means the beginning of time; a zero end means now.
func (r *Recorder) Query(requestID string, start, end time.Time) model.Rollup {
	if end.IsZero() {
		end = r.opts.Now()
	}
	rollup := model.Rollup{RequestID: requestID, Start: start, End: end}

	r.mu.RLock()
	var matched []*bucket
	for _, b := range r.buckets[requestID] {
		bEnd := b.start.Add(r.opts.Window)
		if b.start.Before(end) && (start.IsZero() || bEnd.After(start)) {
			matched = append(matched, b)
		}
	}
	r.mu.RUnlock()

	merged := NewSketch(r.opts.Accuracy, r.opts.MaxBins)
	for _, b := range matched {
		rollup.Count += b.count.Load()
		rollup.SuccessCount += b.success.Load()
		rollup.FailureCount += b.failure.Load()

		b.mu.Lock()
		err := merged.Merge(b.sketch)
		b.mu.Unlock()
		if err != nil {
			r.log.Warn("skipping incompatible sketch", zap.String("request_id", requestID), zap.Error(err))
		}
	}

	if rollup.Count > 0 {
		rollup.SuccessRate = float64(rollup.SuccessCount) / float64(rollup.Count)
	}
	rollup.P50 = merged.Quantile(0.50)
	rollup.P95 = merged.Quantile(0.95)
	rollup.P99 = merged.Quantile(0.99)
	return rollup
}

// Requests returns the ids of every request with recorded results, sorted.
func (r *Recorder) Requests() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.buckets))
	for id := range r.buckets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// maybePrune runs Prune at most once per window.
func (r *Recorder) maybePrune() {
	if r.opts.Retention <= 0 {
		return
	}
	now := r.opts.Now()
	r.mu.RLock()
	due := now.Sub(r.lastPrune) >= r.opts.Window
	r.mu.RUnlock()
	if due {
		r.Prune(now)
	}
}

// Prune drops buckets that ended before now minus the retention period and
// returns how many were removed.
func (r *Recorder) Prune(now time.Time) int {
	if r.opts.Retention <= 0 {
		return 0
	}
	cutoff := now.Add(-r.opts.Retention)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastPrune = now
	removed := 0
	for id, byStart := range r.buckets {
		for key, b := range byStart {
			if b.start.Add(r.opts.Window).Before(cutoff) {
				delete(byStart, key)
				removed++
			}
		}
		if len(byStart) == 0 {
			delete(r.buckets, id)
		}
	}
	if removed > 0 {
		r.log.Debug("pruned analytics buckets", zap.Int("removed", removed))
	}
	return removed
}
