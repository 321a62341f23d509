package analytics

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/blackcoderx/forge/pkg/model"
)

func TestSketch_QuantilesWithinAccuracy(t *testing.T) {
	s := NewSketch(0.01, 0)
	values := make([]float64, 0, 10000)
	for i := 1; i <= 10000; i++ {
		values = append(values, float64(i))
	}
	rng := rand.New(rand.NewSource(7))
	rng.Shuffle(len(values), func(i, j int) { values[i], values[j] = values[j], values[i] })
	for _, v := range values {
		s.Add(v)
	}

	require.Equal(t, uint64(10000), s.Count())
	assert.InEpsilon(t, 5000.0, s.Quantile(0.50), 0.02)
	assert.InEpsilon(t, 9500.0, s.Quantile(0.95), 0.02)
	assert.InEpsilon(t, 9900.0, s.Quantile(0.99), 0.02)
	assert.Equal(t, 1.0, s.Quantile(0))
	assert.Equal(t, 10000.0, s.Quantile(1))
}

func TestSketch_Zeros(t *testing.T) {
	s := NewSketch(0.01, 0)
	assert.Equal(t, 0.0, s.Quantile(0.5))
	s.Add(0)
	s.Add(-3)
	s.Add(10)
	assert.Equal(t, 0.0, s.Quantile(0.5))
	assert.Equal(t, 10.0, s.Quantile(1))
}

func TestSketch_BinCapCollapsesLowBins(t *testing.T) {
	s := NewSketch(0.01, 16)
	for i := 0; i < 2000; i++ {
		s.Add(float64(1 + i*i))
	}
	assert.LessOrEqual(t, s.bins(), 16)
	assert.Equal(t, uint64(2000), s.Count())
	// high quantiles stay accurate
	assert.InEpsilon(t, float64(1+1979*1979), s.Quantile(0.99), 0.05)
}

func TestSketch_Merge(t *testing.T) {
	a, b := NewSketch(0.01, 0), NewSketch(0.01, 0)
	for i := 1; i <= 100; i++ {
		a.Add(float64(i))
		b.Add(float64(i + 100))
	}
	require.NoError(t, a.Merge(b))
	assert.Equal(t, uint64(200), a.Count())
	assert.InEpsilon(t, 100.0, a.Quantile(0.5), 0.02)

	assert.ErrorIs(t, a.Merge(withOne(NewSketch(0.05, 0))), ErrIncompatibleSketch)
}

func withOne(s *Sketch) *Sketch {
	s.Add(1)
	return s
}

func result(id string, ts time.Time, latency int64, status int, test model.TestStatus) model.ExecutionResult {
	return model.ExecutionResult{RequestID: id, Timestamp: ts, LatencyMs: latency, StatusCode: status, TestStatus: test}
}

func TestRecorder_QueryWindows(t *testing.T) {
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	r := NewRecorder(Options{Window: 24 * time.Hour})

	r.Record(result("users", day.Add(time.Hour), 100, 200, model.TestPass))
	r.Record(result("users", day.Add(2*time.Hour), 300, 200, model.TestFail))
	r.Record(result("users", day.Add(25*time.Hour), 50, 200, model.TestPass))
	r.Record(result("other", day.Add(time.Hour), 1, 200, model.TestPass))

	first := r.Query("users", day, day.Add(24*time.Hour))
	assert.Equal(t, int64(2), first.Count)
	assert.Equal(t, int64(1), first.SuccessCount)
	assert.Equal(t, int64(1), first.FailureCount)
	assert.InDelta(t, 0.5, first.SuccessRate, 1e-9)

	all := r.Query("users", time.Time{}, day.Add(72*time.Hour))
	assert.Equal(t, int64(3), all.Count)
	assert.InEpsilon(t, 100.0, all.P50, 0.02)

	none := r.Query("missing", day, day.Add(time.Hour))
	assert.Zero(t, none.Count)
	assert.Zero(t, none.SuccessRate)

	assert.Equal(t, []string{"other", "users"}, r.Requests())
}

func TestRecorder_SuccessRules(t *testing.T) {
	now := time.Now()
	r := NewRecorder(Options{})

	r.Record(result("x", now, 10, 200, model.TestNoAssertions))
	r.Record(result("x", now, 10, 404, model.TestNoAssertions))
	r.Record(model.ExecutionResult{RequestID: "x", Timestamp: now, ErrorKind: "timeout", TestStatus: model.TestError, LatencyMs: 30000})

	rollup := r.Query("x", time.Time{}, now.Add(time.Hour))
	assert.Equal(t, int64(3), rollup.Count)
	assert.Equal(t, int64(1), rollup.SuccessCount)
	assert.Equal(t, int64(2), rollup.FailureCount)
	// network errors do not contribute latency
	assert.InEpsilon(t, 10.0, rollup.P99, 0.02)
}

func TestRecorder_Prune(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	r := NewRecorder(Options{Window: time.Hour, Retention: 24 * time.Hour, Now: func() time.Time { return now }})

	r.Record(result("x", now.Add(-48*time.Hour), 10, 200, model.TestPass))
	r.Record(result("x", now.Add(-time.Hour), 10, 200, model.TestPass))

	// the first Record already pruned once; nothing is left to remove
	assert.Equal(t, 0, r.Prune(now))
	assert.Equal(t, int64(1), r.Query("x", time.Time{}, now).Count)

	r.Record(result("y", now.Add(-30*time.Hour), 10, 200, model.TestPass))
	assert.Equal(t, 1, r.Prune(now))
	assert.Equal(t, []string{"x"}, r.Requests())
}

func TestRecorder_ConcurrentRecord(t *testing.T) {
	defer goleak.VerifyNone(t)

	now := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	r := NewRecorder(Options{Now: func() time.Time { return now }})

	const workers, perWorker = 8, 500
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				r.Record(result("hot", now, int64(1+i), 200, model.TestPass))
				if i%50 == 0 {
					r.Query("hot", time.Time{}, now.Add(time.Hour))
				}
			}
		}(w)
	}
	wg.Wait()

	rollup := r.Query("hot", time.Time{}, now.Add(time.Hour))
	assert.Equal(t, int64(workers*perWorker), rollup.Count)
	assert.Equal(t, int64(workers*perWorker), rollup.SuccessCount)
	assert.InEpsilon(t, 250.0, rollup.P50, 0.03)
}

func TestRecorder_Replay(t *testing.T) {
	now := time.Now()
	r := NewRecorder(Options{})
	r.Replay([]model.ExecutionResult{
		result("a", now, 5, 200, model.TestPass),
		result("a", now, 7, 200, model.TestPass),
	})
	assert.Equal(t, int64(2), r.Query("a", time.Time{}, now.Add(time.Minute)).Count)
}
