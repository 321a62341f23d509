package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// BenchInput configures a load run against one saved request.
type BenchInput struct {
	RequestID     string            `json:"-"`
	Environment   string            `json:"environment,omitempty"`
	Overrides     map[string]string `json:"overrides,omitempty"`
	Duration      time.Duration     `json:"duration"`
	RPS           int               `json:"rps"`
	Users         int               `json:"users"`
	RampUp        time.Duration     `json:"ramp_up"`
	Timeout       time.Duration     `json:"-"`
	CorrelationID string            `json:"-"`
}

func (in *BenchInput) validate() error {
	switch {
	case in.Duration <= 0:
		return fmt.Errorf("%w: duration must be greater than 0", ErrInvalidInput)
	case in.RPS <= 0:
		return fmt.Errorf("%w: rps must be greater than 0", ErrInvalidInput)
	case in.Users <= 0:
		return fmt.Errorf("%w: users must be greater than 0", ErrInvalidInput)
	case in.RampUp < 0:
		return fmt.Errorf("%w: ramp up cannot be negative", ErrInvalidInput)
	}
	return nil
}

// BenchResult summarizes a load run.
type BenchResult struct {
	CorrelationID string        `json:"correlation_id"`
	Total         int64         `json:"total_requests"`
	Succeeded     int64         `json:"succeeded"`
	Failed        int64         `json:"failed"`
	NetworkErrors int64         `json:"network_errors"`
	Duration      time.Duration `json:"duration"`
	Throughput    float64       `json:"throughput_rps"`
	ErrorRate     float64       `json:"error_rate_percent"`
	Min           time.Duration `json:"min_latency"`
	Avg           time.Duration `json:"avg_latency"`
	P50           time.Duration `json:"p50_latency"`
	P95           time.Duration `json:"p95_latency"`
	P99           time.Duration `json:"p99_latency"`
	Max           time.Duration `json:"max_latency"`
	StatusCodes   map[int]int64 `json:"status_codes"`
}

// Bench sends the request from Users workers for Duration, shared across a
// rate limit of RPS. Workers start staggered over RampUp. Every call goes
// through the execute path, so the run feeds analytics and the result store.
func (s *Service) Bench(ctx context.Context, in BenchInput) (*BenchResult, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	cid := correlationID(in.CorrelationID)
	def, err := s.definition(ctx, in.RequestID)
	if err != nil {
		return nil, err
	}
	call, err := s.prepare(ctx, def, in.Environment, in.Overrides)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, in.Duration)
	defer cancel()
	limiter := rate.NewLimiter(rate.Limit(in.RPS), in.RPS)

	var (
		mu        sync.Mutex
		latencies []time.Duration
		res       = &BenchResult{CorrelationID: cid, StatusCodes: map[int]int64{}}
	)

	g, gctx := errgroup.WithContext(runCtx)
	start := time.Now()
	for i := 0; i < in.Users; i++ {
		delay := time.Duration(int64(in.RampUp) * int64(i) / int64(in.Users))
		g.Go(func() error {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-gctx.Done():
					return nil
				}
			}
			for {
				if err := limiter.Wait(gctx); err != nil {
					return nil
				}
				// in-flight calls outlive the run deadline, bounded by their own timeout
				out, err := s.execute(ctx, call, in.Timeout, cid)
				if err != nil {
					return err
				}

				mu.Lock()
				res.Total++
				if out.Failed() {
					res.Failed++
				} else {
					res.Succeeded++
				}
				if out.ErrorKind != "" {
					res.NetworkErrors++
				} else {
					res.StatusCodes[out.StatusCode]++
					latencies = append(latencies, time.Duration(out.LatencyMs)*time.Millisecond)
				}
				mu.Unlock()
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res.Duration = time.Since(start)
	if res.Total > 0 {
		res.Throughput = float64(res.Total) / res.Duration.Seconds()
		res.ErrorRate = float64(res.Failed) / float64(res.Total) * 100
	}
	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		res.Min = latencies[0]
		res.Max = latencies[len(latencies)-1]
		res.P50 = latencies[percentileIndex(len(latencies), 50)]
		res.P95 = latencies[percentileIndex(len(latencies), 95)]
		res.P99 = latencies[percentileIndex(len(latencies), 99)]
		var sum time.Duration
		for _, l := range latencies {
			sum += l
		}
		res.Avg = sum / time.Duration(len(latencies))
	}

	s.log.Info("bench finished",
		zap.String("request", def.ID),
		zap.Int64("total", res.Total),
		zap.Float64("error_rate", res.ErrorRate),
		zap.String("correlation_id", cid))
	return res, nil
}

// percentileIndex is the nearest-rank index for percentile p of n sorted samples.
func percentileIndex(n, p int) int {
	if n == 0 {
		return 0
	}
	i := int(math.Ceil(float64(n)*float64(p)/100.0)) - 1
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
