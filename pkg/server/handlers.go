package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/blackcoderx/forge/pkg/model"
	"github.com/blackcoderx/forge/pkg/service"
)

type executeBody struct {
	Environment string            `json:"environment"`
	Overrides   map[string]string `json:"overrides"`
	TimeoutMs   int64             `json:"timeout_ms"`
}

type generateBody struct {
	Mode        model.Mode        `json:"mode"`
	Environment string            `json:"environment"`
	Overrides   map[string]string `json:"overrides"`
}

type benchBody struct {
	Environment     string            `json:"environment"`
	Overrides       map[string]string `json:"overrides"`
	DurationSeconds int               `json:"duration_seconds"`
	RPS             int               `json:"requests_per_second"`
	Users           int               `json:"concurrent_users"`
	RampUpSeconds   int               `json:"ramp_up_seconds"`
}

// bind decodes an optional JSON body into v. A chunked request has an unknown
// length, so an empty body shows up as io.EOF from the decoder.
func bind(c *gin.Context, v any) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: %v", service.ErrInvalidInput, err)
	}
	return nil
}

func (s *Server) execute(c *gin.Context) {
	var body executeBody
	if err := bind(c, &body); err != nil {
		s.fail(c, err)
		return
	}
	out, err := s.svc.ExecuteRequest(c.Request.Context(), service.ExecuteInput{
		RequestID:     c.Param("id"),
		Overrides:     body.Overrides,
		Environment:   body.Environment,
		Timeout:       time.Duration(body.TimeoutMs) * time.Millisecond,
		CorrelationID: c.GetString(keyCorrelation),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) generate(c *gin.Context) {
	var body generateBody
	if err := bind(c, &body); err != nil {
		s.fail(c, err)
		return
	}
	out, err := s.svc.GenerateImplementation(c.Request.Context(), service.GenerateInput{
		RequestID:     c.Param("id"),
		Language:      c.Param("language"),
		Component:     c.Param("component"),
		Mode:          body.Mode,
		Environment:   body.Environment,
		Overrides:     body.Overrides,
		CorrelationID: c.GetString(keyCorrelation),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) test(c *gin.Context) {
	var body generateBody
	if err := bind(c, &body); err != nil {
		s.fail(c, err)
		return
	}
	out, err := s.svc.TestImplementation(c.Request.Context(), service.TestInput{
		RequestID:     c.Param("id"),
		Language:      c.Param("language"),
		Component:     c.Param("component"),
		Environment:   body.Environment,
		Overrides:     body.Overrides,
		CorrelationID: c.GetString(keyCorrelation),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) analytics(c *gin.Context) {
	start, err := parseTime(c.Query("start"))
	if err != nil {
		s.fail(c, err)
		return
	}
	end, err := parseTime(c.Query("end"))
	if err != nil {
		s.fail(c, err)
		return
	}
	rollup, err := s.svc.GetAnalytics(c.Request.Context(), c.Param("id"), start, end)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"request_id":     rollup.RequestID,
		"start":          rollup.Start,
		"end":            rollup.End,
		"count":          rollup.Count,
		"success_rate":   rollup.SuccessRate,
		"p50_ms":         rollup.P50,
		"p95_ms":         rollup.P95,
		"p99_ms":         rollup.P99,
		"correlation_id": c.GetString(keyCorrelation),
	})
}

func (s *Server) bench(c *gin.Context) {
	var body benchBody
	if err := bind(c, &body); err != nil {
		s.fail(c, err)
		return
	}
	res, err := s.svc.Bench(c.Request.Context(), service.BenchInput{
		RequestID:     c.Param("id"),
		Environment:   body.Environment,
		Overrides:     body.Overrides,
		Duration:      time.Duration(body.DurationSeconds) * time.Second,
		RPS:           body.RPS,
		Users:         body.Users,
		RampUp:        time.Duration(body.RampUpSeconds) * time.Second,
		CorrelationID: c.GetString(keyCorrelation),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) reload(c *gin.Context) {
	if err := s.svc.ReloadTemplates(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         "reloaded",
		"version":        s.svc.Registry().Current().Version.String(),
		"correlation_id": c.GetString(keyCorrelation),
	})
}

// parseTime accepts RFC 3339 or unix seconds. Empty means unset.
func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(sec, 0), nil
	}
	return time.Time{}, fmt.Errorf("%w: bad time %q (use RFC 3339 or unix seconds)", service.ErrInvalidInput, v)
}
