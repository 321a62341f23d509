// Package server exposes the service operations over HTTP. It is the only
// place where errors are mapped to status codes.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/blackcoderx/forge/pkg/logging"
	"github.com/blackcoderx/forge/pkg/service"
)

// CorrelationHeader carries the correlation id in and out.
const CorrelationHeader = "X-Correlation-ID"

const (
	keyCorrelation = "correlation_id"
	keyPrincipal   = "principal"
)

// Options configures a Server.
type Options struct {
	Auth   Authenticator // nil accepts everyone
	CORS   bool
	Logger *zap.Logger
}

// Server routes HTTP calls to a Service.
type Server struct {
	svc    *service.Service
	auth   Authenticator
	log    *zap.Logger
	engine *gin.Engine
}

// New builds the router.
func New(svc *service.Service, opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)
	if opts.Auth == nil {
		opts.Auth = AnonymousAuth{}
	}
	s := &Server{
		svc:    svc,
		auth:   opts.Auth,
		log:    logging.OrNop(opts.Logger),
		engine: gin.New(),
	}

	r := s.engine
	r.Use(gin.Recovery(), s.correlation(), s.accessLog())
	if opts.CORS {
		cfg := cors.DefaultConfig()
		cfg.AllowAllOrigins = true
		cfg.AllowHeaders = append(cfg.AllowHeaders, "Authorization", CorrelationHeader)
		cfg.ExposeHeaders = []string{CorrelationHeader}
		r.Use(cors.New(cfg))
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "templates": s.svc.Registry().Current().Version.String()})
	})

	v1 := r.Group("/v1", s.authenticate())
	{
		v1.POST("/requests/:id/execute", s.execute)
		v1.POST("/requests/:id/implementations/:language/:component", s.generate)
		v1.POST("/requests/:id/implementations/:language/:component/test", s.test)
		v1.GET("/requests/:id/analytics", s.analytics)
		v1.POST("/requests/:id/bench", s.bench)
		v1.POST("/admin/templates/reload", s.reload)
	}
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) correlation() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(CorrelationHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(keyCorrelation, id)
		c.Header(CorrelationHeader, id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("correlation_id", c.GetString(keyCorrelation)))
	}
}

func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := s.auth.Authenticate(c.Request)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.Set(keyPrincipal, p)
		c.Next()
	}
}

// fail writes err with its mapped status and aborts the chain.
func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.Error(err),
			zap.String("path", c.FullPath()),
			zap.String("correlation_id", c.GetString(keyCorrelation)))
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error":          err.Error(),
		"correlation_id": c.GetString(keyCorrelation),
	})
}
