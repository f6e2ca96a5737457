// File: internal/relay/server.go
package relay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dakbox/dakbox-cli/api/schemas"
	"github.com/dakbox/dakbox-cli/internal/config"
	"github.com/dakbox/dakbox-cli/internal/observability"
)

const (
	// RelayPath is the endpoint relay requests are posted to.
	RelayPath = "/v1/relay"

	maxBodyBytes    = 1 << 20
	shutdownTimeout = 10 * time.Second
)

// Server exposes a Dispatcher over HTTP.
type Server struct {
	cfg        config.RelayConfig
	metricsCfg config.MetricsConfig
	dispatcher *Dispatcher
	metrics    *observability.Metrics
	logger     *zap.Logger
	router     *gin.Engine

	ready chan net.Addr
}

// NewServer builds the HTTP surface. metrics may be nil, which also disables the metrics route.
func NewServer(cfg config.RelayConfig, metricsCfg config.MetricsConfig, d *Dispatcher, metrics *observability.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:        cfg,
		metricsCfg: metricsCfg,
		dispatcher: d,
		metrics:    metrics,
		logger:     logger.Named("relay_server"),
		ready:      make(chan net.Addr, 1),
	}
	s.router = s.routes()
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Ready yields the bound address once Run is listening.
func (s *Server) Ready() <-chan net.Addr { return s.ready }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(s.recovery(), s.requestLogger())

	r.POST(RelayPath, s.handleRelay)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.metrics != nil && s.metricsCfg.Enabled {
		path := s.metricsCfg.Path
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(s.metrics.Handler()))
	}
	return r
}

func (s *Server) handleRelay(c *gin.Context) {
	start := time.Now()
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)

	var req schemas.RelayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.reply(c, "invalid", http.StatusBadRequest, schemas.RelayResponse{Success: false, Error: "malformed request: " + err.Error()}, start)
		return
	}
	resp := s.dispatcher.Dispatch(c.Request.Context(), req)
	s.reply(c, string(req.Action), http.StatusOK, resp, start)
}

func (s *Server) reply(c *gin.Context, action string, status int, resp schemas.RelayResponse, start time.Time) {
	c.JSON(status, resp)
	s.metrics.RecordRelay(action, strconv.Itoa(status), time.Since(start))
}

// -- Middleware --

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("Request served.",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("ip", c.ClientIP()))
	}
}

func (s *Server) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Panic recovered in relay handler.",
					zap.String("path", c.Request.URL.Path),
					zap.Any("panic_reason", r),
					zap.Stack("stack"))
				c.AbortWithStatusJSON(http.StatusInternalServerError, schemas.RelayResponse{Success: false, Error: "internal error"})
			}
		}()
		c.Next()
	}
}

// -- Lifecycle --

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.ready <- ln.Addr()
	s.logger.Info("Relay listening.", zap.String("addr", ln.Addr().String()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("Relay shutdown did not complete cleanly.", zap.Error(err))
		}
		s.logger.Info("Relay stopped.")
		return nil
	})
	return g.Wait()
}
