package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/bl4ck0w1/ctharvest/internal/manager/cache"
	"github.com/bl4ck0w1/ctharvest/internal/manager/coordinator"
	"github.com/bl4ck0w1/ctharvest/internal/manager/ingest"
	"github.com/bl4ck0w1/ctharvest/internal/manager/store"
	"github.com/bl4ck0w1/ctharvest/pkg/utils"
)

type Config struct {
	ListenAddr string
	// BatchLimit caps upload batch length; requests above it get 413.
	BatchLimit int
	// AdminToken guards the privileged cache clear endpoint. Empty
	// disables the endpoint.
	AdminToken string
	// ErrorLogPath is the JSON-lines file worker error reports are
	// appended to.
	ErrorLogPath string
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = ingest.DefaultBatchLimit
	}
	if c.ErrorLogPath == "" {
		c.ErrorLogPath = "worker_errors.log"
	}
	return c
}

// Server is the manager's control surface: the worker coordination
// endpoints, cache introspection, health and metrics.
type Server struct {
	cfg     Config
	coord   *coordinator.Coordinator
	ingest  *ingest.Ingestor
	cache   *cache.FingerprintCache
	store   *store.Store
	metrics *utils.MetricsCollector
	logger  *logrus.Logger

	engine *gin.Engine
	http   *http.Server
}

func NewServer(cfg Config, coord *coordinator.Coordinator, ing *ingest.Ingestor,
	fc *cache.FingerprintCache, st *store.Store, mc *utils.MetricsCollector, logger *logrus.Logger) *Server {

	if logger == nil {
		logger = logrus.New()
	}
	if mc == nil {
		mc = utils.NewMetricsCollector(false)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		cfg:     cfg.withDefaults(),
		coord:   coord,
		ingest:  ing,
		cache:   fc,
		store:   st,
		metrics: mc,
		logger:  logger,
		engine:  engine,
	}
	s.registerMetrics()
	s.routes()
	return s
}

func (s *Server) registerMetrics() {
	_ = s.metrics.RegisterCounter("ctharvest_uploads_total", "Upload batches received", "result")
	_ = s.metrics.RegisterCounter("ctharvest_certs_total", "Certificates by ingestion outcome", "outcome")
	_ = s.metrics.RegisterCounter("ctharvest_acquires_total", "Acquire calls", "result")
	_ = s.metrics.RegisterGauge("ctharvest_cache_size", "Fingerprint cache size")
	_ = s.metrics.RegisterCounter("ctharvest_worker_errors_total", "Worker-reported range errors")
}

func (s *Server) routes() {
	s.engine.Use(s.requestLogger())

	worker := s.engine.Group("/api/worker")
	{
		worker.POST("/acquire", s.handleAcquire)
		worker.POST("/heartbeat", s.handleHeartbeat)
		worker.POST("/upload", s.handleUpload)
		worker.POST("/complete", s.handleComplete)
		worker.POST("/resume", s.handleResume)
		worker.POST("/error", s.handleError)
	}

	s.engine.GET("/api/cache/stats", s.handleCacheStats)
	s.engine.POST("/api/cache/clear", s.handleCacheClear)

	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/healthz" || c.Request.URL.Path == "/metrics" {
			return
		}
		s.logger.WithFields(logrus.Fields{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		}).Debug("request")
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then drains with a short grace
// period.
func (s *Server) Run(ctx context.Context) error {
	s.http = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("manager API listening on %s", s.cfg.ListenAddr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}
