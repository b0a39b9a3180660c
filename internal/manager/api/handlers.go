package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bl4ck0w1/ctharvest/internal/manager/coordinator"
	"github.com/bl4ck0w1/ctharvest/internal/manager/store"
	"github.com/bl4ck0w1/ctharvest/pkg/models"
)

func (s *Server) handleAcquire(c *gin.Context) {
	var req models.AcquireRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	}

	a, err := s.coord.Acquire(req.WorkerName, req.Category)
	if errors.Is(err, coordinator.ErrNoWork) {
		s.metrics.IncCounter("ctharvest_acquires_total", 1, prometheus.Labels{"result": "none"})
		c.JSON(http.StatusOK, models.AcquireResponse{None: true})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: err.Error()})
		return
	}

	s.metrics.IncCounter("ctharvest_acquires_total", 1, prometheus.Labels{"result": "assigned"})
	c.JSON(http.StatusOK, models.AcquireResponse{
		LogName: a.Range.LogName,
		LogURL:  a.Log.LogURL,
		Start:   a.Range.Start,
		End:     a.Range.End,
		Current: a.Range.Current,
	})
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	var req models.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	}

	err := s.coord.Heartbeat(req.WorkerName, req.LogName, req.Start, req.Current, req.LastUploadedIndex)
	if err != nil {
		s.writeCoordinatorError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.OKResponse{OK: true})
}

func (s *Server) handleUpload(c *gin.Context) {
	var items []models.UploadItem
	if err := c.ShouldBindJSON(&items); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	}
	if len(items) > s.cfg.BatchLimit {
		c.JSON(http.StatusRequestEntityTooLarge, models.ErrorResponse{
			Error: "batch exceeds limit",
		})
		return
	}

	resp := s.ingest.Ingest(c.Request.Context(), items)

	s.metrics.IncCounter("ctharvest_uploads_total", 1, prometheus.Labels{"result": "ok"})
	s.metrics.IncCounter("ctharvest_certs_total", float64(resp.Inserted), prometheus.Labels{"outcome": "inserted"})
	s.metrics.IncCounter("ctharvest_certs_total", float64(resp.Duplicates), prometheus.Labels{"outcome": "duplicate"})
	s.metrics.IncCounter("ctharvest_certs_total", float64(resp.Failures), prometheus.Labels{"outcome": "failure"})
	s.metrics.SetGauge("ctharvest_cache_size", float64(s.cache.Size()), nil)

	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleComplete(c *gin.Context) {
	var req models.CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	}

	if err := s.coord.Complete(req.WorkerName, req.LogName, req.Start); err != nil {
		s.writeCoordinatorError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.OKResponse{OK: true})
}

func (s *Server) handleResume(c *gin.Context) {
	var req models.ResumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	}

	if err := s.coord.Resume(req.WorkerName, req.LogName, req.Start, req.Current); err != nil {
		s.writeCoordinatorError(c, err)
		return
	}
	c.JSON(http.StatusOK, models.OKResponse{OK: true})
}

// handleError records a worker-reported permanent failure: the range
// is marked FAILED and the report is appended to a local JSON-lines
// file for the operator.
func (s *Server) handleError(c *gin.Context) {
	var req models.ErrorReport
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error()})
		return
	}

	s.metrics.IncCounter("ctharvest_worker_errors_total", 1, nil)

	if req.LogName != "" {
		if err := s.coord.Fail(req.WorkerName, req.LogName, req.Start, req.Message); err != nil {
			s.logger.Warnf("mark range failed (%s/%d): %v", req.LogName, req.Start, err)
		}
	}
	s.appendErrorReport(req)
	c.JSON(http.StatusOK, models.OKResponse{OK: true})
}

func (s *Server) appendErrorReport(report models.ErrorReport) {
	f, err := os.OpenFile(s.cfg.ErrorLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		s.logger.Errorf("open worker error log: %v", err)
		return
	}
	defer f.Close()

	line, err := json.Marshal(struct {
		models.ErrorReport
		ReceivedAt time.Time `json:"received_at"`
	}{report, time.Now().UTC()})
	if err != nil {
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		s.logger.Errorf("write worker error log: %v", err)
	}
}

func (s *Server) handleCacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, models.CacheStatsResponse{CacheStats: s.cache.Stats()})
}

func (s *Server) handleCacheClear(c *gin.Context) {
	if s.cfg.AdminToken == "" || c.GetHeader("X-Admin-Token") != s.cfg.AdminToken {
		c.JSON(http.StatusForbidden, models.ErrorResponse{Error: "forbidden"})
		return
	}
	s.cache.Clear()
	c.JSON(http.StatusOK, models.OKResponse{OK: true})
}

func (s *Server) writeCoordinatorError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, coordinator.ErrNotOwner):
		c.JSON(http.StatusConflict, models.ErrorResponse{Error: err.Error()})
	case errors.Is(err, coordinator.ErrNotComplete):
		c.JSON(http.StatusConflict, models.ErrorResponse{Error: err.Error()})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: err.Error()})
	}
}
