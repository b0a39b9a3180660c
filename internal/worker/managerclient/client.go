package managerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bl4ck0w1/ctharvest/pkg/models"
)

var (
	// ErrNoWork means the manager had nothing to hand out for the
	// requested category.
	ErrNoWork = errors.New("manager has no work for category")
	// ErrRejected marks a non-2xx manager response. Upload batches
	// that hit this are spooled locally.
	ErrRejected = errors.New("manager rejected request")
	// ErrUnreachable marks transport-level failures talking to the
	// manager. Sustained unreachability ends the worker with exit
	// code 2.
	ErrUnreachable = errors.New("manager unreachable")
)

type Config struct {
	BaseURL string
	// ControlTimeout bounds acquire/heartbeat/complete/resume/error
	// calls; UploadTimeout bounds upload posts.
	ControlTimeout time.Duration
	UploadTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.ControlTimeout <= 0 {
		c.ControlTimeout = 10 * time.Second
	}
	if c.UploadTimeout <= 0 {
		c.UploadTimeout = 15 * time.Second
	}
	return c
}

// Client is the worker's typed view of the manager control API.
type Client struct {
	cfg     Config
	base    string
	control *http.Client
	upload  *http.Client
	logger  *logrus.Logger
}

func New(cfg Config, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	cfg = cfg.withDefaults()
	return &Client{
		cfg:     cfg,
		base:    strings.TrimSuffix(cfg.BaseURL, "/"),
		control: &http.Client{Timeout: cfg.ControlTimeout},
		upload:  &http.Client{Timeout: cfg.UploadTimeout},
		logger:  logger,
	}
}

func (c *Client) post(ctx context.Context, client *http.Client, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("%w: %s: status %d: %s", ErrRejected, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Acquire asks for a job range. ErrNoWork when the category is
// saturated or empty.
func (c *Client) Acquire(ctx context.Context, workerName, category string) (*models.AcquireResponse, error) {
	var resp models.AcquireResponse
	err := c.post(ctx, c.control, "/api/worker/acquire", models.AcquireRequest{
		WorkerName: workerName,
		Category:   category,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.None {
		return nil, ErrNoWork
	}
	return &resp, nil
}

func (c *Client) Heartbeat(ctx context.Context, req models.HeartbeatRequest) error {
	return c.post(ctx, c.control, "/api/worker/heartbeat", req, nil)
}

// Upload posts one batch (at most 32 records) and returns the
// manager's partial-success counts.
func (c *Client) Upload(ctx context.Context, items []models.UploadItem) (*models.UploadResponse, error) {
	var resp models.UploadResponse
	if err := c.post(ctx, c.upload, "/api/worker/upload", items, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Complete(ctx context.Context, workerName, logName string, start int64) error {
	return c.post(ctx, c.control, "/api/worker/complete", models.CompleteRequest{
		WorkerName: workerName,
		LogName:    logName,
		Start:      start,
	}, nil)
}

func (c *Client) Resume(ctx context.Context, workerName, logName string, start, current int64) error {
	return c.post(ctx, c.control, "/api/worker/resume", models.ResumeRequest{
		WorkerName: workerName,
		LogName:    logName,
		Start:      start,
		Current:    current,
	}, nil)
}

func (c *Client) ReportError(ctx context.Context, report models.ErrorReport) error {
	return c.post(ctx, c.control, "/api/worker/error", report, nil)
}

func (c *Client) CacheStats(ctx context.Context) (*models.CacheStats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/cache/stats", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.control.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: cache stats: status %d", ErrRejected, resp.StatusCode)
	}
	var out models.CacheStatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out.CacheStats, nil
}
