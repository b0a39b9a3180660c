package ctclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	ct "github.com/google/certificate-transparency-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/bl4ck0w1/ctharvest/internal/worker/proxy"
	"github.com/bl4ck0w1/ctharvest/pkg/utils"
)

// ErrPermanent marks a CT log response that will not improve with
// retries (4xx other than 429). The caller abandons the range and
// reports it to the manager.
var ErrPermanent = errors.New("permanent fetch error")

type Config struct {
	// Timeout bounds one get-entries request.
	Timeout time.Duration
	// RetryCap is how many transient failures are retried before the
	// call gives up.
	RetryCap int
	// BackoffBase / BackoffCap shape the full-jitter retry delay.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// RequestsPerSecond throttles fetches against one client. Zero
	// disables throttling.
	RequestsPerSecond float64
	UserAgent         string
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RetryCap <= 0 {
		c.RetryCap = 8
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 60 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "ctharvest-worker/1.0"
	}
	return c
}

// Client fetches CT v1 get-entries over a pooled, HTTP/2-enabled
// keep-alive connection. Each worker thread owns one Client and closes
// it at thread exit; sharing across threads is not supported.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *logrus.Logger
}

func New(cfg Config, rotator *proxy.Rotator, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	cfg = cfg.withDefaults()

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     100,
		IdleConnTimeout:     90 * time.Second,
	}
	if !rotator.Empty() {
		rotator.Apply(transport)
	}

	c := &Client{
		cfg:    cfg,
		logger: logger,
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return c
}

// GetEntries fetches log entries for the inclusive index window
// [start, end]. The log may return fewer entries than requested;
// callers advance their cursor by what actually arrived. Transient
// failures (429, 5xx, network errors) are retried with full-jitter
// exponential backoff up to the retry cap; other 4xx responses return
// ErrPermanent.
func (c *Client) GetEntries(ctx context.Context, logURL string, start, end int64) ([]ct.LeafEntry, error) {
	url := fmt.Sprintf("%s/ct/v1/get-entries?start=%d&end=%d", strings.TrimSuffix(logURL, "/"), start, end)

	var lastErr error
	for attempt := 0; attempt <= c.cfg.RetryCap; attempt++ {
		if attempt > 0 {
			delay := utils.BackoffWithJitter(c.cfg.BackoffBase, c.cfg.BackoffCap, attempt-1)
			if retryAfter := retryAfterOf(lastErr); retryAfter > delay {
				delay = retryAfter
			}
			if !utils.SleepWithContext(ctx, delay) {
				return nil, ctx.Err()
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		entries, err := c.getOnce(ctx, url)
		if err == nil {
			return entries, nil
		}
		if errors.Is(err, ErrPermanent) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		lastErr = err
		c.logger.WithFields(logrus.Fields{
			"url":     url,
			"attempt": attempt,
		}).Debugf("transient fetch failure: %v", err)
	}
	return nil, fmt.Errorf("fetch %s: retry budget exhausted: %w", url, lastErr)
}

// transientError carries the server's Retry-After hint through the
// retry loop.
type transientError struct {
	status     int
	retryAfter time.Duration
}

func (e *transientError) Error() string {
	return fmt.Sprintf("transient status %d", e.status)
}

func retryAfterOf(err error) time.Duration {
	var te *transientError
	if errors.As(err, &te) {
		return te.retryAfter
	}
	return 0
}

func (c *Client) getOnce(ctx context.Context, url string) ([]ct.LeafEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &transientError{
			status:     resp.StatusCode,
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrPermanent, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed ct.GetEntriesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode get-entries response: %w", err)
	}
	return parsed.Entries, nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// Close releases pooled connections. Deterministic shutdown matters
// when threads are created and torn down per assignment.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}
