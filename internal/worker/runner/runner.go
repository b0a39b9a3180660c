package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	ct "github.com/google/certificate-transparency-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bl4ck0w1/ctharvest/internal/ctparse"
	"github.com/bl4ck0w1/ctharvest/internal/worker/ctclient"
	"github.com/bl4ck0w1/ctharvest/internal/worker/managerclient"
	"github.com/bl4ck0w1/ctharvest/internal/worker/proxy"
	"github.com/bl4ck0w1/ctharvest/internal/worker/spool"
	"github.com/bl4ck0w1/ctharvest/pkg/models"
	"github.com/bl4ck0w1/ctharvest/pkg/utils"
)

// ErrManagerUnreachable ends the worker with exit code 2 after the
// acquire retry budget is spent against a dead manager.
var ErrManagerUnreachable = errors.New("manager unreachable after retry budget")

// ErrFatal marks unrecoverable local failures (an unwritable spool);
// the worker terminates rather than silently dropping certificates.
var ErrFatal = errors.New("fatal worker error")

type Config struct {
	WorkerName string
	Suffix     string
	// Categories gets one fetch thread each.
	Categories []string

	BatchSize  int   // upload batch cap, default 32
	FetchBatch int64 // get-entries window hint, default 256

	FlushInterval     time.Duration // default 60s
	HeartbeatInterval time.Duration // default 30s
	AcquireBackoffMin time.Duration // default 1s
	AcquireBackoffMax time.Duration // default 10s
	SpoolInterval     time.Duration // default 5m

	// UnreachableBudget is the number of consecutive acquire calls that
	// fail to reach the manager at which the worker gives up.
	UnreachableBudget int

	// ShutdownGrace bounds the resume/drain work on SIGINT/SIGTERM.
	ShutdownGrace time.Duration

	CTClient ctclient.Config
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.FetchBatch <= 0 {
		c.FetchBatch = 256
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 60 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.AcquireBackoffMin <= 0 {
		c.AcquireBackoffMin = time.Second
	}
	if c.AcquireBackoffMax <= c.AcquireBackoffMin {
		c.AcquireBackoffMax = c.AcquireBackoffMin + 9*time.Second
	}
	if c.SpoolInterval <= 0 {
		c.SpoolInterval = 5 * time.Minute
	}
	if c.UnreachableBudget <= 0 {
		c.UnreachableBudget = 10
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	return c
}

// Runner drives one fetch thread per log category:
//
//	IDLE -> ACQUIRE -> FETCH -> PARSE -> BUFFER -> [UPLOAD?] -> FETCH ...
//	                                                  |
//	                                       COMPLETE / ERROR / RESUME
type Runner struct {
	cfg     Config
	mgr     *managerclient.Client
	spool   *spool.Spool
	filter  *ctparse.SuffixFilter
	rotator *proxy.Rotator
	metrics *utils.MetricsCollector
	logger  *logrus.Logger
}

func New(cfg Config, mgr *managerclient.Client, sp *spool.Spool, rotator *proxy.Rotator,
	mc *utils.MetricsCollector, logger *logrus.Logger) *Runner {

	if logger == nil {
		logger = logrus.New()
	}
	if mc == nil {
		mc = utils.NewMetricsCollector(false)
	}

	r := &Runner{
		cfg:     cfg.withDefaults(),
		mgr:     mgr,
		spool:   sp,
		filter:  ctparse.NewSuffixFilter(cfg.Suffix),
		rotator: rotator,
		metrics: mc,
		logger:  logger,
	}
	_ = mc.RegisterCounter("ctharvest_worker_entries_total", "Entries fetched from CT logs", "category")
	_ = mc.RegisterCounter("ctharvest_worker_matched_total", "Entries matching the suffix filter", "category")
	_ = mc.RegisterCounter("ctharvest_worker_parse_errors_total", "Entries that failed to parse", "category")
	_ = mc.RegisterCounter("ctharvest_worker_uploads_total", "Upload batches", "result")
	return r
}

// Run blocks until ctx is cancelled or the manager becomes
// unreachable. Cancellation triggers an orderly RESUME of every
// outstanding assignment within the shutdown grace period.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		r.spool.RunReaper(gctx, r.cfg.SpoolInterval, func(ctx context.Context, items []models.UploadItem) error {
			_, err := r.mgr.Upload(ctx, items)
			return err
		})
		return nil
	})

	for _, category := range r.cfg.Categories {
		category := category
		g.Go(func() error {
			return r.runCategory(gctx, category)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) runCategory(ctx context.Context, category string) error {
	log := r.logger.WithField("category", category)

	ctc := ctclient.New(r.cfg.CTClient, r.rotator, r.logger)
	defer ctc.Close()

	unreachable := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		assignment, err := r.mgr.Acquire(ctx, r.cfg.WorkerName, category)
		switch {
		case err == nil:
			unreachable = 0
		case errors.Is(err, managerclient.ErrNoWork):
			unreachable = 0
			utils.SleepWithContext(ctx, utils.JitterBetween(r.cfg.AcquireBackoffMin, r.cfg.AcquireBackoffMax))
			continue
		case errors.Is(err, managerclient.ErrUnreachable):
			unreachable++
			if unreachable >= r.cfg.UnreachableBudget {
				return fmt.Errorf("%w: %v", ErrManagerUnreachable, err)
			}
			utils.SleepWithContext(ctx, utils.JitterBetween(r.cfg.AcquireBackoffMin, r.cfg.AcquireBackoffMax))
			continue
		default:
			log.Warnf("acquire failed: %v", err)
			utils.SleepWithContext(ctx, utils.JitterBetween(r.cfg.AcquireBackoffMin, r.cfg.AcquireBackoffMax))
			continue
		}

		log.WithFields(logrus.Fields{
			"log_name": assignment.LogName,
			"start":    assignment.Start,
			"end":      assignment.End,
			"current":  assignment.Current,
		}).Info("job acquired")

		if err := r.runJob(ctx, ctc, category, assignment); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrFatal) {
				return err
			}
			log.Warnf("job %s/%d ended with error: %v", assignment.LogName, assignment.Start, err)
		}
	}
}

// job tracks the mutable state of one assignment.
type job struct {
	category     string
	assignment   *models.AcquireResponse
	current      int64
	lastUploaded int64
	buffer       []models.UploadItem
	lastFlush    time.Time
	lastBeat     time.Time
}

func (r *Runner) runJob(ctx context.Context, ctc *ctclient.Client, category string, a *models.AcquireResponse) error {
	j := &job{
		category:     category,
		assignment:   a,
		current:      a.Current,
		lastUploaded: a.Current - 1,
		lastFlush:    time.Now(),
		lastBeat:     time.Now(),
	}
	log := r.logger.WithFields(logrus.Fields{
		"category": category,
		"log_name": a.LogName,
		"start":    a.Start,
	})

	for j.current < a.End {
		if ctx.Err() != nil {
			return r.resign(j)
		}

		fetchEnd := j.current + r.cfg.FetchBatch
		if fetchEnd > a.End {
			fetchEnd = a.End
		}

		entries, err := ctc.GetEntries(ctx, a.LogURL, j.current, fetchEnd-1)
		if err != nil {
			if ctx.Err() != nil {
				return r.resign(j)
			}
			// Both permanent 4xx responses and an exhausted retry
			// budget abandon the range and surface it to the manager.
			r.reportError(j, err)
			return err
		}
		if len(entries) == 0 {
			log.Debug("log returned no entries, backing off")
			utils.SleepWithContext(ctx, utils.JitterBetween(r.cfg.AcquireBackoffMin, r.cfg.AcquireBackoffMax))
			continue
		}

		r.metrics.IncCounter("ctharvest_worker_entries_total", float64(len(entries)), prometheus.Labels{"category": category})
		r.parseInto(j, entries)
		j.current += int64(len(entries))

		if len(j.buffer) >= r.cfg.BatchSize || time.Since(j.lastFlush) >= r.cfg.FlushInterval {
			if err := r.flush(ctx, j); err != nil {
				return fmt.Errorf("%w: %v", ErrFatal, err)
			}
		}
		if time.Since(j.lastBeat) >= r.cfg.HeartbeatInterval {
			r.heartbeat(ctx, j)
		}
	}

	if err := r.flush(ctx, j); err != nil {
		return fmt.Errorf("%w: %v", ErrFatal, err)
	}
	return r.complete(ctx, j)
}

func (r *Runner) parseInto(j *job, entries []ct.LeafEntry) {
	a := j.assignment
	for i := range entries {
		index := j.current + int64(i)
		parsed, err := ctparse.ParseLeafEntry(index, &entries[i])
		if err != nil {
			// A single undecodable entry is skipped; the cursor still
			// advances past it.
			r.metrics.IncCounter("ctharvest_worker_parse_errors_total", 1, prometheus.Labels{"category": j.category})
			r.logger.WithFields(logrus.Fields{
				"log_name": a.LogName,
				"ct_index": index,
			}).Debugf("entry skipped: %v", err)
			continue
		}
		if !r.filter.Match(parsed.Names) {
			continue
		}
		r.metrics.IncCounter("ctharvest_worker_matched_total", 1, prometheus.Labels{"category": j.category})
		j.buffer = append(j.buffer, models.UploadItem{
			CTEntry:    string(parsed.Raw),
			CTLogURL:   a.LogURL,
			LogName:    a.LogName,
			WorkerName: r.cfg.WorkerName,
			CTIndex:    index,
		})
	}
}

// flush uploads the buffer in batches of at most BatchSize. A batch
// the manager rejects goes to the spool verbatim; the reaper retries
// it later. A spool that cannot be written is fatal: continuing would
// silently drop certificates.
func (r *Runner) flush(ctx context.Context, j *job) error {
	defer func() { j.lastFlush = time.Now() }()

	for len(j.buffer) > 0 {
		n := len(j.buffer)
		if n > r.cfg.BatchSize {
			n = r.cfg.BatchSize
		}
		batch := j.buffer[:n]

		resp, err := r.mgr.Upload(ctx, batch)
		if err != nil {
			r.metrics.IncCounter("ctharvest_worker_uploads_total", 1, prometheus.Labels{"result": "spooled"})
			if _, spoolErr := r.spool.Save(batch); spoolErr != nil {
				return fmt.Errorf("spool write failed: %w", spoolErr)
			}
		} else {
			r.metrics.IncCounter("ctharvest_worker_uploads_total", 1, prometheus.Labels{"result": "ok"})
			if highest := batch[n-1].CTIndex; highest > j.lastUploaded {
				j.lastUploaded = highest
			}
			r.logger.WithFields(logrus.Fields{
				"log_name":   j.assignment.LogName,
				"inserted":   resp.Inserted,
				"duplicates": resp.Duplicates,
				"failures":   resp.Failures,
			}).Debug("batch uploaded")
		}
		j.buffer = j.buffer[n:]
	}
	return nil
}

func (r *Runner) heartbeat(ctx context.Context, j *job) {
	defer func() { j.lastBeat = time.Now() }()

	uploaded := j.lastUploaded
	err := r.mgr.Heartbeat(ctx, models.HeartbeatRequest{
		WorkerName:        r.cfg.WorkerName,
		LogName:           j.assignment.LogName,
		Start:             j.assignment.Start,
		Current:           j.current,
		LastUploadedIndex: &uploaded,
	})
	if err != nil {
		r.logger.Debugf("heartbeat for %s/%d failed: %v", j.assignment.LogName, j.assignment.Start, err)
	}
}

func (r *Runner) complete(ctx context.Context, j *job) error {
	a := j.assignment
	r.heartbeat(ctx, j)

	err := utils.RetryWithContext(ctx, 3, time.Second, func() error {
		return r.mgr.Complete(ctx, r.cfg.WorkerName, a.LogName, a.Start)
	})
	if err != nil {
		return fmt.Errorf("report completion of %s/%d: %w", a.LogName, a.Start, err)
	}
	r.logger.WithFields(logrus.Fields{
		"log_name": a.LogName,
		"start":    a.Start,
		"end":      a.End,
	}).Info("job completed")
	return nil
}

// resign runs the shutdown path for one in-flight job: drain the
// buffer to the spool and hand the range back best-effort within the
// grace period.
func (r *Runner) resign(j *job) error {
	a := j.assignment

	if len(j.buffer) > 0 {
		if _, err := r.spool.Save(j.buffer); err != nil {
			r.logger.Errorf("drain buffer to spool: %v", err)
		}
		j.buffer = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownGrace)
	defer cancel()
	if err := r.mgr.Resume(ctx, r.cfg.WorkerName, a.LogName, a.Start, j.current); err != nil {
		r.logger.Warnf("resume for %s/%d failed: %v", a.LogName, a.Start, err)
	} else {
		r.logger.WithFields(logrus.Fields{
			"log_name": a.LogName,
			"start":    a.Start,
			"current":  j.current,
		}).Info("assignment handed back")
	}
	return context.Canceled
}

func (r *Runner) reportError(j *job, cause error) {
	a := j.assignment
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownGrace)
	defer cancel()
	err := r.mgr.ReportError(ctx, models.ErrorReport{
		WorkerName: r.cfg.WorkerName,
		LogName:    a.LogName,
		Start:      a.Start,
		Message:    cause.Error(),
	})
	if err != nil {
		r.logger.Warnf("error report for %s/%d failed: %v", a.LogName, a.Start, err)
	}
}
