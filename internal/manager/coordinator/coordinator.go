package coordinator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"

	"github.com/bl4ck0w1/ctharvest/internal/manager/store"
	"github.com/bl4ck0w1/ctharvest/pkg/models"
)

var (
	// ErrNoWork means the category has nothing to hand out right now.
	ErrNoWork = errors.New("no work available")
	// ErrNotOwner means the caller does not hold the assignment it is
	// trying to act on.
	ErrNotOwner = errors.New("assignment not owned by worker")
	// ErrNotComplete rejects a complete call whose cursor has not
	// reached the end of the range.
	ErrNotComplete = errors.New("range cursor has not reached end")
)

const DefaultChunkSize = 1 << 14

type Config struct {
	// ChunkSize is the width of newly partitioned job ranges.
	ChunkSize int64
	// StaleAfter is how long a RUNNING assignment may go without a
	// heartbeat before the reaper marks its range STALLED.
	StaleAfter time.Duration
	// AbandonAfter is how long a STALLED assignment may go without a
	// heartbeat (counted from its last heartbeat) before the reaper
	// clears it and the range returns to PENDING.
	AbandonAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	if c.AbandonAfter <= 0 {
		c.AbandonAfter = 3 * c.StaleAfter
	}
	return c
}

// Coordinator owns the lifecycle of every JobRange. Selection during
// acquire is serialized per category; mutation of a single range is
// serialized by a striped lock keyed on (log_name, start), so the
// reaper, heartbeats and acquire takeovers never interleave on one
// range.
type Coordinator struct {
	store  *store.Store
	cfg    Config
	logger *logrus.Logger
	now    func() time.Time

	catGuard sync.Mutex
	catMu    map[string]*sync.Mutex
	rrIndex  map[string]int

	rangeLocks [64]sync.Mutex
}

// Assignment is what acquire hands back to a worker: the range plus
// the log it belongs to.
type Assignment struct {
	Range models.JobRange
	Log   models.CTLog
}

func New(st *store.Store, cfg Config, logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Coordinator{
		store:  st,
		cfg:    cfg.withDefaults(),
		logger: logger,
		now:    time.Now,
		catMu:  make(map[string]*sync.Mutex),
		rrIndex: make(map[string]int),
	}
}

func (c *Coordinator) categoryMutex(category string) *sync.Mutex {
	c.catGuard.Lock()
	defer c.catGuard.Unlock()
	mu, ok := c.catMu[category]
	if !ok {
		mu = &sync.Mutex{}
		c.catMu[category] = mu
	}
	return mu
}

func (c *Coordinator) rangeLock(logName string, start int64) *sync.Mutex {
	key := fmt.Sprintf("%s|%d", logName, start)
	return &c.rangeLocks[xxh3.HashString(key)%uint64(len(c.rangeLocks))]
}

// Acquire atomically selects a range for a log in the category and
// transitions it to RUNNING. Stalled ranges whose heartbeat exceeded
// the stale threshold are handed out first so interrupted work resumes
// before fresh work starts; otherwise the pending range with the
// smallest start is chosen, round-robin across the category's logs.
// The returned range carries its prior cursor so the worker resumes
// from there.
func (c *Coordinator) Acquire(workerName, category string) (*Assignment, error) {
	mu := c.categoryMutex(category)
	mu.Lock()
	defer mu.Unlock()

	now := c.now()

	if r, err := c.store.StalledRange(category, now.Add(-c.cfg.StaleAfter)); err == nil {
		if a, err := c.takeover(workerName, r, now); err == nil {
			return a, nil
		} else if !errors.Is(err, ErrNoWork) {
			return nil, err
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	logs, err := c.store.ActiveLogs(category)
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return nil, ErrNoWork
	}

	offset := c.rrIndex[category] % len(logs)
	for i := 0; i < len(logs); i++ {
		lg := logs[(offset+i)%len(logs)]

		held, err := c.store.WorkerHoldsLog(workerName, lg.LogName)
		if err != nil {
			return nil, err
		}
		if held {
			continue
		}

		r, err := c.store.PendingRange(lg.LogName)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		c.rrIndex[category] = (offset + i + 1) % len(logs)
		return c.assign(workerName, r, &lg, now)
	}

	return nil, ErrNoWork
}

// takeover reassigns a stalled range to a new worker.
func (c *Coordinator) takeover(workerName string, r *models.JobRange, now time.Time) (*Assignment, error) {
	held, err := c.store.WorkerHoldsLog(workerName, r.LogName)
	if err != nil {
		return nil, err
	}
	if held {
		return nil, ErrNoWork
	}

	lock := c.rangeLock(r.LogName, r.Start)
	lock.Lock()
	defer lock.Unlock()

	fresh, err := c.store.JobRangeByKey(r.LogName, r.Start)
	if err != nil {
		return nil, err
	}
	if fresh.State != models.JobStateStalled {
		return nil, ErrNoWork
	}

	lg, err := c.store.CTLogByName(fresh.LogName)
	if err != nil {
		return nil, err
	}

	a, err := c.store.AssignmentForRange(fresh.ID)
	if errors.Is(err, store.ErrNotFound) {
		a = &models.WorkerAssignment{JobRangeID: fresh.ID, LogName: fresh.LogName}
	} else if err != nil {
		return nil, err
	}
	prevWorker := a.WorkerName
	a.WorkerName = workerName
	a.AssignedAt = now
	a.LastHeartbeatAt = now

	fresh.State = models.JobStateRunning
	if err := c.store.SaveJobRange(fresh); err != nil {
		return nil, err
	}
	if err := c.store.SaveAssignment(a); err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"log_name":    fresh.LogName,
		"start":       fresh.Start,
		"current":     fresh.Current,
		"worker":      workerName,
		"prev_worker": prevWorker,
	}).Info("stalled range reassigned")

	return &Assignment{Range: *fresh, Log: *lg}, nil
}

func (c *Coordinator) assign(workerName string, r *models.JobRange, lg *models.CTLog, now time.Time) (*Assignment, error) {
	lock := c.rangeLock(r.LogName, r.Start)
	lock.Lock()
	defer lock.Unlock()

	fresh, err := c.store.JobRangeByKey(r.LogName, r.Start)
	if err != nil {
		return nil, err
	}
	if fresh.State != models.JobStatePending {
		return nil, ErrNoWork
	}

	fresh.State = models.JobStateRunning
	if err := c.store.SaveJobRange(fresh); err != nil {
		return nil, err
	}
	err = c.store.SaveAssignment(&models.WorkerAssignment{
		JobRangeID:      fresh.ID,
		WorkerName:      workerName,
		LogName:         fresh.LogName,
		AssignedAt:      now,
		LastHeartbeatAt: now,
	})
	if err != nil {
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"log_name": fresh.LogName,
		"start":    fresh.Start,
		"end":      fresh.End,
		"current":  fresh.Current,
		"worker":   workerName,
	}).Info("range assigned")

	return &Assignment{Range: *fresh, Log: *lg}, nil
}

// Heartbeat validates ownership, advances the cursor monotonically and
// refreshes liveness. A regressed cursor is accepted but ignored.
func (c *Coordinator) Heartbeat(workerName, logName string, start, current int64, lastUploaded *int64) error {
	lock := c.rangeLock(logName, start)
	lock.Lock()
	defer lock.Unlock()

	r, err := c.store.JobRangeByKey(logName, start)
	if err != nil {
		return err
	}
	a, err := c.store.AssignmentForRange(r.ID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotOwner
	}
	if err != nil {
		return err
	}
	if a.WorkerName != workerName {
		return ErrNotOwner
	}

	if current > r.Current {
		r.Current = current
		if r.Current > r.End {
			r.Current = r.End
		}
	}
	if lastUploaded != nil && *lastUploaded > r.LastUploadedIndex {
		r.LastUploadedIndex = *lastUploaded
	}
	// A heartbeat from the owner revives a range the reaper had
	// marked stalled before the abandonment cutoff.
	if r.State == models.JobStateStalled {
		r.State = models.JobStateRunning
	}
	if err := c.store.SaveJobRange(r); err != nil {
		return err
	}

	a.LastHeartbeatAt = c.now()
	return c.store.SaveAssignment(a)
}

// Complete marks a range COMPLETE and clears its assignment. The
// cursor must have reached the end of the range.
func (c *Coordinator) Complete(workerName, logName string, start int64) error {
	lock := c.rangeLock(logName, start)
	lock.Lock()
	defer lock.Unlock()

	r, err := c.store.JobRangeByKey(logName, start)
	if err != nil {
		return err
	}
	if r.State == models.JobStateComplete {
		return nil
	}
	a, err := c.store.AssignmentForRange(r.ID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotOwner
	}
	if err != nil {
		return err
	}
	if a.WorkerName != workerName {
		return ErrNotOwner
	}
	if r.Current != r.End {
		return fmt.Errorf("%w: current=%d end=%d", ErrNotComplete, r.Current, r.End)
	}

	r.State = models.JobStateComplete
	if err := c.store.SaveJobRange(r); err != nil {
		return err
	}
	if err := c.store.DeleteAssignment(r.ID); err != nil {
		return err
	}

	c.logger.WithFields(logrus.Fields{
		"log_name": logName,
		"start":    start,
		"end":      r.End,
		"worker":   workerName,
	}).Info("range completed")
	return nil
}

// Resume handles worker-initiated shutdown: the range goes back to
// PENDING with its cursor preserved and the assignment is cleared.
// Idempotent; a second resume for an already-released range is a no-op.
func (c *Coordinator) Resume(workerName, logName string, start, current int64) error {
	lock := c.rangeLock(logName, start)
	lock.Lock()
	defer lock.Unlock()

	r, err := c.store.JobRangeByKey(logName, start)
	if err != nil {
		return err
	}

	a, err := c.store.AssignmentForRange(r.ID)
	if errors.Is(err, store.ErrNotFound) {
		if r.State == models.JobStatePending || r.State == models.JobStateComplete {
			return nil
		}
		r.State = models.JobStatePending
		return c.store.SaveJobRange(r)
	}
	if err != nil {
		return err
	}
	if a.WorkerName != workerName {
		return ErrNotOwner
	}

	if current > r.Current {
		r.Current = current
		if r.Current > r.End {
			r.Current = r.End
		}
	}
	r.State = models.JobStatePending
	if err := c.store.SaveJobRange(r); err != nil {
		return err
	}
	if err := c.store.DeleteAssignment(r.ID); err != nil {
		return err
	}

	c.logger.WithFields(logrus.Fields{
		"log_name": logName,
		"start":    start,
		"current":  r.Current,
		"worker":   workerName,
	}).Info("range released for resume")
	return nil
}

// Fail marks a range FAILED after a worker reported a permanent fetch
// error, and clears the assignment.
func (c *Coordinator) Fail(workerName, logName string, start int64, message string) error {
	lock := c.rangeLock(logName, start)
	lock.Lock()
	defer lock.Unlock()

	r, err := c.store.JobRangeByKey(logName, start)
	if err != nil {
		return err
	}

	r.State = models.JobStateFailed
	if err := c.store.SaveJobRange(r); err != nil {
		return err
	}
	if err := c.store.DeleteAssignment(r.ID); err != nil {
		return err
	}

	c.logger.WithFields(logrus.Fields{
		"log_name": logName,
		"start":    start,
		"worker":   workerName,
		"message":  message,
	}).Warn("range failed")
	return nil
}

// ReapStale sweeps assignments: RUNNING ranges without a fresh
// heartbeat become STALLED; STALLED ranges past the abandonment
// threshold lose their assignment and return to PENDING at the last
// recorded cursor.
func (c *Coordinator) ReapStale() error {
	now := c.now()

	stale, err := c.store.AssignmentsWithHeartbeatBefore(models.JobStateRunning, now.Add(-c.cfg.StaleAfter))
	if err != nil {
		return err
	}
	for _, a := range stale {
		if err := c.markStalled(a); err != nil {
			c.logger.Warnf("reap: mark stalled %s: %v", a.LogName, err)
		}
	}

	abandoned, err := c.store.AssignmentsWithHeartbeatBefore(models.JobStateStalled, now.Add(-c.cfg.AbandonAfter))
	if err != nil {
		return err
	}
	for _, a := range abandoned {
		if err := c.abandon(a); err != nil {
			c.logger.Warnf("reap: abandon %s: %v", a.LogName, err)
		}
	}
	return nil
}

func (c *Coordinator) markStalled(a models.WorkerAssignment) error {
	r, err := c.store.JobRangeByID(a.JobRangeID)
	if err != nil {
		return err
	}

	lock := c.rangeLock(r.LogName, r.Start)
	lock.Lock()
	defer lock.Unlock()

	fresh, err := c.store.JobRangeByKey(r.LogName, r.Start)
	if err != nil {
		return err
	}
	if fresh.State != models.JobStateRunning {
		return nil
	}
	fresh.State = models.JobStateStalled
	if err := c.store.SaveJobRange(fresh); err != nil {
		return err
	}
	c.logger.WithFields(logrus.Fields{
		"log_name": fresh.LogName,
		"start":    fresh.Start,
		"worker":   a.WorkerName,
	}).Warn("assignment stalled")
	return nil
}

func (c *Coordinator) abandon(a models.WorkerAssignment) error {
	r, err := c.store.JobRangeByID(a.JobRangeID)
	if err != nil {
		return err
	}

	lock := c.rangeLock(r.LogName, r.Start)
	lock.Lock()
	defer lock.Unlock()

	fresh, err := c.store.JobRangeByKey(r.LogName, r.Start)
	if err != nil {
		return err
	}
	if fresh.State != models.JobStateStalled {
		return nil
	}
	fresh.State = models.JobStatePending
	if err := c.store.SaveJobRange(fresh); err != nil {
		return err
	}
	if err := c.store.DeleteAssignment(fresh.ID); err != nil {
		return err
	}
	c.logger.WithFields(logrus.Fields{
		"log_name": fresh.LogName,
		"start":    fresh.Start,
		"current":  fresh.Current,
		"worker":   a.WorkerName,
	}).Warn("abandoned assignment cleared, range back to pending")
	return nil
}

// RunReaper drives ReapStale on a ticker until the context ends.
func (c *Coordinator) RunReaper(done <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.ReapStale(); err != nil {
				c.logger.Errorf("reap sweep failed: %v", err)
			}
		}
	}
}

// ExtendRanges partitions the gap between the highest existing range
// end and the log's tree size into PENDING chunks. Returns the number
// of ranges created. Ranges for one log stay disjoint and cover
// [0, tree_size) without gaps.
func (c *Coordinator) ExtendRanges(logName string, treeSize int64) (int, error) {
	mu := c.categoryMutex("partition:" + logName)
	mu.Lock()
	defer mu.Unlock()

	maxEnd, err := c.store.MaxRangeEnd(logName)
	if err != nil {
		return 0, err
	}
	if treeSize <= maxEnd {
		return 0, nil
	}

	var ranges []models.JobRange
	for start := maxEnd; start < treeSize; start += c.cfg.ChunkSize {
		end := start + c.cfg.ChunkSize
		if end > treeSize {
			end = treeSize
		}
		ranges = append(ranges, models.JobRange{
			LogName:           logName,
			Start:             start,
			End:               end,
			Current:           start,
			LastUploadedIndex: start - 1,
			State:             models.JobStatePending,
		})
	}
	if err := c.store.CreateJobRanges(ranges); err != nil {
		return 0, err
	}

	c.logger.WithFields(logrus.Fields{
		"log_name":  logName,
		"tree_size": treeSize,
		"created":   len(ranges),
	}).Info("job ranges extended")
	return len(ranges), nil
}

// SetClock replaces the time source, for tests.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }
