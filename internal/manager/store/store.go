package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/bl4ck0w1/ctharvest/pkg/models"
)

// ErrDuplicate marks an insert that collided with the certificate
// fingerprint unique index.
var ErrDuplicate = errors.New("duplicate certificate")

// ErrNotFound stands in for gorm.ErrRecordNotFound for callers outside
// this package; lookups return it in place of the gorm error.
var ErrNotFound = errors.New("record not found")

type Store struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// Open connects to the relational store. DSNs starting with "mysql://"
// select the MySQL driver; anything else is treated as a SQLite path
// (":memory:" and "file:" DSNs included), which is what the tests use.
func Open(dsn string, logger *logrus.Logger) (*Store, error) {
	if logger == nil {
		logger = logrus.New()
	}

	cfg := &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	}

	var (
		db  *gorm.DB
		err error
	)
	if strings.HasPrefix(dsn, "mysql://") {
		db, err = gorm.Open(mysql.Open(strings.TrimPrefix(dsn, "mysql://")), cfg)
	} else {
		db, err = gorm.Open(sqlite.Open(dsn), cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	err := s.db.AutoMigrate(
		&models.CTLog{},
		&models.JobRange{},
		&models.WorkerAssignment{},
		&models.Certificate{},
	)
	if err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- CT log catalog ---

// UpsertCTLog creates the catalog row or refreshes its mutable fields,
// never shrinking a known tree size.
func (s *Store) UpsertCTLog(lg *models.CTLog) error {
	var existing models.CTLog
	err := s.db.Where("log_name = ?", lg.LogName).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.Create(lg).Error
	}
	if err != nil {
		return err
	}

	existing.LogURL = lg.LogURL
	existing.Category = lg.Category
	existing.Active = lg.Active
	if lg.TreeSize > existing.TreeSize {
		existing.TreeSize = lg.TreeSize
	}
	return s.db.Save(&existing).Error
}

func (s *Store) CTLogByName(name string) (*models.CTLog, error) {
	var lg models.CTLog
	if err := s.db.Where("log_name = ?", name).First(&lg).Error; err != nil {
		return nil, translateNotFound(err)
	}
	return &lg, nil
}

func (s *Store) ActiveLogs(category string) ([]models.CTLog, error) {
	var logs []models.CTLog
	q := s.db.Where("active = ?", true).Order("log_name asc")
	if category != "" {
		q = q.Where("category = ?", category)
	}
	if err := q.Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

// SetTreeSize records a freshly fetched STH tree size. Sizes only move
// forward; a lagging mirror response is ignored.
func (s *Store) SetTreeSize(logName string, treeSize int64) error {
	return s.db.Model(&models.CTLog{}).
		Where("log_name = ? AND tree_size < ?", logName, treeSize).
		Update("tree_size", treeSize).Error
}

// --- Job ranges ---

// MaxRangeEnd returns the highest end across a log's ranges, or 0 when
// none exist. Ranges are contiguous, so the highest start also carries
// the highest end.
func (s *Store) MaxRangeEnd(logName string) (int64, error) {
	var r models.JobRange
	err := s.db.Where("log_name = ?", logName).Order("start desc").First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return r.End, nil
}

func (s *Store) CreateJobRanges(ranges []models.JobRange) error {
	if len(ranges) == 0 {
		return nil
	}
	return s.db.CreateInBatches(&ranges, 500).Error
}

func (s *Store) SaveJobRange(r *models.JobRange) error {
	return s.db.Save(r).Error
}

func (s *Store) JobRangeByKey(logName string, start int64) (*models.JobRange, error) {
	var r models.JobRange
	err := s.db.Where("log_name = ? AND start = ?", logName, start).First(&r).Error
	if err != nil {
		return nil, translateNotFound(err)
	}
	return &r, nil
}

// PendingRange returns the PENDING range with the smallest start for
// one log, or ErrNotFound.
func (s *Store) PendingRange(logName string) (*models.JobRange, error) {
	var r models.JobRange
	err := s.db.Where("log_name = ? AND state = ?", logName, models.JobStatePending).
		Order("start asc").First(&r).Error
	if err != nil {
		return nil, translateNotFound(err)
	}
	return &r, nil
}

// StalledRange returns the stalled range with the oldest heartbeat for
// any log in the category, or ErrNotFound.
func (s *Store) StalledRange(category string, heartbeatBefore time.Time) (*models.JobRange, error) {
	var r models.JobRange
	err := s.db.
		Joins("JOIN ct_logs ON ct_logs.log_name = job_ranges.log_name").
		Joins("JOIN worker_assignments ON worker_assignments.job_range_id = job_ranges.id").
		Where("ct_logs.category = ? AND job_ranges.state = ? AND worker_assignments.last_heartbeat_at < ?",
			category, models.JobStateStalled, heartbeatBefore).
		Order("worker_assignments.last_heartbeat_at asc").
		First(&r).Error
	if err != nil {
		return nil, translateNotFound(err)
	}
	return &r, nil
}

// RangesInState lists ranges for one log in the given state, start
// ascending.
func (s *Store) RangesInState(logName, state string) ([]models.JobRange, error) {
	var out []models.JobRange
	err := s.db.Where("log_name = ? AND state = ?", logName, state).
		Order("start asc").Find(&out).Error
	return out, err
}

// --- Assignments ---

func (s *Store) AssignmentForRange(rangeID uint) (*models.WorkerAssignment, error) {
	var a models.WorkerAssignment
	err := s.db.Where("job_range_id = ?", rangeID).First(&a).Error
	if err != nil {
		return nil, translateNotFound(err)
	}
	return &a, nil
}

func (s *Store) SaveAssignment(a *models.WorkerAssignment) error {
	return s.db.Save(a).Error
}

func (s *Store) DeleteAssignment(rangeID uint) error {
	return s.db.Where("job_range_id = ?", rangeID).Delete(&models.WorkerAssignment{}).Error
}

// WorkerHoldsLog reports whether the worker already has an active
// assignment on the log. Policy: one assignment per (worker, log).
func (s *Store) WorkerHoldsLog(workerName, logName string) (bool, error) {
	var count int64
	err := s.db.Model(&models.WorkerAssignment{}).
		Where("worker_name = ? AND log_name = ?", workerName, logName).
		Count(&count).Error
	return count > 0, err
}

// AssignmentsWithHeartbeatBefore lists assignments whose ranges are in
// the given state and whose heartbeat is older than the cutoff.
func (s *Store) AssignmentsWithHeartbeatBefore(state string, cutoff time.Time) ([]models.WorkerAssignment, error) {
	var out []models.WorkerAssignment
	err := s.db.
		Joins("JOIN job_ranges ON job_ranges.id = worker_assignments.job_range_id").
		Where("job_ranges.state = ? AND worker_assignments.last_heartbeat_at < ?", state, cutoff).
		Find(&out).Error
	return out, err
}

func (s *Store) JobRangeByID(id uint) (*models.JobRange, error) {
	var r models.JobRange
	if err := s.db.First(&r, id).Error; err != nil {
		return nil, translateNotFound(err)
	}
	return &r, nil
}

// --- Certificates ---

// InsertCertificates bulk-inserts one upload batch in a single
// transaction. Any failure rolls the whole batch back so the caller
// can fall back to per-record inserts.
func (s *Store) InsertCertificates(certs []models.Certificate) error {
	if len(certs) == 0 {
		return nil
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		return tx.Create(&certs).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("bulk insert: %w", ErrDuplicate)
	}
	return err
}

// InsertCertificate inserts one record, mapping unique-index collisions
// to ErrDuplicate.
func (s *Store) InsertCertificate(cert *models.Certificate) error {
	err := s.db.Create(cert).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	return err
}

func (s *Store) CountCertificates() (int64, error) {
	var count int64
	err := s.db.Model(&models.Certificate{}).Count(&count).Error
	return count, err
}

func (s *Store) CertificatesByLog(logName string) ([]models.Certificate, error) {
	var out []models.Certificate
	err := s.db.Where("log_name = ?", logName).Order("ct_index asc").Find(&out).Error
	return out, err
}

func translateNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
