package spool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bl4ck0w1/ctharvest/pkg/models"
	"github.com/bl4ck0w1/ctharvest/pkg/utils"
)

const filePrefix = "upload_failure_"

// Spool persists upload batches that could not reach the manager.
// Files are the verbatim upload bodies; unique names mean concurrent
// writers never need coordination. Upload ingestion is idempotent, so
// replay order across files does not matter.
type Spool struct {
	dir    string
	logger *logrus.Logger
}

func New(dir string, logger *logrus.Logger) (*Spool, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if dir == "" {
		dir = filepath.Join("pending", "upload_failure")
	}
	if err := utils.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("create spool dir %s: %w", dir, err)
	}
	return &Spool{dir: dir, logger: logger}, nil
}

func (s *Spool) Dir() string { return s.dir }

// Save writes one failed batch. The filename encodes a timestamp and a
// random suffix: upload_failure_20250801_093000_1a2b3c4d5e6f7a8b.json.
func (s *Spool) Save(items []models.UploadItem) (string, error) {
	if len(items) == 0 {
		return "", nil
	}

	payload, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("encode spool batch: %w", err)
	}

	name := fmt.Sprintf("%s%s_%s.json", filePrefix,
		time.Now().UTC().Format("20060102_150405"), utils.GenerateShortID())
	path := filepath.Join(s.dir, name)

	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return "", fmt.Errorf("write spool file %s: %w", path, err)
	}

	s.logger.WithFields(logrus.Fields{
		"file":  name,
		"items": len(items),
	}).Warn("upload batch spooled")
	return path, nil
}

// List returns spooled batch paths, oldest first by filename.
func (s *Spool) List() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, filePrefix+"*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// Load reads one spooled batch back.
func (s *Spool) Load(path string) ([]models.UploadItem, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var items []models.UploadItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode spool file %s: %w", path, err)
	}
	return items, nil
}

func (s *Spool) Remove(path string) error {
	return os.Remove(path)
}

// UploadFunc posts one batch to the manager.
type UploadFunc func(ctx context.Context, items []models.UploadItem) error

// Drain re-uploads every spooled batch, removing files that succeed.
// Returns how many files were cleared. Malformed files are renamed
// aside rather than retried forever.
func (s *Spool) Drain(ctx context.Context, upload UploadFunc) (int, error) {
	files, err := s.List()
	if err != nil {
		return 0, err
	}

	cleared := 0
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return cleared, err
		}

		items, err := s.Load(path)
		if err != nil {
			s.logger.Warnf("unreadable spool file %s set aside: %v", path, err)
			_ = os.Rename(path, path+".corrupt")
			continue
		}

		if err := upload(ctx, items); err != nil {
			s.logger.Debugf("spool re-upload %s failed: %v", filepath.Base(path), err)
			continue
		}
		if err := s.Remove(path); err != nil {
			s.logger.Warnf("remove drained spool file %s: %v", path, err)
			continue
		}
		cleared++
	}
	return cleared, nil
}

// RunReaper drains at startup and then every interval until the
// context ends.
func (s *Spool) RunReaper(ctx context.Context, interval time.Duration, upload UploadFunc) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	if n, err := s.Drain(ctx, upload); err == nil && n > 0 {
		s.logger.Infof("spool reaper cleared %d batches at startup", n)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Drain(ctx, upload)
			if err != nil && ctx.Err() == nil {
				s.logger.Warnf("spool drain sweep: %v", err)
			}
			if n > 0 {
				s.logger.Infof("spool reaper cleared %d batches", n)
			}
		}
	}
}
