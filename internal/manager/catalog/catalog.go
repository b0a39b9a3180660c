package catalog

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/bl4ck0w1/ctharvest/internal/manager/store"
	"github.com/bl4ck0w1/ctharvest/pkg/models"
)

// Entry is one CT log in the YAML catalog file.
type Entry struct {
	LogName  string `yaml:"log_name"`
	LogURL   string `yaml:"log_url"`
	Category string `yaml:"category"`
	Active   *bool  `yaml:"active,omitempty"`
}

type File struct {
	Logs []Entry `yaml:"logs"`
}

// Load parses a catalog file and upserts every entry into ct_logs.
// Entries without an explicit active key default to active.
func Load(path string, st *store.Store, logger *logrus.Logger) (int, error) {
	if logger == nil {
		logger = logrus.New()
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read catalog %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return 0, fmt.Errorf("parse catalog %s: %w", path, err)
	}

	loaded := 0
	for _, e := range f.Logs {
		if e.LogName == "" || e.LogURL == "" {
			logger.Warnf("catalog entry missing log_name or log_url, skipped: %+v", e)
			continue
		}
		active := true
		if e.Active != nil {
			active = *e.Active
		}
		err := st.UpsertCTLog(&models.CTLog{
			LogName:  e.LogName,
			LogURL:   e.LogURL,
			Category: e.Category,
			Active:   active,
		})
		if err != nil {
			return loaded, fmt.Errorf("upsert log %s: %w", e.LogName, err)
		}
		loaded++
	}

	logger.Infof("catalog loaded: %d logs from %s", loaded, path)
	return loaded, nil
}
