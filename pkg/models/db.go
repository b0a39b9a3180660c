package models

import (
	"time"
)

// Job range states. A range moves PENDING -> RUNNING -> COMPLETE in the
// happy path; the reaper moves RUNNING -> STALLED -> PENDING when
// heartbeats stop arriving.
const (
	JobStatePending  = "PENDING"
	JobStateRunning  = "RUNNING"
	JobStateStalled  = "STALLED"
	JobStateComplete = "COMPLETE"
	JobStateFailed   = "FAILED"
)

type CTLog struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	LogName   string    `gorm:"size:64;uniqueIndex" json:"log_name"`
	LogURL    string    `gorm:"size:256" json:"log_url"`
	Category  string    `gorm:"size:64;index" json:"category"`
	TreeSize  int64     `json:"tree_size"`
	Active    bool      `gorm:"index" json:"active"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

func (CTLog) TableName() string { return "ct_logs" }

// JobRange is a half-open index window [Start, End) over one CT log.
// Current is the next index to fetch; LastUploadedIndex is the highest
// index whose certificates reached the store.
type JobRange struct {
	ID                uint      `gorm:"primaryKey" json:"-"`
	LogName           string    `gorm:"size:64;uniqueIndex:idx_job_range_log_start,priority:1;index:idx_job_range_log_state" json:"log_name"`
	Start             int64     `gorm:"uniqueIndex:idx_job_range_log_start,priority:2" json:"start"`
	End               int64     `json:"end"`
	Current           int64     `json:"current"`
	LastUploadedIndex int64     `json:"last_uploaded_index"`
	State             string    `gorm:"size:16;index;index:idx_job_range_log_state" json:"state"`
	CreatedAt         time.Time `json:"-"`
	UpdatedAt         time.Time `json:"-"`
}

func (JobRange) TableName() string { return "job_ranges" }

type WorkerAssignment struct {
	ID              uint      `gorm:"primaryKey" json:"-"`
	JobRangeID      uint      `gorm:"uniqueIndex" json:"-"`
	WorkerName      string    `gorm:"size:64;index" json:"worker_name"`
	LogName         string    `gorm:"size:64;index" json:"log_name"`
	AssignedAt      time.Time `json:"assigned_at"`
	LastHeartbeatAt time.Time `gorm:"index" json:"last_heartbeat_at"`
}

func (WorkerAssignment) TableName() string { return "worker_assignments" }

// Certificate is one accepted CT entry. CTEntry holds the verbatim
// Merkle leaf (JSON-encoded leaf_input/extra_data pair) so the record
// can be re-parsed at any time. The parsed fingerprint columns carry a
// unique index so a racing second insert fails at the database.
type Certificate struct {
	ID         uint      `gorm:"primaryKey" json:"-"`
	CTEntry    string    `gorm:"type:text" json:"ct_entry"`
	LogURL     string    `gorm:"size:256" json:"ct_log_url"`
	LogName    string    `gorm:"size:64;index" json:"log_name"`
	WorkerName string    `gorm:"size:64" json:"worker_name"`
	CTIndex    int64     `json:"ct_index"`
	IPAddress  string    `gorm:"size:64" json:"ip_address,omitempty"`
	Issuer     string    `gorm:"size:256;uniqueIndex:idx_cert_fingerprint,priority:1" json:"issuer"`
	SerialNumber string  `gorm:"size:256;uniqueIndex:idx_cert_fingerprint,priority:2" json:"serial_number"`
	NotBefore  time.Time `gorm:"uniqueIndex:idx_cert_fingerprint,priority:3" json:"not_before"`
	NotAfter   time.Time `gorm:"uniqueIndex:idx_cert_fingerprint,priority:4" json:"not_after"`
	CommonName string    `gorm:"size:512;uniqueIndex:idx_cert_fingerprint,priority:5" json:"common_name"`
	CreatedAt  time.Time `gorm:"index" json:"-"`
}

func (Certificate) TableName() string { return "certs" }
