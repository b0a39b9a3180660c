package models

// Wire types for the worker <-> manager control API.

type AcquireRequest struct {
	WorkerName string `json:"worker_name" binding:"required"`
	Category   string `json:"category" binding:"required"`
}

type AcquireResponse struct {
	None    bool   `json:"none,omitempty"`
	LogName string `json:"log_name,omitempty"`
	LogURL  string `json:"log_url,omitempty"`
	Start   int64  `json:"start"`
	End     int64  `json:"end"`
	Current int64  `json:"current"`
}

type HeartbeatRequest struct {
	WorkerName string `json:"worker_name" binding:"required"`
	LogName    string `json:"log_name" binding:"required"`
	Start      int64  `json:"start"`
	Current    int64  `json:"current"`
	// Highest index whose batch reached the manager; optional, the
	// coordinator never rewinds it.
	LastUploadedIndex *int64 `json:"last_uploaded_index,omitempty"`
}

type CompleteRequest struct {
	WorkerName string `json:"worker_name" binding:"required"`
	LogName    string `json:"log_name" binding:"required"`
	Start      int64  `json:"start"`
}

type ResumeRequest struct {
	WorkerName string `json:"worker_name" binding:"required"`
	LogName    string `json:"log_name" binding:"required"`
	Start      int64  `json:"start"`
	Current    int64  `json:"current"`
}

type ErrorReport struct {
	WorkerName string `json:"worker_name" binding:"required"`
	LogName    string `json:"log_name"`
	Start      int64  `json:"start"`
	Message    string `json:"message"`
}

// UploadItem is one certificate as submitted by a worker. CTEntry is
// the verbatim leaf entry JSON ({"leaf_input": ..., "extra_data": ...}).
type UploadItem struct {
	CTEntry    string `json:"ct_entry" binding:"required"`
	CTLogURL   string `json:"ct_log_url"`
	LogName    string `json:"log_name"`
	WorkerName string `json:"worker_name"`
	CTIndex    int64  `json:"ct_index"`
	IPAddress  string `json:"ip_address,omitempty"`
}

type UploadResponse struct {
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
	Failures   int `json:"failures"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type CacheStats struct {
	CacheSize     int     `json:"cache_size"`
	MaxSize       int     `json:"max_size"`
	HitCount      int64   `json:"hit_count"`
	MissCount     int64   `json:"miss_count"`
	TotalRequests int64   `json:"total_requests"`
	HitRate       float64 `json:"hit_rate"`
}

type CacheStatsResponse struct {
	CacheStats CacheStats `json:"cache_stats"`
}
