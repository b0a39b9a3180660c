package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bl4ck0w1/ctharvest/internal/ctparse/parsetest"
	"github.com/bl4ck0w1/ctharvest/internal/manager/cache"
	"github.com/bl4ck0w1/ctharvest/internal/manager/coordinator"
	"github.com/bl4ck0w1/ctharvest/internal/manager/ingest"
	"github.com/bl4ck0w1/ctharvest/internal/manager/store"
	"github.com/bl4ck0w1/ctharvest/pkg/models"
)

type fixture struct {
	server *Server
	store  *store.Store
	coord  *coordinator.Coordinator
	cache  *cache.FingerprintCache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	st, err := store.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	fc := cache.New(50000, nil)
	coord := coordinator.New(st, coordinator.Config{ChunkSize: 32, StaleAfter: 5 * time.Minute}, nil)
	ing := ingest.New(st, fc, nil)

	srv := NewServer(Config{
		BatchLimit:   32,
		AdminToken:   "secret",
		ErrorLogPath: filepath.Join(t.TempDir(), "worker_errors.log"),
	}, coord, ing, fc, st, nil, nil)
	return &fixture{server: srv, store: st, coord: coord, cache: fc}
}

func (f *fixture) seedRange(t *testing.T, logName, category string, treeSize int64) {
	t.Helper()
	require.NoError(t, f.store.UpsertCTLog(&models.CTLog{
		LogName:  logName,
		LogURL:   "https://ct.example.com/" + logName + "/",
		Category: category,
		Active:   true,
	}))
	_, err := f.coord.ExtendRanges(logName, treeSize)
	require.NoError(t, err)
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestAcquireEmptyCategoryReturnsNone(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/worker/acquire", models.AcquireRequest{
		WorkerName: "w1", Category: "google",
	})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[models.AcquireResponse](t, w)
	assert.True(t, resp.None)
}

func TestAcquireAssignsRange(t *testing.T) {
	f := newFixture(t)
	f.seedRange(t, "argon", "google", 32)

	w := f.do(t, http.MethodPost, "/api/worker/acquire", models.AcquireRequest{
		WorkerName: "w1", Category: "google",
	})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[models.AcquireResponse](t, w)
	assert.False(t, resp.None)
	assert.Equal(t, "argon", resp.LogName)
	assert.Equal(t, "https://ct.example.com/argon/", resp.LogURL)
	assert.Equal(t, int64(0), resp.Start)
	assert.Equal(t, int64(32), resp.End)
	assert.Equal(t, int64(0), resp.Current)
}

func TestAcquireRejectsMalformedBody(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/api/worker/acquire", map[string]string{"worker_name": "w1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUploadEmptyBatch(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/worker/upload", []models.UploadItem{})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[models.UploadResponse](t, w)
	assert.Equal(t, models.UploadResponse{}, resp)
}

func TestUploadOversizeBatchRejected(t *testing.T) {
	f := newFixture(t)

	items := make([]models.UploadItem, 33)
	for i := range items {
		items[i] = models.UploadItem{CTEntry: "x"}
	}
	w := f.do(t, http.MethodPost, "/api/worker/upload", items)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestUploadThenReuploadIsIdempotent(t *testing.T) {
	f := newFixture(t)

	items := make([]models.UploadItem, 0, 5)
	for i := int64(0); i < 5; i++ {
		cn := fmt.Sprintf("site%d.example.jp", i)
		items = append(items, models.UploadItem{
			CTEntry:    parsetest.LeafBlob(t, parsetest.CertSpec{Serial: 100 + i, CN: cn, DNSNames: []string{cn}}),
			CTLogURL:   "https://ct.example.com/argon/",
			LogName:    "argon",
			WorkerName: "w1",
			CTIndex:    i,
		})
	}

	w := f.do(t, http.MethodPost, "/api/worker/upload", items)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[models.UploadResponse](t, w)
	assert.Equal(t, models.UploadResponse{Inserted: 5}, resp)

	w = f.do(t, http.MethodPost, "/api/worker/upload", items)
	require.Equal(t, http.StatusOK, w.Code)
	resp = decode[models.UploadResponse](t, w)
	assert.Equal(t, models.UploadResponse{Duplicates: 5}, resp)

	count, err := f.store.CountCertificates()
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)
}

func TestHeartbeatCompleteFlow(t *testing.T) {
	f := newFixture(t)
	f.seedRange(t, "argon", "google", 32)

	acquired := decode[models.AcquireResponse](t, f.do(t, http.MethodPost, "/api/worker/acquire",
		models.AcquireRequest{WorkerName: "w1", Category: "google"}))
	require.False(t, acquired.None)

	w := f.do(t, http.MethodPost, "/api/worker/heartbeat", models.HeartbeatRequest{
		WorkerName: "w1", LogName: "argon", Start: acquired.Start, Current: 16,
	})
	require.Equal(t, http.StatusOK, w.Code)

	// Regression is accepted but ignored.
	w = f.do(t, http.MethodPost, "/api/worker/heartbeat", models.HeartbeatRequest{
		WorkerName: "w1", LogName: "argon", Start: acquired.Start, Current: 4,
	})
	require.Equal(t, http.StatusOK, w.Code)
	r, err := f.store.JobRangeByKey("argon", acquired.Start)
	require.NoError(t, err)
	assert.Equal(t, int64(16), r.Current)

	// Complete before the cursor reaches the end is a conflict.
	w = f.do(t, http.MethodPost, "/api/worker/complete", models.CompleteRequest{
		WorkerName: "w1", LogName: "argon", Start: acquired.Start,
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPost, "/api/worker/heartbeat", models.HeartbeatRequest{
		WorkerName: "w1", LogName: "argon", Start: acquired.Start, Current: acquired.End,
	})
	require.Equal(t, http.StatusOK, w.Code)
	w = f.do(t, http.MethodPost, "/api/worker/complete", models.CompleteRequest{
		WorkerName: "w1", LogName: "argon", Start: acquired.Start,
	})
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHeartbeatFromNonOwnerConflicts(t *testing.T) {
	f := newFixture(t)
	f.seedRange(t, "argon", "google", 32)

	acquired := decode[models.AcquireResponse](t, f.do(t, http.MethodPost, "/api/worker/acquire",
		models.AcquireRequest{WorkerName: "w1", Category: "google"}))
	require.False(t, acquired.None)

	w := f.do(t, http.MethodPost, "/api/worker/heartbeat", models.HeartbeatRequest{
		WorkerName: "intruder", LogName: "argon", Start: acquired.Start, Current: 5,
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestResumeEndpointReleasesRange(t *testing.T) {
	f := newFixture(t)
	f.seedRange(t, "argon", "google", 32)

	acquired := decode[models.AcquireResponse](t, f.do(t, http.MethodPost, "/api/worker/acquire",
		models.AcquireRequest{WorkerName: "w1", Category: "google"}))
	require.False(t, acquired.None)

	w := f.do(t, http.MethodPost, "/api/worker/resume", models.ResumeRequest{
		WorkerName: "w1", LogName: "argon", Start: acquired.Start, Current: 12,
	})
	require.Equal(t, http.StatusOK, w.Code)

	r, err := f.store.JobRangeByKey("argon", acquired.Start)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatePending, r.State)
	assert.Equal(t, int64(12), r.Current)
}

func TestErrorEndpointFailsRange(t *testing.T) {
	f := newFixture(t)
	f.seedRange(t, "argon", "google", 32)

	acquired := decode[models.AcquireResponse](t, f.do(t, http.MethodPost, "/api/worker/acquire",
		models.AcquireRequest{WorkerName: "w1", Category: "google"}))
	require.False(t, acquired.None)

	w := f.do(t, http.MethodPost, "/api/worker/error", models.ErrorReport{
		WorkerName: "w1", LogName: "argon", Start: acquired.Start, Message: "get-entries 404",
	})
	require.Equal(t, http.StatusOK, w.Code)

	r, err := f.store.JobRangeByKey("argon", acquired.Start)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateFailed, r.State)
}

func TestCacheStatsAndClear(t *testing.T) {
	f := newFixture(t)

	blob := parsetest.LeafBlob(t, parsetest.CertSpec{Serial: 7, CN: "stats.example.jp"})
	items := []models.UploadItem{{CTEntry: blob, LogName: "argon", WorkerName: "w1"}}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/worker/upload", items).Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/worker/upload", items).Code)

	w := f.do(t, http.MethodGet, "/api/cache/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[models.CacheStatsResponse](t, w).CacheStats
	assert.Equal(t, int64(1), stats.HitCount)
	assert.Equal(t, int64(1), stats.MissCount)
	assert.Equal(t, stats.HitCount+stats.MissCount, stats.TotalRequests)

	// Clear requires the admin token.
	w = f.do(t, http.MethodPost, "/api/cache/clear", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/cache/clear", nil)
	req.Header.Set("X-Admin-Token", "secret")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	stats = decode[models.CacheStatsResponse](t, f.do(t, http.MethodGet, "/api/cache/stats", nil)).CacheStats
	assert.Zero(t, stats.CacheSize)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
