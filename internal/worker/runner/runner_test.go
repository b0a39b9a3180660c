package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	ct "github.com/google/certificate-transparency-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bl4ck0w1/ctharvest/internal/ctparse/parsetest"
	"github.com/bl4ck0w1/ctharvest/internal/worker/ctclient"
	"github.com/bl4ck0w1/ctharvest/internal/worker/managerclient"
	"github.com/bl4ck0w1/ctharvest/internal/worker/spool"
	"github.com/bl4ck0w1/ctharvest/pkg/models"
)

// fakeManager records worker calls and hands out at most one
// assignment.
type fakeManager struct {
	mu          sync.Mutex
	assignment  *models.AcquireResponse
	assigned    bool
	uploads     [][]models.UploadItem
	uploadFail  bool
	heartbeats  []models.HeartbeatRequest
	completed   chan models.CompleteRequest
	resumed     chan models.ResumeRequest
	errReports  chan models.ErrorReport
}

func newFakeManager(a *models.AcquireResponse) *fakeManager {
	return &fakeManager{
		assignment: a,
		completed:  make(chan models.CompleteRequest, 4),
		resumed:    make(chan models.ResumeRequest, 4),
		errReports: make(chan models.ErrorReport, 4),
	}
}

func (m *fakeManager) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	mux.HandleFunc("/api/worker/acquire", func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.assigned || m.assignment == nil {
			_ = json.NewEncoder(w).Encode(models.AcquireResponse{None: true})
			return
		}
		m.assigned = true
		_ = json.NewEncoder(w).Encode(m.assignment)
	})
	mux.HandleFunc("/api/worker/upload", func(w http.ResponseWriter, r *http.Request) {
		var items []models.UploadItem
		require.NoError(t, json.NewDecoder(r.Body).Decode(&items))
		m.mu.Lock()
		fail := m.uploadFail
		if !fail {
			m.uploads = append(m.uploads, items)
		}
		m.mu.Unlock()
		if fail {
			http.Error(w, "store down", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(models.UploadResponse{Inserted: len(items)})
	})
	mux.HandleFunc("/api/worker/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		var req models.HeartbeatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		m.mu.Lock()
		m.heartbeats = append(m.heartbeats, req)
		m.mu.Unlock()
		_ = json.NewEncoder(w).Encode(models.OKResponse{OK: true})
	})
	mux.HandleFunc("/api/worker/complete", func(w http.ResponseWriter, r *http.Request) {
		var req models.CompleteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		m.completed <- req
		_ = json.NewEncoder(w).Encode(models.OKResponse{OK: true})
	})
	mux.HandleFunc("/api/worker/resume", func(w http.ResponseWriter, r *http.Request) {
		var req models.ResumeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		m.resumed <- req
		_ = json.NewEncoder(w).Encode(models.OKResponse{OK: true})
	})
	mux.HandleFunc("/api/worker/error", func(w http.ResponseWriter, r *http.Request) {
		var req models.ErrorReport
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		m.errReports <- req
		_ = json.NewEncoder(w).Encode(models.OKResponse{OK: true})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func (m *fakeManager) uploadedItems() []models.UploadItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []models.UploadItem
	for _, batch := range m.uploads {
		all = append(all, batch...)
	}
	return all
}

// ctLogServer serves one fixed window of leaves for any get-entries
// request starting inside it.
func ctLogServer(t *testing.T, leaves []ct.LeafEntry) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var start, end int64
		_, err := fmt.Sscanf(r.URL.RawQuery, "start=%d&end=%d", &start, &end)
		require.NoError(t, err)
		require.GreaterOrEqual(t, start, int64(0))

		if start >= int64(len(leaves)) {
			_ = json.NewEncoder(w).Encode(ct.GetEntriesResponse{})
			return
		}
		if end >= int64(len(leaves)) {
			end = int64(len(leaves)) - 1
		}
		_ = json.NewEncoder(w).Encode(ct.GetEntriesResponse{Entries: leaves[start : end+1]})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testLeaves(t *testing.T, cns []string) []ct.LeafEntry {
	t.Helper()
	leaves := make([]ct.LeafEntry, len(cns))
	for i, cn := range cns {
		leaf := parsetest.LeafEntry(t, parsetest.SelfSignedDER(t, parsetest.CertSpec{
			Serial:   int64(i + 1),
			CN:       cn,
			DNSNames: []string{cn},
		}))
		leaves[i] = *leaf
	}
	return leaves
}

func testConfig(workerName string) Config {
	return Config{
		WorkerName:        workerName,
		Suffix:            ".jp",
		Categories:        []string{"google"},
		BatchSize:         32,
		FetchBatch:        8,
		FlushInterval:     50 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
		AcquireBackoffMin: 5 * time.Millisecond,
		AcquireBackoffMax: 15 * time.Millisecond,
		SpoolInterval:     time.Hour,
		UnreachableBudget: 3,
		ShutdownGrace:     2 * time.Second,
		CTClient: ctclient.Config{
			Timeout:     5 * time.Second,
			RetryCap:    2,
			BackoffBase: time.Millisecond,
			BackoffCap:  5 * time.Millisecond,
		},
	}
}

func newTestRunner(t *testing.T, cfg Config, managerURL string) (*Runner, *spool.Spool) {
	t.Helper()
	sp, err := spool.New(t.TempDir(), nil)
	require.NoError(t, err)
	mgr := managerclient.New(managerclient.Config{
		BaseURL:        managerURL,
		ControlTimeout: 5 * time.Second,
		UploadTimeout:  5 * time.Second,
	}, nil)
	return New(cfg, mgr, sp, nil, nil, nil), sp
}

func TestRunnerFetchesFiltersUploadsAndCompletes(t *testing.T) {
	leaves := testLeaves(t, []string{
		"a.example.jp",
		"b.example.com",
		"c.example.jp",
		"d.example.org",
		"e.shop.co.jp",
		"f.example.net",
		"g.example.com",
		"h.example.com",
	})
	log := ctLogServer(t, leaves)

	fm := newFakeManager(&models.AcquireResponse{
		LogName: "argon", LogURL: log.URL, Start: 0, End: 8, Current: 0,
	})
	mgrSrv := fm.server(t)

	r, _ := newTestRunner(t, testConfig("w1"), mgrSrv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case req := <-fm.completed:
		assert.Equal(t, "argon", req.LogName)
		assert.Equal(t, int64(0), req.Start)
	case <-time.After(10 * time.Second):
		t.Fatal("complete was never reported")
	}
	cancel()
	require.NoError(t, <-done)

	items := fm.uploadedItems()
	require.Len(t, items, 3, "three of eight entries end in .jp")
	assert.Equal(t, int64(0), items[0].CTIndex)
	assert.Equal(t, int64(2), items[1].CTIndex)
	assert.Equal(t, int64(4), items[2].CTIndex)
	for _, it := range items {
		assert.Equal(t, "argon", it.LogName)
		assert.Equal(t, "w1", it.WorkerName)
		assert.NotEmpty(t, it.CTEntry)
	}

	// The completion heartbeat carried the final cursor.
	fm.mu.Lock()
	last := fm.heartbeats[len(fm.heartbeats)-1]
	fm.mu.Unlock()
	assert.Equal(t, int64(8), last.Current)
}

func TestRunnerSpoolsWhenUploadRejected(t *testing.T) {
	leaves := testLeaves(t, []string{"a.example.jp", "b.example.jp"})
	log := ctLogServer(t, leaves)

	fm := newFakeManager(&models.AcquireResponse{
		LogName: "argon", LogURL: log.URL, Start: 0, End: 2, Current: 0,
	})
	fm.uploadFail = true
	mgrSrv := fm.server(t)

	r, sp := newTestRunner(t, testConfig("w1"), mgrSrv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case <-fm.completed:
	case <-time.After(10 * time.Second):
		t.Fatal("complete was never reported")
	}
	cancel()
	require.NoError(t, <-done)

	files, err := sp.List()
	require.NoError(t, err)
	require.Len(t, files, 1, "rejected batch must be spooled")

	items, err := sp.Load(files[0])
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Empty(t, fm.uploadedItems())
}

func TestRunnerResumesOnCancellation(t *testing.T) {
	// The log never returns entries, so the job sits in its fetch
	// loop until the context is cancelled.
	log := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(ct.GetEntriesResponse{})
	}))
	t.Cleanup(log.Close)

	fm := newFakeManager(&models.AcquireResponse{
		LogName: "argon", LogURL: log.URL, Start: 64, End: 128, Current: 80,
	})
	mgrSrv := fm.server(t)

	r, _ := newTestRunner(t, testConfig("w1"), mgrSrv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case req := <-fm.resumed:
		assert.Equal(t, "argon", req.LogName)
		assert.Equal(t, int64(64), req.Start)
		assert.Equal(t, int64(80), req.Current, "resume preserves the cursor")
	case <-time.After(5 * time.Second):
		t.Fatal("resume was never sent")
	}
	require.NoError(t, <-done)
}

func TestRunnerReportsPermanentFetchError(t *testing.T) {
	log := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	t.Cleanup(log.Close)

	fm := newFakeManager(&models.AcquireResponse{
		LogName: "argon", LogURL: log.URL, Start: 0, End: 32, Current: 0,
	})
	mgrSrv := fm.server(t)

	r, _ := newTestRunner(t, testConfig("w1"), mgrSrv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case report := <-fm.errReports:
		assert.Equal(t, "argon", report.LogName)
		assert.Contains(t, report.Message, "410")
	case <-time.After(5 * time.Second):
		t.Fatal("permanent error was never reported")
	}
	cancel()
	require.NoError(t, <-done)
}

func TestRunnerExitsWhenManagerUnreachable(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	cfg := testConfig("w1")
	cfg.UnreachableBudget = 2
	r, _ := newTestRunner(t, cfg, deadURL)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := r.Run(ctx)
	assert.ErrorIs(t, err, ErrManagerUnreachable)
}
