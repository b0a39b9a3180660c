package sth

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/certificate-transparency-go/client"
	"github.com/google/certificate-transparency-go/jsonclient"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bl4ck0w1/ctharvest/internal/manager/coordinator"
	"github.com/bl4ck0w1/ctharvest/internal/manager/store"
)

// Fetcher periodically pulls each active log's Signed Tree Head,
// records the tree size, and asks the coordinator to extend that log's
// job ranges over the newly published indices. STH signatures are not
// verified; the tree size is only an upper bound for partitioning.
type Fetcher struct {
	store    *store.Store
	coord    *coordinator.Coordinator
	logger   *logrus.Logger
	interval time.Duration

	httpClient *http.Client

	mu      sync.Mutex
	clients map[string]*client.LogClient
}

func NewFetcher(st *store.Store, coord *coordinator.Coordinator, interval time.Duration, logger *logrus.Logger) *Fetcher {
	if logger == nil {
		logger = logrus.New()
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Fetcher{
		store:    st,
		coord:    coord,
		logger:   logger,
		interval: interval,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   30 * time.Second,
		},
		clients: make(map[string]*client.LogClient),
	}
}

func (f *Fetcher) clientFor(logName, logURL string) (*client.LogClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if lc, ok := f.clients[logName]; ok {
		return lc, nil
	}
	lc, err := client.New(logURL, f.httpClient, jsonclient.Options{
		UserAgent: "ctharvest-manager/1.0",
	})
	if err != nil {
		return nil, fmt.Errorf("create CT log client for %s: %w", logName, err)
	}
	f.clients[logName] = lc
	return lc, nil
}

// SyncOnce fetches every active log's STH and extends its ranges.
func (f *Fetcher) SyncOnce(ctx context.Context) error {
	logs, err := f.store.ActiveLogs("")
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, lg := range logs {
		lg := lg
		g.Go(func() error {
			if err := f.syncLog(ctx, lg.LogName, lg.LogURL); err != nil {
				f.logger.Warnf("STH sync for %s failed: %v", lg.LogName, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (f *Fetcher) syncLog(ctx context.Context, logName, logURL string) error {
	lc, err := f.clientFor(logName, logURL)
	if err != nil {
		return err
	}

	head, err := lc.GetSTH(ctx)
	if err != nil {
		return fmt.Errorf("get STH: %w", err)
	}

	treeSize := int64(head.TreeSize)
	if err := f.store.SetTreeSize(logName, treeSize); err != nil {
		return fmt.Errorf("record tree size: %w", err)
	}

	created, err := f.coord.ExtendRanges(logName, treeSize)
	if err != nil {
		return fmt.Errorf("extend ranges: %w", err)
	}
	if created > 0 {
		f.logger.WithFields(logrus.Fields{
			"log_name":  logName,
			"tree_size": treeSize,
			"created":   created,
		}).Info("new job ranges from STH growth")
	}
	return nil
}

// Run syncs immediately, then on every tick until the context ends.
func (f *Fetcher) Run(ctx context.Context) error {
	if err := f.SyncOnce(ctx); err != nil {
		f.logger.Warnf("initial STH sync: %v", err)
	}

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := f.SyncOnce(ctx); err != nil {
				f.logger.Errorf("STH sync sweep: %v", err)
			}
		}
	}
}
