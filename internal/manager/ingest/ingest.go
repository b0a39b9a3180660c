package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bl4ck0w1/ctharvest/internal/ctparse"
	"github.com/bl4ck0w1/ctharvest/internal/manager/cache"
	"github.com/bl4ck0w1/ctharvest/internal/manager/store"
	"github.com/bl4ck0w1/ctharvest/pkg/models"
)

// DefaultBatchLimit is the most records one upload request may carry.
const DefaultBatchLimit = 32

// Ingestor accepts worker-submitted certificate batches and persists
// the non-duplicates. The fingerprint cache front-runs the database;
// the database unique index is the backstop for races the cache cannot
// see (eviction, multiple managers behind one store).
type Ingestor struct {
	store  *store.Store
	cache  *cache.FingerprintCache
	logger *logrus.Logger
	now    func() time.Time
}

func New(st *store.Store, fc *cache.FingerprintCache, logger *logrus.Logger) *Ingestor {
	if logger == nil {
		logger = logrus.New()
	}
	return &Ingestor{store: st, cache: fc, logger: logger, now: time.Now}
}

type pendingInsert struct {
	cert models.Certificate
	fp   models.CertFingerprint
}

// Ingest runs one batch: fingerprint every record, partition through
// the cache, bulk-insert the new ones, and fall back to per-record
// inserts when the bulk write fails. Resubmitting the same batch is
// idempotent: every record stored the first time lands as a duplicate
// the second time.
func (i *Ingestor) Ingest(ctx context.Context, items []models.UploadItem) models.UploadResponse {
	var resp models.UploadResponse
	if len(items) == 0 {
		return resp
	}

	newRecords := make([]pendingInsert, 0, len(items))
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			resp.Failures += len(items) - resp.Inserted - resp.Duplicates - resp.Failures
			return resp
		}

		entry, err := ctparse.ParseRawBlob([]byte(item.CTEntry))
		if err != nil {
			i.logger.WithFields(logrus.Fields{
				"log_name": item.LogName,
				"ct_index": item.CTIndex,
				"worker":   item.WorkerName,
			}).Debugf("unparseable upload entry: %v", err)
			resp.Failures++
			continue
		}

		if i.cache.CheckAndAdd(entry.Fingerprint) == cache.Hit {
			resp.Duplicates++
			continue
		}

		newRecords = append(newRecords, pendingInsert{
			cert: models.Certificate{
				CTEntry:      item.CTEntry,
				LogURL:       item.CTLogURL,
				LogName:      item.LogName,
				WorkerName:   item.WorkerName,
				CTIndex:      item.CTIndex,
				IPAddress:    item.IPAddress,
				Issuer:       entry.Fingerprint.Issuer,
				SerialNumber: entry.Fingerprint.SerialNumber,
				NotBefore:    entry.Fingerprint.NotBefore,
				NotAfter:     entry.Fingerprint.NotAfter,
				CommonName:   entry.Fingerprint.CommonName,
				CreatedAt:    i.now(),
			},
			fp: entry.Fingerprint,
		})
	}

	if len(newRecords) == 0 {
		return resp
	}

	certs := make([]models.Certificate, len(newRecords))
	for idx, p := range newRecords {
		certs[idx] = p.cert
	}

	if err := i.store.InsertCertificates(certs); err == nil {
		resp.Inserted += len(newRecords)
		return resp
	} else {
		i.logger.Warnf("bulk insert of %d records failed, falling back to per-record inserts: %v", len(newRecords), err)
	}

	// Step-wise fallback. A unique-index collision means a racing
	// worker beat us to the record: count it as a duplicate and leave
	// the cache entry in place. Any other failure rolls the
	// fingerprint back out so a retry is not falsely suppressed.
	for _, p := range newRecords {
		cert := p.cert
		err := i.store.InsertCertificate(&cert)
		switch {
		case err == nil:
			resp.Inserted++
		case errors.Is(err, store.ErrDuplicate):
			resp.Duplicates++
		default:
			i.logger.WithFields(logrus.Fields{
				"log_name": cert.LogName,
				"ct_index": cert.CTIndex,
			}).Errorf("per-record insert failed: %v", err)
			i.cache.Remove(p.fp)
			resp.Failures++
		}
	}
	return resp
}
