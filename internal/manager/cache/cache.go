package cache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"

	"github.com/bl4ck0w1/ctharvest/pkg/models"
)

const numStripes = 64

// Result of a CheckAndAdd call.
type Result int

const (
	Hit Result = iota
	Miss
)

func (r Result) String() string {
	if r == Hit {
		return "HIT"
	}
	return "MISS"
}

// FingerprintCache answers "have I seen this certificate before?" with
// at-most-one-insert semantics: of all concurrent CheckAndAdd calls for
// one fingerprint, exactly one observes Miss. The cache is bounded;
// eviction is FIFO per stripe, which is safe because the database
// unique index is the source of truth.
type FingerprintCache struct {
	stripes [numStripes]stripe
	maxSize int

	size      atomic.Int64
	hitCount  atomic.Int64
	missCount atomic.Int64

	logger *logrus.Logger
}

type stripe struct {
	mu    sync.Mutex
	items map[string]*list.Element
	order *list.List // front = oldest
	cap   int
}

func New(maxSize int, logger *logrus.Logger) *FingerprintCache {
	if maxSize <= 0 {
		maxSize = 50000
	}
	if logger == nil {
		logger = logrus.New()
	}

	c := &FingerprintCache{maxSize: maxSize, logger: logger}

	perStripe := maxSize / numStripes
	if perStripe < 1 {
		perStripe = 1
	}
	for i := range c.stripes {
		c.stripes[i].items = make(map[string]*list.Element)
		c.stripes[i].order = list.New()
		c.stripes[i].cap = perStripe
	}
	return c
}

func (c *FingerprintCache) stripeFor(key string) *stripe {
	return &c.stripes[xxh3.HashString(key)%numStripes]
}

// CheckAndAdd looks the fingerprint up and inserts it when absent, as
// one critical section under the stripe lock. Callers that get Miss own
// the follow-up database insert; the lock is never held across it.
func (c *FingerprintCache) CheckAndAdd(fp models.CertFingerprint) Result {
	key := fp.Key()
	s := c.stripeFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[key]; ok {
		c.hitCount.Add(1)
		return Hit
	}
	c.missCount.Add(1)

	if s.order.Len() >= s.cap {
		oldest := s.order.Front()
		if oldest != nil {
			delete(s.items, oldest.Value.(string))
			s.order.Remove(oldest)
			c.size.Add(-1)
		}
	}
	s.items[key] = s.order.PushBack(key)
	c.size.Add(1)
	return Miss
}

// Remove drops a fingerprint so a later retry is not falsely
// suppressed. Used by upload ingestion when the database insert that
// followed a Miss fails for a non-duplicate reason.
func (c *FingerprintCache) Remove(fp models.CertFingerprint) {
	key := fp.Key()
	s := c.stripeFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[key]; ok {
		delete(s.items, key)
		s.order.Remove(el)
		c.size.Add(-1)
	}
}

func (c *FingerprintCache) Size() int {
	return int(c.size.Load())
}

func (c *FingerprintCache) Stats() models.CacheStats {
	hits := c.hitCount.Load()
	misses := c.missCount.Load()
	total := hits + misses

	stats := models.CacheStats{
		CacheSize:     c.Size(),
		MaxSize:       c.maxSize,
		HitCount:      hits,
		MissCount:     misses,
		TotalRequests: total,
	}
	if total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats
}

func (c *FingerprintCache) Clear() {
	for i := range c.stripes {
		s := &c.stripes[i]
		s.mu.Lock()
		c.size.Add(-int64(s.order.Len()))
		s.items = make(map[string]*list.Element)
		s.order.Init()
		s.mu.Unlock()
	}
	c.hitCount.Store(0)
	c.missCount.Store(0)
	c.logger.Info("fingerprint cache cleared")
}
