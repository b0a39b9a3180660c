package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bl4ck0w1/ctharvest/pkg/models"
)

func fp(serial string) models.CertFingerprint {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	return models.CertFingerprint{
		Issuer:       "CN=Test CA",
		SerialNumber: serial,
		NotBefore:    now,
		NotAfter:     now.AddDate(0, 3, 0),
		CommonName:   "example.jp",
	}
}

func TestCheckAndAddFirstMissThenHit(t *testing.T) {
	c := New(100, nil)

	assert.Equal(t, Miss, c.CheckAndAdd(fp("1")))
	assert.Equal(t, Hit, c.CheckAndAdd(fp("1")))
	assert.Equal(t, Miss, c.CheckAndAdd(fp("2")))
	assert.Equal(t, 2, c.Size())
}

func TestCheckAndAddExactlyOneMissUnderConcurrency(t *testing.T) {
	c := New(50000, nil)

	const goroutines = 64
	const rounds = 200

	for r := 0; r < rounds; r++ {
		target := fp(fmt.Sprintf("serial-%d", r))

		var wg sync.WaitGroup
		var misses int64
		var mu sync.Mutex

		for g := 0; g < goroutines; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if c.CheckAndAdd(target) == Miss {
					mu.Lock()
					misses++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		require.Equal(t, int64(1), misses, "round %d: exactly one caller must observe MISS", r)
	}
}

func TestStatsAccounting(t *testing.T) {
	c := New(100, nil)

	c.CheckAndAdd(fp("a"))
	c.CheckAndAdd(fp("a"))
	c.CheckAndAdd(fp("a"))
	c.CheckAndAdd(fp("b"))

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.HitCount)
	assert.Equal(t, int64(2), stats.MissCount)
	assert.Equal(t, int64(4), stats.TotalRequests)
	assert.Equal(t, stats.HitCount+stats.MissCount, stats.TotalRequests)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)
	assert.Equal(t, 100, stats.MaxSize)
}

func TestEvictionKeepsSizeBounded(t *testing.T) {
	const maxSize = 1024
	c := New(maxSize, nil)

	for i := 0; i < maxSize+5000; i++ {
		res := c.CheckAndAdd(fp(fmt.Sprintf("evict-%d", i)))
		assert.Equal(t, Miss, res, "distinct fingerprints are always a MISS")
	}
	assert.LessOrEqual(t, c.Size(), maxSize)

	// A brand-new fingerprint past capacity is still a MISS.
	assert.Equal(t, Miss, c.CheckAndAdd(fp("one-more")))
	assert.LessOrEqual(t, c.Size(), maxSize)
}

func TestRemoveAllowsReinsert(t *testing.T) {
	c := New(100, nil)

	require.Equal(t, Miss, c.CheckAndAdd(fp("rollback")))
	c.Remove(fp("rollback"))
	assert.Equal(t, 0, c.Size())

	// After rollback a retry must not be falsely suppressed.
	assert.Equal(t, Miss, c.CheckAndAdd(fp("rollback")))
}

func TestRemoveUnknownIsNoop(t *testing.T) {
	c := New(100, nil)
	c.Remove(fp("never-added"))
	assert.Equal(t, 0, c.Size())
}

func TestClearResetsEverything(t *testing.T) {
	c := New(100, nil)
	c.CheckAndAdd(fp("x"))
	c.CheckAndAdd(fp("x"))

	c.Clear()

	stats := c.Stats()
	assert.Equal(t, 0, stats.CacheSize)
	assert.Equal(t, int64(0), stats.HitCount)
	assert.Equal(t, int64(0), stats.MissCount)
	assert.Equal(t, Miss, c.CheckAndAdd(fp("x")))
}
