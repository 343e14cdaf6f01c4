package recurrence

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var (
	cacheMaster = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	cacheRID    = time.Date(2024, 1, 3, 10, 0, 0, 0, time.UTC)
)

func TestOccurrenceCacheLookup(t *testing.T) {
	cache := NewOccurrenceCache(CacheConfig{TTL: 5 * time.Minute, MaxEntries: 100, CleanupInterval: time.Minute})
	defer cache.Close()

	info := RecurrenceInfo{RRULE: "FREQ=DAILY;COUNT=5"}
	_, ok := cache.Lookup(cacheMaster, info, cacheRID)
	assert.False(t, ok)

	cache.Store(cacheMaster, info, cacheRID, true)
	exists, ok := cache.Lookup(cacheMaster, info, cacheRID)
	assert.True(t, ok)
	assert.True(t, exists)

	withExdate := RecurrenceInfo{RRULE: info.RRULE, EXDATE: []time.Time{cacheRID}}
	_, ok = cache.Lookup(cacheMaster, withExdate, cacheRID)
	assert.False(t, ok, "exception dates are part of the key")

	berlin, err := time.LoadLocation("Europe/Berlin")
	assert.NoError(t, err)
	_, ok = cache.Lookup(cacheMaster.In(berlin), info, cacheRID)
	assert.False(t, ok, "the master's zone is part of the key")

	cache.Store(cacheMaster, info, cacheRID, false)
	exists, ok = cache.Lookup(cacheMaster, info, cacheRID)
	assert.True(t, ok)
	assert.False(t, exists, "store overwrites")

	assert.Equal(t, CacheStats{Entries: 1, Hits: 2, Misses: 3}, cache.Stats())
}

func TestOccurrenceCacheExpiry(t *testing.T) {
	cache := NewOccurrenceCache(CacheConfig{TTL: time.Minute, MaxEntries: 10, CleanupInterval: time.Hour})
	defer cache.Close()
	now := cacheMaster
	cache.now = func() time.Time { return now }

	info := RecurrenceInfo{RRULE: "FREQ=DAILY"}
	cache.Store(cacheMaster, info, cacheMaster, true)
	cache.Store(cacheMaster, info, cacheRID, true)

	now = now.Add(2 * time.Minute)
	_, ok := cache.Lookup(cacheMaster, info, cacheMaster)
	assert.False(t, ok)

	cache.sweep()
	assert.Equal(t, 0, cache.Stats().Entries)
}

func TestOccurrenceCacheEvictsLeastRecentlyUsed(t *testing.T) {
	cache := NewOccurrenceCache(CacheConfig{TTL: time.Minute, MaxEntries: 2, CleanupInterval: time.Hour})
	defer cache.Close()

	info := RecurrenceInfo{RRULE: "FREQ=DAILY"}
	day := func(n int) time.Time { return cacheMaster.AddDate(0, 0, n) }
	cache.Store(cacheMaster, info, day(0), true)
	cache.Store(cacheMaster, info, day(1), true)
	_, _ = cache.Lookup(cacheMaster, info, day(0))
	cache.Store(cacheMaster, info, day(2), true)

	_, ok := cache.Lookup(cacheMaster, info, day(1))
	assert.False(t, ok, "least recently used answer is evicted")
	_, ok = cache.Lookup(cacheMaster, info, day(0))
	assert.True(t, ok)
	assert.Equal(t, 1, cache.Stats().Evictions)
}

func TestOccurrenceCacheConcurrency(t *testing.T) {
	cache := NewOccurrenceCache(DefaultCacheConfig)
	defer cache.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			info := RecurrenceInfo{RRULE: fmt.Sprintf("FREQ=WEEKLY;COUNT=%d", i+1)}
			for j := 0; j < 50; j++ {
				cache.Store(cacheMaster, info, cacheMaster, j%2 == 0)
				cache.Lookup(cacheMaster, info, cacheMaster)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 8, cache.Stats().Entries)
}

func TestOccurrenceCacheClose(t *testing.T) {
	cache := NewOccurrenceCache(CacheConfig{TTL: time.Minute})
	cache.Store(cacheMaster, RecurrenceInfo{RRULE: "FREQ=DAILY"}, cacheMaster, true)
	cache.Close()
	cache.Close()
	assert.Equal(t, 0, cache.Stats().Entries)
}
