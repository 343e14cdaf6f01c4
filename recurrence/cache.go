package recurrence

import (
	"container/list"
	"strconv"
	"strings"
	"sync"
	"time"
)

// CacheConfig bounds the occurrence cache.
type CacheConfig struct {
	TTL        time.Duration
	MaxEntries int
	// CleanupInterval is how often expired answers are swept.
	CleanupInterval time.Duration
}

var DefaultCacheConfig = CacheConfig{
	TTL:             15 * time.Minute,
	MaxEntries:      1000,
	CleanupInterval: 5 * time.Minute,
}

// occurrenceKey identifies one "is rid an occurrence of this series" question.
// Masters with the same start, zone and recurrence set share answers.
type occurrenceKey struct {
	start  int64
	zone   string
	rule   string
	rdate  string
	exdate string
	rid    int64
}

func newOccurrenceKey(masterStart time.Time, info RecurrenceInfo, rid time.Time) occurrenceKey {
	return occurrenceKey{
		start:  masterStart.UnixNano(),
		zone:   masterStart.Location().String(),
		rule:   info.RRULE,
		rdate:  joinTimes(info.RDATE),
		exdate: joinTimes(info.EXDATE),
		rid:    rid.UnixNano(),
	}
}

func joinTimes(times []time.Time) string {
	var b strings.Builder
	for _, t := range times {
		b.WriteString(strconv.FormatInt(t.UnixNano(), 10))
		b.WriteByte(',')
	}
	return b.String()
}

type occurrenceEntry struct {
	key       occurrenceKey
	exists    bool
	expiresAt time.Time
}

// OccurrenceCache remembers recurrence id checks. Entries expire after the
// TTL; beyond MaxEntries the least recently used answer is dropped.
type OccurrenceCache struct {
	mu      sync.Mutex
	entries map[occurrenceKey]*list.Element
	lru     *list.List
	config  CacheConfig
	now     func() time.Time
	stats   CacheStats

	stop      chan struct{}
	closeOnce sync.Once
}

// CacheStats counts cache activity since creation.
type CacheStats struct {
	Entries   int
	Hits      int
	Misses    int
	Evictions int
}

// NewOccurrenceCache starts a cache with a background sweeper; call Close to
// stop it.
func NewOccurrenceCache(config CacheConfig) *OccurrenceCache {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultCacheConfig.CleanupInterval
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultCacheConfig.MaxEntries
	}
	c := &OccurrenceCache{
		entries: make(map[occurrenceKey]*list.Element),
		lru:     list.New(),
		config:  config,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Lookup returns a remembered answer for rid.
func (c *OccurrenceCache) Lookup(masterStart time.Time, info RecurrenceInfo, rid time.Time) (exists, ok bool) {
	key := newOccurrenceKey(masterStart, info, rid)

	c.mu.Lock()
	defer c.mu.Unlock()
	el, found := c.entries[key]
	if !found {
		c.stats.Misses++
		return false, false
	}
	entry := el.Value.(*occurrenceEntry)
	if c.now().After(entry.expiresAt) {
		c.remove(el)
		c.stats.Misses++
		return false, false
	}
	c.lru.MoveToFront(el)
	c.stats.Hits++
	return entry.exists, true
}

// Store records the answer for rid.
func (c *OccurrenceCache) Store(masterStart time.Time, info RecurrenceInfo, rid time.Time, exists bool) {
	key := newOccurrenceKey(masterStart, info, rid)
	expiresAt := c.now().Add(c.config.TTL)

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, found := c.entries[key]; found {
		entry := el.Value.(*occurrenceEntry)
		entry.exists, entry.expiresAt = exists, expiresAt
		c.lru.MoveToFront(el)
		return
	}
	c.entries[key] = c.lru.PushFront(&occurrenceEntry{key: key, exists: exists, expiresAt: expiresAt})
	for c.lru.Len() > c.config.MaxEntries {
		c.remove(c.lru.Back())
		c.stats.Evictions++
	}
}

func (c *OccurrenceCache) remove(el *list.Element) {
	c.lru.Remove(el)
	delete(c.entries, el.Value.(*occurrenceEntry).key)
}

func (c *OccurrenceCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for el := c.lru.Back(); el != nil; {
		prev := el.Prev()
		if now.After(el.Value.(*occurrenceEntry).expiresAt) {
			c.remove(el)
		}
		el = prev
	}
}

func (c *OccurrenceCache) sweepLoop() {
	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

// Close stops the sweeper and forgets every answer.
func (c *OccurrenceCache) Close() {
	c.closeOnce.Do(func() { close(c.stop) })
	c.mu.Lock()
	c.entries = make(map[occurrenceKey]*list.Element)
	c.lru.Init()
	c.mu.Unlock()
}

func (c *OccurrenceCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = c.lru.Len()
	return s
}
