package netclient

import (
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"
)

const (
	// cacheMaxEntries triggers opportunistic eviction once exceeded.
	cacheMaxEntries = 100
	// cacheEvictCount is how many of the oldest entries are dropped per eviction.
	cacheEvictCount = 20
)

type cacheEntry struct {
	resp       *Response
	insertedAt time.Time
	ttl        time.Duration
}

// responseCache is a TTL cache keyed by the request dedup key.
type responseCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

func newResponseCache(now func() time.Time) *responseCache {
	return &responseCache{entries: make(map[string]cacheEntry), now: now}
}

func (c *responseCache) get(key string) (*Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.insertedAt) > e.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return e.resp, true
}

func (c *responseCache) set(key string, resp *Response, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{resp: resp, insertedAt: c.now(), ttl: ttl}
	if len(c.entries) <= cacheMaxEntries {
		return
	}
	type aged struct {
		key string
		at  time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{k, e.insertedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	for i := 0; i < cacheEvictCount && i < len(all); i++ {
		delete(c.entries, all[i].key)
	}
}

// domainLimit tracks the rate-limit state a domain last reported.
type domainLimit struct {
	Remaining int
	Limit     int
	Reset     time.Time
}

// rateLimitTable holds per-domain rate-limit bookkeeping parsed from
// response headers. Entries are overwritten by every response that
// carries rate-limit headers; there is no explicit TTL.
type rateLimitTable struct {
	mu       sync.Mutex
	byDomain map[string]domainLimit
	now      func() time.Time
}

func newRateLimitTable(now func() time.Time) *rateLimitTable {
	return &rateLimitTable{byDomain: make(map[string]domainLimit), now: now}
}

// wait returns how long the caller must wait before hitting the domain
// again. Zero means the domain is not currently limited.
func (t *rateLimitTable) wait(domain string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.byDomain[domain]
	if !ok || l.Remaining > 0 {
		return 0
	}
	if d := l.Reset.Sub(t.now()); d > 0 {
		return d
	}
	return 0
}

func (t *rateLimitTable) set(domain string, l domainLimit) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byDomain[domain] = l
}

func (t *rateLimitTable) get(domain string) (domainLimit, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.byDomain[domain]
	return l, ok
}

// update parses rate-limit headers from a response. Both the x-ratelimit-*
// and ratelimit-* header families are accepted. Reset values larger than
// 10^9 are treated as unix epoch seconds, smaller ones as a delta in
// seconds from now.
func (t *rateLimitTable) update(domain string, h http.Header) {
	remaining, okRemaining := headerInt(h, "X-RateLimit-Remaining", "RateLimit-Remaining")
	if !okRemaining {
		return
	}
	limit, _ := headerInt(h, "X-RateLimit-Limit", "RateLimit-Limit")
	l := domainLimit{Remaining: remaining, Limit: limit}
	if reset, ok := headerInt(h, "X-RateLimit-Reset", "RateLimit-Reset"); ok {
		if reset > 1_000_000_000 {
			l.Reset = time.Unix(int64(reset), 0)
		} else {
			l.Reset = t.now().Add(time.Duration(reset) * time.Second)
		}
	}
	t.set(domain, l)
}

func headerInt(h http.Header, names ...string) (int, bool) {
	for _, name := range names {
		if v := h.Get(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}
