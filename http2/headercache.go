package http2

import (
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
)

// maxCachedHeaderNames bounds the process-wide header-name cache. Bounded
// by the number of distinct incoming header names, which in practice is
// small (spec.md §9); past the cap we evict at random since correctness
// never depends on a hit.
const maxCachedHeaderNames = 4096

// headerNameCache interns the lowercase wire form of a header name, keyed
// by whatever casing the caller happened to use, so repeated requests for
// the same logical header (e.g. "Content-Type" vs "content-type") don't
// re-allocate a lowercase copy every time (spec.md §4.1, §9).
//
// It is a concurrent insert-if-absent map: safe for concurrent readers
// and writers, write-through on miss.
type headerNameCache struct {
	m    sync.Map // string -> string
	size atomic.Int64
}

var globalHeaderCache = &headerNameCache{}

// lowerHeaderName returns the interned lowercase form of name.
func (c *headerNameCache) lowerHeaderName(name string) string {
	if v, ok := c.m.Load(name); ok {
		return v.(string)
	}
	lower := strings.ToLower(name)
	if c.size.Load() >= maxCachedHeaderNames {
		c.evictOne()
	}
	if _, loaded := c.m.LoadOrStore(name, lower); !loaded {
		c.size.Add(1)
	}
	return lower
}

// evictOne drops one arbitrary entry, relying on Go's unspecified map
// iteration order to approximate random eviction (spec.md §9: "cap size
// and evict at random; correctness does not depend on hits").
func (c *headerNameCache) evictOne() {
	n := rand.Intn(8) + 1
	i := 0
	c.m.Range(func(k, _ any) bool {
		if i >= n {
			c.m.Delete(k)
			c.size.Add(-1)
			return false
		}
		i++
		return true
	})
}

// lowerHeader returns the lowercase wire form of v using the process-wide
// cache, and whether v was ASCII (non-ASCII names are never valid HTTP/2
// header names and are rejected by the caller).
func lowerHeader(v string) (lower string, ascii bool) {
	for i := 0; i < len(v); i++ {
		if v[i] >= utf8RuneSelf {
			return v, false
		}
	}
	return globalHeaderCache.lowerHeaderName(v), true
}

const utf8RuneSelf = 0x80
