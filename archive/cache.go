package archive

import (
	lru "github.com/hashicorp/golang-lru"
)

// resultCache memoizes a recent PayloadHash's extraction result, the
// way the teacher's common.Cache wraps hashicorp/golang-lru for
// block/header lookups. All voters for the same hash submit
// byte-identical payloads by construction (spec.md section 4.4), so a
// hash that reaches consensus twice in quick succession (a reaper race,
// a retried vote) does not re-pay the extraction cost.
type resultCache struct {
	lru *lru.Cache
}

// newResultCache builds a cache holding at most size extracted
// archives.
func newResultCache(size int) *resultCache {
	c, err := lru.New(size)
	if err != nil {
		// size <= 0; fall back to a single-entry cache rather than fail
		// Loader construction over a cache-sizing mistake.
		c, _ = lru.New(1)
	}
	return &resultCache{lru: c}
}

func (c *resultCache) get(hash string) (*ExtractedArchive, bool) {
	v, ok := c.lru.Get(hash)
	if !ok {
		return nil, false
	}
	return v.(*ExtractedArchive), true
}

func (c *resultCache) add(hash string, archive *ExtractedArchive) {
	c.lru.Add(hash, archive)
}
