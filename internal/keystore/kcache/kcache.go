// Package kcache implements the keystore's in-memory block cache
// (spec §3 "Block cache"), grounded on ks.c's hal_ks_cache_find_block
// / hal_ks_cache_pick_lru / hal_ks_cache_mark_used trio. The source
// hand-rolls a small fixed array with an explicit lru tick counter;
// hsmcore delegates that bookkeeping to
// github.com/hashicorp/golang-lru/v2/simplelru, which maintains the
// same "at most one slot per block number, evict least recently used"
// contract without a hand-written counter.
package kcache

import (
	lru "github.com/hashicorp/golang-lru/v2/simplelru"
)

// Cache holds decoded block images keyed by block number, evicting the
// least recently used entry once full.
type Cache struct {
	inner *lru.LRU[uint16, []byte]
}

// New returns a Cache holding at most size block images.
func New(size int) *Cache {
	inner, _ := lru.NewLRU[uint16, []byte](size, nil)
	return &Cache{inner: inner}
}

// Get returns blockno's cached image, if present, refreshing its
// recency.
func (c *Cache) Get(blockno uint16) ([]byte, bool) {
	return c.inner.Get(blockno)
}

// Put inserts or refreshes blockno's cached image.
func (c *Cache) Put(blockno uint16, block []byte) {
	c.inner.Add(blockno, block)
}

// Invalidate drops blockno from the cache, used when the underlying
// block has been rewritten to a different block number (the
// hal_ks_cache_release step of hal_ks_block_update).
func (c *Cache) Invalidate(blockno uint16) {
	c.inner.Remove(blockno)
}

// Len reports the number of cached entries.
func (c *Cache) Len() int { return c.inner.Len() }
