// Package ingest owns the venue sessions, duplicate suppression and the
// adaptive batching loop that feeds the broker.
package ingest

import (
	"container/list"
	"time"
)

type dedupEntry struct {
	key       string
	expiresAt time.Time
}

// DedupStore tracks recently seen correlation ids with LRU eviction and
// a TTL. Operations are O(1). It is not safe for concurrent use; the
// ingestion manager is its only caller.
type DedupStore struct {
	capacity int
	ttl      time.Duration
	entries  map[string]*list.Element
	order    *list.List // front is most recent
	now      func() time.Time
}

// NewDedupStore returns a store bounded to capacity entries with the
// given TTL. Non-positive arguments fall back to the defaults of
// 250,000 entries and 1800 seconds.
func NewDedupStore(capacity int, ttl time.Duration) *DedupStore {
	if capacity <= 0 {
		capacity = 250_000
	}
	if ttl <= 0 {
		ttl = 1800 * time.Second
	}
	return &DedupStore{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[string]*list.Element, capacity),
		order:    list.New(),
		now:      time.Now,
	}
}

// Contains reports whether key was added within the TTL. A hit
// refreshes recency; expired entries are purged on access.
func (d *DedupStore) Contains(key string) bool {
	el, ok := d.entries[key]
	if !ok {
		return false
	}
	entry := el.Value.(*dedupEntry)
	if d.now().After(entry.expiresAt) {
		d.order.Remove(el)
		delete(d.entries, key)
		return false
	}
	d.order.MoveToFront(el)
	return true
}

// Add records key with a fresh TTL, evicting the least recently used
// entry when the store is full.
func (d *DedupStore) Add(key string) {
	expires := d.now().Add(d.ttl)
	if el, ok := d.entries[key]; ok {
		el.Value.(*dedupEntry).expiresAt = expires
		d.order.MoveToFront(el)
		return
	}
	if d.order.Len() >= d.capacity {
		d.evictOne()
	}
	d.entries[key] = d.order.PushFront(&dedupEntry{key: key, expiresAt: expires})
}

// evictOne removes the least recently used entry. The tail is also the
// entry most likely to have expired already.
func (d *DedupStore) evictOne() {
	back := d.order.Back()
	if back == nil {
		return
	}
	entry := back.Value.(*dedupEntry)
	d.order.Remove(back)
	delete(d.entries, entry.key)
}

// Len returns the live entry count.
func (d *DedupStore) Len() int { return d.order.Len() }
