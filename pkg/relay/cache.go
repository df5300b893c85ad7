// Copyright 2024-2026 Aiku AI

package relay

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

// CacheOptions bounds a CorrelationCache. Zero values disable the bound.
type CacheOptions struct {
	// MaxEntries is the maximum number of internal IDs retained.
	MaxEntries int
	// MaxAge drops internal IDs recorded longer ago than this.
	MaxAge time.Duration
}

// CacheStats is a point-in-time snapshot of cache counters.
type CacheStats struct {
	Entries   int    `json:"entries"`
	Handles   int    `json:"handles"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

type forwardEntry struct {
	internalID uint64
	author     *Author
}

type reverseEntry[H comparable] struct {
	handle   H
	header   string
	aliases  []H
	handles  []H
	recorded time.Time
	elem     *list.Element
}

// CorrelationCache maps internal message IDs to platform message handles and
// back. One cache exists per platform adapter; all methods are safe for
// concurrent use.
type CorrelationCache[H comparable] struct {
	source Source
	opts   CacheOptions
	now    func() time.Time

	mu      sync.Mutex
	forward map[H]forwardEntry
	reverse map[uint64]*reverseEntry[H]
	order   *list.List

	hits, misses, evictions uint64
}

// NewCorrelationCache creates an empty cache for the given platform.
func NewCorrelationCache[H comparable](source Source, opts CacheOptions) *CorrelationCache[H] {
	return &CorrelationCache[H]{
		source:  source,
		opts:    opts,
		now:     time.Now,
		forward: make(map[H]forwardEntry),
		reverse: make(map[uint64]*reverseEntry[H]),
		order:   list.New(),
	}
}

// Source returns the platform this cache belongs to.
func (c *CorrelationCache[H]) Source() Source {
	return c.source
}

// Record stores the mapping in both directions. Recording an internal ID
// again replaces its reverse entry; forward entries of earlier handles stay
// resolvable until the internal ID is evicted.
func (c *CorrelationCache[H]) Record(internalID uint64, handle H, author *Author, header string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.forward[handle] = forwardEntry{internalID: internalID, author: author}
	if existing, ok := c.reverse[internalID]; ok {
		existing.handle = handle
		existing.header = header
		existing.handles = append(existing.handles, handle)
		existing.recorded = now
		c.order.MoveToBack(existing.elem)
	} else {
		entry := &reverseEntry[H]{
			handle:   handle,
			header:   header,
			handles:  []H{handle},
			recorded: now,
		}
		entry.elem = c.order.PushBack(internalID)
		c.reverse[internalID] = entry
	}
	c.evictLocked(now)
}

// RecordAlias attaches an extra platform handle to an already recorded
// internal ID, for messages that one platform splits into several parts.
// The alias resolves to the internal ID but never replaces the primary
// handle. It returns false if the internal ID is unknown.
func (c *CorrelationCache[H]) RecordAlias(internalID uint64, handle H) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.reverse[internalID]
	if !ok {
		return false
	}
	var author *Author
	if fwd, ok := c.forward[entry.handle]; ok {
		author = fwd.author
	}
	c.forward[handle] = forwardEntry{internalID: internalID, author: author}
	entry.aliases = append(entry.aliases, handle)
	entry.handles = append(entry.handles, handle)
	return true
}

// ResolveAll returns the primary handle followed by every alias recorded
// for an internal ID.
func (c *CorrelationCache[H]) ResolveAll(internalID uint64) ([]H, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.reverse[internalID]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	all := make([]H, 0, 1+len(entry.aliases))
	all = append(all, entry.handle)
	return append(all, entry.aliases...), true
}

// ResolvePlatform returns the platform handle and rendered header recorded
// for an internal ID.
func (c *CorrelationCache[H]) ResolvePlatform(internalID uint64) (handle H, header string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.reverse[internalID]
	if !ok {
		c.misses++
		return handle, "", false
	}
	c.hits++
	return entry.handle, entry.header, true
}

// ResolveInternal returns the internal ID and author snapshot recorded for a
// platform handle.
func (c *CorrelationCache[H]) ResolveInternal(handle H) (internalID uint64, author *Author, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.forward[handle]
	if !ok {
		c.misses++
		return 0, nil, false
	}
	c.hits++
	return entry.internalID, entry.author, true
}

// MustResolvePlatform is ResolvePlatform that reports a miss as a
// *CorrelationMissError.
func (c *CorrelationCache[H]) MustResolvePlatform(internalID uint64) (H, string, error) {
	handle, header, ok := c.ResolvePlatform(internalID)
	if !ok {
		return handle, "", &CorrelationMissError{Source: c.source, InternalID: internalID}
	}
	return handle, header, nil
}

// MustResolveInternal is ResolveInternal that reports a miss as a
// *CorrelationMissError.
func (c *CorrelationCache[H]) MustResolveInternal(handle H) (uint64, *Author, error) {
	internalID, author, ok := c.ResolveInternal(handle)
	if !ok {
		return 0, nil, &CorrelationMissError{Source: c.source, Handle: fmt.Sprint(handle)}
	}
	return internalID, author, nil
}

// Len returns the number of internal IDs currently retained.
func (c *CorrelationCache[H]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reverse)
}

// Stats returns a snapshot of the cache counters.
func (c *CorrelationCache[H]) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Entries:   len(c.reverse),
		Handles:   len(c.forward),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

func (c *CorrelationCache[H]) evictLocked(now time.Time) {
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		internalID := front.Value.(uint64)
		entry := c.reverse[internalID]
		overCapacity := c.opts.MaxEntries > 0 && len(c.reverse) > c.opts.MaxEntries
		expired := c.opts.MaxAge > 0 && now.Sub(entry.recorded) > c.opts.MaxAge
		if !overCapacity && !expired {
			return
		}
		c.order.Remove(front)
		delete(c.reverse, internalID)
		for _, h := range entry.handles {
			if fwd, ok := c.forward[h]; ok && fwd.internalID == internalID {
				delete(c.forward, h)
			}
		}
		c.evictions++
	}
}
