package service

import (
	"container/list"
	"sync"
)

const overflowCacheCapacity = 1000

// OverflowEntry is one cached historical extraction for a conversation.
// Valid only while the request's model matches ModelID (context-window
// equivalence).
type OverflowEntry struct {
	HistoricalEndIndex int
	ExtractedContext   string
	MessageCount       int
	ModelID            string
}

// OverflowCache is a process-local LRU keyed by (user, conversation).
type OverflowCache struct {
	mu    sync.Mutex
	order *list.List // front = most recent
	items map[string]*list.Element
	cap   int
}

type overflowItem struct {
	key   string
	entry OverflowEntry
}

// NewOverflowCache creates a cache with the default capacity.
func NewOverflowCache() *OverflowCache {
	return &OverflowCache{
		order: list.New(),
		items: make(map[string]*list.Element),
		cap:   overflowCacheCapacity,
	}
}

func overflowKey(userID, conversationID string) string {
	return userID + ":" + conversationID
}

// Get returns the cached entry for the conversation, marking it recently
// used.
func (c *OverflowCache) Get(userID, conversationID string) (OverflowEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[overflowKey(userID, conversationID)]
	if !ok {
		return OverflowEntry{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*overflowItem).entry, true
}

// Put stores or replaces the entry, evicting the least recently used item
// when full.
func (c *OverflowCache) Put(userID, conversationID string, entry OverflowEntry) {
	key := overflowKey(userID, conversationID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*overflowItem).entry = entry
		c.order.MoveToFront(el)
		return
	}
	if c.order.Len() >= c.cap {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*overflowItem).key)
		}
	}
	c.items[key] = c.order.PushFront(&overflowItem{key: key, entry: entry})
}

// Invalidate removes the conversation's entry (model change).
func (c *OverflowCache) Invalidate(userID, conversationID string) {
	key := overflowKey(userID, conversationID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
	}
}
