package storage

import (
	"container/list"
	"sync"

	"github.com/cloakmesh/enclave/pkg/metrics"
)

type cacheKey struct {
	fileNum uint64
	offset  uint64
}

type cacheEntry struct {
	key  cacheKey
	blk  *block
	size int
}

// blockCache is a capacity-bounded LRU cache of decoded blocks, keyed
// by (file number, block offset).
type blockCache struct {
	mu       sync.Mutex
	capacity int
	size     int
	ll       *list.List
	items    map[cacheKey]*list.Element
}

func newBlockCache(capacity int) *blockCache {
	return &blockCache{capacity: capacity, ll: list.New(), items: make(map[cacheKey]*list.Element)}
}

func (c *blockCache) Get(fileNum, offset uint64) (*block, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := cacheKey{fileNum, offset}
	el, ok := c.items[k]
	if !ok {
		metrics.BlockCacheMissesTotal.Inc()
		return nil, false
	}
	metrics.BlockCacheHitsTotal.Inc()
	c.ll.MoveToFront(el)
	return el.Value.(*cacheEntry).blk, true
}

func (c *blockCache) Put(fileNum, offset uint64, blk *block) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := cacheKey{fileNum, offset}
	if el, ok := c.items[k]; ok {
		c.ll.MoveToFront(el)
		entry := el.Value.(*cacheEntry)
		c.size += len(blk.data) - entry.size
		entry.blk = blk
		entry.size = len(blk.data)
		return
	}
	entry := &cacheEntry{key: k, blk: blk, size: len(blk.data)}
	el := c.ll.PushFront(entry)
	c.items[k] = el
	c.size += entry.size
	for c.size > c.capacity && c.ll.Len() > 1 {
		back := c.ll.Back()
		if back == nil {
			break
		}
		be := back.Value.(*cacheEntry)
		c.ll.Remove(back)
		delete(c.items, be.key)
		c.size -= be.size
	}
}

// EvictFile drops every cached block belonging to fileNum, used after a
// file is deleted by compaction.
func (c *blockCache) EvictFile(fileNum uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, el := range c.items {
		if k.fileNum == fileNum {
			c.ll.Remove(el)
			delete(c.items, k)
		}
	}
}
