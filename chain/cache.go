package chain

import (
	"container/list"
	"sync"
)

// defaultCapacity bounds the supplementary LRU for heights other than the
// tip and genesis, which are cached unconditionally.
const defaultCapacity = 32

type cacheEntry struct {
	height int64
	hash   string
}

// HashCache caches block hashes by height. The chain tip and the genesis
// block are cached unconditionally; any other height falls into a small
// bounded LRU rather than growing unbounded.
type HashCache struct {
	mu sync.Mutex

	genesisHash string
	hasGenesis  bool

	tipHeight int64
	tipHash   string
	hasTip    bool

	capacity int
	order    *list.List
	items    map[int64]*list.Element
}

// NewHashCache returns a HashCache with the given supplementary LRU
// capacity (heights beyond tip/genesis). A capacity of 0 uses the default.
func NewHashCache(capacity int) *HashCache {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &HashCache{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[int64]*list.Element),
	}
}

// SetGenesis records the genesis block's hash.
func (c *HashCache) SetGenesis(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.genesisHash = hash
	c.hasGenesis = true
}

// SetTip records the current chain tip's height and hash.
func (c *HashCache) SetTip(height int64, hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tipHeight = height
	c.tipHash = hash
	c.hasTip = true
}

// Get returns the cached hash for a height, if any.
func (c *HashCache) Get(height int64) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if height == 0 && c.hasGenesis {
		return c.genesisHash, true
	}
	if c.hasTip && height == c.tipHeight {
		return c.tipHash, true
	}
	if el, ok := c.items[height]; ok {
		c.order.MoveToFront(el)
		return el.Value.(*cacheEntry).hash, true
	}
	return "", false
}

// Put inserts a height/hash pair into the supplementary LRU, evicting the
// least-recently-used entry if the cache is at capacity. Heights equal to
// the current tip or genesis are not duplicated into the LRU.
func (c *HashCache) Put(height int64, hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if height == 0 || (c.hasTip && height == c.tipHeight) {
		return
	}

	if el, ok := c.items[height]; ok {
		el.Value.(*cacheEntry).hash = hash
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&cacheEntry{height: height, hash: hash})
	c.items[height] = el

	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheEntry).height)
		}
	}
}
