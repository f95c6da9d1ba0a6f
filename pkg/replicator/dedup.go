package replicator

const (
	DefaultDedupCapacity   = 10000
	DefaultDedupEvictBatch = 1000
)

// DedupCache is a bounded set of recently forwarded record identifiers.
//
// Identifiers are kept in insertion order in a ring so eviction always drops
// the oldest entries. Size may exceed capacity by one entry between Add and
// the following Evict call.
type DedupCache struct {
	ids        map[string]struct{}
	ring       []string
	head       int // oldest entry
	size       int
	capacity   int
	evictBatch int
}

// NewDedupCache returns a cache with the given soft capacity and eviction batch.
// Non-positive arguments fall back to the defaults.
func NewDedupCache(capacity, evictBatch int) *DedupCache {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	if evictBatch <= 0 {
		evictBatch = DefaultDedupEvictBatch
	}
	if evictBatch > capacity {
		evictBatch = capacity
	}
	return &DedupCache{
		ids:        make(map[string]struct{}, capacity+1),
		ring:       make([]string, capacity+1),
		capacity:   capacity,
		evictBatch: evictBatch,
	}
}

// Contains reports whether id was added and not yet evicted.
func (c *DedupCache) Contains(id string) bool {
	_, ok := c.ids[id]
	return ok
}

// Add inserts id. Adding an existing id is a no-op. When the ring is full
// (capacity + 1 entries) an eviction pass runs first.
func (c *DedupCache) Add(id string) {
	if c.Contains(id) {
		return
	}
	if c.size == len(c.ring) {
		c.Evict()
	}
	c.ring[(c.head+c.size)%len(c.ring)] = id
	c.size++
	c.ids[id] = struct{}{}
}

// Evict removes the oldest evictBatch entries when the cache holds more than
// capacity entries. It returns the number of entries removed.
func (c *DedupCache) Evict() int {
	if c.size <= c.capacity {
		return 0
	}
	n := min(c.evictBatch, c.size)
	for i := 0; i < n; i++ {
		id := c.ring[c.head]
		c.ring[c.head] = ""
		delete(c.ids, id)
		c.head = (c.head + 1) % len(c.ring)
		c.size--
	}
	return n
}

// Len returns the number of identifiers currently held.
func (c *DedupCache) Len() int {
	return c.size
}

// Capacity returns the soft capacity.
func (c *DedupCache) Capacity() int {
	return c.capacity
}
