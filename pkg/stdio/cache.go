package stdio

import "sync"

// CacheSize is how many recent outgoing messages a step manager retains
// for replay to a reattaching client.
const CacheSize = 128

type cached struct {
	hdr  Header
	body []byte
}

// Cache is a bounded ring of recent stdio messages in arrival order.
type Cache struct {
	mu    sync.Mutex
	ring  []cached
	start int
	count int
}

// NewCache returns an empty replay cache.
func NewCache(size int) *Cache {
	if size <= 0 {
		size = CacheSize
	}
	return &Cache{ring: make([]cached, size)}
}

// Add records one message, evicting the oldest when full.
func (c *Cache) Add(h *Header, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(body))
	copy(cp, body)
	idx := (c.start + c.count) % len(c.ring)
	if c.count == len(c.ring) {
		c.start = (c.start + 1) % len(c.ring)
		idx = (c.start + c.count - 1) % len(c.ring)
	} else {
		c.count++
	}
	c.ring[idx] = cached{hdr: *h, body: cp}
}

// Replay invokes fn for every cached message, oldest first.
func (c *Cache) Replay(fn func(*Header, []byte) error) error {
	c.mu.Lock()
	snapshot := make([]cached, 0, c.count)
	for i := 0; i < c.count; i++ {
		snapshot = append(snapshot, c.ring[(c.start+i)%len(c.ring)])
	}
	c.mu.Unlock()
	for i := range snapshot {
		if err := fn(&snapshot[i].hdr, snapshot[i].body); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the cached message count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}
