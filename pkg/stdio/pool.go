package stdio

import (
	"sync"
	"sync/atomic"

	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/wire"
)

// PoolCap is the default buffer count per direction.
const PoolCap = 1024

// BufSize is the payload capacity of one pooled buffer.
const BufSize = 4096

// Buf is a reference-counted byte buffer. It returns to its pool only
// when the last referrer releases it, which is what bounds the plane's
// memory: an empty pool pauses the corresponding reads.
type Buf struct {
	Data []byte
	refs atomic.Int32
	pool *Pool
}

// Ref adds a reference for a fan-out consumer.
func (b *Buf) Ref() { b.refs.Add(1) }

// Release drops one reference, returning the buffer to its pool on the
// last drop.
func (b *Buf) Release() {
	if b.refs.Add(-1) == 0 {
		b.Data = b.Data[:0]
		b.pool.put(b)
	}
}

// Pool is a capped free list. Get fails with ErrWouldBlock when the pool
// is drained; the caller deregisters its read until a buffer returns.
type Pool struct {
	mu      sync.Mutex
	free    []*Buf
	waiters []chan struct{}
}

// NewPool returns a pool holding capacity buffers.
func NewPool(capacity int) *Pool {
	if capacity <= 0 {
		capacity = PoolCap
	}
	p := &Pool{free: make([]*Buf, 0, capacity)}
	for i := 0; i < capacity; i++ {
		p.free = append(p.free, &Buf{Data: make([]byte, 0, BufSize), pool: p})
	}
	return p
}

// Get takes a buffer or reports ErrWouldBlock if the pool is empty.
func (p *Pool) Get() (*Buf, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		metrics.StdioPoolStalls.Inc()
		return nil, wire.ErrWouldBlock
	}
	b := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	b.refs.Store(1)
	return b, nil
}

// GetWait blocks until a buffer is available or stop closes. It is the
// pump-side equivalent of deregistering the read until a Put.
func (p *Pool) GetWait(stop <-chan struct{}) (*Buf, error) {
	for {
		b, err := p.Get()
		if err == nil {
			return b, nil
		}
		ch := make(chan struct{}, 1)
		p.mu.Lock()
		if len(p.free) > 0 {
			p.mu.Unlock()
			continue
		}
		p.waiters = append(p.waiters, ch)
		p.mu.Unlock()
		select {
		case <-ch:
		case <-stop:
			return nil, wire.ErrConnectionAborted
		}
	}
}

func (p *Pool) put(b *Buf) {
	p.mu.Lock()
	p.free = append(p.free, b)
	var wake chan struct{}
	if len(p.waiters) > 0 {
		wake = p.waiters[0]
		p.waiters = p.waiters[1:]
	}
	p.mu.Unlock()
	if wake != nil {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

// Free returns the current free-buffer count.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
