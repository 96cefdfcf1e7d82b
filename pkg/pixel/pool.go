package pixel

import (
	"errors"
	"sync"
)

// ErrPoolExhausted is returned by Get when the outstanding-buffer limit is
// reached.
var ErrPoolExhausted = errors.New("pixel buffer pool exhausted")

// Pool reuses buffers across frames to avoid per-frame allocation. Buffers
// are grouped by dimensions and format. All methods are safe for concurrent
// use.
type Pool struct {
	mu          sync.Mutex
	buckets     map[poolKey][]*Buffer
	maxOut      int
	outstanding int
}

type poolKey struct {
	width  int
	height int
	format Format
}

// NewPool creates a pool that allows at most maxOutstanding buffers checked
// out at once. A maxOutstanding of 0 means unlimited.
func NewPool(maxOutstanding int) *Pool {
	return &Pool{
		buckets: make(map[poolKey][]*Buffer),
		maxOut:  maxOutstanding,
	}
}

// Get returns a buffer with the requested dimensions, reusing a released one
// when available. Returns ErrPoolExhausted when the outstanding limit is
// reached.
func (p *Pool) Get(width, height int, format Format) (*Buffer, error) {
	key := poolKey{width: width, height: height, format: format}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.maxOut != 0 && p.outstanding >= p.maxOut {
		return nil, ErrPoolExhausted
	}

	if bucket := p.buckets[key]; len(bucket) > 0 {
		buf := bucket[len(bucket)-1]
		p.buckets[key] = bucket[:len(bucket)-1]
		buf.released = false
		p.outstanding++
		return buf, nil
	}

	buf, err := NewBuffer(width, height, format)
	if err != nil {
		return nil, err
	}
	buf.pool = p
	p.outstanding++
	return buf, nil
}

// Outstanding returns the number of buffers currently checked out.
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding
}

// Clear drops all retained buffers. Outstanding buffers are unaffected and
// will be retained again once released.
func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buckets = make(map[poolKey][]*Buffer)
}

func (p *Pool) put(b *Buffer) {
	key := poolKey{width: b.Width, height: b.Height, format: b.Format}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.outstanding--
	p.buckets[key] = append(p.buckets[key], b)
}
