package device

import "sync"

// bufferPool recycles byte slices by exact size. Slices handed out are
// always zeroed.
type bufferPool struct {
	name  string
	mu    sync.Mutex
	pools map[int]*sync.Pool
}

func newBufferPool(name string) *bufferPool {
	return &bufferPool{name: name, pools: make(map[int]*sync.Pool)}
}

func (p *bufferPool) bucket(size int) *sync.Pool {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.pools[size]
	if !ok {
		b = &sync.Pool{}
		p.pools[size] = b
	}
	return b
}

func (p *bufferPool) get(size int) []byte {
	if v := p.bucket(size).Get(); v != nil {
		buf := *(v.(*[]byte))
		clear(buf)
		poolHits.WithLabelValues(p.name).Inc()
		poolSizeBytes.WithLabelValues(p.name).Sub(float64(size))
		return buf
	}
	poolMisses.WithLabelValues(p.name).Inc()
	return make([]byte, size)
}

func (p *bufferPool) put(buf []byte) {
	if len(buf) == 0 {
		return
	}
	poolSizeBytes.WithLabelValues(p.name).Add(float64(len(buf)))
	p.bucket(len(buf)).Put(&buf)
}
