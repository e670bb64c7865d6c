package device

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var _ Backend = (*SimBackend)(nil)

// SimConfig tunes the simulated accelerator.
type SimConfig struct {
	// Capacity bounds live device bytes. Zero means unbounded.
	Capacity int64
	// CopyLatency is added to every queued transfer.
	CopyLatency time.Duration
	// Descriptors enables backend descriptor resources.
	Descriptors bool
}

func DefaultSimConfig() SimConfig {
	return SimConfig{
		Capacity:    4 << 30,
		Descriptors: true,
	}
}

// SimBackend models accelerator memory: allocations are accounted against a
// fixed capacity and transfers run asynchronously on ordered streams, so
// results are only visible after Synchronize.
type SimBackend struct {
	ctx  Context
	cfg  SimConfig
	pool *bufferPool
	name string

	mu        sync.Mutex
	allocated int64
	streams   map[*simStream]struct{}
	def       *simStream
}

func NewSimBackend(id int, cfg SimConfig) *SimBackend {
	b := &SimBackend{
		ctx:     GPU(id),
		cfg:     cfg,
		name:    fmt.Sprintf("sim%d", id),
		streams: make(map[*simStream]struct{}),
	}
	b.pool = newBufferPool(b.name)
	b.def = b.newStream()
	return b
}

func (b *SimBackend) Name() string {
	return fmt.Sprintf("SIM-GPU-%d", b.ctx.ID)
}

func (b *SimBackend) Context() Context {
	return b.ctx
}

func (b *SimBackend) Alloc(shape Shape, dtype DType) (*Blob, error) {
	if !dtype.Valid() {
		return nil, fmt.Errorf("device: cannot allocate %s blob", dtype)
	}
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	size := int64(shape.Size() * dtype.Size())

	b.mu.Lock()
	if b.cfg.Capacity > 0 && b.allocated+size > b.cfg.Capacity {
		used := b.allocated
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s needs %d bytes, %d of %d in use",
			ErrOutOfMemory, b.Name(), size, used, b.cfg.Capacity)
	}
	b.allocated += size
	b.mu.Unlock()

	allocatedBytes.WithLabelValues(b.name).Add(float64(size))
	return newBlob(shape, dtype, b.ctx, b.pool.get(int(size))), nil
}

func (b *SimBackend) Free(t *Blob) {
	if !t.owned || t.Released() {
		return
	}
	size := len(t.store.data)
	b.pool.put(t.store.data)
	t.store.data = nil
	t.store.released = true

	b.mu.Lock()
	b.allocated -= int64(size)
	b.mu.Unlock()
	allocatedBytes.WithLabelValues(b.name).Sub(float64(size))
}

func (b *SimBackend) NewStream() Stream {
	return b.newStream()
}

func (b *SimBackend) newStream() *simStream {
	s := &simStream{
		backend: b,
		work:    make(chan func() error, 64),
		done:    make(chan struct{}),
	}
	go s.loop()

	b.mu.Lock()
	b.streams[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *SimBackend) Copy(dst, src *Blob, s Stream) error {
	if dst.ctx != b.ctx && src.ctx != b.ctx {
		return fmt.Errorf("device: %s cannot copy between %s and %s", b.Name(), src.ctx, dst.ctx)
	}
	if err := checkCopy(dst, src); err != nil {
		return err
	}
	stream := b.def
	if s != nil {
		ss, ok := s.(*simStream)
		if !ok || ss.backend != b {
			return fmt.Errorf("device: stream does not belong to %s", b.Name())
		}
		stream = ss
	}
	latency := b.cfg.CopyLatency
	return stream.enqueue(func() error {
		if latency > 0 {
			time.Sleep(latency)
		}
		if dst.Released() || src.Released() {
			return ErrReleased
		}
		rawCopy(dst, src)
		return nil
	})
}

func (b *SimBackend) Synchronize() {
	b.mu.Lock()
	streams := make([]*simStream, 0, len(b.streams))
	for s := range b.streams {
		streams = append(streams, s)
	}
	b.mu.Unlock()

	// queued errors stay on their stream for its owner to collect
	for _, s := range streams {
		s.pending.Wait()
	}
}

func (b *SimBackend) MemoryUsage() (int64, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allocated, b.cfg.Capacity
}

func (b *SimBackend) SupportsDescriptors() bool {
	return b.cfg.Descriptors
}

// Close stops every stream. The backend must not be used afterwards.
func (b *SimBackend) Close() error {
	b.mu.Lock()
	streams := make([]*simStream, 0, len(b.streams))
	for s := range b.streams {
		streams = append(streams, s)
	}
	b.mu.Unlock()

	var errs []error
	for _, s := range streams {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

var errStreamClosed = errors.New("device: stream closed")

type simStream struct {
	backend *SimBackend
	work    chan func() error
	done    chan struct{}
	pending sync.WaitGroup

	mu     sync.Mutex // guards closed and sends on work
	closed bool

	errMu sync.Mutex
	err   error
}

func (s *simStream) loop() {
	defer close(s.done)
	for fn := range s.work {
		if err := fn(); err != nil {
			s.errMu.Lock()
			if s.err == nil {
				s.err = err
			}
			s.errMu.Unlock()
		}
		s.pending.Done()
	}
}

func (s *simStream) enqueue(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStreamClosed
	}
	s.pending.Add(1)
	s.work <- fn
	return nil
}

// wait drains the queue and returns (and clears) the first queued error.
func (s *simStream) wait() error {
	s.pending.Wait()
	return s.takeErr()
}

func (s *simStream) takeErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	err := s.err
	s.err = nil
	return err
}

func (s *simStream) Context() Context {
	return s.backend.ctx
}

func (s *simStream) Synchronize() error {
	return s.wait()
}

func (s *simStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.work)
	s.mu.Unlock()

	<-s.done
	s.backend.mu.Lock()
	delete(s.backend.streams, s)
	s.backend.mu.Unlock()
	return s.takeErr()
}
