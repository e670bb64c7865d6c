package resource

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/23skdu/longbow-quiver/internal/device"
)

// Provider issues resource handles. The executor never creates handles
// itself.
type Provider interface {
	Request(ctx device.Context, req Request) (*Handle, error)
}

// DeviceRandomStates is the number of generator streams a device context
// carries for parallel random resources. Host contexts get the same number
// through Allocator.
const DeviceRandomStates = 8

var _ Provider = (*Manager)(nil)

type seqKey struct {
	ctx  device.Context
	kind Kind
}

// Manager is the default thread-safe Provider. Every call returns a fresh
// handle. Seeds depend only on the manager seed, the kind and how many
// handles of that kind the context has received, so two contexts asking in
// the same order get identical random streams.
type Manager struct {
	seed   uint64
	nextID atomic.Uint64

	mu       sync.Mutex
	seq      map[seqKey]uint64
	backends map[device.Context]device.Backend
}

// NewManager creates a manager. Backends are consulted for descriptor
// support; contexts without a registered backend cannot get descriptors.
func NewManager(seed uint64, backends ...device.Backend) *Manager {
	m := &Manager{
		seed:     seed,
		seq:      make(map[seqKey]uint64),
		backends: make(map[device.Context]device.Backend),
	}
	for _, b := range backends {
		m.backends[b.Context()] = b
	}
	return m
}

// Register adds or replaces the backend serving its context.
func (m *Manager) Register(b device.Backend) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backends[b.Context()] = b
}

func (m *Manager) Request(ctx device.Context, req Request) (*Handle, error) {
	m.mu.Lock()
	backend := m.backends[ctx]
	key := seqKey{ctx: ctx, kind: req.Kind}
	n := m.seq[key]
	m.seq[key] = n + 1
	m.mu.Unlock()

	h := &Handle{
		ID:      m.nextID.Add(1),
		Kind:    req.Kind,
		Context: ctx,
		Seed:    mix(m.seed, uint64(req.Kind)<<32|n),
	}

	switch req.Kind {
	case TempSpace, Random:
	case ParallelRandom:
		if !ctx.IsHost() {
			h.AllocState(DeviceRandomStates)
		}
	case BackendDescriptor:
		if backend == nil || !backend.SupportsDescriptors() {
			return nil, fmt.Errorf("%w: %s not available on %s", ErrUnsupportedKind, req.Kind, ctx)
		}
		h.desc = &Descriptor{ID: h.ID, Context: ctx, State: newRand(h.Seed)}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, req.Kind)
	}

	requestsTotal.WithLabelValues(req.Kind.String()).Inc()
	return h, nil
}
