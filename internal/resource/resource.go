// Package resource satisfies operator resource requests: scratch space and
// random number state claimed per execution context.
package resource

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/23skdu/longbow-quiver/internal/device"
)

// ErrUnsupportedKind is returned for resource kinds that cannot be satisfied.
var ErrUnsupportedKind = errors.New("resource: unsupported kind")

// Kind classifies a resource request.
type Kind int

const (
	TempSpace Kind = iota
	Random
	ParallelRandom
	BackendDescriptor
)

func (k Kind) String() string {
	switch k {
	case TempSpace:
		return "temp_space"
	case Random:
		return "random"
	case ParallelRandom:
		return "parallel_random"
	case BackendDescriptor:
		return "backend_descriptor"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Request declares one resource an operator needs.
type Request struct {
	Kind Kind
}

// Handle is a concrete allocation satisfying one Request.
type Handle struct {
	ID      uint64
	Kind    Kind
	Context device.Context
	Seed    uint64

	mu     sync.Mutex
	space  []float32
	rng    *rand.Rand
	states []*rand.Rand
	desc   *Descriptor
}

// Descriptor is an opaque backend object, for example the state a vendor
// dropout kernel keeps between calls.
type Descriptor struct {
	ID      uint64
	Context device.Context
	State   *rand.Rand
}

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15))
}

// Space returns scratch memory of at least n elements. The slice is reused
// across calls and grows on demand; contents are not cleared.
func (h *Handle) Space(n int) []float32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cap(h.space) < n {
		h.space = make([]float32, n)
		tempSpaceBytes.Add(float64(4 * n))
	}
	return h.space[:n]
}

// Rand returns the generator of a Random handle.
func (h *Handle) Rand() *rand.Rand {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rng == nil {
		h.rng = newRand(h.Seed)
	}
	return h.rng
}

// Uniform returns a uniform distribution on [min, max) fed by the handle's
// generator.
func (h *Handle) Uniform(min, max float64) distuv.Uniform {
	return distuv.Uniform{Min: min, Max: max, Src: h.Rand()}
}

// AllocState creates n independent per-stream generators, replacing any
// previous ones. Stream i is seeded from the handle seed and i.
func (h *Handle) AllocState(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states = make([]*rand.Rand, n)
	for i := range h.states {
		h.states[i] = newRand(mix(h.Seed, uint64(i)+1))
	}
}

// States returns the per-stream generators of a ParallelRandom handle.
func (h *Handle) States() []*rand.Rand {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.states
}

func (h *Handle) Descriptor() *Descriptor {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.desc
}

func (h *Handle) String() string {
	return fmt.Sprintf("%s#%d@%s", h.Kind, h.ID, h.Context)
}

// mix is splitmix64 over a+b.
func mix(a, b uint64) uint64 {
	z := a + b*0x9E3779B97F4A7C15
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}
