package resource

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-quiver/internal/cache"
	"github.com/23skdu/longbow-quiver/internal/device"
)

// Allocator claims the resources of one initialization pass. Temp space is
// requested at most once per context for the allocator's lifetime; every
// other kind is requested fresh each time.
type Allocator struct {
	provider Provider
	temp     *cache.MapCache[device.Context, *Handle]
}

func NewAllocator(p Provider) *Allocator {
	return &Allocator{
		provider: p,
		temp:     cache.NewMapCache[device.Context, *Handle](),
	}
}

// Allocate satisfies reqs in order. The returned handles line up with reqs
// one-to-one; operators consume them positionally.
func (a *Allocator) Allocate(ctx device.Context, reqs []Request) ([]*Handle, error) {
	handles := make([]*Handle, 0, len(reqs))
	for i, req := range reqs {
		var (
			h   *Handle
			err error
		)
		switch req.Kind {
		case TempSpace:
			var hit bool
			h, hit, err = a.temp.GetOrCreate(ctx, func() (*Handle, error) {
				return a.provider.Request(ctx, req)
			})
			if hit {
				tempCacheHits.Inc()
			}
		case Random, BackendDescriptor:
			h, err = a.provider.Request(ctx, req)
		case ParallelRandom:
			h, err = a.provider.Request(ctx, req)
			if err == nil && ctx.IsHost() {
				h.AllocState(DeviceRandomStates)
			}
		default:
			err = fmt.Errorf("%w: resource type %d is not yet supported", ErrUnsupportedKind, int(req.Kind))
		}
		if err != nil {
			return nil, fmt.Errorf("resource request %d (%s) on %s: %w", i, req.Kind, ctx, err)
		}
		handles = append(handles, h)
	}
	if len(handles) > 0 {
		log.Debug().Str("ctx", ctx.String()).Int("handles", len(handles)).Msg("Claimed resources")
	}
	return handles, nil
}
