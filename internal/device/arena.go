package device

import "github.com/rs/zerolog/log"

// Arena is a scoped-ownership list: every blob allocated through it is
// freed exactly once by Release, whichever code path allocated it.
type Arena struct {
	backend Backend
	blobs   []*Blob
}

func NewArena(b Backend) *Arena {
	return &Arena{backend: b}
}

func (a *Arena) Backend() Backend {
	return a.backend
}

// Allocate creates an owned blob, registers it for release and appends a
// borrowed view of it to dest. The view is returned.
func (a *Arena) Allocate(dest *[]*Blob, shape Shape, dtype DType) (*Blob, error) {
	owned, err := a.backend.Alloc(shape, dtype)
	if err != nil {
		return nil, err
	}
	a.blobs = append(a.blobs, owned)
	view := owned.View()
	if dest != nil {
		*dest = append(*dest, view)
	}
	return view, nil
}

// Len reports how many owned blobs are live.
func (a *Arena) Len() int {
	return len(a.blobs)
}

// Bytes sums the storage of all live blobs.
func (a *Arena) Bytes() int {
	n := 0
	for _, b := range a.blobs {
		n += b.ByteSize()
	}
	return n
}

func (a *Arena) Release() {
	if len(a.blobs) == 0 {
		return
	}
	log.Debug().Str("backend", a.backend.Name()).Int("blobs", len(a.blobs)).Msg("Releasing arena")
	for _, b := range a.blobs {
		a.backend.Free(b)
	}
	a.blobs = nil
}
