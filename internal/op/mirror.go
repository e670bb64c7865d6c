package op

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-quiver/internal/device"
)

// Mirror is a device-resident copy of a host DataSet for the duration of
// one pass. Open copies every host blob in; Close copies every one back
// and frees the device side.
type Mirror struct {
	src    *DataSet
	data   DataSet
	dev    device.Backend
	arena  *device.Arena
	stream device.Stream
	opCtx  *OpContext
	prev   device.Stream
	closed bool
}

// OpenMirror allocates a device twin for each blob in src, copies the host
// contents over and points opCtx at the mirror's stream until Close.
func OpenMirror(src *DataSet, dev device.Backend, opCtx *OpContext) (*Mirror, error) {
	if dev == nil {
		return nil, device.ErrNoBackend
	}
	m := &Mirror{
		src:    src,
		dev:    dev,
		arena:  device.NewArena(dev),
		stream: dev.NewStream(),
		opCtx:  opCtx,
	}
	if err := m.copyIn(); err != nil {
		err = errors.Join(err, m.stream.Synchronize())
		m.arena.Release()
		return nil, errors.Join(err, m.stream.Close())
	}
	if opCtx != nil {
		m.prev = opCtx.Stream
		opCtx.Stream = m.stream
	}
	log.Debug().Str("backend", dev.Name()).Int("blobs", m.arena.Len()).Int("bytes", m.arena.Bytes()).Msg("Mirror opened")
	return m, nil
}

func (m *Mirror) copyIn() error {
	for kind := BlobKind(0); kind < KindCount; kind++ {
		for x, hb := range m.src.sets[kind] {
			db, err := m.arena.Allocate(m.data.slot(kind), hb.Shape(), hb.DType())
			if err != nil {
				return fmt.Errorf("op: mirror %s[%d]: %w", kind, x, err)
			}
			if err := m.dev.Copy(db, hb, m.stream); err != nil {
				return fmt.Errorf("op: mirror %s[%d] in: %w", kind, x, err)
			}
		}
	}
	// device operators read blob memory directly
	return m.stream.Synchronize()
}

// Data is the device-side DataSet, slot-for-slot parallel to the source.
func (m *Mirror) Data() *DataSet {
	return &m.data
}

func (m *Mirror) Stream() device.Stream {
	return m.stream
}

// Close copies every device blob back to its host twin, releases the
// device blobs and restores the previous stream on the op context. Copy
// errors are collected; every slot is still attempted.
func (m *Mirror) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	if m.opCtx != nil {
		m.opCtx.Stream = m.prev
	}

	m.dev.Synchronize()
	var errs []error
	for kind := BlobKind(0); kind < KindCount; kind++ {
		for x, db := range m.data.sets[kind] {
			if err := m.dev.Copy(m.src.sets[kind][x], db, m.stream); err != nil {
				errs = append(errs, fmt.Errorf("op: mirror %s[%d] out: %w", kind, x, err))
			}
		}
	}
	errs = append(errs, m.stream.Synchronize())
	m.arena.Release()
	m.dev.Synchronize()
	errs = append(errs, m.stream.Close())
	m.data = DataSet{}
	return errors.Join(errs...)
}
