// Package golden stores executor snapshots as regression fixtures, in CBOR
// files or as Arrow IPC streams.
package golden

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/op"
)

// ErrShapeMismatch is returned by Apply when a fixture was captured from
// buffers of different shapes.
var ErrShapeMismatch = errors.New("golden: shape mismatch")

// Snapshot is a self-describing copy of every buffer of an executor.
type Snapshot struct {
	Label   string `cbor:"1,keyasint"`
	Op      string `cbor:"2,keyasint"`
	Context string `cbor:"3,keyasint"`
	// Shape is the first requested input shape.
	Shape device.Shape `cbor:"4,keyasint"`
	// Shapes and Sets are indexed [kind][buffer].
	Shapes [][]device.Shape `cbor:"5,keyasint"`
	Sets   [][][]float64    `cbor:"6,keyasint"`
}

// Capture snapshots exec's buffers under label.
func Capture(exec op.Executor, label string) *Snapshot {
	s := &Snapshot{
		Label:   label,
		Op:      exec.Descriptor().Name(),
		Context: exec.Context().String(),
		Sets:    exec.Snapshot(),
		Shapes:  make([][]device.Shape, op.KindCount),
	}
	if shapes := exec.Shapes(); len(shapes) > 0 {
		s.Shape = shapes[0].Clone()
	}
	for kind, set := range exec.Data().All() {
		s.Shapes[kind] = make([]device.Shape, len(set))
		for x, b := range set {
			s.Shapes[kind][x] = b.Shape().Clone()
		}
	}
	return s
}

// Apply loads the snapshot into exec after checking that every captured
// buffer has a same-shaped counterpart.
func (s *Snapshot) Apply(exec op.Executor) error {
	for kind, shapes := range s.Shapes {
		for x, want := range shapes {
			b, err := exec.Blob(op.BlobKind(kind), x)
			if err != nil {
				return err
			}
			if !b.Shape().Equal(want) {
				return fmt.Errorf("%w: %s[%d] is %s, fixture has %s", ErrShapeMismatch, op.BlobKind(kind), x, b.Shape(), want)
			}
		}
	}
	return exec.Load(s.Sets)
}

// Compare checks exec's current buffers against the snapshot.
func (s *Snapshot) Compare(exec op.Executor, tol op.Tolerance) error {
	return op.CompareSnapshots(s.Sets, exec.Snapshot(), tol)
}

func WriteCBOR(w io.Writer, s *Snapshot) error {
	return cbor.NewEncoder(w).Encode(s)
}

func ReadCBOR(r io.Reader) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.NewDecoder(r).Decode(&s); err != nil {
		return nil, fmt.Errorf("golden: decode: %w", err)
	}
	if len(s.Shapes) != len(s.Sets) {
		return nil, fmt.Errorf("golden: %d shape kinds for %d value kinds", len(s.Shapes), len(s.Sets))
	}
	return &s, nil
}

// SaveFile writes the snapshot to path, creating parent directories.
func SaveFile(path string, s *Snapshot) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	if err := WriteCBOR(f, s); err != nil {
		return err
	}
	log.Debug().Str("path", path).Str("label", s.Label).Msg("Saved golden snapshot")
	return nil
}

func LoadFile(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCBOR(f)
}
