package op

import (
	"fmt"

	"github.com/23skdu/longbow-quiver/internal/device"
)

// BlobKind indexes the five collections of a DataSet.
type BlobKind int

const (
	Input BlobKind = iota
	Output
	Aux
	InGrad
	OutGrad
	KindCount
)

// String returns the label written by Dump.
func (k BlobKind) String() string {
	switch k {
	case Input:
		return "kInput"
	case Output:
		return "kOutput"
	case Aux:
		return "kAux"
	case InGrad:
		return "kInGrad"
	case OutGrad:
		return "kOutGrad"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseBlobKind accepts the labels produced by String.
func ParseBlobKind(s string) (BlobKind, error) {
	for k := Input; k < KindCount; k++ {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown blob kind %q", ErrBadIndex, s)
}

// DataSet holds the buffers of one operator: inputs, outputs, auxiliary
// states, input gradients and output gradients.
type DataSet struct {
	sets [KindCount][]*device.Blob
}

func (d *DataSet) Inputs() []*device.Blob  { return d.sets[Input] }
func (d *DataSet) Outputs() []*device.Blob { return d.sets[Output] }
func (d *DataSet) AuxStates() []*device.Blob {
	return d.sets[Aux]
}
func (d *DataSet) InGrads() []*device.Blob  { return d.sets[InGrad] }
func (d *DataSet) OutGrads() []*device.Blob { return d.sets[OutGrad] }

// Get returns one collection.
func (d *DataSet) Get(kind BlobKind) ([]*device.Blob, error) {
	if kind < 0 || kind >= KindCount {
		return nil, fmt.Errorf("%w: blob kind %d", ErrBadIndex, int(kind))
	}
	return d.sets[kind], nil
}

// Blob returns buffer idx of a collection.
func (d *DataSet) Blob(kind BlobKind, idx int) (*device.Blob, error) {
	set, err := d.Get(kind)
	if err != nil {
		return nil, err
	}
	if idx < 0 || idx >= len(set) {
		return nil, fmt.Errorf("%w: %s[%d] of %d", ErrBadIndex, kind, idx, len(set))
	}
	return set[idx], nil
}

// slot returns the address of a collection for allocation.
func (d *DataSet) slot(kind BlobKind) *[]*device.Blob {
	return &d.sets[kind]
}

// All lists every collection in kind order, for bulk operations.
func (d *DataSet) All() [KindCount][]*device.Blob {
	return d.sets
}

// Len counts buffers across all collections.
func (d *DataSet) Len() int {
	n := 0
	for _, s := range d.sets {
		n += len(s)
	}
	return n
}
