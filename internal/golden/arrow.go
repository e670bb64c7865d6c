package golden

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/op"
)

// snapshotSchema is one row per buffer. Snapshot-level fields travel as
// schema metadata.
func snapshotSchema(s *Snapshot) *arrow.Schema {
	md := arrow.NewMetadata(
		[]string{"label", "op", "context", "shape"},
		[]string{s.Label, s.Op, s.Context, s.Shape.String()},
	)
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "kind", Type: arrow.BinaryTypes.String},
			{Name: "index", Type: arrow.PrimitiveTypes.Int32},
			{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
			{Name: "values", Type: arrow.ListOf(arrow.PrimitiveTypes.Float64)},
		},
		&md,
	)
}

// Record converts the snapshot to a record batch. The caller releases it.
func (s *Snapshot) Record(mem memory.Allocator) arrow.RecordBatch {
	kindBuilder := array.NewStringBuilder(mem)
	defer kindBuilder.Release()
	indexBuilder := array.NewInt32Builder(mem)
	defer indexBuilder.Release()
	shapeBuilder := array.NewListBuilder(mem, arrow.PrimitiveTypes.Int32)
	defer shapeBuilder.Release()
	valuesBuilder := array.NewListBuilder(mem, arrow.PrimitiveTypes.Float64)
	defer valuesBuilder.Release()

	dims := shapeBuilder.ValueBuilder().(*array.Int32Builder)
	vals := valuesBuilder.ValueBuilder().(*array.Float64Builder)

	rows := 0
	for kind, set := range s.Sets {
		for x, values := range set {
			kindBuilder.Append(op.BlobKind(kind).String())
			indexBuilder.Append(int32(x))
			shapeBuilder.Append(true)
			if kind < len(s.Shapes) && x < len(s.Shapes[kind]) {
				for _, d := range s.Shapes[kind][x] {
					dims.Append(int32(d))
				}
			}
			valuesBuilder.Append(true)
			vals.AppendValues(values, nil)
			rows++
		}
	}

	cols := []arrow.Array{
		kindBuilder.NewArray(),
		indexBuilder.NewArray(),
		shapeBuilder.NewArray(),
		valuesBuilder.NewArray(),
	}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	return array.NewRecordBatch(snapshotSchema(s), cols, int64(rows))
}

// WriteArrow writes the snapshot as a single-batch Arrow IPC stream.
func WriteArrow(w io.Writer, s *Snapshot) error {
	mem := memory.NewGoAllocator()
	rec := s.Record(mem)
	defer rec.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

// ReadArrow rebuilds a snapshot from a stream written by WriteArrow. Rows
// from every batch are merged.
func ReadArrow(r io.Reader) (*Snapshot, error) {
	reader, err := ipc.NewReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("golden: arrow reader: %w", err)
	}
	defer reader.Release()

	s := emptySnapshot()
	if err := s.readMetadata(reader.Schema()); err != nil {
		return nil, err
	}
	for reader.Next() {
		if err := s.readRecord(reader.Record()); err != nil {
			return nil, err
		}
	}
	if err := reader.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("golden: arrow stream: %w", err)
	}
	return s, nil
}

// FromRecord rebuilds a snapshot from one record batch made by Record.
func FromRecord(rec arrow.RecordBatch) (*Snapshot, error) {
	s := emptySnapshot()
	if err := s.readMetadata(rec.Schema()); err != nil {
		return nil, err
	}
	if err := s.readRecord(rec); err != nil {
		return nil, err
	}
	return s, nil
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		Shapes: make([][]device.Shape, op.KindCount),
		Sets:   make([][][]float64, op.KindCount),
	}
}

func (s *Snapshot) readMetadata(schema *arrow.Schema) error {
	md := schema.Metadata()
	get := func(key string) string {
		if i := md.FindKey(key); i >= 0 {
			return md.Values()[i]
		}
		return ""
	}
	s.Label, s.Op, s.Context = get("label"), get("op"), get("context")
	if text := get("shape"); text != "" && text != "?" {
		shape, err := device.ParseShape(text)
		if err != nil {
			return fmt.Errorf("golden: shape metadata: %w", err)
		}
		s.Shape = shape
	}
	return nil
}

func (s *Snapshot) readRecord(rec arrow.RecordBatch) error {
	if rec.NumCols() != 4 {
		return fmt.Errorf("golden: record has %d columns, want 4", rec.NumCols())
	}
	kinds, ok1 := rec.Column(0).(*array.String)
	index, ok2 := rec.Column(1).(*array.Int32)
	shapes, ok3 := rec.Column(2).(*array.List)
	values, ok4 := rec.Column(3).(*array.List)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return errors.New("golden: unexpected column types")
	}
	dims := shapes.ListValues().(*array.Int32).Int32Values()
	vals := values.ListValues().(*array.Float64).Float64Values()

	for row := 0; row < int(rec.NumRows()); row++ {
		kind, err := op.ParseBlobKind(kinds.Value(row))
		if err != nil {
			return fmt.Errorf("golden: row %d: %w", row, err)
		}
		x := int(index.Value(row))
		if x != len(s.Sets[kind]) {
			return fmt.Errorf("golden: row %d: %s[%d] out of order", row, kind, x)
		}

		start, end := shapes.ValueOffsets(row)
		shape := make(device.Shape, 0, end-start)
		for _, d := range dims[start:end] {
			shape = append(shape, int(d))
		}
		start, end = values.ValueOffsets(row)

		s.Shapes[kind] = append(s.Shapes[kind], shape)
		s.Sets[kind] = append(s.Sets[kind], slices.Clone(vals[start:end]))
	}
	return nil
}
