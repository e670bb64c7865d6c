package op

import (
	"bufio"
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io"
	"strconv"
	"strings"

	"github.com/23skdu/longbow-quiver/internal/device"
)

// ErrMalformedLiteral is returned by ParseLiteral for text that is not a
// dumped data set.
var ErrMalformedLiteral = errors.New("op: malformed data literal")

// Snapshot returns every buffer's values, indexed [kind][buffer][element].
func (e *executor) Snapshot() [][][]float64 {
	return snapshot(&e.data)
}

func snapshot(d *DataSet) [][][]float64 {
	out := make([][][]float64, KindCount)
	for kind, set := range d.sets {
		out[kind] = make([][]float64, len(set))
		for x, b := range set {
			out[kind][x] = b.Values()
		}
	}
	return out
}

// LiteralName is the variable name Dump gives a data set whose first input
// has the given shape.
func LiteralName(label string, shape device.Shape) string {
	return label + "_data_shape_" + shape.Ident() + "_"
}

// Dump writes the data set as a Go variable declaration whose value is the
// Snapshot. Values are printed at full precision so Load of the parsed
// literal restores them bit for bit.
func (e *executor) Dump(w io.Writer, label string) error {
	var first device.Shape
	if len(e.cfg.TopShapes) > 0 {
		first = e.cfg.TopShapes[0]
	}
	return WriteLiteral(w, LiteralName(label, first), e.Snapshot())
}

// WriteLiteral prints data as `var name = [][][]float64{...}`, one comment
// label per blob kind.
func WriteLiteral(w io.Writer, name string, data [][][]float64) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "var %s = [][][]float64{\n", name)
	for kind, set := range data {
		fmt.Fprintf(bw, "\t{ // %s\n", BlobKind(kind))
		for _, values := range set {
			bw.WriteString("\t\t{")
			for x, v := range values {
				if x > 0 {
					bw.WriteString(", ")
				}
				bw.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
			}
			bw.WriteString("},\n")
		}
		bw.WriteString("\t},\n")
	}
	bw.WriteString("}\n")
	return bw.Flush()
}

// ParseLiteral reads text produced by WriteLiteral and returns the variable
// name and values.
func ParseLiteral(text string) (string, [][][]float64, error) {
	decl, body, ok := strings.Cut(text, "=")
	if !ok {
		return "", nil, fmt.Errorf("%w: no assignment", ErrMalformedLiteral)
	}
	name := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(decl), "var"))

	expr, err := parser.ParseExpr(strings.TrimSpace(body))
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedLiteral, err)
	}
	top, ok := expr.(*ast.CompositeLit)
	if !ok {
		return "", nil, fmt.Errorf("%w: not a composite literal", ErrMalformedLiteral)
	}

	data := make([][][]float64, 0, len(top.Elts))
	for _, kindExpr := range top.Elts {
		kindLit, ok := kindExpr.(*ast.CompositeLit)
		if !ok {
			return "", nil, fmt.Errorf("%w: kind entry at %d", ErrMalformedLiteral, kindExpr.Pos())
		}
		set := make([][]float64, 0, len(kindLit.Elts))
		for _, blobExpr := range kindLit.Elts {
			blobLit, ok := blobExpr.(*ast.CompositeLit)
			if !ok {
				return "", nil, fmt.Errorf("%w: blob entry at %d", ErrMalformedLiteral, blobExpr.Pos())
			}
			values := make([]float64, 0, len(blobLit.Elts))
			for _, v := range blobLit.Elts {
				f, err := number(v)
				if err != nil {
					return "", nil, err
				}
				values = append(values, f)
			}
			set = append(set, values)
		}
		data = append(data, set)
	}
	return name, data, nil
}

func number(e ast.Expr) (float64, error) {
	switch v := e.(type) {
	case *ast.BasicLit:
		if v.Kind != token.INT && v.Kind != token.FLOAT {
			return 0, fmt.Errorf("%w: %s is not a number", ErrMalformedLiteral, v.Value)
		}
		return strconv.ParseFloat(v.Value, 64)
	case *ast.UnaryExpr:
		f, err := number(v.X)
		if err != nil {
			return 0, err
		}
		switch v.Op {
		case token.SUB:
			return -f, nil
		case token.ADD:
			return f, nil
		}
	case *ast.Ident:
		// FormatFloat spells these out; they parse back as identifiers
		switch v.Name {
		case "NaN":
			return strconv.ParseFloat("NaN", 64)
		case "Inf":
			return strconv.ParseFloat("Inf", 64)
		}
	}
	return 0, fmt.Errorf("%w: unexpected element %T", ErrMalformedLiteral, e)
}

// Load copies data[kind][idx] into the matching buffer of every kind data
// provides.
func (e *executor) Load(data [][][]float64) error {
	if len(data) > int(KindCount) {
		return fmt.Errorf("%w: %d blob kinds, want at most %d", ErrBadIndex, len(data), int(KindCount))
	}
	for kind := range data {
		if err := e.LoadKind(data, BlobKind(kind)); err != nil {
			return err
		}
	}
	return nil
}

// LoadKind copies data[kind] into that collection, buffer by buffer.
func (e *executor) LoadKind(data [][][]float64, kind BlobKind) error {
	if kind < 0 || int(kind) >= len(data) {
		return fmt.Errorf("%w: no %s entry in data", ErrBadIndex, kind)
	}
	set, err := e.data.Get(kind)
	if err != nil {
		return err
	}
	if len(data[kind]) > len(set) {
		return fmt.Errorf("%w: %d %s values for %d buffers", ErrBadIndex, len(data[kind]), kind, len(set))
	}
	for x := range data[kind] {
		if err := e.LoadBlob(data, kind, x); err != nil {
			return err
		}
	}
	return nil
}

// LoadBlob copies data[kind][idx] into that single buffer. The element
// counts must match exactly.
func (e *executor) LoadBlob(data [][][]float64, kind BlobKind, idx int) error {
	if kind < 0 || int(kind) >= len(data) {
		return fmt.Errorf("%w: no %s entry in data", ErrBadIndex, kind)
	}
	if idx < 0 || idx >= len(data[kind]) {
		return fmt.Errorf("%w: no %s[%d] entry in data", ErrBadIndex, kind, idx)
	}
	b, err := e.data.Blob(kind, idx)
	if err != nil {
		return err
	}
	src := data[kind][idx]
	if len(src) != b.Size() {
		return &device.SizeMismatchError{Op: fmt.Sprintf("load %s[%d]", kind, idx), Expected: b.Size(), Actual: len(src)}
	}
	return b.CopyFrom(src)
}
