package device

import (
	"fmt"
	"strconv"
	"strings"
)

// Shape holds the per-axis extents of a blob. A nil Shape is "not yet
// known" during shape inference; an empty non-nil Shape is a scalar.
type Shape []int

// Size returns the element count (product of extents).
func (s Shape) Size() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Known reports whether inference has produced this shape.
func (s Shape) Known() bool {
	return s != nil
}

func (s Shape) Validate() error {
	for i, d := range s {
		if d <= 0 {
			return fmt.Errorf("device: invalid extent %d at axis %d", d, i)
		}
	}
	return nil
}

func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

func (s Shape) Clone() Shape {
	if s == nil {
		return nil
	}
	c := make(Shape, len(s))
	copy(c, s)
	return c
}

// String renders the shape as "2x3x4".
func (s Shape) String() string {
	if s == nil {
		return "?"
	}
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, "x")
}

// Ident renders the shape for use inside an identifier: each extent is
// followed by an underscore, so (2,2) becomes "2_2_".
func (s Shape) Ident() string {
	var b strings.Builder
	for _, d := range s {
		b.WriteString(strconv.Itoa(d))
		b.WriteByte('_')
	}
	return b.String()
}

// ParseShape accepts "2,3", "2x3" or "2 3".
func ParseShape(text string) (Shape, error) {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || r == 'x' || r == ' '
	})
	if len(fields) == 0 {
		return nil, fmt.Errorf("device: empty shape %q", text)
	}
	s := make(Shape, len(fields))
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("device: bad extent %q in shape %q: %w", f, text, err)
		}
		s[i] = v
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
