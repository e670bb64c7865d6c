package device

import "fmt"

// DType tags the element type stored in a Blob.
type DType int

// Supported element types. Unknown marks a slot whose type has not been
// inferred yet.
const (
	Unknown DType = iota - 1
	Float32
	Float64
	Float16
	Uint8
	Int32
)

// Size returns the byte width of one element.
func (d DType) Size() int {
	switch d {
	case Float32, Int32:
		return 4
	case Float64:
		return 8
	case Float16:
		return 2
	case Uint8:
		return 1
	default:
		return 0
	}
}

// Valid reports whether d names a concrete storage type.
func (d DType) Valid() bool {
	return d.Size() > 0
}

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Float16:
		return "float16"
	case Uint8:
		return "uint8"
	case Int32:
		return "int32"
	case Unknown:
		return "unknown"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// ParseDType maps a name as printed by String back to a DType.
func ParseDType(s string) (DType, error) {
	switch s {
	case "float32", "fp32":
		return Float32, nil
	case "float64", "fp64":
		return Float64, nil
	case "float16", "fp16":
		return Float16, nil
	case "uint8":
		return Uint8, nil
	case "int32":
		return Int32, nil
	}
	return Unknown, fmt.Errorf("device: unknown dtype %q", s)
}
