// Package simd holds unrolled element-wise kernels used by the reference
// operators. Every kernel works on float32 and float64 slices.
package simd

import (
	"math"

	"golang.org/x/exp/constraints"
)

// ExpFast approximates exp(x) as 2^k * p(f) with x*log2(e) = k + f.
func ExpFast[T constraints.Float](x T) T {
	if x > 88 {
		return T(math.MaxFloat32)
	}
	if x < -88 {
		return 0
	}
	const log2e = 1.4426950408889634

	t := float64(x) * log2e
	k := math.Floor(t)
	f := t - k
	// 2^f on [0, 1)
	p := 1.0 + f*(0.6931471805599453+f*(0.24022650695910072+f*0.05550410866482157))
	return T(math.Ldexp(p, int(k)))
}

// TanhFast is a Padé approximation of tanh, clamped to ±1 past |x| > 4.
func TanhFast[T constraints.Float](x T) T {
	if x > 4 {
		return 1
	}
	if x < -4 {
		return -1
	}
	x2 := x * x
	return x * (27 + x2) / (27 + 9*x2)
}

// Sigmoid computes 1 / (1 + exp(-x)) in place.
func Sigmoid[T constraints.Float](data []T) {
	for i, x := range data {
		data[i] = T(1 / (1 + math.Exp(-float64(x))))
	}
}

// Relu clamps negatives to zero in place.
func Relu[T constraints.Float](data []T) {
	for i, x := range data {
		if x < 0 {
			data[i] = 0
		}
	}
}

// SoftmaxFast normalizes row in place using ExpFast.
func SoftmaxFast[T constraints.Float](row []T) {
	if len(row) == 0 {
		return
	}
	hi := row[0]
	for _, v := range row {
		hi = max(hi, v)
	}
	var sum T
	for i, v := range row {
		row[i] = ExpFast(v - hi)
		sum += row[i]
	}
	VecScale(row, 1/sum)
}

// VecAdd performs dst += src.
func VecAdd[T constraints.Float](dst, src []T) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i]
		dst[i+1] += src[i+1]
		dst[i+2] += src[i+2]
		dst[i+3] += src[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i]
	}
}

// VecAddScaled performs dst += src * scale.
func VecAddScaled[T constraints.Float](dst, src []T, scale T) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i] * scale
		dst[i+1] += src[i+1] * scale
		dst[i+2] += src[i+2] * scale
		dst[i+3] += src[i+3] * scale
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i] * scale
	}
}

// VecScale performs dst *= scale.
func VecScale[T constraints.Float](dst []T, scale T) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] *= scale
		dst[i+1] *= scale
		dst[i+2] *= scale
		dst[i+3] *= scale
	}
	for ; i < len(dst); i++ {
		dst[i] *= scale
	}
}

// VecMul performs dst *= src element-wise.
func VecMul[T constraints.Float](dst, src []T) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] *= src[i]
		dst[i+1] *= src[i+1]
		dst[i+2] *= src[i+2]
		dst[i+3] *= src[i+3]
	}
	for ; i < len(dst); i++ {
		dst[i] *= src[i]
	}
}

// DotProduct sums a[i]*b[i].
func DotProduct[T constraints.Float](a, b []T) T {
	var sum T
	i := 0
	for ; i <= len(a)-4; i += 4 {
		sum += a[i]*b[i] + a[i+1]*b[i+1] + a[i+2]*b[i+2] + a[i+3]*b[i+3]
	}
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// Sum adds every element.
func Sum[T constraints.Float](a []T) T {
	var sum T
	for _, v := range a {
		sum += v
	}
	return sum
}

// MatVecMul performs dst = mat * vec where mat is rows x cols row-major.
func MatVecMul[T constraints.Float](dst, mat, vec []T, rows, cols int) {
	for i := 0; i < rows; i++ {
		dst[i] = DotProduct(mat[i*cols:(i+1)*cols], vec)
	}
}
