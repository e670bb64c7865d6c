package op

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/23skdu/longbow-quiver/internal/device"
)

// Fill sets every element of every blob to v.
func Fill(blobs []*device.Blob, v float64) {
	for _, b := range blobs {
		b.Fill(v)
	}
}

// FillSequence numbers elements start, start+step, ... continuing across
// blobs.
func FillSequence(blobs []*device.Blob, start, step float64) {
	v := start
	for _, b := range blobs {
		for i, n := 0, b.Size(); i < n; i++ {
			b.Set(i, v)
			v += step
		}
	}
}

// FillRandom draws uniform values in [-1, 1) from a stream seeded by seed.
// Equal seeds fill equal-shaped blobs identically.
func FillRandom(blobs []*device.Blob, seed uint64) {
	dist := distuv.Uniform{Min: -1, Max: 1, Src: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
	for _, b := range blobs {
		for i, n := 0, b.Size(); i < n; i++ {
			b.Set(i, dist.Rand())
		}
	}
}
