//go:build cgo && netlib

package ops

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/netlib/blas/netlib"
)

// Route GEMM through the system BLAS when built with -tags netlib.
func init() {
	blas32.Use(netlib.Implementation{})
	log.Debug().Msg("netlib BLAS enabled for fully_connected")
}
