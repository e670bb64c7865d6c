package timing

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Accumulates(t *testing.T) {
	reg := NewRegistry("test-accumulate")

	reg.Add(Forward, "Forward", 10*time.Millisecond, 5)
	reg.Add(Forward, "Forward", 30*time.Millisecond, 5)
	reg.Add(Backward, "Backward", time.Millisecond, 1)

	rec, ok := reg.Get(Forward)
	require.True(t, ok)
	assert.Equal(t, 40*time.Millisecond, rec.Total)
	assert.Equal(t, int64(10), rec.Count)
	assert.Equal(t, int64(2), rec.Scopes)
	assert.Equal(t, 4*time.Millisecond, rec.PerOp())

	s := rec.Summary()
	assert.Equal(t, 4*time.Millisecond, s.Mean)
	assert.InDelta(t, float64(2828427*time.Nanosecond), float64(s.StdDev), float64(time.Microsecond))

	snap := reg.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, Forward, snap[0].Phase)
	assert.Equal(t, Backward, snap[1].Phase)

	assert.Equal(t, 10.0, testutil.ToFloat64(phaseOps.WithLabelValues("Forward", "test-accumulate")))
}

func TestRegistry_Reset(t *testing.T) {
	reg := NewRegistry("test-reset")
	reg.Add(Forward, "Forward", time.Millisecond, 1)
	reg.Reset()
	_, ok := reg.Get(Forward)
	assert.False(t, ok)
}

func TestRegistry_EmptyScope(t *testing.T) {
	reg := NewRegistry("test-empty")
	reg.Add(Forward, "Forward", time.Millisecond, 0)

	rec, ok := reg.Get(Forward)
	require.True(t, ok)
	assert.Equal(t, int64(0), rec.Count)
	assert.Equal(t, int64(1), rec.Scopes)
	assert.Equal(t, time.Millisecond, rec.Total)
	assert.Equal(t, time.Duration(0), rec.PerOp())
	assert.Equal(t, time.Duration(0), rec.Summary().StdDev)
	assert.Equal(t, 0.0, testutil.ToFloat64(phaseOps.WithLabelValues("Forward", "test-empty")))
}

func TestItem_StopOnce(t *testing.T) {
	reg := NewRegistry("test-item")
	it := Start(reg, Backward, "Backward", 3)
	time.Sleep(time.Millisecond)
	d := it.Stop()
	assert.Greater(t, d, time.Duration(0))
	assert.Equal(t, time.Duration(0), it.Stop())

	rec, ok := reg.Get(Backward)
	require.True(t, ok)
	assert.Equal(t, int64(3), rec.Count)
	assert.Equal(t, int64(1), rec.Scopes)
}

func TestDefault(t *testing.T) {
	assert.Same(t, Default(), Default())
	assert.Equal(t, "default", Default().Label())
}
