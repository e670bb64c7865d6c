package publish

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/golden"
	"github.com/23skdu/longbow-quiver/internal/op"
)

type snapshotServer struct {
	flight.BaseFlightServer

	mu       sync.Mutex
	paths    [][]string
	received []*golden.Snapshot
}

func (s *snapshotServer) DoPut(stream flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer reader.Release()

	path := reader.LatestFlightDescriptor().GetPath()
	for reader.Next() {
		snap, err := golden.FromRecord(reader.Record())
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.paths = append(s.paths, path)
		s.received = append(s.received, snap)
		s.mu.Unlock()
	}
	return reader.Err()
}

func startServer(t *testing.T) (*snapshotServer, string) {
	t.Helper()
	srv := &snapshotServer{}
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(srv)
	require.NoError(t, server.Init("localhost:0"))
	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(server.Shutdown)
	return srv, server.Addr().String()
}

func snapshot() *golden.Snapshot {
	return &golden.Snapshot{
		Label:   "scale",
		Op:      "scale",
		Context: device.CPU().String(),
		Shape:   device.Shape{2},
		Shapes:  [][]device.Shape{{{2}}, {{2}}, {}, {}, {}},
		Sets:    [][][]float64{{{1, 2}}, {{2, 4}}, {}, {}, {}},
	}
}

func TestPublisher_Publish(t *testing.T) {
	srv, addr := startServer(t)

	p, err := NewPublisher(DefaultConfig(addr))
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Publish(context.Background(), snapshot()))

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Len(t, srv.received, 1)
	assert.Equal(t, []string{"quiver", "scale", "cpu(0)", "scale"}, srv.paths[0])
	got := srv.received[0]
	assert.Equal(t, "scale", got.Op)
	assert.NoError(t, op.CompareSnapshots(snapshot().Sets, got.Sets, op.Exact()))
	assert.Equal(t, StateClosed, p.Breaker().State())
}

func TestPublisher_BreakerOpens(t *testing.T) {
	cfg := DefaultConfig("localhost:1")
	cfg.Timeout = 200 * time.Millisecond
	cfg.MaxFailures = 2
	cfg.Cooldown = time.Hour
	p, err := NewPublisher(cfg)
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()
	assert.Error(t, p.Publish(ctx, snapshot()))
	assert.Error(t, p.Publish(ctx, snapshot()))
	assert.Equal(t, StateOpen, p.Breaker().State())
	assert.ErrorIs(t, p.Publish(ctx, snapshot()), ErrCircuitOpen)
}

func TestCircuitBreaker(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker(3, 100*time.Millisecond)
	cb.now = func() time.Time { return now }

	if cb.State() != StateClosed || !cb.Allow() {
		t.Fatalf("new breaker should be closed and allow calls")
	}

	cb.Failure()
	cb.Failure()
	if cb.State() != StateClosed {
		t.Errorf("Should remain Closed after 2 failures")
	}
	cb.Failure()
	if cb.State() != StateOpen {
		t.Errorf("Expected Open state after 3 failures")
	}
	if cb.Allow() {
		t.Error("Should NOT allow requests in Open state")
	}

	now = now.Add(150 * time.Millisecond)
	if !cb.Allow() {
		t.Error("Should allow probe request after cooldown")
	}
	if cb.State() != StateHalfOpen {
		t.Errorf("Expected HalfOpen state, got %v", cb.State())
	}

	// failed probe reopens
	cb.Failure()
	if cb.State() != StateOpen {
		t.Errorf("Expected Open state after probe failure")
	}

	now = now.Add(150 * time.Millisecond)
	cb.Allow()
	cb.Success()
	if cb.State() != StateClosed {
		t.Errorf("Expected Closed state after probe success")
	}
	if cb.failures != 0 {
		t.Errorf("Failures should be reset")
	}
}
