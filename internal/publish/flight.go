// Package publish sends golden snapshots to an Arrow Flight endpoint, one
// DoPut stream per snapshot.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-quiver/internal/golden"
)

type Config struct {
	Addr    string
	Dataset string
	// Timeout bounds a single DoPut.
	Timeout     time.Duration
	MaxFailures int
	Cooldown    time.Duration
}

func DefaultConfig(addr string) Config {
	return Config{
		Addr:        addr,
		Dataset:     "quiver",
		Timeout:     30 * time.Second,
		MaxFailures: 3,
		Cooldown:    10 * time.Second,
	}
}

// Publisher is a Flight client guarded by a circuit breaker.
type Publisher struct {
	cfg     Config
	client  flight.Client
	conn    *grpc.ClientConn
	breaker *CircuitBreaker
	mem     memory.Allocator
}

// NewPublisher dials lazily; connection errors surface on Publish.
func NewPublisher(cfg Config) (*Publisher, error) {
	conn, err := grpc.NewClient(cfg.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	return &Publisher{
		cfg:     cfg,
		client:  flight.NewClientFromConn(conn, nil),
		conn:    conn,
		breaker: NewCircuitBreaker(cfg.MaxFailures, cfg.Cooldown),
		mem:     memory.NewGoAllocator(),
	}, nil
}

// Path is the Flight descriptor path a snapshot is published under.
func (p *Publisher) Path(s *golden.Snapshot) []string {
	return []string{p.cfg.Dataset, s.Op, s.Context, s.Label}
}

func (p *Publisher) Publish(ctx context.Context, s *golden.Snapshot) error {
	if !p.breaker.Allow() {
		publishedTotal.WithLabelValues("rejected").Inc()
		return ErrCircuitOpen
	}
	if err := p.put(ctx, s); err != nil {
		p.breaker.Failure()
		publishedTotal.WithLabelValues("error").Inc()
		log.Warn().Err(err).Str("addr", p.cfg.Addr).Str("state", p.breaker.State().String()).Msg("Publish failed")
		return fmt.Errorf("publish %s to %s: %w", s.Op, p.cfg.Addr, err)
	}
	p.breaker.Success()
	publishedTotal.WithLabelValues("ok").Inc()
	return nil
}

func (p *Publisher) put(ctx context.Context, s *golden.Snapshot) error {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	rec := s.Record(p.mem)
	defer rec.Release()

	stream, err := p.client.DoPut(ctx)
	if err != nil {
		return err
	}
	writer := flight.NewRecordWriter(stream)
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: p.Path(s),
	})
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	// drain acknowledgements until the server finishes
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}
	}
	publishedRows.Add(float64(rec.NumRows()))
	log.Debug().Strs("path", p.Path(s)).Int64("rows", rec.NumRows()).Msg("Published snapshot")
	return nil
}

func (p *Publisher) Breaker() *CircuitBreaker {
	return p.breaker
}

func (p *Publisher) Close() error {
	return p.conn.Close()
}
