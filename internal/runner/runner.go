// Package runner executes one operator on several contexts with identical
// inputs and compares the results.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/golden"
	"github.com/23skdu/longbow-quiver/internal/op"
	"github.com/23skdu/longbow-quiver/internal/resource"
	"github.com/23skdu/longbow-quiver/internal/timing"
)

// Config controls a run.
type Config struct {
	// Contexts are run in parallel; the first is the reference.
	Contexts []device.Context
	Shapes   []device.Shape
	MainType device.DType
	AccType  device.DType
	IsTrain  bool

	ForwardIters  int
	BackwardIters int
	// Backward also runs the backward pass when the operator has one.
	Backward bool

	// Seed drives both input data and operator randomness.
	Seed      uint64
	Tolerance op.Tolerance
	Sim       device.SimConfig
}

// DefaultConfig compares the host against one simulated accelerator.
func DefaultConfig() Config {
	return Config{
		Contexts:      []device.Context{device.CPU(), device.GPU(0)},
		MainType:      device.Float32,
		AccType:       device.Float32,
		IsTrain:       true,
		ForwardIters:  1,
		BackwardIters: 1,
		Backward:      true,
		Seed:          1,
		Tolerance:     op.DefaultTolerance(),
		Sim:           device.DefaultSimConfig(),
	}
}

// Result is the outcome on one context.
type Result struct {
	Context  device.Context
	Golden   *golden.Snapshot
	Timings  []timing.Record
	Elapsed  time.Duration
	Backward bool
	// Err is the mismatch against the reference context, if any.
	Err error
}

type Report struct {
	Op      string
	Results []Result
}

// Err joins every mismatch.
func (r *Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", res.Context, res.Err))
		}
	}
	return errors.Join(errs...)
}

func (r *Report) OK() bool {
	return r.Err() == nil
}

// Reference is the first context's result.
func (r *Report) Reference() *Result {
	if len(r.Results) == 0 {
		return nil
	}
	return &r.Results[0]
}

type Runner struct {
	cfg Config
}

func New(cfg Config) (*Runner, error) {
	if len(cfg.Contexts) == 0 {
		return nil, errors.New("runner: no contexts")
	}
	if len(cfg.Shapes) == 0 {
		return nil, errors.New("runner: no input shapes")
	}
	seen := make(map[device.Context]bool, len(cfg.Contexts))
	for _, c := range cfg.Contexts {
		if seen[c] {
			return nil, fmt.Errorf("runner: context %s listed twice", c)
		}
		seen[c] = true
	}
	return &Runner{cfg: cfg}, nil
}

// Run executes desc on every context. Execution failures abort the run;
// numerical differences are reported per Result.
func (r *Runner) Run(ctx context.Context, desc op.Descriptor) (*Report, error) {
	backends := make([]device.Backend, len(r.cfg.Contexts))
	manager := resource.NewManager(r.cfg.Seed)
	for i, c := range r.cfg.Contexts {
		b, err := device.Open(c, r.cfg.Sim)
		if err != nil {
			return nil, err
		}
		backends[i] = b
		manager.Register(b)
	}
	defer func() {
		for _, b := range backends {
			if c, ok := b.(io.Closer); ok {
				if err := c.Close(); err != nil {
					log.Warn().Err(err).Str("backend", b.Name()).Msg("Failed to close backend")
				}
			}
		}
	}()

	report := &Report{Op: desc.Name(), Results: make([]Result, len(r.cfg.Contexts))}
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range r.cfg.Contexts {
		deps := op.Deps{Resources: manager, Timing: timing.NewRegistry(c.String())}
		if !c.IsHost() {
			deps.Device = backends[i]
		} else {
			deps.Host = backends[i]
		}
		g.Go(func() error {
			res, err := r.runOne(gctx, desc, c, deps)
			if err != nil {
				return fmt.Errorf("runner: %s on %s: %w", desc.Name(), c, err)
			}
			report.Results[i] = *res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		runsTotal.WithLabelValues(desc.Name(), "error").Inc()
		return nil, err
	}

	ref := report.Results[0].Golden
	for i := 1; i < len(report.Results); i++ {
		res := &report.Results[i]
		res.Err = op.CompareSnapshots(ref.Sets, res.Golden.Sets, r.cfg.Tolerance)
		if res.Err != nil {
			mismatchesTotal.WithLabelValues(desc.Name()).Inc()
			log.Debug().Err(res.Err).Str("op", desc.Name()).Str("ctx", res.Context.String()).Msg("Result differs from reference")
		}
	}
	outcome := "match"
	if !report.OK() {
		outcome = "mismatch"
	}
	runsTotal.WithLabelValues(desc.Name(), outcome).Inc()
	return report, nil
}

func (r *Runner) runOne(ctx context.Context, desc op.Descriptor, c device.Context, deps op.Deps) (*Result, error) {
	start := time.Now()
	seed := r.cfg.Seed
	cfg := op.Config{
		Context:   c,
		TopShapes: r.cfg.Shapes,
		MainType:  r.cfg.MainType,
		AccType:   r.cfg.AccType,
		IsTrain:   r.cfg.IsTrain,
		Hooks: op.Hooks{
			ResetForward: func(d *op.DataSet) error {
				op.FillRandom(d.Inputs(), seed)
				return nil
			},
			ResetBackward: func(d *op.DataSet) error {
				op.FillRandom(d.OutGrads(), seed+1)
				return nil
			},
		},
	}
	exec, err := op.NewExecutor(desc, cfg, deps)
	if err != nil {
		return nil, err
	}
	defer exec.Close()

	if _, err := exec.InitForward(); err != nil {
		return nil, err
	}
	if err := exec.Forward(ctx, r.cfg.ForwardIters); err != nil {
		return nil, err
	}
	backward := r.cfg.Backward && op.HasBackward(desc)
	if backward {
		if _, err := exec.InitBackward(); err != nil {
			return nil, err
		}
		if err := exec.Backward(ctx, r.cfg.BackwardIters); err != nil {
			return nil, err
		}
	}

	res := &Result{
		Context:  c,
		Golden:   golden.Capture(exec, desc.Name()),
		Timings:  deps.Timing.Snapshot(),
		Elapsed:  time.Since(start),
		Backward: backward,
	}
	runDuration.WithLabelValues(desc.Name(), c.String()).Observe(res.Elapsed.Seconds())
	log.Debug().Str("op", desc.Name()).Str("ctx", c.String()).Dur("elapsed", res.Elapsed).Msg("Context run complete")
	return res, nil
}
