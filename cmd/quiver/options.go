package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/ops"
	"github.com/23skdu/longbow-quiver/internal/runner"
)

type options struct {
	ops        []string
	flight     string
	dataset    string
	list       bool
	dump       string
	golden     string
	arrow      string
	otel       bool
	metrics    string
	verbose    bool
	cpuProfile string
	runner     runner.Config
	// stdout receives -dump and -list output.
	stdout io.Writer
}

func parseBytes(s string) int64 {
	// 4GB, 100MB, 1024
	if s == "" || s == "0" {
		return 0
	}
	var val int64
	var unit string
	fmt.Sscanf(s, "%d%s", &val, &unit)

	switch strings.ToUpper(unit) {
	case "GB", "G":
		return val * 1024 * 1024 * 1024
	case "MB", "M":
		return val * 1024 * 1024
	case "KB", "K":
		return val * 1024
	default:
		return val
	}
}

// parseShapes splits "4,8;8" into one shape per operator input.
func parseShapes(text string) ([]device.Shape, error) {
	var shapes []device.Shape
	for _, part := range strings.Split(text, ";") {
		s, err := device.ParseShape(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		shapes = append(shapes, s)
	}
	return shapes, nil
}

func parseOptions(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("quiver", flag.ContinueOnError)
	fs.SetOutput(stderr)

	o := &options{runner: runner.DefaultConfig(), stdout: os.Stdout}
	opNames := fs.String("op", "scale", "Operators to run, comma separated, or 'all' (see -list)")
	fs.BoolVar(&o.list, "list", false, "List operators and exit")
	shape := fs.String("shape", "2,2", "Input shapes, ';' between inputs (e.g. 4,8;2,8)")
	gpus := fs.Int("gpu", 1, "Number of simulated accelerators compared against the host")
	fs.IntVar(&o.runner.ForwardIters, "iters", o.runner.ForwardIters, "Forward iterations (and backward, with -backward)")
	fs.BoolVar(&o.runner.Backward, "backward", o.runner.Backward, "Also run the backward pass")
	fs.BoolVar(&o.runner.IsTrain, "train", o.runner.IsTrain, "Run in training mode")
	fs.Uint64Var(&o.runner.Seed, "seed", o.runner.Seed, "Seed for inputs and operator randomness")
	dtype := fs.String("dtype", "float32", "Main element type")
	accType := fs.String("acc-dtype", "float32", "Element type of the remaining inputs")
	deviceMem := fs.String("device-mem", "4GB", "Memory of each simulated accelerator (e.g. 4GB, 512MB)")
	fs.Float64Var(&o.runner.Tolerance.Abs, "atol", o.runner.Tolerance.Abs, "Absolute tolerance")
	fs.Float64Var(&o.runner.Tolerance.Rel, "rtol", o.runner.Tolerance.Rel, "Relative tolerance")
	fs.StringVar(&o.dump, "dump", "", "Print the reference buffers as a literal under this label")
	fs.StringVar(&o.golden, "golden", "", "Write the reference snapshot to this CBOR file")
	fs.StringVar(&o.arrow, "arrow", "", "Write the reference snapshot to this Arrow IPC file")
	fs.StringVar(&o.flight, "flight", "", "Publish reference snapshots to this Arrow Flight address")
	fs.StringVar(&o.dataset, "dataset", "quiver", "Flight dataset name for published snapshots")
	fs.BoolVar(&o.otel, "otel", false, "Enable OpenTelemetry tracing (stderr)")
	fs.StringVar(&o.metrics, "metrics", "", "Serve Prometheus metrics on this address (e.g. :9100)")
	fs.BoolVar(&o.verbose, "v", false, "Debug logging")
	fs.StringVar(&o.cpuProfile, "cpuprofile", "", "Write cpu profile to file")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *opNames == "all" {
		o.ops = ops.Names()
	} else {
		for _, name := range strings.Split(*opNames, ",") {
			if name = strings.TrimSpace(name); name != "" {
				o.ops = append(o.ops, name)
			}
		}
	}
	if len(o.ops) == 0 {
		return nil, fmt.Errorf("-op: no operators given")
	}

	var err error
	if o.runner.Shapes, err = parseShapes(*shape); err != nil {
		return nil, err
	}
	if o.runner.MainType, err = device.ParseDType(*dtype); err != nil {
		return nil, err
	}
	if o.runner.AccType, err = device.ParseDType(*accType); err != nil {
		return nil, err
	}
	if *gpus < 0 {
		return nil, fmt.Errorf("-gpu %d: must not be negative", *gpus)
	}
	o.runner.Contexts = []device.Context{device.CPU()}
	for i := 0; i < *gpus; i++ {
		o.runner.Contexts = append(o.runner.Contexts, device.GPU(i))
	}
	o.runner.BackwardIters = o.runner.ForwardIters
	o.runner.Sim.Capacity = parseBytes(*deviceMem)
	if o.runner.Sim.Capacity <= 0 {
		return nil, fmt.Errorf("-device-mem %q: must be positive", *deviceMem)
	}
	return o, nil
}

// outputPath keeps one file per operator when several are run.
func (o *options) outputPath(path, opName string) string {
	if len(o.ops) < 2 {
		return path
	}
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "_" + opName + ext
}
