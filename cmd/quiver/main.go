package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-quiver/internal/golden"
	"github.com/23skdu/longbow-quiver/internal/op"
	"github.com/23skdu/longbow-quiver/internal/ops"
	"github.com/23skdu/longbow-quiver/internal/publish"
	"github.com/23skdu/longbow-quiver/internal/runner"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the CLI and returns the process exit code. Deferred tracer
// and profile shutdown run before it returns.
func execute(args []string, stdout, stderr io.Writer) int {
	opts, err := parseOptions(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		log.Error().Err(err).Msg("Invalid arguments")
		return 2
	}
	opts.stdout = stdout
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if opts.verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if opts.list {
		fmt.Fprintln(stdout, strings.Join(ops.Names(), "\n"))
		return 0
	}

	if opts.otel {
		// stdout carries -dump output
		shutdown, err := initTracer(stderr)
		if err != nil {
			log.Error().Err(err).Msg("Failed to initialize tracer")
			return 1
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				log.Warn().Err(err).Msg("Failed to flush traces")
			}
		}()
	}

	if opts.cpuProfile != "" {
		f, err := os.Create(opts.cpuProfile)
		if err != nil {
			log.Error().Err(err).Msg("Failed to create CPU profile file")
			return 1
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Error().Err(err).Msg("Could not start CPU profile")
			return 1
		}
		defer pprof.StopCPUProfile()
	}

	if opts.metrics != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Info().Str("addr", opts.metrics).Msg("Serving metrics")
			if err := http.ListenAndServe(opts.metrics, mux); err != nil {
				log.Error().Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	if err := run(context.Background(), opts); err != nil {
		log.Error().Err(err).Strs("ops", opts.ops).Msg("Run failed")
		return 1
	}
	return 0
}

func run(ctx context.Context, opts *options) error {
	r, err := runner.New(opts.runner)
	if err != nil {
		return err
	}

	var pub *publish.Publisher
	if opts.flight != "" {
		cfg := publish.DefaultConfig(opts.flight)
		cfg.Dataset = opts.dataset
		if pub, err = publish.NewPublisher(cfg); err != nil {
			return err
		}
		defer pub.Close()
	}

	var errs []error
	for _, name := range opts.ops {
		if err := runOne(ctx, opts, r, pub, name); err != nil {
			log.Error().Err(err).Str("op", name).Msg("Operator failed")
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func runOne(ctx context.Context, opts *options, r *runner.Runner, pub *publish.Publisher, name string) error {
	desc, err := ops.Lookup(name)
	if err != nil {
		return err
	}
	report, err := r.Run(ctx, desc)
	if err != nil {
		return err
	}
	for _, res := range report.Results {
		ev := log.Info().Str("op", report.Op).Str("ctx", res.Context.String()).Dur("elapsed", res.Elapsed)
		for _, rec := range res.Timings {
			sum := rec.Summary()
			ev = ev.Dur(rec.Phase.String()+"_per_op", sum.Mean).
				Dur(rec.Phase.String()+"_stddev", sum.StdDev)
		}
		if res.Err != nil {
			ev = ev.AnErr("mismatch", res.Err)
		}
		ev.Msg("Context result")
	}

	ref := report.Reference().Golden
	if opts.dump != "" {
		if err := op.WriteLiteral(opts.stdout, op.LiteralName(opts.dump, ref.Shape), ref.Sets); err != nil {
			return err
		}
	}
	if opts.golden != "" {
		path := opts.outputPath(opts.golden, name)
		if err := golden.SaveFile(path, ref); err != nil {
			return err
		}
		log.Info().Str("path", path).Msg("Wrote golden snapshot")
	}
	if opts.arrow != "" {
		path := opts.outputPath(opts.arrow, name)
		if err := writeArrowFile(path, ref); err != nil {
			return err
		}
		log.Info().Str("path", path).Msg("Wrote Arrow snapshot")
	}
	if pub != nil {
		// a failed publish does not fail the comparison
		if err := pub.Publish(ctx, ref); err != nil {
			log.Warn().Err(err).Str("op", name).Msg("Snapshot not published")
		}
	}

	if err := report.Err(); err != nil {
		return err
	}
	log.Info().Str("op", report.Op).Int("contexts", len(report.Results)).Msg("All contexts match")
	return nil
}

func writeArrowFile(path string, s *golden.Snapshot) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return golden.WriteArrow(f, s)
}

func initTracer(w io.Writer) (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("quiver"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
