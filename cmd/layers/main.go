package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime/pprof"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-layers/internal/arrowio"
	"github.com/23skdu/longbow-layers/internal/device"
	"github.com/23skdu/longbow-layers/internal/layers"
	"github.com/23skdu/longbow-layers/internal/sink"
)

var (
	opPath        = flag.String("op", "", "Path to a YAML operator description")
	engines       = flag.String("engines", "auto", "Engines to offer: 'auto' (everything compiled in) or 'reference'")
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	inPath        = flag.String("in", "", "Replay the operator over every tensor in this Arrow IPC stream (as written by -out)")
	outPath       = flag.String("out", "", "Write results as an Arrow IPC stream to this file ('-' for stdout)")
	transportFmt  = flag.String("transport-fmt", "fp32", "Transport format for tensor data: 'fp32' (default) or 'fp16'")
	maxConcurrent = flag.Int("max-concurrent", 64, "Maximum number of forward requests processed at once")
	maxElements   = flag.Int("max-elements", 1<<26, "Largest input tensor, in elements, accepted from an op description or request")
	seed          = flag.Int64("seed", 1, "Seed for random input and weight fillers")
	compare       = flag.Bool("compare", false, "Also run the reference and accelerated engines and report their difference")
	workers       = flag.Int("workers", 0, "Worker fan-out for accelerated kernels (0 = number of CPUs)")
	flightAddr    = flag.String("flight", "", "Flight server address to put result records to (e.g. localhost:3000)")
	dataset       = flag.String("dataset", "layers", "Dataset name used for Flight puts")
	flightListen  = flag.String("flight-listen", "", "Address to serve operators over Flight DoExchange (e.g. :3001)")
	listTypes     = flag.Bool("types", false, "Print the registered operator types and exit")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
	verbose       = flag.Bool("v", false, "Debug logging")
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	if *workers > 0 {
		device.SetWorkers(*workers)
	}
	caps, ok := device.Restrict(device.Detect(), *engines)
	if !ok {
		log.Fatal().Str("engines", *engines).Msg("Unknown -engines value, want auto or reference")
	}
	format, err := arrowio.ParseFormat(*transportFmt)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid -transport-fmt")
	}

	reg, err := layers.NewRegistry(caps)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build operator registry")
	}
	log.Info().
		Str("capabilities", caps.String()).
		Str("blas", device.BLASImplementation()).
		Int("workers", device.Workers()).
		Msg("Operator registry ready")

	if *listTypes {
		for _, t := range reg.Types() {
			fmt.Println(t)
		}
		return
	}

	mem := memory.NewGoAllocator()
	var out sink.Multi
	if *outPath != "" {
		w, err := openOutput(*outPath)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open output")
		}
		out = append(out, arrowio.NewStreamWriter(w, format, mem))
	}
	if *flightAddr != "" {
		fs, err := sink.NewFlightSink(*flightAddr, *dataset)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create Flight sink")
		}
		out = append(out, fs)
	}
	defer func() {
		if err := out.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close sinks")
		}
	}()

	if *flightListen != "" {
		svc := NewFlightService(reg, format, *seed)
		if *listenAddr == "" {
			if err := startFlightServer(*flightListen, svc); err != nil {
				log.Fatal().Err(err).Msg("Flight server failed")
			}
			return
		}
		go func() {
			if err := startFlightServer(*flightListen, svc); err != nil {
				log.Fatal().Err(err).Msg("Flight server failed")
			}
		}()
	}

	// Server Mode
	if *listenAddr != "" {
		var w sink.Writer
		if len(out) > 0 {
			w = out
		}
		if err := startServer(*listenAddr, NewServer(reg, format, *maxConcurrent, w)); err != nil {
			log.Fatal().Err(err).Msg("Server failed")
		}
		return
	}

	if *opPath == "" {
		log.Fatal().Msg("One of -op, -listen, -flight-listen or -types is required")
	}
	spec, err := LoadOpSpec(*opPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load operator description")
	}

	ctx := context.Background()
	var results []*Result
	if *inPath != "" {
		f, err := os.Open(*inPath)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open input stream")
		}
		results, err = Replay(ctx, reg, spec, f, *seed)
		f.Close()
		if err != nil {
			log.Fatal().Err(err).Msg("Replay failed")
		}
	} else {
		res, err := Run(ctx, reg, spec, *seed)
		if err != nil {
			log.Fatal().Err(err).Msg("Operator failed")
		}
		results = []*Result{res}
	}
	for _, res := range results {
		for i, t := range res.Tops {
			log.Info().
				Str("layer", res.Layer.Name()).
				Int("top", i).
				Str("shape", t.ShapeString()).
				Msg("Output")
		}
		log.Info().
			Str("layer", res.Layer.Name()).
			Str("type", res.Layer.Type()).
			Str("engine", res.Layer.Engine().String()).
			Dur("elapsed", res.Elapsed).
			Msg("Ran operator")
	}

	if *compare {
		cmp, err := Compare(ctx, reg, spec, *seed)
		if err != nil {
			log.Fatal().Err(err).Msg("Engine comparison failed")
		}
		log.Info().
			Str("reference", cmp.Reference.String()).
			Str("accelerated", cmp.Accelerated.String()).
			Float64("max_abs_diff", cmp.MaxAbsDiff).
			Msg("Compared engines")
	}

	if len(out) > 0 {
		var named []arrowio.Named
		for _, res := range results {
			named = append(named, res.Named(spec.Backward)...)
		}
		rec, err := arrowio.NewRecordBuilder(mem, format).Build(named)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to build record")
		}
		defer rec.Release()
		if err := out.Write(rec); err != nil {
			log.Warn().Err(err).Msg("Failed to export result")
		}
	}
}

func openOutput(path string) (io.Writer, error) {
	if path == "-" {
		return os.Stdout, nil
	}
	return os.Create(path)
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("longbow-layers"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
