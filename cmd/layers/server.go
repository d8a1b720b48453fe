package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/x448/float16"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-layers/internal/arrowio"
	"github.com/23skdu/longbow-layers/internal/layer"
	"github.com/23skdu/longbow-layers/internal/sink"
	"github.com/23skdu/longbow-layers/internal/tensor"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "layers_http_requests_total",
		Help: "Forward requests by HTTP status code",
	}, []string{"code"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "layers_request_duration_seconds",
		Help:    "Time spent processing forward requests",
		Buckets: prometheus.DefBuckets,
	})
)

// ForwardRequest is the CBOR body of POST /forward.
type ForwardRequest struct {
	Op   OpSpec `cbor:"op"`
	Seed int64  `cbor:"seed"`
	// Compare also runs both engines and reports their largest difference.
	Compare bool `cbor:"compare"`
}

// TensorPayload carries one tensor. Exactly one of Data and DataFP16 is set.
type TensorPayload struct {
	Name     string    `cbor:"name"`
	Shape    []int     `cbor:"shape"`
	Data     []float32 `cbor:"data,omitempty"`
	DataFP16 []uint16  `cbor:"data_fp16,omitempty"`
}

// ForwardResponse is the CBOR body returned by POST /forward.
type ForwardResponse struct {
	Layer      string          `cbor:"layer"`
	Type       string          `cbor:"type"`
	Engine     string          `cbor:"engine"`
	Tops       []TensorPayload `cbor:"tops"`
	BottomDiff *TensorPayload  `cbor:"bottom_diff,omitempty"`
	MaxDiff    *float64        `cbor:"max_engine_diff,omitempty"`
	ElapsedUS  int64           `cbor:"elapsed_us"`
}

type Server struct {
	registry *layer.Registry
	format   arrowio.Format
	sem      *semaphore.Weighted
	sink     sink.Writer
	records  *arrowio.RecordBuilder
}

func NewServer(reg *layer.Registry, format arrowio.Format, maxConcurrent int, out sink.Writer) *Server {
	return &Server{
		registry: reg,
		format:   format,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		sink:     out,
		records:  arrowio.NewRecordBuilder(memory.NewGoAllocator(), format),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/forward", s.handleForward)
	mux.HandleFunc("/types", s.handleTypes)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(addr string, srv *Server) error {
	log.Info().Str("addr", addr).Msg("Starting layers server")
	return http.ListenAndServe(addr, srv.Handler())
}

var tracer = otel.Tracer("layers-server")

func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleForward", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		s.fail(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req ForwardRequest
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		span.RecordError(err)
		s.fail(w, http.StatusBadRequest, fmt.Sprintf("Bad Request (CBOR decode): %v", err))
		return
	}
	span.SetAttributes(
		attribute.String("layer.type", req.Op.Type),
		attribute.Bool("compare", req.Compare),
	)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		s.fail(w, http.StatusServiceUnavailable, "Server busy")
		return
	}
	defer s.sem.Release(1)

	res, err := Run(ctx, s.registry, &req.Op, req.Seed)
	if err != nil {
		span.RecordError(err)
		s.fail(w, statusFor(err), err.Error())
		return
	}

	resp := ForwardResponse{
		Layer:     res.Layer.Name(),
		Type:      res.Layer.Type(),
		Engine:    res.Layer.Engine().String(),
		ElapsedUS: res.Elapsed.Microseconds(),
	}
	for _, nt := range res.Named(false) {
		resp.Tops = append(resp.Tops, s.payload(nt.Name, nt.Tensor.Shape(), nt.Tensor.Data()))
	}
	if req.Op.Backward {
		p := s.payload(res.Layer.Name()+"/bottom_diff", res.Bottom.Shape(), res.Bottom.Diff())
		resp.BottomDiff = &p
	}

	if req.Compare {
		cmp, err := Compare(ctx, s.registry, &req.Op, req.Seed)
		if err != nil {
			span.RecordError(err)
			s.fail(w, statusFor(err), err.Error())
			return
		}
		resp.MaxDiff = &cmp.MaxAbsDiff
	}

	if s.sink != nil {
		s.export(res, req.Op.Backward)
	}

	body, err := cbor.Marshal(resp)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err.Error())
		return
	}
	requestsTotal.WithLabelValues("200").Inc()
	w.Header().Set("Content-Type", "application/cbor")
	_, _ = w.Write(body)
}

// export forwards the result to the sink. Failures are logged; the client
// still gets its response.
func (s *Server) export(res *Result, backward bool) {
	rec, err := s.records.Build(res.Named(backward))
	if err != nil {
		log.Error().Err(err).Msg("Failed to build record")
		return
	}
	defer rec.Release()
	if err := s.sink.Write(rec); err != nil {
		log.Error().Err(err).Str("layer", res.Layer.Name()).Msg("Failed to export record")
	}
}

func (s *Server) payload(name string, shape []int, data []float32) TensorPayload {
	p := TensorPayload{Name: name, Shape: shape}
	if s.format == arrowio.FP16 {
		p.DataFP16 = make([]uint16, len(data))
		for i, v := range data {
			p.DataFP16[i] = float16.Fromfloat32(v).Bits()
		}
		return p
	}
	p.Data = append([]float32(nil), data...)
	return p
}

func (s *Server) fail(w http.ResponseWriter, code int, msg string) {
	requestsTotal.WithLabelValues(fmt.Sprint(code)).Inc()
	http.Error(w, msg, code)
}

// statusFor maps operator errors to client errors; anything else is a
// server fault.
func statusFor(err error) int {
	for _, target := range []error{
		layer.ErrUnknownOperatorType,
		layer.ErrUnsupportedEngine,
		layer.ErrUnknownEngine,
		layer.ErrAxisOutOfRange,
		layer.ErrInvalidSliceConfiguration,
		layer.ErrBlobCount,
		layer.ErrInvalidParameter,
		tensor.ErrInvalidShape,
	} {
		if errors.Is(err, target) {
			return http.StatusBadRequest
		}
	}
	if errors.Is(err, context.Canceled) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) handleTypes(w http.ResponseWriter, r *http.Request) {
	body, err := cbor.Marshal(s.registry.Types())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	_, _ = w.Write(body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
