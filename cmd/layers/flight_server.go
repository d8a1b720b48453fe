package main

import (
	"net/http"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-layers/internal/arrowio"
	"github.com/23skdu/longbow-layers/internal/layer"
)

// FlightService runs operators over Flight. A DoExchange call carries the
// operator as a CBOR OpSpec in a CMD descriptor; every row of every record
// the client sends is one input tensor, and the server answers each input
// record with a record of results.
type FlightService struct {
	flight.BaseFlightServer
	registry *layer.Registry
	records  *arrowio.RecordBuilder
	alloc    memory.Allocator
	seed     int64
}

func NewFlightService(reg *layer.Registry, format arrowio.Format, seed int64) *FlightService {
	alloc := memory.NewGoAllocator()
	return &FlightService{
		registry: reg,
		records:  arrowio.NewRecordBuilder(alloc, format),
		alloc:    alloc,
		seed:     seed,
	}
}

func (s *FlightService) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	ctx, span := tracer.Start(stream.Context(), "DoExchange", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	rdr, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "read input stream: %v", err)
	}
	defer rdr.Release()

	desc := rdr.LatestFlightDescriptor()
	if desc == nil || desc.Type != flight.DescriptorCMD {
		return status.Error(codes.InvalidArgument, "DoExchange needs a CMD descriptor holding the operator")
	}
	var spec OpSpec
	if err := cbor.Unmarshal(desc.Cmd, &spec); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode operator: %v", err)
	}
	span.SetAttributes(attribute.String("layer.type", spec.Type))

	w := flight.NewRecordWriter(stream, ipc.WithSchema(arrowio.Schema(s.records.Format())), ipc.WithAllocator(s.alloc))
	defer w.Close()

	inputs := 0
	for rdr.Next() {
		rows, err := arrowio.Decode(rdr.Record())
		if err != nil {
			return status.Errorf(codes.InvalidArgument, "decode input: %v", err)
		}
		var named []arrowio.Named
		for _, row := range rows {
			op := spec
			op.Input, op.Data = row.Shape, row.Data
			res, err := Run(ctx, s.registry, &op, s.seed)
			if err != nil {
				span.RecordError(err)
				return status.Error(codeFor(err), err.Error())
			}
			named = append(named, res.Named(op.Backward)...)
			inputs++
		}
		if len(named) == 0 {
			continue
		}
		rec, err := s.records.Build(named)
		if err != nil {
			return status.Errorf(codes.Internal, "build result: %v", err)
		}
		err = w.Write(rec)
		rec.Release()
		if err != nil {
			return err
		}
	}
	if err := rdr.Err(); err != nil {
		return status.Errorf(codes.InvalidArgument, "read input stream: %v", err)
	}
	log.Debug().Str("type", spec.Type).Int("inputs", inputs).Msg("DoExchange complete")
	return nil
}

func codeFor(err error) codes.Code {
	switch statusFor(err) {
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusServiceUnavailable:
		return codes.Canceled
	}
	return codes.Internal
}

func startFlightServer(addr string, svc *FlightService) error {
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(svc)
	if err := server.Init(addr); err != nil {
		return err
	}
	log.Info().Str("addr", server.Addr().String()).Msg("Starting Flight server")
	return server.Serve()
}
