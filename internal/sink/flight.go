// Package sink exports result records to Arrow destinations: a local IPC
// stream or a remote Flight service.
package sink

import (
	"context"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ErrCircuitOpen is returned by Write while the breaker rejects calls.
var ErrCircuitOpen = errors.New("sink circuit open")

// Writer is anything that accepts result records.
type Writer interface {
	Write(rec arrow.RecordBatch) error
}

// FlightSink puts every record to a dataset on a Flight server.
type FlightSink struct {
	client  flight.Client
	conn    *grpc.ClientConn
	dataset string
	timeout time.Duration
	breaker *Breaker
}

type FlightOption func(*FlightSink)

// WithTimeout bounds each Write. Zero disables the bound.
func WithTimeout(d time.Duration) FlightOption {
	return func(s *FlightSink) { s.timeout = d }
}

func WithBreaker(b *Breaker) FlightOption {
	return func(s *FlightSink) { s.breaker = b }
}

func NewFlightSink(addr, dataset string, opts ...FlightOption) (*FlightSink, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, errors.Wrapf(err, "dial flight %s", addr)
	}
	s := &FlightSink{
		client:  flight.NewClientFromConn(conn, nil),
		conn:    conn,
		dataset: dataset,
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.breaker == nil {
		s.breaker = NewBreaker("flight:"+dataset, 3, 30*time.Second)
	}
	return s, nil
}

// DoPut sends one record to the named dataset.
func (s *FlightSink) DoPut(ctx context.Context, dataset string, rec arrow.RecordBatch) error {
	stream, err := s.client.DoPut(ctx)
	if err != nil {
		return errors.Wrap(err, "open DoPut stream")
	}
	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	w.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{dataset},
	})
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return errors.Wrap(err, "write record")
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "close record writer")
	}
	if err := stream.CloseSend(); err != nil {
		return errors.Wrap(err, "close send")
	}
	// Drain the acknowledgement so the server sees a completed call.
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return errors.Wrap(err, "DoPut result")
		}
	}
}

// Write puts rec to the configured dataset, guarded by the breaker.
func (s *FlightSink) Write(rec arrow.RecordBatch) error {
	if !s.breaker.Allow() {
		recordsExported.WithLabelValues("flight", "rejected").Inc()
		return ErrCircuitOpen
	}
	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	if err := s.DoPut(ctx, s.dataset, rec); err != nil {
		s.breaker.Failure()
		recordsExported.WithLabelValues("flight", "error").Inc()
		return err
	}
	s.breaker.Success()
	recordsExported.WithLabelValues("flight", "ok").Inc()
	return nil
}

func (s *FlightSink) Breaker() *Breaker { return s.breaker }

func (s *FlightSink) Close() error {
	return s.conn.Close()
}
