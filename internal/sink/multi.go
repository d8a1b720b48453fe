package sink

import (
	stderrors "errors"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/rs/zerolog/log"
)

// Multi fans a record out to several writers. Every writer sees every
// record; failures are collected rather than short-circuiting.
type Multi []Writer

func (m Multi) Write(rec arrow.RecordBatch) error {
	var errs []error
	for i, w := range m {
		if err := w.Write(rec); err != nil {
			log.Warn().Err(err).Int("sink", i).Msg("Sink write failed")
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// Close closes every writer that is an io.Closer.
func (m Multi) Close() error {
	var errs []error
	for _, w := range m {
		if c, ok := w.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return stderrors.Join(errs...)
}
