package base

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"go.uber.org/zap"

	"github.com/ajitpratap0/meridian/pkg/errors"
	"github.com/ajitpratap0/meridian/pkg/metrics"
)

// EmitFunc hands one batch to the consumer. It takes ownership of rec and
// returns the context error once the stream is cancelled; producers must
// stop on error.
type EmitFunc func(rec arrow.Record) error

// ProduceFunc produces the batches of a scan.
type ProduceFunc func(ctx context.Context, emit EmitFunc) error

// StreamOptions label and hook a producer stream.
type StreamOptions struct {
	Kind    string
	Dataset string
	Logger  *zap.Logger
	// Classify maps the producer's terminal error; nil keeps it as is
	Classify func(error) error
}

// ProducerStream runs a ProduceFunc on its own goroutine, started by the
// first call to Next, and hands batches over an unbuffered channel. At most
// one batch is produced after cancellation, and everything the producer holds
// is released before Close returns.
type ProducerStream struct {
	schema  *arrow.Schema
	opts    StreamOptions
	produce ProduceFunc

	ctx    context.Context
	cancel context.CancelFunc

	start     sync.Once
	closeOnce sync.Once
	started   bool
	records   chan arrow.Record
	done      chan struct{}
	err       error

	batches int64
	rows    int64
	began   time.Time
}

// NewProducerStream creates a lazy stream. Cancelling ctx stops the producer.
func NewProducerStream(ctx context.Context, schema *arrow.Schema, opts StreamOptions, produce ProduceFunc) *ProducerStream {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &ProducerStream{
		schema:  schema,
		opts:    opts,
		produce: produce,
		ctx:     ctx,
		cancel:  cancel,
		records: make(chan arrow.Record),
		done:    make(chan struct{}),
	}
}

// Schema implements core.RecordStream.
func (s *ProducerStream) Schema() *arrow.Schema { return s.schema }

// Next implements core.RecordStream.
func (s *ProducerStream) Next(ctx context.Context) (arrow.Record, error) {
	s.start.Do(s.run)

	select {
	case rec, ok := <-s.records:
		if !ok {
			if s.err != nil {
				return nil, s.err
			}
			return nil, io.EOF
		}
		return rec, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *ProducerStream) run() {
	s.started = true
	s.began = time.Now()
	go func() {
		defer close(s.done)
		err := s.produce(s.ctx, s.emit)
		if err == nil && s.ctx.Err() != nil {
			err = s.ctx.Err()
		}
		if err != nil && s.opts.Classify != nil {
			err = s.opts.Classify(err)
		}
		s.err = err
		s.opts.Logger.Debug("scan finished",
			zap.String("dataset", s.opts.Dataset),
			zap.Int64("batches", s.batches),
			zap.Int64("rows", s.rows),
			zap.Duration("duration", time.Since(s.began)),
			zap.Error(err))
		close(s.records)
	}()
}

func (s *ProducerStream) emit(rec arrow.Record) error {
	if err := s.ctx.Err(); err != nil {
		rec.Release()
		return err
	}
	select {
	case s.records <- rec:
		s.batches++
		s.rows += rec.NumRows()
		metrics.ScanBatches.WithLabelValues(s.opts.Kind, s.opts.Dataset).Inc()
		metrics.ScanRows.WithLabelValues(s.opts.Kind, s.opts.Dataset).Add(float64(rec.NumRows()))
		return nil
	case <-s.ctx.Done():
		rec.Release()
		return s.ctx.Err()
	}
}

// Close implements core.RecordStream. It cancels the producer, drops any
// batch in flight and waits for the producer to exit.
func (s *ProducerStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.start.Do(func() {})
		if !s.started {
			s.err = context.Canceled
			close(s.records)
			return
		}
		for rec := range s.records {
			rec.Release()
		}
		<-s.done
	})
	return nil
}

// SliceStream serves a fixed list of records. It takes ownership of them.
type SliceStream struct {
	schema *arrow.Schema
	recs   []arrow.Record
	pos    int
}

// NewSliceStream creates a stream over recs.
func NewSliceStream(schema *arrow.Schema, recs []arrow.Record) *SliceStream {
	return &SliceStream{schema: schema, recs: recs}
}

// Schema implements core.RecordStream.
func (s *SliceStream) Schema() *arrow.Schema { return s.schema }

// Next implements core.RecordStream.
func (s *SliceStream) Next(ctx context.Context) (arrow.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.recs) {
		return nil, io.EOF
	}
	rec := s.recs[s.pos]
	s.recs[s.pos] = nil
	s.pos++
	return rec, nil
}

// Close implements core.RecordStream.
func (s *SliceStream) Close() error {
	for i := s.pos; i < len(s.recs); i++ {
		if s.recs[i] != nil {
			s.recs[i].Release()
			s.recs[i] = nil
		}
	}
	s.pos = len(s.recs)
	return nil
}

// RecordSource is the subset of core.RecordStream that Drain needs.
type RecordSource interface {
	Next(ctx context.Context) (arrow.Record, error)
}

// Drain calls fn for every batch of the stream until io.EOF. fn does not own
// the record; it is released after fn returns.
func Drain(ctx context.Context, stream RecordSource, fn func(arrow.Record) error) error {
	for {
		rec, err := stream.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		err = fn(rec)
		rec.Release()
		if err != nil {
			return err
		}
	}
}

// Collect reads the whole stream into memory. The caller releases the
// records.
func Collect(ctx context.Context, stream RecordSource) ([]arrow.Record, error) {
	var out []arrow.Record
	err := Drain(ctx, stream, func(rec arrow.Record) error {
		rec.Retain()
		out = append(out, rec)
		return nil
	})
	if err != nil {
		for _, r := range out {
			r.Release()
		}
		return nil, err
	}
	return out, nil
}

// Relabel returns rec carrying schema, whose field types must match rec's
// positionally. It takes ownership of rec.
func Relabel(rec arrow.Record, schema *arrow.Schema) (arrow.Record, error) {
	if rec.Schema() == schema {
		return rec, nil
	}
	defer rec.Release()
	if int(rec.NumCols()) != schema.NumFields() {
		return nil, errors.Newf(errors.ErrorTypeProtocolViolation,
			"batch has %d columns, schema has %d", rec.NumCols(), schema.NumFields())
	}
	for i, f := range schema.Fields() {
		if !arrow.TypeEqual(rec.Column(i).DataType(), f.Type) {
			return nil, errors.Newf(errors.ErrorTypeProtocolViolation,
				"column %q is %s, schema says %s", f.Name, rec.Column(i).DataType(), f.Type)
		}
	}
	return array.NewRecord(schema, rec.Columns(), rec.NumRows()), nil
}
