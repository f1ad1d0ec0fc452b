// Package exec runs the operators the federation planner leaves above the
// push-down boundary. Every operator is a lazy core.RecordStream pulling from
// its inputs; nothing touches a backend until the first call to Next.
package exec

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ajitpratap0/meridian/pkg/connector/core"
	"github.com/ajitpratap0/meridian/pkg/errors"
	"github.com/ajitpratap0/meridian/pkg/logger"
	"github.com/ajitpratap0/meridian/pkg/plan"
)

const tracerName = "github.com/ajitpratap0/meridian/pkg/exec"

// Catalog resolves dataset names to table handles.
type Catalog interface {
	Handle(name string) (*core.TableHandle, error)
}

// Executor turns a planned tree into a stream tree.
type Executor struct {
	catalog   Catalog
	mem       memory.Allocator
	batchSize int
	logger    *zap.Logger
	tracer    trace.Tracer
}

// Option configures an Executor.
type Option func(*Executor)

// WithAllocator sets the allocator for locally built batches.
func WithAllocator(mem memory.Allocator) Option {
	return func(e *Executor) { e.mem = mem }
}

// WithBatchSize sets the row count of batches rebuilt by sort, aggregate and
// join.
func WithBatchSize(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// New creates an executor over catalog.
func New(catalog Catalog, opts ...Option) *Executor {
	e := &Executor{
		catalog:   catalog,
		mem:       memory.DefaultAllocator,
		batchSize: 1024,
		logger:    logger.With(zap.String("component", "executor")),
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Build returns the stream producing n's rows. The stream is lazy: leases are
// acquired when the corresponding scan is first pulled. The caller must
// Close the stream.
func (e *Executor) Build(ctx context.Context, n plan.Node) (core.RecordStream, error) {
	switch x := n.(type) {
	case *plan.RemoteScan:
		return e.scan(ctx, x.Dataset, x.Request)

	case *plan.Scan:
		// An unplanned scan reads everything and takes the plan's field names.
		return e.scan(ctx, x.Dataset, &core.ScanRequest{OutputSchema: x.Schema()})

	case *plan.Filter:
		in, err := e.Build(ctx, x.Input)
		if err != nil {
			return nil, err
		}
		return e.wrap(in, func() (core.RecordStream, error) { return NewFilter(in, x.Predicate, e.mem) })

	case *plan.Projection:
		in, err := e.Build(ctx, x.Input)
		if err != nil {
			return nil, err
		}
		return e.wrap(in, func() (core.RecordStream, error) { return NewProjection(in, x.Exprs, x.Schema(), e.mem) })

	case *plan.Limit:
		in, err := e.Build(ctx, x.Input)
		if err != nil {
			return nil, err
		}
		return NewLimit(in, x.N), nil

	case *plan.Sort:
		in, err := e.Build(ctx, x.Input)
		if err != nil {
			return nil, err
		}
		return e.wrap(in, func() (core.RecordStream, error) { return NewSort(in, x.Keys, e.mem, e.batchSize) })

	case *plan.Aggregate:
		in, err := e.Build(ctx, x.Input)
		if err != nil {
			return nil, err
		}
		return e.wrap(in, func() (core.RecordStream, error) {
			return NewAggregate(in, x.GroupBy, x.Aggs, x.Schema(), e.mem, e.batchSize)
		})

	case *plan.Join:
		left, err := e.Build(ctx, x.Left)
		if err != nil {
			return nil, err
		}
		right, err := e.Build(ctx, x.Right)
		if err != nil {
			left.Close()
			return nil, err
		}
		j, err := NewHashJoin(left, right, x.Type, x.On, x.Schema(), e.mem, e.batchSize)
		if err != nil {
			left.Close()
			right.Close()
			return nil, err
		}
		return j, nil
	}
	return nil, errors.Newf(errors.ErrorTypeQuery, "cannot execute plan node %T", n)
}

func (e *Executor) scan(ctx context.Context, dataset string, req *core.ScanRequest) (core.RecordStream, error) {
	h, err := e.catalog.Handle(dataset)
	if err != nil {
		return nil, err
	}
	ctx, span := e.tracer.Start(ctx, "exec.scan", trace.WithAttributes(
		attribute.String("dataset", dataset),
		attribute.String("kind", h.Descriptor.Kind),
		attribute.String("request", req.String()),
	))
	s, err := h.Connector.Scan(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.End()
		return nil, err
	}
	e.logger.Debug("opened scan", zap.String("dataset", dataset), zap.Stringer("request", req))
	return &tracedStream{RecordStream: s, span: span}, nil
}

// wrap closes in when the operator cannot be built.
func (e *Executor) wrap(in core.RecordStream, build func() (core.RecordStream, error)) (core.RecordStream, error) {
	s, err := build()
	if err != nil {
		in.Close()
		return nil, err
	}
	return s, nil
}

// tracedStream ends the scan span when the stream is closed.
type tracedStream struct {
	core.RecordStream
	span trace.Span
	rows int64
}

func (s *tracedStream) Next(ctx context.Context) (arrow.Record, error) {
	rec, err := s.RecordStream.Next(ctx)
	if rec != nil {
		s.rows += rec.NumRows()
	}
	return rec, err
}

func (s *tracedStream) Close() error {
	err := s.RecordStream.Close()
	if s.span != nil {
		s.span.SetAttributes(attribute.Int64("rows", s.rows))
		s.span.End()
		s.span = nil
	}
	return err
}
