package objectstore

import (
	"context"
	"io"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/meridian/pkg/compression"
	"github.com/ajitpratap0/meridian/pkg/connector/base"
	"github.com/ajitpratap0/meridian/pkg/connector/core"
	"github.com/ajitpratap0/meridian/pkg/errors"
	"github.com/ajitpratap0/meridian/pkg/formats"
)

// fanIn merges the streams of many objects, reading at most parallelism
// of them at once. Batches arrive in no particular order.
type fanIn struct {
	schema *arrow.Schema
	ch     chan arrow.Record
	cancel context.CancelFunc
	err    error
	once   sync.Once
}

func newFanIn(ctx context.Context, schema *arrow.Schema, objects []Object, parallelism int,
	open func(context.Context, Object) (core.RecordStream, error)) *fanIn {
	ctx, cancel := context.WithCancel(ctx)
	f := &fanIn{schema: schema, ch: make(chan arrow.Record, parallelism), cancel: cancel}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	go func() {
		for _, o := range objects {
			if gctx.Err() != nil {
				break
			}
			o := o
			g.Go(func() error { return f.pump(gctx, o, open) })
		}
		f.err = g.Wait()
		close(f.ch)
	}()
	return f
}

func (f *fanIn) pump(ctx context.Context, o Object, open func(context.Context, Object) (core.RecordStream, error)) error {
	s, err := open(ctx, o)
	if err != nil {
		return err
	}
	defer s.Close()
	for {
		rec, err := s.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		select {
		case f.ch <- rec:
		case <-ctx.Done():
			rec.Release()
			return ctx.Err()
		}
	}
}

func (f *fanIn) Schema() *arrow.Schema { return f.schema }

func (f *fanIn) Next(ctx context.Context) (arrow.Record, error) {
	select {
	case rec, ok := <-f.ch:
		if !ok {
			if f.err != nil {
				return nil, f.err
			}
			return nil, io.EOF
		}
		return rec, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the readers and waits for them to exit.
func (f *fanIn) Close() error {
	f.once.Do(func() {
		f.cancel()
		for rec := range f.ch {
			rec.Release()
		}
	})
	return nil
}

// objectStream adapts a format reader to core.RecordStream, relabeling
// every batch with the dataset schema.
type objectStream struct {
	key     string
	schema  *arrow.Schema
	rd      formats.Reader
	closers []io.Closer
}

func (s *objectStream) Schema() *arrow.Schema { return s.schema }

func (s *objectStream) Next(ctx context.Context) (arrow.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, err := s.rd.Next()
	if err != nil {
		return nil, err
	}
	out, err := base.Relabel(rec, s.schema)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "object "+s.key+" does not match the dataset schema")
	}
	return out, nil
}

func (s *objectStream) Close() error {
	err := s.rd.Close()
	for i := len(s.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, s.closers[i].Close())
	}
	return err
}

// openReader opens key and layers decompression and decoding over it. The
// returned closers are in opening order.
func openReader(ctx context.Context, b Bucket, key string, f formats.Format, alg compression.Algorithm,
	o formats.Options) (formats.Reader, []io.Closer, error) {
	rc, err := b.Open(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	zr, err := compression.NewReader(alg, rc)
	if err != nil {
		rc.Close()
		return nil, nil, err
	}
	rd, err := formats.NewReader(ctx, f, zr, o)
	if err != nil {
		zr.Close()
		rc.Close()
		return nil, nil, err
	}
	return rd, []io.Closer{rc, zr}, nil
}
