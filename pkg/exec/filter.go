package exec

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/ajitpratap0/meridian/pkg/columnar"
	"github.com/ajitpratap0/meridian/pkg/connector/core"
	"github.com/ajitpratap0/meridian/pkg/errors"
	"github.com/ajitpratap0/meridian/pkg/expr"
)

// Filter keeps the rows of its input for which a predicate is true.
type Filter struct {
	input core.RecordStream
	pred  expr.Evaluator
	cols  []int
	mem   memory.Allocator
}

// NewFilter binds pred against the input schema.
func NewFilter(input core.RecordStream, pred expr.Expr, mem memory.Allocator) (*Filter, error) {
	schema := input.Schema()
	ev, err := expr.Bind(pred, schema)
	if err != nil {
		return nil, err
	}
	cols, err := referenced(schema, pred)
	if err != nil {
		return nil, err
	}
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	return &Filter{input: input, pred: ev, cols: cols, mem: mem}, nil
}

func (f *Filter) Schema() *arrow.Schema { return f.input.Schema() }

func (f *Filter) Next(ctx context.Context) (arrow.Record, error) {
	for {
		rec, err := f.input.Next(ctx)
		if err != nil {
			return nil, err
		}
		mask, kept, err := f.mask(rec)
		if err != nil {
			rec.Release()
			return nil, err
		}
		switch kept {
		case int(rec.NumRows()):
			mask.Release()
			return rec, nil
		case 0:
			mask.Release()
			rec.Release()
			continue
		}
		out, err := compute.FilterRecordBatch(compute.WithAllocator(ctx, f.mem), rec, mask, compute.DefaultFilterOptions())
		mask.Release()
		rec.Release()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to filter rows")
		}
		return out, nil
	}
}

// mask evaluates the predicate per row. Null results drop the row.
func (f *Filter) mask(rec arrow.Record) (*array.Boolean, int, error) {
	n := int(rec.NumRows())
	b := array.NewBooleanBuilder(f.mem)
	defer b.Release()
	b.Reserve(n)
	row := make([]interface{}, rec.NumCols())
	kept := 0
	for i := 0; i < n; i++ {
		for _, c := range f.cols {
			row[c] = columnar.Value(rec.Column(c), i)
		}
		v, err := f.pred(row)
		if err != nil {
			return nil, 0, err
		}
		keep := expr.Truthy(v)
		if keep {
			kept++
		}
		b.UnsafeAppend(keep)
	}
	return b.NewBooleanArray(), kept, nil
}

func (f *Filter) Close() error { return f.input.Close() }

// referenced returns the schema indices of the columns in exprs.
func referenced(schema *arrow.Schema, exprs ...expr.Expr) ([]int, error) {
	cols := expr.Columns(exprs...)
	out := make([]int, 0, len(cols))
	seen := make(map[int]bool, len(cols))
	for _, c := range cols {
		idx, err := expr.Resolve(schema, c)
		if err != nil {
			return nil, err
		}
		if !seen[idx] {
			seen[idx] = true
			out = append(out, idx)
		}
	}
	return out, nil
}
