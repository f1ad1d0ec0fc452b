package exec

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/ajitpratap0/meridian/pkg/columnar"
	"github.com/ajitpratap0/meridian/pkg/connector/core"
	"github.com/ajitpratap0/meridian/pkg/errors"
	"github.com/ajitpratap0/meridian/pkg/expr"
)

// Projection computes one output column per expression. Plain column
// references reuse the input arrays.
type Projection struct {
	input  core.RecordStream
	schema *arrow.Schema
	mem    memory.Allocator

	// passthrough[i] is the input index of output i, or -1 when computed
	passthrough []int
	evals       []expr.Evaluator
	cols        []int
}

// NewProjection binds exprs against the input schema. schema is the output
// schema and must have one field per expression.
func NewProjection(input core.RecordStream, exprs []expr.Expr, schema *arrow.Schema, mem memory.Allocator) (*Projection, error) {
	if schema.NumFields() != len(exprs) {
		return nil, errors.Newf(errors.ErrorTypeInternal,
			"projection has %d expressions for %d fields", len(exprs), schema.NumFields())
	}
	in := input.Schema()
	p := &Projection{
		input:       input,
		schema:      schema,
		mem:         mem,
		passthrough: make([]int, len(exprs)),
		evals:       make([]expr.Evaluator, len(exprs)),
	}
	var computed []expr.Expr
	for i, e := range exprs {
		if c, ok := expr.IsColumn(e); ok {
			idx, err := expr.Resolve(in, c)
			if err != nil {
				return nil, err
			}
			if arrow.TypeEqual(in.Field(idx).Type, schema.Field(i).Type) {
				p.passthrough[i] = idx
				continue
			}
		}
		ev, err := expr.Bind(e, in)
		if err != nil {
			return nil, err
		}
		p.passthrough[i] = -1
		p.evals[i] = ev
		computed = append(computed, e)
	}
	cols, err := referenced(in, computed...)
	if err != nil {
		return nil, err
	}
	p.cols = cols
	return p, nil
}

func (p *Projection) Schema() *arrow.Schema { return p.schema }

func (p *Projection) Next(ctx context.Context) (arrow.Record, error) {
	rec, err := p.input.Next(ctx)
	if err != nil {
		return nil, err
	}
	defer rec.Release()

	n := int(rec.NumRows())
	out := make([]arrow.Array, len(p.passthrough))
	release := func() {
		for _, a := range out {
			if a != nil {
				a.Release()
			}
		}
	}

	var builders []array.Builder
	for i, idx := range p.passthrough {
		if idx >= 0 {
			col := rec.Column(idx)
			col.Retain()
			out[i] = col
			continue
		}
		if builders == nil {
			builders = make([]array.Builder, len(p.passthrough))
		}
		builders[i] = array.NewBuilder(p.mem, p.schema.Field(i).Type)
		builders[i].Reserve(n)
	}
	defer func() {
		for _, b := range builders {
			if b != nil {
				b.Release()
			}
		}
	}()

	if builders != nil {
		row := make([]interface{}, rec.NumCols())
		for r := 0; r < n; r++ {
			for _, c := range p.cols {
				row[c] = columnar.Value(rec.Column(c), r)
			}
			for i, ev := range p.evals {
				if ev == nil {
					continue
				}
				v, err := ev(row)
				if err == nil {
					err = columnar.AppendValue(builders[i], v)
				}
				if err != nil {
					release()
					return nil, errors.Wrap(err, errors.ErrorTypeQuery, "projection of "+p.schema.Field(i).Name)
				}
			}
		}
		for i, b := range builders {
			if b != nil {
				out[i] = b.NewArray()
			}
		}
	}

	res := array.NewRecord(p.schema, out, int64(n))
	release()
	return res, nil
}

func (p *Projection) Close() error { return p.input.Close() }
