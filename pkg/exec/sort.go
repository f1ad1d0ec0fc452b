package exec

import (
	"context"
	"io"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/ajitpratap0/meridian/pkg/columnar"
	"github.com/ajitpratap0/meridian/pkg/connector/base"
	"github.com/ajitpratap0/meridian/pkg/connector/core"
	"github.com/ajitpratap0/meridian/pkg/expr"
)

// Sort materializes its input and emits it ordered by the sort keys. Nulls
// sort last ascending and first descending.
type Sort struct {
	input     core.RecordStream
	keys      []expr.SortKey
	evals     []expr.Evaluator
	mem       memory.Allocator
	batchSize int

	out *rowEmitter
}

// NewSort binds keys against the input schema.
func NewSort(input core.RecordStream, keys []expr.SortKey, mem memory.Allocator, batchSize int) (*Sort, error) {
	evals := make([]expr.Evaluator, len(keys))
	for i, k := range keys {
		ev, err := expr.Bind(k.Expr, input.Schema())
		if err != nil {
			return nil, err
		}
		evals[i] = ev
	}
	return &Sort{input: input, keys: keys, evals: evals, mem: mem, batchSize: batchSize}, nil
}

func (s *Sort) Schema() *arrow.Schema { return s.input.Schema() }

func (s *Sort) Next(ctx context.Context) (arrow.Record, error) {
	if s.out == nil {
		rows, err := materialize(ctx, s.input)
		if err != nil {
			return nil, err
		}
		if err := s.sort(rows); err != nil {
			return nil, err
		}
		s.out = newRowEmitter(s.mem, s.Schema(), rows, s.batchSize)
	}
	return s.out.next()
}

func (s *Sort) sort(rows []columnar.Row) error {
	keys := make([][]interface{}, len(rows))
	for i, row := range rows {
		k := make([]interface{}, len(s.evals))
		for j, ev := range s.evals {
			v, err := ev(row)
			if err != nil {
				return err
			}
			k[j] = v
		}
		keys[i] = k
	}

	idx := make([]int, len(rows))
	for i := range idx {
		idx[i] = i
	}
	var cmpErr error
	sort.SliceStable(idx, func(a, b int) bool {
		ka, kb := keys[idx[a]], keys[idx[b]]
		for j, k := range s.keys {
			c, err := compareNullable(ka[j], kb[j], k.Desc)
			if err != nil && cmpErr == nil {
				cmpErr = err
			}
			if c != 0 {
				return c < 0
			}
		}
		return false
	})
	if cmpErr != nil {
		return cmpErr
	}

	sorted := make([]columnar.Row, len(rows))
	for i, j := range idx {
		sorted[i] = rows[j]
	}
	copy(rows, sorted)
	return nil
}

// compareNullable orders a before b for one key direction.
func compareNullable(a, b interface{}, desc bool) (int, error) {
	switch {
	case a == nil && b == nil:
		return 0, nil
	case a == nil:
		if desc {
			return -1, nil
		}
		return 1, nil
	case b == nil:
		if desc {
			return 1, nil
		}
		return -1, nil
	}
	c, err := expr.Compare(a, b)
	if desc {
		c = -c
	}
	return c, err
}

func (s *Sort) Close() error {
	if s.out != nil {
		s.out.close()
	}
	return s.input.Close()
}

// materialize drains stream into rows and closes it, releasing the lease
// behind it before any downstream work starts.
func materialize(ctx context.Context, stream core.RecordStream) ([]columnar.Row, error) {
	var rows []columnar.Row
	err := base.Drain(ctx, stream, func(rec arrow.Record) error {
		rows = append(rows, columnar.RecordToRows(rec)...)
		return nil
	})
	stream.Close()
	return rows, err
}

// rowEmitter rebuilds batches from materialized rows.
type rowEmitter struct {
	batcher *columnar.Batcher
	rows    []columnar.Row
	pos     int
}

func newRowEmitter(mem memory.Allocator, schema *arrow.Schema, rows []columnar.Row, batchSize int) *rowEmitter {
	return &rowEmitter{batcher: columnar.NewBatcher(mem, schema, batchSize), rows: rows}
}

func (e *rowEmitter) next() (arrow.Record, error) {
	for e.pos < len(e.rows) {
		if err := e.batcher.Append(e.rows[e.pos]); err != nil {
			return nil, err
		}
		e.rows[e.pos] = nil
		e.pos++
		if e.batcher.Full() {
			return e.batcher.Flush(), nil
		}
	}
	if rec := e.batcher.Flush(); rec != nil {
		return rec, nil
	}
	return nil, io.EOF
}

func (e *rowEmitter) close() {
	if e.batcher != nil {
		e.batcher.Release()
		e.batcher = nil
	}
}
