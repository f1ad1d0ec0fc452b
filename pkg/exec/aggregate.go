package exec

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/ajitpratap0/meridian/pkg/columnar"
	"github.com/ajitpratap0/meridian/pkg/connector/core"
	"github.com/ajitpratap0/meridian/pkg/errors"
	"github.com/ajitpratap0/meridian/pkg/expr"
)

// Aggregate is a hash aggregation. Groups are emitted in order of first
// appearance. A global aggregation over no rows emits one row.
type Aggregate struct {
	input     core.RecordStream
	schema    *arrow.Schema
	groupBy   []expr.Evaluator
	aggs      []expr.Aggregate
	args      []expr.Evaluator
	mem       memory.Allocator
	batchSize int

	out *rowEmitter
}

// NewAggregate binds the grouping and aggregate arguments against the input
// schema. schema is the output schema: group columns, then aggregates.
func NewAggregate(input core.RecordStream, groupBy []expr.Expr, aggs []expr.Aggregate, schema *arrow.Schema, mem memory.Allocator, batchSize int) (*Aggregate, error) {
	if schema.NumFields() != len(groupBy)+len(aggs) {
		return nil, errors.Newf(errors.ErrorTypeInternal,
			"aggregate has %d outputs for %d fields", len(groupBy)+len(aggs), schema.NumFields())
	}
	a := &Aggregate{
		input:     input,
		schema:    schema,
		groupBy:   make([]expr.Evaluator, len(groupBy)),
		aggs:      aggs,
		args:      make([]expr.Evaluator, len(aggs)),
		mem:       mem,
		batchSize: batchSize,
	}
	for i, g := range groupBy {
		ev, err := expr.Bind(g, input.Schema())
		if err != nil {
			return nil, err
		}
		a.groupBy[i] = ev
	}
	for i, agg := range aggs {
		if agg.Arg == nil {
			if agg.Func != expr.AggCount {
				return nil, errors.Newf(errors.ErrorTypeQuery, "%s requires an argument", agg.Func)
			}
			continue
		}
		ev, err := expr.Bind(agg.Arg, input.Schema())
		if err != nil {
			return nil, err
		}
		a.args[i] = ev
	}
	return a, nil
}

func (a *Aggregate) Schema() *arrow.Schema { return a.schema }

func (a *Aggregate) Next(ctx context.Context) (arrow.Record, error) {
	if a.out == nil {
		rows, err := materialize(ctx, a.input)
		if err != nil {
			return nil, err
		}
		out, err := a.aggregate(rows)
		if err != nil {
			return nil, err
		}
		a.out = newRowEmitter(a.mem, a.schema, out, a.batchSize)
	}
	return a.out.next()
}

type group struct {
	keys []interface{}
	accs []accumulator
}

func (a *Aggregate) aggregate(rows []columnar.Row) ([]columnar.Row, error) {
	index := make(map[string]*group)
	var order []*group
	nGroup := len(a.groupBy)

	for _, row := range rows {
		keys := make([]interface{}, nGroup)
		for i, ev := range a.groupBy {
			v, err := ev(row)
			if err != nil {
				return nil, err
			}
			keys[i] = v
		}
		k := groupKey(keys)
		g, ok := index[k]
		if !ok {
			g = &group{keys: keys, accs: a.newAccumulators()}
			index[k] = g
			order = append(order, g)
		}
		for i, acc := range g.accs {
			var v interface{} = true
			if a.args[i] != nil {
				var err error
				if v, err = a.args[i](row); err != nil {
					return nil, err
				}
			}
			if err := acc.add(v); err != nil {
				return nil, err
			}
		}
	}

	if len(order) == 0 && nGroup == 0 {
		order = append(order, &group{accs: a.newAccumulators()})
	}

	out := make([]columnar.Row, len(order))
	for i, g := range order {
		row := make(columnar.Row, 0, nGroup+len(g.accs))
		row = append(row, g.keys...)
		for _, acc := range g.accs {
			v, err := acc.result()
			if err != nil {
				return nil, err
			}
			row = append(row, v)
		}
		out[i] = row
	}
	return out, nil
}

func (a *Aggregate) newAccumulators() []accumulator {
	accs := make([]accumulator, len(a.aggs))
	for i, agg := range a.aggs {
		accs[i] = newAccumulator(agg.Func, a.schema.Field(len(a.groupBy)+i).Type)
	}
	return accs
}

func (a *Aggregate) Close() error {
	if a.out != nil {
		a.out.close()
	}
	return a.input.Close()
}

// groupKey encodes group values so that equal values map to equal keys.
func groupKey(values []interface{}) string {
	var sb strings.Builder
	for _, v := range values {
		switch x := v.(type) {
		case nil:
			sb.WriteString("n")
		case columnar.Decimal:
			sb.WriteString("d" + x.Rat().RatString())
		case time.Time:
			fmt.Fprintf(&sb, "t%d", x.UnixNano())
		case []byte:
			fmt.Fprintf(&sb, "b%q", x)
		case string:
			fmt.Fprintf(&sb, "s%q", x)
		default:
			fmt.Fprintf(&sb, "%T:%v", v, v)
		}
		sb.WriteByte(0)
	}
	return sb.String()
}

type accumulator interface {
	add(v interface{}) error
	result() (interface{}, error)
}

func newAccumulator(fn expr.AggFunc, out arrow.DataType) accumulator {
	switch fn {
	case expr.AggCount:
		return &countAcc{}
	case expr.AggMin:
		return &extremeAcc{want: -1}
	case expr.AggMax:
		return &extremeAcc{want: 1}
	case expr.AggAvg:
		return &avgAcc{}
	}
	switch out.ID() {
	case arrow.INT64:
		return &intSumAcc{}
	case arrow.DECIMAL128:
		dt := out.(*arrow.Decimal128Type)
		return &decimalSumAcc{precision: dt.Precision, scale: dt.Scale}
	default:
		return &floatSumAcc{}
	}
}

type countAcc struct{ n int64 }

func (c *countAcc) add(v interface{}) error {
	if v != nil {
		c.n++
	}
	return nil
}

func (c *countAcc) result() (interface{}, error) { return c.n, nil }

type extremeAcc struct {
	want int
	val  interface{}
}

func (e *extremeAcc) add(v interface{}) error {
	if v == nil {
		return nil
	}
	if e.val == nil {
		e.val = v
		return nil
	}
	c, err := expr.Compare(v, e.val)
	if err != nil {
		return err
	}
	if c == e.want {
		e.val = v
	}
	return nil
}

func (e *extremeAcc) result() (interface{}, error) { return e.val, nil }

type intSumAcc struct {
	sum  int64
	seen bool
}

func (s *intSumAcc) add(v interface{}) error {
	if v == nil {
		return nil
	}
	i, ok := expr.Int64Of(v)
	if !ok {
		return errors.Newf(errors.ErrorTypeQuery, "cannot sum %T as an integer", v)
	}
	if (i > 0 && s.sum > math.MaxInt64-i) || (i < 0 && s.sum < math.MinInt64-i) {
		return errors.New(errors.ErrorTypeQuery, "integer overflow in sum")
	}
	s.sum += i
	s.seen = true
	return nil
}

func (s *intSumAcc) result() (interface{}, error) {
	if !s.seen {
		return nil, nil
	}
	return s.sum, nil
}

type floatSumAcc struct {
	sum  float64
	seen bool
}

func (s *floatSumAcc) add(v interface{}) error {
	if v == nil {
		return nil
	}
	f, ok := expr.Float64Of(v)
	if !ok {
		return errors.Newf(errors.ErrorTypeQuery, "cannot sum %T", v)
	}
	s.sum += f
	s.seen = true
	return nil
}

func (s *floatSumAcc) result() (interface{}, error) {
	if !s.seen {
		return nil, nil
	}
	return s.sum, nil
}

type decimalSumAcc struct {
	precision, scale int32
	sum              *big.Rat
}

func (s *decimalSumAcc) add(v interface{}) error {
	if v == nil {
		return nil
	}
	r, ok := expr.RatOf(v)
	if !ok {
		return errors.Newf(errors.ErrorTypeQuery, "cannot sum %T as a decimal", v)
	}
	if s.sum == nil {
		s.sum = new(big.Rat)
	}
	s.sum.Add(s.sum, r)
	return nil
}

func (s *decimalSumAcc) result() (interface{}, error) {
	if s.sum == nil {
		return nil, nil
	}
	d, err := columnar.ParseDecimal(s.sum.FloatString(int(s.scale)), s.precision, s.scale)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeQuery, "decimal sum out of range")
	}
	return d, nil
}

type avgAcc struct {
	sum float64
	n   int64
}

func (s *avgAcc) add(v interface{}) error {
	if v == nil {
		return nil
	}
	f, ok := expr.Float64Of(v)
	if !ok {
		return errors.Newf(errors.ErrorTypeQuery, "cannot average %T", v)
	}
	s.sum += f
	s.n++
	return nil
}

func (s *avgAcc) result() (interface{}, error) {
	if s.n == 0 {
		return nil, nil
	}
	return s.sum / float64(s.n), nil
}
