package exec

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/meridian/pkg/columnar"
	"github.com/ajitpratap0/meridian/pkg/connector/core"
	"github.com/ajitpratap0/meridian/pkg/errors"
	"github.com/ajitpratap0/meridian/pkg/expr"
	"github.com/ajitpratap0/meridian/pkg/plan"
)

// HashJoin joins two inputs on a boolean condition. Equality conjuncts
// between a left and a right column become hash keys; the full condition is
// re-checked on every candidate pair. Both inputs are drained concurrently
// before the first row is produced, so two sides sharing a single pooled
// connection take turns instead of deadlocking.
type HashJoin struct {
	left, right core.RecordStream
	typ         plan.JoinType
	schema      *arrow.Schema
	cond        expr.Evaluator
	leftKeys    []int
	rightKeys   []int
	nLeft       int
	mem         memory.Allocator
	batchSize   int

	started   bool
	leftRows  []columnar.Row
	rightRows []columnar.Row
	table     map[string][]int
	pos       int
	batcher   *columnar.Batcher
}

// NewHashJoin binds on against schema, the concatenation of the left and
// right fields.
func NewHashJoin(left, right core.RecordStream, typ plan.JoinType, on expr.Expr, schema *arrow.Schema, mem memory.Allocator, batchSize int) (*HashJoin, error) {
	nLeft := left.Schema().NumFields()
	if schema.NumFields() != nLeft+right.Schema().NumFields() {
		return nil, errors.Newf(errors.ErrorTypeInternal,
			"join schema has %d fields for %d inputs", schema.NumFields(), nLeft+right.Schema().NumFields())
	}
	cond, err := expr.Bind(on, schema)
	if err != nil {
		return nil, err
	}
	j := &HashJoin{
		left:      left,
		right:     right,
		typ:       typ,
		schema:    schema,
		cond:      cond,
		nLeft:     nLeft,
		mem:       mem,
		batchSize: batchSize,
	}
	for _, c := range expr.Conjuncts(on) {
		b, ok := c.(expr.Binary)
		if !ok || b.Op != expr.OpEq {
			continue
		}
		lc, lok := b.Left.(expr.Column)
		rc, rok := b.Right.(expr.Column)
		if !lok || !rok {
			continue
		}
		li, err := expr.Resolve(schema, lc)
		if err != nil {
			return nil, err
		}
		ri, err := expr.Resolve(schema, rc)
		if err != nil {
			return nil, err
		}
		switch {
		case li < nLeft && ri >= nLeft:
			j.leftKeys = append(j.leftKeys, li)
			j.rightKeys = append(j.rightKeys, ri-nLeft)
		case ri < nLeft && li >= nLeft:
			j.leftKeys = append(j.leftKeys, ri)
			j.rightKeys = append(j.rightKeys, li-nLeft)
		}
	}
	return j, nil
}

func (j *HashJoin) Schema() *arrow.Schema { return j.schema }

func (j *HashJoin) Next(ctx context.Context) (arrow.Record, error) {
	if !j.started {
		j.started = true
		if err := j.open(ctx); err != nil {
			return nil, err
		}
		j.batcher = columnar.NewBatcher(j.mem, j.schema, j.batchSize)
	}
	if j.batcher == nil {
		return nil, io.EOF
	}

	for j.pos < len(j.leftRows) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := j.probe(j.leftRows[j.pos]); err != nil {
			return nil, err
		}
		j.leftRows[j.pos] = nil
		j.pos++
		if j.batcher.Full() {
			return j.batcher.Flush(), nil
		}
	}
	if rec := j.batcher.Flush(); rec != nil {
		return rec, nil
	}
	return nil, io.EOF
}

func (j *HashJoin) open(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := materialize(gctx, j.left)
		j.leftRows = rows
		return err
	})
	g.Go(func() error {
		rows, err := materialize(gctx, j.right)
		j.rightRows = rows
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if len(j.leftKeys) == 0 {
		return nil
	}
	j.table = make(map[string][]int, len(j.rightRows))
	for i, row := range j.rightRows {
		k, ok := joinKey(row, j.rightKeys)
		if !ok {
			continue
		}
		j.table[k] = append(j.table[k], i)
	}
	return nil
}

func (j *HashJoin) probe(left columnar.Row) error {
	combined := make(columnar.Row, len(j.schema.Fields()))
	copy(combined, left)

	matched := false
	try := func(i int) error {
		copy(combined[j.nLeft:], j.rightRows[i])
		v, err := j.cond(combined)
		if err != nil {
			return err
		}
		if !expr.Truthy(v) {
			return nil
		}
		matched = true
		return j.batcher.Append(combined)
	}

	if j.table != nil {
		if k, ok := joinKey(left, j.leftKeys); ok {
			for _, i := range j.table[k] {
				if err := try(i); err != nil {
					return err
				}
			}
		}
	} else {
		for i := range j.rightRows {
			if err := try(i); err != nil {
				return err
			}
		}
	}

	if !matched && j.typ == plan.LeftJoin {
		for i := j.nLeft; i < len(combined); i++ {
			combined[i] = nil
		}
		return j.batcher.Append(combined)
	}
	return nil
}

// joinKey encodes the key columns of row. Numbers of any width with equal
// values encode equally. A null key never matches.
func joinKey(row columnar.Row, cols []int) (string, bool) {
	var sb strings.Builder
	for _, c := range cols {
		v := row[c]
		if v == nil {
			return "", false
		}
		switch x := v.(type) {
		case string:
			fmt.Fprintf(&sb, "s%q", x)
		case []byte:
			fmt.Fprintf(&sb, "b%q", x)
		case bool:
			fmt.Fprintf(&sb, "o%t", x)
		case time.Time:
			fmt.Fprintf(&sb, "t%d", x.UnixNano())
		case time.Duration:
			fmt.Fprintf(&sb, "c%d", int64(x))
		default:
			if r, ok := expr.RatOf(v); ok {
				sb.WriteString("r" + r.RatString())
			} else {
				fmt.Fprintf(&sb, "%T:%v", v, v)
			}
		}
		sb.WriteByte(0)
	}
	return sb.String(), true
}

func (j *HashJoin) Close() error {
	lerr := j.left.Close()
	rerr := j.right.Close()
	if j.batcher != nil {
		j.batcher.Release()
		j.batcher = nil
	}
	j.leftRows, j.rightRows, j.table = nil, nil, nil
	if lerr != nil {
		return lerr
	}
	return rerr
}
