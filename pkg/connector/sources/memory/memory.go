// Package memory provides an in-process table connector. It supports every
// push-down capability, evaluating pushed operators with the local executor,
// and accepts ingestion, which makes it the scratch target for Flight DoPut.
//
// The schema is given programmatically through New or with the "schema"
// option, a semicolon separated list of "name type [not null]" entries:
//
//	options:
//	  schema: "id int64 not null; name utf8; price decimal(10,2)"
package memory

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"go.uber.org/zap"

	"github.com/ajitpratap0/meridian/pkg/connector/base"
	"github.com/ajitpratap0/meridian/pkg/connector/core"
	"github.com/ajitpratap0/meridian/pkg/connector/registry"
	"github.com/ajitpratap0/meridian/pkg/errors"
	"github.com/ajitpratap0/meridian/pkg/exec"
	"github.com/ajitpratap0/meridian/pkg/expr"
	"github.com/ajitpratap0/meridian/pkg/pool"
)

// Kind is the registered connector kind.
const Kind = "memory"

func init() {
	registry.Register(core.ConnectorMetadata{
		Kind:         Kind,
		Description:  "In-process Arrow table with full push-down and ingestion",
		Capabilities: core.AllCapabilities,
		Writable:     true,
	}, Factory)
}

// Table is the shared state behind a memory dataset. Batches are immutable
// once appended.
type Table struct {
	mu      sync.RWMutex
	schema  *arrow.Schema
	records []arrow.Record
	rows    int64
}

// snapshot returns retained references to the current batches.
func (t *Table) snapshot() []arrow.Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]arrow.Record, len(t.records))
	for i, r := range t.records {
		r.Retain()
		out[i] = r
	}
	return out
}

func (t *Table) append(recs []arrow.Record) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var n int64
	for _, r := range recs {
		t.records = append(t.records, r)
		n += r.NumRows()
	}
	t.rows += n
	return n
}

// Rows returns the number of stored rows.
func (t *Table) Rows() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rows
}

func (t *Table) release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.records {
		r.Release()
	}
	t.records, t.rows = nil, 0
}

// Connector serves one Table.
type Connector struct {
	*base.BaseConnector
	table *Table
	pool  *pool.Handle[*Table]
	owned *pool.Registry
}

var (
	_ core.Connector     = (*Connector)(nil)
	_ core.Writer        = (*Connector)(nil)
	_ core.QueryRenderer = (*Connector)(nil)
)

// Factory creates a memory connector whose schema comes from the "schema"
// option.
func Factory(ctx context.Context, desc *core.Descriptor, deps core.Dependencies) (core.Connector, error) {
	spec := desc.Option("schema", "")
	if spec == "" {
		return nil, errors.Newf(errors.ErrorTypeConfig, "memory dataset %s needs a schema option", desc.Name)
	}
	schema, err := expr.ParseSchema(spec)
	if err != nil {
		return nil, err
	}
	c, err := New(desc, schema, deps)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// New creates a memory connector over an empty table with schema.
func New(desc *core.Descriptor, schema *arrow.Schema, deps core.Dependencies) (*Connector, error) {
	if schema == nil || schema.NumFields() == 0 {
		return nil, errors.Newf(errors.ErrorTypeSchemaUnavailable, "memory dataset %s has no columns", desc.Name)
	}
	c := &Connector{
		BaseConnector: base.NewBaseConnector(desc, core.AllCapabilities, deps),
		table:         &Table{schema: schema},
	}

	reg := deps.Pools
	if reg == nil {
		reg = pool.NewRegistry()
		c.owned = reg
	}
	cfg := desc.PoolSettings()
	id := pool.NewIdentity(Kind, fmt.Sprintf("%s@%p", desc.Name, c.table), nil)
	h, err := pool.Shared[*Table](reg, id, cfg, pool.Funcs[*Table]{
		OpenFunc: func(context.Context) (*Table, error) { return c.table, nil },
	})
	if err != nil {
		if c.owned != nil {
			c.owned.Close()
		}
		return nil, err
	}
	c.pool = h
	return c, nil
}

// Table returns the backing table.
func (c *Connector) Table() *Table { return c.table }

func (c *Connector) discover(context.Context) (*arrow.Schema, error) {
	return c.table.schema, nil
}

// Schema implements core.Connector.
func (c *Connector) Schema(ctx context.Context) (*arrow.Schema, error) {
	return c.CachedSchema(ctx, c.discover)
}

// Scan implements core.Connector.
func (c *Connector) Scan(ctx context.Context, req *core.ScanRequest) (core.RecordStream, error) {
	out, err := c.PrepareScan(ctx, req, c.discover)
	if err != nil {
		return nil, err
	}
	return c.Stream(ctx, out, base.Leased(c.pool, c.AcquireTimeout(),
		func(ctx context.Context, t *Table, emit base.EmitFunc) error {
			in := base.NewSliceStream(t.schema, t.snapshot())
			s, err := c.pipeline(in, req, out)
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
				if rec, err = base.Relabel(rec, out); err != nil {
					return err
				}
				if err := emit(rec); err != nil {
					return err
				}
			}
		})), nil
}

// pipeline stacks the pushed operators over in, in request order.
func (c *Connector) pipeline(in core.RecordStream, req *core.ScanRequest, out *arrow.Schema) (core.RecordStream, error) {
	mem, batch := c.Allocator(), c.Descriptor().Batch()
	var s core.RecordStream = in
	stack := func(next core.RecordStream, err error) error {
		if err != nil {
			s.Close()
			return err
		}
		s = next
		return nil
	}
	if req == nil {
		return s, nil
	}

	if len(req.Filters) > 0 {
		if err := stack(asStream(exec.NewFilter(s, expr.And(req.Filters...), mem))); err != nil {
			return nil, err
		}
	}
	if req.Aggregated() {
		groupBy := make([]expr.Expr, len(req.GroupBy))
		for i, g := range req.GroupBy {
			groupBy[i] = expr.Column{Name: g}
		}
		if err := stack(asStream(exec.NewAggregate(s, groupBy, req.Aggregates, out, mem, batch))); err != nil {
			return nil, err
		}
		if err := c.sort(&s, req, stack); err != nil {
			return nil, err
		}
	} else {
		if err := c.sort(&s, req, stack); err != nil {
			return nil, err
		}
		if req.Columns != nil {
			cols := make([]expr.Expr, len(req.Columns))
			for i, name := range req.Columns {
				cols[i] = expr.Column{Name: name}
			}
			if err := stack(asStream(exec.NewProjection(s, cols, out, mem))); err != nil {
				return nil, err
			}
		}
	}
	if req.Limit > 0 {
		s = exec.NewLimit(s, req.Limit)
	}
	return s, nil
}

func (c *Connector) sort(s *core.RecordStream, req *core.ScanRequest, stack func(core.RecordStream, error) error) error {
	if len(req.Sort) == 0 {
		return nil
	}
	keys := make([]expr.SortKey, len(req.Sort))
	for i, k := range req.Sort {
		keys[i] = expr.SortKey{Expr: expr.Column{Name: k.Column}, Desc: k.Desc}
	}
	return stack(asStream(exec.NewSort(*s, keys, c.Allocator(), c.Descriptor().Batch())))
}

func asStream[T core.RecordStream](s T, err error) (core.RecordStream, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}

// RenderQuery implements core.QueryRenderer with a descriptive plan line.
func (c *Connector) RenderQuery(req *core.ScanRequest) (string, error) {
	return fmt.Sprintf("memory %s: %s", c.Name(), req), nil
}

// Write implements core.Writer. Every batch must match the table schema;
// nothing is appended unless the whole stream is accepted.
func (c *Connector) Write(ctx context.Context, stream core.RecordStream) (int64, error) {
	lease, err := c.pool.Acquire(ctx, c.AcquireTimeout())
	if err != nil {
		return 0, err
	}
	defer lease.Release(pool.OutcomeOK)

	t := lease.Value()
	var batch []arrow.Record
	err = base.Drain(ctx, stream, func(rec arrow.Record) error {
		rec.Retain()
		r, err := base.Relabel(rec, t.schema)
		if err != nil {
			return err
		}
		batch = append(batch, r)
		return nil
	})
	if err != nil {
		for _, r := range batch {
			r.Release()
		}
		return 0, err
	}
	n := t.append(batch)
	c.Logger().Debug("appended rows", zap.Int64("rows", n), zap.Int64("total", t.Rows()))
	return n, nil
}

// Close implements core.Connector and drops the stored batches.
func (c *Connector) Close(ctx context.Context) error {
	err := c.BaseConnector.Close(ctx)
	c.pool.Release()
	c.table.release()
	if c.owned != nil {
		c.owned.Close()
	}
	return err
}
