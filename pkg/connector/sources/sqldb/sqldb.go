// Package sqldb provides connectors for relational backends reached through
// database/sql: MySQL, SQLite, Snowflake and DuckDB. Every pushed operator is
// rendered into the backend's SQL dialect.
//
// Each pooled connection is a *sql.DB pinned to a single physical
// connection, so the pool manager, not database/sql, bounds how many sessions
// a backend sees.
package sqldb

import (
	"context"
	"database/sql"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"go.uber.org/zap"

	"github.com/ajitpratap0/meridian/pkg/columnar"
	"github.com/ajitpratap0/meridian/pkg/connector/base"
	"github.com/ajitpratap0/meridian/pkg/connector/core"
	"github.com/ajitpratap0/meridian/pkg/connector/sqlbuilder"
	"github.com/ajitpratap0/meridian/pkg/errors"
	"github.com/ajitpratap0/meridian/pkg/pool"
	"github.com/ajitpratap0/meridian/pkg/resolve"
)

// Connector serves one table or query of a SQL backend.
type Connector struct {
	*base.BaseConnector
	backend Backend
	pool    *pool.Handle[*sql.DB]
	source  sqlbuilder.Source
}

var (
	_ core.Connector     = (*Connector)(nil)
	_ core.Writer        = (*Connector)(nil)
	_ core.QueryRenderer = (*Connector)(nil)

	_ core.CollationReporter = (*Connector)(nil)
)

// New creates a connector for desc on backend b. No connection is made until
// the schema is first requested.
func New(b Backend, desc *core.Descriptor, deps core.Dependencies) (*Connector, error) {
	if desc.Table == "" && desc.Query == "" {
		return nil, errors.Newf(errors.ErrorTypeConfig, "%s dataset %s needs a table or a query", b.Kind, desc.Name)
	}
	if desc.DSN == "" && desc.Address == "" {
		return nil, errors.Newf(errors.ErrorTypeConfig, "%s dataset %s needs a dsn", b.Kind, desc.Name)
	}
	if deps.Pools == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "sql connectors need a pool registry")
	}

	c := &Connector{
		BaseConnector: base.NewBaseConnector(desc, b.Native, deps),
		backend:       b,
		source:        sqlbuilder.From(desc),
	}
	resolver := deps.Resolver
	if resolver == nil {
		resolver = resolve.Default()
	}
	h, err := pool.Shared[*sql.DB](deps.Pools, desc.Identity(), desc.PoolSettings(), pool.Funcs[*sql.DB]{
		OpenFunc: func(ctx context.Context) (*sql.DB, error) {
			return b.open(ctx, desc, resolver)
		},
		ProbeFunc: func(ctx context.Context, db *sql.DB) error { return db.PingContext(ctx) },
		CloseFunc: func(db *sql.DB) error { return db.Close() },
	})
	if err != nil {
		return nil, err
	}
	c.pool = h
	return c, nil
}

// open establishes one pinned connection.
func (b Backend) open(ctx context.Context, desc *core.Descriptor, r resolve.Resolver) (*sql.DB, error) {
	dsn, err := b.DSN(ctx, desc, r)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(b.Driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid "+b.Kind+" dsn")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to "+b.Kind)
	}
	return db, nil
}

// Schema implements core.Connector.
func (c *Connector) Schema(ctx context.Context) (*arrow.Schema, error) {
	return c.CachedSchema(ctx, c.discover)
}

// discover reads the column metadata of a query that returns no rows.
func (c *Connector) discover(ctx context.Context) (*arrow.Schema, error) {
	lease, err := c.pool.Acquire(ctx, c.AcquireTimeout())
	if err != nil {
		return nil, err
	}
	var outcome = pool.OutcomeOK
	defer func() { _ = lease.Release(outcome) }()

	rows, err := lease.Value().QueryContext(ctx, sqlbuilder.SelectAll(c.backend.SQL, c.source, 0))
	if err != nil {
		if base.IsBrokenConnection(err) {
			outcome = pool.OutcomeBroken
		}
		return nil, err
	}
	defer rows.Close()
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	return c.schemaOf(types)
}

func (c *Connector) schemaOf(types []*sql.ColumnType) (*arrow.Schema, error) {
	fields := make([]arrow.Field, len(types))
	for i, ct := range types {
		native := columnar.NativeType{Name: ct.DatabaseTypeName()}
		if p, s, ok := ct.DecimalSize(); ok {
			native.Precision, native.Scale = int32(p), int32(s)
		}
		if l, ok := ct.Length(); ok {
			native.Length = l
		}
		t, err := c.backend.Types.ArrowType(native)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeUnsupportedType, "column "+ct.Name())
		}
		nullable, ok := ct.Nullable()
		fields[i] = arrow.Field{Name: ct.Name(), Type: t, Nullable: nullable || !ok}
	}
	return arrow.NewSchema(fields, nil), nil
}

// StringCollation implements core.CollationReporter. MySQL's default
// collations ignore case and trailing spaces.
func (c *Connector) StringCollation() core.Collation { return c.backend.Strings }

// Scan implements core.Connector.
func (c *Connector) Scan(ctx context.Context, req *core.ScanRequest) (core.RecordStream, error) {
	out, err := c.PrepareScan(ctx, req, c.discover)
	if err != nil {
		return nil, err
	}
	q, err := c.query(ctx, req, out, false)
	if err != nil {
		return nil, err
	}
	log := c.Logger()
	return c.Stream(ctx, out, base.Leased(c.pool, c.AcquireTimeout(),
		func(ctx context.Context, db *sql.DB, emit base.EmitFunc) error {
			log.Debug("running query", zap.String("sql", q.SQL), zap.Int("args", len(q.Args)))
			rows, err := db.QueryContext(ctx, q.SQL, q.Args...)
			if err != nil {
				return err
			}
			defer rows.Close()
			return c.emitRows(ctx, rows, out, emit)
		})), nil
}

// query renders req. The select list of a plain scan names the backend's
// columns rather than the output labels the planner assigned.
func (c *Connector) query(ctx context.Context, req *core.ScanRequest, out *arrow.Schema, inline bool) (sqlbuilder.Query, error) {
	sel := out
	if req == nil || (!req.Aggregated() && req.Columns == nil) {
		schema, err := c.Schema(ctx)
		if err != nil {
			return sqlbuilder.Query{}, err
		}
		sel = schema
	}
	if inline {
		s, err := sqlbuilder.Render(c.backend.SQL, c.source, req, sel)
		return sqlbuilder.Query{SQL: s}, err
	}
	return sqlbuilder.Build(c.backend.SQL, c.source, req, sel)
}

// emitRows converts driver rows into batches of out.
func (c *Connector) emitRows(ctx context.Context, rows *sql.Rows, out *arrow.Schema, emit base.EmitFunc) error {
	batcher := columnar.NewBatcher(c.Allocator(), out, c.Descriptor().Batch())
	defer batcher.Release()

	n := out.NumFields()
	values := make([]interface{}, n)
	ptrs := make([]interface{}, n)
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		row := make(columnar.Row, n)
		copy(row, values)
		if err := batcher.Append(row); err != nil {
			return err
		}
		if batcher.Full() {
			if err := emit(batcher.Flush()); err != nil {
				return err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if rec := batcher.Flush(); rec != nil {
		return emit(rec)
	}
	return nil
}

// RenderQuery implements core.QueryRenderer.
func (c *Connector) RenderQuery(req *core.ScanRequest) (string, error) {
	out, err := c.PrepareScan(context.Background(), req, c.discover)
	if err != nil {
		return "", err
	}
	q, err := c.query(context.Background(), req, out, true)
	return q.SQL, err
}

// Close implements core.Connector.
func (c *Connector) Close(ctx context.Context) error {
	err := c.BaseConnector.Close(ctx)
	c.pool.Release()
	return err
}

// drain reads a stream to the end, calling fn per row.
func drain(ctx context.Context, stream core.RecordStream, fn func(columnar.Row) error) error {
	for {
		rec, err := stream.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		for _, row := range columnar.RecordToNativeRows(rec) {
			if err := fn(row); err != nil {
				rec.Release()
				return err
			}
		}
		rec.Release()
	}
}
