// Package postgres provides the PostgreSQL connector. It talks the native
// protocol through pgx: column types come from the row description OIDs,
// pushed operators are rendered into PostgreSQL SQL with numbered binds, and
// ingestion uses COPY.
package postgres

import (
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/ajitpratap0/meridian/pkg/columnar"
	"github.com/ajitpratap0/meridian/pkg/connector/base"
	"github.com/ajitpratap0/meridian/pkg/connector/core"
	"github.com/ajitpratap0/meridian/pkg/connector/registry"
	"github.com/ajitpratap0/meridian/pkg/connector/sqlbuilder"
	"github.com/ajitpratap0/meridian/pkg/errors"
	"github.com/ajitpratap0/meridian/pkg/pool"
	"github.com/ajitpratap0/meridian/pkg/resolve"
)

// Kind is the registered connector kind.
const Kind = "postgres"

func init() {
	registry.Register(core.ConnectorMetadata{
		Kind:         Kind,
		Description:  "PostgreSQL tables over the native protocol with SQL push-down and COPY ingestion",
		Capabilities: core.AllCapabilities,
		Writable:     true,
	}, Factory)
}

// Connector serves one PostgreSQL table or query.
type Connector struct {
	*base.BaseConnector
	pool   *pool.Handle[*pgx.Conn]
	source sqlbuilder.Source
}

var (
	_ core.Connector     = (*Connector)(nil)
	_ core.Writer        = (*Connector)(nil)
	_ core.QueryRenderer = (*Connector)(nil)

	_ core.CollationReporter = (*Connector)(nil)
)

// Factory implements core.Factory.
func Factory(ctx context.Context, desc *core.Descriptor, deps core.Dependencies) (core.Connector, error) {
	c, err := New(desc, deps)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// New creates a connector. The DSN is validated eagerly; connections are
// opened on first use.
func New(desc *core.Descriptor, deps core.Dependencies) (*Connector, error) {
	if desc.Table == "" && desc.Query == "" {
		return nil, errors.Newf(errors.ErrorTypeConfig, "postgres dataset %s needs a table or a query", desc.Name)
	}
	if deps.Pools == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "postgres connector needs a pool registry")
	}
	cfg, err := ConnConfig(desc)
	if err != nil {
		return nil, err
	}
	resolver := deps.Resolver
	if resolver == nil {
		resolver = resolve.Default()
	}

	c := &Connector{
		BaseConnector: base.NewBaseConnector(desc, core.AllCapabilities, deps),
		source:        sqlbuilder.From(desc),
	}
	h, err := pool.Shared[*pgx.Conn](deps.Pools, desc.Identity(), desc.PoolSettings(), pool.Funcs[*pgx.Conn]{
		OpenFunc: func(ctx context.Context) (*pgx.Conn, error) {
			return connect(ctx, cfg, resolver, desc)
		},
		ProbeFunc: func(ctx context.Context, conn *pgx.Conn) error { return conn.Ping(ctx) },
		CloseFunc: func(conn *pgx.Conn) error { return conn.Close(context.Background()) },
	})
	if err != nil {
		return nil, err
	}
	c.pool = h
	return c, nil
}

// ConnConfig parses the descriptor DSN and applies its credentials.
func ConnConfig(desc *core.Descriptor) (*pgx.ConnConfig, error) {
	dsn := desc.DSN
	if dsn == "" {
		dsn = desc.Address
	}
	if dsn == "" {
		return nil, errors.Newf(errors.ErrorTypeConfig, "postgres dataset %s needs a dsn", desc.Name)
	}
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid postgres dsn")
	}
	if u := desc.Credentials["user"]; u != "" {
		cfg.User = u
	}
	if p := desc.Credentials["password"]; p != "" {
		cfg.Password = p
	}
	if desc.Pool.ConnectTimeout > 0 {
		cfg.ConnectTimeout = desc.Pool.ConnectTimeout
	}
	return cfg, nil
}

// connect picks a live address for a TCP host before dialing.
func connect(ctx context.Context, cfg *pgx.ConnConfig, r resolve.Resolver, desc *core.Descriptor) (*pgx.Conn, error) {
	cfg = cfg.Copy()
	if !strings.HasPrefix(cfg.Host, "/") {
		hostport := net.JoinHostPort(cfg.Host, strconv.Itoa(int(cfg.Port)))
		addr, err := resolve.PickLive(ctx, r, hostport, desc.Pool.ConnectTimeout)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeBackendUnreachable, "postgres host "+cfg.Host)
		}
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeInternal, "resolved address "+addr)
		}
		// TLS verification still uses the configured name.
		cfg.Host = host
		cfg.Fallbacks = nil
	}
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to connect to postgres")
	}
	return conn, nil
}

// Schema implements core.Connector.
func (c *Connector) Schema(ctx context.Context) (*arrow.Schema, error) {
	return c.CachedSchema(ctx, c.discover)
}

func (c *Connector) discover(ctx context.Context) (*arrow.Schema, error) {
	lease, err := c.pool.Acquire(ctx, c.AcquireTimeout())
	if err != nil {
		return nil, err
	}
	outcome := pool.OutcomeOK
	defer func() { _ = lease.Release(outcome) }()
	conn := lease.Value()

	rows, err := conn.Query(ctx, sqlbuilder.SelectAll(sqlbuilder.Postgres, c.source, 0))
	if err != nil {
		if base.IsBrokenConnection(err) || conn.IsClosed() {
			outcome = pool.OutcomeBroken
		}
		return nil, err
	}
	fds := append([]pgconn.FieldDescription(nil), rows.FieldDescriptions()...)
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	notNull, err := c.notNullColumns(ctx, conn, fds)
	if err != nil {
		return nil, err
	}
	fields := make([]arrow.Field, len(fds))
	for i, fd := range fds {
		native := columnar.NativeType{OID: fd.DataTypeOID}
		if fd.DataTypeOID == columnar.OIDNumeric {
			native.Precision, native.Scale, _ = columnar.PostgresNumericModifier(fd.TypeModifier)
		}
		t, err := columnar.Postgres.ArrowType(native)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeUnsupportedType, "column "+fd.Name)
		}
		fields[i] = arrow.Field{Name: fd.Name, Type: t, Nullable: !notNull[attr{fd.TableOID, fd.TableAttributeNumber}]}
	}
	return arrow.NewSchema(fields, nil), nil
}

type attr struct {
	table uint32
	num   uint16
}

// notNullColumns looks up NOT NULL constraints of the columns that come
// straight from a table.
func (c *Connector) notNullColumns(ctx context.Context, conn *pgx.Conn, fds []pgconn.FieldDescription) (map[attr]bool, error) {
	out := make(map[attr]bool)
	var tables []uint32
	seen := make(map[uint32]bool)
	for _, fd := range fds {
		if fd.TableOID != 0 && !seen[fd.TableOID] {
			seen[fd.TableOID] = true
			tables = append(tables, fd.TableOID)
		}
	}
	if len(tables) == 0 {
		return out, nil
	}
	rows, err := conn.Query(ctx,
		"SELECT attrelid, attnum FROM pg_catalog.pg_attribute WHERE attrelid = ANY($1) AND attnum > 0 AND attnotnull",
		tables)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var a attr
		var num int16
		if err := rows.Scan(&a.table, &num); err != nil {
			return nil, err
		}
		a.num = uint16(num)
		out[a] = true
	}
	return out, rows.Err()
}

// StringCollation implements core.CollationReporter. Text ordering
// follows the database locale; equality stays exact.
func (c *Connector) StringCollation() core.Collation { return core.CollationLocale }

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
	return c.Stream(ctx, out, base.Leased(c.pool, c.AcquireTimeout(),
		func(ctx context.Context, conn *pgx.Conn, emit base.EmitFunc) error {
			c.Logger().Debug("running query", zap.String("sql", q.SQL), zap.Int("args", len(q.Args)))
			rows, err := conn.Query(ctx, q.SQL, q.Args...)
			if err != nil {
				return err
			}
			defer rows.Close()

			batcher := columnar.NewBatcher(c.Allocator(), out, c.Descriptor().Batch())
			defer batcher.Release()
			for rows.Next() {
				values, err := rows.Values()
				if err != nil {
					return err
				}
				if err := batcher.Append(normalize(values)); err != nil {
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
		})), nil
}

// normalize converts pgx values the columnar toolkit has no rule for.
func normalize(values []interface{}) columnar.Row {
	for i, v := range values {
		if u, ok := v.([16]byte); ok {
			values[i] = uuid.UUID(u).String()
		}
	}
	return values
}

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
		s, err := sqlbuilder.Render(sqlbuilder.Postgres, c.source, req, sel)
		return sqlbuilder.Query{SQL: s}, err
	}
	return sqlbuilder.Build(sqlbuilder.Postgres, c.source, req, sel)
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

// Write implements core.Writer with COPY FROM STDIN. COPY is atomic: a
// failure leaves the table unchanged.
func (c *Connector) Write(ctx context.Context, stream core.RecordStream) (n int64, err error) {
	if c.source.Table == "" {
		return 0, errors.Newf(errors.ErrorTypeCapability, "dataset %s is a query and cannot be written", c.Name())
	}
	schema, err := c.Schema(ctx)
	if err != nil {
		return 0, err
	}
	if got := stream.Schema(); got.NumFields() != schema.NumFields() {
		return 0, errors.Newf(errors.ErrorTypeProtocolViolation,
			"batch has %d columns, dataset %s has %d", got.NumFields(), c.Name(), schema.NumFields())
	}

	lease, err := c.pool.Acquire(ctx, c.AcquireTimeout())
	if err != nil {
		return 0, err
	}
	defer func() {
		outcome := pool.OutcomeFor(err)
		if base.IsBrokenConnection(err) || lease.Value().IsClosed() {
			outcome = pool.OutcomeBroken
		}
		err = base.ReleaseLease(lease, outcome, err)
	}()

	cols := make([]string, schema.NumFields())
	for i, f := range schema.Fields() {
		cols[i] = f.Name
	}
	src := &recordSource{ctx: ctx, stream: stream}
	defer src.release()
	n, err = lease.Value().CopyFrom(ctx, pgx.Identifier(strings.Split(c.source.Table, ".")), cols, src)
	if err != nil {
		if typed := src.err; typed != nil {
			return 0, typed
		}
		return 0, errors.Wrap(err, errors.ErrorTypeBackendExecution, "copy failed")
	}
	c.Logger().Debug("copied rows", zap.Int64("rows", n), zap.String("table", c.source.Table))
	return n, nil
}

// Close implements core.Connector.
func (c *Connector) Close(ctx context.Context) error {
	err := c.BaseConnector.Close(ctx)
	c.pool.Release()
	return err
}
