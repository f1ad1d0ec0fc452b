package sqldb

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/meridian/pkg/columnar"
	"github.com/ajitpratap0/meridian/pkg/config"
	"github.com/ajitpratap0/meridian/pkg/connector/base"
	"github.com/ajitpratap0/meridian/pkg/connector/core"
	"github.com/ajitpratap0/meridian/pkg/connector/registry"
	"github.com/ajitpratap0/meridian/pkg/errors"
	"github.com/ajitpratap0/meridian/pkg/expr"
	"github.com/ajitpratap0/meridian/pkg/pool"
	"github.com/ajitpratap0/meridian/pkg/testutil"
)

const ordersDDL = `
CREATE TABLE orders (
	id INTEGER NOT NULL,
	customer TEXT,
	amount DECIMAL(10,2),
	placed_at DATETIME
);
INSERT INTO orders VALUES
	(1, 'ada', 12.50, '2024-01-02 10:00:00'),
	(2, 'grace', 99.99, '2024-01-03 11:30:00'),
	(3, 'ada', 5.25, NULL),
	(4, NULL, 40.00, '2024-01-05 09:15:00');
`

func sqliteFile(t *testing.T, ddl string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(ddl)
	require.NoError(t, err)
	return path
}

func newSQLite(t *testing.T, desc *core.Descriptor) *Connector {
	t.Helper()
	testutil.TestLogger(t)
	reg := pool.NewRegistry()
	t.Cleanup(reg.Close)

	desc.Kind = SQLite.Kind
	if desc.Pool.MaxSize == 0 {
		desc.Pool = config.DefaultPoolConfig()
	}
	if desc.Capabilities == 0 {
		desc.Capabilities = core.AllCapabilities
	}
	c, err := registry.Create(context.Background(), desc, core.Dependencies{Pools: reg})
	require.NoError(t, err)
	conn := c.(*Connector)
	t.Cleanup(func() { conn.Close(context.Background()) })
	return conn
}

func scanRows(t *testing.T, c core.Connector, req *core.ScanRequest) [][]interface{} {
	t.Helper()
	s, err := c.Scan(testutil.TestContext(t), req)
	require.NoError(t, err)
	defer s.Close()
	recs, err := base.Collect(testutil.TestContext(t), s)
	require.NoError(t, err)
	defer testutil.ReleaseAll(recs)

	var rows [][]interface{}
	for _, rec := range recs {
		require.True(t, rec.Schema().Equal(s.Schema()))
		for _, r := range columnar.RecordToRows(rec) {
			rows = append(rows, []interface{}(r))
		}
	}
	return rows
}

func dec(s string) columnar.Decimal {
	d, err := columnar.ParseDecimal(s, 10, 2)
	if err != nil {
		panic(err)
	}
	return d
}

func TestSchemaDiscovery(t *testing.T) {
	c := newSQLite(t, &core.Descriptor{Name: "orders", DSN: sqliteFile(t, ordersDDL), Table: "orders"})

	schema, err := c.Schema(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, schema.NumFields())
	assert.Equal(t, arrow.PrimitiveTypes.Int64, schema.Field(0).Type)
	assert.Equal(t, arrow.BinaryTypes.String, schema.Field(1).Type)
	assert.True(t, arrow.TypeEqual(&arrow.Decimal128Type{Precision: 10, Scale: 2}, schema.Field(2).Type))
	assert.True(t, arrow.TypeEqual(columnar.TimestampLocal, schema.Field(3).Type))
}

func TestUnsupportedColumnType(t *testing.T) {
	c := newSQLite(t, &core.Descriptor{
		Name:  "odd",
		DSN:   sqliteFile(t, "CREATE TABLE odd (id INTEGER, shape GEOMETRY);"),
		Table: "odd",
	})
	_, err := c.Schema(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeUnsupportedType))
}

func TestScanPushesIntoSQL(t *testing.T) {
	c := newSQLite(t, &core.Descriptor{Name: "orders", DSN: sqliteFile(t, ordersDDL), Table: "orders", BatchSize: 1})

	req := &core.ScanRequest{
		Columns: []string{"id", "amount"},
		Filters: []expr.Expr{expr.Eq(expr.Col("customer"), expr.Lit("ada"))},
		Sort:    []core.SortField{{Column: "amount", Desc: true}},
		Limit:   5,
	}
	assert.Equal(t, [][]interface{}{{int64(1), dec("12.50")}, {int64(3), dec("5.25")}}, scanRows(t, c, req))

	q, err := c.RenderQuery(req)
	require.NoError(t, err)
	assert.Equal(t, `SELECT "id", "amount" FROM "orders" WHERE ("customer" = 'ada') ORDER BY "amount" DESC NULLS FIRST LIMIT 5`, q)
}

func TestScanAggregate(t *testing.T) {
	c := newSQLite(t, &core.Descriptor{Name: "orders", DSN: sqliteFile(t, ordersDDL), Table: "orders"})

	rows := scanRows(t, c, &core.ScanRequest{
		GroupBy:    []string{"customer"},
		Aggregates: []expr.Aggregate{{Func: expr.AggCount, Alias: "n"}, {Func: expr.AggMax, Arg: expr.Col("id")}},
		Sort:       []core.SortField{{Column: "customer"}},
	})
	assert.Equal(t, [][]interface{}{
		{"ada", int64(2), int64(3)},
		{"grace", int64(1), int64(2)},
		{nil, int64(1), int64(4)},
	}, rows)
}

func TestScanQuerySource(t *testing.T) {
	c := newSQLite(t, &core.Descriptor{
		Name:  "big_orders",
		DSN:   sqliteFile(t, ordersDDL),
		Query: "SELECT id, customer FROM orders WHERE amount > 20;",
	})
	rows := scanRows(t, c, &core.ScanRequest{Sort: []core.SortField{{Column: "id"}}})
	assert.Equal(t, [][]interface{}{{int64(2), "grace"}, {int64(4), nil}}, rows)
}

func TestScanRejectsUndeclaredCapability(t *testing.T) {
	c := newSQLite(t, &core.Descriptor{
		Name: "orders", DSN: sqliteFile(t, ordersDDL), Table: "orders",
		Capabilities: core.Caps(core.CapPredicate),
	})
	_, err := c.Scan(context.Background(), &core.ScanRequest{Limit: 1})
	assert.True(t, errors.IsType(err, errors.ErrorTypeCapability))
}

func TestScanErrorIsBackendExecution(t *testing.T) {
	path := sqliteFile(t, ordersDDL)
	c := newSQLite(t, &core.Descriptor{Name: "orders", DSN: path, Table: "orders"})
	_, err := c.Schema(context.Background())
	require.NoError(t, err)

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec("DROP TABLE orders")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := c.Scan(context.Background(), nil)
	require.NoError(t, err, "scans are lazy")
	defer s.Close()
	_, err = s.Next(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeBackendExecution))
}

func TestWriteInsertsInOneTransaction(t *testing.T) {
	c := newSQLite(t, &core.Descriptor{Name: "orders", DSN: sqliteFile(t, ordersDDL), Table: "orders"})
	schema, err := c.Schema(context.Background())
	require.NoError(t, err)

	rec, err := columnar.RowsToRecord(memory.DefaultAllocator, schema, []columnar.Row{
		{int64(5), "linus", dec("1.00"), nil},
		{int64(6), "ken", dec("2.50"), nil},
	})
	require.NoError(t, err)
	n, err := c.Write(context.Background(), base.NewSliceStream(schema, []arrow.Record{rec}))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	rows := scanRows(t, c, &core.ScanRequest{
		Columns: []string{"customer"},
		Filters: []expr.Expr{expr.Gt(expr.Col("id"), expr.Lit(4))},
		Sort:    []core.SortField{{Column: "id"}},
	})
	assert.Equal(t, [][]interface{}{{"linus"}, {"ken"}}, rows)
}

func TestWriteRejectsQuerySources(t *testing.T) {
	c := newSQLite(t, &core.Descriptor{Name: "q", DSN: sqliteFile(t, ordersDDL), Query: "SELECT id FROM orders"})
	rec := testutil.Int64Record(t, 1)
	_, err := c.Write(context.Background(), base.NewSliceStream(rec.Schema(), []arrow.Record{rec}))
	assert.True(t, errors.IsType(err, errors.ErrorTypeCapability))
}

func TestNewValidatesDescriptor(t *testing.T) {
	_, err := New(SQLite, &core.Descriptor{Name: "x", Kind: SQLite.Kind, DSN: "x.db"}, core.Dependencies{Pools: pool.NewRegistry()})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	_, err = New(SQLite, &core.Descriptor{Name: "x", Kind: SQLite.Kind, Table: "t"}, core.Dependencies{Pools: pool.NewRegistry()})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestMySQLDSN(t *testing.T) {
	desc := &core.Descriptor{
		DSN:         "app@unix(/tmp/mysql.sock)/shop",
		Credentials: map[string]string{"password": "s3cret"},
	}
	dsn, err := mysqlDSN(context.Background(), desc, nil)
	require.NoError(t, err)
	assert.Contains(t, dsn, "app:s3cret@unix(/tmp/mysql.sock)/shop")
	assert.Contains(t, dsn, "parseTime=true")

	_, err = mysqlDSN(context.Background(), &core.Descriptor{DSN: "not a dsn"}, nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}
