package engine

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/meridian/pkg/columnar"
	"github.com/ajitpratap0/meridian/pkg/config"
	"github.com/ajitpratap0/meridian/pkg/connector/base"
	"github.com/ajitpratap0/meridian/pkg/connector/core"
	"github.com/ajitpratap0/meridian/pkg/errors"
	"github.com/ajitpratap0/meridian/pkg/expr"
	"github.com/ajitpratap0/meridian/pkg/plan"
	"github.com/ajitpratap0/meridian/pkg/testutil"

	memconn "github.com/ajitpratap0/meridian/pkg/connector/sources/memory"
	"github.com/ajitpratap0/meridian/pkg/connector/sources/sqldb"
)

const tableRows = 30

// sqliteTable creates t(a, b) holding a = 1..30 and b = "row-<a>".
func sqliteTable(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	var sb strings.Builder
	sb.WriteString("CREATE TABLE t (a INTEGER NOT NULL, b TEXT);\n")
	for i := 1; i <= tableRows; i++ {
		fmt.Fprintf(&sb, "INSERT INTO t VALUES (%d, 'row-%d');\n", i, i)
	}
	_, err = db.Exec(sb.String())
	require.NoError(t, err)
	return path
}

func sqliteDesc(name, path string, caps core.CapabilitySet) *core.Descriptor {
	return &core.Descriptor{
		Name:         name,
		Kind:         sqldb.SQLite.Kind,
		DSN:          path,
		Table:        "t",
		Capabilities: caps,
		Pool:         config.DefaultPoolConfig(),
		BatchSize:    4,
	}
}

func newEngine(t *testing.T) *Engine {
	t.Helper()
	testutil.TestLogger(t)
	e := New(WithBatchSize(4))
	t.Cleanup(func() { e.Close(context.Background()) })
	return e
}

// registerMemory registers an in-memory copy of t with caps.
func registerMemory(t *testing.T, e *Engine, name string, caps core.CapabilitySet) {
	t.Helper()
	desc := &core.Descriptor{
		Name:         name,
		Kind:         memconn.Kind,
		Capabilities: caps,
		Options:      map[string]string{"schema": "a int64 not null; b utf8"},
		BatchSize:    4,
	}
	require.NoError(t, e.Register(context.Background(), desc))

	schema, err := e.TableSchema(name)
	require.NoError(t, err)
	rows := make([]columnar.Row, tableRows)
	for i := range rows {
		rows[i] = columnar.Row{int64(i + 1), fmt.Sprintf("row-%d", i+1)}
	}
	rec, err := columnar.RowsToRecord(memory.DefaultAllocator, schema, rows)
	require.NoError(t, err)
	n, err := e.Write(context.Background(), name, base.NewSliceStream(schema, []arrow.Record{rec}))
	require.NoError(t, err)
	require.Equal(t, int64(tableRows), n)
}

// selectQuery builds SELECT a, b FROM name WHERE a > 5 LIMIT 10.
func selectQuery(t *testing.T, e *Engine, name string) plan.Node {
	t.Helper()
	n, err := e.Table(name).
		Filter(expr.Gt(expr.Col("a"), expr.Lit(5))).
		Project(expr.Col("a"), expr.Col("b")).
		Limit(10).
		Build()
	require.NoError(t, err)
	return n
}

// collect executes n and returns its batches' row counts and rows.
func collect(t *testing.T, e *Engine, n plan.Node) ([]int64, [][]interface{}) {
	t.Helper()
	s, err := e.Execute(testutil.TestContext(t), n)
	require.NoError(t, err)
	defer s.Close()
	recs, err := base.Collect(testutil.TestContext(t), s)
	require.NoError(t, err)
	defer testutil.ReleaseAll(recs)

	var sizes []int64
	var rows [][]interface{}
	for _, rec := range recs {
		require.True(t, rec.Schema().Equal(n.Schema()))
		sizes = append(sizes, rec.NumRows())
		for _, r := range columnar.RecordToRows(rec) {
			rows = append(rows, []interface{}(r))
		}
	}
	return sizes, rows
}

func expectedRows() [][]interface{} {
	var rows [][]interface{}
	for a := 6; a <= 15; a++ {
		rows = append(rows, []interface{}{int64(a), fmt.Sprintf("row-%d", a)})
	}
	return rows
}

func TestFilterAndLimitPushedIntoSQL(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.Register(context.Background(), sqliteDesc("t", sqliteTable(t), core.Caps(core.CapPredicate, core.CapProjection, core.CapLimit))))

	n := selectQuery(t, e, "t")
	out, err := e.Plan(context.Background(), n)
	require.NoError(t, err)
	rs, ok := out.(*plan.RemoteScan)
	require.True(t, ok, "got %s", plan.Format(out))
	assert.Contains(t, rs.Query, `WHERE ("a" > 5)`)
	assert.Contains(t, rs.Query, "LIMIT 10")

	sizes, rows := collect(t, e, n)
	var total int64
	for _, s := range sizes {
		assert.LessOrEqual(t, s, int64(10))
		total += s
	}
	assert.Equal(t, int64(10), total)
	assert.Equal(t, expectedRows(), rows)
}

func TestNoPushdownStillFiltersAndLimits(t *testing.T) {
	e := newEngine(t)
	registerMemory(t, e, "t", 0)

	n := selectQuery(t, e, "t")
	explain, err := e.Explain(context.Background(), n)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(explain, "Limit: 10\n"), explain)
	assert.Contains(t, explain, "Filter: (a > 5)")
	assert.Contains(t, explain, "RemoteScan: t [memory] full scan")

	sizes, rows := collect(t, e, n)
	for _, s := range sizes {
		assert.LessOrEqual(t, s, int64(10))
	}
	assert.Equal(t, expectedRows(), rows)
}

func TestSameResultWithAndWithoutPushdown(t *testing.T) {
	e := newEngine(t)
	path := sqliteTable(t)
	require.NoError(t, e.Register(context.Background(), sqliteDesc("pushed", path, core.AllCapabilities)))
	require.NoError(t, e.Register(context.Background(), sqliteDesc("local", path, 0)))

	build := func(name string) plan.Node {
		n, err := e.Table(name).
			Filter(expr.Or(expr.Lt(expr.Col("a"), expr.Lit(4)), expr.Gt(expr.Col("a"), expr.Lit(27)))).
			Sort(expr.SortKey{Expr: expr.Col("a"), Desc: true}).
			Limit(5).
			Build()
		require.NoError(t, err)
		return n
	}
	_, pushed := collect(t, e, build("pushed"))
	_, local := collect(t, e, build("local"))
	assert.Equal(t, local, pushed)
	assert.Equal(t, []interface{}{int64(30), "row-30"}, pushed[0])
	assert.Len(t, pushed, 5)
}

func TestPredicatesAgreeWithAndWithoutPushdown(t *testing.T) {
	e := newEngine(t)
	path := sqliteTable(t)
	require.NoError(t, e.Register(context.Background(), sqliteDesc("pushed", path, core.AllCapabilities)))
	require.NoError(t, e.Register(context.Background(), sqliteDesc("local", path, 0)))

	predicates := []expr.Expr{
		expr.Like{Expr: expr.Col("b"), Pattern: "ROW-1%"},
		expr.Like{Expr: expr.Col("b"), Pattern: "row-1%"},
		expr.Like{Expr: expr.Col("b"), Pattern: "%-2_"},
		expr.Like{Expr: expr.Col("b"), Pattern: "row-[12]"},
		expr.Like{Expr: expr.Col("b"), Pattern: "ROW-%", Negated: true},
		expr.Eq(expr.Col("b"), expr.Lit("ROW-3")),
		expr.Eq(expr.Col("b"), expr.Lit("row-3")),
		expr.In{Expr: expr.Col("b"), List: []expr.Literal{expr.Lit("row-4"), expr.Lit("Row-5")}},
		expr.Gt(expr.Col("b"), expr.Lit("row-8")),
	}
	for _, p := range predicates {
		build := func(name string) plan.Node {
			n, err := e.Table(name).Filter(p).Build()
			require.NoError(t, err)
			return n
		}
		explained, err := e.Explain(context.Background(), build("pushed"))
		require.NoError(t, err)
		assert.Contains(t, explained, "WHERE", p.String())

		_, pushed := collect(t, e, build("pushed"))
		_, local := collect(t, e, build("local"))
		assert.Equal(t, local, pushed, p.String())
	}
}

func TestSizeOnePoolSerializesConcurrentScans(t *testing.T) {
	e := newEngine(t)
	desc := sqliteDesc("t", sqliteTable(t), core.AllCapabilities)
	desc.Pool.MaxSize = 1
	desc.Pool.AcquireTimeout = 10 * time.Second
	require.NoError(t, e.Register(context.Background(), desc))

	n, err := e.Table("t").Build()
	require.NoError(t, err)

	g, _ := errgroup.WithContext(context.Background())
	results := make([]int, 2)
	for i := range results {
		i := i
		g.Go(func() error {
			s, err := e.Execute(context.Background(), n)
			if err != nil {
				return err
			}
			defer s.Close()
			return base.Drain(context.Background(), s, func(rec arrow.Record) error {
				results[i] += int(rec.NumRows())
				return nil
			})
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, []int{tableRows, tableRows}, results)

	stats := e.Pools().Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].MaxSize)
	assert.Equal(t, int64(1), stats[0].Created, "both scans used the single connection")
	assert.Zero(t, stats[0].Timeouts)
	assert.Zero(t, stats[0].Leased)
}

func TestJoinAcrossBackends(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.Register(context.Background(), sqliteDesc("t", sqliteTable(t), core.AllCapabilities)))
	registerMemory(t, e, "m", core.AllCapabilities)

	n, err := e.TableAs("t", "s").
		Filter(expr.Lt(expr.Col("a"), expr.Lit(3))).
		Join(e.TableAs("m", "x"), plan.InnerJoin, expr.Eq(expr.Col("s.a"), expr.Col("x.a"))).
		Build()
	require.NoError(t, err)

	out, err := e.Plan(context.Background(), n)
	require.NoError(t, err)
	j, ok := out.(*plan.Join)
	require.True(t, ok, "joins stay local: %s", plan.Format(out))
	assert.IsType(t, &plan.RemoteScan{}, j.Left)
	assert.IsType(t, &plan.RemoteScan{}, j.Right)

	_, rows := collect(t, e, n)
	assert.ElementsMatch(t, [][]interface{}{
		{int64(1), "row-1", int64(1), "row-1"},
		{int64(2), "row-2", int64(2), "row-2"},
	}, rows)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	e := newEngine(t)
	path := sqliteTable(t)
	require.NoError(t, e.Register(context.Background(), sqliteDesc("t", path, core.AllCapabilities)))

	err := e.Register(context.Background(), sqliteDesc("t", path, core.AllCapabilities))
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))
	assert.Equal(t, []string{"t"}, e.Tables())
}

func TestRegisterFailures(t *testing.T) {
	e := newEngine(t)

	err := e.Register(context.Background(), &core.Descriptor{Kind: memconn.Kind})
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	err = e.Register(context.Background(), &core.Descriptor{Name: "x", Kind: "no-such-kind"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	desc := sqliteDesc("broken", filepath.Join(t.TempDir(), "empty.db"), core.AllCapabilities)
	err = e.Register(context.Background(), desc)
	require.Error(t, err, "schema discovery of a missing table fails")
	assert.Empty(t, e.Tables())
	assert.Zero(t, e.Pools().Len(), "the failed connector released its pool")
}

func TestDeregister(t *testing.T) {
	e := newEngine(t)
	registerMemory(t, e, "m", core.AllCapabilities)

	require.NoError(t, e.Deregister(context.Background(), "m"))
	assert.Empty(t, e.Tables())
	_, err := e.Handle("m")
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))

	err = e.Deregister(context.Background(), "m")
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

type readOnly struct{ core.Connector }

func TestWriteChecks(t *testing.T) {
	e := newEngine(t)
	registerMemory(t, e, "m", core.AllCapabilities)

	rec := testutil.Int64Record(t, 1, 2)
	_, err := e.Write(context.Background(), "m", base.NewSliceStream(rec.Schema(), []arrow.Record{rec}))
	assert.True(t, errors.IsType(err, errors.ErrorTypeProtocolViolation))

	_, err = e.Write(context.Background(), "missing", base.NewSliceStream(rec.Schema(), nil))
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))

	h, err := e.Handle("m")
	require.NoError(t, err)
	desc := *h.Descriptor
	desc.Name = "ro"
	require.NoError(t, e.RegisterConnector(context.Background(), &desc, readOnly{h.Connector}))
	_, err = e.Write(context.Background(), "ro", base.NewSliceStream(h.Schema, nil))
	assert.True(t, errors.IsType(err, errors.ErrorTypeCapability))
}

func TestCloseIsIdempotent(t *testing.T) {
	e := New()
	registerMemory(t, e, "m", core.AllCapabilities)

	require.NoError(t, e.Close(context.Background()))
	require.NoError(t, e.Close(context.Background()))
	assert.Empty(t, e.Tables())

	err := e.Register(context.Background(), &core.Descriptor{Name: "n", Kind: memconn.Kind})
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestFromConfig(t *testing.T) {
	testutil.TestLogger(t)
	cfg := config.NewDefault()
	cfg.Datasets = []config.DatasetConfig{
		{Name: "orders", Kind: "sqlite", DSN: sqliteTable(t), Table: "t", Capabilities: []string{"predicate", "limit"}},
		{Name: "scratch", Kind: "memory", Options: map[string]string{"schema": "id int64"}},
	}
	e, err := FromConfig(context.Background(), cfg)
	require.NoError(t, err)
	defer e.Close(context.Background())
	assert.Equal(t, []string{"orders", "scratch"}, e.Tables())

	h, err := e.Handle("orders")
	require.NoError(t, err)
	assert.Equal(t, core.Caps(core.CapPredicate, core.CapLimit), h.Capabilities())

	cfg.Datasets = append(cfg.Datasets, config.DatasetConfig{Name: "bad", Kind: "memory"})
	_, err = FromConfig(context.Background(), cfg)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}
