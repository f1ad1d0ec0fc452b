package federation

import (
	"context"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/meridian/pkg/columnar"
	"github.com/ajitpratap0/meridian/pkg/config"
	"github.com/ajitpratap0/meridian/pkg/connector/base"
	"github.com/ajitpratap0/meridian/pkg/connector/core"
	"github.com/ajitpratap0/meridian/pkg/errors"
	"github.com/ajitpratap0/meridian/pkg/exec"
	"github.com/ajitpratap0/meridian/pkg/expr"
	"github.com/ajitpratap0/meridian/pkg/plan"
	"github.com/ajitpratap0/meridian/pkg/pool"
	"github.com/ajitpratap0/meridian/pkg/testutil"

	memconn "github.com/ajitpratap0/meridian/pkg/connector/sources/memory"
)

// catalog is both the plan builder's and the planner's view of a set of
// memory tables.
type catalog map[string]*core.TableHandle

func (c catalog) Handle(name string) (*core.TableHandle, error) {
	h, ok := c[name]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "no dataset %q", name)
	}
	return h, nil
}

func (c catalog) TableSchema(name string) (*arrow.Schema, error) {
	h, err := c.Handle(name)
	if err != nil {
		return nil, err
	}
	return h.Schema, nil
}

var (
	eventsSchema = arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "user_id", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "kind", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "score", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	}, nil)
	usersSchema = arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
)

func addTable(t *testing.T, cat catalog, reg *pool.Registry, name string, schema *arrow.Schema, caps core.CapabilitySet, rows []columnar.Row) {
	t.Helper()
	addTableWith(t, cat, reg, &core.Descriptor{Name: name, Kind: memconn.Kind, Capabilities: caps, BatchSize: 2}, schema, rows)
}

func addTableWith(t *testing.T, cat catalog, reg *pool.Registry, desc *core.Descriptor, schema *arrow.Schema, rows []columnar.Row) {
	t.Helper()
	name := desc.Name
	c, err := memconn.New(desc, schema, core.Dependencies{Pools: reg})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(context.Background()) })

	rec, err := columnar.RowsToRecord(memory.DefaultAllocator, schema, rows)
	require.NoError(t, err)
	_, err = c.Write(context.Background(), base.NewSliceStream(schema, []arrow.Record{rec}))
	require.NoError(t, err)
	cat[name] = &core.TableHandle{Descriptor: desc, Connector: c, Schema: schema}
}

func newCatalog(t *testing.T, eventCaps, userCaps core.CapabilitySet) catalog {
	t.Helper()
	testutil.TestLogger(t)
	reg := pool.NewRegistry()
	t.Cleanup(reg.Close)

	cat := catalog{}
	addTable(t, cat, reg, "events", eventsSchema, eventCaps, []columnar.Row{
		{int64(1), int64(10), "click", 0.5},
		{int64(2), int64(20), "view", 1.5},
		{int64(3), int64(10), "click", nil},
		{int64(4), int64(30), "click", 3.0},
		{int64(5), nil, nil, 2.0},
	})
	addTable(t, cat, reg, "users", usersSchema, userCaps, []columnar.Row{
		{int64(10), "ada"},
		{int64(20), "grace"},
	})
	return cat
}

// run executes n and returns its rows.
func run(t *testing.T, cat catalog, n plan.Node) [][]interface{} {
	t.Helper()
	s, err := exec.New(cat).Build(testutil.TestContext(t), n)
	require.NoError(t, err)
	defer s.Close()
	recs, err := base.Collect(testutil.TestContext(t), s)
	require.NoError(t, err)
	defer testutil.ReleaseAll(recs)

	var rows [][]interface{}
	for _, rec := range recs {
		require.True(t, rec.Schema().Equal(n.Schema()), "batch schema %s, want %s", rec.Schema(), n.Schema())
		for _, r := range columnar.RecordToRows(rec) {
			rows = append(rows, []interface{}(r))
		}
	}
	return rows
}

func planned(t *testing.T, cat catalog, n plan.Node) plan.Node {
	t.Helper()
	out, err := NewPlanner(cat).Plan(context.Background(), n)
	require.NoError(t, err)
	return out
}

func TestPlanPushesWholeChain(t *testing.T) {
	cat := newCatalog(t, core.AllCapabilities, core.AllCapabilities)
	n, err := plan.Table(cat, "events").
		Filter(expr.Eq(expr.Col("kind"), expr.Lit("click"))).
		Project(expr.Col("id"), expr.Col("score")).
		Sort(expr.SortKey{Expr: expr.Col("score"), Desc: true}).
		Limit(2).
		Build()
	require.NoError(t, err)

	out := planned(t, cat, n)
	rs, ok := out.(*plan.RemoteScan)
	require.True(t, ok, "got %s", plan.Format(out))
	assert.Equal(t, "columns=[id,score] filter=(kind = 'click') sort=[score DESC] limit=2", rs.Request.String())
	assert.True(t, rs.Schema().Equal(n.Schema()))
	assert.Contains(t, rs.Query, "memory events:")

	assert.Equal(t, run(t, cat, n), run(t, cat, out))
	assert.Equal(t, [][]interface{}{{int64(3), nil}, {int64(4), 3.0}}, run(t, cat, out))
}

func TestPlanKeepsUnpushableConjunctsLocal(t *testing.T) {
	cat := newCatalog(t, core.Caps(core.CapPredicate), core.AllCapabilities)
	n, err := plan.Table(cat, "events").
		Filter(expr.And(
			expr.Eq(expr.Col("kind"), expr.Lit("click")),
			expr.Gt(expr.Binary{Op: expr.OpAdd, Left: expr.Col("score"), Right: expr.Lit(1.0)}, expr.Lit(2.0)),
		)).
		Build()
	require.NoError(t, err)

	out := planned(t, cat, n)
	f, ok := out.(*plan.Filter)
	require.True(t, ok, "got %s", plan.Format(out))
	assert.Equal(t, "((score + 1) > 2)", f.Predicate.String())
	rs := f.Input.(*plan.RemoteScan)
	assert.Equal(t, "filter=(kind = 'click')", rs.Request.String())

	assert.Equal(t, [][]interface{}{{int64(4), int64(30), "click", 3.0}}, run(t, cat, out))
	assert.Equal(t, run(t, cat, n), run(t, cat, out))
}

func TestPlanRejectsInexactLiteralTypes(t *testing.T) {
	cat := newCatalog(t, core.AllCapabilities, core.AllCapabilities)
	n, err := plan.Table(cat, "events").
		Filter(expr.Eq(expr.Col("id"), expr.Lit(2.0))).
		Build()
	require.NoError(t, err)

	out := planned(t, cat, n)
	f, ok := out.(*plan.Filter)
	require.True(t, ok, "a float literal against an int64 column stays local")
	assert.Equal(t, "full scan", f.Input.(*plan.RemoteScan).Request.String())
	assert.Equal(t, [][]interface{}{{int64(2), int64(20), "view", 1.5}}, run(t, cat, out))
}

func TestPlanRespectsDeclaredCapabilities(t *testing.T) {
	cat := newCatalog(t, core.Caps(core.CapProjection), core.AllCapabilities)
	n, err := plan.Table(cat, "events").
		Project(expr.Col("id"), expr.Col("kind")).
		Filter(expr.Eq(expr.Col("kind"), expr.Lit("view"))).
		Limit(1).
		Build()
	require.NoError(t, err)

	out := planned(t, cat, n)
	assert.Equal(t, "Limit: 1\n  Filter: (kind = 'view')\n    RemoteScan: events [memory] columns=[id,kind]",
		firstLines(plan.Format(out), 3))
	assert.Equal(t, [][]interface{}{{int64(2), "view"}}, run(t, cat, out))
}

func TestPlanNothingMergesAboveALimit(t *testing.T) {
	cat := newCatalog(t, core.AllCapabilities, core.AllCapabilities)
	n, err := plan.Table(cat, "events").
		Limit(3).
		Filter(expr.Eq(expr.Col("kind"), expr.Lit("click"))).
		Sort(expr.SortKey{Expr: expr.Col("id"), Desc: true}).
		Build()
	require.NoError(t, err)

	out := planned(t, cat, n)
	s, ok := out.(*plan.Sort)
	require.True(t, ok, "got %s", plan.Format(out))
	f := s.Input.(*plan.Filter)
	assert.Equal(t, "limit=3", f.Input.(*plan.RemoteScan).Request.String())
	assert.Equal(t, [][]interface{}{{int64(3), int64(10), "click", nil}, {int64(1), int64(10), "click", 0.5}}, run(t, cat, out))
}

func TestPlanLimitZeroStaysLocal(t *testing.T) {
	cat := newCatalog(t, core.AllCapabilities, core.AllCapabilities)
	n, err := plan.Table(cat, "events").Limit(0).Build()
	require.NoError(t, err)

	out := planned(t, cat, n)
	l, ok := out.(*plan.Limit)
	require.True(t, ok)
	assert.Equal(t, int64(0), l.N)
	assert.Empty(t, run(t, cat, out))
}

func TestPlanPushesAggregateThenSort(t *testing.T) {
	cat := newCatalog(t, core.AllCapabilities, core.AllCapabilities)
	n, err := plan.Table(cat, "events").
		Filter(expr.IsNull{Expr: expr.Col("kind"), Negated: true}).
		Aggregate([]expr.Expr{expr.Col("kind")},
			expr.Aggregate{Func: expr.AggCount},
			expr.Aggregate{Func: expr.AggSum, Arg: expr.Col("score")}).
		Sort(expr.SortKey{Expr: expr.Col("count"), Desc: true}).
		Build()
	require.NoError(t, err)

	out := planned(t, cat, n)
	rs, ok := out.(*plan.RemoteScan)
	require.True(t, ok, "got %s", plan.Format(out))
	assert.Equal(t, "filter=kind IS NOT NULL group=[kind] aggs=[COUNT(*),SUM(score)] sort=[count DESC]", rs.Request.String())
	assert.Equal(t, [][]interface{}{{"click", int64(3), 3.5}, {"view", int64(1), 1.5}}, run(t, cat, out))
}

func TestPlanPrunesComputedProjection(t *testing.T) {
	cat := newCatalog(t, core.AllCapabilities, core.AllCapabilities)
	n, err := plan.Table(cat, "events").
		Filter(expr.Eq(expr.Col("id"), expr.Lit(4))).
		Project(expr.Alias{Expr: expr.Binary{Op: expr.OpMul, Left: expr.Col("score"), Right: expr.Lit(2.0)}, Name: "double"}).
		Build()
	require.NoError(t, err)

	out := planned(t, cat, n)
	p, ok := out.(*plan.Projection)
	require.True(t, ok, "got %s", plan.Format(out))
	rs := p.Input.(*plan.RemoteScan)
	assert.Equal(t, "columns=[score] filter=(id = 4)", rs.Request.String())
	assert.Equal(t, []string{"score"}, fieldNames(rs.Schema()))
	assert.Equal(t, [][]interface{}{{6.0}}, run(t, cat, out))
}

func TestPlanNeverPushesJoins(t *testing.T) {
	cat := newCatalog(t, core.AllCapabilities, core.AllCapabilities)
	users := plan.TableAs(cat, "users", "u").Filter(expr.Eq(expr.Col("name"), expr.Lit("ada")))
	n, err := plan.TableAs(cat, "events", "e").
		Join(users, plan.InnerJoin, expr.Eq(expr.Col("e.user_id"), expr.Col("u.id"))).
		Project(expr.Col("e.id"), expr.Col("u.name")).
		Build()
	require.NoError(t, err)

	out := planned(t, cat, n)
	p, ok := out.(*plan.Projection)
	require.True(t, ok, "got %s", plan.Format(out))
	j := p.Input.(*plan.Join)
	assert.Equal(t, "full scan", j.Left.(*plan.RemoteScan).Request.String())
	assert.Equal(t, "filter=(name = 'ada')", j.Right.(*plan.RemoteScan).Request.String())
	assert.ElementsMatch(t, [][]interface{}{{int64(1), "ada"}, {int64(3), "ada"}}, run(t, cat, out))
	assert.Equal(t, []string{"events", "users"}, plan.Datasets(out))
}

func TestPlanSharedSizeOnePool(t *testing.T) {
	testutil.TestLogger(t)
	reg := pool.NewRegistry()
	t.Cleanup(reg.Close)

	// Both sides of a self-join go through the same single-connection pool.
	cfg := config.DefaultPoolConfig()
	cfg.MaxSize = 1
	cfg.AcquireTimeout = 5 * time.Second
	cat := catalog{}
	addTableWith(t, cat, reg, &core.Descriptor{Name: "events", Kind: memconn.Kind, Capabilities: core.AllCapabilities, Pool: cfg}, eventsSchema, []columnar.Row{
		{int64(1), int64(10), "click", 0.5},
		{int64(2), int64(20), "view", 1.5},
	})

	n, err := plan.TableAs(cat, "events", "a").
		Join(plan.TableAs(cat, "events", "b"), plan.InnerJoin, expr.Eq(expr.Col("a.id"), expr.Col("b.id"))).
		Project(expr.Col("a.id"), expr.Col("b.kind")).
		Build()
	require.NoError(t, err)
	assert.ElementsMatch(t, [][]interface{}{{int64(1), "click"}, {int64(2), "view"}}, run(t, cat, planned(t, cat, n)))
}

func TestPlanUnknownDataset(t *testing.T) {
	cat := newCatalog(t, core.AllCapabilities, core.AllCapabilities)
	_, err := NewPlanner(cat).Plan(context.Background(), plan.NewScan("missing", "", usersSchema))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestExplainRendersNativeQuery(t *testing.T) {
	cat := newCatalog(t, core.AllCapabilities, core.AllCapabilities)
	n, err := plan.Table(cat, "users").Limit(1).Build()
	require.NoError(t, err)

	text, err := NewPlanner(cat).Explain(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, "RemoteScan: users [memory] limit=1\n  query: memory users: limit=1", text)
}

func firstLines(s string, n int) string {
	lines := 0
	for i, r := range s {
		if r == '\n' {
			lines++
			if lines == n {
				return s[:i]
			}
		}
	}
	return s
}

func fieldNames(s *arrow.Schema) []string {
	out := make([]string, s.NumFields())
	for i, f := range s.Fields() {
		out[i] = f.Name
	}
	return out
}

// noLike is a connector whose filter language has no LIKE.
type noLike struct{ core.Connector }

func (noLike) SupportsPredicate(e expr.Expr) bool {
	ok := true
	expr.Walk(e, func(n expr.Expr) bool {
		if _, isLike := n.(expr.Like); isLike {
			ok = false
		}
		return ok
	})
	return ok
}

func TestPlanAsksConnectorAboutPredicates(t *testing.T) {
	cat := newCatalog(t, core.AllCapabilities, core.AllCapabilities)
	h := *cat["users"]
	h.Connector = noLike{h.Connector}
	cat["users"] = &h

	n, err := plan.Table(cat, "users").
		Filter(expr.And(
			expr.Like{Expr: expr.Col("name"), Pattern: "a%"},
			expr.Gt(expr.Col("id"), expr.Lit(5)),
		)).
		Build()
	require.NoError(t, err)

	out := planned(t, cat, n)
	f, ok := out.(*plan.Filter)
	require.True(t, ok, "got %s", plan.Format(out))
	assert.Equal(t, "filter=(id > 5)", f.Input.(*plan.RemoteScan).Request.String())
	assert.Equal(t, [][]interface{}{{int64(10), "ada"}}, run(t, cat, out))
}

// collated is a connector reporting a non-bytewise string collation.
type collated struct {
	core.Connector
	coll core.Collation
}

func (c collated) StringCollation() core.Collation { return c.coll }

func withCollation(cat catalog, name string, coll core.Collation) {
	h := *cat[name]
	h.Connector = collated{h.Connector, coll}
	cat[name] = &h
}

func TestPlanKeepsFoldedStringComparisonsLocal(t *testing.T) {
	cat := newCatalog(t, core.AllCapabilities, core.AllCapabilities)
	withCollation(cat, "users", core.CollationFolded)

	n, err := plan.Table(cat, "users").
		Filter(expr.And(
			expr.Eq(expr.Col("name"), expr.Lit("ada")),
			expr.Gt(expr.Col("id"), expr.Lit(5)),
		)).
		Build()
	require.NoError(t, err)

	out := planned(t, cat, n)
	f, ok := out.(*plan.Filter)
	require.True(t, ok, "got %s", plan.Format(out))
	assert.Equal(t, "filter=(id > 5)", f.Input.(*plan.RemoteScan).Request.String())
	assert.Equal(t, [][]interface{}{{int64(10), "ada"}}, run(t, cat, out))

	n, err = plan.Table(cat, "users").
		Filter(expr.Like{Expr: expr.Col("name"), Pattern: "A%"}).
		Build()
	require.NoError(t, err)
	out = planned(t, cat, n)
	assert.IsType(t, &plan.Filter{}, out)
	assert.Empty(t, run(t, cat, out))
}

func TestPlanKeepsLocaleOrderingLocal(t *testing.T) {
	cat := newCatalog(t, core.AllCapabilities, core.AllCapabilities)
	withCollation(cat, "users", core.CollationLocale)

	n, err := plan.Table(cat, "users").
		Filter(expr.Eq(expr.Col("name"), expr.Lit("ada"))).
		Sort(expr.SortKey{Expr: expr.Col("name")}).
		Build()
	require.NoError(t, err)

	out := planned(t, cat, n)
	s, ok := out.(*plan.Sort)
	require.True(t, ok, "got %s", plan.Format(out))
	assert.Equal(t, "filter=(name = 'ada')", s.Input.(*plan.RemoteScan).Request.String())

	n, err = plan.Table(cat, "users").
		Filter(expr.Lt(expr.Col("name"), expr.Lit("b"))).
		Build()
	require.NoError(t, err)
	out = planned(t, cat, n)
	assert.IsType(t, &plan.Filter{}, out)
	assert.Equal(t, [][]interface{}{{int64(10), "ada"}}, run(t, cat, out))
}

func TestPlanKeepsBackslashLikeLocal(t *testing.T) {
	cat := newCatalog(t, core.AllCapabilities, core.AllCapabilities)
	n, err := plan.Table(cat, "users").
		Filter(expr.Like{Expr: expr.Col("name"), Pattern: `a\%`}).
		Build()
	require.NoError(t, err)
	assert.IsType(t, &plan.Filter{}, planned(t, cat, n))
}
