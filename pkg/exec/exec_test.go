package exec

import (
	"context"
	"io"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/meridian/pkg/columnar"
	"github.com/ajitpratap0/meridian/pkg/connector/base"
	"github.com/ajitpratap0/meridian/pkg/connector/core"
	"github.com/ajitpratap0/meridian/pkg/errors"
	"github.com/ajitpratap0/meridian/pkg/expr"
	"github.com/ajitpratap0/meridian/pkg/plan"
	"github.com/ajitpratap0/meridian/pkg/testutil"
)

var ordersSchema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.PrimitiveTypes.Int64},
	{Name: "customer", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
	{Name: "amount", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
}, nil)

var customersSchema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.PrimitiveTypes.Int64},
	{Name: "name", Type: arrow.BinaryTypes.String},
}, nil)

func orders() [][]columnar.Row {
	return [][]columnar.Row{
		{
			{int64(1), int32(10), 5.0},
			{int64(2), int32(20), 7.5},
			{int64(3), nil, 1.0},
		},
		{
			{int64(4), int32(10), nil},
			{int64(5), int32(30), 2.5},
		},
	}
}

func customers() [][]columnar.Row {
	return [][]columnar.Row{{
		{int64(10), "ada"},
		{int64(20), "grace"},
		{int64(40), "edsger"},
	}}
}

// trackedStream records whether it was closed.
type trackedStream struct {
	*base.SliceStream
	closed bool
}

func (s *trackedStream) Close() error {
	s.closed = true
	return s.SliceStream.Close()
}

func stream(t *testing.T, schema *arrow.Schema, batches [][]columnar.Row) *trackedStream {
	t.Helper()
	recs := make([]arrow.Record, len(batches))
	for i, rows := range batches {
		rec, err := columnar.RowsToRecord(memory.DefaultAllocator, schema, rows)
		require.NoError(t, err)
		recs[i] = rec
	}
	return &trackedStream{SliceStream: base.NewSliceStream(schema, recs)}
}

func collect(t *testing.T, s core.RecordStream) [][]interface{} {
	t.Helper()
	defer s.Close()
	recs, err := base.Collect(testutil.TestContext(t), s)
	require.NoError(t, err)
	var out [][]interface{}
	for _, rec := range recs {
		assert.True(t, rec.Schema().Equal(s.Schema()), "batch schema %s", rec.Schema())
		for _, row := range columnar.RecordToRows(rec) {
			out = append(out, []interface{}(row))
		}
		rec.Release()
	}
	return out
}

func TestFilter(t *testing.T) {
	in := stream(t, ordersSchema, orders())
	f, err := NewFilter(in, expr.Or(expr.Eq(expr.Col("customer"), expr.Lit(int32(10))), expr.Gt(expr.Col("amount"), expr.Lit(7.0))), memory.DefaultAllocator)
	require.NoError(t, err)

	rows := collect(t, f)
	assert.Equal(t, [][]interface{}{
		{int64(1), int32(10), 5.0},
		{int64(2), int32(20), 7.5},
		{int64(4), int32(10), nil},
	}, rows)
	assert.True(t, in.closed)
}

func TestFilterDropsNullPredicates(t *testing.T) {
	in := stream(t, ordersSchema, orders())
	f, err := NewFilter(in, expr.Gt(expr.Col("customer"), expr.Lit(int32(15))), memory.DefaultAllocator)
	require.NoError(t, err)

	rows := collect(t, f)
	assert.Equal(t, [][]interface{}{
		{int64(2), int32(20), 7.5},
		{int64(5), int32(30), 2.5},
	}, rows)
}

func TestFilterSelectsScatteredRowsWithoutLeaks(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	people := [][]columnar.Row{{
		{int64(1), "ada"},
		{int64(2), "barbara"},
		{int64(3), "grace"},
		{int64(4), "hedy"},
		{int64(5), "edsger"},
	}}
	recs := make([]arrow.Record, len(people))
	for i, rows := range people {
		rec, err := columnar.RowsToRecord(mem, customersSchema, rows)
		require.NoError(t, err)
		recs[i] = rec
	}
	in := base.NewSliceStream(customersSchema, recs)
	odd := expr.Or(expr.Eq(expr.Col("id"), expr.Lit(int64(1))),
		expr.Or(expr.Eq(expr.Col("id"), expr.Lit(int64(3))), expr.Eq(expr.Col("id"), expr.Lit(int64(5)))))
	f, err := NewFilter(in, odd, mem)
	require.NoError(t, err)

	rows := collect(t, f)
	assert.Equal(t, [][]interface{}{
		{int64(1), "ada"},
		{int64(3), "grace"},
		{int64(5), "edsger"},
	}, rows)
}

func TestProjection(t *testing.T) {
	node, err := plan.From(plan.NewScan("orders", "", ordersSchema)).
		Project(expr.Col("id"), expr.Alias{Expr: expr.Binary{Op: expr.OpMul, Left: expr.Col("amount"), Right: expr.Lit(2.0)}, Name: "double"}).
		Build()
	require.NoError(t, err)
	p := node.(*plan.Projection)

	s, err := NewProjection(stream(t, ordersSchema, orders()), p.Exprs, p.Schema(), memory.DefaultAllocator)
	require.NoError(t, err)
	rows := collect(t, s)
	assert.Equal(t, [][]interface{}{
		{int64(1), 10.0},
		{int64(2), 15.0},
		{int64(3), 2.0},
		{int64(4), nil},
		{int64(5), 5.0},
	}, rows)
}

func TestLimitClosesInputEarly(t *testing.T) {
	in := stream(t, ordersSchema, orders())
	l := NewLimit(in, 2)
	ctx := testutil.TestContext(t)

	rec, err := l.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.NumRows())
	rec.Release()
	assert.True(t, in.closed, "input is closed as soon as the limit is reached")

	_, err = l.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, l.Close())
}

func TestLimitZero(t *testing.T) {
	in := stream(t, ordersSchema, orders())
	assert.Empty(t, collect(t, NewLimit(in, 0)))
	assert.True(t, in.closed)
}

func TestSortNullOrdering(t *testing.T) {
	s, err := NewSort(stream(t, ordersSchema, orders()), []expr.SortKey{{Expr: expr.Col("customer")}, {Expr: expr.Col("id"), Desc: true}}, memory.DefaultAllocator, 2)
	require.NoError(t, err)
	ids := func(rows [][]interface{}) []interface{} {
		out := make([]interface{}, len(rows))
		for i, r := range rows {
			out[i] = r[0]
		}
		return out
	}
	assert.Equal(t, []interface{}{int64(4), int64(1), int64(2), int64(5), int64(3)}, ids(collect(t, s)))

	s, err = NewSort(stream(t, ordersSchema, orders()), []expr.SortKey{{Expr: expr.Col("amount"), Desc: true}}, memory.DefaultAllocator, 10)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{int64(4), int64(2), int64(1), int64(5), int64(3)}, ids(collect(t, s)))
}

func TestAggregate(t *testing.T) {
	node, err := plan.From(plan.NewScan("orders", "", ordersSchema)).
		Aggregate([]expr.Expr{expr.Col("customer")},
			expr.Aggregate{Func: expr.AggCount},
			expr.Aggregate{Func: expr.AggSum, Arg: expr.Col("amount")},
			expr.Aggregate{Func: expr.AggMax, Arg: expr.Col("id")}).
		Build()
	require.NoError(t, err)
	a := node.(*plan.Aggregate)

	s, err := NewAggregate(stream(t, ordersSchema, orders()), a.GroupBy, a.Aggs, a.Schema(), memory.DefaultAllocator, 1024)
	require.NoError(t, err)
	assert.Equal(t, [][]interface{}{
		{int32(10), int64(2), 5.0, int64(4)},
		{int32(20), int64(1), 7.5, int64(2)},
		{nil, int64(1), 1.0, int64(3)},
		{int32(30), int64(1), 2.5, int64(5)},
	}, collect(t, s))
}

func TestGlobalAggregateOverNoRows(t *testing.T) {
	node, err := plan.From(plan.NewScan("orders", "", ordersSchema)).
		Aggregate(nil, expr.Aggregate{Func: expr.AggCount}, expr.Aggregate{Func: expr.AggSum, Arg: expr.Col("id")}).
		Build()
	require.NoError(t, err)
	a := node.(*plan.Aggregate)

	s, err := NewAggregate(stream(t, ordersSchema, nil), a.GroupBy, a.Aggs, a.Schema(), memory.DefaultAllocator, 1024)
	require.NoError(t, err)
	assert.Equal(t, [][]interface{}{{int64(0), nil}}, collect(t, s))
}

func TestDecimalSumIsExact(t *testing.T) {
	dec := &arrow.Decimal128Type{Precision: 10, Scale: 2}
	schema := arrow.NewSchema([]arrow.Field{{Name: "price", Type: dec}}, nil)
	var rows []columnar.Row
	for _, s := range []string{"0.10", "0.20", "1000.05"} {
		d, err := columnar.ParseDecimal(s, 10, 2)
		require.NoError(t, err)
		rows = append(rows, columnar.Row{d})
	}

	node, err := plan.From(plan.NewScan("prices", "", schema)).
		Aggregate(nil, expr.Aggregate{Func: expr.AggSum, Arg: expr.Col("price"), Alias: "total"}).
		Build()
	require.NoError(t, err)
	a := node.(*plan.Aggregate)

	s, err := NewAggregate(stream(t, schema, [][]columnar.Row{rows}), a.GroupBy, a.Aggs, a.Schema(), memory.DefaultAllocator, 1024)
	require.NoError(t, err)
	out := collect(t, s)
	require.Len(t, out, 1)
	assert.Equal(t, "1000.35", out[0][0].(columnar.Decimal).String())
}

func TestHashJoin(t *testing.T) {
	cat := map[string]*arrow.Schema{"orders": ordersSchema, "customers": customersSchema}
	catalog := planCatalog(cat)

	for _, tc := range []struct {
		typ  plan.JoinType
		want [][]interface{}
	}{
		{plan.InnerJoin, [][]interface{}{
			{int64(1), int32(10), 5.0, int64(10), "ada"},
			{int64(2), int32(20), 7.5, int64(20), "grace"},
			{int64(4), int32(10), nil, int64(10), "ada"},
		}},
		{plan.LeftJoin, [][]interface{}{
			{int64(1), int32(10), 5.0, int64(10), "ada"},
			{int64(2), int32(20), 7.5, int64(20), "grace"},
			{int64(3), nil, 1.0, nil, nil},
			{int64(4), int32(10), nil, int64(10), "ada"},
			{int64(5), int32(30), 2.5, nil, nil},
		}},
	} {
		t.Run(string(tc.typ), func(t *testing.T) {
			node, err := plan.TableAs(catalog, "orders", "o").
				Join(plan.TableAs(catalog, "customers", "c"), tc.typ, expr.Eq(expr.Col("o.customer"), expr.Col("c.id"))).
				Build()
			require.NoError(t, err)
			j := node.(*plan.Join)

			left := stream(t, ordersSchema, orders())
			right := stream(t, customersSchema, customers())
			s, err := NewHashJoin(left, right, j.Type, j.On, j.Schema(), memory.DefaultAllocator, 2)
			require.NoError(t, err)
			assert.Equal(t, tc.want, collect(t, s))
			assert.True(t, left.closed)
			assert.True(t, right.closed)
		})
	}
}

type planCatalog map[string]*arrow.Schema

func (c planCatalog) TableSchema(name string) (*arrow.Schema, error) {
	s, ok := c[name]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "no dataset %q", name)
	}
	return s, nil
}

// fakeConnector serves fixed rows and records the requests it receives.
type fakeConnector struct {
	name     string
	schema   *arrow.Schema
	batches  [][]columnar.Row
	requests []*core.ScanRequest
}

func (f *fakeConnector) Name() string                                  { return f.name }
func (f *fakeConnector) Kind() string                                  { return "fake" }
func (f *fakeConnector) Schema(context.Context) (*arrow.Schema, error) { return f.schema, nil }
func (f *fakeConnector) Capabilities() core.CapabilitySet              { return 0 }
func (f *fakeConnector) Close(context.Context) error                   { return nil }

func (f *fakeConnector) Scan(ctx context.Context, req *core.ScanRequest) (core.RecordStream, error) {
	f.requests = append(f.requests, req)
	out, err := core.OutputSchemaFor(f.schema, req)
	if err != nil {
		return nil, err
	}
	recs := make([]arrow.Record, len(f.batches))
	for i, rows := range f.batches {
		if recs[i], err = columnar.RowsToRecord(memory.DefaultAllocator, out, rows); err != nil {
			return nil, err
		}
	}
	return base.NewSliceStream(out, recs), nil
}

type handleCatalog map[string]*core.TableHandle

func (c handleCatalog) Handle(name string) (*core.TableHandle, error) {
	h, ok := c[name]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "no dataset %q", name)
	}
	return h, nil
}

func TestExecutorBuildsUnplannedTree(t *testing.T) {
	testutil.TestLogger(t)
	conn := &fakeConnector{name: "orders", schema: ordersSchema, batches: orders()}
	handles := handleCatalog{"orders": {
		Descriptor: &core.Descriptor{Name: "orders", Kind: "fake"},
		Connector:  conn,
		Schema:     ordersSchema,
	}}

	node, err := plan.Table(planCatalog{"orders": ordersSchema}, "orders").
		Filter(expr.IsNull{Expr: expr.Col("amount"), Negated: true}).
		Sort(expr.SortKey{Expr: expr.Col("amount"), Desc: true}).
		Limit(2).
		Project(expr.Col("id")).
		Build()
	require.NoError(t, err)

	s, err := New(handles, WithBatchSize(1)).Build(testutil.TestContext(t), node)
	require.NoError(t, err)
	assert.Equal(t, [][]interface{}{{int64(2)}, {int64(1)}}, collect(t, s))
	require.Len(t, conn.requests, 1)
	assert.Equal(t, "full scan", conn.requests[0].String())
}

func TestExecutorUnknownDataset(t *testing.T) {
	node := &plan.RemoteScan{Dataset: "missing", Request: &core.ScanRequest{}}
	_, err := New(handleCatalog{}).Build(context.Background(), node)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}
