package memory

import (
	"context"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/meridian/pkg/columnar"
	"github.com/ajitpratap0/meridian/pkg/connector/base"
	"github.com/ajitpratap0/meridian/pkg/connector/core"
	"github.com/ajitpratap0/meridian/pkg/connector/registry"
	"github.com/ajitpratap0/meridian/pkg/errors"
	"github.com/ajitpratap0/meridian/pkg/expr"
	"github.com/ajitpratap0/meridian/pkg/pool"
	"github.com/ajitpratap0/meridian/pkg/testutil"
)

func newTable(t *testing.T, caps core.CapabilitySet) *Connector {
	t.Helper()
	testutil.TestLogger(t)
	reg := pool.NewRegistry()
	t.Cleanup(reg.Close)

	desc := &core.Descriptor{
		Name:         "events",
		Kind:         Kind,
		Capabilities: caps,
		Options:      map[string]string{"schema": "id int64 not null; kind utf8; score float64"},
		BatchSize:    2,
	}
	c, err := registry.Create(context.Background(), desc, core.Dependencies{Pools: reg})
	require.NoError(t, err)
	conn := c.(*Connector)
	t.Cleanup(func() { conn.Close(context.Background()) })

	schema, err := conn.Schema(context.Background())
	require.NoError(t, err)
	rec, err := columnar.RowsToRecord(memory.DefaultAllocator, schema, []columnar.Row{
		{int64(1), "click", 0.5},
		{int64(2), "view", 1.5},
		{int64(3), "click", nil},
		{int64(4), "click", 3.0},
		{int64(5), nil, 2.0},
	})
	require.NoError(t, err)
	n, err := conn.Write(context.Background(), base.NewSliceStream(schema, []arrow.Record{rec}))
	require.NoError(t, err)
	require.Equal(t, int64(5), n)
	return conn
}

func scanRows(t *testing.T, c core.Connector, req *core.ScanRequest) (*arrow.Schema, [][]interface{}) {
	t.Helper()
	s, err := c.Scan(testutil.TestContext(t), req)
	require.NoError(t, err)
	defer s.Close()
	recs, err := base.Collect(testutil.TestContext(t), s)
	require.NoError(t, err)
	var rows [][]interface{}
	for _, rec := range recs {
		require.True(t, rec.Schema().Equal(s.Schema()))
		for _, r := range columnar.RecordToRows(rec) {
			rows = append(rows, []interface{}(r))
		}
		rec.Release()
	}
	return s.Schema(), rows
}

func TestScanPushesEveryOperator(t *testing.T) {
	c := newTable(t, core.AllCapabilities)

	_, rows := scanRows(t, c, &core.ScanRequest{
		Columns: []string{"id", "score"},
		Filters: []expr.Expr{expr.Eq(expr.Col("kind"), expr.Lit("click"))},
		Sort:    []core.SortField{{Column: "score", Desc: true}},
		Limit:   2,
	})
	assert.Equal(t, [][]interface{}{{int64(3), nil}, {int64(4), 3.0}}, rows)

	schema, rows := scanRows(t, c, &core.ScanRequest{
		GroupBy:    []string{"kind"},
		Aggregates: []expr.Aggregate{{Func: expr.AggCount, Alias: "n"}, {Func: expr.AggSum, Arg: expr.Col("score")}},
		Sort:       []core.SortField{{Column: "n", Desc: true}},
	})
	assert.Equal(t, []string{"kind", "n", "sum_score"}, fieldNames(schema))
	assert.Equal(t, [][]interface{}{
		{"click", int64(3), 3.5},
		{"view", int64(1), 1.5},
		{nil, int64(1), 2.0},
	}, rows)
}

func TestScanHonoursOutputSchema(t *testing.T) {
	c := newTable(t, core.AllCapabilities)
	out := arrow.NewSchema([]arrow.Field{{Name: "e.id", Type: arrow.PrimitiveTypes.Int64}}, nil)

	schema, rows := scanRows(t, c, &core.ScanRequest{Columns: []string{"id"}, Limit: 1, OutputSchema: out})
	assert.Same(t, out, schema)
	assert.Equal(t, [][]interface{}{{int64(1)}}, rows)
}

func TestScanRejectsUndeclaredCapability(t *testing.T) {
	c := newTable(t, core.Caps(core.CapProjection))
	assert.Equal(t, core.Caps(core.CapProjection), c.Capabilities())

	_, err := c.Scan(context.Background(), &core.ScanRequest{Limit: 1})
	assert.True(t, errors.IsType(err, errors.ErrorTypeCapability))
}

func TestWriteRejectsMismatchedBatches(t *testing.T) {
	c := newTable(t, core.AllCapabilities)
	rec := testutil.Int64Record(t, 1, 2)
	_, err := c.Write(context.Background(), base.NewSliceStream(rec.Schema(), []arrow.Record{rec}))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeProtocolViolation))
	assert.Equal(t, int64(5), c.Table().Rows(), "a rejected stream appends nothing")
}

func TestFactoryRequiresSchema(t *testing.T) {
	_, err := Factory(context.Background(), &core.Descriptor{Name: "x", Kind: Kind}, core.Dependencies{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func fieldNames(s *arrow.Schema) []string {
	out := make([]string, s.NumFields())
	for i, f := range s.Fields() {
		out[i] = f.Name
	}
	return out
}
