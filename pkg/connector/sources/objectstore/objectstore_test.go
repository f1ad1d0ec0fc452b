package objectstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/meridian/pkg/columnar"
	"github.com/ajitpratap0/meridian/pkg/compression"
	"github.com/ajitpratap0/meridian/pkg/connector/base"
	"github.com/ajitpratap0/meridian/pkg/connector/core"
	"github.com/ajitpratap0/meridian/pkg/connector/registry"
	"github.com/ajitpratap0/meridian/pkg/errors"
	"github.com/ajitpratap0/meridian/pkg/expr"
	"github.com/ajitpratap0/meridian/pkg/formats"
	"github.com/ajitpratap0/meridian/pkg/pool"
	"github.com/ajitpratap0/meridian/pkg/testutil"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	f, err := os.Create(p)
	require.NoError(t, err)
	defer f.Close()
	alg, _ := compression.FromPath(name)
	w, err := compression.NewWriter(alg, f, compression.Default)
	require.NoError(t, err)
	_, err = w.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func openDir(t *testing.T, dir string, options map[string]string) *Connector {
	t.Helper()
	testutil.TestLogger(t)
	reg := pool.NewRegistry()
	t.Cleanup(reg.Close)
	desc := &core.Descriptor{
		Name:         "events",
		Kind:         Kind,
		Address:      dir,
		Capabilities: core.AllCapabilities,
		Options:      options,
		BatchSize:    2,
	}
	c, err := registry.Create(context.Background(), desc, core.Dependencies{Pools: reg})
	require.NoError(t, err)
	conn := c.(*Connector)
	t.Cleanup(func() { conn.Close(context.Background()) })
	return conn
}

func scanRows(t *testing.T, c core.Connector, req *core.ScanRequest) []columnar.Row {
	t.Helper()
	s, err := c.Scan(testutil.TestContext(t), req)
	require.NoError(t, err)
	defer s.Close()
	recs, err := base.Collect(testutil.TestContext(t), s)
	require.NoError(t, err)
	var rows []columnar.Row
	for _, rec := range recs {
		require.True(t, rec.Schema().Equal(s.Schema()))
		rows = append(rows, columnar.RecordToRows(rec)...)
		rec.Release()
	}
	return rows
}

func csvDir(t *testing.T) string {
	dir := t.TempDir()
	writeFile(t, dir, "a.csv", "id,kind,score\n1,click,0.5\n2,view,1.5\n")
	writeFile(t, dir, "b.csv.gz", "id,kind,score\n3,click,2.5\n4,,3.5\n")
	writeFile(t, dir, "_SUCCESS", "done")
	writeFile(t, dir, ".hidden.csv", "x\n1\n")
	writeFile(t, dir, "notes.txt", "not data")
	return dir
}

func TestNativeCapabilities(t *testing.T) {
	c := openDir(t, t.TempDir(), map[string]string{"schema": "id int64"})
	assert.Equal(t, native, c.Capabilities())
	assert.False(t, c.Capabilities().Has(core.CapSort))
	assert.False(t, c.Capabilities().Has(core.CapAggregate))
}

func TestSchemaInferredFromFirstObject(t *testing.T) {
	c := openDir(t, csvDir(t), nil)
	schema, err := c.Schema(testutil.TestContext(t))
	require.NoError(t, err)
	require.Equal(t, 3, schema.NumFields())
	assert.Equal(t, "id", schema.Field(0).Name)
	assert.Equal(t, arrow.PrimitiveTypes.Int64, schema.Field(0).Type)
	assert.Equal(t, arrow.BinaryTypes.String, schema.Field(1).Type)
	assert.Equal(t, arrow.PrimitiveTypes.Float64, schema.Field(2).Type)
}

func TestScanReadsEveryObject(t *testing.T) {
	c := openDir(t, csvDir(t), map[string]string{"parallelism": "1"})
	rows := scanRows(t, c, nil)
	assert.Equal(t, []columnar.Row{
		{int64(1), "click", 0.5},
		{int64(2), "view", 1.5},
		{int64(3), "click", 2.5},
		{int64(4), nil, 3.5},
	}, rows)
}

func TestScanAppliesPushedOperators(t *testing.T) {
	c := openDir(t, csvDir(t), map[string]string{"parallelism": "1"})
	rows := scanRows(t, c, &core.ScanRequest{
		Columns: []string{"kind", "id"},
		Filters: []expr.Expr{expr.Gt(expr.Col("score"), expr.Lit(1.0))},
	})
	assert.Equal(t, []columnar.Row{{"view", int64(2)}, {"click", int64(3)}, {nil, int64(4)}}, rows)
}

func TestLimitSpansObjects(t *testing.T) {
	c := openDir(t, csvDir(t), nil)
	rows := scanRows(t, c, &core.ScanRequest{Limit: 3})
	assert.Len(t, rows, 3)
}

func TestPatternSelectsObjects(t *testing.T) {
	c := openDir(t, csvDir(t), map[string]string{"pattern": "b*"})
	rows := scanRows(t, c, &core.ScanRequest{Columns: []string{"id"}})
	assert.ElementsMatch(t, []columnar.Row{{int64(3)}, {int64(4)}}, rows)
}

func TestTableIsASubPrefix(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "day=1/part-0.csv", "id\n1\n")
	writeFile(t, dir, "day=10/part-0.csv", "id\n10\n")
	testutil.TestLogger(t)
	desc := &core.Descriptor{Name: "days", Kind: Kind, Address: "file://" + filepath.ToSlash(dir), Table: "day=1"}
	c, err := New(desc, core.Dependencies{})
	require.NoError(t, err)
	defer c.Close(context.Background())
	assert.Equal(t, []columnar.Row{{int64(1)}}, scanRows(t, c, nil))
}

func TestEmptyPrefixNeedsSchema(t *testing.T) {
	c := openDir(t, t.TempDir(), nil)
	_, err := c.Schema(testutil.TestContext(t))
	assert.True(t, errors.IsType(err, errors.ErrorTypeSchemaUnavailable))
}

func TestMismatchedObjectFailsScan(t *testing.T) {
	dir := t.TempDir()
	bad := arrow.NewSchema([]arrow.Field{{Name: "id", Type: arrow.BinaryTypes.String}}, nil)
	rec, err := columnar.RowsToRecord(memory.DefaultAllocator, bad, []columnar.Row{{"x"}})
	require.NoError(t, err)
	defer rec.Release()
	f, err := os.Create(filepath.Join(dir, "bad.arrow"))
	require.NoError(t, err)
	w, err := formats.NewWriter(formats.Arrow, f, bad, formats.Options{})
	require.NoError(t, err)
	require.NoError(t, w.Write(rec))
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	c := openDir(t, dir, map[string]string{"schema": "id int64"})
	s, err := c.Scan(testutil.TestContext(t), nil)
	require.NoError(t, err)
	defer s.Close()
	_, err = base.Collect(testutil.TestContext(t), s)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeData), "got %v", err)
}

func writeRows(t *testing.T, c *Connector, rows []columnar.Row) int64 {
	t.Helper()
	schema, err := c.Schema(testutil.TestContext(t))
	require.NoError(t, err)
	rec, err := columnar.RowsToRecord(memory.DefaultAllocator, schema, rows)
	require.NoError(t, err)
	n, err := c.Write(testutil.TestContext(t), base.NewSliceStream(schema, []arrow.Record{rec}))
	require.NoError(t, err)
	return n
}

func TestWriteCreatesObject(t *testing.T) {
	dir := t.TempDir()
	c := openDir(t, dir, map[string]string{"schema": "id int64 not null; kind utf8"})
	n := writeRows(t, c, []columnar.Row{{int64(1), "click"}, {int64(2), nil}})
	assert.Equal(t, int64(2), n)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "part-"))
	assert.True(t, strings.HasSuffix(entries[0].Name(), ".parquet"))

	assert.ElementsMatch(t, []columnar.Row{{int64(1), "click"}, {int64(2), nil}}, scanRows(t, c, nil))
}

func TestWriteCompressedCSV(t *testing.T) {
	dir := t.TempDir()
	c := openDir(t, dir, map[string]string{
		"schema":            "id int64 not null; kind utf8",
		"write_format":      "csv",
		"write_compression": "zstd",
	})
	writeRows(t, c, []columnar.Row{{int64(7), "view"}})
	writeRows(t, c, []columnar.Row{{int64(8), "click"}})

	matches, err := filepath.Glob(filepath.Join(dir, "part-*.csv.zst"))
	require.NoError(t, err)
	assert.Len(t, matches, 2)
	assert.ElementsMatch(t, []columnar.Row{{int64(7), "view"}, {int64(8), "click"}}, scanRows(t, c, nil))
}

func TestWriteRejectsWrongShape(t *testing.T) {
	dir := t.TempDir()
	c := openDir(t, dir, map[string]string{"schema": "id int64 not null; kind utf8"})
	narrow := arrow.NewSchema([]arrow.Field{{Name: "id", Type: arrow.PrimitiveTypes.Int64}}, nil)
	rec, err := columnar.RowsToRecord(memory.DefaultAllocator, narrow, []columnar.Row{{int64(1)}})
	require.NoError(t, err)
	_, err = c.Write(testutil.TestContext(t), base.NewSliceStream(narrow, []arrow.Record{rec}))
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "failed writes leave no object behind")
}

func TestParseLocation(t *testing.T) {
	tests := []struct {
		desc core.Descriptor
		want location
	}{
		{core.Descriptor{Address: "s3://lake/events/"}, location{scheme: schemeS3, bucket: "lake", prefix: "events"}},
		{core.Descriptor{Address: "s3a://lake"}, location{scheme: schemeS3, bucket: "lake"}},
		{core.Descriptor{Address: "gs://lake/raw", Table: "/clicks/"}, location{scheme: schemeGCS, bucket: "lake", prefix: "raw/clicks"}},
		{core.Descriptor{DSN: "file:///data/lake"}, location{scheme: schemeFile, bucket: filepath.Clean("/data/lake")}},
		{core.Descriptor{Address: "data/lake/"}, location{scheme: schemeFile, bucket: filepath.Clean("data/lake")}},
	}
	for _, tt := range tests {
		got, err := parseLocation(&tt.desc)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	for _, addr := range []string{"", "ftp://host/x", "s3:///nobucket"} {
		_, err := parseLocation(&core.Descriptor{Name: "x", Address: addr})
		assert.True(t, errors.IsType(err, errors.ErrorTypeConfig), addr)
	}
}

func TestOptionsAreValidated(t *testing.T) {
	for _, opts := range []map[string]string{
		{"parallelism": "0"},
		{"delimiter": "ab"},
		{"format": "orc"},
		{"compression": "brotli"},
		{"header": "maybe"},
		{"pattern": "["},
		{"filename_regex": "("},
		{"mode": "listing"},
		{"mode": "metadata", "schema": "id int64"},
		{"mode": "metadata", "format": "csv"},
	} {
		_, err := New(&core.Descriptor{Name: "x", Kind: Kind, Address: t.TempDir(), Options: opts}, core.Dependencies{})
		assert.True(t, errors.IsType(err, errors.ErrorTypeConfig), "%v: %v", opts, err)
	}
}

func TestRenderQuery(t *testing.T) {
	dir := t.TempDir()
	c := openDir(t, dir, map[string]string{"schema": "id int64", "format": "jsonl"})
	q, err := c.RenderQuery(&core.ScanRequest{Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, "objectstore "+filepath.Clean(dir)+"/ format=jsonl: limit=5", q)
}

func TestFilenameRegexSelectsObjects(t *testing.T) {
	c := openDir(t, csvDir(t), map[string]string{"filename_regex": `^a\.`})
	rows := scanRows(t, c, &core.ScanRequest{Columns: []string{"id"}})
	assert.Equal(t, []columnar.Row{{int64(1)}, {int64(2)}}, rows)
}

func TestMetadataModeListsObjects(t *testing.T) {
	c := openDir(t, csvDir(t), map[string]string{"mode": "metadata"})
	schema, err := c.Schema(testutil.TestContext(t))
	require.NoError(t, err)
	assert.True(t, schema.Equal(MetadataSchema))

	rows := scanRows(t, c, nil)
	require.Len(t, rows, 5)
	var locations []string
	for _, row := range rows {
		locations = append(locations, row[0].(string))
		modified, ok := row[1].(time.Time)
		require.True(t, ok)
		assert.WithinDuration(t, time.Now(), modified, time.Hour)
		assert.NotNil(t, row[3], "local objects carry an etag")
		assert.Nil(t, row[4])
	}
	assert.Equal(t, []string{".hidden.csv", "_SUCCESS", "a.csv", "b.csv.gz", "notes.txt"}, locations)
	assert.Equal(t, uint64(4), rows[1][2])
	assert.Equal(t, uint64(8), rows[4][2])
}

func TestMetadataModeAppliesOptionsAndOperators(t *testing.T) {
	dir := csvDir(t)
	c := openDir(t, dir, map[string]string{"mode": "metadata", "filename_regex": `\.csv`})
	rows := scanRows(t, c, &core.ScanRequest{Columns: []string{"location"}})
	assert.Equal(t, []columnar.Row{{".hidden.csv"}, {"a.csv"}, {"b.csv.gz"}}, rows)

	rows = scanRows(t, c, &core.ScanRequest{Columns: []string{"location"}, Limit: 2})
	assert.Equal(t, []columnar.Row{{".hidden.csv"}, {"a.csv"}}, rows)

	rows = scanRows(t, c, &core.ScanRequest{
		Columns: []string{"location"},
		Filters: []expr.Expr{expr.Eq(expr.Col("location"), expr.Lit("b.csv.gz"))},
		Limit:   1,
	})
	assert.Equal(t, []columnar.Row{{"b.csv.gz"}}, rows)
}

func TestMetadataModeRejectsWrites(t *testing.T) {
	c := openDir(t, t.TempDir(), map[string]string{"mode": "metadata"})
	_, err := c.Write(testutil.TestContext(t), base.NewSliceStream(MetadataSchema, nil))
	assert.True(t, errors.IsType(err, errors.ErrorTypeCapability), "%v", err)

	q, err := c.RenderQuery(&core.ScanRequest{Limit: 5})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(q, "objectstore metadata "), q)
}
