package columnar

import (
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/meridian/pkg/errors"
)

func roundTripSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "b", Type: arrow.FixedWidthTypes.Boolean, Nullable: true},
		{Name: "i16", Type: arrow.PrimitiveTypes.Int16, Nullable: true},
		{Name: "i32", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
		{Name: "i64", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
		{Name: "u64", Type: arrow.PrimitiveTypes.Uint64, Nullable: true},
		{Name: "f32", Type: arrow.PrimitiveTypes.Float32, Nullable: true},
		{Name: "f64", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "s", Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: "bin", Type: arrow.BinaryTypes.Binary, Nullable: true},
		{Name: "d", Type: Date, Nullable: true},
		{Name: "ts", Type: TimestampLocal, Nullable: true},
		{Name: "tstz", Type: TimestampUTC, Nullable: true},
		{Name: "tod", Type: TimeOfDay, Nullable: true},
		{Name: "dec", Type: &arrow.Decimal128Type{Precision: 12, Scale: 2}, Nullable: true},
	}, nil)
}

// Native rows, as a driver would hand them over for ingestion.
func roundTripRows() []Row {
	day := time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)
	ts := time.Date(2024, 2, 29, 13, 45, 10, 123456000, time.UTC)
	return []Row{
		{true, int16(-7), int32(1 << 30), int64(-1 << 40), uint64(1 << 63), float32(1.5), 2.25,
			"héllo", []byte{0, 1, 2}, day, ts, ts, "13:45:10.123456", "1234567890.12"},
		{nil, nil, nil, nil, nil, nil, nil, nil, nil, nil, nil, nil, nil, nil},
		{false, int16(0), int32(0), int64(0), uint64(0), float32(0), 0.0,
			"", []byte{}, day.AddDate(-60, 0, 0), ts.AddDate(30, 0, 0), ts, "00:00:00.000000", "-0.01"},
	}
}

func TestRoundTripPreservesValuesAndNulls(t *testing.T) {
	schema := roundTripSchema()
	rows := roundTripRows()

	rec, err := RowsToRecord(memory.NewGoAllocator(), schema, rows)
	require.NoError(t, err)
	defer rec.Release()
	require.Equal(t, int64(len(rows)), rec.NumRows())

	back := RecordToNativeRows(rec)
	require.Len(t, back, len(rows))

	for i := range rows {
		for j := range rows[i] {
			want, got := rows[i][j], back[i][j]
			field := schema.Field(j).Name
			if want == nil {
				assert.Nil(t, got, "row %d field %s", i, field)
				continue
			}
			if wt, ok := want.(time.Time); ok {
				gt, ok := got.(time.Time)
				require.True(t, ok, "row %d field %s: got %T", i, field, got)
				assert.True(t, wt.Equal(gt), "row %d field %s: want %s, got %s", i, field, wt, gt)
				continue
			}
			assert.Equal(t, want, got, "row %d field %s", i, field)
		}
	}
}

func TestTimestampTimeZoneIsTagged(t *testing.T) {
	b := array.NewTimestampBuilder(memory.DefaultAllocator, TimestampUTC.(*arrow.TimestampType))
	defer b.Release()

	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	instant := time.Date(2024, 6, 1, 12, 0, 0, 0, berlin)
	require.NoError(t, AppendValue(b, instant))

	arr := b.NewArray()
	defer arr.Release()

	got := Value(arr, 0).(time.Time)
	assert.True(t, instant.Equal(got))
	assert.Equal(t, "UTC", got.Location().String())
	assert.Equal(t, "UTC", arr.DataType().(*arrow.TimestampType).TimeZone)
}

func TestAppendValueCoercions(t *testing.T) {
	mem := memory.DefaultAllocator

	i32 := array.NewInt32Builder(mem)
	defer i32.Release()
	require.NoError(t, AppendValue(i32, []byte("42")))
	require.NoError(t, AppendValue(i32, int64(7)))
	require.NoError(t, AppendValue(i32, float64(3)))

	err := AppendValue(i32, int64(1)<<40)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeData))

	err = AppendValue(i32, 1.5)
	require.Error(t, err)

	arr := i32.NewArray()
	defer arr.Release()
	assert.Equal(t, []interface{}{int32(42), int32(7), int32(3)},
		[]interface{}{Value(arr, 0), Value(arr, 1), Value(arr, 2)})

	str := array.NewStringBuilder(mem)
	defer str.Release()
	require.NoError(t, AppendValue(str, map[string]interface{}{"k": 1.0}))
	sarr := str.NewArray()
	defer sarr.Release()
	assert.Equal(t, `{"k":1}`, Value(sarr, 0))
}

func TestDecimalKeepsScale(t *testing.T) {
	dt := &arrow.Decimal128Type{Precision: 10, Scale: 3}
	b := array.NewDecimal128Builder(memory.DefaultAllocator, dt)
	defer b.Release()

	require.NoError(t, AppendValue(b, "12.5"))
	require.NoError(t, AppendValue(b, int64(4)))
	arr := b.NewArray()
	defer arr.Release()

	d := Value(arr, 0).(Decimal)
	assert.Equal(t, "12.500", d.String())
	assert.Equal(t, int32(3), d.Scale)
	assert.Equal(t, "4.000", NativeValue(arr, 1))
	f, _ := d.Rat().Float64()
	assert.InDelta(t, 12.5, f, 1e-9)
}

func TestBatcher(t *testing.T) {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "name", Type: arrow.BinaryTypes.String, Nullable: true},
	}, nil)
	b := NewBatcher(nil, schema, 2)
	defer b.Release()

	require.NoError(t, b.Append(Row{int64(1), "a"}))
	assert.False(t, b.Full())
	require.NoError(t, b.Append(Row{int64(2), nil}))
	assert.True(t, b.Full())

	rec := b.Flush()
	require.NotNil(t, rec)
	defer rec.Release()
	assert.Equal(t, int64(2), rec.NumRows())
	assert.Nil(t, b.Flush())

	t.Run("null in non-nullable field", func(t *testing.T) {
		err := b.Append(Row{nil, "x"})
		require.Error(t, err)
		assert.Equal(t, 0, b.Len())
	})

	t.Run("bad value keeps pending rows", func(t *testing.T) {
		require.NoError(t, b.Append(Row{int64(3), "c"}))
		require.Error(t, b.Append(Row{"not a number", "d"}))
		assert.Equal(t, 1, b.Len())
		rec := b.Flush()
		defer rec.Release()
		assert.Equal(t, [][]interface{}{{int64(3), "c"}}, toPlain(RecordToRows(rec)))
	})

	t.Run("wrong arity", func(t *testing.T) {
		require.Error(t, b.Append(Row{int64(1)}))
	})
}

func toPlain(rows []Row) [][]interface{} {
	out := make([][]interface{}, len(rows))
	for i, r := range rows {
		out[i] = []interface{}(r)
	}
	return out
}
