package columnar

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/meridian/pkg/errors"
)

func TestMappers(t *testing.T) {
	tests := []struct {
		mapper TypeMapper
		native NativeType
		want   arrow.DataType
	}{
		{Postgres, NativeType{Name: "bigint"}, arrow.PrimitiveTypes.Int64},
		{Postgres, NativeType{OID: OIDInt4}, arrow.PrimitiveTypes.Int32},
		{Postgres, NativeType{Name: "numeric", Precision: 12, Scale: 2}, &arrow.Decimal128Type{Precision: 12, Scale: 2}},
		{Postgres, NativeType{Name: "numeric"}, arrow.BinaryTypes.String},
		{Postgres, NativeType{OID: OIDTimestamptz}, TimestampUTC},
		{Postgres, NativeType{Name: "timestamp without time zone"}, TimestampLocal},
		{Postgres, NativeType{Name: "jsonb"}, arrow.BinaryTypes.String},
		{Postgres, NativeType{OID: OIDBytea}, arrow.BinaryTypes.Binary},
		{MySQL, NativeType{Name: "UNSIGNED BIGINT"}, arrow.PrimitiveTypes.Uint64},
		{MySQL, NativeType{Name: "DECIMAL", Precision: 10, Scale: 4}, &arrow.Decimal128Type{Precision: 10, Scale: 4}},
		{MySQL, NativeType{Name: "TIMESTAMP"}, TimestampUTC},
		{MySQL, NativeType{Name: "DATETIME"}, TimestampLocal},
		{SQLite, NativeType{Name: "INTEGER"}, arrow.PrimitiveTypes.Int64},
		{SQLite, NativeType{Name: "VARCHAR(20)"}, arrow.BinaryTypes.String},
		{SQLite, NativeType{Name: "DECIMAL(8,3)"}, &arrow.Decimal128Type{Precision: 8, Scale: 3}},
		{SQLite, NativeType{Name: "double precision"}, arrow.PrimitiveTypes.Float64},
		{Snowflake, NativeType{Name: "FIXED", Precision: 18}, arrow.PrimitiveTypes.Int64},
		{Snowflake, NativeType{Name: "FIXED", Precision: 38, Scale: 6}, &arrow.Decimal128Type{Precision: 38, Scale: 6}},
		{Snowflake, NativeType{Name: "TIMESTAMP_TZ"}, TimestampUTC},
		{BigQuery, NativeType{Name: "NUMERIC"}, &arrow.Decimal128Type{Precision: 38, Scale: 9}},
		{BigQuery, NativeType{Name: "TIME"}, TimeOfDay},
		{DuckDB, NativeType{Name: "DECIMAL(18,3)"}, &arrow.Decimal128Type{Precision: 18, Scale: 3}},
		{DuckDB, NativeType{Name: "TIMESTAMPTZ"}, TimestampUTC},
		{Mongo, NativeType{Name: "objectID"}, arrow.BinaryTypes.String},
		{Mongo, NativeType{Name: "128-bit decimal"}, arrow.BinaryTypes.String},
	}

	for _, tt := range tests {
		t.Run(tt.mapper.Backend()+"/"+tt.native.String(), func(t *testing.T) {
			got, err := tt.mapper.ArrowType(tt.native)
			require.NoError(t, err)
			assert.True(t, arrow.TypeEqual(tt.want, got), "want %s, got %s", tt.want, got)
		})
	}
}

func TestMappersRejectUnsupported(t *testing.T) {
	tests := []struct {
		mapper TypeMapper
		native NativeType
	}{
		{Postgres, NativeType{Name: "interval"}},
		{Postgres, NativeType{OID: 1186}},
		{Postgres, NativeType{Name: "numeric", Precision: 60, Scale: 2}},
		{MySQL, NativeType{Name: "GEOMETRY"}},
		{SQLite, NativeType{Name: ""}},
		{BigQuery, NativeType{Name: "RECORD"}},
		{DuckDB, NativeType{Name: "INTERVAL"}},
		{Mongo, NativeType{Name: "regex"}},
	}

	for _, tt := range tests {
		t.Run(tt.mapper.Backend()+"/"+tt.native.String(), func(t *testing.T) {
			_, err := tt.mapper.ArrowType(tt.native)
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeUnsupportedType))
		})
	}
}

func TestPostgresNumericModifier(t *testing.T) {
	// numeric(12,2) is encoded as ((12 << 16) | 2) + 4
	p, s, ok := PostgresNumericModifier((12<<16 | 2) + 4)
	require.True(t, ok)
	assert.Equal(t, int32(12), p)
	assert.Equal(t, int32(2), s)

	_, _, ok = PostgresNumericModifier(-1)
	assert.False(t, ok)
}
