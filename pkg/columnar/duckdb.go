package columnar

import (
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
)

type duckdbMapper struct{}

// DuckDB maps duckdb-go DatabaseTypeName values.
var DuckDB TypeMapper = duckdbMapper{}

func (duckdbMapper) Backend() string { return "duckdb" }

func (m duckdbMapper) ArrowType(n NativeType) (arrow.DataType, error) {
	name := strings.ToUpper(strings.TrimSpace(n.Name))
	switch strings.ToUpper(baseName(name)) {
	case "BOOLEAN":
		return arrow.FixedWidthTypes.Boolean, nil
	case "TINYINT":
		return arrow.PrimitiveTypes.Int8, nil
	case "SMALLINT":
		return arrow.PrimitiveTypes.Int16, nil
	case "INTEGER":
		return arrow.PrimitiveTypes.Int32, nil
	case "BIGINT":
		return arrow.PrimitiveTypes.Int64, nil
	case "UTINYINT":
		return arrow.PrimitiveTypes.Uint8, nil
	case "USMALLINT":
		return arrow.PrimitiveTypes.Uint16, nil
	case "UINTEGER":
		return arrow.PrimitiveTypes.Uint32, nil
	case "UBIGINT":
		return arrow.PrimitiveTypes.Uint64, nil
	case "HUGEINT":
		return DecimalType(m.Backend(), NativeType{Name: n.Name, Precision: 38})
	case "FLOAT":
		return arrow.PrimitiveTypes.Float32, nil
	case "DOUBLE":
		return arrow.PrimitiveTypes.Float64, nil
	case "DECIMAL":
		if p, s, ok := parseDecimalSuffix(name); ok {
			n.Precision, n.Scale = p, s
		}
		return DecimalType(m.Backend(), n)
	case "VARCHAR", "JSON":
		return arrow.BinaryTypes.String, nil
	case "BLOB", "UUID":
		return arrow.BinaryTypes.Binary, nil
	case "DATE":
		return Date, nil
	case "TIME":
		return TimeOfDay, nil
	case "TIMESTAMP":
		return TimestampLocal, nil
	case "TIMESTAMPTZ", "TIMESTAMP WITH TIME ZONE":
		return TimestampUTC, nil
	default:
		return nil, unsupported(m.Backend(), n)
	}
}
