package columnar

import (
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
)

type snowflakeMapper struct{}

// Snowflake maps gosnowflake DatabaseTypeName values.
var Snowflake TypeMapper = snowflakeMapper{}

func (snowflakeMapper) Backend() string { return "snowflake" }

func (m snowflakeMapper) ArrowType(n NativeType) (arrow.DataType, error) {
	switch strings.ToUpper(baseName(n.Name)) {
	case "FIXED", "NUMBER":
		if n.Scale == 0 && n.Precision > 0 && n.Precision <= 18 {
			return arrow.PrimitiveTypes.Int64, nil
		}
		return DecimalType(m.Backend(), n)
	case "REAL", "FLOAT", "DOUBLE":
		return arrow.PrimitiveTypes.Float64, nil
	case "TEXT", "VARCHAR", "STRING", "VARIANT", "OBJECT", "ARRAY":
		return arrow.BinaryTypes.String, nil
	case "BOOLEAN":
		return arrow.FixedWidthTypes.Boolean, nil
	case "BINARY":
		return arrow.BinaryTypes.Binary, nil
	case "DATE":
		return Date, nil
	case "TIME":
		return TimeOfDay, nil
	case "TIMESTAMP_NTZ":
		return TimestampLocal, nil
	case "TIMESTAMP_LTZ", "TIMESTAMP_TZ":
		return TimestampUTC, nil
	default:
		return nil, unsupported(m.Backend(), n)
	}
}
