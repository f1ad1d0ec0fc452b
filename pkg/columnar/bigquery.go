package columnar

import (
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
)

type bigqueryMapper struct{}

// BigQuery maps BigQuery field types. Repeated and RECORD fields are not
// supported.
var BigQuery TypeMapper = bigqueryMapper{}

func (bigqueryMapper) Backend() string { return "bigquery" }

func (m bigqueryMapper) ArrowType(n NativeType) (arrow.DataType, error) {
	switch strings.ToUpper(n.Name) {
	case "INTEGER", "INT64":
		return arrow.PrimitiveTypes.Int64, nil
	case "FLOAT", "FLOAT64":
		return arrow.PrimitiveTypes.Float64, nil
	case "NUMERIC":
		if n.Precision == 0 {
			n.Precision, n.Scale = 38, 9
		}
		return DecimalType(m.Backend(), n)
	case "BIGNUMERIC", "STRING", "JSON", "GEOGRAPHY":
		return arrow.BinaryTypes.String, nil
	case "BOOLEAN", "BOOL":
		return arrow.FixedWidthTypes.Boolean, nil
	case "BYTES":
		return arrow.BinaryTypes.Binary, nil
	case "DATE":
		return Date, nil
	case "DATETIME":
		return TimestampLocal, nil
	case "TIMESTAMP":
		return TimestampUTC, nil
	case "TIME":
		return TimeOfDay, nil
	default:
		return nil, unsupported(m.Backend(), n)
	}
}
